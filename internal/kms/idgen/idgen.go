// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-envelope.
//
// go-envelope is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package idgen issues KEK identifiers. Ids are 64-bit snowflakes rendered
// as decimal strings; they sort by creation time and never repeat for a
// given node id.
package idgen

import (
	"fmt"

	"github.com/bwmarrin/snowflake"
)

// Generator issues unique ids.
type Generator interface {
	Next() string
}

// Snowflake is a Generator over a snowflake node. The node serializes
// Generate internally, so Next is safe for concurrent use.
type Snowflake struct {
	node *snowflake.Node
}

// NewSnowflake creates a generator for nodeID, which must be in
// [0, 1023] and unique among KMS instances sharing a store.
func NewSnowflake(nodeID int64) (*Snowflake, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("idgen: %w", err)
	}
	return &Snowflake{node: node}, nil
}

// Next returns a new id.
func (s *Snowflake) Next() string {
	return s.node.Generate().String()
}
