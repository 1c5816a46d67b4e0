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

package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-envelope/pkg/kek"
	"github.com/jeremyhahn/go-envelope/pkg/storage"
)

// statusChecker is implemented by providers with a liveness probe.
type statusChecker interface {
	Status(ctx context.Context) error
}

func (a *app) newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check that the configured provider is usable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withProvider(cmd, func(ctx context.Context, _ storage.Backend, p kek.Provider) error {
				target := a.cfg.DataDir
				if checker, ok := p.(statusChecker); ok {
					target = a.cfg.KMSURL
					if err := checker.Status(ctx); err != nil {
						return err
					}
				}
				return a.printer(cmd).PrintStatus(p.Kind(), target)
			})
		},
	}
}
