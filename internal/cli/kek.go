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
	"errors"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-envelope/pkg/kek"
	"github.com/jeremyhahn/go-envelope/pkg/storage"
)

// withProvider opens storage and the configured provider for the duration
// of fn.
func (a *app) withProvider(cmd *cobra.Command, fn func(ctx context.Context, store storage.Backend, p kek.Provider) error) (err error) {
	store, err := a.cfg.openStorage()
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, store.Close()) }()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	p, err := a.cfg.openProvider(ctx, store, a.log)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, p.Close()) }()

	return fn(ctx, store, p)
}

func (a *app) newKEKCmd() *cobra.Command {
	kekCmd := &cobra.Command{
		Use:   "kek",
		Short: "Key encryption key operations",
	}
	kekCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Provision a new KEK",
		Long: `Provision a new key encryption key. With the remote provider the KMS
generates the key, seals it to a fresh TPM persistent handle and returns its
id. The local provider has a single fixed KEK.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withProvider(cmd, func(ctx context.Context, _ storage.Backend, p kek.Provider) error {
				id, err := p.InitNewKEK(ctx)
				if err != nil {
					return err
				}
				return a.printer(cmd).PrintKEK(id, p.Kind())
			})
		},
	})
	return kekCmd
}
