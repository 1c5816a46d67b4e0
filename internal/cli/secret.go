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
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-envelope/pkg/envelope"
	"github.com/jeremyhahn/go-envelope/pkg/kek"
	"github.com/jeremyhahn/go-envelope/pkg/storage"
)

const (
	// secretPrefix namespaces sealed secrets in the data directory.
	secretPrefix = "secrets/"

	// maxSecretSize bounds plaintext read from input.
	maxSecretSize = 1 << 20
)

func secretKey(name string) string {
	return secretPrefix + name
}

func validateName(name string) error {
	if name == "" || strings.HasPrefix(name, "/") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid secret name %q", name)
	}
	return nil
}

// readInput reads path, or stdin for "" and "-".
func readInput(cmd *cobra.Command, path string, limit int64) ([]byte, error) {
	var r io.Reader = cmd.InOrStdin()
	if path != "" && path != "-" {
		// #nosec G304 - path is provided by the operator
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open input: %w", err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read input: %w", err)
	}
	if int64(len(data)) > limit {
		clear(data)
		return nil, fmt.Errorf("input exceeds %d bytes", limit)
	}
	return data, nil
}

// writeOutput writes data to path with owner-only permissions, or to
// stdout for "" and "-".
func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func (a *app) newSealCmd() *cobra.Command {
	var in, out string
	var force bool

	cmd := &cobra.Command{
		Use:   "seal <name>",
		Short: "Seal a secret",
		Long: `Seal reads a secret from stdin (or --in), encrypts it under a fresh data
key bound to <name>, wraps the data key with the configured provider and
stores the result in the data directory. --out writes the sealed record to
a file or stdout instead.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := validateName(name); err != nil {
				return err
			}
			plaintext, err := readInput(cmd, in, maxSecretSize)
			if err != nil {
				return err
			}
			defer clear(plaintext)

			return a.withProvider(cmd, func(ctx context.Context, store storage.Backend, p kek.Provider) error {
				if a.cfg.KEKID != "" {
					ctx = kek.WithKEKID(ctx, a.cfg.KEKID)
				}
				sealer := envelope.NewSealer(p, envelope.WithLogger(a.log))
				secret, err := sealer.SealBytes(ctx, name, plaintext)
				if err != nil {
					return err
				}
				data, err := secret.Marshal()
				if err != nil {
					return err
				}

				if out != "" {
					if err := writeOutput(cmd, out, data); err != nil {
						return fmt.Errorf("failed to write sealed secret: %w", err)
					}
					if out == "-" {
						return nil
					}
					return a.printer(cmd).PrintSealed(secret, out)
				}

				opts := storage.DefaultOptions()
				opts.Exclusive = !force
				if err := store.Put(secretKey(name), data, opts); err != nil {
					if errors.Is(err, storage.ErrAlreadyExists) {
						return fmt.Errorf("secret %q already exists (use --force to replace it)", name)
					}
					return fmt.Errorf("failed to store secret: %w", err)
				}
				return a.printer(cmd).PrintSealed(secret, a.cfg.DataDir)
			})
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "read the secret from this file (- for stdin)")
	cmd.Flags().StringVar(&out, "out", "", "write the sealed record to this file (- for stdout)")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing secret")
	return cmd
}

func (a *app) newOpenCmd() *cobra.Command {
	var in, out string

	cmd := &cobra.Command{
		Use:   "open <name>",
		Short: "Open a sealed secret",
		Long: `Open unwraps the data key of a sealed secret and writes the plaintext to
stdout (or --out). The record is read from the data directory, or from --in.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := validateName(name); err != nil {
				return err
			}

			return a.withProvider(cmd, func(ctx context.Context, store storage.Backend, p kek.Provider) error {
				var data []byte
				var err error
				if in != "" {
					data, err = readInput(cmd, in, maxSecretSize*2)
				} else {
					data, err = store.Get(secretKey(name))
					if errors.Is(err, storage.ErrNotFound) {
						return fmt.Errorf("secret %q not found", name)
					}
				}
				if err != nil {
					return err
				}

				secret, err := envelope.Unmarshal(data)
				if err != nil {
					return err
				}
				if secret.Name != name {
					return fmt.Errorf("record holds secret %q, not %q", secret.Name, name)
				}

				pt, err := envelope.NewSealer(p, envelope.WithLogger(a.log)).Open(ctx, secret)
				if err != nil {
					return err
				}
				defer pt.Destroy()
				return writeOutput(cmd, out, pt.Bytes())
			})
		},
	}
	cmd.Flags().StringVar(&in, "in", "", "read the sealed record from this file (- for stdin)")
	cmd.Flags().StringVar(&out, "out", "", "write the plaintext to this file (- for stdout)")
	return cmd
}

func (a *app) newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List sealed secrets in the data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			store, err := a.cfg.openStorage()
			if err != nil {
				return err
			}
			defer func() { err = errors.Join(err, store.Close()) }()

			keys, err := store.List(secretPrefix)
			if err != nil {
				return fmt.Errorf("failed to list secrets: %w", err)
			}
			names := make([]string, 0, len(keys))
			for _, k := range keys {
				names = append(names, strings.TrimPrefix(k, secretPrefix))
			}
			return a.printer(cmd).PrintSecretList(names)
		},
	}
}
