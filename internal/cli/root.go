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

// Package cli implements the envelope operator command line: provisioning
// KEKs, sealing and opening secrets, and probing the configured provider.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-envelope/pkg/adapters/logger"
)

// envPrefix namespaces environment overrides, e.g. ENVELOPE_KMS_URL.
const envPrefix = "ENVELOPE"

// app carries state shared by the commands of one invocation.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *Config
	log     logger.Logger
}

// NewRootCmd builds the command tree with its own configuration, so
// separate invocations never share state.
func NewRootCmd() *cobra.Command {
	a := &app{v: viper.New()}
	setDefaults(a.v)

	rootCmd := &cobra.Command{
		Use:   "envelope",
		Short: "envelope - secrets sealed under TPM-backed key encryption keys",
		Long: `envelope seals named secrets with envelope encryption. Each secret is
encrypted under a fresh data encryption key, and that key is wrapped by a
key encryption key held by a provider:

  - remote: the TPM-backed KMS (production)
  - local:  a passphrase-derived key on this host (testing only)`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.initConfig,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is $HOME/.envelope.yaml)")
	flags.String("provider", "", "KEK provider (remote, local)")
	flags.String("data-dir", "", "directory for sealed secrets and local key records")
	flags.String("passphrase", "", "passphrase for the local provider")
	flags.String("kms-url", "", "KMS address for the remote provider")
	flags.String("kek-id", "", "KEK to wrap new secrets under")
	flags.String("tls-ca", "", "CA certificate for an https KMS")
	flags.String("tls-cert", "", "client certificate for mTLS")
	flags.String("tls-key", "", "client key for mTLS")
	flags.Bool("allow-kms-colocation", false, "allow a KMS on this host without a warning")
	flags.StringP("output", "o", "", "output format (text, json)")
	flags.BoolP("verbose", "v", false, "verbose output")

	bindings := map[string]string{
		keyProvider:        "provider",
		keyDataDir:         "data-dir",
		keyPassphrase:      "passphrase",
		keyKMSURL:          "kms-url",
		keyKEKID:           "kek-id",
		keyTLSCA:           "tls-ca",
		keyTLSCert:         "tls-cert",
		keyTLSKey:          "tls-key",
		keyAllowColocation: "allow-kms-colocation",
		keyOutput:          "output",
		keyVerbose:         "verbose",
	}
	for key, flag := range bindings {
		if err := a.v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("bind flag %s: %v", flag, err))
		}
	}

	rootCmd.AddCommand(a.newKEKCmd())
	rootCmd.AddCommand(a.newSealCmd())
	rootCmd.AddCommand(a.newOpenCmd())
	rootCmd.AddCommand(a.newListCmd())
	rootCmd.AddCommand(a.newStatusCmd())
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	cmd := NewRootCmd()
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		NewPrinter(string(OutputFormatText), cmd.ErrOrStderr()).PrintError(err)
	}
	return err
}

// initConfig reads the config file and environment, then validates.
func (a *app) initConfig(cmd *cobra.Command, args []string) error {
	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			a.v.AddConfigPath(home)
		}
		a.v.AddConfigPath(".")
		a.v.SetConfigType("yaml")
		a.v.SetConfigName(".envelope")
	}

	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := loadConfig(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = cfg.newLogger(cmd.ErrOrStderr())
	if used := a.v.ConfigFileUsed(); used != "" {
		a.log.Debug("using config file", logger.String("path", filepath.Clean(used)))
	}
	return nil
}

func (a *app) printer(cmd *cobra.Command) *Printer {
	return NewPrinter(a.cfg.OutputFormat, cmd.OutOrStdout())
}
