// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of ats-kms-enclave.
//
// ats-kms-enclave is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package cli implements the kms-enclave command line interface for
// operating a local kernel: setup, enrollment management, key operations,
// and audit chain inspection.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/Lukium/ats-kms-enclave-sub003/internal/config"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/enclave"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/logging"
)

var (
	configFile   string
	debugLogging bool
	outputFormat string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "kms-enclave",
	Short: "kms-enclave - local secret-custody kernel",
	Long: `kms-enclave operates a local secret-custody kernel: a master secret
wrapped independently by each enrolled credential, unlocked through a
single zeroizing gate, with every privileged operation recorded in a
hash-chained, signed audit log.

Storage backends:
  - memory: ephemeral, for tests and scratch kernels
  - file:   directory-per-kernel with atomic record writes`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"config file (default is $HOME/.kms-enclave.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugLogging, "debug", "d", false,
		"debug logging")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text",
		"output format (text, json)")

	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(versionCmd)
}

// openEnclave loads configuration and constructs the kernel. The caller
// closes it.
func openEnclave() (*enclave.Enclave, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	backend, err := cfg.OpenBackend()
	if err != nil {
		return nil, err
	}
	return enclave.New(backend,
		enclave.WithLogger(logging.NewLogger(debugLogging || cfg.Debug)),
		enclave.WithCalibrationBand(cfg.Band()),
	), nil
}
