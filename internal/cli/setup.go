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

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Lukium/ats-kms-enclave-sub003/internal/zero"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/enclave"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/enclave/record"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Initialize the kernel with a passphrase enrollment",
	Long: `Generates the master secret, enrolls the first passphrase credential
with a host-calibrated KDF cost, and roots the audit chain. Fails if the
kernel is already set up.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnclave()
		if err != nil {
			return err
		}
		defer e.Close()

		pass, err := readNewPassphrase()
		if err != nil {
			return err
		}
		defer zero.Bytes(pass)

		cred := &enclave.Credential{Method: record.MethodPassphrase, Secret: pass}
		defer cred.Wipe()
		if err := e.Setup(cred); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Kernel initialized.")
		return nil
	},
}
