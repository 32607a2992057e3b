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
	"bytes"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Lukium/ats-kms-enclave-sub003/internal/zero"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/enclave"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/enclave/record"
)

var (
	enrollMethod     string
	enrollID         string
	enrollSecretFile string
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Manage credential enrollments",
}

var enrollAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Enroll an additional credential",
	Long: `Wraps the existing master secret under a new credential. The current
passphrase proves possession. Passphrase enrollments prompt for the new
passphrase; platform enrollments read the authenticator secret from the
file given with --secret-file and require --id.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnclave()
		if err != nil {
			return err
		}
		defer e.Close()

		existing, err := promptExistingCredential()
		if err != nil {
			return err
		}
		defer existing.Wipe()

		next, err := buildNewCredential()
		if err != nil {
			return err
		}
		defer next.Wipe()

		if err := e.AddEnrollment(cmd.Context(), existing, next); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Credential enrolled.")
		return nil
	},
}

var enrollListCmd = &cobra.Command{
	Use:   "list",
	Short: "List enrollments",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnclave()
		if err != nil {
			return err
		}
		defer e.Close()

		enrollments, err := e.ListEnrollments()
		if err != nil {
			return err
		}
		p := newPrinter(cmd)
		if p.json() {
			return p.printJSON(enrollments)
		}
		for _, enr := range enrollments {
			p.item(fmt.Sprintf("%s  method=%s  created=%s",
				enr.ID, enr.Method, enr.CreatedAt.Format(time.RFC3339)))
		}
		return nil
	},
}

var enrollRemoveCmd = &cobra.Command{
	Use:   "remove <enrollment-id>",
	Short: "Remove an enrollment",
	Long: `Removes one enrollment after proving possession with the passphrase.
Removing the last remaining enrollment is always rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnclave()
		if err != nil {
			return err
		}
		defer e.Close()

		cred, err := promptExistingCredential()
		if err != nil {
			return err
		}
		defer cred.Wipe()

		if err := e.RemoveEnrollment(cmd.Context(), cred, args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Enrollment removed.")
		return nil
	},
}

var enrollUpdateCmd = &cobra.Command{
	Use:   "update <enrollment-id>",
	Short: "Change a passphrase enrollment",
	Long: `Re-enrolls a passphrase: the KDF cost is re-calibrated for this host
and the master secret re-encrypted under the new passphrase.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnclave()
		if err != nil {
			return err
		}
		defer e.Close()

		existing, err := promptExistingCredential()
		if err != nil {
			return err
		}
		defer existing.Wipe()

		next, err := readNewPassphrase()
		if err != nil {
			return err
		}
		defer zero.Bytes(next)

		if err := e.UpdatePassphrase(cmd.Context(), existing, args[0], next); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Passphrase updated.")
		return nil
	},
}

// promptExistingCredential collects the current passphrase.
func promptExistingCredential() (*enclave.Credential, error) {
	pass, err := readPassphrase("Passphrase: ")
	if err != nil {
		return nil, err
	}
	return &enclave.Credential{Method: record.MethodPassphrase, Secret: pass}, nil
}

// buildNewCredential assembles the credential to enroll from the command
// flags.
func buildNewCredential() (*enclave.Credential, error) {
	method := record.Method(enrollMethod)
	switch method {
	case record.MethodPassphrase:
		pass, err := readNewPassphrase()
		if err != nil {
			return nil, err
		}
		return &enclave.Credential{Method: method, Secret: pass}, nil
	case record.MethodPlatformSecret, record.MethodPlatformGate:
		if enrollID == "" {
			return nil, fmt.Errorf("--id is required for method %q", method)
		}
		if enrollSecretFile == "" {
			return nil, fmt.Errorf("--secret-file is required for method %q", method)
		}
		raw, err := os.ReadFile(enrollSecretFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read secret file: %w", err)
		}
		raw = bytes.TrimSpace(raw)
		secret := make([]byte, hex.DecodedLen(len(raw)))
		n, err := hex.Decode(secret, raw)
		if err != nil {
			// Not hex; use the raw bytes.
			secret = raw
		} else {
			secret = secret[:n]
			zero.Bytes(raw)
		}
		return &enclave.Credential{Method: method, ID: enrollID, Secret: secret}, nil
	}
	return nil, fmt.Errorf("unknown method %q (passphrase, platform-secret, platform-gate)", enrollMethod)
}

func init() {
	enrollAddCmd.Flags().StringVar(&enrollMethod, "method", "passphrase",
		"enrollment method (passphrase, platform-secret, platform-gate)")
	enrollAddCmd.Flags().StringVar(&enrollID, "id", "",
		"credential identifier (required for platform methods)")
	enrollAddCmd.Flags().StringVar(&enrollSecretFile, "secret-file", "",
		"file holding the authenticator secret, hex or raw")

	enrollCmd.AddCommand(enrollAddCmd)
	enrollCmd.AddCommand(enrollListCmd)
	enrollCmd.AddCommand(enrollRemoveCmd)
	enrollCmd.AddCommand(enrollUpdateCmd)
}
