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
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Lukium/ats-kms-enclave-sub003/pkg/enclave"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/enclave/record"
)

var (
	keyAlgorithm string
	keyPurpose   string
	keyInputFile string
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage wrapped application keys",
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a signing key wrapped under the kernel",
	Long: `Generates an application signing key inside an unlock, seals the
private half under the wrapping key, and prints the content-derived key
identifier. The private key never exists outside the unlock closure.`,
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

		var wk *record.WrappedKey
		err = e.WithUnlock(cmd.Context(), cred, func(s *enclave.Session) error {
			var err error
			wk, err = s.GenerateKey(record.KeyAlgorithm(keyAlgorithm), keyPurpose)
			return err
		})
		if err != nil {
			return err
		}

		p := newPrinter(cmd)
		if p.json() {
			return p.printJSON(wk)
		}
		p.field("Key ID", wk.KID)
		p.field("Algorithm", wk.Algorithm)
		p.field("Purpose", wk.Purpose)
		return nil
	},
}

var keyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List wrapped keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnclave()
		if err != nil {
			return err
		}
		defer e.Close()

		keys, err := e.Store().ListWrappedKeys()
		if err != nil {
			return err
		}
		p := newPrinter(cmd)
		if p.json() {
			return p.printJSON(keys)
		}
		for _, wk := range keys {
			p.item(fmt.Sprintf("%s  alg=%s  purpose=%s  created=%s",
				wk.KID, wk.Algorithm, wk.Purpose, wk.CreatedAt.Format(time.RFC3339)))
		}
		return nil
	},
}

var keySignCmd = &cobra.Command{
	Use:   "sign <key-id>",
	Short: "Sign a file with a wrapped key",
	Long: `Signs the file given with --in using the named key inside an unlock
and prints the signature base64-encoded.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if keyInputFile == "" {
			return fmt.Errorf("--in is required")
		}
		message, err := os.ReadFile(keyInputFile)
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}

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

		var sig []byte
		err = e.WithUnlock(cmd.Context(), cred, func(s *enclave.Session) error {
			var err error
			sig, err = s.Sign(args[0], message)
			return err
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(sig))
		return nil
	},
}

func init() {
	keyGenerateCmd.Flags().StringVar(&keyAlgorithm, "algorithm", string(record.KeyAlgorithmEd25519),
		"key algorithm (Ed25519, ES256)")
	keyGenerateCmd.Flags().StringVar(&keyPurpose, "purpose", "token-signing",
		"declared key purpose")
	keySignCmd.Flags().StringVar(&keyInputFile, "in", "",
		"file to sign")

	keyCmd.AddCommand(keyGenerateCmd)
	keyCmd.AddCommand(keyListCmd)
	keyCmd.AddCommand(keySignCmd)
}
