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
	"time"

	"github.com/spf13/cobra"
)

var auditTailCount int

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit chain",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the whole audit chain",
	Long: `Walks every entry and checks sequence contiguity, hash linkage,
delegation certificates, and signatures against the user audit key. All
failures are reported with their positions; the exit status is non-zero
if any check fails.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnclave()
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.VerifyAuditChain()
		if err != nil {
			return err
		}

		p := newPrinter(cmd)
		if p.json() {
			type fault struct {
				Seq   uint64 `json:"seq"`
				Error string `json:"error"`
			}
			doc := struct {
				Valid  bool    `json:"valid"`
				Faults []fault `json:"faults"`
			}{Valid: res.Valid, Faults: []fault{}}
			for _, f := range res.Faults {
				doc.Faults = append(doc.Faults, fault{Seq: f.Seq, Error: f.Err.Error()})
			}
			if err := p.printJSON(doc); err != nil {
				return err
			}
		} else if res.Valid {
			fmt.Fprintln(cmd.OutOrStdout(), "Audit chain valid.")
		} else {
			for _, f := range res.Faults {
				p.item(f.Error())
			}
		}
		if !res.Valid {
			return fmt.Errorf("audit chain verification failed with %d fault(s)", len(res.Faults))
		}
		return nil
	},
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show the most recent audit entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnclave()
		if err != nil {
			return err
		}
		defer e.Close()

		entries, err := e.AuditLog().Entries()
		if err != nil {
			return err
		}
		start := 0
		if len(entries) > auditTailCount {
			start = len(entries) - auditTailCount
		}
		tail := entries[start:]

		p := newPrinter(cmd)
		if p.json() {
			return p.printJSON(tail)
		}
		for _, entry := range tail {
			p.item(fmt.Sprintf("seq=%d  %s  op=%s  role=%s  key=%s",
				entry.Seq, entry.Timestamp.Format(time.RFC3339), entry.Op,
				entry.SignerRole, entry.KeyID))
		}
		return nil
	},
}

func init() {
	auditTailCmd.Flags().IntVarP(&auditTailCount, "count", "n", 10,
		"number of entries to show")

	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
}
