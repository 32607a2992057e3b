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
	"encoding/hex"

	"github.com/spf13/cobra"
)

// statusReport is the status command's output document.
type statusReport struct {
	Setup       bool     `json:"setup"`
	Enrollments []string `json:"enrollments"`
	Keys        int      `json:"keys"`
	AuditHead   string   `json:"audit_head"`
	AuditLength uint64   `json:"audit_length"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report kernel state",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnclave()
		if err != nil {
			return err
		}
		defer e.Close()

		report := &statusReport{}
		report.Setup, err = e.IsSetup()
		if err != nil {
			return err
		}
		enrollments, err := e.ListEnrollments()
		if err != nil {
			return err
		}
		for _, enr := range enrollments {
			report.Enrollments = append(report.Enrollments, enr.ID+" ("+string(enr.Method)+")")
		}
		keys, err := e.Store().ListWrappedKeys()
		if err != nil {
			return err
		}
		report.Keys = len(keys)

		head, next, err := e.AuditLog().Head()
		if err != nil {
			return err
		}
		report.AuditHead = hex.EncodeToString(head)
		report.AuditLength = next

		p := newPrinter(cmd)
		if p.json() {
			return p.printJSON(report)
		}
		p.field("Setup", report.Setup)
		p.field("Enrollments", len(report.Enrollments))
		for _, line := range report.Enrollments {
			p.item(line)
		}
		p.field("Wrapped keys", report.Keys)
		p.field("Audit entries", report.AuditLength)
		p.field("Audit head", report.AuditHead)
		return nil
	},
}
