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
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// printer renders command output in the selected format.
type printer struct {
	format string
	writer io.Writer
}

func newPrinter(cmd *cobra.Command) *printer {
	return &printer{format: outputFormat, writer: cmd.OutOrStdout()}
}

func (p *printer) json() bool {
	return p.format == "json"
}

func (p *printer) printJSON(v any) error {
	enc := json.NewEncoder(p.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) field(name string, value any) {
	fmt.Fprintf(p.writer, "%-14s %v\n", name+":", value)
}

func (p *printer) item(line string) {
	fmt.Fprintf(p.writer, "  - %s\n", line)
}
