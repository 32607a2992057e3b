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
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/Lukium/ats-kms-enclave-sub003/internal/zero"
)

var errPassphraseMismatch = errors.New("cli: passphrases do not match")

// readPassphrase reads a passphrase without echo when stdin is a terminal,
// otherwise a single line from stdin (for piping in scripts and tests).
func readPassphrase(prompt string) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		pass, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("cli: failed to read passphrase: %w", err)
		}
		return pass, nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("cli: failed to read passphrase: %w", err)
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

// readNewPassphrase prompts twice and requires both entries to match.
func readNewPassphrase() ([]byte, error) {
	first, err := readPassphrase("New passphrase: ")
	if err != nil {
		return nil, err
	}
	second, err := readPassphrase("Confirm passphrase: ")
	if err != nil {
		zero.Bytes(first)
		return nil, err
	}
	defer zero.Bytes(second)
	if !bytes.Equal(first, second) {
		zero.Bytes(first)
		return nil, errPassphraseMismatch
	}
	return first, nil
}
