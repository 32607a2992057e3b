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

package envelope

import (
	"encoding/json"
	"errors"
	"sort"
)

// Binding is the metadata authenticated alongside an envelope's ciphertext.
//
// Bindings are canonicalized before use as AEAD additional data:
// lexicographically sorted keys, no whitespace, UTF-8, the same canonical
// JSON form RFC 7638 requires for JWK thumbprints. Two bindings with the
// same members always canonicalize to the same bytes, so equality of intent
// equals equality of tag.
type Binding map[string]string

// ErrEmptyBinding indicates a Seal or Open was attempted without binding
// metadata. Unbound ciphertexts are not permitted in this library; every
// envelope must be tied to the record that owns it.
var ErrEmptyBinding = errors.New("envelope: binding must not be empty")

// Canonical returns the canonical JSON encoding of the binding.
func (b Binding) Canonical() ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrEmptyBinding
	}

	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Build the JSON by hand so the output is byte-exact: sorted members,
	// no whitespace. json.Marshal handles escaping of each member.
	out := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		kj, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vj, err := json.Marshal(b[k])
		if err != nil {
			return nil, err
		}
		out = append(out, kj...)
		out = append(out, ':')
		out = append(out, vj...)
	}
	out = append(out, '}')
	return out, nil
}
