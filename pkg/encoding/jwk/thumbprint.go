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

package jwk

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// Thumbprint computes the RFC 7638 SHA-256 thumbprint of the key's JWK
// representation: the required members only, lexicographically sorted, no
// whitespace, hashed and base64url-encoded without padding.
func Thumbprint(key crypto.PublicKey) (string, error) {
	j, err := FromPublicKey(key)
	if err != nil {
		return "", fmt.Errorf("jwk: failed to encode key for thumbprint: %w", err)
	}
	return j.Thumbprint()
}

// Thumbprint computes the RFC 7638 SHA-256 thumbprint for this JWK.
func (j *JWK) Thumbprint() (string, error) {
	fields, err := j.requiredThumbprintMembers()
	if err != nil {
		return "", err
	}

	canonical, err := canonicalJSON(fields)
	if err != nil {
		return "", fmt.Errorf("jwk: failed to serialize for thumbprint: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

// requiredThumbprintMembers returns the members RFC 7638 Section 3.2
// requires for this key type.
func (j *JWK) requiredThumbprintMembers() (map[string]string, error) {
	switch j.Kty {
	case KeyTypeEC:
		if j.Crv == "" || j.X == "" || j.Y == "" {
			return nil, ErrIncompleteKey
		}
		return map[string]string{"crv": j.Crv, "kty": j.Kty, "x": j.X, "y": j.Y}, nil
	case KeyTypeOKP:
		if j.Crv == "" || j.X == "" {
			return nil, ErrIncompleteKey
		}
		return map[string]string{"crv": j.Crv, "kty": j.Kty, "x": j.X}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, j.Kty)
	}
}

// canonicalJSON serializes the members in the exact form RFC 7638 requires:
// lexicographically sorted keys, no whitespace, UTF-8.
func canonicalJSON(fields map[string]string) ([]byte, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			out = append(out, ',')
		}
		kj, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vj, err := json.Marshal(fields[k])
		if err != nil {
			return nil, err
		}
		out = append(out, kj...)
		out = append(out, ':')
		out = append(out, vj...)
	}
	return append(out, '}'), nil
}
