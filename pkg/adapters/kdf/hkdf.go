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

package kdf

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// HKDFAdapter implements the Adapter interface using HKDF-SHA256 (RFC 5869).
// It is the kernel's fast KDF for high-entropy credential material such as
// platform-authenticator secrets, and for the deterministic wrapping-key
// derivation from the master secret.
type HKDFAdapter struct{}

// NewHKDFAdapter creates a new HKDF adapter.
func NewHKDFAdapter() *HKDFAdapter {
	return &HKDFAdapter{}
}

// DeriveKey derives a key using HKDF-SHA256.
func (h *HKDFAdapter) DeriveKey(ikm []byte, params *Params) ([]byte, error) {
	if err := h.ValidateParams(params); err != nil {
		return nil, err
	}
	if len(ikm) == 0 {
		return nil, ErrInvalidIKM
	}

	r := hkdf.New(sha256.New, ikm, params.Salt, params.Info)
	key := make([]byte, params.KeyLength)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Algorithm returns the KDF algorithm.
func (h *HKDFAdapter) Algorithm() Algorithm {
	return AlgorithmHKDF
}

// ValidateParams validates HKDF parameters. The salt is mandatory here even
// though RFC 5869 permits omitting it: every HKDF use in the kernel is
// domain-separated by a deterministic, non-zero salt.
func (h *HKDFAdapter) ValidateParams(params *Params) error {
	if params == nil || params.KeyLength <= 0 {
		return ErrInvalidKeyLength
	}
	if params.Algorithm != AlgorithmHKDF {
		return ErrUnsupportedAlgorithm
	}
	if len(params.Salt) == 0 {
		return ErrInvalidSalt
	}
	if params.KeyLength > 255*sha256.Size {
		return ErrInvalidKeyLength
	}
	return nil
}
