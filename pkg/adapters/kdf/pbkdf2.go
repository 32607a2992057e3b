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

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinPBKDF2Iterations is the lowest iteration count the kernel
	// accepts, matching the calibration clamp floor.
	MinPBKDF2Iterations = 50_000

	// MaxPBKDF2Iterations is the highest iteration count the kernel
	// accepts, matching the calibration clamp ceiling.
	MaxPBKDF2Iterations = 2_000_000

	// MinPBKDF2SaltLength is the minimum salt length in bytes.
	MinPBKDF2SaltLength = 16
)

// PBKDF2Adapter implements the Adapter interface using PBKDF2-HMAC-SHA256
// (RFC 2898). It is the kernel's slow KDF for passphrase credentials; its
// iteration count comes from the host calibration routine.
type PBKDF2Adapter struct{}

// NewPBKDF2Adapter creates a new PBKDF2 adapter.
func NewPBKDF2Adapter() *PBKDF2Adapter {
	return &PBKDF2Adapter{}
}

// DeriveKey derives a key using PBKDF2-HMAC-SHA256.
func (p *PBKDF2Adapter) DeriveKey(ikm []byte, params *Params) ([]byte, error) {
	if err := p.ValidateParams(params); err != nil {
		return nil, err
	}
	if len(ikm) == 0 {
		return nil, ErrInvalidIKM
	}

	return pbkdf2.Key(ikm, params.Salt, params.Iterations, params.KeyLength, sha256.New), nil
}

// Algorithm returns the KDF algorithm.
func (p *PBKDF2Adapter) Algorithm() Algorithm {
	return AlgorithmPBKDF2
}

// ValidateParams validates PBKDF2 parameters.
func (p *PBKDF2Adapter) ValidateParams(params *Params) error {
	if params == nil || params.KeyLength <= 0 {
		return ErrInvalidKeyLength
	}
	if params.Algorithm != AlgorithmPBKDF2 {
		return ErrUnsupportedAlgorithm
	}
	if len(params.Salt) < MinPBKDF2SaltLength {
		return ErrInvalidSalt
	}
	if params.Iterations < MinPBKDF2Iterations || params.Iterations > MaxPBKDF2Iterations {
		return ErrInvalidIterations
	}
	return nil
}
