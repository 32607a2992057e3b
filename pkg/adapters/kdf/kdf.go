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

// Package kdf provides key derivation function adapters for the enclave
// kernel.
//
// Low-entropy credentials (passphrases) are stretched with a deliberately
// slow, calibrated PBKDF2; high-entropy credential material from platform
// authenticators goes through HKDF with domain-distinct salts. The
// calibration routine in calibrate.go scales the PBKDF2 iteration count so a
// single derivation consistently costs a target wall-clock band on the host
// it runs on.
package kdf

import (
	"errors"
	"time"
)

// Algorithm represents the key derivation function algorithm type.
type Algorithm string

const (
	// AlgorithmHKDF is HMAC-based Extract-and-Expand Key Derivation
	// Function (RFC 5869), for high-entropy input key material.
	AlgorithmHKDF Algorithm = "HKDF-SHA256"

	// AlgorithmPBKDF2 is Password-Based Key Derivation Function 2
	// (RFC 2898), for low-entropy passphrases.
	AlgorithmPBKDF2 Algorithm = "PBKDF2-SHA256"

	// AlgorithmArgon2id is the Argon2id variant of Argon2, a memory-hard
	// alternative for passphrase stretching.
	AlgorithmArgon2id Algorithm = "Argon2id"
)

// String returns the string representation of the KDF algorithm.
func (a Algorithm) String() string {
	return string(a)
}

// Params contains the parameters for one key derivation. Params are
// persisted verbatim inside enrollment records, so a credential enrolled on
// one host unlocks on another with bit-identical results.
type Params struct {
	// Algorithm selects the KDF.
	Algorithm Algorithm `json:"alg"`

	// Salt is the derivation salt. Random per enrollment for PBKDF2 and
	// Argon2; fixed and domain-distinct for HKDF.
	Salt []byte `json:"salt"`

	// Info is additional context material (HKDF only).
	Info []byte `json:"info,omitempty"`

	// Iterations is the iteration count (PBKDF2 only), set by the
	// calibration routine at enrollment time.
	Iterations int `json:"iterations,omitempty"`

	// Memory is the memory cost in KiB (Argon2 only).
	Memory uint32 `json:"memory,omitempty"`

	// Time is the time cost (Argon2 only).
	Time uint32 `json:"time,omitempty"`

	// Threads is the parallelism degree (Argon2 only).
	Threads uint8 `json:"threads,omitempty"`

	// KeyLength is the derived key length in bytes.
	KeyLength int `json:"key_length"`

	// CalibratedAt records when the slow-KDF cost was last calibrated
	// for these parameters. Zero for fast KDFs.
	CalibratedAt time.Time `json:"calibrated_at,omitempty"`
}

// Adapter is the interface for key derivation function adapters.
type Adapter interface {
	// DeriveKey derives a key from the input key material using the
	// supplied parameters.
	DeriveKey(ikm []byte, params *Params) ([]byte, error)

	// Algorithm returns the KDF algorithm this adapter implements.
	Algorithm() Algorithm

	// ValidateParams validates the parameters for this algorithm.
	ValidateParams(params *Params) error
}

// Common errors.
var (
	// ErrInvalidSalt indicates the salt is nil, empty, or too short.
	ErrInvalidSalt = errors.New("kdf: invalid salt")

	// ErrInvalidKeyLength indicates the requested key length is invalid.
	ErrInvalidKeyLength = errors.New("kdf: invalid key length")

	// ErrInvalidIterations indicates the iteration count is out of range.
	ErrInvalidIterations = errors.New("kdf: invalid iterations")

	// ErrInvalidMemory indicates the Argon2 memory cost is invalid.
	ErrInvalidMemory = errors.New("kdf: invalid memory cost")

	// ErrInvalidTime indicates the Argon2 time cost is invalid.
	ErrInvalidTime = errors.New("kdf: invalid time cost")

	// ErrInvalidThreads indicates the Argon2 thread count is invalid.
	ErrInvalidThreads = errors.New("kdf: invalid threads")

	// ErrInvalidIKM indicates the input key material is empty.
	ErrInvalidIKM = errors.New("kdf: invalid input key material")

	// ErrUnsupportedAlgorithm indicates the parameters name an algorithm
	// the adapter does not implement.
	ErrUnsupportedAlgorithm = errors.New("kdf: unsupported algorithm")
)

// ForAlgorithm returns the adapter implementing the given algorithm.
// Persisted records name their algorithm explicitly; an algorithm this
// kernel version does not recognize is refused rather than guessed at.
func ForAlgorithm(alg Algorithm) (Adapter, error) {
	switch alg {
	case AlgorithmPBKDF2:
		return NewPBKDF2Adapter(), nil
	case AlgorithmHKDF:
		return NewHKDFAdapter(), nil
	case AlgorithmArgon2id:
		return NewArgon2idAdapter(), nil
	default:
		return nil, ErrUnsupportedAlgorithm
	}
}
