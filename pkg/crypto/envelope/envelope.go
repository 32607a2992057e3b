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

// Package envelope provides authenticated symmetric encryption with explicit
// binding-tag semantics.
//
// Every Seal takes a Binding: a set of metadata key-value pairs that is
// canonicalized and authenticated alongside the ciphertext as AEAD additional
// data. Open recomputes the canonical form from the caller-supplied Binding,
// so any mismatch in the metadata, including two envelopes whose bindings
// have been swapped, is a hard decryption failure (ErrIntegrity), never a
// warning.
//
// The AEAD cipher is auto-selected per host in the same way the rest of the
// keychain selects AEADs: AES-256-GCM when the CPU has AES instructions,
// ChaCha20-Poly1305 otherwise. The chosen algorithm is recorded in the
// envelope and honored on Open regardless of the local CPU, so envelopes are
// portable across hosts.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/sys/cpu"
)

// Algorithm identifies the AEAD cipher used for an envelope.
type Algorithm string

const (
	// AlgorithmAES256GCM is AES-256 in Galois/Counter Mode.
	AlgorithmAES256GCM Algorithm = "aes256-gcm"

	// AlgorithmChaCha20Poly1305 is ChaCha20-Poly1305 (RFC 8439).
	AlgorithmChaCha20Poly1305 Algorithm = "chacha20-poly1305"
)

// KeySize is the required symmetric key length in bytes for both ciphers.
const KeySize = 32

// NonceSize is the nonce length in bytes for both supported ciphers.
const NonceSize = 12

var (
	// ErrIntegrity indicates an authentication failure: a tampered
	// ciphertext, a flipped bit, or a binding tag that does not match the
	// one the envelope was sealed under. This error is terminal; it must
	// never be downgraded to a warning.
	ErrIntegrity = errors.New("envelope: integrity check failed")

	// ErrInvalidKey indicates the symmetric key has the wrong length.
	ErrInvalidKey = errors.New("envelope: invalid key length")

	// ErrInvalidAlgorithm indicates an unrecognized envelope algorithm.
	ErrInvalidAlgorithm = errors.New("envelope: unsupported algorithm")
)

// Envelope is an authenticated ciphertext together with the parameters
// required to open it. The binding tag itself is not stored; the caller must
// reconstruct the identical Binding on Open.
type Envelope struct {
	// Algorithm is the AEAD cipher the envelope was sealed with.
	Algorithm Algorithm `json:"alg"`

	// Nonce is the fresh random nonce generated at Seal time.
	Nonce []byte `json:"nonce"`

	// Ciphertext holds the encrypted payload with the trailing
	// authentication tag, as produced by the AEAD.
	Ciphertext []byte `json:"ct"`
}

// HasAESNI returns true if the CPU has hardware AES support.
func HasAESNI() bool {
	switch runtime.GOARCH {
	case "amd64":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	default:
		return false
	}
}

// SelectAlgorithm returns the preferred AEAD cipher for this host:
// AES-256-GCM with hardware AES, ChaCha20-Poly1305 otherwise.
func SelectAlgorithm() Algorithm {
	if HasAESNI() {
		return AlgorithmAES256GCM
	}
	return AlgorithmChaCha20Poly1305
}

// Seal encrypts plaintext under key, authenticating the canonical form of
// binding as additional data. A fresh random nonce is generated per call.
func Seal(key, plaintext []byte, binding Binding) (*Envelope, error) {
	return SealWithAlgorithm(key, plaintext, binding, SelectAlgorithm())
}

// SealWithAlgorithm is Seal with an explicit cipher choice. It exists for
// tests and for re-encrypting envelopes that must keep their original
// algorithm.
func SealWithAlgorithm(key, plaintext []byte, binding Binding, alg Algorithm) (*Envelope, error) {
	aead, err := newAEAD(key, alg)
	if err != nil {
		return nil, err
	}

	aad, err := binding.Canonical()
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to canonicalize binding: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("envelope: failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, aad)
	return &Envelope{
		Algorithm:  alg,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	}, nil
}

// Open decrypts the envelope under key, verifying the canonical form of
// binding against the additional data the envelope was sealed with. Any
// mismatch, whether in the ciphertext, the nonce, or the binding metadata,
// returns ErrIntegrity.
func Open(key []byte, env *Envelope, binding Binding) ([]byte, error) {
	if env == nil {
		return nil, ErrIntegrity
	}

	aead, err := newAEAD(key, env.Algorithm)
	if err != nil {
		return nil, err
	}

	aad, err := binding.Canonical()
	if err != nil {
		return nil, fmt.Errorf("envelope: failed to canonicalize binding: %w", err)
	}

	if len(env.Nonce) != aead.NonceSize() {
		return nil, ErrIntegrity
	}

	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, aad)
	if err != nil {
		// Fail closed. The underlying AEAD error is deliberately not
		// wrapped: it carries no actionable detail and distinguishing
		// failure causes here would leak an oracle.
		return nil, ErrIntegrity
	}

	return plaintext, nil
}

func newAEAD(key []byte, alg Algorithm) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	switch alg {
	case AlgorithmAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, fmt.Errorf("envelope: failed to create AES cipher: %w", err)
		}
		return cipher.NewGCM(block)
	case AlgorithmChaCha20Poly1305:
		return chacha20poly1305.New(key)
	default:
		return nil, ErrInvalidAlgorithm
	}
}
