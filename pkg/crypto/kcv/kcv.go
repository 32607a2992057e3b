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

// Package kcv provides key-check values and related constant-time primitives.
//
// A key-check value (KCV) is a MAC computed over a fixed context string with a
// derived key. It allows a wrong credential to be rejected cheaply, before any
// decryption is attempted, without revealing anything about the key itself.
// All comparisons of secret-derived material in this package are constant
// time; early-exit comparisons are not permitted anywhere in this layer.
package kcv

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
)

// Size is the length in bytes of a key-check value.
const Size = sha256.Size

// Compute returns the key-check value for the given key and context string.
//
// The context string must be fixed per use site so that KCVs computed for
// different purposes are never interchangeable.
func Compute(key []byte, context string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(context))
	return mac.Sum(nil)
}

// Verify reports whether the expected key-check value matches the one
// computed from key and context. The comparison is constant time.
func Verify(key []byte, context string, expected []byte) bool {
	computed := Compute(key, context)
	return subtle.ConstantTimeCompare(computed, expected) == 1
}

// Equal compares two secret-derived byte slices in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// DeterministicSalt derives a fixed, publicly-known salt from a context
// string. The salt is the SHA-256 digest of the context and is guaranteed to
// be non-zero; an all-zero salt would silently disable domain separation in
// downstream KDF invocations.
func DeterministicSalt(context string) []byte {
	salt := sha256.Sum256([]byte(context))
	if isAllZero(salt[:]) {
		// Unreachable for any real SHA-256 output; guards the invariant
		// that deterministic salts are never the all-zero string.
		salt[0] = 0x01
	}
	return salt[:]
}

func isAllZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
