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

package enclave

import (
	"errors"

	"github.com/Lukium/ats-kms-enclave-sub003/pkg/crypto/envelope"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/enclave/audit"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/enclave/record"
)

// Credential errors. Recoverable; surfaced verbatim for user-facing retry.
var (
	// ErrWrongCredential indicates a credential that does not match any
	// enrollment, detected at the key-check step before decryption.
	ErrWrongCredential = errors.New("enclave: wrong credential")

	// ErrEnrollmentNotFound indicates no enrollment exists for the
	// presented credential identifier or method.
	ErrEnrollmentNotFound = errors.New("enclave: enrollment not found")

	// ErrDuplicateEnrollment indicates the credential identifier is
	// already enrolled.
	ErrDuplicateEnrollment = errors.New("enclave: duplicate enrollment")
)

// Integrity errors. Never downgraded to warnings; they abort the operation.
var (
	// ErrIntegrity indicates a binding-tag mismatch or tampered
	// ciphertext.
	ErrIntegrity = envelope.ErrIntegrity

	// ErrChainHashMismatch indicates an altered audit entry.
	ErrChainHashMismatch = audit.ErrChainHashMismatch

	// ErrSignatureInvalid indicates an audit entry signature failure.
	ErrSignatureInvalid = audit.ErrSignatureInvalid

	// ErrSequenceGap indicates a missing or renumbered audit entry.
	ErrSequenceGap = audit.ErrSequenceGap

	// ErrCertificateInvalid indicates a bad delegation certificate.
	ErrCertificateInvalid = audit.ErrCertificateInvalid
)

// Invariant and state errors.
var (
	// ErrLastEnrollment indicates an attempt to remove the only
	// remaining enrollment, which would lock the identity out forever.
	ErrLastEnrollment = errors.New("enclave: cannot remove the last enrollment")

	// ErrUnlockBusy indicates another unlock is in progress.
	ErrUnlockBusy = errors.New("enclave: unlock already in progress")

	// ErrNotSetup indicates the kernel has no enrollments yet.
	ErrNotSetup = errors.New("enclave: not set up")

	// ErrAlreadySetup indicates Setup was called on an initialized
	// kernel.
	ErrAlreadySetup = errors.New("enclave: already set up")

	// ErrSessionClosed indicates a session used outside its closure.
	ErrSessionClosed = errors.New("enclave: session closed")

	// ErrUnsupportedVersion indicates a record with an unknown kernel
	// version.
	ErrUnsupportedVersion = record.ErrUnsupportedVersion

	// ErrKeyNotFound indicates an unknown application key identifier.
	ErrKeyNotFound = errors.New("enclave: key not found")
)

// errorIsAny reports whether err matches any of the given sentinels.
func errorIsAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}
