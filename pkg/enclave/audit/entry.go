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

// Package audit implements the kernel's tamper-evident operation log: an
// append-only sequence of entries, each hash-chained to its predecessor and
// signed by one of three signer roles. The user key signs only inside an
// active unlock; lease and system delegates sign unconditionally under
// scope-restricted certificates issued by the user key.
//
// Verification walks the whole chain and accumulates every failure with its
// sequence position, so one pass fully characterizes chain health.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Lukium/ats-kms-enclave-sub003/pkg/enclave/record"
)

// HashLength is the chain hash output length in bytes.
const HashLength = sha256.Size

// Role identifies which signer tier produced an entry's signature.
type Role string

const (
	// RoleUser is the root signer. Its private key is wrapped under the
	// kernel wrapping key and is only available inside an active unlock.
	RoleUser Role = "user"

	// RoleLease is the delegate used by lease-renewal routines that run
	// without interactive authentication.
	RoleLease Role = "lease"

	// RoleSystem is the delegate used by background system routines.
	RoleSystem Role = "system"
)

// Valid reports whether the role is one of the three signer tiers.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleLease || r == RoleSystem
}

var (
	// ErrSequenceGap indicates a missing or renumbered entry.
	ErrSequenceGap = errors.New("audit: sequence gap")

	// ErrChainHashMismatch indicates an entry whose recomputed chain hash
	// does not match the stored one; the entry was altered after signing.
	ErrChainHashMismatch = errors.New("audit: chain hash mismatch")

	// ErrSignatureInvalid indicates an entry signature that does not
	// verify under the signer's key.
	ErrSignatureInvalid = errors.New("audit: signature invalid")

	// ErrCertificateInvalid indicates a delegation certificate that does
	// not chain to the trusted user key, is outside its validity window,
	// or does not cover the entry's operation.
	ErrCertificateInvalid = errors.New("audit: delegation certificate invalid")

	// ErrInvalidEntry indicates a structurally invalid entry.
	ErrInvalidEntry = errors.New("audit: invalid entry")
)

// GenesisHash returns the fixed all-zero previous-hash sentinel carried by
// the sequence-zero entry.
func GenesisHash() []byte {
	return make([]byte, HashLength)
}

// Entry is one link of the audit chain. Hash and Signature are excluded
// from the canonical form that the chain hash covers; every other field is
// tamper-evident.
type Entry struct {
	// KernelVersion is the record format version.
	KernelVersion int `json:"kernel_version"`

	// Seq is the strictly contiguous sequence number, zero-based.
	Seq uint64 `json:"seq"`

	// Timestamp is when the operation completed, UTC.
	Timestamp time.Time `json:"ts"`

	// Op names the privileged operation, for example "unlock" or
	// "key.generate".
	Op string `json:"op"`

	// KeyID is the application key the operation touched, if any.
	KeyID string `json:"kid,omitempty"`

	// CorrelationID groups the entries of one caller interaction.
	CorrelationID string `json:"correlation_id"`

	// UnlockedAt and LockedAt bound the master secret's in-memory
	// lifetime for operations that ran inside an unlock.
	UnlockedAt time.Time `json:"unlocked_at,omitzero"`
	LockedAt   time.Time `json:"locked_at,omitzero"`

	// DurationMS is the unlock duration in milliseconds.
	DurationMS int64 `json:"duration_ms,omitempty"`

	// Details carries operation-specific context. Never secret material.
	Details map[string]string `json:"details,omitempty"`

	// SignerRole and SignerKeyID identify who signed this entry.
	SignerRole  Role   `json:"signer_role"`
	SignerKeyID string `json:"signer_kid"`

	// DelegationCert is the compact JWT authorizing a delegate signer.
	// Empty for user-signed entries.
	DelegationCert string `json:"delegation_cert,omitempty"`

	// PrevHash is the chain hash of the preceding entry, or the all-zero
	// genesis sentinel at sequence zero.
	PrevHash []byte `json:"prev_hash"`

	// Hash is this entry's chain hash.
	Hash []byte `json:"hash"`

	// Signature is the signer's Ed25519 signature over Hash.
	Signature []byte `json:"sig"`
}

// canonicalBytes returns the entry's canonical encoding with the hash and
// signature fields cleared. JSON object keys of the Details map are emitted
// in sorted order, so the encoding is stable across processes.
func (e *Entry) canonicalBytes() ([]byte, error) {
	shadow := *e
	shadow.Hash = nil
	shadow.Signature = nil
	data, err := json.Marshal(&shadow)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return data, nil
}

// ChainHash computes the entry's chain hash: the digest of the canonical
// entry concatenated with the previous chain hash.
func (e *Entry) ChainHash(prevHash []byte) ([]byte, error) {
	if len(prevHash) != HashLength {
		return nil, fmt.Errorf("%w: previous hash must be %d bytes", ErrInvalidEntry, HashLength)
	}
	canonical, err := e.canonicalBytes()
	if err != nil {
		return nil, err
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write(prevHash)
	return h.Sum(nil), nil
}

// Validate checks structural integrity and version compatibility.
func (e *Entry) Validate() error {
	if e.KernelVersion != record.KernelVersion {
		return fmt.Errorf("%w: kernel version %d", record.ErrUnsupportedVersion, e.KernelVersion)
	}
	if e.Op == "" {
		return fmt.Errorf("%w: missing operation", ErrInvalidEntry)
	}
	if !e.SignerRole.Valid() {
		return fmt.Errorf("%w: unknown signer role %q", ErrInvalidEntry, e.SignerRole)
	}
	if e.SignerRole != RoleUser && e.DelegationCert == "" {
		return fmt.Errorf("%w: delegated entry without certificate", ErrInvalidEntry)
	}
	if len(e.PrevHash) != HashLength {
		return fmt.Errorf("%w: previous hash must be %d bytes", ErrInvalidEntry, HashLength)
	}
	if len(e.Hash) != HashLength {
		return fmt.Errorf("%w: hash must be %d bytes", ErrInvalidEntry, HashLength)
	}
	if len(e.Signature) == 0 {
		return fmt.Errorf("%w: missing signature", ErrInvalidEntry)
	}
	return nil
}

// IsGenesis reports whether the entry carries the genesis sentinel.
func (e *Entry) IsGenesis() bool {
	return e.Seq == 0 && bytes.Equal(e.PrevHash, GenesisHash())
}
