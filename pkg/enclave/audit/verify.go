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

package audit

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/Lukium/ats-kms-enclave-sub003/pkg/encoding/jwk"
)

// Fault is one verification failure, positioned at the sequence number of
// the entry it was detected on.
type Fault struct {
	Seq uint64
	Err error
}

func (f Fault) Error() string {
	return fmt.Sprintf("seq %d: %v", f.Seq, f.Err)
}

// Unwrap exposes the underlying sentinel for errors.Is.
func (f Fault) Unwrap() error {
	return f.Err
}

// VerifyResult is the outcome of one full chain verification pass.
type VerifyResult struct {
	Valid  bool
	Faults []Fault
}

// FaultsAt returns the faults recorded at the given sequence number.
func (r *VerifyResult) FaultsAt(seq uint64) []Fault {
	var out []Fault
	for _, f := range r.Faults {
		if f.Seq == seq {
			out = append(out, f)
		}
	}
	return out
}

// VerifyChain walks the entries in order and checks sequence contiguity,
// hash linkage, delegation certificates, and signatures. Every failure is
// accumulated with its position rather than stopping at the first, so a
// single pass fully characterizes chain health. Entries must be presented
// in storage order.
func VerifyChain(entries []*Entry, trustedUserKey ed25519.PublicKey) *VerifyResult {
	res := &VerifyResult{Valid: true}
	fault := func(seq uint64, err error) {
		res.Valid = false
		res.Faults = append(res.Faults, Fault{Seq: seq, Err: err})
	}

	prevHash := GenesisHash()
	for i, e := range entries {
		expected := uint64(i)
		seq := e.Seq
		if seq != expected {
			// Later checks still run under the entry's own numbering so
			// their faults carry usable positions.
			fault(expected, fmt.Errorf("%w: expected seq %d, found %d", ErrSequenceGap, expected, seq))
		}

		if !bytes.Equal(e.PrevHash, prevHash) {
			fault(seq, fmt.Errorf("%w: previous-hash link broken", ErrChainHashMismatch))
		}

		recomputed, err := e.ChainHash(e.PrevHash)
		if err != nil {
			fault(seq, err)
			prevHash = e.Hash
			continue
		}
		if !bytes.Equal(recomputed, e.Hash) {
			fault(seq, fmt.Errorf("chain hash mismatch at seq %d: %w", seq, ErrChainHashMismatch))
		}

		signerKey, err := signerKeyFor(e, trustedUserKey)
		if err != nil {
			fault(seq, err)
		} else if !ed25519.Verify(signerKey, recomputed, e.Signature) {
			fault(seq, fmt.Errorf("%w: entry signature does not verify", ErrSignatureInvalid))
		}

		// Later links are judged against what this entry actually
		// recorded, keeping each fault attributed to one position.
		prevHash = e.Hash
	}
	return res
}

// signerKeyFor resolves the public key that must verify the entry's
// signature: the trusted user key for user-signed entries, or the delegate
// key proven by a valid certificate for delegated entries.
func signerKeyFor(e *Entry, trustedUserKey ed25519.PublicKey) (ed25519.PublicKey, error) {
	if e.SignerRole == RoleUser {
		return trustedUserKey, nil
	}
	if !e.SignerRole.Valid() {
		return nil, fmt.Errorf("%w: unknown signer role %q", ErrInvalidEntry, e.SignerRole)
	}
	claims, err := verifyDelegation(e.DelegationCert, trustedUserKey, e.Timestamp)
	if err != nil {
		return nil, err
	}
	if claims.Role != e.SignerRole {
		return nil, fmt.Errorf("%w: certificate grants role %q, entry claims %q",
			ErrCertificateInvalid, claims.Role, e.SignerRole)
	}
	if !claims.covers(e.Op) {
		return nil, fmt.Errorf("%w: scope does not cover operation %q", ErrCertificateInvalid, e.Op)
	}
	pub, err := claims.delegatePublicKey()
	if err != nil {
		return nil, err
	}
	if kid, err := jwk.Thumbprint(pub); err != nil || kid != e.SignerKeyID {
		return nil, fmt.Errorf("%w: entry signer key does not match certificate delegate", ErrCertificateInvalid)
	}
	return pub, nil
}
