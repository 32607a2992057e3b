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
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lukium/ats-kms-enclave-sub003/pkg/enclave/record"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/storage/memory"
)

func newKeyPair(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return pub, priv
}

// userSigner returns a user-role signer plus an untouched copy of its
// public key. Sealing wipes the private key, so the copy is taken first.
func userSigner(t *testing.T) (*Signer, ed25519.PublicKey) {
	t.Helper()
	pub, priv := newKeyPair(t)
	signer, err := NewUserSigner(priv)
	require.NoError(t, err)
	return signer, pub
}

func newLogger(t *testing.T) (*Logger, *record.Store) {
	t.Helper()
	store := record.NewStore(memory.New())
	t.Cleanup(func() { _ = store.Close() })
	return NewLogger(store, nil), store
}

func appendN(t *testing.T, l *Logger, signer *Signer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := l.Append(&Entry{Op: "unlock"}, signer)
		require.NoError(t, err)
	}
}

func TestAppendBuildsValidChain(t *testing.T) {
	logger, _ := newLogger(t)
	signer, userPub := userSigner(t)

	appendN(t, logger, signer, 5)

	entries, err := logger.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 5)

	assert.True(t, entries[0].IsGenesis())
	for i, e := range entries {
		assert.Equal(t, uint64(i), e.Seq)
		assert.Equal(t, RoleUser, e.SignerRole)
		assert.NotEmpty(t, e.CorrelationID)
	}

	res := VerifyChain(entries, userPub)
	assert.True(t, res.Valid)
	assert.Empty(t, res.Faults)
}

func TestVerifyDetectsMutatedEntry(t *testing.T) {
	logger, _ := newLogger(t)
	signer, userPub := userSigner(t)
	appendN(t, logger, signer, 5)

	entries, err := logger.Entries()
	require.NoError(t, err)

	// Mutate entry 3's operation in place, recompute nothing else.
	entries[3].Op = "key.generate"

	res := VerifyChain(entries, userPub)
	assert.False(t, res.Valid)

	faults := res.FaultsAt(3)
	require.NotEmpty(t, faults)
	assert.ErrorIs(t, faults[0], ErrChainHashMismatch)
	assert.Contains(t, faults[0].Error(), "chain hash mismatch at seq 3")

	// The mutation is localized: entries 0-2 and 4 still verify.
	for _, seq := range []uint64{0, 1, 2, 4} {
		assert.Empty(t, res.FaultsAt(seq), "seq %d should be clean", seq)
	}
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	logger, _ := newLogger(t)
	signer, userPub := userSigner(t)
	appendN(t, logger, signer, 5)

	entries, err := logger.Entries()
	require.NoError(t, err)

	// Drop entry 2 altogether.
	truncated := append(entries[:2:2], entries[3:]...)

	res := VerifyChain(truncated, userPub)
	assert.False(t, res.Valid)

	faults := res.FaultsAt(2)
	require.NotEmpty(t, faults)
	assert.ErrorIs(t, faults[0], ErrSequenceGap)
	assert.Contains(t, faults[0].Error(), "sequence gap")
}

func TestVerifyDetectsRenumbering(t *testing.T) {
	logger, _ := newLogger(t)
	signer, userPub := userSigner(t)
	appendN(t, logger, signer, 5)

	entries, err := logger.Entries()
	require.NoError(t, err)

	// Renumber entries 2..4 down by one, as if entry 2 were excised and
	// the tail rewritten.
	tampered := append(entries[:2:2], entries[3:]...)
	for i := 2; i < len(tampered); i++ {
		tampered[i].Seq = uint64(i)
	}

	res := VerifyChain(tampered, userPub)
	assert.False(t, res.Valid)

	// The renumbered entries no longer match their own chain hashes.
	foundHash := false
	for _, f := range res.Faults {
		if f.Seq >= 2 {
			foundHash = true
		}
	}
	assert.True(t, foundHash)
}

func TestVerifyDetectsForgedSignature(t *testing.T) {
	logger, _ := newLogger(t)
	signer, _ := userSigner(t)
	appendN(t, logger, signer, 3)

	entries, err := logger.Entries()
	require.NoError(t, err)

	// Verify against a different trusted key: every signature fails but
	// every hash still links.
	wrongPub, _ := newKeyPair(t)
	res := VerifyChain(entries, wrongPub)
	assert.False(t, res.Valid)
	require.Len(t, res.Faults, 3)
	for _, f := range res.Faults {
		assert.ErrorIs(t, f, ErrSignatureInvalid)
	}
}

func TestDelegatedSigning(t *testing.T) {
	logger, _ := newLogger(t)
	user, userPub := userSigner(t)

	delegatePub, delegatePriv := newKeyPair(t)
	now := time.Now().UTC()
	cert, err := IssueDelegation(user, delegatePub, RoleLease,
		[]string{"lease.renew"}, now.Add(-time.Minute), now.Add(time.Hour))
	require.NoError(t, err)

	lease, err := NewDelegateSigner(RoleLease, delegatePriv, cert)
	require.NoError(t, err)

	require.NoError(t, logger.Append(&Entry{Op: "unlock"}, user))
	require.NoError(t, logger.Append(&Entry{Op: "lease.renew"}, lease))

	entries, err := logger.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, RoleLease, entries[1].SignerRole)
	assert.NotEmpty(t, entries[1].DelegationCert)

	res := VerifyChain(entries, userPub)
	assert.True(t, res.Valid, "faults: %v", res.Faults)
}

func TestDelegationScopeRejection(t *testing.T) {
	logger, _ := newLogger(t)
	user, userPub := userSigner(t)

	delegatePub, delegatePriv := newKeyPair(t)
	now := time.Now().UTC()
	cert, err := IssueDelegation(user, delegatePub, RoleLease,
		[]string{"lease.renew"}, now.Add(-time.Minute), now.Add(time.Hour))
	require.NoError(t, err)
	lease, err := NewDelegateSigner(RoleLease, delegatePriv, cert)
	require.NoError(t, err)

	// The signer appends an operation its certificate does not cover.
	require.NoError(t, logger.Append(&Entry{Op: "key.generate"}, lease))

	entries, err := logger.Entries()
	require.NoError(t, err)
	res := VerifyChain(entries, userPub)
	assert.False(t, res.Valid)
	require.Len(t, res.Faults, 1)
	assert.ErrorIs(t, res.Faults[0], ErrCertificateInvalid)
}

func TestDelegationExpiryRejection(t *testing.T) {
	logger, _ := newLogger(t)
	user, userPub := userSigner(t)

	delegatePub, delegatePriv := newKeyPair(t)
	now := time.Now().UTC()
	cert, err := IssueDelegation(user, delegatePub, RoleSystem,
		[]string{ScopeAll}, now.Add(-2*time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	system, err := NewDelegateSigner(RoleSystem, delegatePriv, cert)
	require.NoError(t, err)

	// Entry timestamped after the certificate expired.
	require.NoError(t, logger.Append(&Entry{Op: "maintenance"}, system))

	entries, err := logger.Entries()
	require.NoError(t, err)
	res := VerifyChain(entries, userPub)
	assert.False(t, res.Valid)
	require.Len(t, res.Faults, 1)
	assert.ErrorIs(t, res.Faults[0], ErrCertificateInvalid)
}

func TestDelegationValidAtEntryTime(t *testing.T) {
	// A certificate that has since expired still verifies for entries
	// timestamped inside its window.
	logger, _ := newLogger(t)
	user, userPub := userSigner(t)

	delegatePub, delegatePriv := newKeyPair(t)
	past := time.Now().UTC().Add(-24 * time.Hour)
	cert, err := IssueDelegation(user, delegatePub, RoleLease,
		[]string{ScopeAll}, past.Add(-time.Minute), past.Add(time.Hour))
	require.NoError(t, err)
	lease, err := NewDelegateSigner(RoleLease, delegatePriv, cert)
	require.NoError(t, err)

	require.NoError(t, logger.Append(&Entry{Op: "lease.renew", Timestamp: past}, lease))

	entries, err := logger.Entries()
	require.NoError(t, err)
	res := VerifyChain(entries, userPub)
	assert.True(t, res.Valid, "faults: %v", res.Faults)
}

func TestIssueDelegationRejections(t *testing.T) {
	user, _ := userSigner(t)
	delegatePub, delegatePriv := newKeyPair(t)
	now := time.Now().UTC()

	_, err := IssueDelegation(user, delegatePub, RoleUser,
		[]string{ScopeAll}, now, now.Add(time.Hour))
	assert.ErrorIs(t, err, ErrCertificateInvalid, "user role is not delegable")

	_, err = IssueDelegation(user, delegatePub, RoleLease,
		nil, now, now.Add(time.Hour))
	assert.ErrorIs(t, err, ErrCertificateInvalid, "empty scope")

	_, err = IssueDelegation(user, delegatePub, RoleLease,
		[]string{ScopeAll}, now.Add(time.Hour), now)
	assert.ErrorIs(t, err, ErrCertificateInvalid, "inverted validity window")

	// A delegate cannot issue further delegations.
	cert, err := IssueDelegation(user, delegatePub, RoleLease,
		[]string{ScopeAll}, now, now.Add(time.Hour))
	require.NoError(t, err)
	lease, err := NewDelegateSigner(RoleLease, delegatePriv, cert)
	require.NoError(t, err)
	otherPub, _ := newKeyPair(t)
	_, err = IssueDelegation(lease, otherPub, RoleSystem,
		[]string{ScopeAll}, now, now.Add(time.Hour))
	assert.ErrorIs(t, err, ErrCertificateInvalid)
}

func TestLoggerRecoversHeadAcrossRestart(t *testing.T) {
	backend := memory.New()
	store := record.NewStore(backend)
	defer store.Close()

	signer, userPub := userSigner(t)

	first := NewLogger(store, nil)
	appendN(t, first, signer, 3)

	// A fresh logger over the same store continues the chain.
	second := NewLogger(store, nil)
	require.NoError(t, second.Append(&Entry{Op: "unlock"}, signer))

	entries, err := second.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 4)
	res := VerifyChain(entries, userPub)
	assert.True(t, res.Valid, "faults: %v", res.Faults)

	_, next, err := second.Head()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), next)
}

func TestSignerSealsKey(t *testing.T) {
	pub, priv := newKeyPair(t)
	keyCopy := make(ed25519.PrivateKey, len(priv))
	copy(keyCopy, priv)

	signer, err := NewUserSigner(priv)
	require.NoError(t, err)

	// Sealing wiped the caller's slice.
	allZero := true
	for _, b := range priv {
		if b != 0 {
			allZero = false
		}
	}
	assert.True(t, allZero, "private key bytes survive sealing")

	// The sealed key still signs, repeatedly, and each signature matches
	// what the key produces when used directly from the heap. Ed25519 is
	// deterministic, so a corrupted copy out of the locked buffer would
	// show up here.
	want := ed25519.Sign(keyCopy, []byte("digest"))
	for i := 0; i < 3; i++ {
		sig, err := signer.Sign([]byte("digest"))
		require.NoError(t, err)
		assert.True(t, ed25519.Verify(pub, []byte("digest"), sig))
		assert.Equal(t, want, sig)
	}

	signer.Destroy()
	_, err = signer.Sign([]byte("digest"))
	assert.ErrorIs(t, err, ErrSignerDestroyed)
}
