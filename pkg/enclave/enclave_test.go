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
	"context"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lukium/ats-kms-enclave-sub003/internal/zero"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/adapters/kdf"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/enclave/record"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/storage"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/storage/memory"
)

// testBand keeps passphrase calibration cheap in tests.
var testBand = kdf.Band{Min: time.Millisecond, Max: 100 * time.Millisecond}

func newEnclave(t *testing.T) *Enclave {
	t.Helper()
	e := New(memory.New(), WithCalibrationBand(testBand))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func setupPassphrase(t *testing.T, e *Enclave, passphrase string) {
	t.Helper()
	require.NoError(t, e.Setup(NewPassphraseCredential(passphrase)))
}

// masterSecret unlocks with the credential and returns a snapshot of the
// master secret taken inside the closure.
func masterSecret(t *testing.T, e *Enclave, cred *Credential) []byte {
	t.Helper()
	var snapshot []byte
	err := e.WithUnlock(context.Background(), cred, func(s *Session) error {
		ms, err := s.MasterSecret()
		if err != nil {
			return err
		}
		snapshot = make([]byte, len(ms))
		copy(snapshot, ms)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, snapshot, 32)
	return snapshot
}

func TestSetupAndUnlockScenario(t *testing.T) {
	e := newEnclave(t)

	ok, err := e.IsSetup()
	require.NoError(t, err)
	assert.False(t, ok)

	setupPassphrase(t, e, "correct horse battery staple")

	ok, err = e.IsSetup()
	require.NoError(t, err)
	assert.True(t, ok)

	assert.ErrorIs(t, e.Setup(NewPassphraseCredential("again")), ErrAlreadySetup)

	first := masterSecret(t, e, NewPassphraseCredential("correct horse battery staple"))
	second := masterSecret(t, e, NewPassphraseCredential("correct horse battery staple"))
	assert.Equal(t, first, second, "unlock is deterministic")
}

func TestMultiEnrollmentScenario(t *testing.T) {
	e := newEnclave(t)
	setupPassphrase(t, e, "correct horse battery staple")

	pass := NewPassphraseCredential("correct horse battery staple")
	m := masterSecret(t, e, pass)

	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	platform := NewPlatformSecretCredential("authenticator-1", secret)

	require.NoError(t, e.AddEnrollment(context.Background(), pass, platform))

	// Both credentials recover the same master secret.
	assert.Equal(t, m, masterSecret(t, e, pass))
	assert.Equal(t, m, masterSecret(t, e, platform))

	// Remove the passphrase enrollment; the platform credential still
	// unlocks.
	enrollments, err := e.ListEnrollments()
	require.NoError(t, err)
	require.Len(t, enrollments, 2)
	var passID string
	for _, enr := range enrollments {
		if enr.Method == record.MethodPassphrase {
			passID = enr.ID
		}
	}
	require.NotEmpty(t, passID)
	require.NoError(t, e.RemoveEnrollment(context.Background(), platform, passID))
	assert.Equal(t, m, masterSecret(t, e, platform))

	// Removing the last enrollment is rejected.
	err = e.RemoveEnrollment(context.Background(), platform, "authenticator-1")
	assert.ErrorIs(t, err, ErrLastEnrollment)
	assert.Equal(t, m, masterSecret(t, e, platform))
}

func TestDuplicateEnrollmentRejected(t *testing.T) {
	e := newEnclave(t)
	setupPassphrase(t, e, "correct horse battery staple")
	pass := NewPassphraseCredential("correct horse battery staple")

	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)

	require.NoError(t, e.AddEnrollment(context.Background(), pass,
		NewPlatformSecretCredential("authenticator-1", secret)))
	err = e.AddEnrollment(context.Background(), pass,
		NewPlatformGateCredential("authenticator-1", secret))
	assert.ErrorIs(t, err, ErrDuplicateEnrollment)
}

func TestWrongPassphraseFastFails(t *testing.T) {
	e := newEnclave(t)
	setupPassphrase(t, e, "correct horse battery staple")

	before := e.decryptAttempts.Load()
	err := e.WithUnlock(context.Background(), NewPassphraseCredential("tr0ub4dor&3"),
		func(s *Session) error { return nil })
	assert.ErrorIs(t, err, ErrWrongCredential)
	assert.Equal(t, before, e.decryptAttempts.Load(),
		"wrong passphrase must fail at the key check, before any decryption")

	// The right passphrase does decrypt.
	_ = masterSecret(t, e, NewPassphraseCredential("correct horse battery staple"))
	assert.Greater(t, e.decryptAttempts.Load(), before)
}

func TestUnlockZeroizesOnSuccess(t *testing.T) {
	e := newEnclave(t)
	setupPassphrase(t, e, "correct horse battery staple")

	var retained []byte
	err := e.WithUnlock(context.Background(), NewPassphraseCredential("correct horse battery staple"),
		func(s *Session) error {
			ms, err := s.MasterSecret()
			if err != nil {
				return err
			}
			retained = ms
			assert.False(t, zero.IsZero(ms))
			return nil
		})
	require.NoError(t, err)
	assert.True(t, zero.IsZero(retained), "master secret buffer survives the closure un-zeroized")
}

func TestUnlockZeroizesOnError(t *testing.T) {
	e := newEnclave(t)
	setupPassphrase(t, e, "correct horse battery staple")

	boom := errors.New("operation failed")
	var retained []byte
	err := e.WithUnlock(context.Background(), NewPassphraseCredential("correct horse battery staple"),
		func(s *Session) error {
			retained, _ = s.MasterSecret()
			return boom
		})
	assert.ErrorIs(t, err, boom)
	assert.True(t, zero.IsZero(retained))
}

func TestUnlockZeroizesOnPanic(t *testing.T) {
	e := newEnclave(t)
	setupPassphrase(t, e, "correct horse battery staple")

	var retained []byte
	assert.Panics(t, func() {
		_ = e.WithUnlock(context.Background(), NewPassphraseCredential("correct horse battery staple"),
			func(s *Session) error {
				retained, _ = s.MasterSecret()
				panic("operation panicked")
			})
	})
	assert.True(t, zero.IsZero(retained), "panic path must still zeroize")
}

func TestConcurrentUnlockRejected(t *testing.T) {
	e := newEnclave(t)
	setupPassphrase(t, e, "correct horse battery staple")
	cred := NewPassphraseCredential("correct horse battery staple")

	inOp := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- e.WithUnlock(context.Background(), cred, func(s *Session) error {
			close(inOp)
			<-release
			return nil
		})
	}()

	<-inOp
	err := e.WithUnlock(context.Background(), cred, func(s *Session) error { return nil })
	assert.ErrorIs(t, err, ErrUnlockBusy)

	close(release)
	require.NoError(t, <-done)
}

func TestSessionInvalidatedAfterClosure(t *testing.T) {
	e := newEnclave(t)
	setupPassphrase(t, e, "correct horse battery staple")

	var leaked *Session
	err := e.WithUnlock(context.Background(), NewPassphraseCredential("correct horse battery staple"),
		func(s *Session) error {
			leaked = s
			return nil
		})
	require.NoError(t, err)

	_, err = leaked.MasterSecret()
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = leaked.GenerateKey(record.KeyAlgorithmEd25519, "token-signing")
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = leaked.Sign("kid", []byte("msg"))
	assert.ErrorIs(t, err, ErrSessionClosed)
	_, err = leaked.UnwrapKey("kid")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestWrappingKeyDeterminism(t *testing.T) {
	ms := make([]byte, 32)
	_, err := rand.Read(ms)
	require.NoError(t, err)

	a, err := deriveWrappingKey(ms)
	require.NoError(t, err)
	b, err := deriveWrappingKey(ms)
	require.NoError(t, err)
	assert.Equal(t, a, b, "MKEK derivation must be bit-for-bit reproducible")
	assert.Len(t, a, 32)
}

func TestUpdatePassphrase(t *testing.T) {
	e := newEnclave(t)
	setupPassphrase(t, e, "correct horse battery staple")
	old := NewPassphraseCredential("correct horse battery staple")
	m := masterSecret(t, e, old)

	enrollments, err := e.ListEnrollments()
	require.NoError(t, err)
	require.Len(t, enrollments, 1)
	id := enrollments[0].ID

	require.NoError(t, e.UpdatePassphrase(context.Background(), old, id,
		[]byte("rosebud maelstrom")))

	// Old passphrase no longer unlocks; the new one recovers the same
	// master secret.
	err = e.WithUnlock(context.Background(), NewPassphraseCredential("correct horse battery staple"),
		func(s *Session) error { return nil })
	assert.ErrorIs(t, err, ErrWrongCredential)
	assert.Equal(t, m, masterSecret(t, e, NewPassphraseCredential("rosebud maelstrom")))
}

func TestUnlockBeforeSetup(t *testing.T) {
	e := newEnclave(t)
	err := e.WithUnlock(context.Background(), NewPassphraseCredential("anything"),
		func(s *Session) error { return nil })
	assert.ErrorIs(t, err, ErrNotSetup)
}

func TestCancelledContextRejected(t *testing.T) {
	e := newEnclave(t)
	setupPassphrase(t, e, "correct horse battery staple")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.WithUnlock(ctx, NewPassphraseCredential("correct horse battery staple"),
		func(s *Session) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCancellationDuringOperationDoesNotMaskResult(t *testing.T) {
	e := newEnclave(t)
	setupPassphrase(t, e, "correct horse battery staple")

	// The operation commits a key and the context is cancelled before the
	// closure returns. The committed outcome must be reported, not the
	// cancellation, or a caller could retry an already-persisted write.
	ctx, cancel := context.WithCancel(context.Background())
	var kid string
	err := e.WithUnlock(ctx, NewPassphraseCredential("correct horse battery staple"),
		func(s *Session) error {
			wk, err := s.GenerateKey(record.KeyAlgorithmEd25519, "signing")
			if err != nil {
				return err
			}
			kid = wk.KID
			cancel()
			return nil
		})
	require.NoError(t, err)

	wk, err := e.Store().GetWrappedKey(kid)
	require.NoError(t, err)
	assert.Equal(t, kid, wk.KID)
}

// auditFailBackend fails appends to the audit table so the error path
// after the user signer exists can be exercised.
type auditFailBackend struct {
	storage.Backend
	failErr error
}

func (b *auditFailBackend) PutIfAbsent(key string, value []byte) error {
	if strings.HasPrefix(key, "audit/entry/") {
		return b.failErr
	}
	return b.Backend.PutIfAbsent(key, value)
}

func TestSetupPropagatesAuditAppendFailure(t *testing.T) {
	failErr := errors.New("disk full")
	e := New(&auditFailBackend{Backend: memory.New(), failErr: failErr},
		WithCalibrationBand(testBand))
	t.Cleanup(func() { _ = e.Close() })

	err := e.Setup(NewPassphraseCredential("correct horse battery staple"))
	require.ErrorIs(t, err, failErr)
}
