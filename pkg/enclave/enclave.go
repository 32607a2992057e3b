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

// Package enclave implements the secret-custody kernel: a master-secret
// hierarchy unlocked through a single gate that guarantees zeroization, a
// multi-credential enrollment set over one master secret, and a
// tamper-evident audit chain covering every privileged operation.
//
// The master secret exists in memory only inside WithUnlock. The wrapping
// key is never persisted; it is re-derived deterministically from the
// master secret on every unlock.
package enclave

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Lukium/ats-kms-enclave-sub003/internal/zero"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/adapters/kdf"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/crypto/envelope"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/crypto/kcv"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/enclave/audit"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/enclave/record"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/logging"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/metrics"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/storage"
)

// Domain-separation contexts. Fixed per kernel version; changing any of
// them is a format break.
const (
	kcvContext                = "enclave/kcv/master-secret/v1"
	mkekSaltContext           = "enclave/mkek/salt/v1"
	mkekInfo                  = "enclave/mkek/v1"
	platformSecretSaltContext = "enclave/enroll/platform-secret/v1"
	platformGateSaltContext   = "enclave/enroll/platform-gate/v1"
)

const (
	masterSecretLength   = 32
	passphraseSaltLength = 16

	// purposeAuditUser marks the wrapped Ed25519 key that roots the
	// audit chain.
	purposeAuditUser = "audit-signer-user"
)

// Audit operation names. Delegation certificate scopes reference these.
const (
	OpSetup            = "setup"
	OpUnlock           = "unlock"
	OpEnrollmentAdd    = "enrollment.add"
	OpEnrollmentRemove = "enrollment.remove"
	OpEnrollmentUpdate = "enrollment.update"
	OpDelegationIssue  = "delegation.issue"
)

// Enclave is the secret-custody kernel over one persistent store.
type Enclave struct {
	// gate serializes unlock contexts and audit sequence allocation.
	gate sync.Mutex

	store    *record.Store
	auditLog *audit.Logger
	log      *logging.Logger
	calBand  kdf.Band
	now      func() time.Time

	// decryptAttempts counts master-secret decryption attempts. Test
	// instrumentation for the key-check fast-fail property.
	decryptAttempts atomic.Uint64
}

// Option configures an Enclave.
type Option func(*Enclave)

// WithLogger sets the structured logger.
func WithLogger(log *logging.Logger) Option {
	return func(e *Enclave) { e.log = log }
}

// WithCalibrationBand overrides the passphrase KDF calibration band.
func WithCalibrationBand(band kdf.Band) Option {
	return func(e *Enclave) { e.calBand = band }
}

// New creates a kernel over the given storage backend.
func New(backend storage.Backend, opts ...Option) *Enclave {
	e := &Enclave{
		store:   record.NewStore(backend),
		log:     logging.DefaultLogger(),
		calBand: kdf.DefaultCalibrationBand,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.auditLog = audit.NewLogger(e.store, e.log)
	return e
}

// Close releases the underlying store.
func (e *Enclave) Close() error {
	return e.store.Close()
}

// Store exposes the typed record store for read-only tooling.
func (e *Enclave) Store() *record.Store {
	return e.store
}

// AuditLog exposes the audit logger for delegated writers.
func (e *Enclave) AuditLog() *audit.Logger {
	return e.auditLog
}

// IsSetup reports whether any enrollment exists.
func (e *Enclave) IsSetup() (bool, error) {
	enrollments, err := e.store.ListEnrollments()
	if err != nil {
		return false, err
	}
	return len(enrollments) > 0, nil
}

// ListEnrollments returns all enrollment records.
func (e *Enclave) ListEnrollments() ([]*record.Enrollment, error) {
	return e.store.ListEnrollments()
}

// Setup initializes the kernel: generates the master secret, enrolls the
// first credential, and creates the user audit signing key. The master
// secret never leaves this call; recover it later through WithUnlock.
func (e *Enclave) Setup(cred *Credential) error {
	if !e.gate.TryLock() {
		return ErrUnlockBusy
	}
	defer e.gate.Unlock()

	ok, err := e.IsSetup()
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadySetup
	}
	if err := cred.Validate(); err != nil {
		return err
	}

	ms := make([]byte, masterSecretLength)
	if _, err := rand.Read(ms); err != nil {
		return fmt.Errorf("enclave: failed to generate master secret: %w", err)
	}
	defer zero.Bytes(ms)

	enr, err := e.enroll(ms, cred)
	if err != nil {
		return err
	}
	if err := e.store.PutEnrollment(enr); err != nil {
		return err
	}

	mkek, err := deriveWrappingKey(ms)
	if err != nil {
		return err
	}
	defer zero.Bytes(mkek)

	// Root the audit chain: an Ed25519 user key wrapped under the MKEK.
	wk, signer, err := e.createAuditUserKey(mkek)
	if err != nil {
		return err
	}
	defer signer.Destroy()

	entry := &audit.Entry{
		Op:      OpSetup,
		KeyID:   wk.KID,
		Details: map[string]string{"method": string(cred.Method), "enrollment": enr.ID},
	}
	if err := e.auditLog.Append(entry, signer); err != nil {
		return err
	}

	e.log.Info("kernel initialized", "method", cred.Method, "enrollment", enr.ID)
	return nil
}

// WithUnlock is the only gate through which privileged code reaches the
// wrapping key. The session is valid only inside op; the master secret and
// MKEK are zeroized on every exit path, including panic, before the result
// propagates.
func (e *Enclave) WithUnlock(ctx context.Context, cred *Credential, op func(*Session) error) error {
	return e.withUnlock(ctx, OpUnlock, cred, op)
}

func (e *Enclave) withUnlock(ctx context.Context, opName string, cred *Credential, op func(*Session) error) error {
	if !e.gate.TryLock() {
		metrics.UnlockTotal.WithLabelValues("busy").Inc()
		return ErrUnlockBusy
	}
	defer e.gate.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cred.Validate(); err != nil {
		metrics.UnlockTotal.WithLabelValues("wrong_credential").Inc()
		return err
	}

	unlockedAt := e.now().UTC()
	ms, enr, err := e.openMasterSecret(cred)
	if err != nil {
		e.recordUnlockFailure(err)
		return err
	}
	defer zero.Bytes(ms)

	mkek, err := deriveWrappingKey(ms)
	if err != nil {
		metrics.UnlockTotal.WithLabelValues("error").Inc()
		return err
	}
	defer zero.Bytes(mkek)

	session := &Session{enclave: e, master: ms, mkek: mkek}

	var panicked any
	var opErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = r
			}
		}()
		opErr = op(session)
	}()

	// Lock phase. The user audit key is unwrapped while the MKEK is
	// still live; the secrets are destroyed before anything propagates.
	signer, signerErr := session.userAuditSigner()
	session.close()
	keyIDs := session.touchedKeys()
	zero.Bytes(ms)
	zero.Bytes(mkek)
	lockedAt := e.now().UTC()

	if signerErr != nil {
		e.log.Warn("unlock not audited: user audit key unavailable", "error", signerErr)
	} else {
		entry := &audit.Entry{
			Op:            opName,
			CorrelationID: uuid.NewString(),
			UnlockedAt:    unlockedAt,
			LockedAt:      lockedAt,
			DurationMS:    lockedAt.Sub(unlockedAt).Milliseconds(),
			Details: map[string]string{
				"method":     string(cred.Method),
				"enrollment": enr.ID,
				"outcome":    unlockOutcome(opErr, panicked),
			},
		}
		if len(keyIDs) == 1 {
			entry.KeyID = keyIDs[0]
		}
		e.log.MaybeError(e.auditLog.Append(entry, signer))
		signer.Destroy()
	}

	if panicked != nil {
		metrics.UnlockTotal.WithLabelValues("error").Inc()
		panic(panicked)
	}
	if opErr != nil {
		metrics.UnlockTotal.WithLabelValues("error").Inc()
		return opErr
	}
	// The context is checked only before unlocking. Once the closure has
	// run, its writes are committed; cancellation can no longer undo them
	// and must not mask the real outcome.
	metrics.UnlockTotal.WithLabelValues("success").Inc()
	return nil
}

func unlockOutcome(opErr error, panicked any) string {
	switch {
	case panicked != nil:
		return "panic"
	case opErr != nil:
		return "error"
	default:
		return "success"
	}
}

func (e *Enclave) recordUnlockFailure(err error) {
	switch {
	case isCredentialError(err):
		metrics.UnlockTotal.WithLabelValues("wrong_credential").Inc()
	case isIntegrityError(err):
		metrics.UnlockTotal.WithLabelValues("integrity").Inc()
		e.log.Error(fmt.Errorf("enclave: integrity failure during unlock: %w", err))
	default:
		metrics.UnlockTotal.WithLabelValues("error").Inc()
	}
}

// AddEnrollment wraps the same master secret under a new credential. The
// existing credential proves possession; the new credential must not
// already be enrolled.
func (e *Enclave) AddEnrollment(ctx context.Context, existing, next *Credential) error {
	if err := next.Validate(); err != nil {
		return err
	}
	return e.withUnlock(ctx, OpEnrollmentAdd, existing, func(s *Session) error {
		if next.ID != "" {
			if _, err := e.store.GetEnrollment(next.ID); err == nil {
				return fmt.Errorf("%w: %q", ErrDuplicateEnrollment, next.ID)
			} else if !isNotFound(err) {
				return err
			}
		}
		enr, err := e.enroll(s.master, next)
		if err != nil {
			return err
		}
		return e.store.PutEnrollment(enr)
	})
}

// RemoveEnrollment deletes an enrollment. The presented credential proves
// possession; removal that would leave zero enrollments is rejected so an
// identity can never lock itself out.
func (e *Enclave) RemoveEnrollment(ctx context.Context, cred *Credential, enrollmentID string) error {
	return e.withUnlock(ctx, OpEnrollmentRemove, cred, func(s *Session) error {
		enrollments, err := e.store.ListEnrollments()
		if err != nil {
			return err
		}
		if len(enrollments) <= 1 {
			return ErrLastEnrollment
		}
		found := false
		for _, enr := range enrollments {
			if enr.ID == enrollmentID {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: %q", ErrEnrollmentNotFound, enrollmentID)
		}
		return e.store.DeleteEnrollment(enrollmentID)
	})
}

// UpdatePassphrase re-enrolls a passphrase credential: the KDF cost is
// re-calibrated for the current host and the master secret re-encrypted
// under the new passphrase with fresh parameters.
func (e *Enclave) UpdatePassphrase(ctx context.Context, existing *Credential, enrollmentID string, newPassphrase []byte) error {
	return e.withUnlock(ctx, OpEnrollmentUpdate, existing, func(s *Session) error {
		old, err := e.store.GetEnrollment(enrollmentID)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: %q", ErrEnrollmentNotFound, enrollmentID)
			}
			return err
		}
		if old.Method != record.MethodPassphrase {
			return fmt.Errorf("%w: enrollment %q is not a passphrase", ErrEnrollmentNotFound, enrollmentID)
		}
		next := &Credential{Method: record.MethodPassphrase, ID: enrollmentID, Secret: newPassphrase}
		enr, err := e.enroll(s.master, next)
		if err != nil {
			return err
		}
		enr.CreatedAt = old.CreatedAt
		enr.UpdatedAt = e.now().UTC()
		return e.store.PutEnrollment(enr)
	})
}

// CreateDelegateSigner generates a delegate audit key for the given role
// and issues its certificate under the user key. The returned signer holds
// its private key sealed in memory and may sign outside any unlock.
func (e *Enclave) CreateDelegateSigner(ctx context.Context, cred *Credential, role audit.Role, scope []string, notBefore, expires time.Time) (*audit.Signer, error) {
	var delegate *audit.Signer
	err := e.withUnlock(ctx, OpDelegationIssue, cred, func(s *Session) error {
		var err error
		delegate, err = s.IssueDelegation(role, scope, notBefore, expires)
		return err
	})
	if err != nil {
		return nil, err
	}
	return delegate, nil
}

// VerifyAuditChain loads the whole chain and verifies it against the user
// audit key. No unlock is required; verification uses public material only.
func (e *Enclave) VerifyAuditChain() (*audit.VerifyResult, error) {
	trusted, err := e.auditUserPublicKey()
	if err != nil {
		return nil, err
	}
	entries, err := e.auditLog.Entries()
	if err != nil {
		return nil, err
	}
	return audit.VerifyChain(entries, trusted), nil
}

// openMasterSecret locates the matching enrollment, derives its
// key-encryption key, fast-fails on the key-check value when present, and
// decrypts the master secret.
func (e *Enclave) openMasterSecret(cred *Credential) ([]byte, *record.Enrollment, error) {
	enrollments, err := e.store.ListEnrollments()
	if err != nil {
		return nil, nil, err
	}
	if len(enrollments) == 0 {
		return nil, nil, ErrNotSetup
	}

	var candidates []*record.Enrollment
	for _, enr := range enrollments {
		if cred.ID != "" && enr.ID == cred.ID {
			candidates = []*record.Enrollment{enr}
			break
		}
		if cred.ID == "" && enr.Method == cred.Method {
			candidates = append(candidates, enr)
		}
	}
	if len(candidates) == 0 {
		return nil, nil, fmt.Errorf("%w: no enrollment for credential", ErrEnrollmentNotFound)
	}

	for _, enr := range candidates {
		kek, err := e.deriveKEK(cred, enr)
		if err != nil {
			return nil, nil, err
		}
		if len(enr.KCV) > 0 && !kcv.Verify(kek, kcvContext, enr.KCV) {
			// Wrong credential for this enrollment. No decryption is
			// attempted; the failure stays on the cheap path.
			zero.Bytes(kek)
			continue
		}

		e.decryptAttempts.Add(1)
		ms, err := envelope.Open(kek, enr.Envelope, enr.Binding())
		zero.Bytes(kek)
		if err != nil {
			// The key-check passed (or the method carries none for a
			// high-entropy secret), so a decryption failure means the
			// record was tampered with, not that the credential is
			// wrong.
			if len(enr.KCV) > 0 || cred.ID != "" {
				return nil, nil, fmt.Errorf("enclave: enrollment %q: %w", enr.ID, err)
			}
			continue
		}
		return ms, enr, nil
	}
	return nil, nil, ErrWrongCredential
}

// deriveKEK derives the enrollment's key-encryption key from the presented
// credential using the enrollment's recorded parameters.
func (e *Enclave) deriveKEK(cred *Credential, enr *record.Enrollment) ([]byte, error) {
	adapter, err := kdf.ForAlgorithm(enr.KDF.Algorithm)
	if err != nil {
		return nil, err
	}
	start := e.now()
	kek, err := adapter.DeriveKey(cred.Secret, enr.KDF)
	metrics.KDFDeriveDuration.Observe(e.now().Sub(start).Seconds())
	if err != nil {
		return nil, err
	}
	return kek, nil
}

// enroll wraps the master secret under a new credential, producing the
// enrollment record. The caller persists it.
func (e *Enclave) enroll(ms []byte, cred *Credential) (*record.Enrollment, error) {
	params, err := e.enrollmentParams(cred)
	if err != nil {
		return nil, err
	}
	adapter, err := kdf.ForAlgorithm(params.Algorithm)
	if err != nil {
		return nil, err
	}
	kek, err := adapter.DeriveKey(cred.Secret, params)
	if err != nil {
		return nil, err
	}
	defer zero.Bytes(kek)

	id := cred.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := e.now().UTC()
	enr := &record.Enrollment{
		ID:            id,
		KernelVersion: record.KernelVersion,
		Method:        cred.Method,
		KDF:           params,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if cred.Method == record.MethodPassphrase {
		enr.KCV = kcv.Compute(kek, kcvContext)
	}
	env, err := envelope.Seal(kek, ms, enr.Binding())
	if err != nil {
		return nil, err
	}
	enr.Envelope = env
	return enr, nil
}

// enrollmentParams builds the KDF parameters for a new enrollment:
// calibrated PBKDF2 for passphrases, HKDF with a domain-distinct salt for
// high-entropy platform secrets.
func (e *Enclave) enrollmentParams(cred *Credential) (*kdf.Params, error) {
	switch cred.Method {
	case record.MethodPassphrase:
		cal, err := kdf.CalibrateBand(e.calBand)
		if err != nil {
			return nil, err
		}
		salt := make([]byte, passphraseSaltLength)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("enclave: failed to generate salt: %w", err)
		}
		return kdf.PassphraseParams(cal, salt, envelope.KeySize)
	case record.MethodPlatformSecret:
		return &kdf.Params{
			Algorithm: kdf.AlgorithmHKDF,
			Salt:      kcv.DeterministicSalt(platformSecretSaltContext),
			Info:      []byte(cred.ID),
			KeyLength: envelope.KeySize,
		}, nil
	case record.MethodPlatformGate:
		return &kdf.Params{
			Algorithm: kdf.AlgorithmHKDF,
			Salt:      kcv.DeterministicSalt(platformGateSaltContext),
			Info:      []byte(cred.ID),
			KeyLength: envelope.KeySize,
		}, nil
	}
	return nil, fmt.Errorf("%w: unknown method %q", ErrWrongCredential, cred.Method)
}

// deriveWrappingKey derives the MKEK from the master secret. Deterministic
// and never persisted; bit-identical across processes and time.
func deriveWrappingKey(ms []byte) ([]byte, error) {
	adapter := kdf.NewHKDFAdapter()
	return adapter.DeriveKey(ms, &kdf.Params{
		Algorithm: kdf.AlgorithmHKDF,
		Salt:      kcv.DeterministicSalt(mkekSaltContext),
		Info:      []byte(mkekInfo),
		KeyLength: envelope.KeySize,
	})
}

func isCredentialError(err error) bool {
	return errorIsAny(err, ErrWrongCredential, ErrEnrollmentNotFound, ErrDuplicateEnrollment, ErrNotSetup)
}

func isIntegrityError(err error) bool {
	return errorIsAny(err, ErrIntegrity)
}

func isNotFound(err error) bool {
	return errorIsAny(err, storage.ErrNotFound)
}
