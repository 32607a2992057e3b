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
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/Lukium/ats-kms-enclave-sub003/internal/zero"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/crypto/envelope"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/enclave/audit"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/enclave/record"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/encoding/jwk"
)

// Session exposes MKEK-backed operations inside one unlock. It is valid
// only for the duration of the WithUnlock closure; every method fails with
// ErrSessionClosed afterwards. The secret buffers it references are
// zeroized when the closure returns.
type Session struct {
	enclave *Enclave
	master  []byte
	mkek    []byte
	touched []string
	closed  bool
}

func (s *Session) close() {
	s.closed = true
}

func (s *Session) touchedKeys() []string {
	return s.touched
}

// MasterSecret returns the live master secret buffer. It is valid only
// inside the closure and is zeroized the moment the closure returns; a
// retained reference reads all-zero bytes.
func (s *Session) MasterSecret() ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	return s.master, nil
}

// GenerateKey creates an application signing key, seals its PKCS#8
// encoding under the MKEK, and persists the wrapped record. The key
// identifier is the RFC 7638 thumbprint of the public half.
func (s *Session) GenerateKey(alg record.KeyAlgorithm, purpose string) (*record.WrappedKey, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	wk, err := generateWrappedKey(s.mkek, alg, purpose, s.enclave.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.enclave.store.PutWrappedKey(wk); err != nil {
		return nil, err
	}
	s.touched = append(s.touched, wk.KID)
	return wk, nil
}

// Sign signs the message with the named application key. Ed25519 keys sign
// the message directly; ES256 keys sign its SHA-256 digest with ASN.1
// encoding.
func (s *Session) Sign(kid string, message []byte) ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	key, wk, err := s.unwrapPrivateKey(kid)
	if err != nil {
		return nil, err
	}
	s.touched = append(s.touched, kid)

	switch k := key.(type) {
	case ed25519.PrivateKey:
		defer zero.Bytes(k)
		return ed25519.Sign(k, message), nil
	case *ecdsa.PrivateKey:
		digest := sha256.Sum256(message)
		return ecdsa.SignASN1(rand.Reader, k, digest[:])
	default:
		return nil, fmt.Errorf("%w: key %q has unexpected type", ErrKeyNotFound, wk.KID)
	}
}

// WrapKey imports an externally generated private key: the PKCS#8 bytes
// are sealed under the MKEK and persisted. The caller keeps ownership of
// the input buffer and should zeroize it.
func (s *Session) WrapKey(pkcs8 []byte, purpose string) (*record.WrappedKey, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	key, err := x509.ParsePKCS8PrivateKey(pkcs8)
	if err != nil {
		return nil, fmt.Errorf("enclave: failed to parse private key: %w", err)
	}
	pub, alg, err := publicHalf(key)
	if err != nil {
		return nil, err
	}
	wk, err := wrapPrivateKey(s.mkek, pkcs8, pub, alg, purpose, s.enclave.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := s.enclave.store.PutWrappedKey(wk); err != nil {
		return nil, err
	}
	s.touched = append(s.touched, wk.KID)
	return wk, nil
}

// UnwrapKey returns the PKCS#8 encoding of the named key. Valid only
// inside the closure; the caller must zeroize the buffer and must not
// retain it past the closure's lifetime.
func (s *Session) UnwrapKey(kid string) ([]byte, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	wk, err := s.enclave.store.GetWrappedKey(kid)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
		}
		return nil, err
	}
	s.touched = append(s.touched, kid)
	return envelope.Open(s.mkek, wk.Envelope, wk.Binding())
}

// IssueDelegation generates a delegate audit key for the role and signs
// its certificate with the user audit key. The delegate signs outside any
// unlock for as long as its certificate is valid.
func (s *Session) IssueDelegation(role audit.Role, scope []string, notBefore, expires time.Time) (*audit.Signer, error) {
	if s.closed {
		return nil, ErrSessionClosed
	}
	user, err := s.userAuditSigner()
	if err != nil {
		return nil, err
	}
	defer user.Destroy()

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("enclave: failed to generate delegate key: %w", err)
	}
	cert, err := audit.IssueDelegation(user, pub, role, scope, notBefore, expires)
	if err != nil {
		return nil, err
	}
	return audit.NewDelegateSigner(role, priv, cert)
}

// userAuditSigner unwraps the user audit key and seals it into a signer.
// The signer outlives the session's secret buffers; the lock phase uses it
// to sign the unlock entry after zeroization.
func (s *Session) userAuditSigner() (*audit.Signer, error) {
	wk, err := s.enclave.auditUserKeyRecord()
	if err != nil {
		return nil, err
	}
	pkcs8, err := envelope.Open(s.mkek, wk.Envelope, wk.Binding())
	if err != nil {
		return nil, err
	}
	defer zero.Bytes(pkcs8)

	key, err := x509.ParsePKCS8PrivateKey(pkcs8)
	if err != nil {
		return nil, fmt.Errorf("enclave: failed to parse user audit key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("enclave: user audit key %q is not Ed25519", wk.KID)
	}
	return audit.NewUserSigner(priv)
}

// unwrapPrivateKey loads and decrypts one application key.
func (s *Session) unwrapPrivateKey(kid string) (crypto.PrivateKey, *record.WrappedKey, error) {
	wk, err := s.enclave.store.GetWrappedKey(kid)
	if err != nil {
		if isNotFound(err) {
			return nil, nil, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
		}
		return nil, nil, err
	}
	pkcs8, err := envelope.Open(s.mkek, wk.Envelope, wk.Binding())
	if err != nil {
		return nil, nil, err
	}
	defer zero.Bytes(pkcs8)

	key, err := x509.ParsePKCS8PrivateKey(pkcs8)
	if err != nil {
		return nil, nil, fmt.Errorf("enclave: failed to parse key %q: %w", kid, err)
	}
	return key, wk, nil
}

// createAuditUserKey generates the Ed25519 key that roots the audit chain,
// wraps it under the MKEK, and returns a signer over the fresh key.
func (e *Enclave) createAuditUserKey(mkek []byte) (*record.WrappedKey, *audit.Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("enclave: failed to generate user audit key: %w", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	wk, err := wrapPrivateKey(mkek, pkcs8, pub, record.KeyAlgorithmEd25519, purposeAuditUser, e.now().UTC())
	zero.Bytes(pkcs8)
	if err != nil {
		return nil, nil, err
	}
	if err := e.store.PutWrappedKey(wk); err != nil {
		return nil, nil, err
	}
	signer, err := audit.NewUserSigner(priv)
	if err != nil {
		return nil, nil, err
	}
	return wk, signer, nil
}

// auditUserKeyRecord locates the wrapped user audit key.
func (e *Enclave) auditUserKeyRecord() (*record.WrappedKey, error) {
	keys, err := e.store.ListWrappedKeys()
	if err != nil {
		return nil, err
	}
	for _, wk := range keys {
		if wk.Purpose == purposeAuditUser {
			return wk, nil
		}
	}
	return nil, fmt.Errorf("%w: user audit key", ErrKeyNotFound)
}

// auditUserPublicKey returns the trusted verification key for the audit
// chain from the cleartext public half of the user audit key record.
func (e *Enclave) auditUserPublicKey() (ed25519.PublicKey, error) {
	wk, err := e.auditUserKeyRecord()
	if err != nil {
		return nil, err
	}
	pub, err := wk.PublicKey.PublicKey()
	if err != nil {
		return nil, err
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("enclave: user audit key %q is not Ed25519", wk.KID)
	}
	return edPub, nil
}

// generateWrappedKey creates a fresh signing key and wraps it.
func generateWrappedKey(mkek []byte, alg record.KeyAlgorithm, purpose string, createdAt time.Time) (*record.WrappedKey, error) {
	var pub crypto.PublicKey
	var pkcs8 []byte

	switch alg {
	case record.KeyAlgorithmEd25519:
		edPub, edPriv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("enclave: failed to generate key: %w", err)
		}
		pkcs8, err = x509.MarshalPKCS8PrivateKey(edPriv)
		zero.Bytes(edPriv)
		if err != nil {
			return nil, err
		}
		pub = edPub
	case record.KeyAlgorithmES256:
		ecPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("enclave: failed to generate key: %w", err)
		}
		pkcs8, err = x509.MarshalPKCS8PrivateKey(ecPriv)
		if err != nil {
			return nil, err
		}
		pub = &ecPriv.PublicKey
	default:
		return nil, fmt.Errorf("%w: key algorithm %q", record.ErrUnsupportedVersion, alg)
	}
	defer zero.Bytes(pkcs8)

	return wrapPrivateKey(mkek, pkcs8, pub, alg, purpose, createdAt)
}

// wrapPrivateKey seals PKCS#8 bytes under the MKEK with the record's
// binding and builds the wrapped-key record.
func wrapPrivateKey(mkek, pkcs8 []byte, pub crypto.PublicKey, alg record.KeyAlgorithm, purpose string, createdAt time.Time) (*record.WrappedKey, error) {
	pubJWK, err := jwk.FromPublicKey(pub)
	if err != nil {
		return nil, err
	}
	kid, err := pubJWK.Thumbprint()
	if err != nil {
		return nil, err
	}
	wk := &record.WrappedKey{
		KID:           kid,
		KernelVersion: record.KernelVersion,
		Algorithm:     alg,
		Purpose:       purpose,
		PublicKey:     pubJWK,
		CreatedAt:     createdAt,
	}
	env, err := envelope.Seal(mkek, pkcs8, wk.Binding())
	if err != nil {
		return nil, err
	}
	wk.Envelope = env
	return wk, nil
}

// publicHalf extracts the public key and algorithm from a parsed private
// key.
func publicHalf(key crypto.PrivateKey) (crypto.PublicKey, record.KeyAlgorithm, error) {
	switch k := key.(type) {
	case ed25519.PrivateKey:
		return k.Public(), record.KeyAlgorithmEd25519, nil
	case *ecdsa.PrivateKey:
		if k.Curve != elliptic.P256() {
			return nil, "", fmt.Errorf("%w: unsupported curve", record.ErrUnsupportedVersion)
		}
		return &k.PublicKey, record.KeyAlgorithmES256, nil
	default:
		return nil, "", fmt.Errorf("%w: unsupported key type", record.ErrUnsupportedVersion)
	}
}
