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
	"errors"
	"fmt"

	"github.com/awnumar/memguard"

	"github.com/Lukium/ats-kms-enclave-sub003/internal/zero"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/encoding/jwk"
)

// ErrSignerDestroyed indicates a signer whose key material was destroyed.
var ErrSignerDestroyed = errors.New("audit: signer destroyed")

// Signer signs chain hashes on behalf of one role. The private key lives in
// a sealed memory enclave and is opened only for the duration of a single
// signature. The zero value is unusable; construct with NewUserSigner or
// NewDelegateSigner.
type Signer struct {
	role    Role
	kid     string
	pub     ed25519.PublicKey
	enclave *memguard.Enclave
	cert    string
}

// NewUserSigner builds the root signer from the user signing key. The key
// bytes are moved into a sealed enclave; the caller's copy is wiped.
func NewUserSigner(priv ed25519.PrivateKey) (*Signer, error) {
	return newSigner(RoleUser, priv, "")
}

// NewDelegateSigner builds a lease or system signer carrying the delegation
// certificate that authorizes it. The key bytes are moved into a sealed
// enclave; the caller's copy is wiped.
func NewDelegateSigner(role Role, priv ed25519.PrivateKey, cert string) (*Signer, error) {
	if role == RoleUser {
		return nil, fmt.Errorf("%w: the user role is not delegated", ErrCertificateInvalid)
	}
	if cert == "" {
		return nil, fmt.Errorf("%w: missing delegation certificate", ErrCertificateInvalid)
	}
	return newSigner(role, priv, cert)
}

func newSigner(role Role, priv ed25519.PrivateKey, cert string) (*Signer, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidEntry, role)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: invalid Ed25519 private key length %d", ErrInvalidEntry, len(priv))
	}
	pub := make(ed25519.PublicKey, ed25519.PublicKeySize)
	copy(pub, priv[ed25519.SeedSize:])
	kid, err := jwk.Thumbprint(pub)
	if err != nil {
		return nil, err
	}
	// memguard wipes the source slice once sealed.
	return &Signer{
		role:    role,
		kid:     kid,
		pub:     pub,
		enclave: memguard.NewEnclave(priv),
		cert:    cert,
	}, nil
}

// Role returns the signer's role.
func (s *Signer) Role() Role { return s.role }

// KeyID returns the RFC 7638 thumbprint of the signer's public key.
func (s *Signer) KeyID() string { return s.kid }

// PublicKey returns the signer's public key.
func (s *Signer) PublicKey() ed25519.PublicKey { return s.pub }

// Certificate returns the delegation certificate, empty for the user role.
func (s *Signer) Certificate() string { return s.cert }

// Sign produces an Ed25519 signature over the digest. The sealed key is
// materialized only for the duration of this call.
func (s *Signer) Sign(digest []byte) ([]byte, error) {
	if s.enclave == nil {
		return nil, ErrSignerDestroyed
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open sealed signing key: %w", err)
	}
	defer buf.Destroy()

	// crypto/ed25519 caches expanded keys behind weak pointers to the key's
	// backing array, which requires heap memory. The locked buffer is mmap'd
	// outside the heap, so the key is copied out for the sign call and wiped
	// with it.
	priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(priv, buf.Bytes())
	defer zero.Bytes(priv)

	return ed25519.Sign(priv, digest), nil
}

// Destroy drops the sealed key. The signer is unusable afterwards.
func (s *Signer) Destroy() {
	s.enclave = nil
}
