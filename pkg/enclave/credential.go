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
	"fmt"

	"github.com/Lukium/ats-kms-enclave-sub003/internal/zero"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/enclave/record"
)

// Credential is the raw authentication material presented to the unlock
// gate. It is consumed by key derivation and never persisted or logged.
// Callers should Wipe it once the operation returns.
type Credential struct {
	// Method selects how the key-encryption key is derived.
	Method record.Method

	// ID is the credential identifier: required for platform methods
	// (the authenticator credential ID), optional for passphrases.
	ID string

	// Secret is the input key material: the passphrase bytes for
	// MethodPassphrase, the authenticator secret for platform methods.
	Secret []byte
}

// NewPassphraseCredential builds a passphrase credential.
func NewPassphraseCredential(passphrase string) *Credential {
	return &Credential{
		Method: record.MethodPassphrase,
		Secret: []byte(passphrase),
	}
}

// NewPlatformSecretCredential builds a credential around an extractable
// authenticator secret, such as a PRF extension output.
func NewPlatformSecretCredential(credentialID string, secret []byte) *Credential {
	return &Credential{
		Method: record.MethodPlatformSecret,
		ID:     credentialID,
		Secret: secret,
	}
}

// NewPlatformGateCredential builds a credential around locally-held
// high-entropy material gated by a platform authenticator.
func NewPlatformGateCredential(credentialID string, secret []byte) *Credential {
	return &Credential{
		Method: record.MethodPlatformGate,
		ID:     credentialID,
		Secret: secret,
	}
}

// Validate checks the credential is usable for derivation.
func (c *Credential) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: nil credential", ErrWrongCredential)
	}
	if !c.Method.Valid() {
		return fmt.Errorf("%w: unknown method %q", ErrWrongCredential, c.Method)
	}
	if len(c.Secret) == 0 {
		return fmt.Errorf("%w: empty secret", ErrWrongCredential)
	}
	if c.Method != record.MethodPassphrase && c.ID == "" {
		return fmt.Errorf("%w: platform credentials require an identifier", ErrWrongCredential)
	}
	return nil
}

// Wipe zeroizes the secret material.
func (c *Credential) Wipe() {
	if c != nil {
		zero.Bytes(c.Secret)
	}
}
