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
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Lukium/ats-kms-enclave-sub003/internal/zero"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/encoding/jwk"
)

// ScopeAll is the wildcard operation scope.
const ScopeAll = "*"

// delegationClaims is the JWT claim set of a delegation certificate. The
// user key signs it; the delegate's public key and permitted operations
// ride inside.
type delegationClaims struct {
	DelegateKey *jwk.JWK `json:"delegate_jwk"`
	Role        Role     `json:"role"`
	Scope       []string `json:"scope"`
	jwt.RegisteredClaims
}

// covers reports whether the certificate scope permits the operation.
func (c *delegationClaims) covers(op string) bool {
	for _, s := range c.Scope {
		if s == ScopeAll || s == op {
			return true
		}
	}
	return false
}

// IssueDelegation signs a delegation certificate with the user key,
// authorizing the delegate public key to sign audit entries for the given
// role within the validity window. Scope lists the permitted operation
// names; "*" permits all.
func IssueDelegation(userKey *Signer, delegatePub ed25519.PublicKey, role Role, scope []string, notBefore, expires time.Time) (string, error) {
	if userKey.Role() != RoleUser {
		return "", fmt.Errorf("%w: only the user key issues delegations", ErrCertificateInvalid)
	}
	if role == RoleUser {
		return "", fmt.Errorf("%w: the user role is not delegated", ErrCertificateInvalid)
	}
	if !role.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrCertificateInvalid, role)
	}
	if len(scope) == 0 {
		return "", fmt.Errorf("%w: empty scope", ErrCertificateInvalid)
	}
	if !expires.After(notBefore) {
		return "", fmt.Errorf("%w: expiry not after notBefore", ErrCertificateInvalid)
	}

	delegateJWK, err := jwk.FromPublicKey(delegatePub)
	if err != nil {
		return "", fmt.Errorf("audit: failed to encode delegate key: %w", err)
	}
	delegateKID, err := delegateJWK.Thumbprint()
	if err != nil {
		return "", err
	}

	claims := &delegationClaims{
		DelegateKey: delegateJWK,
		Role:        role,
		Scope:       scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    userKey.KeyID(),
			Subject:   delegateKID,
			ID:        uuid.NewString(),
			NotBefore: jwt.NewNumericDate(notBefore),
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(notBefore),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if userKey.enclave == nil {
		return "", ErrSignerDestroyed
	}
	buf, err := userKey.enclave.Open()
	if err != nil {
		return "", fmt.Errorf("audit: failed to open sealed signing key: %w", err)
	}
	defer buf.Destroy()

	// Same heap-copy dance as Signer.Sign: crypto/ed25519 takes weak
	// references to the key's backing array, which must live on the heap,
	// not in the locked buffer.
	priv := make(ed25519.PrivateKey, ed25519.PrivateKeySize)
	copy(priv, buf.Bytes())
	defer zero.Bytes(priv)

	cert, err := token.SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("audit: failed to sign delegation certificate: %w", err)
	}
	return cert, nil
}

// verifyDelegation parses a delegation certificate against the trusted user
// key, validating the time claims at the given instant rather than the wall
// clock. Chain verification of historical entries checks validity at each
// entry's timestamp.
func verifyDelegation(cert string, trustedUserKey ed25519.PublicKey, at time.Time) (*delegationClaims, error) {
	claims := &delegationClaims{}
	_, err := jwt.ParseWithClaims(cert, claims,
		func(t *jwt.Token) (any, error) { return trustedUserKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return at }),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}
	if claims.DelegateKey == nil {
		return nil, fmt.Errorf("%w: missing delegate key", ErrCertificateInvalid)
	}
	if !claims.Role.Valid() || claims.Role == RoleUser {
		return nil, fmt.Errorf("%w: role %q", ErrCertificateInvalid, claims.Role)
	}
	return claims, nil
}

// delegatePublicKey decodes and authenticates the delegate key named by the
// claims: the key must round-trip to the certificate subject thumbprint.
func (c *delegationClaims) delegatePublicKey() (ed25519.PublicKey, error) {
	kid, err := c.DelegateKey.Thumbprint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}
	if kid != c.Subject {
		return nil, fmt.Errorf("%w: delegate key does not match certificate subject", ErrCertificateInvalid)
	}
	pub, err := c.DelegateKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateInvalid, err)
	}
	edPub, ok := pub.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: delegate key is not Ed25519", ErrCertificateInvalid)
	}
	return edPub, nil
}
