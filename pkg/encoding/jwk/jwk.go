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

// Package jwk provides JSON Web Key encoding of the public key types the
// enclave kernel works with, and RFC 7638 thumbprints over them.
//
// Thumbprints are the kernel's content-derived key identifiers: the same
// public key always maps to the same identifier, independently of where or
// when it was generated, so wrapped-key records and audit entries can refer
// to keys without a naming authority.
package jwk

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
)

// Key type values per RFC 7518.
const (
	KeyTypeEC  = "EC"
	KeyTypeOKP = "OKP"
)

var (
	// ErrUnsupportedKey indicates a key type the kernel does not encode.
	ErrUnsupportedKey = errors.New("jwk: unsupported key type")

	// ErrIncompleteKey indicates a JWK missing required members.
	ErrIncompleteKey = errors.New("jwk: missing required members")
)

// JWK is a JSON Web Key restricted to the public members the kernel needs.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// FromPublicKey encodes an Ed25519 or ECDSA P-256 public key as a JWK.
func FromPublicKey(key crypto.PublicKey) (*JWK, error) {
	switch k := key.(type) {
	case ed25519.PublicKey:
		return &JWK{
			Kty: KeyTypeOKP,
			Crv: "Ed25519",
			X:   base64.RawURLEncoding.EncodeToString(k),
		}, nil
	case *ecdsa.PublicKey:
		if k.Curve != elliptic.P256() {
			return nil, fmt.Errorf("%w: curve %s", ErrUnsupportedKey, k.Curve.Params().Name)
		}
		size := (k.Curve.Params().BitSize + 7) / 8
		return &JWK{
			Kty: KeyTypeEC,
			Crv: "P-256",
			X:   base64.RawURLEncoding.EncodeToString(k.X.FillBytes(make([]byte, size))),
			Y:   base64.RawURLEncoding.EncodeToString(k.Y.FillBytes(make([]byte, size))),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKey, key)
	}
}

// PublicKey decodes the JWK back into its crypto.PublicKey form.
func (j *JWK) PublicKey() (crypto.PublicKey, error) {
	switch j.Kty {
	case KeyTypeOKP:
		if j.Crv != "Ed25519" || j.X == "" {
			return nil, ErrIncompleteKey
		}
		raw, err := base64.RawURLEncoding.DecodeString(j.X)
		if err != nil {
			return nil, fmt.Errorf("jwk: invalid x member: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, ErrIncompleteKey
		}
		return ed25519.PublicKey(raw), nil
	case KeyTypeEC:
		if j.Crv != "P-256" || j.X == "" || j.Y == "" {
			return nil, ErrIncompleteKey
		}
		xb, err := base64.RawURLEncoding.DecodeString(j.X)
		if err != nil {
			return nil, fmt.Errorf("jwk: invalid x member: %w", err)
		}
		yb, err := base64.RawURLEncoding.DecodeString(j.Y)
		if err != nil {
			return nil, fmt.Errorf("jwk: invalid y member: %w", err)
		}
		pub := &ecdsa.PublicKey{
			Curve: elliptic.P256(),
			X:     new(big.Int).SetBytes(xb),
			Y:     new(big.Int).SetBytes(yb),
		}
		// Reject coordinates that do not name a point on the curve.
		if !pub.Curve.IsOnCurve(pub.X, pub.Y) {
			return nil, fmt.Errorf("jwk: invalid P-256 point")
		}
		return pub, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKey, j.Kty)
	}
}
