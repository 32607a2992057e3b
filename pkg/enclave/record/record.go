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

// Package record defines the persisted record types of the enclave kernel
// and the typed store that reads and writes them.
//
// Every record carries an explicit kernel version. A record whose version
// this build does not recognize is refused on read rather than interpreted
// by guesswork; the caller decides whether to migrate or abort. Records also
// know how to build the envelope binding that ties their ciphertext to their
// metadata, so a record body and its envelope cannot be recombined with
// another record's.
package record

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Lukium/ats-kms-enclave-sub003/pkg/adapters/kdf"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/crypto/envelope"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/encoding/jwk"
)

// KernelVersion is the version stamped into every record this build writes.
const KernelVersion = 1

// Method identifies how a credential authenticates.
type Method string

const (
	// MethodPassphrase is a user-chosen passphrase stretched with the
	// calibrated slow KDF and guarded by a key-check value.
	MethodPassphrase Method = "passphrase"

	// MethodPlatformSecret is a platform authenticator that releases an
	// extractable high-entropy secret (for example a PRF extension
	// output).
	MethodPlatformSecret Method = "platform-secret"

	// MethodPlatformGate is a platform authenticator that gates access
	// to locally-held high-entropy secret material without releasing a
	// PRF output.
	MethodPlatformGate Method = "platform-gate"
)

// Valid reports whether the method is one this kernel version understands.
func (m Method) Valid() bool {
	switch m {
	case MethodPassphrase, MethodPlatformSecret, MethodPlatformGate:
		return true
	}
	return false
}

var (
	// ErrUnsupportedVersion indicates a record stamped with a kernel or
	// algorithm version this build does not recognize.
	ErrUnsupportedVersion = errors.New("record: unsupported record version")

	// ErrInvalidRecord indicates a structurally invalid record.
	ErrInvalidRecord = errors.New("record: invalid record")
)

// purposeMasterSecret is the purpose member of every enrollment binding.
const purposeMasterSecret = "master-secret"

// Enrollment is one credential's encrypted wrapping of the master secret.
type Enrollment struct {
	// ID identifies the enrollment: the authenticator credential ID for
	// platform methods, a generated UUID for passphrases.
	ID string `json:"id"`

	// KernelVersion is the record format version.
	KernelVersion int `json:"kernel_version"`

	// Method is the authentication method.
	Method Method `json:"method"`

	// KDF holds the versioned key-derivation parameters for this
	// credential, including the calibration timestamp for slow KDFs.
	KDF *kdf.Params `json:"kdf"`

	// KCV is the key-check value for fast credential rejection. Present
	// only for passphrase enrollments; high-entropy methods omit it.
	KCV []byte `json:"kcv,omitempty"`

	// Envelope is the master secret sealed under this credential's
	// key-encryption key.
	Envelope *envelope.Envelope `json:"envelope"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Binding returns the envelope binding for this enrollment. Any change to
// the bound members after sealing turns decryption into a hard integrity
// failure.
func (e *Enrollment) Binding() envelope.Binding {
	return envelope.Binding{
		"v":          strconv.Itoa(e.KernelVersion),
		"method":     string(e.Method),
		"purpose":    purposeMasterSecret,
		"credential": e.ID,
	}
}

// Validate checks structural integrity and version compatibility.
func (e *Enrollment) Validate() error {
	if e.KernelVersion != KernelVersion {
		return fmt.Errorf("%w: kernel version %d", ErrUnsupportedVersion, e.KernelVersion)
	}
	if e.ID == "" {
		return fmt.Errorf("%w: missing enrollment ID", ErrInvalidRecord)
	}
	if !e.Method.Valid() {
		return fmt.Errorf("%w: unknown method %q", ErrInvalidRecord, e.Method)
	}
	if e.KDF == nil {
		return fmt.Errorf("%w: missing KDF parameters", ErrInvalidRecord)
	}
	if _, err := kdf.ForAlgorithm(e.KDF.Algorithm); err != nil {
		return fmt.Errorf("%w: KDF algorithm %q", ErrUnsupportedVersion, e.KDF.Algorithm)
	}
	if e.Envelope == nil || len(e.Envelope.Ciphertext) == 0 {
		return fmt.Errorf("%w: missing envelope", ErrInvalidRecord)
	}
	return nil
}

// KeyAlgorithm identifies an application key algorithm.
type KeyAlgorithm string

const (
	// KeyAlgorithmEd25519 is an Ed25519 signing key.
	KeyAlgorithmEd25519 KeyAlgorithm = "Ed25519"

	// KeyAlgorithmES256 is an ECDSA P-256 signing key.
	KeyAlgorithmES256 KeyAlgorithm = "ES256"
)

// Valid reports whether the algorithm is one this kernel version generates.
func (a KeyAlgorithm) Valid() bool {
	return a == KeyAlgorithmEd25519 || a == KeyAlgorithmES256
}

// WrappedKey is an application key whose private half is sealed under the
// kernel's wrapping key. The public half and metadata are cleartext for
// lookup. WrappedKey records are never updated in place; rotation creates a
// new record under a new key identifier.
type WrappedKey struct {
	// KID is the content-derived key identifier: the RFC 7638 thumbprint
	// of the public half.
	KID string `json:"kid"`

	// KernelVersion is the record format version.
	KernelVersion int `json:"kernel_version"`

	// Algorithm is the key algorithm.
	Algorithm KeyAlgorithm `json:"algorithm"`

	// Purpose is the caller-declared use of this key.
	Purpose string `json:"purpose"`

	// PublicKey is the cleartext public half.
	PublicKey *jwk.JWK `json:"public_key"`

	// Envelope is the PKCS#8-encoded private half sealed under the
	// wrapping key.
	Envelope *envelope.Envelope `json:"envelope"`

	CreatedAt time.Time `json:"created_at"`
}

// Binding returns the envelope binding for this wrapped key.
func (k *WrappedKey) Binding() envelope.Binding {
	return envelope.Binding{
		"v":          strconv.Itoa(k.KernelVersion),
		"kid":        k.KID,
		"alg":        string(k.Algorithm),
		"purpose":    k.Purpose,
		"created_at": k.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// Validate checks structural integrity and version compatibility.
func (k *WrappedKey) Validate() error {
	if k.KernelVersion != KernelVersion {
		return fmt.Errorf("%w: kernel version %d", ErrUnsupportedVersion, k.KernelVersion)
	}
	if k.KID == "" {
		return fmt.Errorf("%w: missing key ID", ErrInvalidRecord)
	}
	if !k.Algorithm.Valid() {
		return fmt.Errorf("%w: unknown key algorithm %q", ErrUnsupportedVersion, k.Algorithm)
	}
	if k.PublicKey == nil {
		return fmt.Errorf("%w: missing public key", ErrInvalidRecord)
	}
	if k.Envelope == nil || len(k.Envelope.Ciphertext) == 0 {
		return fmt.Errorf("%w: missing envelope", ErrInvalidRecord)
	}
	return nil
}
