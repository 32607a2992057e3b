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

package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Lukium/ats-kms-enclave-sub003/pkg/storage"
)

// Storage key layout. Audit entry keys embed a fixed-width sequence number
// so lexicographic key order equals sequence order.
const (
	enrollmentPrefix = "enrollment/"
	keyPrefix        = "key/"
	auditEntryPrefix = "audit/entry/"
	auditSeqKey      = "audit/seq"

	auditSeqWidth = 12
)

// Store is the typed view over a storage backend: one keyed table of
// enrollments, one of wrapped keys, and the append-only audit table.
type Store struct {
	backend storage.Backend
}

// NewStore creates a typed store over the given backend.
func NewStore(backend storage.Backend) *Store {
	return &Store{backend: backend}
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

// --- enrollments ---

// PutEnrollment persists an enrollment record.
func (s *Store) PutEnrollment(e *Enrollment) error {
	if err := e.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("record: failed to encode enrollment %q: %w", e.ID, err)
	}
	return s.backend.Put(enrollmentPrefix+e.ID, data)
}

// GetEnrollment loads one enrollment by ID.
func (s *Store) GetEnrollment(id string) (*Enrollment, error) {
	data, err := s.backend.Get(enrollmentPrefix + id)
	if err != nil {
		return nil, err
	}
	var e Enrollment
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("record: failed to decode enrollment %q: %w", id, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteEnrollment removes one enrollment by ID.
func (s *Store) DeleteEnrollment(id string) error {
	return s.backend.Delete(enrollmentPrefix + id)
}

// ListEnrollments loads all enrollment records.
func (s *Store) ListEnrollments() ([]*Enrollment, error) {
	keys, err := s.backend.List(enrollmentPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*Enrollment, 0, len(keys))
	for _, k := range keys {
		e, err := s.GetEnrollment(strings.TrimPrefix(k, enrollmentPrefix))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// --- wrapped keys ---

// PutWrappedKey persists a wrapped-key record. Records are immutable:
// writing an existing key ID is refused.
func (s *Store) PutWrappedKey(k *WrappedKey) error {
	if err := k.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("record: failed to encode wrapped key %q: %w", k.KID, err)
	}
	return s.backend.PutIfAbsent(keyPrefix+k.KID, data)
}

// GetWrappedKey loads one wrapped-key record by key ID.
func (s *Store) GetWrappedKey(kid string) (*WrappedKey, error) {
	data, err := s.backend.Get(keyPrefix + kid)
	if err != nil {
		return nil, err
	}
	var k WrappedKey
	if err := json.Unmarshal(data, &k); err != nil {
		return nil, fmt.Errorf("record: failed to decode wrapped key %q: %w", kid, err)
	}
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return &k, nil
}

// ListWrappedKeys loads all wrapped-key records.
func (s *Store) ListWrappedKeys() ([]*WrappedKey, error) {
	keys, err := s.backend.List(keyPrefix)
	if err != nil {
		return nil, err
	}
	out := make([]*WrappedKey, 0, len(keys))
	for _, k := range keys {
		wk, err := s.GetWrappedKey(strings.TrimPrefix(k, keyPrefix))
		if err != nil {
			return nil, err
		}
		out = append(out, wk)
	}
	return out, nil
}

// --- audit table ---

// auditEntryKey formats the storage key for one audit sequence number.
func auditEntryKey(seq uint64) string {
	return fmt.Sprintf("%s%0*d", auditEntryPrefix, auditSeqWidth, seq)
}

// AppendAuditEntry persists the encoded audit entry at the given sequence
// number. The write is append-only: an existing sequence number is refused,
// so a corrupted counter can never silently rewrite history.
func (s *Store) AppendAuditEntry(seq uint64, data []byte) error {
	return s.backend.PutIfAbsent(auditEntryKey(seq), data)
}

// GetAuditEntry loads the encoded audit entry at the given sequence number.
func (s *Store) GetAuditEntry(seq uint64) ([]byte, error) {
	return s.backend.Get(auditEntryKey(seq))
}

// ListAuditEntries returns all encoded audit entries in sequence order.
func (s *Store) ListAuditEntries() ([][]byte, error) {
	keys, err := s.backend.List(auditEntryPrefix)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(keys))
	for _, k := range keys {
		data, err := s.backend.Get(k)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

// LoadAuditSeq returns the next audit sequence number to allocate, zero on
// a fresh store.
func (s *Store) LoadAuditSeq() (uint64, error) {
	data, err := s.backend.Get(auditSeqKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var seq uint64
	if err := json.Unmarshal(data, &seq); err != nil {
		return 0, fmt.Errorf("record: failed to decode audit sequence counter: %w", err)
	}
	return seq, nil
}

// StoreAuditSeq persists the next audit sequence number to allocate.
func (s *Store) StoreAuditSeq(seq uint64) error {
	data, err := json.Marshal(seq)
	if err != nil {
		return err
	}
	return s.backend.Put(auditSeqKey, data)
}
