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
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Lukium/ats-kms-enclave-sub003/pkg/enclave/record"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/logging"
	"github.com/Lukium/ats-kms-enclave-sub003/pkg/metrics"
)

// Logger appends entries to the audit chain. Sequence allocation and chain
// head advancement are serialized under one mutex; the storage layer
// additionally refuses to overwrite an existing sequence number, so a
// corrupted counter surfaces as an append failure instead of rewritten
// history.
type Logger struct {
	mu     sync.Mutex
	store  *record.Store
	log    *logging.Logger
	now    func() time.Time
	nextSq uint64
	head   []byte
	loaded bool
}

// NewLogger creates an audit logger over the given store.
func NewLogger(store *record.Store, log *logging.Logger) *Logger {
	if log == nil {
		log = logging.DefaultLogger()
	}
	return &Logger{
		store: store,
		log:   log,
		now:   time.Now,
	}
}

// load recovers the next sequence number and the chain head from the store.
// Called under l.mu.
func (l *Logger) load() error {
	if l.loaded {
		return nil
	}
	seq, err := l.store.LoadAuditSeq()
	if err != nil {
		return err
	}
	head := GenesisHash()
	if seq > 0 {
		data, err := l.store.GetAuditEntry(seq - 1)
		if err != nil {
			return fmt.Errorf("audit: chain head missing at seq %d: %w", seq-1, err)
		}
		var last Entry
		if err := json.Unmarshal(data, &last); err != nil {
			return fmt.Errorf("audit: failed to decode chain head: %w", err)
		}
		head = last.Hash
	}
	l.nextSq = seq
	l.head = head
	l.loaded = true
	return nil
}

// Head returns the current chain head hash and the next sequence number.
func (l *Logger) Head() ([]byte, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.load(); err != nil {
		return nil, 0, err
	}
	head := make([]byte, len(l.head))
	copy(head, l.head)
	return head, l.nextSq, nil
}

// Append assigns the next sequence number to the entry, chains and signs
// it, and persists it. The caller fills Op, KeyID, timing fields, and
// Details; Append owns sequence, hashes, signer identity, and signature.
func (l *Logger) Append(e *Entry, signer *Signer) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.load(); err != nil {
		return err
	}

	e.KernelVersion = record.KernelVersion
	e.Seq = l.nextSq
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}
	if e.CorrelationID == "" {
		e.CorrelationID = uuid.NewString()
	}
	e.SignerRole = signer.Role()
	e.SignerKeyID = signer.KeyID()
	e.DelegationCert = signer.Certificate()
	e.PrevHash = make([]byte, len(l.head))
	copy(e.PrevHash, l.head)

	hash, err := e.ChainHash(e.PrevHash)
	if err != nil {
		return err
	}
	e.Hash = hash

	sig, err := signer.Sign(hash)
	if err != nil {
		return err
	}
	e.Signature = sig

	if err := e.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: failed to encode entry %d: %w", e.Seq, err)
	}
	if err := l.store.AppendAuditEntry(e.Seq, data); err != nil {
		return fmt.Errorf("audit: failed to append entry %d: %w", e.Seq, err)
	}
	if err := l.store.StoreAuditSeq(e.Seq + 1); err != nil {
		return fmt.Errorf("audit: failed to advance sequence counter: %w", err)
	}

	l.nextSq = e.Seq + 1
	l.head = hash
	metrics.AuditEntriesTotal.WithLabelValues(string(e.SignerRole)).Inc()
	l.log.Debug("audit entry appended", "seq", e.Seq, "op", e.Op, "role", e.SignerRole)
	return nil
}

// Entries loads and decodes the whole chain in sequence order.
func (l *Logger) Entries() ([]*Entry, error) {
	raw, err := l.store.ListAuditEntries()
	if err != nil {
		return nil, err
	}
	out := make([]*Entry, 0, len(raw))
	for i, data := range raw {
		var e Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("audit: failed to decode entry at position %d: %w", i, err)
		}
		out = append(out, &e)
	}
	return out, nil
}
