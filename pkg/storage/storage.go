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

// Package storage provides the process-private key-value store underneath
// the enclave kernel. It carries no business logic: typed record handling,
// versioning, and envelope semantics live in the record package above it.
package storage

import (
	"errors"
	"io/fs"
)

// Backend defines the interface for storage backends.
// All implementations must be thread-safe and must make every Put atomic
// per record: a reader never observes a partially written value.
type Backend interface {
	// Get retrieves the value for the given key.
	// Returns ErrNotFound if the key does not exist.
	Get(key string) ([]byte, error)

	// Put stores the value for the given key.
	// If the key already exists, it is overwritten atomically.
	Put(key string, value []byte) error

	// PutIfAbsent stores the value only if the key does not already
	// exist. Returns ErrAlreadyExists otherwise. Append-only tables are
	// built on this primitive.
	PutIfAbsent(key string, value []byte) error

	// Delete removes the key and its value from storage.
	// Returns ErrNotFound if the key does not exist.
	Delete(key string) error

	// List returns all keys with the given prefix, sorted.
	// If prefix is empty, all keys are returned.
	List(prefix string) ([]string, error)

	// Exists checks if a key exists in storage.
	Exists(key string) (bool, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Backend errors.
var (
	// ErrNotFound indicates the requested key does not exist.
	ErrNotFound = errors.New("storage: key not found")

	// ErrAlreadyExists indicates a PutIfAbsent hit an existing key.
	ErrAlreadyExists = errors.New("storage: key already exists")

	// ErrClosed indicates the backend has been closed.
	ErrClosed = errors.New("storage: backend is closed")

	// ErrInvalidKey indicates a malformed storage key (empty, absolute,
	// or attempting path traversal in a file-backed store).
	ErrInvalidKey = errors.New("storage: invalid key")
)

// DefaultFileMode is the permission applied to files holding records.
// Records contain ciphertext only, but the store is process-private.
const DefaultFileMode fs.FileMode = 0o600

// DefaultDirMode is the permission applied to store directories.
const DefaultDirMode fs.FileMode = 0o700
