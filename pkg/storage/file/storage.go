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

// Package file provides a file-based implementation of the storage.Backend
// interface. Each record is one file under the base directory; writes go
// through a temp file, fsync, and rename so a crash never leaves a reader
// with a half-written record.
package file

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Lukium/ats-kms-enclave-sub003/pkg/storage"
)

// Storage is a file-based implementation of storage.Backend.
type Storage struct {
	mu     sync.RWMutex
	base   string
	closed bool
}

// New creates a file storage backend rooted at base. The directory is
// created with owner-only permissions if it does not exist.
func New(base string) (storage.Backend, error) {
	if base == "" {
		return nil, fmt.Errorf("%w: empty base path", storage.ErrInvalidKey)
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("storage/file: failed to resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, storage.DefaultDirMode); err != nil {
		return nil, fmt.Errorf("storage/file: failed to create base directory: %w", err)
	}
	return &Storage{base: abs}, nil
}

// validateKey rejects keys that would escape the base directory or collide
// with the temp-file convention. Forward slashes are permitted and map to
// subdirectories.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return storage.ErrInvalidKey
	}
	for _, seg := range strings.Split(key, "/") {
		switch {
		case seg == "", seg == ".", seg == "..":
			return storage.ErrInvalidKey
		case strings.ContainsAny(seg, `\:`):
			return storage.ErrInvalidKey
		case strings.HasPrefix(seg, ".tmp-"):
			return storage.ErrInvalidKey
		}
	}
	return nil
}

func (s *Storage) path(key string) string {
	return filepath.Join(s.base, filepath.FromSlash(key))
}

// Get retrieves the value for the given key.
func (s *Storage) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	if err := validateKey(key); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("storage/file: failed to read %q: %w", key, err)
	}
	return data, nil
}

// Put stores the value for the given key, overwriting atomically: the value
// is written to a temp file in the same directory, synced, and renamed over
// the destination.
func (s *Storage) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(key, value, false)
}

// PutIfAbsent stores the value only if the key does not already exist.
func (s *Storage) PutIfAbsent(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(key, value, true)
}

func (s *Storage) put(key string, value []byte, mustBeAbsent bool) error {
	if s.closed {
		return storage.ErrClosed
	}
	if err := validateKey(key); err != nil {
		return err
	}

	dst := s.path(key)
	if mustBeAbsent {
		if _, err := os.Lstat(dst); err == nil {
			return storage.ErrAlreadyExists
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("storage/file: failed to stat %q: %w", key, err)
		}
	}

	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, storage.DefaultDirMode); err != nil {
		return fmt.Errorf("storage/file: failed to create directory for %q: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("storage/file: failed to create temp file for %q: %w", key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if err := tmp.Chmod(storage.DefaultFileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("storage/file: failed to set permissions for %q: %w", key, err)
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("storage/file: failed to write %q: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("storage/file: failed to sync %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage/file: failed to close temp file for %q: %w", key, err)
	}

	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("storage/file: failed to commit %q: %w", key, err)
	}
	return syncDir(dir)
}

// Delete removes the key and its value from storage.
func (s *Storage) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	if err := validateKey(key); err != nil {
		return err
	}

	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage/file: failed to delete %q: %w", key, err)
	}
	return nil
}

// List returns all keys with the given prefix in sorted order.
func (s *Storage) List(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrClosed
	}

	var keys []string
	err := filepath.WalkDir(s.base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.base, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage/file: failed to list keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Exists checks if a key exists in storage.
func (s *Storage) Exists(key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, storage.ErrClosed
	}
	if err := validateKey(key); err != nil {
		return false, err
	}

	_, err := os.Lstat(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage/file: failed to stat %q: %w", key, err)
	}
	return true, nil
}

// Close marks the backend closed.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// syncDir fsyncs a directory so a rename survives power loss. Some
// platforms do not support fsync on directories; those errors are ignored.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer f.Close()
	_ = f.Sync()
	return nil
}
