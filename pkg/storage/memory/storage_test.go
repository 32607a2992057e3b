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

package memory

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lukium/ats-kms-enclave-sub003/pkg/storage"
)

func TestPutGet(t *testing.T) {
	s := New()
	defer s.Close()

	require.NoError(t, s.Put("enrollment/a", []byte("one")))

	got, err := s.Get("enrollment/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	_, err = s.Get("enrollment/missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDefensiveCopies(t *testing.T) {
	s := New()
	defer s.Close()

	value := []byte("original")
	require.NoError(t, s.Put("k", value))
	value[0] = 'X'

	got, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got, "stored value must not alias the caller's slice")

	got[0] = 'Y'
	again, err := s.Get("k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again, "returned value must not alias the stored slice")
}

func TestPutIfAbsent(t *testing.T) {
	s := New()
	defer s.Close()

	require.NoError(t, s.PutIfAbsent("audit/entry/000000000000", []byte("genesis")))
	err := s.PutIfAbsent("audit/entry/000000000000", []byte("forged genesis"))
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	got, err := s.Get("audit/entry/000000000000")
	require.NoError(t, err)
	assert.Equal(t, []byte("genesis"), got)
}

func TestDelete(t *testing.T) {
	s := New()
	defer s.Close()

	require.NoError(t, s.Put("k", []byte("v")))
	require.NoError(t, s.Delete("k"))
	assert.ErrorIs(t, s.Delete("k"), storage.ErrNotFound)
}

func TestListSortedWithPrefix(t *testing.T) {
	s := New()
	defer s.Close()

	for _, k := range []string{"key/b", "key/a", "enrollment/x"} {
		require.NoError(t, s.Put(k, []byte("v")))
	}

	keys, err := s.List("key/")
	require.NoError(t, err)
	assert.Equal(t, []string{"key/a", "key/b"}, keys)

	all, err := s.List("")
	require.NoError(t, err)
	assert.Equal(t, []string{"enrollment/x", "key/a", "key/b"}, all)
}

func TestExists(t *testing.T) {
	s := New()
	defer s.Close()

	require.NoError(t, s.Put("k", []byte("v")))

	ok, err := s.Exists("k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists("missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClosed(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "Close must be idempotent")

	_, err := s.Get("k")
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.ErrorIs(t, s.Put("k", nil), storage.ErrClosed)
	assert.ErrorIs(t, s.PutIfAbsent("k", nil), storage.ErrClosed)
	assert.ErrorIs(t, s.Delete("k"), storage.ErrClosed)
	_, err = s.List("")
	assert.ErrorIs(t, err, storage.ErrClosed)
	_, err = s.Exists("k")
	assert.ErrorIs(t, err, storage.ErrClosed)
}

func TestConcurrentAccess(t *testing.T) {
	s := New()
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			key := string(rune('a' + n))
			for j := 0; j < 100; j++ {
				_ = s.Put(key, []byte{byte(j)})
				_, _ = s.Get(key)
				_, _ = s.List("")
			}
		}(i)
	}
	wg.Wait()
}
