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

package kdf

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForAlgorithm(t *testing.T) {
	tests := []struct {
		alg     Algorithm
		wantErr error
	}{
		{AlgorithmPBKDF2, nil},
		{AlgorithmHKDF, nil},
		{AlgorithmArgon2id, nil},
		{Algorithm("scrypt"), ErrUnsupportedAlgorithm},
		{Algorithm(""), ErrUnsupportedAlgorithm},
	}

	for _, tt := range tests {
		t.Run(string(tt.alg), func(t *testing.T) {
			adapter, err := ForAlgorithm(tt.alg)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.alg, adapter.Algorithm())
		})
	}
}

func TestPBKDF2DeriveKey(t *testing.T) {
	adapter := NewPBKDF2Adapter()
	params := &Params{
		Algorithm:  AlgorithmPBKDF2,
		Salt:       bytes.Repeat([]byte{0x42}, 16),
		Iterations: MinPBKDF2Iterations,
		KeyLength:  32,
	}

	key1, err := adapter.DeriveKey([]byte("correct horse battery staple"), params)
	require.NoError(t, err)
	require.Len(t, key1, 32)

	key2, err := adapter.DeriveKey([]byte("correct horse battery staple"), params)
	require.NoError(t, err)
	assert.Equal(t, key1, key2, "same passphrase and params must derive the same key")

	key3, err := adapter.DeriveKey([]byte("incorrect horse battery staple"), params)
	require.NoError(t, err)
	assert.NotEqual(t, key1, key3)
}

func TestPBKDF2ValidateParams(t *testing.T) {
	adapter := NewPBKDF2Adapter()
	valid := func() *Params {
		return &Params{
			Algorithm:  AlgorithmPBKDF2,
			Salt:       bytes.Repeat([]byte{0x42}, 16),
			Iterations: MinPBKDF2Iterations,
			KeyLength:  32,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Params)
		wantErr error
	}{
		{"valid", func(p *Params) {}, nil},
		{"wrong algorithm", func(p *Params) { p.Algorithm = AlgorithmHKDF }, ErrUnsupportedAlgorithm},
		{"short salt", func(p *Params) { p.Salt = p.Salt[:8] }, ErrInvalidSalt},
		{"iterations below floor", func(p *Params) { p.Iterations = MinPBKDF2Iterations - 1 }, ErrInvalidIterations},
		{"iterations above ceiling", func(p *Params) { p.Iterations = MaxPBKDF2Iterations + 1 }, ErrInvalidIterations},
		{"zero key length", func(p *Params) { p.KeyLength = 0 }, ErrInvalidKeyLength},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			err := adapter.ValidateParams(p)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	assert.ErrorIs(t, adapter.ValidateParams(nil), ErrInvalidKeyLength)
}

func TestPBKDF2EmptyIKM(t *testing.T) {
	adapter := NewPBKDF2Adapter()
	params := &Params{
		Algorithm:  AlgorithmPBKDF2,
		Salt:       bytes.Repeat([]byte{0x42}, 16),
		Iterations: MinPBKDF2Iterations,
		KeyLength:  32,
	}

	_, err := adapter.DeriveKey(nil, params)
	assert.ErrorIs(t, err, ErrInvalidIKM)
}

func TestHKDFDeriveKey(t *testing.T) {
	adapter := NewHKDFAdapter()
	ikm := bytes.Repeat([]byte{0x07}, 32)
	params := &Params{
		Algorithm: AlgorithmHKDF,
		Salt:      bytes.Repeat([]byte{0x01}, 32),
		Info:      []byte("ats/kek/platform-secret/v1"),
		KeyLength: 32,
	}

	key1, err := adapter.DeriveKey(ikm, params)
	require.NoError(t, err)
	require.Len(t, key1, 32)

	key2, err := adapter.DeriveKey(ikm, params)
	require.NoError(t, err)
	assert.Equal(t, key1, key2, "HKDF must be deterministic")

	// Domain separation: a different salt yields an unrelated key.
	other := *params
	other.Salt = bytes.Repeat([]byte{0x02}, 32)
	key3, err := adapter.DeriveKey(ikm, &other)
	require.NoError(t, err)
	assert.NotEqual(t, key1, key3)
}

func TestHKDFValidateParams(t *testing.T) {
	adapter := NewHKDFAdapter()

	err := adapter.ValidateParams(&Params{Algorithm: AlgorithmHKDF, KeyLength: 32})
	assert.ErrorIs(t, err, ErrInvalidSalt, "HKDF without a salt is refused")

	err = adapter.ValidateParams(&Params{Algorithm: AlgorithmHKDF, Salt: []byte{1}, KeyLength: 256 * 32})
	assert.ErrorIs(t, err, ErrInvalidKeyLength)

	err = adapter.ValidateParams(&Params{Algorithm: AlgorithmPBKDF2, Salt: []byte{1}, KeyLength: 32})
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestArgon2idDeriveKey(t *testing.T) {
	adapter := NewArgon2idAdapter()
	params := &Params{
		Algorithm: AlgorithmArgon2id,
		Salt:      bytes.Repeat([]byte{0x42}, 16),
		Memory:    MinArgon2Memory,
		Time:      MinArgon2Time,
		Threads:   1,
		KeyLength: 32,
	}

	key1, err := adapter.DeriveKey([]byte("passphrase"), params)
	require.NoError(t, err)
	require.Len(t, key1, 32)

	key2, err := adapter.DeriveKey([]byte("passphrase"), params)
	require.NoError(t, err)
	assert.Equal(t, key1, key2)
}

func TestArgon2idValidateParams(t *testing.T) {
	adapter := NewArgon2idAdapter()
	valid := func() *Params {
		return &Params{
			Algorithm: AlgorithmArgon2id,
			Salt:      bytes.Repeat([]byte{0x42}, 16),
			Memory:    MinArgon2Memory,
			Time:      MinArgon2Time,
			Threads:   1,
			KeyLength: 32,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Params)
		wantErr error
	}{
		{"valid", func(p *Params) {}, nil},
		{"short salt", func(p *Params) { p.Salt = p.Salt[:8] }, ErrInvalidSalt},
		{"low memory", func(p *Params) { p.Memory = 1024 }, ErrInvalidMemory},
		{"zero time", func(p *Params) { p.Time = 0 }, ErrInvalidTime},
		{"zero threads", func(p *Params) { p.Threads = 0 }, ErrInvalidThreads},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			err := adapter.ValidateParams(p)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}
