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

// Package zero wipes secret material from byte buffers.
//
// The wipe must survive compiler optimization: a plain loop writing zeros to
// a buffer the function never reads again is a candidate for dead-store
// elimination. The subtle.ConstantTimeCopy pass after the loop forces the
// writes to be observable.
package zero

import "crypto/subtle"

// Bytes overwrites every byte of b with zero. Safe to call with nil.
func Bytes(b []byte) {
	if len(b) == 0 {
		return
	}
	for i := range b {
		b[i] = 0
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}

// All zeroizes every buffer passed to it.
func All(bufs ...[]byte) {
	for _, b := range bufs {
		Bytes(b)
	}
}

// IsZero reports whether every byte of b is zero. The scan is branch-free
// over the buffer contents.
func IsZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
