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
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHost models a host whose derivation cost is perfectly linear in the
// iteration count. Its derive function advances a synthetic clock.
type fakeHost struct {
	perIteration time.Duration
	now          time.Time
}

func newFakeHost(perIteration time.Duration) *fakeHost {
	return &fakeHost{perIteration: perIteration, now: time.Unix(1_700_000_000, 0)}
}

func (h *fakeHost) derive(iterations int) {
	h.now = h.now.Add(time.Duration(iterations) * h.perIteration)
}

func (h *fakeHost) clock() time.Time {
	return h.now
}

func TestCalibrateLandsInBand(t *testing.T) {
	// 1µs per iteration: the baseline probe costs 100ms, so the band
	// midpoint of 225ms rescales to 225k iterations.
	host := newFakeHost(time.Microsecond)

	cal, err := calibrate(DefaultCalibrationBand, host.derive, host.clock)
	require.NoError(t, err)

	assert.Equal(t, 225_000, cal.Iterations)
	assert.False(t, cal.Clamped)
	assert.Equal(t, 100*time.Millisecond, cal.ProbeDuration)
	assert.True(t, DefaultCalibrationBand.Contains(cal.VerifyDuration),
		"verification pass must land inside the band on a linear host")
	assert.False(t, cal.CalibratedAt.IsZero())
}

func TestCalibrateClampsFastHost(t *testing.T) {
	// 10ns per iteration: even 2M iterations cost only 20ms, so the
	// rescale overshoots the ceiling and is clamped.
	host := newFakeHost(10 * time.Nanosecond)

	cal, err := calibrate(DefaultCalibrationBand, host.derive, host.clock)
	require.NoError(t, err)

	assert.Equal(t, MaxCalibratedIterations, cal.Iterations)
	assert.True(t, cal.Clamped)
	assert.Less(t, cal.VerifyDuration, DefaultCalibrationBand.Min,
		"a clamped fast host stays below the band; the ceiling wins")
}

func TestCalibrateClampsSlowHost(t *testing.T) {
	// 10µs per iteration: the midpoint rescales to 22.5k iterations,
	// below the floor, so the floor wins.
	host := newFakeHost(10 * time.Microsecond)

	cal, err := calibrate(DefaultCalibrationBand, host.derive, host.clock)
	require.NoError(t, err)

	assert.Equal(t, MinCalibratedIterations, cal.Iterations)
	assert.True(t, cal.Clamped)
	assert.Greater(t, cal.VerifyDuration, DefaultCalibrationBand.Max,
		"a clamped slow host exceeds the band; the floor wins")
}

func TestCalibrateReadjustsOnDrift(t *testing.T) {
	// A host whose first probe is unrepresentative: the probe runs at
	// 2µs per iteration, every later derivation at 1µs. The verification
	// pass lands below the band and triggers one re-adjustment.
	drift := &driftingHost{fakeHost: *newFakeHost(2 * time.Microsecond)}

	cal, err := calibrate(DefaultCalibrationBand, drift.derive, drift.clock)
	require.NoError(t, err)

	assert.True(t, DefaultCalibrationBand.Contains(cal.VerifyDuration),
		"re-adjustment must pull the verification back into the band")
	assert.False(t, cal.Clamped)
}

type driftingHost struct {
	fakeHost
	calls int
}

func (h *driftingHost) derive(iterations int) {
	h.calls++
	// Warm-up and probe at the slow rate, later passes at half cost.
	if h.calls > 2 {
		h.now = h.now.Add(time.Duration(iterations) * h.perIteration / 2)
		return
	}
	h.now = h.now.Add(time.Duration(iterations) * h.perIteration)
}

func (h *driftingHost) clock() time.Time {
	return h.now
}

func TestCalibrateInvalidBand(t *testing.T) {
	host := newFakeHost(time.Microsecond)

	_, err := calibrate(Band{Min: 0, Max: time.Second}, host.derive, host.clock)
	assert.ErrorIs(t, err, ErrInvalidBand)

	_, err = calibrate(Band{Min: time.Second, Max: time.Millisecond}, host.derive, host.clock)
	assert.ErrorIs(t, err, ErrInvalidBand)
}

func TestBandTarget(t *testing.T) {
	band := Band{Min: 150 * time.Millisecond, Max: 300 * time.Millisecond}
	assert.Equal(t, 225*time.Millisecond, band.Target())
	assert.True(t, band.Contains(150*time.Millisecond))
	assert.True(t, band.Contains(300*time.Millisecond))
	assert.False(t, band.Contains(301*time.Millisecond))
}

func TestPassphraseParams(t *testing.T) {
	cal := &Calibration{Iterations: 225_000, CalibratedAt: time.Now()}
	salt := bytes.Repeat([]byte{0x42}, 16)

	params, err := PassphraseParams(cal, salt, 32)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmPBKDF2, params.Algorithm)
	assert.Equal(t, 225_000, params.Iterations)
	assert.Equal(t, cal.CalibratedAt, params.CalibratedAt)

	_, err = PassphraseParams(nil, salt, 32)
	assert.Error(t, err)

	_, err = PassphraseParams(cal, salt[:8], 32)
	assert.ErrorIs(t, err, ErrInvalidSalt)
}

// TestCalibrateReal exercises the real PBKDF2 probe once. It asserts only
// the clamp invariant, not the band, so it stays robust on loaded CI hosts.
func TestCalibrateReal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping real calibration in short mode")
	}

	cal, err := Calibrate()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cal.Iterations, MinCalibratedIterations)
	assert.LessOrEqual(t, cal.Iterations, MaxCalibratedIterations)
	assert.Greater(t, cal.ProbeDuration, time.Duration(0))
}
