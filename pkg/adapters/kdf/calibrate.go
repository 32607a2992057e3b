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
	"crypto/sha256"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// Calibration clamp bounds. Iteration counts outside this range are never
// produced, no matter how fast or slow the probe measures the host to be.
const (
	MinCalibratedIterations = 50_000
	MaxCalibratedIterations = 2_000_000
)

// DefaultCalibrationBand is the target wall-clock cost band for one
// passphrase derivation: slow enough to hurt an offline guesser, fast enough
// that an interactive unlock stays responsive.
var DefaultCalibrationBand = Band{Min: 150 * time.Millisecond, Max: 300 * time.Millisecond}

// baselineIterations is the probe iteration count the linear rescale starts
// from.
const baselineIterations = 100_000

// Band is a wall-clock duration band.
type Band struct {
	Min time.Duration
	Max time.Duration
}

// Target returns the midpoint of the band, the duration the rescale aims at.
func (b Band) Target() time.Duration {
	return (b.Min + b.Max) / 2
}

// Contains reports whether d falls inside the band.
func (b Band) Contains(d time.Duration) bool {
	return d >= b.Min && d <= b.Max
}

// Calibration is the result of measuring the slow-KDF cost on this host.
type Calibration struct {
	// Iterations is the calibrated PBKDF2 iteration count.
	Iterations int

	// ProbeDuration is the measured duration of the baseline probe.
	ProbeDuration time.Duration

	// VerifyDuration is the measured duration of the verification pass at
	// the final iteration count.
	VerifyDuration time.Duration

	// Clamped is true if the linear rescale landed outside the permitted
	// iteration range and was clamped.
	Clamped bool

	// CalibratedAt is when the measurement was taken.
	CalibratedAt time.Time
}

// ErrInvalidBand indicates a calibration band with a non-positive or
// inverted range.
var ErrInvalidBand = errors.New("kdf: invalid calibration band")

// deriveFunc runs one PBKDF2 derivation at the given iteration count. It is
// a variable so tests can substitute a synthetic cost model.
type deriveFunc func(iterations int)

func pbkdf2Probe(iterations int) {
	// Representative inputs; only the iteration cost matters.
	pbkdf2.Key([]byte("calibration-probe"), make([]byte, MinPBKDF2SaltLength), iterations, 32, sha256.New)
}

// Calibrate measures PBKDF2-HMAC-SHA256 throughput on this host and returns
// an iteration count whose single-derivation cost falls inside
// DefaultCalibrationBand.
func Calibrate() (*Calibration, error) {
	return CalibrateBand(DefaultCalibrationBand)
}

// CalibrateBand is Calibrate with an explicit target band.
//
// The procedure: one warm-up pass (primes caches and the branch predictor so
// the timed probe is not measuring cold-start effects), one timed probe at
// the baseline iteration count, a linear rescale of the baseline toward the
// band midpoint, a clamp to [MinCalibratedIterations, MaxCalibratedIterations],
// one timed verification pass at the rescaled count, and a single
// re-adjustment if the verification falls outside the band. The clamp always
// wins over the band: a host too slow or too fast to land inside the band at
// a permitted count keeps the clamped count.
func CalibrateBand(band Band) (*Calibration, error) {
	return calibrate(band, pbkdf2Probe, time.Now)
}

func calibrate(band Band, derive deriveFunc, now func() time.Time) (*Calibration, error) {
	if band.Min <= 0 || band.Max <= band.Min {
		return nil, ErrInvalidBand
	}

	// Warm-up pass, untimed.
	derive(baselineIterations / 10)

	// Timed probe at the baseline count.
	start := now()
	derive(baselineIterations)
	probe := now().Sub(start)
	if probe <= 0 {
		// Clock resolution too coarse to measure the probe; treat the
		// host as arbitrarily fast and let the clamp decide.
		probe = time.Nanosecond
	}

	// Linear rescale toward the band midpoint.
	target := band.Target()
	scaled := int(int64(baselineIterations) * int64(target) / int64(probe))

	iterations, clamped := clampIterations(scaled)

	// Verification pass at the chosen count.
	start = now()
	derive(iterations)
	verify := now().Sub(start)

	// One re-adjustment if verification landed outside the band and the
	// clamp still leaves room to move.
	if !band.Contains(verify) && !clamped && verify > 0 {
		rescaled := int(int64(iterations) * int64(target) / int64(verify))
		iterations, clamped = clampIterations(rescaled)

		start = now()
		derive(iterations)
		verify = now().Sub(start)
	}

	return &Calibration{
		Iterations:     iterations,
		ProbeDuration:  probe,
		VerifyDuration: verify,
		Clamped:        clamped,
		CalibratedAt:   now(),
	}, nil
}

func clampIterations(n int) (int, bool) {
	if n < MinCalibratedIterations {
		return MinCalibratedIterations, true
	}
	if n > MaxCalibratedIterations {
		return MaxCalibratedIterations, true
	}
	return n, false
}

// PassphraseParams builds PBKDF2 parameters for a new passphrase enrollment
// from a calibration result and a fresh random salt.
func PassphraseParams(cal *Calibration, salt []byte, keyLength int) (*Params, error) {
	if cal == nil {
		return nil, fmt.Errorf("%w: missing calibration", ErrInvalidIterations)
	}
	p := &Params{
		Algorithm:    AlgorithmPBKDF2,
		Salt:         salt,
		Iterations:   cal.Iterations,
		KeyLength:    keyLength,
		CalibratedAt: cal.CalibratedAt,
	}
	if err := NewPBKDF2Adapter().ValidateParams(p); err != nil {
		return nil, err
	}
	return p, nil
}
