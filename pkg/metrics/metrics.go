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

// Package metrics exposes Prometheus collectors for the enclave kernel.
// Collectors are registered on the default registry; embedding applications
// serve them however they expose the rest of their metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// UnlockTotal counts unlock gate entries by outcome: "success",
	// "wrong_credential", "integrity", "busy", "error".
	UnlockTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "enclave",
		Name:      "unlock_total",
		Help:      "Unlock gate entries by outcome.",
	}, []string{"outcome"})

	// KDFDeriveDuration observes wall-clock cost of credential key
	// derivations. The calibration routine targets the 0.15-0.3s band.
	KDFDeriveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "enclave",
		Name:      "kdf_derive_duration_seconds",
		Help:      "Credential key derivation duration.",
		Buckets:   []float64{0.025, 0.05, 0.1, 0.15, 0.2, 0.3, 0.5, 1, 2},
	})

	// AuditEntriesTotal counts appended audit entries by signer role.
	AuditEntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "enclave",
		Name:      "audit_entries_total",
		Help:      "Appended audit chain entries by signer role.",
	}, []string{"role"})
)
