// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package integrity

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docindex_integrity_sweeps_total",
		Help: "Integrity checks by result (valid, invalid, error)",
	}, []string{"result"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docindex_integrity_sweep_duration_seconds",
		Help:    "Duration of integrity checks",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	violationsGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "docindex_integrity_violations",
		Help: "Violations found by the latest check, by kind",
	}, []string{"kind"})

	rootMatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docindex_integrity_root_matches",
		Help: "1 if the latest check reproduced the committed root",
	})

	healsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docindex_integrity_heals_total",
		Help: "Heal attempts by outcome (healed, refused, rate_limited, error)",
	}, []string{"outcome"})

	healedNodesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docindex_integrity_healed_nodes_total",
		Help: "Nodes rewritten by heal transactions",
	})
)

func recordReport(r *Report) {
	if r.Valid {
		sweepsTotal.WithLabelValues("valid").Inc()
	} else {
		sweepsTotal.WithLabelValues("invalid").Inc()
	}
	sweepDuration.Observe(r.Duration.Seconds())

	counts := r.CountByKind()
	for _, k := range []ViolationKind{KindHashMismatch, KindMissingFile, KindStructureCorruption} {
		violationsGauge.WithLabelValues(string(k)).Set(float64(counts[k]))
	}
	if r.RootMatches {
		rootMatches.Set(1)
	} else {
		rootMatches.Set(0)
	}
}
