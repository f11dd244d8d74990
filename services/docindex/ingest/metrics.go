// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docindex_ingest_events_total",
		Help: "Change events applied, by kind and outcome",
	}, []string{"kind", "outcome"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docindex_ingest_queue_depth",
		Help: "Events waiting in the ingest queue",
	})

	rejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docindex_ingest_rejected_total",
		Help: "Events rejected because the queue was full",
	})

	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docindex_ingest_dropped_total",
		Help: "Events discarded when the queue stopped",
	})

	watcherEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docindex_watcher_events_total",
		Help: "Debounced filesystem changes forwarded by the watcher, by kind",
	}, []string{"kind"})
)
