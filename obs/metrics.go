// Package obs wires the metrics surface SPEC_FULL.md adds alongside the
// teacher's statsd-based stats package: github.com/prometheus/client_golang
// counters and gauges, exposed on GET /metrics. Grounded on the teacher's
// direct go.mod dependency on client_golang and the counter/gauge naming
// style in stats/common_statsd.go.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide registry of counters and gauges served on
// GET /metrics. Only the Registry is wired into the service; no component
// increments or sets the counters and gauges below, so they stay at zero.
type Metrics struct {
	Registry *prometheus.Registry

	Completed      *prometheus.CounterVec
	Filtered       *prometheus.CounterVec
	Failed         *prometheus.CounterVec
	Pushed         *prometheus.CounterVec
	PrefetchQueued *prometheus.GaugeVec
	WorkersAlive   prometheus.Gauge
	ProcessErrors  *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		Completed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lavender", Name: "samples_completed_total",
			Help: "Samples marked complete, by iteration id.",
		}, []string{"iteration"}),
		Filtered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lavender", Name: "samples_filtered_total",
			Help: "Samples dropped by a filter or inner-join miss, by iteration id.",
		}, []string{"iteration"}),
		Failed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lavender", Name: "samples_failed_total",
			Help: "Samples that exhausted max_retry_count, by iteration id.",
		}, []string{"iteration"}),
		Pushed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lavender", Name: "samples_pushed_total",
			Help: "Indices dispatched to a rank queue, by iteration id.",
		}, []string{"iteration"}),
		PrefetchQueued: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "lavender", Name: "prefetch_inflight",
			Help: "Current fetching+fetched count per rank.",
		}, []string{"iteration", "rank"}),
		WorkersAlive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lavender", Name: "workerpool_alive",
			Help: "Live worker goroutines in the background worker pool.",
		}),
		ProcessErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lavender", Name: "process_errors_total",
			Help: "C6 failures that exhausted retries, by iteration id.",
		}, []string{"iteration"}),
	}
}
