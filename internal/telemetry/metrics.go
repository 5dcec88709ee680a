// Package telemetry declares the Prometheus collectors shared across the
// core components and adapts them to each component's narrow Metrics
// interface, so callers never import prometheus directly.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var (
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingester",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests served by the Ingester API, by method/route/status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "status"},
	)

	PollAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingester",
			Subsystem: "capacity_monitor",
			Name:      "poll_attempts_total",
			Help:      "Total number of capacity poll attempts per storage element.",
		},
		[]string{"element_id"},
	)

	PollSuccessTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingester",
			Subsystem: "capacity_monitor",
			Name:      "poll_success_total",
			Help:      "Total number of successful capacity polls per storage element.",
		},
		[]string{"element_id"},
	)

	PollFailureTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingester",
			Subsystem: "capacity_monitor",
			Name:      "poll_failure_total",
			Help:      "Total number of failed capacity polls per storage element.",
		},
		[]string{"element_id"},
	)

	PollDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ingester",
			Subsystem: "capacity_monitor",
			Name:      "poll_cycle_duration_seconds",
			Help:      "Duration of a full capacity-monitor poll cycle across all storage elements.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	CurrentIntervalSeconds = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ingester",
			Subsystem: "capacity_monitor",
			Name:      "current_interval_seconds",
			Help:      "Current adaptively-computed polling interval.",
		},
	)

	LeaderState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ingester",
			Subsystem: "capacity_monitor",
			Name:      "is_leader",
			Help:      "1 if this replica currently holds the capacity-monitor leader lock, else 0.",
		},
	)

	SelectorSourceTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingester",
			Subsystem: "selector",
			Name:      "capacity_source_total",
			Help:      "Total number of capacity reads by source (registry or admin).",
		},
		[]string{"source"},
	)

	UploadAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingester",
			Subsystem: "upload",
			Name:      "attempts_total",
			Help:      "Total number of per-SE upload attempts by outcome class.",
		},
		[]string{"element_id", "outcome"},
	)

	UploadLatencySeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ingester",
			Subsystem: "upload",
			Name:      "latency_seconds",
			Help:      "End-to-end upload latency, including any reselection retry.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	ReloadAddedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingester",
			Subsystem: "reloader",
			Name:      "elements_added_total",
			Help:      "Total number of storage elements added by a reload, by trigger source.",
		},
		[]string{"source"},
	)

	ReloadRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingester",
			Subsystem: "reloader",
			Name:      "elements_removed_total",
			Help:      "Total number of storage elements removed by a reload, by trigger source.",
		},
		[]string{"source"},
	)

	ReloadUpdatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingester",
			Subsystem: "reloader",
			Name:      "elements_updated_total",
			Help:      "Total number of storage elements whose config changed in a reload, by trigger source.",
		},
		[]string{"source"},
	)

	ReloadFailureTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ingester",
			Subsystem: "reloader",
			Name:      "failure_total",
			Help:      "Total number of failed reload attempts.",
		},
	)

	FinalizeTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingester",
			Subsystem: "finalize",
			Name:      "transitions_total",
			Help:      "Total number of FinalizeTransaction state transitions.",
		},
		[]string{"state"},
	)

	FinalizePhaseDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ingester",
			Subsystem: "finalize",
			Name:      "phase_duration_seconds",
			Help:      "Duration of each finalize phase (copy, verify, commit).",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	FinalizeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ingester",
			Subsystem: "finalize",
			Name:      "failures_total",
			Help:      "Total number of finalize transactions that failed, by reason.",
		},
		[]string{"reason"},
	)
)

// All returns every collector for registration against a prometheus.Registry.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		HTTPRequestDuration,
		PollAttemptsTotal, PollSuccessTotal, PollFailureTotal, PollDurationSeconds,
		CurrentIntervalSeconds, LeaderState,
		SelectorSourceTotal,
		UploadAttemptsTotal, UploadLatencySeconds,
		ReloadAddedTotal, ReloadRemovedTotal, ReloadUpdatedTotal, ReloadFailureTotal,
		FinalizeTransitionsTotal, FinalizePhaseDurationSeconds, FinalizeFailuresTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors plus every collector in All().
func NewMetricsRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	for _, c := range All() {
		reg.MustRegister(c)
	}
	return reg
}

// CapacityMonitorMetrics adapts the collectors above to
// pkg/capacitymonitor.Metrics.
type CapacityMonitorMetrics struct{}

func (CapacityMonitorMetrics) ObservePollAttempt(elementID string) { PollAttemptsTotal.WithLabelValues(elementID).Inc() }
func (CapacityMonitorMetrics) ObservePollSuccess(elementID string) { PollSuccessTotal.WithLabelValues(elementID).Inc() }
func (CapacityMonitorMetrics) ObservePollFailure(elementID string) { PollFailureTotal.WithLabelValues(elementID).Inc() }
func (CapacityMonitorMetrics) ObservePollDuration(seconds float64) { PollDurationSeconds.Observe(seconds) }
func (CapacityMonitorMetrics) SetCurrentInterval(seconds float64)  { CurrentIntervalSeconds.Set(seconds) }
func (CapacityMonitorMetrics) SetLeaderState(isLeader bool) {
	if isLeader {
		LeaderState.Set(1)
	} else {
		LeaderState.Set(0)
	}
}

// SelectorMetrics adapts the collectors above to pkg/selector.Metrics.
type SelectorMetrics struct{}

func (SelectorMetrics) ObserveSource(source string) { SelectorSourceTotal.WithLabelValues(source).Inc() }

// UploadMetrics adapts the collectors above to pkg/upload.Metrics.
type UploadMetrics struct{}

func (UploadMetrics) ObserveAttempt(elementID, outcome string) {
	UploadAttemptsTotal.WithLabelValues(elementID, outcome).Inc()
}
func (UploadMetrics) ObserveLatency(seconds float64) { UploadLatencySeconds.Observe(seconds) }

// ReloaderMetrics adapts the collectors above to pkg/reloader.Metrics.
type ReloaderMetrics struct{}

func (ReloaderMetrics) ObserveReload(source string, added, removed, updated int) {
	ReloadAddedTotal.WithLabelValues(source).Add(float64(added))
	ReloadRemovedTotal.WithLabelValues(source).Add(float64(removed))
	ReloadUpdatedTotal.WithLabelValues(source).Add(float64(updated))
}
func (ReloaderMetrics) ObserveReloadFailure() { ReloadFailureTotal.Inc() }

// FinalizeMetrics adapts the collectors above to pkg/finalize.Metrics.
type FinalizeMetrics struct{}

func (FinalizeMetrics) ObserveTransition(state string) { FinalizeTransitionsTotal.WithLabelValues(state).Inc() }
func (FinalizeMetrics) ObservePhaseDuration(phase string, seconds float64) {
	FinalizePhaseDurationSeconds.WithLabelValues(phase).Observe(seconds)
}
func (FinalizeMetrics) ObserveFailure(reason string) { FinalizeFailuresTotal.WithLabelValues(reason).Inc() }
