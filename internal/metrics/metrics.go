package metrics

import (
	"errors"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "doubleagent"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of service processes spawned.",
		}, []string{"name"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stop requests (graceful or kill).",
		}, []string{"name"},
	)
	healthFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "health_failures_total",
			Help:      "Health waits that ended without a healthy response, by reason.",
		}, []string{"name", "reason"},
	)
	healthWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "health_wait_seconds",
			Help:      "Time from spawn until the service first reported healthy.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"name"},
	)
	runningServices = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "running",
			Help:      "Services with a live record in the state file.",
		},
	)
	cacheSyncs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "syncs_total",
			Help:      "Mirror synchronizations by outcome.",
		}, []string{"outcome"},
	)
	residentMemory = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "resident_memory_bytes",
			Help:      "Resident set size of a running service process at last sample.",
		}, []string{"name"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{serviceStarts, serviceStops, healthFailures, healthWait, runningServices, cacheSyncs, residentMemory}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Enabled reports whether Register has succeeded.
func Enabled() bool { return regOK.Load() }

// WriteTextfile dumps everything gathered by g to path in the text exposition
// format, for pickup by a node_exporter textfile collector. The CLI is short
// lived, so this replaces a scrape endpoint.
func WriteTextfile(g prometheus.Gatherer, path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, g)
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(name string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(name).Inc()
	}
}

// IncHealthFailure records a failed health wait. reason is "died" or "timeout".
func IncHealthFailure(name, reason string) {
	if regOK.Load() {
		healthFailures.WithLabelValues(name, reason).Inc()
	}
}

func ObserveHealthWait(name string, seconds float64) {
	if regOK.Load() {
		healthWait.WithLabelValues(name).Observe(seconds)
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		runningServices.Set(float64(n))
	}
}

func IncCacheSync(outcome string) {
	if regOK.Load() {
		cacheSyncs.WithLabelValues(outcome).Inc()
	}
}

func SetResidentMemory(name string, bytes uint64) {
	if regOK.Load() {
		residentMemory.WithLabelValues(name).Set(float64(bytes))
	}
}
