package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "devpm"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	serviceStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "starts_total",
			Help:      "Number of service start requests by outcome.",
		}, []string{"service", "outcome"},
	)
	serviceStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "stops_total",
			Help:      "Number of stop requests by kill result.",
		}, []string{"service", "result"},
	)
	startDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "service",
			Name:      "start_duration_seconds",
			Help:      "Time from start request until started or start_failed was observed.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"},
	)
	retentionDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "deleted_events_total",
			Help:      "Log events deleted by retention sweeps.",
		}, []string{"reason"},
	)
	retentionSweeps = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "sweeps_total",
			Help:      "Completed retention sweeps.",
		},
	)
	staleRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retention",
			Name:      "stale_entries_removed_total",
			Help:      "Process entries removed because their collector or service died.",
		},
	)
	portReservations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ports",
			Name:      "reservations_total",
			Help:      "Port reservation attempts by outcome.",
		}, []string{"outcome"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{serviceStarts, serviceStops, startDuration, retentionDeleted, retentionSweeps, staleRemoved, portReservations}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// HandlerFor serves a specific gatherer, e.g. a registry that also holds a
// RegistryCollector.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncStart(service, outcome string) {
	if regOK.Load() {
		serviceStarts.WithLabelValues(service, outcome).Inc()
	}
}

func IncStop(service, result string) {
	if regOK.Load() {
		serviceStops.WithLabelValues(service, result).Inc()
	}
}

func ObserveStartDuration(service string, seconds float64) {
	if regOK.Load() {
		startDuration.WithLabelValues(service).Observe(seconds)
	}
}

// RecordSweep accounts one finished retention sweep.
func RecordSweep(expired, trimmed int64, stale int) {
	if !regOK.Load() {
		return
	}
	retentionSweeps.Inc()
	retentionDeleted.WithLabelValues("expired").Add(float64(expired))
	retentionDeleted.WithLabelValues("trimmed").Add(float64(trimmed))
	staleRemoved.Add(float64(stale))
}

func IncPortReservation(outcome string) {
	if regOK.Load() {
		portReservations.WithLabelValues(outcome).Inc()
	}
}
