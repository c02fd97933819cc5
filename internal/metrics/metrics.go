package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RevalidationOutcome captures how a background stale-while-revalidate fetch ended.
type RevalidationOutcome string

const (
	// RevalidationStored indicates a fresh ok response replaced the snapshot.
	RevalidationStored RevalidationOutcome = "stored"
	// RevalidationFailed indicates the background fetch failed or was not ok.
	RevalidationFailed RevalidationOutcome = "failed"
	// RevalidationDropped indicates the revalidation budget was exhausted.
	RevalidationDropped RevalidationOutcome = "dropped"
)

// InstallOutcome captures the result of populating a new generation.
type InstallOutcome string

const (
	// InstallCommitted indicates every manifest entry was fetched and the generation committed.
	InstallCommitted InstallOutcome = "committed"
	// InstallFailed indicates at least one manifest entry could not be fetched.
	InstallFailed InstallOutcome = "failed"
	// InstallDiscarded indicates the result arrived after the version was superseded.
	InstallDiscarded InstallOutcome = "discarded"
)

// Recorder publishes Prometheus metrics for worker activity.
type Recorder struct {
	gatherer prometheus.Gatherer
	handler  http.Handler

	fetches      *prometheus.CounterVec
	fetchLatency *prometheus.HistogramVec

	revalidations *prometheus.CounterVec

	installs       *prometheus.CounterVec
	installLatency *prometheus.HistogramVec

	transitions *prometheus.CounterVec
	generations prometheus.Gauge
	clients     prometheus.Gauge
}

// NewRecorder constructs a Prometheus-backed Recorder. When reg is nil a dedicated
// registry is created so multiple recorders can coexist without conflicting with
// the global default registerer.
func NewRecorder(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	reg.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	fetches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bixworker",
		Subsystem: "fetch",
		Name:      "requests_total",
		Help:      "Requests intercepted by the worker, by strategy and response source.",
	}, []string{"strategy", "source"})

	fetchLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bixworker",
		Subsystem: "fetch",
		Name:      "request_duration_seconds",
		Help:      "Latency distribution for intercepted requests.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"strategy", "source"})

	revalidations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bixworker",
		Subsystem: "fetch",
		Name:      "revalidations_total",
		Help:      "Background revalidations of cached static assets.",
	}, []string{"result"})

	installs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bixworker",
		Subsystem: "install",
		Name:      "attempts_total",
		Help:      "Generation installs attempted by the worker.",
	}, []string{"result"})

	installLatency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "bixworker",
		Subsystem: "install",
		Name:      "duration_seconds",
		Help:      "Time spent fetching and committing a manifest.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"result"})

	transitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bixworker",
		Subsystem: "lifecycle",
		Name:      "transitions_total",
		Help:      "Version state transitions applied by the lifecycle.",
	}, []string{"state"})

	generations := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bixworker",
		Subsystem: "cache",
		Name:      "generations",
		Help:      "Generations currently held by the asset cache store.",
	})

	clients := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "bixworker",
		Subsystem: "channel",
		Name:      "clients",
		Help:      "Pages connected to the worker message channel.",
	})

	reg.MustRegister(fetches, fetchLatency, revalidations, installs, installLatency, transitions, generations, clients)

	handler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})

	return &Recorder{
		gatherer:       reg,
		handler:        handler,
		fetches:        fetches,
		fetchLatency:   fetchLatency,
		revalidations:  revalidations,
		installs:       installs,
		installLatency: installLatency,
		transitions:    transitions,
		generations:    generations,
		clients:        clients,
	}
}

// Handler exposes the Prometheus HTTP handler for the recorder's registry.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
		})
	}
	return r.handler
}

// Gatherer returns the underlying Prometheus gatherer for tests and advanced
// integrations.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	if r == nil {
		return prometheus.NewRegistry()
	}
	return r.gatherer
}

// ObserveFetch records one intercepted request.
func (r *Recorder) ObserveFetch(strategy, source string, duration time.Duration) {
	if r == nil {
		return
	}
	strategyLabel := normalizeLabel(strategy)
	sourceLabel := normalizeLabel(source)
	r.fetches.WithLabelValues(strategyLabel, sourceLabel).Inc()
	r.fetchLatency.WithLabelValues(strategyLabel, sourceLabel).Observe(duration.Seconds())
}

// ObserveRevalidation records the end of a background revalidation.
func (r *Recorder) ObserveRevalidation(result RevalidationOutcome) {
	if r == nil {
		return
	}
	r.revalidations.WithLabelValues(normalizeLabel(string(result))).Inc()
}

// ObserveInstall records an install attempt and how long it took.
func (r *Recorder) ObserveInstall(result InstallOutcome, duration time.Duration) {
	if r == nil {
		return
	}
	label := normalizeLabel(string(result))
	r.installs.WithLabelValues(label).Inc()
	r.installLatency.WithLabelValues(label).Observe(duration.Seconds())
}

// ObserveTransition counts a version entering state.
func (r *Recorder) ObserveTransition(state string) {
	if r == nil {
		return
	}
	r.transitions.WithLabelValues(normalizeLabel(state)).Inc()
}

// SetGenerations publishes the number of stored generations.
func (r *Recorder) SetGenerations(n int) {
	if r == nil {
		return
	}
	r.generations.Set(float64(n))
}

// SetClients publishes the number of connected pages.
func (r *Recorder) SetClients(n int) {
	if r == nil {
		return
	}
	r.clients.Set(float64(n))
}

func normalizeLabel(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
