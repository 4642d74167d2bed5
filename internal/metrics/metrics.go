// Package metrics records operational metrics for the vector-store client
// and the diagnosis pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels.
const (
	OutcomeSuccess          = "success"
	OutcomeTransient        = "transient"
	OutcomeIdentityMismatch = "identity_mismatch"
	OutcomeError            = "error"
)

// Recorder is the sink components report to.
type Recorder interface {
	ConnectAttempt(endpoint, outcome string)
	Reconnect()
	BootstrapStep(step string, d time.Duration, err error)
	Search(collection string, d time.Duration, err error)
	DiagnoseRequest(status string)
}

// Noop discards all observations.
type Noop struct{}

func (Noop) ConnectAttempt(string, string)              {}
func (Noop) Reconnect()                                 {}
func (Noop) BootstrapStep(string, time.Duration, error) {}
func (Noop) Search(string, time.Duration, error)        {}
func (Noop) DiagnoseRequest(string)                     {}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}

// Prometheus implements Recorder with client_golang collectors.
type Prometheus struct {
	registry *prometheus.Registry

	connectAttempts *prometheus.CounterVec
	reconnects      prometheus.Counter
	bootstrapSteps  *prometheus.HistogramVec
	searchLatency   *prometheus.HistogramVec
	diagnoseTotal   *prometheus.CounterVec
}

// NewPrometheus creates collectors and registers them on a private registry.
func NewPrometheus() *Prometheus {
	p := &Prometheus{
		registry: prometheus.NewRegistry(),
		connectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "diagnostico",
				Subsystem: "vectorstore",
				Name:      "connect_attempts_total",
				Help:      "Connection attempts by endpoint and outcome.",
			},
			[]string{"endpoint", "outcome"},
		),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "diagnostico",
			Subsystem: "vectorstore",
			Name:      "reconnects_total",
			Help:      "Full reconnect sequences started after a failed liveness check.",
		}),
		bootstrapSteps: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "diagnostico",
				Subsystem: "vectorstore",
				Name:      "bootstrap_step_seconds",
				Help:      "Duration of collection bootstrap steps.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"step", "status"},
		),
		searchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "diagnostico",
				Subsystem: "vectorstore",
				Name:      "search_seconds",
				Help:      "Vector search latency.",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"collection", "status"},
		),
		diagnoseTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "diagnostico",
				Name:      "diagnose_requests_total",
				Help:      "Diagnose requests by result.",
			},
			[]string{"status"},
		),
	}

	p.registry.MustRegister(
		p.connectAttempts,
		p.reconnects,
		p.bootstrapSteps,
		p.searchLatency,
		p.diagnoseTotal,
		prometheus.NewGoCollector(),
	)
	return p
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) ConnectAttempt(endpoint, outcome string) {
	p.connectAttempts.WithLabelValues(endpoint, outcome).Inc()
}

func (p *Prometheus) Reconnect() {
	p.reconnects.Inc()
}

func (p *Prometheus) BootstrapStep(step string, d time.Duration, err error) {
	p.bootstrapSteps.WithLabelValues(step, status(err)).Observe(d.Seconds())
}

func (p *Prometheus) Search(collection string, d time.Duration, err error) {
	p.searchLatency.WithLabelValues(collection, status(err)).Observe(d.Seconds())
}

func (p *Prometheus) DiagnoseRequest(s string) {
	p.diagnoseTotal.WithLabelValues(s).Inc()
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
