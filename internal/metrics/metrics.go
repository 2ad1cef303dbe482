// Package metrics exposes gateway activity as Prometheus metrics.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/howard-nolan/llmbridge/internal/provider"
)

// Outcome labels. A failed vendor call is labelled with its error kind.
const (
	OutcomeOK       = "ok"
	OutcomeConfig   = "configuration"
	OutcomeCanceled = "canceled"
)

// Operation labels.
const (
	OperationGenerate   = "generate"
	OperationStream     = "stream"
	OperationListModels = "list_models"
)

// Recorder reports requests and retries. The zero value is not usable;
// build one with NewRecorder or use Nop.
type Recorder struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	retries  *prometheus.CounterVec
}

// NewRecorder registers the gateway collectors on registry.
func NewRecorder(registry *prometheus.Registry) (*Recorder, error) {
	if registry == nil {
		return nil, fmt.Errorf("prometheus registry is nil")
	}

	r := &Recorder{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmbridge_requests_total",
			Help: "Completion requests by provider, operation and outcome",
		}, []string{"provider", "operation", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmbridge_request_duration_seconds",
			Help:    "Completion latency in seconds, retries included",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"provider", "operation"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmbridge_retries_total",
			Help: "Retries scheduled against a vendor by error kind",
		}, []string{"provider", "kind"}),
	}

	for _, c := range []prometheus.Collector{r.requests, r.latency, r.retries} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return r, nil
}

// ObserveRequest counts one finished call and its latency.
func (r *Recorder) ObserveRequest(providerID, operation, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(providerID, operation, outcome).Inc()
	r.latency.WithLabelValues(providerID, operation).Observe(d.Seconds())
}

// ObserveRetry implements provider.RetryObserver.
func (r *Recorder) ObserveRetry(providerID string, kind provider.ErrorKind) {
	if r == nil {
		return
	}
	r.retries.WithLabelValues(providerID, string(kind)).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Nop returns a nil *Recorder. Every method on it is a no-op.
func Nop() *Recorder {
	return nil
}
