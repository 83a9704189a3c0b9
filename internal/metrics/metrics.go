// Package metrics counts resolution and execution outcomes. A CLI process is
// short lived, so the registry is flushed to a node-exporter textfile instead
// of being scraped.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "boundless"

// Recorder methods are safe to call on a nil receiver.
type Recorder struct {
	gatherer prometheus.Gatherer

	routesResolved  *prometheus.CounterVec
	assetsSkipped   *prometheus.CounterVec
	routeExecutions *prometheus.CounterVec
	resolveSeconds  *prometheus.HistogramVec
	providerCalls   *prometheus.CounterVec
}

// New registers collectors on a private registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg, reg)
	if err != nil {
		// A fresh registry cannot hold duplicates.
		panic(err)
	}
	return r
}

func NewRecorder(reg prometheus.Registerer, gatherer prometheus.Gatherer) (*Recorder, error) {
	r := &Recorder{
		gatherer: gatherer,
		routesResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_resolved_total",
			Help:      "Routes produced by the resolver.",
		}, []string{"flow", "kind"}),
		assetsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assets_skipped_total",
			Help:      "Assets the resolver could not route.",
		}, []string{"flow", "reason"}),
		routeExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_executions_total",
			Help:      "Route executions by outcome.",
		}, []string{"flow", "outcome"}),
		resolveSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolve_duration_seconds",
			Help:      "Wall time to resolve a plan.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"flow"}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Outbound provider requests by status.",
		}, []string{"provider", "status"}),
	}
	for _, c := range []prometheus.Collector{r.routesResolved, r.assetsSkipped, r.routeExecutions, r.resolveSeconds, r.providerCalls} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) RouteResolved(flow, kind string) {
	if r == nil {
		return
	}
	r.routesResolved.WithLabelValues(flow, kind).Inc()
}

// AssetSkipped records a skip. Free-form error text is collapsed into
// "error" to keep label cardinality bounded.
func (r *Recorder) AssetSkipped(flow, reason string) {
	if r == nil {
		return
	}
	switch reason {
	case "unsupported chain", "no routes found":
	default:
		reason = "error"
	}
	r.assetsSkipped.WithLabelValues(flow, reason).Inc()
}

func (r *Recorder) RouteExecuted(flow string, ok bool) {
	if r == nil {
		return
	}
	outcome := "failed"
	if ok {
		outcome = "completed"
	}
	r.routeExecutions.WithLabelValues(flow, outcome).Inc()
}

func (r *Recorder) ObserveResolve(flow string, d time.Duration) {
	if r == nil {
		return
	}
	r.resolveSeconds.WithLabelValues(flow).Observe(d.Seconds())
}

func (r *Recorder) ProviderRequest(provider, status string) {
	if r == nil {
		return
	}
	r.providerCalls.WithLabelValues(strings.ToLower(provider), status).Inc()
}

// WriteTextfile flushes every gathered metric to path. An empty path is a
// no-op.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || r.gatherer == nil || strings.TrimSpace(path) == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, r.gatherer)
}
