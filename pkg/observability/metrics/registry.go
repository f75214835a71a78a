// Package metrics exposes the conveyor Prometheus metrics over HTTP.
//
// Component packages register their collectors with promauto on the default
// registerer. Registry owns the HTTP instrumentation collectors and merges
// both sources when serving /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry manages the collectors served on the management endpoint.
type Registry struct {
	registry *prometheus.Registry
	http     *httpCollectors
}

// NewRegistry creates a registry with HTTP request collectors registered.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	collectors := newHTTPCollectors()
	reg.MustRegister(collectors.duration, collectors.total, collectors.inFlight)
	return &Registry{
		registry: reg,
		http:     collectors,
	}
}

// Register registers an additional collector.
func (r *Registry) Register(collector prometheus.Collector) error {
	return r.registry.Register(collector)
}

// MustRegister registers collectors and panics on error.
func (r *Registry) MustRegister(collectors ...prometheus.Collector) {
	r.registry.MustRegister(collectors...)
}

// Unregister removes a collector from the registry.
func (r *Registry) Unregister(collector prometheus.Collector) bool {
	return r.registry.Unregister(collector)
}

// Gatherer merges the default registry (component and runtime metrics)
// with the collectors owned by this registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return prometheus.Gatherers{prometheus.DefaultGatherer, r.registry}
}

// Handler serves the merged metrics in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.Gatherer(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
