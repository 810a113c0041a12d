// Package metrics provides Prometheus instrumentation for rotor.
//
// Every recording method is safe to call on a nil *Collector so components can be
// built without metrics in tests.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "rotor"

// Rewrite results.
const (
	ResultRewritten   = "rewritten"
	ResultPassthrough = "passthrough"
	ResultError       = "error"
)

// Provisioning calls can take minutes when the provider throttles.
var provisionBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Collector holds all Prometheus metrics for rotor.
type Collector struct {
	RewritesTotal          *prometheus.CounterVec
	SelectionsTotal        *prometheus.CounterVec
	ProvisionOpsTotal      *prometheus.CounterVec
	ProvisionDuration      *prometheus.HistogramVec
	RegistryDomains        prometheus.Gauge
	RegistryEndpoints      prometheus.Gauge
	UpstreamResponsesTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewCollector creates a collector with every metric registered on a private registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		RewritesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewrites_total",
			Help:      "Intercepted requests by dispatch result",
		}, []string{"result", "reason"}),
		SelectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "selections_total",
			Help:      "Endpoint selections by rotation strategy",
		}, []string{"strategy", "region"}),
		ProvisionOpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "ops_total",
			Help:      "Provider work items by operation and result",
		}, []string{"op", "result"}),
		ProvisionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provision",
			Name:      "duration_seconds",
			Help:      "Duration of a whole provisioning batch",
			Buckets:   provisionBuckets,
		}, []string{"op"}),
		RegistryDomains: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "domains",
			Help:      "Registered target domains",
		}),
		RegistryEndpoints: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "endpoints",
			Help:      "Gateway endpoints across all domains",
		}),
		UpstreamResponsesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_responses_total",
			Help:      "Responses to rotated requests by gateway region and status class",
		}, []string{"region", "class"}),
		registry: reg,
	}

	reg.MustRegister(
		c.RewritesTotal,
		c.SelectionsTotal,
		c.ProvisionOpsTotal,
		c.ProvisionDuration,
		c.RegistryDomains,
		c.RegistryEndpoints,
		c.UpstreamResponsesTotal,
	)

	return c
}

// Handler returns the HTTP handler serving the collector's registry.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		Registry: c.registry,
	})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveDispatch counts one dispatch decision.
func (c *Collector) ObserveDispatch(result, reason string) {
	if c == nil {
		return
	}
	c.RewritesTotal.WithLabelValues(result, reason).Inc()
}

// ObserveSelection counts one endpoint selection.
func (c *Collector) ObserveSelection(strategy, region string) {
	if c == nil {
		return
	}
	c.SelectionsTotal.WithLabelValues(strategy, region).Inc()
}

// ObserveProvision records the outcome counts and duration of a provisioning batch.
func (c *Collector) ObserveProvision(op string, succeeded, failed int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.ProvisionOpsTotal.WithLabelValues(op, "success").Add(float64(succeeded))
	c.ProvisionOpsTotal.WithLabelValues(op, "failure").Add(float64(failed))
	c.ProvisionDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// SetRegistrySize updates the registry gauges.
func (c *Collector) SetRegistrySize(domains, endpoints int) {
	if c == nil {
		return
	}
	c.RegistryDomains.Set(float64(domains))
	c.RegistryEndpoints.Set(float64(endpoints))
}

// ObserveUpstream counts a response received through a gateway.
func (c *Collector) ObserveUpstream(region string, statusCode int) {
	if c == nil {
		return
	}
	c.UpstreamResponsesTotal.WithLabelValues(region, StatusClass(statusCode)).Inc()
}

// StatusClass maps a status code to "2xx", "4xx" and so on.
func StatusClass(statusCode int) string {
	if statusCode < 100 || statusCode > 599 {
		return "other"
	}
	return strconv.Itoa(statusCode/100) + "xx"
}
