package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records plugin runtime activity.
type Metrics interface {
	ObserveToolRun(bundle, tool, outcome string, durationSeconds float64)
	IncLifecycle(op, status string)
	IncInitScript(mode, status string)
}

// GatewayMetrics captures request metrics for the HTTP surface.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// Noop implements Metrics and GatewayMetrics without emitting anything.
type Noop struct{}

func (Noop) ObserveToolRun(string, string, string, float64) {}
func (Noop) IncLifecycle(string, string)                     {}
func (Noop) IncInitScript(string, string)                    {}
func (Noop) ObserveRequest(string, string, string, float64) {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	toolRuns     *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	lifecycle    *prometheus.CounterVec
	initScripts  *prometheus.CounterVec
	once         sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		toolRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_runs_total",
			Help:      "Tool executions by bundle, tool and outcome",
		}, []string{"bundle", "tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_run_duration_seconds",
			Help:      "Tool execution wall time by bundle and tool",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}, []string{"bundle", "tool"}),
		lifecycle: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_operations_total",
			Help:      "Install/update/remove/configure calls by status",
		}, []string{"op", "status"}),
		initScripts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "init_scripts_total",
			Help:      "Init script runs by mode and status",
		}, []string{"mode", "status"}),
	}
	p.once.Do(func() {
		prometheus.MustRegister(p.toolRuns, p.toolDuration, p.lifecycle, p.initScripts)
	})
	return p
}

func (p *Prom) ObserveToolRun(bundle, tool, outcome string, durationSeconds float64) {
	p.toolRuns.WithLabelValues(bundle, tool, outcome).Inc()
	p.toolDuration.WithLabelValues(bundle, tool).Observe(durationSeconds)
}

func (p *Prom) IncLifecycle(op, status string) {
	p.lifecycle.WithLabelValues(op, status).Inc()
}

func (p *Prom) IncInitScript(mode, status string) {
	p.initScripts.WithLabelValues(mode, status).Inc()
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}
