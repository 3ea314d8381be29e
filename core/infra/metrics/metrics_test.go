package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.ObserveToolRun("weather", "forecast", "ok", 0.1)
	m.IncLifecycle("install", "ok")
	m.IncInitScript("sync", "ok")
	m.ObserveRequest("GET", "/bundles", "200", 0.01)
}

func TestPromMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewProm("plugind")
	m.ObserveToolRun("weather", "forecast", "timeout", 30)
	m.IncLifecycle("install", "init_failed")
	m.IncInitScript("async", "ok")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "plugind_tool_runs_total", map[string]string{"bundle": "weather", "tool": "forecast", "outcome": "timeout"}) {
		t.Fatalf("expected tool_runs metric")
	}
	if !hasMetric(families, "plugind_tool_run_duration_seconds", map[string]string{"bundle": "weather", "tool": "forecast"}) {
		t.Fatalf("expected tool_run_duration metric")
	}
	if !hasMetric(families, "plugind_lifecycle_operations_total", map[string]string{"op": "install", "status": "init_failed"}) {
		t.Fatalf("expected lifecycle metric")
	}
	if !hasMetric(families, "plugind_init_scripts_total", map[string]string{"mode": "async", "status": "ok"}) {
		t.Fatalf("expected init_scripts metric")
	}
}

func TestGatewayMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewGatewayProm("plugind")
	m.ObserveRequest("GET", "/health", "200", 0.01)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "plugind_http_requests_total", map[string]string{"method": "GET", "route": "/health", "status": "200"}) {
		t.Fatalf("expected http_requests metric")
	}
	if !hasMetric(families, "plugind_http_request_duration_seconds", map[string]string{"method": "GET", "route": "/health"}) {
		t.Fatalf("expected http_request_duration metric")
	}
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	m := NewProm("plugind")
	m.IncLifecycle("remove", "ok")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected metrics output")
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}
