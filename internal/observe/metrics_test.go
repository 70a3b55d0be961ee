package observe

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestMetricsAreIndependent(t *testing.T) {
	// Two instances must not collide on registration.
	a := NewMetrics()
	b := NewMetrics()
	a.ConnectionsActive.Inc()
	b.ConnectionsActive.Set(5)

	families, err := a.registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var found *dto.MetricFamily
	for _, mf := range families {
		if mf.GetName() == "wardgate_connections_active" {
			found = mf
		}
	}
	if found == nil {
		t.Fatal("wardgate_connections_active not registered")
	}
	if got := found.GetMetric()[0].GetGauge().GetValue(); got != 1 {
		t.Errorf("gauge = %v, want 1", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.AuthAttempts.WithLabelValues("ok").Inc()
	m.FramesTotal.WithLabelValues("request", "ok").Add(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `wardgate_auth_attempts_total{result="ok"} 1`) {
		t.Errorf("exposition missing auth counter:\n%s", body)
	}
	if !strings.Contains(body, `wardgate_frames_total{kind="request",status="ok"} 3`) {
		t.Errorf("exposition missing frame counter:\n%s", body)
	}
}

func TestTelemetryDisabledIsNoop(t *testing.T) {
	tel, err := NewTelemetry(context.Background(), false, "test")
	if err != nil {
		t.Fatalf("NewTelemetry: %v", err)
	}
	_, span := tel.Tracer.Start(context.Background(), "op")
	span.End()
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
