package observability

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsCanBeConstructedRepeatedly(t *testing.T) {
	a := NewMetrics("callroom")
	b := NewMetrics("callroom")

	a.SessionEvent("created")
	if got := testutil.ToFloat64(a.SessionEvents.WithLabelValues("created")); got != 1 {
		t.Fatalf("a session_events_total{created} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.SessionEvents.WithLabelValues("created")); got != 0 {
		t.Fatalf("b session_events_total{created} = %v, want 0", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SessionEvent("created")
	m.SessionActivated()
	m.SessionEnded()
	m.AutomationCall("rooms.create", "ok")
	m.ObserveRateLimitWait(time.Second)
	m.Teardown("completed")
	m.RefundRaised()
	m.ObserveProvisionLatency(time.Second)
}

func TestActiveSessionsGauge(t *testing.T) {
	m := NewMetrics("callroom")
	m.SessionActivated()
	m.SessionActivated()
	m.SessionEnded()
	if got := testutil.ToFloat64(m.ActiveSessions); got != 1 {
		t.Fatalf("active_sessions = %v, want 1", got)
	}
	m.SetActiveSessions(4)
	if got := testutil.ToFloat64(m.ActiveSessions); got != 4 {
		t.Fatalf("active_sessions = %v, want 4", got)
	}
}

func TestHandlerServesInstanceRegistry(t *testing.T) {
	m := NewMetrics("callroom")
	m.RefundRaised()
	m.Teardown("completed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"callroom_refunds_total 1", `callroom_teardown_total{outcome="completed"} 1`} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNewTracerProviderDisabledIsNoop(t *testing.T) {
	p, err := NewTracerProvider(context.Background(), TracingConfig{ServiceName: "callroom"})
	if err != nil {
		t.Fatalf("NewTracerProvider() error = %v", err)
	}
	_, span := Tracer("test").Start(context.Background(), "noop")
	if span.IsRecording() {
		t.Fatalf("span.IsRecording() = true, want false for disabled tracing")
	}
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestNewTracerProviderRejectsUnknownExporter(t *testing.T) {
	_, err := NewTracerProvider(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"})
	if err == nil {
		t.Fatalf("NewTracerProvider() error = nil, want unsupported exporter")
	}
}
