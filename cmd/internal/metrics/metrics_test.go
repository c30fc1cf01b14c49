package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestAuthEventCounters(t *testing.T) {
	m := New()
	m.AuthEvent("login", "fail")
	m.AuthEvent("login", "fail")
	m.AuthEvent("login", "ok")
	m.RefreshRotation("reuse")

	if got := testutil.ToFloat64(m.authEvents.WithLabelValues("login", "fail")); got != 2 {
		t.Fatalf("login/fail = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.authEvents.WithLabelValues("login", "ok")); got != 1 {
		t.Fatalf("login/ok = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.rotations.WithLabelValues("reuse")); got != 1 {
		t.Fatalf("rotations/reuse = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.AuthEvent("login", "ok")
	m.RefreshRotation("ok")
	m.ObserveHTTP(http.MethodGet, "/x", 200, time.Millisecond)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 from nil metrics handler, got %d", rr.Code)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.AuthEvent("register", "ok")
	m.ObserveHTTP(http.MethodPost, "/auth/register", 201, 3*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	res, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer func() { _ = res.Body.Close() }()
	body, _ := io.ReadAll(res.Body)

	for _, want := range []string{
		`pulse_auth_events_total{event="register",outcome="ok"} 1`,
		`pulse_http_request_duration_seconds_count{method="POST",route="/auth/register",status="201"} 1`,
		`go_goroutines`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}
