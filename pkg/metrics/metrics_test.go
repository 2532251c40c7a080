package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRegistryObserveAndSnapshot(t *testing.T) {
	r := NewRegistry()
	r.Observe("GET /healthz", 200, 15*time.Millisecond)
	r.Observe("GET /healthz", 503, 35*time.Millisecond)
	r.IncOutcome("ALLOWED")
	r.IncOutcome("ALLOWED")
	r.IncReason("TOKEN_EXPIRED")
	r.SetGauge("breakers_open", 3)

	snap := r.Snapshot()
	ep, ok := snap.Endpoints["GET /healthz"]
	if !ok {
		t.Fatal("missing endpoint metric")
	}
	if ep.Count != 2 {
		t.Fatalf("expected count=2 got=%d", ep.Count)
	}
	if ep.ErrorCount != 1 {
		t.Fatalf("expected error_count=1 got=%d", ep.ErrorCount)
	}
	if ep.MaxMillis != 35 {
		t.Fatalf("expected max_millis=35 got=%d", ep.MaxMillis)
	}
	if snap.Outcomes["ALLOWED"] != 2 {
		t.Fatalf("expected ALLOWED=2 got=%d", snap.Outcomes["ALLOWED"])
	}
	if snap.Reasons["TOKEN_EXPIRED"] != 1 {
		t.Fatalf("expected TOKEN_EXPIRED=1 got=%d", snap.Reasons["TOKEN_EXPIRED"])
	}
	if snap.Gauges["breakers_open"] != 3 {
		t.Fatalf("expected gauge breakers_open=3 got=%v", snap.Gauges["breakers_open"])
	}
}

func TestServerOutcomeAndBreakerCounters(t *testing.T) {
	r := NewRegistry()
	r.IncServerOutcome("hr", "ALLOWED")
	r.IncServerOutcome("hr", "ALLOWED")
	r.IncServerOutcome("finance", "CIRCUIT_OPEN")
	r.IncServerOutcome("", "ignored")
	r.IncServerOutcome("sales", "")
	r.IncBreakerEvent("open")
	r.IncBreakerEvent("OPEN")
	r.IncRateLimited("Burst")
	r.IncRevocationFeedEvent()

	snap := r.Snapshot()
	if snap.ServerOutcomes["hr|ALLOWED"] != 2 {
		t.Fatalf("expected hr|ALLOWED=2 got=%d", snap.ServerOutcomes["hr|ALLOWED"])
	}
	if snap.ServerOutcomes["finance|CIRCUIT_OPEN"] != 1 {
		t.Fatalf("expected finance|CIRCUIT_OPEN=1 got=%d", snap.ServerOutcomes["finance|CIRCUIT_OPEN"])
	}
	if snap.ServerOutcomes["sales|UNKNOWN"] != 1 {
		t.Fatalf("expected sales|UNKNOWN=1 got=%d", snap.ServerOutcomes["sales|UNKNOWN"])
	}
	if snap.BreakerEvents["OPEN"] != 2 {
		t.Fatalf("expected OPEN=2 got=%d", snap.BreakerEvents["OPEN"])
	}
	if snap.RateLimitedByTier["burst"] != 1 {
		t.Fatalf("expected burst=1 got=%d", snap.RateLimitedByTier["burst"])
	}
	if snap.RevocationFeedEvents != 1 {
		t.Fatalf("expected feed events=1 got=%d", snap.RevocationFeedEvents)
	}
}

func TestTokenVerifyLatency(t *testing.T) {
	r := NewRegistry()
	r.ObserveTokenVerifyLatency(5 * time.Millisecond)
	r.ObserveTokenVerifyLatency(15 * time.Millisecond)

	snap := r.Snapshot()
	lat := snap.TokenVerifyLatencyMS
	if lat.Count != 2 || lat.MaxMS != 15 || lat.LastMS != 15 {
		t.Fatalf("unexpected latency stat: %+v", lat)
	}
	if lat.AvgMS != 10 {
		t.Fatalf("expected avg 10ms, got %v", lat.AvgMS)
	}
}

func TestSortedKeys(t *testing.T) {
	keys := SortedKeys(map[string]int{"b": 2, "a": 1, "c": 3})
	if len(keys) != 3 {
		t.Fatalf("expected 3 keys got=%d", len(keys))
	}
	if keys[0] != "a" || keys[1] != "b" || keys[2] != "c" {
		t.Fatalf("unexpected order: %#v", keys)
	}
}

func TestPrometheusHandler(t *testing.T) {
	r := NewRegistry()
	r.Observe("POST /v1/servers/invoke", 200, 12*time.Millisecond)
	r.Observe("POST /v1/servers/invoke", 502, 20*time.Millisecond)
	r.IncOutcome("ALLOWED")
	r.IncReason("TOKEN_EXPIRED")
	r.IncServerOutcome("hr", "ALLOWED")
	r.IncBreakerEvent("OPEN")
	r.IncRateLimited("burst")
	r.SetGauge("breakers_open", 7)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics/prometheus", nil)
	r.PrometheusHandler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "bastion_endpoint_count") {
		t.Fatalf("missing endpoint metric: %s", body)
	}
	if !strings.Contains(body, "bastion_outcome_total{outcome=\"ALLOWED\"} 1") {
		t.Fatalf("missing outcome metric: %s", body)
	}
	if !strings.Contains(body, "bastion_server_outcome_total{server=\"hr\",outcome=\"ALLOWED\"} 1") {
		t.Fatalf("missing server outcome metric: %s", body)
	}
	if !strings.Contains(body, "bastion_breaker_event_total{event=\"OPEN\"} 1") {
		t.Fatalf("missing breaker event metric: %s", body)
	}
	if !strings.Contains(body, "bastion_rate_limited_total{tier=\"burst\"} 1") {
		t.Fatalf("missing rate limited metric: %s", body)
	}
	if !strings.Contains(body, "bastion_gauge{name=\"breakers_open\"} 7.000") {
		t.Fatalf("missing gauge metric: %s", body)
	}
}

func TestJSONHandlerAndEmptyInputs(t *testing.T) {
	r := NewRegistry()
	r.IncOutcome("")
	r.IncReason("")
	r.IncBreakerEvent("")
	r.IncRateLimited("")
	r.SetGauge("", 5)
	r.Observe("GET /healthz", 204, 5*time.Millisecond)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	r.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected json content type, got %q", got)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "\"generated_at\"") {
		t.Fatalf("expected generated timestamp in body: %s", body)
	}
	if strings.Contains(body, "\"\"") {
		t.Fatalf("did not expect empty-key counters in body: %s", body)
	}
}
