package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandler_ExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc("foo")
	m.Add("bar", 2)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE aero_webrtc_voice_bot_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `aero_webrtc_voice_bot_events_total{event="bar"} 2`) {
		t.Fatalf("missing bar counter: %s", body)
	}
	if !strings.Contains(body, `aero_webrtc_voice_bot_events_total{event="foo"} 1`) {
		t.Fatalf("missing foo counter: %s", body)
	}
	// Ensure label escaping matches Prometheus text format rules.
	if !strings.Contains(body, `aero_webrtc_voice_bot_events_total{event="quote\"back\\slash"} 1`) {
		t.Fatalf("missing escaped counter: %s", body)
	}
}

func TestPrometheusHandler_SortsEvents(t *testing.T) {
	m := New()
	m.Inc(SessionRemoved)
	m.Inc(BotWorkerErrors)
	m.Inc(OfferAccepted)

	rr := httptest.NewRecorder()
	PrometheusHandler(m).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rr.Body.String()
	first := strings.Index(body, `event="bot_worker_errors"`)
	second := strings.Index(body, `event="offer_accepted"`)
	third := strings.Index(body, `event="session_removed"`)
	if first < 0 || second < 0 || third < 0 {
		t.Fatalf("missing counters: %s", body)
	}
	if !(first < second && second < third) {
		t.Fatalf("counters not sorted: %s", body)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.Inc(OfferAccepted)
	if got := m.Get(OfferAccepted); got != 0 {
		t.Fatalf("Get=%d, want 0", got)
	}
}
