package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestPrometheusHandlerExposesSnapshot(t *testing.T) {
	m := New()
	m.Inc(CounterSocketConnects)
	m.Inc(CounterFramesReceived)
	m.Inc(CounterFramesReceived)
	m.Inc(`quote"back\slash`)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()

	PrometheusHandler(m).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusOK)
	}

	body := rr.Body.String()
	if !strings.Contains(body, "# TYPE signaling_client_events_total counter") {
		t.Fatalf("missing TYPE header: %s", body)
	}
	if !strings.Contains(body, `signaling_client_events_total{event="socket_connects"} 1`) {
		t.Fatalf("missing socket_connects counter: %s", body)
	}
	if !strings.Contains(body, `signaling_client_events_total{event="frames_received"} 2`) {
		t.Fatalf("missing frames_received counter: %s", body)
	}
	// Label escaping must follow Prometheus text format rules.
	if !strings.Contains(body, `signaling_client_events_total{event="quote\"back\\slash"} 1`) {
		t.Fatalf("missing escaped counter: %s", body)
	}
}

func TestPrometheusHandlerNilRegistry(t *testing.T) {
	rr := httptest.NewRecorder()
	PrometheusHandler(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want %d", rr.Code, http.StatusInternalServerError)
	}
}
