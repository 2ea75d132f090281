package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read scrape: %v", err)
	}
	return string(body)
}

func TestObserveRequest(t *testing.T) {
	t.Parallel()
	m := New()

	m.ObserveRequest("/v1/quotes/{symbol}", 200, 15*time.Millisecond)
	m.ObserveRequest("/v1/quotes/{symbol}", 200, 5*time.Millisecond)
	m.ObserveRequest("/v1/orders", 409, time.Millisecond)

	body := scrape(t, m)
	if !strings.Contains(body, `kis_gateway_http_requests_total{code="200",route="/v1/quotes/{symbol}"} 2`) {
		t.Fatalf("missing quote counter in scrape:\n%s", body)
	}
	if !strings.Contains(body, `kis_gateway_http_requests_total{code="409",route="/v1/orders"} 1`) {
		t.Fatalf("missing order counter in scrape:\n%s", body)
	}
	if !strings.Contains(body, `kis_gateway_http_request_duration_seconds_count{route="/v1/quotes/{symbol}"} 2`) {
		t.Fatalf("missing duration histogram in scrape:\n%s", body)
	}
}

func TestRegisterDomainCollectors(t *testing.T) {
	t.Parallel()
	m := New()

	depth := 4
	fallbacks := 7
	m.RegisterDomainCollectors(DomainCollectors{
		QueueDepth:         func() float64 { return float64(depth) },
		QuoteRESTFallbacks: func() float64 { return float64(fallbacks) },
	})

	body := scrape(t, m)
	if !strings.Contains(body, "kis_gateway_order_queue_depth 4") {
		t.Fatalf("missing queue depth gauge:\n%s", body)
	}
	if !strings.Contains(body, "kis_gateway_quote_rest_fallbacks_total 7") {
		t.Fatalf("missing fallback counter:\n%s", body)
	}

	// Collectors read live values on every scrape.
	depth = 9
	if body := scrape(t, m); !strings.Contains(body, "kis_gateway_order_queue_depth 9") {
		t.Fatalf("gauge did not follow source:\n%s", body)
	}
}

func TestNilCollectorsSkipped(t *testing.T) {
	t.Parallel()
	m := New()
	m.RegisterDomainCollectors(DomainCollectors{})

	if body := scrape(t, m); strings.Contains(body, "kis_gateway_order_queue_depth") {
		t.Fatalf("unregistered gauge leaked into scrape:\n%s", body)
	}
}
