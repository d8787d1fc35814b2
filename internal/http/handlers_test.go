package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/corridorchat/messaging-core/internal/logging"
)

type stubReadiness struct {
	connections int
	uptime      time.Duration
	err         error
}

func (s *stubReadiness) ConnectionCount() int   { return s.connections }
func (s *stubReadiness) StartupError() error    { return s.err }
func (s *stubReadiness) Uptime() time.Duration  { return s.uptime }

type stubLimiter struct {
	remaining int
}

func (s *stubLimiter) Allow() bool {
	if s.remaining <= 0 {
		return false
	}
	s.remaining--
	return true
}

type stubOutbox struct {
	counts map[string]int
	err    error
}

func (s *stubOutbox) CountByStatus(ctx context.Context) (map[string]int, error) {
	return s.counts, s.err
}

type stubDLQ struct {
	counts map[string]int
	err    error
}

func (s *stubDLQ) CountByReason(ctx context.Context) (map[string]int, error) {
	return s.counts, s.err
}

func TestLivenessHandlerReturnsJSON(t *testing.T) {
	fixed := time.Date(2024, time.January, 2, 15, 4, 5, 0, time.UTC)
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), TimeSource: func() time.Time { return fixed }})
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)

	handlers.LivenessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var payload struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "alive" {
		t.Fatalf("unexpected status %q", payload.Status)
	}
	if payload.Timestamp != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("unexpected timestamp %q", payload.Timestamp)
	}
}

func TestReadinessHandlerUnavailable(t *testing.T) {
	readiness := &stubReadiness{connections: 3, uptime: 45 * time.Second, err: errors.New("boom")}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), Readiness: readiness})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	handlers.ReadinessHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var payload struct {
		Status        string  `json:"status"`
		Message       string  `json:"message"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Connections   int     `json:"connections"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Status != "error" || payload.Message != "boom" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload.Connections != 3 {
		t.Fatalf("unexpected connection count: %+v", payload)
	}
	if payload.UptimeSeconds != readiness.uptime.Seconds() {
		t.Fatalf("unexpected uptime: got %f want %f", payload.UptimeSeconds, readiness.uptime.Seconds())
	}
}

func TestMetricsHandlerOutputsPrometheusFormat(t *testing.T) {
	readiness := &stubReadiness{connections: 2, uptime: 90 * time.Second}
	outbox := &stubOutbox{counts: map[string]int{"pending": 4, "sent": 100}}
	dlq := &stubDLQ{counts: map[string]int{"delivery_failed": 2}}

	handlers := NewHandlerSet(Options{
		Logger:    logging.NewTestLogger(),
		Readiness: readiness,
		Stats: func() (int, int) {
			return 42, 2
		},
		Outbox:     outbox,
		DLQ:        dlq,
		Dispatcher: DispatcherStateFunc(func() string { return "reading" }),
		Consumer:   DispatcherStateFunc(func() string { return "delivering" }),
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	handlers.MetricsHandler().ServeHTTP(rr, req)

	if got := rr.Header().Get("Content-Type"); got != "text/plain; version=0.0.4" {
		t.Fatalf("unexpected content type %q", got)
	}
	body := rr.Body.String()
	for _, substr := range []string{
		"messaging_core_envelopes_delivered_total 42",
		"messaging_core_hub_connections 2",
		"messaging_core_uptime_seconds 90",
		`messaging_core_outbox_rows{status="pending"} 4`,
		`messaging_core_outbox_rows{status="sent"} 100`,
		`messaging_core_dlq_rows{reason="delivery_failed"} 2`,
		`messaging_core_dispatcher_state{state="reading"} 1`,
		`messaging_core_consumer_state{state="delivering"} 1`,
	} {
		if !strings.Contains(body, substr) {
			t.Fatalf("metrics missing %q:\n%s", substr, body)
		}
	}
}

func TestDLQReasonsHandlerAuthAndRateLimits(t *testing.T) {
	dlq := &stubDLQ{counts: map[string]int{"parse_error": 1}}
	limiter := &stubLimiter{remaining: 1}
	handlers := NewHandlerSet(Options{
		Logger:      logging.NewTestLogger(),
		DLQ:         dlq,
		AdminToken:  "topsecret",
		RateLimiter: limiter,
	})

	makeRequest := func(token string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin/dlq/reasons", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		handlers.DLQReasonsHandler().ServeHTTP(rr, req)
		return rr
	}

	if resp := makeRequest(""); resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized for missing token, got %d", resp.Code)
	}

	if resp := makeRequest("topsecret"); resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for authorised request, got %d", resp.Code)
	}

	if resp := makeRequest("topsecret"); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected rate limit, got %d", resp.Code)
	}
}

func TestDLQReasonsHandlerRequiresAdminToken(t *testing.T) {
	dlq := &stubDLQ{counts: map[string]int{}}
	handlers := NewHandlerSet(Options{Logger: logging.NewTestLogger(), DLQ: dlq})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/dlq/reasons", nil)
	handlers.DLQReasonsHandler().ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 when admin auth disabled, got %d", rr.Code)
	}
}
