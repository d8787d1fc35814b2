package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/corridorchat/messaging-core/internal/logging"
)

// ReadinessProvider exposes Hub connection state required for readiness checks.
type ReadinessProvider interface {
	ConnectionCount() int
	StartupError() error
	Uptime() time.Duration
}

// StatsFunc returns cumulative delivery statistics: envelopes delivered and live connections.
type StatsFunc func() (delivered, connections int)

// OutboxStats reports the Transactional Outbox's per-status row counts, per §6.3.
type OutboxStats interface {
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// DLQStats reports Dead-Letter Record counts grouped by reason, per §6.3.
type DLQStats interface {
	CountByReason(ctx context.Context) (map[string]int, error)
}

// DispatcherState reports the Stream Dispatcher's/Consumer's current lifecycle state, per §4.5/§4.6.
type DispatcherState interface {
	State() string
}

// DispatcherStateFunc adapts a function into a DispatcherState, letting callers bridge the
// stream package's typed lifecycle enums (which don't implement this interface directly).
type DispatcherStateFunc func() string

// State implements DispatcherState.
func (f DispatcherStateFunc) State() string { return f() }

// RateLimiter gates how frequently sensitive admin operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger        *logging.Logger
	Readiness     ReadinessProvider
	Stats         StatsFunc
	Outbox        OutboxStats
	DLQ           DLQStats
	Consumer      DispatcherState
	Dispatcher    DispatcherState
	AdminToken    string
	RateLimiter   RateLimiter
	TimeSource    func() time.Time
}

// HandlerSet bundles the messaging core's operational HTTP surface: liveness/readiness,
// Prometheus-text metrics, and admin-token-gated introspection/control endpoints.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	stats       StatsFunc
	outbox      OutboxStats
	dlq         DLQStats
	consumer    DispatcherState
	dispatcher  DispatcherState
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		stats:       opts.Stats,
		outbox:      opts.Outbox,
		dlq:         opts.DLQ,
		consumer:    opts.Consumer,
		dispatcher:  opts.Dispatcher,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	mux.HandleFunc("/admin/dlq/reasons", h.DLQReasonsHandler())
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports Hub readiness: live connection count and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status        string  `json:"status"`
		Message       string  `json:"message,omitempty"`
		UptimeSeconds float64 `json:"uptime_seconds"`
		Connections   int     `json:"connections"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			resp.Connections = h.readiness.ConnectionCount()
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics for the Hub, Outbox, and DLQ.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		delivered, connections := h.metricsStats()
		uptime := 0.0
		if h.readiness != nil {
			uptime = h.readiness.Uptime().Seconds()
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		fmt.Fprintf(w, "# HELP messaging_core_uptime_seconds Process uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE messaging_core_uptime_seconds gauge\n")
		fmt.Fprintf(w, "messaging_core_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP messaging_core_hub_connections Current registered WebSocket connections.\n")
		fmt.Fprintf(w, "# TYPE messaging_core_hub_connections gauge\n")
		fmt.Fprintf(w, "messaging_core_hub_connections %d\n", connections)

		fmt.Fprintf(w, "# HELP messaging_core_envelopes_delivered_total Envelopes delivered to connections.\n")
		fmt.Fprintf(w, "# TYPE messaging_core_envelopes_delivered_total counter\n")
		fmt.Fprintf(w, "messaging_core_envelopes_delivered_total %d\n", delivered)

		if h.dispatcher != nil {
			fmt.Fprintf(w, "# HELP messaging_core_dispatcher_state Current Stream Dispatcher lifecycle state (1 for the active state).\n")
			fmt.Fprintf(w, "# TYPE messaging_core_dispatcher_state gauge\n")
			fmt.Fprintf(w, "messaging_core_dispatcher_state{state=%q} 1\n", h.dispatcher.State())
		}
		if h.consumer != nil {
			fmt.Fprintf(w, "# HELP messaging_core_consumer_state Current Stream Consumer lifecycle state (1 for the active state).\n")
			fmt.Fprintf(w, "# TYPE messaging_core_consumer_state gauge\n")
			fmt.Fprintf(w, "messaging_core_consumer_state{state=%q} 1\n", h.consumer.State())
		}
		if h.outbox != nil {
			if counts, err := h.outbox.CountByStatus(r.Context()); err == nil {
				fmt.Fprintf(w, "# HELP messaging_core_outbox_rows Transactional Outbox rows per status.\n")
				fmt.Fprintf(w, "# TYPE messaging_core_outbox_rows gauge\n")
				for status, count := range counts {
					fmt.Fprintf(w, "messaging_core_outbox_rows{status=%q} %d\n", status, count)
				}
			} else {
				h.logger.Warn("metrics: outbox status query failed", logging.Error(err))
			}
		}
		if h.dlq != nil {
			if counts, err := h.dlq.CountByReason(r.Context()); err == nil {
				fmt.Fprintf(w, "# HELP messaging_core_dlq_rows Dead-Letter Records per reason.\n")
				fmt.Fprintf(w, "# TYPE messaging_core_dlq_rows gauge\n")
				for reason, count := range counts {
					fmt.Fprintf(w, "messaging_core_dlq_rows{reason=%q} %d\n", reason, count)
				}
			} else {
				h.logger.Warn("metrics: dlq reason query failed", logging.Error(err))
			}
		}
	}
}

// DLQReasonsHandler is an admin-token-gated introspection endpoint returning Dead-Letter Record
// counts grouped by reason, for operators triaging delivery failures.
func (h *HandlerSet) DLQReasonsHandler() http.HandlerFunc {
	type response struct {
		Reasons map[string]int `json:"reasons"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		logger := h.logger.With(
			logging.String("handler", "dlq_reasons"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if h.adminToken == "" {
			logger.Warn("dlq reasons denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			logger.Warn("dlq reasons denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			logger.Warn("dlq reasons denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		if h.dlq == nil {
			http.Error(w, "dlq introspection unavailable", http.StatusServiceUnavailable)
			return
		}
		counts, err := h.dlq.CountByReason(r.Context())
		if err != nil {
			logger.Error("dlq reasons query failed", logging.Error(err))
			http.Error(w, "failed to query dlq", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, response{Reasons: counts})
	}
}

func (h *HandlerSet) metricsStats() (delivered, connections int) {
	if h.stats != nil {
		return h.stats()
	}
	if h.readiness != nil {
		connections = h.readiness.ConnectionCount()
	}
	return
}

// authorise verifies an admin request carries the configured admin token via Bearer header,
// X-Admin-Token header, or token query param, using constant-time comparison.
func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
