// Package admin provides the JSON API used by reviewers and operators:
// the audit log with its live event stream, and the approvals
// configuration.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Sentinel-Gate/approvalgate/internal/ctxkey"
	"github.com/Sentinel-Gate/approvalgate/internal/domain/approval"
	"github.com/Sentinel-Gate/approvalgate/internal/service"
)

// DefaultHeartbeat is the SSE keep-alive interval.
const DefaultHeartbeat = 30 * time.Second

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Handler serves the admin API under /api.
type Handler struct {
	ledger    approval.Ledger
	configs   *service.ConfigService
	keys      *KeyVerifier
	rateLimit int
	heartbeat time.Duration
	logger    *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithKeyVerifier requires a Bearer API key on every route.
func WithKeyVerifier(v *KeyVerifier) Option {
	return func(h *Handler) { h.keys = v }
}

// WithRateLimit limits non-loopback clients to n requests per minute.
// Zero disables the limit.
func WithRateLimit(n int) Option {
	return func(h *Handler) { h.rateLimit = n }
}

// WithHeartbeat overrides DefaultHeartbeat.
func WithHeartbeat(d time.Duration) Option {
	return func(h *Handler) { h.heartbeat = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates the admin API handler.
func NewHandler(ledger approval.Ledger, configs *service.ConfigService, opts ...Option) *Handler {
	h := &Handler{
		ledger:    ledger,
		configs:   configs,
		heartbeat: DefaultHeartbeat,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the routed API. It expects to be mounted at /api/.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/audit-log", h.handleQueryAuditLog)
	mux.HandleFunc("GET /api/audit-log/stats", h.handleAuditStats)
	mux.HandleFunc("GET /api/audit-log/status", h.handleAuditStatus)
	mux.HandleFunc("GET /api/audit-log/stream", h.handleAuditStream)
	mux.HandleFunc("GET /api/audit-log/{id}", h.handleGetEntry)
	mux.HandleFunc("DELETE /api/audit-log/{id}", h.handleDeleteEntry)
	mux.HandleFunc("POST /api/audit-log/{id}/approve", h.handleDecision(approval.StateApproved))
	mux.HandleFunc("POST /api/audit-log/{id}/deny", h.handleDecision(approval.StateDenied))

	mux.HandleFunc("GET /api/config", h.handleGetConfig)
	mux.HandleFunc("PUT /api/config", h.handleReplaceConfig)
	mux.HandleFunc("PATCH /api/config", h.handlePatchConfig)
	mux.HandleFunc("POST /api/config/validate", h.handleValidateConfig)
	mux.HandleFunc("GET /api/config/rules", h.handleListRules)
	mux.HandleFunc("POST /api/config/rules", h.handleAddRule)
	mux.HandleFunc("POST /api/config/rules/test", h.handleTestRule)
	mux.HandleFunc("PUT /api/config/rules/{id}", h.handleUpdateRule)
	mux.HandleFunc("DELETE /api/config/rules/{id}", h.handleRemoveRule)

	var handler http.Handler = mux
	handler = h.authMiddleware(handler)
	if h.rateLimit > 0 {
		handler = rateLimitMiddleware(h.rateLimit, time.Minute, handler)
	}
	return securityHeaders(handler)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode JSON response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

func (h *Handler) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v)
}

// requestLogger returns the request-scoped logger installed by the HTTP
// middleware, falling back to the handler's logger.
func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	if l, ok := r.Context().Value(ctxkey.LoggerKey{}).(*slog.Logger); ok && l != nil {
		return l
	}
	return h.logger
}
