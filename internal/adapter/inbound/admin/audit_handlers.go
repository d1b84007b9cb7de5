package admin

import (
	"fmt"
	"net"
	"net/http"
	"strconv"

	"github.com/Sentinel-Gate/approvalgate/internal/ctxkey"
	"github.com/Sentinel-Gate/approvalgate/internal/domain/approval"
	"github.com/Sentinel-Gate/approvalgate/internal/domain/policy"
)

type auditLogResponse struct {
	Entries []*approval.Entry `json:"entries"`
	Total   int               `json:"total"`
	Offset  int               `json:"offset"`
	Limit   int               `json:"limit"`
	HasMore bool              `json:"hasMore"`
}

type entryResponse struct {
	Entry   *approval.Entry `json:"entry"`
	Message string          `json:"message,omitempty"`
}

type auditStatusResponse struct {
	Enabled           bool   `json:"enabled"`
	AutoApprove       bool   `json:"autoApprove"`
	DefaultAction     string `json:"defaultAction"`
	ApprovalTimeoutMs int64  `json:"approvalTimeoutMs"`
	TimeoutAction     string `json:"timeoutAction"`
	Rules             int    `json:"rules"`
}

// GET /api/audit-log
func (h *Handler) handleQueryAuditLog(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAuditFilter(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	res := h.ledger.QueryEntries(filter)
	h.respondJSON(w, http.StatusOK, auditLogResponse{
		Entries: res.Entries,
		Total:   res.Total,
		Offset:  res.Offset,
		Limit:   res.Limit,
		HasMore: res.Offset+res.Limit < res.Total,
	})
}

func parseAuditFilter(r *http.Request) (approval.Filter, error) {
	q := r.URL.Query()
	var f approval.Filter

	if s := q.Get("state"); s != "" {
		st, err := approval.ParseState(s)
		if err != nil {
			return f, err
		}
		f.State = st
	}
	f.AgentIdentity = q.Get("agent_identity")
	f.Search = q.Get("search")

	var err error
	if f.Offset, err = intParam(q.Get("offset"), 0, -1); err != nil {
		return f, fmt.Errorf("offset: %w", err)
	}
	if f.Limit, err = intParam(q.Get("limit"), 1, approval.MaxQueryLimit); err != nil {
		return f, fmt.Errorf("limit: %w", err)
	}
	return f.Normalize(), nil
}

// intParam parses an optional integer in [lo, hi]; hi < 0 means unbounded.
func intParam(raw string, lo, hi int) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", raw)
	}
	if n < lo || (hi >= 0 && n > hi) {
		if hi < 0 {
			return 0, fmt.Errorf("must be at least %d", lo)
		}
		return 0, fmt.Errorf("must be between %d and %d", lo, hi)
	}
	return n, nil
}

// GET /api/audit-log/stats
func (h *Handler) handleAuditStats(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.ledger.Stats())
}

// GET /api/audit-log/status
func (h *Handler) handleAuditStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.configs.Current()
	h.respondJSON(w, http.StatusOK, auditStatusResponse{
		Enabled:           snap.Enabled,
		AutoApprove:       snap.Enabled && snap.DefaultAction == policy.ActionApprove,
		DefaultAction:     string(snap.DefaultAction),
		ApprovalTimeoutMs: snap.Timeout.Duration,
		TimeoutAction:     string(snap.Timeout.DefaultAction),
		Rules:             len(snap.Rules),
	})
}

// GET /api/audit-log/{id}
func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	entry := h.ledger.GetEntry(r.PathValue("id"))
	if entry == nil {
		h.respondError(w, http.StatusNotFound, "audit log entry not found")
		return
	}
	h.respondJSON(w, http.StatusOK, entryResponse{Entry: entry})
}

// DELETE /api/audit-log/{id}
func (h *Handler) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !h.ledger.DeleteEntry(id) {
		h.respondError(w, http.StatusNotFound, "audit log entry not found")
		return
	}
	h.requestLogger(r).Info("audit log entry deleted", "id", id, "by", decisionBy(r))
	w.WriteHeader(http.StatusNoContent)
}

// POST /api/audit-log/{id}/approve and /deny. Repeating a decision is a
// no-op; contradicting one is rejected.
func (h *Handler) handleDecision(target approval.State) http.HandlerFunc {
	verb := "approve"
	if target == approval.StateDenied {
		verb = "deny"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		entry := h.ledger.GetEntry(id)
		if entry == nil {
			h.respondError(w, http.StatusNotFound, "audit log entry not found")
			return
		}
		if entry.State.IsTerminal() {
			h.respondSettled(w, entry, target, verb)
			return
		}

		by := decisionBy(r)
		updated, err := h.ledger.UpdateEntry(id, target, by)
		if err != nil {
			h.requestLogger(r).Error("failed to record decision", "id", id, "error", err)
			h.respondError(w, http.StatusInternalServerError, "failed to update entry")
			return
		}
		if updated == nil {
			h.respondError(w, http.StatusNotFound, "audit log entry not found")
			return
		}
		// Another reviewer or the auto-deny timer got there first.
		if updated.DecisionBy != by || updated.State != target {
			h.respondSettled(w, updated, target, verb)
			return
		}

		h.requestLogger(r).Info("audit log entry decided",
			"id", id, "state", target, "decision_by", by, "tool", updated.ToolName)
		h.respondJSON(w, http.StatusOK, entryResponse{Entry: updated})
	}
}

func (h *Handler) respondSettled(w http.ResponseWriter, entry *approval.Entry, target approval.State, verb string) {
	if entry.State == target {
		h.respondJSON(w, http.StatusOK, entryResponse{
			Entry:   entry,
			Message: fmt.Sprintf("Entry already %s", stateWord(target)),
		})
		return
	}
	h.respondJSON(w, http.StatusBadRequest, map[string]string{
		"error":        fmt.Sprintf("Cannot %s entry in %s state", verb, entry.State),
		"currentState": string(entry.State),
	})
}

func stateWord(s approval.State) string {
	if s == approval.StateApproved {
		return "approved"
	}
	return "denied"
}

// decisionBy names the reviewer: the authenticated key, then the
// X-User-Id and X-User-Email headers, then the client address. Header
// values claiming a system identity are ignored.
func decisionBy(r *http.Request) string {
	if name, ok := r.Context().Value(ctxkey.AdminIdentityKey{}).(string); ok && name != "" {
		return name
	}
	for _, header := range []string{"X-User-Id", "X-User-Email"} {
		if v := r.Header.Get(header); v != "" && !approval.IsReservedIdentity(v) {
			return v
		}
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(ctxkey.ClientIPKey{}).(string); ok && ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
