package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Sentinel-Gate/approvalgate/internal/domain/approval"
)

// streamBuffer is the per-client event backlog. Events beyond it are
// dropped for that client.
const streamBuffer = 64

type streamFilter struct {
	state         approval.State
	agentIdentity string
	toolName      string
}

func (f streamFilter) matches(e *approval.Entry) bool {
	if e == nil {
		return false
	}
	if f.state != "" && e.State != f.state {
		return false
	}
	if f.agentIdentity != "" && e.AgentIdentity != f.agentIdentity {
		return false
	}
	if f.toolName != "" && e.ToolName != f.toolName {
		return false
	}
	return true
}

type stateChangePayload struct {
	Entry         *approval.Entry `json:"entry"`
	PreviousState approval.State  `json:"previousState"`
}

// GET /api/audit-log/stream
func (h *Handler) handleAuditStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := streamFilter{agentIdentity: q.Get("agent_identity"), toolName: q.Get("tool_name")}
	if s := q.Get("state"); s != "" {
		st, err := approval.ParseState(s)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.state = st
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	events := make(chan approval.Event, streamBuffer)
	unsubscribe := h.ledger.Subscribe(func(ev approval.Event) {
		if !filter.matches(ev.Entry) {
			return
		}
		select {
		case events <- ev:
		default:
			h.logger.Warn("SSE client too slow, dropping event", "type", ev.Type, "id", ev.Entry.ID)
		}
	})
	defer unsubscribe()

	logger := h.requestLogger(r).With("client", clientIP(r))
	logger.Info("SSE client connected",
		"state", filter.state, "agent_identity", filter.agentIdentity, "tool_name", filter.toolName)
	defer logger.Info("SSE client disconnected")

	if err := writeEvent(w, rc, "connected", map[string]string{"message": "Connected to audit log stream"}); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case t := <-heartbeat.C:
			err = writeEvent(w, rc, "heartbeat", map[string]string{"timestamp": t.UTC().Format(time.RFC3339)})
		case ev := <-events:
			var payload any = ev.Entry
			if ev.Type == approval.EventStateChange {
				payload = stateChangePayload{Entry: ev.Entry, PreviousState: ev.PreviousState}
			}
			err = writeEvent(w, rc, string(ev.Type), payload)
		}
		if err != nil {
			logger.Debug("SSE write failed", "error", err)
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	return rc.Flush()
}
