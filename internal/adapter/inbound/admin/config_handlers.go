package admin

import (
	"errors"
	"net/http"
	"slices"

	"github.com/Sentinel-Gate/approvalgate/internal/domain/policy"
	"github.com/Sentinel-Gate/approvalgate/internal/service"
)

type configStatus struct {
	AutoApprovalEnabled bool `json:"autoApprovalEnabled"`
	RuleCount           int  `json:"ruleCount"`
	ActiveRuleCount     int  `json:"activeRuleCount"`
}

type configResponse struct {
	Config  policy.Document `json:"config"`
	Status  configStatus    `json:"status"`
	Message string          `json:"message,omitempty"`
}

type patchRequest struct {
	Approvals service.SnapshotPatch `json:"approvals"`
}

type rulesResponse struct {
	Rules  []policy.ApprovalRule `json:"rules"`
	Total  int                   `json:"total"`
	Active int                   `json:"active"`
}

type ruleResponse struct {
	Message string               `json:"message"`
	Rule    *policy.ApprovalRule `json:"rule,omitempty"`
}

type testRuleResponse struct {
	ToolCall            policy.ToolCall        `json:"toolCall"`
	Result              service.RuleTestResult `json:"result"`
	AutoApprovalEnabled bool                   `json:"autoApprovalEnabled"`
}

func (h *Handler) configView(snap *policy.Snapshot, message string) configResponse {
	active := 0
	for _, r := range snap.Rules {
		if r.IsEnabled() {
			active++
		}
	}
	return configResponse{
		Config: policy.Document{Approvals: *snap},
		Status: configStatus{
			AutoApprovalEnabled: autoApproval(snap),
			RuleCount:           len(snap.Rules),
			ActiveRuleCount:     active,
		},
		Message: message,
	}
}

// autoApproval reports whether unmatched calls are approved without review.
func autoApproval(snap *policy.Snapshot) bool {
	return snap.Enabled && snap.DefaultAction == policy.ActionApprove
}

// GET /api/config
func (h *Handler) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, h.configView(h.configs.Current(), ""))
}

// PUT /api/config
func (h *Handler) handleReplaceConfig(w http.ResponseWriter, r *http.Request) {
	var doc policy.Document
	if err := h.readJSON(w, r, &doc); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	snap, err := h.configs.Replace(&doc.Approvals)
	if err != nil {
		h.respondConfigError(w, err)
		return
	}
	h.requestLogger(r).Info("approvals configuration replaced via API", "by", decisionBy(r))
	h.respondJSON(w, http.StatusOK, h.configView(snap, "Configuration updated successfully"))
}

// PATCH /api/config
func (h *Handler) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if err := h.readJSON(w, r, &req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	snap, err := h.configs.Patch(req.Approvals)
	if err != nil {
		h.respondConfigError(w, err)
		return
	}
	h.requestLogger(r).Info("approvals configuration patched via API", "by", decisionBy(r))
	h.respondJSON(w, http.StatusOK, h.configView(snap, "Configuration updated successfully"))
}

// POST /api/config/validate
func (h *Handler) handleValidateConfig(w http.ResponseWriter, r *http.Request) {
	var doc policy.Document
	if err := h.readJSON(w, r, &doc); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	res := h.configs.Validate(&doc.Approvals)
	status := http.StatusOK
	if !res.Valid {
		status = http.StatusBadRequest
	}
	h.respondJSON(w, status, res)
}

// GET /api/config/rules
func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules := h.configs.Current().Rules
	slices.SortStableFunc(rules, func(a, b policy.ApprovalRule) int { return a.Priority - b.Priority })
	active := 0
	for _, rule := range rules {
		if rule.IsEnabled() {
			active++
		}
	}
	h.respondJSON(w, http.StatusOK, rulesResponse{Rules: rules, Total: len(rules), Active: active})
}

// POST /api/config/rules
func (h *Handler) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule policy.ApprovalRule
	if err := h.readJSON(w, r, &rule); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	added, err := h.configs.AddRule(rule)
	if err != nil {
		h.respondConfigError(w, err)
		return
	}
	h.respondJSON(w, http.StatusCreated, ruleResponse{Message: "Rule added successfully", Rule: added})
}

// PUT /api/config/rules/{id}
func (h *Handler) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var rule policy.ApprovalRule
	if err := h.readJSON(w, r, &rule); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	updated, err := h.configs.UpdateRule(r.PathValue("id"), rule)
	if err != nil {
		h.respondConfigError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, ruleResponse{Message: "Rule updated successfully", Rule: updated})
}

// DELETE /api/config/rules/{id}
func (h *Handler) handleRemoveRule(w http.ResponseWriter, r *http.Request) {
	if err := h.configs.RemoveRule(r.PathValue("id")); err != nil {
		h.respondConfigError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, ruleResponse{Message: "Rule deleted successfully"})
}

// POST /api/config/rules/test
func (h *Handler) handleTestRule(w http.ResponseWriter, r *http.Request) {
	var call policy.ToolCall
	if err := h.readJSON(w, r, &call); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if call.ToolName == "" {
		h.respondError(w, http.StatusBadRequest, "toolName is required")
		return
	}
	if call.Input == nil {
		call.Input = map[string]any{}
	}
	h.respondJSON(w, http.StatusOK, testRuleResponse{
		ToolCall:            call,
		Result:              h.configs.TestRule(call),
		AutoApprovalEnabled: autoApproval(h.configs.Current()),
	})
}

func (h *Handler) respondConfigError(w http.ResponseWriter, err error) {
	var verr *policy.ValidationError
	switch {
	case errors.As(err, &verr):
		h.respondJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "Invalid configuration",
			"details": verr.Errors,
		})
	case errors.Is(err, policy.ErrInvalidSnapshot):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, policy.ErrRuleNotFound):
		h.respondError(w, http.StatusNotFound, "Rule not found")
	case errors.Is(err, policy.ErrDuplicateRule), errors.Is(err, policy.ErrDuplicatePriority):
		h.respondError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("approvals configuration update failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to update configuration")
	}
}
