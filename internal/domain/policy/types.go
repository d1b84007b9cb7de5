// Package policy contains the domain types for approval rule evaluation:
// rules, match criteria, the configuration snapshot and the resolver that
// turns a tool call into an action.
package policy

import (
	"encoding/json"
	"errors"
	"slices"
	"time"
)

// Action is the outcome a rule (or the default) assigns to a tool call.
type Action string

const (
	// ActionApprove lets the tool call proceed without review.
	ActionApprove Action = "approve"
	// ActionDeny blocks the tool call.
	ActionDeny Action = "deny"
	// ActionReview queues the tool call for a human decision.
	ActionReview Action = "review"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	return a == ActionApprove || a == ActionDeny || a == ActionReview
}

var (
	// ErrInvalidSnapshot wraps validation failures of a configuration snapshot.
	ErrInvalidSnapshot = errors.New("invalid approvals configuration")
	// ErrRuleNotFound is returned when a rule ID does not exist.
	ErrRuleNotFound = errors.New("rule not found")
	// ErrDuplicateRule is returned when a rule ID is already taken.
	ErrDuplicateRule = errors.New("rule id already exists")
	// ErrDuplicatePriority is returned when a rule priority is already taken.
	ErrDuplicatePriority = errors.New("rule priority already in use")
)

// ToolMatchType selects how a rule identifies tools.
type ToolMatchType string

const (
	// ToolMatchBuiltin matches a tool by exact name.
	ToolMatchBuiltin ToolMatchType = "builtin"
	// ToolMatchMCP matches tools delegated to a named MCP server.
	ToolMatchMCP ToolMatchType = "mcp"
)

// ToolMatch identifies the tool(s) a rule applies to.
type ToolMatch struct {
	Type ToolMatchType `json:"type" yaml:"type"`
	// ToolName is required for builtin matches. For mcp matches it is
	// optional and an empty value matches every tool of the server.
	ToolName string `json:"toolName,omitempty" yaml:"toolName,omitempty"`
	// OptionalSpecifier is informational only.
	OptionalSpecifier string `json:"optionalSpecifier,omitempty" yaml:"optionalSpecifier,omitempty"`
	ServerName        string `json:"serverName,omitempty" yaml:"serverName,omitempty"`
}

// MatchCriteria holds every predicate of a rule. All present predicates
// must hold for the rule to match.
type MatchCriteria struct {
	Tool            *ToolMatch       `json:"tool,omitempty" yaml:"tool,omitempty"`
	ToolName        *MatchPattern    `json:"toolName,omitempty" yaml:"toolName,omitempty"`
	AgentIdentity   *MatchPattern    `json:"agentIdentity,omitempty" yaml:"agentIdentity,omitempty"`
	InputParameters map[string]any   `json:"inputParameters,omitempty" yaml:"inputParameters,omitempty"`
	Conditions      []MatchCondition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	// Expression is a CEL predicate evaluated against the tool call.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// empty reports whether no criterion is set.
func (m MatchCriteria) empty() bool {
	return m.Tool == nil && m.ToolName == nil && m.AgentIdentity == nil &&
		len(m.InputParameters) == 0 && len(m.Conditions) == 0 && m.Expression == ""
}

// ApprovalRule maps a match predicate to an action.
type ApprovalRule struct {
	ID          string        `json:"id" yaml:"id"`
	Name        string        `json:"name" yaml:"name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    int           `json:"priority" yaml:"priority"`
	Match       MatchCriteria `json:"match" yaml:"match"`
	Action      Action        `json:"action" yaml:"action"`
	// TimeoutOverride replaces the global review timeout, in milliseconds.
	TimeoutOverride int64 `json:"timeoutOverride,omitempty" yaml:"timeoutOverride,omitempty"`
	// Enabled defaults to true when omitted.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the rule takes part in evaluation.
func (r ApprovalRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Clone returns a deep copy of r. Input parameters and condition values
// are copied recursively through maps and slices.
func (r ApprovalRule) Clone() ApprovalRule {
	c := r
	if r.Enabled != nil {
		c.Enabled = Bool(*r.Enabled)
	}
	if r.Match.Tool != nil {
		tool := *r.Match.Tool
		c.Match.Tool = &tool
	}
	if r.Match.ToolName != nil {
		p := *r.Match.ToolName
		c.Match.ToolName = &p
	}
	if r.Match.AgentIdentity != nil {
		p := *r.Match.AgentIdentity
		c.Match.AgentIdentity = &p
	}
	if r.Match.InputParameters != nil {
		c.Match.InputParameters = copyValue(r.Match.InputParameters).(map[string]any)
	}
	if r.Match.Conditions != nil {
		c.Match.Conditions = make([]MatchCondition, len(r.Match.Conditions))
		for i, cond := range r.Match.Conditions {
			cond.Value = copyValue(cond.Value)
			c.Match.Conditions[i] = cond
		}
	}
	return c
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = copyValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return slices.Clone(t)
	}
	return v
}

// Bool returns a pointer to b, for setting ApprovalRule.Enabled.
func Bool(b bool) *bool {
	return &b
}

// Timeout bounds for the global review timeout.
const (
	MinTimeout = time.Second
	MaxTimeout = time.Hour

	DefaultTimeout = 5 * time.Minute
)

// TimeoutConfig is the global review wait budget and what happens when
// it runs out. DefaultAction is approve or deny.
type TimeoutConfig struct {
	// Duration is in milliseconds.
	Duration      int64  `json:"duration" yaml:"duration"`
	DefaultAction Action `json:"defaultAction" yaml:"defaultAction"`
}

// Dur returns the timeout as a time.Duration.
func (t TimeoutConfig) Dur() time.Duration {
	return time.Duration(t.Duration) * time.Millisecond
}

// Snapshot is an immutable view of the approval configuration. Writers
// Clone it, modify the copy and install the copy.
type Snapshot struct {
	Enabled       bool           `json:"enabled" yaml:"enabled"`
	Rules         []ApprovalRule `json:"rules" yaml:"rules"`
	DefaultAction Action         `json:"defaultAction" yaml:"defaultAction"`
	Timeout       TimeoutConfig  `json:"timeout" yaml:"timeout"`
}

// Document is the persisted wrapper around a Snapshot.
type Document struct {
	Approvals Snapshot `json:"approvals" yaml:"approvals"`
}

// DefaultSnapshot returns the configuration used when none is stored.
func DefaultSnapshot() *Snapshot {
	return &Snapshot{
		Enabled:       true,
		Rules:         []ApprovalRule{},
		DefaultAction: ActionReview,
		Timeout: TimeoutConfig{
			Duration:      DefaultTimeout.Milliseconds(),
			DefaultAction: ActionDeny,
		},
	}
}

// Clone returns a deep copy of s.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	// A JSON round trip copies nested input parameters and condition values.
	raw, err := json.Marshal(s)
	if err == nil {
		var out Snapshot
		if err = json.Unmarshal(raw, &out); err == nil {
			if out.Rules == nil {
				out.Rules = []ApprovalRule{}
			}
			return &out
		}
	}
	c := *s
	c.Rules = slices.Clone(s.Rules)
	return &c
}

// Rule returns the rule with the given ID.
func (s *Snapshot) Rule(id string) (ApprovalRule, bool) {
	for _, r := range s.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return ApprovalRule{}, false
}

// ToolCall describes a single tool invocation to be resolved.
type ToolCall struct {
	ToolName      string         `json:"toolName"`
	AgentIdentity string         `json:"agentIdentity,omitempty"`
	Input         map[string]any `json:"input"`
}

// RuleRef is a short reference to the rule behind a decision.
type RuleRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Priority int    `json:"priority"`
}

// MatchResult is the outcome of MatchRules.
type MatchResult struct {
	Matched bool
	Rule    *ApprovalRule
	Reason  string
}

// Resolution is the outcome of resolving a tool call.
type Resolution struct {
	Action Action
	// Rule is nil when the default action applied.
	Rule    *ApprovalRule
	Timeout time.Duration
	// TimeoutAction applies when a review is not decided within Timeout.
	TimeoutAction Action
	Reason        string
}

// RuleRef returns a reference to the matched rule, or nil.
func (r Resolution) RuleRef() *RuleRef {
	if r.Rule == nil {
		return nil
	}
	return &RuleRef{ID: r.Rule.ID, Name: r.Rule.Name, Priority: r.Rule.Priority}
}
