package policy

import (
	"fmt"
	"slices"
	"time"
)

// Predicate evaluates a compiled rule expression against a tool call.
type Predicate func(call ToolCall) (bool, error)

// ExpressionCompiler turns a rule expression into a Predicate.
type ExpressionCompiler interface {
	CompilePredicate(expr string) (Predicate, error)
}

type compiledRule struct {
	rule       ApprovalRule
	toolName   *Matcher
	agent      *Matcher
	conditions []*compiledCondition
	expr       Predicate
}

// matches evaluates every predicate of the rule. Predicates that failed
// to compile never match.
func (r *compiledRule) matches(ref ToolRef, call ToolCall) bool {
	m := r.rule.Match
	if m.Tool != nil && !m.Tool.Matches(ref) {
		return false
	}
	if r.toolName != nil && !r.toolName.Match(call.ToolName) {
		return false
	}
	if r.agent != nil && (call.AgentIdentity == "" || !r.agent.Match(call.AgentIdentity)) {
		return false
	}
	for key, want := range m.InputParameters {
		got, ok := call.Input[key]
		if !ok || !DeepEqual(got, want) {
			return false
		}
	}
	for _, c := range r.conditions {
		if !c.eval(call.Input) {
			return false
		}
	}
	if m.Expression != "" {
		if r.expr == nil {
			return false
		}
		ok, err := r.expr(call)
		if err != nil || !ok {
			return false
		}
	}
	return true
}

// Resolver evaluates tool calls against one validated Snapshot. It is
// immutable and safe for concurrent use.
type Resolver struct {
	snapshot *Snapshot
	// all holds every rule in priority order; active only enabled ones.
	all      []*compiledRule
	active   []*compiledRule
	warnings []string
}

// NewResolver validates s and compiles its rules. exprs may be nil when
// no rule uses an expression. The snapshot is copied.
func NewResolver(s *Snapshot, exprs ExpressionCompiler) (*Resolver, error) {
	if s == nil {
		s = DefaultSnapshot()
	}
	if res := Validate(s, exprs); !res.Valid {
		return nil, &ValidationError{Errors: res.Errors}
	}

	snap := s.Clone()
	r := &Resolver{snapshot: snap}
	for _, rule := range snap.Rules {
		cr, warnings := compileRule(rule, exprs)
		r.warnings = append(r.warnings, warnings...)
		r.all = append(r.all, cr)
	}
	slices.SortStableFunc(r.all, func(a, b *compiledRule) int {
		return a.rule.Priority - b.rule.Priority
	})
	for _, cr := range r.all {
		if cr.rule.IsEnabled() {
			r.active = append(r.active, cr)
		}
	}
	return r, nil
}

func compileRule(rule ApprovalRule, exprs ExpressionCompiler) (*compiledRule, []string) {
	var warnings []string
	warn := func(err error) {
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("rule %q: %v", rule.ID, err))
		}
	}

	cr := &compiledRule{rule: rule}
	if p := rule.Match.ToolName; p != nil {
		m, err := CompilePattern(*p)
		warn(err)
		cr.toolName = m
	}
	if p := rule.Match.AgentIdentity; p != nil {
		m, err := CompilePattern(*p)
		warn(err)
		cr.agent = m
	}
	for _, c := range rule.Match.Conditions {
		cc, err := compileCondition(c)
		warn(err)
		cr.conditions = append(cr.conditions, cc)
	}
	if rule.Match.Expression != "" && exprs != nil {
		pred, err := exprs.CompilePredicate(rule.Match.Expression)
		warn(err)
		cr.expr = pred
	}
	return cr, warnings
}

// Snapshot returns a copy of the configuration the resolver was built from.
func (r *Resolver) Snapshot() *Snapshot {
	return r.snapshot.Clone()
}

// Warnings lists patterns that compiled to never-matching matchers.
func (r *Resolver) Warnings() []string {
	return slices.Clone(r.warnings)
}

// MatchRules returns the first enabled rule, in ascending priority, whose
// predicates all hold for call.
func (r *Resolver) MatchRules(call ToolCall) MatchResult {
	if !r.snapshot.Enabled {
		return MatchResult{Reason: "approval rules are disabled"}
	}
	ref := ParseToolName(call.ToolName)
	for _, cr := range r.active {
		if cr.matches(ref, call) {
			rule := cr.rule.Clone()
			return MatchResult{
				Matched: true,
				Rule:    &rule,
				Reason:  fmt.Sprintf("matched rule %q (priority %d)", rule.Name, rule.Priority),
			}
		}
	}
	return MatchResult{Reason: "no rule matched"}
}

// MatchingRules returns every rule, enabled or not, whose predicates hold
// for call, in priority order.
func (r *Resolver) MatchingRules(call ToolCall) []ApprovalRule {
	ref := ParseToolName(call.ToolName)
	out := []ApprovalRule{}
	for _, cr := range r.all {
		if cr.matches(ref, call) {
			out = append(out, cr.rule.Clone())
		}
	}
	return out
}

// Resolve returns the action, the matched rule and the review timeout for
// call. It depends only on the snapshot and call.
func (r *Resolver) Resolve(call ToolCall) Resolution {
	timeoutAction := r.snapshot.Timeout.DefaultAction
	if timeoutAction == "" {
		timeoutAction = ActionDeny
	}
	res := Resolution{
		Action:        r.snapshot.DefaultAction,
		Timeout:       r.snapshot.Timeout.Dur(),
		TimeoutAction: timeoutAction,
	}

	m := r.MatchRules(call)
	if !m.Matched {
		res.Reason = fmt.Sprintf("default action (%s)", m.Reason)
		return res
	}
	res.Action = m.Rule.Action
	res.Rule = m.Rule
	res.Reason = m.Reason
	if m.Rule.TimeoutOverride > 0 {
		res.Timeout = time.Duration(m.Rule.TimeoutOverride) * time.Millisecond
	}
	return res
}
