package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxRuleIDLength bounds rule identifiers.
const MaxRuleIDLength = 128

var ruleIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidationResult reports configuration problems. Errors make the
// snapshot unusable; warnings describe patterns that will never match.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// ValidationError is returned when a snapshot fails validation.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidSnapshot, strings.Join(e.Errors, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidSnapshot
}

// Validate checks s. exprs is used to compile rule expressions; when it is
// nil, any rule with an expression is an error.
func Validate(s *Snapshot, exprs ExpressionCompiler) ValidationResult {
	res := ValidationResult{Errors: []string{}, Warnings: []string{}}
	errorf := func(format string, args ...any) {
		res.Errors = append(res.Errors, fmt.Sprintf(format, args...))
	}

	if !s.DefaultAction.Valid() {
		errorf("defaultAction %q must be approve, deny or review", s.DefaultAction)
	}
	if d := s.Timeout.Dur(); d < MinTimeout || d > MaxTimeout {
		errorf("timeout.duration %dms must be between %d and %d", s.Timeout.Duration,
			MinTimeout.Milliseconds(), MaxTimeout.Milliseconds())
	}
	if a := s.Timeout.DefaultAction; a != ActionApprove && a != ActionDeny {
		errorf("timeout.defaultAction %q must be approve or deny", a)
	}

	ids := make(map[string]bool, len(s.Rules))
	priorities := make(map[int]string, len(s.Rules))
	for i, rule := range s.Rules {
		label := fmt.Sprintf("rules[%d]", i)
		if rule.ID != "" {
			label = fmt.Sprintf("rule %q", rule.ID)
		}

		switch {
		case rule.ID == "":
			errorf("%s: id is required", label)
		case len(rule.ID) > MaxRuleIDLength:
			errorf("%s: id longer than %d characters", label, MaxRuleIDLength)
		case !ruleIDPattern.MatchString(rule.ID):
			errorf("%s: id may only contain letters, digits, '-' and '_'", label)
		case ids[rule.ID]:
			errorf("%s: duplicate id", label)
		}
		ids[rule.ID] = true

		if strings.TrimSpace(rule.Name) == "" {
			errorf("%s: name is required", label)
		}
		if rule.Priority < 1 {
			errorf("%s: priority must be a positive integer", label)
		} else if other, taken := priorities[rule.Priority]; taken {
			errorf("%s: priority %d already used by rule %q", label, rule.Priority, other)
		} else {
			priorities[rule.Priority] = rule.ID
		}
		if !rule.Action.Valid() {
			errorf("%s: action %q must be approve, deny or review", label, rule.Action)
		}
		if rule.TimeoutOverride < 0 {
			errorf("%s: timeoutOverride must be a positive number of milliseconds", label)
		}

		validateMatch(label, rule.Match, exprs, errorf, &res.Warnings)
	}

	res.Valid = len(res.Errors) == 0
	return res
}

func validateMatch(label string, m MatchCriteria, exprs ExpressionCompiler, errorf func(string, ...any), warnings *[]string) {
	if m.empty() {
		errorf("%s: match needs at least one criterion", label)
	}
	if t := m.Tool; t != nil {
		switch t.Type {
		case ToolMatchBuiltin:
			if t.ToolName == "" {
				errorf("%s: builtin tool match requires toolName", label)
			}
		case ToolMatchMCP:
			if t.ServerName == "" {
				errorf("%s: mcp tool match requires serverName", label)
			}
		default:
			errorf("%s: tool match type %q must be builtin or mcp", label, t.Type)
		}
	}
	for _, p := range []*MatchPattern{m.ToolName, m.AgentIdentity} {
		if p == nil {
			continue
		}
		switch p.Type {
		case PatternExact, PatternWildcard:
		case PatternRegex:
			if _, err := CompilePattern(*p); err != nil {
				*warnings = append(*warnings, fmt.Sprintf("%s: invalid regex never matches: %v", label, err))
			}
		default:
			errorf("%s: pattern type %q must be exact, wildcard or regex", label, p.Type)
		}
	}
	for _, c := range m.Conditions {
		if c.Field == "" {
			errorf("%s: condition field is required", label)
		}
		if !c.Operator.Valid() {
			errorf("%s: condition %q has unknown operator %q", label, c.Field, c.Operator)
			continue
		}
		if _, err := compileCondition(c); err != nil {
			if c.Operator == OpMatches {
				*warnings = append(*warnings, fmt.Sprintf("%s: %v", label, err))
			} else {
				errorf("%s: %v", label, err)
			}
		}
	}
	if m.Expression != "" {
		if exprs == nil {
			errorf("%s: expressions are not supported", label)
		} else if _, err := exprs.CompilePredicate(m.Expression); err != nil {
			errorf("%s: %v", label, err)
		}
	}
}
