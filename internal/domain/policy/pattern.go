package policy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// PatternType selects how a MatchPattern compares strings.
type PatternType string

const (
	PatternExact    PatternType = "exact"
	PatternWildcard PatternType = "wildcard"
	PatternRegex    PatternType = "regex"
)

// MatchPattern matches a string value. Matching ignores case unless
// CaseSensitive is set.
type MatchPattern struct {
	Type          PatternType `json:"type" yaml:"type"`
	Value         string      `json:"value" yaml:"value"`
	CaseSensitive bool        `json:"caseSensitive,omitempty" yaml:"caseSensitive,omitempty"`
}

// UnmarshalJSON accepts the object form or a bare string, which is read
// as an exact pattern.
func (p *MatchPattern) UnmarshalJSON(data []byte) error {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*p = MatchPattern{Type: PatternExact, Value: s}
		return nil
	}
	type plain MatchPattern
	var v plain
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = MatchPattern(v)
	return nil
}

// UnmarshalYAML is the YAML counterpart of UnmarshalJSON.
func (p *MatchPattern) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err == nil {
		*p = MatchPattern{Type: PatternExact, Value: s}
		return nil
	}
	type plain MatchPattern
	var v plain
	if err := unmarshal(&v); err != nil {
		return err
	}
	*p = MatchPattern(v)
	return nil
}

// Matcher is a compiled MatchPattern. A Matcher built from an invalid
// pattern never matches.
type Matcher struct {
	pattern MatchPattern
	re      *regexp.Regexp
	err     error
}

// CompilePattern compiles p. The returned Matcher is always usable; the
// error reports why it will never match.
func CompilePattern(p MatchPattern) (*Matcher, error) {
	m := &Matcher{pattern: p}
	switch p.Type {
	case PatternExact:
	case PatternWildcard:
		m.re, m.err = regexp.Compile("(?s)" + caseFlag(p.CaseSensitive) + WildcardToRegexp(p.Value))
	case PatternRegex:
		m.re, m.err = regexp.Compile(caseFlag(p.CaseSensitive) + p.Value)
	default:
		m.err = fmt.Errorf("unknown pattern type %q", p.Type)
	}
	if m.err != nil {
		m.re = nil
		m.err = fmt.Errorf("pattern %q: %w", p.Value, m.err)
	}
	return m, m.err
}

// MatchString compiles p and matches s against it.
func MatchString(p MatchPattern, s string) bool {
	m, _ := CompilePattern(p)
	return m.Match(s)
}

// Match reports whether s satisfies the pattern.
func (m *Matcher) Match(s string) bool {
	if m == nil || m.err != nil {
		return false
	}
	if m.pattern.Type == PatternExact {
		if m.pattern.CaseSensitive {
			return s == m.pattern.Value
		}
		return strings.EqualFold(s, m.pattern.Value)
	}
	return m.re.MatchString(s)
}

// Err returns the compile error, if any.
func (m *Matcher) Err() error {
	return m.err
}

// WildcardToRegexp converts a wildcard pattern into an anchored regular
// expression. '*' matches any run of characters, '?' exactly one, and
// everything else is literal.
func WildcardToRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	literal := strings.Builder{}
	flush := func() {
		if literal.Len() > 0 {
			b.WriteString(regexp.QuoteMeta(literal.String()))
			literal.Reset()
		}
	}
	for _, r := range pattern {
		switch r {
		case '*':
			flush()
			b.WriteString(".*")
		case '?':
			flush()
			b.WriteString(".")
		default:
			literal.WriteRune(r)
		}
	}
	flush()
	b.WriteString("$")
	return b.String()
}

func caseFlag(caseSensitive bool) string {
	if caseSensitive {
		return ""
	}
	return "(?i)"
}
