package policy

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strconv"
	"strings"
)

// ConditionOperator is the comparison applied by a MatchCondition.
type ConditionOperator string

const (
	OpEquals     ConditionOperator = "equals"
	OpContains   ConditionOperator = "contains"
	OpStartsWith ConditionOperator = "startsWith"
	OpEndsWith   ConditionOperator = "endsWith"
	OpMatches    ConditionOperator = "matches"
	OpIn         ConditionOperator = "in"
	OpNotIn      ConditionOperator = "notIn"
)

// Valid reports whether op is a known operator.
func (op ConditionOperator) Valid() bool {
	switch op {
	case OpEquals, OpContains, OpStartsWith, OpEndsWith, OpMatches, OpIn, OpNotIn:
		return true
	}
	return false
}

// MatchCondition tests one field of the tool input. Field is a dot path
// such as "options.recursive" or "files.0".
type MatchCondition struct {
	Field         string            `json:"field" yaml:"field"`
	Operator      ConditionOperator `json:"operator" yaml:"operator"`
	Value         any               `json:"value" yaml:"value"`
	CaseSensitive bool              `json:"caseSensitive,omitempty" yaml:"caseSensitive,omitempty"`
}

type compiledCondition struct {
	cond MatchCondition
	re   *regexp.Regexp
	err  error
}

func compileCondition(c MatchCondition) (*compiledCondition, error) {
	cc := &compiledCondition{cond: c}
	switch c.Operator {
	case OpMatches:
		pattern, ok := c.Value.(string)
		if !ok {
			cc.err = fmt.Errorf("condition %q: matches requires a string pattern", c.Field)
			break
		}
		re, err := regexp.Compile(caseFlag(c.CaseSensitive) + pattern)
		if err != nil {
			cc.err = fmt.Errorf("condition %q: %w", c.Field, err)
			break
		}
		cc.re = re
	case OpIn, OpNotIn:
		if !isList(c.Value) {
			cc.err = fmt.Errorf("condition %q: %s requires an array value", c.Field, c.Operator)
		}
	case OpEquals, OpContains, OpStartsWith, OpEndsWith:
	default:
		cc.err = fmt.Errorf("condition %q: unknown operator %q", c.Field, c.Operator)
	}
	return cc, cc.err
}

// EvaluateCondition reports whether input satisfies c.
func EvaluateCondition(c MatchCondition, input map[string]any) bool {
	cc, _ := compileCondition(c)
	return cc.eval(input)
}

func (cc *compiledCondition) eval(input map[string]any) bool {
	if cc.err != nil {
		return false
	}
	c := cc.cond
	value, found := ValueAtPath(input, c.Field)

	switch c.Operator {
	case OpEquals:
		return found && DeepEqual(value, c.Value)
	case OpContains, OpStartsWith, OpEndsWith:
		if !found {
			return false
		}
		haystack, needle := stringify(value), stringify(c.Value)
		if !c.CaseSensitive {
			haystack, needle = strings.ToLower(haystack), strings.ToLower(needle)
		}
		switch c.Operator {
		case OpContains:
			return strings.Contains(haystack, needle)
		case OpStartsWith:
			return strings.HasPrefix(haystack, needle)
		default:
			return strings.HasSuffix(haystack, needle)
		}
	case OpMatches:
		return found && cc.re.MatchString(stringify(value))
	case OpIn:
		return found && listContains(c.Value, value)
	case OpNotIn:
		return !found || !listContains(c.Value, value)
	}
	return false
}

// ValueAtPath walks a dot-separated path through nested maps and lists.
func ValueAtPath(input map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var current any = input
	for _, key := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			v, ok := node[key]
			if !ok {
				return nil, false
			}
			current = v
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			current = node[i]
		default:
			return nil, false
		}
	}
	return current, true
}

// DeepEqual compares two decoded values structurally. Numbers compare by
// value regardless of their Go type.
func DeepEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}

	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	switch va.Kind() {
	case reflect.Map:
		if vb.Kind() != reflect.Map || va.Len() != vb.Len() || va.Type().Key() != vb.Type().Key() {
			return false
		}
		iter := va.MapRange()
		for iter.Next() {
			other := vb.MapIndex(iter.Key())
			if !other.IsValid() || !DeepEqual(iter.Value().Interface(), other.Interface()) {
				return false
			}
		}
		return true
	case reflect.Slice, reflect.Array:
		if vb.Kind() != reflect.Slice && vb.Kind() != reflect.Array {
			return false
		}
		if va.Len() != vb.Len() {
			return false
		}
		for i := 0; i < va.Len(); i++ {
			if !DeepEqual(va.Index(i).Interface(), vb.Index(i).Interface()) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func isList(v any) bool {
	if v == nil {
		return false
	}
	k := reflect.ValueOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

func listContains(list, v any) bool {
	if !isList(list) {
		return false
	}
	rv := reflect.ValueOf(list)
	for i := 0; i < rv.Len(); i++ {
		if DeepEqual(rv.Index(i).Interface(), v) {
			return true
		}
	}
	return false
}

// stringify renders a value the way it reads in a tool input: strings
// verbatim, scalars in their literal form, everything else as JSON.
func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return "null"
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
