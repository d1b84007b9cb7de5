package cel

import (
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/Sentinel-Gate/approvalgate/internal/domain/policy"
)

// NewRuleEnvironment creates the CEL environment for approval rule
// expressions. Variables:
//   - tool_name: the full tool name, e.g. "mcp__github__create_issue"
//   - server_name, server_tool: the decomposed parts of a delegated tool, or ""
//   - agent_identity: the caller-supplied agent identity, or ""
//   - tool_input: the tool input object
//
// Functions: glob(pattern, s), input_contains(tool_input, substr).
func NewRuleEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("tool_name", cel.StringType),
		cel.Variable("server_name", cel.StringType),
		cel.Variable("server_tool", cel.StringType),
		cel.Variable("agent_identity", cel.StringType),
		cel.Variable("tool_input", cel.MapType(cel.StringType, cel.DynType)),

		// glob uses the same '*' and '?' semantics as wildcard patterns.
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p, ok1 := pattern.Value().(string)
					n, ok2 := name.Value().(string)
					if !ok1 || !ok2 {
						return types.Bool(false)
					}
					return types.Bool(policy.MatchString(policy.MatchPattern{
						Type:          policy.PatternWildcard,
						Value:         p,
						CaseSensitive: true,
					}, n))
				}),
			),
		),

		// input_contains reports whether any top-level string value of the
		// input contains substr.
		cel.Function("input_contains",
			cel.Overload("input_contains_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(mapVal, substrVal ref.Val) ref.Val {
					substr, ok := substrVal.Value().(string)
					if !ok {
						return types.Bool(false)
					}
					switch m := mapVal.Value().(type) {
					case map[string]any:
						for _, v := range m {
							if s, ok := v.(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					case map[ref.Val]ref.Val:
						for _, v := range m {
							if s, ok := v.Value().(string); ok && strings.Contains(s, substr) {
								return types.Bool(true)
							}
						}
					}
					return types.Bool(false)
				}),
			),
		),
	)
}

// BuildActivation maps a tool call onto the rule environment variables.
func BuildActivation(call policy.ToolCall) map[string]any {
	input := call.Input
	if input == nil {
		input = map[string]any{}
	}
	ref := policy.ParseToolName(call.ToolName)
	return map[string]any{
		"tool_name":      call.ToolName,
		"server_name":    ref.Server,
		"server_tool":    ref.Tool,
		"agent_identity": call.AgentIdentity,
		"tool_input":     input,
	}
}
