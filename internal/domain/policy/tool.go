package policy

import "strings"

// Namespace prefix of tools delegated to MCP servers.
const (
	MCPNamespace  = "mcp"
	toolSeparator = "__"
)

// ToolRef is a tool name decomposed into its namespace parts.
type ToolRef struct {
	Name string
	// Server and Tool are set for delegated tools only.
	Server    string
	Tool      string
	Delegated bool
}

// ParseToolName decomposes names of the form mcp__server__tool. Only the
// third component is the tool, so mcp__fs__read__deep names tool "read".
// Any other name is a built-in tool.
func ParseToolName(name string) ToolRef {
	ref := ToolRef{Name: name}
	parts := strings.Split(name, toolSeparator)
	if len(parts) < 2 || parts[0] != MCPNamespace || parts[1] == "" {
		return ref
	}
	ref.Delegated = true
	ref.Server = parts[1]
	if len(parts) >= 3 {
		ref.Tool = parts[2]
	}
	return ref
}

// Matches reports whether the tool reference satisfies m.
func (m ToolMatch) Matches(ref ToolRef) bool {
	switch m.Type {
	case ToolMatchBuiltin:
		return m.ToolName != "" && ref.Name == m.ToolName
	case ToolMatchMCP:
		if !ref.Delegated || m.ServerName == "" || ref.Server != m.ServerName {
			return false
		}
		return m.ToolName == "" || ref.Tool == m.ToolName
	}
	return false
}
