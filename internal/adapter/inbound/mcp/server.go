// Package mcp exposes the approval flow to agents as the MCP tool
// approval_prompt, served over Streamable HTTP.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sentinel-Gate/approvalgate/internal/domain/policy"
	"github.com/Sentinel-Gate/approvalgate/internal/service"
)

// ToolName is the name of the permission-prompt tool.
const ToolName = "approval_prompt"

// AgentIdentityHeader names the calling agent when the tool input does not.
const AgentIdentityHeader = "X-Agent-Identity"

// Approver decides tool calls.
type Approver interface {
	RequestApproval(ctx context.Context, call policy.ToolCall) (*service.Outcome, error)
}

// PromptInput defines parameters for the approval_prompt tool.
type PromptInput struct {
	ToolName      string         `json:"tool_name" jsonschema:"the tool requesting permission"`
	Input         map[string]any `json:"input" jsonschema:"the input for the tool"`
	AgentIdentity string         `json:"agent_identity,omitempty" jsonschema:"identity of the calling agent"`
}

// AllowResponse is the approval_prompt text for an allowed call.
type AllowResponse struct {
	Behavior     service.Behavior `json:"behavior"`
	UpdatedInput map[string]any   `json:"updatedInput"`
}

// DenyResponse is the approval_prompt text for a denied call.
type DenyResponse struct {
	Behavior service.Behavior `json:"behavior"`
	Message  string           `json:"message"`
}

// Server wraps the MCP SDK server.
type Server struct {
	mcpServer *mcpsdk.Server
	approver  Approver
	logger    *slog.Logger
}

// New creates the MCP server and registers approval_prompt.
func New(approver Approver, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		mcpServer: mcpsdk.NewServer(&mcpsdk.Implementation{
			Name:    "approval-gate",
			Version: version,
		}, nil),
		approver: approver,
		logger:   logger,
	}
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name: ToolName,
		Description: "Decide whether a tool call may run. Calls that need review block until " +
			"a human approves or denies them, or the review timeout elapses.",
	}, s.handlePrompt)
	return s
}

// MCPServer returns the underlying SDK server.
func (s *Server) MCPServer() *mcpsdk.Server {
	return s.mcpServer
}

// HTTPHandler serves the MCP server over stateless Streamable HTTP.
func (s *Server) HTTPHandler() http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return s.mcpServer
	}, &mcpsdk.StreamableHTTPOptions{Stateless: true})
}

func (s *Server) handlePrompt(ctx context.Context, req *mcpsdk.CallToolRequest, in PromptInput) (*mcpsdk.CallToolResult, any, error) {
	call := policy.ToolCall{
		ToolName:      in.ToolName,
		AgentIdentity: in.AgentIdentity,
		Input:         in.Input,
	}
	if call.Input == nil {
		call.Input = map[string]any{}
	}
	if call.AgentIdentity == "" && req != nil && req.Extra != nil && req.Extra.Header != nil {
		call.AgentIdentity = req.Extra.Header.Get(AgentIdentityHeader)
	}

	s.logger.Info("requesting approval for tool", "tool", call.ToolName, "agent", call.AgentIdentity)
	s.logger.Debug("input for tool", "tool", call.ToolName, "input", call.Input)

	outcome, err := s.approver.RequestApproval(ctx, call)
	if err != nil {
		// A cancelled wait leaves the request pending; the agent sees a tool error.
		s.logger.Warn("approval request failed", "tool", call.ToolName, "error", err)
		return nil, nil, err
	}

	var resp any = AllowResponse{Behavior: service.BehaviorAllow, UpdatedInput: call.Input}
	if outcome.Behavior != service.BehaviorAllow {
		msg := outcome.Message
		if msg == "" {
			msg = "Permission denied"
		}
		resp = DenyResponse{Behavior: service.BehaviorDeny, Message: msg}
	}
	text, err := json.Marshal(resp)
	if err != nil {
		return nil, nil, err
	}
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(text)}},
	}, nil, nil
}
