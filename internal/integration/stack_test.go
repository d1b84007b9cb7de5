// Package integration exercises approval-gate end to end: the MCP tool,
// the admin API, the audit ledger and the approvals file working together
// over real HTTP.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sentinel-Gate/approvalgate/internal/adapter/inbound/admin"
	httpadapter "github.com/Sentinel-Gate/approvalgate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/approvalgate/internal/adapter/inbound/mcp"
	"github.com/Sentinel-Gate/approvalgate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/approvalgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/approvalgate/internal/adapter/outbound/state"
	"github.com/Sentinel-Gate/approvalgate/internal/domain/approval"
	"github.com/Sentinel-Gate/approvalgate/internal/domain/policy"
	"github.com/Sentinel-Gate/approvalgate/internal/service"
)

const approvalsYAML = `
approvals:
  enabled: true
  defaultAction: review
  timeout:
    duration: 60000
    defaultAction: deny
  rules:
    - id: allow-read
      name: Allow reads
      priority: 10
      action: approve
      match:
        tool: {type: builtin, toolName: Read}
    - id: deny-rm
      name: Block recursive deletes
      priority: 20
      action: deny
      match:
        tool: {type: builtin, toolName: Bash}
        expression: 'input_contains(tool_input, "rm -rf")'
`

// testLogger returns a logger that writes to stderr at error level.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stack struct {
	path     string
	server   *httptest.Server
	ledger   *memory.MemoryLedger
	policies *service.PolicyService
	configs  *service.ConfigService
	metrics  *httpadapter.Metrics
}

// newStack wires the same components as "approval-gate start" behind an
// httptest server.
func newStack(t *testing.T) *stack {
	t.Helper()
	logger := testLogger()

	path := filepath.Join(t.TempDir(), "approvals.yaml")
	if err := os.WriteFile(path, []byte(approvalsYAML), 0o600); err != nil {
		t.Fatal(err)
	}

	exprs, err := cel.NewEvaluator()
	if err != nil {
		t.Fatal(err)
	}
	policies, err := service.NewPolicyService(policy.DefaultSnapshot(), exprs, logger)
	if err != nil {
		t.Fatal(err)
	}
	configs := service.NewConfigService(state.NewFileConfigStore(path, logger), policies, logger)
	if _, err := configs.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	ledger, err := memory.NewLedger(approval.LedgerConfig{}, logger)
	if err != nil {
		t.Fatal(err)
	}

	reg := httpadapter.NewRegistry()
	metrics := httpadapter.NewMetrics(reg)
	httpadapter.RegisterLedgerGauges(reg, ledger)
	unsubscribe := ledger.Subscribe(metrics.ObserveLedgerEvent)

	approvals := service.NewApprovalService(policies, ledger, metrics, logger)
	srv := httpadapter.NewServer(reg, metrics,
		httpadapter.WithLogger(logger),
		httpadapter.WithMCPHandler(mcp.New(approvals, "test", logger).HTTPHandler()),
		httpadapter.WithAPIHandler(admin.NewHandler(ledger, configs, admin.WithLogger(logger)).Routes()),
		httpadapter.WithHealthChecker(httpadapter.NewHealthChecker(ledger, policies, "test")),
	)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		unsubscribe()
		ledger.Stop()
	})
	return &stack{
		path:     path,
		server:   ts,
		ledger:   ledger,
		policies: policies,
		configs:  configs,
		metrics:  metrics,
	}
}

// connect opens an MCP client session against the stack's /mcp endpoint.
func (s *stack) connect(t *testing.T, ctx context.Context) *mcpsdk.ClientSession {
	t.Helper()
	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "integration-test", Version: "test"}, nil)
	session, err := client.Connect(ctx, &mcpsdk.StreamableClientTransport{
		Endpoint:             s.server.URL + "/mcp",
		DisableStandaloneSSE: true,
	}, nil)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func promptParams(tool string, input map[string]any) *mcpsdk.CallToolParams {
	return &mcpsdk.CallToolParams{
		Name:      mcp.ToolName,
		Arguments: map[string]any{"tool_name": tool, "input": input},
	}
}

// decodeText decodes the JSON text content of a tool result, or returns
// nil when it has none.
func decodeText(res *mcpsdk.CallToolResult) map[string]any {
	if res == nil || res.IsError || len(res.Content) != 1 {
		return nil
	}
	text, ok := res.Content[0].(*mcpsdk.TextContent)
	if !ok {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text.Text), &out); err != nil {
		return nil
	}
	return out
}

// prompt calls the approval tool and decodes its JSON text result.
func prompt(t *testing.T, ctx context.Context, session *mcpsdk.ClientSession, tool string, input map[string]any) map[string]any {
	t.Helper()
	res, err := session.CallTool(ctx, promptParams(tool, input))
	if err != nil {
		t.Fatalf("CallTool(%s) error: %v", tool, err)
	}
	out := decodeText(res)
	if out == nil {
		t.Fatalf("CallTool(%s) result = %+v", tool, res)
	}
	return out
}

func readAll(t *testing.T, r io.Reader) string {
	t.Helper()
	b, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
