package admin

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/Sentinel-Gate/approvalgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/approvalgate/internal/adapter/outbound/state"
	"github.com/Sentinel-Gate/approvalgate/internal/domain/approval"
	"github.com/Sentinel-Gate/approvalgate/internal/domain/policy"
	"github.com/Sentinel-Gate/approvalgate/internal/service"
)

type testEnv struct {
	ledger  *memory.MemoryLedger
	configs *service.ConfigService
	handler http.Handler
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	logger := discardLogger()

	ledger, err := memory.NewLedger(approval.LedgerConfig{AutoDenyTimeout: time.Hour}, logger)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(ledger.Stop)

	policies, err := service.NewPolicyService(policy.DefaultSnapshot(), nil, logger)
	if err != nil {
		t.Fatal(err)
	}
	store := state.NewFileConfigStore(filepath.Join(t.TempDir(), "approvals.json"), logger)
	configs := service.NewConfigService(store, policies, logger)
	if _, err := configs.Load(); err != nil {
		t.Fatal(err)
	}

	opts = append([]Option{WithLogger(logger)}, opts...)
	return &testEnv{
		ledger:  ledger,
		configs: configs,
		handler: NewHandler(ledger, configs, opts...).Routes(),
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.RemoteAddr = "127.0.0.1:40000"
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestQueryAuditLog(t *testing.T) {
	env := newTestEnv(t)
	a, _ := env.ledger.AddEntry("Bash", map[string]any{"command": "git status"}, "agent-a")
	_, _ = env.ledger.AddEntry("Read", map[string]any{"path": "/etc/hosts"}, "agent-b")
	if _, err := env.ledger.UpdateEntry(a.ID, approval.StateApproved, "alice"); err != nil {
		t.Fatal(err)
	}

	rec := env.do(t, http.MethodGet, "/api/audit-log?state=approved", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	res := decode[auditLogResponse](t, rec)
	if res.Total != 1 || res.Entries[0].ID != a.ID || res.HasMore {
		t.Errorf("state filter = %+v", res)
	}

	res = decode[auditLogResponse](t, env.do(t, http.MethodGet, "/api/audit-log?search=HOSTS", nil))
	if res.Total != 1 || res.Entries[0].ToolName != "Read" {
		t.Errorf("search = %+v", res)
	}

	res = decode[auditLogResponse](t, env.do(t, http.MethodGet, "/api/audit-log?limit=1", nil))
	if res.Total != 2 || len(res.Entries) != 1 || !res.HasMore || res.Entries[0].ToolName != "Read" {
		t.Errorf("pagination = %+v", res)
	}

	for _, q := range []string{"state=maybe", "limit=0", "limit=1001", "offset=-1", "offset=x"} {
		if rec := env.do(t, http.MethodGet, "/api/audit-log?"+q, nil); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", q, rec.Code)
		}
	}
}

func TestDecision_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	entry, _ := env.ledger.AddEntry("Bash", nil, "")
	path := "/api/audit-log/" + entry.ID

	rec := env.do(t, http.MethodPost, path+"/approve", nil, "X-User-Id", "alice")
	if rec.Code != http.StatusOK {
		t.Fatalf("approve status = %d: %s", rec.Code, rec.Body)
	}
	got := decode[entryResponse](t, rec)
	if got.Entry.State != approval.StateApproved || got.Entry.DecisionBy != "alice" || got.Message != "" {
		t.Errorf("approve = %+v", got)
	}

	rec = env.do(t, http.MethodPost, path+"/approve", nil, "X-User-Id", "bob")
	if rec.Code != http.StatusOK {
		t.Fatalf("repeat approve status = %d", rec.Code)
	}
	got = decode[entryResponse](t, rec)
	if got.Message != "Entry already approved" || got.Entry.DecisionBy != "alice" {
		t.Errorf("repeat approve = %+v", got)
	}

	rec = env.do(t, http.MethodPost, path+"/deny", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("contradicting deny status = %d, want 400", rec.Code)
	}
	if body := decode[map[string]string](t, rec); body["currentState"] != "APPROVED" {
		t.Errorf("deny body = %v", body)
	}

	if rec := env.do(t, http.MethodPost, "/api/audit-log/missing/approve", nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing entry status = %d, want 404", rec.Code)
	}
}

func TestDecisionBy(t *testing.T) {
	tests := []struct {
		name    string
		headers []string
		want    string
	}{
		{"user id", []string{"X-User-Id", "u-1", "X-User-Email", "a@example.com"}, "u-1"},
		{"email", []string{"X-User-Email", "a@example.com"}, "a@example.com"},
		{"ip fallback", nil, "ip:127.0.0.1"},
		{"system id ignored", []string{"X-User-Id", approval.DecisionByTimeout, "X-User-Email", "a@example.com"}, "a@example.com"},
		{"system email ignored", []string{"X-User-Email", "system:auto-deny-timeout"}, "ip:127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			entry, _ := env.ledger.AddEntry("Bash", nil, "")
			rec := env.do(t, http.MethodPost, "/api/audit-log/"+entry.ID+"/deny", nil, tt.headers...)
			if got := decode[entryResponse](t, rec).Entry.DecisionBy; got != tt.want {
				t.Errorf("decisionBy = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetAndDeleteEntry(t *testing.T) {
	env := newTestEnv(t)
	entry, _ := env.ledger.AddEntry("Bash", nil, "")
	path := "/api/audit-log/" + entry.ID

	if rec := env.do(t, http.MethodGet, path, nil); rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, path, nil); rec.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, path, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, path, nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}
}

func TestStatsAndStatus(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.ledger.AddEntry("Bash", nil, "")

	stats := decode[approval.Stats](t, env.do(t, http.MethodGet, "/api/audit-log/stats", nil))
	if stats.TotalEntries != 1 || stats.EntriesByState[approval.StateNeedsReview] != 1 {
		t.Errorf("stats = %+v", stats)
	}

	status := decode[auditStatusResponse](t, env.do(t, http.MethodGet, "/api/audit-log/status", nil))
	if status.AutoApprove || status.ApprovalTimeoutMs != 300_000 || status.DefaultAction != "review" {
		t.Errorf("status = %+v", status)
	}
}

func readEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var name, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && name != "":
			return name, data
		}
	}
}

func TestAuditStream(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	env := newTestEnv(t, WithHeartbeat(time.Hour))
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/audit-log/stream?tool_name=Bash")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	reader := bufio.NewReader(resp.Body)

	if name, _ := readEvent(t, reader); name != "connected" {
		t.Fatalf("first event = %q, want connected", name)
	}

	_, _ = env.ledger.AddEntry("Read", nil, "") // filtered out
	entry, _ := env.ledger.AddEntry("Bash", map[string]any{"command": "ls"}, "")
	name, data := readEvent(t, reader)
	if name != "new-entry" || !strings.Contains(data, entry.ID) {
		t.Fatalf("event = %q %s", name, data)
	}

	if _, err := env.ledger.UpdateEntry(entry.ID, approval.StateDenied, "alice"); err != nil {
		t.Fatal(err)
	}
	name, data = readEvent(t, reader)
	if name != "state-change" {
		t.Fatalf("event = %q", name)
	}
	var payload stateChangePayload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		t.Fatal(err)
	}
	if payload.PreviousState != approval.StateNeedsReview || payload.Entry.State != approval.StateDenied {
		t.Errorf("payload = %+v", payload)
	}
}

func TestAuditStream_Heartbeat(t *testing.T) {
	env := newTestEnv(t, WithHeartbeat(20*time.Millisecond))
	ts := httptest.NewServer(env.handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/audit-log/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	readEvent(t, reader)
	if name, data := readEvent(t, reader); name != "heartbeat" || !strings.Contains(data, "timestamp") {
		t.Errorf("event = %q %s", name, data)
	}
}

func TestConfigRoutes(t *testing.T) {
	env := newTestEnv(t)

	cfg := decode[configResponse](t, env.do(t, http.MethodGet, "/api/config", nil))
	if cfg.Config.Approvals.DefaultAction != policy.ActionReview || cfg.Status.RuleCount != 0 {
		t.Errorf("config = %+v", cfg)
	}

	rule := map[string]any{
		"id": "allow-read", "name": "Allow read", "action": "approve",
		"match": map[string]any{"tool": map[string]any{"type": "builtin", "toolName": "Read"}},
	}
	rec := env.do(t, http.MethodPost, "/api/config/rules", rule)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d: %s", rec.Code, rec.Body)
	}
	if got := decode[ruleResponse](t, rec); got.Rule.Priority != 10 {
		t.Errorf("auto priority = %d, want 10", got.Rule.Priority)
	}
	if rec := env.do(t, http.MethodPost, "/api/config/rules", rule); rec.Code != http.StatusConflict {
		t.Errorf("duplicate add status = %d, want 409", rec.Code)
	}

	test := decode[testRuleResponse](t, env.do(t, http.MethodPost, "/api/config/rules/test",
		map[string]any{"toolName": "Read"}))
	if test.Result.Action != policy.ActionApprove || test.Result.Rule == nil || test.Result.Rule.ID != "allow-read" {
		t.Errorf("test = %+v", test.Result)
	}

	rule["action"] = "deny"
	if rec := env.do(t, http.MethodPut, "/api/config/rules/allow-read", rule); rec.Code != http.StatusOK {
		t.Errorf("update status = %d: %s", rec.Code, rec.Body)
	}
	if rec := env.do(t, http.MethodPut, "/api/config/rules/nope", rule); rec.Code != http.StatusNotFound {
		t.Errorf("update missing status = %d", rec.Code)
	}

	list := decode[rulesResponse](t, env.do(t, http.MethodGet, "/api/config/rules", nil))
	if list.Total != 1 || list.Rules[0].Action != policy.ActionDeny {
		t.Errorf("rules = %+v", list)
	}

	if rec := env.do(t, http.MethodDelete, "/api/config/rules/allow-read", nil); rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	if rec := env.do(t, http.MethodDelete, "/api/config/rules/allow-read", nil); rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", rec.Code)
	}
}

func TestConfigPatchAndValidate(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPatch, "/api/config", map[string]any{
		"approvals": map[string]any{"defaultAction": "approve", "timeout": map[string]any{"duration": 60000}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", rec.Code, rec.Body)
	}
	cfg := decode[configResponse](t, rec)
	if !cfg.Status.AutoApprovalEnabled || cfg.Config.Approvals.Timeout.Duration != 60000 {
		t.Errorf("patched = %+v", cfg)
	}

	rec = env.do(t, http.MethodPatch, "/api/config", map[string]any{
		"approvals": map[string]any{"timeout": map[string]any{"duration": 10}},
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid patch status = %d", rec.Code)
	}

	bad := map[string]any{"approvals": map[string]any{"enabled": true, "defaultAction": "maybe",
		"timeout": map[string]any{"duration": 60000, "defaultAction": "deny"}, "rules": []any{}}}
	rec = env.do(t, http.MethodPost, "/api/config/validate", bad)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("validate status = %d", rec.Code)
	}
	if res := decode[policy.ValidationResult](t, rec); res.Valid || len(res.Errors) == 0 {
		t.Errorf("validation = %+v", res)
	}
	if rec := env.do(t, http.MethodPut, "/api/config", bad); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid replace status = %d", rec.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	argonHash, err := HashKey("argon-secret")
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256([]byte("sha-secret"))
	verifier, err := NewKeyVerifier([]APIKey{
		{Name: "ops", Hash: argonHash},
		{Name: "ci", Hash: "sha256:" + hex.EncodeToString(sum[:])},
	}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, WithKeyVerifier(verifier))

	if rec := env.do(t, http.MethodGet, "/api/audit-log", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want 401", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/audit-log", nil, "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", rec.Code)
	}

	for token, who := range map[string]string{"argon-secret": "key:ops", "sha-secret": "key:ci"} {
		entry, _ := env.ledger.AddEntry("Bash", nil, "")
		rec := env.do(t, http.MethodPost, "/api/audit-log/"+entry.ID+"/approve", nil,
			"Authorization", "Bearer "+token, "X-User-Id", "spoofed")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", who, rec.Code)
		}
		if got := decode[entryResponse](t, rec).Entry.DecisionBy; got != who {
			t.Errorf("decisionBy = %q, want %q", got, who)
		}
	}
}

func TestNewKeyVerifier_RejectsBadHashes(t *testing.T) {
	for _, hash := range []string{"plaintext", "sha256:zz", "sha256:abcd", "$argon2id$broken"} {
		if _, err := NewKeyVerifier([]APIKey{{Name: "k", Hash: hash}}, nil); err == nil {
			t.Errorf("hash %q accepted", hash)
		}
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, WithRateLimit(2))

	remote := func() int {
		req := httptest.NewRequest(http.MethodGet, "/api/audit-log/stats", nil)
		req.RemoteAddr = "203.0.113.7:1234"
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec.Code
	}
	if remote() != http.StatusOK || remote() != http.StatusOK {
		t.Fatal("first requests should pass")
	}
	if code := remote(); code != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", code)
	}
	for i := 0; i < 5; i++ {
		if rec := env.do(t, http.MethodGet, "/api/audit-log/stats", nil); rec.Code != http.StatusOK {
			t.Fatalf("loopback request limited: %d", rec.Code)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/config", nil)
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" || rec.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("headers = %v", rec.Header())
	}
}
