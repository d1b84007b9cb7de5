package service

import (
	"errors"
	"sync"
	"testing"

	"github.com/Sentinel-Gate/approvalgate/internal/domain/policy"
)

type memStore struct {
	mu      sync.Mutex
	doc     *policy.Document
	saves   int
	saveErr error
}

func (m *memStore) Load() (*policy.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc == nil {
		return &policy.Document{Approvals: *policy.DefaultSnapshot()}, nil
	}
	return &policy.Document{Approvals: *m.doc.Approvals.Clone()}, nil
}

func (m *memStore) Save(doc *policy.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.saves++
	m.doc = &policy.Document{Approvals: *doc.Approvals.Clone()}
	return nil
}

func newTestConfigService(t *testing.T) (*ConfigService, *memStore) {
	t.Helper()
	store := &memStore{doc: &policy.Document{Approvals: *denyBashSnapshot()}}
	svc := NewConfigService(store, newTestPolicyService(t, policy.DefaultSnapshot()), nil)
	if _, err := svc.Load(); err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	return svc, store
}

func readRule(id string, priority int) policy.ApprovalRule {
	return policy.ApprovalRule{
		ID: id, Name: id, Priority: priority, Action: policy.ActionApprove,
		Match: policy.MatchCriteria{Tool: &policy.ToolMatch{Type: policy.ToolMatchBuiltin, ToolName: "Read"}},
	}
}

func TestConfigService_Load(t *testing.T) {
	t.Parallel()

	svc, _ := newTestConfigService(t)
	if got := len(svc.Current().Rules); got != 2 {
		t.Fatalf("rules = %d, want 2", got)
	}
}

func TestConfigService_AddRule(t *testing.T) {
	t.Parallel()

	svc, store := newTestConfigService(t)

	added, err := svc.AddRule(readRule("allow-read", 5))
	if err != nil {
		t.Fatalf("AddRule() error: %v", err)
	}
	if !added.IsEnabled() {
		t.Error("new rule should default to enabled")
	}
	if store.saves != 1 || len(store.doc.Approvals.Rules) != 3 {
		t.Errorf("store saves=%d rules=%d", store.saves, len(store.doc.Approvals.Rules))
	}

	// The new rule outranks review-all.
	res := svc.TestRule(policy.ToolCall{ToolName: "Read"})
	if res.Action != policy.ActionApprove || res.Rule.ID != "allow-read" {
		t.Errorf("TestRule(Read) = %s via %+v", res.Action, res.Rule)
	}
}

func TestConfigService_AddRule_AutoPriority(t *testing.T) {
	t.Parallel()

	svc, _ := newTestConfigService(t)

	added, err := svc.AddRule(readRule("allow-read", 0))
	if err != nil {
		t.Fatalf("AddRule() error: %v", err)
	}
	if added.Priority != 30 {
		t.Errorf("priority = %d, want 30", added.Priority)
	}
}

func TestConfigService_AddRule_Rejections(t *testing.T) {
	t.Parallel()

	svc, store := newTestConfigService(t)

	tests := []struct {
		name string
		rule policy.ApprovalRule
		want error
	}{
		{"duplicate id", readRule("deny-bash", 50), policy.ErrDuplicateRule},
		{"duplicate priority", readRule("allow-read", 10), policy.ErrDuplicatePriority},
		{"invalid action", func() policy.ApprovalRule {
			r := readRule("bad", 50)
			r.Action = "maybe"
			return r
		}(), policy.ErrInvalidSnapshot},
	}
	for _, tt := range tests {
		if _, err := svc.AddRule(tt.rule); !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
	if store.saves != 0 {
		t.Errorf("rejected writes must not persist, saves = %d", store.saves)
	}
	if len(svc.Current().Rules) != 2 {
		t.Error("rejected writes must not change the active configuration")
	}
}

func TestConfigService_UpdateRule(t *testing.T) {
	t.Parallel()

	svc, _ := newTestConfigService(t)

	r := readRule("ignored", 0)
	r.Enabled = policy.Bool(false)
	updated, err := svc.UpdateRule("deny-bash", r)
	if err != nil {
		t.Fatalf("UpdateRule() error: %v", err)
	}
	if updated.ID != "deny-bash" || updated.Priority != 10 {
		t.Errorf("updated = %+v, want id and priority kept", updated)
	}

	if _, err := svc.UpdateRule("deny-bash", readRule("x", 20)); !errors.Is(err, policy.ErrDuplicatePriority) {
		t.Errorf("duplicate priority err = %v", err)
	}
	if _, err := svc.UpdateRule("missing", readRule("x", 99)); !errors.Is(err, policy.ErrRuleNotFound) {
		t.Errorf("missing rule err = %v", err)
	}
}

func TestConfigService_RemoveRule(t *testing.T) {
	t.Parallel()

	svc, _ := newTestConfigService(t)

	if err := svc.RemoveRule("deny-bash"); err != nil {
		t.Fatalf("RemoveRule() error: %v", err)
	}
	if _, ok := svc.Current().Rule("deny-bash"); ok {
		t.Error("rule still present")
	}
	if err := svc.RemoveRule("deny-bash"); !errors.Is(err, policy.ErrRuleNotFound) {
		t.Errorf("second RemoveRule() err = %v", err)
	}
}

func TestConfigService_Patch(t *testing.T) {
	t.Parallel()

	svc, _ := newTestConfigService(t)

	deny := policy.ActionDeny
	dur := int64(60_000)
	snap, err := svc.Patch(SnapshotPatch{
		Enabled:       policy.Bool(false),
		DefaultAction: &deny,
		Timeout:       &TimeoutPatch{Duration: &dur},
	})
	if err != nil {
		t.Fatalf("Patch() error: %v", err)
	}
	if snap.Enabled || snap.DefaultAction != policy.ActionDeny || snap.Timeout.Duration != 60_000 {
		t.Errorf("patched = %+v", snap)
	}
	if snap.Timeout.DefaultAction != policy.ActionDeny || len(snap.Rules) != 2 {
		t.Error("patch must leave unspecified fields unchanged")
	}

	tooShort := int64(10)
	if _, err := svc.Patch(SnapshotPatch{Timeout: &TimeoutPatch{Duration: &tooShort}}); !errors.Is(err, policy.ErrInvalidSnapshot) {
		t.Errorf("short timeout err = %v", err)
	}
}

func TestConfigService_Replace(t *testing.T) {
	t.Parallel()

	svc, _ := newTestConfigService(t)

	next := policy.DefaultSnapshot()
	next.DefaultAction = policy.ActionApprove
	if _, err := svc.Replace(next); err != nil {
		t.Fatalf("Replace() error: %v", err)
	}
	if res := svc.TestRule(policy.ToolCall{ToolName: "Bash"}); res.Action != policy.ActionApprove || res.Rule != nil {
		t.Errorf("after Replace, Bash = %s via %+v", res.Action, res.Rule)
	}
	if _, err := svc.Replace(nil); !errors.Is(err, policy.ErrInvalidSnapshot) {
		t.Errorf("Replace(nil) err = %v", err)
	}
}

func TestConfigService_PersistFailureKeepsActive(t *testing.T) {
	t.Parallel()

	svc, store := newTestConfigService(t)
	store.saveErr = errors.New("disk full")

	if _, err := svc.AddRule(readRule("allow-read", 5)); err == nil {
		t.Fatal("AddRule() expected error")
	}
	if _, ok := svc.Current().Rule("allow-read"); ok {
		t.Error("failed persist must not install the rule")
	}
}

func TestConfigService_TestRule_IncludesDisabled(t *testing.T) {
	t.Parallel()

	svc, _ := newTestConfigService(t)
	off := readRule("off-bash", 5)
	off.Match.Tool.ToolName = "Bash"
	off.Enabled = policy.Bool(false)
	if _, err := svc.AddRule(off); err != nil {
		t.Fatal(err)
	}

	res := svc.TestRule(policy.ToolCall{ToolName: "Bash"})
	if res.Rule == nil || res.Rule.ID != "deny-bash" {
		t.Errorf("resolved rule = %+v, want deny-bash", res.Rule)
	}
	ids := []string{}
	for _, r := range res.MatchingRules {
		ids = append(ids, r.ID)
	}
	if len(ids) != 3 || ids[0] != "off-bash" {
		t.Errorf("matching rules = %v, want [off-bash deny-bash review-all]", ids)
	}
	if res.TimeoutMs != 300_000 || res.TimeoutAction != policy.ActionDeny {
		t.Errorf("timeout = %d/%s", res.TimeoutMs, res.TimeoutAction)
	}
}

func TestConfigService_ReloadFromStore(t *testing.T) {
	t.Parallel()

	svc, store := newTestConfigService(t)

	edited := denyBashSnapshot()
	edited.Rules = edited.Rules[:1]
	store.doc = &policy.Document{Approvals: *edited}
	if err := svc.ReloadFromStore(); err != nil {
		t.Fatalf("ReloadFromStore() error: %v", err)
	}
	if len(svc.Current().Rules) != 1 {
		t.Error("external edit not applied")
	}

	broken := edited.Clone()
	broken.DefaultAction = "nope"
	store.doc = &policy.Document{Approvals: *broken}
	if err := svc.ReloadFromStore(); err == nil {
		t.Error("invalid external edit should be rejected")
	}
	if svc.Current().DefaultAction != policy.ActionReview {
		t.Error("previous configuration should stay active")
	}
}
