package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/Sentinel-Gate/approvalgate/internal/domain/policy"
)

// ConfigStore persists the approvals document.
type ConfigStore interface {
	Load() (*policy.Document, error)
	Save(doc *policy.Document) error
}

// priorityStep is the gap left between auto-assigned rule priorities.
const priorityStep = 10

// SnapshotPatch holds a partial update of the top-level settings. Nil
// fields are left unchanged.
type SnapshotPatch struct {
	Enabled       *bool          `json:"enabled,omitempty"`
	DefaultAction *policy.Action `json:"defaultAction,omitempty"`
	Timeout       *TimeoutPatch  `json:"timeout,omitempty"`
}

// TimeoutPatch is the timeout part of a SnapshotPatch.
type TimeoutPatch struct {
	Duration      *int64         `json:"duration,omitempty"`
	DefaultAction *policy.Action `json:"defaultAction,omitempty"`
}

// RuleTestResult is the dry-run outcome of a tool call against the
// current configuration.
type RuleTestResult struct {
	Action        policy.Action         `json:"action"`
	Rule          *policy.RuleRef       `json:"rule"`
	TimeoutMs     int64                 `json:"timeoutMs"`
	TimeoutAction policy.Action         `json:"timeoutAction"`
	Reason        string                `json:"reason"`
	MatchingRules []policy.ApprovalRule `json:"matchingRules"`
}

// ConfigService applies admin changes to the approvals configuration.
// Every write is validated, persisted through the store and then
// installed in the PolicyService.
type ConfigService struct {
	store    ConfigStore
	policies *PolicyService
	logger   *slog.Logger
	mu       sync.Mutex // serializes read-modify-write cycles
}

// NewConfigService creates a ConfigService.
func NewConfigService(store ConfigStore, policies *PolicyService, logger *slog.Logger) *ConfigService {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConfigService{store: store, policies: policies, logger: logger}
}

// Current returns a copy of the active configuration.
func (s *ConfigService) Current() *policy.Snapshot {
	return s.policies.Snapshot()
}

// Load reads the stored document and installs it. It is used at startup.
func (s *ConfigService) Load() (*policy.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load approvals config: %w", err)
	}
	if err := s.policies.Reload(&doc.Approvals); err != nil {
		return nil, err
	}
	return s.policies.Snapshot(), nil
}

// ReloadFromStore re-reads the stored document after an external edit.
// An unchanged document is ignored. An invalid one is rejected and the
// active configuration is kept.
func (s *ConfigService) ReloadFromStore() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.store.Load()
	if err != nil {
		return fmt.Errorf("load approvals config: %w", err)
	}
	if sameSnapshot(&doc.Approvals, s.policies.Snapshot()) {
		s.logger.Debug("approvals config unchanged on disk")
		return nil
	}
	return s.policies.Reload(&doc.Approvals)
}

// Validate checks snapshot without applying it.
func (s *ConfigService) Validate(snapshot *policy.Snapshot) policy.ValidationResult {
	return s.policies.Validate(snapshot)
}

// Replace installs snapshot as the whole configuration.
func (s *ConfigService) Replace(snapshot *policy.Snapshot) (*policy.Snapshot, error) {
	if snapshot == nil {
		return nil, fmt.Errorf("%w: missing configuration", policy.ErrInvalidSnapshot)
	}
	return s.mutate(func(cur *policy.Snapshot) (*policy.Snapshot, error) {
		return snapshot.Clone(), nil
	})
}

// Patch updates the top-level settings and leaves the rules alone.
func (s *ConfigService) Patch(p SnapshotPatch) (*policy.Snapshot, error) {
	return s.mutate(func(cur *policy.Snapshot) (*policy.Snapshot, error) {
		if p.Enabled != nil {
			cur.Enabled = *p.Enabled
		}
		if p.DefaultAction != nil {
			cur.DefaultAction = *p.DefaultAction
		}
		if p.Timeout != nil {
			if p.Timeout.Duration != nil {
				cur.Timeout.Duration = *p.Timeout.Duration
			}
			if p.Timeout.DefaultAction != nil {
				cur.Timeout.DefaultAction = *p.Timeout.DefaultAction
			}
		}
		return cur, nil
	})
}

// AddRule appends rule. A zero priority is replaced by the highest
// existing priority plus ten.
func (s *ConfigService) AddRule(rule policy.ApprovalRule) (*policy.ApprovalRule, error) {
	var added policy.ApprovalRule
	_, err := s.mutate(func(cur *policy.Snapshot) (*policy.Snapshot, error) {
		if _, exists := cur.Rule(rule.ID); exists {
			return nil, fmt.Errorf("%w: %s", policy.ErrDuplicateRule, rule.ID)
		}
		if rule.Priority == 0 {
			rule.Priority = nextPriority(cur.Rules)
		} else if owner, taken := priorityOwner(cur.Rules, rule.Priority, ""); taken {
			return nil, fmt.Errorf("%w: %d is used by %s", policy.ErrDuplicatePriority, rule.Priority, owner)
		}
		if rule.Enabled == nil {
			rule.Enabled = policy.Bool(true)
		}
		cur.Rules = append(cur.Rules, rule)
		added = rule
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("approval rule added", "id", added.ID, "priority", added.Priority, "action", added.Action)
	return &added, nil
}

// UpdateRule replaces the rule with the given id. The rule keeps its id
// and a zero priority keeps the existing one.
func (s *ConfigService) UpdateRule(id string, rule policy.ApprovalRule) (*policy.ApprovalRule, error) {
	var updated policy.ApprovalRule
	_, err := s.mutate(func(cur *policy.Snapshot) (*policy.Snapshot, error) {
		idx := slices.IndexFunc(cur.Rules, func(r policy.ApprovalRule) bool { return r.ID == id })
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", policy.ErrRuleNotFound, id)
		}
		rule.ID = id
		if rule.Priority == 0 {
			rule.Priority = cur.Rules[idx].Priority
		} else if owner, taken := priorityOwner(cur.Rules, rule.Priority, id); taken {
			return nil, fmt.Errorf("%w: %d is used by %s", policy.ErrDuplicatePriority, rule.Priority, owner)
		}
		cur.Rules[idx] = rule
		updated = rule
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("approval rule updated", "id", id)
	return &updated, nil
}

// RemoveRule deletes the rule with the given id.
func (s *ConfigService) RemoveRule(id string) error {
	_, err := s.mutate(func(cur *policy.Snapshot) (*policy.Snapshot, error) {
		n := len(cur.Rules)
		cur.Rules = slices.DeleteFunc(cur.Rules, func(r policy.ApprovalRule) bool { return r.ID == id })
		if len(cur.Rules) == n {
			return nil, fmt.Errorf("%w: %s", policy.ErrRuleNotFound, id)
		}
		return cur, nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("approval rule removed", "id", id)
	return nil
}

// TestRule resolves call against the active configuration without
// touching the ledger. MatchingRules lists every rule whose predicates
// hold, including disabled ones.
func (s *ConfigService) TestRule(call policy.ToolCall) RuleTestResult {
	resolver := s.policies.Resolver()
	res := resolver.Resolve(call)
	return RuleTestResult{
		Action:        res.Action,
		Rule:          res.RuleRef(),
		TimeoutMs:     res.Timeout.Milliseconds(),
		TimeoutAction: res.TimeoutAction,
		Reason:        res.Reason,
		MatchingRules: resolver.MatchingRules(call),
	}
}

// mutate runs fn on a copy of the active snapshot, then validates,
// persists and installs the result.
func (s *ConfigService) mutate(fn func(cur *policy.Snapshot) (*policy.Snapshot, error)) (*policy.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(s.policies.Snapshot())
	if err != nil {
		return nil, err
	}
	if next.Rules == nil {
		next.Rules = []policy.ApprovalRule{}
	}
	if res := s.policies.Validate(next); !res.Valid {
		return nil, &policy.ValidationError{Errors: res.Errors}
	}
	if err := s.store.Save(&policy.Document{Approvals: *next}); err != nil {
		s.logger.Error("failed to persist approvals config", "error", err)
		return nil, fmt.Errorf("persist approvals config: %w", err)
	}
	if err := s.policies.Reload(next); err != nil {
		return nil, err
	}
	return s.policies.Snapshot(), nil
}

func nextPriority(rules []policy.ApprovalRule) int {
	highest := 0
	for _, r := range rules {
		highest = max(highest, r.Priority)
	}
	return highest + priorityStep
}

func priorityOwner(rules []policy.ApprovalRule, priority int, exceptID string) (string, bool) {
	for _, r := range rules {
		if r.Priority == priority && r.ID != exceptID {
			return r.ID, true
		}
	}
	return "", false
}

func sameSnapshot(a, b *policy.Snapshot) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ra, rb)
}
