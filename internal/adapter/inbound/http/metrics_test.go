package http

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Sentinel-Gate/approvalgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/approvalgate/internal/domain/approval"
	"github.com/Sentinel-Gate/approvalgate/internal/domain/policy"
	"github.com/Sentinel-Gate/approvalgate/internal/service"
)

func TestMetrics_Recorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObservePolicyDecision(policy.ActionReview)
	m.ObservePolicyDecision(policy.ActionReview)
	m.ObserveOutcome(service.BehaviorDeny, service.CauseTimeout)

	if got := testutil.ToFloat64(m.PolicyEvaluations.WithLabelValues("review")); got != 2 {
		t.Errorf("policy_evaluations{review} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.ApprovalOutcomes.WithLabelValues("deny", "timeout")); got != 1 {
		t.Errorf("approval_outcomes{deny,timeout} = %v, want 1", got)
	}
}

func TestMetrics_ReloadsAndEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveReload(nil)
	m.ObserveReload(errors.New("bad"))
	m.ObserveLedgerEvent(approval.Event{Type: approval.EventNewEntry})

	if got := testutil.ToFloat64(m.ConfigReloads.WithLabelValues("error")); got != 1 {
		t.Errorf("config_reloads{error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.LedgerEvents.WithLabelValues("new-entry")); got != 1 {
		t.Errorf("ledger_events{new-entry} = %v, want 1", got)
	}
}

func TestRegisterLedgerGauges(t *testing.T) {
	ledger, err := memory.NewLedger(approval.LedgerConfig{AutoDenyTimeout: time.Hour}, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer ledger.Stop()

	reg := prometheus.NewRegistry()
	RegisterLedgerGauges(reg, ledger)

	a, _ := ledger.AddEntry("Bash", nil, "")
	if _, err := ledger.AddEntry("Write", nil, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := ledger.UpdateEntry(a.ID, approval.StateApproved, "alice"); err != nil {
		t.Fatal(err)
	}

	if n, err := testutil.GatherAndCount(reg, "approvalgate_ledger_entries", "approvalgate_pending_reviews"); err != nil || n != 2 {
		t.Fatalf("gathered %d series, err %v", n, err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	values := map[string]float64{}
	for _, mf := range families {
		values[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
	}
	if values["approvalgate_ledger_entries"] != 2 || values["approvalgate_pending_reviews"] != 1 {
		t.Errorf("gauges = %v", values)
	}
}
