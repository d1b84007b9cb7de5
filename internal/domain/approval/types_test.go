package approval

import (
	"testing"
	"time"
)

func TestParseState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    State
		wantErr bool
	}{
		{"NEEDS_REVIEW", StateNeedsReview, false},
		{"approved", StateApproved, false},
		{" Denied ", StateDenied, false},
		{"pending", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseState(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseState(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseState(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEntryClone_Independent(t *testing.T) {
	t.Parallel()

	now := time.Now()
	e := &Entry{
		ID:           "a",
		State:        StateApproved,
		ToolInput:    map[string]any{"cmd": "ls"},
		DecisionTime: &now,
	}
	c := e.Clone()
	c.State = StateDenied
	c.ToolInput["cmd"] = "rm"
	*c.DecisionTime = now.Add(time.Hour)

	if e.State != StateApproved {
		t.Errorf("original state mutated: %s", e.State)
	}
	if e.ToolInput["cmd"] != "ls" {
		t.Errorf("original input mutated: %v", e.ToolInput["cmd"])
	}
	if !e.DecisionTime.Equal(now) {
		t.Error("original decision time mutated")
	}
	if (*Entry)(nil).Clone() != nil {
		t.Error("Clone of nil should be nil")
	}
}

func TestFilterNormalize(t *testing.T) {
	t.Parallel()

	f := Filter{Offset: -3, Limit: 0}.Normalize()
	if f.Offset != 0 || f.Limit != DefaultQueryLimit {
		t.Errorf("Normalize() = %+v", f)
	}
	f = Filter{Limit: 5000}.Normalize()
	if f.Limit != MaxQueryLimit {
		t.Errorf("Limit = %d, want %d", f.Limit, MaxQueryLimit)
	}
}

func TestLedgerConfigValidate(t *testing.T) {
	t.Parallel()

	if err := (LedgerConfig{}).WithDefaults().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	bad := []LedgerConfig{
		{MaxEntries: -1},
		{TTL: 30 * time.Second},
		{TTL: 8 * 24 * time.Hour},
		{AutoDenyTimeout: -time.Second},
	}
	for _, c := range bad {
		if err := c.WithDefaults().Validate(); err == nil {
			t.Errorf("Validate(%+v) expected error", c)
		}
	}
}
