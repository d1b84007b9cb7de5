package approval

import (
	"fmt"
	"maps"
	"strings"
	"time"
)

// State is the review state of an approval request.
type State string

const (
	// StateNeedsReview is the initial state of every entry.
	StateNeedsReview State = "NEEDS_REVIEW"
	// StateApproved is terminal.
	StateApproved State = "APPROVED"
	// StateDenied is terminal.
	StateDenied State = "DENIED"
)

// IsTerminal reports whether no further transition is allowed out of s.
func (s State) IsTerminal() bool {
	return s == StateApproved || s == StateDenied
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	return s == StateNeedsReview || s.IsTerminal()
}

// ParseState converts a case-insensitive state name into a State.
func ParseState(s string) (State, error) {
	st := State(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown state %q", s)
	}
	return st, nil
}

// Identities recorded in DecisionBy for automatic transitions.
const (
	DecisionByAutoDeny = "system:auto-deny-timeout"
	DecisionByTimeout  = "system:review-timeout"

	// ReservedIdentityPrefix marks identities only the ledger may record.
	ReservedIdentityPrefix = "system:"
)

// Entry is a single approval request tracked by the ledger.
// Nested ToolInput values are shared between copies and must be treated
// as read-only.
type Entry struct {
	ID              string         `json:"id"`
	CreatedAt       time.Time      `json:"timestamp"`
	ToolName        string         `json:"tool_name"`
	ToolInput       map[string]any `json:"tool_input"`
	AgentIdentity   string         `json:"agent_identity,omitempty"`
	State           State          `json:"state"`
	DecisionBy      string         `json:"decision_by,omitempty"`
	DecisionTime    *time.Time     `json:"decision_time,omitempty"`
	DeniedByTimeout bool           `json:"denied_by_timeout,omitempty"`
	ExpiresAt       time.Time      `json:"expires_at"`
}

// Clone returns a copy of e that callers may hold without observing
// later ledger mutations.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.DecisionTime != nil {
		t := *e.DecisionTime
		c.DecisionTime = &t
	}
	if e.ToolInput != nil {
		c.ToolInput = maps.Clone(e.ToolInput)
	}
	return &c
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// EventType identifies a ledger event.
type EventType string

const (
	EventNewEntry     EventType = "new-entry"
	EventStateChange  EventType = "state-change"
	EventEntryExpired EventType = "entry-expired"
)

// Event is published to ledger subscribers. PreviousState is only set
// for state-change events.
type Event struct {
	Type          EventType `json:"type"`
	Entry         *Entry    `json:"entry"`
	PreviousState State     `json:"previousState,omitempty"`
}

// Pagination bounds for QueryEntries.
const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Filter narrows QueryEntries. Zero values mean "no constraint".
type Filter struct {
	State         State
	AgentIdentity string
	// Search is matched case-insensitively against the tool name and
	// the JSON form of the tool input.
	Search string
	Offset int
	Limit  int
}

// Normalize applies pagination defaults and bounds.
func (f Filter) Normalize() Filter {
	if f.Offset < 0 {
		f.Offset = 0
	}
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	return f
}

// QueryResult is one page of entries. Total counts every entry that
// passed the filter, before pagination.
type QueryResult struct {
	Entries []*Entry `json:"entries"`
	Total   int      `json:"total"`
	Offset  int      `json:"offset"`
	Limit   int      `json:"limit"`
}

// Stats summarizes the live ledger contents.
type Stats struct {
	TotalEntries   int           `json:"totalEntries"`
	EntriesByState map[State]int `json:"entriesByState"`
	OldestEntry    *time.Time    `json:"oldestEntry,omitempty"`
	NewestEntry    *time.Time    `json:"newestEntry,omitempty"`
}

// IsReservedIdentity reports whether by names an automatic transition.
func IsReservedIdentity(by string) bool {
	return strings.HasPrefix(by, ReservedIdentityPrefix)
}
