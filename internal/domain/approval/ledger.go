package approval

import (
	"context"
	"errors"
)

var (
	// ErrLedgerStopped is returned by mutating calls after Stop.
	ErrLedgerStopped = errors.New("ledger stopped")
	// ErrInvalidConfig is returned when a ledger is built with invalid settings.
	ErrInvalidConfig = errors.New("invalid ledger config")
	// ErrInvalidState is returned when a decision targets a non-terminal state.
	ErrInvalidState = errors.New("decision state must be APPROVED or DENIED")
	// ErrReservedIdentity is returned when a manual decision claims a
	// system identity.
	ErrReservedIdentity = errors.New("decision identity is reserved")
)

// Ledger owns the lifecycle of approval requests.
// Returned entries are copies; missing or expired entries are reported
// as nil rather than as errors.
type Ledger interface {
	// AddEntry records a new request in NEEDS_REVIEW and arms its auto-deny timer.
	AddEntry(toolName string, toolInput map[string]any, agentIdentity string) (*Entry, error)
	// GetEntry returns the entry, or nil if it is unknown or expired.
	GetEntry(id string) *Entry
	// UpdateEntry applies a decision. A second decision is a no-op that
	// returns the already-terminal entry.
	UpdateEntry(id string, state State, decisionBy string) (*Entry, error)
	// TimeoutEntry applies a timeout transition to state.
	TimeoutEntry(id string, state State) (*Entry, error)
	// DeleteEntry removes an entry and reports whether it existed.
	DeleteEntry(id string) bool
	// QueryEntries returns a filtered page of live entries, most recent first.
	QueryEntries(f Filter) QueryResult
	// Await blocks until the entry leaves NEEDS_REVIEW or is removed,
	// returning the final entry or nil if it is gone.
	Await(ctx context.Context, id string) (*Entry, error)
	// Cleanup removes expired entries and returns how many were removed.
	Cleanup() int
	Stats() Stats
	// Subscribe registers fn for every ledger event and returns a function
	// that detaches it. Delivery is serialized: listeners are never called
	// concurrently, and every listener sees events in the order the ledger
	// applied the changes. A slow listener delays delivery for all of them.
	Subscribe(fn func(Event)) (unsubscribe func())
	// Stop releases timers and listeners. It is idempotent.
	Stop()
}
