package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Sentinel-Gate/approvalgate/internal/domain/approval"
)

// MemoryLedger implements approval.Ledger on top of an LRU.
// A single mutex guards the store, the timer table and the waiter table,
// so every read-check-write on an entry is atomic. Events are queued under
// the mutex and delivered after it is released by one dispatching caller
// at a time, in the order they were queued.
type MemoryLedger struct {
	mu      sync.Mutex
	entries *LRU[string, *approval.Entry]
	timers  map[string]autoDenyTimer
	waiters map[string]chan struct{}
	token   uint64
	stopped bool

	listeners    []ledgerListener
	nextListener uint64
	pending      []approval.Event
	dispatching  bool

	cfg    approval.LedgerConfig
	now    func() time.Time
	newID  func() string
	logger *slog.Logger

	stopChan    chan struct{}
	wg          sync.WaitGroup
	cleanupOnce sync.Once
	stopOnce    sync.Once
}

type autoDenyTimer struct {
	timer *time.Timer
	token uint64
}

type ledgerListener struct {
	id uint64
	fn func(approval.Event)
}

// LedgerOption configures a MemoryLedger.
type LedgerOption func(*MemoryLedger)

// WithClock replaces time.Now for TTL and decision timestamps.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *MemoryLedger) {
		l.now = now
	}
}

// WithIDGenerator replaces the default UUID entry IDs.
func WithIDGenerator(gen func() string) LedgerOption {
	return func(l *MemoryLedger) {
		l.newID = gen
	}
}

// NewLedger creates an in-memory ledger. Zero config fields take their
// defaults; an out-of-range TTL fails with approval.ErrInvalidConfig.
// Call StartCleanup to run the periodic expiry sweep.
func NewLedger(cfg approval.LedgerConfig, logger *slog.Logger, opts ...LedgerOption) (*MemoryLedger, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	entries, err := NewLRU[string, *approval.Entry](cfg.MaxEntries)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", approval.ErrInvalidConfig, err)
	}

	l := &MemoryLedger{
		entries:  entries,
		timers:   make(map[string]autoDenyTimer),
		waiters:  make(map[string]chan struct{}),
		cfg:      cfg,
		now:      time.Now,
		newID:    uuid.NewString,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// StartCleanup starts the background expiry sweep. It runs until ctx is
// cancelled or Stop is called. Later calls are no-ops.
func (l *MemoryLedger) StartCleanup(ctx context.Context) {
	l.cleanupOnce.Do(func() {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			ticker := time.NewTicker(l.cfg.CleanupInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-l.stopChan:
					return
				case <-ticker.C:
					l.sweep()
				}
			}
		}()
	})
}

// sweep runs Cleanup and keeps a panic from ending the sweep loop.
func (l *MemoryLedger) sweep() {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("ledger sweep panicked", "panic", r)
		}
	}()
	if n := l.Cleanup(); n > 0 {
		l.logger.Debug("expired ledger entries removed", "count", n)
	}
}

// Config returns the effective configuration.
func (l *MemoryLedger) Config() approval.LedgerConfig {
	return l.cfg
}

// AddEntry implements approval.Ledger.
func (l *MemoryLedger) AddEntry(toolName string, toolInput map[string]any, agentIdentity string) (*approval.Entry, error) {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil, approval.ErrLedgerStopped
	}

	id := l.newID()
	if l.entries.Has(id) {
		l.mu.Unlock()
		return nil, fmt.Errorf("duplicate entry id %q", id)
	}

	now := l.now()
	if toolInput == nil {
		toolInput = map[string]any{}
	}
	entry := &approval.Entry{
		ID:            id,
		CreatedAt:     now,
		ToolName:      toolName,
		ToolInput:     toolInput,
		AgentIdentity: agentIdentity,
		State:         approval.StateNeedsReview,
		ExpiresAt:     now.Add(l.cfg.TTL),
	}

	if evictedID, evicted, ok := l.entries.Set(entry.ID, entry); ok {
		l.releaseLocked(evictedID)
		l.logger.Debug("ledger at capacity, evicted entry",
			"id", evictedID, "state", evicted.State, "capacity", l.entries.Cap())
	}
	l.waiters[entry.ID] = make(chan struct{})
	l.armTimerLocked(entry.ID)

	out := entry.Clone()
	l.pending = append(l.pending, approval.Event{Type: approval.EventNewEntry, Entry: entry.Clone()})
	l.mu.Unlock()

	l.logger.Info("approval request recorded", "id", out.ID, "tool", toolName, "agent", agentIdentity)
	l.dispatch()
	return out, nil
}

// GetEntry implements approval.Ledger.
func (l *MemoryLedger) GetEntry(id string) *approval.Entry {
	l.mu.Lock()
	var events []approval.Event
	entry := l.lookupLocked(id, &events)
	if entry != nil {
		l.entries.Get(id)
	}
	out := entry.Clone()
	l.pending = append(l.pending, events...)
	l.mu.Unlock()

	l.dispatch()
	return out
}

// UpdateEntry implements approval.Ledger. Reserved system identities
// are refused so a manual decision never reads as a timeout.
func (l *MemoryLedger) UpdateEntry(id string, state approval.State, decisionBy string) (*approval.Entry, error) {
	if approval.IsReservedIdentity(decisionBy) {
		return nil, fmt.Errorf("%w: %q", approval.ErrReservedIdentity, decisionBy)
	}
	return l.decide(id, state, decisionBy, false)
}

// TimeoutEntry implements approval.Ledger. The transition is recorded
// as automatic; DeniedByTimeout is set only when state is DENIED.
func (l *MemoryLedger) TimeoutEntry(id string, state approval.State) (*approval.Entry, error) {
	return l.decide(id, state, approval.DecisionByTimeout, true)
}

func (l *MemoryLedger) decide(id string, state approval.State, decisionBy string, byTimeout bool) (*approval.Entry, error) {
	if !state.IsTerminal() {
		return nil, fmt.Errorf("%w: got %q", approval.ErrInvalidState, state)
	}

	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return nil, approval.ErrLedgerStopped
	}
	var events []approval.Event
	out := l.decideLocked(id, state, decisionBy, byTimeout, &events).Clone()
	l.pending = append(l.pending, events...)
	l.mu.Unlock()

	l.dispatch()
	return out, nil
}

// decideLocked performs the single NEEDS_REVIEW to terminal transition.
// An already decided entry is returned unchanged.
func (l *MemoryLedger) decideLocked(id string, state approval.State, decisionBy string, byTimeout bool, events *[]approval.Event) *approval.Entry {
	entry := l.lookupLocked(id, events)
	if entry == nil {
		return nil
	}
	if entry.State.IsTerminal() {
		l.logger.Warn("approval entry already decided",
			"id", id, "state", entry.State, "requested", state, "decision_by", decisionBy)
		return entry
	}

	prev := entry.State
	now := l.now()
	entry.State = state
	entry.DecisionBy = decisionBy
	entry.DecisionTime = &now
	entry.DeniedByTimeout = byTimeout && state == approval.StateDenied
	l.entries.Get(id)

	l.cancelTimerLocked(id)
	l.signalLocked(id)

	*events = append(*events, approval.Event{
		Type:          approval.EventStateChange,
		Entry:         entry.Clone(),
		PreviousState: prev,
	})
	l.logger.Info("approval entry decided",
		"id", id, "state", state, "decision_by", decisionBy, "timeout", entry.DeniedByTimeout)
	return entry
}

// DeleteEntry implements approval.Ledger.
func (l *MemoryLedger) DeleteEntry(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || !l.entries.Delete(id) {
		return false
	}
	l.releaseLocked(id)
	return true
}

// QueryEntries implements approval.Ledger.
func (l *MemoryLedger) QueryEntries(f approval.Filter) approval.QueryResult {
	f = f.Normalize()
	search := strings.ToLower(f.Search)

	l.mu.Lock()
	var events []approval.Event
	var matched []*approval.Entry
	for _, entry := range l.liveLocked(&events) {
		if f.State != "" && entry.State != f.State {
			continue
		}
		if f.AgentIdentity != "" && entry.AgentIdentity != f.AgentIdentity {
			continue
		}
		if search != "" && !entryContains(entry, search) {
			continue
		}
		matched = append(matched, entry.Clone())
	}
	l.pending = append(l.pending, events...)
	l.mu.Unlock()

	l.dispatch()

	result := approval.QueryResult{
		Entries: []*approval.Entry{},
		Total:   len(matched),
		Offset:  f.Offset,
		Limit:   f.Limit,
	}
	if f.Offset < len(matched) {
		end := min(f.Offset+f.Limit, len(matched))
		result.Entries = matched[f.Offset:end]
	}
	return result
}

// entryContains reports whether the lower-cased needle occurs in the
// tool name or the JSON form of the tool input.
func entryContains(e *approval.Entry, needle string) bool {
	if strings.Contains(strings.ToLower(e.ToolName), needle) {
		return true
	}
	raw, err := json.Marshal(e.ToolInput)
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(raw)), needle)
}

// Cleanup implements approval.Ledger.
func (l *MemoryLedger) Cleanup() int {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return 0
	}
	var events []approval.Event
	l.liveLocked(&events)
	l.pending = append(l.pending, events...)
	l.mu.Unlock()

	l.dispatch()
	return len(events)
}

// Stats implements approval.Ledger.
func (l *MemoryLedger) Stats() approval.Stats {
	l.mu.Lock()
	var events []approval.Event
	live := l.liveLocked(&events)

	stats := approval.Stats{
		TotalEntries: len(live),
		EntriesByState: map[approval.State]int{
			approval.StateNeedsReview: 0,
			approval.StateApproved:    0,
			approval.StateDenied:      0,
		},
	}
	for _, e := range live {
		stats.EntriesByState[e.State]++
		created := e.CreatedAt
		if stats.OldestEntry == nil || created.Before(*stats.OldestEntry) {
			stats.OldestEntry = &created
		}
		if stats.NewestEntry == nil || created.After(*stats.NewestEntry) {
			stats.NewestEntry = &created
		}
	}
	l.pending = append(l.pending, events...)
	l.mu.Unlock()

	l.dispatch()
	return stats
}

// Await implements approval.Ledger.
func (l *MemoryLedger) Await(ctx context.Context, id string) (*approval.Entry, error) {
	l.mu.Lock()
	var events []approval.Event
	entry := l.lookupLocked(id, &events)
	var done chan struct{}
	if entry != nil && !entry.State.IsTerminal() {
		done = l.waiters[id]
	}
	out := entry.Clone()
	l.pending = append(l.pending, events...)
	l.mu.Unlock()

	l.dispatch()
	if done == nil {
		return out, nil
	}

	select {
	case <-done:
		return l.GetEntry(id), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe implements approval.Ledger.
func (l *MemoryLedger) Subscribe(fn func(approval.Event)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return func() {}
	}
	l.nextListener++
	id := l.nextListener
	l.listeners = append(l.listeners, ledgerListener{id: id, fn: fn})

	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, ln := range l.listeners {
			if ln.id == id {
				l.listeners = append(l.listeners[:i:i], l.listeners[i+1:]...)
				return
			}
		}
	}
}

// Stop implements approval.Ledger.
func (l *MemoryLedger) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.stopped = true
		for id, t := range l.timers {
			t.timer.Stop()
			delete(l.timers, id)
		}
		for id, ch := range l.waiters {
			close(ch)
			delete(l.waiters, id)
		}
		l.entries.Clear()
		l.listeners = nil
		l.pending = nil
		l.mu.Unlock()

		close(l.stopChan)
		l.wg.Wait()
		l.logger.Debug("ledger stopped")
	})
}

// Size returns the number of stored entries, including ones whose TTL
// has passed but which have not been swept yet.
func (l *MemoryLedger) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries.Len()
}

// lookupLocked returns the stored entry without promoting it. An expired
// entry is removed and reported as absent.
func (l *MemoryLedger) lookupLocked(id string, events *[]approval.Event) *approval.Entry {
	entry, ok := l.entries.Peek(id)
	if !ok {
		return nil
	}
	if entry.Expired(l.now()) {
		l.expireLocked(entry, events)
		return nil
	}
	return entry
}

// liveLocked removes expired entries and returns the rest, most recent first.
func (l *MemoryLedger) liveLocked(events *[]approval.Event) []*approval.Entry {
	now := l.now()
	all := l.entries.Values()
	live := all[:0]
	for _, entry := range all {
		if entry.Expired(now) {
			l.expireLocked(entry, events)
			continue
		}
		live = append(live, entry)
	}
	return live
}

func (l *MemoryLedger) expireLocked(entry *approval.Entry, events *[]approval.Event) {
	if !l.entries.Delete(entry.ID) {
		return
	}
	l.releaseLocked(entry.ID)
	*events = append(*events, approval.Event{Type: approval.EventEntryExpired, Entry: entry.Clone()})
}

// releaseLocked drops the side resources of an entry that left the store.
func (l *MemoryLedger) releaseLocked(id string) {
	l.cancelTimerLocked(id)
	l.signalLocked(id)
}

func (l *MemoryLedger) signalLocked(id string) {
	if ch, ok := l.waiters[id]; ok {
		close(ch)
		delete(l.waiters, id)
	}
}

func (l *MemoryLedger) armTimerLocked(id string) {
	if l.cfg.AutoDenyTimeout <= 0 {
		return
	}
	l.token++
	token := l.token
	t := time.AfterFunc(l.cfg.AutoDenyTimeout, func() {
		l.onAutoDeny(id, token)
	})
	l.timers[id] = autoDenyTimer{timer: t, token: token}
}

func (l *MemoryLedger) cancelTimerLocked(id string) {
	if t, ok := l.timers[id]; ok {
		t.timer.Stop()
		delete(l.timers, id)
	}
}

// onAutoDeny runs on the timer goroutine. A token mismatch means the
// timer was cancelled or replaced after it fired.
func (l *MemoryLedger) onAutoDeny(id string, token uint64) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("auto-deny timer panicked", "id", id, "panic", r)
		}
	}()

	l.mu.Lock()
	t, ok := l.timers[id]
	if l.stopped || !ok || t.token != token {
		l.mu.Unlock()
		return
	}
	delete(l.timers, id)

	var events []approval.Event
	entry := l.decideLocked(id, approval.StateDenied, approval.DecisionByAutoDeny, true, &events)
	l.pending = append(l.pending, events...)
	l.mu.Unlock()

	if entry != nil && entry.DeniedByTimeout {
		l.logger.Info("approval request auto-denied", "id", id, "after", l.cfg.AutoDenyTimeout)
	}
	l.dispatch()
}

func (l *MemoryLedger) listenersLocked() []ledgerListener {
	if len(l.listeners) == 0 {
		return nil
	}
	out := make([]ledgerListener, len(l.listeners))
	copy(out, l.listeners)
	return out
}

// dispatch delivers queued events until the queue is empty. If another
// caller is already dispatching, it picks up the new events and this call
// returns at once, so a listener may call back into the ledger.
func (l *MemoryLedger) dispatch() {
	l.mu.Lock()
	if l.dispatching || len(l.pending) == 0 {
		l.mu.Unlock()
		return
	}
	l.dispatching = true
	for len(l.pending) > 0 {
		batch := l.pending
		l.pending = nil
		listeners := l.listenersLocked()
		l.mu.Unlock()

		l.publish(listeners, batch...)
		l.mu.Lock()
	}
	l.dispatching = false
	l.mu.Unlock()
}

// publish delivers events in order. A panicking listener is logged and
// skipped.
func (l *MemoryLedger) publish(listeners []ledgerListener, events ...approval.Event) {
	for _, ev := range events {
		for _, ln := range listeners {
			l.deliver(ln, ev)
		}
	}
}

func (l *MemoryLedger) deliver(ln ledgerListener, ev approval.Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("ledger listener panicked", "event", ev.Type, "panic", r)
		}
	}()
	ln.fn(approval.Event{Type: ev.Type, Entry: ev.Entry.Clone(), PreviousState: ev.PreviousState})
}

var _ approval.Ledger = (*MemoryLedger)(nil)
