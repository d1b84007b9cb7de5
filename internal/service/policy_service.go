// Package service contains application services.
package service

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"

	"github.com/Sentinel-Gate/approvalgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/approvalgate/internal/domain/policy"
)

// DefaultCacheSize is the default number of cached resolutions.
const DefaultCacheSize = 1000

// ResultCache is a bounded, synchronized LRU of resolutions keyed by a
// hash of the tool call and snapshot generation.
type ResultCache struct {
	mu  sync.Mutex
	lru *memory.LRU[uint64, policy.Resolution]
}

// NewResultCache creates a cache holding up to maxSize resolutions.
func NewResultCache(maxSize int) (*ResultCache, error) {
	lru, err := memory.NewLRU[uint64, policy.Resolution](maxSize)
	if err != nil {
		return nil, err
	}
	return &ResultCache{lru: lru}, nil
}

// Get returns a cached resolution and promotes it.
func (c *ResultCache) Get(key uint64) (policy.Resolution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Get(key)
}

// Put stores a resolution, evicting the least recently used one at capacity.
func (c *ResultCache) Put(key uint64, res policy.Resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Set(key, res)
}

// Clear empties the cache. Called on reload.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Clear()
}

// Size returns the current number of cached resolutions.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// computeCacheKey hashes the fields a resolution depends on. ok is false
// when the input cannot be serialized deterministically.
func computeCacheKey(generation uint64, call policy.ToolCall) (key uint64, ok bool) {
	h := xxhash.New()
	_, _ = fmt.Fprintf(h, "%d", generation)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(call.ToolName)
	_, _ = h.Write([]byte{0})
	_, _ = h.WriteString(call.AgentIdentity)
	_, _ = h.Write([]byte{0})

	if len(call.Input) > 0 {
		// encoding/json sorts map keys, so the encoding is canonical.
		raw, err := json.Marshal(call.Input)
		if err != nil {
			return 0, false
		}
		_, _ = h.Write(raw)
	}
	return h.Sum64(), true
}

// activePolicy pairs a compiled resolver with its generation number.
type activePolicy struct {
	resolver   *policy.Resolver
	generation uint64
}

// PolicyService resolves tool calls against the current configuration
// snapshot. The snapshot is swapped atomically by Reload; readers load it
// once per call and never see a partially applied configuration.
type PolicyService struct {
	exprs     policy.ExpressionCompiler
	active    atomic.Pointer[activePolicy]
	mu        sync.Mutex // serializes Reload and listener registration
	listeners []func(*policy.Snapshot)
	cache     *ResultCache
	cacheSize int
	logger    *slog.Logger
}

// PolicyServiceOption configures PolicyService.
type PolicyServiceOption func(*PolicyService)

// WithCacheSize sets the maximum number of cached resolutions. Zero
// disables caching.
func WithCacheSize(size int) PolicyServiceOption {
	return func(s *PolicyService) {
		s.cacheSize = size
	}
}

// NewPolicyService compiles the initial snapshot. exprs compiles rule
// expressions and may be nil.
func NewPolicyService(snapshot *policy.Snapshot, exprs policy.ExpressionCompiler, logger *slog.Logger, opts ...PolicyServiceOption) (*PolicyService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PolicyService{
		exprs:     exprs,
		cacheSize: DefaultCacheSize,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cacheSize > 0 {
		cache, err := NewResultCache(s.cacheSize)
		if err != nil {
			return nil, err
		}
		s.cache = cache
	}

	resolver, err := policy.NewResolver(snapshot, exprs)
	if err != nil {
		return nil, fmt.Errorf("failed to compile approval rules: %w", err)
	}
	s.active.Store(&activePolicy{resolver: resolver, generation: 1})
	s.logWarnings(resolver)

	snap := resolver.Snapshot()
	logger.Info("policy service initialized",
		"rules", len(snap.Rules),
		"enabled", snap.Enabled,
		"default_action", snap.DefaultAction,
		"cache_max_size", s.cacheSize,
	)
	return s, nil
}

// Reload validates and compiles snapshot, then makes it current. On error
// the previous configuration stays active.
func (s *PolicyService) Reload(snapshot *policy.Snapshot) error {
	resolver, err := policy.NewResolver(snapshot, s.exprs)
	if err != nil {
		s.logger.Warn("rejected approvals configuration", "error", err)
		return err
	}

	s.mu.Lock()
	prev := s.active.Load()
	s.active.Store(&activePolicy{resolver: resolver, generation: prev.generation + 1})
	listeners := append([]func(*policy.Snapshot){}, s.listeners...)
	s.mu.Unlock()

	if s.cache != nil {
		s.cache.Clear()
	}
	s.logWarnings(resolver)

	snap := resolver.Snapshot()
	s.logger.Info("approvals configuration reloaded", "rules", len(snap.Rules), "enabled", snap.Enabled)
	for _, fn := range listeners {
		fn(resolver.Snapshot())
	}
	return nil
}

func (s *PolicyService) logWarnings(r *policy.Resolver) {
	for _, w := range r.Warnings() {
		s.logger.Warn("approval rule will never match", "detail", w)
	}
}

// OnChange registers fn to run after every successful Reload.
func (s *PolicyService) OnChange(fn func(*policy.Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Snapshot returns a copy of the current configuration.
func (s *PolicyService) Snapshot() *policy.Snapshot {
	return s.active.Load().resolver.Snapshot()
}

// Resolver returns the current compiled resolver.
func (s *PolicyService) Resolver() *policy.Resolver {
	return s.active.Load().resolver
}

// Validate checks snapshot without installing it.
func (s *PolicyService) Validate(snapshot *policy.Snapshot) policy.ValidationResult {
	return policy.Validate(snapshot, s.exprs)
}

// MatchRules returns the first matching enabled rule for call.
func (s *PolicyService) MatchRules(call policy.ToolCall) policy.MatchResult {
	return s.active.Load().resolver.MatchRules(call)
}

// GetActionForToolCall resolves call against the current configuration.
func (s *PolicyService) GetActionForToolCall(call policy.ToolCall) policy.Resolution {
	active := s.active.Load()
	if s.cache == nil {
		return active.resolver.Resolve(call)
	}

	key, ok := computeCacheKey(active.generation, call)
	if !ok {
		return active.resolver.Resolve(call)
	}
	if res, hit := s.cache.Get(key); hit {
		return copyResolution(res)
	}
	res := active.resolver.Resolve(call)
	s.cache.Put(key, res)
	return copyResolution(res)
}

// copyResolution deep-copies the rule so callers cannot reach the cached value.
func copyResolution(res policy.Resolution) policy.Resolution {
	if res.Rule != nil {
		rule := res.Rule.Clone()
		res.Rule = &rule
	}
	return res
}
