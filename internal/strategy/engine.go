// Package strategy implements the Strategy Engine contract: given the
// full account set, produce an ordered candidate list the Dispatcher
// walks on failover. Selection logic is grounded on the
// teacher's llm/apikey_pool.go (round-robin/weighted-random/priority/
// least-used pool strategies), generalized from key-scoped to
// account-scoped and extended with sticky sessions.
package strategy

import (
	"context"
	"encoding/json"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kaelmora/relaygate/internal/metrics"
	"github.com/kaelmora/relaygate/internal/ratelimit"
	"github.com/kaelmora/relaygate/internal/store"
)

// Name identifies one of the five built-in strategies (closed set,
// mirrors store.ValidStrategyNames).
type Name string

const (
	LeastRequests     Name = "least-requests"
	RoundRobin        Name = "round-robin"
	Session           Name = "session"
	Weighted          Name = "weighted"
	WeightedRoundRobin Name = "weighted-round-robin"
)

// RequestMeta carries the per-request attributes a strategy may
// condition on. None of the current strategies reads Model; it is
// kept as a struct (rather than a bare string parameter) so
// future strategies can extend it without breaking the Select
// signature.
type RequestMeta struct {
	Model string
}

// Engine selects and orders candidate accounts. A single Engine is
// shared process-wide; all mutable state is guarded by mu.
type Engine struct {
	store           *store.Store
	logger          *zap.Logger
	sessionDuration time.Duration

	mu       sync.Mutex
	rng      *rand.Rand
	cursors  map[Name]int

	metrics *metrics.Collector
}

// SetMetrics attaches a Prometheus collector. Optional; nil is a no-op.
func (e *Engine) SetMetrics(m *metrics.Collector) {
	e.metrics = m
}

func New(st *store.Store, sessionDuration time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		store:           st,
		logger:          logger.With(zap.String("component", "strategy")),
		sessionDuration: sessionDuration,
		rng:             rand.New(rand.NewSource(time.Now().UnixNano())),
		cursors:         make(map[Name]int),
	}
}

// LoadCursors restores round-robin cursor positions persisted in
// strategy_configs, so a restart does not reset fairness to zero.
func (e *Engine) LoadCursors(ctx context.Context) error {
	for _, name := range []Name{RoundRobin, WeightedRoundRobin} {
		cfg, err := e.store.Strategies.Get(ctx, string(name))
		if err != nil {
			continue // no persisted cursor yet, start at 0
		}
		var state struct {
			Cursor int `json:"cursor"`
		}
		if err := json.Unmarshal([]byte(cfg.ConfigRaw), &state); err == nil {
			e.mu.Lock()
			e.cursors[name] = state.Cursor
			e.mu.Unlock()
		}
	}
	return nil
}

func (e *Engine) persistCursor(ctx context.Context, name Name, cursor int) {
	raw, _ := json.Marshal(struct {
		Cursor int `json:"cursor"`
	}{Cursor: cursor})
	if err := e.store.Strategies.Upsert(ctx, string(name), string(raw)); err != nil {
		e.logger.Debug("failed to persist strategy cursor", zap.String("strategy", string(name)), zap.Error(err))
	}
}

// Select filters accounts to those currently available and orders the
// survivors per the named strategy; the returned slice is the
// Dispatcher's failover order, index 0 attempted first.
func (e *Engine) Select(ctx context.Context, name Name, accounts []store.Account, meta RequestMeta) ([]store.Account, error) {
	if e.metrics != nil {
		e.metrics.RecordStrategySelection(string(name))
	}
	now := time.Now().UnixMilli()
	available := make([]store.Account, 0, len(accounts))
	for _, a := range accounts {
		if ratelimit.IsAccountAvailable(&a, now) {
			available = append(available, a)
		}
	}
	if len(available) == 0 {
		return nil, nil
	}

	stableOrder(available)

	switch name {
	case LeastRequests:
		return e.selectLeastRequests(available), nil
	case RoundRobin:
		return e.selectRoundRobin(ctx, available), nil
	case Session:
		return e.selectSession(ctx, available), nil
	case Weighted:
		return e.selectWeighted(available), nil
	case WeightedRoundRobin:
		return e.selectWeightedRoundRobin(ctx, available), nil
	default:
		return e.selectWeighted(available), nil
	}
}

// stableOrder gives every strategy a deterministic base ordering
// (account id ascending) before it rearranges, so equal-rank ties
// resolve the same way on every call (Open Question decision, see
// DESIGN.md).
func stableOrder(accounts []store.Account) {
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].ID < accounts[j].ID })
}

func (e *Engine) selectLeastRequests(accounts []store.Account) []store.Account {
	out := make([]store.Account, len(accounts))
	copy(out, accounts)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RequestCount != out[j].RequestCount {
			return out[i].RequestCount < out[j].RequestCount
		}
		return lastUsedOrZero(out[i]).Before(lastUsedOrZero(out[j]))
	})
	return out
}

func lastUsedOrZero(a store.Account) time.Time {
	if a.LastUsed == nil {
		return time.Time{}
	}
	return *a.LastUsed
}

func (e *Engine) selectRoundRobin(ctx context.Context, accounts []store.Account) []store.Account {
	e.mu.Lock()
	cursor := e.cursors[RoundRobin]
	e.cursors[RoundRobin] = (cursor + 1) % len(accounts)
	e.mu.Unlock()
	e.persistCursor(ctx, RoundRobin, cursor)

	out := make([]store.Account, 0, len(accounts))
	start := cursor % len(accounts)
	for i := range accounts {
		out = append(out, accounts[(start+i)%len(accounts)])
	}
	return out
}

// selectSession keeps one account as the sticky owner for
// sessionDuration, matching Account.SessionStart/SessionRequestCount
// bookkeeping. When no owner is active, re-election falls through to
// least-requests, same as the standalone strategy.
func (e *Engine) selectSession(ctx context.Context, accounts []store.Account) []store.Account {
	now := time.Now()
	for _, a := range accounts {
		if a.SessionStart != nil && now.Sub(*a.SessionStart) < e.sessionDuration {
			return withFirst(accounts, a.ID)
		}
	}

	byLeastRequests := e.selectLeastRequests(accounts)
	owner := byLeastRequests[0]
	if err := e.store.Accounts.StartSession(ctx, owner.ID, now); err != nil {
		e.logger.Warn("failed to persist new session owner", zap.String("account_id", owner.ID), zap.Error(err))
	}
	return withFirst(byLeastRequests, owner.ID)
}

func withFirst(accounts []store.Account, id string) []store.Account {
	out := make([]store.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.ID == id {
			out = append([]store.Account{a}, out...)
		}
	}
	for _, a := range accounts {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}

// selectWeighted draws a priority-weighted random permutation: a
// weighted-without-replacement sample, so a higher-priority account is
// more likely first but every account still appears as a fallback.
// Accounts that share an identical weight are ordered by least-requests
// before the draw, so a tie resolves deterministically rather than by
// account id.
func (e *Engine) selectWeighted(accounts []store.Account) []store.Account {
	pool := make([]store.Account, len(accounts))
	copy(pool, accounts)
	sort.SliceStable(pool, func(i, j int) bool {
		wi, wj := weightOf(pool[i]), weightOf(pool[j])
		if wi != wj {
			return wi > wj
		}
		return pool[i].RequestCount < pool[j].RequestCount
	})
	out := make([]store.Account, 0, len(pool))

	e.mu.Lock()
	defer e.mu.Unlock()

	for len(pool) > 0 {
		total := 0
		for _, a := range pool {
			total += weightOf(a)
		}
		if total == 0 {
			out = append(out, pool...)
			break
		}
		target := e.rng.Intn(total)
		cumulative := 0
		idx := 0
		for i, a := range pool {
			cumulative += weightOf(a)
			if cumulative > target {
				idx = i
				break
			}
		}
		for j := 0; j < idx; j++ {
			if weightOf(pool[j]) == weightOf(pool[idx]) {
				idx = j
				break
			}
		}
		out = append(out, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out
}

func weightOf(a store.Account) int {
	if a.Priority <= 0 {
		return 1
	}
	return a.Priority
}

// selectWeightedRoundRobin combines priority grouping with a
// persisted cursor: accounts are grouped by descending priority, and
// the cursor rotates the starting point within the top priority
// group, falling through to lower groups as fallbacks.
func (e *Engine) selectWeightedRoundRobin(ctx context.Context, accounts []store.Account) []store.Account {
	groups := make(map[int][]store.Account)
	var priorities []int
	for _, a := range accounts {
		if _, ok := groups[a.Priority]; !ok {
			priorities = append(priorities, a.Priority)
		}
		groups[a.Priority] = append(groups[a.Priority], a)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(priorities)))

	e.mu.Lock()
	cursor := e.cursors[WeightedRoundRobin]
	topSize := len(groups[priorities[0]])
	e.cursors[WeightedRoundRobin] = (cursor + 1) % topSize
	e.mu.Unlock()
	e.persistCursor(ctx, WeightedRoundRobin, cursor)

	out := make([]store.Account, 0, len(accounts))
	for gi, p := range priorities {
		group := groups[p]
		if gi == 0 {
			start := cursor % len(group)
			for i := range group {
				out = append(out, group[(start+i)%len(group)])
			}
		} else {
			out = append(out, group...)
		}
	}
	return out
}
