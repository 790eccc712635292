package strategy

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/kaelmora/relaygate/internal/config"
	"github.com/kaelmora/relaygate/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := config.DefaultDatabaseConfig()
	cfg.Path = filepath.Join(t.TempDir(), "strategy_test.db")
	st, err := store.Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

func seedAccounts(t *testing.T, st *store.Store, specs ...store.Account) []store.Account {
	t.Helper()
	ctx := context.Background()
	for i := range specs {
		if specs[i].Name == "" {
			specs[i].Name = specs[i].ID
		}
		if specs[i].Provider == "" {
			specs[i].Provider = "anthropic"
		}
		if specs[i].AuthType == "" {
			specs[i].AuthType = "oauth"
		}
		require.NoError(t, st.Accounts.Create(ctx, &specs[i]))
	}
	accounts, err := st.Accounts.ListAll(ctx)
	require.NoError(t, err)
	return accounts
}

func accountIDs(accounts []store.Account) []string {
	ids := make([]string, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
	}
	return ids
}

func TestSelect_ExcludesPausedAndRateLimited(t *testing.T) {
	st := newTestStore(t)
	future := time.Now().Add(time.Hour).UnixMilli()
	accounts := seedAccounts(t, st,
		store.Account{ID: "a"},
		store.Account{ID: "b", Paused: true},
		store.Account{ID: "c", RateLimitedUntil: &future},
	)

	e := New(st, time.Hour, zap.NewNop())
	out, err := e.Select(context.Background(), LeastRequests, accounts, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, accountIDs(out))
}

func TestSelect_LeastRequestsOrdersAscending(t *testing.T) {
	st := newTestStore(t)
	accounts := seedAccounts(t, st,
		store.Account{ID: "a", RequestCount: 10},
		store.Account{ID: "b", RequestCount: 2},
		store.Account{ID: "c", RequestCount: 5},
	)

	e := New(st, time.Hour, zap.NewNop())
	out, err := e.Select(context.Background(), LeastRequests, accounts, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "a"}, accountIDs(out))
}

func TestSelect_LeastRequestsTiebreaksByLastUsedAscending(t *testing.T) {
	st := newTestStore(t)
	older := time.Now().Add(-time.Hour)
	newer := time.Now().Add(-time.Minute)
	accounts := seedAccounts(t, st,
		store.Account{ID: "a", RequestCount: 5, LastUsed: &newer},
		store.Account{ID: "b", RequestCount: 5, LastUsed: &older},
		store.Account{ID: "c", RequestCount: 5},
	)

	e := New(st, time.Hour, zap.NewNop())
	out, err := e.Select(context.Background(), LeastRequests, accounts, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, accountIDs(out), "never-used sorts first, then least-recently-used")
}

func TestSelect_RoundRobinRotates(t *testing.T) {
	st := newTestStore(t)
	accounts := seedAccounts(t, st,
		store.Account{ID: "a"},
		store.Account{ID: "b"},
		store.Account{ID: "c"},
	)

	e := New(st, time.Hour, zap.NewNop())
	ctx := context.Background()
	first, err := e.Select(ctx, RoundRobin, accounts, RequestMeta{})
	require.NoError(t, err)
	second, err := e.Select(ctx, RoundRobin, accounts, RequestMeta{})
	require.NoError(t, err)

	assert.NotEqual(t, first[0].ID, second[0].ID)
	assert.ElementsMatch(t, accountIDs(first), accountIDs(second))
}

func TestSelect_SessionStickyUntilExpiry(t *testing.T) {
	st := newTestStore(t)
	accounts := seedAccounts(t, st,
		store.Account{ID: "a", Priority: 50, RequestCount: 20},
		store.Account{ID: "b", Priority: 10, RequestCount: 3},
	)

	e := New(st, time.Hour, zap.NewNop())
	ctx := context.Background()
	first, err := e.Select(ctx, Session, accounts, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "b", first[0].ID, "re-election picks least-requests, not highest priority")

	refreshed, err := st.Accounts.ListAll(ctx)
	require.NoError(t, err)
	second, err := e.Select(ctx, Session, refreshed, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "b", second[0].ID, "existing owner stays sticky")
}

func TestSelect_WeightedHigherPriorityMoreOftenFirst(t *testing.T) {
	st := newTestStore(t)
	accounts := seedAccounts(t, st,
		store.Account{ID: "high", Priority: 90},
		store.Account{ID: "low", Priority: 1},
	)

	e := New(st, time.Hour, zap.NewNop())
	highFirst := 0
	for i := 0; i < 200; i++ {
		out, err := e.Select(context.Background(), Weighted, accounts, RequestMeta{})
		require.NoError(t, err)
		require.Len(t, out, 2)
		if out[0].ID == "high" {
			highFirst++
		}
	}
	assert.Greater(t, highFirst, 150, "high-priority account should win the majority of draws")
}

func TestSelect_WeightedTiesBrokenByLeastRequests(t *testing.T) {
	st := newTestStore(t)
	accounts := seedAccounts(t, st,
		store.Account{ID: "busy", Priority: 50, RequestCount: 40},
		store.Account{ID: "idle", Priority: 50, RequestCount: 1},
	)

	e := New(st, time.Hour, zap.NewNop())
	for i := 0; i < 20; i++ {
		out, err := e.Select(context.Background(), Weighted, accounts, RequestMeta{})
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, "idle", out[0].ID, "equal-weight accounts break ties by least-requests, not randomly")
	}
}

// TestSelect_NeverDropsOrDuplicates is a property test over a
// randomized available-account set: regardless of strategy, Select
// must return every available account exactly once.
func TestSelect_NeverDropsOrDuplicates(t *testing.T) {
	st := newTestStore(t)
	e := New(st, time.Hour, zap.NewNop())
	strategies := []Name{LeastRequests, RoundRobin, Session, Weighted, WeightedRoundRobin}

	rapid.Check(t, func(tt *rapid.T) {
		n := rapid.IntRange(1, 6).Draw(tt, "n")
		base := rapid.StringMatching(`[a-z]{8}`).Draw(tt, "id_base")
		specs := make([]store.Account, n)
		for i := 0; i < n; i++ {
			specs[i] = store.Account{
				ID:           fmt.Sprintf("%s-%d", base, i),
				Priority:     rapid.IntRange(0, 100).Draw(tt, "priority"),
				RequestCount: int64(rapid.IntRange(0, 1000).Draw(tt, "requests")),
			}
		}
		strategyName := strategies[rapid.IntRange(0, len(strategies)-1).Draw(tt, "strategy")]

		accounts := seedAccounts(t, st, specs...)
		out, err := e.Select(context.Background(), strategyName, accounts, RequestMeta{})
		require.NoError(tt, err)
		assert.ElementsMatch(tt, accountIDs(accounts), accountIDs(out))

		for _, a := range accounts {
			require.NoError(t, st.Accounts.Delete(context.Background(), a.ID))
		}
	})
}
