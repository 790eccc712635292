package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/kaelmora/relaygate/internal/config"
)

func newStoreForRequestTests(t *testing.T) *Store {
	t.Helper()
	cfg := config.DefaultDatabaseConfig()
	cfg.Path = filepath.Join(t.TempDir(), "requests_test.db")
	st, err := Open(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

func seedRequest(t *testing.T, st *Store, id string, ts time.Time) {
	t.Helper()
	require.NoError(t, st.Requests.CreateMeta(context.Background(), &Request{
		ID: id, Timestamp: ts, Method: "POST", Path: "/v1/messages", Success: true,
	}))
}

func TestRequestPayload_SaveAndGetRoundTrip(t *testing.T) {
	st := newStoreForRequestTests(t)
	ctx := context.Background()
	seedRequest(t, st, "req-1", time.Now())

	require.NoError(t, st.Requests.SavePayload(ctx, &RequestPayload{
		RequestID: "req-1", RequestJSON: `{"model":"claude-3-5-sonnet"}`, ResponseJSON: `{"type":"message"}`,
		CreatedAt: time.Now(),
	}))

	got, err := st.Requests.GetPayload(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, `{"model":"claude-3-5-sonnet"}`, got.RequestJSON)
	assert.Equal(t, `{"type":"message"}`, got.ResponseJSON)
}

func TestRequestPayload_CascadeDeletedWithParentRequest(t *testing.T) {
	st := newStoreForRequestTests(t)
	ctx := context.Background()
	seedRequest(t, st, "req-1", time.Now())
	require.NoError(t, st.Requests.SavePayload(ctx, &RequestPayload{
		RequestID: "req-1", RequestJSON: "{}", ResponseJSON: "{}", CreatedAt: time.Now(),
	}))

	require.NoError(t, st.DB().WithContext(ctx).Delete(&Request{}, "id = ?", "req-1").Error)

	_, err := st.Requests.GetPayload(ctx, "req-1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound, "payload must be gone once its parent request row is deleted")
}

func TestCleanupOldRequests_DeletesAgedPayloadsOnly(t *testing.T) {
	st := newStoreForRequestTests(t)
	ctx := context.Background()
	now := time.Now()
	seedRequest(t, st, "req-old", now.Add(-48*time.Hour))
	seedRequest(t, st, "req-new", now)

	require.NoError(t, st.Requests.SavePayload(ctx, &RequestPayload{RequestID: "req-old", CreatedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, st.Requests.SavePayload(ctx, &RequestPayload{RequestID: "req-new", CreatedAt: now}))

	res, err := st.CleanupOldRequests(ctx, (24 * time.Hour).Milliseconds(), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.RemovedPayloads)
	assert.Equal(t, int64(0), res.RemovedRequests, "requestAgeMs nil means request rows are untouched")

	_, err = st.Requests.GetPayload(ctx, "req-old")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, err = st.Requests.GetPayload(ctx, "req-new")
	assert.NoError(t, err)

	_, err = st.Requests.Get(ctx, "req-old")
	assert.NoError(t, err, "the request row itself survives when requestAgeMs is nil")
}

func TestCleanupOldRequests_DeletesAgedRequestRowsWhenRequestAgeMsSet(t *testing.T) {
	st := newStoreForRequestTests(t)
	ctx := context.Background()
	now := time.Now()
	seedRequest(t, st, "req-old", now.Add(-72*time.Hour))
	seedRequest(t, st, "req-new", now)

	requestAgeMs := (48 * time.Hour).Milliseconds()
	res, err := st.CleanupOldRequests(ctx, (24 * time.Hour).Milliseconds(), &requestAgeMs)
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.RemovedRequests)

	_, err = st.Requests.Get(ctx, "req-old")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, err = st.Requests.Get(ctx, "req-new")
	assert.NoError(t, err)
}

func TestCleanupOldRequests_SweepsOrphanedPayloadsRegardlessOfAge(t *testing.T) {
	st := newStoreForRequestTests(t)
	ctx := context.Background()
	now := time.Now()
	seedRequest(t, st, "req-1", now)
	require.NoError(t, st.Requests.SavePayload(ctx, &RequestPayload{RequestID: "req-1", CreatedAt: now}))

	// Delete the parent row directly via the raw handle, bypassing the
	// application-level cascade path, to simulate a payload left orphaned
	// by an out-of-band deletion.
	require.NoError(t, st.DB().WithContext(ctx).Exec("PRAGMA foreign_keys=OFF").Error)
	require.NoError(t, st.DB().WithContext(ctx).Exec("DELETE FROM requests WHERE id = ?", "req-1").Error)
	require.NoError(t, st.DB().WithContext(ctx).Exec("PRAGMA foreign_keys=ON").Error)

	res, err := st.CleanupOldRequests(ctx, (365 * 24 * time.Hour).Milliseconds(), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(1), res.RemovedPayloads, "orphaned payload removed even though it is far younger than payloadAgeMs")

	_, err = st.Requests.GetPayload(ctx, "req-1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestCleanupOldRequests_ReturnsZeroCountsWhenNothingIsStale(t *testing.T) {
	st := newStoreForRequestTests(t)
	ctx := context.Background()
	seedRequest(t, st, "req-1", time.Now())
	require.NoError(t, st.Requests.SavePayload(ctx, &RequestPayload{RequestID: "req-1", CreatedAt: time.Now()}))

	res, err := st.CleanupOldRequests(ctx, (24 * time.Hour).Milliseconds(), nil)
	require.NoError(t, err)

	assert.Equal(t, int64(0), res.RemovedPayloads)
	assert.Equal(t, int64(0), res.RemovedRequests)
}
