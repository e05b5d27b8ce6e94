package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/defliez/temperature-chamber/internal/config"
	"github.com/defliez/temperature-chamber/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "nested", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func sampleRun(started time.Time) *types.RunRecord {
	return &types.RunRecord{
		ID:          uuid.New(),
		Suite:       "bench",
		Status:      types.RunComplete,
		Override:    true,
		StartedAt:   started,
		FinishedAt:  started.Add(45 * time.Minute),
		EstimatedMS: 2_700_000,
		ActualMS:    2_712_000,
		Results: []types.TestResult{
			{Index: 0, Name: "warm", Verdict: types.VerdictPass, Matches: 3},
			{Index: 1, Name: "hot", Verdict: types.VerdictFail, Reason: "no output"},
		},
	}
}

func TestSQLiteStore_SaveAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := sampleRun(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, store.SaveRun(ctx, run))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, run.ID, got.ID)
	assert.Equal(t, "bench", got.Suite)
	assert.Equal(t, types.RunComplete, got.Status)
	assert.True(t, got.Override)
	assert.True(t, run.StartedAt.Equal(got.StartedAt))
	assert.True(t, run.FinishedAt.Equal(got.FinishedAt))
	assert.Equal(t, int64(2_700_000), got.EstimatedMS)
	assert.Equal(t, run.Results, got.Results)
}

func TestSQLiteStore_SaveUpdatesExisting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	run := sampleRun(time.Now())
	require.NoError(t, store.SaveRun(ctx, run))

	run.Status = types.RunInterrupted
	run.Reason = "interrupted by operator"
	require.NoError(t, store.SaveRun(ctx, run))

	got, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, types.RunInterrupted, got.Status)
	assert.Equal(t, "interrupted by operator", got.Reason)

	runs, err := store.ListRuns(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestSQLiteStore_GetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetRun(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestSQLiteStore_ListNewestFirst(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var ids []uuid.UUID
	for i, offset := range []time.Duration{0, 500 * time.Millisecond, time.Second, 2 * time.Hour} {
		run := sampleRun(base.Add(offset))
		run.Suite = []string{"a", "b", "c", "d"}[i]
		ids = append(ids, run.ID)
		require.NoError(t, store.SaveRun(ctx, run))
	}

	runs, err := store.ListRuns(ctx, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"d", "c", "b"}, []string{runs[0].Suite, runs[1].Suite, runs[2].Suite})
	assert.Equal(t, ids[3], runs[0].ID)

	all, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)
}

func TestOpen_SQLiteDefault(t *testing.T) {
	cfg := config.StorageConfig{SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "h.db")}}

	store, err := Open(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer store.Close()

	runs, err := store.ListRuns(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Driver: "mysql"}, zaptest.NewLogger(t))
	assert.Error(t, err)
}

var (
	_ RunStore = (*SQLiteStore)(nil)
	_ RunStore = (*PostgresClient)(nil)
)
