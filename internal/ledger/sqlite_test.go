package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shubham1chawla/snapchat-memories-downloader/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "memories.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_StageRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	_, ok, err := store.GetStage(ctx, "1559398980000_image", StageDownload)
	require.NoError(t, err)
	assert.False(t, ok)

	rec := Record{
		UnitID:    "1559398980000_image",
		Stage:     StageDownload,
		Status:    StatusDone,
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, store.PutStage(ctx, rec))

	got, ok, err := store.GetStage(ctx, rec.UnitID, StageDownload)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusDone, got.Status)
	assert.Empty(t, got.Error)

	// Upsert flips the same row to failed.
	rec.Status = StatusFailed
	rec.Error = "disk full"
	require.NoError(t, store.PutStage(ctx, rec))

	got, ok, err = store.GetStage(ctx, rec.UnitID, StageDownload)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "disk full", got.Error)
}

func TestSQLiteStore_UnitRoundTrip(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	capturedAt := time.Date(2019, 6, 1, 14, 23, 0, 0, time.UTC)
	entry := Unit{
		ID:         "1559398980000_image",
		LocalPath:  "/out/1559398980000_image.jpg",
		CapturedAt: capturedAt,
		Coordinates: &manifest.Coordinates{
			Latitude:  37.7749,
			Longitude: -122.4194,
		},
	}
	member := Unit{
		ID:         "1559398980000_image_extracted_1",
		ParentID:   "1559398980000_image",
		LocalPath:  "/out/1559398980000_image_extracted_1.jpg",
		CapturedAt: capturedAt,
	}
	require.NoError(t, store.PutUnit(ctx, entry))
	require.NoError(t, store.PutUnit(ctx, member))

	got, ok, err := store.GetUnit(ctx, entry.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got.Coordinates)
	assert.InDelta(t, 37.7749, got.Coordinates.Latitude, 1e-9)
	assert.True(t, got.CapturedAt.Equal(capturedAt))
	assert.False(t, got.Member())

	units, err := store.ListUnits(ctx)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.True(t, units[1].Member())
	assert.Nil(t, units[1].Coordinates, "member without location must round-trip as nil coordinates")
}

func TestSQLiteStore_ReopenKeepsState(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "memories.db")

	store, err := NewSQLiteStore(path)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, store.PutStage(ctx, Record{
		UnitID:    "u1",
		Stage:     StageMetadata,
		Status:    StatusDone,
		UpdatedAt: time.Now().UTC(),
	}))
	require.NoError(t, store.Close())

	reopened, err := NewSQLiteStore(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, ok, err := reopened.GetStage(ctx, "u1", StageMetadata)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusDone, got.Status)
}

func TestSQLiteStore_RecordRun(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	run := Run{
		ID:         "run-1",
		StartedAt:  time.Now().UTC().Add(-time.Minute),
		FinishedAt: time.Now().UTC(),
		Downloaded: 3,
		Expanded:   1,
		Tagged:     5,
		Failed:     1,
	}
	require.NoError(t, store.RecordRun(ctx, run))
	// Second write with the same id updates in place.
	run.Failed = 0
	require.NoError(t, store.RecordRun(ctx, run))
}
