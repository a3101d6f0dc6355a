package pipeline

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shubham1chawla/snapchat-memories-downloader/internal/ledger"
	"github.com/shubham1chawla/snapchat-memories-downloader/internal/manifest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, path string, members map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, data := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func bundleUnit(outDir string) ledger.Unit {
	return ledger.Unit{
		ID:         "1559398980000_zip",
		LocalPath:  filepath.Join(outDir, "1559398980000_zip.zip"),
		CapturedAt: time.Date(2019, 6, 1, 14, 23, 0, 0, time.UTC),
		Coordinates: &manifest.Coordinates{
			Latitude:  37.7749,
			Longitude: -122.4194,
		},
	}
}

func TestExpander_BundleFansOut(t *testing.T) {
	t.Parallel()

	outDir := t.TempDir()
	unit := bundleUnit(outDir)
	writeZip(t, unit.LocalPath, map[string][]byte{
		"media~1.jpg":       jpegBytes,
		"media~2.jpg":       jpegBytes,
		"media~3.mp4":       {0x00, 0x00, 0x00, 0x18},
		"__MACOSX/._m1.jpg": {0x00},
		".DS_Store":         {0x00},
	})

	store := ledger.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.PutUnit(ctx, unit))

	x := NewExpander(store, outDir)
	result, err := x.Expand(ctx, unit)
	require.NoError(t, err)
	assert.True(t, result.Bundle)
	assert.False(t, result.Failed)
	require.Len(t, result.Members, 3, "system files must be skipped")

	for _, member := range result.Members {
		assert.Equal(t, unit.ID, member.ParentID)
		assert.True(t, member.CapturedAt.Equal(unit.CapturedAt))
		require.NotNil(t, member.Coordinates)
		assert.InDelta(t, 37.7749, member.Coordinates.Latitude, 1e-9)
		assert.FileExists(t, member.LocalPath)
	}

	// Archive and scratch directory are gone.
	assert.NoFileExists(t, unit.LocalPath)
	assert.NoDirExists(t, filepath.Join(outDir, "temp_"+unit.ID))

	rec, ok, err := store.GetStage(ctx, unit.ID, ledger.StageExpand)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.StatusDone, rec.Status)

	// Parent is flagged so the metadata pass skips it.
	parent, ok, err := store.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, parent.Bundle)
}

func TestExpander_MemberNamesEncodeParentID(t *testing.T) {
	t.Parallel()

	outDir := t.TempDir()
	unit := bundleUnit(outDir)
	writeZip(t, unit.LocalPath, map[string][]byte{"a.jpg": jpegBytes})

	store := ledger.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.PutUnit(ctx, unit))

	result, err := NewExpander(store, outDir).Expand(ctx, unit)
	require.NoError(t, err)
	require.Len(t, result.Members, 1)
	assert.Equal(t, "1559398980000_zip_extracted_1", result.Members[0].ID)
	assert.Equal(t, filepath.Join(outDir, "1559398980000_zip_extracted_1.jpg"), result.Members[0].LocalPath)
}

func TestExpander_PlainFileIsNotABundle(t *testing.T) {
	t.Parallel()

	outDir := t.TempDir()
	path := filepath.Join(outDir, "1559398980000_image.jpg")
	require.NoError(t, os.WriteFile(path, jpegBytes, 0o644))

	unit := ledger.Unit{
		ID:         "1559398980000_image",
		LocalPath:  path,
		CapturedAt: time.Date(2019, 6, 1, 14, 23, 0, 0, time.UTC),
	}
	store := ledger.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.PutUnit(ctx, unit))

	result, err := NewExpander(store, outDir).Expand(ctx, unit)
	require.NoError(t, err)
	assert.False(t, result.Bundle)
	assert.Empty(t, result.Members)
	assert.FileExists(t, path, "plain files stay in place")

	rec, ok, err := store.GetStage(ctx, unit.ID, ledger.StageExpand)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.StatusDone, rec.Status)
}

func TestExpander_ZipByContentNotExtension(t *testing.T) {
	t.Parallel()

	// Export servers sometimes hand back archives without a .zip name.
	outDir := t.TempDir()
	unit := bundleUnit(outDir)
	unit.LocalPath = filepath.Join(outDir, "1559398980000_zip.dat")
	writeZip(t, unit.LocalPath, map[string][]byte{"a.jpg": jpegBytes})

	store := ledger.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.PutUnit(ctx, unit))

	result, err := NewExpander(store, outDir).Expand(ctx, unit)
	require.NoError(t, err)
	assert.True(t, result.Bundle)
	require.Len(t, result.Members, 1)
}

func TestExpander_CorruptArchive(t *testing.T) {
	t.Parallel()

	outDir := t.TempDir()
	unit := bundleUnit(outDir)
	// Looks like a zip to the sniffer but is unreadable.
	corrupt := append([]byte("PK\x03\x04"), []byte("garbage body with no central directory")...)
	require.NoError(t, os.WriteFile(unit.LocalPath, corrupt, 0o644))

	store := ledger.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.PutUnit(ctx, unit))

	result, err := NewExpander(store, outDir).Expand(ctx, unit)
	require.NoError(t, err, "a corrupt archive must not abort the run")
	assert.True(t, result.Failed)
	assert.NotEmpty(t, result.Reason)

	rec, ok, err := store.GetStage(ctx, unit.ID, ledger.StageExpand)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.StatusFailed, rec.Status)

	assert.NoDirExists(t, filepath.Join(outDir, "temp_"+unit.ID))
}

func TestExpander_ResumeSkipsCompleted(t *testing.T) {
	t.Parallel()

	outDir := t.TempDir()
	unit := bundleUnit(outDir)
	unit.Bundle = true

	store := ledger.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.PutUnit(ctx, unit))
	require.NoError(t, store.PutStage(ctx, ledger.Record{
		UnitID:    unit.ID,
		Stage:     ledger.StageExpand,
		Status:    ledger.StatusDone,
		UpdatedAt: time.Now(),
	}))

	// No archive on disk anymore; a resumed expand must not need one.
	result, err := NewExpander(store, outDir).Expand(ctx, unit)
	require.NoError(t, err)
	assert.True(t, result.Resumed)
	assert.Empty(t, result.Members)
}

func TestExpander_MissingArchiveWithRecordedMembersCompletes(t *testing.T) {
	t.Parallel()

	// A run killed after deleting the archive but before the expand stage was
	// recorded as done leaves its members in the ledger and on disk. The next
	// run must finish the bookkeeping instead of failing the bundle, or the
	// members would never reach the metadata pass.
	outDir := t.TempDir()
	unit := bundleUnit(outDir)

	store := ledger.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.PutUnit(ctx, unit))

	for i := 1; i <= 2; i++ {
		path := filepath.Join(outDir, fmt.Sprintf("%s_extracted_%d.jpg", unit.ID, i))
		require.NoError(t, os.WriteFile(path, jpegBytes, 0o644))
		require.NoError(t, store.PutUnit(ctx, ledger.Unit{
			ID:         fmt.Sprintf("%s_extracted_%d", unit.ID, i),
			ParentID:   unit.ID,
			LocalPath:  path,
			CapturedAt: unit.CapturedAt,
		}))
	}

	result, err := NewExpander(store, outDir).Expand(ctx, unit)
	require.NoError(t, err)
	assert.True(t, result.Bundle)
	assert.False(t, result.Failed)
	require.Len(t, result.Members, 2)

	rec, ok, err := store.GetStage(ctx, unit.ID, ledger.StageExpand)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.StatusDone, rec.Status)

	parent, ok, err := store.GetUnit(ctx, unit.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, parent.Bundle)
}

func TestExpander_MissingArchiveWithoutMembersFails(t *testing.T) {
	t.Parallel()

	// Nothing extracted and nothing on disk: this is a real loss, recorded as
	// a failure without aborting the run.
	outDir := t.TempDir()
	unit := bundleUnit(outDir)

	store := ledger.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.PutUnit(ctx, unit))

	result, err := NewExpander(store, outDir).Expand(ctx, unit)
	require.NoError(t, err)
	assert.True(t, result.Failed)
	assert.NotEmpty(t, result.Reason)

	rec, ok, err := store.GetStage(ctx, unit.ID, ledger.StageExpand)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ledger.StatusFailed, rec.Status)
}

func TestExpander_ResumeSweepsLeftoverArchive(t *testing.T) {
	t.Parallel()

	// The archive is deleted only after the expand stage is recorded as done,
	// so an abort in between leaves it behind. The resumed pass removes it.
	outDir := t.TempDir()
	unit := bundleUnit(outDir)
	unit.Bundle = true
	writeZip(t, unit.LocalPath, map[string][]byte{"a.jpg": jpegBytes})

	store := ledger.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.PutUnit(ctx, unit))
	require.NoError(t, store.PutStage(ctx, ledger.Record{
		UnitID:    unit.ID,
		Stage:     ledger.StageExpand,
		Status:    ledger.StatusDone,
		UpdatedAt: time.Now(),
	}))

	result, err := NewExpander(store, outDir).Expand(ctx, unit)
	require.NoError(t, err)
	assert.True(t, result.Resumed)
	assert.NoFileExists(t, unit.LocalPath)
}
