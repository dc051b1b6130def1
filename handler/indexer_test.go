package handler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIndexer(t *testing.T, cachePath, algorithm string) *Indexer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CachePath = cachePath
	cfg.HashAlgorithm = algorithm
	cfg.Workers = 2
	cfg.LogFormat = "json"
	ix, err := NewIndexer(cfg)
	require.NoError(t, err)
	return ix
}

// indexTree writes a small tree with one duplicate pair
func indexTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), []byte("same"))
	writeFile(t, filepath.Join(root, "sub", "b.txt"), []byte("same"))
	writeFile(t, filepath.Join(root, "sub", "c.bin"), []byte("other content"))
	return root
}

func TestIndexer_IndexWithoutHash(t *testing.T) {
	root := indexTree(t)
	cachePath := filepath.Join(t.TempDir(), "cache.json")
	ix := newTestIndexer(t, cachePath, "md5")

	result, err := ix.Index(context.Background(), ScanRequest{TargetPath: root})
	require.NoError(t, err)

	assert.Equal(t, 3, result.FilesScanned)
	assert.Equal(t, 2, result.DirsScanned)
	assert.Equal(t, int64(4+4+13), result.BytesScanned)
	assert.Equal(t, 1, result.Roots)
	assert.Equal(t, 0, result.HashesComputed)
	assert.Nil(t, result.Duplicates)

	doc, ok := NewCacheStore(cachePath).Load()
	require.True(t, ok)
	assert.False(t, doc.HashComputed)
	assert.Equal(t, "md5", doc.HashAlgorithm)
	assert.Equal(t, []string{root}, doc.ScannedPaths)
	for _, ref := range doc.Forest.CollectFiles() {
		assert.False(t, ref.Record.HasHash(), ref.Record.FullPath)
	}
}

func TestIndexer_IndexWithHashFindsDuplicates(t *testing.T) {
	root := indexTree(t)
	ix := newTestIndexer(t, filepath.Join(t.TempDir(), "cache.json"), "md5")

	result, err := ix.Index(context.Background(), ScanRequest{TargetPath: root, ComputeHash: true})
	require.NoError(t, err)

	assert.Equal(t, 3, result.HashesComputed)
	assert.Equal(t, 1, result.DuplicateGroups)
	assert.Equal(t, 1, result.DuplicateCount)
	assert.Equal(t, int64(4), result.WastedBytes)
	require.NotNil(t, result.Duplicates)
	require.Len(t, result.Duplicates.Groups, 1)
	assert.Len(t, result.Duplicates.Groups[0].Members, 2)

	doc, ok := ix.store.Load()
	require.True(t, ok)
	assert.True(t, doc.HashComputed)
}

func TestIndexer_HashReuseAcrossRuns(t *testing.T) {
	root := indexTree(t)
	ix := newTestIndexer(t, filepath.Join(t.TempDir(), "cache.json"), "md5")
	spy := newSpyHasher(ix.hasher)
	ix.hasher = spy
	ctx := context.Background()

	_, err := ix.Index(ctx, ScanRequest{TargetPath: root, ComputeHash: true})
	require.NoError(t, err)
	require.Equal(t, 3, spy.total())

	// unchanged tree: everything comes from the cache
	result, err := ix.Index(ctx, ScanRequest{TargetPath: root, ComputeHash: true})
	require.NoError(t, err)
	assert.Equal(t, 3, spy.total())
	assert.Equal(t, 0, result.HashesComputed)
	assert.Equal(t, 3, result.HashesReused)
	assert.Equal(t, 1, result.DuplicateGroups)

	// a changed size invalidates that file only
	writeFile(t, filepath.Join(root, "sub", "c.bin"), []byte("longer other content"))
	result, err = ix.Index(ctx, ScanRequest{TargetPath: root, ComputeHash: true})
	require.NoError(t, err)
	assert.Equal(t, 4, spy.total())
	assert.Equal(t, 1, result.HashesComputed)
	assert.Equal(t, 2, result.HashesReused)
}

func TestIndexer_DeletionMarking(t *testing.T) {
	root := indexTree(t)
	ix := newTestIndexer(t, filepath.Join(t.TempDir(), "cache.json"), "md5")
	ctx := context.Background()

	_, err := ix.Index(ctx, ScanRequest{TargetPath: root})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "a.txt")))
	result, err := ix.Index(ctx, ScanRequest{TargetPath: root})
	require.NoError(t, err)
	assert.Equal(t, 1, result.MarkedRemoved)

	doc, ok := ix.store.Load()
	require.True(t, ok)
	var removed []string
	for _, ref := range doc.Forest.CollectFiles() {
		if ref.Record.Removed {
			removed = append(removed, ref.Record.FileName())
		}
	}
	assert.Equal(t, []string{"a.txt"}, removed)
}

func TestIndexer_NestedScansKeepOneRoot(t *testing.T) {
	root := indexTree(t)
	ix := newTestIndexer(t, filepath.Join(t.TempDir(), "cache.json"), "md5")
	ctx := context.Background()

	_, err := ix.Index(ctx, ScanRequest{TargetPath: filepath.Join(root, "sub")})
	require.NoError(t, err)

	result, err := ix.Index(ctx, ScanRequest{TargetPath: root})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Roots)

	result, err = ix.Index(ctx, ScanRequest{TargetPath: filepath.Join(root, "sub")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Roots)

	doc, ok := ix.store.Load()
	require.True(t, ok)
	assert.Equal(t, []string{root}, doc.ScannedPaths)
	assert.Len(t, doc.Forest.CollectFiles(), 3)
}

func TestIndexer_CaseVariantSiblings(t *testing.T) {
	root := caseVariantTree(t)
	ix := newTestIndexer(t, filepath.Join(t.TempDir(), "cache.json"), "md5")
	ctx := context.Background()

	result, err := ix.Index(ctx, ScanRequest{TargetPath: root, ComputeHash: true})
	require.NoError(t, err)
	assert.Equal(t, 2, result.HashesComputed)
	assert.Equal(t, 0, result.DuplicateGroups)

	result, err = ix.Index(ctx, ScanRequest{TargetPath: root, ComputeHash: true})
	require.NoError(t, err)
	assert.Equal(t, 0, result.HashesComputed)
	assert.Equal(t, 2, result.HashesReused)

	doc, err := ix.Open(ctx, "")
	require.NoError(t, err)
	upper := doc.Forest.FindByPath(filepath.Join(root, "Docs"))
	lower := doc.Forest.FindByPath(filepath.Join(root, "docs"))
	require.NotNil(t, upper)
	require.NotNil(t, lower)
	assert.NotSame(t, upper, lower)
	require.Len(t, upper.Files, 1)
	require.Len(t, lower.Files, 1)
	assert.NotEqual(t, upper.Files[0].ContentHash, lower.Files[0].ContentHash)
}

func TestIndexer_InvalidTarget(t *testing.T) {
	tmpDir := t.TempDir()
	file := filepath.Join(tmpDir, "file.txt")
	writeFile(t, file, []byte("x"))
	ix := newTestIndexer(t, filepath.Join(tmpDir, "cache.json"), "md5")

	tests := []struct {
		name    string
		path    string
		wantErr error
	}{
		{"missing", filepath.Join(tmpDir, "missing"), ErrPathNotFound},
		{"not a directory", file, ErrNotDirectory},
		{"empty", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ix.Index(context.Background(), ScanRequest{TargetPath: tt.path})
			require.Error(t, err)

			var ie *IndexError
			require.True(t, errors.As(err, &ie))
			assert.Equal(t, ErrTypeValidation, ie.Type)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}

	_, err := os.Stat(filepath.Join(tmpDir, "cache.json"))
	assert.True(t, os.IsNotExist(err), "nothing should be saved")
}

func TestIndexer_AlgorithmChangeDropsHashes(t *testing.T) {
	root := indexTree(t)
	cachePath := filepath.Join(t.TempDir(), "cache.json")
	ctx := context.Background()

	_, err := newTestIndexer(t, cachePath, "md5").Index(ctx, ScanRequest{TargetPath: root, ComputeHash: true})
	require.NoError(t, err)

	ix := newTestIndexer(t, cachePath, "sha256")
	doc, ok := ix.load()
	require.True(t, ok)
	assert.Equal(t, "sha256", doc.HashAlgorithm)
	assert.False(t, doc.HashComputed)
	for _, ref := range doc.Forest.CollectFiles() {
		assert.False(t, ref.Record.HasHash(), ref.Record.FullPath)
	}

	result, err := ix.Index(ctx, ScanRequest{TargetPath: root, ComputeHash: true})
	require.NoError(t, err)
	assert.Equal(t, 3, result.HashesComputed)
	assert.Equal(t, 0, result.HashesReused)

	doc, ok = ix.store.Load()
	require.True(t, ok)
	for _, ref := range doc.Forest.CollectFiles() {
		assert.Len(t, ref.Record.ContentHash, 64, ref.Record.FullPath)
	}
}

func TestIndexer_Open(t *testing.T) {
	root := indexTree(t)
	ctx := context.Background()

	t.Run("no index and no path", func(t *testing.T) {
		ix := newTestIndexer(t, filepath.Join(t.TempDir(), "cache.json"), "md5")
		_, err := ix.Open(ctx, "")
		var ie *IndexError
		require.True(t, errors.As(err, &ie))
		assert.Equal(t, ErrTypeCache, ie.Type)
	})

	t.Run("no index indexes path", func(t *testing.T) {
		ix := newTestIndexer(t, filepath.Join(t.TempDir(), "cache.json"), "md5")
		doc, err := ix.Open(ctx, root)
		require.NoError(t, err)
		assert.Equal(t, []string{root}, doc.Forest.RootPaths())
	})

	t.Run("unindexed path is added", func(t *testing.T) {
		ix := newTestIndexer(t, filepath.Join(t.TempDir(), "cache.json"), "md5")
		other := t.TempDir()
		writeFile(t, filepath.Join(other, "d.txt"), []byte("d"))

		_, err := ix.Index(ctx, ScanRequest{TargetPath: root})
		require.NoError(t, err)
		doc, err := ix.Open(ctx, other)
		require.NoError(t, err)
		assert.Len(t, doc.Forest.Children, 2)
	})

	t.Run("refresh policy", func(t *testing.T) {
		ix := newTestIndexer(t, filepath.Join(t.TempDir(), "cache.json"), "md5")
		t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		ix.now = func() time.Time { return t0 }
		_, err := ix.Index(ctx, ScanRequest{TargetPath: root})
		require.NoError(t, err)

		ix.cfg.RefreshOlderThan = time.Hour

		ix.now = func() time.Time { return t0.Add(30 * time.Minute) }
		doc, err := ix.Open(ctx, root)
		require.NoError(t, err)
		assert.True(t, doc.Timestamp.Equal(t0), "fresh index is reused")

		ix.now = func() time.Time { return t0.Add(2 * time.Hour) }
		doc, err = ix.Open(ctx, root)
		require.NoError(t, err)
		assert.True(t, doc.Timestamp.Equal(t0.Add(2*time.Hour)), "stale index is rebuilt")

		ix.cfg.RefreshOlderThan = 0
		ix.now = func() time.Time { return t0.Add(48 * time.Hour) }
		doc, err = ix.Open(ctx, root)
		require.NoError(t, err)
		assert.True(t, doc.Timestamp.Equal(t0.Add(2*time.Hour)), "refresh disabled")
	})
}

func TestIndexer_DuplicatesPersistsHashes(t *testing.T) {
	root := indexTree(t)
	ix := newTestIndexer(t, filepath.Join(t.TempDir(), "cache.json"), "md5")
	ctx := context.Background()

	_, err := ix.Index(ctx, ScanRequest{TargetPath: root})
	require.NoError(t, err)

	doc, err := ix.Open(ctx, "")
	require.NoError(t, err)
	report, err := ix.Duplicates(ctx, doc)
	require.NoError(t, err)
	assert.Len(t, report.Groups, 1)
	// c.bin has a unique size and is never hashed
	assert.Equal(t, 2, report.HashesComputed)

	saved, ok := ix.store.Load()
	require.True(t, ok)
	assert.True(t, saved.HashComputed)
	hashed := 0
	for _, ref := range saved.Forest.CollectFiles() {
		if ref.Record.HasHash() {
			hashed++
		}
	}
	assert.Equal(t, 2, hashed)
}

func TestIndexer_SearchSavesOnDemandHashes(t *testing.T) {
	root := indexTree(t)
	ix := newTestIndexer(t, filepath.Join(t.TempDir(), "cache.json"), "md5")
	ctx := context.Background()

	_, err := ix.Index(ctx, ScanRequest{TargetPath: root})
	require.NoError(t, err)
	doc, err := ix.Open(ctx, "")
	require.NoError(t, err)

	hits, err := ix.Search(doc, nil, Query{Extension: "bin"}, false)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "c.bin", hits[0].Record.FileName())

	// a hash query hashes every live record
	_, err = ix.Search(doc, nil, Query{Hash: "0"}, false)
	require.NoError(t, err)
	saved, ok := ix.store.Load()
	require.True(t, ok)
	for _, ref := range saved.Forest.CollectFiles() {
		assert.True(t, ref.Record.HasHash(), ref.Record.FullPath)
	}
}

func TestIndexer_Reset(t *testing.T) {
	root := indexTree(t)
	cachePath := filepath.Join(t.TempDir(), "cache.json")
	ix := newTestIndexer(t, cachePath, "md5")

	_, err := ix.Index(context.Background(), ScanRequest{TargetPath: root})
	require.NoError(t, err)
	require.FileExists(t, cachePath)

	require.NoError(t, ix.Reset())
	assert.NoFileExists(t, cachePath)
}

func TestNewIndexer_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HashAlgorithm = "crc32"
	_, err := NewIndexer(cfg)
	assert.ErrorIs(t, err, ErrUnknownAlgorithm)
}
