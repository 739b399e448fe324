package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string, age time.Duration) {
	t.Helper()

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	mod := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestDeleteExpiredArchives(t *testing.T) {
	dir := t.TempDir()

	touch(t, filepath.Join(dir, "OMEGA_STABLE_1.zip"), 48*time.Hour)
	touch(t, filepath.Join(dir, "OMEGA_STABLE_2.zip"), time.Minute)
	touch(t, filepath.Join(dir, "OMEGA_STABLE_3.zip.part"), 48*time.Hour)
	touch(t, filepath.Join(dir, "notes.txt"), 48*time.Hour)

	removed, err := DeleteExpiredArchives(context.Background(), dir, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	assert.NoFileExists(t, filepath.Join(dir, "OMEGA_STABLE_1.zip"))
	assert.FileExists(t, filepath.Join(dir, "OMEGA_STABLE_2.zip"))
	assert.FileExists(t, filepath.Join(dir, "OMEGA_STABLE_3.zip.part"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
}

func TestDeleteExpiredArchivesMissingDir(t *testing.T) {
	removed, err := DeleteExpiredArchives(context.Background(), filepath.Join(t.TempDir(), "missing"), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestRemoveStaleFiles(t *testing.T) {
	cache := t.TempDir()
	staging := filepath.Join(t.TempDir(), ".staging")

	touch(t, filepath.Join(cache, "a.zip.part"), 0)
	touch(t, filepath.Join(cache, "a.zip"), 0)
	touch(t, filepath.Join(staging, "task-1", "libs", "Terasology.jar"), 0)

	require.NoError(t, RemoveStaleFiles(context.Background(), cache, staging))

	assert.NoFileExists(t, filepath.Join(cache, "a.zip.part"))
	assert.FileExists(t, filepath.Join(cache, "a.zip"))
	assert.NoDirExists(t, filepath.Join(staging, "task-1"))
	assert.DirExists(t, staging)
}

func TestRemoveStaleFilesMissingDirs(t *testing.T) {
	root := t.TempDir()

	assert.NoError(t, RemoveStaleFiles(context.Background(), filepath.Join(root, "cache"), filepath.Join(root, "staging")))
}

func TestWatchRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var runs atomic.Int32

	Watch(ctx, 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)

		return nil
	})

	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
}
