package tasks

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/italolelis/game_launcher/internal/game"
	"github.com/italolelis/game_launcher/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 5 * time.Second

type testEnv struct {
	manager   *game.Manager
	installer *Installer
	queue     *Queue
	cacheDir  string
}

func newTestEnv(t *testing.T, opts ...InstallerOption) *testEnv {
	t.Helper()

	manager, err := game.NewManager(filepath.Join(t.TempDir(), "games"))
	require.NoError(t, err)

	cacheDir := filepath.Join(t.TempDir(), "cache")

	installer, err := NewInstaller(manager, cacheDir, opts...)
	require.NoError(t, err)

	queue := NewQueue(manager)
	queue.Start(context.Background())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()

		assert.NoError(t, queue.Shutdown(ctx))
	})

	return &testEnv{manager: manager, installer: installer, queue: queue, cacheDir: cacheDir}
}

func mustID(t *testing.T, s string) model.GameIdentifier {
	t.Helper()

	id, err := model.ParseGameIdentifier(s)
	require.NoError(t, err)

	return id
}

func gameFiles(prefix string, padding int) map[string][]byte {
	return map[string][]byte{
		prefix + "libs/Terasology.jar":   []byte("main"),
		prefix + "libs/engine-5.2.0.jar": []byte("engine"),
		prefix + "data/padding.bin":      bytes.Repeat([]byte{0x5a}, padding),
	}
}

func buildArchive(t *testing.T, files map[string][]byte) []byte {
	t.Helper()

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}

	sort.Strings(names)

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for _, name := range names {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store})
		require.NoError(t, err)

		_, err = w.Write(files[name])
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func serveBytes(t *testing.T, data []byte, hits *int32) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits != nil {
			atomic.AddInt32(hits, 1)
		}

		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)

	return srv
}

// serveStalled sends the first half of data and then blocks until the client goes
// away or unblock is closed.
func serveStalled(t *testing.T, data []byte, unblock <-chan struct{}) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))

		half := len(data) / 2
		_, _ = w.Write(data[:half])
		w.(http.Flusher).Flush()

		select {
		case <-r.Context().Done():
			return
		case <-unblock:
		}

		_, _ = w.Write(data[half:])
	}))
	t.Cleanup(srv.Close)

	return srv
}

func release(id model.GameIdentifier, url string) model.GameRelease {
	return model.GameRelease{ID: id, DownloadURL: url, Timestamp: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)}
}

func waitTask(t *testing.T, task *Task) error {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	select {
	case <-task.Done():
		return task.Err()
	case <-ctx.Done():
		t.Fatalf("task %s did not finish, state %s", task.ID(), task.State())

		return nil
	}
}

func assertNoLeftovers(t *testing.T, env *testEnv, task *Task) {
	t.Helper()

	id := task.Target()

	assert.NoDirExists(t, env.manager.InstallDirectory(id))
	assert.False(t, env.manager.IsInstalled(id))
	assert.NoDirExists(t, env.manager.StagingDirectory(task.ID()), "staging area is cleaned up")
	assert.NoFileExists(t, env.installer.ArchivePath(id)+PartialSuffix, "partial archive is cleaned up")

	lease, err := env.manager.Acquire(id, "check")
	require.NoError(t, err, "lease is released")
	lease.Release()
}

func TestDownloadThenDelete(t *testing.T) {
	env := newTestEnv(t)
	id := mustID(t, "OMEGA/STABLE/1.0.0")
	srv := serveBytes(t, buildArchive(t, gameFiles("Terasology/", 1024)), nil)

	var events []game.InstalledSetEvent
	env.manager.Subscribe(func(ev game.InstalledSetEvent) { events = append(events, ev) })

	task, err := env.queue.Submit(context.Background(), env.installer.Download(release(id, srv.URL)))
	require.NoError(t, err)

	require.NoError(t, waitTask(t, task))
	assert.Equal(t, StateSucceeded, task.State())
	assert.Equal(t, 1.0, task.Progress())
	assert.Equal(t, []model.GameIdentifier{id}, env.manager.InstalledGames(), "set is updated once the task is observed as succeeded")

	inst, err := env.manager.Installation(id)
	require.NoError(t, err)
	require.NoError(t, inst.Validate(id))

	v, err := inst.EngineVersion()
	require.NoError(t, err)
	assert.Equal(t, "5.2.0", v)
	assert.NoFileExists(t, env.installer.ArchivePath(id), "archive is removed after extraction")

	task, err = env.queue.Submit(context.Background(), env.installer.Delete(id))
	require.NoError(t, err)

	require.NoError(t, waitTask(t, task))
	assert.Equal(t, StateSucceeded, task.State())
	assert.Empty(t, env.manager.InstalledGames())
	assert.NoDirExists(t, env.manager.InstallDirectory(id))
	assert.NoDirExists(t, filepath.Join(env.manager.Root(), "OMEGA"), "empty parents are pruned")

	assert.Equal(t, []game.InstalledSetEvent{
		{ID: id, Installed: true},
		{ID: id, Installed: false},
	}, events)
}

func TestDownloadOfInstalledGameConflicts(t *testing.T) {
	env := newTestEnv(t)
	id := mustID(t, "OMEGA/STABLE/1.0.0")
	srv := serveBytes(t, buildArchive(t, gameFiles("", 10)), nil)

	task, err := env.queue.Submit(context.Background(), env.installer.Download(release(id, srv.URL)))
	require.NoError(t, err)
	require.NoError(t, waitTask(t, task))

	_, err = env.queue.Submit(context.Background(), env.installer.Download(release(id, srv.URL)))
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))
}

func TestConcurrentMutationsOnSameIdentifierConflict(t *testing.T) {
	env := newTestEnv(t)
	a := mustID(t, "OMEGA/STABLE/1.0.0")
	b := mustID(t, "OMEGA/NIGHTLY/1.0.0")

	unblock := make(chan struct{})
	slow := serveStalled(t, buildArchive(t, gameFiles("", 1<<20)), unblock)
	fast := serveBytes(t, buildArchive(t, gameFiles("", 10)), nil)

	first, err := env.queue.Submit(context.Background(), env.installer.Download(release(a, slow.URL)))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return first.State() == StateRunning }, waitTimeout, 5*time.Millisecond)

	_, err = env.queue.Submit(context.Background(), env.installer.Delete(a))
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))

	_, err = env.queue.Submit(context.Background(), env.installer.Download(release(a, fast.URL)))
	assert.True(t, model.IsConflict(err))

	other, err := env.queue.Submit(context.Background(), env.installer.Download(release(b, fast.URL)))
	require.NoError(t, err, "a different identifier is admitted")
	assert.Equal(t, StatePending, other.State())

	close(unblock)

	require.NoError(t, waitTask(t, first), "the first download is unaffected by the rejected delete")
	require.NoError(t, waitTask(t, other))

	assert.ElementsMatch(t, []model.GameIdentifier{a, b}, env.manager.InstalledGames())
	assert.True(t, other.Info().StartedAt.After(first.Info().FinishedAt) || other.Info().StartedAt.Equal(first.Info().FinishedAt),
		"tasks run one at a time in submission order")
}

func TestCancelRunningDownload(t *testing.T) {
	env := newTestEnv(t)
	id := mustID(t, "OMEGA/STABLE/1.0.0")

	unblock := make(chan struct{})
	defer close(unblock)

	srv := serveStalled(t, buildArchive(t, gameFiles("", 1<<20)), unblock)

	task, err := env.queue.Submit(context.Background(), env.installer.Download(release(id, srv.URL)))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return task.Progress() > 0 }, waitTimeout, 5*time.Millisecond)

	task.Cancel()

	err = waitTask(t, task)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, task.State())

	assertNoLeftovers(t, env, task)

	task.Cancel()
	assert.Equal(t, StateCancelled, task.State(), "cancelling a terminal task is a no-op")
}

func TestCancelDuringExtractionRemovesArchive(t *testing.T) {
	env := newTestEnv(t)
	id := mustID(t, "OMEGA/STABLE/1.0.0")

	files := gameFiles("", 0)
	for n := 0; n < 4000; n++ {
		files["data/chunk-"+strconv.Itoa(n)+".bin"] = bytes.Repeat([]byte{byte(n)}, 4096)
	}

	srv := serveBytes(t, buildArchive(t, files), nil)

	task, err := env.queue.Submit(context.Background(), env.installer.Download(release(id, srv.URL)))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return task.Progress() >= transferWeight || task.State().Terminal()
	}, waitTimeout, time.Millisecond)

	task.Cancel()
	_ = waitTask(t, task)

	assert.NoFileExists(t, env.installer.ArchivePath(id))

	if task.State() == StateCancelled {
		assertNoLeftovers(t, env, task)
	}
}

func TestFailedPromotionRemovesArchive(t *testing.T) {
	env := newTestEnv(t)
	id := mustID(t, "OMEGA/STABLE/1.0.0")
	srv := serveBytes(t, buildArchive(t, gameFiles("", 10)), nil)

	// A file where the build directory belongs makes the final move fail.
	blocker := filepath.Dir(env.manager.InstallDirectory(id))
	require.NoError(t, os.MkdirAll(filepath.Dir(blocker), 0o755))
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	task, err := env.queue.Submit(context.Background(), env.installer.Download(release(id, srv.URL)))
	require.NoError(t, err)

	require.Error(t, waitTask(t, task))
	assert.Equal(t, StateFailed, task.State())
	assert.False(t, env.manager.IsInstalled(id))
	assert.NoFileExists(t, env.installer.ArchivePath(id))
	assert.NoDirExists(t, env.manager.StagingDirectory(task.ID()))
}

func TestCancelPendingTask(t *testing.T) {
	env := newTestEnv(t)
	a := mustID(t, "OMEGA/STABLE/1.0.0")
	b := mustID(t, "OMEGA/STABLE/2.0.0")

	unblock := make(chan struct{})
	slow := serveStalled(t, buildArchive(t, gameFiles("", 1<<20)), unblock)

	finished := make(chan *Task, 2)
	env.queue.OnTaskFinished(func(t *Task) { finished <- t })

	first, err := env.queue.Submit(context.Background(), env.installer.Download(release(a, slow.URL)))
	require.NoError(t, err)

	queued, err := env.queue.Submit(context.Background(), env.installer.Download(release(b, slow.URL)))
	require.NoError(t, err)

	queued.Cancel()

	assert.Equal(t, StateCancelled, queued.State())
	assertNoLeftovers(t, env, queued)

	select {
	case got := <-finished:
		assert.Same(t, queued, got)
	case <-time.After(waitTimeout):
		t.Fatal("finish listener not called for a task cancelled while pending")
	}

	close(unblock)
	require.NoError(t, waitTask(t, first))
	assert.True(t, queued.Info().StartedAt.IsZero(), "a cancelled pending task never runs")
}

func TestDownloadFailures(t *testing.T) {
	tests := []struct {
		name        string
		handler     http.HandlerFunc
		archive     []byte
		wantErr     any
		wantArchive bool
	}{
		{
			name: "not found",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.NotFound(w, nil)
			},
			wantErr: &model.TransferError{},
		},
		{
			name: "truncated body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Length", "4096")
				_, _ = w.Write([]byte("short"))
			},
			wantErr: &model.TransferError{},
		},
		{
			name:    "malformed archive",
			archive: []byte("this is not a zip file"),
			wantErr: &model.ExtractionError{},
		},
		{
			name:    "archive without the game",
			archive: buildArchive(t, map[string][]byte{"README.md": []byte("hi")}),
			wantErr: &model.ExtractionError{},
		},
		{
			name: "entry escaping the install directory",
			archive: buildArchive(t, map[string][]byte{
				"libs/Terasology.jar": []byte("main"),
				"../evil.jar":         []byte("evil"),
			}),
			wantErr: &model.ExtractionError{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, WithKeepArchives(func() bool { return true }))
			id := mustID(t, "OMEGA/STABLE/1.0.0")

			handler := tt.handler
			if handler == nil {
				handler = func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write(tt.archive) }
			}

			srv := httptest.NewServer(handler)
			defer srv.Close()

			task, err := env.queue.Submit(context.Background(), env.installer.Download(release(id, srv.URL)))
			require.NoError(t, err)

			err = waitTask(t, task)
			require.Error(t, err)
			assert.Equal(t, StateFailed, task.State())

			switch want := tt.wantErr.(type) {
			case *model.TransferError:
				assert.True(t, errors.As(err, &want), "got %v", err)
			case *model.ExtractionError:
				assert.True(t, errors.As(err, &want), "got %v", err)
			}

			assertNoLeftovers(t, env, task)
			assert.NoFileExists(t, env.installer.ArchivePath(id), "failed archives are not kept")
			assert.NoFileExists(t, filepath.Join(env.manager.Root(), "evil.jar"))
		})
	}
}

func TestKeepArchivesReusesCachedDownload(t *testing.T) {
	var keep atomic.Bool
	keep.Store(true)

	env := newTestEnv(t, WithKeepArchives(keep.Load))
	id := mustID(t, "ENGINE/NIGHTLY/99")

	var hits int32
	srv := serveBytes(t, buildArchive(t, gameFiles("", 10)), &hits)

	for i := 0; i < 2; i++ {
		task, err := env.queue.Submit(context.Background(), env.installer.Download(release(id, srv.URL)))
		require.NoError(t, err)
		require.NoError(t, waitTask(t, task))
		assert.FileExists(t, env.installer.ArchivePath(id))

		task, err = env.queue.Submit(context.Background(), env.installer.Delete(id))
		require.NoError(t, err)
		require.NoError(t, waitTask(t, task))
	}

	assert.EqualValues(t, 1, atomic.LoadInt32(&hits), "second download reuses the cached archive")

	keep.Store(false)

	task, err := env.queue.Submit(context.Background(), env.installer.Download(release(id, srv.URL)))
	require.NoError(t, err)
	require.NoError(t, waitTask(t, task))
	assert.NoFileExists(t, env.installer.ArchivePath(id))
}

func TestDeleteRejectedWhileRunning(t *testing.T) {
	var running atomic.Bool
	running.Store(true)

	env := newTestEnv(t, WithRunningCheck(func(model.GameIdentifier) bool { return running.Load() }))
	id := mustID(t, "OMEGA/STABLE/1.0.0")

	_, err := env.queue.Submit(context.Background(), env.installer.Delete(id))
	require.Error(t, err)
	assert.True(t, model.IsConflict(err))

	running.Store(false)

	task, err := env.queue.Submit(context.Background(), env.installer.Delete(id))
	require.NoError(t, err)
	require.NoError(t, waitTask(t, task), "deleting a missing installation succeeds")
}

func TestDeleteReportsEntriesItCouldNotRemove(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}

	env := newTestEnv(t)
	id := mustID(t, "OMEGA/STABLE/1.0.0")
	srv := serveBytes(t, buildArchive(t, gameFiles("", 10)), nil)

	task, err := env.queue.Submit(context.Background(), env.installer.Download(release(id, srv.URL)))
	require.NoError(t, err)
	require.NoError(t, waitTask(t, task))

	locked := filepath.Join(env.manager.InstallDirectory(id), "libs")
	require.NoError(t, os.Chmod(locked, 0o500))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })

	task, err = env.queue.Submit(context.Background(), env.installer.Delete(id))
	require.NoError(t, err)

	err = waitTask(t, task)
	require.Error(t, err)
	assert.Equal(t, StateFailed, task.State())

	var removal *model.RemovalError
	require.ErrorAs(t, err, &removal)
	assert.ElementsMatch(t, []string{
		filepath.Join("libs", "Terasology.jar"),
		filepath.Join("libs", "engine-5.2.0.jar"),
	}, removal.Failed)
	assert.True(t, env.manager.IsInstalled(id), "a failed delete leaves the set unchanged")

	require.NoError(t, os.Chmod(locked, 0o755))

	task, err = env.queue.Submit(context.Background(), env.installer.Delete(id))
	require.NoError(t, err)
	require.NoError(t, waitTask(t, task), "retrying removes whatever remains")
	assert.False(t, env.manager.IsInstalled(id))
}

func TestShutdownCancelsOutstandingTasks(t *testing.T) {
	manager, err := game.NewManager(t.TempDir())
	require.NoError(t, err)

	installer, err := NewInstaller(manager, t.TempDir())
	require.NoError(t, err)

	queue := NewQueue(manager)
	queue.Start(context.Background())

	unblock := make(chan struct{})
	defer close(unblock)

	srv := serveStalled(t, buildArchive(t, gameFiles("", 1<<20)), unblock)

	var tasks []*Task

	for _, v := range []string{"1", "2", "3"} {
		task, err := queue.Submit(context.Background(), installer.Download(release(mustID(t, "OMEGA/STABLE/"+v), srv.URL)))
		require.NoError(t, err)

		tasks = append(tasks, task)
	}

	require.Eventually(t, func() bool { return tasks[0].State() == StateRunning }, waitTimeout, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()

	require.NoError(t, queue.Shutdown(ctx))

	for _, task := range tasks {
		assert.Equal(t, StateCancelled, task.State())

		_, busy := manager.Busy(task.Target())
		assert.False(t, busy)
	}

	_, err = queue.Submit(context.Background(), installer.Delete(tasks[0].Target()))
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestTaskProgressIsMonotonic(t *testing.T) {
	manager, err := game.NewManager(t.TempDir())
	require.NoError(t, err)

	id := mustID(t, "OMEGA/STABLE/1.0.0")
	lease, err := manager.Acquire(id, "test")
	require.NoError(t, err)

	task := newTask(context.Background(), (&Installer{manager: manager}).Delete(id), lease)

	task.ReportProgress(0.5)
	assert.Zero(t, task.Progress(), "pending tasks do not report progress")

	require.True(t, task.begin())

	task.ReportProgress(0.5)
	task.ReportProgress(0.2)
	assert.Equal(t, 0.5, task.Progress())

	task.ReportIndeterminate()
	assert.True(t, task.Info().Indeterminate)

	task.ReportProgress(0.7)
	assert.Equal(t, 0.7, task.Progress())
	assert.False(t, task.Info().Indeterminate)

	task.ReportProgress(3)
	assert.Equal(t, 1.0, task.Progress())

	select {
	case u := <-task.Updates():
		assert.Equal(t, Update{State: StateRunning, Progress: 1}, u, "only the latest update is buffered")
	default:
		t.Fatal("no update buffered")
	}

	task.complete(nil)

	var states []State
	for u := range task.Updates() {
		states = append(states, u.State)
	}

	assert.Equal(t, []State{StateSucceeded}, states)
	assert.False(t, task.begin())
}

func TestEntryPath(t *testing.T) {
	dest := filepath.FromSlash("/games/.staging/task")

	tests := []struct {
		name    string
		wantErr bool
	}{
		{"libs/Terasology.jar", false},
		{"a/../b.txt", false},
		{"../evil", true},
		{"a/../../evil", true},
		{"/etc/passwd", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := entryPath(dest, tt.name)
			assert.Equal(t, tt.wantErr, err != nil)
		})
	}
}

func TestQueueListenersAndLookup(t *testing.T) {
	env := newTestEnv(t)
	id := mustID(t, "OMEGA/STABLE/1.0.0")
	srv := serveBytes(t, buildArchive(t, gameFiles("", 10)), nil)

	var (
		mu     sync.Mutex
		events []string
	)

	env.queue.OnTaskStarted(func(task *Task) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, "started:"+task.State().String())
	})

	done := make(chan struct{})
	env.queue.OnTaskFinished(func(task *Task) {
		mu.Lock()
		events = append(events, "finished:"+task.State().String())
		mu.Unlock()
		close(done)
	})

	task, err := env.queue.Submit(context.Background(), env.installer.Download(release(id, srv.URL)))
	require.NoError(t, err)

	got, ok := env.queue.Get(task.ID())
	require.True(t, ok)
	assert.Same(t, task, got)

	<-done

	mu.Lock()
	assert.Equal(t, []string{"started:RUNNING", "finished:SUCCEEDED"}, events)
	mu.Unlock()

	_, active := env.queue.Active(id, KindDownload)
	assert.False(t, active)
	assert.False(t, env.queue.HasActive(KindDownload))
	assert.Len(t, env.queue.Tasks(), 1)
}
