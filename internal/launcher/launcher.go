// Package launcher wires the installed-set, the task queue, the run supervisor and
// the release catalog into the operations the CLI and the REST API expose.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/italolelis/game_launcher/internal/cleanup"
	"github.com/italolelis/game_launcher/internal/game"
	"github.com/italolelis/game_launcher/internal/logctx"
	"github.com/italolelis/game_launcher/internal/model"
	"github.com/italolelis/game_launcher/internal/notifier"
	"github.com/italolelis/game_launcher/internal/repository"
	"github.com/italolelis/game_launcher/internal/settings"
	"github.com/italolelis/game_launcher/internal/storage"
	"github.com/italolelis/game_launcher/internal/tasks"
	"github.com/italolelis/game_launcher/internal/telemetry"
)

// Action is what the primary button of a release offers.
type Action string

const (
	ActionPlay     Action = "PLAY"
	ActionDownload Action = "DOWNLOAD"
	ActionCancel   Action = "CANCEL"
)

var ErrTaskNotFound = errors.New("task not found")

// Config holds the paths and limits the launcher runs with.
type Config struct {
	InstallDir      string
	CacheDir        string
	JavaBin         string
	RemoveInvalid   bool
	MinFreeSpace    uint64
	ShutdownTimeout time.Duration
	InstanceID      string
}

// Launcher is the lifecycle API: catalog, installed-set, downloads, deletes and runs.
type Launcher struct {
	cfg       Config
	catalog   *repository.Manager
	settings  *settings.Store
	manager   *game.Manager
	installer *tasks.Installer
	queue     *tasks.Queue
	service   *game.Service
	journal   storage.TaskJournal
	notifier  notifier.Notifier
	telemetry *telemetry.Telemetry
	spawner   game.Spawner
	client    *http.Client
	freeSpace func(path string) (uint64, error)

	ctx       context.Context
	closeOnce sync.Once
	closeCh   chan struct{}

	// Sources already reported as unavailable; each is notified once.
	reportedMu sync.Mutex
	reported   map[string]struct{}
}

type Option func(*Launcher)

// WithJournal records every task in journal.
func WithJournal(journal storage.TaskJournal) Option {
	return func(l *Launcher) {
		l.journal = journal
	}
}

func WithNotifier(n notifier.Notifier) Option {
	return func(l *Launcher) {
		l.notifier = n
	}
}

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(l *Launcher) {
		l.telemetry = t
	}
}

// WithSpawner replaces the process spawner used to run the game.
func WithSpawner(s game.Spawner) Option {
	return func(l *Launcher) {
		l.spawner = s
	}
}

// WithHTTPClient sets the client used for archive downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(l *Launcher) {
		l.client = c
	}
}

// WithFreeSpace replaces the disk free-space probe.
func WithFreeSpace(fn func(path string) (uint64, error)) Option {
	return func(l *Launcher) {
		l.freeSpace = fn
	}
}

func New(cfg Config, catalog *repository.Manager, store *settings.Store, opts ...Option) (*Launcher, error) {
	l := &Launcher{
		cfg:       cfg,
		catalog:   catalog,
		settings:  store,
		notifier:  notifier.Nop{},
		freeSpace: freeSpace,
		ctx:       context.Background(),
		closeCh:   make(chan struct{}),
		reported:  make(map[string]struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.cfg.InstanceID == "" {
		l.cfg.InstanceID = storage.GenerateInstanceID()
	}

	manager, err := game.NewManager(cfg.InstallDir, game.WithManagerTelemetry(l.telemetry))
	if err != nil {
		return nil, err
	}

	l.manager = manager
	l.service = game.NewService(cfg.JavaBin, l.spawner, game.WithServiceTelemetry(l.telemetry))

	installerOpts := []tasks.InstallerOption{
		tasks.WithKeepArchives(l.keepArchives),
		tasks.WithRunningCheck(l.service.IsRunningGame),
		tasks.WithInstallerTelemetry(l.telemetry),
	}
	if l.client != nil {
		installerOpts = append(installerOpts, tasks.WithHTTPClient(l.client))
	}

	l.installer, err = tasks.NewInstaller(manager, cfg.CacheDir, installerOpts...)
	if err != nil {
		return nil, err
	}

	l.queue = tasks.NewQueue(manager, tasks.WithQueueTelemetry(l.telemetry))

	l.queue.OnTaskStarted(l.taskStarted)
	l.queue.OnTaskFinished(l.taskFinished)
	l.service.OnRunStarted(l.runStarted)
	l.service.OnRunFailed(l.runFailed)
	l.catalog.OnWarning(l.sourceUnavailable)

	return l, nil
}

// Start recovers from a previous process, scans the install root and starts the
// worker lane.
func (l *Launcher) Start(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	l.ctx = context.WithoutCancel(ctx)

	if l.journal != nil {
		n, err := l.journal.MarkInterrupted(ctx, l.cfg.InstanceID)
		if err != nil {
			logger.ErrorContext(ctx, "failed to mark interrupted tasks", "err", err)
		} else if n > 0 {
			logger.WarnContext(ctx, "tasks interrupted by a previous shutdown", "count", n)
		}
	}

	if l.cfg.RemoveInvalid {
		if err := cleanup.RemoveStaleFiles(ctx, l.cfg.CacheDir, l.manager.StagingDirectory("")); err != nil {
			logger.WarnContext(ctx, "failed to remove stale download leftovers", "err", err)
		}
	}

	if err := l.manager.Scan(ctx, l.cfg.RemoveInvalid); err != nil {
		return fmt.Errorf("failed to scan install directory: %w", err)
	}

	l.queue.Start(ctx)

	return nil
}

// Shutdown cancels outstanding tasks and waits for them, bounded by the configured
// shutdown timeout.
func (l *Launcher) Shutdown(ctx context.Context) error {
	if l.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, l.cfg.ShutdownTimeout)
		defer cancel()
	}

	return l.queue.Shutdown(ctx)
}

// CloseRequested is closed when a started game asks the launcher to exit.
func (l *Launcher) CloseRequested() <-chan struct{} {
	return l.closeCh
}

func (l *Launcher) Manager() *game.Manager {
	return l.manager
}

func (l *Launcher) Catalog() *repository.Manager {
	return l.catalog
}

func (l *Launcher) Settings() *settings.Store {
	return l.settings
}

// Refresh reloads the catalog from every source.
func (l *Launcher) Refresh(ctx context.Context) (*repository.Snapshot, error) {
	return l.catalog.Refresh(ctx)
}

// Releases returns the catalog filtered by q.
func (l *Launcher) Releases(q repository.Query) []model.GameRelease {
	return q.Filter(l.catalog.Releases())
}

// DefaultRelease is the release to preselect among the releases visible with the
// stored settings.
func (l *Launcher) DefaultRelease(ctx context.Context, profile model.Profile) (model.GameRelease, bool, error) {
	s, err := l.settings.Load(ctx)
	if err != nil {
		return model.GameRelease{}, false, err
	}

	releases := l.Releases(repository.Query{Profile: profile, PreReleases: s.ShowPreReleases})
	r, ok := repository.SelectDefault(releases, s.LastPlayedGameVersion, l.manager.IsInstalled)

	return r, ok, nil
}

func (l *Launcher) InstalledGames() []model.GameIdentifier {
	return l.manager.InstalledGames()
}

// Action tells which operation applies to id right now.
func (l *Launcher) Action(id model.GameIdentifier) Action {
	if _, ok := l.queue.Active(id, tasks.KindDownload); ok {
		return ActionCancel
	}

	if l.manager.IsInstalled(id) {
		return ActionPlay
	}

	return ActionDownload
}

// Download submits the download of id's catalog release.
func (l *Launcher) Download(ctx context.Context, id model.GameIdentifier) (*tasks.Task, error) {
	release, ok := l.catalog.Snapshot().Release(id)
	if !ok {
		return nil, &model.UnknownReleaseError{ID: id}
	}

	return l.queue.Submit(ctx, l.installer.Download(release))
}

// Delete submits the removal of id. The last played game is forgotten as soon as the
// request is accepted, whether or not the removal succeeds.
func (l *Launcher) Delete(ctx context.Context, id model.GameIdentifier) (*tasks.Task, error) {
	t, err := l.queue.Submit(ctx, l.installer.Delete(id))
	if err != nil {
		return nil, err
	}

	if _, err := l.settings.Update(ctx, func(s *settings.Settings) {
		s.LastPlayedGameVersion = nil
	}); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to reset last played game", "err", err)
	}

	return t, nil
}

// Run starts the installed game id. Identifiers with a download or delete in
// progress cannot be run.
func (l *Launcher) Run(ctx context.Context, id model.GameIdentifier) (*game.Session, error) {
	// Held until the session is published, after which deletes see the game as running.
	lease, err := l.manager.Acquire(id, game.OperationRun)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	if !l.manager.IsInstalled(id) {
		return nil, &model.NotFoundError{ID: id, Path: l.manager.InstallDirectory(id)}
	}

	inst, err := l.manager.Installation(id)
	if err != nil {
		return nil, err
	}

	s, err := l.settings.Load(ctx)
	if err != nil {
		return nil, err
	}

	return l.service.Start(ctx, id, inst, s.LaunchOptions())
}

// CurrentRun returns the latest run session, or nil.
func (l *Launcher) CurrentRun() *game.Session {
	return l.service.Current()
}

func (l *Launcher) Task(id string) (*tasks.Task, bool) {
	return l.queue.Get(id)
}

func (l *Launcher) Tasks() []*tasks.Task {
	return l.queue.Tasks()
}

// CancelTask cancels a task by id. Cancelling a finished task is a no-op.
func (l *Launcher) CancelTask(id string) (*tasks.Task, error) {
	t, ok := l.queue.Get(id)
	if !ok {
		return nil, ErrTaskNotFound
	}

	t.Cancel()

	return t, nil
}

// CancelDownload cancels the pending or running download of id, if any.
func (l *Launcher) CancelDownload(id model.GameIdentifier) bool {
	t, ok := l.queue.Active(id, tasks.KindDownload)
	if ok {
		t.Cancel()
	}

	return ok
}

// History lists journaled tasks, newest first.
func (l *Launcher) History(ctx context.Context, limit int) ([]storage.TaskRecord, error) {
	if l.journal == nil {
		return nil, nil
	}

	return l.journal.ListTasks(ctx, limit)
}

func (l *Launcher) keepArchives() bool {
	s, err := l.settings.Load(l.ctx)
	if err != nil {
		return false
	}

	return s.KeepDownloadedFiles
}

func (l *Launcher) taskStarted(t *tasks.Task) {
	if l.journal == nil {
		return
	}

	ctx := logctx.WithTaskID(l.ctx, t.ID())
	info := t.Info()

	if err := l.journal.RecordTaskStarted(ctx, storage.TaskRecord{
		TaskID:     info.ID,
		Kind:       string(info.Kind),
		GameID:     info.Target.String(),
		State:      info.State.String(),
		StartedAt:  info.StartedAt,
		InstanceID: l.cfg.InstanceID,
	}); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to journal task start", "err", err)
	}
}

func (l *Launcher) taskFinished(t *tasks.Task) {
	ctx := logctx.WithTaskID(l.ctx, t.ID())
	logger := logctx.LoggerFromContext(ctx)
	info := t.Info()

	if l.journal != nil {
		// Tasks cancelled while pending never passed through taskStarted.
		if info.StartedAt.IsZero() {
			if err := l.journal.RecordTaskStarted(ctx, storage.TaskRecord{
				TaskID:     info.ID,
				Kind:       string(info.Kind),
				GameID:     info.Target.String(),
				State:      info.State.String(),
				StartedAt:  info.CreatedAt,
				InstanceID: l.cfg.InstanceID,
			}); err != nil {
				logger.ErrorContext(ctx, "failed to journal task", "err", err)
			}
		}

		if err := l.journal.RecordTaskFinished(ctx, info.ID, info.State.String(), info.Error, info.FinishedAt); err != nil {
			logger.ErrorContext(ctx, "failed to journal task result", "err", err)
		}
	}

	var message string

	switch {
	case info.Kind == tasks.KindDownload && info.State == tasks.StateSucceeded:
		message = fmt.Sprintf("Download finished: %s", info.Target)
	case info.Kind == tasks.KindDownload && info.State == tasks.StateFailed:
		message = fmt.Sprintf("Download failed: %s: %s", info.Target, info.Error)
	case info.Kind == tasks.KindDelete && info.State == tasks.StateFailed:
		message = fmt.Sprintf("Delete failed: %s: %s", info.Target, info.Error)
	default:
		return
	}

	if err := l.notifier.Notify(ctx, message); err != nil {
		logger.ErrorContext(ctx, "failed to send notification", "err", err)
	}
}

func (l *Launcher) runStarted(s *game.Session) {
	ctx := logctx.With(l.ctx, "game_id", s.ID().String())
	logger := logctx.LoggerFromContext(ctx)
	id := s.ID()

	updated, err := l.settings.Update(ctx, func(st *settings.Settings) {
		st.LastPlayedGameVersion = &id
	})
	if err != nil {
		logger.ErrorContext(ctx, "failed to store last played game", "err", err)

		return
	}

	if updated.CloseAfterStart && !l.queue.HasActive(tasks.KindDownload) {
		logger.InfoContext(ctx, "closing launcher after game start")
		l.closeOnce.Do(func() { close(l.closeCh) })
	}
}

func (l *Launcher) runFailed(s *game.Session) {
	ctx := logctx.With(l.ctx, "game_id", s.ID().String())

	if err := l.notifier.Notify(ctx, fmt.Sprintf("Game failed: %s: %v", s.ID(), s.Err())); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to send notification", "err", err)
	}
}

func (l *Launcher) sourceUnavailable(w *model.SourceUnavailableError) {
	l.telemetry.RecordSystemError("catalog", "source_unavailable")

	l.reportedMu.Lock()
	_, seen := l.reported[w.Source]
	l.reported[w.Source] = struct{}{}
	l.reportedMu.Unlock()

	if seen {
		return
	}

	ctx := logctx.With(l.ctx, "source", w.Source)

	if err := l.notifier.Notify(ctx, fmt.Sprintf("Catalog source unavailable: %s: %v", w.Source, w.Err)); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to send notification", "err", err)
	}
}
