package game

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/italolelis/game_launcher/internal/logctx"
	"github.com/italolelis/game_launcher/internal/model"
	"github.com/italolelis/game_launcher/internal/telemetry"
)

// Operations that hold a lease on an identifier. A run holds it only while starting.
const (
	OperationDownload = "download"
	OperationDelete   = "delete"
	OperationRun      = "run"
)

// InstalledSetEvent is delivered to subscribers whenever an identifier joins or
// leaves the installed-set.
type InstalledSetEvent struct {
	ID        model.GameIdentifier
	Installed bool
}

type Listener func(InstalledSetEvent)

// Manager is the single source of truth for which identifiers are installed and
// where. Only lease holders and Scan mutate the installed-set.
type Manager struct {
	root      string
	telemetry *telemetry.Telemetry

	mu        sync.RWMutex
	installed map[model.GameIdentifier]struct{}
	leases    map[model.GameIdentifier]*Lease

	// notifyMu orders delivery: one mutation's events are fully delivered
	// before the next mutation starts.
	notifyMu     sync.Mutex
	listenersMu  sync.Mutex
	listeners    map[int]Listener
	nextListener int
}

type ManagerOption func(*Manager)

func WithManagerTelemetry(t *telemetry.Telemetry) ManagerOption {
	return func(m *Manager) {
		m.telemetry = t
	}
}

// NewManager creates the install root if needed. The installed-set starts empty
// until Scan runs.
func NewManager(root string, opts ...ManagerOption) (*Manager, error) {
	if root == "" {
		return nil, errors.New("install root is required")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve install root: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create install root: %w", err)
	}

	m := &Manager{
		root:      abs,
		installed: make(map[model.GameIdentifier]struct{}),
		leases:    make(map[model.GameIdentifier]*Lease),
		listeners: make(map[int]Listener),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m, nil
}

func (m *Manager) Root() string {
	return m.root
}

// InstallDirectory returns the deterministic location of id below the install root.
// It never fails and does not touch the filesystem.
func (m *Manager) InstallDirectory(id model.GameIdentifier) string {
	return installPath(m.root, id)
}

// StagingDirectory is where a download extracts before its final rename.
func (m *Manager) StagingDirectory(name string) string {
	return filepath.Join(m.root, StagingDirName, name)
}

// Installation resolves id to its directory, failing with NotFoundError when
// nothing exists there. The directory may be mid-download.
func (m *Manager) Installation(id model.GameIdentifier) (*Installation, error) {
	dir := m.InstallDirectory(id)

	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, &model.NotFoundError{ID: id, Path: dir}
	}

	return NewInstallation(dir), nil
}

// InstalledGames returns a sorted snapshot of the installed-set.
func (m *Manager) InstalledGames() []model.GameIdentifier {
	m.mu.RLock()
	ids := make([]model.GameIdentifier, 0, len(m.installed))

	for id := range m.installed {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool {
		return ids[i].String() < ids[j].String()
	})

	return ids
}

func (m *Manager) IsInstalled(id model.GameIdentifier) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.installed[id]

	return ok
}

// Subscribe registers l for installed-set deltas and returns a function that
// removes it. Listeners run synchronously on the mutating goroutine and must not
// call Subscribe or the returned function.
func (m *Manager) Subscribe(l Listener) func() {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	key := m.nextListener
	m.nextListener++
	m.listeners[key] = l

	return func() {
		m.listenersMu.Lock()
		defer m.listenersMu.Unlock()

		delete(m.listeners, key)
	}
}

// Acquire takes the exclusive mutation lease for id. A second Acquire for the same
// id fails with ConflictError until the first lease is released.
func (m *Manager) Acquire(id model.GameIdentifier, operation string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if held, ok := m.leases[id]; ok {
		return nil, &model.ConflictError{
			ID:        id,
			Operation: operation,
			Reason:    fmt.Sprintf("a %s is already in progress", held.operation),
		}
	}

	l := &Lease{manager: m, id: id, operation: operation}
	m.leases[id] = l

	return l, nil
}

// Busy reports the operation currently holding the lease for id, if any.
func (m *Manager) Busy(id model.GameIdentifier) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.leases[id]
	if !ok {
		return "", false
	}

	return l.operation, true
}

// Scan rebuilds the installed-set from the install root. Directories that do not hold
// a complete installation are logged and skipped; with removeInvalid they are deleted.
// Identifiers currently leased keep their membership.
func (m *Manager) Scan(ctx context.Context, removeInvalid bool) error {
	logger := logctx.LoggerFromContext(ctx)

	found := make(map[model.GameIdentifier]struct{})

	err := m.walkInstallDirs(ctx, func(dir string, id model.GameIdentifier) {
		if _, leased := m.Busy(id); leased {
			return
		}

		if err := NewInstallation(dir).Validate(id); err != nil {
			logger.WarnContext(ctx, "ignoring invalid installation", "dir", dir, "err", err)

			if removeInvalid {
				if err := os.RemoveAll(dir); err != nil {
					logger.ErrorContext(ctx, "failed to remove invalid installation", "dir", dir, "err", err)
				} else {
					logger.InfoContext(ctx, "removed invalid installation", "dir", dir)
				}
			}

			return
		}

		found[id] = struct{}{}
	})
	if err != nil {
		return err
	}

	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	var events []InstalledSetEvent

	m.mu.Lock()
	for id := range m.installed {
		if _, ok := found[id]; ok {
			continue
		}

		if _, leased := m.leases[id]; leased {
			continue
		}

		delete(m.installed, id)
		events = append(events, InstalledSetEvent{ID: id, Installed: false})
	}

	for id := range found {
		if _, ok := m.installed[id]; ok {
			continue
		}

		if _, leased := m.leases[id]; leased {
			continue
		}

		m.installed[id] = struct{}{}
		events = append(events, InstalledSetEvent{ID: id, Installed: true})
	}

	count := len(m.installed)
	m.mu.Unlock()

	m.telemetry.SetInstalledGames(count)
	logger.InfoContext(ctx, "scanned install root", "root", m.root, "installed", count)

	m.deliver(events)

	return nil
}

// walkInstallDirs visits every <profile>/<build>/<version> directory that decodes
// into a valid identifier. Dot-prefixed entries at the root belong to the launcher.
func (m *Manager) walkInstallDirs(ctx context.Context, visit func(dir string, id model.GameIdentifier)) error {
	logger := logctx.LoggerFromContext(ctx)

	profiles, err := os.ReadDir(m.root)
	if err != nil {
		return fmt.Errorf("failed to read install root: %w", err)
	}

	for _, p := range profiles {
		if !p.IsDir() || strings.HasPrefix(p.Name(), ".") {
			continue
		}

		builds, err := os.ReadDir(filepath.Join(m.root, p.Name()))
		if err != nil {
			logger.WarnContext(ctx, "failed to read profile directory", "dir", p.Name(), "err", err)

			continue
		}

		for _, b := range builds {
			if !b.IsDir() {
				continue
			}

			versions, err := os.ReadDir(filepath.Join(m.root, p.Name(), b.Name()))
			if err != nil {
				logger.WarnContext(ctx, "failed to read build directory", "dir", b.Name(), "err", err)

				continue
			}

			for _, v := range versions {
				if err := ctx.Err(); err != nil {
					return err
				}

				if !v.IsDir() {
					continue
				}

				dir := filepath.Join(m.root, p.Name(), b.Name(), v.Name())

				id, err := identifierFromSegments(p.Name(), b.Name(), v.Name())
				if err != nil {
					logger.WarnContext(ctx, "ignoring unrecognized directory", "dir", dir, "err", err)

					continue
				}

				visit(dir, id)
			}
		}
	}

	return nil
}

func (m *Manager) setInstalled(id model.GameIdentifier, installed bool) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	_, present := m.installed[id]
	if installed {
		m.installed[id] = struct{}{}
	} else {
		delete(m.installed, id)
	}
	count := len(m.installed)
	m.mu.Unlock()

	m.telemetry.SetInstalledGames(count)

	if present == installed {
		return
	}

	m.deliver([]InstalledSetEvent{{ID: id, Installed: installed}})
}

func (m *Manager) deliver(events []InstalledSetEvent) {
	if len(events) == 0 {
		return
	}

	m.listenersMu.Lock()
	keys := make([]int, 0, len(m.listeners))
	for k := range m.listeners {
		keys = append(keys, k)
	}
	sort.Ints(keys)

	listeners := make([]Listener, 0, len(keys))
	for _, k := range keys {
		listeners = append(listeners, m.listeners[k])
	}
	m.listenersMu.Unlock()

	for _, ev := range events {
		for _, l := range listeners {
			l(ev)
		}
	}
}

func (m *Manager) release(l *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.leases[l.id] == l {
		delete(m.leases, l.id)
	}
}

// Lease is the exclusive right to mutate one identifier's install directory.
type Lease struct {
	manager   *Manager
	id        model.GameIdentifier
	operation string

	once     sync.Once
	released bool
	mu       sync.Mutex
}

func (l *Lease) ID() model.GameIdentifier {
	return l.id
}

func (l *Lease) Operation() string {
	return l.operation
}

// MarkInstalled adds the leased identifier to the installed-set.
func (l *Lease) MarkInstalled() {
	l.commit(true)
}

// MarkRemoved drops the leased identifier from the installed-set.
func (l *Lease) MarkRemoved() {
	l.commit(false)
}

func (l *Lease) commit(installed bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.released {
		return
	}

	l.manager.setInstalled(l.id, installed)
}

// Release gives the lease back. Only the first call has an effect.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.mu.Lock()
		l.released = true
		l.mu.Unlock()

		l.manager.release(l)
	})
}
