package repository

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/italolelis/game_launcher/internal/logctx"
	"github.com/italolelis/game_launcher/internal/model"
	"github.com/italolelis/game_launcher/internal/telemetry"
	"golang.org/x/sync/errgroup"
)

// Source is one configured catalog endpoint.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]model.GameRelease, error)
}

// Snapshot is an immutable merged catalog.
type Snapshot struct {
	Releases  []model.GameRelease
	Warnings  []*model.SourceUnavailableError
	RefreshAt time.Time

	byID map[model.GameIdentifier]model.GameRelease
}

// Release looks up the merged entry for id.
func (s *Snapshot) Release(id model.GameIdentifier) (model.GameRelease, bool) {
	if s == nil {
		return model.GameRelease{}, false
	}

	r, ok := s.byID[id]

	return r, ok
}

type WarningListener func(*model.SourceUnavailableError)

// Manager merges releases from its sources in priority order.
type Manager struct {
	sources   []Source
	telemetry *telemetry.Telemetry
	snapshot  atomic.Pointer[Snapshot]

	refreshMu sync.Mutex

	listenersMu sync.Mutex
	listeners   []WarningListener
}

type Option func(*Manager)

func WithTelemetry(t *telemetry.Telemetry) Option {
	return func(m *Manager) {
		m.telemetry = t
	}
}

// NewManager creates a manager over sources, first source having the highest
// priority. The catalog is empty until the first Refresh.
func NewManager(sources []Source, opts ...Option) *Manager {
	m := &Manager{sources: sources}

	for _, opt := range opts {
		opt(m)
	}

	m.snapshot.Store(&Snapshot{byID: map[model.GameIdentifier]model.GameRelease{}})

	return m
}

// OnWarning registers fn for sources that fail during a refresh.
func (m *Manager) OnWarning(fn WarningListener) {
	m.listenersMu.Lock()
	defer m.listenersMu.Unlock()

	m.listeners = append(m.listeners, fn)
}

// Snapshot returns the current catalog. Callers always see a complete merge.
func (m *Manager) Snapshot() *Snapshot {
	return m.snapshot.Load()
}

// Releases returns the current merged releases.
func (m *Manager) Releases() []model.GameRelease {
	return m.Snapshot().Releases
}

// Refresh queries every source concurrently and publishes the merged result. A
// failing source is reported as a warning; Refresh itself only fails when ctx ends.
func (m *Manager) Refresh(ctx context.Context) (*Snapshot, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	logger := logctx.LoggerFromContext(ctx)

	results := make([][]model.GameRelease, len(m.sources))
	failures := make([]error, len(m.sources))

	// Closures never return an error: one failing source must not cancel the others.
	// Failures are collected per source instead.
	g, gctx := errgroup.WithContext(ctx)

	for i, src := range m.sources {
		i, src := i, src

		g.Go(func() error {
			err := m.telemetry.InstrumentCatalogFetch(gctx, src.Name(), func(ctx context.Context) error {
				releases, err := fetch(ctx, src)
				if err != nil {
					return err
				}

				results[i] = releases

				return nil
			})

			failures[i] = err

			return nil
		})
	}

	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return m.Snapshot(), err
	}

	var warnings []*model.SourceUnavailableError

	for i, err := range failures {
		if err == nil {
			continue
		}

		warn := &model.SourceUnavailableError{Source: m.sources[i].Name(), Err: err}
		warnings = append(warnings, warn)

		logger.WarnContext(ctx, "catalog source unavailable", "source", warn.Source, "err", err)
	}

	snap := merge(results)
	snap.Warnings = warnings
	snap.RefreshAt = time.Now()

	m.snapshot.Store(snap)
	m.telemetry.SetCatalogReleases(len(snap.Releases))

	logger.InfoContext(ctx, "catalog refreshed", "releases", len(snap.Releases), "sources", len(m.sources), "unavailable", len(warnings))

	m.listenersMu.Lock()
	listeners := append([]WarningListener(nil), m.listeners...)
	m.listenersMu.Unlock()

	for _, w := range warnings {
		for _, fn := range listeners {
			fn(w)
		}
	}

	return snap, nil
}

func fetch(ctx context.Context, src Source) (releases []model.GameRelease, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("catalog source panicked: %v", r)
		}
	}()

	return src.Fetch(ctx)
}

// merge deduplicates by identifier. results is in priority order: a later source
// replaces an entry only with a strictly newer timestamp.
func merge(results [][]model.GameRelease) *Snapshot {
	byID := make(map[model.GameIdentifier]model.GameRelease)

	for _, releases := range results {
		for _, r := range releases {
			if cur, ok := byID[r.ID]; ok && !r.Newer(cur) {
				continue
			}

			byID[r.ID] = r
		}
	}

	releases := make([]model.GameRelease, 0, len(byID))
	for _, r := range byID {
		releases = append(releases, r)
	}

	sortReleases(releases)

	return &Snapshot{Releases: releases, byID: byID}
}

// sortReleases orders by profile, then newest first, then identifier.
func sortReleases(releases []model.GameRelease) {
	rank := make(map[model.Profile]int, len(model.Profiles))
	for i, p := range model.Profiles {
		rank[p] = i
	}

	sort.SliceStable(releases, func(i, j int) bool {
		a, b := releases[i], releases[j]

		if a.ID.Profile != b.ID.Profile {
			return rank[a.ID.Profile] < rank[b.ID.Profile]
		}

		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.After(b.Timestamp)
		}

		return a.ID.String() < b.ID.String()
	})
}

// Watch refreshes the catalog every interval until ctx is done. A panic restarts
// the loop after a short pause.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	logger.InfoContext(ctx, "watching catalog", "interval", interval)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "catalog watcher panic",
					"operation", "watch_catalog",
					"panic", r,
					"stack", string(debug.Stack()))
				m.telemetry.RecordSystemError("repository", "panic")

				if ctx.Err() == nil {
					logger.InfoContext(ctx, "restarting catalog watcher after panic")
					time.Sleep(time.Second)
					m.Watch(ctx, interval)
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.InfoContext(ctx, "catalog watcher shutdown", "reason", "context_cancelled")

				return
			case <-ticker.C:
				if _, err := m.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.ErrorContext(ctx, "failed to refresh catalog", "err", err)
				}
			}
		}
	}()
}
