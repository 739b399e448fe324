// Package cleanup expires cached archives and removes leftovers of interrupted downloads.
package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/game_launcher/internal/logctx"
)

const (
	archiveSuffix = ".zip"
	partialSuffix = ".part"
)

// DeleteExpiredArchives deletes cached archives last modified more than keep ago and
// returns how many it removed.
func DeleteExpiredArchives(ctx context.Context, cacheDir string, keep time.Duration) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	entries, err := os.ReadDir(cacheDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}

		return 0, err
	}

	removed := 0

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		if e.IsDir() || !strings.HasSuffix(e.Name(), archiveSuffix) {
			continue
		}

		path := filepath.Join(cacheDir, e.Name())

		info, err := e.Info()
		if err != nil {
			if os.IsNotExist(err) {
				continue // already deleted
			}

			logger.Error("Failed to stat archive", "file", path, "err", err)

			return removed, err
		}

		if now.Sub(info.ModTime()) <= keep {
			continue
		}

		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			logger.Error("Failed to delete expired archive", "file", path, "err", err)

			return removed, err
		}

		removed++

		logger.Info("Deleted expired archive", "file", path, "size", humanize.Bytes(uint64(info.Size())))
	}

	return removed, nil
}

// RemoveStaleFiles deletes partial transfers in cacheDir and everything under
// stagingDir. Only call it while no download is running.
func RemoveStaleFiles(ctx context.Context, cacheDir, stagingDir string) error {
	logger := logctx.LoggerFromContext(ctx)

	var errs []error

	entries, err := os.ReadDir(cacheDir)
	if err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), partialSuffix) {
			continue
		}

		path := filepath.Join(cacheDir, e.Name())
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)

			continue
		}

		logger.Info("Deleted partial download", "file", path)
	}

	staged, err := os.ReadDir(stagingDir)
	if err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}

	for _, e := range staged {
		path := filepath.Join(stagingDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, err)

			continue
		}

		logger.Info("Deleted stale staging directory", "dir", path)
	}

	return errors.Join(errs...)
}

// Watch runs fn every interval until ctx is done.
func Watch(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.ErrorContext(ctx, "cleanup panic",
					"operation", "cleanup",
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.InfoContext(ctx, "cleanup shutdown", "reason", "context_cancelled")

				return
			case <-ticker.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					logger.ErrorContext(ctx, "cleanup failed", "err", err)
				}
			}
		}
	}()
}
