package tasks

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/italolelis/game_launcher/internal/logctx"
	"github.com/italolelis/game_launcher/internal/model"
)

// Delete returns the operation that removes the installation of id.
func (i *Installer) Delete(id model.GameIdentifier) Operation {
	return &deleteOp{installer: i, id: id}
}

type deleteOp struct {
	installer *Installer
	id        model.GameIdentifier
}

func (d *deleteOp) Kind() Kind {
	return KindDelete
}

func (d *deleteOp) Target() model.GameIdentifier {
	return d.id
}

func (d *deleteOp) Admit() error {
	if d.installer.isRunning(d.id) {
		return &model.ConflictError{ID: d.id, Operation: string(KindDelete), Reason: "the game is running"}
	}

	return nil
}

func (d *deleteOp) Run(ctx context.Context, t *Task) error {
	// The game may have been started while the task was queued.
	if err := d.Admit(); err != nil {
		return err
	}

	logger := logctx.LoggerFromContext(ctx)
	dir := d.installer.manager.InstallDirectory(d.id)

	if err := removeTree(ctx, dir, t.ReportProgress); err != nil {
		return err
	}

	removeEmptyParents(filepath.Dir(dir), d.installer.manager.Root())

	t.Lease().MarkRemoved()

	logger.InfoContext(ctx, "game removed", "dir", dir)

	return nil
}

// removeTree deletes dir bottom-up, checking ctx between entries. Entries that cannot
// be removed are collected into a RemovalError; their ancestors are not reported
// again. A missing dir is not an error.
func removeTree(ctx context.Context, dir string, report func(float64)) error {
	if _, err := os.Lstat(dir); errors.Is(err, os.ErrNotExist) {
		report(1)

		return nil
	}

	var (
		paths  []string
		failed []string
		first  error
	)

	fail := func(path string, err error) {
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			rel = path
		}

		failed = append(failed, rel)

		if first == nil {
			first = err
		}
	}

	walkErr := filepath.WalkDir(dir, func(path string, _ fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		if err != nil {
			fail(path, err)

			return nil
		}

		paths = append(paths, path)

		return nil
	})
	if walkErr != nil {
		return walkErr
	}

	// Deepest entries first so directories are empty when their turn comes.
	sort.SliceStable(paths, func(i, j int) bool {
		return depth(paths[i]) > depth(paths[j])
	})

	blocked := make(map[string]bool)

	for _, f := range failed {
		markAncestors(blocked, filepath.Join(dir, f), dir)
	}

	for n, path := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}

		if blocked[path] {
			continue
		}

		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			fail(path, err)
			markAncestors(blocked, path, dir)
		}

		report(float64(n+1) / float64(len(paths)))
	}

	if len(failed) > 0 {
		return &model.RemovalError{Dir: dir, Failed: failed, Err: first}
	}

	return nil
}

func markAncestors(blocked map[string]bool, path, root string) {
	for p := filepath.Dir(path); ; p = filepath.Dir(p) {
		blocked[p] = true

		if p == root || p == filepath.Dir(p) {
			return
		}
	}
}

func depth(path string) int {
	return strings.Count(filepath.Clean(path), string(filepath.Separator))
}

// removeEmptyParents prunes now-empty build and profile directories up to root.
func removeEmptyParents(dir, root string) {
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return
		}

		dir = filepath.Dir(dir)
	}
}
