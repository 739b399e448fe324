package tasks

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/game_launcher/internal/game"
	"github.com/italolelis/game_launcher/internal/logctx"
	"github.com/italolelis/game_launcher/internal/model"
	"github.com/italolelis/game_launcher/internal/tasks/progress"
	"github.com/italolelis/game_launcher/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	dirPerm = 0o755

	// Share of a download's progress taken by the transfer; extraction fills the rest.
	transferWeight = 0.9

	progressInterval = 256 * 1024
	logInterval      = 100 * 1024 * 1024

	// PartialSuffix marks an archive that is still being transferred.
	PartialSuffix = ".part"
	archiveSuffix = ".zip"
)

// Installer builds the download and delete operations for one install root.
type Installer struct {
	manager      *game.Manager
	client       *http.Client
	cacheDir     string
	keepArchives func() bool
	isRunning    func(model.GameIdentifier) bool
	telemetry    *telemetry.Telemetry
}

type InstallerOption func(*Installer)

// WithHTTPClient replaces the instrumented default client used for archive transfers.
func WithHTTPClient(c *http.Client) InstallerOption {
	return func(i *Installer) {
		i.client = c
	}
}

// WithKeepArchives makes downloads keep (and reuse) archives in the cache directory
// whenever keep reports true.
func WithKeepArchives(keep func() bool) InstallerOption {
	return func(i *Installer) {
		i.keepArchives = keep
	}
}

// WithRunningCheck makes deletes refuse identifiers for which running reports true.
func WithRunningCheck(running func(model.GameIdentifier) bool) InstallerOption {
	return func(i *Installer) {
		i.isRunning = running
	}
}

func WithInstallerTelemetry(t *telemetry.Telemetry) InstallerOption {
	return func(i *Installer) {
		i.telemetry = t
	}
}

func NewInstaller(manager *game.Manager, cacheDir string, opts ...InstallerOption) (*Installer, error) {
	if err := os.MkdirAll(cacheDir, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	i := &Installer{
		manager:      manager,
		cacheDir:     cacheDir,
		client:       &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		keepArchives: func() bool { return false },
		isRunning:    func(model.GameIdentifier) bool { return false },
	}

	for _, opt := range opts {
		opt(i)
	}

	return i, nil
}

// ArchivePath is where the archive for id is cached.
func (i *Installer) ArchivePath(id model.GameIdentifier) string {
	return filepath.Join(i.cacheDir, game.ArchiveName(id)+archiveSuffix)
}

// Download returns the operation that installs release.
func (i *Installer) Download(release model.GameRelease) Operation {
	return &downloadOp{installer: i, release: release}
}

type downloadOp struct {
	installer *Installer
	release   model.GameRelease
}

func (d *downloadOp) Kind() Kind {
	return KindDownload
}

func (d *downloadOp) Target() model.GameIdentifier {
	return d.release.ID
}

func (d *downloadOp) Admit() error {
	if d.release.DownloadURL == "" {
		return fmt.Errorf("release %s has no download url", d.release.ID)
	}

	if d.installer.manager.IsInstalled(d.release.ID) {
		return &model.ConflictError{ID: d.release.ID, Operation: string(KindDownload), Reason: "already installed"}
	}

	return nil
}

func (d *downloadOp) Run(ctx context.Context, t *Task) (err error) {
	logger := logctx.LoggerFromContext(ctx)
	i := d.installer
	id := d.release.ID
	keep := i.keepArchives()

	archive := i.ArchivePath(id)
	staging := i.manager.StagingDirectory(t.ID())

	defer func() {
		if err == nil {
			return
		}

		if rmErr := os.RemoveAll(staging); rmErr != nil {
			logger.ErrorContext(ctx, "failed to remove staging directory", "dir", staging, "err", rmErr)
		}

		// A kept archive survives cancellation unless it is the reason for the failure.
		var extractErr *model.ExtractionError
		if keep && !errors.As(err, &extractErr) {
			return
		}

		if rmErr := os.Remove(archive); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.ErrorContext(ctx, "failed to remove archive", "archive", archive, "err", rmErr)
		}
	}()

	if keep && fileExists(archive) {
		logger.InfoContext(ctx, "reusing cached archive", "archive", archive)
	} else if err := d.fetch(ctx, t, archive); err != nil {
		return err
	}

	t.ReportProgress(transferWeight)

	if err := extract(ctx, archive, staging, func(fraction float64) {
		t.ReportProgress(transferWeight + fraction*(1-transferWeight))
	}); err != nil {
		return err
	}

	if _, err := game.NewInstallation(staging).GameJarPath(); err != nil {
		return &model.ExtractionError{Archive: archive, Reason: "archive does not contain the game", Err: err}
	}

	if err := game.WriteMarker(staging, game.Marker{
		ID:          id,
		DownloadURL: d.release.DownloadURL,
		ReleasedAt:  d.release.Timestamp,
		InstalledAt: time.Now().UTC(),
	}); err != nil {
		return &model.ExtractionError{Archive: archive, Reason: "failed to finalize installation", Err: err}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	if err := d.promote(staging); err != nil {
		return err
	}

	t.Lease().MarkInstalled()

	if !keep {
		if err := os.Remove(archive); err != nil {
			logger.WarnContext(ctx, "failed to remove archive", "archive", archive, "err", err)
		}
	}

	logger.InfoContext(ctx, "game installed", "dir", i.manager.InstallDirectory(id))

	return nil
}

// promote moves the finished staging directory to the install directory. The rename
// is the point where the installation becomes visible.
func (d *downloadOp) promote(staging string) error {
	target := d.installer.manager.InstallDirectory(d.release.ID)

	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return fmt.Errorf("failed to create install directory: %w", err)
	}

	// Anything left at target is not a registered installation (Admit checked),
	// so it is a leftover of an interrupted run.
	if err := os.RemoveAll(target); err != nil {
		return fmt.Errorf("failed to clear install directory: %w", err)
	}

	if err := os.Rename(staging, target); err != nil {
		return fmt.Errorf("failed to move installation into place: %w", err)
	}

	return nil
}

func (d *downloadOp) fetch(ctx context.Context, t *Task, archive string) error {
	logger := logctx.LoggerFromContext(ctx)
	url := d.release.DownloadURL

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &model.TransferError{URL: url, Reason: "invalid request", Err: err}
	}

	resp, err := d.installer.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		return &model.TransferError{URL: url, Reason: "request failed", Err: err}
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &model.TransferError{URL: url, StatusCode: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
	}

	if err := ensureTargetDir(archive, logger); err != nil {
		return &model.TransferError{URL: url, Reason: "cannot create cache directory", Err: err}
	}

	part := archive + PartialSuffix

	out, err := os.Create(part)
	if err != nil {
		return &model.TransferError{URL: url, Reason: "cannot create archive", Err: err}
	}

	written, err := writeFile(ctx, t, out, resp.Body, url, resp.ContentLength)

	if closeErr := out.Close(); err == nil && closeErr != nil {
		err = &model.TransferError{URL: url, Reason: "cannot write archive", Err: closeErr}
	}

	d.installer.telemetry.RecordDownloadedBytes(written)

	if err == nil && resp.ContentLength > 0 && written != resp.ContentLength {
		err = &model.TransferError{
			URL:    url,
			Reason: fmt.Sprintf("incomplete transfer: got %d of %d bytes", written, resp.ContentLength),
		}
	}

	if err == nil {
		err = os.Rename(part, archive)
	}

	if err != nil {
		if rmErr := os.Remove(part); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			logger.ErrorContext(ctx, "failed to remove partial archive", "file", part, "err", rmErr)
		}

		return err
	}

	return nil
}

func ensureTargetDir(targetPath string, logger *slog.Logger) error {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		logger.Error("failed to create target directory", "dir", dir, "err", err)

		return fmt.Errorf("failed to create target directory: %w", err)
	}

	return nil
}

func writeFile(ctx context.Context, t *Task, out io.Writer, reader io.Reader, url string, totalBytes int64) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	if totalBytes > 0 {
		logger.InfoContext(ctx, "downloading archive", "url", url, "size", humanize.Bytes(uint64(totalBytes)))
	} else {
		logger.InfoContext(ctx, "downloading archive", "url", url, "size", "unknown")
		t.ReportIndeterminate()
	}

	var lastLogged int64

	pr := progress.NewReader(ctx, reader, totalBytes, progressInterval, func(read int64, total int64) {
		if total > 0 {
			t.ReportProgress(float64(read) / float64(total) * transferWeight)
		}

		if read-lastLogged < logInterval {
			return
		}

		lastLogged = read

		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"downloaded", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(read)*100/float64(total), 2))
		} else {
			logger.DebugContext(ctx, "download progress", "downloaded", humanize.Bytes(uint64(read)))
		}
	})

	n, err := io.Copy(out, pr)
	if err != nil {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}

		return n, &model.TransferError{URL: url, Reason: "transfer interrupted", Err: err}
	}

	logger.InfoContext(ctx, "archive downloaded", "size", humanize.Bytes(uint64(n)))

	return n, nil
}

// extract materializes archive into dest. A single top-level directory shared by
// every entry is stripped. Cancellation is checked per entry and per chunk.
func extract(ctx context.Context, archive, dest string, report func(fraction float64)) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return &model.ExtractionError{Archive: archive, Reason: "malformed archive", Err: err}
	}

	defer zr.Close()

	if err := os.MkdirAll(dest, dirPerm); err != nil {
		return &model.ExtractionError{Archive: archive, Reason: "cannot create staging directory", Err: err}
	}

	prefix := commonRoot(zr.File)

	var total, done uint64
	for _, f := range zr.File {
		total += f.UncompressedSize64
	}

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := strings.TrimPrefix(f.Name, prefix)
		if name == "" {
			continue
		}

		target, err := entryPath(dest, name)
		if err != nil {
			return &model.ExtractionError{Archive: archive, Entry: f.Name, Reason: "illegal path", Err: err}
		}

		n, err := extractEntry(ctx, f, target, func(entryRead int64) {
			if total > 0 {
				report(float64(done+uint64(entryRead)) / float64(total))
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			return &model.ExtractionError{Archive: archive, Entry: f.Name, Reason: "cannot extract entry", Err: err}
		}

		done += uint64(n)
	}

	report(1)

	return nil
}

func extractEntry(ctx context.Context, f *zip.File, target string, report func(int64)) (int64, error) {
	mode := f.Mode()

	switch {
	case mode.IsDir():
		return 0, os.MkdirAll(target, dirPerm)
	case !mode.IsRegular():
		return 0, fmt.Errorf("unsupported entry type %s", mode.Type())
	}

	if err := os.MkdirAll(filepath.Dir(target), dirPerm); err != nil {
		return 0, err
	}

	rc, err := f.Open()
	if err != nil {
		return 0, err
	}

	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode.Perm()|0o600)
	if err != nil {
		return 0, err
	}

	pr := progress.NewReader(ctx, rc, int64(f.UncompressedSize64), progressInterval, func(read, _ int64) {
		report(read)
	})

	n, err := io.Copy(out, pr)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	return n, err
}

// entryPath joins name onto dest, refusing names that would land outside dest.
func entryPath(dest, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("absolute path %q", name)
	}

	target := filepath.Join(dest, filepath.FromSlash(name))

	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes the destination", name)
	}

	return target, nil
}

// commonRoot returns "dir/" when every entry lives under the same top-level
// directory. A library directory is part of the game layout and never stripped.
func commonRoot(files []*zip.File) string {
	root := ""

	for _, f := range files {
		first, _, found := strings.Cut(f.Name, "/")
		if !found || first == "" {
			return ""
		}

		if root == "" {
			root = first
		} else if first != root {
			return ""
		}
	}

	if root == "" || root == "libs" || root == "lib" {
		return ""
	}

	return root + "/"
}

func fileExists(path string) bool {
	info, err := os.Stat(path)

	return err == nil && info.Mode().IsRegular()
}
