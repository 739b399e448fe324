package catalog

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/italolelis/game_launcher/internal/logctx"
	"github.com/italolelis/game_launcher/internal/model"
	"github.com/putdotio/go-putio"
	"golang.org/x/oauth2"
)

// PutioSource publishes the archives of one put.io folder as releases. Archive
// names follow <profile>-<build>-<version>.zip; the upload time is the release time.
type PutioSource struct {
	client   *putio.Client
	folderID int64
}

func NewPutioSource(token string, folderID int64) *PutioSource {
	tokenSource := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	oauthClient := oauth2.NewClient(context.Background(), tokenSource)

	return newPutioSource(putio.NewClient(oauthClient), folderID)
}

func newPutioSource(client *putio.Client, folderID int64) *PutioSource {
	return &PutioSource{client: client, folderID: folderID}
}

func (s *PutioSource) Name() string {
	return fmt.Sprintf("putio:%d", s.folderID)
}

func (s *PutioSource) Fetch(ctx context.Context) ([]model.GameRelease, error) {
	logger := logctx.LoggerFromContext(ctx).With("folder_id", s.folderID)

	files, _, err := s.client.Files.List(ctx, s.folderID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to list folder", "err", err)

		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	releases := make([]model.GameRelease, 0, len(files))

	for _, f := range files {
		if f.IsDir() {
			continue
		}

		id, ok := parseArchiveName(f.Name)
		if !ok {
			logger.DebugContext(ctx, "skipping file, not a release archive", "file_name", f.Name)

			continue
		}

		url, err := s.client.Files.URL(ctx, f.ID, false)
		if err != nil {
			logger.ErrorContext(ctx, "failed to get file download url", "file_id", f.ID, "err", err)

			continue
		}

		rel := model.GameRelease{ID: id, DownloadURL: url, Source: s.Name()}
		if f.CreatedAt != nil {
			rel.Timestamp = f.CreatedAt.Time.UTC()
		}

		releases = append(releases, rel)
	}

	logger.DebugContext(ctx, "found release archives", "release_count", len(releases))

	return releases, nil
}

func parseArchiveName(name string) (model.GameIdentifier, bool) {
	if !strings.EqualFold(path.Ext(name), ".zip") {
		return model.GameIdentifier{}, false
	}

	parts := strings.SplitN(strings.TrimSuffix(name, path.Ext(name)), "-", 3)
	if len(parts) != 3 {
		return model.GameIdentifier{}, false
	}

	id, err := model.NewGameIdentifier(
		model.Profile(strings.ToUpper(parts[0])),
		model.Build(strings.ToUpper(parts[1])),
		parts[2],
	)

	return id, err == nil
}
