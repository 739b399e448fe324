package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/italolelis/game_launcher/internal/model"
)

// FileSource reads a catalog document from the local filesystem.
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Name() string {
	return "file:" + filepath.Base(s.path)
}

func (s *FileSource) Fetch(ctx context.Context) ([]model.GameRelease, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}

	defer f.Close()

	releases, skipped, err := Decode(f, FormatFor("", s.path), s.Name())
	if err != nil {
		return nil, err
	}

	logSkipped(ctx, s.Name(), skipped)

	return releases, nil
}
