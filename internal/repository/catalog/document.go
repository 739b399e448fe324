// Package catalog implements the release catalog sources the repository manager
// merges: HTTP documents, local files and a put.io folder of archives.
package catalog

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/italolelis/game_launcher/internal/model"
	"gopkg.in/yaml.v3"
)

type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// Document is the published catalog layout, in JSON or YAML.
type Document struct {
	Releases []Entry `json:"releases" yaml:"releases"`
}

type Entry struct {
	Profile   string   `json:"profile" yaml:"profile"`
	Build     string   `json:"build" yaml:"build"`
	Version   string   `json:"version" yaml:"version"`
	Timestamp string   `json:"timestamp" yaml:"timestamp"`
	URL       string   `json:"url" yaml:"url"`
	Changelog []string `json:"changelog,omitempty" yaml:"changelog,omitempty"`
}

// Release converts the entry, validating identifier, timestamp and url.
func (e Entry) Release(source string) (model.GameRelease, error) {
	id, err := model.NewGameIdentifier(
		model.Profile(strings.ToUpper(e.Profile)),
		model.Build(strings.ToUpper(e.Build)),
		e.Version,
	)
	if err != nil {
		return model.GameRelease{}, err
	}

	ts, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return model.GameRelease{}, fmt.Errorf("release %s: invalid timestamp %q: %w", id, e.Timestamp, err)
	}

	if e.URL == "" {
		return model.GameRelease{}, fmt.Errorf("release %s: missing url", id)
	}

	return model.GameRelease{
		ID:          id,
		Timestamp:   ts.UTC(),
		DownloadURL: e.URL,
		Changelog:   e.Changelog,
		Source:      source,
	}, nil
}

// Decode parses a catalog document. Entries that do not describe a valid release are
// returned in skipped rather than failing the whole document.
func Decode(r io.Reader, format Format, source string) (releases []model.GameRelease, skipped []error, err error) {
	var doc Document

	switch format {
	case FormatYAML:
		err = yaml.NewDecoder(r).Decode(&doc)
	default:
		err = json.NewDecoder(r).Decode(&doc)
	}

	if err != nil && err != io.EOF {
		return nil, nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	for _, e := range doc.Releases {
		rel, err := e.Release(source)
		if err != nil {
			skipped = append(skipped, err)

			continue
		}

		releases = append(releases, rel)
	}

	return releases, skipped, nil
}

// FormatFor picks the document format from a content type, falling back to the
// file extension of name.
func FormatFor(contentType, name string) Format {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		switch {
		case strings.Contains(mt, "yaml"):
			return FormatYAML
		case strings.Contains(mt, "json"):
			return FormatJSON
		}
	}

	switch strings.ToLower(path.Ext(name)) {
	case ".yaml", ".yml":
		return FormatYAML
	}

	return FormatJSON
}
