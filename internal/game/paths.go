package game

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/italolelis/game_launcher/internal/model"
)

const (
	// StagingDirName holds in-flight extractions below the install root.
	StagingDirName = ".staging"

	emptySegment = "%"
)

// installPath maps id to root/<profile>/<build>/<version>. Each component is
// escaped on its own so the mapping is injective: escaped segments never contain a
// separator, never start with a dot, and decode back to the original component.
func installPath(root string, id model.GameIdentifier) string {
	return filepath.Join(root,
		escapeSegment(string(id.Profile)),
		escapeSegment(string(id.Build)),
		escapeSegment(id.Version),
	)
}

// ArchiveName is the cache file name (without extension) for id. Segments are
// escaped like install paths and "_" is escaped too, so it can join them.
func ArchiveName(id model.GameIdentifier) string {
	segments := []string{string(id.Profile), string(id.Build), id.Version}

	for i, seg := range segments {
		segments[i] = strings.ReplaceAll(escapeSegment(seg), "_", "%5F")
	}

	return strings.Join(segments, "_")
}

func escapeSegment(s string) string {
	if s == "" {
		return emptySegment
	}

	e := url.PathEscape(s)

	if strings.HasPrefix(e, ".") {
		e = "%2E" + e[1:]
	}

	return e
}

func unescapeSegment(s string) (string, error) {
	if s == emptySegment {
		return "", nil
	}

	u, err := url.PathUnescape(s)
	if err != nil {
		return "", fmt.Errorf("invalid path segment %q: %w", s, err)
	}

	if escapeSegment(u) != s {
		return "", fmt.Errorf("path segment %q is not in canonical form", s)
	}

	return u, nil
}

// identifierFromSegments is the inverse of installPath for the three trailing segments.
func identifierFromSegments(profile, build, version string) (model.GameIdentifier, error) {
	parts := make([]string, 0, 3)

	for _, seg := range []string{profile, build, version} {
		u, err := unescapeSegment(seg)
		if err != nil {
			return model.GameIdentifier{}, err
		}

		parts = append(parts, u)
	}

	return model.NewGameIdentifier(model.Profile(parts[0]), model.Build(parts[1]), parts[2])
}
