package game

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/italolelis/game_launcher/internal/model"
	"golang.org/x/mod/semver"
)

const (
	// MarkerFile is written last into a fully extracted installation.
	MarkerFile = ".installed.json"

	markerPerm = 0o644
)

var (
	gameJarCandidates = []string{
		filepath.Join("libs", "Terasology.jar"),
		filepath.Join("lib", "Terasology.jar"),
		"Terasology.jar",
	}
	engineLibDirs = []string{"libs", "lib"}
)

// Marker describes a completed installation. Its presence is what distinguishes a
// finished install directory from a partial one.
type Marker struct {
	ID          model.GameIdentifier `json:"id"`
	DownloadURL string               `json:"download_url,omitempty"`
	ReleasedAt  time.Time            `json:"released_at,omitempty"`
	InstalledAt time.Time            `json:"installed_at"`
}

// WriteMarker atomically places the completion marker into dir.
func WriteMarker(dir string, m Marker) error {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode installation marker: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".marker-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create installation marker: %w", err)
	}

	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()

		return fmt.Errorf("failed to write installation marker: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close installation marker: %w", err)
	}

	if err := os.Chmod(tmp.Name(), markerPerm); err != nil {
		return fmt.Errorf("failed to chmod installation marker: %w", err)
	}

	return os.Rename(tmp.Name(), filepath.Join(dir, MarkerFile))
}

// Installation is a view of one game copy on disk. It holds no cached state:
// every query re-reads the directory, because a delete or download may replace it
// between two calls. It does not lock the directory.
type Installation struct {
	dir string
}

func NewInstallation(dir string) *Installation {
	return &Installation{dir: dir}
}

func (i *Installation) Dir() string {
	return i.dir
}

// Marker reads the completion marker.
func (i *Installation) Marker() (Marker, error) {
	var m Marker

	b, err := os.ReadFile(filepath.Join(i.dir, MarkerFile))
	if err != nil {
		return m, fmt.Errorf("failed to read installation marker: %w", err)
	}

	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("failed to decode installation marker: %w", err)
	}

	return m, nil
}

// Validate checks that the directory is a complete installation of id.
func (i *Installation) Validate(id model.GameIdentifier) error {
	m, err := i.Marker()
	if err != nil {
		return err
	}

	if m.ID != id {
		return fmt.Errorf("installation marker names %s, expected %s", m.ID, id)
	}

	if _, err := i.GameJarPath(); err != nil {
		return err
	}

	return nil
}

// GameJarPath locates the game entry point.
func (i *Installation) GameJarPath() (string, error) {
	for _, rel := range gameJarCandidates {
		p := filepath.Join(i.dir, rel)

		info, err := os.Stat(p)
		if err == nil && info.Mode().IsRegular() {
			return p, nil
		}
	}

	return "", fmt.Errorf("no game jar found in %s", i.dir)
}

// EngineVersion derives the engine version from the highest engine-<version>.jar
// found in the library directories.
func (i *Installation) EngineVersion() (string, error) {
	best := ""

	for _, libDir := range engineLibDirs {
		entries, err := os.ReadDir(filepath.Join(i.dir, libDir))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}

			return "", fmt.Errorf("failed to read %s: %w", libDir, err)
		}

		for _, e := range entries {
			v, ok := engineVersionFromName(e.Name())
			if !ok {
				continue
			}

			if best == "" || semver.Compare("v"+v, "v"+best) > 0 {
				best = v
			}
		}
	}

	if best == "" {
		return "", fmt.Errorf("no engine library found in %s", i.dir)
	}

	return best, nil
}

func engineVersionFromName(name string) (string, bool) {
	if !strings.HasPrefix(name, "engine-") || !strings.HasSuffix(name, ".jar") {
		return "", false
	}

	v := strings.TrimSuffix(strings.TrimPrefix(name, "engine-"), ".jar")
	if !semver.IsValid("v" + v) {
		return "", false
	}

	return v, true
}
