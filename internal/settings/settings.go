// Package settings persists the user's launcher settings as a TOML file.
package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/game_launcher/internal/game"
	"github.com/italolelis/game_launcher/internal/model"
	toml "github.com/pelletier/go-toml/v2"
)

const (
	fileMode        = 0o600
	dirMode         = 0o700
	tempFilePattern = ".settings-*.toml.tmp"
)

// Settings are the options the launcher passes through to the game and the few it
// interprets itself.
type Settings struct {
	MaxHeapSize           string                `toml:"max_heap_size,omitempty"`
	MinHeapSize           string                `toml:"min_heap_size,omitempty"`
	ExtraJavaParameters   []string              `toml:"extra_java_parameters,omitempty"`
	ExtraGameParameters   []string              `toml:"extra_game_parameters,omitempty"`
	CloseAfterStart       bool                  `toml:"close_after_start"`
	LastPlayedGameVersion *model.GameIdentifier `toml:"last_played_game_version,omitempty"`
	ShowPreReleases       bool                  `toml:"show_pre_releases"`
	KeepDownloadedFiles   bool                  `toml:"keep_downloaded_files"`
	GameDataDirectory     string                `toml:"game_data_directory,omitempty"`
}

// Validate checks the heap sizes use the JVM size syntax (for example 512m or 2G)
// and that the initial heap does not exceed the maximum.
func (s Settings) Validate() error {
	minBytes, err := heapBytes("min_heap_size", s.MinHeapSize)
	if err != nil {
		return err
	}

	maxBytes, err := heapBytes("max_heap_size", s.MaxHeapSize)
	if err != nil {
		return err
	}

	if minBytes > 0 && maxBytes > 0 && minBytes > maxBytes {
		return fmt.Errorf("min_heap_size %s exceeds max_heap_size %s", s.MinHeapSize, s.MaxHeapSize)
	}

	return nil
}

func heapBytes(field, size string) (uint64, error) {
	if size == "" {
		return 0, nil
	}

	digits := strings.TrimRight(size, "kKmMgG")
	if digits == "" || len(size)-len(digits) > 1 || strings.Trim(digits, "0123456789") != "" {
		return 0, fmt.Errorf("invalid %s %q", field, size)
	}

	n, err := humanize.ParseBytes(size)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", field, size, err)
	}

	return n, nil
}

// LaunchOptions converts the settings into game process options.
func (s Settings) LaunchOptions() game.LaunchOptions {
	return game.LaunchOptions{
		MaxHeapSize:         s.MaxHeapSize,
		MinHeapSize:         s.MinHeapSize,
		ExtraJavaParameters: s.ExtraJavaParameters,
		ExtraGameParameters: s.ExtraGameParameters,
		GameDataDirectory:   s.GameDataDirectory,
	}
}

// Store reads and writes Settings at a fixed path. A missing file reads as zero
// Settings.
type Store struct {
	path string
	mu   sync.RWMutex
}

func NewStore(path string) (*Store, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve settings path: %w", err)
	}

	return &Store{path: filepath.Clean(abs)}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Load(ctx context.Context) (Settings, error) {
	if err := ctx.Err(); err != nil {
		return Settings{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.read()
}

func (s *Store) Save(ctx context.Context, settings Settings) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := settings.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.write(settings)
}

// Update applies fn to the stored settings and writes the result.
func (s *Store) Update(ctx context.Context, fn func(*Settings)) (Settings, error) {
	if err := ctx.Err(); err != nil {
		return Settings{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.read()
	if err != nil {
		return Settings{}, err
	}

	fn(&settings)

	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}

	if err := s.write(settings); err != nil {
		return Settings{}, err
	}

	return settings, nil
}

func (s *Store) read() (Settings, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Settings{}, nil
		}

		return Settings{}, fmt.Errorf("read settings file: %w", err)
	}

	var settings Settings
	if err := toml.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("decode settings file: %w", err)
	}

	return settings, nil
}

func (s *Store) write(settings Settings) error {
	if err := os.MkdirAll(filepath.Dir(s.path), dirMode); err != nil {
		return fmt.Errorf("create settings directory: %w", err)
	}

	data, err := toml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings file: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), tempFilePattern)
	if err != nil {
		return fmt.Errorf("create temp settings file: %w", err)
	}

	tmpName := tmp.Name()
	cleanup := true

	defer func() {
		if cleanup {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("write temp settings file: %w", err)
	}

	if err := tmp.Chmod(fileMode); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("chmod temp settings file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp settings file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace settings file: %w", err)
	}

	cleanup = false

	return nil
}
