package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/kelseyhightower/envconfig"
)

// ByteSize decodes human readable sizes such as "200MB" or "1 GiB".
type ByteSize uint64

func (b *ByteSize) Decode(value string) error {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", value, err)
	}

	*b = ByteSize(n)

	return nil
}

func (b ByteSize) String() string {
	return humanize.Bytes(uint64(b))
}

// Config struct for environment variables.
type Config struct {
	LauncherDir  string `envconfig:"LAUNCHER_DIR"`
	InstallDir   string `envconfig:"INSTALL_DIR"`
	CacheDir     string `envconfig:"CACHE_DIR"`
	DBPath       string `envconfig:"DB_PATH"`
	SettingsPath string `envconfig:"SETTINGS_PATH"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFile      string `envconfig:"LOG_FILE"`

	CatalogURLs   []string `envconfig:"CATALOG_URLS"`
	CatalogFiles  []string `envconfig:"CATALOG_FILES"`
	PutioToken    string   `envconfig:"PUTIO_TOKEN"`
	PutioFolderID int64    `envconfig:"PUTIO_FOLDER_ID"`

	RefreshInterval        time.Duration `envconfig:"REFRESH_INTERVAL" default:"30m"`
	HTTPTimeout            time.Duration `envconfig:"HTTP_TIMEOUT" default:"30s"`
	KeepDownloadedFor      time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"168h"`
	CleanupInterval        time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	CleanupPartialInstalls bool          `envconfig:"CLEANUP_PARTIAL_INSTALLS" default:"true"`
	MinFreeSpace           ByteSize      `envconfig:"MIN_FREE_SPACE" default:"200MB"`
	JavaBin                string        `envconfig:"JAVA_BIN" default:"java"`
	ShutdownTimeout        time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
	DiscordWebhookURL      string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"false"`
		ServiceName  string `split_words:"true" default:"game_launcher"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9092"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
// Directories that are not set explicitly live under LAUNCHER_DIR.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) resolvePaths() error {
	if c.LauncherDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to resolve launcher directory: %w", err)
		}

		c.LauncherDir = filepath.Join(home, ".game_launcher")
	}

	defaults := []struct {
		target *string
		name   string
	}{
		{&c.InstallDir, "games"},
		{&c.CacheDir, "cache"},
		{&c.DBPath, "launcher.db"},
		{&c.SettingsPath, "settings.toml"},
	}

	for _, d := range defaults {
		if *d.target == "" {
			*d.target = filepath.Join(c.LauncherDir, d.name)
		}
	}

	if c.LogFile != "" && !filepath.IsAbs(c.LogFile) {
		c.LogFile = filepath.Join(c.LauncherDir, c.LogFile)
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
