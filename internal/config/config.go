// Package config loads service configuration from the environment, with an
// optional .env file for development. Every setting has a default; only the
// analyzer API key is required, and only by the commands that talk to the
// model.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Analyzer AnalyzerConfig
	Storage  StorageConfig
	Worker   WorkerConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type AnalyzerConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	NormalizeModel string
}

type StorageConfig struct {
	// Driver selects the store backend: "sqlite" or "postgres".
	Driver      string
	DataDir     string
	PostgresDSN string
}

type WorkerConfig struct {
	LeaseSeconds    int
	BatchLimit      int
	PollInterval    time.Duration
	ManagerInterval time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4200,
		},
		Analyzer: AnalyzerConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Model:   "anthropic/claude-sonnet-4",
		},
		Storage: StorageConfig{
			Driver:  "sqlite",
			DataDir: defaultDataDir(),
		},
		Worker: WorkerConfig{
			LeaseSeconds:    300,
			BatchLimit:      5,
			PollInterval:    5 * time.Second,
			ManagerInterval: time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "sift-data"
		}
	}
	return filepath.Join(dir, "sift")
}

// Load reads configuration: defaults, then a .env file if one exists in the
// working directory, then SIFT_* environment variables. The API key is not
// validated here; commands that need it check for it themselves.
func Load() (Config, error) {
	// Missing .env is the normal case outside development.
	_ = godotenv.Load()

	cfg := defaults()

	envStr("SIFT_SERVER_TOKEN", &cfg.Server.Token)
	envInt("SIFT_SERVER_PORT", &cfg.Server.Port)

	envStr("SIFT_ANALYZER_BASE_URL", &cfg.Analyzer.BaseURL)
	envStr("SIFT_ANALYZER_API_KEY", &cfg.Analyzer.APIKey)
	envStr("SIFT_ANALYZER_MODEL", &cfg.Analyzer.Model)
	envStr("SIFT_ANALYZER_NORMALIZE_MODEL", &cfg.Analyzer.NormalizeModel)

	envStr("SIFT_STORAGE_DRIVER", &cfg.Storage.Driver)
	envStr("SIFT_DATA_DIR", &cfg.Storage.DataDir)
	envStr("SIFT_POSTGRES_DSN", &cfg.Storage.PostgresDSN)

	envInt("SIFT_WORKER_LEASE_SECONDS", &cfg.Worker.LeaseSeconds)
	envInt("SIFT_WORKER_BATCH_LIMIT", &cfg.Worker.BatchLimit)
	envDuration("SIFT_WORKER_POLL_INTERVAL", &cfg.Worker.PollInterval)
	envDuration("SIFT_MANAGER_INTERVAL", &cfg.Worker.ManagerInterval)

	envStr("SIFT_LOG_LEVEL", &cfg.Log.Level)

	switch cfg.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return Config{}, fmt.Errorf("unknown storage driver %q (want sqlite or postgres)", cfg.Storage.Driver)
	}
	if cfg.Storage.Driver == "postgres" && cfg.Storage.PostgresDSN == "" {
		return Config{}, fmt.Errorf("storage driver is postgres but SIFT_POSTGRES_DSN is not set")
	}

	return cfg, nil
}

// SlogLevel maps the configured log level onto slog.
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", key, raw, err)
		return
	}
	*dst = i
}

func envDuration(key string, dst *time.Duration) {
	raw := os.Getenv(key)
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", key, raw, err)
		return
	}
	*dst = d
}
