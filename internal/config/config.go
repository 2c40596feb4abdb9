package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort        = 8080
	defaultRemoteURL   = "http://localhost:8000/api"
	defaultDownloadDir = "downloads"
	defaultLogLevel    = "info"

	envPrefix = "REPORTFLOW_"
)

// Config describes runtime configuration for the service.
type Config struct {
	Port        int           `yaml:"port"`
	LogLevel    string        `yaml:"log_level"`
	DownloadDir string        `yaml:"download_dir"`
	Remote      RemoteConfig  `yaml:"remote"`
	Poll        PollConfig    `yaml:"poll"`
	Stall       StallConfig   `yaml:"stall"`
	Session     SessionConfig `yaml:"session"`
	Ledger      LedgerConfig  `yaml:"ledger"`
}

type RemoteConfig struct {
	BaseURL         string        `yaml:"base_url"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	// DownloadTimeout bounds a version file download, which may be much larger than an
	// API answer.
	DownloadTimeout time.Duration `yaml:"download_timeout"`
}

type PollConfig struct {
	Interval          time.Duration `yaml:"interval"`
	Jitter            time.Duration `yaml:"jitter"`
	MaxFailures       int           `yaml:"max_failures"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	RatePerSecond     float64       `yaml:"rate_per_second"`
}

type StallConfig struct {
	Threshold     time.Duration `yaml:"threshold"`
	CheckInterval time.Duration `yaml:"check_interval"`
	// ScaleByStage gives long running stages proportionally more time.
	ScaleByStage bool `yaml:"scale_by_stage"`
}

type SessionConfig struct {
	TimeoutMinutes int           `yaml:"timeout_minutes"`
	CheckInterval  time.Duration `yaml:"check_interval"`
}

type LedgerConfig struct {
	StaleAfter    time.Duration `yaml:"stale_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Port:        defaultPort,
		LogLevel:    defaultLogLevel,
		DownloadDir: defaultDownloadDir,
		Remote: RemoteConfig{
			BaseURL:         defaultRemoteURL,
			RequestTimeout:  15 * time.Second,
			DownloadTimeout: 60 * time.Second,
		},
		Poll: PollConfig{
			Interval:          2 * time.Second,
			Jitter:            500 * time.Millisecond,
			MaxFailures:       5,
			BackoffInitial:    time.Second,
			BackoffMultiplier: 2,
			BackoffMax:        5 * time.Second,
			RatePerSecond:     2,
		},
		Stall: StallConfig{
			Threshold:     60 * time.Second,
			CheckInterval: 15 * time.Second,
			ScaleByStage:  true,
		},
		Session: SessionConfig{
			TimeoutMinutes: 30,
			CheckInterval:  time.Minute,
		},
		Ledger: LedgerConfig{
			StaleAfter:    5 * time.Minute,
			SweepInterval: time.Minute,
		},
	}
}

// Load reads YAML config from the provided path and applies REPORTFLOW_* environment
// overrides, loading a .env file first when one exists. A missing or empty file yields
// the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, errors.New("empty config path")
	}
	// .env is optional
	_ = godotenv.Load()

	fileData, err := os.ReadFile(path) //nolint:gosec // config path is controlled by deployment
	switch {
	case err != nil && !os.IsNotExist(err):
		return cfg, fmt.Errorf("read config: %w", err)
	case err == nil && len(fileData) > 0:
		if err := yaml.Unmarshal(fileData, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v, ok := lookup("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sPORT: %w", envPrefix, err)
		}
		cfg.Port = port
	}
	if v, ok := lookup("REMOTE_URL"); ok {
		cfg.Remote.BaseURL = v
	}
	if v, ok := lookup("REQUEST_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sREQUEST_TIMEOUT: %w", envPrefix, err)
		}
		cfg.Remote.RequestTimeout = d
	}
	if v, ok := lookup("SESSION_TIMEOUT_MINUTES"); ok {
		minutes, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sSESSION_TIMEOUT_MINUTES: %w", envPrefix, err)
		}
		cfg.Session.TimeoutMinutes = minutes
	}
	if v, ok := lookup("DOWNLOAD_DIR"); ok {
		cfg.DownloadDir = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		cfg.LogLevel = v
	}
	return nil
}

func lookup(key string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	return v, v != ""
}

// normalize fills zero values left by a partial file with the defaults.
func normalize(cfg *Config) {
	def := Default()
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = def.DownloadDir
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	cfg.Remote.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.Remote.BaseURL), "/")
	if cfg.Remote.BaseURL == "" {
		cfg.Remote.BaseURL = def.Remote.BaseURL
	}
	if cfg.Remote.RequestTimeout <= 0 {
		cfg.Remote.RequestTimeout = def.Remote.RequestTimeout
	}
	if cfg.Remote.DownloadTimeout <= 0 {
		cfg.Remote.DownloadTimeout = def.Remote.DownloadTimeout
	}
	if cfg.Poll.Interval <= 0 {
		cfg.Poll.Interval = def.Poll.Interval
	}
	if cfg.Poll.BackoffInitial <= 0 {
		cfg.Poll.BackoffInitial = def.Poll.BackoffInitial
	}
	if cfg.Poll.BackoffMultiplier == 0 {
		cfg.Poll.BackoffMultiplier = def.Poll.BackoffMultiplier
	}
	if cfg.Poll.BackoffMax <= 0 {
		cfg.Poll.BackoffMax = def.Poll.BackoffMax
	}
	if cfg.Stall.Threshold <= 0 {
		cfg.Stall.Threshold = def.Stall.Threshold
	}
	if cfg.Stall.CheckInterval <= 0 {
		cfg.Stall.CheckInterval = def.Stall.CheckInterval
	}
	if cfg.Session.CheckInterval <= 0 {
		cfg.Session.CheckInterval = def.Session.CheckInterval
	}
	if cfg.Ledger.StaleAfter <= 0 {
		cfg.Ledger.StaleAfter = def.Ledger.StaleAfter
	}
	if cfg.Ledger.SweepInterval <= 0 {
		cfg.Ledger.SweepInterval = def.Ledger.SweepInterval
	}
}

// validate rejects values that have no sensible fallback.
func validate(cfg Config) error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Poll.MaxFailures < 1 {
		return fmt.Errorf("invalid poll.max_failures: %d (must be >= 1)", cfg.Poll.MaxFailures)
	}
	if cfg.Poll.BackoffMultiplier < 1 {
		return fmt.Errorf("invalid poll.backoff_multiplier: %v (must be >= 1)", cfg.Poll.BackoffMultiplier)
	}
	if cfg.Session.TimeoutMinutes < 1 {
		return fmt.Errorf("invalid session.timeout_minutes: %d (must be >= 1)", cfg.Session.TimeoutMinutes)
	}
	if !strings.HasPrefix(cfg.Remote.BaseURL, "http://") && !strings.HasPrefix(cfg.Remote.BaseURL, "https://") {
		return fmt.Errorf("invalid remote.base_url %q: must be http or https", cfg.Remote.BaseURL)
	}
	return nil
}
