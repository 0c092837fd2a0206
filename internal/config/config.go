package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Validator and probe backend selections.
const (
	ValidatorNone     = "none"
	ValidatorSuricata = "suricata"
	BackendNone       = "none"
	BackendDocker     = "docker"
)

// Config captures runtime configuration sourced from environment variables.
type Config struct {
	Environment  string
	HTTPPort     string
	DatabasePath string
	DataDir      string
	Debug        bool

	FetchTimeout  time.Duration
	FetchMaxBytes int64

	Validator       string
	SuricataBinary  string
	SuricataConfig  string
	ValidateTimeout time.Duration

	ProbeBackend  string
	ProbeLabel    string
	ProbeRulesDir string

	SchedulerEnabled   bool
	DefaultUpdateCron  string
	UpdateRetryTimeout time.Duration
}

// Load reads env vars and falls back to defaults so the server can boot with zero configuration.
func Load() (Config, error) {
	dataDir := getEnv("SIGFORGE_DATA_DIR", "data")
	cfg := Config{
		Environment:  getEnv("SIGFORGE_ENV", "development"),
		HTTPPort:     getEnv("SIGFORGE_HTTP_PORT", "8080"),
		DatabasePath: getEnv("SIGFORGE_DB_PATH", filepath.Join(dataDir, "sigforge.db")),
		DataDir:      dataDir,

		Validator:      strings.ToLower(getEnv("SIGFORGE_VALIDATOR", ValidatorNone)),
		SuricataBinary: getEnv("SIGFORGE_SURICATA_BIN", "suricata"),
		SuricataConfig: getEnv("SIGFORGE_SURICATA_CONFIG", ""),

		ProbeBackend:  strings.ToLower(getEnv("SIGFORGE_PROBE_BACKEND", BackendNone)),
		ProbeLabel:    getEnv("SIGFORGE_PROBE_LABEL", "sigforge.probe=true"),
		ProbeRulesDir: getEnv("SIGFORGE_PROBE_RULES_DIR", "/etc/suricata/rules"),

		DefaultUpdateCron: getEnv("SIGFORGE_DEFAULT_UPDATE_CRON", "@daily"),
	}

	var err error
	if cfg.Debug, err = getBool("SIGFORGE_DEBUG", false); err != nil {
		return Config{}, err
	}
	if cfg.SchedulerEnabled, err = getBool("SIGFORGE_SCHEDULER_ENABLED", true); err != nil {
		return Config{}, err
	}
	if cfg.FetchTimeout, err = getDuration("SIGFORGE_FETCH_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ValidateTimeout, err = getDuration("SIGFORGE_VALIDATE_TIMEOUT", 2*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.UpdateRetryTimeout, err = getDuration("SIGFORGE_UPDATE_RETRY_TIMEOUT", 10*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.FetchMaxBytes, err = getInt64("SIGFORGE_FETCH_MAX_BYTES", 256<<20); err != nil {
		return Config{}, err
	}

	switch cfg.Validator {
	case ValidatorNone, ValidatorSuricata:
	default:
		return Config{}, fmt.Errorf("SIGFORGE_VALIDATOR: unknown validator %q", cfg.Validator)
	}
	switch cfg.ProbeBackend {
	case BackendNone, BackendDocker:
	default:
		return Config{}, fmt.Errorf("SIGFORGE_PROBE_BACKEND: unknown backend %q", cfg.ProbeBackend)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return Config{}, fmt.Errorf("ensure data directory: %w", err)
	}

	return cfg, nil
}

// IsProduction reports whether the service runs with production defaults.
func (c Config) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}

	return fallback
}

func getBool(key string, fallback bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	val := os.Getenv(key)
	if val == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
