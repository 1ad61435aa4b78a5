package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	API     APIConfig     `yaml:"api"`
	Sync    SyncConfig    `yaml:"sync"`
	Catalog CatalogConfig `yaml:"catalog"`
	Network NetworkConfig `yaml:"network"`
	Log     LogConfig     `yaml:"log"`
}

// StorageConfig contains durable store settings.
type StorageConfig struct {
	Path           string   `yaml:"path"`
	ProbeTimeout   Duration `yaml:"probe_timeout"`
	ImageCacheSize int      `yaml:"image_cache_size"` // degraded-mode LRU capacity
}

// APIConfig contains tenant API client settings.
type APIConfig struct {
	BaseURL      string   `yaml:"base_url"`
	Token        string   `yaml:"-"` // env-only, never in YAML
	Timeout      Duration `yaml:"timeout"`
	FetchRetries int      `yaml:"fetch_retries"`
	BranchID     string   `yaml:"branch_id"`
	UserID       string   `yaml:"user_id"`
}

// SyncConfig contains sync engine settings.
type SyncConfig struct {
	Interval          Duration `yaml:"interval"`
	ReconnectCooldown Duration `yaml:"reconnect_cooldown"`
	MaxAttempts       int      `yaml:"max_attempts"`
}

// CatalogConfig contains catalog cache settings.
type CatalogConfig struct {
	TTL            Duration `yaml:"ttl"`
	PrefetchImages bool     `yaml:"prefetch_images"`
}

// NetworkConfig contains connectivity monitor settings.
type NetworkConfig struct {
	ProbeInterval Duration `yaml:"probe_interval"`
	Debounce      Duration `yaml:"debounce"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("POSSYNC_CONFIG_PATH", "config/possync.yaml")

	// Missing file is not an error; we just use defaults
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:           "data/possync.db",
			ProbeTimeout:   Duration(2 * time.Second),
			ImageCacheSize: 256,
		},
		API: APIConfig{
			Timeout:      Duration(30 * time.Second),
			FetchRetries: 3,
		},
		Sync: SyncConfig{
			Interval:          Duration(2 * time.Minute),
			ReconnectCooldown: Duration(5 * time.Second),
			MaxAttempts:       25,
		},
		Catalog: CatalogConfig{
			TTL:            Duration(15 * time.Minute),
			PrefetchImages: true,
		},
		Network: NetworkConfig{
			ProbeInterval: Duration(10 * time.Second),
			Debounce:      Duration(3 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Storage
	if v := os.Getenv("POSSYNC_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("POSSYNC_STORAGE_PROBE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Storage.ProbeTimeout = Duration(d)
		}
	}
	if v := os.Getenv("POSSYNC_IMAGE_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Storage.ImageCacheSize = n
		}
	}

	// API
	if v := os.Getenv("POSSYNC_API_URL"); v != "" {
		cfg.API.BaseURL = v
	}
	if v := os.Getenv("POSSYNC_API_TOKEN"); v != "" {
		cfg.API.Token = v
	}
	if v := os.Getenv("POSSYNC_API_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.API.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("POSSYNC_API_FETCH_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.API.FetchRetries = n
		}
	}
	if v := os.Getenv("POSSYNC_BRANCH_ID"); v != "" {
		cfg.API.BranchID = v
	}
	if v := os.Getenv("POSSYNC_USER_ID"); v != "" {
		cfg.API.UserID = v
	}

	// Sync
	if v := os.Getenv("POSSYNC_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.Interval = Duration(d)
		}
	}
	if v := os.Getenv("POSSYNC_RECONNECT_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.ReconnectCooldown = Duration(d)
		}
	}
	if v := os.Getenv("POSSYNC_SYNC_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sync.MaxAttempts = n
		}
	}

	// Catalog
	if v := os.Getenv("POSSYNC_CATALOG_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Catalog.TTL = Duration(d)
		}
	}
	if v := os.Getenv("POSSYNC_PREFETCH_IMAGES"); v != "" {
		cfg.Catalog.PrefetchImages = v == "true" || v == "1"
	}

	// Network
	if v := os.Getenv("POSSYNC_PROBE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Network.ProbeInterval = Duration(d)
		}
	}
	if v := os.Getenv("POSSYNC_NETWORK_DEBOUNCE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Network.Debounce = Duration(d)
		}
	}

	// Log
	if v := os.Getenv("POSSYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("POSSYNC_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
// In dev mode (POSSYNC_DEV_MODE=true), API settings are not required so the
// client can run fully offline against a local database.
func (c *Config) validate() error {
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1, got %d", c.Sync.MaxAttempts)
	}

	if os.Getenv("POSSYNC_DEV_MODE") == "true" {
		return nil
	}

	if c.API.BaseURL == "" {
		return errors.New("POSSYNC_API_URL is required")
	}
	if c.API.Token == "" {
		return errors.New("POSSYNC_API_TOKEN is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
