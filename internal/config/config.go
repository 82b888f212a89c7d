package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix for all environment variables read by Load.
const EnvPrefix = "LICENSECORE"

// Config represents the complete configuration for the license core.
type Config struct {
	Authority   AuthorityConfig   `yaml:"authority" envconfig:"AUTHORITY"`
	Cache       CacheConfig       `yaml:"cache" envconfig:"CACHE"`
	Fingerprint FingerprintConfig `yaml:"fingerprint" envconfig:"FINGERPRINT"`
	Heartbeat   HeartbeatConfig   `yaml:"heartbeat" envconfig:"HEARTBEAT"`
	Risk        RiskConfig        `yaml:"risk" envconfig:"RISK"`
	Logging     LoggingConfig     `yaml:"logging" envconfig:"LOGGING"`
}

// AuthorityConfig contains the remote license authority endpoint configuration.
type AuthorityConfig struct {
	Endpoint     string        `yaml:"endpoint" envconfig:"ENDPOINT" validate:"omitempty,url"`
	APIKey       string        `yaml:"api_key" envconfig:"API_KEY"`
	Timeout      time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"30s"`
	MaxRetries   int           `yaml:"max_retries" envconfig:"MAX_RETRIES" default:"2" validate:"min=0,max=10"`
	RetryBackoff time.Duration `yaml:"retry_backoff" envconfig:"RETRY_BACKOFF" default:"2s"`
	RateLimitRPS float64       `yaml:"rate_limit_rps" envconfig:"RATE_LIMIT_RPS" default:"5"`
	RateBurst    int           `yaml:"rate_burst" envconfig:"RATE_BURST" default:"10"`
}

// CacheConfig controls the local cache store used for offline continuation.
type CacheConfig struct {
	// Backend selects the persistence backend: file, sqlite, memory or disabled.
	Backend string `yaml:"backend" envconfig:"BACKEND" default:"file" validate:"oneof=file sqlite memory disabled"`
	Dir     string `yaml:"dir" envconfig:"DIR" default:".licensecore"`
	// GraceWindow is how long a successful online validation may be reused
	// without connectivity.
	GraceWindow time.Duration `yaml:"grace_window" envconfig:"GRACE_WINDOW" default:"72h"`
	// EncryptionPassphrase enables AES-256-GCM encryption at rest when set.
	EncryptionPassphrase string `yaml:"encryption_passphrase" envconfig:"ENCRYPTION_PASSPHRASE"`
}

// FingerprintConfig controls device fingerprint generation.
type FingerprintConfig struct {
	// MaxAge is how long a cached fingerprint stays fresh before it must be
	// regenerated.
	MaxAge       time.Duration `yaml:"max_age" envconfig:"MAX_AGE" default:"24h"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" envconfig:"PROBE_TIMEOUT" default:"5s"`
	AudioTimeout time.Duration `yaml:"audio_timeout" envconfig:"AUDIO_TIMEOUT" default:"1s"`
}

// HeartbeatConfig controls periodic revalidation.
type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval" envconfig:"INTERVAL" default:"24h"`
}

// RiskConfig controls the anti-piracy risk engine.
type RiskConfig struct {
	SuspendThreshold float64       `yaml:"suspend_threshold" envconfig:"SUSPEND_THRESHOLD" default:"70" validate:"gt=0,lte=100"`
	FlagThreshold    float64       `yaml:"flag_threshold" envconfig:"FLAG_THRESHOLD" default:"40" validate:"gte=0,lte=100"`
	Window           time.Duration `yaml:"window" envconfig:"WINDOW" default:"1h"`
	ConfidenceFloor  int           `yaml:"confidence_floor" envconfig:"CONFIDENCE_FLOOR" default:"50" validate:"gte=0,lte=100"`
	// MaxVelocity is the number of activation events inside one window above
	// which activation velocity is considered implausible.
	MaxVelocity int `yaml:"max_velocity" envconfig:"MAX_VELOCITY" default:"6" validate:"gt=0"`
	// WeightsFile optionally points to a YAML file overriding factor weights.
	WeightsFile string `yaml:"weights_file" envconfig:"WEIGHTS_FILE"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" envconfig:"FORMAT" default:"json" validate:"oneof=json text"`
}

// Load builds configuration from an optional YAML file overlaid with
// environment variables. Environment variables always win. A .env file in the
// working directory is honored when present.
func Load(configFile string) (*Config, error) {
	// Best effort: hosts embedding the library may ship a .env alongside.
	_ = godotenv.Load()

	var cfg Config

	if configFile != "" {
		if _, err := os.Stat(configFile); err == nil {
			data, err := os.ReadFile(configFile)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration with all defaults applied and no
// environment or file input.
func Default() *Config {
	var cfg Config
	// envconfig applies struct defaults even when no variables are set.
	if err := envconfig.Process("LICENSECORE_DEFAULTS_ONLY", &cfg); err != nil {
		// Defaults are static struct tags; processing them cannot fail at runtime.
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return &cfg
}

// Validate checks structural constraints on the configuration.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Risk.FlagThreshold > c.Risk.SuspendThreshold {
		return fmt.Errorf("risk flag threshold %.0f exceeds suspend threshold %.0f",
			c.Risk.FlagThreshold, c.Risk.SuspendThreshold)
	}
	if c.Cache.GraceWindow <= 0 {
		return fmt.Errorf("cache grace window must be positive")
	}
	return nil
}
