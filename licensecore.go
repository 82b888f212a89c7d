package licensecore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/metric"

	"licensecore/internal/authority"
	"licensecore/internal/config"
	"licensecore/internal/fingerprint"
	"licensecore/internal/grace"
	"licensecore/internal/license"
	"licensecore/internal/licensestore"
	"licensecore/internal/risk"
	"licensecore/internal/store"
)

// Re-exported types forming the public validation surface.
type (
	// Config is the complete library configuration.
	Config = config.Config

	// Options controls a single validation cycle.
	Options = license.Options

	// Result is the outcome of a validation cycle.
	Result = license.Result

	// Status is a validation result status.
	Status = license.Status

	// Fingerprint is the outcome of a device fingerprint generation.
	Fingerprint = fingerprint.Result

	// Probe is one device signal source feeding the fingerprint.
	Probe = fingerprint.Probe

	// AuthorityClient is the contract a custom authority transport must
	// satisfy.
	AuthorityClient = license.AuthorityClient

	// ValidateRequest is the payload submitted to the authority.
	ValidateRequest = authority.ValidateRequest

	// ValidateResponse is the authority's answer to a validation request.
	ValidateResponse = authority.ValidateResponse

	// LicenseRecord is the authoritative license state held server-side.
	LicenseRecord = licensestore.Record

	// LicenseStore is the serialized write path for license records.
	LicenseStore = licensestore.Store

	// GraceManager administers vendor-granted grace periods.
	GraceManager = grace.Manager

	// GracePeriod is one administrative extension of a license.
	GracePeriod = grace.Period

	// RiskEngine scores validation activity for abuse.
	RiskEngine = risk.Engine

	// RiskEvent is one validation attempt fed to the risk engine.
	RiskEvent = risk.Event

	// RiskAssessment is the scored outcome of a risk event.
	RiskAssessment = risk.Assessment
)

// Validation statuses.
const (
	StatusActive      = license.StatusActive
	StatusExpired     = license.StatusExpired
	StatusSuspended   = license.StatusSuspended
	StatusRevoked     = license.StatusRevoked
	StatusInvalid     = license.StatusInvalid
	StatusGracePeriod = license.StatusGracePeriod
	StatusOffline     = license.StatusOffline
)

// Re-exported sentinel errors.
var (
	ErrEmptyLicenseKey = license.ErrEmptyLicenseKey
	ErrHeartbeatActive = license.ErrHeartbeatActive
)

// LoadConfig builds configuration from an optional YAML file overlaid with
// LICENSECORE_* environment variables.
func LoadConfig(configFile string) (*Config, error) {
	return config.Load(configFile)
}

// DefaultConfig returns the configuration with all defaults applied.
func DefaultConfig() *Config {
	return config.Default()
}

// Client is the embeddable license core: fingerprinting, validation, offline
// continuation and heartbeat behind one handle.
type Client struct {
	cfg       *Config
	logger    *slog.Logger
	store     store.Store
	ownsStore bool
	prints    *fingerprint.Generator
	validator *license.Client
}

// ClientOption configures a Client beyond what Config covers.
type ClientOption func(*clientBuild)

type clientBuild struct {
	store     store.Store
	authority license.AuthorityClient
	probes    []fingerprint.Probe
	logger    *slog.Logger
	meter     metric.Meter
	now       func() time.Time
}

// WithStore overrides the cache store built from Config.Cache.
func WithStore(s store.Store) ClientOption {
	return func(b *clientBuild) { b.store = s }
}

// WithAuthority overrides the authority client built from Config.Authority.
// Intended for tests and for hosts with a custom transport.
func WithAuthority(a license.AuthorityClient) ClientOption {
	return func(b *clientBuild) { b.authority = a }
}

// WithProbes replaces the default host fingerprint probes.
func WithProbes(probes []fingerprint.Probe) ClientOption {
	return func(b *clientBuild) { b.probes = probes }
}

// WithLogger sets the logger for every component.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(b *clientBuild) { b.logger = logger }
}

// WithMeter attaches an OpenTelemetry meter for validation instruments.
func WithMeter(meter metric.Meter) ClientOption {
	return func(b *clientBuild) { b.meter = meter }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ClientOption {
	return func(b *clientBuild) { b.now = now }
}

// New assembles a Client from configuration. A cache backend that cannot be
// opened degrades the client to online-only operation instead of failing.
func New(cfg *Config, opts ...ClientOption) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	build := &clientBuild{logger: newLogger(cfg.Logging)}
	for _, opt := range opts {
		opt(build)
	}
	logger := build.logger

	c := &Client{cfg: cfg, logger: logger}

	c.store = build.store
	if c.store == nil {
		c.store = openStore(cfg.Cache, logger)
		c.ownsStore = c.store != nil
	}

	fpOpts := []fingerprint.Option{
		fingerprint.WithStore(c.store),
		fingerprint.WithMaxAge(cfg.Fingerprint.MaxAge),
		fingerprint.WithProbeTimeout(cfg.Fingerprint.ProbeTimeout),
		fingerprint.WithAudioTimeout(cfg.Fingerprint.AudioTimeout),
		fingerprint.WithLogger(logger),
	}
	if build.probes != nil {
		fpOpts = append(fpOpts, fingerprint.WithProbes(build.probes))
	}
	if build.now != nil {
		fpOpts = append(fpOpts, fingerprint.WithClock(build.now))
	}
	c.prints = fingerprint.NewGenerator(fpOpts...)

	auth := build.authority
	if auth == nil {
		if cfg.Authority.Endpoint == "" {
			return nil, fmt.Errorf("authority endpoint is required")
		}
		auth = authority.NewClient(cfg.Authority.Endpoint,
			authority.WithAPIKey(cfg.Authority.APIKey),
			authority.WithTimeout(cfg.Authority.Timeout),
			authority.WithRetry(cfg.Authority.MaxRetries, cfg.Authority.RetryBackoff),
			authority.WithRateLimit(cfg.Authority.RateLimitRPS, cfg.Authority.RateBurst),
			authority.WithLogger(logger),
		)
	}

	licOpts := []license.ClientOption{
		license.WithStore(c.store),
		license.WithGraceWindow(cfg.Cache.GraceWindow),
		license.WithHeartbeatInterval(cfg.Heartbeat.Interval),
		license.WithLogger(logger),
	}
	if build.meter != nil {
		metrics, err := license.NewMetrics(build.meter)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
		licOpts = append(licOpts, license.WithMetrics(metrics))
	}
	if build.now != nil {
		licOpts = append(licOpts, license.WithClock(build.now))
	}
	c.validator = license.NewClient(auth, c.prints, licOpts...)

	return c, nil
}

// newLogger builds the slog logger described by the logging configuration.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// openStore builds the cache store for the configured backend. Failures are
// logged and reported as a nil store; the client then runs online-only.
func openStore(cfg config.CacheConfig, logger *slog.Logger) store.Store {
	switch cfg.Backend {
	case "disabled":
		return nil
	case "memory":
		return store.NewMemStore()
	case "sqlite":
		s, err := store.NewSQLiteStore(filepath.Join(cfg.Dir, "licensecore.db"))
		if err != nil {
			logger.Warn("failed to open sqlite cache, running online-only",
				slog.String("dir", cfg.Dir),
				slog.String("error", err.Error()),
			)
			return nil
		}
		return s
	default:
		var opts []store.FileStoreOption
		if cfg.EncryptionPassphrase != "" {
			opts = append(opts, store.WithEncryption(cfg.EncryptionPassphrase))
		}
		opts = append(opts, store.WithFileStoreLogger(logger))
		s, err := store.NewFileStore(cfg.Dir, opts...)
		if err != nil {
			logger.Warn("failed to open file cache, running online-only",
				slog.String("dir", cfg.Dir),
				slog.String("error", err.Error()),
			)
			return nil
		}
		return s
	}
}

// GenerateFingerprint produces the device fingerprint, reusing the cached one
// while it is fresh.
func (c *Client) GenerateFingerprint(ctx context.Context) (*Fingerprint, error) {
	return c.prints.Generate(ctx)
}

// Validate runs one validation cycle for the license key.
func (c *Client) Validate(ctx context.Context, licenseKey string, opts Options) (*Result, error) {
	return c.validator.Validate(ctx, licenseKey, opts)
}

// StartHeartbeat begins periodic revalidation of the license key.
func (c *Client) StartHeartbeat(ctx context.Context, licenseKey string) error {
	return c.validator.StartHeartbeat(ctx, licenseKey)
}

// StopHeartbeat cancels the heartbeat. It is idempotent.
func (c *Client) StopHeartbeat() {
	c.validator.StopHeartbeat()
}

// CheckEntitlement reports whether the feature is enabled on the last valid
// license snapshot.
func (c *Client) CheckEntitlement(featureKey string) bool {
	return c.validator.CheckEntitlement(featureKey)
}

// GracePeriodRemaining returns how much of the offline grace window remains.
// The second return is false when the client is not operating in grace mode.
func (c *Client) GracePeriodRemaining() (time.Duration, bool) {
	return c.validator.GracePeriodRemaining()
}

// LastResult returns the most recent committed validation result.
func (c *Client) LastResult() *Result {
	return c.validator.LastResult()
}

// Close stops the heartbeat and releases the cache store when the client
// opened it.
func (c *Client) Close() error {
	c.validator.StopHeartbeat()
	if c.ownsStore && c.store != nil {
		return c.store.Close()
	}
	return nil
}

// NewLicenseStore creates an in-memory license store for the server-side
// components.
func NewLicenseStore() LicenseStore {
	return licensestore.NewMemStore()
}

// NewSQLiteLicenseStore creates a SQLite-backed license store at path.
func NewSQLiteLicenseStore(path string) (LicenseStore, error) {
	return licensestore.NewSQLiteStore(path)
}

// NewGraceManager creates the administrative grace period manager over the
// license store.
func NewGraceManager(licenses LicenseStore, opts ...grace.ManagerOption) (*GraceManager, error) {
	return grace.NewManager(licenses, opts...)
}

// NewRiskEngine creates the anti-piracy risk engine over the license store,
// configured from cfg.Risk. Callers must Close the engine.
func NewRiskEngine(licenses LicenseStore, cfg *Config, opts ...risk.EngineOption) (*RiskEngine, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	weights := risk.DefaultWeights()
	if cfg.Risk.WeightsFile != "" {
		data, err := os.ReadFile(cfg.Risk.WeightsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read risk weights file: %w", err)
		}
		weights, err = risk.LoadWeights(data)
		if err != nil {
			return nil, err
		}
	}

	base := []risk.EngineOption{
		risk.WithWindow(cfg.Risk.Window),
		risk.WithWeights(weights),
		risk.WithThresholds(int(cfg.Risk.FlagThreshold), int(cfg.Risk.SuspendThreshold)),
		risk.WithConfidenceFloor(cfg.Risk.ConfidenceFloor),
		risk.WithMaxVelocity(cfg.Risk.MaxVelocity),
	}
	return risk.NewEngine(licenses, append(base, opts...)...), nil
}
