package license

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"licensecore/internal/authority"
	"licensecore/internal/fingerprint"
	"licensecore/internal/store"
)

// ErrEmptyLicenseKey is returned when Validate is called without a key.
var ErrEmptyLicenseKey = errors.New("license: license key is empty")

// AuthorityClient is the slice of the authority contract the validation
// client depends on.
type AuthorityClient interface {
	Validate(ctx context.Context, req authority.ValidateRequest) (*authority.ValidateResponse, error)
}

// Fingerprinter produces the device fingerprint submitted with each
// validation.
type Fingerprinter interface {
	Generate(ctx context.Context) (*fingerprint.Result, error)
}

// Client drives the license validation state machine: online validation
// against the authority, offline fallback through the cached validation, and
// periodic heartbeat revalidation.
type Client struct {
	authority    AuthorityClient
	fingerprints Fingerprinter
	store        store.Store
	graceWindow  time.Duration
	hbInterval   time.Duration
	logger       *slog.Logger
	metrics      *Metrics
	now          func() time.Time

	// group coalesces concurrent Validate calls per license key so at most
	// one is in flight at a time.
	group singleflight.Group

	mu        sync.RWMutex
	last      *Result
	lastValid *Result

	hbMu     sync.Mutex
	hbCancel context.CancelFunc
	hbGen    atomic.Uint64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithStore sets the persistence backend for cached validations. A nil store
// disables offline fallback.
func WithStore(s store.Store) ClientOption {
	return func(c *Client) { c.store = s }
}

// WithGraceWindow sets how long a cached validation may be reused offline.
func WithGraceWindow(d time.Duration) ClientOption {
	return func(c *Client) { c.graceWindow = d }
}

// WithHeartbeatInterval sets the revalidation period.
func WithHeartbeatInterval(d time.Duration) ClientOption {
	return func(c *Client) { c.hbInterval = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics attaches OpenTelemetry instruments.
func WithMetrics(m *Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ClientOption {
	return func(c *Client) { c.now = now }
}

// NewClient creates a validation client.
func NewClient(auth AuthorityClient, fp Fingerprinter, opts ...ClientOption) *Client {
	c := &Client{
		authority:    auth,
		fingerprints: fp,
		graceWindow:  72 * time.Hour,
		hbInterval:   24 * time.Hour,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate runs one validation cycle for the license key. Concurrent calls
// for the same key are coalesced onto a single in-flight cycle. The returned
// Result carries every failure mode as a status; the error return is reserved
// for caller mistakes.
func (c *Client) Validate(ctx context.Context, licenseKey string, opts Options) (*Result, error) {
	res, err := c.validate(ctx, licenseKey, opts)
	if err != nil {
		return nil, err
	}
	c.commitIf(res, 0)
	return res, nil
}

// validate performs the cycle without committing observable state, so
// heartbeat-initiated cycles can apply their supersession check first.
func (c *Client) validate(ctx context.Context, licenseKey string, opts Options) (*Result, error) {
	if licenseKey == "" {
		return nil, ErrEmptyLicenseKey
	}

	v, err, shared := c.group.Do(licenseKey, func() (interface{}, error) {
		return c.run(ctx, licenseKey, opts), nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("validation call coalesced with in-flight cycle",
			slog.String("license_key", maskLicenseKey(licenseKey)),
		)
	}
	return v.(*Result), nil
}

// run is the validation state machine proper.
func (c *Client) run(ctx context.Context, licenseKey string, opts Options) *Result {
	start := c.now()

	var masterHash string
	if c.fingerprints != nil {
		if fp, err := c.fingerprints.Generate(ctx); err == nil {
			masterHash = fp.MasterHash
		}
	}

	resp, err := c.authority.Validate(ctx, authority.ValidateRequest{
		LicenseKey:  licenseKey,
		Fingerprint: masterHash,
		CheckDevice: opts.CheckDevice,
	})

	switch {
	case err == nil:
		return c.onlineResult(ctx, licenseKey, resp, start)
	case isTransportError(err):
		c.logger.Warn("authority unreachable, entering offline fallback",
			slog.String("license_key", maskLicenseKey(licenseKey)),
			slog.String("error", err.Error()),
			slog.Bool("force_online", opts.ForceOnline),
		)
		if opts.ForceOnline {
			res := c.offlineResult(nil)
			c.metrics.recordValidation(ctx, ModeOffline, string(res.Status), c.now().Sub(start))
			return res
		}
		return c.fallbackResult(ctx, licenseKey, start)
	default:
		// The authority answered but refused the request itself. That is an
		// authoritative rejection: surfaced verbatim, never retried, never
		// cached as valid.
		c.logger.Warn("authority rejected validation request",
			slog.String("license_key", maskLicenseKey(licenseKey)),
			slog.String("error", err.Error()),
		)
		res := &Result{
			IsValid: false,
			Status:  StatusInvalid,
			Meta:    c.meta(ModeOnline),
		}
		c.metrics.recordValidation(ctx, ModeOnline, string(res.Status), c.now().Sub(start))
		return res
	}
}

// onlineResult builds the result for an authoritative answer and persists the
// cached validation when the answer was valid.
func (c *Client) onlineResult(ctx context.Context, licenseKey string, resp *authority.ValidateResponse, start time.Time) *Result {
	res := &Result{
		IsValid: resp.IsValid,
		Status:  statusFromAuthority(resp.Status),
		License: snapshotFromAuthority(resp.License),
		Meta:    c.meta(ModeOnline),
	}
	if resp.Device != nil {
		res.Device = &DeviceInfo{
			IsActivated:     resp.Device.IsActivated,
			ActivationCount: resp.Device.ActivationCount,
			MaxActivations:  resp.Device.MaxActivations,
		}
	}

	if res.IsValid {
		c.saveCachedValidation(ctx, licenseKey, res)
	}

	c.logAction(slog.LevelInfo, "online_validation", "authority answered",
		slog.String("license_key", maskLicenseKey(licenseKey)),
		slog.String("status", string(res.Status)),
		slog.Bool("is_valid", res.IsValid),
	)
	c.metrics.recordValidation(ctx, ModeOnline, string(res.Status), c.now().Sub(start))
	return res
}

// fallbackResult consults the cached validation after a transport failure.
func (c *Client) fallbackResult(ctx context.Context, licenseKey string, start time.Time) *Result {
	cached, err := c.loadCachedValidation(ctx, licenseKey)
	now := c.now()

	if err != nil || cached == nil || now.After(cached.ExpiresAt) {
		if err == nil && cached != nil {
			// The grace window lapsed; the stale entry is useless now.
			c.deleteCachedValidation(ctx, licenseKey)
		}
		res := c.offlineResult(nil)
		c.logAction(slog.LevelWarn, "offline_validation", "no usable cached validation",
			slog.String("license_key", maskLicenseKey(licenseKey)),
		)
		c.metrics.recordValidation(ctx, ModeOffline, string(res.Status), now.Sub(start))
		return res
	}

	endsAt := cached.ExpiresAt
	res := &Result{
		IsValid: true,
		Status:  StatusGracePeriod,
		License: cached.Result.License,
		Device:  cached.Result.Device,
		Meta:    c.meta(ModeOffline),
	}
	res.Meta.GracePeriodEndsAt = &endsAt

	c.logAction(slog.LevelInfo, "offline_validation", "operating in grace period",
		slog.String("license_key", maskLicenseKey(licenseKey)),
		slog.Time("grace_period_ends_at", endsAt),
	)
	c.metrics.recordGraceFallback(ctx)
	c.metrics.recordValidation(ctx, ModeOffline, string(res.Status), now.Sub(start))
	return res
}

// offlineResult is the terminal no-connectivity, no-cache state.
func (c *Client) offlineResult(_ *CachedValidation) *Result {
	return &Result{
		IsValid: false,
		Status:  StatusOffline,
		Meta:    c.meta(ModeOffline),
	}
}

func (c *Client) meta(mode string) Meta {
	now := c.now()
	return Meta{
		Mode:             mode,
		Timestamp:        now,
		NextValidationAt: now.Add(c.hbInterval),
	}
}

// commitIf publishes a result as the client's observable state. A non-zero
// generation must still match the current heartbeat generation; results from
// a stopped heartbeat are discarded.
func (c *Client) commitIf(res *Result, gen uint64) {
	if gen != 0 && gen != c.hbGen.Load() {
		c.logger.Debug("discarding superseded validation result",
			slog.String("status", string(res.Status)),
		)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = res
	switch {
	case res.IsValid && res.License != nil:
		c.lastValid = res
	case res.Meta.Mode == ModeOnline && !res.IsValid:
		// An authoritative rejection revokes previously granted entitlements.
		c.lastValid = nil
	}
}

// CheckEntitlement reports whether the named feature is enabled on the last
// valid license snapshot. It is a pure lookup; it never triggers validation.
func (c *Client) CheckEntitlement(featureKey string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.lastValid == nil || c.lastValid.License == nil {
		return false
	}
	return c.lastValid.License.Features[featureKey]
}

// GracePeriodRemaining returns how much of the offline grace window is left.
// The second return is false when the client is not in grace mode.
func (c *Client) GracePeriodRemaining() (time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.last == nil || c.last.Status != StatusGracePeriod || c.last.Meta.GracePeriodEndsAt == nil {
		return 0, false
	}
	remaining := c.last.Meta.GracePeriodEndsAt.Sub(c.now())
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// LastResult returns a copy of the most recent committed validation result,
// or nil when no validation has completed yet.
func (c *Client) LastResult() *Result {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.last == nil {
		return nil
	}
	res := *c.last
	return &res
}

func isTransportError(err error) bool {
	var te *authority.TransportError
	return errors.As(err, &te)
}
