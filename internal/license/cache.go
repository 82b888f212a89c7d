package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"

	"licensecore/internal/store"
)

// cacheKey maps a license key to its cached-validation store key. The raw
// key never appears in storage paths.
func cacheKey(licenseKey string) string {
	sum := sha256.Sum256([]byte(licenseKey))
	return "validation:" + hex.EncodeToString(sum[:16])
}

// saveCachedValidation persists the result of a successful online validation
// for offline continuation. Storage failures degrade to online-only mode and
// are never surfaced to the caller.
func (c *Client) saveCachedValidation(ctx context.Context, licenseKey string, res *Result) {
	if c.store == nil {
		return
	}

	now := c.now()
	entry := CachedValidation{
		Result:      *res,
		LicenseKey:  licenseKey,
		ValidatedAt: now,
		ExpiresAt:   now.Add(c.graceWindow),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, cacheKey(licenseKey), data); err != nil {
		c.logger.Warn("failed to persist cached validation, offline fallback unavailable",
			slog.String("license_key", maskLicenseKey(licenseKey)),
			slog.String("error", err.Error()),
		)
	}
}

// loadCachedValidation retrieves the cached validation for a license key.
func (c *Client) loadCachedValidation(ctx context.Context, licenseKey string) (*CachedValidation, error) {
	if c.store == nil {
		return nil, store.ErrNotFound
	}

	data, err := c.store.Get(ctx, cacheKey(licenseKey))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("failed to read cached validation",
				slog.String("license_key", maskLicenseKey(licenseKey)),
				slog.String("error", err.Error()),
			)
		}
		return nil, err
	}

	var entry CachedValidation
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// deleteCachedValidation drops a cached validation, typically after its grace
// window has lapsed.
func (c *Client) deleteCachedValidation(ctx context.Context, licenseKey string) {
	if c.store == nil {
		return
	}
	if err := c.store.Delete(ctx, cacheKey(licenseKey)); err != nil {
		c.logger.Warn("failed to delete stale cached validation",
			slog.String("license_key", maskLicenseKey(licenseKey)),
			slog.String("error", err.Error()),
		)
	}
}
