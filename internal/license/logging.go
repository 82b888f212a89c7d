package license

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
)

// logAction emits a structured log entry in the action/result form used
// across the codebase.
func (c *Client) logAction(level slog.Level, action, result string, attrs ...slog.Attr) {
	args := make([]any, 0, len(attrs)+2)
	args = append(args, slog.String("action", action))
	for _, attr := range attrs {
		args = append(args, attr)
	}
	c.logger.Log(context.Background(), level, result, args...)
}

// maskLicenseKey masks a license key for logging, keeping enough of the
// prefix to correlate log lines without exposing the key.
func maskLicenseKey(key string) string {
	if key == "" {
		return "<empty>"
	}
	cleaned := strings.ReplaceAll(key, "-", "")
	if len(cleaned) <= 4 {
		return "****"
	}
	return key[:4] + strings.Repeat("*", 4)
}

// hashLicenseKey produces a short stable identifier for a license key, for
// use in metrics and audit trails where even a masked key is too much.
func hashLicenseKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:6])
}
