package license

import (
	"time"

	"licensecore/internal/authority"
)

// Status is the validation state of a license+device pair.
type Status string

// Validation statuses. The first five mirror the authority's answers; the
// last two are produced locally by the offline fallback.
const (
	StatusActive      Status = "active"
	StatusExpired     Status = "expired"
	StatusSuspended   Status = "suspended"
	StatusRevoked     Status = "revoked"
	StatusInvalid     Status = "invalid"
	StatusGracePeriod Status = "grace_period"
	StatusOffline     Status = "offline"
)

// Validation modes.
const (
	ModeOnline  = "online"
	ModeOffline = "offline"
)

// Snapshot is the client's read-only replica of a license, overwritten
// wholesale on each successful validation.
type Snapshot struct {
	ID         string          `json:"id"`
	PlanCode   string          `json:"plan_code"`
	Status     Status          `json:"status"`
	ExpiresAt  time.Time       `json:"expires_at"`
	MaxUsers   int             `json:"max_users"`
	MaxDevices int             `json:"max_devices"`
	Features   map[string]bool `json:"features"`
}

// DeviceInfo reports the activation state of this device.
type DeviceInfo struct {
	IsActivated     bool `json:"is_activated"`
	ActivationCount int  `json:"activation_count"`
	MaxActivations  int  `json:"max_activations"`
}

// Meta describes how and when a validation result was produced.
type Meta struct {
	Mode              string     `json:"mode"`
	Timestamp         time.Time  `json:"timestamp"`
	NextValidationAt  time.Time  `json:"next_validation_at"`
	GracePeriodEndsAt *time.Time `json:"grace_period_ends_at,omitempty"`
}

// Result is the outcome of a validation cycle. Every failure mode is a
// first-class status; Validate never returns a Result-less error for
// connectivity problems.
type Result struct {
	IsValid bool        `json:"is_valid"`
	Status  Status      `json:"status"`
	License *Snapshot   `json:"license,omitempty"`
	Meta    Meta        `json:"validation_meta"`
	Device  *DeviceInfo `json:"device,omitempty"`
}

// CachedValidation is the persisted record of the last successful online
// validation, consulted only when online validation fails.
type CachedValidation struct {
	Result      Result    `json:"result"`
	LicenseKey  string    `json:"license_key"`
	ValidatedAt time.Time `json:"validated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Options adjusts a single Validate call.
type Options struct {
	// ForceOnline disables the offline fallback for this call.
	ForceOnline bool
	// CheckDevice asks the authority to verify device activation as well.
	CheckDevice bool
}

// snapshotFromAuthority replicates the authority's license into a Snapshot.
func snapshotFromAuthority(lic *authority.License) *Snapshot {
	if lic == nil {
		return nil
	}
	features := make(map[string]bool, len(lic.Features))
	for k, v := range lic.Features {
		features[k] = v
	}
	return &Snapshot{
		ID:         lic.ID,
		PlanCode:   lic.PlanCode,
		Status:     statusFromAuthority(lic.Status),
		ExpiresAt:  lic.ExpiresAt,
		MaxUsers:   lic.MaxUsers,
		MaxDevices: lic.MaxDevices,
		Features:   features,
	}
}

// statusFromAuthority maps the authority's status string onto a Status.
// Anything unrecognized is treated as invalid.
func statusFromAuthority(s string) Status {
	switch Status(s) {
	case StatusActive, StatusExpired, StatusSuspended, StatusRevoked, StatusInvalid:
		return Status(s)
	default:
		return StatusInvalid
	}
}
