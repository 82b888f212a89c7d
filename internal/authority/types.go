package authority

import (
	"errors"
	"time"
)

// ValidateRequest is the request body for the authority's validate call.
type ValidateRequest struct {
	Action      string `json:"action"`
	LicenseKey  string `json:"license_key"`
	Fingerprint string `json:"fingerprint,omitempty"`
	CheckDevice bool   `json:"check_device"`
}

// License is the authority's view of a license, replicated wholesale into the
// client's snapshot on each successful validation.
type License struct {
	ID         string          `json:"id"`
	PlanCode   string          `json:"plan_code"`
	Status     string          `json:"status"`
	ExpiresAt  time.Time       `json:"expires_at"`
	MaxUsers   int             `json:"max_users"`
	MaxDevices int             `json:"max_devices"`
	Features   map[string]bool `json:"features"`
}

// Device reports the activation state of the calling device.
type Device struct {
	IsActivated     bool `json:"is_activated"`
	ActivationCount int  `json:"activation_count"`
	MaxActivations  int  `json:"max_activations"`
}

// ValidateResponse is the authority's answer. A rejection (IsValid false with
// an authoritative status) is a successful response, not an error.
type ValidateResponse struct {
	Success bool     `json:"success"`
	IsValid bool     `json:"is_valid"`
	Status  string   `json:"status"`
	License *License `json:"license,omitempty"`
	Device  *Device  `json:"device,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// TransportError wraps failures to reach the authority: connection errors,
// timeouts and server-side failures. It marks the answer as non-authoritative
// so the caller may fall back to its offline cache.
type TransportError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return "authority " + e.Op + ": " + e.Err.Error()
}

// Unwrap exposes the underlying cause.
func (e *TransportError) Unwrap() error { return e.Err }

func asTransportError(err error, target **TransportError) bool {
	return errors.As(err, target)
}
