package risk

import "time"

// Actions an assessment can decide on.
const (
	ActionNone    = "none"
	ActionFlag    = "flag"
	ActionSuspend = "suspend"
)

// Factor names used in assessments and audit records.
const (
	FactorDeviceCount   = "device_count"
	FactorVelocity      = "velocity"
	FactorLowConfidence = "low_confidence"
	FactorFailureRate   = "failure_rate"
)

// Event is one validation attempt as seen by the risk engine.
type Event struct {
	LicenseID   string    `json:"license_id"`
	Fingerprint string    `json:"fingerprint"`
	Confidence  int       `json:"confidence"`
	SourceAddr  string    `json:"source_addr"`
	Success     bool      `json:"success"`
	Timestamp   time.Time `json:"timestamp"`
}

// Factor is one contribution to a risk score.
type Factor struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
	Detail string `json:"detail"`
}

// Assessment is the scored outcome of recording an event.
type Assessment struct {
	LicenseID  string    `json:"license_id"`
	Score      int       `json:"score"`
	Factors    []Factor  `json:"factors"`
	Action     string    `json:"action"`
	AssessedAt time.Time `json:"assessed_at"`
}

// SuspiciousActivity is the audit record kept for every flagged or suspended
// license.
type SuspiciousActivity struct {
	ID         string    `json:"id"`
	LicenseID  string    `json:"license_id"`
	Score      int       `json:"score"`
	Factors    []Factor  `json:"factors"`
	Action     string    `json:"action"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Weights assigns a score contribution to each factor. The zero value is not
// usable; start from DefaultWeights or load from configuration.
type Weights struct {
	DeviceCount   int `yaml:"device_count" json:"device_count"`
	Velocity      int `yaml:"velocity" json:"velocity"`
	LowConfidence int `yaml:"low_confidence" json:"low_confidence"`
	FailureRate   int `yaml:"failure_rate" json:"failure_rate"`
}

// DefaultWeights returns the standard factor weights.
func DefaultWeights() Weights {
	return Weights{
		DeviceCount:   40,
		Velocity:      30,
		LowConfidence: 20,
		FailureRate:   10,
	}
}
