package licensestore

import (
	"context"
	"errors"
	"time"
)

// License status values shared across the core. The validation client maps
// them onto its own result statuses; the grace manager and risk engine write
// them through this store.
const (
	StatusActive    = "active"
	StatusExpired   = "expired"
	StatusSuspended = "suspended"
	StatusRevoked   = "revoked"
	StatusInvalid   = "invalid"
)

// ErrNotFound is returned when no license record matches the lookup.
var ErrNotFound = errors.New("licensestore: license not found")

// Record is the authoritative license state shared between the grace period
// manager, the risk engine and the stub authority used in tests. The
// validation client never touches it directly; it observes changes through
// the authority on its next online validation.
type Record struct {
	ID         string          `json:"id"`
	Key        string          `json:"key"`
	PlanCode   string          `json:"plan_code"`
	Status     string          `json:"status"`
	ExpiresAt  time.Time       `json:"expires_at"`
	MaxUsers   int             `json:"max_users"`
	MaxDevices int             `json:"max_devices"`
	Features   map[string]bool `json:"features"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate freely.
func (r *Record) Clone() *Record {
	out := *r
	if r.Features != nil {
		out.Features = make(map[string]bool, len(r.Features))
		for k, v := range r.Features {
			out.Features[k] = v
		}
	}
	return &out
}

// Store is the single serialized write path for license records.
type Store interface {
	Get(ctx context.Context, id string) (*Record, error)
	GetByKey(ctx context.Context, key string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	SetStatus(ctx context.Context, id, status string) error
	SetExpiry(ctx context.Context, id string, expiresAt time.Time) error
	List(ctx context.Context) ([]*Record, error)
}
