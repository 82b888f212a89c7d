package grace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"licensecore/internal/licensestore"
	"licensecore/internal/store"
)

// Period statuses.
const (
	PeriodActive    = "active"
	PeriodExpired   = "expired"
	PeriodCancelled = "cancelled"
)

var (
	// ErrActivePeriodExists is returned by Create when the license already
	// has an active grace period.
	ErrActivePeriodExists = errors.New("grace: license already has an active grace period")

	// ErrPeriodNotFound is returned when no period matches the lookup.
	ErrPeriodNotFound = errors.New("grace: grace period not found")

	// ErrInvalidDays is returned when the requested extension is not a
	// positive number of days.
	ErrInvalidDays = errors.New("grace: grace days must be positive")
)

// Period is one administrative extension granted to a license.
type Period struct {
	ID             string    `json:"id"`
	LicenseID      string    `json:"license_id"`
	OriginalExpiry time.Time `json:"original_expiry"`
	GraceEndDate   time.Time `json:"grace_end_date"`
	GraceDays      int       `json:"grace_days"`
	Reason         string    `json:"reason"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Manager creates, cancels and sweeps grace periods. All writes to license
// records go through the license store; the optional persistence store keeps
// periods across restarts.
type Manager struct {
	licenses licensestore.Store
	persist  store.Store
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.RWMutex
	periods map[string]*Period // keyed by period ID
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPersistence sets the store grace periods are persisted to. A nil store
// keeps periods in memory only.
func WithPersistence(s store.Store) ManagerOption {
	return func(m *Manager) { m.persist = s }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a grace period manager over the license store. Persisted
// periods, when a persistence store is configured, are reloaded eagerly.
func NewManager(licenses licensestore.Store, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		licenses: licenses,
		logger:   slog.Default(),
		now:      time.Now,
		periods:  make(map[string]*Period),
	}
	for _, opt := range opts {
		opt(m)
	}

	if err := m.reload(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to reload grace periods: %w", err)
	}
	return m, nil
}

const persistKey = "grace:periods"

func (m *Manager) reload(ctx context.Context) error {
	if m.persist == nil {
		return nil
	}
	data, err := m.persist.Get(ctx, persistKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var periods []*Period
	if err := json.Unmarshal(data, &periods); err != nil {
		return fmt.Errorf("failed to decode persisted grace periods: %w", err)
	}
	for _, p := range periods {
		m.periods[p.ID] = p
	}
	return nil
}

// flush persists the full period set. Persistence failures are logged and
// tolerated; the in-memory state stays authoritative for this process.
func (m *Manager) flush(ctx context.Context) {
	if m.persist == nil {
		return
	}
	m.mu.RLock()
	periods := make([]*Period, 0, len(m.periods))
	for _, p := range m.periods {
		cp := *p
		periods = append(periods, &cp)
	}
	m.mu.RUnlock()

	data, err := json.Marshal(periods)
	if err != nil {
		m.logger.Error("failed to encode grace periods", slog.String("error", err.Error()))
		return
	}
	if err := m.persist.Set(ctx, persistKey, data); err != nil {
		m.logger.Warn("failed to persist grace periods",
			slog.String("action", "grace_flush"),
			slog.String("error", err.Error()),
		)
	}
}

// Create grants a grace period of graceDays whole days counted from the
// license's current expiry, and moves the license expiry to the grace end
// date. A license can hold at most one active period.
func (m *Manager) Create(ctx context.Context, licenseID string, graceDays int, reason string) (*Period, error) {
	if graceDays <= 0 {
		return nil, ErrInvalidDays
	}

	rec, err := m.licenses.Get(ctx, licenseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load license %s: %w", licenseID, err)
	}

	m.mu.Lock()
	if existing := m.activeForLocked(licenseID); existing != nil {
		m.mu.Unlock()
		return nil, ErrActivePeriodExists
	}

	now := m.now()
	period := &Period{
		ID:             uuid.New().String(),
		LicenseID:      licenseID,
		OriginalExpiry: rec.ExpiresAt,
		GraceEndDate:   rec.ExpiresAt.AddDate(0, 0, graceDays),
		GraceDays:      graceDays,
		Reason:         reason,
		Status:         PeriodActive,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.periods[period.ID] = period
	m.mu.Unlock()

	if err := m.licenses.SetExpiry(ctx, licenseID, period.GraceEndDate); err != nil {
		m.mu.Lock()
		delete(m.periods, period.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to extend license expiry: %w", err)
	}

	m.logger.Info("grace period granted",
		slog.String("action", "grace_create"),
		slog.String("period_id", period.ID),
		slog.String("license_id", licenseID),
		slog.Int("grace_days", graceDays),
		slog.Time("grace_end_date", period.GraceEndDate),
		slog.String("reason", reason),
	)
	m.flush(ctx)

	cp := *period
	return &cp, nil
}

// Cancel revokes an active grace period and restores the license's original
// expiry exactly as recorded when the period was created.
func (m *Manager) Cancel(ctx context.Context, periodID string) error {
	m.mu.Lock()
	period, ok := m.periods[periodID]
	if !ok || period.Status != PeriodActive {
		m.mu.Unlock()
		return ErrPeriodNotFound
	}
	period.Status = PeriodCancelled
	period.UpdatedAt = m.now()
	licenseID := period.LicenseID
	original := period.OriginalExpiry
	m.mu.Unlock()

	if err := m.licenses.SetExpiry(ctx, licenseID, original); err != nil {
		return fmt.Errorf("failed to restore license expiry: %w", err)
	}

	m.logger.Info("grace period cancelled",
		slog.String("action", "grace_cancel"),
		slog.String("period_id", periodID),
		slog.String("license_id", licenseID),
		slog.Time("restored_expiry", original),
	)
	m.flush(ctx)
	return nil
}

// ActiveFor returns the active grace period for the license, if any.
func (m *Manager) ActiveFor(licenseID string) (*Period, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if p := m.activeForLocked(licenseID); p != nil {
		cp := *p
		return &cp, true
	}
	return nil, false
}

func (m *Manager) activeForLocked(licenseID string) *Period {
	for _, p := range m.periods {
		if p.LicenseID == licenseID && p.Status == PeriodActive {
			return p
		}
	}
	return nil
}

// Get returns the period by ID.
func (m *Manager) Get(periodID string) (*Period, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.periods[periodID]
	if !ok {
		return nil, ErrPeriodNotFound
	}
	cp := *p
	return &cp, nil
}

// SweepExpired marks every active period whose grace end date has passed as
// expired, together with its license. It returns the number of periods swept.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	now := m.now()

	m.mu.Lock()
	var lapsed []*Period
	for _, p := range m.periods {
		if p.Status == PeriodActive && now.After(p.GraceEndDate) {
			p.Status = PeriodExpired
			p.UpdatedAt = now
			lapsed = append(lapsed, p)
		}
	}
	m.mu.Unlock()

	for _, p := range lapsed {
		if err := m.licenses.SetStatus(ctx, p.LicenseID, licensestore.StatusExpired); err != nil {
			return 0, fmt.Errorf("failed to expire license %s: %w", p.LicenseID, err)
		}
		m.logger.Info("grace period lapsed",
			slog.String("action", "grace_sweep"),
			slog.String("period_id", p.ID),
			slog.String("license_id", p.LicenseID),
			slog.Time("grace_end_date", p.GraceEndDate),
		)
	}

	if len(lapsed) > 0 {
		m.flush(ctx)
	}
	return len(lapsed), nil
}
