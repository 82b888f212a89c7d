package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"gopkg.in/yaml.v2"

	"licensecore/internal/licensestore"
)

// Engine defaults.
const (
	DefaultWindow           = time.Hour
	DefaultSuspendThreshold = 70
	DefaultFlagThreshold    = 40
	DefaultConfidenceFloor  = 50
	DefaultMaxVelocity      = 6
)

// failureRateFloor is the share of failed attempts that trips the failure
// rate factor, given at least minAttemptsForRate events in the window.
const (
	failureRateFloor   = 0.5
	minAttemptsForRate = 4
)

// LoadWeights parses factor weights from YAML, falling back to the default
// for any factor the document leaves unset.
func LoadWeights(data []byte) (Weights, error) {
	w := DefaultWeights()
	if err := yaml.Unmarshal(data, &w); err != nil {
		return Weights{}, fmt.Errorf("failed to parse risk weights: %w", err)
	}
	return w, nil
}

type suspendCommand struct {
	licenseID string
	score     int
}

// Engine records validation events and applies risk decisions.
type Engine struct {
	licenses         licensestore.Store
	window           time.Duration
	weights          Weights
	suspendThreshold int
	flagThreshold    int
	confidenceFloor  int
	maxVelocity      int
	logger           *slog.Logger
	now              func() time.Time

	assessments metric.Int64Counter
	suspensions metric.Int64Counter

	mu         sync.Mutex
	events     map[string][]Event
	activities map[string][]SuspiciousActivity
	closed     bool

	commands chan suspendCommand
	wg       sync.WaitGroup
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithWindow sets the sliding window length.
func WithWindow(d time.Duration) EngineOption {
	return func(e *Engine) { e.window = d }
}

// WithWeights sets the factor weights.
func WithWeights(w Weights) EngineOption {
	return func(e *Engine) { e.weights = w }
}

// WithThresholds sets the flag and suspend score thresholds.
func WithThresholds(flag, suspend int) EngineOption {
	return func(e *Engine) {
		e.flagThreshold = flag
		e.suspendThreshold = suspend
	}
}

// WithConfidenceFloor sets the fingerprint confidence below which the low
// confidence factor applies.
func WithConfidenceFloor(floor int) EngineOption {
	return func(e *Engine) { e.confidenceFloor = floor }
}

// WithMaxVelocity sets the number of validations per window above which the
// velocity factor applies.
func WithMaxVelocity(n int) EngineOption {
	return func(e *Engine) { e.maxVelocity = n }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithMeter attaches OpenTelemetry instruments for assessments and
// suspensions. Instrument creation errors are logged and leave the engine
// without metrics.
func WithMeter(meter metric.Meter) EngineOption {
	return func(e *Engine) {
		var err error
		e.assessments, err = meter.Int64Counter(
			"license_risk_assessments_total",
			metric.WithDescription("Risk assessments by resulting action"),
		)
		if err != nil {
			e.logger.Warn("failed to create risk assessment counter", slog.String("error", err.Error()))
			return
		}
		e.suspensions, err = meter.Int64Counter(
			"license_risk_suspensions_total",
			metric.WithDescription("Licenses suspended by the risk engine"),
		)
		if err != nil {
			e.logger.Warn("failed to create risk suspension counter", slog.String("error", err.Error()))
			e.assessments = nil
		}
	}
}

// NewEngine creates a risk engine over the license store and starts its
// suspension applier. Callers must Close the engine to stop it.
func NewEngine(licenses licensestore.Store, opts ...EngineOption) *Engine {
	e := &Engine{
		licenses:         licenses,
		window:           DefaultWindow,
		weights:          DefaultWeights(),
		suspendThreshold: DefaultSuspendThreshold,
		flagThreshold:    DefaultFlagThreshold,
		confidenceFloor:  DefaultConfidenceFloor,
		maxVelocity:      DefaultMaxVelocity,
		logger:           slog.Default(),
		now:              time.Now,
		events:           make(map[string][]Event),
		activities:       make(map[string][]SuspiciousActivity),
		commands:         make(chan suspendCommand, 64),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.wg.Add(1)
	go e.runApplier()
	return e
}

// Close stops the suspension applier after draining queued commands.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.commands)
	e.wg.Wait()
	return nil
}

// Record adds a validation event to the license's window and returns the
// resulting assessment. A suspend decision is queued for the applier; Record
// itself never writes license state.
func (e *Engine) Record(ctx context.Context, ev Event) (*Assessment, error) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}

	rec, err := e.licenses.Get(ctx, ev.LicenseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load license %s: %w", ev.LicenseID, err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, fmt.Errorf("risk: engine is closed")
	}

	window := e.pruneLocked(ev.LicenseID, ev.Timestamp)
	window = append(window, ev)
	e.events[ev.LicenseID] = window

	assessment := e.assessLocked(ev, window, rec)

	if assessment.Action != ActionNone {
		e.activities[ev.LicenseID] = append(e.activities[ev.LicenseID], SuspiciousActivity{
			ID:         uuid.New().String(),
			LicenseID:  ev.LicenseID,
			Score:      assessment.Score,
			Factors:    assessment.Factors,
			Action:     assessment.Action,
			RecordedAt: assessment.AssessedAt,
		})
	}
	e.mu.Unlock()

	if e.assessments != nil {
		e.assessments.Add(ctx, 1, metric.WithAttributes(
			attribute.String("risk_action", assessment.Action),
		))
	}

	switch assessment.Action {
	case ActionSuspend:
		e.logger.Warn("risk score exceeds suspend threshold",
			slog.String("action", "risk_suspend"),
			slog.String("license_id", ev.LicenseID),
			slog.Int("score", assessment.Score),
		)
		select {
		case e.commands <- suspendCommand{licenseID: ev.LicenseID, score: assessment.Score}:
		case <-ctx.Done():
			return assessment, ctx.Err()
		}
	case ActionFlag:
		e.logger.Info("license flagged for review",
			slog.String("action", "risk_flag"),
			slog.String("license_id", ev.LicenseID),
			slog.Int("score", assessment.Score),
		)
	}

	return assessment, nil
}

// pruneLocked drops events older than the window. Caller holds e.mu.
func (e *Engine) pruneLocked(licenseID string, now time.Time) []Event {
	cutoff := now.Add(-e.window)
	window := e.events[licenseID]
	kept := window[:0]
	for _, ev := range window {
		if ev.Timestamp.After(cutoff) {
			kept = append(kept, ev)
		}
	}
	return kept
}

// assessLocked scores the window. Caller holds e.mu.
func (e *Engine) assessLocked(ev Event, window []Event, rec *licensestore.Record) *Assessment {
	a := &Assessment{
		LicenseID:  ev.LicenseID,
		Action:     ActionNone,
		AssessedAt: ev.Timestamp,
	}

	fingerprints := make(map[string]struct{}, len(window))
	sources := make(map[string]struct{}, len(window))
	failures := 0
	for _, w := range window {
		if w.Fingerprint != "" {
			fingerprints[w.Fingerprint] = struct{}{}
		}
		if w.SourceAddr != "" {
			sources[w.SourceAddr] = struct{}{}
		}
		if !w.Success {
			failures++
		}
	}

	if rec.MaxDevices > 0 && len(fingerprints) > rec.MaxDevices {
		a.Factors = append(a.Factors, Factor{
			Name:   FactorDeviceCount,
			Weight: e.weights.DeviceCount,
			Detail: fmt.Sprintf("%d distinct devices, plan allows %d", len(fingerprints), rec.MaxDevices),
		})
	}
	if len(window) > e.maxVelocity {
		a.Factors = append(a.Factors, Factor{
			Name:   FactorVelocity,
			Weight: e.weights.Velocity,
			Detail: fmt.Sprintf("%d validations from %d source addresses in window, limit %d",
				len(window), len(sources), e.maxVelocity),
		})
	}
	if ev.Confidence < e.confidenceFloor {
		a.Factors = append(a.Factors, Factor{
			Name:   FactorLowConfidence,
			Weight: e.weights.LowConfidence,
			Detail: fmt.Sprintf("fingerprint confidence %d below floor %d", ev.Confidence, e.confidenceFloor),
		})
	}
	if len(window) >= minAttemptsForRate {
		rate := float64(failures) / float64(len(window))
		if rate >= failureRateFloor {
			a.Factors = append(a.Factors, Factor{
				Name:   FactorFailureRate,
				Weight: e.weights.FailureRate,
				Detail: fmt.Sprintf("%d of %d attempts failed", failures, len(window)),
			})
		}
	}

	for _, f := range a.Factors {
		a.Score += f.Weight
	}
	switch {
	case a.Score >= e.suspendThreshold:
		a.Action = ActionSuspend
	case a.Score >= e.flagThreshold:
		a.Action = ActionFlag
	}
	return a
}

// Activities returns the suspicious activity records for a license, oldest
// first.
func (e *Engine) Activities(licenseID string) []SuspiciousActivity {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]SuspiciousActivity, len(e.activities[licenseID]))
	copy(out, e.activities[licenseID])
	return out
}

// runApplier is the single writer applying suspend decisions to the license
// store.
func (e *Engine) runApplier() {
	defer e.wg.Done()

	for cmd := range e.commands {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := e.licenses.SetStatus(ctx, cmd.licenseID, licensestore.StatusSuspended)
		if err == nil && e.suspensions != nil {
			e.suspensions.Add(ctx, 1)
		}
		cancel()
		if err != nil {
			e.logger.Error("failed to suspend license",
				slog.String("action", "risk_apply"),
				slog.String("license_id", cmd.licenseID),
				slog.String("error", err.Error()),
			)
			continue
		}
		e.logger.Warn("license suspended",
			slog.String("action", "risk_apply"),
			slog.String("license_id", cmd.licenseID),
			slog.Int("score", cmd.score),
		)
	}
}
