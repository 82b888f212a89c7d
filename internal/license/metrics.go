package license

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the OpenTelemetry instruments recorded by the validation
// client. The exporter is the host application's choice; a nil *Metrics
// disables recording entirely.
type Metrics struct {
	validations        metric.Int64Counter
	validationDuration metric.Float64Histogram
	graceFallbacks     metric.Int64Counter
	heartbeats         metric.Int64Counter
}

// NewMetrics creates the validation instruments on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.validations, err = meter.Int64Counter(
		"license_validations_total",
		metric.WithDescription("Validation cycles by mode and resulting status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validations counter: %w", err)
	}

	m.validationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("Validation cycle duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}

	m.graceFallbacks, err = meter.Int64Counter(
		"license_grace_fallbacks_total",
		metric.WithDescription("Offline fallbacks served from the cached validation"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grace fallback counter: %w", err)
	}

	m.heartbeats, err = meter.Int64Counter(
		"license_heartbeats_total",
		metric.WithDescription("Completed heartbeat revalidation cycles"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create heartbeat counter: %w", err)
	}

	return m, nil
}

func (m *Metrics) recordValidation(ctx context.Context, mode, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", status),
	)
	m.validations.Add(ctx, 1, attrs)
	m.validationDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) recordGraceFallback(ctx context.Context) {
	if m == nil {
		return
	}
	m.graceFallbacks.Add(ctx, 1)
}

func (m *Metrics) recordHeartbeat(ctx context.Context) {
	if m == nil {
		return
	}
	m.heartbeats.Add(ctx, 1)
}
