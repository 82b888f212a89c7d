package risk

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensecore/internal/licensestore"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func seedLicense(t *testing.T, licenses licensestore.Store, maxDevices int) {
	t.Helper()
	require.NoError(t, licenses.Put(context.Background(), &licensestore.Record{
		ID:         "lic-1",
		Key:        "PRO-AAAA-BBBB-CCCC",
		PlanCode:   "pro",
		Status:     licensestore.StatusActive,
		ExpiresAt:  time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
		MaxDevices: maxDevices,
	}))
}

func goodEvent(fingerprint string) Event {
	return Event{
		LicenseID:   "lic-1",
		Fingerprint: fingerprint,
		Confidence:  90,
		SourceAddr:  "203.0.113.10",
		Success:     true,
	}
}

func TestDeviceFloodSuspendsLicense(t *testing.T) {
	ctx := context.Background()
	licenses := licensestore.NewMemStore()
	seedLicense(t, licenses, 3)

	clock := newTestClock()
	engine := NewEngine(licenses, WithClock(clock.Now))
	defer engine.Close()

	// Ten distinct devices within one hour on a three-device plan.
	var last *Assessment
	for i := 0; i < 10; i++ {
		var err error
		last, err = engine.Record(ctx, goodEvent(fmt.Sprintf("device-%d", i)))
		require.NoError(t, err)
		clock.Advance(5 * time.Minute)
	}

	require.GreaterOrEqual(t, last.Score, DefaultSuspendThreshold)
	assert.Equal(t, ActionSuspend, last.Action)

	names := make([]string, 0, len(last.Factors))
	for _, f := range last.Factors {
		names = append(names, f.Name)
	}
	assert.Contains(t, names, FactorDeviceCount)
	assert.Contains(t, names, FactorVelocity)

	// The applier suspends the license through the store.
	require.Eventually(t, func() bool {
		rec, err := licenses.Get(ctx, "lic-1")
		return err == nil && rec.Status == licensestore.StatusSuspended
	}, 2*time.Second, 10*time.Millisecond)

	activities := engine.Activities("lic-1")
	require.NotEmpty(t, activities)
	assert.Equal(t, ActionSuspend, activities[len(activities)-1].Action)
}

func TestNormalUsageScoresZero(t *testing.T) {
	ctx := context.Background()
	licenses := licensestore.NewMemStore()
	seedLicense(t, licenses, 3)

	clock := newTestClock()
	engine := NewEngine(licenses, WithClock(clock.Now))
	defer engine.Close()

	// Two devices, one validation each per day.
	for i := 0; i < 4; i++ {
		a, err := engine.Record(ctx, goodEvent(fmt.Sprintf("device-%d", i%2)))
		require.NoError(t, err)
		assert.Zero(t, a.Score)
		assert.Equal(t, ActionNone, a.Action)
		clock.Advance(24 * time.Hour)
	}

	assert.Empty(t, engine.Activities("lic-1"))
	rec, err := licenses.Get(ctx, "lic-1")
	require.NoError(t, err)
	assert.Equal(t, licensestore.StatusActive, rec.Status)
}

func TestFlagWithoutSuspension(t *testing.T) {
	ctx := context.Background()
	licenses := licensestore.NewMemStore()
	seedLicense(t, licenses, 3)

	clock := newTestClock()
	engine := NewEngine(licenses, WithClock(clock.Now))
	defer engine.Close()

	// Four distinct devices over the plan limit, but low velocity: the
	// device count factor alone lands in the flag band.
	var last *Assessment
	for i := 0; i < 4; i++ {
		var err error
		last, err = engine.Record(ctx, goodEvent(fmt.Sprintf("device-%d", i)))
		require.NoError(t, err)
		clock.Advance(12 * time.Minute)
	}

	assert.Equal(t, DefaultWeights().DeviceCount, last.Score)
	assert.Equal(t, ActionFlag, last.Action)

	// Flagging never suspends.
	engine.Close()
	rec, err := licenses.Get(ctx, "lic-1")
	require.NoError(t, err)
	assert.Equal(t, licensestore.StatusActive, rec.Status)
}

func TestEventsAgeOutOfWindow(t *testing.T) {
	ctx := context.Background()
	licenses := licensestore.NewMemStore()
	seedLicense(t, licenses, 3)

	clock := newTestClock()
	engine := NewEngine(licenses, WithClock(clock.Now))
	defer engine.Close()

	for i := 0; i < 4; i++ {
		_, err := engine.Record(ctx, goodEvent(fmt.Sprintf("device-%d", i)))
		require.NoError(t, err)
	}

	// Two hours later the old events are outside the window; a single
	// fresh event scores clean.
	clock.Advance(2 * time.Hour)
	a, err := engine.Record(ctx, goodEvent("device-0"))
	require.NoError(t, err)
	assert.Zero(t, a.Score)
	assert.Equal(t, ActionNone, a.Action)
}

func TestLowConfidenceFactor(t *testing.T) {
	ctx := context.Background()
	licenses := licensestore.NewMemStore()
	seedLicense(t, licenses, 3)

	engine := NewEngine(licenses, WithClock(newTestClock().Now))
	defer engine.Close()

	ev := goodEvent("device-0")
	ev.Confidence = 35
	a, err := engine.Record(ctx, ev)
	require.NoError(t, err)

	assert.Equal(t, DefaultWeights().LowConfidence, a.Score)
	require.Len(t, a.Factors, 1)
	assert.Equal(t, FactorLowConfidence, a.Factors[0].Name)
}

func TestFailureRateFactor(t *testing.T) {
	ctx := context.Background()
	licenses := licensestore.NewMemStore()
	seedLicense(t, licenses, 3)

	clock := newTestClock()
	engine := NewEngine(licenses, WithClock(clock.Now), WithMaxVelocity(10))
	defer engine.Close()

	var last *Assessment
	for i := 0; i < 4; i++ {
		ev := goodEvent("device-0")
		ev.Success = i%2 == 0
		var err error
		last, err = engine.Record(ctx, ev)
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}

	assert.Equal(t, DefaultWeights().FailureRate, last.Score)
	require.Len(t, last.Factors, 1)
	assert.Equal(t, FactorFailureRate, last.Factors[0].Name)
}

func TestRecordUnknownLicense(t *testing.T) {
	engine := NewEngine(licensestore.NewMemStore())
	defer engine.Close()

	_, err := engine.Record(context.Background(), goodEvent("device-0"))
	assert.ErrorIs(t, err, licensestore.ErrNotFound)
}

func TestLoadWeights(t *testing.T) {
	w, err := LoadWeights([]byte("device_count: 50\nvelocity: 25\n"))
	require.NoError(t, err)
	assert.Equal(t, 50, w.DeviceCount)
	assert.Equal(t, 25, w.Velocity)
	// Unset factors keep their defaults.
	assert.Equal(t, DefaultWeights().LowConfidence, w.LowConfidence)
	assert.Equal(t, DefaultWeights().FailureRate, w.FailureRate)

	_, err = LoadWeights([]byte("{not yaml"))
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	engine := NewEngine(licensestore.NewMemStore())
	require.NoError(t, engine.Close())
	require.NoError(t, engine.Close())
}
