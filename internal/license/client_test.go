package license

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensecore/internal/authority"
	"licensecore/internal/fingerprint"
	"licensecore/internal/store"
)

// stubAuthority is a scriptable authority: each call pops the next scripted
// answer, the last answer repeats.
type stubAuthority struct {
	mu      sync.Mutex
	answers []stubAnswer
	calls   atomic.Int32
	// gate, when set, blocks each call until released.
	gate chan struct{}
}

type stubAnswer struct {
	resp *authority.ValidateResponse
	err  error
}

func (s *stubAuthority) Validate(ctx context.Context, _ authority.ValidateRequest) (*authority.ValidateResponse, error) {
	s.calls.Add(1)
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return nil, &authority.TransportError{Op: "validate", Err: ctx.Err()}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	answer := s.answers[0]
	if len(s.answers) > 1 {
		s.answers = s.answers[1:]
	}
	return answer.resp, answer.err
}

func (s *stubAuthority) script(answers ...stubAnswer) *stubAuthority {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = answers
	return s
}

func transportDown() stubAnswer {
	return stubAnswer{err: &authority.TransportError{Op: "validate", Err: errors.New("connection refused")}}
}

func activeAnswer(expiresAt time.Time) stubAnswer {
	return stubAnswer{resp: &authority.ValidateResponse{
		Success: true,
		IsValid: true,
		Status:  "active",
		License: &authority.License{
			ID:         "lic-1",
			PlanCode:   "pro",
			Status:     "active",
			ExpiresAt:  expiresAt,
			MaxUsers:   5,
			MaxDevices: 3,
			Features:   map[string]bool{"reports": true, "export": false},
		},
		Device: &authority.Device{IsActivated: true, ActivationCount: 1, MaxActivations: 3},
	}}
}

func rejectionAnswer(status string) stubAnswer {
	return stubAnswer{resp: &authority.ValidateResponse{
		Success: true,
		IsValid: false,
		Status:  status,
	}}
}

type stubFingerprinter struct{}

func (stubFingerprinter) Generate(context.Context) (*fingerprint.Result, error) {
	return &fingerprint.Result{MasterHash: "fp-master-hash", Confidence: 100}, nil
}

// testClock is a settable clock shared by client and assertions.
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

func newTestClient(auth AuthorityClient, s store.Store, clock *testClock, opts ...ClientOption) *Client {
	base := []ClientOption{WithStore(s), WithClock(clock.Now)}
	return NewClient(auth, stubFingerprinter{}, append(base, opts...)...)
}

const testKey = "PRO-AAAA-BBBB-CCCC"

func TestOnlineValidationCachesResult(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := store.NewMemStore()
	auth := (&stubAuthority{}).script(activeAnswer(clock.Now().Add(30 * 24 * time.Hour)))

	client := newTestClient(auth, s, clock)
	res, err := client.Validate(ctx, testKey, Options{})
	require.NoError(t, err)

	assert.True(t, res.IsValid)
	assert.Equal(t, StatusActive, res.Status)
	assert.Equal(t, ModeOnline, res.Meta.Mode)
	require.NotNil(t, res.License)
	assert.Equal(t, "pro", res.License.PlanCode)
	require.NotNil(t, res.Device)
	assert.True(t, res.Device.IsActivated)

	// The cached validation expires exactly one grace window after now.
	data, err := s.Get(ctx, cacheKey(testKey))
	require.NoError(t, err)
	var cached CachedValidation
	require.NoError(t, json.Unmarshal(data, &cached))
	assert.Equal(t, testKey, cached.LicenseKey)
	assert.True(t, cached.ValidatedAt.Equal(clock.Now()))
	assert.True(t, cached.ExpiresAt.Equal(clock.Now().Add(72*time.Hour)))
}

func TestOfflineFallbackWithinGraceWindow(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := store.NewMemStore()
	expiry := clock.Now().Add(30 * 24 * time.Hour)
	auth := (&stubAuthority{}).script(activeAnswer(expiry), transportDown())

	client := newTestClient(auth, s, clock)
	online, err := client.Validate(ctx, testKey, Options{})
	require.NoError(t, err)
	require.True(t, online.IsValid)

	graceEnds := clock.Now().Add(72 * time.Hour)
	clock.Advance(10 * time.Hour)

	res, err := client.Validate(ctx, testKey, Options{})
	require.NoError(t, err)

	assert.True(t, res.IsValid)
	assert.Equal(t, StatusGracePeriod, res.Status)
	assert.Equal(t, ModeOffline, res.Meta.Mode)
	require.NotNil(t, res.Meta.GracePeriodEndsAt)
	assert.True(t, res.Meta.GracePeriodEndsAt.Equal(graceEnds))

	// The grace result carries the same license snapshot.
	require.NotNil(t, res.License)
	assert.Equal(t, online.License, res.License)

	remaining, inGrace := client.GracePeriodRemaining()
	require.True(t, inGrace)
	assert.Equal(t, 62*time.Hour, remaining)
}

func TestOfflineAfterGraceWindowLapses(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := store.NewMemStore()
	auth := (&stubAuthority{}).script(
		activeAnswer(clock.Now().Add(30*24*time.Hour)),
		transportDown(),
	)

	client := newTestClient(auth, s, clock)
	_, err := client.Validate(ctx, testKey, Options{})
	require.NoError(t, err)

	clock.Advance(80 * time.Hour)

	res, err := client.Validate(ctx, testKey, Options{})
	require.NoError(t, err)

	assert.False(t, res.IsValid)
	assert.Equal(t, StatusOffline, res.Status)
	assert.Equal(t, ModeOffline, res.Meta.Mode)
	assert.Nil(t, res.Meta.GracePeriodEndsAt)

	// The lapsed entry is discarded; it can never serve a grace period again.
	_, err = s.Get(ctx, cacheKey(testKey))
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, inGrace := client.GracePeriodRemaining()
	assert.False(t, inGrace)
}

func TestOfflineWithoutAnyCache(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	auth := (&stubAuthority{}).script(transportDown())

	client := newTestClient(auth, store.NewMemStore(), clock)
	res, err := client.Validate(ctx, testKey, Options{})
	require.NoError(t, err)

	assert.False(t, res.IsValid)
	assert.Equal(t, StatusOffline, res.Status)
}

func TestForceOnlineSkipsFallback(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := store.NewMemStore()
	auth := (&stubAuthority{}).script(
		activeAnswer(clock.Now().Add(30*24*time.Hour)),
		transportDown(),
	)

	client := newTestClient(auth, s, clock)
	_, err := client.Validate(ctx, testKey, Options{})
	require.NoError(t, err)

	clock.Advance(time.Hour)

	res, err := client.Validate(ctx, testKey, Options{ForceOnline: true})
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Equal(t, StatusOffline, res.Status, "forced online must not serve the cache")
}

func TestAuthoritativeRejectionIsNeverCached(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := store.NewMemStore()

	for _, status := range []string{"revoked", "suspended", "expired", "invalid"} {
		t.Run(status, func(t *testing.T) {
			auth := (&stubAuthority{}).script(rejectionAnswer(status))
			client := newTestClient(auth, s, clock)

			res, err := client.Validate(ctx, testKey+status, Options{})
			require.NoError(t, err)

			assert.False(t, res.IsValid)
			assert.Equal(t, Status(status), res.Status, "rejection is returned verbatim")
			assert.Equal(t, ModeOnline, res.Meta.Mode)

			_, err = s.Get(ctx, cacheKey(testKey+status))
			assert.ErrorIs(t, err, store.ErrNotFound, "rejections must never create cache entries")
		})
	}
}

func TestRejectionDoesNotOverwriteExistingCache(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := store.NewMemStore()
	auth := (&stubAuthority{}).script(
		activeAnswer(clock.Now().Add(30*24*time.Hour)),
		rejectionAnswer("suspended"),
		transportDown(),
	)

	client := newTestClient(auth, s, clock)
	_, err := client.Validate(ctx, testKey, Options{})
	require.NoError(t, err)

	res, err := client.Validate(ctx, testKey, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, res.Status)

	// The old valid cache entry still serves the grace fallback; suspension
	// becomes durable once the authority is reachable again.
	clock.Advance(time.Hour)
	res, err = client.Validate(ctx, testKey, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusGracePeriod, res.Status)
}

func TestCheckEntitlement(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	auth := (&stubAuthority{}).script(activeAnswer(clock.Now().Add(30 * 24 * time.Hour)))

	client := newTestClient(auth, store.NewMemStore(), clock)

	assert.False(t, client.CheckEntitlement("reports"), "no valid result yet")

	_, err := client.Validate(ctx, testKey, Options{})
	require.NoError(t, err)

	assert.True(t, client.CheckEntitlement("reports"))
	assert.False(t, client.CheckEntitlement("export"), "feature disabled on the plan")
	assert.False(t, client.CheckEntitlement("unknown"))
}

func TestRejectionRevokesEntitlements(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	auth := (&stubAuthority{}).script(
		activeAnswer(clock.Now().Add(30*24*time.Hour)),
		rejectionAnswer("revoked"),
	)

	client := newTestClient(auth, store.NewMemStore(), clock)
	_, err := client.Validate(ctx, testKey, Options{})
	require.NoError(t, err)
	require.True(t, client.CheckEntitlement("reports"))

	_, err = client.Validate(ctx, testKey, Options{})
	require.NoError(t, err)
	assert.False(t, client.CheckEntitlement("reports"))
}

func TestValidateRequiresLicenseKey(t *testing.T) {
	client := newTestClient(&stubAuthority{}, nil, newTestClock())
	_, err := client.Validate(context.Background(), "", Options{})
	assert.ErrorIs(t, err, ErrEmptyLicenseKey)
}

func TestStoreFailureDegradesToOnlineOnly(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	auth := (&stubAuthority{}).script(
		activeAnswer(clock.Now().Add(30*24*time.Hour)),
		transportDown(),
	)

	client := newTestClient(auth, brokenStore{}, clock)

	res, err := client.Validate(ctx, testKey, Options{})
	require.NoError(t, err)
	assert.True(t, res.IsValid, "online validation works without storage")

	res, err = client.Validate(ctx, testKey, Options{})
	require.NoError(t, err)
	assert.Equal(t, StatusOffline, res.Status, "no cache means no grace period")
}

type brokenStore struct{}

func (brokenStore) Get(context.Context, string) ([]byte, error) { return nil, store.ErrUnavailable }
func (brokenStore) Set(context.Context, string, []byte) error   { return store.ErrUnavailable }
func (brokenStore) Delete(context.Context, string) error        { return store.ErrUnavailable }
func (brokenStore) Close() error                                { return nil }

func TestConcurrentValidationsAreCoalesced(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	gate := make(chan struct{})
	auth := (&stubAuthority{gate: gate}).script(activeAnswer(clock.Now().Add(30 * 24 * time.Hour)))

	client := newTestClient(auth, store.NewMemStore(), clock)

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*Result, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = client.Validate(ctx, testKey, Options{})
		}()
	}

	// Let the callers pile up on the single in-flight cycle, then release it.
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), auth.calls.Load(), "concurrent calls must share one cycle")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].Status, results[i].Status)
	}
}

func TestDifferentKeysAreNotCoalesced(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	auth := (&stubAuthority{}).script(activeAnswer(clock.Now().Add(30 * 24 * time.Hour)))

	client := newTestClient(auth, store.NewMemStore(), clock)
	_, err := client.Validate(ctx, "KEY-ONE", Options{})
	require.NoError(t, err)
	_, err = client.Validate(ctx, "KEY-TWO", Options{})
	require.NoError(t, err)

	assert.Equal(t, int32(2), auth.calls.Load())
}
