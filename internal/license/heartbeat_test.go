package license

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensecore/internal/store"
)

func TestHeartbeatPerformsImmediateValidation(t *testing.T) {
	clock := newTestClock()
	auth := (&stubAuthority{}).script(activeAnswer(clock.Now().Add(30 * 24 * time.Hour)))

	client := newTestClient(auth, store.NewMemStore(), clock)
	require.NoError(t, client.StartHeartbeat(context.Background(), testKey))
	defer client.StopHeartbeat()

	require.Eventually(t, func() bool {
		return client.LastResult() != nil
	}, 2*time.Second, 10*time.Millisecond)

	res := client.LastResult()
	assert.True(t, res.IsValid)
	assert.Equal(t, StatusActive, res.Status)
	assert.Equal(t, int32(1), auth.calls.Load())
}

func TestHeartbeatRevalidatesOnInterval(t *testing.T) {
	clock := newTestClock()
	auth := (&stubAuthority{}).script(activeAnswer(clock.Now().Add(30 * 24 * time.Hour)))

	client := newTestClient(auth, store.NewMemStore(), clock,
		WithHeartbeatInterval(30*time.Millisecond))
	require.NoError(t, client.StartHeartbeat(context.Background(), testKey))
	defer client.StopHeartbeat()

	require.Eventually(t, func() bool {
		return auth.calls.Load() >= 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartHeartbeatTwiceFails(t *testing.T) {
	clock := newTestClock()
	auth := (&stubAuthority{}).script(activeAnswer(clock.Now().Add(30 * 24 * time.Hour)))

	client := newTestClient(auth, store.NewMemStore(), clock)
	require.NoError(t, client.StartHeartbeat(context.Background(), testKey))
	defer client.StopHeartbeat()

	assert.ErrorIs(t, client.StartHeartbeat(context.Background(), testKey), ErrHeartbeatActive)
}

func TestStopHeartbeatIsIdempotent(t *testing.T) {
	clock := newTestClock()
	auth := (&stubAuthority{}).script(activeAnswer(clock.Now().Add(30 * 24 * time.Hour)))

	client := newTestClient(auth, store.NewMemStore(), clock)
	client.StopHeartbeat() // never started

	require.NoError(t, client.StartHeartbeat(context.Background(), testKey))
	client.StopHeartbeat()
	client.StopHeartbeat()
}

func TestStopHeartbeatPreventsFurtherValidations(t *testing.T) {
	clock := newTestClock()
	auth := (&stubAuthority{}).script(activeAnswer(clock.Now().Add(30 * 24 * time.Hour)))

	client := newTestClient(auth, store.NewMemStore(), clock,
		WithHeartbeatInterval(20*time.Millisecond))
	require.NoError(t, client.StartHeartbeat(context.Background(), testKey))

	require.Eventually(t, func() bool {
		return auth.calls.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	client.StopHeartbeat()
	settled := auth.calls.Load()

	// Several intervals later, no further validation has fired.
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, settled, auth.calls.Load())
}

func TestInFlightResultIsDiscardedAfterStop(t *testing.T) {
	clock := newTestClock()
	gate := make(chan struct{})
	auth := (&stubAuthority{gate: gate}).script(activeAnswer(clock.Now().Add(30 * 24 * time.Hour)))

	client := newTestClient(auth, store.NewMemStore(), clock)
	require.NoError(t, client.StartHeartbeat(context.Background(), testKey))

	// Wait for the immediate validation to be in flight, then stop the
	// heartbeat while the authority has not answered yet.
	require.Eventually(t, func() bool {
		return auth.calls.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
	client.StopHeartbeat()

	// Release the authority; the late result must not become observable.
	close(gate)
	time.Sleep(100 * time.Millisecond)

	assert.Nil(t, client.LastResult(), "result in flight at stop time must be discarded")
	_, inGrace := client.GracePeriodRemaining()
	assert.False(t, inGrace)
}

func TestHeartbeatRestartAfterStop(t *testing.T) {
	clock := newTestClock()
	auth := (&stubAuthority{}).script(activeAnswer(clock.Now().Add(30 * 24 * time.Hour)))

	client := newTestClient(auth, store.NewMemStore(), clock)
	require.NoError(t, client.StartHeartbeat(context.Background(), testKey))
	client.StopHeartbeat()

	require.NoError(t, client.StartHeartbeat(context.Background(), testKey))
	defer client.StopHeartbeat()

	require.Eventually(t, func() bool {
		return client.LastResult() != nil
	}, 2*time.Second, 10*time.Millisecond)
}
