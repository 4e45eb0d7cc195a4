package lockout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newClock() *manualClock {
	return &manualClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func TestMemoryTrackerLocksAfterThreshold(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	tracker := NewMemoryTracker(WithClock(clock.Now))

	for i := 1; i < DefaultThreshold; i++ {
		st, err := tracker.RecordFailure(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.False(t, st.Locked)
		assert.Equal(t, i, st.Failures)
		clock.Advance(5 * time.Second)
	}

	st, err := tracker.RecordFailure(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, st.Locked)
	assert.Equal(t, DefaultDuration, st.RetryAfter)

	clock.Advance(time.Minute)
	st, err = tracker.IsLocked(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, st.Locked)
	assert.Equal(t, 4*time.Minute, st.RetryAfter)

	other, err := tracker.IsLocked(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.False(t, other.Locked, "lockout is per client")

	assert.Equal(t, int64(1), tracker.Stats().Lockouts)
}

func TestMemoryTrackerUnlocksAfterDuration(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	tracker := NewMemoryTracker(WithClock(clock.Now), WithPolicy(Policy{Threshold: 3, Duration: time.Minute}))

	for i := 0; i < 3; i++ {
		_, err := tracker.RecordFailure(ctx, "ip")
		require.NoError(t, err)
	}
	st, _ := tracker.IsLocked(ctx, "ip")
	require.True(t, st.Locked)

	clock.Advance(time.Minute)
	st, err := tracker.IsLocked(ctx, "ip")
	require.NoError(t, err)
	assert.False(t, st.Locked)
	assert.Zero(t, tracker.Stats().ActiveEntries, "served lockouts are evicted on read")

	st, err = tracker.RecordFailure(ctx, "ip")
	require.NoError(t, err)
	assert.Equal(t, 1, st.Failures, "count restarts after a served lockout")
}

func TestMemoryTrackerClear(t *testing.T) {
	ctx := context.Background()
	tracker := NewMemoryTracker()
	for i := 0; i < DefaultThreshold; i++ {
		_, _ = tracker.RecordFailure(ctx, "ip")
	}
	require.NoError(t, tracker.Clear(ctx, "ip"))

	st, err := tracker.IsLocked(ctx, "ip")
	require.NoError(t, err)
	assert.False(t, st.Locked)
	assert.Zero(t, st.Failures)
}

func TestMemoryTrackerSweep(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	tracker := NewMemoryTracker(WithClock(clock.Now))

	_, _ = tracker.RecordFailure(ctx, "old")
	clock.Advance(6 * time.Minute)
	_, _ = tracker.RecordFailure(ctx, "recent")

	clock.Advance(5 * time.Minute)
	assert.Equal(t, 1, tracker.Sweep())

	stats := tracker.Stats()
	assert.Equal(t, 1, stats.ActiveEntries)
	assert.Equal(t, int64(1), stats.Evicted)

	st, _ := tracker.IsLocked(ctx, "recent")
	assert.Equal(t, 1, st.Failures)
}

func TestMemoryTrackerForgetsStaleFailuresWithoutSweep(t *testing.T) {
	ctx := context.Background()
	clock := newClock()
	tracker := NewMemoryTracker(WithClock(clock.Now), WithSweepInterval(0))

	for i := 0; i < DefaultThreshold-1; i++ {
		_, err := tracker.RecordFailure(ctx, "1.2.3.4")
		require.NoError(t, err)
	}
	clock.Advance(15 * time.Minute)

	st, err := tracker.RecordFailure(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, st.Locked)
	assert.Equal(t, 1, st.Failures)

	for i := 0; i < DefaultThreshold-2; i++ {
		_, _ = tracker.RecordFailure(ctx, "5.6.7.8")
	}
	clock.Advance(11 * time.Minute)
	st, err = tracker.IsLocked(ctx, "5.6.7.8")
	require.NoError(t, err)
	assert.Zero(t, st.Failures)
	assert.Equal(t, 1, tracker.Stats().ActiveEntries)
	assert.Equal(t, int64(2), tracker.Stats().Evicted)
}

func TestMemoryTrackerConcurrentFailures(t *testing.T) {
	ctx := context.Background()
	tracker := NewMemoryTracker(WithPolicy(Policy{Threshold: 50, Duration: time.Minute}))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = tracker.RecordFailure(ctx, "ip")
		}()
	}
	wg.Wait()

	st, err := tracker.IsLocked(ctx, "ip")
	require.NoError(t, err)
	assert.True(t, st.Locked)
	assert.Equal(t, 50, st.Failures)
}

func TestMemoryTrackerRunLifecycle(t *testing.T) {
	tracker := NewMemoryTracker(WithSweepInterval(10 * time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- tracker.Run(ctx)() }()

	require.Eventually(t, func() bool { return tracker.Stats().IsRunning }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	assert.False(t, tracker.Stats().IsRunning)
}

func TestMemoryTrackerStartRequiresInterval(t *testing.T) {
	tracker := NewMemoryTracker(WithSweepInterval(0))
	assert.Error(t, tracker.Start(context.Background()))
}
