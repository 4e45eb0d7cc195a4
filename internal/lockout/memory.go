package lockout

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	count       int
	lastFailure time.Time
}

// MemoryTracker keeps lockout entries in process memory. An entry older than
// twice the lockout duration is ignored and dropped on its next use; the
// background sweep removes the ones nobody touches again.
type MemoryTracker struct {
	mu      sync.Mutex
	entries map[string]*entry

	policy          Policy
	sweepInterval   time.Duration
	shutdownTimeout time.Duration
	now             func() time.Time
	logger          *slog.Logger

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup

	lockouts atomic.Int64
	evicted  atomic.Int64
}

type MemoryStats struct {
	ActiveEntries int
	Lockouts      int64
	Evicted       int64
	IsRunning     bool
}

type MemoryOption func(*MemoryTracker)

func WithPolicy(p Policy) MemoryOption {
	return func(m *MemoryTracker) {
		m.policy = p.normalized()
	}
}

// WithSweepInterval sets how often stale entries are evicted. Zero disables
// the sweep.
func WithSweepInterval(interval time.Duration) MemoryOption {
	return func(m *MemoryTracker) {
		m.sweepInterval = interval
	}
}

func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryTracker) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) MemoryOption {
	return func(m *MemoryTracker) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewMemoryTracker(opts ...MemoryOption) *MemoryTracker {
	m := &MemoryTracker{
		entries:         make(map[string]*entry),
		policy:          DefaultPolicy(),
		sweepInterval:   DefaultSweepInterval,
		shutdownTimeout: 10 * time.Second,
		now:             time.Now,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryTracker) IsLocked(_ context.Context, clientID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.live(clientID, now)
	if !ok {
		return Status{}, nil
	}
	st, expired := m.policy.evaluate(e.count, e.lastFailure, now)
	if expired {
		delete(m.entries, clientID)
		m.evicted.Add(1)
	}
	return st, nil
}

func (m *MemoryTracker) RecordFailure(_ context.Context, clientID string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.live(clientID, now)
	if ok {
		if _, expired := m.policy.evaluate(e.count, e.lastFailure, now); expired {
			ok = false
		}
	}
	if !ok {
		e = &entry{}
		m.entries[clientID] = e
	}
	e.count++
	e.lastFailure = now

	st, _ := m.policy.evaluate(e.count, e.lastFailure, now)
	if st.Locked && e.count == m.policy.Threshold {
		m.lockouts.Add(1)
	}
	return st, nil
}

// live returns the entry for clientID unless it has outlived the retention
// window, in which case it is evicted. Callers hold m.mu.
func (m *MemoryTracker) live(clientID string, now time.Time) (*entry, bool) {
	e, ok := m.entries[clientID]
	if !ok {
		return nil, false
	}
	if now.Sub(e.lastFailure) > m.policy.Retention() {
		delete(m.entries, clientID)
		m.evicted.Add(1)
		return nil, false
	}
	return e, true
}

func (m *MemoryTracker) Clear(_ context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, clientID)
	return nil
}

// Start runs the sweep loop until ctx is cancelled or Stop is called.
func (m *MemoryTracker) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return fmt.Errorf("lockout tracker already started")
	}
	if m.sweepInterval <= 0 {
		m.mu.Unlock()
		return fmt.Errorf("sweep interval must be > 0, got %v", m.sweepInterval)
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.running.Store(true)
	defer m.running.Store(false)

	m.logger.InfoContext(ctx, "lockout sweep started", slog.Duration("interval", m.sweepInterval))

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sweepTracked(ctx)
		}
	}
}

func (m *MemoryTracker) sweepTracked(ctx context.Context) {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()

	if removed := m.Sweep(); removed > 0 {
		m.logger.DebugContext(ctx, "lockout sweep evicted entries", slog.Int("removed", removed))
	}
}

func (m *MemoryTracker) Stop() error {
	m.mu.Lock()
	if m.cancel == nil {
		m.mu.Unlock()
		return fmt.Errorf("lockout tracker not started")
	}
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(m.shutdownTimeout):
		return fmt.Errorf("lockout sweep shutdown timeout exceeded after %s", m.shutdownTimeout)
	}
}

// Run adapts Start/Stop to an errgroup.
func (m *MemoryTracker) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- m.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = m.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
	}
}

// Sweep evicts entries whose last failure is older than the retention
// window and returns how many were removed.
func (m *MemoryTracker) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	retention := m.policy.Retention()
	removed := 0
	for key, e := range m.entries {
		if now.Sub(e.lastFailure) > retention {
			delete(m.entries, key)
			removed++
		}
	}
	m.evicted.Add(int64(removed))
	return removed
}

func (m *MemoryTracker) Stats() MemoryStats {
	m.mu.Lock()
	active := len(m.entries)
	m.mu.Unlock()
	return MemoryStats{
		ActiveEntries: active,
		Lockouts:      m.lockouts.Load(),
		Evicted:       m.evicted.Load(),
		IsRunning:     m.running.Load(),
	}
}
