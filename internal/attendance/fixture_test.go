package attendance_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"attendkaro/attendance/internal/attendance"
	"attendkaro/attendance/internal/attendance/attendancetest"
	"attendkaro/attendance/internal/lockout"
	"attendkaro/attendance/internal/token"
)

const (
	campusLat = 12.971599
	campusLon = 77.594566
	validity  = 15 * time.Second
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

type recorder struct {
	mu      sync.Mutex
	scans   map[string]int
	proxies map[string]int
	lookups map[string]int
	closed  map[string]int
}

func newRecorder() *recorder {
	return &recorder{
		scans:   map[string]int{},
		proxies: map[string]int{},
		lookups: map[string]int{},
		closed:  map[string]int{},
	}
}

func (r *recorder) ScanOutcome(outcome string) {
	r.mu.Lock()
	r.scans[outcome]++
	r.mu.Unlock()
}

func (r *recorder) ProxyAttempt(code string) {
	r.mu.Lock()
	r.proxies[code]++
	r.mu.Unlock()
}

func (r *recorder) CodeLookup(outcome string) {
	r.mu.Lock()
	r.lookups[outcome]++
	r.mu.Unlock()
}

func (r *recorder) SessionClosed(trigger string, _ int) {
	r.mu.Lock()
	r.closed[trigger]++
	r.mu.Unlock()
}

func (r *recorder) count(m map[string]int, key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return m[key]
}

type fixture struct {
	store    *attendancetest.Store
	clock    *manualClock
	codec    *token.Codec
	locks    *lockout.MemoryTracker
	rec      *recorder
	sessions *attendance.Manager
	devices  *attendance.Ledger
	pipeline *attendance.Pipeline

	owner uuid.UUID
	class attendancetest.Class
}

func newFixture(t *testing.T, extra ...attendance.Option) *fixture {
	t.Helper()
	f := &fixture{
		store: attendancetest.New(),
		clock: &manualClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		rec:   newRecorder(),
		owner: uuid.New(),
	}
	codec, err := token.NewCodec([]byte("test-secret"), validity, token.WithClock(f.clock.Now))
	require.NoError(t, err)
	f.codec = codec
	f.locks = lockout.NewMemoryTracker(lockout.WithClock(f.clock.Now))

	opts := append([]attendance.Option{
		attendance.WithClock(f.clock.Now),
		attendance.WithRecorder(f.rec),
	}, extra...)
	f.sessions = attendance.NewManager(f.store, codec, f.locks, opts...)
	f.devices = attendance.NewLedger(f.store, opts...)
	f.pipeline = attendance.NewPipeline(f.store, codec, f.sessions, f.devices, opts...)
	f.class = f.store.AddClass(f.owner, "Operating Systems")
	return f
}

// enrolled adds n students to the fixture's class.
func (f *fixture) enrolled(n int) []uuid.UUID {
	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = f.store.AddStudent()
	}
	f.store.Enroll(f.class.ID, ids...)
	return ids
}

func (f *fixture) open(t *testing.T) attendance.OpenedSession {
	t.Helper()
	opened, err := f.sessions.Open(context.Background(), attendance.OpenParams{
		ClassID:   f.class.ID,
		OwnerID:   f.owner,
		Latitude:  campusLat,
		Longitude: campusLon,
		TimeSlot:  "09:00-10:00",
	})
	require.NoError(t, err)
	return opened
}

func (f *fixture) scan(ctx context.Context, sessionID, studentID uuid.UUID, qr, device string) (attendance.PresenceRecord, error) {
	return f.pipeline.MarkPresence(ctx, attendance.ScanRequest{
		SessionID: sessionID,
		StudentID: studentID,
		Token:     qr,
		DeviceID:  device,
		Latitude:  campusLat,
		Longitude: campusLon,
	})
}

// requireCode asserts the kind and public code of a classified error.
func requireCode(t *testing.T, err error, kind attendance.Kind, code string) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, attendance.CodeOf(err), "error: %v", err)
	require.Equal(t, kind, attendance.KindOf(err), "error: %v", err)
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 0
	}
	return len(p), nil
}
