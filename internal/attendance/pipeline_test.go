package attendance_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendkaro/attendance/internal/attendance"
	"attendkaro/attendance/internal/geo"
	"attendkaro/attendance/internal/token"
)

func TestMarkPresence(t *testing.T) {
	f := newFixture(t)
	students := f.enrolled(1)
	opened := f.open(t)
	ctx := context.Background()

	f.clock.Advance(10 * time.Second)
	rec, err := f.scan(ctx, opened.Session.ID, students[0], opened.QRData, "pixel-7")
	require.NoError(t, err)
	assert.Equal(t, attendance.StatusPresent, rec.Status)
	assert.Equal(t, "pixel-7", rec.DeviceID)
	assert.Equal(t, f.clock.Now(), rec.MarkedAt)

	binding, err := f.devices.Binding(ctx, students[0])
	require.NoError(t, err)
	assert.Equal(t, "pixel-7", binding.DeviceID)

	_, err = f.scan(ctx, opened.Session.ID, students[0], opened.QRData, "pixel-7")
	requireCode(t, err, attendance.KindConflict, attendance.CodeAlreadyMarked)

	stats, err := f.sessions.Stats(ctx, opened.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.StudentsScanned)
	assert.Equal(t, 1, f.rec.count(f.rec.scans, "present"))
	assert.Empty(t, f.store.ProxyLog())
}

func TestMarkPresenceOutsideGeofence(t *testing.T) {
	f := newFixture(t)
	students := f.enrolled(1)
	opened := f.open(t)

	// roughly 200m north of the anchor
	lat := campusLat + 200/geo.EarthRadiusMeters*180/math.Pi
	_, err := f.pipeline.MarkPresence(context.Background(), attendance.ScanRequest{
		SessionID: opened.Session.ID,
		StudentID: students[0],
		Token:     opened.QRData,
		DeviceID:  "pixel-7",
		Latitude:  lat,
		Longitude: campusLon,
	})
	requireCode(t, err, attendance.KindIntegrity, attendance.CodeOutsideGeofence)

	distance := geo.DistanceMeters(lat, campusLon, campusLat, campusLon)
	assert.InDelta(t, 200, distance, 0.5)
	proxies := f.store.ProxyLog()
	require.Len(t, proxies, 1)
	assert.Equal(t, fmt.Sprintf("Outside geo-fence (%dm away, radius=30m)", int(math.Round(distance))), proxies[0].Reason)
	assert.Equal(t, students[0], proxies[0].StudentID)
	assert.Empty(t, f.store.Records(opened.Session.ID))
}

func TestMarkPresenceRejectsForgedTokens(t *testing.T) {
	f := newFixture(t)
	students := f.enrolled(1)
	opened := f.open(t)
	other := f.open(t)
	ctx := context.Background()

	tampered := opened.Token
	tampered.Signature = "0" + tampered.Signature[1:]
	if tampered.Signature == opened.Token.Signature {
		tampered.Signature = "1" + tampered.Signature[1:]
	}
	raw, err := tampered.Encode()
	require.NoError(t, err)

	_, err = f.scan(ctx, opened.Session.ID, students[0], raw, "pixel-7")
	requireCode(t, err, attendance.KindIntegrity, attendance.CodeSignatureMismatch)

	// A genuine token for a different session.
	_, err = f.scan(ctx, opened.Session.ID, students[0], other.QRData, "pixel-7")
	requireCode(t, err, attendance.KindIntegrity, attendance.CodeSignatureMismatch)

	forger, err := token.NewCodec([]byte("guessed-secret"), validity, token.WithClock(f.clock.Now))
	require.NoError(t, err)
	forged, err := forger.Issue(opened.Session.ID.String())
	require.NoError(t, err)
	raw, err = forged.Encode()
	require.NoError(t, err)
	_, err = f.scan(ctx, opened.Session.ID, students[0], raw, "pixel-7")
	requireCode(t, err, attendance.KindIntegrity, attendance.CodeSignatureMismatch)

	proxies := f.store.ProxyLog()
	require.Len(t, proxies, 3)
	for _, p := range proxies {
		assert.Equal(t, attendance.ReasonSignatureMismatch, p.Reason)
	}
	assert.Equal(t, 3, f.rec.count(f.rec.proxies, attendance.CodeSignatureMismatch))

	binding, err := f.devices.Binding(ctx, students[0])
	require.NoError(t, err)
	assert.False(t, binding.Bound(), "rejected before the device check")
}

func TestMarkPresenceExpiredToken(t *testing.T) {
	f := newFixture(t)
	students := f.enrolled(1)
	opened := f.open(t)

	f.clock.Advance(validity + time.Second)
	_, err := f.scan(context.Background(), opened.Session.ID, students[0], opened.QRData, "pixel-7")
	requireCode(t, err, attendance.KindIntegrity, attendance.CodeQRExpired)

	proxies := f.store.ProxyLog()
	require.Len(t, proxies, 1)
	assert.Equal(t, attendance.ReasonExpired, proxies[0].Reason)
}

func TestMarkPresenceMalformedInput(t *testing.T) {
	f := newFixture(t)
	students := f.enrolled(1)
	opened := f.open(t)
	ctx := context.Background()

	_, err := f.scan(ctx, opened.Session.ID, students[0], "not json", "pixel-7")
	requireCode(t, err, attendance.KindValidation, attendance.CodeInvalidQRFormat)

	_, err = f.scan(ctx, opened.Session.ID, students[0], `{"session_id":"x"}`, "pixel-7")
	requireCode(t, err, attendance.KindValidation, attendance.CodeInvalidQRFormat)

	_, err = f.scan(ctx, opened.Session.ID, students[0], opened.QRData, "  ")
	requireCode(t, err, attendance.KindValidation, attendance.CodeMissingFields)

	_, err = f.pipeline.MarkPresence(ctx, attendance.ScanRequest{
		SessionID: opened.Session.ID, StudentID: students[0], Token: opened.QRData,
		DeviceID: "pixel-7", Latitude: 12, Longitude: 181,
	})
	requireCode(t, err, attendance.KindValidation, attendance.CodeInvalidCoordinates)

	assert.Empty(t, f.store.ProxyLog(), "malformed input is not a proxy signal")
}

func TestMarkPresenceDeviceMismatch(t *testing.T) {
	f := newFixture(t)
	students := f.enrolled(1)
	opened := f.open(t)
	ctx := context.Background()
	f.store.BindDevice(students[0], "pixel-7", f.clock.Now())

	_, err := f.scan(ctx, opened.Session.ID, students[0], opened.QRData, "iphone-15")
	requireCode(t, err, attendance.KindIntegrity, attendance.CodeDeviceMismatch)

	binding, err := f.devices.Binding(ctx, students[0])
	require.NoError(t, err)
	assert.Equal(t, "pixel-7", binding.DeviceID, "a mismatch never rebinds")

	proxies := f.store.ProxyLog()
	require.Len(t, proxies, 1)
	assert.Equal(t, attendance.ReasonDeviceMismatch, proxies[0].Reason)
	assert.Equal(t, "iphone-15", proxies[0].DeviceID)
}

func TestMarkPresenceNotEnrolledStillBindsDevice(t *testing.T) {
	f := newFixture(t)
	outsider := f.store.AddStudent()
	opened := f.open(t)
	ctx := context.Background()

	_, err := f.scan(ctx, opened.Session.ID, outsider, opened.QRData, "pixel-7")
	requireCode(t, err, attendance.KindAuthorization, attendance.CodeNotEnrolled)

	binding, err := f.devices.Binding(ctx, outsider)
	require.NoError(t, err)
	assert.Equal(t, "pixel-7", binding.DeviceID)
	assert.Empty(t, f.store.ProxyLog())
}

func TestMarkPresenceEndedSession(t *testing.T) {
	f := newFixture(t)
	students := f.enrolled(1)
	opened := f.open(t)
	ctx := context.Background()
	_, err := f.sessions.EndByOwner(ctx, opened.Session.ID, f.owner)
	require.NoError(t, err)

	_, err = f.scan(ctx, opened.Session.ID, students[0], opened.QRData, "pixel-7")
	requireCode(t, err, attendance.KindConflict, attendance.CodeSessionNotActive)

	_, err = f.scan(ctx, uuid.New(), students[0], opened.QRData, "pixel-7")
	requireCode(t, err, attendance.KindIntegrity, attendance.CodeSignatureMismatch)
}

func TestMarkPresenceConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	students := f.enrolled(1)
	opened := f.open(t)
	ctx := context.Background()

	const workers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		dupes     int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.scan(ctx, opened.Session.ID, students[0], opened.QRData, "pixel-7")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case attendance.CodeOf(err) == attendance.CodeAlreadyMarked:
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, dupes)
	assert.Len(t, f.store.Records(opened.Session.ID), 1)
}

func TestMarkPresenceProxyLogFailureKeepsOutcome(t *testing.T) {
	f := newFixture(t)
	students := f.enrolled(1)
	opened := f.open(t)
	f.store.FailOn("InsertProxyAttempt", errors.New("connection reset"))

	f.clock.Advance(time.Minute)
	_, err := f.scan(context.Background(), opened.Session.ID, students[0], opened.QRData, "pixel-7")
	requireCode(t, err, attendance.KindIntegrity, attendance.CodeQRExpired)
	assert.Equal(t, 1, f.store.Calls("InsertProxyAttempt"))
}

func TestMarkPresenceCanceledBeforeCommit(t *testing.T) {
	f := newFixture(t)
	students := f.enrolled(1)
	opened := f.open(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.scan(ctx, opened.Session.ID, students[0], opened.QRData, "pixel-7")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, f.store.Records(opened.Session.ID))
}

func TestScanRaceWithClose(t *testing.T) {
	f := newFixture(t)
	students := f.enrolled(6)
	opened := f.open(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i, id := range students {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, _ = f.scan(ctx, opened.Session.ID, id, opened.QRData, fmt.Sprintf("device-%d", i))
		}(i, id)
	}
	_, err := f.sessions.EndByOwner(ctx, opened.Session.ID, f.owner)
	require.NoError(t, err)
	wg.Wait()

	// Every enrolled student ends with exactly one record, whichever side
	// of the close its scan landed on.
	records := f.store.Records(opened.Session.ID)
	seen := map[uuid.UUID]int{}
	for _, rec := range records {
		seen[rec.StudentID]++
	}
	assert.Len(t, seen, len(students))
	for id, n := range seen {
		assert.Equal(t, 1, n, "student %s", id)
	}
}
