package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"attendkaro/attendance/internal/attendance"
)

var _ attendance.Recorder = (*Recorder)(nil)

func TestRecorderCounts(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.ScanOutcome("present")
	r.ScanOutcome("present")
	r.ScanOutcome(attendance.CodeOutsideGeofence)
	r.ProxyAttempt(attendance.CodeOutsideGeofence)
	r.CodeLookup("locked")
	r.SessionClosed("owner", 3)
	r.SessionClosed("expired", 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.scans.WithLabelValues("present")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.proxies.WithLabelValues(attendance.CodeOutsideGeofence)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.lookups.WithLabelValues("locked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.closures.WithLabelValues("owner", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.closures.WithLabelValues("expired", "false")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.markedAbsent))
}
