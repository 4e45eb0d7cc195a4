// Package metrics exposes attendance outcomes as Prometheus counters.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type Recorder struct {
	scans        *prometheus.CounterVec
	proxies      *prometheus.CounterVec
	lookups      *prometheus.CounterVec
	closures     *prometheus.CounterVec
	markedAbsent prometheus.Counter
}

// New registers the attendance collectors on reg.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "scans_total",
			Help:      "Presence scans by outcome.",
		}, []string{"outcome"}),
		proxies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "proxy_attempts_total",
			Help:      "Rejected scans stored as proxy attempts, by reason code.",
		}, []string{"code"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "code_lookups_total",
			Help:      "Display session code lookups by outcome.",
		}, []string{"outcome"}),
		closures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "sessions_closed_total",
			Help:      "Sessions ended, by trigger.",
		}, []string{"trigger", "had_absences"}),
		markedAbsent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "marked_absent_total",
			Help:      "ABSENT records written while closing sessions.",
		}),
	}
	reg.MustRegister(r.scans, r.proxies, r.lookups, r.closures, r.markedAbsent)
	return r
}

func (r *Recorder) ScanOutcome(outcome string) {
	r.scans.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ProxyAttempt(code string) {
	r.proxies.WithLabelValues(code).Inc()
}

func (r *Recorder) CodeLookup(outcome string) {
	r.lookups.WithLabelValues(outcome).Inc()
}

func (r *Recorder) SessionClosed(trigger string, markedAbsent int) {
	r.closures.WithLabelValues(trigger, strconv.FormatBool(markedAbsent > 0)).Inc()
	r.markedAbsent.Add(float64(markedAbsent))
}
