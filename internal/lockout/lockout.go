// Package lockout counts failed session-code lookups per client and locks a
// client out once it crosses a threshold.
package lockout

import (
	"context"
	"time"
)

const (
	DefaultThreshold     = 5
	DefaultDuration      = 5 * time.Minute
	DefaultSweepInterval = 10 * time.Minute
)

// Policy decides when an entry is locked.
type Policy struct {
	Threshold int
	Duration  time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Threshold: DefaultThreshold, Duration: DefaultDuration}
}

func (p Policy) normalized() Policy {
	if p.Threshold <= 0 {
		p.Threshold = DefaultThreshold
	}
	if p.Duration <= 0 {
		p.Duration = DefaultDuration
	}
	return p
}

// Retention is how long an entry is kept after its last failure.
func (p Policy) Retention() time.Duration {
	return 2 * p.normalized().Duration
}

type Status struct {
	Locked     bool
	RetryAfter time.Duration
	Failures   int
}

// Tracker is the contract shared by the in-process and Redis backends.
type Tracker interface {
	IsLocked(ctx context.Context, clientID string) (Status, error)
	RecordFailure(ctx context.Context, clientID string) (Status, error)
	Clear(ctx context.Context, clientID string) error
}

// evaluate reports the status of an entry and whether it has served its
// lock and should be dropped.
func (p Policy) evaluate(count int, lastFailure, now time.Time) (Status, bool) {
	p = p.normalized()
	if count < p.Threshold {
		return Status{Failures: count}, false
	}
	elapsed := now.Sub(lastFailure)
	if elapsed >= p.Duration {
		return Status{}, true
	}
	return Status{Locked: true, RetryAfter: p.Duration - elapsed, Failures: count}, false
}
