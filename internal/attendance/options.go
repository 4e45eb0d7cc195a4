package attendance

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"attendkaro/attendance/internal/geo"
)

type Config struct {
	MaxSessionDuration time.Duration
	DefaultRadius      float64
	CodeAttempts       int
	RefreshInterval    time.Duration
	StoreTimeout       time.Duration
	ReadRetries        uint64
	RetryBackoff       time.Duration
	ProxyAttemptsLimit int
}

func DefaultConfig() Config {
	return Config{
		MaxSessionDuration: 3 * time.Hour,
		DefaultRadius:      geo.DefaultRadiusMeters,
		CodeAttempts:       5,
		RefreshInterval:    5 * time.Second,
		StoreTimeout:       5 * time.Second,
		ReadRetries:        2,
		RetryBackoff:       50 * time.Millisecond,
		ProxyAttemptsLimit: 100,
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxSessionDuration <= 0 {
		c.MaxSessionDuration = def.MaxSessionDuration
	}
	if c.DefaultRadius <= 0 {
		c.DefaultRadius = def.DefaultRadius
	}
	if c.CodeAttempts <= 0 {
		c.CodeAttempts = def.CodeAttempts
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = def.RefreshInterval
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = def.StoreTimeout
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.ProxyAttemptsLimit <= 0 {
		c.ProxyAttemptsLimit = def.ProxyAttemptsLimit
	}
	return c
}

// Recorder receives outcome counts. The metrics package provides the
// Prometheus implementation.
type Recorder interface {
	ScanOutcome(outcome string)
	ProxyAttempt(code string)
	CodeLookup(outcome string)
	SessionClosed(trigger string, markedAbsent int)
}

type nopRecorder struct{}

func (nopRecorder) ScanOutcome(string)        {}
func (nopRecorder) ProxyAttempt(string)       {}
func (nopRecorder) CodeLookup(string)         {}
func (nopRecorder) SessionClosed(string, int) {}

type options struct {
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	recorder Recorder
	random   io.Reader
}

type Option func(*options)

func WithConfig(cfg Config) Option {
	return func(o *options) {
		o.cfg = cfg.normalized()
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithRandom replaces the session code source.
func WithRandom(r io.Reader) Option {
	return func(o *options) {
		if r != nil {
			o.random = r
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		cfg:      DefaultConfig(),
		now:      time.Now,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		recorder: nopRecorder{},
		random:   rand.Reader,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) clock() time.Time {
	return o.now().UTC()
}

// read runs an idempotent store read with a bounded timeout, retrying
// ErrUnavailable a few times with exponential backoff.
func (o options) read(ctx context.Context, fn func(context.Context) error) error {
	backoff := retry.WithMaxRetries(o.cfg.ReadRetries, retry.NewExponential(o.cfg.RetryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
		defer cancel()
		err := timedOut(ctx, fn(callCtx))
		if errors.Is(err, ErrUnavailable) {
			return retry.RetryableError(err)
		}
		return err
	})
	return classify(err)
}

// write runs a single non-retried store call with a bounded timeout.
func (o options) write(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()
	return classify(timedOut(ctx, fn(callCtx)))
}

// timedOut marks a call that hit its own deadline, while the caller's
// context is still live, as a store outage.
func timedOut(parent context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil && !errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}
