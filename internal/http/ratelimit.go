package http

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"attendkaro/attendance/internal/config"
)

const (
	defaultDisplayEndLimit      = 3
	defaultDisplayTokenLimit    = 15
	defaultDisplayStatsLimit    = 30
	defaultDisplayValidateLimit = 30
	defaultDisplayRateWindow    = time.Minute
)

// rateRule allows Limit requests per client in each Window.
type rateRule struct {
	Limit  int
	Window time.Duration
}

type displayLimits struct {
	End      rateRule
	Token    rateRule
	Stats    rateRule
	Validate rateRule
}

func displayLimitsFrom(cfg config.Config) displayLimits {
	window := cfg.DisplayRateWindow
	if window <= 0 {
		window = defaultDisplayRateWindow
	}
	rule := func(limit, fallback int) rateRule {
		if limit <= 0 {
			limit = fallback
		}
		return rateRule{Limit: limit, Window: window}
	}
	return displayLimits{
		End:      rule(cfg.DisplayEndLimit, defaultDisplayEndLimit),
		Token:    rule(cfg.DisplayTokenLimit, defaultDisplayTokenLimit),
		Stats:    rule(cfg.DisplayStatsLimit, defaultDisplayStatsLimit),
		Validate: rule(cfg.DisplayValidateLimit, defaultDisplayValidateLimit),
	}
}

type rateWindow struct {
	count int
	reset time.Time
}

// rateLimiter counts requests per key in fixed windows. Windows that have
// closed are dropped on access and by an occasional inline sweep.
type rateLimiter struct {
	mu        sync.Mutex
	windows   map[string]*rateWindow
	now       func() time.Time
	lastSweep time.Time
}

func newRateLimiter(now func() time.Time) *rateLimiter {
	if now == nil {
		now = time.Now
	}
	return &rateLimiter{windows: make(map[string]*rateWindow), now: now}
}

// allow consumes one request for key and reports whether it fits the rule.
// When it does not, the returned duration is how long until the window
// resets.
func (l *rateLimiter) allow(key string, rule rateRule) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.sweep(now)

	w, ok := l.windows[key]
	if !ok || !now.Before(w.reset) {
		w = &rateWindow{reset: now.Add(rule.Window)}
		l.windows[key] = w
	}
	if w.count >= rule.Limit {
		return false, w.reset.Sub(now)
	}
	w.count++
	return true, 0
}

func (l *rateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now
	for key, w := range l.windows {
		if !now.Before(w.reset) {
			delete(l.windows, key)
		}
	}
}

func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// rateLimit throttles a route per client IP. Each route counts separately.
func (s *Server) rateLimit(rule rateRule) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			client := s.clientIP(r)
			ok, retryAfter := s.limiter.allow(r.Method+" "+route+"|"+client, rule)
			if !ok {
				s.logger.WarnContext(r.Context(), "display rate limit exceeded",
					slog.String("client", client),
					slog.String("route", route),
					slog.Int("limit", rule.Limit),
					slog.Duration("window", rule.Window))
				w.Header().Set("Retry-After", strconv.Itoa(int((retryAfter+time.Second-1)/time.Second)))
				writeError(w, http.StatusTooManyRequests, "too_many_requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
