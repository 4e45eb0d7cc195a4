package http

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"attendkaro/attendance/internal/attendance"
	"attendkaro/attendance/internal/config"
	"attendkaro/attendance/internal/logging"
)

func TestBearerToken(t *testing.T) {
	cases := map[string]string{
		"":                 "",
		"Bearer abc":       "abc",
		"bearer  abc ":     "abc",
		"Basic dXNlcjpwdw": "",
		"Bearer":           "",
	}
	for header, expect := range cases {
		if got := bearerToken(header); got != expect {
			t.Fatalf("bearerToken(%q) = %q, expected %q", header, got, expect)
		}
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:5555"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	direct := &Server{cfg: config.Config{}}
	if got := direct.clientIP(req); got != "10.1.2.3" {
		t.Fatalf("expected remote address when proxy headers are untrusted, got %s", got)
	}

	proxied := &Server{cfg: config.Config{TrustProxyHeaders: true}}
	if got := proxied.clientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected first forwarded address, got %s", got)
	}

	req.Header.Del("X-Forwarded-For")
	req.Header.Set("X-Real-IP", "198.51.100.4")
	if got := proxied.clientIP(req); got != "198.51.100.4" {
		t.Fatalf("expected X-Real-IP, got %s", got)
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[attendance.Kind]int{
		attendance.KindValidation:    http.StatusBadRequest,
		attendance.KindIntegrity:     http.StatusBadRequest,
		attendance.KindAuthorization: http.StatusForbidden,
		attendance.KindNotFound:      http.StatusNotFound,
		attendance.KindConflict:      http.StatusConflict,
		attendance.KindLocked:        http.StatusTooManyRequests,
		attendance.KindTransient:     http.StatusServiceUnavailable,
		attendance.KindInvariant:     http.StatusInternalServerError,
	}
	for kind, expect := range cases {
		if got := statusFor(kind); got != expect {
			t.Fatalf("statusFor(%s) = %d, expected %d", kind, got, expect)
		}
	}
}

func TestWriteFailureHidesInternalDetail(t *testing.T) {
	s := &Server{logger: logging.Discard()}
	req := httptest.NewRequest(http.MethodGet, "/x", nil)

	rec := httptest.NewRecorder()
	s.writeFailure(rec, req, errors.New("pq: password authentication failed"))
	if rec.Code != http.StatusInternalServerError || rec.Body.String() != "{\"error\":\"server_error\"}\n" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.writeFailure(rec, req, &attendance.Error{
		Kind: attendance.KindTransient,
		Code: attendance.CodeStoreUnavailable,
		Err:  errors.New("dial tcp 10.0.0.5:5432: connection refused"),
	})
	if rec.Code != http.StatusServiceUnavailable || rec.Body.String() != "{\"error\":\"store_unavailable\"}\n" {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	s.writeFailure(rec, req, &attendance.Error{
		Kind:       attendance.KindLocked,
		Code:       attendance.CodeTooManyAttempts,
		RetryAfter: 1500 * time.Millisecond,
	})
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After rounded up to 2, got %q", got)
	}
}

func TestDecisionFor(t *testing.T) {
	if decisionFor("approve") != attendance.RequestApproved || decisionFor("REJECTED") != attendance.RequestRejected {
		t.Fatalf("unexpected decision mapping")
	}
}

func TestRateLimiterWindows(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	limiter := newRateLimiter(func() time.Time { return now })
	rule := rateRule{Limit: 2, Window: time.Minute}

	for i := 0; i < 2; i++ {
		if ok, _ := limiter.allow("a", rule); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	now = now.Add(20 * time.Second)
	ok, retryAfter := limiter.allow("a", rule)
	if ok {
		t.Fatalf("third request in the window should be throttled")
	}
	if retryAfter != 40*time.Second {
		t.Fatalf("expected retry after 40s, got %s", retryAfter)
	}
	if ok, _ := limiter.allow("b", rule); !ok {
		t.Fatalf("keys are counted separately")
	}

	now = now.Add(40 * time.Second)
	if ok, _ := limiter.allow("a", rule); !ok {
		t.Fatalf("a new window should allow requests again")
	}

	now = now.Add(2 * time.Minute)
	limiter.allow("c", rule)
	if got := limiter.size(); got != 1 {
		t.Fatalf("closed windows should be swept, %d left", got)
	}
}

func TestDisplayLimitsFallBackToDefaults(t *testing.T) {
	limits := displayLimitsFrom(config.Config{DisplayEndLimit: 7})
	if limits.End.Limit != 7 || limits.Token.Limit != defaultDisplayTokenLimit {
		t.Fatalf("unexpected limits %+v", limits)
	}
	if limits.Stats.Window != time.Minute {
		t.Fatalf("expected a one minute window, got %s", limits.Stats.Window)
	}
}
