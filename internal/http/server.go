package http

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attendkaro/attendance/internal/attendance"
	"attendkaro/attendance/internal/auth"
	"attendkaro/attendance/internal/config"
	"attendkaro/attendance/internal/logging"
)

// Deps are the collaborators the HTTP surface drives.
type Deps struct {
	Sessions *attendance.Manager
	Devices  *attendance.Ledger
	Pipeline *attendance.Pipeline
	Logger   *slog.Logger
	// Ready reports whether backing stores answer. Nil means always ready.
	Ready   func(context.Context) error
	Metrics http.Handler
}

type Server struct {
	cfg          config.Config
	sessions     *attendance.Manager
	devices      *attendance.Ledger
	pipeline     *attendance.Pipeline
	logger       *slog.Logger
	ready        func(context.Context) error
	metrics      http.Handler
	jwtPublicKey *rsa.PublicKey
	validate     *validator.Validate
	upgrader     websocket.Upgrader
	limiter      *rateLimiter
	limits       displayLimits
}

func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	var publicKey *rsa.PublicKey
	if cfg.JWTPublicKey != "" {
		key, err := auth.ParseRSAPublicKey(cfg.JWTPublicKey)
		if err != nil {
			return nil, err
		}
		publicKey = key
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	return &Server{
		cfg:          cfg,
		sessions:     deps.Sessions,
		devices:      deps.Devices,
		pipeline:     deps.Pipeline,
		logger:       logger,
		ready:        deps.Ready,
		metrics:      metrics,
		jwtPublicKey: publicKey,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		limiter:      newRateLimiter(time.Now),
		limits:       displayLimitsFrom(cfg),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Displays are served from their own origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", s.metrics)

	r.Route("/display", func(r chi.Router) {
		r.With(s.rateLimit(s.limits.Validate)).Post("/validate", s.handleValidateCode)
		r.With(s.rateLimit(s.limits.Token)).Get("/{sessionId}/qr-token", s.handleQRToken)
		r.With(s.rateLimit(s.limits.Token)).Get("/{sessionId}/qr.png", s.handleQRImage)
		r.With(s.rateLimit(s.limits.Stats)).Get("/{sessionId}/stats", s.handleDisplayStats)
		r.With(s.rateLimit(s.limits.Token)).Get("/{sessionId}/feed", s.handleTokenFeed)
		r.With(s.rateLimit(s.limits.End)).Post("/{sessionId}/end", s.handleEndByCode)
	})

	r.Route("/faculty", func(r chi.Router) {
		r.Use(s.authMiddleware, requireUserType(auth.UserTypeFaculty))
		r.Post("/sessions", s.handleOpenSession)
		r.Post("/sessions/{sessionId}/end", s.handleEndByOwner)
		r.Get("/sessions/{sessionId}/records", s.handleListRecords)
		r.Get("/sessions/{sessionId}/proxy-attempts", s.handleListProxyAttempts)
	})

	r.Route("/student", func(r chi.Router) {
		r.Use(s.authMiddleware, requireUserType(auth.UserTypeStudent))
		r.Post("/attendance/mark", s.handleMarkAttendance)
		r.Post("/device/change-request", s.handleDeviceChangeRequest)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.authMiddleware, requireUserType(auth.UserTypeAdmin, auth.UserTypeDev))
		r.Get("/device-requests", s.handleListDeviceRequests)
		r.Put("/device-requests/{requestId}", s.handleDecideDeviceRequest)
		r.Put("/students/{studentId}/reset-device", s.handleResetDevice)
	})

	return r
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.WarnContext(r.Context(), "readiness check failed", logging.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not_ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.jwtPublicKey, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireUserType(types ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !claimsFromContext(r.Context()).HasType(types...) {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// callerID returns the authenticated user's id. authMiddleware has already
// rejected tokens whose user id is not a UUID.
func callerID(r *http.Request) uuid.UUID {
	id, _ := claimsFromContext(r.Context()).UserUUID()
	return id
}

// clientIP identifies the caller for session code lockouts.
func (s *Server) clientIP(r *http.Request) string {
	if s.cfg.TrustProxyHeaders {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			return
		}
		s.logger.InfoContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			logging.Elapsed(start))
	})
}

// Errors

func statusFor(kind attendance.Kind) int {
	switch kind {
	case attendance.KindValidation, attendance.KindIntegrity:
		return http.StatusBadRequest
	case attendance.KindAuthorization:
		return http.StatusForbidden
	case attendance.KindNotFound:
		return http.StatusNotFound
	case attendance.KindConflict:
		return http.StatusConflict
	case attendance.KindLocked:
		return http.StatusTooManyRequests
	case attendance.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeFailure renders a core error. Internal detail is logged, never sent.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var e *attendance.Error
	if !errors.As(err, &e) {
		if errors.Is(err, context.Canceled) {
			s.logger.DebugContext(r.Context(), "request canceled", slog.String("path", r.URL.Path))
		} else {
			s.logger.ErrorContext(r.Context(), "request failed", slog.String("path", r.URL.Path), logging.Error(err))
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	status := statusFor(e.Kind)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path), slog.String("code", e.Code), logging.Error(err))
	}
	if e.Kind == attendance.KindLocked && e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int((e.RetryAfter+time.Second-1)/time.Second)))
	}
	payload := map[string]string{"error": e.Code}
	if e.Message != "" {
		payload["message"] = e.Message
	}
	writeJSON(w, status, payload)
}

// Helpers

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// decodeAndValidate reads a JSON body and runs its validate tags.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, out any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return false
	}
	if err := s.validate.Struct(out); err != nil {
		writeError(w, http.StatusBadRequest, validationCode(err))
		return false
	}
	return true
}

func validationCode(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			switch fe.Tag() {
			case "latitude", "longitude":
				return attendance.CodeInvalidCoordinates
			case "gt", "gte":
				if fe.Field() == "Radius" {
					return attendance.CodeInvalidRadius
				}
			case "min":
				if fe.Field() == "Reason" {
					return attendance.CodeReasonTooShort
				}
			case "oneof":
				return attendance.CodeInvalidDecision
			}
		}
	}
	return attendance.CodeMissingFields
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_"+strings.ToLower(strings.TrimSuffix(name, "Id"))+"_id")
		return uuid.Nil, false
	}
	return id, true
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
