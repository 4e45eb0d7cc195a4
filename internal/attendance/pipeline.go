package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"attendkaro/attendance/internal/geo"
	"attendkaro/attendance/internal/logging"
	"attendkaro/attendance/internal/token"
)

// Proxy attempt reasons stored as evidence.
const (
	ReasonSignatureMismatch = "QR signature mismatch"
	ReasonExpired           = "QR code expired"
	ReasonDeviceMismatch    = "Device mismatch (different device used)"
)

type ScanRequest struct {
	SessionID uuid.UUID
	StudentID uuid.UUID
	Token     string
	DeviceID  string
	Latitude  float64
	Longitude float64
}

// Pipeline runs the ordered checks that turn a scan into a PRESENT record.
type Pipeline struct {
	store    Store
	codec    *token.Codec
	sessions *Manager
	devices  *Ledger
	options
}

func NewPipeline(store Store, codec *token.Codec, sessions *Manager, devices *Ledger, opts ...Option) *Pipeline {
	return &Pipeline{
		store:    store,
		codec:    codec,
		sessions: sessions,
		devices:  devices,
		options:  buildOptions(opts),
	}
}

// MarkPresence checks, in order: token format, signature and session
// binding, freshness, session state, geofence, device binding, enrollment
// and duplicates, then commits a PRESENT record. The first failing check
// decides the outcome. Forgery signals are stored as proxy attempts.
//
// A device bound by this call stays bound when a later check rejects it.
func (p *Pipeline) MarkPresence(ctx context.Context, req ScanRequest) (PresenceRecord, error) {
	rec, err := p.markPresence(ctx, req)
	p.recorder.ScanOutcome(outcome(err))
	return rec, err
}

func (p *Pipeline) markPresence(ctx context.Context, req ScanRequest) (PresenceRecord, error) {
	req.DeviceID = strings.TrimSpace(req.DeviceID)
	if req.SessionID == uuid.Nil || req.StudentID == uuid.Nil || strings.TrimSpace(req.Token) == "" || req.DeviceID == "" {
		return PresenceRecord{}, newError(KindValidation, CodeMissingFields)
	}
	if !geo.ValidCoordinate(req.Latitude, req.Longitude) {
		return PresenceRecord{}, newError(KindValidation, CodeInvalidCoordinates)
	}

	tok, err := token.Parse(req.Token)
	if err != nil {
		return PresenceRecord{}, newError(KindValidation, CodeInvalidQRFormat).withMessage("invalid QR data format")
	}

	if err := p.codec.VerifySignature(tok); err != nil || !sameSession(tok.SessionID, req.SessionID) {
		p.logProxyAttempt(ctx, req, CodeSignatureMismatch, ReasonSignatureMismatch)
		return PresenceRecord{}, newError(KindIntegrity, CodeSignatureMismatch).withMessage("invalid QR code signature")
	}

	if err := p.codec.CheckFreshness(tok); err != nil {
		if !errors.Is(err, token.ErrExpired) {
			return PresenceRecord{}, newError(KindValidation, CodeInvalidQRFormat).withMessage("invalid QR data format")
		}
		p.logProxyAttempt(ctx, req, CodeQRExpired, ReasonExpired)
		return PresenceRecord{}, newError(KindIntegrity, CodeQRExpired).withMessage("QR code expired, scan a fresh code")
	}

	session, _, err := p.sessions.load(ctx, req.SessionID)
	if KindOf(err) == KindNotFound {
		return PresenceRecord{}, newError(KindConflict, CodeSessionNotActive).withMessage("session not active or not found")
	}
	if err != nil {
		return PresenceRecord{}, err
	}
	if err := requireActive(session); err != nil {
		return PresenceRecord{}, err
	}

	fence := session.Fence()
	if inside, distance := fence.Check(req.Latitude, req.Longitude); !inside {
		reason := fmt.Sprintf("Outside geo-fence (%dm away, radius=%sm)", int(math.Round(distance)), formatMeters(fence.Radius()))
		p.logger.InfoContext(ctx, "scan outside geofence",
			logging.SessionID(session.ID), logging.StudentID(req.StudentID),
			slog.Float64("distance_m", distance), slog.Float64("radius_m", fence.Radius()))
		p.logProxyAttempt(ctx, req, CodeOutsideGeofence, reason)
		return PresenceRecord{}, newError(KindIntegrity, CodeOutsideGeofence).
			withMessage(fmt.Sprintf("outside the attendance area: %dm away (max %sm)", int(math.Round(distance)), formatMeters(fence.Radius())))
	}

	bind, err := p.devices.CheckOrBind(ctx, req.StudentID, req.DeviceID)
	if err != nil {
		return PresenceRecord{}, err
	}
	if bind == Mismatch {
		p.logProxyAttempt(ctx, req, CodeDeviceMismatch, ReasonDeviceMismatch)
		return PresenceRecord{}, newError(KindIntegrity, CodeDeviceMismatch).
			withMessage("device mismatch, contact an administrator to change your bound device")
	}

	var enrolled bool
	err = p.read(ctx, func(ctx context.Context) error {
		var err error
		enrolled, err = p.store.IsEnrolled(ctx, session.ClassID, req.StudentID)
		return err
	})
	if err != nil {
		return PresenceRecord{}, err
	}
	if !enrolled {
		return PresenceRecord{}, newError(KindAuthorization, CodeNotEnrolled).withMessage("not enrolled in this class")
	}

	var marked bool
	err = p.read(ctx, func(ctx context.Context) error {
		var err error
		marked, err = p.store.PresenceExists(ctx, session.ID, req.StudentID)
		return err
	})
	if err != nil {
		return PresenceRecord{}, err
	}
	if marked {
		return PresenceRecord{}, alreadyMarked()
	}

	if err := ctx.Err(); err != nil {
		return PresenceRecord{}, err
	}
	return p.commit(ctx, session.ID, req)
}

// commit inserts the PRESENT record under a shared lock on the session so
// a concurrent close either sees it or runs first. It is detached from the
// caller's cancellation once started.
func (p *Pipeline) commit(ctx context.Context, sessionID uuid.UUID, req ScanRequest) (PresenceRecord, error) {
	lat, lon := req.Latitude, req.Longitude
	rec := PresenceRecord{
		ID:        uuid.New(),
		SessionID: sessionID,
		StudentID: req.StudentID,
		Status:    StatusPresent,
		DeviceID:  req.DeviceID,
		Latitude:  &lat,
		Longitude: &lon,
		MarkedAt:  p.clock(),
	}
	err := p.write(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return p.store.WithTx(ctx, func(tx Repository) error {
			s, err := tx.GetSessionForShare(ctx, sessionID)
			if err != nil {
				return err
			}
			if err := requireActive(s); err != nil {
				return err
			}
			return tx.InsertPresence(ctx, rec)
		})
	})
	if errors.Is(err, ErrDuplicate) {
		return PresenceRecord{}, alreadyMarked()
	}
	if errors.Is(err, ErrNotFound) {
		return PresenceRecord{}, newError(KindConflict, CodeSessionNotActive)
	}
	if err != nil {
		return PresenceRecord{}, err
	}
	p.logger.InfoContext(ctx, "presence marked",
		logging.SessionID(sessionID), logging.StudentID(req.StudentID))
	return rec, nil
}

// logProxyAttempt stores rejection evidence. Failing to store it never
// changes the outcome of the scan.
func (p *Pipeline) logProxyAttempt(ctx context.Context, req ScanRequest, code, reason string) {
	p.recorder.ProxyAttempt(code)
	p.logger.WarnContext(ctx, "proxy attempt",
		logging.SessionID(req.SessionID), logging.StudentID(req.StudentID),
		slog.String("reason", reason), slog.String("device_id", req.DeviceID))

	attempt := ProxyAttempt{
		ID:          uuid.New(),
		SessionID:   req.SessionID,
		StudentID:   req.StudentID,
		Reason:      reason,
		DeviceID:    req.DeviceID,
		Latitude:    req.Latitude,
		Longitude:   req.Longitude,
		AttemptedAt: p.clock(),
	}
	err := p.write(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return p.store.InsertProxyAttempt(ctx, attempt)
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to store proxy attempt",
			logging.SessionID(req.SessionID), logging.Error(err))
	}
}

func alreadyMarked() *Error {
	return newError(KindConflict, CodeAlreadyMarked).withMessage("attendance already marked for this session")
}

func sameSession(raw string, id uuid.UUID) bool {
	parsed, err := uuid.Parse(raw)
	return err == nil && parsed == id
}

func formatMeters(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// outcome labels a scan result for metrics.
func outcome(err error) string {
	if err == nil {
		return "present"
	}
	if code := CodeOf(err); code != "" {
		return code
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	return "error"
}
