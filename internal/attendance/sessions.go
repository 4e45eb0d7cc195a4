package attendance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"attendkaro/attendance/internal/geo"
	"attendkaro/attendance/internal/lockout"
	"attendkaro/attendance/internal/logging"
	"attendkaro/attendance/internal/token"
)

const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 6
)

// Manager owns the session state machine: ACTIVE until closed by its
// owner, by its code, or by the duration limit, then ENDED for good.
type Manager struct {
	store Store
	codec *token.Codec
	locks lockout.Tracker
	options
}

func NewManager(store Store, codec *token.Codec, locks lockout.Tracker, opts ...Option) *Manager {
	return &Manager{store: store, codec: codec, locks: locks, options: buildOptions(opts)}
}

type OpenParams struct {
	ClassID      uuid.UUID
	OwnerID      uuid.UUID
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
	TimeSlot     string
}

type OpenedSession struct {
	Session Session
	Token   token.Token
	QRData  string
}

func (m *Manager) Open(ctx context.Context, p OpenParams) (OpenedSession, error) {
	if p.ClassID == uuid.Nil || p.OwnerID == uuid.Nil {
		return OpenedSession{}, newError(KindValidation, CodeMissingFields)
	}
	if !geo.ValidCoordinate(p.Latitude, p.Longitude) {
		return OpenedSession{}, newError(KindValidation, CodeInvalidCoordinates)
	}
	if p.RadiusMeters < 0 || math.IsNaN(p.RadiusMeters) || math.IsInf(p.RadiusMeters, 0) {
		return OpenedSession{}, newError(KindValidation, CodeInvalidRadius)
	}
	radius := p.RadiusMeters
	if radius == 0 {
		radius = m.cfg.DefaultRadius
	}

	var owner uuid.UUID
	err := m.read(ctx, func(ctx context.Context) error {
		var err error
		owner, err = m.store.GetClassOwner(ctx, p.ClassID)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return OpenedSession{}, newError(KindNotFound, CodeClassNotFound)
	}
	if err != nil {
		return OpenedSession{}, err
	}
	if owner != p.OwnerID {
		return OpenedSession{}, newError(KindAuthorization, CodeClassNotOwned)
	}

	for attempt := 1; attempt <= m.cfg.CodeAttempts; attempt++ {
		code, err := m.newCode()
		if err != nil {
			return OpenedSession{}, err
		}
		var taken bool
		err = m.read(ctx, func(ctx context.Context) error {
			var err error
			taken, err = m.store.ActiveCodeExists(ctx, code)
			return err
		})
		if err != nil {
			return OpenedSession{}, err
		}
		if taken {
			m.logger.DebugContext(ctx, "session code collision", slog.Int("attempt", attempt))
			continue
		}

		s := Session{
			ID:           uuid.New(),
			ClassID:      p.ClassID,
			Code:         code,
			Latitude:     p.Latitude,
			Longitude:    p.Longitude,
			RadiusMeters: radius,
			State:        SessionActive,
			StartTime:    m.clock(),
			TimeSlot:     strings.TrimSpace(p.TimeSlot),
		}
		err = m.write(ctx, func(ctx context.Context) error {
			return m.store.CreateSession(ctx, s)
		})
		if errors.Is(err, ErrDuplicate) {
			// lost the code to a concurrent open between check and insert
			continue
		}
		if err != nil {
			return OpenedSession{}, err
		}

		tok, qr, err := m.issue(s.ID)
		if err != nil {
			return OpenedSession{}, err
		}
		m.logger.InfoContext(ctx, "session opened",
			logging.SessionID(s.ID), slog.String("class_id", s.ClassID.String()),
			slog.Float64("radius_m", s.RadiusMeters))
		return OpenedSession{Session: s, Token: tok, QRData: qr}, nil
	}
	m.logger.WarnContext(ctx, "session code space exhausted", slog.Int("attempts", m.cfg.CodeAttempts))
	return OpenedSession{}, newError(KindTransient, CodeSessionCodeUnavailable)
}

// Get returns the session. When this read ends an overdue session the
// ENDED session is returned together with a session_expired conflict.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (Session, error) {
	s, expiredNow, err := m.load(ctx, id)
	if err != nil {
		return Session{}, err
	}
	if expiredNow {
		return s, newError(KindConflict, CodeSessionExpired).withMessage("session has expired")
	}
	return s, nil
}

type CodeLookup struct {
	Session         Session
	Summary         SessionSummary
	StudentsScanned int
}

// ValidateCode resolves a display's session code. Unknown codes count
// against clientID and only a code of an active session clears them. An
// ended session's code does neither.
func (m *Manager) ValidateCode(ctx context.Context, clientID, code string) (CodeLookup, error) {
	st, err := m.locks.IsLocked(ctx, clientID)
	if err != nil {
		return CodeLookup{}, newError(KindTransient, CodeStoreUnavailable).wrap(err)
	}
	if st.Locked {
		m.recorder.CodeLookup("locked")
		e := newError(KindLocked, CodeTooManyAttempts).
			withMessage(fmt.Sprintf("too many attempts, retry in %d seconds", retrySeconds(st.RetryAfter)))
		e.RetryAfter = st.RetryAfter
		return CodeLookup{}, e
	}

	code = NormalizeCode(code)
	if code == "" {
		return CodeLookup{}, newError(KindValidation, CodeMissingFields)
	}

	var s Session
	err = m.read(ctx, func(ctx context.Context) error {
		var err error
		s, err = m.store.FindSessionByCode(ctx, code)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		st, lerr := m.locks.RecordFailure(ctx, clientID)
		if lerr != nil {
			m.logger.WarnContext(ctx, "lockout record failed", logging.Error(lerr))
		} else if st.Locked {
			m.logger.WarnContext(ctx, "client locked out of code lookup",
				slog.String("client", clientID), slog.Int("failures", st.Failures))
		}
		m.recorder.CodeLookup("invalid")
		return CodeLookup{}, newError(KindNotFound, CodeInvalidSessionCode)
	}
	if err != nil {
		return CodeLookup{}, err
	}

	s, _, err = m.expireIfDue(ctx, s)
	if err != nil {
		return CodeLookup{}, err
	}
	if err := requireActive(s); err != nil {
		m.recorder.CodeLookup("inactive")
		return CodeLookup{}, err
	}
	if err := m.locks.Clear(ctx, clientID); err != nil {
		m.logger.WarnContext(ctx, "lockout clear failed", logging.Error(err))
	}

	var summary SessionSummary
	err = m.read(ctx, func(ctx context.Context) error {
		var err error
		summary, err = m.store.GetSessionSummary(ctx, s.ID)
		return err
	})
	if err != nil {
		return CodeLookup{}, err
	}
	counts, err := m.counts(ctx, s.ID)
	if err != nil {
		return CodeLookup{}, err
	}
	m.recorder.CodeLookup("ok")
	return CodeLookup{Session: s, Summary: summary, StudentsScanned: counts[StatusPresent]}, nil
}

type ActiveToken struct {
	SessionID       uuid.UUID
	Token           token.Token
	QRData          string
	StudentsScanned int
	Validity        time.Duration
	Refresh         time.Duration
}

// ActiveToken issues a fresh token for an ACTIVE session.
func (m *Manager) ActiveToken(ctx context.Context, id uuid.UUID) (ActiveToken, error) {
	s, _, err := m.load(ctx, id)
	if err != nil {
		return ActiveToken{}, err
	}
	if err := requireActive(s); err != nil {
		return ActiveToken{}, err
	}
	tok, qr, err := m.issue(s.ID)
	if err != nil {
		return ActiveToken{}, err
	}
	counts, err := m.counts(ctx, s.ID)
	if err != nil {
		return ActiveToken{}, err
	}
	return ActiveToken{
		SessionID:       s.ID,
		Token:           tok,
		QRData:          qr,
		StudentsScanned: counts[StatusPresent],
		Validity:        m.codec.Validity(),
		Refresh:         m.cfg.RefreshInterval,
	}, nil
}

type SessionStats struct {
	SessionID       uuid.UUID
	Active          bool
	Expired         bool
	StartTime       time.Time
	EndTime         *time.Time
	StudentsScanned int
	Counts          map[PresenceStatus]int
}

func (m *Manager) Stats(ctx context.Context, id uuid.UUID) (SessionStats, error) {
	s, _, err := m.load(ctx, id)
	if err != nil {
		return SessionStats{}, err
	}
	counts, err := m.counts(ctx, s.ID)
	if err != nil {
		return SessionStats{}, err
	}
	return SessionStats{
		SessionID:       s.ID,
		Active:          s.Active(),
		Expired:         s.Expired(),
		StartTime:       s.StartTime,
		EndTime:         s.EndTime,
		StudentsScanned: counts[StatusPresent],
		Counts:          counts,
	}, nil
}

type CloseResult struct {
	Session      Session
	MarkedAbsent int

	endedNow bool
}

// EndByOwner closes a session on behalf of the faculty member owning its
// class.
func (m *Manager) EndByOwner(ctx context.Context, id, ownerID uuid.UUID) (CloseResult, error) {
	return m.close(ctx, id, EndedByOwner, func(ctx context.Context, tx Repository, s Session) (bool, error) {
		owner, err := tx.GetClassOwner(ctx, s.ClassID)
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return err == nil && owner == ownerID, err
	})
}

// EndByCode closes a session for a display that knows its code.
func (m *Manager) EndByCode(ctx context.Context, id uuid.UUID, code string) (CloseResult, error) {
	code = NormalizeCode(code)
	return m.close(ctx, id, EndedByCode, func(_ context.Context, _ Repository, s Session) (bool, error) {
		return code != "" && s.Code == code, nil
	})
}

// ExpireStale ends ACTIVE sessions that outlived the maximum duration and
// returns how many it ended.
func (m *Manager) ExpireStale(ctx context.Context, limit int) (int, error) {
	cutoff := m.clock().Add(-m.cfg.MaxSessionDuration)
	var ids []uuid.UUID
	err := m.read(ctx, func(ctx context.Context) error {
		var err error
		ids, err = m.store.ListStaleSessions(ctx, cutoff, clampLimit(limit, 500))
		return err
	})
	if err != nil {
		return 0, err
	}
	ended := 0
	for _, id := range ids {
		res, err := m.close(ctx, id, EndedByExpiry, nil)
		if err != nil {
			return ended, fmt.Errorf("expire session %s: %w", id, err)
		}
		if res.endedNow {
			ended++
		}
	}
	return ended, nil
}

// Records lists presence records of a session owned by ownerID.
func (m *Manager) Records(ctx context.Context, id, ownerID uuid.UUID, limit int) ([]PresenceRecord, error) {
	if err := m.authorizeOwner(ctx, id, ownerID); err != nil {
		return nil, err
	}
	var out []PresenceRecord
	err := m.read(ctx, func(ctx context.Context) error {
		var err error
		out, err = m.store.ListPresence(ctx, id, clampLimit(limit, 1000))
		return err
	})
	return out, err
}

// ProxyAttempts lists rejected scans of a session owned by ownerID.
func (m *Manager) ProxyAttempts(ctx context.Context, id, ownerID uuid.UUID, limit int) ([]ProxyAttempt, error) {
	if err := m.authorizeOwner(ctx, id, ownerID); err != nil {
		return nil, err
	}
	return m.SessionProxyAttempts(ctx, id, limit)
}

// SessionProxyAttempts lists rejected scans without an ownership check, for
// trusted service callers.
func (m *Manager) SessionProxyAttempts(ctx context.Context, id uuid.UUID, limit int) ([]ProxyAttempt, error) {
	var out []ProxyAttempt
	err := m.read(ctx, func(ctx context.Context) error {
		var err error
		out, err = m.store.ListProxyAttempts(ctx, id, clampLimit(limit, m.cfg.ProxyAttemptsLimit))
		return err
	})
	return out, err
}

// NormalizeCode trims and upper-cases a session code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

type closeGuard func(ctx context.Context, tx Repository, s Session) (bool, error)

// close ends the session and reconciles absences in one transaction. The
// enrolled and recorded sets are read under the session's row lock, so a
// scan that committed first keeps its record.
func (m *Manager) close(ctx context.Context, id uuid.UUID, reason EndReason, guard closeGuard) (CloseResult, error) {
	now := m.clock()
	denied := newError(KindAuthorization, CodeSessionNotFoundOrNotAllowed).
		withMessage("session not found or already processed")

	var res CloseResult
	err := m.write(ctx, func(ctx context.Context) error {
		return m.store.WithTx(ctx, func(tx Repository) error {
			s, err := tx.GetSessionForUpdate(ctx, id)
			if errors.Is(err, ErrNotFound) {
				return denied
			}
			if err != nil {
				return err
			}
			if guard != nil {
				ok, err := guard(ctx, tx, s)
				if err != nil {
					return err
				}
				if !ok {
					return denied
				}
			}
			if !s.Active() {
				if reason == EndedByExpiry {
					res = CloseResult{Session: s}
					return nil
				}
				return denied
			}

			n, err := tx.EndSession(ctx, id, now, reason)
			if err != nil {
				return err
			}
			if n != 1 {
				return invariant(fmt.Sprintf("session %s locked as ACTIVE but end affected %d rows", id, n))
			}

			enrolled, err := tx.EnrolledStudents(ctx, s.ClassID)
			if err != nil {
				return err
			}
			recorded, err := tx.RecordedStudents(ctx, id)
			if err != nil {
				return err
			}
			var inserted int64
			if missing := difference(enrolled, recorded); len(missing) > 0 {
				if inserted, err = tx.InsertAbsences(ctx, id, missing, now); err != nil {
					return err
				}
			}

			s.State = SessionEnded
			s.EndTime = &now
			s.EndReason = reason
			res = CloseResult{Session: s, MarkedAbsent: int(inserted), endedNow: true}
			return nil
		})
	})
	if err != nil {
		m.logInvariant(ctx, err)
		return CloseResult{}, err
	}
	if res.endedNow {
		m.recorder.SessionClosed(strings.ToLower(string(reason)), res.MarkedAbsent)
		m.logger.InfoContext(ctx, "session ended",
			logging.SessionID(id), slog.String("reason", string(reason)),
			slog.Int("marked_absent", res.MarkedAbsent))
	}
	return res, nil
}

// load reads a session, ending it first when it is overdue. expiredNow
// reports that this read ended it.
func (m *Manager) load(ctx context.Context, id uuid.UUID) (Session, bool, error) {
	var s Session
	err := m.read(ctx, func(ctx context.Context) error {
		var err error
		s, err = m.store.GetSession(ctx, id)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return Session{}, false, newError(KindNotFound, CodeSessionNotFound)
	}
	if err != nil {
		return Session{}, false, err
	}
	return m.expireIfDue(ctx, s)
}

func (m *Manager) expireIfDue(ctx context.Context, s Session) (Session, bool, error) {
	if !s.Active() || m.clock().Sub(s.StartTime) <= m.cfg.MaxSessionDuration {
		return s, false, nil
	}
	res, err := m.close(ctx, s.ID, EndedByExpiry, nil)
	if err != nil {
		return Session{}, false, err
	}
	return res.Session, res.endedNow, nil
}

func (m *Manager) authorizeOwner(ctx context.Context, id, ownerID uuid.UUID) error {
	s, _, err := m.load(ctx, id)
	if KindOf(err) == KindNotFound {
		return newError(KindAuthorization, CodeSessionNotFoundOrNotAllowed)
	}
	if err != nil {
		return err
	}
	var owner uuid.UUID
	err = m.read(ctx, func(ctx context.Context) error {
		var err error
		owner, err = m.store.GetClassOwner(ctx, s.ClassID)
		return err
	})
	if errors.Is(err, ErrNotFound) || err == nil && owner != ownerID {
		return newError(KindAuthorization, CodeSessionNotFoundOrNotAllowed)
	}
	return err
}

func (m *Manager) counts(ctx context.Context, id uuid.UUID) (map[PresenceStatus]int, error) {
	var counts map[PresenceStatus]int
	err := m.read(ctx, func(ctx context.Context) error {
		var err error
		counts, err = m.store.CountByStatus(ctx, id)
		return err
	})
	if counts == nil {
		counts = map[PresenceStatus]int{}
	}
	return counts, err
}

func (m *Manager) issue(id uuid.UUID) (token.Token, string, error) {
	tok, err := m.codec.Issue(id.String())
	if err != nil {
		return token.Token{}, "", fmt.Errorf("issue token: %w", err)
	}
	qr, err := tok.Encode()
	if err != nil {
		return token.Token{}, "", err
	}
	return tok, qr, nil
}

func (m *Manager) newCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := io.ReadFull(m.random, buf); err != nil {
		return "", fmt.Errorf("session code: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

func requireActive(s Session) error {
	if s.Active() {
		return nil
	}
	if s.Expired() {
		return newError(KindConflict, CodeSessionExpired).withMessage("session has expired")
	}
	return newError(KindConflict, CodeSessionNotActive).withMessage("session has ended")
}

func difference(all, exclude []uuid.UUID) []uuid.UUID {
	skip := make(map[uuid.UUID]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}
	out := make([]uuid.UUID, 0, len(all))
	for _, id := range all {
		if _, ok := skip[id]; ok {
			continue
		}
		skip[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func retrySeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
