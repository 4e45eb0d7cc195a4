package attendance

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type SessionRepository interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id uuid.UUID) (Session, error)
	// GetSessionForUpdate takes an exclusive row lock inside a transaction.
	GetSessionForUpdate(ctx context.Context, id uuid.UUID) (Session, error)
	// GetSessionForShare takes a shared row lock inside a transaction.
	GetSessionForShare(ctx context.Context, id uuid.UUID) (Session, error)
	// FindSessionByCode prefers the ACTIVE session holding code, then the
	// most recently started one.
	FindSessionByCode(ctx context.Context, code string) (Session, error)
	ActiveCodeExists(ctx context.Context, code string) (bool, error)
	// EndSession flips an ACTIVE session to ENDED and reports rows affected.
	EndSession(ctx context.Context, id uuid.UUID, endedAt time.Time, reason EndReason) (int64, error)
	ListStaleSessions(ctx context.Context, startedBefore time.Time, limit int) ([]uuid.UUID, error)
	GetSessionSummary(ctx context.Context, id uuid.UUID) (SessionSummary, error)
}

// RosterRepository reads class ownership and enrollment maintained by the
// roster service.
type RosterRepository interface {
	GetClassOwner(ctx context.Context, classID uuid.UUID) (uuid.UUID, error)
	EnrolledStudents(ctx context.Context, classID uuid.UUID) ([]uuid.UUID, error)
	IsEnrolled(ctx context.Context, classID, studentID uuid.UUID) (bool, error)
}

type PresenceRepository interface {
	// InsertPresence returns ErrDuplicate when (session, student) exists.
	InsertPresence(ctx context.Context, rec PresenceRecord) error
	// InsertAbsences skips students that already have a record and returns
	// the number of rows inserted.
	InsertAbsences(ctx context.Context, sessionID uuid.UUID, studentIDs []uuid.UUID, at time.Time) (int64, error)
	RecordedStudents(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error)
	PresenceExists(ctx context.Context, sessionID, studentID uuid.UUID) (bool, error)
	CountByStatus(ctx context.Context, sessionID uuid.UUID) (map[PresenceStatus]int, error)
	ListPresence(ctx context.Context, sessionID uuid.UUID, limit int) ([]PresenceRecord, error)
}

type DeviceRepository interface {
	GetDeviceBinding(ctx context.Context, studentID uuid.UUID) (DeviceBinding, error)
	// BindDeviceIfUnbound stores deviceID only when no device is bound and
	// reports whether it did.
	BindDeviceIfUnbound(ctx context.Context, studentID uuid.UUID, deviceID string, at time.Time) (bool, error)
	ClearDeviceBinding(ctx context.Context, studentID uuid.UUID) error

	CreateDeviceChangeRequest(ctx context.Context, req DeviceChangeRequest) error
	GetDeviceChangeRequestForUpdate(ctx context.Context, id uuid.UUID) (DeviceChangeRequest, error)
	HasPendingDeviceChangeRequest(ctx context.Context, studentID uuid.UUID) (bool, error)
	// ResolveDeviceChangeRequest only touches a PENDING request.
	ResolveDeviceChangeRequest(ctx context.Context, id uuid.UUID, status RequestStatus, reviewer uuid.UUID, comment string, at time.Time) (int64, error)
	ResolvePendingDeviceChangeRequests(ctx context.Context, studentID uuid.UUID, status RequestStatus, reviewer uuid.UUID, comment string, at time.Time) (int64, error)
	// ListDeviceChangeRequests returns PENDING first, newest first. An empty
	// status lists every request.
	ListDeviceChangeRequests(ctx context.Context, status RequestStatus, limit int) ([]DeviceChangeRequest, error)
}

type ProxyAttemptRepository interface {
	InsertProxyAttempt(ctx context.Context, a ProxyAttempt) error
	ListProxyAttempts(ctx context.Context, sessionID uuid.UUID, limit int) ([]ProxyAttempt, error)
}

type Repository interface {
	SessionRepository
	RosterRepository
	PresenceRepository
	DeviceRepository
	ProxyAttemptRepository
}

// Store is a Repository that can run a function inside one transaction.
// The transaction commits when fn returns nil and rolls back otherwise.
type Store interface {
	Repository
	WithTx(ctx context.Context, fn func(Repository) error) error
}
