package attendance

import (
	"time"

	"github.com/google/uuid"

	"attendkaro/attendance/internal/geo"
)

type SessionState string

const (
	SessionActive SessionState = "ACTIVE"
	SessionEnded  SessionState = "ENDED"
)

// EndReason records what ended a session.
type EndReason string

const (
	EndedByOwner  EndReason = "OWNER"
	EndedByCode   EndReason = "CODE"
	EndedByExpiry EndReason = "EXPIRED"
)

type Session struct {
	ID           uuid.UUID
	ClassID      uuid.UUID
	Code         string
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
	State        SessionState
	StartTime    time.Time
	EndTime      *time.Time
	EndReason    EndReason
	TimeSlot     string
}

func (s Session) Active() bool {
	return s.State == SessionActive
}

// Expired reports whether the session was ended by the duration limit.
func (s Session) Expired() bool {
	return s.State == SessionEnded && s.EndReason == EndedByExpiry
}

func (s Session) Fence() geo.Fence {
	return geo.Fence{Latitude: s.Latitude, Longitude: s.Longitude, RadiusMeters: s.RadiusMeters}
}

// SessionSummary is the display-facing description of a session's class.
type SessionSummary struct {
	Subject     string
	Department  string
	Semester    string
	Section     string
	FacultyName string
}

type PresenceStatus string

const (
	StatusPresent PresenceStatus = "PRESENT"
	StatusAbsent  PresenceStatus = "ABSENT"
	StatusLate    PresenceStatus = "LATE"
)

type PresenceRecord struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	StudentID uuid.UUID
	Status    PresenceStatus
	DeviceID  string
	Latitude  *float64
	Longitude *float64
	MarkedAt  time.Time
}

type DeviceBinding struct {
	StudentID uuid.UUID
	DeviceID  string
	BoundAt   *time.Time
}

func (b DeviceBinding) Bound() bool {
	return b.DeviceID != ""
}

type BindResult string

const (
	BoundNew   BindResult = "BOUND_NEW"
	BoundMatch BindResult = "BOUND_MATCH"
	Mismatch   BindResult = "MISMATCH"
)

type RequestStatus string

const (
	RequestPending  RequestStatus = "PENDING"
	RequestApproved RequestStatus = "APPROVED"
	RequestRejected RequestStatus = "REJECTED"
)

type DeviceChangeRequest struct {
	ID            uuid.UUID
	StudentID     uuid.UUID
	Reason        string
	Status        RequestStatus
	ReviewedBy    *uuid.UUID
	AdminComments string
	CreatedAt     time.Time
	ReviewedAt    *time.Time
}

type ProxyAttempt struct {
	ID          uuid.UUID
	SessionID   uuid.UUID
	StudentID   uuid.UUID
	Reason      string
	DeviceID    string
	Latitude    float64
	Longitude   float64
	AttemptedAt time.Time
}
