package http

import (
	"net/http"
	"time"

	"github.com/google/uuid"

	"attendkaro/attendance/internal/attendance"
)

type openSessionRequest struct {
	ClassID   string   `json:"classId" validate:"required,uuid"`
	Latitude  *float64 `json:"latitude" validate:"required,latitude"`
	Longitude *float64 `json:"longitude" validate:"required,longitude"`
	Radius    *float64 `json:"radius,omitempty" validate:"omitempty,gt=0"`
	TimeSlot  string   `json:"timeSlot,omitempty" validate:"max=64"`
}

type openSessionResponse struct {
	SessionID       string    `json:"sessionId"`
	SessionCode     string    `json:"sessionCode"`
	QRData          string    `json:"qrData"`
	StartTime       time.Time `json:"startTime"`
	Radius          float64   `json:"radius"`
	ValiditySeconds int       `json:"validitySeconds"`
}

type recordResponse struct {
	ID        string    `json:"id"`
	StudentID string    `json:"studentId"`
	Status    string    `json:"status"`
	DeviceID  string    `json:"deviceId,omitempty"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	MarkedAt  time.Time `json:"markedAt"`
}

type proxyAttemptResponse struct {
	ID          string    `json:"id"`
	StudentID   string    `json:"studentId"`
	Reason      string    `json:"reason"`
	DeviceID    string    `json:"deviceId,omitempty"`
	Latitude    float64   `json:"latitude"`
	Longitude   float64   `json:"longitude"`
	AttemptedAt time.Time `json:"attemptedAt"`
}

func (s *Server) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	var req openSessionRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	params := attendance.OpenParams{
		OwnerID:   callerID(r),
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
		TimeSlot:  req.TimeSlot,
	}
	params.ClassID, _ = uuid.Parse(req.ClassID)
	if req.Radius != nil {
		params.RadiusMeters = *req.Radius
	}
	opened, err := s.sessions.Open(r.Context(), params)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, openSessionResponse{
		SessionID:       opened.Session.ID.String(),
		SessionCode:     opened.Session.Code,
		QRData:          opened.QRData,
		StartTime:       opened.Session.StartTime,
		Radius:          opened.Session.RadiusMeters,
		ValiditySeconds: int(s.cfg.QRValidity / time.Second),
	})
}

func (s *Server) handleEndByOwner(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathUUID(w, r, "sessionId")
	if !ok {
		return
	}
	res, err := s.sessions.EndByOwner(r.Context(), sessionID, callerID(r))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, closePayload(res))
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathUUID(w, r, "sessionId")
	if !ok {
		return
	}
	records, err := s.sessions.Records(r.Context(), sessionID, callerID(r), queryLimit(r))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	out := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, recordResponse{
			ID:        rec.ID.String(),
			StudentID: rec.StudentID.String(),
			Status:    string(rec.Status),
			DeviceID:  rec.DeviceID,
			Latitude:  rec.Latitude,
			Longitude: rec.Longitude,
			MarkedAt:  rec.MarkedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

func (s *Server) handleListProxyAttempts(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathUUID(w, r, "sessionId")
	if !ok {
		return
	}
	attempts, err := s.sessions.ProxyAttempts(r.Context(), sessionID, callerID(r), queryLimit(r))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": proxyAttemptsPayload(attempts)})
}

func proxyAttemptsPayload(attempts []attendance.ProxyAttempt) []proxyAttemptResponse {
	out := make([]proxyAttemptResponse, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, proxyAttemptResponse{
			ID:          a.ID.String(),
			StudentID:   a.StudentID.String(),
			Reason:      a.Reason,
			DeviceID:    a.DeviceID,
			Latitude:    a.Latitude,
			Longitude:   a.Longitude,
			AttemptedAt: a.AttemptedAt,
		})
	}
	return out
}
