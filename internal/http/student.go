package http

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"attendkaro/attendance/internal/attendance"
)

type markAttendanceRequest struct {
	SessionID string   `json:"sessionId" validate:"required,uuid"`
	QRData    string   `json:"qrData" validate:"required"`
	Latitude  *float64 `json:"latitude" validate:"required,latitude"`
	Longitude *float64 `json:"longitude" validate:"required,longitude"`
	DeviceID  string   `json:"deviceId,omitempty" validate:"max=255"`
}

type markAttendanceResponse struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Status    string    `json:"status"`
	MarkedAt  time.Time `json:"markedAt"`
}

type deviceChangeRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type deviceRequestResponse struct {
	ID            string     `json:"id"`
	StudentID     string     `json:"studentId"`
	Reason        string     `json:"reason"`
	Status        string     `json:"status"`
	ReviewedBy    string     `json:"reviewedBy,omitempty"`
	AdminComments string     `json:"adminComments,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	ReviewedAt    *time.Time `json:"reviewedAt,omitempty"`
}

func (s *Server) handleMarkAttendance(w http.ResponseWriter, r *http.Request) {
	var req markAttendanceRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	deviceID := strings.TrimSpace(req.DeviceID)
	if deviceID == "" {
		deviceID = strings.TrimSpace(r.Header.Get("X-Device-ID"))
	}
	sessionID, _ := uuid.Parse(req.SessionID)
	rec, err := s.pipeline.MarkPresence(r.Context(), attendance.ScanRequest{
		SessionID: sessionID,
		StudentID: callerID(r),
		Token:     req.QRData,
		DeviceID:  deviceID,
		Latitude:  *req.Latitude,
		Longitude: *req.Longitude,
	})
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, markAttendanceResponse{
		ID:        rec.ID.String(),
		SessionID: rec.SessionID.String(),
		Status:    string(rec.Status),
		MarkedAt:  rec.MarkedAt,
	})
}

func (s *Server) handleDeviceChangeRequest(w http.ResponseWriter, r *http.Request) {
	var req deviceChangeRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	created, err := s.devices.RequestDeviceChange(r.Context(), callerID(r), req.Reason)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, deviceRequestPayload(created))
}

func deviceRequestPayload(req attendance.DeviceChangeRequest) deviceRequestResponse {
	out := deviceRequestResponse{
		ID:            req.ID.String(),
		StudentID:     req.StudentID.String(),
		Reason:        req.Reason,
		Status:        string(req.Status),
		AdminComments: req.AdminComments,
		CreatedAt:     req.CreatedAt,
		ReviewedAt:    req.ReviewedAt,
	}
	if req.ReviewedBy != nil {
		out.ReviewedBy = req.ReviewedBy.String()
	}
	return out
}
