package http

import (
	"fmt"
	"net/http"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"attendkaro/attendance/internal/attendance"
)

// Display endpoints are used by the classroom screen. They authenticate by
// session code rather than by bearer token.

type validateCodeRequest struct {
	Code string `json:"code" validate:"required"`
}

type endByCodeRequest struct {
	Code string `json:"code" validate:"required"`
}

type sessionLookupResponse struct {
	SessionID       string    `json:"sessionId"`
	SessionCode     string    `json:"sessionCode"`
	ClassName       string    `json:"className"`
	ClassInfo       string    `json:"classInfo"`
	FacultyName     string    `json:"facultyName"`
	StartTime       time.Time `json:"startTime"`
	StudentsScanned int       `json:"studentsScanned"`
}

type qrTokenResponse struct {
	SessionID       string `json:"sessionId"`
	QRData          string `json:"qrData"`
	StudentsScanned int    `json:"studentsScanned"`
	ValiditySeconds int    `json:"validitySeconds"`
	RefreshSeconds  int    `json:"refreshSeconds"`
}

type statsResponse struct {
	SessionID       string         `json:"sessionId"`
	IsActive        bool           `json:"isActive"`
	IsExpired       bool           `json:"isExpired"`
	StartTime       time.Time      `json:"startTime"`
	EndTime         *time.Time     `json:"endTime,omitempty"`
	StudentsScanned int            `json:"studentsScanned"`
	Counts          map[string]int `json:"counts"`
}

type closeResponse struct {
	SessionID    string     `json:"sessionId"`
	EndTime      *time.Time `json:"endTime,omitempty"`
	EndReason    string     `json:"endReason"`
	MarkedAbsent int        `json:"markedAbsent"`
}

func (s *Server) handleValidateCode(w http.ResponseWriter, r *http.Request) {
	var req validateCodeRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	lookup, err := s.sessions.ValidateCode(r.Context(), s.clientIP(r), req.Code)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	summary := lookup.Summary
	writeJSON(w, http.StatusOK, sessionLookupResponse{
		SessionID:       lookup.Session.ID.String(),
		SessionCode:     lookup.Session.Code,
		ClassName:       summary.Subject,
		ClassInfo:       fmt.Sprintf("%s • Sem %s • Sec %s", summary.Department, summary.Semester, summary.Section),
		FacultyName:     summary.FacultyName,
		StartTime:       lookup.Session.StartTime,
		StudentsScanned: lookup.StudentsScanned,
	})
}

func (s *Server) handleQRToken(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathUUID(w, r, "sessionId")
	if !ok {
		return
	}
	active, err := s.sessions.ActiveToken(r.Context(), sessionID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, tokenPayload(active))
}

// handleQRImage renders the current token as a PNG for displays that do
// not draw QR codes themselves.
func (s *Server) handleQRImage(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathUUID(w, r, "sessionId")
	if !ok {
		return
	}
	active, err := s.sessions.ActiveToken(r.Context(), sessionID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	size := s.cfg.QRImageSize
	if size <= 0 {
		size = 512
	}
	png, err := qrcode.Encode(active.QRData, qrcode.Medium, size)
	if err != nil {
		s.writeFailure(w, r, fmt.Errorf("encode qr image: %w", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleDisplayStats(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathUUID(w, r, "sessionId")
	if !ok {
		return
	}
	stats, err := s.sessions.Stats(r.Context(), sessionID)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	counts := make(map[string]int, len(stats.Counts))
	for status, n := range stats.Counts {
		counts[string(status)] = n
	}
	writeJSON(w, http.StatusOK, statsResponse{
		SessionID:       stats.SessionID.String(),
		IsActive:        stats.Active,
		IsExpired:       stats.Expired,
		StartTime:       stats.StartTime,
		EndTime:         stats.EndTime,
		StudentsScanned: stats.StudentsScanned,
		Counts:          counts,
	})
}

func (s *Server) handleEndByCode(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathUUID(w, r, "sessionId")
	if !ok {
		return
	}
	var req endByCodeRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	res, err := s.sessions.EndByCode(r.Context(), sessionID, req.Code)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, closePayload(res))
}

func tokenPayload(active attendance.ActiveToken) qrTokenResponse {
	return qrTokenResponse{
		SessionID:       active.SessionID.String(),
		QRData:          active.QRData,
		StudentsScanned: active.StudentsScanned,
		ValiditySeconds: int(active.Validity / time.Second),
		RefreshSeconds:  int(active.Refresh / time.Second),
	}
}

func closePayload(res attendance.CloseResult) closeResponse {
	return closeResponse{
		SessionID:    res.Session.ID.String(),
		EndTime:      res.Session.EndTime,
		EndReason:    string(res.Session.EndReason),
		MarkedAbsent: res.MarkedAbsent,
	}
}
