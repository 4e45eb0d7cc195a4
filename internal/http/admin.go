package http

import (
	"net/http"
	"strings"

	"attendkaro/attendance/internal/attendance"
)

type decideDeviceRequest struct {
	Action   string `json:"action" validate:"required,oneof=approve reject APPROVE REJECT APPROVED REJECTED"`
	Comments string `json:"comments,omitempty" validate:"max=1000"`
}

func (s *Server) handleListDeviceRequests(w http.ResponseWriter, r *http.Request) {
	status := attendance.RequestStatus(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	requests, err := s.devices.ListDeviceChangeRequests(r.Context(), status, queryLimit(r))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	out := make([]deviceRequestResponse, 0, len(requests))
	for _, req := range requests {
		out = append(out, deviceRequestPayload(req))
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": out})
}

func (s *Server) handleDecideDeviceRequest(w http.ResponseWriter, r *http.Request) {
	requestID, ok := pathUUID(w, r, "requestId")
	if !ok {
		return
	}
	var req decideDeviceRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	decided, err := s.devices.DecideDeviceChange(r.Context(), requestID, callerID(r), decisionFor(req.Action), req.Comments)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deviceRequestPayload(decided))
}

func (s *Server) handleResetDevice(w http.ResponseWriter, r *http.Request) {
	studentID, ok := pathUUID(w, r, "studentId")
	if !ok {
		return
	}
	res, err := s.devices.ResetDevice(r.Context(), studentID, callerID(r))
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"studentId":        res.StudentID.String(),
		"resolvedRequests": res.ResolvedRequests,
	})
}

func decisionFor(action string) attendance.RequestStatus {
	switch strings.ToLower(action) {
	case "approve", "approved":
		return attendance.RequestApproved
	case "reject", "rejected":
		return attendance.RequestRejected
	default:
		return attendance.RequestStatus(action)
	}
}
