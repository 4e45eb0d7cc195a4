package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"attendkaro/attendance/internal/attendance"
)

type AttendanceQueryServer struct {
	sessions *attendance.Manager
}

func NewAttendanceQueryServer(sessions *attendance.Manager) *AttendanceQueryServer {
	return &AttendanceQueryServer{sessions: sessions}
}

func (s *AttendanceQueryServer) GetSessionStats(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	sessionID, err := parseID(req.GetValue(), "session_id")
	if err != nil {
		return nil, err
	}
	stats, err := s.sessions.Stats(ctx, sessionID)
	if err != nil {
		return nil, statusFromError(err)
	}
	counts := make(map[string]any, len(stats.Counts))
	for st, n := range stats.Counts {
		counts[string(st)] = n
	}
	fields := map[string]any{
		"session_id":       stats.SessionID.String(),
		"active":           stats.Active,
		"expired":          stats.Expired,
		"start_time":       stats.StartTime.UTC().Format(time.RFC3339),
		"students_scanned": stats.StudentsScanned,
		"counts":           counts,
	}
	if stats.EndTime != nil {
		fields["end_time"] = stats.EndTime.UTC().Format(time.RFC3339)
	}
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode failed")
	}
	return out, nil
}

func (s *AttendanceQueryServer) ListProxyAttempts(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	sessionID, err := parseID(req.GetValue(), "session_id")
	if err != nil {
		return nil, err
	}
	attempts, err := s.sessions.SessionProxyAttempts(ctx, sessionID, 0)
	if err != nil {
		return nil, statusFromError(err)
	}
	items := make([]any, 0, len(attempts))
	for _, a := range attempts {
		items = append(items, map[string]any{
			"id":           a.ID.String(),
			"student_id":   a.StudentID.String(),
			"reason":       a.Reason,
			"device_id":    a.DeviceID,
			"latitude":     a.Latitude,
			"longitude":    a.Longitude,
			"attempted_at": a.AttemptedAt.UTC().Format(time.RFC3339),
		})
	}
	out, err := structpb.NewList(items)
	if err != nil {
		return nil, status.Error(codes.Internal, "encode failed")
	}
	return out, nil
}

func parseID(value, field string) (uuid.UUID, error) {
	if value == "" {
		return uuid.Nil, status.Error(codes.InvalidArgument, field+" required")
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, status.Error(codes.InvalidArgument, "invalid "+field)
	}
	return id, nil
}

// statusFromError maps a classified error to a gRPC status carrying its
// public code.
func statusFromError(err error) error {
	if errors.Is(err, context.Canceled) {
		return status.Error(codes.Canceled, "canceled")
	}
	code := attendance.CodeOf(err)
	switch attendance.KindOf(err) {
	case attendance.KindValidation, attendance.KindIntegrity:
		return status.Error(codes.InvalidArgument, code)
	case attendance.KindAuthorization:
		return status.Error(codes.PermissionDenied, code)
	case attendance.KindNotFound:
		return status.Error(codes.NotFound, code)
	case attendance.KindConflict:
		return status.Error(codes.FailedPrecondition, code)
	case attendance.KindLocked:
		return status.Error(codes.ResourceExhausted, code)
	case attendance.KindTransient:
		return status.Error(codes.Unavailable, attendance.CodeStoreUnavailable)
	default:
		return status.Error(codes.Internal, "internal_error")
	}
}
