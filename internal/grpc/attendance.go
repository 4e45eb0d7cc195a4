package grpc

import (
	"context"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"attendkaro/attendance/internal/attendance"
	"attendkaro/attendance/internal/logging"
)

type AttendanceServer struct {
	sessions *attendance.Manager
	devices  *attendance.Ledger
	logger   *slog.Logger
}

func NewAttendanceServer(sessions *attendance.Manager, devices *attendance.Ledger, logger *slog.Logger) *AttendanceServer {
	if logger == nil {
		logger = logging.Discard()
	}
	return &AttendanceServer{sessions: sessions, devices: devices, logger: logger}
}

func (s *AttendanceServer) ResetStudentDevice(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	fields := req.GetFields()
	studentID, err := parseID(fields["student_id"].GetStringValue(), "student_id")
	if err != nil {
		return nil, err
	}
	adminID, err := parseID(fields["admin_id"].GetStringValue(), "admin_id")
	if err != nil {
		return nil, err
	}
	res, err := s.devices.ResetDevice(ctx, studentID, adminID)
	if err != nil {
		return nil, statusFromError(err)
	}
	out, err := structpb.NewStruct(map[string]any{
		"student_id":        res.StudentID.String(),
		"resolved_requests": res.ResolvedRequests,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, "encode failed")
	}
	return out, nil
}

func (s *AttendanceServer) ExpireStaleSessions(ctx context.Context, req *wrapperspb.Int32Value) (*wrapperspb.Int32Value, error) {
	if req.GetValue() < 0 {
		return nil, status.Error(codes.InvalidArgument, "invalid limit")
	}
	ended, err := s.sessions.ExpireStale(ctx, int(req.GetValue()))
	if err != nil {
		s.logger.ErrorContext(ctx, "expire stale sessions failed", slog.Int("ended", ended), logging.Error(err))
		return nil, statusFromError(err)
	}
	return wrapperspb.Int32(int32(ended)), nil
}
