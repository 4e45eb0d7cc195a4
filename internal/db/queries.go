package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"attendkaro/attendance/internal/attendance"
)

type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries implements attendance.Repository over a pool or a transaction.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const sessionColumns = `id, class_id, session_code, latitude, longitude, radius_meters, state, start_time, end_time, end_reason, time_slot`

func scanSession(row pgx.Row) (attendance.Session, error) {
	var (
		s         attendance.Session
		state     string
		endReason pgtype.Text
	)
	err := row.Scan(&s.ID, &s.ClassID, &s.Code, &s.Latitude, &s.Longitude, &s.RadiusMeters, &state, &s.StartTime, &s.EndTime, &endReason, &s.TimeSlot)
	if err != nil {
		return attendance.Session{}, mapError(err)
	}
	s.State = attendance.SessionState(state)
	s.EndReason = attendance.EndReason(endReason.String)
	s.StartTime = s.StartTime.UTC()
	if s.EndTime != nil {
		end := s.EndTime.UTC()
		s.EndTime = &end
	}
	return s, nil
}

func (q *Queries) CreateSession(ctx context.Context, s attendance.Session) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO attendance_sessions (id, class_id, session_code, latitude, longitude, radius_meters, state, start_time, time_slot)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, s.ID, s.ClassID, s.Code, s.Latitude, s.Longitude, s.RadiusMeters, string(s.State), s.StartTime, s.TimeSlot)
	return mapError(err)
}

func (q *Queries) GetSession(ctx context.Context, id uuid.UUID) (attendance.Session, error) {
	return scanSession(q.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = $1`, id))
}

func (q *Queries) GetSessionForUpdate(ctx context.Context, id uuid.UUID) (attendance.Session, error) {
	return scanSession(q.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = $1 FOR UPDATE`, id))
}

func (q *Queries) GetSessionForShare(ctx context.Context, id uuid.UUID) (attendance.Session, error) {
	return scanSession(q.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM attendance_sessions WHERE id = $1 FOR SHARE`, id))
}

func (q *Queries) FindSessionByCode(ctx context.Context, code string) (attendance.Session, error) {
	return scanSession(q.db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM attendance_sessions
		WHERE session_code = $1
		ORDER BY (state = 'ACTIVE') DESC, start_time DESC
		LIMIT 1
	`, code))
}

func (q *Queries) ActiveCodeExists(ctx context.Context, code string) (bool, error) {
	return q.exists(ctx, `SELECT EXISTS (SELECT 1 FROM attendance_sessions WHERE session_code = $1 AND state = 'ACTIVE')`, code)
}

func (q *Queries) EndSession(ctx context.Context, id uuid.UUID, endedAt time.Time, reason attendance.EndReason) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE attendance_sessions
		SET state = 'ENDED', end_time = $2, end_reason = $3
		WHERE id = $1 AND state = 'ACTIVE'
	`, id, endedAt, string(reason))
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) ListStaleSessions(ctx context.Context, startedBefore time.Time, limit int) ([]uuid.UUID, error) {
	return q.ids(ctx, `
		SELECT id FROM attendance_sessions
		WHERE state = 'ACTIVE' AND start_time < $1
		ORDER BY start_time
		LIMIT $2
	`, startedBefore, limit)
}

func (q *Queries) GetSessionSummary(ctx context.Context, id uuid.UUID) (attendance.SessionSummary, error) {
	var sum attendance.SessionSummary
	row := q.db.QueryRow(ctx, `
		SELECT c.subject, c.department, c.semester, c.section, COALESCE(u.full_name, '')
		FROM attendance_sessions s
		JOIN classes c ON c.id = s.class_id
		LEFT JOIN users u ON u.id = c.faculty_id
		WHERE s.id = $1
	`, id)
	err := row.Scan(&sum.Subject, &sum.Department, &sum.Semester, &sum.Section, &sum.FacultyName)
	return sum, mapError(err)
}

func (q *Queries) GetClassOwner(ctx context.Context, classID uuid.UUID) (uuid.UUID, error) {
	var owner uuid.UUID
	err := q.db.QueryRow(ctx, `SELECT faculty_id FROM classes WHERE id = $1`, classID).Scan(&owner)
	return owner, mapError(err)
}

func (q *Queries) EnrolledStudents(ctx context.Context, classID uuid.UUID) ([]uuid.UUID, error) {
	return q.ids(ctx, `SELECT student_id FROM class_enrollments WHERE class_id = $1 ORDER BY student_id`, classID)
}

func (q *Queries) IsEnrolled(ctx context.Context, classID, studentID uuid.UUID) (bool, error) {
	return q.exists(ctx, `SELECT EXISTS (SELECT 1 FROM class_enrollments WHERE class_id = $1 AND student_id = $2)`, classID, studentID)
}

func (q *Queries) InsertPresence(ctx context.Context, rec attendance.PresenceRecord) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, status, device_id, latitude, longitude, marked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.ID, rec.SessionID, rec.StudentID, string(rec.Status), nullText(rec.DeviceID), rec.Latitude, rec.Longitude, rec.MarkedAt)
	return mapError(err)
}

func (q *Queries) InsertAbsences(ctx context.Context, sessionID uuid.UUID, studentIDs []uuid.UUID, at time.Time) (int64, error) {
	ids := make([]string, len(studentIDs))
	for i, id := range studentIDs {
		ids[i] = id.String()
	}
	tag, err := q.db.Exec(ctx, `
		INSERT INTO attendance_records (id, session_id, student_id, status, marked_at)
		SELECT gen_random_uuid(), $1, sid::uuid, 'ABSENT', $3
		FROM unnest($2::text[]) AS sid
		ON CONFLICT (session_id, student_id) DO NOTHING
	`, sessionID, ids, at)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) RecordedStudents(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	return q.ids(ctx, `SELECT student_id FROM attendance_records WHERE session_id = $1`, sessionID)
}

func (q *Queries) PresenceExists(ctx context.Context, sessionID, studentID uuid.UUID) (bool, error) {
	return q.exists(ctx, `SELECT EXISTS (SELECT 1 FROM attendance_records WHERE session_id = $1 AND student_id = $2)`, sessionID, studentID)
}

func (q *Queries) CountByStatus(ctx context.Context, sessionID uuid.UUID) (map[attendance.PresenceStatus]int, error) {
	rows, err := q.db.Query(ctx, `SELECT status, COUNT(*) FROM attendance_records WHERE session_id = $1 GROUP BY status`, sessionID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()
	counts := map[attendance.PresenceStatus]int{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, mapError(err)
		}
		counts[attendance.PresenceStatus(status)] = n
	}
	return counts, mapError(rows.Err())
}

func (q *Queries) ListPresence(ctx context.Context, sessionID uuid.UUID, limit int) ([]attendance.PresenceRecord, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, session_id, student_id, status, device_id, latitude, longitude, marked_at
		FROM attendance_records
		WHERE session_id = $1
		ORDER BY marked_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (attendance.PresenceRecord, error) {
		var (
			rec    attendance.PresenceRecord
			status string
			device pgtype.Text
		)
		err := row.Scan(&rec.ID, &rec.SessionID, &rec.StudentID, &status, &device, &rec.Latitude, &rec.Longitude, &rec.MarkedAt)
		rec.Status = attendance.PresenceStatus(status)
		rec.DeviceID = device.String
		rec.MarkedAt = rec.MarkedAt.UTC()
		return rec, err
	})
	return out, mapError(err)
}

func (q *Queries) GetDeviceBinding(ctx context.Context, studentID uuid.UUID) (attendance.DeviceBinding, error) {
	var (
		b      = attendance.DeviceBinding{StudentID: studentID}
		device pgtype.Text
	)
	err := q.db.QueryRow(ctx, `SELECT device_id, device_bound_at FROM students WHERE id = $1`, studentID).Scan(&device, &b.BoundAt)
	if err != nil {
		return attendance.DeviceBinding{}, mapError(err)
	}
	b.DeviceID = device.String
	return b, nil
}

func (q *Queries) BindDeviceIfUnbound(ctx context.Context, studentID uuid.UUID, deviceID string, at time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE students SET device_id = $2, device_bound_at = $3
		WHERE id = $1 AND device_id IS NULL
	`, studentID, deviceID, at)
	if err != nil {
		return false, mapError(err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	found, err := q.exists(ctx, `SELECT EXISTS (SELECT 1 FROM students WHERE id = $1)`, studentID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, attendance.ErrNotFound
	}
	return false, nil
}

func (q *Queries) ClearDeviceBinding(ctx context.Context, studentID uuid.UUID) error {
	tag, err := q.db.Exec(ctx, `UPDATE students SET device_id = NULL, device_bound_at = NULL WHERE id = $1`, studentID)
	if err != nil {
		return mapError(err)
	}
	if tag.RowsAffected() == 0 {
		return attendance.ErrNotFound
	}
	return nil
}

const requestColumns = `id, student_id, reason, status, reviewed_by, admin_comments, created_at, reviewed_at`

func scanRequest(row pgx.Row) (attendance.DeviceChangeRequest, error) {
	var (
		r        attendance.DeviceChangeRequest
		status   string
		comments pgtype.Text
	)
	if err := row.Scan(&r.ID, &r.StudentID, &r.Reason, &status, &r.ReviewedBy, &comments, &r.CreatedAt, &r.ReviewedAt); err != nil {
		return attendance.DeviceChangeRequest{}, err
	}
	r.Status = attendance.RequestStatus(status)
	r.AdminComments = comments.String
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func (q *Queries) CreateDeviceChangeRequest(ctx context.Context, req attendance.DeviceChangeRequest) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO device_change_requests (id, student_id, reason, status, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, req.ID, req.StudentID, req.Reason, string(req.Status), req.CreatedAt)
	return mapError(err)
}

func (q *Queries) GetDeviceChangeRequestForUpdate(ctx context.Context, id uuid.UUID) (attendance.DeviceChangeRequest, error) {
	r, err := scanRequest(q.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM device_change_requests WHERE id = $1 FOR UPDATE`, id))
	return r, mapError(err)
}

func (q *Queries) HasPendingDeviceChangeRequest(ctx context.Context, studentID uuid.UUID) (bool, error) {
	return q.exists(ctx, `SELECT EXISTS (SELECT 1 FROM device_change_requests WHERE student_id = $1 AND status = 'PENDING')`, studentID)
}

func (q *Queries) ResolveDeviceChangeRequest(ctx context.Context, id uuid.UUID, status attendance.RequestStatus, reviewer uuid.UUID, comment string, at time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE device_change_requests
		SET status = $2, reviewed_by = $3, admin_comments = $4, reviewed_at = $5
		WHERE id = $1 AND status = 'PENDING'
	`, id, string(status), reviewer, nullText(comment), at)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) ResolvePendingDeviceChangeRequests(ctx context.Context, studentID uuid.UUID, status attendance.RequestStatus, reviewer uuid.UUID, comment string, at time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE device_change_requests
		SET status = $2, reviewed_by = $3, admin_comments = $4, reviewed_at = $5
		WHERE student_id = $1 AND status = 'PENDING'
	`, studentID, string(status), reviewer, nullText(comment), at)
	if err != nil {
		return 0, mapError(err)
	}
	return tag.RowsAffected(), nil
}

func (q *Queries) ListDeviceChangeRequests(ctx context.Context, status attendance.RequestStatus, limit int) ([]attendance.DeviceChangeRequest, error) {
	rows, err := q.db.Query(ctx, `
		SELECT `+requestColumns+`
		FROM device_change_requests
		WHERE $1 = '' OR status = $1
		ORDER BY (status = 'PENDING') DESC, created_at DESC
		LIMIT $2
	`, string(status), limit)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (attendance.DeviceChangeRequest, error) {
		return scanRequest(row)
	})
	return out, mapError(err)
}

func (q *Queries) InsertProxyAttempt(ctx context.Context, a attendance.ProxyAttempt) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO proxy_attempts (id, session_id, student_id, reason, device_id, latitude, longitude, attempted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.SessionID, a.StudentID, a.Reason, a.DeviceID, a.Latitude, a.Longitude, a.AttemptedAt)
	return mapError(err)
}

func (q *Queries) ListProxyAttempts(ctx context.Context, sessionID uuid.UUID, limit int) ([]attendance.ProxyAttempt, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, session_id, student_id, reason, device_id, latitude, longitude, attempted_at
		FROM proxy_attempts
		WHERE session_id = $1
		ORDER BY attempted_at DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (attendance.ProxyAttempt, error) {
		var a attendance.ProxyAttempt
		err := row.Scan(&a.ID, &a.SessionID, &a.StudentID, &a.Reason, &a.DeviceID, &a.Latitude, &a.Longitude, &a.AttemptedAt)
		a.AttemptedAt = a.AttemptedAt.UTC()
		return a, err
	})
	return out, mapError(err)
}

func (q *Queries) exists(ctx context.Context, sql string, args ...any) (bool, error) {
	var ok bool
	err := q.db.QueryRow(ctx, sql, args...).Scan(&ok)
	return ok, mapError(err)
}

func (q *Queries) ids(ctx context.Context, sql string, args ...any) ([]uuid.UUID, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, mapError(err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	return out, mapError(err)
}

func nullText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
