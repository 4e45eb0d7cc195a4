// Package attendancetest provides an in-memory attendance.Store for tests.
//
// Calls are serialized by one mutex; WithTx holds it for the whole
// transaction and restores a snapshot when fn fails, which gives the same
// all-or-nothing behaviour as the Postgres store.
package attendancetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"attendkaro/attendance/internal/attendance"
)

type Class struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	Subject     string
	Department  string
	Semester    string
	Section     string
	FacultyName string
}

type student struct {
	deviceID string
	boundAt  *time.Time
}

type data struct {
	classes     map[uuid.UUID]Class
	students    map[uuid.UUID]student
	enrollments map[uuid.UUID]map[uuid.UUID]struct{}
	sessions    map[uuid.UUID]attendance.Session
	records     []attendance.PresenceRecord
	requests    []attendance.DeviceChangeRequest
	proxies     []attendance.ProxyAttempt
}

func (d *data) clone() *data {
	out := &data{
		classes:     make(map[uuid.UUID]Class, len(d.classes)),
		students:    make(map[uuid.UUID]student, len(d.students)),
		enrollments: make(map[uuid.UUID]map[uuid.UUID]struct{}, len(d.enrollments)),
		sessions:    make(map[uuid.UUID]attendance.Session, len(d.sessions)),
		records:     append([]attendance.PresenceRecord(nil), d.records...),
		requests:    append([]attendance.DeviceChangeRequest(nil), d.requests...),
		proxies:     append([]attendance.ProxyAttempt(nil), d.proxies...),
	}
	for k, v := range d.classes {
		out.classes[k] = v
	}
	for k, v := range d.students {
		out.students[k] = v
	}
	for k, set := range d.enrollments {
		cp := make(map[uuid.UUID]struct{}, len(set))
		for id := range set {
			cp[id] = struct{}{}
		}
		out.enrollments[k] = cp
	}
	for k, v := range d.sessions {
		out.sessions[k] = v
	}
	return out
}

// Store is an in-memory attendance.Store.
type Store struct {
	*repo

	mu       sync.Mutex
	data     *data
	failures map[string]error
	calls    map[string]int
}

var _ attendance.Store = (*Store)(nil)

func New() *Store {
	s := &Store{
		data: &data{
			classes:     map[uuid.UUID]Class{},
			students:    map[uuid.UUID]student{},
			enrollments: map[uuid.UUID]map[uuid.UUID]struct{}{},
			sessions:    map[uuid.UUID]attendance.Session{},
		},
		failures: map[string]error{},
		calls:    map[string]int{},
	}
	s.repo = &repo{s: s}
	return s
}

// FailOn makes every call to the named method return err until
// ClearFailures is called.
func (s *Store) FailOn(method string, err error) {
	s.mu.Lock()
	s.failures[method] = err
	s.mu.Unlock()
}

func (s *Store) ClearFailures() {
	s.mu.Lock()
	s.failures = map[string]error{}
	s.mu.Unlock()
}

// Calls reports how many times the named method ran.
func (s *Store) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func (s *Store) WithTx(ctx context.Context, fn func(attendance.Repository) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := s.data.clone()
	if err := fn(&repo{s: s, tx: true}); err != nil {
		s.data = snapshot
		return err
	}
	return nil
}

// AddClass registers a class owned by ownerID and returns its id.
func (s *Store) AddClass(ownerID uuid.UUID, subject string) Class {
	c := Class{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		Subject:     subject,
		Department:  "CSE",
		Semester:    "5",
		Section:     "A",
		FacultyName: "Faculty",
	}
	s.mu.Lock()
	s.data.classes[c.ID] = c
	s.mu.Unlock()
	return c
}

func (s *Store) AddStudent() uuid.UUID {
	id := uuid.New()
	s.mu.Lock()
	s.data.students[id] = student{}
	s.mu.Unlock()
	return id
}

func (s *Store) Enroll(classID uuid.UUID, studentIDs ...uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.data.enrollments[classID]
	if set == nil {
		set = map[uuid.UUID]struct{}{}
		s.data.enrollments[classID] = set
	}
	for _, id := range studentIDs {
		set[id] = struct{}{}
	}
}

// BindDevice sets a student's device directly.
func (s *Store) BindDevice(studentID uuid.UUID, deviceID string, at time.Time) {
	s.mu.Lock()
	s.data.students[studentID] = student{deviceID: deviceID, boundAt: &at}
	s.mu.Unlock()
}

// PutSession stores a session as-is, bypassing code uniqueness.
func (s *Store) PutSession(sess attendance.Session) {
	s.mu.Lock()
	s.data.sessions[sess.ID] = sess
	s.mu.Unlock()
}

func (s *Store) Session(id uuid.UUID) (attendance.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.data.sessions[id]
	return sess, ok
}

// Records returns a copy of the presence records of a session.
func (s *Store) Records(sessionID uuid.UUID) []attendance.PresenceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []attendance.PresenceRecord
	for _, r := range s.data.records {
		if r.SessionID == sessionID {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) ProxyLog() []attendance.ProxyAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]attendance.ProxyAttempt(nil), s.data.proxies...)
}

func (s *Store) Requests() []attendance.DeviceChangeRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]attendance.DeviceChangeRequest(nil), s.data.requests...)
}

// repo implements attendance.Repository. Outside a transaction every call
// takes the store lock; inside one the lock is already held.
type repo struct {
	s  *Store
	tx bool
}

func (r *repo) enter(ctx context.Context, method string) (*data, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	release := func() {}
	if !r.tx {
		r.s.mu.Lock()
		release = r.s.mu.Unlock
	}
	r.s.calls[method]++
	if err := r.s.failures[method]; err != nil {
		release()
		return nil, nil, err
	}
	return r.s.data, release, nil
}

func (r *repo) CreateSession(ctx context.Context, sess attendance.Session) error {
	d, release, err := r.enter(ctx, "CreateSession")
	if err != nil {
		return err
	}
	defer release()
	if _, ok := d.sessions[sess.ID]; ok {
		return attendance.ErrDuplicate
	}
	for _, other := range d.sessions {
		if other.Active() && sess.Active() && other.Code == sess.Code {
			return attendance.ErrDuplicate
		}
	}
	d.sessions[sess.ID] = sess
	return nil
}

func (r *repo) getSession(ctx context.Context, method string, id uuid.UUID) (attendance.Session, error) {
	d, release, err := r.enter(ctx, method)
	if err != nil {
		return attendance.Session{}, err
	}
	defer release()
	sess, ok := d.sessions[id]
	if !ok {
		return attendance.Session{}, attendance.ErrNotFound
	}
	return sess, nil
}

func (r *repo) GetSession(ctx context.Context, id uuid.UUID) (attendance.Session, error) {
	return r.getSession(ctx, "GetSession", id)
}

func (r *repo) GetSessionForUpdate(ctx context.Context, id uuid.UUID) (attendance.Session, error) {
	return r.getSession(ctx, "GetSessionForUpdate", id)
}

func (r *repo) GetSessionForShare(ctx context.Context, id uuid.UUID) (attendance.Session, error) {
	return r.getSession(ctx, "GetSessionForShare", id)
}

func (r *repo) FindSessionByCode(ctx context.Context, code string) (attendance.Session, error) {
	d, release, err := r.enter(ctx, "FindSessionByCode")
	if err != nil {
		return attendance.Session{}, err
	}
	defer release()
	var best attendance.Session
	found := false
	for _, sess := range d.sessions {
		if sess.Code != code {
			continue
		}
		switch {
		case !found:
		case sess.Active() && !best.Active():
		case sess.Active() == best.Active() && sess.StartTime.After(best.StartTime):
		default:
			continue
		}
		best, found = sess, true
	}
	if !found {
		return attendance.Session{}, attendance.ErrNotFound
	}
	return best, nil
}

func (r *repo) ActiveCodeExists(ctx context.Context, code string) (bool, error) {
	d, release, err := r.enter(ctx, "ActiveCodeExists")
	if err != nil {
		return false, err
	}
	defer release()
	for _, sess := range d.sessions {
		if sess.Active() && sess.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (r *repo) EndSession(ctx context.Context, id uuid.UUID, endedAt time.Time, reason attendance.EndReason) (int64, error) {
	d, release, err := r.enter(ctx, "EndSession")
	if err != nil {
		return 0, err
	}
	defer release()
	sess, ok := d.sessions[id]
	if !ok || !sess.Active() {
		return 0, nil
	}
	sess.State = attendance.SessionEnded
	sess.EndTime = &endedAt
	sess.EndReason = reason
	d.sessions[id] = sess
	return 1, nil
}

func (r *repo) ListStaleSessions(ctx context.Context, startedBefore time.Time, limit int) ([]uuid.UUID, error) {
	d, release, err := r.enter(ctx, "ListStaleSessions")
	if err != nil {
		return nil, err
	}
	defer release()
	var stale []attendance.Session
	for _, sess := range d.sessions {
		if sess.Active() && sess.StartTime.Before(startedBefore) {
			stale = append(stale, sess)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].StartTime.Before(stale[j].StartTime) })
	ids := make([]uuid.UUID, 0, len(stale))
	for _, sess := range stale {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, sess.ID)
	}
	return ids, nil
}

func (r *repo) GetSessionSummary(ctx context.Context, id uuid.UUID) (attendance.SessionSummary, error) {
	d, release, err := r.enter(ctx, "GetSessionSummary")
	if err != nil {
		return attendance.SessionSummary{}, err
	}
	defer release()
	sess, ok := d.sessions[id]
	if !ok {
		return attendance.SessionSummary{}, attendance.ErrNotFound
	}
	c := d.classes[sess.ClassID]
	return attendance.SessionSummary{
		Subject:     c.Subject,
		Department:  c.Department,
		Semester:    c.Semester,
		Section:     c.Section,
		FacultyName: c.FacultyName,
	}, nil
}

func (r *repo) GetClassOwner(ctx context.Context, classID uuid.UUID) (uuid.UUID, error) {
	d, release, err := r.enter(ctx, "GetClassOwner")
	if err != nil {
		return uuid.Nil, err
	}
	defer release()
	c, ok := d.classes[classID]
	if !ok {
		return uuid.Nil, attendance.ErrNotFound
	}
	return c.OwnerID, nil
}

func (r *repo) EnrolledStudents(ctx context.Context, classID uuid.UUID) ([]uuid.UUID, error) {
	d, release, err := r.enter(ctx, "EnrolledStudents")
	if err != nil {
		return nil, err
	}
	defer release()
	out := make([]uuid.UUID, 0, len(d.enrollments[classID]))
	for id := range d.enrollments[classID] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func (r *repo) IsEnrolled(ctx context.Context, classID, studentID uuid.UUID) (bool, error) {
	d, release, err := r.enter(ctx, "IsEnrolled")
	if err != nil {
		return false, err
	}
	defer release()
	_, ok := d.enrollments[classID][studentID]
	return ok, nil
}

func (r *repo) InsertPresence(ctx context.Context, rec attendance.PresenceRecord) error {
	d, release, err := r.enter(ctx, "InsertPresence")
	if err != nil {
		return err
	}
	defer release()
	if hasRecord(d, rec.SessionID, rec.StudentID) {
		return attendance.ErrDuplicate
	}
	d.records = append(d.records, rec)
	return nil
}

func (r *repo) InsertAbsences(ctx context.Context, sessionID uuid.UUID, studentIDs []uuid.UUID, at time.Time) (int64, error) {
	d, release, err := r.enter(ctx, "InsertAbsences")
	if err != nil {
		return 0, err
	}
	defer release()
	var n int64
	for _, id := range studentIDs {
		if hasRecord(d, sessionID, id) {
			continue
		}
		d.records = append(d.records, attendance.PresenceRecord{
			ID:        uuid.New(),
			SessionID: sessionID,
			StudentID: id,
			Status:    attendance.StatusAbsent,
			MarkedAt:  at,
		})
		n++
	}
	return n, nil
}

func (r *repo) RecordedStudents(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	d, release, err := r.enter(ctx, "RecordedStudents")
	if err != nil {
		return nil, err
	}
	defer release()
	var out []uuid.UUID
	for _, rec := range d.records {
		if rec.SessionID == sessionID {
			out = append(out, rec.StudentID)
		}
	}
	return out, nil
}

func (r *repo) PresenceExists(ctx context.Context, sessionID, studentID uuid.UUID) (bool, error) {
	d, release, err := r.enter(ctx, "PresenceExists")
	if err != nil {
		return false, err
	}
	defer release()
	return hasRecord(d, sessionID, studentID), nil
}

func (r *repo) CountByStatus(ctx context.Context, sessionID uuid.UUID) (map[attendance.PresenceStatus]int, error) {
	d, release, err := r.enter(ctx, "CountByStatus")
	if err != nil {
		return nil, err
	}
	defer release()
	counts := map[attendance.PresenceStatus]int{}
	for _, rec := range d.records {
		if rec.SessionID == sessionID {
			counts[rec.Status]++
		}
	}
	return counts, nil
}

func (r *repo) ListPresence(ctx context.Context, sessionID uuid.UUID, limit int) ([]attendance.PresenceRecord, error) {
	d, release, err := r.enter(ctx, "ListPresence")
	if err != nil {
		return nil, err
	}
	defer release()
	var out []attendance.PresenceRecord
	for _, rec := range d.records {
		if rec.SessionID == sessionID {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].MarkedAt.After(out[j].MarkedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *repo) GetDeviceBinding(ctx context.Context, studentID uuid.UUID) (attendance.DeviceBinding, error) {
	d, release, err := r.enter(ctx, "GetDeviceBinding")
	if err != nil {
		return attendance.DeviceBinding{}, err
	}
	defer release()
	st, ok := d.students[studentID]
	if !ok {
		return attendance.DeviceBinding{}, attendance.ErrNotFound
	}
	return attendance.DeviceBinding{StudentID: studentID, DeviceID: st.deviceID, BoundAt: st.boundAt}, nil
}

func (r *repo) BindDeviceIfUnbound(ctx context.Context, studentID uuid.UUID, deviceID string, at time.Time) (bool, error) {
	d, release, err := r.enter(ctx, "BindDeviceIfUnbound")
	if err != nil {
		return false, err
	}
	defer release()
	st, ok := d.students[studentID]
	if !ok {
		return false, attendance.ErrNotFound
	}
	if st.deviceID != "" {
		return false, nil
	}
	d.students[studentID] = student{deviceID: deviceID, boundAt: &at}
	return true, nil
}

func (r *repo) ClearDeviceBinding(ctx context.Context, studentID uuid.UUID) error {
	d, release, err := r.enter(ctx, "ClearDeviceBinding")
	if err != nil {
		return err
	}
	defer release()
	if _, ok := d.students[studentID]; !ok {
		return attendance.ErrNotFound
	}
	d.students[studentID] = student{}
	return nil
}

func (r *repo) CreateDeviceChangeRequest(ctx context.Context, req attendance.DeviceChangeRequest) error {
	d, release, err := r.enter(ctx, "CreateDeviceChangeRequest")
	if err != nil {
		return err
	}
	defer release()
	for _, other := range d.requests {
		if other.StudentID == req.StudentID && other.Status == attendance.RequestPending {
			return attendance.ErrDuplicate
		}
	}
	d.requests = append(d.requests, req)
	return nil
}

func (r *repo) GetDeviceChangeRequestForUpdate(ctx context.Context, id uuid.UUID) (attendance.DeviceChangeRequest, error) {
	d, release, err := r.enter(ctx, "GetDeviceChangeRequestForUpdate")
	if err != nil {
		return attendance.DeviceChangeRequest{}, err
	}
	defer release()
	for _, req := range d.requests {
		if req.ID == id {
			return req, nil
		}
	}
	return attendance.DeviceChangeRequest{}, attendance.ErrNotFound
}

func (r *repo) HasPendingDeviceChangeRequest(ctx context.Context, studentID uuid.UUID) (bool, error) {
	d, release, err := r.enter(ctx, "HasPendingDeviceChangeRequest")
	if err != nil {
		return false, err
	}
	defer release()
	for _, req := range d.requests {
		if req.StudentID == studentID && req.Status == attendance.RequestPending {
			return true, nil
		}
	}
	return false, nil
}

func (r *repo) ResolveDeviceChangeRequest(ctx context.Context, id uuid.UUID, status attendance.RequestStatus, reviewer uuid.UUID, comment string, at time.Time) (int64, error) {
	d, release, err := r.enter(ctx, "ResolveDeviceChangeRequest")
	if err != nil {
		return 0, err
	}
	defer release()
	for i, req := range d.requests {
		if req.ID == id && req.Status == attendance.RequestPending {
			d.requests[i] = resolved(req, status, reviewer, comment, at)
			return 1, nil
		}
	}
	return 0, nil
}

func (r *repo) ResolvePendingDeviceChangeRequests(ctx context.Context, studentID uuid.UUID, status attendance.RequestStatus, reviewer uuid.UUID, comment string, at time.Time) (int64, error) {
	d, release, err := r.enter(ctx, "ResolvePendingDeviceChangeRequests")
	if err != nil {
		return 0, err
	}
	defer release()
	var n int64
	for i, req := range d.requests {
		if req.StudentID == studentID && req.Status == attendance.RequestPending {
			d.requests[i] = resolved(req, status, reviewer, comment, at)
			n++
		}
	}
	return n, nil
}

func (r *repo) ListDeviceChangeRequests(ctx context.Context, status attendance.RequestStatus, limit int) ([]attendance.DeviceChangeRequest, error) {
	d, release, err := r.enter(ctx, "ListDeviceChangeRequests")
	if err != nil {
		return nil, err
	}
	defer release()
	var out []attendance.DeviceChangeRequest
	for _, req := range d.requests {
		if status == "" || req.Status == status {
			out = append(out, req)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, pj := out[i].Status == attendance.RequestPending, out[j].Status == attendance.RequestPending
		if pi != pj {
			return pi
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *repo) InsertProxyAttempt(ctx context.Context, a attendance.ProxyAttempt) error {
	d, release, err := r.enter(ctx, "InsertProxyAttempt")
	if err != nil {
		return err
	}
	defer release()
	d.proxies = append(d.proxies, a)
	return nil
}

func (r *repo) ListProxyAttempts(ctx context.Context, sessionID uuid.UUID, limit int) ([]attendance.ProxyAttempt, error) {
	d, release, err := r.enter(ctx, "ListProxyAttempts")
	if err != nil {
		return nil, err
	}
	defer release()
	var out []attendance.ProxyAttempt
	for _, a := range d.proxies {
		if a.SessionID == sessionID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].AttemptedAt.After(out[j].AttemptedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func hasRecord(d *data, sessionID, studentID uuid.UUID) bool {
	for _, rec := range d.records {
		if rec.SessionID == sessionID && rec.StudentID == studentID {
			return true
		}
	}
	return false
}

func resolved(req attendance.DeviceChangeRequest, status attendance.RequestStatus, reviewer uuid.UUID, comment string, at time.Time) attendance.DeviceChangeRequest {
	req.Status = status
	req.ReviewedBy = &reviewer
	req.AdminComments = comment
	req.ReviewedAt = &at
	return req
}
