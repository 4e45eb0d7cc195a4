package attendance_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendkaro/attendance/internal/attendance"
)

func TestCheckOrBind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	student := f.store.AddStudent()

	res, err := f.devices.CheckOrBind(ctx, student, "pixel-7")
	require.NoError(t, err)
	assert.Equal(t, attendance.BoundNew, res)

	res, err = f.devices.CheckOrBind(ctx, student, "pixel-7")
	require.NoError(t, err)
	assert.Equal(t, attendance.BoundMatch, res)

	res, err = f.devices.CheckOrBind(ctx, student, "iphone-15")
	require.NoError(t, err)
	assert.Equal(t, attendance.Mismatch, res)

	binding, err := f.devices.Binding(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, "pixel-7", binding.DeviceID)
	require.NotNil(t, binding.BoundAt)
	assert.Equal(t, f.clock.Now(), *binding.BoundAt)

	_, err = f.devices.CheckOrBind(ctx, uuid.New(), "pixel-7")
	requireCode(t, err, attendance.KindNotFound, attendance.CodeStudentNotFound)
}

func TestRequestDeviceChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	student := f.store.AddStudent()

	_, err := f.devices.RequestDeviceChange(ctx, student, "  lost ")
	requireCode(t, err, attendance.KindValidation, attendance.CodeReasonTooShort)

	req, err := f.devices.RequestDeviceChange(ctx, student, "phone was stolen")
	require.NoError(t, err)
	assert.Equal(t, attendance.RequestPending, req.Status)
	assert.Equal(t, "phone was stolen", req.Reason)

	_, err = f.devices.RequestDeviceChange(ctx, student, "another request")
	requireCode(t, err, attendance.KindConflict, attendance.CodeDeviceRequestPending)

	_, err = f.devices.RequestDeviceChange(ctx, uuid.New(), "phone was stolen")
	requireCode(t, err, attendance.KindNotFound, attendance.CodeStudentNotFound)
}

func TestDecideDeviceChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := uuid.New()
	student := f.store.AddStudent()
	f.store.BindDevice(student, "pixel-7", f.clock.Now())

	req, err := f.devices.RequestDeviceChange(ctx, student, "screen broke")
	require.NoError(t, err)

	_, err = f.devices.DecideDeviceChange(ctx, req.ID, admin, "MAYBE", "")
	requireCode(t, err, attendance.KindValidation, attendance.CodeInvalidDecision)

	decided, err := f.devices.DecideDeviceChange(ctx, req.ID, admin, attendance.RequestApproved, " ok ")
	require.NoError(t, err)
	assert.Equal(t, attendance.RequestApproved, decided.Status)
	assert.Equal(t, "ok", decided.AdminComments)
	require.NotNil(t, decided.ReviewedBy)
	assert.Equal(t, admin, *decided.ReviewedBy)

	binding, err := f.devices.Binding(ctx, student)
	require.NoError(t, err)
	assert.False(t, binding.Bound(), "approval clears the binding")

	_, err = f.devices.DecideDeviceChange(ctx, req.ID, admin, attendance.RequestRejected, "")
	requireCode(t, err, attendance.KindNotFound, attendance.CodeRequestNotFoundOrProcessed)

	_, err = f.devices.DecideDeviceChange(ctx, uuid.New(), admin, attendance.RequestApproved, "")
	requireCode(t, err, attendance.KindNotFound, attendance.CodeRequestNotFoundOrProcessed)
}

func TestRejectDeviceChangeKeepsBinding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	student := f.store.AddStudent()
	f.store.BindDevice(student, "pixel-7", f.clock.Now())

	req, err := f.devices.RequestDeviceChange(ctx, student, "want a new phone")
	require.NoError(t, err)
	_, err = f.devices.DecideDeviceChange(ctx, req.ID, uuid.New(), attendance.RequestRejected, "no")
	require.NoError(t, err)

	binding, err := f.devices.Binding(ctx, student)
	require.NoError(t, err)
	assert.Equal(t, "pixel-7", binding.DeviceID)

	// A rejected request does not block a new one.
	_, err = f.devices.RequestDeviceChange(ctx, student, "asking again")
	require.NoError(t, err)
}

func TestResetDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := uuid.New()
	student := f.store.AddStudent()
	f.store.BindDevice(student, "pixel-7", f.clock.Now())
	_, err := f.devices.RequestDeviceChange(ctx, student, "battery died")
	require.NoError(t, err)

	res, err := f.devices.ResetDevice(ctx, student, admin)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ResolvedRequests)

	binding, err := f.devices.Binding(ctx, student)
	require.NoError(t, err)
	assert.False(t, binding.Bound())

	requests := f.store.Requests()
	require.Len(t, requests, 1)
	assert.Equal(t, attendance.RequestApproved, requests[0].Status)
	assert.Equal(t, "Manual Reset", requests[0].AdminComments)

	// The next scan binds whatever device the student uses.
	bind, err := f.devices.CheckOrBind(ctx, student, "iphone-15")
	require.NoError(t, err)
	assert.Equal(t, attendance.BoundNew, bind)

	_, err = f.devices.ResetDevice(ctx, uuid.New(), admin)
	requireCode(t, err, attendance.KindNotFound, attendance.CodeStudentNotFound)
}

func TestListDeviceChangeRequestsPendingFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := uuid.New()

	a, b, c := f.store.AddStudent(), f.store.AddStudent(), f.store.AddStudent()
	first, err := f.devices.RequestDeviceChange(ctx, a, "first request")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second, err := f.devices.RequestDeviceChange(ctx, b, "second request")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	third, err := f.devices.RequestDeviceChange(ctx, c, "third request")
	require.NoError(t, err)
	_, err = f.devices.DecideDeviceChange(ctx, third.ID, admin, attendance.RequestRejected, "")
	require.NoError(t, err)

	all, err := f.devices.ListDeviceChangeRequests(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []uuid.UUID{second.ID, first.ID, third.ID}, []uuid.UUID{all[0].ID, all[1].ID, all[2].ID})

	pending, err := f.devices.ListDeviceChangeRequests(ctx, attendance.RequestPending, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].ID)

	_, err = f.devices.ListDeviceChangeRequests(ctx, "UNKNOWN", 0)
	requireCode(t, err, attendance.KindValidation, attendance.CodeInvalidDecision)
}
