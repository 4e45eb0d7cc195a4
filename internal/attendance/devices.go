package attendance

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"attendkaro/attendance/internal/logging"
)

const (
	minChangeReasonLength = 5
	manualResetComment    = "Manual Reset"
)

// Ledger enforces the one-student-one-device rule.
type Ledger struct {
	store Store
	options
}

func NewLedger(store Store, opts ...Option) *Ledger {
	return &Ledger{store: store, options: buildOptions(opts)}
}

// CheckOrBind binds deviceID to a student that has none, or compares it
// with the bound device. A mismatch never overwrites the binding.
func (l *Ledger) CheckOrBind(ctx context.Context, studentID uuid.UUID, deviceID string) (BindResult, error) {
	binding, err := l.binding(ctx, studentID)
	if err != nil {
		return "", err
	}
	if !binding.Bound() {
		var bound bool
		err := l.write(ctx, func(ctx context.Context) error {
			var err error
			bound, err = l.store.BindDeviceIfUnbound(ctx, studentID, deviceID, l.clock())
			return err
		})
		if err != nil {
			return "", err
		}
		if bound {
			l.logger.InfoContext(ctx, "device bound",
				logging.StudentID(studentID), slog.String("device_id", deviceID))
			return BoundNew, nil
		}
		// A concurrent scan bound first; compare against what it stored.
		if binding, err = l.binding(ctx, studentID); err != nil {
			return "", err
		}
	}
	if binding.DeviceID == deviceID {
		return BoundMatch, nil
	}
	return Mismatch, nil
}

func (l *Ledger) Binding(ctx context.Context, studentID uuid.UUID) (DeviceBinding, error) {
	return l.binding(ctx, studentID)
}

func (l *Ledger) binding(ctx context.Context, studentID uuid.UUID) (DeviceBinding, error) {
	var binding DeviceBinding
	err := l.read(ctx, func(ctx context.Context) error {
		var err error
		binding, err = l.store.GetDeviceBinding(ctx, studentID)
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return DeviceBinding{}, newError(KindNotFound, CodeStudentNotFound)
	}
	return binding, err
}

type ResetResult struct {
	StudentID        uuid.UUID
	ResolvedRequests int64
}

// ResetDevice clears a student's binding and approves any pending change
// request with a manual reset comment, in one transaction.
func (l *Ledger) ResetDevice(ctx context.Context, studentID, adminID uuid.UUID) (ResetResult, error) {
	res := ResetResult{StudentID: studentID}
	err := l.write(ctx, func(ctx context.Context) error {
		return l.store.WithTx(ctx, func(tx Repository) error {
			if _, err := tx.GetDeviceBinding(ctx, studentID); err != nil {
				if errors.Is(err, ErrNotFound) {
					return newError(KindNotFound, CodeStudentNotFound)
				}
				return err
			}
			if err := tx.ClearDeviceBinding(ctx, studentID); err != nil {
				return err
			}
			n, err := tx.ResolvePendingDeviceChangeRequests(ctx, studentID, RequestApproved, adminID, manualResetComment, l.clock())
			if err != nil {
				return err
			}
			res.ResolvedRequests = n
			return nil
		})
	})
	if err != nil {
		return ResetResult{}, err
	}
	l.logger.InfoContext(ctx, "device binding reset",
		logging.StudentID(studentID), slog.String("admin_id", adminID.String()),
		slog.Int64("resolved_requests", res.ResolvedRequests))
	return res, nil
}

func (l *Ledger) RequestDeviceChange(ctx context.Context, studentID uuid.UUID, reason string) (DeviceChangeRequest, error) {
	reason = strings.TrimSpace(reason)
	if utf8.RuneCountInString(reason) < minChangeReasonLength {
		return DeviceChangeRequest{}, newError(KindValidation, CodeReasonTooShort).
			withMessage("reason must be at least 5 characters")
	}
	if _, err := l.binding(ctx, studentID); err != nil {
		return DeviceChangeRequest{}, err
	}

	var pending bool
	err := l.read(ctx, func(ctx context.Context) error {
		var err error
		pending, err = l.store.HasPendingDeviceChangeRequest(ctx, studentID)
		return err
	})
	if err != nil {
		return DeviceChangeRequest{}, err
	}
	if pending {
		return DeviceChangeRequest{}, newError(KindConflict, CodeDeviceRequestPending)
	}

	req := DeviceChangeRequest{
		ID:        uuid.New(),
		StudentID: studentID,
		Reason:    reason,
		Status:    RequestPending,
		CreatedAt: l.clock(),
	}
	err = l.write(ctx, func(ctx context.Context) error {
		return l.store.CreateDeviceChangeRequest(ctx, req)
	})
	if errors.Is(err, ErrDuplicate) {
		return DeviceChangeRequest{}, newError(KindConflict, CodeDeviceRequestPending)
	}
	if err != nil {
		return DeviceChangeRequest{}, err
	}
	return req, nil
}

// DecideDeviceChange approves or rejects a pending request. Approval
// clears the student's binding in the same transaction.
func (l *Ledger) DecideDeviceChange(ctx context.Context, requestID, adminID uuid.UUID, decision RequestStatus, comment string) (DeviceChangeRequest, error) {
	if decision != RequestApproved && decision != RequestRejected {
		return DeviceChangeRequest{}, newError(KindValidation, CodeInvalidDecision).
			withMessage("decision must be APPROVED or REJECTED")
	}
	comment = strings.TrimSpace(comment)
	now := l.clock()

	var decided DeviceChangeRequest
	err := l.write(ctx, func(ctx context.Context) error {
		return l.store.WithTx(ctx, func(tx Repository) error {
			req, err := tx.GetDeviceChangeRequestForUpdate(ctx, requestID)
			if errors.Is(err, ErrNotFound) || err == nil && req.Status != RequestPending {
				return newError(KindNotFound, CodeRequestNotFoundOrProcessed)
			}
			if err != nil {
				return err
			}
			n, err := tx.ResolveDeviceChangeRequest(ctx, requestID, decision, adminID, comment, now)
			if err != nil {
				return err
			}
			if n != 1 {
				return invariant("pending device change request vanished under row lock")
			}
			if decision == RequestApproved {
				if err := tx.ClearDeviceBinding(ctx, req.StudentID); err != nil {
					return err
				}
			}
			req.Status = decision
			req.ReviewedBy = &adminID
			req.AdminComments = comment
			req.ReviewedAt = &now
			decided = req
			return nil
		})
	})
	if err != nil {
		l.logInvariant(ctx, err)
		return DeviceChangeRequest{}, err
	}
	l.logger.InfoContext(ctx, "device change request decided",
		slog.String("request_id", requestID.String()),
		logging.StudentID(decided.StudentID),
		slog.String("decision", string(decision)))
	return decided, nil
}

func (l *Ledger) ListDeviceChangeRequests(ctx context.Context, status RequestStatus, limit int) ([]DeviceChangeRequest, error) {
	if status != "" && status != RequestPending && status != RequestApproved && status != RequestRejected {
		return nil, newError(KindValidation, CodeInvalidDecision)
	}
	var out []DeviceChangeRequest
	err := l.read(ctx, func(ctx context.Context) error {
		var err error
		out, err = l.store.ListDeviceChangeRequests(ctx, status, clampLimit(limit, 200))
		return err
	})
	return out, err
}

func (o options) logInvariant(ctx context.Context, err error) {
	if KindOf(err) == KindInvariant {
		o.logger.ErrorContext(ctx, "invariant violation", logging.Error(err))
	}
}

func clampLimit(limit, ceiling int) int {
	if limit <= 0 || limit > ceiling {
		return ceiling
	}
	return limit
}
