package attendance

import (
	"errors"
	"time"
)

// Store sentinels. Implementations wrap their driver errors with these.
var (
	ErrNotFound    = errors.New("attendance: not found")
	ErrDuplicate   = errors.New("attendance: duplicate")
	ErrUnavailable = errors.New("attendance: store unavailable")
)

type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuthorization
	KindNotFound
	KindConflict
	KindIntegrity
	KindLocked
	KindTransient
	KindInvariant
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindIntegrity:
		return "integrity"
	case KindLocked:
		return "locked"
	case KindTransient:
		return "transient"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

const (
	CodeMissingFields               = "missing_fields"
	CodeInvalidCoordinates          = "invalid_coordinates"
	CodeInvalidRadius               = "invalid_radius"
	CodeInvalidQRFormat             = "invalid_qr_format"
	CodeSignatureMismatch           = "signature_mismatch"
	CodeQRExpired                   = "qr_expired"
	CodeSessionNotActive            = "session_not_active"
	CodeSessionExpired              = "session_expired"
	CodeOutsideGeofence             = "outside_geofence"
	CodeDeviceMismatch              = "device_mismatch"
	CodeNotEnrolled                 = "not_enrolled"
	CodeAlreadyMarked               = "already_marked"
	CodeSessionNotFound             = "session_not_found"
	CodeSessionNotFoundOrNotAllowed = "session_not_found_or_unauthorized"
	CodeClassNotFound               = "class_not_found"
	CodeClassNotOwned               = "class_not_owned"
	CodeStudentNotFound             = "student_not_found"
	CodeInvalidSessionCode          = "invalid_session_code"
	CodeTooManyAttempts             = "too_many_attempts"
	CodeSessionCodeUnavailable      = "session_code_unavailable"
	CodeReasonTooShort              = "reason_too_short"
	CodeDeviceRequestPending        = "device_request_pending"
	CodeRequestNotFoundOrProcessed  = "request_not_found_or_processed"
	CodeInvalidDecision             = "invalid_decision"
	CodeStoreUnavailable            = "store_unavailable"
	CodeInvariantViolation          = "invariant_violation"
)

// Error is a classified outcome. Code is safe to show to callers; Message
// is an optional human readable explanation that is equally safe. Err holds
// internal detail and must never reach a client.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, code string) *Error {
	return &Error{Kind: kind, Code: code}
}

func (e *Error) withMessage(msg string) *Error {
	e.Message = msg
	return e
}

func (e *Error) wrap(err error) *Error {
	e.Err = err
	return e
}

// KindOf returns the kind of a classified error, KindTransient for an
// unclassified store outage and KindUnknown otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, ErrUnavailable) {
		return KindTransient
	}
	return KindUnknown
}

// CodeOf returns the public code of err or "" if it is unclassified.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// classify turns leftover store sentinels into classified errors so that
// callers only see kinds.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, ErrUnavailable) {
		return newError(KindTransient, CodeStoreUnavailable).wrap(err)
	}
	return err
}

func invariant(msg string) *Error {
	return newError(KindInvariant, CodeInvariantViolation).wrap(errors.New(msg))
}
