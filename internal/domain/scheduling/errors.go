package scheduling

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures. The HTTP boundary maps each kind to a
// status code.
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation"
	KindPolicyViolation     ErrorKind = "policy_violation"
	KindConflict            ErrorKind = "conflict"
	KindForbiddenTransition ErrorKind = "forbidden_transition"
	KindNotFound            ErrorKind = "not_found"
	KindUnavailable         ErrorKind = "unavailable"
)

// Error is the typed error returned by every engine operation.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches errors of the same code so that wrapped instances with a custom
// message still compare equal to the sentinels below.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Retryable reports whether the caller may retry the same request.
func (e *Error) Retryable() bool {
	return e.Kind == KindConflict || e.Kind == KindUnavailable
}

var (
	ErrInvalidInput        = &Error{Kind: KindValidation, Code: "invalid_input", Message: "invalid input"}
	ErrUnknownType         = &Error{Kind: KindValidation, Code: "unknown_type", Message: "unknown appointment type"}
	ErrOutOfWindow         = &Error{Kind: KindPolicyViolation, Code: "out_of_window", Message: "requested time is outside the booking window"}
	ErrNotAllowedType      = &Error{Kind: KindPolicyViolation, Code: "not_allowed_type", Message: "appointment type cannot be booked online"}
	ErrDoctorInactive      = &Error{Kind: KindPolicyViolation, Code: "doctor_inactive", Message: "doctor is not accepting appointments"}
	ErrBookingDisabled     = &Error{Kind: KindPolicyViolation, Code: "booking_disabled", Message: "online booking is disabled"}
	ErrTooLateToCancel     = &Error{Kind: KindPolicyViolation, Code: "too_late_to_cancel", Message: "appointment can no longer be cancelled online"}
	ErrSlotConflict        = &Error{Kind: KindConflict, Code: "slot_conflict", Message: "doctor already has an appointment at that time"}
	ErrSameDayDuplicate    = &Error{Kind: KindConflict, Code: "same_day_duplicate", Message: "patient already has an appointment with this doctor on that day"}
	ErrStaleState          = &Error{Kind: KindConflict, Code: "stale_state", Message: "appointment was modified concurrently"}
	ErrForbiddenTransition = &Error{Kind: KindForbiddenTransition, Code: "forbidden_transition", Message: "status transition not allowed"}
	ErrNotFound            = &Error{Kind: KindNotFound, Code: "not_found", Message: "appointment not found"}
	ErrUnavailable         = &Error{Kind: KindUnavailable, Code: "unavailable", Message: "storage temporarily unavailable"}
)

// newError derives an error from a sentinel with a specific message.
func newError(sentinel *Error, format string, args ...any) *Error {
	return &Error{
		Kind:    sentinel.Kind,
		Code:    sentinel.Code,
		Message: fmt.Sprintf(format, args...),
	}
}

// wrapError derives an error from a sentinel that carries an underlying cause.
func wrapError(sentinel *Error, err error) *Error {
	return &Error{
		Kind:    sentinel.Kind,
		Code:    sentinel.Code,
		Message: sentinel.Message,
		Err:     err,
	}
}

// AsError extracts the engine error from err, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable reports whether err is an engine error the caller may retry.
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	return ok && e.Retryable()
}
