// Package gpuerr defines the error taxonomy shared by every component of
// the resource manager. Errors carry a stable Code so callers can branch
// with errors.Is instead of string matching.
package gpuerr

import "fmt"

// Code identifies a class of failure. Codes are stable across releases.
type Code string

const (
	CodeInvalidState    Code = "invalid-state"
	CodeInvalidArgument Code = "invalid-argument"
	CodeAllocFailed     Code = "alloc-failed"
	CodeCleanupFailed   Code = "cleanup-failed"
	CodeGPUNotConfigured Code = "gpu-not-configured"
	CodeCloseFailed     Code = "close-failed"
	CodeResourceLimit   Code = "resource-limit-exceeded"
)

// Error is the concrete error type returned by this module. It wraps an
// optional cause and is comparable via errors.Is against any *Error with
// the same Code, such as one built by the constructors below.
type Error struct {
	Code    Code
	Op      string
	Message string
	Cause   error
	// Causes holds the full set of aggregated errors for CodeCloseFailed;
	// Cause is Causes[0] for plain errors.Unwrap compatibility.
	Causes []error
}

func (e *Error) Error() string {
	if len(e.Causes) > 1 {
		return fmt.Sprintf("%s: %s: %s (%d causes, first: %v)", e.Op, e.Code, e.Message, len(e.Causes), e.Causes[0])
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target shares this error's Code, so that
// errors.Is(err, gpuerr.InvalidState("", "")) matches any invalid-state
// error regardless of op/message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func newErr(code Code, op, msg string, cause error) *Error {
	return &Error{Code: code, Op: op, Message: msg, Cause: cause}
}

func InvalidState(op, msg string) *Error           { return newErr(CodeInvalidState, op, msg, nil) }
func InvalidArgument(op, msg string) *Error        { return newErr(CodeInvalidArgument, op, msg, nil) }
func AllocFailed(op string, cause error) *Error    { return newErr(CodeAllocFailed, op, "allocation rejected", cause) }
func CleanupFailed(op string, cause error) *Error  { return newErr(CodeCleanupFailed, op, "cleanup callback failed", cause) }
func GPUNotConfigured(op string) *Error            { return newErr(CodeGPUNotConfigured, op, "no GPU context/queue configured", nil) }

// ResourceLimitExceeded reports that admitting one more handle would cross
// config.MaxResourceCount, the absolute cap on active handles from spec §3.
func ResourceLimitExceeded(op string, limit int) *Error {
	return newErr(CodeResourceLimit, op, fmt.Sprintf("active handle count would exceed max_resource_count=%d", limit), nil)
}

// CloseFailed aggregates multiple causes encountered while closing a
// composite in reverse order.
func CloseFailed(op string, causes []error) *Error {
	if len(causes) == 0 {
		return nil
	}
	msg := fmt.Sprintf("%d error(s) while closing", len(causes))
	e := newErr(CodeCloseFailed, op, msg, causes[0])
	e.Causes = causes
	return e
}
