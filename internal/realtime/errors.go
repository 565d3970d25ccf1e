package realtime

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Code classifies errors reported to clients.
type Code string

const (
	CodeValidation  Code = "VALIDATION_ERROR"
	CodeNotFound    Code = "NOT_FOUND"
	CodeForbidden   Code = "FORBIDDEN"
	CodeRateLimited Code = "RATE_LIMITED"
	CodeInternal    Code = "INTERNAL"
)

// Error is an event-scoped failure. Internal errors keep the cause for logs
// but only expose a generic message.
type Error struct {
	Code       Code
	Message    string
	TempID     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) payload(event string) ErrorPayload {
	p := ErrorPayload{Code: e.Code, Message: e.Message, Event: event, TempID: e.TempID}
	if e.RetryAfter > 0 {
		p.RetryAfter = int(math.Ceil(e.RetryAfter.Seconds()))
	}
	return p
}

func validationError(msg string) *Error { return &Error{Code: CodeValidation, Message: msg} }
func notFound(msg string) *Error        { return &Error{Code: CodeNotFound, Message: msg} }
func forbidden(msg string) *Error       { return &Error{Code: CodeForbidden, Message: msg} }

func internalError(op string, err error) *Error {
	return &Error{Code: CodeInternal, Message: "failed to " + op, Err: err}
}

// AsError returns err as an *Error, treating unknown errors as internal.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return internalError("process request", err)
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}
