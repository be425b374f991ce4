package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Code identifies an error kind. It is sent to clients verbatim in error events.
type Code string

const (
	CodeSessionNotFound       Code = "SESSION_NOT_FOUND"
	CodeInvalidTransition     Code = "INVALID_TRANSITION"
	CodeDuplicateAnswer       Code = "DUPLICATE_ANSWER"
	CodeTooLate               Code = "TOO_LATE"
	CodeSessionAlreadyStarted Code = "SESSION_ALREADY_STARTED"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeInternal              Code = "INTERNAL"
)

var code2grpc = map[Code]codes.Code{
	CodeSessionNotFound:       codes.NotFound,
	CodeInvalidTransition:     codes.FailedPrecondition,
	CodeDuplicateAnswer:       codes.AlreadyExists,
	CodeTooLate:               codes.DeadlineExceeded,
	CodeSessionAlreadyStarted: codes.FailedPrecondition,
	CodeUnauthorized:          codes.PermissionDenied,
	CodeInvalidArgument:       codes.InvalidArgument,
	CodeInternal:              codes.Internal,
}

var code2http = map[Code]int{
	CodeSessionNotFound:       http.StatusNotFound,
	CodeInvalidTransition:     http.StatusConflict,
	CodeDuplicateAnswer:       http.StatusConflict,
	CodeTooLate:               http.StatusConflict,
	CodeSessionAlreadyStarted: http.StatusConflict,
	CodeUnauthorized:          http.StatusForbidden,
	CodeInvalidArgument:       http.StatusBadRequest,
	CodeInternal:              http.StatusInternalServerError,
}

var defaultMessages = map[Code]string{
	CodeSessionNotFound:       "session not found",
	CodeInvalidTransition:     "action not allowed in the current state",
	CodeDuplicateAnswer:       "already answered",
	CodeTooLate:               "answer submitted after the deadline",
	CodeSessionAlreadyStarted: "game already started",
	CodeUnauthorized:          "only the host can do this",
	CodeInvalidArgument:       "invalid argument",
	CodeInternal:              "internal error",
}

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: defaultMessages[code],
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %s, message: %s", e.Code, e.Message)
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is reports whether target is an *Error with the same code, so callers can write
// errors.Is(err, errors.New(errors.CodeTooLate)).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) GRPCStatus() *status.Status {
	c, ok := code2grpc[e.Code]
	if !ok {
		c = codes.Unknown
	}

	return status.New(c, e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

// CodeOf returns the code of err, or CodeInternal when err is not an *Error.
func CodeOf(err error) Code {
	return Convert(err).Code
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}
