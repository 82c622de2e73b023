// Package apperror is the error taxonomy shared by the chat core. Every
// error that crosses a package boundary toward a handler is either an
// *Error or wraps one, so handlers can map it to a status code.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeInternal           Code = "INTERNAL"
	CodeAccessDenied       Code = "ACCESS_DENIED"
	CodeNotFound           Code = "NOT_FOUND"
	CodeForbidden          Code = "FORBIDDEN"
	CodeValidationFailed   Code = "VALIDATION_FAILED"
	CodeInvalidState       Code = "INVALID_STATE"
	CodeInvalidParticipant Code = "INVALID_PARTICIPANT"
	CodeUpstream           Code = "UPSTREAM_UNAVAILABLE"
	CodeConflict           Code = "CONFLICT"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
)

type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error with the same code, so errors.Is(err, ErrNotFound)
// works for wrapped and freshly constructed errors alike.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Sentinels for errors.Is comparisons. Only the code is compared.
var (
	ErrAccessDenied       = New(CodeAccessDenied, "access denied")
	ErrNotFound           = New(CodeNotFound, "not found")
	ErrForbidden          = New(CodeForbidden, "forbidden")
	ErrValidation         = New(CodeValidationFailed, "validation failed")
	ErrInvalidState       = New(CodeInvalidState, "invalid state")
	ErrInvalidParticipant = New(CodeInvalidParticipant, "invalid participant")
	ErrUpstream           = New(CodeUpstream, "upstream unavailable")
	ErrConflict           = New(CodeConflict, "conflict")
)

func AccessDenied(msg string) error { return New(CodeAccessDenied, msg) }
func NotFound(msg string) error { return New(CodeNotFound, msg) }
func Forbidden(msg string) error { return New(CodeForbidden, msg) }
func Validation(msg string) error { return New(CodeValidationFailed, msg) }
func InvalidState(msg string) error { return New(CodeInvalidState, msg) }
func InvalidParticipant(msg string) error { return New(CodeInvalidParticipant, msg) }

func Upstream(msg string, cause error) error {
	return Wrap(CodeUpstream, msg, cause)
}

// CodeOf returns the code of the first *Error in err's chain, or
// CodeInternal when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the caller-facing message. Internal errors never leak
// their cause.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal server error"
}

func HTTPStatus(code Code) int {
	switch code {
	case CodeAccessDenied, CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidationFailed, CodeInvalidParticipant:
		return http.StatusBadRequest
	case CodeInvalidState, CodeConflict:
		return http.StatusConflict
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
