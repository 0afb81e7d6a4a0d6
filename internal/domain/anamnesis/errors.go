package anamnesis

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	CodeNotFound           ErrorCode = "NOT_FOUND"
	CodeForbidden          ErrorCode = "FORBIDDEN"
	CodeValidation         ErrorCode = "VALIDATION_ERROR"
	CodeVersionConflict    ErrorCode = "VERSION_CONFLICT"
	CodeIntegrityViolation ErrorCode = "INTEGRITY_VIOLATION"
	CodeAlreadyExists      ErrorCode = "ALREADY_EXISTS"
	CodeInternal           ErrorCode = "INTERNAL"
)

// Error is returned by every exported operation of this package. Message is
// safe to show to callers; Err is for logs only.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so callers can write
// errors.Is(err, ErrVersionConflict).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrNotFound           = &Error{Code: CodeNotFound, Message: "not found"}
	ErrForbidden          = &Error{Code: CodeForbidden, Message: "forbidden"}
	ErrValidation         = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrVersionConflict    = &Error{Code: CodeVersionConflict, Message: "version conflict"}
	ErrIntegrityViolation = &Error{Code: CodeIntegrityViolation, Message: "integrity violation"}
	ErrAlreadyExists      = &Error{Code: CodeAlreadyExists, Message: "already exists"}
)

func notFound(what string) error {
	return &Error{Code: CodeNotFound, Message: what + " not found"}
}

func forbidden(msg string) error {
	return &Error{Code: CodeForbidden, Message: msg}
}

func validation(format string, args ...interface{}) error {
	return &Error{Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

func versionConflict(expected, actual int) error {
	return &Error{
		Code:    CodeVersionConflict,
		Message: fmt.Sprintf("record is at version %d, expected %d; re-read and retry", actual, expected),
	}
}

func integrityViolation(version int) error {
	return &Error{
		Code:    CodeIntegrityViolation,
		Message: fmt.Sprintf("version %d failed integrity verification", version),
	}
}

func alreadyExists(msg string) error {
	return &Error{Code: CodeAlreadyExists, Message: msg}
}

// internal wraps a storage failure. The cause never reaches the caller.
func internal(op string, err error) error {
	var de *Error
	if errors.As(err, &de) {
		return err
	}
	return &Error{Code: CodeInternal, Message: "internal error", Err: fmt.Errorf("%s: %w", op, err)}
}

// HTTPStatus maps an error code to its response status.
func HTTPStatus(err error) int {
	var de *Error
	if !errors.As(err, &de) {
		return http.StatusInternalServerError
	}
	switch de.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeValidation:
		return http.StatusBadRequest
	case CodeVersionConflict, CodeAlreadyExists:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
