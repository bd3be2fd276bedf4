// Package domainerrors carries coded errors across service boundaries.
//
// Stores return sentinel errors (pkg/platform/sentinel); services translate
// them into a *Error with a Code so transports can pick the user-facing
// response without string matching.
package domainerrors

import (
	"errors"
	"fmt"
)

// Code classifies a domain error.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeInvalidInput       Code = "invalid_input"
	CodeValidation         Code = "validation_error"
	CodeInvariantViolation Code = "invariant_violation"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodeForbidden          Code = "forbidden"
	CodeInternal           Code = "internal_error"

	// Verification flow outcomes.
	CodeExpired             Code = "expired"
	CodeAlreadyUsed         Code = "already_used"
	CodeAlreadyStarting     Code = "already_starting"
	CodeTerminal            Code = "terminal"
	CodeGatesUnsatisfied    Code = "gates_unsatisfied"
	CodeWrongAnswer         Code = "wrong_answer"
	CodeTooManyAttempts     Code = "too_many_attempts"
	CodeExternalUnavailable Code = "external_unavailable"
	CodePermissionDenied    Code = "permission_denied"
)

// Error is a coded domain error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a coded error.
func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the outermost code in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Code == code
	}
	return false
}
