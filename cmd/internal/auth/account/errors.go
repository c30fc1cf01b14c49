package account

import (
	"errors"
	"fmt"
)

// Kind classifies orchestrator failures.
type Kind int

const (
	KindUnexpected Kind = iota
	KindValidation
	KindUnauthorized
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "unexpected"
	}
}

// Error is the only error type returned by Service.
//
// Message is safe to show to end users. Fields carries per-field detail for
// KindValidation. Err is the underlying cause, kept for logs only.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Fields  map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindUnexpected for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnexpected
}

// User-facing messages. Credential and token failures never say why.
const (
	msgInvalidCredentials = "invalid credentials"
	msgSessionExpired     = "session expired"
	msgInvalidToken       = "invalid token"
	msgInvalidInput       = "invalid input"
	msgEmailTaken         = "email already registered"
	msgUserNotFound       = "user not found"
	msgInternal           = "internal error"
)

func validation(op string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Op: op, Message: msgInvalidInput, Fields: fields}
}

func unauthorized(op, msg string, cause error) *Error {
	return &Error{Kind: KindUnauthorized, Op: op, Message: msg, Err: cause}
}

func unexpected(op string, cause error) *Error {
	return &Error{Kind: KindUnexpected, Op: op, Message: msgInternal, Err: cause}
}
