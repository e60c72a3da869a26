// Package apperr defines the orchestrator's error taxonomy. Every user-visible failure
// carries a machine-readable reason code alongside a human message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Reason is a stable machine-readable failure code. Clients switch on it.
type Reason string

const (
	ReasonLockUnavailable   Reason = "lock_unavailable"
	ReasonInvalidTransition Reason = "invalid_transition"
	ReasonCapacity          Reason = "capacity"
	ReasonVideoProviderDown Reason = "video_provider_unavailable"
	ReasonUnauthorized      Reason = "unauthorized"
	ReasonForbidden         Reason = "forbidden"
	ReasonTokenExpired      Reason = "token_expired"
	ReasonTokenUsed         Reason = "token_used"
	ReasonTokenNotFound     Reason = "token_not_found"
	ReasonNotFound          Reason = "not_found"
	ReasonInvalidInput      Reason = "invalid_input"
	ReasonConflict          Reason = "already_claimed"
	ReasonInternal          Reason = "internal"
)

// Error is a classified error. Two Errors match under errors.Is when their reasons match.
type Error struct {
	Reason  Reason
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

// Is reports whether target is an *Error with the same reason.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Reason == e.Reason
}

// New returns a classified error.
func New(reason Reason, message string) *Error {
	return &Error{Reason: reason, Message: message}
}

var (
	ErrLockUnavailable          = New(ReasonLockUnavailable, "session busy, retry shortly")
	ErrInvalidTransition        = New(ReasonInvalidTransition, "state transition not allowed")
	ErrCapacityExceeded         = New(ReasonCapacity, "system busy, try again later")
	ErrVideoProviderUnavailable = New(ReasonVideoProviderDown, "video provider unavailable")
	ErrUnauthorized             = New(ReasonUnauthorized, "not authorized")
	ErrForbidden                = New(ReasonForbidden, "not a party to this session")
	ErrTokenExpired             = New(ReasonTokenExpired, "join link expired")
	ErrTokenUsed                = New(ReasonTokenUsed, "join link already used")
	ErrTokenNotFound            = New(ReasonTokenNotFound, "join link not recognised")
	ErrNotFound                 = New(ReasonNotFound, "not found")
	ErrInvalidInput             = New(ReasonInvalidInput, "invalid input")
	ErrAlreadyClaimed           = New(ReasonConflict, "already claimed by another user")
)

// Wrap classifies err under kind's reason with a more specific message.
func Wrap(kind *Error, err error, message string) error {
	if message == "" {
		message = kind.Message
	}
	return &Error{Reason: kind.Reason, Message: message, Err: err}
}

// Invalid returns an invalid-input error with the given message.
func Invalid(format string, args ...any) error {
	return &Error{Reason: ReasonInvalidInput, Message: fmt.Sprintf(format, args...)}
}

// ReasonOf returns the reason code of err, or ReasonInternal if unclassified.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ReasonInternal
}

// MessageOf returns a message safe to show a user. Unclassified errors never leak detail.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

// StatusOf maps err to an HTTP status code.
func StatusOf(err error) int {
	switch ReasonOf(err) {
	case ReasonInvalidInput:
		return http.StatusBadRequest
	case ReasonUnauthorized:
		return http.StatusUnauthorized
	case ReasonForbidden:
		return http.StatusForbidden
	case ReasonNotFound, ReasonTokenNotFound:
		return http.StatusNotFound
	case ReasonLockUnavailable, ReasonInvalidTransition, ReasonConflict:
		return http.StatusConflict
	case ReasonTokenExpired, ReasonTokenUsed:
		return http.StatusGone
	case ReasonCapacity, ReasonVideoProviderDown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
