package engine

import (
	"errors"
	"fmt"

	"github.com/keyleu/secure-messaging/internal/engine/storage"
)

// Kind classifies a failure so that callers can react to it without
// knowing the concrete error.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindUnauthorized Kind = "unauthorized"
	KindProtocol     Kind = "protocol"
	KindInternal     Kind = "internal"
)

// Error is a typed failure reported to the immediate caller. Two errors
// match under errors.Is when their codes are equal, so declared values can
// be used as sentinels even after WithDetails or Wrap.
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	cause   error
}

// NewError declares a typed error.
func NewError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func (e *Error) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// Is matches on Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetails returns a copy carrying a formatted detail string.
func (e *Error) WithDetails(format string, args ...interface{}) *Error {
	cp := *e
	cp.Details = fmt.Sprintf(format, args...)
	return &cp
}

// Wrap returns a copy that wraps err and reports it as detail.
func (e *Error) Wrap(err error) *Error {
	cp := *e
	cp.cause = err
	if cp.Details == "" && err != nil {
		cp.Details = err.Error()
	}
	return &cp
}

// KindOf reports the kind of err. Storage misses count as not-found; any
// other untyped error is internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, storage.ErrNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// CodeOf reports the code of err, or "internal" for untyped errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, storage.ErrNotFound) {
		return "not_found"
	}
	return "internal"
}

// Engine errors.
var (
	ErrUnknownContract   = NewError(KindNotFound, "unknown_contract", "no contract at address")
	ErrUnknownCode       = NewError(KindNotFound, "unknown_code", "no code with id")
	ErrInvalidAddress    = NewError(KindValidation, "invalid_address", "invalid address")
	ErrInvalidFunds      = NewError(KindValidation, "invalid_funds", "invalid funds")
	ErrInsufficientFunds = NewError(KindValidation, "insufficient_funds", "insufficient funds")
	ErrInvalidMessage    = NewError(KindValidation, "invalid_message", "invalid message")
	ErrUnknownMessage    = NewError(KindValidation, "unknown_message", "message must set exactly one variant")
	ErrNoReplyHandler    = NewError(KindProtocol, "no_reply_handler", "contract does not handle replies")
	ErrCallDepth         = NewError(KindProtocol, "call_depth", "maximum call depth exceeded")
	ErrUnsupportedMsg    = NewError(KindProtocol, "unsupported_msg", "unsupported message type")
	ErrGenesisApplied    = NewError(KindProtocol, "genesis_applied", "ledger already has state")
)
