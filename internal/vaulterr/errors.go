// Package vaulterr defines the failure kinds surfaced by the vault client.
package vaulterr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can react without parsing messages.
type Kind string

const (
	KindWalletUnavailable   Kind = "wallet_unavailable"
	KindUserRejected        Kind = "user_rejected"
	KindNetworkMismatch     Kind = "network_mismatch"
	KindMisconfigured       Kind = "misconfigured"
	KindSubmissionRejected  Kind = "submission_rejected"
	KindTransactionReverted Kind = "transaction_reverted"
	KindQueryFailed         Kind = "query_failed"
	KindInvalidInput        Kind = "invalid_input"
	KindNotConnected        Kind = "not_connected"
	KindSessionInvalidated  Kind = "session_invalidated"
	KindActionBusy          Kind = "action_busy"
	KindConfirmationTimeout Kind = "confirmation_timeout"
)

var (
	ErrWalletUnavailable   = &Error{Kind: KindWalletUnavailable}
	ErrUserRejected        = &Error{Kind: KindUserRejected}
	ErrNetworkMismatch     = &Error{Kind: KindNetworkMismatch}
	ErrMisconfigured       = &Error{Kind: KindMisconfigured}
	ErrSubmissionRejected  = &Error{Kind: KindSubmissionRejected}
	ErrTransactionReverted = &Error{Kind: KindTransactionReverted}
	ErrQueryFailed         = &Error{Kind: KindQueryFailed}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput}
	ErrNotConnected        = &Error{Kind: KindNotConnected}
	ErrSessionInvalidated  = &Error{Kind: KindSessionInvalidated}
	ErrActionBusy          = &Error{Kind: KindActionBusy}
	ErrConfirmationTimeout = &Error{Kind: KindConfirmationTimeout}
)

// Error carries a kind, a human-readable message and an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the package sentinels work
// with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Message returns the text meant for a person, without the kind prefix.
func (e *Error) Message() string {
	if e.Msg != "" {
		return e.Msg
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Message returns the human-readable part of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
