// Package apperr defines the typed error taxonomy shared by the queue,
// logging, dispatcher and API layers so the HTTP edge can map a business
// failure to a status code without string-matching error text.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a business error for the HTTP edge (see spec §7).
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindNotCancellable Kind = "not_cancellable"
	KindNotRetryable   Kind = "not_retryable"
	KindInternal       Kind = "internal"
)

// Error is a typed business error. It never wraps a CarrierError directly;
// the dispatcher classifies carrier failures itself (see carrier package).
type Error struct {
	Kind    Kind
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

func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func NotCancellable(format string, args ...any) error {
	return &Error{Kind: KindNotCancellable, Message: fmt.Sprintf(format, args...)}
}

func NotRetryable(format string, args ...any) error {
	return &Error{Kind: KindNotRetryable, Message: fmt.Sprintf(format, args...)}
}

func Internal(message string, err error) error {
	return &Error{Kind: KindInternal, Message: message, Err: err}
}

// As extracts the Kind of err, defaulting to KindInternal for untyped errors.
func As(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
