// Package apperr defines the error kinds shared by the registry, loader, queue
// and artifact store. Callers classify errors with the Is* helpers rather than
// comparing messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and HTTP mapping.
type Kind string

const (
	KindValidation         Kind = "validation_error"
	KindNotFound           Kind = "not_found"
	KindLoad               Kind = "load_error"
	KindDownload           Kind = "download_error"
	KindIncompatibleDevice Kind = "incompatible_device"
	KindOutOfMemory        Kind = "out_of_memory"
	KindInUse              Kind = "in_use"
	KindCanceled           Kind = "canceled"
	KindInternal           Kind = "internal"
)

// Error is a classified error. Op names the operation that failed and ID the
// subject (model id, job id, artifact key) when there is one.
type Error struct {
	Kind Kind
	Op   string
	ID   string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ID != "" {
		msg += " " + e.ID
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error of the given kind with a formatted detail message.
func New(kind Kind, op, id, format string, args ...any) error {
	var inner error
	if format != "" {
		inner = fmt.Errorf(format, args...)
	}
	return &Error{Kind: kind, Op: op, ID: id, Err: inner}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op, id string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

func Validation(op, format string, args ...any) error {
	return New(KindValidation, op, "", format, args...)
}

func NotFound(op, id string) error { return &Error{Kind: KindNotFound, Op: op, ID: id} }

func InUse(op, id, format string, args ...any) error {
	return New(KindInUse, op, id, format, args...)
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

func IsValidation(err error) bool         { return Is(err, KindValidation) }
func IsNotFound(err error) bool           { return Is(err, KindNotFound) }
func IsLoad(err error) bool               { return Is(err, KindLoad) }
func IsDownload(err error) bool           { return Is(err, KindDownload) }
func IsIncompatibleDevice(err error) bool { return Is(err, KindIncompatibleDevice) }
func IsOutOfMemory(err error) bool        { return Is(err, KindOutOfMemory) }
func IsInUse(err error) bool              { return Is(err, KindInUse) }
func IsCanceled(err error) bool           { return Is(err, KindCanceled) }
