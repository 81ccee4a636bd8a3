// Package apperr defines the error taxonomy shared by the relay engine.
//
// Every error the engine returns to a caller can be classified into one
// Kind. Sentinel errors are declared per package with New and compared with
// errors.Is as usual; KindOf walks the wrap chain to find the classification.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and the RPC layer.
type Kind string

const (
	KindUnknown    Kind = ""
	KindValidation Kind = "validation" // malformed or missing input, rejected before any mutation
	KindNotFound   Kind = "not_found"  // unknown swap, order or lock
	KindProtocol   Kind = "protocol"   // invalid preimage, consumed fragment, overfill
	KindChain      Kind = "chain"      // adapter call failed or timed out
	KindCapacity   Kind = "capacity"   // quota or queue exceeded
)

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified sentinel error.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies err under kind, recording the failed operation.
// Wrap returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Chain wraps an adapter failure.
func Chain(op string, err error) error { return Wrap(KindChain, op, err) }

// Validationf builds a validation error from a format string.
func Validationf(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Protocolf builds a protocol error from a format string.
func Protocolf(format string, args ...interface{}) error {
	return &Error{Kind: KindProtocol, Msg: fmt.Sprintf(format, args...)}
}

// KindOf returns the outermost classification found in err's chain.
func KindOf(err error) Kind {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return KindUnknown
		}
		if e.Kind != KindUnknown {
			return e.Kind
		}
		err = e.Err
	}
	return KindUnknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
