package model

import (
	"errors"

	"github.com/atmx/cdp-engine/internal/fixed"
)

// ErrorKind classifies failures. Every failure aborts the whole operation;
// the kind only tells the caller what went wrong.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindInvariant: ceiling exceeded, unsafe position, dust, null auction...
	KindInvariant
	// KindAuthorization: caller not authorised or not allowed.
	KindAuthorization
	// KindSequencing: call made out of the required order (not live,
	// already initialised, wait not finished...).
	KindSequencing
	// KindArithmetic: overflow, underflow or sign overflow.
	KindArithmetic
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvariant:
		return "invariant_violation"
	case KindAuthorization:
		return "authorization_failure"
	case KindSequencing:
		return "state_sequencing_error"
	case KindArithmetic:
		return "arithmetic_failure"
	default:
		return "unknown"
	}
}

// Error is a named, classified failure.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Invariant creates an invariant-violation error.
func Invariant(msg string) *Error { return &Error{Kind: KindInvariant, Msg: msg} }

// Unauthorized creates an authorization-failure error.
func Unauthorized(msg string) *Error { return &Error{Kind: KindAuthorization, Msg: msg} }

// Sequencing creates a state-sequencing error.
func Sequencing(msg string) *Error { return &Error{Kind: KindSequencing, Msg: msg} }

// Arithmetic creates an arithmetic-failure error.
func Arithmetic(msg string) *Error { return &Error{Kind: KindArithmetic, Msg: msg} }

// KindOf classifies err.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, fixed.ErrOverflow),
		errors.Is(err, fixed.ErrUnderflow),
		errors.Is(err, fixed.ErrSignOverflow),
		errors.Is(err, fixed.ErrDivisionByZero):
		return KindArithmetic
	}
	return KindUnknown
}
