// Package apperr classifies settlement failures into a small set of kinds.
//
// Every domain error is a coded *Error whose kind is one of the package
// sentinels, so callers can branch on either the specific error or its kind:
//
//	errors.Is(err, charge.ErrRefundExceedsCharge) // specific
//	errors.Is(err, apperr.ErrValidation)          // kind
package apperr

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	ErrValidation          = errors.New("validation_error")
	ErrInvalidTransition   = errors.New("invalid_transition")
	ErrConcurrencyConflict = errors.New("concurrency_conflict")
	ErrExternalProcessor   = errors.New("external_processor_error")
	ErrInvariantViolation  = errors.New("invariant_violation")
	ErrNotFound            = errors.New("not_found")
)

var kinds = []error{
	ErrValidation,
	ErrInvalidTransition,
	ErrConcurrencyConflict,
	ErrExternalProcessor,
	ErrInvariantViolation,
	ErrNotFound,
}

// ErrEntityHalted is returned by automated paths that touch an entity halted
// after an invariant violation. Halted entities need manual reconciliation.
var ErrEntityHalted = Define(ErrInvariantViolation, "entity_halted", "processing is halted pending manual reconciliation")

// Error is a coded domain error belonging to one kind.
type Error struct {
	kind   error
	code   string
	reason string
}

// Define declares a coded error of the given kind.
func Define(kind error, code, reason string) *Error {
	return &Error{kind: kind, code: code, reason: reason}
}

func (e *Error) Error() string { return e.code }

func (e *Error) Unwrap() error { return e.kind }

// Code returns the snake_case error code.
func (e *Error) Code() string { return e.code }

// Reason returns the human-readable message.
func (e *Error) Reason() string { return e.reason }

// Kind returns the kind sentinel.
func (e *Error) Kind() error { return e.kind }

// Reason returns a human-readable message for err.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.reason
	}
	var external *ProcessorError
	if errors.As(err, &external) {
		if external.Message != "" {
			return external.Message
		}
		return "payment processor request failed"
	}
	return "internal error"
}

// KindOf returns the kind sentinel err belongs to, or nil when unclassified.
func KindOf(err error) error {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// ProcessorError records a failed call to the external payment processor.
type ProcessorError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

// External wraps err as an external processor failure for op.
func External(op, code, message string, err error) error {
	return &ProcessorError{Op: op, Code: code, Message: message, Err: err}
}

func (e *ProcessorError) Error() string {
	msg := e.Op + ": " + ErrExternalProcessor.Error()
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// Is reports every processor error as ErrExternalProcessor.
func (e *ProcessorError) Is(target error) bool { return target == ErrExternalProcessor }

// FailureCode returns the processor failure code carried by err, if any.
func FailureCode(err error) string {
	var external *ProcessorError
	if errors.As(err, &external) {
		if external.Code != "" {
			return external.Code
		}
		return "processor_error"
	}
	return ""
}
