// Package faults defines the error taxonomy shared across the core.
// Every error that crosses a component boundary carries a Kind so the
// HTTP adapter and the pipeline can classify it without string matching.
package faults

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and retry decisions.
type Kind int

const (
	// Internal is the zero value: an unclassified server-side fault.
	Internal Kind = iota
	// Validation marks bad caller input.
	Validation
	// NotFound marks a missing entity.
	NotFound
	// Conflict marks uniqueness or idempotency-token mismatches.
	Conflict
	// Integrity marks a fatal invariant violation. Never retried.
	Integrity
	// StorageIO marks a retriable storage fault.
	StorageIO
	// Indexing marks a retriable corpus-commit fault.
	Indexing
	// AnchorResolution marks a citation whose anchor could not be
	// re-located. Non-fatal to the request.
	AnchorResolution
	// Tokenization marks a per-request tokenizer failure.
	Tokenization
	// RateLimited marks a throttled caller.
	RateLimited
)

// String returns the wire name used in the error envelope.
func (k Kind) String() string {
	switch k {
	case Validation:
		return "ValidationError"
	case NotFound:
		return "NotFound"
	case Conflict:
		return "Conflict"
	case Integrity:
		return "IntegrityViolation"
	case StorageIO:
		return "StorageIO"
	case Indexing:
		return "IndexingFailure"
	case AnchorResolution:
		return "AnchorResolutionFailed"
	case Tokenization:
		return "TokenizationFailed"
	case RateLimited:
		return "RateLimited"
	default:
		return "Internal"
	}
}

// Retriable reports whether the caller may retry the failed operation.
func (k Kind) Retriable() bool {
	return k == StorageIO || k == Indexing || k == RateLimited
}

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause returns nil.
func Wrap(kind Kind, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors
// report Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// NotFoundf is shorthand for a NotFound error about a typed entity.
func NotFoundf(entity, id string) error {
	return New(NotFound, "%s %s not found", entity, id)
}
