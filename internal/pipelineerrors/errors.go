// Copyright 2025 James Ross
// Package pipelineerrors defines the closed set of error kinds the
// coordinator and workers branch on, per the error handling design.
package pipelineerrors

import (
	"errors"
	"fmt"
)

// Kind identifies which of the eight error categories a failure belongs to.
type Kind string

const (
	TransientNetwork   Kind = "transient_network"
	RateLimited        Kind = "rate_limited"
	ContentDrift       Kind = "content_drift"
	SchemaValidation   Kind = "schema_validation"
	PermanentJob       Kind = "permanent_job"
	DependencyMissing  Kind = "dependency_missing"
	InvalidTransition  Kind = "invalid_transition"
	ManifestInvalid    Kind = "manifest_invalid"
)

// Error wraps an underlying cause with a Kind so callers can branch with
// errors.As instead of string-matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, pipelineerrors.ErrTransientNetwork) work by
// comparing Kind whenever the target is an *Error; the target's Op and
// wrapped cause are not compared.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// New constructs an Error of the given kind, wrapping cause (which may be nil).
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Sentinel bare-kind values for errors.Is comparisons, e.g.
// errors.Is(err, pipelineerrors.ErrContentDrift).
var (
	ErrTransientNetwork  = &Error{Kind: TransientNetwork}
	ErrRateLimited       = &Error{Kind: RateLimited}
	ErrContentDrift      = &Error{Kind: ContentDrift}
	ErrSchemaValidation  = &Error{Kind: SchemaValidation}
	ErrPermanentJob      = &Error{Kind: PermanentJob}
	ErrDependencyMissing = &Error{Kind: DependencyMissing}
	ErrInvalidTransition = &Error{Kind: InvalidTransition}
	ErrManifestInvalid   = &Error{Kind: ManifestInvalid}
)

// KindOf extracts the Kind from err if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Retryable reports whether a job carrying this error kind should be
// retried with backoff rather than dead-lettered immediately.
func Retryable(k Kind) bool {
	switch k {
	case TransientNetwork, RateLimited:
		return true
	default:
		return false
	}
}
