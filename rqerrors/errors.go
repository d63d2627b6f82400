// Package rqerrors defines the stable error taxonomy used across the
// overlay tree, its collaborators, and the sync processor.
package rqerrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the error categories the overlay tree can report.
type Kind string

// The error kinds the system distinguishes. Propagation policy for each is
// described on the overlay tree and sync processor, not here.
const (
	NotFound      Kind = "not_found"      // a name does not exist where required
	AlreadyExists Kind = "already_exists" // create would overwrite
	NotEmpty      Kind = "not_empty"      // directory delete refused
	Conflict      Kind = "conflict"       // orphaned local state cannot be safely reconciled
	Io            Kind = "io"             // lower-level filesystem failure
	Remote        Kind = "remote"         // HTTP failure against R
	Queue         Kind = "queue"          // durable-queue failure
)

// rqError carries a Kind alongside the wrapped cause so callers can
// dispatch on Is() without string-matching messages.
type rqError struct {
	kind   Kind
	status int // HTTP status, only meaningful for Remote
	cause  error
}

func (e *rqError) Error() string {
	if e.status != 0 {
		return fmt.Sprintf("%s: %v (status %d)", e.kind, e.cause, e.status)
	}
	return fmt.Sprintf("%s: %v", e.kind, e.cause)
}

func (e *rqError) Unwrap() error { return e.cause }

// New creates an error of the given kind from a message.
func New(kind Kind, msg string) error {
	return &rqError{kind: kind, cause: errors.New(msg)}
}

// Newf creates an error of the given kind from a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &rqError{kind: kind, cause: errors.Errorf(format, args...)}
}

// Wrap annotates err with a message and tags it with kind. Returns nil if
// err is nil, matching pkg/errors.Wrap's convention.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &rqError{kind: kind, cause: errors.Wrap(err, msg)}
}

// WrapRemote annotates err with the HTTP status that produced it.
func WrapRemote(err error, status int, msg string) error {
	if err == nil {
		return nil
	}
	return &rqError{kind: Remote, status: status, cause: errors.Wrap(err, msg)}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *rqError
	for err != nil {
		if rq, ok := err.(*rqError); ok {
			e = rq
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return e != nil && e.kind == kind
}

// KindOf returns the Kind carried by err, or "" if err doesn't carry one.
func KindOf(err error) Kind {
	var e *rqError
	for err != nil {
		if rq, ok := err.(*rqError); ok {
			e = rq
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return ""
	}
	return e.kind
}

// StatusOf returns the HTTP status carried by a Remote error, or 0.
func StatusOf(err error) int {
	var e *rqError
	for err != nil {
		if rq, ok := err.(*rqError); ok {
			e = rq
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return 0
	}
	return e.status
}
