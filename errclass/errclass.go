// Package errclass gives every error raised by the leech core one of five
// value-typed classifications, so callers can dispatch on policy
// (disconnect, retry, refuse-to-start) without inspecting error strings.
package errclass

import (
	"errors"
	"fmt"
)

// Class is the taxonomy discriminant. The zero value is never used by a
// constructed error.
type Class int

const (
	// Transient covers per-peer faults that only affect that connection:
	// socket timeouts, short reads, an empty block, an unrecognized message.
	Transient Class = iota + 1
	// DataIntegrity covers a completed piece whose SHA-1 does not match.
	DataIntegrity
	// Protocol covers info-hash mismatches, malformed frames, and frames
	// exceeding the sanity length cap.
	Protocol
	// Storage covers on-disk write/read failures.
	Storage
	// FatalConfig covers torrent descriptors or environments the client
	// must refuse to start with: bad piece hashes, unreadable directories.
	FatalConfig
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case DataIntegrity:
		return "data_integrity"
	case Protocol:
		return "protocol"
	case Storage:
		return "storage"
	case FatalConfig:
		return "fatal_config"
	default:
		return "unknown"
	}
}

// Error is a classified error value. It wraps an underlying cause so
// errors.Is/errors.As still see through to it.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Class, e.Op, e.Err)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs a classified error.
func New(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// Transientf constructs a Transient-classified error.
func Transientf(op string, format string, args ...interface{}) *Error {
	return New(Transient, op, fmt.Errorf(format, args...))
}

// DataIntegrityf constructs a DataIntegrity-classified error.
func DataIntegrityf(op string, format string, args ...interface{}) *Error {
	return New(DataIntegrity, op, fmt.Errorf(format, args...))
}

// Protocolf constructs a Protocol-classified error.
func Protocolf(op string, format string, args ...interface{}) *Error {
	return New(Protocol, op, fmt.Errorf(format, args...))
}

// Storagef constructs a Storage-classified error.
func Storagef(op string, format string, args ...interface{}) *Error {
	return New(Storage, op, fmt.Errorf(format, args...))
}

// FatalConfigf constructs a FatalConfig-classified error.
func FatalConfigf(op string, format string, args ...interface{}) *Error {
	return New(FatalConfig, op, fmt.Errorf(format, args...))
}

// Is reports whether err, or anything it wraps, was classified with the
// given Class.
func Is(err error, class Class) bool {
	var ce *Error
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Class == class
}
