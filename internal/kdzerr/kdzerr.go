// Package kdzerr defines the error taxonomy shared across kdzflash's
// components, so a top-level driver can map a failure to an exit code
// without string-matching.
package kdzerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. See spec §7.
type Kind int

const (
	// Io indicates a system call failed (read/write/ioctl/mmap/mount).
	Io Kind = iota
	// Format indicates a binary structure failed magic, size, or
	// CRC/MD5 validation.
	Format
	// NotApplicable indicates the archive does not match the device
	// with the required strictness.
	NotApplicable
	// Geometry indicates partition-table invariants were violated.
	Geometry
	// BusyMount indicates a target slice is currently mounted.
	BusyMount
	// Aborted indicates the user declined a destructive confirmation.
	Aborted
	// Internal indicates a logic or sanity violation.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Io:
		return "io"
	case Format:
		return "format"
	case NotApplicable:
		return "not-applicable"
	case Geometry:
		return "geometry"
	case BusyMount:
		return "busy-mount"
	case Aborted:
		return "aborted"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by kdzflash's internal
// packages. Component and Slice are best-effort context for the
// top-level driver's failure message; they may be empty.
type Error struct {
	Kind      Kind
	Component string
	Slice     string
	Err       error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Component != "" {
		msg = e.Component + ": " + msg
	}
	if e.Slice != "" {
		msg += " (slice " + e.Slice + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given kind and component tag.
func New(kind Kind, component string, err error) error {
	return &Error{Kind: kind, Component: component, Err: err}
}

// WithSlice is like New but also tags the failing slice name.
func WithSlice(kind Kind, component, slice string, err error) error {
	return &Error{Kind: kind, Component: component, Slice: slice, Err: err}
}

// Of reports the Kind of err if it (or something it wraps) is a
// *Error, and ok=false otherwise.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return Internal, false
}

// Is reports whether err's kind (following wrapping) equals kind.
func Is(err error, kind Kind) bool {
	k, ok := Of(err)
	return ok && k == kind
}

// ExitCode maps err to the process exit code described in spec §6.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if Is(err, NotApplicable) {
		return 8
	}
	return 1
}

// Errorf is a convenience constructor mirroring fmt.Errorf: like New,
// but the cause is built from a format string instead of passed in.
func Errorf(kind Kind, component, format string, args ...any) error {
	return New(kind, component, fmt.Errorf(format, args...))
}
