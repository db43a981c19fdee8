// SPDX-License-Identifier: GPL-3.0-or-later

package comsrv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// ErrorKind partitions relay failures into the categories that drive
// handle lifecycle decisions.
//
// The kind decides what happens to the hardware handle:
//
//   - [KindTransport]: failure at the OS/hardware I/O layer. The actor
//     closes the handle; the next request re-opens it.
//   - [KindProtocol]: the remote peer misbehaved (malformed frame, Modbus
//     exception, CRC mismatch, read timeout on an otherwise healthy
//     handle). The handle stays open.
//   - [KindArgument]: the inputs were invalid before any I/O was
//     attempted. The handle is untouched.
//   - [KindInternal]: an invariant was violated inside the relay. The
//     actor closes the handle as for a transport fault. A driver panic is
//     answered with this kind, logged with a stack trace, and terminates
//     the actor, which is re-spawned on the next request; an Internal
//     error returned by a driver is logged without a stack trace and
//     leaves the actor running.
type ErrorKind int

const (
	// KindTransport marks a failure at the OS/hardware I/O layer.
	KindTransport = ErrorKind(iota)

	// KindProtocol marks a remote-peer-level semantic failure.
	KindProtocol

	// KindArgument marks an input validation failure.
	KindArgument

	// KindInternal marks an invariant violation inside the relay.
	KindInternal
)

// String returns the wire tag for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "Transport"
	case KindProtocol:
		return "Protocol"
	case KindArgument:
		return "Argument"
	default:
		return "Internal"
	}
}

// Surface errors that ride the Error response variant alongside the four
// kinds. They are plain sentinels so callers can use [errors.Is].
var (
	// ErrDisconnected means the target actor terminated before or while
	// processing the request.
	ErrDisconnected = errors.New("comsrv: instrument actor disconnected")

	// ErrTimeout means the dispatch-level deadline expired.
	ErrTimeout = errors.New("comsrv: request timed out")

	// ErrInvalidAddress means the address string did not parse.
	ErrInvalidAddress = errors.New("comsrv: invalid address")

	// ErrInvalidRequest means the request variant does not match the
	// transport kind of the addressed instrument.
	ErrInvalidRequest = errors.New("comsrv: request does not match instrument")

	// ErrNotSupported means the operation is not available on this
	// transport or platform.
	ErrNotSupported = errors.New("comsrv: operation not supported")

	// ErrLockedByOther means a non-expired lease held by another client
	// covers the addressed handle.
	ErrLockedByOther = errors.New("comsrv: instrument locked by another client")
)

// Error is the error type produced by drivers, actors, and the dispatcher.
//
// It carries the [ErrorKind] that drives close-or-keep decisions, the name
// of the failing operation, and the wrapped cause.
type Error struct {
	// Kind is the failure category.
	Kind ErrorKind

	// Op names the operation that failed (e.g. "serial open", "modbus read").
	Op string

	// Err is the wrapped cause. Never nil.
	Err error
}

var _ error = &Error{}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Err)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Transportf returns a new [KindTransport] error.
func Transportf(op, format string, args ...any) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: fmt.Errorf(format, args...)}
}

// Protocolf returns a new [KindProtocol] error.
func Protocolf(op, format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Op: op, Err: fmt.Errorf(format, args...)}
}

// Argumentf returns a new [KindArgument] error.
func Argumentf(op, format string, args ...any) *Error {
	return &Error{Kind: KindArgument, Op: op, Err: fmt.Errorf(format, args...)}
}

// Internalf returns a new [KindInternal] error.
func Internalf(op, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Op: op, Err: fmt.Errorf(format, args...)}
}

// WrapTransport wraps err as [KindTransport], preserving an existing
// [*Error] kind when err already carries one.
func WrapTransport(op string, err error) *Error {
	return wrapKind(KindTransport, op, err)
}

// WrapProtocol wraps err as [KindProtocol], preserving an existing
// [*Error] kind when err already carries one.
func WrapProtocol(op string, err error) *Error {
	return wrapKind(KindProtocol, op, err)
}

func wrapKind(kind ErrorKind, op string, err error) *Error {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		kind = relayErr.Kind
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the [ErrorKind] from err.
//
// Errors produced by this package carry their kind explicitly. For foreign
// errors we classify conservatively: anything that smells like the OS or
// the network ([net.Error], [os.SyscallError], [io.EOF], closed pipes and
// sockets) is [KindTransport]; everything else is [KindInternal], because
// an unclassified error reaching the actor is a relay bug.
func KindOf(err error) ErrorKind {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Kind
	}
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, os.ErrNotExist),
		errors.Is(err, os.ErrPermission):
		return KindTransport
	case isSyscallError(err):
		return KindTransport
	default:
		return KindInternal
	}
}

// isSyscallError reports whether err wraps an [*os.SyscallError].
func isSyscallError(err error) bool {
	var sysErr *os.SyscallError
	return errors.As(err, &sysErr)
}

// IsTransportFatal reports whether err requires closing the handle.
//
// Context cancellation counts as transport-fatal: a transaction abandoned
// mid-flight may leave bytes on the wire, and the only safe recovery is a
// fresh handle.
func IsTransportFatal(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return KindOf(err) == KindTransport || KindOf(err) == KindInternal
}

// ErrClassifier classifies errors into categorical strings for logging.
//
// Implementations map errors to short, descriptive labels (e.g.,
// "ETIMEDOUT", "ECONNRESET") that facilitate systematic analysis of relay
// logs.
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the [ErrClassifier] interface.
//
// This allows using simple functions as classifiers:
//
//	cfg.ErrClassifier = ErrClassifierFunc(errclass.New)
type ErrClassifierFunc func(error) string

var _ ErrClassifier = ErrClassifierFunc(nil)

// Classify implements [ErrClassifier].
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// DefaultErrClassifier is a no-op classifier that returns an empty string.
var DefaultErrClassifier = ErrClassifierFunc(func(error) string { return "" })
