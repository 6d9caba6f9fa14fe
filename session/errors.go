package session

import (
	"errors"
	"fmt"
	"net"

	"github.com/iselt/netsession/internal/queue"
	"github.com/iselt/netsession/transport"
)

var (
	ErrNoSocket        = errors.New("no socket is bound for the handle")
	ErrNoDefaultSocket = errors.New("no default socket is bound")
	ErrInvalidDelivery = errors.New("invalid delivery")
	ErrInvalidConfig   = errors.New("invalid socket configuration")
	ErrDuplicateSocket = errors.New("socket handle is already registered")
)

// NoSocketError reports an operation on a handle that is not registered.
type NoSocketError struct {
	Handle SocketHandle
}

func (e *NoSocketError) Error() string {
	return fmt.Sprintf("no socket is currently bound for the handle %s", e.Handle)
}

func (e *NoSocketError) Is(target error) bool { return target == ErrNoSocket }

// ErrorKind classifies an *Error.
type ErrorKind string

const (
	KindIO       ErrorKind = "io"
	KindInternal ErrorKind = "internal"
)

// InternalKind narrows a KindInternal error down to the failing plumbing.
type InternalKind int

const (
	InternalNone InternalKind = iota
	LockFailure
	ChannelSendFailure
	TransportFailure
)

func (k InternalKind) String() string {
	switch k {
	case LockFailure:
		return "lock failure"
	case ChannelSendFailure:
		return "channel send failure"
	case TransportFailure:
		return "transport failure"
	default:
		return "none"
	}
}

// Error is a structured error with a cause.
type Error struct {
	Kind     ErrorKind
	Internal InternalKind
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Kind == KindInternal {
		prefix = fmt.Sprintf("%s (%s)", e.Kind, e.Internal)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newIOError(message string, cause error) *Error {
	return &Error{Kind: KindIO, Message: message, Cause: cause}
}

func newInternalError(kind InternalKind, message string, cause error) *Error {
	return &Error{Kind: KindInternal, Internal: kind, Message: message, Cause: cause}
}

// IsIOError reports whether err is a transport I/O failure.
func IsIOError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindIO
}

// IsInternalError reports whether err is a plumbing failure.
func IsInternalError(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == KindInternal
}

// InternalKindOf returns the internal kind carried by err, if any.
func InternalKindOf(err error) (InternalKind, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindInternal {
		return e.Internal, true
	}
	return InternalNone, false
}

// enqueueError maps a queue failure onto the taxonomy.
func enqueueError(what string, err error) error {
	if errors.Is(err, queue.ErrPoisoned) {
		return newInternalError(LockFailure, what+" queue is poisoned", err)
	}
	return newInternalError(ChannelSendFailure, what+" could not be sent to the worker", err)
}

// sendError classifies an engine Send failure.
func sendError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return newIOError("send failed", err)
	}
	if errors.Is(err, transport.ErrClosed) {
		return newIOError("socket closed", err)
	}
	return newInternalError(TransportFailure, "transport rejected the message", err)
}
