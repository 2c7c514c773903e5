// File: api/errors.go
// Package api
// Author: momentics <momentics@gmail.com>
//
// Error taxonomy and structured error type for the vdisplay engine.

package api

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every failure surfaced by the engine unwraps to exactly
// one of these, so callers classify with errors.Is.
var (
	// ErrDeviceOpenFailed: the node does not exist or the driver rejected
	// the open (version mismatch, permission).
	ErrDeviceOpenFailed = errors.New("device open failed")
	// ErrDeviceBusy: the node is already exclusively held.
	ErrDeviceBusy = errors.New("device is busy")
	// ErrHandleClosed: the owning device handle was closed; the derived
	// connection or buffer reference is no longer valid.
	ErrHandleClosed = errors.New("device handle is closed")
	// ErrConnectFailed: the driver refused the connect request or the
	// connection is not in a connectable state.
	ErrConnectFailed = errors.New("connect failed")
	// ErrModeNegotiationFailed: the driver rejected the requested mode or
	// confirmation did not arrive in time.
	ErrModeNegotiationFailed = errors.New("mode negotiation failed")
	// ErrBufferSizeMismatch: pool geometry does not match the negotiated
	// mode.
	ErrBufferSizeMismatch = errors.New("buffer size mismatch")
	// ErrAllocationFailed: buffer storage could not be allocated.
	ErrAllocationFailed = errors.New("buffer allocation failed")
	// ErrInvalidBufferCount: a pool of zero buffers was requested.
	ErrInvalidBufferCount = errors.New("invalid buffer count")
	// ErrBufferNotReady: Acquire was called on a slot that holds no
	// completed update.
	ErrBufferNotReady = errors.New("buffer not ready")
	// ErrNoFreeBuffer: every slot is owned by the driver or the consumer.
	// Recoverable; release a frame and retry.
	ErrNoFreeBuffer = errors.New("no free buffer")
	// ErrUpdateTimeout: the driver did not complete the update in time.
	// Recoverable; the slot is reclaimed when the late event arrives.
	ErrUpdateTimeout = errors.New("update timed out")
	// ErrDriverDisconnected: the device vanished or violated the protocol;
	// the connection is torn down and cannot be reused.
	ErrDriverDisconnected = errors.New("driver disconnected")
	// ErrInvalidState: the operation is not valid in the component's
	// current lifecycle state. Programmer misuse; shared state is intact.
	ErrInvalidState = errors.New("operation invalid in current state")
	// ErrPollerActive: a second logical poller attempted to drive the
	// event loop concurrently.
	ErrPollerActive = errors.New("another poller is active")
	// ErrNotSupported: the binding does not implement the operation on
	// this platform.
	ErrNotSupported = errors.New("operation not supported")
)

// Error is a structured error carrying a sentinel, a human message, and
// free-form context.
type Error struct {
	Sentinel error
	Message  string
	Context  map[string]any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Context) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (context: %+v)", e.Message, e.Context)
}

// Unwrap exposes the sentinel so errors.Is classification works through
// any wrapping depth.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// NewError creates a structured error bound to a sentinel.
func NewError(sentinel error, message string) *Error {
	return &Error{
		Sentinel: sentinel,
		Message:  message,
		Context:  make(map[string]any),
	}
}

// WithContext adds context information to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}
