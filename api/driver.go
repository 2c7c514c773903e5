// File: api/driver.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Low-level driver binding contract. Implementations talk to the kernel
// module (lowlevel/evdi) or simulate it in memory (fake). The engine never
// touches a device except through these interfaces.

package api

// Binding is the entry point of a driver binding: a factory of opened
// device nodes.
type Binding interface {
	// OpenDevice opens the virtual display node at index. A node that does
	// not exist, is exclusively held, or fails the driver version check
	// yields ErrDeviceOpenFailed or ErrDeviceBusy.
	OpenDevice(index int) (DeviceConn, error)
}

// DeviceConn is one opened device node. All methods are driver calls;
// none of them is safe for concurrent use — the engine serializes access.
type DeviceConn interface {
	// Connect presents the virtual display to the driver using the given
	// EDID blob and SKU pixel-area limit, then waits until the driver
	// signals readiness.
	Connect(edid []byte, skuAreaLimit uint32) error

	// Disconnect unplugs the virtual display. Safe to call when not
	// connected.
	Disconnect() error

	// SetMode requests a display mode. Confirmation arrives asynchronously
	// as a ModeChangedEvent; an immediate error means outright rejection.
	SetMode(mode Mode) error

	// RegisterBuffer registers pixel storage for a slot. The driver holds
	// a reference to desc.Bytes until UnregisterBuffer or Close.
	RegisterBuffer(slot int, desc BufferDesc) error

	// UnregisterBuffer releases a slot registration. Unknown slots are
	// ignored.
	UnregisterBuffer(slot int) error

	// RequestUpdate asks the driver to render the current screen into the
	// slot. ready==true means the frame was already available and no
	// UpdateReadyEvent will follow; the caller may grab immediately.
	RequestUpdate(slot int) (ready bool, err error)

	// GrabPixels finalizes the most recent update of the slot and returns
	// the damage rectangles, at most MaxDamageRects of them.
	GrabPixels(slot int) ([]Rect, error)

	// PollEvent returns the next pending driver event under the given
	// policy. (nil, nil) means no event was available within the policy.
	// A non-nil error is fatal: the device is gone or the driver state can
	// no longer be trusted.
	PollEvent(policy WaitPolicy) (Event, error)

	// EnableCursorEvents toggles delivery of CursorEvent notifications.
	EnableCursorEvents(enable bool) error

	// Close releases the device node. Idempotent.
	Close() error
}

// BufferDesc describes pixel storage registered with the driver.
type BufferDesc struct {
	Bytes  []byte
	Width  int
	Height int
	Stride int
}

// GracefulShutdown unifies teardown across engine components.
type GracefulShutdown interface {
	// Shutdown stops all internal services and releases resources.
	Shutdown() error
}
