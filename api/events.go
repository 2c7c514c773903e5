// File: api/events.go
// Package api defines the driver event union for vdisplay.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

// Event is a notification produced by polling the driver. The concrete
// types below form a closed union; the event loop is the only producer.
type Event interface {
	event()
}

// ModeChangedEvent reports that the driver set or changed the display mode.
type ModeChangedEvent struct {
	Mode Mode
}

// UpdateReadyEvent reports that the driver finished rendering into a
// registered buffer slot. Damage carries the driver-advertised rectangles;
// the authoritative set is produced by DeviceConn.GrabPixels when the
// event is dispatched.
type UpdateReadyEvent struct {
	Slot   int
	Damage []Rect
}

// CrtcStateEvent reports a CRTC enable/disable transition. Informational
// only; no engine state transition is derived from it.
type CrtcStateEvent struct {
	Enabled bool
}

// DpmsEvent reports a display power-management change. Informational only.
type DpmsEvent struct {
	Level DPMSLevel
}

// CursorEvent reports a cursor visibility change. Delivered only after
// cursor events are enabled on the connection. Informational only.
type CursorEvent struct {
	Visible bool
}

func (ModeChangedEvent) event() {}
func (UpdateReadyEvent) event() {}
func (CrtcStateEvent) event()   {}
func (DpmsEvent) event()        {}
func (CursorEvent) event()      {}
