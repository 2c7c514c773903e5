// File: api/types.go
// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Value types shared across the engine: pixel formats, display modes,
// damage rectangles, wait policies, and DPMS power levels.

package api

import (
	"fmt"
	"image"
	"time"
)

// PixelFormat enumerates the pixel layouts a virtual display can render.
type PixelFormat int32

const (
	// FormatBGRA32 is the layout the kernel module renders into by default.
	FormatBGRA32 PixelFormat = iota
	// FormatRGBA32 is a byte-swapped variant some drivers report.
	FormatRGBA32
	// FormatRGB565 is a 16-bit packed layout.
	FormatRGB565
)

// BytesPerPixel returns the storage footprint of one pixel.
func (f PixelFormat) BytesPerPixel() int {
	if f == FormatRGB565 {
		return 2
	}
	return 4
}

func (f PixelFormat) String() string {
	switch f {
	case FormatBGRA32:
		return "BGRA32"
	case FormatRGBA32:
		return "RGBA32"
	case FormatRGB565:
		return "RGB565"
	default:
		return fmt.Sprintf("PixelFormat(%d)", int32(f))
	}
}

// Mode is a display configuration reported by the driver or requested by
// the consumer. Modes are plain values; comparing two with == is valid.
type Mode struct {
	Width       int
	Height      int
	RefreshRate int // Hz
	Format      PixelFormat
}

// Stride returns the number of bytes per scanline.
func (m Mode) Stride() int {
	return m.Width * m.Format.BytesPerPixel()
}

// FrameBytes returns the byte footprint of one full frame.
func (m Mode) FrameBytes() int {
	return m.Height * m.Stride()
}

// Compatible reports whether two modes describe the same buffer geometry.
// Refresh rate is deliberately excluded: the driver may confirm a mode at
// the closest refresh it supports without changing the byte layout.
func (m Mode) Compatible(o Mode) bool {
	return m.Width == o.Width && m.Height == o.Height && m.Format == o.Format
}

func (m Mode) String() string {
	return fmt.Sprintf("%dx%d@%d/%s", m.Width, m.Height, m.RefreshRate, m.Format)
}

// MaxDamageRects is the most damage rectangles a single update can carry.
// The kernel module never reports more than 16 per grab.
const MaxDamageRects = 16

// Rect is a damage rectangle: a sub-region of a buffer changed since the
// previous grab on the same device. Coordinates are half-open, (X2,Y2)
// exclusive, matching the driver ABI.
type Rect struct {
	X1, Y1, X2, Y2 int32
}

// Dx returns the rectangle width.
func (r Rect) Dx() int32 { return r.X2 - r.X1 }

// Dy returns the rectangle height.
func (r Rect) Dy() int32 { return r.Y2 - r.Y1 }

// Empty reports whether the rectangle covers no pixels.
func (r Rect) Empty() bool { return r.X2 <= r.X1 || r.Y2 <= r.Y1 }

// Bounds converts to the standard library representation.
func (r Rect) Bounds() image.Rectangle {
	return image.Rect(int(r.X1), int(r.Y1), int(r.X2), int(r.Y2))
}

// WaitMode selects how an event poll behaves when no event is pending.
type WaitMode int

const (
	// WaitBlocking waits indefinitely for the next event.
	WaitBlocking WaitMode = iota
	// WaitTimeout waits up to WaitPolicy.Timeout, then reports no event.
	WaitTimeout
	// WaitNonBlocking returns immediately when no event is pending.
	WaitNonBlocking
)

// WaitPolicy configures a single event poll.
type WaitPolicy struct {
	Mode    WaitMode
	Timeout time.Duration // consulted only when Mode == WaitTimeout
}

// Blocking returns a policy that waits indefinitely.
func Blocking() WaitPolicy { return WaitPolicy{Mode: WaitBlocking} }

// Timeout returns a policy that waits up to d.
func Timeout(d time.Duration) WaitPolicy {
	return WaitPolicy{Mode: WaitTimeout, Timeout: d}
}

// NonBlocking returns a policy that never waits.
func NonBlocking() WaitPolicy { return WaitPolicy{Mode: WaitNonBlocking} }

// DPMSLevel is a display power-management state, reported informationally.
type DPMSLevel int32

const (
	DPMSOn DPMSLevel = iota
	DPMSStandby
	DPMSSuspend
	DPMSOff
)

func (l DPMSLevel) String() string {
	switch l {
	case DPMSOn:
		return "on"
	case DPMSStandby:
		return "standby"
	case DPMSSuspend:
		return "suspend"
	case DPMSOff:
		return "off"
	default:
		return fmt.Sprintf("DPMSLevel(%d)", int32(l))
	}
}
