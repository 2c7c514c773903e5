// File: pool/frame.go
// Package pool
// Author: momentics <momentics@gmail.com>
//
// Consumer-side view of one completed update. A Frame is valid only while
// its slot is InUseByConsumer and the buffer has not been updated again;
// like the driver's own rect handles, it expires silently on the next
// update rather than dangling.

package pool

import (
	"fmt"
	"io"

	"github.com/momentics/vdisplay/api"
)

// Frame is a read view of a completed update on one slot.
type Frame struct {
	pool    *Pool
	slot    int
	version uint64
}

// Slot returns the pool slot index this frame occupies.
func (f *Frame) Slot() int {
	return f.slot
}

// Valid reports whether the view still refers to the update it was
// acquired for.
func (f *Frame) Valid() bool {
	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()
	return f.valid()
}

// caller holds pool.mu
func (f *Frame) valid() bool {
	if f.pool.closed || f.slot >= len(f.pool.bufs) {
		return false
	}
	b := f.pool.bufs[f.slot]
	return b.state == SlotInUseByConsumer && b.version == f.version
}

// Bytes returns the pixel storage of the frame, or nil when the view has
// expired. The slice aliases pool storage: it is readable until Release.
func (f *Frame) Bytes() []byte {
	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()
	if !f.valid() {
		return nil
	}
	return f.pool.bufs[f.slot].bytes
}

// Damage returns the rectangles changed by this update, or nil when the
// view has expired.
func (f *Frame) Damage() []api.Rect {
	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()
	if !f.valid() {
		return nil
	}
	b := f.pool.bufs[f.slot]
	out := make([]api.Rect, len(b.damage))
	copy(out, b.damage)
	return out
}

// Mode returns the mode the underlying buffer was sized for.
func (f *Frame) Mode() api.Mode {
	return f.pool.mode
}

// Release returns the slot to the pool. The view expires.
func (f *Frame) Release() error {
	return f.pool.Release(f.slot)
}

// WritePPM dumps the frame as a binary PPM (P6) image, handy for
// eyeballing captures in any image viewer.
func (f *Frame) WritePPM(w io.Writer) error {
	f.pool.mu.Lock()
	defer f.pool.mu.Unlock()
	if !f.valid() {
		return api.NewError(api.ErrBufferNotReady, "frame view expired").
			WithContext("slot", f.slot)
	}

	mode := f.pool.mode
	bytes := f.pool.bufs[f.slot].bytes
	if _, err := fmt.Fprintf(w, "P6\n%d\n%d\n255\n", mode.Width, mode.Height); err != nil {
		return err
	}

	bpp := mode.Format.BytesPerPixel()
	row := make([]byte, mode.Width*3)
	for y := 0; y < mode.Height; y++ {
		line := bytes[y*mode.Stride():]
		for x := 0; x < mode.Width; x++ {
			px := line[x*bpp:]
			switch mode.Format {
			case api.FormatRGBA32:
				row[x*3], row[x*3+1], row[x*3+2] = px[0], px[1], px[2]
			case api.FormatRGB565:
				v := uint16(px[0]) | uint16(px[1])<<8
				row[x*3] = byte(v >> 11 << 3)
				row[x*3+1] = byte(v >> 5 << 2)
				row[x*3+2] = byte(v << 3)
			default: // BGRA
				row[x*3], row[x*3+1], row[x*3+2] = px[2], px[1], px[0]
			}
		}
		if _, err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}
