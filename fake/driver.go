// File: fake/driver.go
// Package fake
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package fake

import (
	"sync"
	"time"

	"github.com/momentics/vdisplay/api"
)

type options struct {
	deviceCount int
	preferred   api.Mode
	supported   []api.Mode
	connectErr  error
	syncReady   bool
}

// Option customizes a fake binding.
type Option func(*options)

// WithDeviceCount sets how many device nodes exist (indices 0..n-1).
func WithDeviceCount(n int) Option {
	return func(o *options) { o.deviceCount = n }
}

// WithPreferredMode sets the mode the driver announces after connect.
func WithPreferredMode(m api.Mode) Option {
	return func(o *options) { o.preferred = m }
}

// WithSupportedModes replaces the set of modes SetMode accepts.
func WithSupportedModes(ms ...api.Mode) Option {
	return func(o *options) { o.supported = ms }
}

// WithConnectError makes every Connect fail with err.
func WithConnectError(err error) Option {
	return func(o *options) { o.connectErr = err }
}

// WithSyncReady makes RequestUpdate complete synchronously, exercising the
// fast path where the driver already holds a finished frame.
func WithSyncReady() Option {
	return func(o *options) { o.syncReady = true }
}

// Binding is a fake implementation of api.Binding.
type Binding struct {
	mu      sync.Mutex
	open    map[int]bool
	devices map[int]*Device
	opts    options
}

// NewBinding creates a fake binding. By default one device node exists and
// the driver prefers 1920x1080@60 BGRA.
func NewBinding(opts ...Option) *Binding {
	o := options{
		deviceCount: 1,
		preferred:   api.Mode{Width: 1920, Height: 1080, RefreshRate: 60, Format: api.FormatBGRA32},
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.supported == nil {
		o.supported = []api.Mode{
			o.preferred,
			{Width: 1280, Height: 720, RefreshRate: 60, Format: api.FormatBGRA32},
		}
	}
	return &Binding{open: make(map[int]bool), devices: make(map[int]*Device), opts: o}
}

// OpenDevice opens the fake node at index.
func (b *Binding) OpenDevice(index int) (api.DeviceConn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if index < 0 || index >= b.opts.deviceCount {
		return nil, api.NewError(api.ErrDeviceOpenFailed, "no such device node").
			WithContext("device", index)
	}
	if b.open[index] {
		return nil, api.NewError(api.ErrDeviceBusy, "device node exclusively held").
			WithContext("device", index)
	}
	b.open[index] = true

	d := &Device{
		binding: b,
		index:   index,
		opts:    b.opts,
		bufs:    make(map[int]api.BufferDesc),
		damage:  make(map[int][]api.Rect),
		events:  make(chan api.Event, 64),
		gone:    make(chan struct{}),
	}
	b.devices[index] = d
	return d, nil
}

// Device returns the most recently opened device at index, for test
// hooks. Nil when the node was never opened.
func (b *Binding) Device(index int) *Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.devices[index]
}

func (b *Binding) release(index int) {
	b.mu.Lock()
	delete(b.open, index)
	b.mu.Unlock()
}

// Device is one opened fake device node.
type Device struct {
	binding *Binding
	index   int
	opts    options

	mu           sync.Mutex
	closed       bool
	removed      bool
	connected    bool
	cursorEvents bool
	stall        bool
	mode         api.Mode
	bufs         map[int]api.BufferDesc
	damage       map[int][]api.Rect
	frame        uint64

	events   chan api.Event
	gone     chan struct{} // closed on Close or RemoveDevice
	goneOnce sync.Once
}

func (d *Device) fatal(msg string) error {
	return api.NewError(api.ErrDriverDisconnected, msg).WithContext("device", d.index)
}

func (d *Device) alive() error {
	if d.closed || d.removed {
		return d.fatal("device node gone")
	}
	return nil
}

// Connect implements api.DeviceConn. On success the driver announces its
// preferred mode as a ModeChangedEvent, as the kernel module does.
func (d *Device) Connect(edid []byte, skuAreaLimit uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.alive(); err != nil {
		return err
	}
	if d.opts.connectErr != nil {
		return d.opts.connectErr
	}
	if d.connected {
		return api.NewError(api.ErrConnectFailed, "already connected").
			WithContext("device", d.index)
	}
	d.connected = true
	d.push(api.ModeChangedEvent{Mode: d.opts.preferred})
	return nil
}

// Disconnect implements api.DeviceConn.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

// SetMode implements api.DeviceConn. Supported modes are confirmed
// asynchronously; anything else is rejected outright.
func (d *Device) SetMode(mode api.Mode) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.alive(); err != nil {
		return err
	}
	if !d.connected {
		return api.NewError(api.ErrInvalidState, "not connected").
			WithContext("device", d.index)
	}
	for _, m := range d.opts.supported {
		if m.Compatible(mode) {
			d.mode = mode
			d.push(api.ModeChangedEvent{Mode: mode})
			return nil
		}
	}
	return api.NewError(api.ErrModeNegotiationFailed, "unsupported mode").
		WithContext("mode", mode.String())
}

// RegisterBuffer implements api.DeviceConn.
func (d *Device) RegisterBuffer(slot int, desc api.BufferDesc) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.alive(); err != nil {
		return err
	}
	if len(desc.Bytes) != desc.Height*desc.Stride {
		return api.NewError(api.ErrBufferSizeMismatch, "descriptor bytes do not match geometry").
			WithContext("slot", slot)
	}
	d.bufs[slot] = desc
	return nil
}

// UnregisterBuffer implements api.DeviceConn.
func (d *Device) UnregisterBuffer(slot int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.bufs, slot)
	delete(d.damage, slot)
	return nil
}

// RequestUpdate implements api.DeviceConn. The fake renders immediately:
// a full-frame first update, then a wandering 64x64 block, each filled
// with a byte derived from the frame counter.
func (d *Device) RequestUpdate(slot int) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.alive(); err != nil {
		return false, err
	}
	if !d.connected {
		return false, api.NewError(api.ErrInvalidState, "not connected").
			WithContext("device", d.index)
	}
	desc, ok := d.bufs[slot]
	if !ok {
		return false, api.NewError(api.ErrInvalidState, "slot not registered").
			WithContext("slot", slot)
	}
	if d.stall {
		// Driver accepted the request but never completes it.
		return false, nil
	}

	d.render(slot, desc)

	if d.opts.syncReady {
		return true, nil
	}
	d.push(api.UpdateReadyEvent{Slot: slot, Damage: d.damage[slot]})
	return false, nil
}

func (d *Device) render(slot int, desc api.BufferDesc) {
	d.frame++
	fill := byte(d.frame%191 + 64)

	var r api.Rect
	if d.frame == 1 {
		r = api.Rect{X1: 0, Y1: 0, X2: int32(desc.Width), Y2: int32(desc.Height)}
	} else {
		const block = 64
		x := int32((d.frame * 37) % uint64(max(desc.Width-block, 1)))
		y := int32((d.frame * 23) % uint64(max(desc.Height-block, 1)))
		r = api.Rect{X1: x, Y1: y, X2: x + block, Y2: y + block}
		if r.X2 > int32(desc.Width) {
			r.X2 = int32(desc.Width)
		}
		if r.Y2 > int32(desc.Height) {
			r.Y2 = int32(desc.Height)
		}
	}

	bpp := desc.Stride / desc.Width
	for y := r.Y1; y < r.Y2; y++ {
		row := desc.Bytes[int(y)*desc.Stride:]
		for x := r.X1; x < r.X2; x++ {
			for b := 0; b < bpp; b++ {
				row[int(x)*bpp+b] = fill
			}
		}
	}
	d.damage[slot] = []api.Rect{r}
}

// GrabPixels implements api.DeviceConn.
func (d *Device) GrabPixels(slot int) ([]api.Rect, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.alive(); err != nil {
		return nil, err
	}
	rects, ok := d.damage[slot]
	if !ok {
		return nil, api.NewError(api.ErrInvalidState, "no update to grab").
			WithContext("slot", slot)
	}
	out := make([]api.Rect, len(rects))
	copy(out, rects)
	return out, nil
}

// PollEvent implements api.DeviceConn.
func (d *Device) PollEvent(policy api.WaitPolicy) (api.Event, error) {
	d.mu.Lock()
	if err := d.alive(); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.mu.Unlock()

	switch policy.Mode {
	case api.WaitNonBlocking:
		select {
		case ev := <-d.events:
			return ev, nil
		default:
			return nil, nil
		}
	case api.WaitTimeout:
		t := time.NewTimer(policy.Timeout)
		defer t.Stop()
		select {
		case ev := <-d.events:
			return ev, nil
		case <-t.C:
			return nil, nil
		case <-d.gone:
			return nil, d.fatal("device node gone")
		}
	default:
		select {
		case ev := <-d.events:
			return ev, nil
		case <-d.gone:
			return nil, d.fatal("device node gone")
		}
	}
}

// EnableCursorEvents implements api.DeviceConn.
func (d *Device) EnableCursorEvents(enable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.alive(); err != nil {
		return err
	}
	d.cursorEvents = enable
	return nil
}

// Close implements api.DeviceConn. Idempotent; the node becomes openable
// again.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.goneOnce.Do(func() { close(d.gone) })
	d.binding.release(d.index)
	return nil
}

func (d *Device) push(ev api.Event) {
	select {
	case d.events <- ev:
	default:
		// Queue full: the kernel module would drop here too.
	}
}

// Test hooks below. They simulate driver-initiated activity.

// RemoveDevice simulates the node vanishing (USB unplug, module unload).
// All subsequent calls, including pending polls, fail fatally.
func (d *Device) RemoveDevice() {
	d.mu.Lock()
	d.removed = true
	d.mu.Unlock()
	d.goneOnce.Do(func() { close(d.gone) })
}

// SetStall toggles a mode where RequestUpdate is accepted but never
// completes, for timeout and mid-flight teardown scenarios.
func (d *Device) SetStall(stall bool) {
	d.mu.Lock()
	d.stall = stall
	d.mu.Unlock()
}

// CompleteStalled finishes a previously stalled request on slot: the
// frame is rendered now and the completion event is delivered late.
func (d *Device) CompleteStalled(slot int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	desc, ok := d.bufs[slot]
	if !ok {
		return
	}
	d.render(slot, desc)
	d.push(api.UpdateReadyEvent{Slot: slot, Damage: d.damage[slot]})
}

// EmitModeChanged injects a driver-initiated mode change.
func (d *Device) EmitModeChanged(mode api.Mode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = mode
	d.push(api.ModeChangedEvent{Mode: mode})
}

// EmitCrtcState injects an informational CRTC state event.
func (d *Device) EmitCrtcState(enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.push(api.CrtcStateEvent{Enabled: enabled})
}

// EmitDPMS injects an informational DPMS event.
func (d *Device) EmitDPMS(level api.DPMSLevel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.push(api.DpmsEvent{Level: level})
}

// EmitCursor injects a cursor event. Dropped unless cursor events were
// enabled, matching driver behavior.
func (d *Device) EmitCursor(visible bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.cursorEvents {
		return
	}
	d.push(api.CursorEvent{Visible: visible})
}

// FrameCount reports how many updates the fake has rendered.
func (d *Device) FrameCount() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frame
}
