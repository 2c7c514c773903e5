// File: pool/bufferpool.go
// Package pool
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync"

	"github.com/momentics/vdisplay/api"
)

// SlotState is the lifecycle state of one buffer slot.
type SlotState int32

const (
	// SlotFree: nobody holds the buffer; eligible for submission.
	SlotFree SlotState = iota
	// SlotRegistered: allocated and registered, never yet submitted.
	SlotRegistered
	// SlotAwaitingDriver: the driver is the sole writer; pixels are off
	// limits to everyone else.
	SlotAwaitingDriver
	// SlotUpdateReady: the driver finished rendering; the frame awaits
	// Acquire.
	SlotUpdateReady
	// SlotInUseByConsumer: the consumer holds the frame for reading.
	SlotInUseByConsumer
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "Free"
	case SlotRegistered:
		return "Registered"
	case SlotAwaitingDriver:
		return "AwaitingDriver"
	case SlotUpdateReady:
		return "UpdateReady"
	case SlotInUseByConsumer:
		return "InUseByConsumer"
	default:
		return "Unknown"
	}
}

type buffer struct {
	bytes   []byte
	state   SlotState
	damage  []api.Rect
	version uint64 // bumped on every completed update; invalidates Frames
}

// Pool owns a fixed collection of pixel buffers sized to one mode.
type Pool struct {
	mu     sync.Mutex
	mode   api.Mode
	bufs   []*buffer
	closed bool
}

// New allocates a pool of count buffers sized for mode. Fails with
// ErrInvalidBufferCount when count is zero or negative and with
// ErrAllocationFailed when the mode describes no storage.
func New(count int, mode api.Mode) (*Pool, error) {
	if count <= 0 {
		return nil, api.NewError(api.ErrInvalidBufferCount, "buffer count must be positive").
			WithContext("count", count)
	}
	if mode.FrameBytes() <= 0 {
		return nil, api.NewError(api.ErrAllocationFailed, "mode describes an empty frame").
			WithContext("mode", mode.String())
	}

	bufs := make([]*buffer, count)
	for i := range bufs {
		bufs[i] = &buffer{
			bytes: make([]byte, mode.FrameBytes()),
			state: SlotRegistered,
		}
	}
	return &Pool{mode: mode, bufs: bufs}, nil
}

// Mode returns the mode the pool was sized for.
func (p *Pool) Mode() api.Mode {
	return p.mode
}

// Len returns the number of slots.
func (p *Pool) Len() int {
	return len(p.bufs)
}

// State reports the current state of a slot.
func (p *Pool) State(slot int) (SlotState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.slot(slot)
	if err != nil {
		return 0, err
	}
	return b.state, nil
}

// Desc returns the driver registration descriptor for a slot. The driver
// holds the returned storage reference until unregistration; the state
// machine keeps it from racing the consumer.
func (p *Pool) Desc(slot int) (api.BufferDesc, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.slot(slot)
	if err != nil {
		return api.BufferDesc{}, err
	}
	return api.BufferDesc{
		Bytes:  b.bytes,
		Width:  p.mode.Width,
		Height: p.mode.Height,
		Stride: p.mode.Stride(),
	}, nil
}

// FreeSlot returns a slot eligible for submission, or ok==false when the
// driver or the consumer holds every buffer.
func (p *Pool) FreeSlot() (slot int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, false
	}
	for i, b := range p.bufs {
		if b.state == SlotFree || b.state == SlotRegistered {
			return i, true
		}
	}
	return 0, false
}

// Submit hands a slot to the driver. The driver call runs under the pool
// mutex and the transition to AwaitingDriver commits only if it succeeds,
// so an UpdateReady for the slot can never be observed before the submit
// completes.
func (p *Pool) Submit(slot int, submit func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.slot(slot)
	if err != nil {
		return err
	}
	if b.state != SlotFree && b.state != SlotRegistered {
		return api.NewError(api.ErrInvalidState, "slot not submittable").
			WithContext("slot", slot).
			WithContext("state", b.state.String())
	}
	if err := submit(); err != nil {
		return err
	}
	b.state = SlotAwaitingDriver
	return nil
}

// OnUpdateReady records a completed driver update: AwaitingDriver ->
// UpdateReady. Called only from event dispatch. A slot in any other state
// is a driver protocol violation, surfaced as ErrDriverDisconnected so
// the owning connection tears down.
func (p *Pool) OnUpdateReady(slot int, damage []api.Rect) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.slot(slot)
	if err != nil {
		return api.NewError(api.ErrDriverDisconnected, "update for unknown slot").
			WithContext("slot", slot)
	}
	if b.state != SlotAwaitingDriver {
		return api.NewError(api.ErrDriverDisconnected, "update for slot not held by driver").
			WithContext("slot", slot).
			WithContext("state", b.state.String())
	}
	if len(damage) > api.MaxDamageRects {
		damage = damage[:api.MaxDamageRects]
	}
	b.damage = append(b.damage[:0], damage...)
	b.version++
	b.state = SlotUpdateReady
	return nil
}

// Acquire claims a completed frame for reading: UpdateReady ->
// InUseByConsumer. Any other state fails with ErrBufferNotReady.
func (p *Pool) Acquire(slot int) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.slot(slot)
	if err != nil {
		return nil, err
	}
	if b.state != SlotUpdateReady {
		return nil, api.NewError(api.ErrBufferNotReady, "no completed update to acquire").
			WithContext("slot", slot).
			WithContext("state", b.state.String())
	}
	b.state = SlotInUseByConsumer
	return &Frame{pool: p, slot: slot, version: b.version}, nil
}

// Release returns a consumer-held slot: InUseByConsumer -> Free.
func (p *Pool) Release(slot int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.slot(slot)
	if err != nil {
		return err
	}
	if b.state != SlotInUseByConsumer {
		return api.NewError(api.ErrInvalidState, "slot not held by consumer").
			WithContext("slot", slot).
			WithContext("state", b.state.String())
	}
	b.state = SlotFree
	return nil
}

// Recycle returns a completed-but-unclaimed slot directly to Free. Used
// for deferred cancellation: the consumer abandoned the request, the
// driver finished anyway, nobody wants the frame.
func (p *Pool) Recycle(slot int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, err := p.slot(slot)
	if err != nil {
		return err
	}
	if b.state != SlotUpdateReady {
		return api.NewError(api.ErrInvalidState, "slot has no abandoned update").
			WithContext("slot", slot).
			WithContext("state", b.state.String())
	}
	b.state = SlotFree
	return nil
}

// Close invalidates the pool and every outstanding Frame. Idempotent.
// Ops after Close fail with ErrHandleClosed — the owning handle is gone.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, b := range p.bufs {
		b.version++
		b.state = SlotFree
	}
}

// slot validates an index. Caller holds p.mu.
func (p *Pool) slot(i int) (*buffer, error) {
	if p.closed {
		return nil, api.NewError(api.ErrHandleClosed, "pool released")
	}
	if i < 0 || i >= len(p.bufs) {
		return nil, api.NewError(api.ErrInvalidState, "slot out of range").
			WithContext("slot", i)
	}
	return p.bufs[i], nil
}
