// File: conn/connection.go
// Package conn
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/momentics/vdisplay/api"
	"github.com/momentics/vdisplay/device"
	"github.com/momentics/vdisplay/internal/logging"
	"github.com/momentics/vdisplay/pool"
	"github.com/momentics/vdisplay/reactor"
)

// State is the lifecycle state of a Connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateModeNegotiating
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StateModeNegotiating:
		return "ModeNegotiating"
	case StateStreaming:
		return "Streaming"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Options configures a Connection.
type Options struct {
	// EDID is the identity blob presented to the driver on connect.
	// Defaults to SampleEDID().
	EDID []byte
	// SKUAreaLimit caps the advertised pixel area; zero means the driver
	// default.
	SKUAreaLimit uint32
	// ModeTimeout bounds the wait for a mode confirmation event.
	ModeTimeout time.Duration
	// GracePeriod bounds the wait for driver acknowledgment on
	// disconnect; teardown is forced when it elapses.
	GracePeriod time.Duration
}

// DefaultOptions returns options suitable for tests and simple captures.
func DefaultOptions() Options {
	return Options{
		EDID:        SampleEDID(),
		ModeTimeout: time.Second,
		GracePeriod: time.Second,
	}
}

// pollSlice bounds each cooperative poll while a consumer call waits.
const pollSlice = 10 * time.Millisecond

// Connection drives one virtual display session over one device handle.
// It implements reactor.Dispatcher for its own event loop.
type Connection struct {
	mu     sync.Mutex
	handle *device.Handle
	dev    api.DeviceConn
	opts   Options
	loop   *reactor.EventLoop
	log    *log.Logger

	state     State
	mode      *api.Mode
	requested *api.Mode
	modeWait  chan error
	pool      *pool.Pool
	pending   map[int]*UpdateRequest
	fatalErr  error
}

var _ reactor.Dispatcher = (*Connection)(nil)

// New builds a Connection over an open handle. The connection registers
// itself for teardown when the handle closes.
func New(h *device.Handle, opts Options) (*Connection, error) {
	dev, err := h.DeviceConn()
	if err != nil {
		return nil, err
	}

	def := DefaultOptions()
	if opts.EDID == nil {
		opts.EDID = def.EDID
	}
	if opts.ModeTimeout <= 0 {
		opts.ModeTimeout = def.ModeTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = def.GracePeriod
	}

	c := &Connection{
		handle:  h,
		dev:     dev,
		opts:    opts,
		state:   StateDisconnected,
		pending: make(map[int]*UpdateRequest),
		log:     logging.Component("conn").With("device", h.Index()),
	}
	c.loop = reactor.New(dev, c)
	h.OnClose(c.onHandleClose)
	return c, nil
}

// EventLoop returns the loop that must be polled (or Run) to advance this
// connection.
func (c *Connection) EventLoop() *reactor.EventLoop {
	return c.loop
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Mode returns the active negotiated mode, if any.
func (c *Connection) Mode() (api.Mode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mode == nil {
		return api.Mode{}, false
	}
	return *c.mode, true
}

// caller holds c.mu
func (c *Connection) aliveLocked() error {
	if c.handle.Closed() {
		return api.NewError(api.ErrHandleClosed, "device handle closed")
	}
	if c.fatalErr != nil {
		return c.fatalErr
	}
	return nil
}

// Connect presents the virtual display to the driver and enters
// Connecting. Valid only from Disconnected.
func (c *Connection) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.aliveLocked(); err != nil {
		return err
	}
	if c.state != StateDisconnected {
		return api.NewError(api.ErrConnectFailed, "connect only valid when disconnected").
			WithContext("state", c.state.String())
	}
	if err := c.dev.Connect(c.opts.EDID, c.opts.SKUAreaLimit); err != nil {
		if errors.Is(err, api.ErrConnectFailed) {
			return err
		}
		return api.NewError(api.ErrConnectFailed, err.Error())
	}
	c.state = StateConnecting
	c.log.Debug("connected")
	return nil
}

// NegotiateMode agrees on a display mode with the driver. With a nil
// request the driver's preferred mode is adopted; otherwise the given
// mode is requested and must be confirmed. Valid from Connecting, or from
// ModeNegotiating to re-negotiate after a mode change.
func (c *Connection) NegotiateMode(ctx context.Context, requested *api.Mode) (api.Mode, error) {
	c.mu.Lock()
	if err := c.aliveLocked(); err != nil {
		c.mu.Unlock()
		return api.Mode{}, err
	}
	if c.state != StateConnecting && c.state != StateModeNegotiating {
		c.mu.Unlock()
		return api.Mode{}, api.NewError(api.ErrInvalidState, "mode negotiation requires a connected session").
			WithContext("state", c.state.String())
	}
	if c.modeWait != nil {
		c.mu.Unlock()
		return api.Mode{}, api.NewError(api.ErrInvalidState, "mode negotiation already in progress")
	}
	if requested == nil && c.mode != nil {
		// The driver already announced its mode (announcements may land
		// before the adopt call when the loop runs in the background).
		confirmed := *c.mode
		if c.state == StateConnecting {
			c.state = StateModeNegotiating
		}
		c.mu.Unlock()
		c.log.Info("mode adopted", "mode", confirmed.String())
		return confirmed, nil
	}

	wait := make(chan error, 1)
	c.modeWait = wait
	if requested != nil {
		if err := c.dev.SetMode(*requested); err != nil {
			c.modeWait = nil
			c.mu.Unlock()
			if errors.Is(err, api.ErrModeNegotiationFailed) {
				return api.Mode{}, err
			}
			return api.Mode{}, api.NewError(api.ErrModeNegotiationFailed, err.Error())
		}
		r := *requested
		c.requested = &r
	} else {
		c.requested = nil
	}
	c.mu.Unlock()

	timeoutErr := api.NewError(api.ErrModeNegotiationFailed, "no mode confirmation from driver").
		WithContext("timeout", c.opts.ModeTimeout)
	err := c.awaitDone(ctx, wait, c.opts.ModeTimeout, timeoutErr)

	c.mu.Lock()
	if c.modeWait == wait {
		c.modeWait = nil
		c.requested = nil
	}
	var confirmed api.Mode
	if c.mode != nil {
		confirmed = *c.mode
	}
	c.mu.Unlock()

	if err != nil {
		return api.Mode{}, err
	}
	c.log.Info("mode negotiated", "mode", confirmed.String())
	return confirmed, nil
}

// RegisterBuffers binds a buffer pool to the session and starts
// streaming. The pool geometry must match the negotiated mode.
func (c *Connection) RegisterBuffers(p *pool.Pool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.aliveLocked(); err != nil {
		return err
	}
	if c.state != StateModeNegotiating || c.mode == nil {
		return api.NewError(api.ErrInvalidState, "buffers require a negotiated mode").
			WithContext("state", c.state.String())
	}
	if !p.Mode().Compatible(*c.mode) {
		return api.NewError(api.ErrBufferSizeMismatch, "pool sized for a different mode").
			WithContext("pool", p.Mode().String()).
			WithContext("mode", c.mode.String())
	}

	for slot := 0; slot < p.Len(); slot++ {
		desc, err := p.Desc(slot)
		if err != nil {
			return err
		}
		if err := c.dev.RegisterBuffer(slot, desc); err != nil {
			for s := slot - 1; s >= 0; s-- {
				_ = c.dev.UnregisterBuffer(s)
			}
			return err
		}
	}

	c.pool = p
	c.state = StateStreaming
	c.log.Debug("streaming", "buffers", p.Len())
	return nil
}

// EnableCursorEvents toggles delivery of informational cursor events on
// the loop's notification channel.
func (c *Connection) EnableCursorEvents(enable bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.aliveLocked(); err != nil {
		return err
	}
	if c.state == StateClosing || c.state == StateClosed {
		return api.NewError(api.ErrInvalidState, "session is closed")
	}
	return c.dev.EnableCursorEvents(enable)
}

// Disconnect tears the session down from any non-terminal state. Always
// succeeds; waits up to GracePeriod for driver acknowledgment, then
// forces teardown. Idempotent.
func (c *Connection) Disconnect() error {
	c.mu.Lock()
	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	if c.state == StateDisconnected {
		c.state = StateClosed
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosing
	c.failPendingLocked(api.NewError(api.ErrDriverDisconnected, "session torn down"))
	dev := c.dev
	grace := c.opts.GracePeriod
	c.mu.Unlock()

	ack := make(chan error, 1)
	go func() { ack <- dev.Disconnect() }()
	select {
	case err := <-ack:
		if err != nil {
			c.log.Warn("driver disconnect failed, forcing teardown", "err", err)
		}
	case <-time.After(grace):
		c.log.Warn("no disconnect acknowledgment, forcing teardown", "grace", grace)
	}

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	c.log.Debug("disconnected")
	return nil
}

// DispatchEvent implements reactor.Dispatcher.
func (c *Connection) DispatchEvent(ev api.Event) error {
	switch e := ev.(type) {
	case api.ModeChangedEvent:
		return c.onModeChanged(e.Mode)
	case api.UpdateReadyEvent:
		return c.onUpdateReady(e)
	default:
		return nil
	}
}

// Fatal implements reactor.Dispatcher: the device is gone, every state
// machine collapses and pending work fails with ErrDriverDisconnected.
func (c *Connection) Fatal(err error) {
	c.mu.Lock()
	c.fatalLocked(err)
	c.mu.Unlock()
}

// caller holds c.mu
func (c *Connection) fatalLocked(err error) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosing
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.failPendingLocked(err)
	c.state = StateClosed
	c.log.Warn("connection lost", "err", err)
}

// caller holds c.mu
func (c *Connection) failPendingLocked(err error) {
	for slot, req := range c.pending {
		delete(c.pending, slot)
		req.complete(err)
	}
	if c.modeWait != nil {
		c.modeWait <- err
		c.modeWait = nil
	}
}

func (c *Connection) onModeChanged(mode api.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := mode
	c.mode = &m

	if c.modeWait != nil {
		if c.requested != nil && !c.requested.Compatible(mode) {
			// An announcement for some other mode (typically the
			// connect-time preferred mode racing a SetMode confirmation).
			// Keep waiting for the matching one; the negotiation timeout
			// bounds a driver that never confirms.
			c.log.Debug("ignoring mode announcement while awaiting confirmation", "mode", mode.String())
			return nil
		}
		wait := c.modeWait
		c.modeWait = nil
		c.requested = nil
		if c.state == StateConnecting {
			c.state = StateModeNegotiating
		}
		wait <- nil
		return nil
	}

	// Driver-initiated change. Same geometry keeps the stream; anything
	// else invalidates the registered buffers and requires re-entering
	// negotiation.
	if c.state == StateStreaming && c.pool != nil && !c.pool.Mode().Compatible(mode) {
		c.log.Info("display mode changed by driver", "mode", mode.String())
		c.failPendingLocked(api.NewError(api.ErrModeNegotiationFailed, "display mode changed").
			WithContext("mode", mode.String()))
		old := c.pool
		c.pool = nil
		old.Close()
		c.state = StateModeNegotiating
	}
	return nil
}

func (c *Connection) onUpdateReady(e api.UpdateReadyEvent) error {
	c.mu.Lock()

	if c.state == StateClosing || c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	if c.pool == nil {
		c.mu.Unlock()
		return api.NewError(api.ErrDriverDisconnected, "update with no buffers registered").
			WithContext("slot", e.Slot)
	}

	req := c.pending[e.Slot]
	delete(c.pending, e.Slot)

	rects, err := c.dev.GrabPixels(e.Slot)
	if err != nil {
		c.mu.Unlock()
		if req != nil {
			req.complete(api.NewError(api.ErrDriverDisconnected, err.Error()))
		}
		return err
	}
	if len(rects) == 0 {
		rects = e.Damage
	}

	if err := c.pool.OnUpdateReady(e.Slot, rects); err != nil {
		c.mu.Unlock()
		if req != nil {
			req.complete(err)
		}
		return err
	}

	if req == nil || req.canceled() {
		// Nobody wants the frame: the request was abandoned after its
		// timeout or canceled. Deferred cancellation completes here.
		_ = c.pool.Recycle(e.Slot)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	req.complete(nil)
	return nil
}

// onHandleClose runs when the owning device handle closes: the session is
// torn down and every derived buffer reference is invalidated.
func (c *Connection) onHandleClose() {
	_ = c.Disconnect()
	c.mu.Lock()
	p := c.pool
	c.pool = nil
	c.mu.Unlock()
	if p != nil {
		p.Close()
	}
}

// awaitDone waits for a completion signal without holding the connection
// lock. When no background goroutine runs the event loop, the wait drives
// the poller cooperatively; either way the timer and context bound it.
func (c *Connection) awaitDone(ctx context.Context, done <-chan error, timeout time.Duration, onTimeout error) error {
	var timeoutC <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timeoutC = t.C
	}
	var ctxC <-chan struct{}
	if ctx != nil {
		ctxC = ctx.Done()
	}

	for {
		if !c.loop.Running() {
			_, err := c.loop.PollOnce(api.Timeout(pollSlice))
			if err != nil && !errors.Is(err, api.ErrPollerActive) {
				// Fatal teardown already completed the waiter; prefer
				// that result when it is in.
				select {
				case derr := <-done:
					return derr
				default:
				}
				return err
			}
			if err != nil {
				// Another waiter holds the poller and burns the slice for
				// us; wait it out instead of spinning.
				select {
				case err := <-done:
					return err
				case <-timeoutC:
					return onTimeout
				case <-ctxC:
					return fmt.Errorf("waiting for driver: %w", ctx.Err())
				case <-time.After(pollSlice):
				}
				continue
			}
			select {
			case err := <-done:
				return err
			case <-timeoutC:
				return onTimeout
			case <-ctxC:
				return fmt.Errorf("waiting for driver: %w", ctx.Err())
			default:
			}
			continue
		}

		select {
		case err := <-done:
			return err
		case <-timeoutC:
			return onTimeout
		case <-ctxC:
			return fmt.Errorf("waiting for driver: %w", ctx.Err())
		case <-time.After(pollSlice):
			// Re-check whether the background runner is still alive.
		}
	}
}
