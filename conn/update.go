// File: conn/update.go
// Package conn
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// UpdateRequest: the ephemeral correlation between "consumer asked for
// the next frame" and "driver delivered one". The slot is the correlation
// key on the wire; the uuid token exists for logs and tracing.

package conn

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/momentics/vdisplay/api"
	"github.com/momentics/vdisplay/pool"
)

// UpdateRequest is one outstanding frame request.
type UpdateRequest struct {
	id   uuid.UUID
	conn *Connection
	slot int
	done chan error

	mu        sync.Mutex
	completed bool
	cancelled bool
}

// ID returns the request's correlation token.
func (r *UpdateRequest) ID() uuid.UUID {
	return r.id
}

// Slot returns the buffer slot the driver renders into.
func (r *UpdateRequest) Slot() int {
	return r.slot
}

func (r *UpdateRequest) complete(err error) {
	r.mu.Lock()
	if r.completed {
		r.mu.Unlock()
		return
	}
	r.completed = true
	r.mu.Unlock()
	r.done <- err
}

func (r *UpdateRequest) canceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *UpdateRequest) markCanceled() {
	r.mu.Lock()
	r.cancelled = true
	r.mu.Unlock()
}

// BeginUpdate submits a free buffer to the driver and returns the
// outstanding request. Valid only while Streaming; when every buffer is
// held by the driver or the consumer it fails immediately with
// ErrNoFreeBuffer — backpressure is explicit, never queued.
func (c *Connection) BeginUpdate() (*UpdateRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.aliveLocked(); err != nil {
		return nil, err
	}
	if c.state != StateStreaming {
		return nil, api.NewError(api.ErrInvalidState, "updates require a streaming session").
			WithContext("state", c.state.String())
	}

	slot, ok := c.pool.FreeSlot()
	if !ok {
		return nil, api.NewError(api.ErrNoFreeBuffer, "all buffers held by driver or consumer")
	}

	req := &UpdateRequest{
		id:   uuid.New(),
		conn: c,
		slot: slot,
		done: make(chan error, 1),
	}

	var ready bool
	err := c.pool.Submit(slot, func() error {
		r, err := c.dev.RequestUpdate(slot)
		ready = r
		return err
	})
	if err != nil {
		return nil, err
	}

	if ready {
		// The driver already held a finished frame; grab it without an
		// event round trip.
		rects, err := c.dev.GrabPixels(slot)
		if err != nil {
			ferr := api.NewError(api.ErrDriverDisconnected, err.Error()).WithContext("slot", slot)
			c.fatalLocked(ferr)
			return nil, ferr
		}
		if err := c.pool.OnUpdateReady(slot, rects); err != nil {
			c.fatalLocked(err)
			return nil, err
		}
		req.complete(nil)
		c.log.Debug("update ready synchronously", "req", req.id, "slot", slot)
		return req, nil
	}

	c.pending[slot] = req
	c.log.Debug("update requested", "req", req.id, "slot", slot)
	return req, nil
}

// Await suspends until the driver delivers the frame, the timeout
// elapses, or the session is torn down. On timeout the request is
// abandoned: the slot returns to the pool when the late completion
// arrives.
func (r *UpdateRequest) Await(ctx context.Context, timeout time.Duration) (*pool.Frame, error) {
	c := r.conn
	timeoutErr := api.NewError(api.ErrUpdateTimeout, "no update from driver").
		WithContext("req", r.id).
		WithContext("timeout", timeout)

	err := c.awaitDone(ctx, r.done, timeout, timeoutErr)
	if err != nil {
		r.markCanceled()
		// The completion may have raced the deadline: dispatch already ran,
		// buffered a success, and removed the request from pending. Reclaim
		// the slot here, otherwise nothing ever would. When the driver is
		// still rendering the request stays registered and dispatch recycles
		// on the late completion instead.
		select {
		case derr := <-r.done:
			if derr == nil {
				c.mu.Lock()
				if c.pool != nil {
					_ = c.pool.Recycle(r.slot)
				}
				c.mu.Unlock()
			}
		default:
		}
		return nil, err
	}

	c.mu.Lock()
	p := c.pool
	c.mu.Unlock()
	if p == nil {
		return nil, api.NewError(api.ErrDriverDisconnected, "buffers released during update")
	}
	return p.Acquire(r.slot)
}

// Cancel abandons the request. The buffer returns to Free immediately if
// the driver already completed; otherwise cancellation is deferred until
// the driver's completion event, since the driver may be mid-write and
// reclaiming the buffer now would leave it undefined.
func (r *UpdateRequest) Cancel() error {
	c := r.conn
	r.markCanceled()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Completed but unclaimed: reclaim now.
	select {
	case err := <-r.done:
		if err == nil && c.pool != nil {
			return c.pool.Recycle(r.slot)
		}
		return nil
	default:
	}
	// Still with the driver: dispatch observes the cancelled flag and
	// recycles on completion.
	return nil
}

// RequestUpdate is the synchronous convenience: BeginUpdate + Await.
func (c *Connection) RequestUpdate(ctx context.Context, timeout time.Duration) (*pool.Frame, error) {
	req, err := c.BeginUpdate()
	if err != nil {
		return nil, err
	}
	return req.Await(ctx, timeout)
}
