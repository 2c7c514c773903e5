// File: reactor/eventloop.go
// Package reactor
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/vdisplay/api"
	"github.com/momentics/vdisplay/internal/logging"
)

// Dispatcher advances engine state machines in response to driver events.
// The connection implements it.
type Dispatcher interface {
	// DispatchEvent consumes one event. A non-nil error is a driver
	// protocol violation and tears the connection down.
	DispatchEvent(ev api.Event) error

	// Fatal is invoked once when polling fails: the device is gone and
	// every pending operation must fail with ErrDriverDisconnected.
	Fatal(err error)
}

// runSlice bounds each poll when Run drives the loop, so context
// cancellation is observed promptly.
const runSlice = 50 * time.Millisecond

// EventLoop pumps driver events to the dispatcher, FIFO, one poller at a
// time.
type EventLoop struct {
	dev        api.DeviceConn
	dispatcher Dispatcher
	notify     chan api.Event

	polling int32
	running int32

	mu     sync.Mutex
	failed error

	log interface {
		Warn(msg interface{}, keyvals ...interface{})
		Debug(msg interface{}, keyvals ...interface{})
	}
}

// Option customizes an EventLoop.
type Option func(*EventLoop)

// WithNotificationBuffer sets the capacity of the informational event
// channel. Default 16.
func WithNotificationBuffer(n int) Option {
	return func(l *EventLoop) { l.notify = make(chan api.Event, n) }
}

// New creates an event loop over one opened device.
func New(dev api.DeviceConn, dispatcher Dispatcher, opts ...Option) *EventLoop {
	l := &EventLoop{
		dev:        dev,
		dispatcher: dispatcher,
		notify:     make(chan api.Event, 16),
		log:        logging.Component("reactor"),
	}
	for _, fn := range opts {
		fn(l)
	}
	return l
}

// Notifications delivers informational CRTC, DPMS and cursor events. When
// the consumer lags, events are dropped with a log line rather than
// stalling dispatch.
func (l *EventLoop) Notifications() <-chan api.Event {
	return l.notify
}

// Running reports whether a background Run goroutine is driving the loop.
func (l *EventLoop) Running() bool {
	return atomic.LoadInt32(&l.running) == 1
}

// Err returns the fatal poll error, if any.
func (l *EventLoop) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failed
}

// PollOnce performs one poll under the given policy and dispatches every
// event that is already pending, in driver order. Returns the number of
// events dispatched. A concurrent poll attempt fails with ErrPollerActive
// instead of racing.
func (l *EventLoop) PollOnce(policy api.WaitPolicy) (int, error) {
	if err := l.Err(); err != nil {
		return 0, err
	}
	if !atomic.CompareAndSwapInt32(&l.polling, 0, 1) {
		return 0, api.NewError(api.ErrPollerActive, "event loop already being polled")
	}
	defer atomic.StoreInt32(&l.polling, 0)

	ev, err := l.dev.PollEvent(policy)
	if err != nil {
		return 0, l.fail(err)
	}
	if ev == nil {
		return 0, nil
	}

	// Batch whatever else is already pending so dispatch sees the same
	// FIFO order the driver reported.
	pending := queue.New()
	pending.Add(ev)
	for {
		ev, err := l.dev.PollEvent(api.NonBlocking())
		if err != nil {
			return 0, l.fail(err)
		}
		if ev == nil {
			break
		}
		pending.Add(ev)
	}

	n := 0
	for pending.Length() > 0 {
		ev := pending.Remove().(api.Event)
		if err := l.deliver(ev); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (l *EventLoop) deliver(ev api.Event) error {
	switch ev.(type) {
	case api.CrtcStateEvent, api.DpmsEvent, api.CursorEvent:
		select {
		case l.notify <- ev:
		default:
			l.log.Warn("dropping notification, consumer not keeping up", "event", ev)
		}
		return nil
	default:
		if err := l.dispatcher.DispatchEvent(ev); err != nil {
			return l.fail(err)
		}
		return nil
	}
}

// Run drives the loop until ctx is cancelled or polling fails fatally.
// Each poll is bounded by runSlice so cancellation is honored; a nil
// return means ctx ended the loop.
func (l *EventLoop) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&l.running, 0, 1) {
		return api.NewError(api.ErrPollerActive, "event loop already running")
	}
	defer atomic.StoreInt32(&l.running, 0)

	l.log.Debug("event loop started")
	for {
		select {
		case <-ctx.Done():
			l.log.Debug("event loop stopped")
			return nil
		default:
		}
		if _, err := l.PollOnce(api.Timeout(runSlice)); err != nil {
			return err
		}
	}
}

// fail records the first fatal error and notifies the dispatcher exactly
// once. Always returns a ErrDriverDisconnected-classed error.
func (l *EventLoop) fail(err error) error {
	if !errors.Is(err, api.ErrDriverDisconnected) {
		err = api.NewError(api.ErrDriverDisconnected, err.Error())
	}

	l.mu.Lock()
	if l.failed != nil {
		err := l.failed
		l.mu.Unlock()
		return err
	}
	l.failed = err
	l.mu.Unlock()

	l.log.Warn("fatal poll error", "err", err)
	l.dispatcher.Fatal(err)
	return err
}
