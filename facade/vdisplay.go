// File: facade/vdisplay.go
// Unified facade layer for the vdisplay library.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// This file defines the VDisplay struct, which aggregates the engine
// components behind a single entry point. It opens the device handle,
// builds the connection and buffer pool from immutable configuration,
// runs the event loop on a dedicated goroutine, and exposes a frame-pull
// surface plus informational notifications.

package facade

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/momentics/vdisplay/api"
	"github.com/momentics/vdisplay/conn"
	"github.com/momentics/vdisplay/device"
	"github.com/momentics/vdisplay/internal/logging"
	"github.com/momentics/vdisplay/pool"
)

// Config holds parameters immutable per session.
type Config struct {
	DeviceIndex   int           // Virtual display node to open
	EDID          []byte        // Monitor identity; nil selects the built-in sample
	SKUAreaLimit  uint32        // Advertised pixel-area cap; zero = driver default
	BufferCount   int           // Framebuffers to register with the driver
	Mode          *api.Mode     // Requested mode; nil adopts the driver's preference
	UpdateTimeout time.Duration // Per-frame wait in NextFrame
	ModeTimeout   time.Duration // Wait for mode confirmation during Start
	GracePeriod   time.Duration // Disconnect acknowledgment bound
	CursorEvents  bool          // Deliver cursor notifications
}

// DefaultConfig returns configuration suitable for typical capture use.
func DefaultConfig() *Config {
	return &Config{
		DeviceIndex:   0,
		BufferCount:   2,
		UpdateTimeout: time.Second,
		ModeTimeout:   5 * time.Second,
		GracePeriod:   time.Second,
	}
}

// VDisplay is the main facade type.
type VDisplay struct {
	binding api.Binding
	cfg     *Config
	log     *log.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	handle  *device.Handle
	sess    *conn.Connection
	frames  *pool.Pool
	cancel  context.CancelFunc
	runDone chan error
}

// Ensure compliance with api.GracefulShutdown.
var _ api.GracefulShutdown = (*VDisplay)(nil)

// New constructs a VDisplay over the given driver binding. Nothing is
// opened until Start.
func New(binding api.Binding, cfg *Config) (*VDisplay, error) {
	if binding == nil {
		return nil, api.NewError(api.ErrInvalidState, "nil driver binding")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BufferCount <= 0 {
		return nil, api.NewError(api.ErrInvalidBufferCount, "config requires at least one buffer").
			WithContext("count", cfg.BufferCount)
	}
	return &VDisplay{
		binding: binding,
		cfg:     cfg,
		log:     logging.Component("facade"),
	}, nil
}

// Start opens the device, connects, negotiates the mode, registers the
// buffer pool, and launches the event loop. ctx bounds mode negotiation;
// the event loop outlives it until Stop.
func (v *VDisplay) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.started {
		return api.NewError(api.ErrInvalidState, "already started")
	}

	h, err := device.Open(v.binding, v.cfg.DeviceIndex)
	if err != nil {
		return err
	}

	sess, err := conn.New(h, conn.Options{
		EDID:         v.cfg.EDID,
		SKUAreaLimit: v.cfg.SKUAreaLimit,
		ModeTimeout:  v.cfg.ModeTimeout,
		GracePeriod:  v.cfg.GracePeriod,
	})
	if err != nil {
		_ = h.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- sess.EventLoop().Run(runCtx) }()

	fail := func(err error) error {
		cancel()
		_ = h.Close()
		return err
	}

	if err := sess.Connect(); err != nil {
		return fail(err)
	}
	mode, err := sess.NegotiateMode(ctx, v.cfg.Mode)
	if err != nil {
		return fail(err)
	}
	frames, err := pool.New(v.cfg.BufferCount, mode)
	if err != nil {
		return fail(err)
	}
	if err := sess.RegisterBuffers(frames); err != nil {
		return fail(err)
	}
	if v.cfg.CursorEvents {
		if err := sess.EnableCursorEvents(true); err != nil {
			return fail(err)
		}
	}

	v.handle = h
	v.sess = sess
	v.frames = frames
	v.cancel = cancel
	v.runDone = runDone
	v.started = true
	v.log.Info("session started", "device", v.cfg.DeviceIndex, "mode", mode.String(), "buffers", v.cfg.BufferCount)
	return nil
}

// NextFrame pulls the next rendered frame. The returned frame must be
// released to make its buffer available again.
func (v *VDisplay) NextFrame(ctx context.Context) (*pool.Frame, error) {
	sess, err := v.session()
	if err != nil {
		return nil, err
	}
	return sess.RequestUpdate(ctx, v.cfg.UpdateTimeout)
}

// Notifications surfaces informational CRTC, DPMS and cursor events.
func (v *VDisplay) Notifications() (<-chan api.Event, error) {
	sess, err := v.session()
	if err != nil {
		return nil, err
	}
	return sess.EventLoop().Notifications(), nil
}

// Mode reports the active mode.
func (v *VDisplay) Mode() (api.Mode, bool) {
	v.mu.Lock()
	sess := v.sess
	v.mu.Unlock()
	if sess == nil {
		return api.Mode{}, false
	}
	return sess.Mode()
}

// Connection exposes the underlying session for advanced use
// (BeginUpdate/Cancel, cooperative polling).
func (v *VDisplay) Connection() (*conn.Connection, error) {
	return v.session()
}

// Stop disconnects, stops the event loop, and closes the device handle.
// Idempotent.
func (v *VDisplay) Stop() error {
	v.mu.Lock()
	if !v.started || v.stopped {
		v.mu.Unlock()
		return nil
	}
	v.stopped = true
	sess, cancel, runDone, h := v.sess, v.cancel, v.runDone, v.handle
	v.mu.Unlock()

	err := sess.Disconnect()
	cancel()
	select {
	case <-runDone:
	case <-time.After(v.cfg.GracePeriod):
		v.log.Warn("event loop did not stop within grace period")
	}
	if cerr := h.Close(); err == nil {
		err = cerr
	}
	v.log.Info("session stopped", "device", v.cfg.DeviceIndex)
	return err
}

// Shutdown implements api.GracefulShutdown.
func (v *VDisplay) Shutdown() error {
	return v.Stop()
}

func (v *VDisplay) session() (*conn.Connection, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.started || v.stopped || v.sess == nil {
		return nil, api.NewError(api.ErrInvalidState, "session not running")
	}
	return v.sess, nil
}
