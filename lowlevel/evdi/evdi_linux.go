//go:build linux
// +build linux

// File: lowlevel/evdi/evdi_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Linux device node access: open, flock-based exclusivity, poll-based
// event readiness. The ioctl command surface is not wired; see doc.go.

package evdi

import (
	"sync"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"

	"github.com/momentics/vdisplay/api"
)

func openDevice(path string, logger *log.Logger) (api.DeviceConn, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, api.NewError(api.ErrDeviceOpenFailed, "open device node").
			WithContext("path", path).
			WithContext("errno", err.Error())
	}
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = unix.Close(fd)
		if err == unix.EWOULDBLOCK {
			return nil, api.NewError(api.ErrDeviceBusy, "device node held by another process").
				WithContext("path", path)
		}
		return nil, api.NewError(api.ErrDeviceOpenFailed, "lock device node").
			WithContext("path", path).
			WithContext("errno", err.Error())
	}
	return &deviceConn{fd: fd, path: path, log: logger}, nil
}

// deviceConn wraps one exclusively held node descriptor.
type deviceConn struct {
	mu     sync.Mutex
	fd     int
	path   string
	closed bool
	log    *log.Logger
}

var _ api.DeviceConn = (*deviceConn)(nil)

func (d *deviceConn) Connect(edid []byte, skuAreaLimit uint32) error {
	return d.unsupported("connect")
}

func (d *deviceConn) Disconnect() error {
	return d.unsupported("disconnect")
}

func (d *deviceConn) SetMode(mode api.Mode) error {
	return d.unsupported("set_mode")
}

func (d *deviceConn) RegisterBuffer(slot int, desc api.BufferDesc) error {
	return d.unsupported("register_buffer")
}

func (d *deviceConn) UnregisterBuffer(slot int) error {
	return d.unsupported("unregister_buffer")
}

func (d *deviceConn) RequestUpdate(slot int) (bool, error) {
	return false, d.unsupported("request_update")
}

func (d *deviceConn) GrabPixels(slot int) ([]api.Rect, error) {
	return nil, d.unsupported("grab_pixels")
}

func (d *deviceConn) EnableCursorEvents(enable bool) error {
	return d.unsupported("enable_cursor_events")
}

// PollEvent waits for node readiness per the given policy. Readable data
// cannot be decoded without the ioctl layer, so readiness itself reports
// api.ErrNotSupported; hangup and error conditions map to
// api.ErrDriverDisconnected.
func (d *deviceConn) PollEvent(policy api.WaitPolicy) (api.Event, error) {
	fd, err := d.descriptor()
	if err != nil {
		return nil, err
	}

	timeout := -1 // blocking
	switch policy.Mode {
	case api.WaitNonBlocking:
		timeout = 0
	case api.WaitTimeout:
		timeout = int(policy.Timeout.Milliseconds())
	}

	pfds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for {
		n, err := unix.Poll(pfds, timeout)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, api.NewError(api.ErrDriverDisconnected, "poll device node").
				WithContext("path", d.path).
				WithContext("errno", err.Error())
		}
		if n == 0 {
			return nil, nil
		}
		if pfds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return nil, api.NewError(api.ErrDriverDisconnected, "device node hangup").
				WithContext("path", d.path)
		}
		return nil, d.unsupported("event_decode")
	}
}

func (d *deviceConn) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	_ = unix.Flock(d.fd, unix.LOCK_UN)
	err := unix.Close(d.fd)
	d.log.Debug("device node released")
	if err != nil {
		return api.NewError(api.ErrDeviceOpenFailed, "close device node").
			WithContext("path", d.path).
			WithContext("errno", err.Error())
	}
	return nil
}

func (d *deviceConn) descriptor() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return -1, api.NewError(api.ErrHandleClosed, "device node closed").
			WithContext("path", d.path)
	}
	return d.fd, nil
}

func (d *deviceConn) unsupported(op string) error {
	return api.NewError(api.ErrNotSupported, "kernel command surface not wired").
		WithContext("path", d.path).
		WithContext("op", op)
}
