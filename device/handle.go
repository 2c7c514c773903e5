// File: device/handle.go
// Package device
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package device

import (
	"errors"
	"sync"

	"github.com/momentics/vdisplay/api"
	"github.com/momentics/vdisplay/internal/logging"
)

// nodeKey identifies one device node: exclusivity is per binding, since
// two bindings with the same index name different nodes.
type nodeKey struct {
	binding api.Binding
	index   int
}

// held tracks nodes owned by a live Handle. An explicit busy check at
// open time, not a singleton: ownership stays visible and testable.
var (
	heldMu sync.Mutex
	held   = make(map[nodeKey]bool)
)

// Handle owns exactly one opened device node.
//
// Teardown runs in reverse registration order: hooks first (a connection
// registers its disconnect here), then the driver close, then the busy
// slot release.
type Handle struct {
	mu      sync.Mutex
	key     nodeKey
	dev     api.DeviceConn
	closed  bool
	onClose []func()
}

// Open opens the virtual display node at index through the given binding.
//
// A second Open on an index already held by a live Handle fails with
// ErrDeviceBusy without touching the driver.
func Open(binding api.Binding, index int) (*Handle, error) {
	key := nodeKey{binding: binding, index: index}

	heldMu.Lock()
	if held[key] {
		heldMu.Unlock()
		return nil, api.NewError(api.ErrDeviceBusy, "device already held in this process").
			WithContext("device", index)
	}
	held[key] = true
	heldMu.Unlock()

	dev, err := binding.OpenDevice(index)
	if err != nil {
		heldMu.Lock()
		delete(held, key)
		heldMu.Unlock()

		if errors.Is(err, api.ErrDeviceBusy) || errors.Is(err, api.ErrDeviceOpenFailed) {
			return nil, err
		}
		return nil, api.NewError(api.ErrDeviceOpenFailed, err.Error()).
			WithContext("device", index)
	}

	logging.Component("device").Debug("opened", "device", index)
	return &Handle{key: key, dev: dev}, nil
}

// Index returns the device index this handle owns.
func (h *Handle) Index() int {
	return h.key.index
}

// Closed reports whether Close has run.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// DeviceConn exposes the underlying driver connection to engine
// components. Fails once the handle is closed.
func (h *Handle) DeviceConn() (api.DeviceConn, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, api.NewError(api.ErrHandleClosed, "handle closed").
			WithContext("device", h.key.index)
	}
	return h.dev, nil
}

// OnClose registers a teardown hook. Hooks run during Close, most recent
// first, before the driver node is released. Registering on a closed
// handle runs the hook immediately.
func (h *Handle) OnClose(fn func()) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		fn()
		return
	}
	h.onClose = append(h.onClose, fn)
	h.mu.Unlock()
}

// Close tears down the handle: teardown hooks, then the driver node, then
// the busy slot. Idempotent; the second and later calls return nil.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	hooks := h.onClose
	h.onClose = nil
	h.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		hooks[i]()
	}

	err := h.dev.Close()

	heldMu.Lock()
	delete(held, h.key)
	heldMu.Unlock()

	logging.Component("device").Debug("closed", "device", h.key.index)
	return err
}
