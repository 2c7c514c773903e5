// File: lowlevel/evdi/binding.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platform-independent binding surface. The per-platform openDevice
// function lives in evdi_linux.go / evdi_stub.go.

package evdi

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/momentics/vdisplay/api"
	"github.com/momentics/vdisplay/internal/logging"
)

// DefaultNodePattern locates DRM card nodes by index.
const DefaultNodePattern = "/dev/dri/card%d"

// Option adjusts binding construction.
type Option func(*Binding)

// WithNodePattern overrides the device node path template. The pattern
// must contain one %d verb for the device index.
func WithNodePattern(pattern string) Option {
	return func(b *Binding) { b.pattern = pattern }
}

// Binding opens kernel-backed virtual display nodes.
type Binding struct {
	pattern string
	log     *log.Logger
}

var _ api.Binding = (*Binding)(nil)

// NewBinding constructs a binding over the default node layout.
func NewBinding(opts ...Option) *Binding {
	b := &Binding{
		pattern: DefaultNodePattern,
		log:     logging.Component("evdi"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// OpenDevice acquires the node for the given index exclusively.
func (b *Binding) OpenDevice(index int) (api.DeviceConn, error) {
	path := fmt.Sprintf(b.pattern, index)
	dev, err := openDevice(path, b.log.With("node", path))
	if err != nil {
		return nil, err
	}
	b.log.Debug("device node acquired", "node", path)
	return dev, nil
}
