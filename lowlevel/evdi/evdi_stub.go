//go:build !linux
// +build !linux

// File: lowlevel/evdi/evdi_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub for platforms without the evdi kernel module.

package evdi

import (
	"github.com/charmbracelet/log"

	"github.com/momentics/vdisplay/api"
)

func openDevice(path string, logger *log.Logger) (api.DeviceConn, error) {
	return nil, api.NewError(api.ErrNotSupported, "kernel virtual displays require linux").
		WithContext("path", path)
}
