//go:build linux
// +build linux

// File: lowlevel/evdi/evdi_linux_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package evdi

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/vdisplay/api"
)

// tempNodeBinding points the binding at a plain file standing in for a
// device node; open and flock semantics are the same.
func tempNodeBinding(t *testing.T) *Binding {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "card0")
	require.NoError(t, os.WriteFile(path, nil, 0o600))
	return NewBinding(WithNodePattern(filepath.Join(dir, "card%d")))
}

func TestOpenMissingNodeFails(t *testing.T) {
	b := NewBinding(WithNodePattern(filepath.Join(t.TempDir(), "card%d")))
	_, err := b.OpenDevice(7)
	assert.ErrorIs(t, err, api.ErrDeviceOpenFailed)
}

func TestOpenIsExclusive(t *testing.T) {
	b := tempNodeBinding(t)

	dev, err := b.OpenDevice(0)
	require.NoError(t, err)
	defer dev.Close()

	_, err = b.OpenDevice(0)
	assert.ErrorIs(t, err, api.ErrDeviceBusy)
}

func TestCloseReleasesLock(t *testing.T) {
	b := tempNodeBinding(t)

	dev, err := b.OpenDevice(0)
	require.NoError(t, err)
	require.NoError(t, dev.Close())
	require.NoError(t, dev.Close())

	dev2, err := b.OpenDevice(0)
	require.NoError(t, err)
	require.NoError(t, dev2.Close())
}

func TestCommandSurfaceNotWired(t *testing.T) {
	b := tempNodeBinding(t)

	dev, err := b.OpenDevice(0)
	require.NoError(t, err)
	defer dev.Close()

	assert.ErrorIs(t, dev.Connect(nil, 0), api.ErrNotSupported)
	assert.ErrorIs(t, dev.SetMode(api.Mode{}), api.ErrNotSupported)
	_, err = dev.RequestUpdate(0)
	assert.ErrorIs(t, err, api.ErrNotSupported)
}

func TestPollAfterCloseFails(t *testing.T) {
	b := tempNodeBinding(t)

	dev, err := b.OpenDevice(0)
	require.NoError(t, err)
	require.NoError(t, dev.Close())

	_, err = dev.PollEvent(api.NonBlocking())
	assert.ErrorIs(t, err, api.ErrHandleClosed)
}
