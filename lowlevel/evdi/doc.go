// File: lowlevel/evdi/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package evdi binds the engine to Linux DRM device nodes backed by the
// evdi kernel module.
//
// The binding covers node discovery, exclusive acquisition (flock) and
// event readiness (poll). The ioctl command surface of the kernel module
// is not wired yet; operations that need it return api.ErrNotSupported.
// On non-Linux platforms OpenDevice always fails. Portable code should
// program against api.Binding and use the fake package in tests.
package evdi
