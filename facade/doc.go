// File: facade/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package facade aggregates the vdisplay engine behind a single type.
//
// VDisplay wires the device handle, connection, buffer pool and event
// loop together from one Config, runs the loop on a background
// goroutine, and exposes a simple frame-pull API. Applications that
// need finer control (cooperative polling, explicit BeginUpdate/Cancel)
// use the conn package directly.
package facade
