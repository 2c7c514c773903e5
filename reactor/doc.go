// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the poll-mode event loop that serializes all
// driver-facing state transitions of a vdisplay connection. Exactly one
// logical poller may be active per device at a time, whether a dedicated
// goroutine (Run) or the consumer driving PollOnce cooperatively.
package reactor
