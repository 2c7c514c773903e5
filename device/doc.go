// Package device
// Author: momentics <momentics@gmail.com>
//
// Owning wrapper around one opened virtual display device node. A Handle
// enforces single-owner discipline: at most one live Handle per device
// index process-wide, idempotent Close, and invalidation of every derived
// connection and buffer on teardown.
package device
