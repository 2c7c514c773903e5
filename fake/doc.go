// Package fake
// Author: momentics <momentics@gmail.com>
//
// In-memory implementation of the api.Binding driver contract. The fake
// driver renders deterministic frames with damage tracking and exposes
// fault-injection hooks (stalled updates, device removal, connect refusal)
// so every engine package can be tested without a kernel module.
package fake
