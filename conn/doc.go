// Package conn
// Author: momentics <momentics@gmail.com>
//
// Connection lifecycle for a virtual display session:
//
//	Disconnected -> Connecting -> ModeNegotiating -> Streaming -> Closing -> Closed
//
// Every transition is gated by driver acknowledgment, never assumed. All
// public methods serialize on one mutex per Connection; event dispatch
// from the reactor funnels through the same lock, so driver calls are
// never issued concurrently. Suspending operations (mode negotiation,
// update requests, disconnect) release the lock while waiting and always
// carry a timeout or context escape.
package conn
