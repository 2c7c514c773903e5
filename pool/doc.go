// Package pool
// Author: momentics <momentics@gmail.com>
//
// Fixed-size framebuffer pool for the vdisplay engine. The pool owns the
// storage of every buffer for its whole lifetime; only the right to *use*
// a buffer rotates between the kernel driver and the consumer, tracked by
// a per-slot state machine:
//
//	Registered/Free -> AwaitingDriver -> UpdateReady -> InUseByConsumer -> Free
//
// Exactly one of {driver, consumer, nobody} may touch a buffer's pixels at
// any instant; the pool mutex is the sole arbiter. Pixel bytes are never
// exposed while a slot is AwaitingDriver.
package pool
