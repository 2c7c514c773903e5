// Package api
// Author: momentics <momentics@gmail.com>
//
// Core contracts for the vdisplay session and framebuffer lifecycle engine.
// Defines display modes, damage geometry, wait policies, the driver event
// union, the low-level driver binding interface, and the error taxonomy.
// This package is interface-only: it imports no other vdisplay package and
// carries no state beyond constants.
package api
