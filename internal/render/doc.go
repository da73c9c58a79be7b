// Package render defines the primitives shared by the render driver, the
// progress poller, and the renderer itself: command opcodes, progress stages
// and snapshots, the lock-free progress counters, the control flags, and the
// renderer contract the worker drives.
package render
