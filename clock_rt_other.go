//go:build !linux

package loopcore

import "runtime"

// lockOSThreadAndElevate pins the clock goroutine to its OS thread.
// SCHED_FIFO elevation is Linux-only; other platforms run at default
// priority.
func lockOSThreadAndElevate() {
	runtime.LockOSThread()
}
