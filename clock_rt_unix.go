//go:build linux

package loopcore

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// lockOSThreadAndElevate pins the clock goroutine to its OS thread and
// makes a best-effort attempt to raise it to SCHED_FIFO, matching the
// "FIFO-priority OS thread" requirement in spec.md §5. Failure (no
// CAP_SYS_NICE) is logged and ignored; the timer degrades to ordinary
// scheduling rather than failing to start.
func lockOSThreadAndElevate() {
	runtime.LockOSThread()
	param := &unix.SchedParam{Priority: 99} // SCHED_FIFO maximum on Linux
	if err := unix.SchedSetscheduler(0, unix.SCHED_FIFO, param); err != nil {
		clockDebug("SCHED_FIFO unavailable, running at default priority: %v", err)
	}
}
