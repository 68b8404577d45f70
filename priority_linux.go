//go:build linux

package tcan

import (
	"runtime"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// schedParam mirrors the C struct sched_param (a single int field) used
// by the sched_setscheduler(2) syscall. golang.org/x/sys/unix does not
// expose a high-level wrapper for this syscall, so it is invoked
// directly via unix.Syscall below.
type schedParam struct {
	priority int32
}

// maybeSetPriority requests SCHED_FIFO at priority for the calling
// goroutine's OS thread. Each goroutine sets its own priority
// independently; failure is logged and otherwise ignored, since
// real-time scheduling is best effort (§4.1).
func maybeSetPriority(priority int, role, busName string) {
	if priority <= 0 {
		return
	}
	runtime.LockOSThread()
	param := &schedParam{priority: int32(priority)}
	_, _, errno := unix.Syscall(unix.SYS_SCHED_SETSCHEDULER, 0, uintptr(unix.SCHED_FIFO), uintptr(unsafe.Pointer(param)))
	if errno != 0 {
		log.Warnf("[BUS][%s] failed to set FIFO priority on %s goroutine: %v", busName, role, errno)
	}
}
