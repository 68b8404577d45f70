//go:build !linux

package tcan

// maybeSetPriority is a no-op on platforms without SCHED_FIFO support
// via golang.org/x/sys/unix.
func maybeSetPriority(priority int, role, busName string) {}
