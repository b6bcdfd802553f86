//go:build unix

package testutil

import "syscall"

// ProcessAlive reports whether pid still exists in the process table.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
