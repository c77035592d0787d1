//go:build !windows

package supervisor

import (
	"bytes"
	"os"
	"runtime"
	"strconv"
	"syscall"
)

// ProcessAlive reports whether pid exists, using signal 0. Any error,
// including EPERM for a process owned by someone else, counts as dead.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if syscall.Kill(pid, 0) != nil {
		return false
	}
	return !isZombie(pid)
}

// isZombie returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombie(pid int) bool {
	if runtime.GOOS != "linux" {
		return false
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}

// terminate sends SIGTERM to the process group led by pid, then to pid
// alone, and escalates to SIGKILL when neither can be delivered.
func terminate(pid int) {
	if pid <= 0 {
		return
	}
	if signalTree(pid, syscall.SIGTERM) != nil {
		_ = signalTree(pid, syscall.SIGKILL)
	}
}

func signalTree(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}
