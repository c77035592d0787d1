//go:build windows

package supervisor

import (
	"github.com/shirou/gopsutil/v4/process"
)

// ProcessAlive reports whether pid exists.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// terminate asks the process to exit and falls back to a hard kill.
func terminate(pid int) {
	if pid <= 0 {
		return
	}
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}
	if p.Terminate() != nil {
		_ = p.Kill()
	}
}
