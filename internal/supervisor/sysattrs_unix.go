//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// detach starts the child in a new session so it is not tied to the
// terminal of the invoking CLI and its group can be signalled as a whole.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
