//go:build unix

package local

import (
	"os/exec"
	"syscall"
)

// the step runs in its own process group so that cancelling it also kills
// whatever it spawned
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
