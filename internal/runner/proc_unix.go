//go:build !windows

package runner

import (
	"os/exec"
	"syscall"
)

// setProcAttr places the child in its own process group so a timeout kill
// reaches the assistant and anything it spawned.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// hardKill kills the child's whole process group. Falls back to killing just
// the child when the group signal fails.
func hardKill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}
