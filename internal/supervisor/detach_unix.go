//go:build !windows

package supervisor

import (
	"os/exec"
	"syscall"
)

// detachProcess puts the worker in its own session so it survives the
// spawning terminal and never receives its signals.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
