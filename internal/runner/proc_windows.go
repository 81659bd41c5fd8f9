//go:build windows

package runner

import "os/exec"

// setProcAttr is a no-op on Windows; there is no process group to detach.
func setProcAttr(cmd *exec.Cmd) {}

// hardKill terminates the child process.
func hardKill(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
