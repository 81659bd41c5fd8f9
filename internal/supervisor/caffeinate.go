package supervisor

import (
	"os/exec"
	"runtime"
)

// inhibitorCommand returns the platform sleep inhibitor, or nil when the
// platform has none installed. The child runs until killed.
func inhibitorCommand() *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		if path, err := exec.LookPath("caffeinate"); err == nil {
			return exec.Command(path, "-dims")
		}
	case "linux":
		if path, err := exec.LookPath("systemd-inhibit"); err == nil {
			return exec.Command(path, "--what=sleep:idle", "--why=afk session running", "sleep", "infinity")
		}
	}
	return nil
}
