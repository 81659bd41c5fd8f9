//go:build !windows

package worker

import (
	"os/signal"
	"syscall"
)

// ignoreHangup keeps the worker alive when its controlling terminal goes
// away. Detached workers have no terminal to answer to.
func ignoreHangup() {
	signal.Ignore(syscall.SIGHUP)
}
