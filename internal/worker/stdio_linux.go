//go:build linux

package worker

import (
	"os"

	"golang.org/x/sys/unix"
)

// rebindStdio points fds 1 and 2 at the worker log so runtime panics and
// stray writes land there instead of a closed terminal.
func rebindStdio(f *os.File) error {
	fd := int(f.Fd())
	if err := unix.Dup3(fd, 1, 0); err != nil {
		return err
	}
	if err := unix.Dup3(fd, 2, 0); err != nil {
		return err
	}
	os.Stdout = f
	os.Stderr = f
	return nil
}
