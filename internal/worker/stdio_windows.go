//go:build windows

package worker

import "os"

// rebindStdio swaps the Go-level stdio files. Fd-level redirection is not
// attempted on Windows; the spawner already pointed the process handles at
// the session log.
func rebindStdio(f *os.File) error {
	os.Stdout = f
	os.Stderr = f
	return nil
}
