//go:build windows

package worker

// ignoreHangup is a no-op: Windows has no SIGHUP.
func ignoreHangup() {}
