package store

import "fmt"

// ConnectionError indicates the session store could not be opened or the
// connection was lost. Callers surface it; the CLI maps it to an internal
// error exit.
type ConnectionError struct {
	Path string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session store unavailable at %s: %v", e.Path, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
