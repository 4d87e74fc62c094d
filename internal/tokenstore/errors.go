package tokenstore

import "fmt"

// UnavailableError reports that the engine failed to serve the request.
// Callers may retry.
type UnavailableError struct {
	Op  string
	Key string
	Err error
}

func (err *UnavailableError) Error() string {
	return fmt.Sprintf("token store %s %s: %v", err.Op, err.Key, err.Err)
}

func (err *UnavailableError) Unwrap() error { return err.Err }

func (err *UnavailableError) IsTemporary() bool { return true }

func unavailable(op, key string, err error) error {
	return &UnavailableError{Op: op, Key: key, Err: err}
}
