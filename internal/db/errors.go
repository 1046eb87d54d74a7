package db

import "errors"

// Error marks a failed store operation so callers can tell storage failures
// apart from transport or state errors.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "db: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsStoreError reports whether err originated in the persistence layer.
func IsStoreError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
