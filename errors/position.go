package errors

import (
	"errors"
)

// WithPosition decorates the error with the byte offset inside the
// originating query string the error relates to, following the same
// cursor position PostgreSQL reports in the "P" error field.
func WithPosition(err error, position int) error {
	if err == nil {
		return nil
	}

	return &withPosition{cause: err, position: position}
}

// GetPosition returns the query position carried by the given error, if any.
func GetPosition(err error) (int, bool) {
	if c, ok := err.(*withPosition); ok {
		return c.position, true
	}

	if n := errors.Unwrap(err); n != nil {
		return GetPosition(n)
	}

	return 0, false
}

type withPosition struct {
	cause    error
	position int
}

func (w *withPosition) Error() string { return w.cause.Error() }
func (w *withPosition) Unwrap() error { return w.cause }
