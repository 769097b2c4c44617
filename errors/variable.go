package errors

import (
	"errors"
)

// WithVariableIndex decorates the error with the zero-based bind-variable
// index it relates to, used whenever a parameter fails to coerce during
// BIND so the client can be told exactly which $N was at fault.
func WithVariableIndex(err error, index int) error {
	if err == nil {
		return nil
	}

	return &withVariableIndex{cause: err, index: index}
}

// GetVariableIndex returns the bind-variable index carried by the given
// error, if any.
func GetVariableIndex(err error) (int, bool) {
	if c, ok := err.(*withVariableIndex); ok {
		return c.index, true
	}

	if n := errors.Unwrap(err); n != nil {
		return GetVariableIndex(n)
	}

	return 0, false
}

type withVariableIndex struct {
	cause error
	index int
}

func (w *withVariableIndex) Error() string { return w.cause.Error() }
func (w *withVariableIndex) Unwrap() error { return w.cause }
