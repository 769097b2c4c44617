package buffer

import (
	"errors"
	"fmt"
)

// ErrMessageSizeExceeded is the sentinel compared against with errors.Is
// whenever a client message exceeds the configured maximum message size.
var ErrMessageSizeExceeded = errors.New("message size exceeded")

// MessageSizeExceeded carries the offending message size alongside the
// configured maximum, so callers can report both in a BadProtocol error.
type MessageSizeExceeded struct {
	Max  int
	Size int
}

func (e *MessageSizeExceeded) Error() string {
	return fmt.Sprintf("message of size %d exceeds the maximum allowed size of %d", e.Size, e.Max)
}

func (e *MessageSizeExceeded) Unwrap() error {
	return ErrMessageSizeExceeded
}

// NewMessageSizeExceeded constructs an error reported whenever an incoming
// message exceeds the reader's configured maximum message size.
func NewMessageSizeExceeded(max, size int) error {
	return &MessageSizeExceeded{Max: max, Size: size}
}

// UnwrapMessageSizeExceeded extracts the *MessageSizeExceeded detail from an
// error chain, mirroring the errors.As pattern used across the codebase.
func UnwrapMessageSizeExceeded(err error) (*MessageSizeExceeded, bool) {
	var exceeded *MessageSizeExceeded
	ok := errors.As(err, &exceeded)
	return exceeded, ok
}

// ErrMissingNulTerminator is returned whenever a null-terminated string
// field is read but the terminator byte cannot be found inside the message.
var ErrMissingNulTerminator = errors.New("missing nul terminator in message field")

// NewMissingNulTerminator constructs a missing nul terminator error.
func NewMissingNulTerminator() error {
	return ErrMissingNulTerminator
}

// ErrInsufficientData is returned whenever a fixed-width field is read past
// the end of the currently buffered message.
var ErrInsufficientData = errors.New("insufficient data remaining in message")

// InsufficientData carries the number of bytes that were actually available
// when a fixed-width read failed.
type InsufficientData struct {
	Remaining int
}

func (e *InsufficientData) Error() string {
	return fmt.Sprintf("insufficient data remaining in message: %d bytes left", e.Remaining)
}

func (e *InsufficientData) Unwrap() error {
	return ErrInsufficientData
}

// NewInsufficientData constructs an error reported whenever a fixed-width
// read runs past the end of the buffered message.
func NewInsufficientData(remaining int) error {
	return &InsufficientData{Remaining: remaining}
}
