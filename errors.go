package doublehead

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCapacity = fmt.Errorf("capacity must be > 0")
	ErrFull            = fmt.Errorf("vector is full")
	ErrOutOfBounds     = fmt.Errorf("index out of bounds")
	ErrTimeout         = fmt.Errorf("timeout")
	ErrBusy            = fmt.Errorf("writer gate is busy")
	ErrContended       = fmt.Errorf("read retries exhausted")
	ErrQueueIsFull     = fmt.Errorf("queue is full")
	ErrStopped         = fmt.Errorf("feeder stopped")
)

// RejectedError is returned when a value could not be appended.
// The caller gets the value back untouched and may retry or drop it.
type RejectedError[T any] struct {
	Value T
	Err   error
}

func (e *RejectedError[T]) Error() string {
	return "value rejected: " + e.Err.Error()
}

func (e *RejectedError[T]) Unwrap() error {
	return e.Err
}

// Rejected extracts the value carried by a *RejectedError[T] in err's chain.
func Rejected[T any](err error) (T, bool) {
	var re *RejectedError[T]
	if errors.As(err, &re) {
		return re.Value, true
	}
	var zero T
	return zero, false
}

// IndexError reports a lookup past the published length.
type IndexError struct {
	Index int
	Len   int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index out of bounds: index %d, len %d", e.Index, e.Len)
}

func (e *IndexError) Is(target error) bool {
	return target == ErrOutOfBounds
}
