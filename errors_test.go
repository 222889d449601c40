package doublehead

import (
	"errors"
	"fmt"
	"testing"
)

func TestRejectedError(t *testing.T) {
	err := fmt.Errorf("append: %w", &RejectedError[[]byte]{Value: []byte("payload"), Err: ErrFull})

	if !errors.Is(err, ErrFull) {
		t.Fatalf("expected errors.Is(err, ErrFull)")
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("unexpected errors.Is(err, ErrTimeout)")
	}
	back, ok := Rejected[[]byte](err)
	if !ok || string(back) != "payload" {
		t.Fatalf("expected rejected payload, got %q (ok=%v)", back, ok)
	}
	if _, ok := Rejected[string](err); ok {
		t.Fatalf("expected no string value in a []byte rejection")
	}
	if want := "append: value rejected: vector is full"; err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestIndexError(t *testing.T) {
	err := error(&IndexError{Index: 3, Len: 2})
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("expected errors.Is(err, ErrOutOfBounds)")
	}
	if want := "index out of bounds: index 3, len 2"; err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}
