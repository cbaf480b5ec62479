// Package errs defines the error taxonomy shared by the instrumentation layer.
//
// Three failure classes cross the layer boundary: store failures (the backing
// store was unreachable or rejected an operation), decode failures (a caller
// supplied decode function rejected the stored bytes) and fetch failures (the
// external fetch capability behind the memoizer failed). Each is a concrete
// type that unwraps to its cause, and each matches a sentinel with errors.Is so
// callers can tell "no data" from "corrupt data" from "store down".
//
// A missing key is never an error.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrStore matches every *StoreError.
	ErrStore = errors.New("store failure")
	// ErrDecode matches every *DecodeError.
	ErrDecode = errors.New("decode failure")
	// ErrFetch matches every *FetchError.
	ErrFetch = errors.New("fetch failure")
	// ErrUnsupportedValue is returned when a value is not text, binary, integer or float.
	ErrUnsupportedValue = errors.New("unsupported value type")
)

// StoreError reports a failed store operation.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

// DecodeError reports that stored bytes could not be decoded.
type DecodeError struct {
	Key string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %q: %v", e.Key, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// FetchError reports that the external fetch capability failed.
type FetchError struct {
	Resource string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Resource, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// Store wraps err as a *StoreError unless it already is one. Nil stays nil.
func Store(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Key: key, Err: err}
}
