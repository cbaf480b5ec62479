// Package instrument wraps store-backed operations with call counting and a
// persistent call history that can be replayed as a transcript.
//
// Wrappers are decorators over Operation and can be stacked in either order;
// Instrument applies both with counting innermost, so the counter sees every
// attempt while the history records only calls that returned successfully.
// All bookkeeping goes through a backends.Backend:
//
//	<identity>          call counter
//	<identity>:inputs   serialized argument tuples, one per successful call
//	<identity>:outputs  serialized results, one per successful call
package instrument

import (
	"context"

	"github.com/richardartoul/storetrace/backends"
)

// Operation is a named operation that can be instrumented. Identity must be
// stable across instances and distinct across operations: it namespaces the
// operation's counter and call history in the store.
type Operation[A, R any] interface {
	Identity() string
	Call(ctx context.Context, arg A) (R, error)
}

// Args is an argument tuple for operations taking more than one argument.
// It is serialized element by element.
type Args []any

// FuncOperation adapts a function to an Operation.
type FuncOperation[A, R any] struct {
	identity string
	fn       func(ctx context.Context, arg A) (R, error)
}

// Func returns an Operation calling fn under identity.
func Func[A, R any](identity string, fn func(ctx context.Context, arg A) (R, error)) *FuncOperation[A, R] {
	return &FuncOperation[A, R]{identity: identity, fn: fn}
}

func (f *FuncOperation[A, R]) Identity() string {
	return f.identity
}

func (f *FuncOperation[A, R]) Call(ctx context.Context, arg A) (R, error) {
	return f.fn(ctx, arg)
}

// InputsKey is the list holding serialized arguments for identity.
func InputsKey(identity string) string {
	return identity + ":inputs"
}

// OutputsKey is the list holding serialized results for identity.
func OutputsKey(identity string) string {
	return identity + ":outputs"
}

// Instrument wraps op with counting and call history recording.
func Instrument[A, R any](op Operation[A, R], backend backends.Backend, opts ...LoggingOption) *LoggingOperation[A, R] {
	return Logging[A, R](Counting(op, backend), backend, opts...)
}
