package instrument

import (
	"context"

	"github.com/richardartoul/storetrace/backends"
	"github.com/richardartoul/storetrace/errs"
)

// LoggingOperation records the serialized argument and result of every
// successful call in the operation's call history. Failed calls are not
// recorded.
type LoggingOperation[A, R any] struct {
	inner      Operation[A, R]
	backend    backends.Backend
	serializer Serializer
}

// LoggingOption configures a LoggingOperation.
type LoggingOption func(*loggingOptions)

type loggingOptions struct {
	serializer Serializer
}

// WithSerializer replaces FormatValue for rendering arguments and results.
func WithSerializer(s Serializer) LoggingOption {
	return func(o *loggingOptions) {
		o.serializer = s
	}
}

// Logging wraps inner with call history recording.
func Logging[A, R any](inner Operation[A, R], backend backends.Backend, opts ...LoggingOption) *LoggingOperation[A, R] {
	options := loggingOptions{serializer: FormatValue}
	for _, opt := range opts {
		opt(&options)
	}
	return &LoggingOperation[A, R]{
		inner:      inner,
		backend:    backend,
		serializer: options.serializer,
	}
}

func (l *LoggingOperation[A, R]) Identity() string {
	return l.inner.Identity()
}

// Call serializes arg, delegates, and on success appends the argument tuple
// and the result to the call history. Errors from the inner operation are
// returned unchanged. If recording fails, the inner result is returned along
// with the store error.
func (l *LoggingOperation[A, R]) Call(ctx context.Context, arg A) (R, error) {
	identity := l.inner.Identity()
	input := FormatArgs(arg, l.serializer)

	result, err := l.inner.Call(ctx, arg)
	if err != nil {
		return result, err
	}

	inputsKey := InputsKey(identity)
	if err := l.backend.Append(ctx, inputsKey, []byte(input)); err != nil {
		return result, errs.Store("append", inputsKey, err)
	}
	outputsKey := OutputsKey(identity)
	if err := l.backend.Append(ctx, outputsKey, []byte(l.serializer(result))); err != nil {
		return result, errs.Store("append", outputsKey, err)
	}
	return result, nil
}
