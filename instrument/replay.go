package instrument

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/richardartoul/storetrace/backends"
	"github.com/richardartoul/storetrace/errs"
)

// Call is one recorded invocation.
type Call struct {
	Args   string
	Result string
}

// Transcript is a point-in-time snapshot of an operation's call history.
type Transcript struct {
	Identity string
	// Count is the call counter, which includes failed calls. When the
	// operation was not counted it is the number of recorded calls.
	Count int64
	Calls []Call
}

// Replay reads the call history of the operation named identity. The counter
// and the two logs are read independently, so writes racing with Replay may
// be partly reflected. Unpaired trailing log entries are dropped.
func Replay(ctx context.Context, backend backends.Backend, identity string) (*Transcript, error) {
	inputsKey, outputsKey := InputsKey(identity), OutputsKey(identity)
	inputs, err := backend.Range(ctx, inputsKey, 0, -1)
	if err != nil {
		return nil, errs.Store("range", inputsKey, err)
	}
	outputs, err := backend.Range(ctx, outputsKey, 0, -1)
	if err != nil {
		return nil, errs.Store("range", outputsKey, err)
	}

	n := min(len(inputs), len(outputs))
	calls := make([]Call, n)
	for i := 0; i < n; i++ {
		calls[i] = Call{Args: string(inputs[i]), Result: string(outputs[i])}
	}

	count, counted, err := readCounter(ctx, backend, identity)
	if err != nil {
		return nil, err
	}
	if !counted {
		count = int64(n)
	}

	return &Transcript{
		Identity: identity,
		Count:    count,
		Calls:    calls,
	}, nil
}

// String renders the transcript, one line per call after a count line.
func (t *Transcript) String() string {
	var sb strings.Builder
	t.WriteTo(&sb)
	return sb.String()
}

func (t *Transcript) WriteTo(w io.Writer) (int64, error) {
	var total int64
	n, err := fmt.Fprintf(w, "%s was called %d times:\n", t.Identity, t.Count)
	total += int64(n)
	if err != nil {
		return total, err
	}
	for _, c := range t.Calls {
		n, err := fmt.Fprintf(w, "%s(*%s) -> %s\n", t.Identity, c.Args, c.Result)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
