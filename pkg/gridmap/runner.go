package gridmap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/gridmap/gridmap/internal/codec"
	"github.com/gridmap/gridmap/internal/store"
	"github.com/gridmap/gridmap/pkg/funcs"
)

// RunComponent executes one component the way an execute node does: resolve
// the stored function against this binary's registry, decode the input,
// run, and durably store the output. A failing or panicking function is not
// an error here; its captured report is stored in place of the output so
// the submit side can inspect it. Errors are reserved for infrastructure
// problems (unreadable records, unresolvable functions, an unwritable
// store), which the scheduler should surface as holds rather than results.
//
// The paths arrive through the submit description, already expanded for
// this component.
func RunComponent(ctx context.Context, funcPath, inputPath, outputPath string, component int) error {
	funcBlob, err := os.ReadFile(funcPath)
	if err != nil {
		return fmt.Errorf("component %d: read function record: %w", component, err)
	}
	v, err := codec.Decode(funcBlob, codec.KindFunction)
	if err != nil {
		return fmt.Errorf("component %d: %w", component, err)
	}
	spec, ok := v.(codec.FuncSpec)
	if !ok {
		return fmt.Errorf("component %d: function record holds %T", component, v)
	}
	fn, err := funcs.Get(spec.Name)
	if err != nil {
		return fmt.Errorf("component %d: %w", component, err)
	}

	inputBlob, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("component %d: read input record: %w", component, err)
	}
	in, err := codec.Decode(inputBlob, codec.KindInput)
	if err != nil {
		return fmt.Errorf("component %d: %w", component, err)
	}
	args, ok := in.([]any)
	if !ok {
		return fmt.Errorf("component %d: input record holds %T", component, in)
	}

	started := time.Now().UTC()
	value, runErr, stack := call(ctx, fn, args)

	// An attempt interrupted by the scheduler (eviction, hold, removal)
	// stores nothing: the component did not fail, it just stopped. Only a
	// cooperative function can notice, so this fires when it returned the
	// context's own error.
	if ctx.Err() != nil && runErr != nil && errors.Is(runErr, ctx.Err()) {
		return fmt.Errorf("component %d interrupted: %w", component, ctx.Err())
	}

	var blob []byte
	if runErr == nil {
		blob, err = codec.Encode(codec.KindOutput, value)
		if err != nil {
			// Unencodable return values are the function's fault, most
			// often a type not registered with gob. Report it like any
			// other failure so the submit side sees what happened.
			runErr = fmt.Errorf("output of %q cannot be stored: %w", fn.Name(), err)
			stack = ""
		}
	}
	if runErr != nil {
		host, _ := os.Hostname()
		report := codec.ErrorReport{
			Component:  component,
			Message:    runErr.Error(),
			ErrorType:  errorType(runErr, stack != ""),
			Stack:      stack,
			Host:       host,
			GoVersion:  runtime.Version(),
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
		}
		blob, err = codec.Encode(codec.KindError, report)
		if err != nil {
			return fmt.Errorf("component %d: encode error report: %w", component, err)
		}
	}

	if err := store.AtomicWrite(outputPath, blob); err != nil {
		return fmt.Errorf("component %d: %w", component, err)
	}
	return nil
}

// call runs the function, converting panics into errors with their stack.
func call(ctx context.Context, fn *funcs.Func, args []any) (value any, err error, stack string) {
	defer func() {
		if r := recover(); r != nil {
			value = nil
			err = fmt.Errorf("panic: %v", r)
			stack = string(debug.Stack())
		}
	}()
	value, err = fn.Call(ctx, args...)
	return
}

func errorType(err error, panicked bool) string {
	if panicked {
		return "panic"
	}
	return fmt.Sprintf("%T", err)
}
