// Package gridmap manages function maps on an external batch scheduler:
// apply a registered function to a list of inputs, persist every artifact
// of that application, and track the components as the scheduler runs them.
//
// Maps are durable. Submitting stores the function reference, the encoded
// inputs, and the exact submit description before the scheduler sees
// anything, so a map can be reloaded by tag from any process, watched while
// it runs, held, released, rerun, renamed, and finally cleaned away.
//
// The minimal round trip:
//
//	double := funcs.MustRegister("double", func(_ context.Context, args ...any) (any, error) {
//		return args[0].(int) * 2, nil
//	})
//
//	client, _ := gridmap.New(settings, scheduler)
//	m, _ := client.Submit(ctx, "doubles", double, []any{0, 1, 2}, nil)
//	values, _ := m.Values(ctx) // [0, 2, 4]
//
// Component state is derived, never trusted blindly: the scheduler's event
// stream drives IDLE, RUNNING, and HELD, while the store's output and error
// blobs decide COMPLETED and ERRORED. When the two disagree, the store
// wins.
package gridmap
