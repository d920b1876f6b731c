package gridmap

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/gridmap/gridmap/internal/codec"
	"github.com/gridmap/gridmap/internal/store"
)

// Result is the outcome of one component as yielded by the iterators. Err
// carries per-component failures (a failed function, an unreadable blob, a
// hold) so one bad component never hides its siblings.
type Result struct {
	Component int
	Args      []any
	Value     any
	Err       error
}

// Get returns a component's output without waiting. If the component has
// not produced an output yet the error explains why: still pending, held,
// or removed. A failed component returns its ComponentFailedError.
func (m *Map) Get(component int) (any, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	if err := m.checkComponent(component); err != nil {
		return nil, err
	}
	if m.md.HasOutput(component) {
		return m.decodeOutput(component)
	}
	return nil, m.pendingError(context.Background(), component)
}

// GetContext waits for a component to settle and returns its output. Held
// and removed components fail immediately since they will not settle on
// their own; cancel the context to bound the wait.
func (m *Map) GetContext(ctx context.Context, component int) (any, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	if err := m.checkComponent(component); err != nil {
		return nil, err
	}
	for {
		if m.md.HasOutput(component) {
			return m.decodeOutput(component)
		}
		status, err := m.tracker.Status(ctx, component)
		if err != nil {
			return nil, err
		}
		switch status {
		case StatusHeld:
			hold, _, err := m.tracker.Hold(ctx, component)
			if err != nil {
				return nil, err
			}
			return nil, &ComponentHeldError{Tag: m.Tag(), Component: component, Hold: hold}
		case StatusRemoved:
			return nil, &ComponentRemovedError{Tag: m.Tag(), Component: component}
		}
		if err := sleep(ctx, m.client.settings.PollInterval); err != nil {
			return nil, err
		}
	}
}

// Wait blocks until every component has settled: completed, errored, or
// removed. Held components will never settle on their own, so Wait fails as
// soon as it sees one. Errored components do not fail Wait; inspect them
// afterwards.
func (m *Map) Wait(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	for {
		statuses, err := m.tracker.Statuses(ctx)
		if err != nil {
			return err
		}
		for i, s := range statuses {
			if s == StatusHeld {
				hold, _, err := m.tracker.Hold(ctx, i)
				if err != nil {
					return err
				}
				return &ComponentHeldError{Tag: m.Tag(), Component: i, Hold: hold}
			}
		}
		if CountStatuses(statuses).Active() == 0 {
			return nil
		}
		if err := sleep(ctx, m.client.settings.PollInterval); err != nil {
			return err
		}
	}
}

// Values waits for the whole map and returns the outputs in component
// order. The first component failure aborts the collection.
func (m *Map) Values(ctx context.Context) ([]any, error) {
	out := make([]any, 0, m.n)
	for r := range m.Iter(ctx) {
		if r.Err != nil {
			return nil, r.Err
		}
		out = append(out, r.Value)
	}
	if len(out) != m.n {
		// The iterator stopped early, which only happens on a dead context.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("map %q: collected %d of %d outputs", m.Tag(), len(out), m.n)
	}
	return out, nil
}

// Iter yields every component's outcome in order, waiting for each one to
// settle. Per-component failures are yielded and iteration continues;
// context cancellation stops it.
func (m *Map) Iter(ctx context.Context) iter.Seq[Result] {
	return m.iterate(ctx, false)
}

// IterWithInputs is Iter with each component's stored arguments attached,
// for pairing outputs back up with what produced them.
func (m *Map) IterWithInputs(ctx context.Context) iter.Seq[Result] {
	return m.iterate(ctx, true)
}

func (m *Map) iterate(ctx context.Context, withInputs bool) iter.Seq[Result] {
	return func(yield func(Result) bool) {
		if err := m.guard(); err != nil {
			yield(Result{Component: 0, Err: err})
			return
		}
		for i := range m.n {
			r := Result{Component: i}
			if withInputs {
				args, err := m.Input(i)
				if err != nil {
					if !yield(Result{Component: i, Err: err}) {
						return
					}
					continue
				}
				r.Args = args
			}
			r.Value, r.Err = m.GetContext(ctx, i)
			if !yield(r) {
				return
			}
			if r.Err != nil && fatalIterError(r.Err) {
				return
			}
		}
	}
}

func fatalIterError(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrMapRemoved)
}

// ErrorReport returns the stored failure report of an errored component.
func (m *Map) ErrorReport(component int) (*ErrorReport, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	if err := m.checkComponent(component); err != nil {
		return nil, err
	}
	if !m.md.HasOutput(component) {
		return nil, m.pendingError(context.Background(), component)
	}
	data, err := m.md.ReadOutput(component)
	if err != nil {
		return nil, fmt.Errorf("map %q component %d: %w", m.Tag(), component, err)
	}
	_, report, err := codec.DecodeResult(data)
	if err != nil {
		return nil, &DeserializationError{Tag: m.Tag(), Component: component, Record: store.OutputFile(component), Err: err}
	}
	if report == nil {
		return nil, fmt.Errorf("map %q component %d completed successfully, no error report", m.Tag(), component)
	}
	out := reportFromCodec(*report)
	return &out, nil
}

// ErrorReports collects the failure reports of every errored component, in
// component order. Unreadable reports are skipped with a warning.
func (m *Map) ErrorReports(ctx context.Context) ([]ErrorReport, error) {
	statuses, err := m.ComponentStatuses(ctx)
	if err != nil {
		return nil, err
	}
	var out []ErrorReport
	for i, s := range statuses {
		if s != StatusErrored {
			continue
		}
		report, err := m.ErrorReport(i)
		if err != nil {
			m.client.log.Warn("skipping unreadable error report",
				"tag", m.Tag(), "component", i, "error", err)
			continue
		}
		out = append(out, *report)
	}
	return out, nil
}

func (m *Map) decodeOutput(component int) (any, error) {
	data, err := m.md.ReadOutput(component)
	if err != nil {
		return nil, fmt.Errorf("map %q component %d: %w", m.Tag(), component, err)
	}
	value, report, err := codec.DecodeResult(data)
	if err != nil {
		return nil, &DeserializationError{Tag: m.Tag(), Component: component, Record: store.OutputFile(component), Err: err}
	}
	if report != nil {
		return nil, &ComponentFailedError{Tag: m.Tag(), Report: reportFromCodec(*report)}
	}
	return value, nil
}

// pendingError explains why a component has no output right now.
func (m *Map) pendingError(ctx context.Context, component int) error {
	status, err := m.tracker.Status(ctx, component)
	if err != nil {
		return err
	}
	switch status {
	case StatusHeld:
		hold, _, err := m.tracker.Hold(ctx, component)
		if err != nil {
			return err
		}
		return &ComponentHeldError{Tag: m.Tag(), Component: component, Hold: hold}
	case StatusRemoved:
		return &ComponentRemovedError{Tag: m.Tag(), Component: component}
	default:
		return fmt.Errorf("map %q component %d is %s: %w", m.Tag(), component, status, ErrOutputNotFound)
	}
}
