package gridmap

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gridmap/gridmap/pkg/sched"
)

var (
	// ErrTagAlreadyExists reports a submit or rename against a tag that is
	// already taken.
	ErrTagAlreadyExists = errors.New("tag already exists")

	// ErrMapNotFound reports a lookup for a tag with no stored map.
	ErrMapNotFound = errors.New("map not found")

	// ErrEmptyMap reports a submit with no inputs.
	ErrEmptyMap = errors.New("map must have at least one input")

	// ErrNoScheduler reports a live operation on a client that was built
	// without a scheduler. Stored artifacts remain fully readable.
	ErrNoScheduler = errors.New("no scheduler configured")

	// ErrMapRemoved reports use of a map handle whose artifacts have been
	// deleted from the store.
	ErrMapRemoved = errors.New("map has been removed")

	// ErrOutputNotFound reports a non-blocking read of an output that does
	// not exist yet.
	ErrOutputNotFound = errors.New("output not available yet")
)

// InvalidTagError reports a tag that cannot name a map.
type InvalidTagError struct {
	Tag    string
	Reason string
}

func (e *InvalidTagError) Error() string {
	return fmt.Sprintf("invalid tag %q: %s", e.Tag, e.Reason)
}

// DeserializationError reports a stored blob that could not be decoded. It
// names the offending component so one corrupt record never masquerades as
// a map-wide failure.
type DeserializationError struct {
	Tag       string
	Component int
	Record    string
	Err       error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("map %q component %d: cannot decode %s: %v", e.Tag, e.Component, e.Record, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// ComponentFailedError reports a component whose function raised an error
// on the execute node. The full captured report is available via Report.
type ComponentFailedError struct {
	Tag    string
	Report ErrorReport
}

func (e *ComponentFailedError) Error() string {
	return fmt.Sprintf("map %q component %d failed: %s", e.Tag, e.Report.Component, e.Report.Message)
}

// ComponentHeldError reports an access to a component that is held and
// therefore will not produce an output until released.
type ComponentHeldError struct {
	Tag       string
	Component int
	Hold      sched.Hold
}

func (e *ComponentHeldError) Error() string {
	return fmt.Sprintf("map %q component %d is held: %s", e.Tag, e.Component, e.Hold)
}

// ComponentRemovedError reports an access to a component that was removed
// from the scheduler before producing an output.
type ComponentRemovedError struct {
	Tag       string
	Component int
}

func (e *ComponentRemovedError) Error() string {
	return fmt.Sprintf("map %q component %d was removed before finishing", e.Tag, e.Component)
}

// ActiveComponentsError reports a clean refused because components are
// still live on the scheduler.
type ActiveComponentsError struct {
	Tag    string
	Active int
}

func (e *ActiveComponentsError) Error() string {
	return fmt.Sprintf("map %q still has %d active components, remove it first or force", e.Tag, e.Active)
}

// SettledComponentsError reports an operation aimed at components that have
// already reached a terminal state. The scheduler would silently ignore
// them, so the mismatch is an error rather than a partial no-op.
type SettledComponentsError struct {
	Tag        string
	Op         string
	Components []int
}

func (e *SettledComponentsError) Error() string {
	return fmt.Sprintf("%s %q: components %v are already settled", e.Op, e.Tag, e.Components)
}

// InconsistencyError reports a live operation that left the stored view and
// the scheduler's view disagreeing, for example a remove whose cancel never
// settled. The named force variant skips the consistency check.
type InconsistencyError struct {
	Tag    string
	Op     string
	Reason string
	Force  string
}

func (e *InconsistencyError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s of map %q did not settle: %s", e.Op, e.Tag, e.Reason)
	if e.Force != "" {
		fmt.Fprintf(&b, " (use %s to override)", e.Force)
	}
	return b.String()
}

// SchedulerError wraps a failure reported by the external scheduler.
type SchedulerError struct {
	Op  string
	Err error
}

func (e *SchedulerError) Error() string {
	return fmt.Sprintf("scheduler %s: %v", e.Op, e.Err)
}

func (e *SchedulerError) Unwrap() error { return e.Err }
