package gridmap

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/gridmap/gridmap/internal/codec"
	"github.com/gridmap/gridmap/internal/shared/logging"
	"github.com/gridmap/gridmap/internal/store"
	"github.com/gridmap/gridmap/pkg/sched"
)

// tracker derives component statuses by folding the scheduler's event
// stream into per-component state and then correcting it against the
// store's ground truth: a stored output or error blob decides COMPLETED
// versus ERRORED no matter what the events said. Consumed event offsets and
// derived state are checkpointed beside the map so a fresh process resumes
// where the last one stopped.
type tracker struct {
	mu     sync.Mutex
	md     *store.MapDir
	events sched.EventSource
	n      int
	log    logging.Logger

	loaded        bool
	offset        int64
	statuses      []ComponentStatus
	holds         map[int]sched.Hold
	usage         []ComponentUsage
	sawTerminated map[int]bool
	missing       map[int]bool
}

// trackerState is the persisted shape of the derived state.
type trackerState struct {
	Statuses   []ComponentStatus  `json:"statuses"`
	Holds      map[int]sched.Hold `json:"holds,omitempty"`
	Usage      []ComponentUsage   `json:"usage"`
	Terminated map[int]bool       `json:"terminated,omitempty"`
}

func newTracker(md *store.MapDir, events sched.EventSource, n int, log logging.Logger) *tracker {
	return &tracker{
		md:     md,
		events: events,
		n:      n,
		log:    log,
	}
}

// Statuses returns the current status of every component.
func (t *tracker) Statuses(ctx context.Context) ([]ComponentStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.refresh(ctx); err != nil {
		return nil, err
	}
	out := make([]ComponentStatus, t.n)
	copy(out, t.statuses)
	return out, nil
}

// Status returns the status of one component.
func (t *tracker) Status(ctx context.Context, component int) (ComponentStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.refresh(ctx); err != nil {
		return "", err
	}
	return t.statuses[component], nil
}

// Holds returns the hold reasons of currently held components.
func (t *tracker) Holds(ctx context.Context) (map[int]sched.Hold, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.refresh(ctx); err != nil {
		return nil, err
	}
	out := make(map[int]sched.Hold, len(t.holds))
	for i, h := range t.holds {
		out[i] = h
	}
	return out, nil
}

// Hold returns the hold of one component, if it is held.
func (t *tracker) Hold(ctx context.Context, component int) (sched.Hold, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.refresh(ctx); err != nil {
		return sched.Hold{}, false, err
	}
	h, ok := t.holds[component]
	return h, ok, nil
}

// Usage returns per-component resource usage for the most recent attempt.
func (t *tracker) Usage(ctx context.Context) ([]ComponentUsage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.refresh(ctx); err != nil {
		return nil, err
	}
	out := make([]ComponentUsage, t.n)
	copy(out, t.usage)
	return out, nil
}

// MissingOutputs lists components the scheduler reported as finished whose
// output blob never appeared. A non-empty result usually means the execute
// side could not write to the store.
func (t *tracker) MissingOutputs(ctx context.Context) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.refresh(ctx); err != nil {
		return nil, err
	}
	out := make([]int, 0, len(t.missing))
	for i := range t.missing {
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}

// Reset returns components to IDLE ahead of a rerun, clearing their holds,
// usage, and terminal state. The caller must have cleared their outputs
// from the store first, otherwise the next refresh re-derives the old
// terminal status from the leftover blob.
func (t *tracker) Reset(components []int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.load(); err != nil {
		return err
	}
	for _, i := range components {
		if i < 0 || i >= t.n {
			return fmt.Errorf("component %d out of range [0, %d)", i, t.n)
		}
	}
	for _, i := range components {
		t.statuses[i] = StatusIdle
		t.usage[i] = ComponentUsage{}
		delete(t.holds, i)
		delete(t.sawTerminated, i)
		delete(t.missing, i)
	}
	return t.persist()
}

func (t *tracker) load() error {
	if t.loaded {
		return nil
	}
	t.statuses = make([]ComponentStatus, t.n)
	for i := range t.statuses {
		t.statuses[i] = StatusIdle
	}
	t.usage = make([]ComponentUsage, t.n)
	t.holds = make(map[int]sched.Hold)
	t.sawTerminated = make(map[int]bool)
	t.missing = make(map[int]bool)

	if data, err := t.md.ReadRecord(store.RecordMapState); err == nil {
		var saved trackerState
		if err := codec.DecodeJSON(data, &saved); err != nil {
			t.log.Warn("discarding unreadable state checkpoint", "map", t.md.Tag(), "error", err)
		} else if len(saved.Statuses) != t.n {
			t.log.Warn("discarding state checkpoint with wrong component count",
				"map", t.md.Tag(), "checkpoint", len(saved.Statuses), "components", t.n)
		} else {
			copy(t.statuses, saved.Statuses)
			copy(t.usage, saved.Usage)
			for i, h := range saved.Holds {
				t.holds[i] = h
			}
			for i, v := range saved.Terminated {
				t.sawTerminated[i] = v
			}
		}
	}

	if data, err := t.md.ReadRecord(store.RecordEventsOffset); err == nil {
		offset, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil || offset < 0 {
			t.log.Warn("discarding unreadable offset checkpoint", "map", t.md.Tag())
			t.offset = 0
		} else {
			t.offset = offset
		}
	}

	t.loaded = true
	return nil
}

// refresh consumes new events and re-checks the store. Callers hold t.mu.
func (t *tracker) refresh(ctx context.Context) error {
	if err := t.load(); err != nil {
		return err
	}

	events, next, err := t.events.ReadEvents(ctx, t.offset)
	if err != nil {
		return fmt.Errorf("map %q: %w", t.md.Tag(), err)
	}

	// Statuses already terminal at the start of a pass are settled and
	// ignore both late events and late blobs. Transitions derived within
	// this pass stay tentative until the store check below confirms or
	// overrides them.
	frozen := make([]bool, t.n)
	for i, s := range t.statuses {
		frozen[i] = s.Terminal()
	}

	changed := next != t.offset
	for _, ev := range events {
		t.apply(ev, frozen)
	}
	t.offset = next

	for i := range t.n {
		if frozen[i] {
			continue
		}
		if t.md.HasOutput(i) {
			was := t.statuses[i]
			t.statuses[i] = t.statusFromBlob(i)
			delete(t.missing, i)
			delete(t.holds, i)
			if t.statuses[i] != was {
				changed = true
			}
			continue
		}
		if t.sawTerminated[i] && !t.statuses[i].Terminal() && !t.missing[i] {
			t.missing[i] = true
			changed = true
			t.log.Warn("component finished without writing an output",
				"map", t.md.Tag(), "component", i)
		}
	}

	if changed {
		if err := t.persist(); err != nil {
			return err
		}
	}
	return nil
}

func (t *tracker) apply(ev sched.Event, frozen []bool) {
	i := ev.Component
	if i < 0 || i >= t.n {
		t.log.Warn("event for unknown component", "map", t.md.Tag(), "component", i, "kind", ev.Kind)
		return
	}
	if frozen[i] {
		return
	}
	switch ev.Kind {
	case sched.EventSubmitted:
		t.statuses[i] = StatusIdle
	case sched.EventExecuting:
		// A fresh attempt starts; usage reflects only this attempt.
		t.statuses[i] = StatusRunning
		t.usage[i] = ComponentUsage{}
	case sched.EventEvicted:
		t.statuses[i] = StatusIdle
	case sched.EventHeld:
		t.statuses[i] = StatusHeld
		if ev.Hold != nil {
			t.holds[i] = *ev.Hold
		} else {
			t.holds[i] = sched.Hold{Reason: "held for an unreported reason"}
		}
	case sched.EventReleased:
		t.statuses[i] = StatusIdle
		delete(t.holds, i)
	case sched.EventTerminated:
		t.sawTerminated[i] = true
		if ev.Usage != nil {
			t.recordUsage(i, *ev.Usage)
		}
	case sched.EventAborted:
		t.statuses[i] = StatusRemoved
		delete(t.holds, i)
	case sched.EventUsage:
		if ev.Usage != nil {
			t.recordUsage(i, *ev.Usage)
		}
	default:
		t.log.Warn("unknown event kind", "map", t.md.Tag(), "kind", ev.Kind)
	}
}

func (t *tracker) recordUsage(i int, u sched.Usage) {
	if u.Runtime > 0 {
		t.usage[i].Runtime = u.Runtime
	}
	if u.MemoryMB > t.usage[i].PeakMemoryMB {
		t.usage[i].PeakMemoryMB = u.MemoryMB
	}
}

// statusFromBlob inspects a stored output-or-error blob. An unreadable blob
// still counts as ERRORED so the failure surfaces in status listings; the
// decode error itself is reported when the component is actually read.
func (t *tracker) statusFromBlob(i int) ComponentStatus {
	data, err := t.md.ReadOutput(i)
	if err != nil {
		t.log.Warn("output blob went missing during refresh", "map", t.md.Tag(), "component", i)
		return t.statuses[i]
	}
	kind, err := codec.Peek(data)
	if err != nil {
		t.log.Warn("output blob is unreadable", "map", t.md.Tag(), "component", i, "error", err)
		return StatusErrored
	}
	if kind == codec.KindError {
		return StatusErrored
	}
	return StatusCompleted
}

func (t *tracker) persist() error {
	state := trackerState{
		Statuses:   t.statuses,
		Usage:      t.usage,
		Holds:      t.holds,
		Terminated: t.sawTerminated,
	}
	data, err := codec.EncodeJSON(state)
	if err != nil {
		return fmt.Errorf("map %q: checkpoint state: %w", t.md.Tag(), err)
	}
	if err := t.md.WriteRecord(store.RecordMapState, data); err != nil {
		return fmt.Errorf("map %q: checkpoint state: %w", t.md.Tag(), err)
	}
	offset := strconv.FormatInt(t.offset, 10) + "\n"
	if err := t.md.WriteRecord(store.RecordEventsOffset, []byte(offset)); err != nil {
		return fmt.Errorf("map %q: checkpoint offset: %w", t.md.Tag(), err)
	}
	return nil
}
