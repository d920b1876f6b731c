package gridmap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gridmap/gridmap/internal/codec"
	"github.com/gridmap/gridmap/internal/store"
	"github.com/gridmap/gridmap/pkg/sched"
)

// Map is a handle on one stored map: the durable artifacts of applying a
// function across a list of inputs on the scheduler. Handles stay valid
// across processes; everything they expose is derived from the store and
// the event log, not from in-memory session state.
type Map struct {
	client  *Client
	md      *store.MapDir
	n       int
	tracker *tracker

	mu       sync.Mutex
	clusters []sched.ClusterID

	invalid atomic.Bool
}

// Tag returns the map's current tag.
func (m *Map) Tag() string { return m.md.Tag() }

// Len returns the number of components.
func (m *Map) Len() int { return m.n }

// Components returns every component index in order.
func (m *Map) Components() []int {
	out := make([]int, m.n)
	for i := range out {
		out[i] = i
	}
	return out
}

// Transient reports whether the map was submitted without an explicit tag.
func (m *Map) Transient() bool { return m.md.HasRecord(store.MarkerTransient) }

// Removed reports whether the map has been removed from the scheduler. A
// removed map's artifacts stay readable until cleaned.
func (m *Map) Removed() bool { return m.md.HasRecord(store.MarkerRemoved) }

// ClusterIDs returns every scheduler cluster this map has submitted, oldest
// first. Reruns append new clusters.
func (m *Map) ClusterIDs() []sched.ClusterID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sched.ClusterID, len(m.clusters))
	copy(out, m.clusters)
	return out
}

// FunctionName returns the registered name of the mapped function.
func (m *Map) FunctionName() (string, error) {
	if err := m.guard(); err != nil {
		return "", err
	}
	data, err := m.md.ReadRecord(store.RecordFunc)
	if err != nil {
		return "", fmt.Errorf("map %q: %w", m.Tag(), err)
	}
	v, err := codec.Decode(data, codec.KindFunction)
	if err != nil {
		return "", &DeserializationError{Tag: m.Tag(), Component: -1, Record: store.RecordFunc, Err: err}
	}
	spec, ok := v.(codec.FuncSpec)
	if !ok {
		return "", &DeserializationError{Tag: m.Tag(), Component: -1, Record: store.RecordFunc,
			Err: fmt.Errorf("unexpected payload %T", v)}
	}
	return spec.Name, nil
}

// DiskUsage returns the bytes the map occupies in the store.
func (m *Map) DiskUsage() (int64, error) {
	if err := m.guard(); err != nil {
		return 0, err
	}
	return m.md.DiskUsage()
}

// Created returns the map's creation time.
func (m *Map) Created() (time.Time, error) {
	if err := m.guard(); err != nil {
		return time.Time{}, err
	}
	return m.md.CreatedAt()
}

// Status summarizes the map for listings.
func (m *Map) Status(ctx context.Context) (MapStatus, error) {
	statuses, err := m.ComponentStatuses(ctx)
	if err != nil {
		return MapStatus{}, err
	}
	disk, err := m.md.DiskUsage()
	if err != nil {
		return MapStatus{}, err
	}
	return MapStatus{
		Tag:        m.Tag(),
		Transient:  m.Transient(),
		Removed:    m.Removed(),
		Components: m.n,
		Counts:     CountStatuses(statuses),
		DiskBytes:  disk,
	}, nil
}

// ComponentStatuses returns the status of every component.
func (m *Map) ComponentStatuses(ctx context.Context) ([]ComponentStatus, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	return m.tracker.Statuses(ctx)
}

// ComponentStatus returns the status of one component.
func (m *Map) ComponentStatus(ctx context.Context, component int) (ComponentStatus, error) {
	if err := m.guard(); err != nil {
		return "", err
	}
	if err := m.checkComponent(component); err != nil {
		return "", err
	}
	return m.tracker.Status(ctx, component)
}

// ComponentsByStatus groups component indexes by their current status.
func (m *Map) ComponentsByStatus(ctx context.Context) (map[ComponentStatus][]int, error) {
	statuses, err := m.ComponentStatuses(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[ComponentStatus][]int)
	for i, s := range statuses {
		out[s] = append(out[s], i)
	}
	return out, nil
}

// Holds returns the hold reasons of currently held components.
func (m *Map) Holds(ctx context.Context) (map[int]sched.Hold, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	return m.tracker.Holds(ctx)
}

// Usage returns per-component resource usage for the most recent attempt
// of each component.
func (m *Map) Usage(ctx context.Context) ([]ComponentUsage, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	return m.tracker.Usage(ctx)
}

// MissingOutputs lists components the scheduler finished without a stored
// output. See tracker.MissingOutputs.
func (m *Map) MissingOutputs(ctx context.Context) ([]int, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	return m.tracker.MissingOutputs(ctx)
}

// Input returns the stored arguments of one component.
func (m *Map) Input(component int) ([]any, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	if err := m.checkComponent(component); err != nil {
		return nil, err
	}
	data, err := m.md.ReadInput(component)
	if err != nil {
		return nil, fmt.Errorf("map %q component %d: %w", m.Tag(), component, err)
	}
	v, err := codec.Decode(data, codec.KindInput)
	if err != nil {
		return nil, &DeserializationError{Tag: m.Tag(), Component: component, Record: store.InputFile(component), Err: err}
	}
	args, ok := v.([]any)
	if !ok {
		return nil, &DeserializationError{Tag: m.Tag(), Component: component, Record: store.InputFile(component),
			Err: fmt.Errorf("unexpected payload %T", v)}
	}
	return args, nil
}

// Hold pauses components on the scheduler. With no arguments the whole map
// is held.
func (m *Map) Hold(ctx context.Context, components ...int) error {
	return m.act(ctx, "hold", components, func(ctx context.Context, cluster sched.ClusterID, comps []int) error {
		return m.client.scheduler.Hold(ctx, cluster, comps)
	})
}

// Release returns held components to the queue.
func (m *Map) Release(ctx context.Context, components ...int) error {
	return m.act(ctx, "release", components, func(ctx context.Context, cluster sched.ClusterID, comps []int) error {
		return m.client.scheduler.Release(ctx, cluster, comps)
	})
}

// Vacate evicts running components back to the queue. Their next attempt
// starts from scratch.
func (m *Map) Vacate(ctx context.Context, components ...int) error {
	return m.act(ctx, "vacate", components, func(ctx context.Context, cluster sched.ClusterID, comps []int) error {
		return m.client.scheduler.Vacate(ctx, cluster, comps)
	})
}

// Edit changes a scheduler attribute on live components, for example
// "request_memory". Attributes owned by the library cannot be edited, and
// the target set must not include settled components: the scheduler would
// ignore them, so asking is an error rather than a silent partial edit.
func (m *Map) Edit(ctx context.Context, attr, value string, components ...int) error {
	if reservedDescriptionKeys[attr] {
		return fmt.Errorf("map %q: attribute %q is reserved", m.Tag(), attr)
	}
	for _, i := range components {
		if err := m.checkComponent(i); err != nil {
			return err
		}
	}
	statuses, err := m.ComponentStatuses(ctx)
	if err != nil {
		return err
	}
	targets := components
	if len(targets) == 0 {
		targets = m.Components()
	}
	var settled []int
	for _, i := range targets {
		if statuses[i].Terminal() {
			settled = append(settled, i)
		}
	}
	if len(settled) > 0 {
		return &SettledComponentsError{Tag: m.Tag(), Op: "edit", Components: settled}
	}
	return m.act(ctx, "edit", components, func(ctx context.Context, cluster sched.ClusterID, comps []int) error {
		return m.client.scheduler.Edit(ctx, cluster, comps, attr, value)
	})
}

func (m *Map) act(ctx context.Context, op string, components []int, f func(context.Context, sched.ClusterID, []int) error) error {
	if err := m.live(); err != nil {
		return err
	}
	for _, i := range components {
		if err := m.checkComponent(i); err != nil {
			return err
		}
	}
	// Reruns spread a map's components over several clusters. Each cluster
	// receives the same target set and applies the part it holds; clusters
	// that never queued a targeted component ignore it.
	for _, cluster := range m.ClusterIDs() {
		if err := f(ctx, cluster, components); err != nil {
			return &SchedulerError{Op: fmt.Sprintf("%s %q cluster %s", op, m.Tag(), cluster), Err: err}
		}
	}
	return nil
}

// Remove cancels every live component and marks the map removed. The
// cancellations must settle within the configured remove timeout; if they
// do not, the store and scheduler views disagree and an InconsistencyError
// points at ForceRemove.
func (m *Map) Remove(ctx context.Context) error {
	if err := m.live(); err != nil {
		return err
	}
	clusters := m.ClusterIDs()
	if len(clusters) == 0 {
		// Never dispatched; nothing on the scheduler to settle.
		return m.markRemoved()
	}
	for _, cluster := range clusters {
		if err := m.client.scheduler.Cancel(ctx, cluster, nil); err != nil {
			return &SchedulerError{Op: fmt.Sprintf("remove %q cluster %s", m.Tag(), cluster), Err: err}
		}
	}

	deadline := time.Now().Add(m.client.settings.RemoveTimeout)
	for {
		statuses, err := m.tracker.Statuses(ctx)
		if err != nil {
			return err
		}
		if CountStatuses(statuses).Active() == 0 {
			break
		}
		if time.Now().After(deadline) {
			return &InconsistencyError{
				Tag:    m.Tag(),
				Op:     "remove",
				Reason: "components still active after cancellation",
				Force:  "force-remove",
			}
		}
		if err := sleep(ctx, m.client.settings.PollInterval); err != nil {
			return err
		}
	}
	return m.markRemoved()
}

// ForceRemove marks the map removed without waiting for the scheduler.
// Cancellations are attempted when a scheduler is configured, but their
// failures are logged rather than returned.
func (m *Map) ForceRemove(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	if m.client.scheduler != nil {
		for _, cluster := range m.ClusterIDs() {
			if err := m.client.scheduler.Cancel(ctx, cluster, nil); err != nil {
				m.client.log.Warn("cancel during force remove failed",
					"tag", m.Tag(), "cluster", cluster, "error", err)
			}
		}
	}
	return m.markRemoved()
}

func (m *Map) markRemoved() error {
	if err := m.md.WriteRecord(store.MarkerRemoved, nil); err != nil {
		return fmt.Errorf("map %q: %w", m.Tag(), err)
	}
	m.client.log.Info("map removed", "tag", m.Tag())
	return nil
}

// Rerun resubmits components that have already reached a terminal state,
// replaying the stored submit description and itemdata rows. With no
// arguments every terminal component is rerun. Their previous outputs are
// discarded first.
func (m *Map) Rerun(ctx context.Context, components ...int) error {
	if err := m.live(); err != nil {
		return err
	}
	statuses, err := m.tracker.Statuses(ctx)
	if err != nil {
		return err
	}
	if len(components) == 0 {
		for i, s := range statuses {
			if s.Terminal() {
				components = append(components, i)
			}
		}
	} else {
		for _, i := range components {
			if err := m.checkComponent(i); err != nil {
				return err
			}
			if !statuses[i].Terminal() {
				return fmt.Errorf("map %q: component %d is %s, only settled components can be rerun",
					m.Tag(), i, statuses[i])
			}
		}
	}
	if len(components) == 0 {
		return nil
	}
	return m.resubmit(ctx, components)
}

// RerunIncomplete resubmits every component that did not complete: errored
// ones, removed ones, and ones whose output went missing.
func (m *Map) RerunIncomplete(ctx context.Context) error {
	if err := m.live(); err != nil {
		return err
	}
	statuses, err := m.tracker.Statuses(ctx)
	if err != nil {
		return err
	}
	var components []int
	for i, s := range statuses {
		if s.Terminal() && s != StatusCompleted {
			components = append(components, i)
		}
	}
	missing, err := m.tracker.MissingOutputs(ctx)
	if err != nil {
		return err
	}
	components = append(components, missing...)
	sort.Ints(components)
	components = dedupe(components)
	if len(components) == 0 {
		return nil
	}
	return m.resubmit(ctx, components)
}

func (m *Map) resubmit(ctx context.Context, components []int) error {
	descBlob, err := m.md.ReadRecord(store.RecordSubmit)
	if err != nil {
		return fmt.Errorf("map %q: %w", m.Tag(), err)
	}
	var desc sched.SubmitDescription
	if err := codec.DecodeYAML(descBlob, &desc); err != nil {
		return fmt.Errorf("map %q: %w", m.Tag(), err)
	}

	itemBlob, err := m.md.ReadRecord(store.RecordItemdata)
	if err != nil {
		return fmt.Errorf("map %q: %w", m.Tag(), err)
	}
	var all []sched.Item
	if err := codec.DecodeJSON(itemBlob, &all); err != nil {
		return fmt.Errorf("map %q: %w", m.Tag(), err)
	}

	wanted := make(map[string]bool, len(components))
	for _, i := range components {
		wanted[strconv.Itoa(i)] = true
	}
	items := make([]sched.Item, 0, len(components))
	for _, item := range all {
		if wanted[item[sched.ComponentKey]] {
			items = append(items, item)
		}
	}
	if len(items) != len(components) {
		return &InconsistencyError{
			Tag:    m.Tag(),
			Op:     "rerun",
			Reason: fmt.Sprintf("itemdata has rows for %d of %d requested components", len(items), len(components)),
		}
	}

	for _, i := range components {
		if err := m.md.RemoveOutput(i); err != nil {
			return fmt.Errorf("map %q: %w", m.Tag(), err)
		}
	}
	if err := m.tracker.Reset(components); err != nil {
		return err
	}

	cluster, err := m.client.scheduler.Submit(ctx, desc, items)
	if err != nil {
		return &SchedulerError{Op: fmt.Sprintf("rerun %q", m.Tag()), Err: err}
	}
	if err := appendClusterID(m.md, cluster); err != nil {
		return &InconsistencyError{
			Tag:    m.Tag(),
			Op:     "rerun",
			Reason: fmt.Sprintf("cluster %s queued but not recorded: %v", cluster, err),
			Force:  "force-remove",
		}
	}
	m.mu.Lock()
	m.clusters = append(m.clusters, cluster)
	m.mu.Unlock()

	m.client.log.Info("components rerun", "tag", m.Tag(), "components", len(components), "cluster", cluster)
	return nil
}

// Rename moves the map to a new tag. The new tag is claimed with the same
// conflict rules as submission, and a transient map becomes persistent.
// The scheduler's batch name is updated best effort.
func (m *Map) Rename(ctx context.Context, newTag string) error {
	if err := m.guard(); err != nil {
		return err
	}
	if err := validateTag(newTag); err != nil {
		return err
	}
	oldTag := m.Tag()
	if newTag == oldTag {
		return nil
	}
	if err := m.client.store.Retag(m.md, newTag); err != nil {
		if errors.Is(err, store.ErrMapExists) {
			return fmt.Errorf("rename %q to %q: %w", oldTag, newTag, ErrTagAlreadyExists)
		}
		return fmt.Errorf("rename %q: %w", oldTag, err)
	}
	if err := m.md.RemoveRecord(store.MarkerTransient); err != nil {
		m.client.log.Warn("could not clear transient marker", "tag", newTag, "error", err)
	}
	m.client.retag(oldTag, newTag, m)

	if m.client.scheduler != nil {
		for _, cluster := range m.ClusterIDs() {
			if err := m.client.scheduler.Edit(ctx, cluster, nil, "batch_name", newTag); err != nil {
				m.client.log.Warn("could not update batch name",
					"tag", newTag, "cluster", cluster, "error", err)
			}
		}
	}
	m.client.log.Info("map renamed", "from", oldTag, "to", newTag)
	return nil
}

func (m *Map) guard() error {
	if m.invalid.Load() {
		return fmt.Errorf("map %q: %w", m.Tag(), ErrMapRemoved)
	}
	return nil
}

func (m *Map) live() error {
	if err := m.guard(); err != nil {
		return err
	}
	if m.client.scheduler == nil {
		return fmt.Errorf("map %q: %w", m.Tag(), ErrNoScheduler)
	}
	return nil
}

func (m *Map) checkComponent(i int) error {
	if i < 0 || i >= m.n {
		return fmt.Errorf("map %q: component %d out of range [0, %d)", m.Tag(), i, m.n)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func dedupe(sorted []int) []int {
	out := sorted[:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}

func readClusterIDs(md *store.MapDir) ([]sched.ClusterID, error) {
	data, err := md.ReadRecord(store.RecordClusterIDs)
	if err != nil {
		var notFound *store.RecordNotFoundError
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, err
	}
	lines := codec.DecodeLines(data)
	out := make([]sched.ClusterID, 0, len(lines))
	for _, line := range lines {
		id, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse cluster id %q: %w", line, err)
		}
		out = append(out, sched.ClusterID(id))
	}
	return out, nil
}

func appendClusterID(md *store.MapDir, id sched.ClusterID) error {
	existing, err := readClusterIDs(md)
	if err != nil {
		return err
	}
	lines := make([]string, 0, len(existing)+1)
	for _, c := range existing {
		lines = append(lines, c.String())
	}
	lines = append(lines, id.String())
	return md.WriteRecord(store.RecordClusterIDs, codec.EncodeLines(lines))
}
