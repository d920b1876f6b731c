package gridmap

import (
	"context"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gridmap/gridmap/internal/codec"
	"github.com/gridmap/gridmap/internal/store"
	"github.com/gridmap/gridmap/pkg/funcs"
	"github.com/gridmap/gridmap/pkg/sched"
)

var clientTestFn = funcs.MustRegister("client-test-double", func(_ context.Context, args ...any) (any, error) {
	return args[0].(int) * 2, nil
})

type fakeCall struct {
	Cluster    sched.ClusterID
	Components []int
}

type fakeEdit struct {
	fakeCall
	Attr, Value string
}

type fakeSubmit struct {
	Desc  sched.SubmitDescription
	Items []sched.Item
}

// fakeScheduler records every call and never runs anything, so tests drive
// component state through the store and the event log directly.
type fakeScheduler struct {
	mu         sync.Mutex
	nextID     int64
	failSubmit error

	Submits  []fakeSubmit
	Cancels  []fakeCall
	Holds    []fakeCall
	Releases []fakeCall
	Vacates  []fakeCall
	Edits    []fakeEdit
}

func (f *fakeScheduler) Submit(_ context.Context, desc sched.SubmitDescription, items []sched.Item) (sched.ClusterID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSubmit != nil {
		return 0, f.failSubmit
	}
	f.nextID++
	rows := make([]sched.Item, len(items))
	copy(rows, items)
	f.Submits = append(f.Submits, fakeSubmit{Desc: desc.Clone(), Items: rows})
	return sched.ClusterID(f.nextID), nil
}

func (f *fakeScheduler) record(list *[]fakeCall, cluster sched.ClusterID, components []int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	*list = append(*list, fakeCall{Cluster: cluster, Components: components})
	return nil
}

func (f *fakeScheduler) Cancel(_ context.Context, c sched.ClusterID, comps []int) error {
	return f.record(&f.Cancels, c, comps)
}

func (f *fakeScheduler) Hold(_ context.Context, c sched.ClusterID, comps []int) error {
	return f.record(&f.Holds, c, comps)
}

func (f *fakeScheduler) Release(_ context.Context, c sched.ClusterID, comps []int) error {
	return f.record(&f.Releases, c, comps)
}

func (f *fakeScheduler) Vacate(_ context.Context, c sched.ClusterID, comps []int) error {
	return f.record(&f.Vacates, c, comps)
}

func (f *fakeScheduler) Edit(_ context.Context, c sched.ClusterID, comps []int, attr, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Edits = append(f.Edits, fakeEdit{fakeCall: fakeCall{Cluster: c, Components: comps}, Attr: attr, Value: value})
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSettings(t *testing.T) Settings {
	t.Helper()
	s := DefaultSettings()
	s.RootDir = t.TempDir()
	s.PollInterval = 5 * time.Millisecond
	s.RemoveTimeout = 500 * time.Millisecond
	s.Executable = "/opt/mapper/bin/mapper"
	return s
}

func newTestClient(t *testing.T) (*Client, *fakeScheduler) {
	t.Helper()
	fake := &fakeScheduler{}
	c, err := NewWithLogger(testSettings(t), fake, quietLogger())
	require.NoError(t, err)
	return c, fake
}

func intInputs(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestSubmitStoresEverythingBeforeDispatch(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()

	m, err := c.Submit(ctx, "doubles", clientTestFn, intInputs(3), nil)
	require.NoError(t, err)
	require.Equal(t, "doubles", m.Tag())
	require.Equal(t, 3, m.Len())
	require.False(t, m.Transient())
	require.Equal(t, []sched.ClusterID{1}, m.ClusterIDs())

	created, err := m.Created()
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), created, time.Minute)

	// The scheduler saw the prepared description and one row per input.
	require.Len(t, fake.Submits, 1)
	desc := fake.Submits[0].Desc
	require.Equal(t, "doubles", desc["batch_name"])
	require.Equal(t, "/opt/mapper/bin/mapper", desc["executable"])
	require.Equal(t, "$(component)", desc["arguments"])
	require.NotEmpty(t, desc["log"])
	require.Contains(t, desc["input"], "$(component).in")
	require.Contains(t, desc["output"], "$(component).out")
	require.Len(t, fake.Submits[0].Items, 3)
	require.Equal(t, "2", fake.Submits[0].Items[2][sched.ComponentKey])

	// Stored records replay the submission exactly.
	name, err := m.FunctionName()
	require.NoError(t, err)
	require.Equal(t, "client-test-double", name)

	var storedDesc sched.SubmitDescription
	blob, err := m.md.ReadRecord(store.RecordSubmit)
	require.NoError(t, err)
	require.NoError(t, codec.DecodeYAML(blob, &storedDesc))
	require.Equal(t, desc, storedDesc)

	var items []sched.Item
	blob, err = m.md.ReadRecord(store.RecordItemdata)
	require.NoError(t, err)
	require.NoError(t, codec.DecodeJSON(blob, &items))
	require.Equal(t, fake.Submits[0].Items, items)

	for i := range 3 {
		args, err := m.Input(i)
		require.NoError(t, err)
		require.Equal(t, []any{i}, args)
	}
}

func TestSubmitDuplicateTagLeavesOriginalUntouched(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()

	original, err := c.Submit(ctx, "taken", clientTestFn, intInputs(2), nil)
	require.NoError(t, err)

	_, err = c.Submit(ctx, "taken", clientTestFn, intInputs(5), nil)
	require.ErrorIs(t, err, ErrTagAlreadyExists)

	// One dispatch ever; the original's cluster list is unchanged.
	require.Len(t, fake.Submits, 1)
	require.Equal(t, []sched.ClusterID{1}, original.ClusterIDs())

	reloaded, err := c.Load("taken")
	require.NoError(t, err)
	require.Equal(t, 2, reloaded.Len())
}

func TestSubmitSchedulerFailureRollsBackStore(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()
	fake.failSubmit = context.DeadlineExceeded

	_, err := c.Submit(ctx, "doomed", clientTestFn, intInputs(2), nil)
	var schedErr *SchedulerError
	require.ErrorAs(t, err, &schedErr)

	_, err = c.Load("doomed")
	require.ErrorIs(t, err, ErrMapNotFound)

	// The tag is free again.
	fake.failSubmit = nil
	_, err = c.Submit(ctx, "doomed", clientTestFn, intInputs(2), nil)
	require.NoError(t, err)
}

func TestSubmitValidation(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Submit(ctx, "empty", clientTestFn, nil, nil)
	require.ErrorIs(t, err, ErrEmptyMap)

	_, err = c.Submit(ctx, "bad/tag", clientTestFn, intInputs(1), nil)
	var invalid *InvalidTagError
	require.ErrorAs(t, err, &invalid)

	_, err = c.Submit(ctx, "no-fn", nil, intInputs(1), nil)
	require.Error(t, err)

	noSched, err := NewWithLogger(testSettings(t), nil, quietLogger())
	require.NoError(t, err)
	_, err = noSched.Submit(ctx, "offline", clientTestFn, intInputs(1), nil)
	require.ErrorIs(t, err, ErrNoScheduler)
}

func TestSubmitTransientMap(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	m, err := c.Submit(ctx, "", clientTestFn, intInputs(1), nil)
	require.NoError(t, err)
	require.True(t, m.Transient())
	require.NotEmpty(t, m.Tag())

	tags, err := c.Tags()
	require.NoError(t, err)
	require.Equal(t, []string{m.Tag()}, tags)
}

func TestSubmitOptions(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()

	opts := &MapOptions{
		RequestMemory: "2GB",
		Custom:        map[string]string{"priority": "10"},
		CustomPerComponent: map[string][]string{
			"nice_level": {"0", "5"},
		},
	}
	_, err := c.Submit(ctx, "tuned", clientTestFn, intInputs(2), opts)
	require.NoError(t, err)

	desc := fake.Submits[0].Desc
	require.Equal(t, "2GB", desc["request_memory"])
	require.Equal(t, DefaultSettings().RequestDisk, desc["request_disk"])
	require.Equal(t, "10", desc["priority"])
	require.Equal(t, "$(itemdata_for_nice_level)", desc["nice_level"])

	items := fake.Submits[0].Items
	require.Equal(t, "0", items[0]["itemdata_for_nice_level"])
	require.Equal(t, "5", items[1]["itemdata_for_nice_level"])

	// Expanding the description against a row resolves the per-component
	// value.
	require.Equal(t, "5", sched.Expand(desc["nice_level"], items[1]))
}

func TestSubmitOptionValidation(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Submit(ctx, "r1", clientTestFn, intInputs(1), &MapOptions{
		Custom: map[string]string{"executable": "/bin/evil"},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "reserved")

	_, err = c.Submit(ctx, "r2", clientTestFn, intInputs(2), &MapOptions{
		CustomPerComponent: map[string][]string{"x": {"only-one"}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "2 components")

	// Failed validation must not leave a claimed tag behind.
	_, err = c.Submit(ctx, "r1", clientTestFn, intInputs(1), nil)
	require.NoError(t, err)
}

func TestCrashBeforeDispatchIsRecoverable(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()

	// Drive only the store half of a submission, as if the process died
	// before the scheduler call.
	argLists := [][]any{{1}, {2}}
	_, _, _, err := c.prepare(ctx, "interrupted", clientTestFn, argLists, nil, false)
	require.NoError(t, err)
	require.Empty(t, fake.Submits)

	m, err := c.Load("interrupted")
	require.NoError(t, err)
	require.Empty(t, m.ClusterIDs())

	statuses, err := m.ComponentStatuses(ctx)
	require.NoError(t, err)
	require.Equal(t, []ComponentStatus{StatusIdle, StatusIdle}, statuses)

	args, err := m.Input(1)
	require.NoError(t, err)
	require.Equal(t, []any{2}, args)

	// Removing a never-dispatched map needs no scheduler round trip.
	require.NoError(t, m.Remove(ctx))
	require.True(t, m.Removed())
	require.Empty(t, fake.Cancels)

	require.NoError(t, c.Clean(ctx, "interrupted"))
	_, err = c.Load("interrupted")
	require.ErrorIs(t, err, ErrMapNotFound)
}

func TestLoadCachesHandles(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	m, err := c.Submit(ctx, "cached", clientTestFn, intInputs(1), nil)
	require.NoError(t, err)

	loaded, err := c.Load("cached")
	require.NoError(t, err)
	require.Same(t, m, loaded)

	_, err = c.Load("absent")
	require.ErrorIs(t, err, ErrMapNotFound)
}

func TestTagsPatternFilter(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	for _, tag := range []string{"sim-1", "sim-2", "analysis"} {
		_, err := c.Submit(ctx, tag, clientTestFn, intInputs(1), nil)
		require.NoError(t, err)
	}

	tags, err := c.Tags("sim-*")
	require.NoError(t, err)
	require.Equal(t, []string{"sim-1", "sim-2"}, tags)

	tags, err = c.Tags()
	require.NoError(t, err)
	require.Len(t, tags, 3)

	_, err = c.Tags("[")
	require.Error(t, err)
}

func TestCleanGuardsActiveComponents(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	m, err := c.Submit(ctx, "busy", clientTestFn, intInputs(1), nil)
	require.NoError(t, err)

	// Mark the component running via the event log.
	logPath := m.md.RecordPath(store.RecordEvents)
	require.NoError(t, sched.AppendEvent(logPath, sched.Event{
		Cluster: 1, Component: 0, Kind: sched.EventExecuting, Time: time.Now().UTC(),
	}))

	err = c.Clean(ctx, "busy")
	var active *ActiveComponentsError
	require.ErrorAs(t, err, &active)
	require.Equal(t, 1, active.Active)

	// Completion lifts the guard.
	writeOutputBlob(t, m.md, 0, 2)
	require.NoError(t, c.Clean(ctx, "busy"))

	// The stale handle is dead, and the store no longer knows the tag.
	_, err = m.Get(0)
	require.ErrorIs(t, err, ErrMapRemoved)
	_, err = c.Load("busy")
	require.ErrorIs(t, err, ErrMapNotFound)
}

func TestForceCleanCancelsAndDeletes(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()

	m, err := c.Submit(ctx, "stuck", clientTestFn, intInputs(1), nil)
	require.NoError(t, err)
	logPath := m.md.RecordPath(store.RecordEvents)
	require.NoError(t, sched.AppendEvent(logPath, sched.Event{
		Cluster: 1, Component: 0, Kind: sched.EventExecuting, Time: time.Now().UTC(),
	}))

	require.NoError(t, c.ForceClean(ctx, "stuck"))
	require.Len(t, fake.Cancels, 1)
	_, err = c.Load("stuck")
	require.ErrorIs(t, err, ErrMapNotFound)
}

func TestCleanTransientSweepsOnlySettledTransients(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	settled, err := c.Submit(ctx, "", clientTestFn, intInputs(1), nil)
	require.NoError(t, err)
	writeOutputBlob(t, settled.md, 0, 2)

	live, err := c.Submit(ctx, "", clientTestFn, intInputs(1), nil)
	require.NoError(t, err)
	require.NoError(t, sched.AppendEvent(live.md.RecordPath(store.RecordEvents), sched.Event{
		Cluster: 2, Component: 0, Kind: sched.EventExecuting, Time: time.Now().UTC(),
	}))

	named, err := c.Submit(ctx, "keeper", clientTestFn, intInputs(1), nil)
	require.NoError(t, err)
	writeOutputBlob(t, named.md, 0, 2)

	require.NoError(t, c.CleanTransient(ctx))

	tags, err := c.Tags()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{live.Tag(), "keeper"}, tags)
}

func TestListMaps(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	a, err := c.Submit(ctx, "alpha", clientTestFn, intInputs(2), nil)
	require.NoError(t, err)
	writeOutputBlob(t, a.md, 0, 0)
	writeErrorBlob(t, a.md, 1, "boom")

	_, err = c.Submit(ctx, "beta", clientTestFn, intInputs(1), nil)
	require.NoError(t, err)

	rows, err := c.ListMaps(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "alpha", rows[0].Tag)
	require.Equal(t, 1, rows[0].Counts.Completed)
	require.Equal(t, 1, rows[0].Counts.Errored)
	require.Positive(t, rows[0].DiskBytes)
	require.Equal(t, "beta", rows[1].Tag)
	require.Equal(t, 1, rows[1].Counts.Idle)
}

func TestDispatchRecordsClusterPerSubmit(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	m1, err := c.Submit(ctx, "one", clientTestFn, intInputs(1), nil)
	require.NoError(t, err)
	m2, err := c.Submit(ctx, "two", clientTestFn, intInputs(1), nil)
	require.NoError(t, err)

	require.Equal(t, []sched.ClusterID{1}, m1.ClusterIDs())
	require.Equal(t, []sched.ClusterID{2}, m2.ClusterIDs())

	ids, err := readClusterIDs(m2.md)
	require.NoError(t, err)
	require.Equal(t, []sched.ClusterID{2}, ids)
}

func TestComponentKeyRowsAreContiguous(t *testing.T) {
	c, fake := newTestClient(t)
	ctx := context.Background()

	_, err := c.Submit(ctx, "rows", clientTestFn, intInputs(4), nil)
	require.NoError(t, err)

	for i, item := range fake.Submits[0].Items {
		require.Equal(t, strconv.Itoa(i), item[sched.ComponentKey])
	}
}
