package sched

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadEventsMissingFile(t *testing.T) {
	src := FileEvents{Path: filepath.Join(t.TempDir(), "events")}

	events, next, err := src.ReadEvents(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, events)
	require.Equal(t, int64(0), next)
}

func TestAppendAndReadIncrementally(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events")
	src := FileEvents{Path: path}
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, AppendEvent(path, Event{Cluster: 1, Component: 0, Kind: EventSubmitted, Time: now}))
	require.NoError(t, AppendEvent(path, Event{Cluster: 1, Component: 1, Kind: EventSubmitted, Time: now}))

	events, next, err := src.ReadEvents(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.Equal(t, ClusterID(1), events[0].Cluster)
	require.Equal(t, 0, events[0].Component)
	require.Equal(t, EventSubmitted, events[0].Kind)
	require.Equal(t, now, events[0].Time)

	// No new events: same offset back, nothing read.
	again, same, err := src.ReadEvents(context.Background(), next)
	require.NoError(t, err)
	require.Empty(t, again)
	require.Equal(t, next, same)

	hold := &Hold{Code: 13, Reason: "transfer input files failure"}
	require.NoError(t, AppendEvent(path, Event{Cluster: 1, Component: 1, Kind: EventHeld, Time: now, Hold: hold}))

	tail, final, err := src.ReadEvents(context.Background(), next)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, EventHeld, tail[0].Kind)
	require.Equal(t, *hold, *tail[0].Hold)
	require.Greater(t, final, next)
}

func TestReadEventsLeavesPartialLineForNextRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events")
	require.NoError(t, AppendEvent(path, Event{Cluster: 7, Component: 0, Kind: EventExecuting, Time: time.Now().UTC()}))

	// Simulate a writer caught mid-line.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"cluster":7,"component":1,`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	src := FileEvents{Path: path}
	events, next, err := src.ReadEvents(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)

	// Complete the line and resume from the saved offset.
	f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`"kind":"terminated","time":"2025-03-01T12:00:00Z"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	tail, _, err := src.ReadEvents(context.Background(), next)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, EventTerminated, tail[0].Kind)
	require.Equal(t, 1, tail[0].Component)
}

func TestReadEventsHonorsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events")
	require.NoError(t, AppendEvent(path, Event{Cluster: 1, Kind: EventSubmitted, Time: time.Now().UTC()}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := FileEvents{Path: path}.ReadEvents(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
}

func TestUsageEventRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events")
	usage := &Usage{MemoryMB: 256, Runtime: 90 * time.Second}
	require.NoError(t, AppendEvent(path, Event{Cluster: 2, Component: 3, Kind: EventUsage, Time: time.Now().UTC(), Usage: usage}))

	events, _, err := FileEvents{Path: path}.ReadEvents(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, *usage, *events[0].Usage)
}
