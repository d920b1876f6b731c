// Package local runs map components inside the submitting process. It
// implements the same scheduler surface as a real batch system, with a
// worker pool for execution slots and the shared event-log protocol for
// state reporting, so everything above it behaves identically. It exists
// for development and tests, and for small maps that do not warrant a
// cluster.
//
// Lifecycle commands are cooperative: holding, vacating, or cancelling a
// running component cancels its attempt context. Functions that ignore the
// context finish their attempt first; a finished output always wins over a
// late directive.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gridmap/gridmap/internal/shared/logging"
	"github.com/gridmap/gridmap/pkg/gridmap"
	"github.com/gridmap/gridmap/pkg/sched"
)

// Hold codes reported by this scheduler, mirroring the common batch-system
// convention of distinguishing user holds from infrastructure holds.
const (
	HoldCodeUser  = 1
	HoldCodeInfra = 13
)

type runState int

const (
	stateQueued runState = iota
	stateRunning
	stateHeld
	stateSettled
)

// Scheduler is an in-process sched.Scheduler.
type Scheduler struct {
	pool *pool
	log  logging.Logger

	mu       sync.Mutex
	next     int64
	clusters map[sched.ClusterID]*cluster
	closed   bool
}

type cluster struct {
	id   sched.ClusterID
	desc sched.SubmitDescription
	comp map[int]*component
}

type component struct {
	index int
	item  sched.Item

	state   runState
	cancel  context.CancelFunc
	abort   bool
	evict   bool
	holdReq *sched.Hold
}

// New builds a scheduler with the given number of execution slots. workers
// below one defaults to the number of CPUs.
func New(workers int, logger *slog.Logger) *Scheduler {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	return &Scheduler{
		pool:     newPool(workers),
		log:      logging.FromSlog(logger),
		clusters: make(map[sched.ClusterID]*cluster),
	}
}

// Close cancels running attempts and stops the workers. Queued components
// never start; no further submissions are accepted.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, cl := range s.clusters {
		for _, c := range cl.comp {
			if c.cancel != nil {
				c.abort = true
				c.cancel()
			}
		}
	}
	s.mu.Unlock()
	s.pool.close()
}

// Submit queues one component per item.
func (s *Scheduler) Submit(_ context.Context, desc sched.SubmitDescription, items []sched.Item) (sched.ClusterID, error) {
	for _, key := range []string{"func", "input", "output", "log"} {
		if desc[key] == "" {
			return 0, fmt.Errorf("submit description is missing %q", key)
		}
	}
	if len(items) == 0 {
		return 0, errors.New("nothing to submit")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, errors.New("scheduler is closed")
	}
	s.next++
	cl := &cluster{
		id:   sched.ClusterID(s.next),
		desc: desc.Clone(),
		comp: make(map[int]*component, len(items)),
	}
	for _, item := range items {
		index, err := componentIndex(item)
		if err != nil {
			s.mu.Unlock()
			return 0, err
		}
		if _, dup := cl.comp[index]; dup {
			s.mu.Unlock()
			return 0, fmt.Errorf("duplicate component %d in itemdata", index)
		}
		cl.comp[index] = &component{index: index, item: item}
	}
	s.clusters[cl.id] = cl
	for _, c := range sortedComponents(cl, nil) {
		s.emit(cl, c.index, sched.EventSubmitted, nil, nil)
	}
	for _, c := range sortedComponents(cl, nil) {
		s.enqueue(cl, c)
	}
	s.mu.Unlock()

	s.log.Debug("cluster submitted", "cluster", cl.id, "components", len(items))
	return cl.id, nil
}

// Cancel removes components for good.
func (s *Scheduler) Cancel(_ context.Context, id sched.ClusterID, components []int) error {
	return s.direct(id, components, func(cl *cluster, c *component) {
		switch c.state {
		case stateQueued, stateHeld:
			c.state = stateSettled
			s.emit(cl, c.index, sched.EventAborted, nil, nil)
		case stateRunning:
			c.abort = true
			c.cancel()
		}
	})
}

// Hold pauses components.
func (s *Scheduler) Hold(_ context.Context, id sched.ClusterID, components []int) error {
	hold := &sched.Hold{Code: HoldCodeUser, Reason: "held by user"}
	return s.direct(id, components, func(cl *cluster, c *component) {
		switch c.state {
		case stateQueued:
			c.state = stateHeld
			s.emit(cl, c.index, sched.EventHeld, hold, nil)
		case stateRunning:
			c.holdReq = hold
			c.cancel()
		}
	})
}

// Release returns held components to the queue.
func (s *Scheduler) Release(_ context.Context, id sched.ClusterID, components []int) error {
	return s.direct(id, components, func(cl *cluster, c *component) {
		if c.state != stateHeld {
			return
		}
		c.state = stateQueued
		s.emit(cl, c.index, sched.EventReleased, nil, nil)
		s.enqueue(cl, c)
	})
}

// Vacate evicts running components back to the queue.
func (s *Scheduler) Vacate(_ context.Context, id sched.ClusterID, components []int) error {
	return s.direct(id, components, func(cl *cluster, c *component) {
		if c.state != stateRunning {
			return
		}
		c.evict = true
		c.cancel()
	})
}

// Edit updates one attribute of the cluster's description for future
// attempts. Resource attributes are recorded but not enforced; this
// scheduler has no resource model.
func (s *Scheduler) Edit(_ context.Context, id sched.ClusterID, components []int, attr, value string) error {
	if attr == "" {
		return errors.New("edit needs an attribute")
	}
	return s.direct(id, components, nil, func(cl *cluster) {
		cl.desc[attr] = value
	})
}

// direct runs perComp over the targeted components (all when nil) under the
// scheduler lock. An explicit target set acts as a constraint: the command
// applies to its intersection with the cluster, and a cluster holding none
// of the targets is left untouched. Optional cluster-level funcs run once.
func (s *Scheduler) direct(id sched.ClusterID, components []int, perComp func(*cluster, *component), whole ...func(*cluster)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.clusters[id]
	if !ok {
		return fmt.Errorf("unknown cluster %s", id)
	}
	targets := sortedComponents(cl, components)
	if components != nil && len(targets) == 0 {
		return nil
	}
	for _, f := range whole {
		f(cl)
	}
	if perComp != nil {
		for _, c := range targets {
			perComp(cl, c)
		}
	}
	return nil
}

// enqueue hands an attempt to the pool without blocking the caller. The
// attempt re-checks the component's state when a worker picks it up, so
// stale queue entries are harmless.
func (s *Scheduler) enqueue(cl *cluster, c *component) {
	go s.pool.submit(func() { s.attempt(cl, c) })
}

// attempt runs one execution attempt of one component.
func (s *Scheduler) attempt(cl *cluster, c *component) {
	s.mu.Lock()
	if s.closed || c.state != stateQueued {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.state = stateRunning
	c.cancel = cancel
	c.abort, c.evict, c.holdReq = false, false, nil

	funcPath := cl.desc["func"]
	inputPath := sched.Expand(cl.desc["input"], c.item)
	outputPath := sched.Expand(cl.desc["output"], c.item)
	s.emit(cl, c.index, sched.EventExecuting, nil, nil)
	s.mu.Unlock()

	started := time.Now()
	err := gridmap.RunComponent(ctx, funcPath, inputPath, outputPath, c.index)
	cancel()
	elapsed := time.Since(started)

	s.mu.Lock()
	defer s.mu.Unlock()
	c.cancel = nil
	switch {
	case c.abort:
		c.state = stateSettled
		s.emit(cl, c.index, sched.EventAborted, nil, nil)
	case c.holdReq != nil:
		c.state = stateHeld
		s.emit(cl, c.index, sched.EventHeld, c.holdReq, nil)
	case c.evict:
		c.state = stateQueued
		s.emit(cl, c.index, sched.EventEvicted, nil, nil)
		s.enqueue(cl, c)
	case err != nil:
		// The attempt could not run at all: unreadable records, an
		// unregistered function. Repeating it would fail the same way, so
		// hold the component with the reason.
		c.state = stateHeld
		hold := &sched.Hold{Code: HoldCodeInfra, Reason: err.Error()}
		s.emit(cl, c.index, sched.EventHeld, hold, nil)
		s.log.Warn("component held", "cluster", cl.id, "component", c.index, "reason", err)
	default:
		c.state = stateSettled
		s.emit(cl, c.index, sched.EventTerminated, nil, &sched.Usage{Runtime: elapsed})
	}
}

// emit appends one event to the cluster's log. Callers hold s.mu, which
// keeps the log's ordering consistent with the state transitions. Event
// log failures are logged and swallowed: the store, not the log, is the
// source of truth for results.
func (s *Scheduler) emit(cl *cluster, index int, kind sched.EventKind, hold *sched.Hold, usage *sched.Usage) {
	ev := sched.Event{
		Cluster:   cl.id,
		Component: index,
		Kind:      kind,
		Time:      time.Now().UTC(),
		Hold:      hold,
		Usage:     usage,
	}
	if err := sched.AppendEvent(cl.desc["log"], ev); err != nil {
		s.log.Error("could not append event", "cluster", cl.id, "component", index, "kind", kind, "error", err)
	}
}

func componentIndex(item sched.Item) (int, error) {
	raw, ok := item[sched.ComponentKey]
	if !ok {
		return 0, fmt.Errorf("itemdata row is missing %q", sched.ComponentKey)
	}
	index, err := strconv.Atoi(raw)
	if err != nil || index < 0 {
		return 0, fmt.Errorf("bad component index %q", raw)
	}
	return index, nil
}

// sortedComponents returns the targeted components in index order so event
// sequences stay deterministic. A nil target selects the whole cluster.
func sortedComponents(cl *cluster, components []int) []*component {
	var out []*component
	if components == nil {
		for _, c := range cl.comp {
			out = append(out, c)
		}
	} else {
		for _, i := range components {
			if c, ok := cl.comp[i]; ok {
				out = append(out, c)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].index < out[j].index })
	return out
}
