package sched

import (
	"fmt"
	"time"
)

// EventKind names one observable component transition in the scheduler's
// event stream.
type EventKind string

const (
	// EventSubmitted marks a component entering the queue.
	EventSubmitted EventKind = "submitted"
	// EventExecuting marks the start of an execution attempt.
	EventExecuting EventKind = "executing"
	// EventEvicted marks a running component pushed back to the queue.
	EventEvicted EventKind = "evicted"
	// EventHeld marks a component paused by the user or the scheduler. The
	// event carries the hold code and reason.
	EventHeld EventKind = "held"
	// EventReleased marks a held component returning to the queue.
	EventReleased EventKind = "released"
	// EventTerminated marks an attempt that ran to completion. Whether it
	// succeeded is decided by the output blob, not by this event.
	EventTerminated EventKind = "terminated"
	// EventAborted marks a component removed from the queue for good.
	EventAborted EventKind = "aborted"
	// EventUsage carries a resource usage sample for a running component.
	EventUsage EventKind = "usage"
)

// Hold describes why a component is paused.
type Hold struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

func (h Hold) String() string {
	return fmt.Sprintf("[%d] %s", h.Code, h.Reason)
}

// Usage is the resource footprint of an execution attempt.
type Usage struct {
	MemoryMB int64         `json:"memory_mb,omitempty"`
	Runtime  time.Duration `json:"runtime,omitempty"`
}

// Event is one entry of a map's event log.
type Event struct {
	Cluster   ClusterID `json:"cluster"`
	Component int       `json:"component"`
	Kind      EventKind `json:"kind"`
	Time      time.Time `json:"time"`
	Hold      *Hold     `json:"hold,omitempty"`
	Usage     *Usage    `json:"usage,omitempty"`
}
