// Package sched defines the narrow surface a batch scheduler must provide
// for map management: cluster-granular submission and lifecycle commands,
// plus an incrementally readable event stream. Everything else (state
// derivation, storage, retries) lives above this boundary, so alternative
// schedulers only implement this package's interfaces.
package sched

import (
	"context"
	"strconv"
)

// ClusterID identifies one scheduler submission. A map accumulates several
// cluster ids over its lifetime when components are rerun.
type ClusterID int64

func (c ClusterID) String() string {
	return strconv.FormatInt(int64(c), 10)
}

// SubmitDescription is the flat key-value description handed to the
// scheduler at submit time. Values may reference itemdata keys with $(key)
// macros which the scheduler expands per component.
type SubmitDescription map[string]string

// Clone returns an independent copy of the description.
func (d SubmitDescription) Clone() SubmitDescription {
	out := make(SubmitDescription, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Item is one itemdata row: the per-component values substituted into the
// submit description. Every row carries at least the component index under
// ComponentKey.
type Item map[string]string

// Scheduler is the consumed control interface of the external batch system.
// A nil components slice addresses every component of the cluster. An
// explicit slice is a constraint on the cluster's contents: component
// indices the cluster never queued are ignored rather than rejected, so a
// command for a map spread over several clusters can be fanned to all of
// them with the same target set.
type Scheduler interface {
	// Submit queues one component per item and returns the cluster id that
	// groups them. The description and items must already be fully
	// prepared; Submit either queues the whole cluster or nothing.
	Submit(ctx context.Context, desc SubmitDescription, items []Item) (ClusterID, error)

	// Cancel removes components from the queue, aborting running ones.
	Cancel(ctx context.Context, cluster ClusterID, components []int) error

	// Hold pauses components, interrupting running ones.
	Hold(ctx context.Context, cluster ClusterID, components []int) error

	// Release returns held components to the queue.
	Release(ctx context.Context, cluster ClusterID, components []int) error

	// Vacate evicts running components back to the queue.
	Vacate(ctx context.Context, cluster ClusterID, components []int) error

	// Edit changes one attribute on queued components.
	Edit(ctx context.Context, cluster ClusterID, components []int, attr, value string) error
}
