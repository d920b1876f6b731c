package gridmap

import "time"

// ComponentStatus is the lifecycle state of one component, derived from the
// scheduler's event stream merged with the store's ground truth.
type ComponentStatus string

const (
	// StatusIdle marks a component queued and waiting to run.
	StatusIdle ComponentStatus = "IDLE"
	// StatusRunning marks a component in an execution attempt.
	StatusRunning ComponentStatus = "RUNNING"
	// StatusHeld marks a component paused by the user or the scheduler.
	StatusHeld ComponentStatus = "HELD"
	// StatusErrored marks a component whose function failed; an error
	// report is stored in place of its output.
	StatusErrored ComponentStatus = "ERRORED"
	// StatusCompleted marks a component with a stored output.
	StatusCompleted ComponentStatus = "COMPLETED"
	// StatusRemoved marks a component taken off the scheduler for good.
	StatusRemoved ComponentStatus = "REMOVED"
)

// Terminal reports whether the status can never change again.
func (s ComponentStatus) Terminal() bool {
	switch s {
	case StatusErrored, StatusCompleted, StatusRemoved:
		return true
	}
	return false
}

// AllStatuses lists every status in display order.
func AllStatuses() []ComponentStatus {
	return []ComponentStatus{
		StatusIdle,
		StatusRunning,
		StatusHeld,
		StatusErrored,
		StatusCompleted,
		StatusRemoved,
	}
}

// StateCounts is a histogram of component statuses.
type StateCounts struct {
	Idle      int `json:"idle"`
	Running   int `json:"running"`
	Held      int `json:"held"`
	Errored   int `json:"errored"`
	Completed int `json:"completed"`
	Removed   int `json:"removed"`
}

// CountStatuses tallies a status slice.
func CountStatuses(statuses []ComponentStatus) StateCounts {
	var c StateCounts
	for _, s := range statuses {
		switch s {
		case StatusIdle:
			c.Idle++
		case StatusRunning:
			c.Running++
		case StatusHeld:
			c.Held++
		case StatusErrored:
			c.Errored++
		case StatusCompleted:
			c.Completed++
		case StatusRemoved:
			c.Removed++
		}
	}
	return c
}

// Of returns the count for one status.
func (c StateCounts) Of(s ComponentStatus) int {
	switch s {
	case StatusIdle:
		return c.Idle
	case StatusRunning:
		return c.Running
	case StatusHeld:
		return c.Held
	case StatusErrored:
		return c.Errored
	case StatusCompleted:
		return c.Completed
	case StatusRemoved:
		return c.Removed
	}
	return 0
}

// Total returns the number of counted components.
func (c StateCounts) Total() int {
	return c.Idle + c.Running + c.Held + c.Errored + c.Completed + c.Removed
}

// Active returns the number of components the scheduler may still act on.
func (c StateCounts) Active() int {
	return c.Idle + c.Running + c.Held
}

// ComponentUsage is the resource footprint of a component's most recent
// execution attempt. Earlier attempts (before eviction or release) are not
// included.
type ComponentUsage struct {
	Runtime      time.Duration `json:"runtime"`
	PeakMemoryMB int64         `json:"peak_memory_mb"`
}

// MapStatus is one row of a store-wide status listing.
type MapStatus struct {
	Tag        string      `json:"tag"`
	Transient  bool        `json:"transient"`
	Removed    bool        `json:"removed"`
	Components int         `json:"components"`
	Counts     StateCounts `json:"counts"`
	DiskBytes  int64       `json:"disk_bytes"`
}
