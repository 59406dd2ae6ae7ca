// Package executor provides the prioritised task queues the chunk system runs
// its work on: a FIFO-per-priority queue, a worker pool draining it, and a
// radius-aware executor that never runs tasks with overlapping footprints at
// the same time.
package executor

import "fmt"

// Priority orders tasks. Lower values are more urgent.
type Priority int8

const (
	// Completing marks a task that is executing, has executed or was cancelled.
	Completing Priority = -1

	Blocking Priority = 0
	Highest  Priority = 1
	Higher   Priority = 2
	High     Priority = 3
	Normal   Priority = 4
	Low      Priority = 5
	Lower    Priority = 6
	Lowest   Priority = 7
	Idle     Priority = 8
)

// Schedulable is the number of priorities a task may be queued at.
const Schedulable = int(Idle) + 1

var priorityNames = [...]string{"BLOCKING", "HIGHEST", "HIGHER", "HIGH", "NORMAL", "LOW", "LOWER", "LOWEST", "IDLE"}

func (p Priority) String() string {
	if p == Completing {
		return "COMPLETING"
	}
	if p.Valid() {
		return priorityNames[p]
	}
	return fmt.Sprintf("Priority(%d)", int8(p))
}

// Valid reports whether p is a schedulable priority.
func (p Priority) Valid() bool { return p >= Blocking && p <= Idle }

func (p Priority) IsHigherThan(o Priority) bool    { return p < o }
func (p Priority) IsHigherOrEqual(o Priority) bool { return p <= o }
func (p Priority) IsLowerThan(o Priority) bool     { return p > o }
func (p Priority) IsLowerOrEqual(o Priority) bool  { return p >= o }

// Max returns the more urgent of the two priorities.
func Max(a, b Priority) Priority {
	if a.IsHigherThan(b) {
		return a
	}
	return b
}

// Min returns the less urgent of the two priorities.
func Min(a, b Priority) Priority {
	if a.IsLowerThan(b) {
		return a
	}
	return b
}

func mustValid(p Priority) {
	if !p.Valid() {
		panic(fmt.Sprintf("executor: invalid priority %v", p))
	}
}

// Task is a unit of work with a mutable priority. Every method is safe for
// concurrent use; at most one of Cancel and Execute succeeds.
type Task interface {
	// Queue submits the task. It returns false if the task was already
	// queued, executed or cancelled.
	Queue() bool
	// Cancel prevents a task from running. It returns false if the task
	// already started or was cancelled.
	Cancel() bool
	// Execute runs the task on the calling goroutine if it has not started.
	Execute() bool
	Priority() Priority
	SetPriority(p Priority) bool
	RaisePriority(p Priority) bool
	LowerPriority(p Priority) bool
}
