// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package parallel

import (
	"container/heap"
	"time"

	"k8s.io/utils/clock"
)

type deadlineEntry struct {
	deadline   time.Time
	task       *Task
	generation uint64
}

// deadlineHeap orders armed deadlines, the nearest first. Entries of tasks
// that completed or were rearmed are dropped lazily.
type deadlineHeap []deadlineEntry

func (entries deadlineHeap) Len() int { return len(entries) }

func (entries deadlineHeap) Less(i, j int) bool {
	return entries[i].deadline.Before(entries[j].deadline)
}

func (entries deadlineHeap) Swap(i, j int) {
	entries[i], entries[j] = entries[j], entries[i]
}

func (entries *deadlineHeap) Push(x any) {
	*entries = append(*entries, x.(deadlineEntry))
}

func (entries *deadlineHeap) Pop() any {
	old := *entries
	n := len(old)
	item := old[n-1]
	old[n-1] = deadlineEntry{}
	*entries = old[0 : n-1]
	return item
}

func (entry deadlineEntry) live() bool {
	return entry.task.timeoutState == TimeoutArmed && entry.task.armGeneration == entry.generation
}

// timeoutTracker keeps one timer armed for the nearest deadline. It is only
// touched from the controller work loop; the timer callback just schedules a
// sweep there.
type timeoutTracker struct {
	clock         clock.WithDelayedExecution
	deadlines     deadlineHeap
	timer         clock.Timer
	timerDeadline time.Time
	schedule      func()
}

func newTimeoutTracker(clock clock.WithDelayedExecution, schedule func()) *timeoutTracker {
	return &timeoutTracker{
		clock:    clock,
		schedule: schedule,
	}
}

// arm starts the task timer, tasks without a timeout are never armed.
func (tracker *timeoutTracker) arm(task *Task) {
	if task.timeout <= 0 {
		return
	}
	task.armGeneration += 1
	task.timeoutState = TimeoutArmed
	task.deadline = tracker.clock.Now().Add(task.timeout)
	heap.Push(&tracker.deadlines, deadlineEntry{
		deadline:   task.deadline,
		task:       task,
		generation: task.armGeneration,
	})
	tracker.rearm()
}

func (tracker *timeoutTracker) disarm(task *Task) {
	if task.timeoutState == TimeoutIdle {
		return
	}
	task.armGeneration += 1
	task.timeoutState = TimeoutIdle
}

// expired pops every armed task whose deadline has passed and marks it
// expired. The timer is rearmed for the next deadline.
func (tracker *timeoutTracker) expired() []*Task {
	now := tracker.clock.Now()
	var result []*Task
	for tracker.deadlines.Len() > 0 {
		entry := tracker.deadlines[0]
		if !entry.live() {
			heap.Pop(&tracker.deadlines)
			continue
		}
		if entry.deadline.After(now) {
			break
		}
		heap.Pop(&tracker.deadlines)
		entry.task.timeoutState = TimeoutExpired
		result = append(result, entry.task)
	}
	tracker.timerDeadline = time.Time{}
	tracker.rearm()
	return result
}

func (tracker *timeoutTracker) rearm() {
	for tracker.deadlines.Len() > 0 && !tracker.deadlines[0].live() {
		heap.Pop(&tracker.deadlines)
	}
	if tracker.deadlines.Len() == 0 {
		tracker.stop()
		return
	}
	nearest := tracker.deadlines[0].deadline
	if tracker.timer != nil && !tracker.timerDeadline.IsZero() && !nearest.Before(tracker.timerDeadline) {
		return
	}
	tracker.stop()
	tracker.timerDeadline = nearest
	tracker.timer = tracker.clock.AfterFunc(nearest.Sub(tracker.clock.Now()), tracker.schedule)
}

func (tracker *timeoutTracker) stop() {
	if tracker.timer != nil {
		tracker.timer.Stop()
		tracker.timer = nil
	}
	tracker.timerDeadline = time.Time{}
}

// armed is the number of heap entries, stale ones included.
func (tracker *timeoutTracker) armed() int {
	return tracker.deadlines.Len()
}
