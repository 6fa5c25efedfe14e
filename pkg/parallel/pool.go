// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package parallel

import (
	"context"
	"fmt"
	"parallelscsi/pkg/logger"
)

// TaskPool is a fixed arena of preallocated tasks. The free list is a buffered
// channel of handles: receiving is the acquire, sending is the release.
type TaskPool struct {
	tasks    []*Task
	free     chan Handle
	capacity int
}

// NewTaskPool preallocates up to capacity tasks. allocate may refuse a task
// (for instance when the adapter runs out of DMA resources); the pool keeps
// whatever it got as long as at least one task exists.
func NewTaskPool(capacity int, extensionSize int, allocate func(*Task) error) (*TaskPool, error) {
	log := logger.GetLogger()
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: capacity %d", ErrNoTasksAllocated, capacity)
	}
	pool := &TaskPool{
		tasks: make([]*Task, 0, capacity),
	}
	for index := 0; index < capacity; index += 1 {
		task := newTask(Handle(len(pool.tasks)), extensionSize)
		if allocate != nil {
			if err := allocate(task); err != nil {
				log.Warnf("parallel task %d allocation refused: %v", index, err)
				break
			}
		}
		pool.tasks = append(pool.tasks, task)
	}
	if len(pool.tasks) == 0 {
		return nil, ErrNoTasksAllocated
	}
	if len(pool.tasks) < capacity {
		log.Warnf("allocated %d of %d parallel tasks", len(pool.tasks), capacity)
	}
	pool.capacity = len(pool.tasks)
	pool.free = make(chan Handle, pool.capacity)
	for _, task := range pool.tasks {
		task.setMembership(memberFree)
		pool.free <- task.handle
	}
	return pool, nil
}

// Acquire checks a task out of the pool. A non-blocking acquire on an empty
// pool fails with ErrPoolExhausted; a blocking one waits for a release or for
// the context to end. Must not be called with a list lock held.
func (pool *TaskPool) Acquire(ctx context.Context, blocking bool) (*Task, error) {
	var handle Handle
	if blocking {
		select {
		case handle = <-pool.free:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		select {
		case handle = <-pool.free:
		default:
			return nil, ErrPoolExhausted
		}
	}
	task := pool.tasks[handle]
	if !task.moveMembership(memberFree, memberNone) {
		// A handle on the free list always belongs to a free task; anything
		// else means the arena was corrupted.
		panic(fmt.Sprintf("free list returned %s", task))
	}
	task.reset()
	return task, nil
}

// Release returns a checked out task. Releasing a task that is free or still
// linked into a device list is refused.
func (pool *TaskPool) Release(task *Task) error {
	if task == nil || int(task.handle) >= len(pool.tasks) || pool.tasks[task.handle] != task {
		return fmt.Errorf("task does not belong to this pool")
	}
	if !task.moveMembership(memberNone, memberFree) {
		return fmt.Errorf("can't release %s", task)
	}
	task.request = nil
	pool.free <- task.handle
	return nil
}

func (pool *TaskPool) Free() int {
	return len(pool.free)
}

func (pool *TaskPool) Capacity() int {
	return pool.capacity
}

// Task returns the task addressed by handle.
func (pool *TaskPool) Task(handle Handle) *Task {
	if handle < 0 || int(handle) >= len(pool.tasks) {
		return nil
	}
	return pool.tasks[handle]
}

func (pool *TaskPool) outstandingLinks(handle Handle) *listLinks {
	return &pool.tasks[handle].outstandingLinks
}

func (pool *TaskPool) resendLinks(handle Handle) *listLinks {
	return &pool.tasks[handle].resendLinks
}
