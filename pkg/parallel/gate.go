// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package parallel

import (
	"context"
	"sync"
	"sync/atomic"
)

// workGate serializes everything that touches the hardware: dispatch,
// completion, timeout sweeps and device teardown. Interrupt and timer contexts
// only enqueue. The queue is unbounded so that enqueueing from the loop itself
// (an adapter completing a task from inside Send) never deadlocks.
type workGate struct {
	lock    sync.Mutex
	pending []func()
	wakeup  chan struct{}
	stopped chan struct{}
	once    sync.Once
	// done closes when run returns, running is set while it executes.
	done     chan struct{}
	doneOnce sync.Once
	running  atomic.Bool
}

func newWorkGate() *workGate {
	return &workGate{
		wakeup:  make(chan struct{}, 1),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (gate *workGate) enqueue(work func()) error {
	select {
	case <-gate.stopped:
		return ErrControllerStopped
	default:
	}
	gate.lock.Lock()
	gate.pending = append(gate.pending, work)
	gate.lock.Unlock()
	select {
	case gate.wakeup <- struct{}{}:
	default:
	}
	return nil
}

func (gate *workGate) take() []func() {
	gate.lock.Lock()
	defer gate.lock.Unlock()
	batch := gate.pending
	gate.pending = nil
	return batch
}

// run executes queued work in order until the context ends or the gate stops.
func (gate *workGate) run(ctx context.Context) {
	gate.running.Store(true)
	defer func() {
		gate.running.Store(false)
		gate.doneOnce.Do(func() { close(gate.done) })
	}()
	for {
		for _, work := range gate.take() {
			work()
		}
		select {
		case <-ctx.Done():
			return
		case <-gate.stopped:
			return
		case <-gate.wakeup:
		}
	}
}

// active reports whether a work loop is executing queued work.
func (gate *workGate) active() bool {
	return gate.running.Load()
}

func (gate *workGate) stop() {
	gate.once.Do(func() {
		close(gate.stopped)
	})
}
