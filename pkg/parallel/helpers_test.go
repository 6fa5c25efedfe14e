// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package parallel

import (
	"context"
	"errors"
	"parallelscsi/pkg/scsi"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	capabilities    Capabilities
	initializeErr   error
	allocationLimit int

	lock       sync.Mutex
	controller *Controller
	sent       []*Request
	tasks      []*Task
	send       func(task *Task) SendResult
	events     *eventLog
	allocated  int
	finalized  []TargetID
	terminated bool
}

func newFakeBackend(maxTasks int) *fakeBackend {
	return &fakeBackend{
		capabilities: Capabilities{
			MaxTaskCount:      maxTasks,
			HighestTargetID:   7,
			InitiatorID:       7,
			TargetDataSize:    16,
			SupportedFeatures: AllFeatures(),
		},
	}
}

func (backend *fakeBackend) Initialize(_ context.Context, controller *Controller) error {
	backend.controller = controller
	return backend.initializeErr
}

func (backend *fakeBackend) Capabilities() Capabilities { return backend.capabilities }

func (backend *fakeBackend) Start(context.Context) error { return nil }

func (backend *fakeBackend) Stop(context.Context) error { return nil }

func (backend *fakeBackend) Terminate() error {
	backend.lock.Lock()
	defer backend.lock.Unlock()
	backend.terminated = true
	return nil
}

func (backend *fakeBackend) Send(task *Task) SendResult {
	backend.lock.Lock()
	backend.sent = append(backend.sent, task.Request())
	backend.tasks = append(backend.tasks, task)
	send := backend.send
	backend.lock.Unlock()
	if backend.events != nil {
		backend.events.add("send " + requestName(task.Request()))
	}
	if send != nil {
		return send(task)
	}
	return InProcess()
}

func (backend *fakeBackend) AllocateTask(*Task) error {
	backend.lock.Lock()
	defer backend.lock.Unlock()
	if backend.allocationLimit > 0 && backend.allocated >= backend.allocationLimit {
		return errors.New("out of adapter memory")
	}
	backend.allocated += 1
	return nil
}

func (backend *fakeBackend) InitializeTarget(device *TargetDevice) error {
	device.HBAData()[0] = byte(device.ID())
	return nil
}

func (backend *fakeBackend) FinalizeTarget(device *TargetDevice) {
	backend.lock.Lock()
	defer backend.lock.Unlock()
	backend.finalized = append(backend.finalized, device.ID())
}

func (backend *fakeBackend) sentRequests() []*Request {
	backend.lock.Lock()
	defer backend.lock.Unlock()
	return append([]*Request(nil), backend.sent...)
}

// lastTask returns the task most recently handed to Send.
func (backend *fakeBackend) lastTask() *Task {
	backend.lock.Lock()
	defer backend.lock.Unlock()
	if len(backend.tasks) == 0 {
		return nil
	}
	return backend.tasks[len(backend.tasks)-1]
}

type completion struct {
	request  *Request
	response scsi.ServiceResponse
	status   scsi.TaskStatus
}

type collector struct {
	lock        sync.Mutex
	completions []completion
	events      *eventLog
}

func (collector *collector) TaskCompleted(request *Request, response scsi.ServiceResponse, status scsi.TaskStatus) {
	collector.lock.Lock()
	collector.completions = append(collector.completions, completion{request, response, status})
	collector.lock.Unlock()
	if collector.events != nil {
		collector.events.add("done " + requestName(request))
	}
}

func (collector *collector) all() []completion {
	collector.lock.Lock()
	defer collector.lock.Unlock()
	return append([]completion(nil), collector.completions...)
}

func (collector *collector) count() int {
	collector.lock.Lock()
	defer collector.lock.Unlock()
	return len(collector.completions)
}

type eventLog struct {
	lock   sync.Mutex
	events []string
}

func (log *eventLog) add(event string) {
	log.lock.Lock()
	defer log.lock.Unlock()
	log.events = append(log.events, event)
}

func (log *eventLog) all() []string {
	log.lock.Lock()
	defer log.lock.Unlock()
	return append([]string(nil), log.events...)
}

func requestName(request *Request) string {
	if request == nil {
		return "<nil>"
	}
	name, _ := request.Context.(string)
	return name
}

type countingRecorder struct {
	lock         sync.Mutex
	submitted    int
	completed    int
	deferred     int
	redispatched int
	timedOut     int
	orphaned     int
}

func (recorder *countingRecorder) TaskSubmitted(TargetID) {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()
	recorder.submitted += 1
}

func (recorder *countingRecorder) TaskCompleted(TargetID, scsi.ServiceResponse, scsi.TaskStatus) {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()
	recorder.completed += 1
}

func (recorder *countingRecorder) TaskDeferred(TargetID) {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()
	recorder.deferred += 1
}

func (recorder *countingRecorder) TaskRedispatched(TargetID) {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()
	recorder.redispatched += 1
}

func (recorder *countingRecorder) TaskTimedOut(TargetID) {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()
	recorder.timedOut += 1
}

func (recorder *countingRecorder) OrphanedCompletion() {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()
	recorder.orphaned += 1
}

func (recorder *countingRecorder) snapshot() countingRecorder {
	recorder.lock.Lock()
	defer recorder.lock.Unlock()
	return countingRecorder{
		submitted:    recorder.submitted,
		completed:    recorder.completed,
		deferred:     recorder.deferred,
		redispatched: recorder.redispatched,
		timedOut:     recorder.timedOut,
		orphaned:     recorder.orphaned,
	}
}

// startController starts a controller with its work loop and tears both down
// at the end of the test.
func startController(t *testing.T, backend Backend, completer Completer, options ...Option) *Controller {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	options = append([]Option{WithDomainAllocator(NewDomainAllocator(0))}, options...)
	controller := NewController(backend, completer, options...)
	require.NoError(t, controller.Start(ctx))
	go controller.Run(ctx)
	t.Cleanup(func() {
		_ = controller.Terminate(context.Background())
		cancel()
	})
	return controller
}

func newReadRequest(name string, target TargetID, lun uint64, tag TaskTag) *Request {
	return &Request{
		Target:    target,
		LUN:       lun,
		Tag:       tag,
		CDB:       []byte{byte(scsi.Read10), 0, 0, 0, 0, 0, 0, 0, 1, 0},
		Direction: scsi.DataRead,
		Buffer:    make([]byte, 512),
		Context:   name,
	}
}

func submit(t *testing.T, controller *Controller, request *Request) {
	t.Helper()
	response, err := controller.Submit(context.Background(), request, false)
	require.NoError(t, err)
	require.Equal(t, scsi.ServiceResponseRequestInProcess, response)
}

func barrier(t *testing.T, controller *Controller) {
	t.Helper()
	require.NoError(t, controller.Barrier(context.Background()))
}

// complete reports a completion for the current checkout of task and waits
// until it has been processed.
func complete(t *testing.T, controller *Controller, task *Task, response scsi.ServiceResponse, status scsi.TaskStatus) {
	t.Helper()
	completeGeneration(t, controller, task, task.Generation(), response, status)
}

func completeGeneration(
	t *testing.T,
	controller *Controller,
	task *Task,
	generation uint64,
	response scsi.ServiceResponse,
	status scsi.TaskStatus,
) {
	t.Helper()
	require.NoError(t, controller.CompleteTask(task, generation, response, status))
	barrier(t, controller)
}
