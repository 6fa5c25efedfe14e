// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package parallel

import (
	"context"
	"errors"
	"fmt"
	"parallelscsi/pkg/common"
	"parallelscsi/pkg/logger"
	"parallelscsi/pkg/scsi"
	"sync"
	"sync/atomic"

	uuid "github.com/satori/go.uuid"
	"k8s.io/utils/clock"
)

type controllerState int32

const (
	stateCreated controllerState = iota
	stateStarted
	stateStopped
	stateTerminated
)

func (state controllerState) String() string {
	switch state {
	case stateCreated:
		return "created"
	case stateStarted:
		return "started"
	case stateStopped:
		return "stopped"
	case stateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(state))
}

type Option func(*Controller)

func WithClock(clock clock.WithDelayedExecution) Option {
	return func(controller *Controller) {
		controller.clock = clock
	}
}

func WithMetrics(recorder MetricsRecorder) Option {
	return func(controller *Controller) {
		controller.metrics = recorder
	}
}

func WithDomainAllocator(allocator *DomainAllocator) Option {
	return func(controller *Controller) {
		controller.domains = allocator
	}
}

// Controller is the dispatch facade of one host bus adapter. Devices hand it
// tasks to send; adapters report completions through CompleteTask from any
// goroutine and the controller routes them back to the owning device.
type Controller struct {
	id        uuid.UUID
	domainID  uint64
	backend   Backend
	completer Completer
	clock     clock.WithDelayedExecution
	metrics   MetricsRecorder
	domains   *DomainAllocator

	capabilities Capabilities
	pool         *TaskPool
	directory    *DeviceDirectory
	timeouts     *timeoutTracker
	gate         *workGate

	lifecycleLock sync.Mutex
	state         atomic.Int32
	accepting     atomic.Bool
}

func NewController(backend Backend, completer Completer, options ...Option) *Controller {
	controller := &Controller{
		id:        uuid.NewV1(),
		backend:   backend,
		completer: completer,
		clock:     clock.RealClock{},
		metrics:   nopRecorder{},
		gate:      newWorkGate(),
	}
	for _, option := range options {
		option(controller)
	}
	if controller.domains == nil {
		controller.domains = DefaultDomains()
	}
	controller.domainID = controller.domains.Next()
	controller.timeouts = newTimeoutTracker(controller.clock, controller.scheduleTimeoutSweep)
	return controller
}

func (controller *Controller) ID() uuid.UUID { return controller.id }

func (controller *Controller) DomainID() uint64 { return controller.domainID }

func (controller *Controller) Capabilities() Capabilities { return controller.capabilities }

func (controller *Controller) getState() controllerState {
	return controllerState(controller.state.Load())
}

func (controller *Controller) setState(state controllerState) {
	controller.state.Store(int32(state))
}

// Start initializes the adapter, builds the task pool and starts the
// adapter. Adapters that can't enumerate get a device for every target id.
func (controller *Controller) Start(ctx context.Context) error {
	log := logger.GetLogger()
	controller.lifecycleLock.Lock()
	defer controller.lifecycleLock.Unlock()
	if state := controller.getState(); state != stateCreated {
		return fmt.Errorf("can't start controller %d in state %s", controller.domainID, state)
	}
	if err := controller.backend.Initialize(ctx, controller); err != nil {
		return common.RaiseFrom(err, fmt.Errorf("controller %d initialization failed", controller.domainID))
	}
	capabilities := controller.backend.Capabilities()
	if capabilities.HighestTargetID < 0 {
		return fmt.Errorf("%w: highest target id %d", ErrInvalidTarget, capabilities.HighestTargetID)
	}
	var allocate func(*Task) error
	if allocator, ok := controller.backend.(TaskAllocator); ok {
		allocate = allocator.AllocateTask
	}
	pool, err := NewTaskPool(capabilities.MaxTaskCount, capabilities.TaskExtensionSize, allocate)
	if err != nil {
		_ = controller.backend.Terminate()
		return common.RaiseFrom(err, fmt.Errorf("controller %d has no task pool", controller.domainID))
	}
	controller.capabilities = capabilities
	controller.pool = pool
	controller.directory = NewDeviceDirectory(capabilities.HighestTargetID, capabilities.InitiatorID)
	if err := controller.backend.Start(ctx); err != nil {
		_ = controller.backend.Terminate()
		return common.RaiseFrom(err, fmt.Errorf("controller %d failed to start", controller.domainID))
	}
	controller.setState(stateStarted)
	controller.accepting.Store(true)
	log.Infof(
		"controller %d (%s) started: %d tasks, targets 0..%d, initiator %d",
		controller.domainID,
		controller.id,
		pool.Capacity(),
		capabilities.HighestTargetID,
		capabilities.InitiatorID,
	)
	for _, id := range controller.initialTargets(ctx) {
		if err := controller.CreateDevice(id); err != nil {
			log.Warnf("controller %d: target %d not created: %v", controller.domainID, id, err)
		}
	}
	return nil
}

// initialTargets lists the devices created at start: every bus address unless
// the adapter enumerates, in which case only what it reports.
func (controller *Controller) initialTargets(ctx context.Context) []TargetID {
	capabilities := controller.capabilities
	if capabilities.EnumeratesTargets {
		if enumerator, ok := controller.backend.(TargetEnumerator); ok {
			return enumerator.EnumerateTargets(ctx)
		}
		return nil
	}
	var targets []TargetID
	for id := TargetID(0); id <= capabilities.HighestTargetID; id += 1 {
		if id != capabilities.InitiatorID {
			targets = append(targets, id)
		}
	}
	return targets
}

// Run is the serialized work loop, it must run in its own goroutine while the
// controller is in use.
func (controller *Controller) Run(ctx context.Context) {
	log := logger.GetLogger()
	log.Debugf("controller %d work loop starting", controller.domainID)
	defer log.Debugf("controller %d work loop stopped", controller.domainID)
	controller.gate.run(ctx)
}

// Stop makes the controller refuse new requests and stops the adapter.
// Tasks already in flight are left to complete or time out.
func (controller *Controller) Stop(ctx context.Context) error {
	controller.lifecycleLock.Lock()
	defer controller.lifecycleLock.Unlock()
	if controller.getState() != stateStarted {
		return nil
	}
	controller.accepting.Store(false)
	controller.setState(stateStopped)
	if err := controller.backend.Stop(ctx); err != nil {
		return common.RaiseFrom(err, fmt.Errorf("controller %d failed to stop", controller.domainID))
	}
	return nil
}

// Terminate releases the adapter and shuts the work loop down.
func (controller *Controller) Terminate(ctx context.Context) error {
	if err := controller.Stop(ctx); err != nil {
		logger.GetLogger().Warn(err)
	}
	controller.lifecycleLock.Lock()
	defer controller.lifecycleLock.Unlock()
	if controller.getState() == stateTerminated {
		return nil
	}
	stopTimeouts := func() error {
		controller.timeouts.stop()
		return nil
	}
	// Without a loop nothing else touches the tracker.
	if !controller.gate.active() {
		_ = stopTimeouts()
	} else if err := controller.onGate(ctx, stopTimeouts); errors.Is(err, ErrWorkLoopExited) {
		_ = stopTimeouts()
	}
	controller.gate.stop()
	controller.setState(stateTerminated)
	return controller.backend.Terminate()
}

func (controller *Controller) Suspend() {
	controller.accepting.Store(false)
}

func (controller *Controller) Resume() {
	if controller.getState() == stateStarted {
		controller.accepting.Store(true)
	}
}

// IsAcceptingRequests is advisory: callers seeing false retry later.
func (controller *Controller) IsAcceptingRequests() bool {
	return controller.accepting.Load()
}

// onGate runs work on the serialized loop and waits for it. It must not be
// called from the loop itself.
func (controller *Controller) onGate(ctx context.Context, work func() error) error {
	result := make(chan error, 1)
	if err := controller.gate.enqueue(func() { result <- work() }); err != nil {
		return err
	}
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-controller.gate.stopped:
		return ErrControllerStopped
	case <-controller.gate.done:
		return ErrWorkLoopExited
	}
}

// Barrier waits until all work queued before it has run.
func (controller *Controller) Barrier(ctx context.Context) error {
	return controller.onGate(ctx, func() error { return nil })
}

func (controller *Controller) isStarted() bool {
	state := controller.getState()
	return state == stateStarted || state == stateStopped
}

// CreateDevice adds a target device for id.
func (controller *Controller) CreateDevice(id TargetID) error {
	log := logger.GetLogger()
	if !controller.isStarted() {
		return ErrControllerStopped
	}
	if !controller.directory.ValidTarget(id) {
		return fmt.Errorf("%w: %d", ErrInvalidTarget, id)
	}
	// Checked before the backend sees the new device, so that a duplicate
	// does not finalize the live one's adapter state.
	if controller.directory.Lookup(id) != nil {
		return fmt.Errorf("%w: %d", ErrDeviceExists, id)
	}
	device := newTargetDevice(controller, id)
	initializer, hasInitializer := controller.backend.(TargetInitializer)
	if hasInitializer {
		if err := initializer.InitializeTarget(device); err != nil {
			return fmt.Errorf("target %d initialization failed: %w", id, err)
		}
	}
	if err := controller.directory.insert(device); err != nil {
		if hasInitializer {
			initializer.FinalizeTarget(device)
		}
		return err
	}
	log.Debugf("controller %d: created target %d", controller.domainID, id)
	return nil
}

// DestroyDevice tears a target down. It refuses while tasks are outstanding;
// otherwise the device leaves the directory and every task waiting on its
// resend list is failed with a delivery failure before the device goes away.
// Must not be called from a completion callback.
func (controller *Controller) DestroyDevice(ctx context.Context, id TargetID) error {
	if !controller.isStarted() {
		return ErrControllerStopped
	}
	return controller.onGate(ctx, func() error {
		return controller.destroyDevice(id)
	})
}

func (controller *Controller) destroyDevice(id TargetID) error {
	log := logger.GetLogger()
	if !controller.directory.ValidTarget(id) {
		return fmt.Errorf("%w: %d", ErrInvalidTarget, id)
	}
	device := controller.directory.Lookup(id)
	if device == nil {
		return fmt.Errorf("%w: %d", ErrDeviceNotFound, id)
	}
	if outstanding, ok := device.beginClose(); !ok {
		return fmt.Errorf("%w: target %d has %d in flight", ErrDeviceBusy, id, outstanding)
	}
	controller.directory.remove(device)
	failure := scsi.ServiceResponseServiceDeliveryOrTargetFailure
	rejected := 0
	for task := device.popResend(); task != nil; task = device.popResend() {
		device.notify(device.finishTask(task, failure, scsi.StatusNoStatus), failure, scsi.StatusNoStatus)
		rejected += 1
	}
	if initializer, ok := controller.backend.(TargetInitializer); ok {
		initializer.FinalizeTarget(device)
	}
	log.Infof("controller %d: destroyed target %d, rejected %d deferred tasks", controller.domainID, id, rejected)
	return nil
}

// Device returns the live device for id or nil.
func (controller *Controller) Device(id TargetID) *TargetDevice {
	if controller.directory == nil {
		return nil
	}
	return controller.directory.Lookup(id)
}

func (controller *Controller) Devices() []*TargetDevice {
	if controller.directory == nil {
		return nil
	}
	return controller.directory.Devices()
}

func (controller *Controller) Pool() *TaskPool { return controller.pool }

// Submit binds the request to a parallel task and queues it for dispatch.
// RequestInProcess means the completer will be called exactly once.
// NotYetExecuted means nothing happened and the caller should retry: the
// controller is suspended or, for a non-blocking submit, the pool is empty.
func (controller *Controller) Submit(
	ctx context.Context,
	request *Request,
	blocking bool,
) (scsi.ServiceResponse, error) {
	if !controller.isStarted() {
		return scsi.ServiceResponseNotYetExecuted, ErrControllerStopped
	}
	device := controller.directory.Lookup(request.Target)
	if device == nil {
		return scsi.ServiceResponseServiceDeliveryOrTargetFailure,
			fmt.Errorf("%w: %d", ErrDeviceNotFound, request.Target)
	}
	return controller.submitToDevice(ctx, device, request, blocking)
}

func (controller *Controller) submitToDevice(
	ctx context.Context,
	device *TargetDevice,
	request *Request,
	blocking bool,
) (scsi.ServiceResponse, error) {
	if !controller.accepting.Load() {
		return scsi.ServiceResponseNotYetExecuted, ErrNotAccepting
	}
	if err := request.validate(); err != nil {
		return scsi.ServiceResponseServiceDeliveryOrTargetFailure, err
	}
	if uuid.Equal(request.ID, uuid.Nil) {
		request.ID = uuid.NewV1()
	}
	if request.RequestedTransferCount == 0 {
		request.RequestedTransferCount = uint64(len(request.Buffer)) - request.BufferOffset
	}
	task, err := controller.pool.Acquire(ctx, blocking)
	if err != nil {
		return scsi.ServiceResponseNotYetExecuted, err
	}
	task.bind(request)
	if !device.admit(task) {
		_ = controller.pool.Release(task)
		return scsi.ServiceResponseServiceDeliveryOrTargetFailure,
			fmt.Errorf("%w: %d is going away", ErrDeviceNotFound, device.id)
	}
	controller.metrics.TaskSubmitted(device.id)
	if err := controller.gate.enqueue(func() { controller.dispatch(device, task) }); err != nil {
		device.retire(task)
		_ = controller.pool.Release(task)
		return scsi.ServiceResponseNotYetExecuted, err
	}
	return scsi.ServiceResponseRequestInProcess, nil
}

func (controller *Controller) dispatch(device *TargetDevice, task *Task) {
	device.prepareFeatures(task)
	controller.timeouts.arm(task)
	result := controller.execute(task)
	if result.Response != scsi.ServiceResponseRequestInProcess {
		device.completeTask(task, result.Response, result.Status)
	}
}

// execute hands the task to the adapter send routine.
func (controller *Controller) execute(task *Task) SendResult {
	logger.GetLogger().Debugf("controller %d: sending %s", controller.domainID, task)
	return controller.backend.Send(task)
}

// CompleteTask reports the end of a task. It may be called from any goroutine,
// the completion itself runs on the work loop. generation is the value
// Task.Generation returned when the adapter received the task; a completion
// for an earlier checkout is dropped.
func (controller *Controller) CompleteTask(
	task *Task,
	generation uint64,
	response scsi.ServiceResponse,
	status scsi.TaskStatus,
) error {
	return controller.gate.enqueue(func() {
		controller.completeOnGate(task, generation, response, status)
	})
}

// completeOnGate resolves the owning device through the directory. A task
// without an owner can't be reported to anybody: it is logged and dropped.
func (controller *Controller) completeOnGate(
	task *Task,
	generation uint64,
	response scsi.ServiceResponse,
	status scsi.TaskStatus,
) {
	if current := task.Generation(); current != generation {
		logger.GetLogger().Warnf(
			"controller %d: dropping stale completion %s/%s of task[%d], generation %d is now %d",
			controller.domainID,
			response,
			status,
			task.handle,
			generation,
			current,
		)
		controller.metrics.OrphanedCompletion()
		return
	}
	device := controller.directory.Lookup(task.target)
	if device == nil || !device.holds(task) {
		logger.GetLogger().Errorf(
			"controller %d: dropping completion %s/%s of %s, no owning target device",
			controller.domainID,
			response,
			status,
			task,
		)
		controller.metrics.OrphanedCompletion()
		return
	}
	device.completeTask(task, response, status)
}

// FindTask looks an outstanding task up by its nexus address.
func (controller *Controller) FindTask(target TargetID, lun uint64, tag TaskTag) *Task {
	device := controller.Device(target)
	if device == nil {
		return nil
	}
	return device.FindTaskByAddress(lun, tag)
}

func (controller *Controller) FindTaskByControllerID(target TargetID, identifier uint64) *Task {
	device := controller.Device(target)
	if device == nil {
		return nil
	}
	return device.FindTaskByControllerID(identifier)
}

func (controller *Controller) scheduleTimeoutSweep() {
	if err := controller.gate.enqueue(controller.sweepTimeouts); err != nil {
		logger.GetLogger().Debugf("controller %d: timeout sweep dropped: %v", controller.domainID, err)
	}
}

// sweepTimeouts expires every task past its deadline. Adapters implementing
// TimeoutHandler decide what to do; by default the task fails with a
// delivery failure and no status.
func (controller *Controller) sweepTimeouts() {
	log := logger.GetLogger()
	handler, hasHandler := controller.backend.(TimeoutHandler)
	for _, task := range controller.timeouts.expired() {
		log.Warnf("controller %d: %s timed out after %s", controller.domainID, task, task.timeout)
		controller.metrics.TaskTimedOut(task.target)
		if hasHandler {
			handler.HandleTimeout(controller, task)
			continue
		}
		controller.completeOnGate(
			task,
			task.Generation(),
			scsi.ServiceResponseServiceDeliveryOrTargetFailure,
			scsi.StatusNoStatus,
		)
	}
}
