// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package parallel

import (
	"context"
	"parallelscsi/pkg/logger"
	"parallelscsi/pkg/scsi"
	"sync"
)

// TargetDevice is one addressable target on the bus. It owns the list of tasks
// sent to the hardware and the list of tasks the target rejected with
// TASK SET FULL, each behind its own lock. The locks only guard link updates;
// nothing blocks while holding them.
type TargetDevice struct {
	id         TargetID
	handle     Handle
	controller *Controller
	pool       *TaskPool

	outstandingLock sync.Mutex
	outstanding     linkedList
	closing         bool

	resendLock sync.Mutex
	resend     linkedList

	featureLock   sync.Mutex
	negotiated    FeatureSet
	nexusSupports FeatureSet

	hbaData        []byte
	directoryLinks listLinks
}

func newTargetDevice(controller *Controller, id TargetID) *TargetDevice {
	device := &TargetDevice{
		id:             id,
		handle:         InvalidHandle,
		controller:     controller,
		pool:           controller.pool,
		hbaData:        make([]byte, controller.capabilities.TargetDataSize),
		directoryLinks: unlinked(),
	}
	device.outstanding = newLinkedList(device.pool.outstandingLinks)
	device.resend = newLinkedList(device.pool.resendLinks)
	return device
}

func (device *TargetDevice) ID() TargetID { return device.id }

// HBAData is the adapter specific per-device block.
func (device *TargetDevice) HBAData() []byte { return device.hbaData }

func (device *TargetDevice) SetNexusSupport(feature Feature, supported bool) {
	device.featureLock.Lock()
	defer device.featureLock.Unlock()
	device.nexusSupports[feature] = supported
}

func (device *TargetDevice) NexusSupports(feature Feature) bool {
	device.featureLock.Lock()
	defer device.featureLock.Unlock()
	return device.nexusSupports[feature]
}

func (device *TargetDevice) FeatureNegotiated(feature Feature) bool {
	device.featureLock.Lock()
	defer device.featureLock.Unlock()
	return device.negotiated[feature]
}

// Submit sends a request to this device, see Controller.Submit.
func (device *TargetDevice) Submit(
	ctx context.Context,
	request *Request,
	blocking bool,
) (scsi.ServiceResponse, error) {
	request.Target = device.id
	return device.controller.submitToDevice(ctx, device, request, blocking)
}

// admit appends the task to the outstanding list. It fails once the device is
// being torn down.
func (device *TargetDevice) admit(task *Task) bool {
	device.outstandingLock.Lock()
	defer device.outstandingLock.Unlock()
	if device.closing {
		return false
	}
	if !task.moveMembership(memberNone, memberOutstanding) {
		logger.GetLogger().Errorf("target %d refused to admit %s", device.id, task)
		return false
	}
	device.outstanding.addRear(task.handle)
	return true
}

// retire unlinks the task from the outstanding list, it is a no-op for tasks
// that aren't outstanding.
func (device *TargetDevice) retire(task *Task) bool {
	device.outstandingLock.Lock()
	defer device.outstandingLock.Unlock()
	if task.getMembership() != memberOutstanding || task.target != device.id {
		return false
	}
	if err := device.outstanding.removeByHandle(task.handle); err != nil {
		logger.GetLogger().Errorf("target %d outstanding list: %v", device.id, err)
		return false
	}
	task.setMembership(memberNone)
	return true
}

// FindTaskByAddress returns the first outstanding task in list order with the
// given lun and tag.
func (device *TargetDevice) FindTaskByAddress(lun uint64, tag TaskTag) *Task {
	device.outstandingLock.Lock()
	defer device.outstandingLock.Unlock()
	handle := device.outstanding.find(func(handle Handle) bool {
		task := device.pool.tasks[handle]
		return task.lun == lun && task.tag == tag
	})
	return device.pool.Task(handle)
}

// FindTaskByControllerID returns the outstanding task carrying the controller
// assigned identifier. AnyControllerID returns the list head.
func (device *TargetDevice) FindTaskByControllerID(identifier uint64) *Task {
	device.outstandingLock.Lock()
	defer device.outstandingLock.Unlock()
	if identifier == AnyControllerID {
		return device.pool.Task(device.outstanding.head)
	}
	handle := device.outstanding.find(func(handle Handle) bool {
		return device.pool.tasks[handle].controllerID == identifier
	})
	return device.pool.Task(handle)
}

func (device *TargetDevice) deferAsResend(task *Task) bool {
	device.resendLock.Lock()
	defer device.resendLock.Unlock()
	if !task.moveMembership(memberNone, memberResend) {
		logger.GetLogger().Errorf("target %d refused to defer %s", device.id, task)
		return false
	}
	device.resend.addRear(task.handle)
	return true
}

func (device *TargetDevice) popResend() *Task {
	device.resendLock.Lock()
	defer device.resendLock.Unlock()
	if device.resend.size == 0 {
		return nil
	}
	handle, err := device.resend.removeFront()
	if err != nil {
		logger.GetLogger().Errorf("target %d resend list: %v", device.id, err)
		return nil
	}
	task := device.pool.tasks[handle]
	task.setMembership(memberNone)
	return task
}

func (device *TargetDevice) removeResend(task *Task) bool {
	device.resendLock.Lock()
	defer device.resendLock.Unlock()
	if task.getMembership() != memberResend || task.target != device.id {
		return false
	}
	if err := device.resend.removeByHandle(task.handle); err != nil {
		logger.GetLogger().Errorf("target %d resend list: %v", device.id, err)
		return false
	}
	task.setMembership(memberNone)
	return true
}

func (device *TargetDevice) detach(task *Task) {
	switch task.getMembership() {
	case memberOutstanding:
		device.retire(task)
	case memberResend:
		device.removeResend(task)
	}
}

func (device *TargetDevice) holds(task *Task) bool {
	membership := task.getMembership()
	return task.target == device.id && (membership == memberOutstanding || membership == memberResend)
}

// beginClose marks the device as closing unless tasks are still outstanding.
func (device *TargetDevice) beginClose() (int, bool) {
	device.outstandingLock.Lock()
	defer device.outstandingLock.Unlock()
	if device.outstanding.size > 0 {
		return device.outstanding.size, false
	}
	device.closing = true
	return 0, true
}

func (device *TargetDevice) OutstandingTasks() []*Task {
	device.outstandingLock.Lock()
	defer device.outstandingLock.Unlock()
	return device.tasksOf(device.outstanding)
}

func (device *TargetDevice) ResendTasks() []*Task {
	device.resendLock.Lock()
	defer device.resendLock.Unlock()
	return device.tasksOf(device.resend)
}

func (device *TargetDevice) tasksOf(list linkedList) []*Task {
	handles := list.content()
	result := make([]*Task, len(handles))
	for index, handle := range handles {
		result[index] = device.pool.tasks[handle]
	}
	return result
}

func (device *TargetDevice) OutstandingCount() int {
	device.outstandingLock.Lock()
	defer device.outstandingLock.Unlock()
	return device.outstanding.size
}

func (device *TargetDevice) ResendCount() int {
	device.resendLock.Lock()
	defer device.resendLock.Unlock()
	return device.resend.size
}

// validateLists checks both lists for corruption.
func (device *TargetDevice) validateLists() error {
	device.outstandingLock.Lock()
	err := device.outstanding.validate()
	device.outstandingLock.Unlock()
	if err != nil {
		return err
	}
	device.resendLock.Lock()
	defer device.resendLock.Unlock()
	return device.resend.validate()
}

// prepareFeatures decides which negotiation requests the task really carries:
// an attempt needs both ends to support the feature and the feature not to be
// negotiated yet, a clear needs the feature to be negotiated.
func (device *TargetDevice) prepareFeatures(task *Task) {
	supported := device.controller.capabilities.SupportedFeatures
	device.featureLock.Lock()
	defer device.featureLock.Unlock()
	for feature := Feature(0); feature < FeatureCount; feature += 1 {
		capable := supported[feature] && device.nexusSupports[feature]
		switch task.featureRequests[feature] {
		case FeatureAttemptNegotiation:
			task.eligible[feature] = capable && !device.negotiated[feature]
		case FeatureClearNegotiation:
			task.eligible[feature] = capable && device.negotiated[feature]
		default:
			task.eligible[feature] = false
		}
		if !task.eligible[feature] {
			task.featureRequests[feature] = FeatureNoNegotiation
		}
	}
}

// finishTask unlinks the task, copies its results into the client request and
// returns the task to the pool. The request is handed back for the callback.
func (device *TargetDevice) finishTask(
	task *Task,
	response scsi.ServiceResponse,
	status scsi.TaskStatus,
) *Request {
	log := logger.GetLogger()
	device.detach(task)
	device.controller.timeouts.disarm(task)
	request := task.request
	if request != nil {
		request.RealizedTransferCount = task.realizedCount
		request.SenseLength = task.senseLength
		device.featureLock.Lock()
		for feature := Feature(0); feature < FeatureCount; feature += 1 {
			if !task.eligible[feature] {
				continue
			}
			result := task.featureResults[feature]
			request.FeatureResults[feature] = result
			switch result {
			case FeatureNegotiationSuccessful:
				device.negotiated[feature] = true
			case FeatureNegotiationCleared:
				device.negotiated[feature] = false
			}
		}
		device.featureLock.Unlock()
	}
	log.Debugf("completed %s: %s %s", task, response, status)
	if err := device.pool.Release(task); err != nil {
		log.Errorf("target %d: %v", device.id, err)
	}
	device.controller.metrics.TaskCompleted(device.id, response, status)
	return request
}

func (device *TargetDevice) notify(request *Request, response scsi.ServiceResponse, status scsi.TaskStatus) {
	if request == nil {
		return
	}
	device.controller.completer.TaskCompleted(request, response, status)
}

// completeTask runs the completion protocol on the controller work loop.
// TASK SET FULL parks the task on the resend list without telling the client,
// everything else finishes the task, drains one resend entry and then calls
// the client back with the original response and status.
func (device *TargetDevice) completeTask(
	task *Task,
	response scsi.ServiceResponse,
	status scsi.TaskStatus,
) {
	if response == scsi.ServiceResponseTaskComplete && status == scsi.StatusTaskSetFull {
		if device.retire(task) && device.deferAsResend(task) {
			logger.GetLogger().Debugf("target %d is full, deferred %s", device.id, task)
			device.controller.metrics.TaskDeferred(device.id)
			return
		}
	}
	request := device.finishTask(task, response, status)
	device.drainResendOnce()
	device.notify(request, response, status)
}

// drainResendOnce redispatches the head of the resend list. Entries the
// adapter completes synchronously are failed and the next one is tried; the
// drain stops at the first entry accepted for asynchronous completion, so at
// most one redispatch per device is in flight from here.
func (device *TargetDevice) drainResendOnce() {
	failure := scsi.ServiceResponseServiceDeliveryOrTargetFailure
	for {
		task := device.popResend()
		if task == nil {
			return
		}
		if !device.admit(task) {
			device.notify(device.finishTask(task, failure, scsi.StatusNoStatus), failure, scsi.StatusNoStatus)
			continue
		}
		device.controller.metrics.TaskRedispatched(device.id)
		result := device.controller.execute(task)
		if result.Response == scsi.ServiceResponseRequestInProcess {
			return
		}
		device.notify(device.finishTask(task, failure, scsi.StatusNoStatus), failure, scsi.StatusNoStatus)
	}
}
