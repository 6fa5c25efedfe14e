// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package parallel

import (
	"context"
	"parallelscsi/pkg/scsi"
)

// Capabilities is what a host bus adapter reports to the core after it has
// been initialized.
type Capabilities struct {
	// MaxTaskCount is the number of commands the adapter can have in flight,
	// it sizes the task pool.
	MaxTaskCount      int
	HighestTargetID   TargetID
	InitiatorID       TargetID
	TaskExtensionSize int
	TargetDataSize    int
	SupportedFeatures FeatureSet
	// EnumeratesTargets is false when the adapter can't discover targets, the
	// core then creates a device for every bus address at start.
	EnumeratesTargets bool
}

// SendResult is the answer of Backend.Send. RequestInProcess means the task
// will be completed later through Controller.CompleteTask, passing the
// generation the task had in Send; anything else is a
// synchronous completion carrying Status.
type SendResult struct {
	Response scsi.ServiceResponse
	Status   scsi.TaskStatus
}

func InProcess() SendResult {
	return SendResult{Response: scsi.ServiceResponseRequestInProcess, Status: scsi.StatusNoStatus}
}

func CompletedSynchronously(response scsi.ServiceResponse, status scsi.TaskStatus) SendResult {
	return SendResult{Response: response, Status: status}
}

// Backend is implemented by every host bus adapter driver.
type Backend interface {
	Initialize(ctx context.Context, controller *Controller) error
	Capabilities() Capabilities
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Terminate() error
	// Send hands a task to the hardware. It runs on the controller work loop
	// and must not block.
	Send(task *Task) SendResult
}

// TimeoutHandler replaces the default expiry policy, which completes the task
// with a delivery failure. An implementation must eventually complete the task.
type TimeoutHandler interface {
	HandleTimeout(controller *Controller, task *Task)
}

// TargetEnumerator reports the targets that answered selection. It is used
// at start when the adapter enumerates targets.
type TargetEnumerator interface {
	EnumerateTargets(ctx context.Context) []TargetID
}

// TargetInitializer lets an adapter prepare its per-device data.
type TargetInitializer interface {
	InitializeTarget(device *TargetDevice) error
	FinalizeTarget(device *TargetDevice)
}

// TaskAllocator lets an adapter attach resources to each pooled task.
type TaskAllocator interface {
	AllocateTask(task *Task) error
}
