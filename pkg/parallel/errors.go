// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package parallel

import "errors"

var (
	// ErrPoolExhausted is returned by a non-blocking acquire on an empty pool.
	ErrPoolExhausted = errors.New("no free parallel task")

	// ErrNoTasksAllocated means the backend refused every task allocation.
	ErrNoTasksAllocated = errors.New("unable to allocate any parallel task")

	// ErrInvalidTarget is returned for target identifiers outside the bus range
	// or equal to the initiator identifier.
	ErrInvalidTarget = errors.New("invalid target identifier")

	ErrDeviceExists   = errors.New("target device already exists")
	ErrDeviceNotFound = errors.New("target device not found")

	// ErrDeviceBusy is returned when tearing down a device with outstanding tasks.
	ErrDeviceBusy = errors.New("target device has outstanding tasks")

	ErrNotAccepting      = errors.New("controller is not accepting requests")
	ErrControllerStopped = errors.New("controller is stopped")
	ErrWorkLoopExited    = errors.New("controller work loop has exited")
	ErrInvalidRequest    = errors.New("invalid request")
)
