// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"fmt"
)

type CommandType byte

const (
	TestUnitReady      CommandType = 0x00
	RequestSense       CommandType = 0x03
	FormatUnit         CommandType = 0x04
	Read6              CommandType = 0x08
	Write6             CommandType = 0x0a
	Inquiry            CommandType = 0x12
	ModeSense6         CommandType = 0x1a
	StartStop          CommandType = 0x1b
	ReadCapacity10     CommandType = 0x25
	Read10             CommandType = 0x28
	Write10            CommandType = 0x2a
	SynchronizeCache10 CommandType = 0x35
	ModeSelect10       CommandType = 0x55
	ModeSense10        CommandType = 0x5a
	Read16             CommandType = 0x88
	Write16            CommandType = 0x8a
	SynchronizeCache16 CommandType = 0x91
	WriteSame16        CommandType = 0x93
	ServiceActionIn    CommandType = 0x9e
	ReportLuns         CommandType = 0xa0
	Read12             CommandType = 0xa8
	Write12            CommandType = 0xaa
)

// MaxCDBLength is the largest command descriptor block a parallel task carries.
const MaxCDBLength = 16

type DataDirection int

const (
	DataNone DataDirection = iota
	DataWrite
	DataRead
	DataBidirection
)

func (direction DataDirection) String() string {
	switch direction {
	case DataNone:
		return "none"
	case DataWrite:
		return "write"
	case DataRead:
		return "read"
	case DataBidirection:
		return "bidirectional"
	}
	return fmt.Sprintf("direction(%d)", int(direction))
}

// TaskAttribute is the SAM task attribute used to queue a tagged task.
type TaskAttribute int

const (
	TaskSimple TaskAttribute = iota
	TaskOrdered
	TaskHeadOfQueue
	TaskACA
)

func (attribute TaskAttribute) String() string {
	switch attribute {
	case TaskSimple:
		return "simple"
	case TaskOrdered:
		return "ordered"
	case TaskHeadOfQueue:
		return "head-of-queue"
	case TaskACA:
		return "aca"
	}
	return fmt.Sprintf("attribute(%d)", int(attribute))
}

// TaskStatus is the status byte returned by a target that received the command.
type TaskStatus byte

const (
	StatusGood                TaskStatus = 0x00
	StatusCheckCondition      TaskStatus = 0x02
	StatusConditionMet        TaskStatus = 0x04
	StatusBusy                TaskStatus = 0x08
	StatusReservationConflict TaskStatus = 0x18
	StatusTaskSetFull         TaskStatus = 0x28
	StatusACAActive           TaskStatus = 0x30
	StatusTaskAborted         TaskStatus = 0x40
	// StatusNoStatus is reported when the command never reached the target.
	StatusNoStatus TaskStatus = 0xff
)

func (status TaskStatus) String() string {
	names := map[TaskStatus]string{
		StatusGood:                "GOOD",
		StatusCheckCondition:      "CHECK_CONDITION",
		StatusConditionMet:        "CONDITION_MET",
		StatusBusy:                "BUSY",
		StatusReservationConflict: "RESERVATION_CONFLICT",
		StatusTaskSetFull:         "TASK_SET_FULL",
		StatusACAActive:           "ACA_ACTIVE",
		StatusTaskAborted:         "TASK_ABORTED",
		StatusNoStatus:            "NO_STATUS",
	}
	name, ok := names[status]
	if !ok {
		return fmt.Sprintf("0x%02x", byte(status))
	}
	return name
}

// ServiceResponse is the outcome of attempting to deliver a task.
type ServiceResponse int

const (
	ServiceResponseRequestInProcess ServiceResponse = iota
	ServiceResponseServiceDeliveryOrTargetFailure
	ServiceResponseTaskComplete
	ServiceResponseLinkCommandComplete
	// ServiceResponseNotYetExecuted means the task was never handed to hardware,
	// the caller is expected to resubmit.
	ServiceResponseNotYetExecuted
)

func (response ServiceResponse) String() string {
	switch response {
	case ServiceResponseRequestInProcess:
		return "REQUEST_IN_PROCESS"
	case ServiceResponseServiceDeliveryOrTargetFailure:
		return "SERVICE_DELIVERY_OR_TARGET_FAILURE"
	case ServiceResponseTaskComplete:
		return "TASK_COMPLETE"
	case ServiceResponseLinkCommandComplete:
		return "LINK_COMMAND_COMPLETE"
	case ServiceResponseNotYetExecuted:
		return "NOT_YET_EXECUTED"
	}
	return fmt.Sprintf("response(%d)", int(response))
}

func OperationCodeToString(commandType CommandType) string {
	types := map[CommandType]string{
		TestUnitReady:      "TestUnitReady",
		RequestSense:       "RequestSense",
		FormatUnit:         "FormatUnit",
		Read6:              "Read6",
		Write6:             "Write6",
		Inquiry:            "Inquiry",
		ModeSense6:         "ModeSense6",
		StartStop:          "StartStop",
		ReadCapacity10:     "ReadCapacity10",
		Read10:             "Read10",
		Write10:            "Write10",
		SynchronizeCache10: "SynchronizeCache10",
		ModeSelect10:       "ModeSelect10",
		ModeSense10:        "ModeSense10",
		Read16:             "Read16",
		Write16:            "Write16",
		SynchronizeCache16: "SynchronizeCache16",
		WriteSame16:        "WriteSame16",
		ServiceActionIn:    "ServiceActionIn",
		ReportLuns:         "ReportLuns",
		Read12:             "Read12",
		Write12:            "Write12",
	}
	result, ok := types[commandType]
	if !ok {
		return fmt.Sprintf("0x%x", int(commandType))
	}
	return result
}
