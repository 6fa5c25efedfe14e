// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package parallel

import "parallelscsi/pkg/scsi"

// MetricsRecorder observes task lifecycle events.
type MetricsRecorder interface {
	TaskSubmitted(target TargetID)
	TaskCompleted(target TargetID, response scsi.ServiceResponse, status scsi.TaskStatus)
	TaskDeferred(target TargetID)
	TaskRedispatched(target TargetID)
	TaskTimedOut(target TargetID)
	OrphanedCompletion()
}

type nopRecorder struct{}

func (nopRecorder) TaskSubmitted(TargetID)                                        {}
func (nopRecorder) TaskCompleted(TargetID, scsi.ServiceResponse, scsi.TaskStatus) {}
func (nopRecorder) TaskDeferred(TargetID)                                         {}
func (nopRecorder) TaskRedispatched(TargetID)                                     {}
func (nopRecorder) TaskTimedOut(TargetID)                                         {}
func (nopRecorder) OrphanedCompletion()                                           {}
