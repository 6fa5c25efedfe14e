// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package parallel

import (
	"fmt"
	"parallelscsi/pkg/scsi"
	"time"

	uuid "github.com/satori/go.uuid"
)

// TargetID is the bus address of a target device.
type TargetID int

// TaskTag identifies a tagged task within an I_T_L nexus.
type TaskTag uint64

// UntaggedTag marks a task sent without a queue tag.
const UntaggedTag TaskTag = ^TaskTag(0)

// Request is the upper layer view of one command. The core binds it to a
// parallel task for the time it is in flight and writes the results back
// before the completion callback runs.
type Request struct {
	ID        uuid.UUID
	Target    TargetID
	LUN       uint64
	Tag       TaskTag
	Attribute scsi.TaskAttribute
	CDB       []byte
	Direction scsi.DataDirection

	Buffer                 []byte
	BufferOffset           uint64
	RequestedTransferCount uint64
	Timeout                time.Duration
	// SenseBuffer receives autosense data, its length is the autosense size.
	SenseBuffer []byte
	Features    [FeatureCount]FeatureRequest

	// Filled in at completion.
	RealizedTransferCount uint64
	SenseLength           int
	FeatureResults        [FeatureCount]FeatureResult

	// Context is opaque client data carried back to the callback.
	Context any
}

func (request *Request) validate() error {
	if len(request.CDB) == 0 || len(request.CDB) > scsi.MaxCDBLength {
		return fmt.Errorf("%w: CDB length %d", ErrInvalidRequest, len(request.CDB))
	}
	if request.BufferOffset > uint64(len(request.Buffer)) {
		return fmt.Errorf(
			"%w: buffer offset %d beyond buffer of %d bytes",
			ErrInvalidRequest,
			request.BufferOffset,
			len(request.Buffer),
		)
	}
	return nil
}

// Completer receives finished requests. It is called on the controller work
// loop and must not block on the task pool.
type Completer interface {
	TaskCompleted(request *Request, response scsi.ServiceResponse, status scsi.TaskStatus)
}

type CompleterFunc func(request *Request, response scsi.ServiceResponse, status scsi.TaskStatus)

func (function CompleterFunc) TaskCompleted(
	request *Request,
	response scsi.ServiceResponse,
	status scsi.TaskStatus,
) {
	function(request, response, status)
}
