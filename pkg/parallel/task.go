// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package parallel

import (
	"fmt"
	"parallelscsi/pkg/scsi"
	"sync/atomic"
	"time"
)

type taskMembership int32

const (
	memberNone taskMembership = iota
	memberFree
	memberOutstanding
	memberResend
)

func (membership taskMembership) String() string {
	switch membership {
	case memberNone:
		return "checked-out"
	case memberFree:
		return "free"
	case memberOutstanding:
		return "outstanding"
	case memberResend:
		return "resend"
	}
	return fmt.Sprintf("membership(%d)", int(membership))
}

type TimeoutState int

const (
	TimeoutIdle TimeoutState = iota
	TimeoutArmed
	TimeoutExpired
)

// AnyControllerID matches the head of the outstanding list in
// FindTaskByControllerID.
const AnyControllerID = ^uint64(0)

// Task is one in-flight command bound to a target/lun/tag triple. Tasks are
// preallocated by the pool and reused; they are never freed individually.
type Task struct {
	handle Handle
	// generation changes on every checkout. Completions carry the value seen
	// at dispatch so that a late one can't land on the next request.
	generation atomic.Uint64
	membership atomic.Int32

	target    TargetID
	lun       uint64
	tag       TaskTag
	attribute scsi.TaskAttribute
	cdb       [scsi.MaxCDBLength]byte
	cdbLength int
	direction scsi.DataDirection

	requestedCount uint64
	realizedCount  uint64
	buffer         []byte
	bufferOffset   uint64
	timeout        time.Duration

	sense       []byte
	senseLength int

	featureRequests [FeatureCount]FeatureRequest
	featureResults  [FeatureCount]FeatureResult
	// eligible marks features whose negotiation was actually attempted.
	eligible FeatureSet

	controllerID uint64
	request      *Request
	extension    []byte

	outstandingLinks listLinks
	resendLinks      listLinks

	timeoutState  TimeoutState
	deadline      time.Time
	armGeneration uint64
}

func newTask(handle Handle, extensionSize int) *Task {
	task := &Task{
		handle:    handle,
		extension: make([]byte, extensionSize),
	}
	task.reset()
	task.setMembership(memberNone)
	return task
}

func (task *Task) getMembership() taskMembership {
	return taskMembership(task.membership.Load())
}

func (task *Task) setMembership(membership taskMembership) {
	task.membership.Store(int32(membership))
}

func (task *Task) moveMembership(from, to taskMembership) bool {
	return task.membership.CompareAndSwap(int32(from), int32(to))
}

// reset restores defaults on checkout. Linkage and membership are owned by
// the lists and the pool, timeout state by the controller work loop.
func (task *Task) reset() {
	task.generation.Add(1)
	task.target = 0
	task.lun = 0
	task.tag = UntaggedTag
	task.attribute = scsi.TaskSimple
	task.cdb = [scsi.MaxCDBLength]byte{}
	task.cdbLength = 0
	task.direction = scsi.DataNone
	task.requestedCount = 0
	task.realizedCount = 0
	task.buffer = nil
	task.bufferOffset = 0
	task.timeout = 0
	task.sense = nil
	task.senseLength = 0
	task.featureRequests = [FeatureCount]FeatureRequest{}
	task.featureResults = [FeatureCount]FeatureResult{}
	task.eligible = FeatureSet{}
	task.controllerID = 0
	task.request = nil
	clear(task.extension)
	task.outstandingLinks = unlinked()
	task.resendLinks = unlinked()
}

// bind copies the addressing and buffers of a client request into the task.
func (task *Task) bind(request *Request) {
	task.request = request
	task.target = request.Target
	task.lun = request.LUN
	task.tag = request.Tag
	task.attribute = request.Attribute
	task.cdbLength = copy(task.cdb[:], request.CDB)
	task.direction = request.Direction
	task.requestedCount = request.RequestedTransferCount
	task.buffer = request.Buffer
	task.bufferOffset = request.BufferOffset
	task.timeout = request.Timeout
	task.sense = request.SenseBuffer
	task.featureRequests = request.Features
}

func (task *Task) Handle() Handle                    { return task.handle }
func (task *Task) Generation() uint64                { return task.generation.Load() }
func (task *Task) Target() TargetID                  { return task.target }
func (task *Task) LUN() uint64                       { return task.lun }
func (task *Task) Tag() TaskTag                      { return task.tag }
func (task *Task) Attribute() scsi.TaskAttribute     { return task.attribute }
func (task *Task) Direction() scsi.DataDirection     { return task.direction }
func (task *Task) RequestedTransferCount() uint64    { return task.requestedCount }
func (task *Task) RealizedTransferCount() uint64     { return task.realizedCount }
func (task *Task) Buffer() []byte                    { return task.buffer }
func (task *Task) BufferOffset() uint64              { return task.bufferOffset }
func (task *Task) Timeout() time.Duration            { return task.timeout }
func (task *Task) ControllerID() uint64              { return task.controllerID }
func (task *Task) Request() *Request                 { return task.request }
func (task *Task) TimeoutState() TimeoutState        { return task.timeoutState }
func (task *Task) Deadline() time.Time               { return task.deadline }
func (task *Task) AutosenseBufferSize() int          { return len(task.sense) }
func (task *Task) AutosenseLength() int              { return task.senseLength }
func (task *Task) SetControllerID(identifier uint64) { task.controllerID = identifier }

// Extension is the backend specific payload, sized by the backend capabilities.
func (task *Task) Extension() []byte { return task.extension }

// CDB returns the command descriptor block trimmed to its true length.
func (task *Task) CDB() []byte {
	return task.cdb[:task.cdbLength]
}

func (task *Task) SetRealizedTransferCount(count uint64) {
	if count > task.requestedCount {
		count = task.requestedCount
	}
	task.realizedCount = count
}

// SetAutosense copies sense data into the autosense buffer and returns the
// number of bytes kept.
func (task *Task) SetAutosense(sense []byte) int {
	task.senseLength = copy(task.sense, sense)
	return task.senseLength
}

// FeatureNegotiationRequested reports whether this task carries a negotiation
// attempt for the feature.
func (task *Task) FeatureNegotiationRequested(feature Feature) bool {
	return task.featureRequests[feature] == FeatureAttemptNegotiation
}

// FeatureRequest is the negotiation the task carries for the feature after
// eligibility was decided.
func (task *Task) FeatureRequest(feature Feature) FeatureRequest {
	return task.featureRequests[feature]
}

func (task *Task) SetFeatureResult(feature Feature, result FeatureResult) {
	task.featureResults[feature] = result
}

func (task *Task) FeatureResult(feature Feature) FeatureResult {
	return task.featureResults[feature]
}

func (task *Task) String() string {
	opcode := "none"
	if task.cdbLength > 0 {
		opcode = scsi.OperationCodeToString(scsi.CommandType(task.cdb[0]))
	}
	tag := fmt.Sprintf("%d", task.tag)
	if task.tag == UntaggedTag {
		tag = "untagged"
	}
	return fmt.Sprintf(
		"task[%d] target %d lun %d tag %s %s (%s)",
		task.handle,
		task.target,
		task.lun,
		tag,
		opcode,
		task.getMembership(),
	)
}
