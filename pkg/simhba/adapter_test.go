// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package simhba

import (
	"bytes"
	"context"
	"encoding/binary"
	"parallelscsi/pkg/parallel"
	"parallelscsi/pkg/scsi"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"
)

type outcome struct {
	request  *parallel.Request
	response scsi.ServiceResponse
	status   scsi.TaskStatus
}

type harness struct {
	adapter     *Adapter
	controller  *parallel.Controller
	clock       *testclock.FakeClock
	completions chan outcome
}

func newHarness(t *testing.T, config Config) *harness {
	t.Helper()
	fakeClock := testclock.NewFakeClock(time.Now())
	completions := make(chan outcome, 64)
	adapter := New(config, fakeClock)
	controller := parallel.NewController(
		adapter,
		parallel.CompleterFunc(func(request *parallel.Request, response scsi.ServiceResponse, status scsi.TaskStatus) {
			completions <- outcome{request, response, status}
		}),
		parallel.WithClock(fakeClock),
		parallel.WithDomainAllocator(parallel.NewDomainAllocator(0)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, controller.Start(ctx))
	go controller.Run(ctx)
	t.Cleanup(func() {
		_ = controller.Terminate(context.Background())
		cancel()
	})
	return &harness{adapter: adapter, controller: controller, clock: fakeClock, completions: completions}
}

func testConfig() Config {
	config := DefaultConfig()
	config.MaxTasks = 8
	config.Latency = 0
	config.Blocks = 64
	return config
}

func (h *harness) submit(t *testing.T, request *parallel.Request) {
	t.Helper()
	response, err := h.controller.Submit(context.Background(), request, false)
	require.NoError(t, err)
	require.Equal(t, scsi.ServiceResponseRequestInProcess, response)
}

func (h *harness) wait(t *testing.T) outcome {
	t.Helper()
	select {
	case result := <-h.completions:
		return result
	case <-time.After(2 * time.Second):
		t.Fatal("no completion")
	}
	return outcome{}
}

func (h *harness) expectNothing(t *testing.T) {
	t.Helper()
	// the second pass covers completions queued while the first one ran
	require.NoError(t, h.controller.Barrier(context.Background()))
	require.NoError(t, h.controller.Barrier(context.Background()))
	select {
	case result := <-h.completions:
		t.Fatalf("unexpected completion %s/%s", result.response, result.status)
	default:
	}
}

func read10(target parallel.TargetID, lba uint32, blocks uint16) *parallel.Request {
	cdb := make([]byte, 10)
	cdb[0] = byte(scsi.Read10)
	binary.BigEndian.PutUint32(cdb[2:], lba)
	binary.BigEndian.PutUint16(cdb[7:], blocks)
	return &parallel.Request{
		Target:      target,
		CDB:         cdb,
		Direction:   scsi.DataRead,
		Buffer:      make([]byte, int(blocks)*512),
		SenseBuffer: make([]byte, scsi.FixedSenseLength),
		Tag:         parallel.UntaggedTag,
	}
}

func write10(target parallel.TargetID, lba uint32, data []byte, fua bool) *parallel.Request {
	cdb := make([]byte, 10)
	cdb[0] = byte(scsi.Write10)
	if fua {
		cdb[1] = forceUnitAccessBitMask
	}
	binary.BigEndian.PutUint32(cdb[2:], lba)
	binary.BigEndian.PutUint16(cdb[7:], uint16(len(data)/512))
	return &parallel.Request{
		Target:      target,
		CDB:         cdb,
		Direction:   scsi.DataWrite,
		Buffer:      data,
		SenseBuffer: make([]byte, scsi.FixedSenseLength),
		Tag:         parallel.UntaggedTag,
	}
}

func TestWriteThenRead(t *testing.T) {
	h := newHarness(t, testConfig())
	data := bytes.Repeat([]byte{0xa5, 0x5a}, 512)
	h.submit(t, write10(2, 4, data, true))
	result := h.wait(t)
	require.Equal(t, scsi.StatusGood, result.status)
	assert.Equal(t, uint64(1024), result.request.RealizedTransferCount)
	assert.Equal(t, 1, h.adapter.Unit(2).Store.(*MemoryBackingStore).Syncs())

	request := read10(2, 4, 2)
	h.submit(t, request)
	result = h.wait(t)
	require.Equal(t, scsi.StatusGood, result.status)
	assert.Equal(t, data, request.Buffer)
	assert.Zero(t, request.SenseLength)

	other := read10(3, 4, 2)
	h.submit(t, other)
	h.wait(t)
	assert.Equal(t, make([]byte, 1024), other.Buffer, "targets have separate media")
}

func TestNullMediumDiscardsWrites(t *testing.T) {
	config := testConfig()
	config.NullMedium = true
	h := newHarness(t, config)
	require.IsType(t, &NullBackingStore{}, h.adapter.Unit(2).Store)
	assert.Equal(t, uint64(64*512), h.adapter.Unit(2).Store.Size())

	h.submit(t, write10(2, 4, bytes.Repeat([]byte{0xa5}, 512), false))
	require.Equal(t, scsi.StatusGood, h.wait(t).status)
	request := read10(2, 4, 1)
	copy(request.Buffer, bytes.Repeat([]byte{0xff}, 512))
	h.submit(t, request)
	require.Equal(t, scsi.StatusGood, h.wait(t).status)
	assert.Equal(t, make([]byte, 512), request.Buffer)
}

func TestOutOfRangeReadReportsSense(t *testing.T) {
	h := newHarness(t, testConfig())
	request := read10(1, 63, 2)
	h.submit(t, request)
	result := h.wait(t)
	assert.Equal(t, scsi.ServiceResponseTaskComplete, result.response)
	assert.Equal(t, scsi.StatusCheckCondition, result.status)
	require.Equal(t, scsi.FixedSenseLength, request.SenseLength)
	key, asc, err := scsi.ParseSenseData(request.SenseBuffer)
	require.NoError(t, err)
	assert.Equal(t, scsi.IllegalRequest, key)
	assert.Equal(t, scsi.AscLbaOutOfRange, asc)

	sense := &parallel.Request{
		Target: 1,
		CDB:    []byte{byte(scsi.RequestSense), 0, 0, 0, scsi.FixedSenseLength, 0},
		Buffer: make([]byte, scsi.FixedSenseLength),
	}
	h.submit(t, sense)
	require.Equal(t, scsi.StatusGood, h.wait(t).status)
	key, asc, err = scsi.ParseSenseData(sense.Buffer)
	require.NoError(t, err)
	assert.Equal(t, scsi.IllegalRequest, key)
	assert.Equal(t, scsi.AscLbaOutOfRange, asc)
}

func TestUnsupportedCommandsAndLuns(t *testing.T) {
	h := newHarness(t, testConfig())
	request := &parallel.Request{
		Target:      0,
		CDB:         []byte{0xee, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
		SenseBuffer: make([]byte, scsi.FixedSenseLength),
	}
	h.submit(t, request)
	assert.Equal(t, scsi.StatusCheckCondition, h.wait(t).status)
	_, asc, err := scsi.ParseSenseData(request.SenseBuffer)
	require.NoError(t, err)
	assert.Equal(t, scsi.AscInvalidOpCode, asc)

	lun := read10(0, 0, 1)
	lun.LUN = 3
	h.submit(t, lun)
	assert.Equal(t, scsi.StatusCheckCondition, h.wait(t).status)
	_, asc, err = scsi.ParseSenseData(lun.SenseBuffer)
	require.NoError(t, err)
	assert.Equal(t, scsi.AscLunNotSupported, asc)
}

func TestInquiryAndCapacity(t *testing.T) {
	h := newHarness(t, testConfig())
	inquiry := &parallel.Request{
		Target: 4,
		CDB:    []byte{byte(scsi.Inquiry), 0, 0, 0, 96, 0},
		Buffer: make([]byte, 96),
	}
	h.submit(t, inquiry)
	require.Equal(t, scsi.StatusGood, h.wait(t).status)
	assert.Equal(t, uint64(36), inquiry.RealizedTransferCount)
	assert.Equal(t, "NX      ", string(inquiry.Buffer[8:16]))
	assert.Equal(t, "PARALLELSIM     ", string(inquiry.Buffer[16:32]))

	serial := &parallel.Request{
		Target: 4,
		CDB:    []byte{byte(scsi.Inquiry), 1, vpdUnitSerial, 0, 64, 0},
		Buffer: make([]byte, 64),
	}
	h.submit(t, serial)
	require.Equal(t, scsi.StatusGood, h.wait(t).status)
	assert.Equal(t, "parallelsim-04", string(serial.Buffer[4:serial.RealizedTransferCount]))

	capacity := &parallel.Request{
		Target: 4,
		CDB:    []byte{byte(scsi.ReadCapacity10), 0, 0, 0, 0, 0, 0, 0, 0, 0},
		Buffer: make([]byte, 8),
	}
	h.submit(t, capacity)
	require.Equal(t, scsi.StatusGood, h.wait(t).status)
	assert.Equal(t, uint32(63), binary.BigEndian.Uint32(capacity.Buffer))
	assert.Equal(t, uint32(512), binary.BigEndian.Uint32(capacity.Buffer[4:]))
}

func TestScriptedQueueFullIsRetried(t *testing.T) {
	h := newHarness(t, testConfig())
	h.adapter.SetScript(5, Script{QueueFull: 1})
	first := read10(5, 0, 1)
	first.Tag = 1
	h.submit(t, first)
	h.expectNothing(t)
	assert.Equal(t, 1, h.controller.Device(5).ResendCount())

	second := read10(5, 1, 1)
	second.Tag = 2
	h.submit(t, second)
	results := []outcome{h.wait(t), h.wait(t)}
	assert.Same(t, second, results[0].request)
	assert.Same(t, first, results[1].request)
	for _, result := range results {
		assert.Equal(t, scsi.StatusGood, result.status)
	}
	assert.Equal(t, Script{}, h.adapter.Script(5))
	assert.Equal(t, 8, h.controller.Pool().Free())
}

func TestScriptedRejectAndBusy(t *testing.T) {
	h := newHarness(t, testConfig())
	h.adapter.SetScript(1, Script{Reject: 1, Busy: 1})
	h.submit(t, read10(1, 0, 1))
	result := h.wait(t)
	assert.Equal(t, scsi.ServiceResponseServiceDeliveryOrTargetFailure, result.response)
	assert.Equal(t, scsi.StatusNoStatus, result.status)

	h.submit(t, read10(1, 0, 1))
	assert.Equal(t, scsi.StatusBusy, h.wait(t).status)
	h.submit(t, read10(1, 0, 1))
	assert.Equal(t, scsi.StatusGood, h.wait(t).status)
}

func TestDroppedCommandTimesOut(t *testing.T) {
	h := newHarness(t, testConfig())
	h.adapter.SetScript(6, Script{Drop: 1})
	request := read10(6, 0, 1)
	request.Timeout = time.Second
	h.submit(t, request)
	h.expectNothing(t)

	h.clock.Step(time.Second)
	result := h.wait(t)
	assert.Same(t, request, result.request)
	assert.Equal(t, scsi.ServiceResponseServiceDeliveryOrTargetFailure, result.response)
	assert.Equal(t, scsi.StatusNoStatus, result.status)
	assert.Equal(t, 8, h.controller.Pool().Free())
}

func TestLatencyDelaysCompletion(t *testing.T) {
	config := testConfig()
	config.Latency = 10 * time.Millisecond
	h := newHarness(t, config)
	h.submit(t, read10(0, 0, 1))
	h.expectNothing(t)
	assert.Equal(t, 1, h.adapter.Pending())

	h.clock.Step(10 * time.Millisecond)
	assert.Equal(t, scsi.StatusGood, h.wait(t).status)
	assert.Zero(t, h.adapter.Pending())
}

func TestTimeoutCancelsPendingCompletion(t *testing.T) {
	config := testConfig()
	config.Latency = 5 * time.Second
	h := newHarness(t, config)
	request := read10(0, 0, 1)
	request.Timeout = time.Second
	h.submit(t, request)
	h.expectNothing(t)

	h.clock.Step(time.Second)
	assert.Equal(t, scsi.ServiceResponseServiceDeliveryOrTargetFailure, h.wait(t).response)
	assert.Zero(t, h.adapter.Pending())
	h.clock.Step(5 * time.Second)
	h.expectNothing(t)
}

func TestAbsentTargetsFailSelection(t *testing.T) {
	config := testConfig()
	config.Present = []parallel.TargetID{1, 3}
	h := newHarness(t, config)
	assert.Len(t, h.controller.Devices(), 15)
	assert.Equal(t, targetPresent, h.controller.Device(1).HBAData()[0])
	assert.Zero(t, h.controller.Device(2).HBAData()[0])
	h.submit(t, read10(2, 0, 1))
	assert.Equal(t, scsi.ServiceResponseServiceDeliveryOrTargetFailure, h.wait(t).response)
}

func TestEnumeratingAdapterCreatesPresentTargets(t *testing.T) {
	config := testConfig()
	config.Enumerate = true
	config.Present = []parallel.TargetID{1, 3, 7}
	h := newHarness(t, config)
	var ids []parallel.TargetID
	for _, device := range h.controller.Devices() {
		ids = append(ids, device.ID())
	}
	assert.Equal(t, []parallel.TargetID{1, 3}, ids, "the initiator is never a target")
}

func TestAllocationLimitShrinksPool(t *testing.T) {
	config := testConfig()
	config.AllocatableTasks = 3
	h := newHarness(t, config)
	assert.Equal(t, 3, h.controller.Pool().Capacity())
	task := h.controller.Pool().Task(2)
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(task.Extension()))
}

func TestNegotiationResults(t *testing.T) {
	h := newHarness(t, testConfig())
	request := read10(2, 0, 1)
	request.Features[parallel.FeatureWideDataTransfer] = parallel.FeatureAttemptNegotiation
	h.submit(t, request)
	h.wait(t)
	assert.Equal(t, parallel.FeatureNegotiationSuccessful, request.FeatureResults[parallel.FeatureWideDataTransfer])
	assert.True(t, h.controller.Device(2).FeatureNegotiated(parallel.FeatureWideDataTransfer))

	clearing := read10(2, 0, 1)
	clearing.Features[parallel.FeatureWideDataTransfer] = parallel.FeatureClearNegotiation
	h.submit(t, clearing)
	h.wait(t)
	assert.Equal(t, parallel.FeatureNegotiationCleared, clearing.FeatureResults[parallel.FeatureWideDataTransfer])
	assert.False(t, h.controller.Device(2).FeatureNegotiated(parallel.FeatureWideDataTransfer))
}

func TestRefusedSelectionNegotiatesNothing(t *testing.T) {
	h := newHarness(t, testConfig())
	h.adapter.SetScript(2, Script{Reject: 1, Drop: 1})
	rejected := read10(2, 0, 1)
	rejected.Features[parallel.FeatureWideDataTransfer] = parallel.FeatureAttemptNegotiation
	h.submit(t, rejected)
	assert.Equal(t, scsi.ServiceResponseServiceDeliveryOrTargetFailure, h.wait(t).response)
	assert.Equal(t, parallel.FeatureNegotiationUnchanged, rejected.FeatureResults[parallel.FeatureWideDataTransfer])
	assert.False(t, h.controller.Device(2).FeatureNegotiated(parallel.FeatureWideDataTransfer))

	dropped := read10(2, 0, 1)
	dropped.Features[parallel.FeatureWideDataTransfer] = parallel.FeatureAttemptNegotiation
	dropped.Timeout = time.Second
	h.submit(t, dropped)
	h.expectNothing(t)
	h.clock.Step(time.Second)
	assert.Equal(t, scsi.ServiceResponseServiceDeliveryOrTargetFailure, h.wait(t).response)
	assert.False(t, h.controller.Device(2).FeatureNegotiated(parallel.FeatureWideDataTransfer))
}

func TestInterruptRacingTimeoutCompletesOnce(t *testing.T) {
	config := testConfig()
	config.MaxTasks = 1
	config.Latency = 5 * time.Second
	h := newHarness(t, config)
	first := read10(0, 0, 1)
	first.Tag = 1
	h.submit(t, first)
	h.expectNothing(t)
	task := h.controller.FindTask(0, 0, 1)
	require.NotNil(t, task)
	sent := task.Generation()

	// the latency timer already fired when the timeout cancels the command
	require.NoError(t, h.controller.CompleteTask(task, sent, scsi.ServiceResponseTaskComplete, scsi.StatusGood))
	h.adapter.HandleTimeout(h.controller, task)
	result := h.wait(t)
	assert.Same(t, first, result.request)
	assert.Equal(t, scsi.StatusGood, result.status)
	h.expectNothing(t)
	assert.Zero(t, h.adapter.Pending())

	second := read10(0, 1, 1)
	second.Tag = 2
	h.adapter.SetScript(0, Script{Drop: 1})
	h.submit(t, second)
	h.expectNothing(t)
	require.Same(t, task, h.controller.FindTask(0, 0, 2))
	require.NoError(t, h.controller.CompleteTask(task, sent, scsi.ServiceResponseTaskComplete, scsi.StatusGood))
	h.expectNothing(t)
	assert.Same(t, task, h.controller.FindTask(0, 0, 2), "a stale interrupt leaves the reused task alone")
}

func TestInvalidConfigFailsStart(t *testing.T) {
	config := testConfig()
	config.InitiatorID = 20
	controller := parallel.NewController(
		New(config, testclock.NewFakeClock(time.Now())),
		parallel.CompleterFunc(func(*parallel.Request, scsi.ServiceResponse, scsi.TaskStatus) {}),
		parallel.WithDomainAllocator(parallel.NewDomainAllocator(0)),
	)
	assert.Error(t, controller.Start(context.Background()))
}
