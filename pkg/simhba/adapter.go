// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package simhba

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"parallelscsi/pkg/logger"
	"parallelscsi/pkg/parallel"
	"parallelscsi/pkg/scsi"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

const (
	taskExtensionSize = 8
	targetDataSize    = 1

	targetPresent = byte(1)
)

type Config struct {
	MaxTasks int
	// AllocatableTasks limits how many pool tasks the adapter accepts to back,
	// zero means MaxTasks.
	AllocatableTasks int
	HighestTargetID  parallel.TargetID
	InitiatorID      parallel.TargetID
	Latency          time.Duration
	Enumerate        bool
	// Present lists the targets answering selection, nil means all of them.
	Present    []parallel.TargetID
	Blocks     uint64
	BlockShift uint
	// NullMedium gives targets a medium that reads zeroes and discards writes.
	NullMedium        bool
	SupportedFeatures parallel.FeatureSet
}

func DefaultConfig() Config {
	return Config{
		MaxTasks:          64,
		HighestTargetID:   15,
		InitiatorID:       7,
		Latency:           time.Millisecond,
		Blocks:            2048,
		BlockShift:        DefaultBlockShift,
		SupportedFeatures: parallel.AllFeatures(),
	}
}

func (config Config) validate() error {
	if config.MaxTasks <= 0 {
		return fmt.Errorf("max task count must be positive, got %d", config.MaxTasks)
	}
	if config.HighestTargetID < 0 || config.InitiatorID < 0 || config.InitiatorID > config.HighestTargetID {
		return fmt.Errorf(
			"initiator %d is not on a bus of targets 0..%d",
			config.InitiatorID,
			config.HighestTargetID,
		)
	}
	if config.Latency < 0 {
		return fmt.Errorf("negative latency %s", config.Latency)
	}
	return nil
}

// Adapter is a simulated parallel SCSI host bus adapter. Every present target
// is a block device backed by memory; commands complete from a timer after
// the configured latency, the way an interrupt would report them.
type Adapter struct {
	config     Config
	clock      clock.WithDelayedExecution
	controller *parallel.Controller

	running   atomic.Bool
	nextID    atomic.Uint64
	allocated atomic.Int64

	lock    sync.Mutex
	units   map[parallel.TargetID]*LogicalUnit
	scripts map[parallel.TargetID]*Script
	pending map[uint64]clock.Timer
}

func New(config Config, timerClock clock.WithDelayedExecution) *Adapter {
	return &Adapter{
		config:  config,
		clock:   timerClock,
		units:   map[parallel.TargetID]*LogicalUnit{},
		scripts: map[parallel.TargetID]*Script{},
		pending: map[uint64]clock.Timer{},
	}
}

func (adapter *Adapter) Initialize(_ context.Context, controller *parallel.Controller) error {
	if err := adapter.config.validate(); err != nil {
		return err
	}
	adapter.controller = controller
	return nil
}

func (adapter *Adapter) Capabilities() parallel.Capabilities {
	return parallel.Capabilities{
		MaxTaskCount:      adapter.config.MaxTasks,
		HighestTargetID:   adapter.config.HighestTargetID,
		InitiatorID:       adapter.config.InitiatorID,
		TaskExtensionSize: taskExtensionSize,
		TargetDataSize:    targetDataSize,
		SupportedFeatures: adapter.config.SupportedFeatures,
		EnumeratesTargets: adapter.config.Enumerate,
	}
}

func (adapter *Adapter) Start(context.Context) error {
	adapter.running.Store(true)
	logger.GetLogger().Infof(
		"simulated adapter started: latency %s, %d blocks of %d bytes per target",
		adapter.config.Latency,
		adapter.config.Blocks,
		1<<adapter.blockShift(),
	)
	return nil
}

// Stop refuses new commands. Commands already accepted still complete.
func (adapter *Adapter) Stop(context.Context) error {
	adapter.running.Store(false)
	return nil
}

// Terminate cancels every pending completion.
func (adapter *Adapter) Terminate() error {
	adapter.running.Store(false)
	adapter.lock.Lock()
	defer adapter.lock.Unlock()
	for identifier, timer := range adapter.pending {
		timer.Stop()
		delete(adapter.pending, identifier)
	}
	return nil
}

func (adapter *Adapter) blockShift() uint {
	if adapter.config.BlockShift == 0 {
		return DefaultBlockShift
	}
	return adapter.config.BlockShift
}

func (adapter *Adapter) BlockSize() uint32 {
	return 1 << adapter.blockShift()
}

func (adapter *Adapter) present(id parallel.TargetID) bool {
	return adapter.config.Present == nil || slices.Contains(adapter.config.Present, id)
}

func (adapter *Adapter) EnumerateTargets(context.Context) []parallel.TargetID {
	var targets []parallel.TargetID
	for id := parallel.TargetID(0); id <= adapter.config.HighestTargetID; id += 1 {
		if id != adapter.config.InitiatorID && adapter.present(id) {
			targets = append(targets, id)
		}
	}
	return targets
}

func (adapter *Adapter) AllocateTask(task *parallel.Task) error {
	limit := adapter.config.AllocatableTasks
	if limit > 0 && adapter.allocated.Load() >= int64(limit) {
		return errors.New("simulated adapter is out of task memory")
	}
	adapter.allocated.Add(1)
	binary.BigEndian.PutUint32(task.Extension(), uint32(task.Handle()))
	return nil
}

func (adapter *Adapter) newBackingStore() BackingStore {
	size := adapter.config.Blocks << adapter.blockShift()
	if adapter.config.NullMedium {
		return &NullBackingStore{DataSize: size}
	}
	return NewMemoryBackingStore(size)
}

// InitializeTarget attaches a medium to present targets. Absent ones keep a
// device but fail selection.
func (adapter *Adapter) InitializeTarget(device *parallel.TargetDevice) error {
	if !adapter.present(device.ID()) {
		return nil
	}
	unit := NewLogicalUnit(
		adapter.newBackingStore(),
		adapter.blockShift(),
		fmt.Sprintf("parallelsim-%02d", device.ID()),
	)
	adapter.lock.Lock()
	adapter.units[device.ID()] = unit
	adapter.lock.Unlock()
	device.HBAData()[0] = targetPresent
	for feature := parallel.Feature(0); feature < parallel.FeatureCount; feature += 1 {
		device.SetNexusSupport(feature, adapter.config.SupportedFeatures[feature])
	}
	return nil
}

func (adapter *Adapter) FinalizeTarget(device *parallel.TargetDevice) {
	adapter.lock.Lock()
	defer adapter.lock.Unlock()
	delete(adapter.units, device.ID())
	delete(adapter.scripts, device.ID())
	device.HBAData()[0] = 0
}

// Unit returns the logical unit of a present target.
func (adapter *Adapter) Unit(id parallel.TargetID) *LogicalUnit {
	adapter.lock.Lock()
	defer adapter.lock.Unlock()
	return adapter.units[id]
}

func (adapter *Adapter) SetScript(id parallel.TargetID, script Script) {
	adapter.lock.Lock()
	defer adapter.lock.Unlock()
	adapter.scripts[id] = &script
}

func (adapter *Adapter) Script(id parallel.TargetID) Script {
	adapter.lock.Lock()
	defer adapter.lock.Unlock()
	if script, ok := adapter.scripts[id]; ok {
		return *script
	}
	return Script{}
}

// Pending is the number of completions waiting for their latency to pass.
func (adapter *Adapter) Pending() int {
	adapter.lock.Lock()
	defer adapter.lock.Unlock()
	return len(adapter.pending)
}

func (adapter *Adapter) nextAction(id parallel.TargetID) (*LogicalUnit, action) {
	adapter.lock.Lock()
	defer adapter.lock.Unlock()
	unit := adapter.units[id]
	script, ok := adapter.scripts[id]
	if !ok {
		return unit, actionExecute
	}
	return unit, script.next()
}

func negotiate(task *parallel.Task) {
	for feature := parallel.Feature(0); feature < parallel.FeatureCount; feature += 1 {
		switch task.FeatureRequest(feature) {
		case parallel.FeatureAttemptNegotiation:
			task.SetFeatureResult(feature, parallel.FeatureNegotiationSuccessful)
		case parallel.FeatureClearNegotiation:
			task.SetFeatureResult(feature, parallel.FeatureNegotiationCleared)
		}
	}
}

// dataWindow is the part of the client buffer the task may transfer.
func dataWindow(task *parallel.Task) []byte {
	buffer := task.Buffer()
	offset := task.BufferOffset()
	if offset > uint64(len(buffer)) {
		return nil
	}
	end := offset + task.RequestedTransferCount()
	if end > uint64(len(buffer)) || end < offset {
		end = uint64(len(buffer))
	}
	return buffer[offset:end]
}

func (adapter *Adapter) Send(task *parallel.Task) parallel.SendResult {
	log := logger.GetLogger()
	failure := parallel.CompletedSynchronously(
		scsi.ServiceResponseServiceDeliveryOrTargetFailure,
		scsi.StatusNoStatus,
	)
	if !adapter.running.Load() {
		return failure
	}
	task.SetControllerID(adapter.nextID.Add(1))
	unit, next := adapter.nextAction(task.Target())
	if unit == nil {
		log.Debugf("selection timeout on target %d", task.Target())
		return failure
	}
	switch next {
	case actionReject:
		log.Debugf("rejecting %s", task)
		return failure
	case actionDrop:
		log.Debugf("dropping %s", task)
		return parallel.InProcess()
	}
	// Negotiation happens once the target answered selection.
	negotiate(task)
	switch next {
	case actionQueueFull:
		adapter.deliver(task, scsi.ServiceResponseTaskComplete, scsi.StatusTaskSetFull)
		return parallel.InProcess()
	case actionBusy:
		adapter.deliver(task, scsi.ServiceResponseTaskComplete, scsi.StatusBusy)
		return parallel.InProcess()
	}
	if task.LUN() != 0 {
		task.SetAutosense(unit.checkCondition(scsi.IllegalRequest, scsi.AscLunNotSupported).sense)
		adapter.deliver(task, scsi.ServiceResponseTaskComplete, scsi.StatusCheckCondition)
		return parallel.InProcess()
	}
	result := unit.execute(task.CDB(), dataWindow(task))
	task.SetRealizedTransferCount(result.realized)
	if result.sense != nil {
		task.SetAutosense(result.sense)
	}
	adapter.deliver(task, scsi.ServiceResponseTaskComplete, result.status)
	return parallel.InProcess()
}

// deliver reports the completion after the configured latency. The task
// generation is captured now, the interrupt may fire after the task was
// timed out and reused.
func (adapter *Adapter) deliver(task *parallel.Task, response scsi.ServiceResponse, status scsi.TaskStatus) {
	generation := task.Generation()
	if adapter.config.Latency == 0 {
		adapter.interrupt(task, generation, response, status)
		return
	}
	identifier := task.ControllerID()
	adapter.lock.Lock()
	defer adapter.lock.Unlock()
	adapter.pending[identifier] = adapter.clock.AfterFunc(adapter.config.Latency, func() {
		adapter.lock.Lock()
		_, ok := adapter.pending[identifier]
		delete(adapter.pending, identifier)
		adapter.lock.Unlock()
		if ok {
			adapter.interrupt(task, generation, response, status)
		}
	})
}

func (adapter *Adapter) interrupt(
	task *parallel.Task,
	generation uint64,
	response scsi.ServiceResponse,
	status scsi.TaskStatus,
) {
	if err := adapter.controller.CompleteTask(task, generation, response, status); err != nil {
		logger.GetLogger().Warnf("completion of %s lost: %v", task, err)
	}
}

// HandleTimeout cancels the pending completion of an expired task and fails
// it with a delivery failure.
func (adapter *Adapter) HandleTimeout(controller *parallel.Controller, task *parallel.Task) {
	adapter.lock.Lock()
	if timer, ok := adapter.pending[task.ControllerID()]; ok {
		timer.Stop()
		delete(adapter.pending, task.ControllerID())
	}
	adapter.lock.Unlock()
	logger.GetLogger().Warnf("aborting %s after its timeout", task)
	if err := controller.CompleteTask(
		task,
		task.Generation(),
		scsi.ServiceResponseServiceDeliveryOrTargetFailure,
		scsi.StatusNoStatus,
	); err != nil {
		logger.GetLogger().Warnf("timeout of %s lost: %v", task, err)
	}
}
