// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package parallel

import (
	"fmt"
	"sort"
	"sync"
)

// DirectoryBuckets is the number of hash chains, it must be a power of two.
const DirectoryBuckets = 16

// DeviceDirectory indexes target devices by identifier. Devices live in an
// arena and are chained per bucket through handles. One lock guards the
// whole directory; it never takes a device lock.
type DeviceDirectory struct {
	lock        sync.Mutex
	buckets     [DirectoryBuckets]linkedList
	devices     []*TargetDevice
	freeSlots   []Handle
	count       int
	highestID   TargetID
	initiatorID TargetID
	// chainWalks counts lookups that reached a chain.
	chainWalks int
}

func NewDeviceDirectory(highestID TargetID, initiatorID TargetID) *DeviceDirectory {
	directory := &DeviceDirectory{
		highestID:   highestID,
		initiatorID: initiatorID,
	}
	for index := range directory.buckets {
		directory.buckets[index] = newLinkedList(directory.chainLinks)
	}
	return directory
}

func (directory *DeviceDirectory) chainLinks(handle Handle) *listLinks {
	return &directory.devices[handle].directoryLinks
}

func bucketOf(id TargetID) int {
	return int(id) & (DirectoryBuckets - 1)
}

// ValidTarget reports whether id is an addressable target on this bus.
func (directory *DeviceDirectory) ValidTarget(id TargetID) bool {
	return id >= 0 && id <= directory.highestID && id != directory.initiatorID
}

// findLocked walks one chain, callers hold the lock.
func (directory *DeviceDirectory) findLocked(id TargetID) *TargetDevice {
	directory.chainWalks += 1
	handle := directory.buckets[bucketOf(id)].find(func(handle Handle) bool {
		return directory.devices[handle].id == id
	})
	if handle == InvalidHandle {
		return nil
	}
	return directory.devices[handle]
}

func (directory *DeviceDirectory) insert(device *TargetDevice) error {
	if !directory.ValidTarget(device.id) {
		return fmt.Errorf("%w: %d", ErrInvalidTarget, device.id)
	}
	directory.lock.Lock()
	defer directory.lock.Unlock()
	if directory.findLocked(device.id) != nil {
		return fmt.Errorf("%w: %d", ErrDeviceExists, device.id)
	}
	var handle Handle
	if slots := len(directory.freeSlots); slots > 0 {
		handle = directory.freeSlots[slots-1]
		directory.freeSlots = directory.freeSlots[:slots-1]
		directory.devices[handle] = device
	} else {
		handle = Handle(len(directory.devices))
		directory.devices = append(directory.devices, device)
	}
	device.handle = handle
	directory.buckets[bucketOf(device.id)].addRear(handle)
	directory.count += 1
	return nil
}

func (directory *DeviceDirectory) remove(device *TargetDevice) bool {
	directory.lock.Lock()
	defer directory.lock.Unlock()
	handle := device.handle
	if handle == InvalidHandle || int(handle) >= len(directory.devices) || directory.devices[handle] != device {
		return false
	}
	if err := directory.buckets[bucketOf(device.id)].removeByHandle(handle); err != nil {
		return false
	}
	directory.devices[handle] = nil
	directory.freeSlots = append(directory.freeSlots, handle)
	device.handle = InvalidHandle
	directory.count -= 1
	return true
}

// Lookup returns the device for id. Identifiers outside the bus range and the
// initiator's own identifier are rejected without searching.
func (directory *DeviceDirectory) Lookup(id TargetID) *TargetDevice {
	if !directory.ValidTarget(id) {
		return nil
	}
	directory.lock.Lock()
	defer directory.lock.Unlock()
	return directory.findLocked(id)
}

func (directory *DeviceDirectory) Len() int {
	directory.lock.Lock()
	defer directory.lock.Unlock()
	return directory.count
}

// Devices returns the live devices ordered by identifier.
func (directory *DeviceDirectory) Devices() []*TargetDevice {
	directory.lock.Lock()
	result := make([]*TargetDevice, 0, directory.count)
	for _, device := range directory.devices {
		if device != nil {
			result = append(result, device)
		}
	}
	directory.lock.Unlock()
	sort.Slice(result, func(i, j int) bool { return result[i].id < result[j].id })
	return result
}

func (directory *DeviceDirectory) validate() error {
	directory.lock.Lock()
	defer directory.lock.Unlock()
	total := 0
	for index, chain := range directory.buckets {
		if err := chain.validate(); err != nil {
			return fmt.Errorf("bucket %d: %w", index, err)
		}
		for _, handle := range chain.content() {
			if bucketOf(directory.devices[handle].id) != index {
				return fmt.Errorf("target %d chained in bucket %d", directory.devices[handle].id, index)
			}
		}
		total += chain.size
	}
	if total != directory.count {
		return fmt.Errorf("chains hold %d devices, directory counts %d", total, directory.count)
	}
	return nil
}
