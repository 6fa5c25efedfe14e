// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package simhba

import (
	"fmt"
	"parallelscsi/pkg/logger"
	"sync"
)

// BackingStore is the medium behind a simulated logical unit.
type BackingStore interface {
	Size() uint64
	Read(offset, length uint64) ([]byte, error)
	Write(data []byte, offset uint64) error
	DataSync() error
}

type ErrOutOfRange struct {
	Offset uint64
	Length uint64
	Size   uint64
}

func (err *ErrOutOfRange) Error() string {
	return fmt.Sprintf(
		"access of %d bytes at offset %d is beyond the medium of %d bytes",
		err.Length,
		err.Offset,
		err.Size,
	)
}

// MemoryBackingStore keeps the whole medium in memory.
type MemoryBackingStore struct {
	lock  sync.RWMutex
	data  []byte
	syncs int
}

func NewMemoryBackingStore(size uint64) *MemoryBackingStore {
	return &MemoryBackingStore{data: make([]byte, size)}
}

func (backingStore *MemoryBackingStore) Size() uint64 {
	return uint64(len(backingStore.data))
}

func (backingStore *MemoryBackingStore) checkRange(offset, length uint64) error {
	size := backingStore.Size()
	if offset > size || length > size-offset {
		return &ErrOutOfRange{Offset: offset, Length: length, Size: size}
	}
	return nil
}

func (backingStore *MemoryBackingStore) Read(offset, length uint64) ([]byte, error) {
	if err := backingStore.checkRange(offset, length); err != nil {
		return nil, err
	}
	backingStore.lock.RLock()
	defer backingStore.lock.RUnlock()
	result := make([]byte, length)
	copy(result, backingStore.data[offset:])
	return result, nil
}

func (backingStore *MemoryBackingStore) Write(data []byte, offset uint64) error {
	if err := backingStore.checkRange(offset, uint64(len(data))); err != nil {
		return err
	}
	backingStore.lock.Lock()
	defer backingStore.lock.Unlock()
	copy(backingStore.data[offset:], data)
	return nil
}

func (backingStore *MemoryBackingStore) DataSync() error {
	backingStore.lock.Lock()
	defer backingStore.lock.Unlock()
	backingStore.syncs += 1
	return nil
}

// Syncs counts cache synchronizations, forced unit access writes included.
func (backingStore *MemoryBackingStore) Syncs() int {
	backingStore.lock.RLock()
	defer backingStore.lock.RUnlock()
	return backingStore.syncs
}

// NullBackingStore reads zeroes and discards writes.
type NullBackingStore struct {
	DataSize uint64
}

func (backingStore *NullBackingStore) Size() uint64 {
	return backingStore.DataSize
}

func (backingStore *NullBackingStore) Read(offset, length uint64) ([]byte, error) {
	logger.GetLogger().Debugf(
		"read on null backing store with length %d and offset %d",
		length,
		offset,
	)
	return make([]byte, length), nil
}

func (backingStore *NullBackingStore) Write(data []byte, offset uint64) error {
	logger.GetLogger().Debugf(
		"write on null backing store with length %d and offset %d",
		len(data),
		offset,
	)
	return nil
}

func (backingStore *NullBackingStore) DataSync() error {
	return nil
}
