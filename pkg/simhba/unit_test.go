// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package simhba

import (
	"encoding/binary"
	"errors"
	"parallelscsi/pkg/scsi"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackingStoreBounds(t *testing.T) {
	store := NewMemoryBackingStore(1024)
	require.NoError(t, store.Write([]byte{1, 2, 3}, 1021))
	data, err := store.Read(1021, 3)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)

	var rangeErr *ErrOutOfRange
	assert.True(t, errors.As(store.Write([]byte{1, 2}, 1023), &rangeErr))
	assert.Equal(t, uint64(1024), rangeErr.Size)
	_, err = store.Read(1025, 0)
	assert.Error(t, err)
	_, err = store.Read(1, ^uint64(0))
	assert.Error(t, err)
}

func TestNullBackingStore(t *testing.T) {
	store := &NullBackingStore{DataSize: 4096}
	unit := NewLogicalUnit(store, 0, "null")
	assert.Equal(t, uint(DefaultBlockShift), unit.BlockShift)
	buffer := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	buffer = append(buffer, make([]byte, 504)...)
	result := unit.execute([]byte{byte(scsi.Read6), 0, 0, 1, 1, 0}, buffer)
	require.Equal(t, scsi.StatusGood, result.status)
	assert.Equal(t, uint64(512), result.realized)
	assert.Equal(t, make([]byte, 512), buffer)
}

func TestShortBufferIsRejected(t *testing.T) {
	unit := NewLogicalUnit(NewMemoryBackingStore(8192), 9, "short")
	result := unit.execute([]byte{byte(scsi.Read10), 0, 0, 0, 0, 0, 0, 0, 2, 0}, make([]byte, 512))
	assert.Equal(t, scsi.StatusCheckCondition, result.status)
	key, asc, err := scsi.ParseSenseData(result.sense)
	require.NoError(t, err)
	assert.Equal(t, scsi.IllegalRequest, key)
	assert.Equal(t, scsi.AscInvalidFieldInCdb, asc)

	result = unit.execute([]byte{byte(scsi.Read10), 0x20, 0, 0, 0, 0, 0, 0, 1, 0}, make([]byte, 512))
	assert.Equal(t, scsi.StatusCheckCondition, result.status, "protection is not supported")

	result = unit.execute([]byte{byte(scsi.Read10), 0, 0}, make([]byte, 512))
	assert.Equal(t, scsi.StatusCheckCondition, result.status, "truncated CDB")
}

func TestRequestSenseWithoutFailure(t *testing.T) {
	unit := NewLogicalUnit(NewMemoryBackingStore(4096), 9, "sense")
	buffer := make([]byte, 32)
	result := unit.execute([]byte{byte(scsi.RequestSense), 0, 0, 0, 32, 0}, buffer)
	require.Equal(t, scsi.StatusGood, result.status)
	assert.Equal(t, uint64(scsi.FixedSenseLength), result.realized)
	key, _, err := scsi.ParseSenseData(buffer)
	require.NoError(t, err)
	assert.Equal(t, scsi.NoSense, key)
}

func TestScriptOrder(t *testing.T) {
	script := Script{Reject: 1, Drop: 1, QueueFull: 1, Busy: 1}
	var actions []action
	for i := 0; i < 5; i += 1 {
		actions = append(actions, script.next())
	}
	assert.Equal(t, []action{actionReject, actionDrop, actionQueueFull, actionBusy, actionExecute}, actions)
}

func TestModeSense6(t *testing.T) {
	unit := NewLogicalUnit(NewMemoryBackingStore(4096), 9, "mode")
	modeSense := func(dbd byte, page byte, subPage byte, allocation byte) (commandResult, []byte) {
		buffer := make([]byte, 255)
		result := unit.execute([]byte{byte(scsi.ModeSense6), dbd, page, subPage, allocation, 0}, buffer)
		return result, buffer[:result.realized]
	}

	result, data := modeSense(0, allModePages, 0, 255)
	require.Equal(t, scsi.StatusGood, result.status)
	assert.Len(t, data, 60)
	assert.Equal(t, byte(59), data[0])
	assert.Equal(t, byte(blockDescriptorLength), data[3])
	assert.Equal(t, uint32(8), binary.BigEndian.Uint32(data[4:]), "blocks in the descriptor")
	assert.Equal(t, uint32(512), binary.BigEndian.Uint32(data[8:]))
	assert.Equal(t, disconnectReconnectPage, data[12])

	result, data = modeSense(disableBlockDescriptors, cachingPage, 0, 255)
	require.Equal(t, scsi.StatusGood, result.status)
	assert.Len(t, data, 24)
	assert.Equal(t, []byte{cachingPage, 18}, data[4:6])

	result, data = modeSense(disableBlockDescriptors, pageControlChangeable<<6|controlPage, 0, 255)
	require.Equal(t, scsi.StatusGood, result.status)
	assert.Equal(t, []byte{5, 0, deviceSpecificParameters, 0, controlPage, 10}, data)

	result, _ = modeSense(0, allModePages, 0, 4)
	assert.Equal(t, uint64(4), result.realized)

	result, _ = modeSense(0, pageControlSaved<<6|controlPage, 0, 255)
	require.Equal(t, scsi.StatusCheckCondition, result.status)
	_, asc, err := scsi.ParseSenseData(result.sense)
	require.NoError(t, err)
	assert.Equal(t, scsi.AscSavingParametersUnsupported, asc)

	result, _ = modeSense(0, 0x19, 0, 255)
	require.Equal(t, scsi.StatusCheckCondition, result.status)
	result, _ = modeSense(0, allModePages, 0x05, 255)
	assert.Equal(t, scsi.StatusCheckCondition, result.status)
}
