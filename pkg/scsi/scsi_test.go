// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenseDataRoundTrip(t *testing.T) {
	sense := BuildSenseData(IllegalRequest, AscInvalidFieldInCdb)
	require.Len(t, sense, FixedSenseLength)
	assert.Equal(t, byte(FixedSenseLength-8), sense[7])
	key, asc, err := ParseSenseData(sense)
	require.NoError(t, err)
	assert.Equal(t, IllegalRequest, key)
	assert.Equal(t, AscInvalidFieldInCdb, asc)

	_, _, err = ParseSenseData(sense[:10])
	assert.Error(t, err)
}

func TestCommandLength(t *testing.T) {
	cases := map[CommandType]int{
		TestUnitReady: 6,
		Inquiry:       6,
		Read10:        10,
		ModeSense10:   10,
		Read12:        12,
		Read16:        16,
		ReportLuns:    12,
	}
	for opcode, expected := range cases {
		length, err := CommandLength(byte(opcode))
		require.NoError(t, err, OperationCodeToString(opcode))
		assert.Equal(t, expected, length, OperationCodeToString(opcode))
	}
	_, err := CommandLength(0xc0)
	assert.Error(t, err)
}

func TestTransferLength(t *testing.T) {
	read10 := []byte{byte(Read10), 0, 0, 0, 0x10, 0, 0, 0x00, 0x08, 0}
	assert.Equal(t, uint64(8*512), TransferLength(read10, 512))

	write6 := []byte{byte(Write6), 0, 0, 0, 0, 0}
	assert.Equal(t, uint64(256*4096), TransferLength(write6, 4096))

	inquiry := []byte{byte(Inquiry), 0, 0, 0, 36, 0}
	assert.Equal(t, uint64(36), TransferLength(inquiry, 512))

	read16 := make([]byte, 16)
	read16[0] = byte(Read16)
	read16[13] = 2
	assert.Equal(t, uint64(1024), TransferLength(read16, 512))

	assert.Zero(t, TransferLength([]byte{byte(TestUnitReady), 0, 0, 0, 0, 0}, 512))
	assert.Zero(t, TransferLength([]byte{byte(Read10)}, 512))
}

func TestLogicalBlockAddress(t *testing.T) {
	read6 := []byte{byte(Read6), 0x01, 0x02, 0x03, 4, 0}
	assert.Equal(t, uint64(0x010203), LogicalBlockAddress(read6))
	assert.Equal(t, uint64(4), BlockCount(read6))

	write10 := []byte{byte(Write10), 0, 0, 0, 0x01, 0x00, 0, 0, 0x02, 0}
	assert.Equal(t, uint64(256), LogicalBlockAddress(write10))
	assert.Equal(t, uint64(2), BlockCount(write10))

	read16 := make([]byte, 16)
	read16[0] = byte(Read16)
	read16[2] = 0x01
	assert.Equal(t, uint64(1)<<56, LogicalBlockAddress(read16))
	assert.Zero(t, LogicalBlockAddress([]byte{byte(Inquiry), 0, 0, 0, 36, 0}))
	assert.Zero(t, BlockCount([]byte{byte(Write12), 0}))
}

func TestDirection(t *testing.T) {
	assert.Equal(t, DataRead, Direction([]byte{byte(Read10)}))
	assert.Equal(t, DataWrite, Direction([]byte{byte(Write16)}))
	assert.Equal(t, DataNone, Direction([]byte{byte(TestUnitReady)}))
	assert.Equal(t, DataNone, Direction(nil))
}

func TestStatusNames(t *testing.T) {
	assert.Equal(t, "TASK_SET_FULL", StatusTaskSetFull.String())
	assert.Equal(t, "NO_STATUS", StatusNoStatus.String())
	assert.Equal(t, "0x22", TaskStatus(0x22).String())
	assert.Equal(t, "SERVICE_DELIVERY_OR_TARGET_FAILURE", ServiceResponseServiceDeliveryOrTargetFailure.String())
	assert.Equal(t, "0xee", OperationCodeToString(CommandType(0xee)))
}
