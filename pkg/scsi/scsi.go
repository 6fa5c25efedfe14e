// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package scsi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FixedSenseLength is the size of the fixed format sense data built here.
const FixedSenseLength = 18

// BuildSenseData returns fixed format, current (not deferred) sense data.
func BuildSenseData(key byte, asc AdditionalSenseCode) []byte {
	senseBuffer := &bytes.Buffer{}
	additionalLength := byte(FixedSenseLength - 8)
	senseBuffer.WriteByte(0x70)
	senseBuffer.WriteByte(0x00)
	senseBuffer.WriteByte(key)
	for i := 0; i < 4; i++ {
		senseBuffer.WriteByte(0x00)
	}
	senseBuffer.WriteByte(additionalLength)
	for i := 0; i < 4; i++ {
		senseBuffer.WriteByte(0x00)
	}
	senseBuffer.WriteByte(byte(asc>>8) & 0xff)
	senseBuffer.WriteByte(byte(asc) & 0xff)
	for i := 0; i < 4; i++ {
		senseBuffer.WriteByte(0x00)
	}
	return senseBuffer.Bytes()
}

// ParseSenseData extracts key and additional sense code from fixed format sense.
func ParseSenseData(sense []byte) (byte, AdditionalSenseCode, error) {
	if len(sense) < 14 {
		return 0, 0, fmt.Errorf("sense data too short: %d bytes", len(sense))
	}
	if sense[0]&0x7f != 0x70 && sense[0]&0x7f != 0x71 {
		return 0, 0, fmt.Errorf("unsupported sense format 0x%02x", sense[0])
	}
	return sense[2] & 0x0f, AdditionalSenseCode(binary.BigEndian.Uint16(sense[12:14])), nil
}

// CommandLength returns the CDB size implied by the opcode group code.
func CommandLength(opcode byte) (int, error) {
	switch opcode >> 5 {
	case 0:
		return 6, nil
	case 1, 2:
		return 10, nil
	case 4:
		return 16, nil
	case 5:
		return 12, nil
	}
	return 0, fmt.Errorf("opcode 0x%02x has a vendor specific or reserved length", opcode)
}

// LogicalBlockAddress returns the starting block of a read, write or cache
// synchronization CDB, zero for other commands.
func LogicalBlockAddress(cdb []byte) uint64 {
	if len(cdb) == 0 {
		return 0
	}
	switch CommandType(cdb[0]) {
	case Read6, Write6:
		if len(cdb) < 6 {
			return 0
		}
		return uint64(cdb[1]&0x1f)<<16 | uint64(binary.BigEndian.Uint16(cdb[2:]))
	case Read10, Write10, SynchronizeCache10:
		if len(cdb) < 10 {
			return 0
		}
		return uint64(binary.BigEndian.Uint32(cdb[2:]))
	case Read12, Write12:
		if len(cdb) < 12 {
			return 0
		}
		return uint64(binary.BigEndian.Uint32(cdb[2:]))
	case Read16, Write16, WriteSame16, SynchronizeCache16:
		if len(cdb) < 16 {
			return 0
		}
		return binary.BigEndian.Uint64(cdb[2:])
	}
	return 0
}

// BlockCount returns the number of logical blocks a read or write CDB moves.
func BlockCount(cdb []byte) uint64 {
	if len(cdb) == 0 {
		return 0
	}
	switch CommandType(cdb[0]) {
	case Read6, Write6:
		if len(cdb) < 6 {
			return 0
		}
		// zero means 256 blocks for the 6 byte variants
		if cdb[4] == 0 {
			return 256
		}
		return uint64(cdb[4])
	case Read10, Write10, SynchronizeCache10:
		if len(cdb) < 10 {
			return 0
		}
		return uint64(binary.BigEndian.Uint16(cdb[7:]))
	case Read12, Write12:
		if len(cdb) < 12 {
			return 0
		}
		return uint64(binary.BigEndian.Uint32(cdb[6:]))
	case Read16, Write16, WriteSame16, SynchronizeCache16:
		if len(cdb) < 16 {
			return 0
		}
		return uint64(binary.BigEndian.Uint32(cdb[10:]))
	}
	return 0
}

// TransferLength returns the number of bytes a CDB moves for the given
// logical block size. Allocation length commands report their allocation
// length; anything unknown is zero.
func TransferLength(cdb []byte, blockSize uint32) uint64 {
	if len(cdb) == 0 {
		return 0
	}
	switch CommandType(cdb[0]) {
	case Read6, Write6, Read10, Write10, Read12, Write12, Read16, Write16:
		return BlockCount(cdb) * uint64(blockSize)
	case Inquiry:
		if len(cdb) < 6 {
			return 0
		}
		return uint64(binary.BigEndian.Uint16(cdb[3:]))
	case RequestSense, ModeSense6:
		if len(cdb) < 6 {
			return 0
		}
		return uint64(cdb[4])
	case ReadCapacity10:
		return 8
	}
	return 0
}

// Direction derives the data phase direction from the opcode.
func Direction(cdb []byte) DataDirection {
	if len(cdb) == 0 {
		return DataNone
	}
	switch CommandType(cdb[0]) {
	case Read6, Read10, Read12, Read16, Inquiry, RequestSense, ModeSense6, ModeSense10,
		ReadCapacity10, ServiceActionIn, ReportLuns:
		return DataRead
	case Write6, Write10, Write12, Write16, WriteSame16, ModeSelect10:
		return DataWrite
	}
	return DataNone
}
