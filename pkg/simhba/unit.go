// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package simhba

import (
	"encoding/binary"
	"fmt"
	"parallelscsi/pkg/logger"
	"parallelscsi/pkg/scsi"
	"sync"
)

const DefaultBlockShift = 9

const (
	peripheralDirectAccess = byte(0x00)
	versionSpc3            = byte(0x05)
	inquiryStandardFormat  = byte(0x02)
	inquiryCmdque          = byte(0x02)
	// wide and synchronous transfers on a parallel bus
	inquiryWbus16Sync = byte(0x30)

	vpdSupportedPages = byte(0x00)
	vpdUnitSerial     = byte(0x80)

	forceUnitAccessBitMask = byte(0x08)
	protectBitMask         = byte(0xe0)
)

// LogicalUnit emulates a direct access block device on top of a backing
// store. It answers the block commands a host adapter test needs.
type LogicalUnit struct {
	BlockShift uint
	Store      BackingStore
	VendorID   string
	ProductID  string
	ProductRev string
	Serial     string

	modePages modePages
	senseLock sync.Mutex
	lastSense []byte
}

func NewLogicalUnit(store BackingStore, blockShift uint, serial string) *LogicalUnit {
	if blockShift == 0 {
		blockShift = DefaultBlockShift
	}
	return &LogicalUnit{
		BlockShift: blockShift,
		Store:      store,
		VendorID:   "NX",
		ProductID:  "PARALLELSIM",
		ProductRev: "0.1",
		Serial:     serial,
		modePages:  parallelModePages(),
	}
}

type commandResult struct {
	status   scsi.TaskStatus
	realized uint64
	sense    []byte
}

func good(realized uint64) commandResult {
	return commandResult{status: scsi.StatusGood, realized: realized}
}

func (unit *LogicalUnit) checkCondition(key byte, asc scsi.AdditionalSenseCode) commandResult {
	sense := scsi.BuildSenseData(key, asc)
	unit.senseLock.Lock()
	unit.lastSense = sense
	unit.senseLock.Unlock()
	return commandResult{status: scsi.StatusCheckCondition, sense: sense}
}

func (unit *LogicalUnit) blocks() uint64 {
	return unit.Store.Size() >> unit.BlockShift
}

// execute runs one command. buffer is the data window of the task: the
// source of a write or the destination of a read.
func (unit *LogicalUnit) execute(cdb []byte, buffer []byte) commandResult {
	log := logger.GetLogger()
	if len(cdb) == 0 {
		return unit.checkCondition(scsi.IllegalRequest, scsi.AscInvalidOpCode)
	}
	if length, err := scsi.CommandLength(cdb[0]); err == nil && len(cdb) < length {
		log.Warnf("truncated %s CDB of %d bytes", scsi.OperationCodeToString(scsi.CommandType(cdb[0])), len(cdb))
		return unit.checkCondition(scsi.IllegalRequest, scsi.AscInvalidFieldInCdb)
	}
	switch scsi.CommandType(cdb[0]) {
	case scsi.TestUnitReady:
		return good(0)
	case scsi.Inquiry:
		return unit.inquiry(cdb, buffer)
	case scsi.RequestSense:
		return unit.requestSense(cdb, buffer)
	case scsi.ReadCapacity10:
		return unit.readCapacity(buffer)
	case scsi.ModeSense6:
		return unit.modeSense6(cdb, buffer)
	case scsi.Read6, scsi.Read10, scsi.Read12, scsi.Read16:
		return unit.read(cdb, buffer)
	case scsi.Write6, scsi.Write10, scsi.Write12, scsi.Write16:
		return unit.write(cdb, buffer)
	case scsi.SynchronizeCache10, scsi.SynchronizeCache16:
		if err := unit.Store.DataSync(); err != nil {
			log.Error(err)
			return unit.checkCondition(scsi.MediumError, scsi.AscWriteError)
		}
		return good(0)
	}
	log.Debugf("unsupported opcode %s", scsi.OperationCodeToString(scsi.CommandType(cdb[0])))
	return unit.checkCondition(scsi.IllegalRequest, scsi.AscInvalidOpCode)
}

func validateOffsetLength(transferLength, logicalBlockAddress, deviceSizeInBlocks uint64) bool {
	log := logger.GetLogger()
	if transferLength != 0 {
		// check for uint64 overflow of the end of the area
		overflow := logicalBlockAddress+transferLength < logicalBlockAddress
		if overflow || logicalBlockAddress+transferLength > deviceSizeInBlocks {
			log.Warnf(
				"lba out of range: lba %d, tl %d, size %d",
				logicalBlockAddress,
				transferLength,
				deviceSizeInBlocks,
			)
			return false
		}
	} else if logicalBlockAddress >= deviceSizeInBlocks {
		log.Warnf("lba out of range: lba %d, size %d", logicalBlockAddress, deviceSizeInBlocks)
		return false
	}
	return true
}

// dataRange validates the addressing of a read or write and returns its byte
// offset and length.
func (unit *LogicalUnit) dataRange(cdb []byte) (uint64, uint64, *commandResult) {
	command := scsi.CommandType(cdb[0])
	if command != scsi.Read6 && command != scsi.Write6 && cdb[1]&protectBitMask != 0 {
		result := unit.checkCondition(scsi.IllegalRequest, scsi.AscInvalidFieldInCdb)
		return 0, 0, &result
	}
	logicalBlockAddress := scsi.LogicalBlockAddress(cdb)
	transferLength := scsi.BlockCount(cdb)
	if !validateOffsetLength(transferLength, logicalBlockAddress, unit.blocks()) {
		result := unit.checkCondition(scsi.IllegalRequest, scsi.AscLbaOutOfRange)
		return 0, 0, &result
	}
	return logicalBlockAddress << unit.BlockShift, transferLength << unit.BlockShift, nil
}

func (unit *LogicalUnit) read(cdb []byte, buffer []byte) commandResult {
	offset, length, failure := unit.dataRange(cdb)
	if failure != nil {
		return *failure
	}
	if uint64(len(buffer)) < length {
		return unit.checkCondition(scsi.IllegalRequest, scsi.AscInvalidFieldInCdb)
	}
	data, err := unit.Store.Read(offset, length)
	if err != nil {
		logger.GetLogger().Error(err)
		return unit.checkCondition(scsi.MediumError, scsi.AscReadError)
	}
	return good(uint64(copy(buffer, data)))
}

func (unit *LogicalUnit) write(cdb []byte, buffer []byte) commandResult {
	log := logger.GetLogger()
	offset, length, failure := unit.dataRange(cdb)
	if failure != nil {
		return *failure
	}
	if uint64(len(buffer)) < length {
		return unit.checkCondition(scsi.IllegalRequest, scsi.AscInvalidFieldInCdb)
	}
	if err := unit.Store.Write(buffer[:length], offset); err != nil {
		log.Error(err)
		return unit.checkCondition(scsi.MediumError, scsi.AscWriteError)
	}
	log.Debugf("write data at 0x%x for length %d", offset, length)
	if scsi.CommandType(cdb[0]) != scsi.Write6 && cdb[1]&forceUnitAccessBitMask != 0 {
		if err := unit.Store.DataSync(); err != nil {
			return unit.checkCondition(scsi.MediumError, scsi.AscWriteError)
		}
	}
	return good(length)
}

func (unit *LogicalUnit) readCapacity(buffer []byte) commandResult {
	data := make([]byte, 8)
	blocks := unit.blocks()
	if blocks>>32 != 0 {
		binary.BigEndian.PutUint32(data, 0xffffffff)
	} else if blocks > 0 {
		binary.BigEndian.PutUint32(data, uint32(blocks-1))
	}
	binary.BigEndian.PutUint32(data[4:], uint32(1)<<unit.BlockShift)
	return good(uint64(copy(buffer, data)))
}

func (unit *LogicalUnit) standardInquiryData() []byte {
	variable := []byte{0x00, 0x00, inquiryWbus16Sync | inquiryCmdque}
	variable = append(variable, []byte(fmt.Sprintf("%-8.8s", unit.VendorID))...)
	variable = append(variable, []byte(fmt.Sprintf("%-16.16s", unit.ProductID))...)
	variable = append(variable, []byte(fmt.Sprintf("%-4.4s", unit.ProductRev))...)
	result := []byte{
		peripheralDirectAccess,
		// not removable
		0x00,
		versionSpc3,
		inquiryStandardFormat,
		byte(len(variable)),
	}
	return append(result, variable...)
}

func (unit *LogicalUnit) inquiry(cdb []byte, buffer []byte) commandResult {
	allocationLength := scsi.TransferLength(cdb, 0)
	evpd := cdb[1]&0x01 != 0
	var data []byte
	switch {
	case !evpd && cdb[2] != 0:
		return unit.checkCondition(scsi.IllegalRequest, scsi.AscInvalidFieldInCdb)
	case !evpd:
		data = unit.standardInquiryData()
	case cdb[2] == vpdSupportedPages:
		data = []byte{peripheralDirectAccess, vpdSupportedPages, 0x00, 0x02, vpdSupportedPages, vpdUnitSerial}
	case cdb[2] == vpdUnitSerial:
		serial := []byte(unit.Serial)
		data = append([]byte{peripheralDirectAccess, vpdUnitSerial, 0x00, byte(len(serial))}, serial...)
	default:
		return unit.checkCondition(scsi.IllegalRequest, scsi.AscInvalidFieldInCdb)
	}
	if uint64(len(data)) > allocationLength {
		data = data[:allocationLength]
	}
	return good(uint64(copy(buffer, data)))
}

// requestSense returns the sense of the last failed command and clears it.
func (unit *LogicalUnit) requestSense(cdb []byte, buffer []byte) commandResult {
	unit.senseLock.Lock()
	sense := unit.lastSense
	unit.lastSense = nil
	unit.senseLock.Unlock()
	if sense == nil {
		sense = scsi.BuildSenseData(scsi.NoSense, scsi.NoAdditionalSense)
	}
	if allocationLength := scsi.TransferLength(cdb, 0); uint64(len(sense)) > allocationLength {
		sense = sense[:allocationLength]
	}
	return good(uint64(copy(buffer, sense)))
}
