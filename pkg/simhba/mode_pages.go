// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package simhba

import (
	"encoding/binary"
	"fmt"
	"parallelscsi/pkg/logger"
	"parallelscsi/pkg/scsi"
)

const (
	allModePages             = byte(0x3f)
	disconnectReconnectPage  = byte(0x02)
	cachingPage              = byte(0x08)
	controlPage              = byte(0x0a)
	subPageFormatBitMask     = byte(0x40)
	pageCodeBitMask          = byte(0x3f)
	pageControlBitMask       = byte(0xc0)
	disableBlockDescriptors  = byte(0x08)
	pageControlChangeable    = byte(1)
	pageControlSaved         = byte(3)
	deviceSpecificParameters = byte(0x10) // DPOFUA
	blockDescriptorLength    = 8
)

type modePage struct {
	pageCode    uint8
	subPageCode uint8
	data        []byte
}

// bytes renders the page for a page control value. Nothing is changeable,
// so changeable values come back as a bare header.
func (page modePage) bytes(pageControl byte) []byte {
	var result []byte
	if page.subPageCode == 0 {
		result = []byte{page.pageCode, byte(len(page.data))}
	} else {
		result = []byte{page.pageCode | subPageFormatBitMask, page.subPageCode, 0x00, byte(len(page.data))}
	}
	if pageControl != pageControlChangeable {
		result = append(result, page.data...)
	}
	return result
}

type modePages []modePage

func parallelModePages() modePages {
	return modePages{
		{disconnectReconnectPage, 0, []byte{
			// buffer full and buffer empty ratios
			0x80, 0x80,
			// bus inactivity limit
			0x00, 0x0a,
			// disconnect time limit
			0x00, 0x00,
			// connect time limit
			0x00, 0x00,
			// maximum burst size
			0x00, 0x00,
			// DTDC: disconnects allowed at any time
			0x00,
			0x00,
			// first burst size
			0x00, 0x00,
		}},
		// write cache disabled, the medium is memory
		{cachingPage, 0, []byte{0x10, 0, 0xff, 0xff, 0, 0, 0xff, 0xff, 0xff, 0xff, 0x80, 0x14, 0, 0, 0, 0, 0, 0}},
		// unrestricted reordering of simple tasks
		{controlPage, 0, []byte{0x02, 0x10, 0, 0, 0, 0, 0, 0, 0x02, 0}},
	}
}

func (pages modePages) find(pageCode, subPageCode uint8) *modePage {
	for index := range pages {
		if pages[index].pageCode == pageCode && pages[index].subPageCode == subPageCode {
			return &pages[index]
		}
	}
	return nil
}

func (pages modePages) bytes(pageCode, subPageCode, pageControl uint8) ([]byte, error) {
	var data []byte
	if pageCode != allModePages {
		page := pages.find(pageCode, subPageCode)
		if page == nil {
			return nil, fmt.Errorf("mode page 0x%02x/0x%02x not found", pageCode, subPageCode)
		}
		return page.bytes(pageControl), nil
	}
	switch subPageCode {
	case 0x00, 0xff:
		for _, page := range pages {
			if subPageCode == 0xff || page.subPageCode == 0 {
				data = append(data, page.bytes(pageControl)...)
			}
		}
	default:
		return nil, fmt.Errorf("all pages do not support subpage 0x%02x", subPageCode)
	}
	return data, nil
}

// modeSense6 answers MODE SENSE(6) with a short block descriptor followed by
// the requested pages.
func (unit *LogicalUnit) modeSense6(cdb []byte, buffer []byte) commandResult {
	pageCode := cdb[2] & pageCodeBitMask
	pageControl := (cdb[2] & pageControlBitMask) >> 6
	if pageControl == pageControlSaved {
		return unit.checkCondition(scsi.IllegalRequest, scsi.AscSavingParametersUnsupported)
	}
	pages, err := unit.modePages.bytes(pageCode, cdb[3], pageControl)
	if err != nil {
		logger.GetLogger().Debug(err)
		return unit.checkCondition(scsi.IllegalRequest, scsi.AscInvalidFieldInCdb)
	}
	var descriptor []byte
	if cdb[1]&disableBlockDescriptors == 0 {
		descriptor = make([]byte, blockDescriptorLength)
		blocks := unit.blocks()
		if blocks > 0xffffffff {
			blocks = 0xffffffff
		}
		binary.BigEndian.PutUint32(descriptor, uint32(blocks))
		binary.BigEndian.PutUint32(descriptor[4:], uint32(1)<<unit.BlockShift)
	}
	// the mode data length does not count itself
	data := []byte{
		byte(3 + len(descriptor) + len(pages)),
		0x00,
		deviceSpecificParameters,
		byte(len(descriptor)),
	}
	data = append(data, descriptor...)
	data = append(data, pages...)
	if allocationLength := scsi.TransferLength(cdb, 0); uint64(len(data)) > allocationLength {
		data = data[:allocationLength]
	}
	return good(uint64(copy(buffer, data)))
}
