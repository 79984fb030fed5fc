// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import "fmt"

const (
	FlashPageSize   = 256
	FlashSectorSize = 4 * 1024
	FlashBlock32K   = 32 * 1024
	FlashBlock64K   = 64 * 1024
)

// NOR flash command set shared by the W25Q family and most compatible parts
const (
	flashCmdWriteEnable    = 0x06
	flashCmdPageProgram    = 0x02
	flashCmdSectorErase    = 0x20
	flashCmdBlockErase32K  = 0x52
	flashCmdBlockErase64K  = 0xd8
	flashCmdReadStatus     = 0x05
	flashCmdRead           = 0x03
	flashCmdFastReadQuadIO = 0xeb
	flashStatusBusy        = 0x01
)

// ChipConfig describes the flash chip and the QSPI setup used to talk to it.
// Zero values are not usable, start from DefaultChipConfig.
type ChipConfig struct {
	Name string

	FlashBase uint32
	FlashSize uint32
	PageSize  uint32

	// depth of the SSI transmit and receive FIFO
	FifoDepth uint32

	BaudDivisor   uint32
	RxSampleDelay uint32
	// pad drive strength field, 0 = 2mA, 1 = 4mA, 2 = 8mA, 3 = 12mA
	PadDrive uint32

	OpWriteEnable byte
	OpPageProgram byte
	OpErase4K     byte
	OpErase32K    byte
	OpErase64K    byte
	OpReadStatus  byte
	// command used for memory mapped reads, 0x03 or 0xeb
	OpRead byte

	BusyMask byte

	// pull settle time of the exit continuous read sequence
	ExitXIPDelayUs uint32

	// 0 waits for the busy flag forever
	MaxBusyPolls int

	// register accesses one tick may perform before it yields
	StepsPerTick int
}

// DefaultChipConfig returns the settings for the W25Q16JV found on the
// Raspberry Pi Pico.
func DefaultChipConfig() ChipConfig {
	return ChipConfig{
		Name:           "W25Q16JV",
		FlashBase:      flashXipBase,
		FlashSize:      2 * 1024 * 1024,
		PageSize:       FlashPageSize,
		FifoDepth:      16,
		BaudDivisor:    6,
		RxSampleDelay:  1,
		PadDrive:       1,
		OpWriteEnable:  flashCmdWriteEnable,
		OpPageProgram:  flashCmdPageProgram,
		OpErase4K:      flashCmdSectorErase,
		OpErase32K:     flashCmdBlockErase32K,
		OpErase64K:     flashCmdBlockErase64K,
		OpReadStatus:   flashCmdReadStatus,
		OpRead:         flashCmdRead,
		BusyMask:       flashStatusBusy,
		ExitXIPDelayUs: 50,
		MaxBusyPolls:   0,
		StepsPerTick:   16384,
	}
}

func (c ChipConfig) Validate() error {
	if c.FlashBase != flashXipBase {
		return newFlashError(ErrorInvalidParameter, "flash base 0x%08x is not the XIP window", c.FlashBase)
	}

	if c.FlashSize == 0 || c.FlashSize > maxFlashSize || c.FlashSize%FlashBlock64K != 0 {
		return newFlashError(ErrorInvalidParameter, "unsupported flash size %d", c.FlashSize)
	}

	if c.PageSize == 0 || c.PageSize > FlashPageSize || c.PageSize&(c.PageSize-1) != 0 {
		return newFlashError(ErrorInvalidParameter, "unsupported page size %d", c.PageSize)
	}

	if c.FifoDepth < 4 {
		return newFlashError(ErrorInvalidParameter, "SSI FIFO depth %d too small", c.FifoDepth)
	}

	if c.BaudDivisor < 2 || c.BaudDivisor&1 != 0 {
		return newFlashError(ErrorInvalidParameter, "baud divisor must be even and at least 2, got %d", c.BaudDivisor)
	}

	if c.PadDrive > 3 {
		return newFlashError(ErrorInvalidParameter, "pad drive %d out of range", c.PadDrive)
	}

	if c.OpRead != flashCmdRead && c.OpRead != flashCmdFastReadQuadIO {
		return newFlashError(ErrorInvalidParameter, "XIP read command 0x%02x not supported", c.OpRead)
	}

	if c.BusyMask == 0 {
		return newFlashError(ErrorInvalidParameter, "busy mask must not be zero")
	}

	if c.StepsPerTick <= 0 {
		return newFlashError(ErrorInvalidParameter, "steps per tick must be positive")
	}

	return nil
}

func (c ChipConfig) FlashEnd() uint32 {
	return c.FlashBase + c.FlashSize
}

func (c ChipConfig) String() string {
	return fmt.Sprintf("%s: %d KiB at 0x%08x, page %d, clk_sys/%d, XIP read 0x%02x",
		c.Name, c.FlashSize/1024, c.FlashBase, c.PageSize, c.BaudDivisor, c.OpRead)
}

func (c ChipConfig) padDefault() uint32 {
	return padInputEnable | c.PadDrive<<padDriveOffset | padSchmitt | padSlewFast
}

// ssi frame setup for the command mode used while programming
func (c ChipConfig) commandCtrlr0() uint32 {
	return 7<<ssiCtrlr0Dfs32Offset | ssiTmodTxAndRx<<ssiCtrlr0TmodOffset
}

func (c ChipConfig) xipCtrlr0() uint32 {
	v := uint32(31)<<ssiCtrlr0Dfs32Offset | ssiTmodEepromRead<<ssiCtrlr0TmodOffset

	if c.OpRead == flashCmdFastReadQuadIO {
		v |= ssiSpiFrfQuad << ssiCtrlr0SpiFrfOffset
	}

	return v
}

func (c ChipConfig) xipSpiCtrlr0() uint32 {
	if c.OpRead == flashCmdFastReadQuadIO {
		// 24 bit address plus mode byte, 4 dummy cycles, address in quad
		return uint32(c.OpRead)<<ssiSpiCtrlr0XipCmdOffset |
			4<<ssiSpiCtrlr0WaitCyclesOffset |
			ssiInstL8Bit<<ssiSpiCtrlr0InstLOffset |
			8<<ssiSpiCtrlr0AddrLOffset |
			ssiTransType1C2A<<ssiSpiCtrlr0TransTypeOffset
	}

	return uint32(c.OpRead)<<ssiSpiCtrlr0XipCmdOffset |
		ssiInstL8Bit<<ssiSpiCtrlr0InstLOffset |
		6<<ssiSpiCtrlr0AddrLOffset |
		ssiTransType1C1A<<ssiSpiCtrlr0TransTypeOffset
}

func (c ChipConfig) eraseOpcode(size uint32) byte {
	switch size {
	case FlashBlock64K:
		return c.OpErase64K
	case FlashBlock32K:
		return c.OpErase32K
	default:
		return c.OpErase4K
	}
}
