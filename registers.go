// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// register layout taken from the RP2040 datasheet, chapter 2 (system
// description) and 4.10 (SSI)

package rp2flash

import "fmt"

// ReadState is owned by the caller of ReadRegister. FirstCall must be set
// before the first poll of every logical read; the primitive clears it and
// may keep a transaction handle in Ticket.
type ReadState struct {
	FirstCall bool
	Ticket    uint64
}

// RegisterAccess reads and writes single 32 bit target registers through a
// debug transport. Both calls may report Pending, in which case they have to
// be called again with the same arguments.
type RegisterAccess interface {
	WriteRegister(addr uint32, value uint32) Result
	ReadRegister(st *ReadState, addr uint32) Poll[uint32]
}

// atomic register aliases
const (
	regAliasXor = 0x1000
	regAliasSet = 0x2000
	regAliasClr = 0x3000
)

const (
	xipCtrlBase  = 0x14000000
	xipSsiBase   = 0x18000000
	psmBase      = 0x40010000
	resetsBase   = 0x4000c000
	ioQspiBase   = 0x40018000
	padsQspiBase = 0x40020000
	timerBase    = 0x40054000
	romBase      = 0x00000000
	ramBase      = 0x20000000
	flashXipBase = 0x10000000
	ramSize      = 264 * 1024
	romSize      = 16 * 1024
	maxFlashSize = 16 * 1024 * 1024
)

// PSM
const (
	psmFrceOn    = psmBase + 0x00
	psmFrceOnXip = 1 << 12
)

// RESETS
const (
	resetsReset       = resetsBase + 0x00
	resetsResetDone   = resetsBase + 0x08
	resetsIoQspiBit   = 1 << 6
	resetsPadsQspiBit = 1 << 9
	resetsQspiMask    = resetsIoQspiBit | resetsPadsQspiBit
)

// PADS_QSPI
const (
	padsVoltageSelect = padsQspiBase + 0x00
	padsSclk          = padsQspiBase + 0x04
	padsSd0           = padsQspiBase + 0x08
	padsSd1           = padsQspiBase + 0x0c
	padsSd2           = padsQspiBase + 0x10
	padsSd3           = padsQspiBase + 0x14
	padsSs            = padsQspiBase + 0x18

	padSlewFast      = 1 << 0
	padSchmitt       = 1 << 1
	padPullDown      = 1 << 2
	padPullUp        = 1 << 3
	padDriveOffset   = 4
	padInputEnable   = 1 << 6
	padOutputDisable = 1 << 7
)

// IO_QSPI
const (
	ioQspiSclkCtrl        = ioQspiBase + 0x04
	ioQspiSsCtrl          = ioQspiBase + 0x0c
	ioQspiSd0Ctrl         = ioQspiBase + 0x14
	ioQspiSd1Ctrl         = ioQspiBase + 0x1c
	ioQspiSd2Ctrl         = ioQspiBase + 0x24
	ioQspiSd3Ctrl         = ioQspiBase + 0x2c
	ioQspiIntr            = ioQspiBase + 0x30
	ioQspiProc0Inte       = ioQspiBase + 0x34
	ioQspiProc0Intf       = ioQspiBase + 0x38
	ioQspiProc1Inte       = ioQspiBase + 0x40
	ioQspiProc1Intf       = ioQspiBase + 0x44
	ioQspiDormantWakeInte = ioQspiBase + 0x4c
	ioQspiDormantWakeIntf = ioQspiBase + 0x50
	ioQspiIntrClearAll    = 0x00cccccc
	ioQspiOutOverOffset   = 8
	ioQspiOutOverMask     = 3 << ioQspiOutOverOffset
	ioQspiOutOverNormal   = 0 << ioQspiOutOverOffset
	ioQspiOutOverLow      = 2 << ioQspiOutOverOffset
	ioQspiOutOverHigh     = 3 << ioQspiOutOverOffset
)

// XIP_CTRL
const (
	xipCtrlCtrl           = xipCtrlBase + 0x00
	xipCtrlFlush          = xipCtrlBase + 0x04
	xipCtrlStat           = xipCtrlBase + 0x08
	xipCtrlEnable         = 1 << 0
	xipCtrlErrBadWrite    = 1 << 1
	xipCtrlStatFlushReady = 1 << 0
)

// XIP_SSI
const (
	ssiCtrlr0       = xipSsiBase + 0x00
	ssiCtrlr1       = xipSsiBase + 0x04
	ssiSsienr       = xipSsiBase + 0x08
	ssiSer          = xipSsiBase + 0x10
	ssiBaudr        = xipSsiBase + 0x14
	ssiTxftlr       = xipSsiBase + 0x18
	ssiRxftlr       = xipSsiBase + 0x1c
	ssiTxflr        = xipSsiBase + 0x20
	ssiRxflr        = xipSsiBase + 0x24
	ssiSr           = xipSsiBase + 0x28
	ssiImr          = xipSsiBase + 0x2c
	ssiIcr          = xipSsiBase + 0x48
	ssiDmacr        = xipSsiBase + 0x4c
	ssiDmatdlr      = xipSsiBase + 0x50
	ssiDmardlr      = xipSsiBase + 0x54
	ssiDr0          = xipSsiBase + 0x60
	ssiRxSampleDly  = xipSsiBase + 0xf0
	ssiSpiCtrlr0    = xipSsiBase + 0xf4
	ssiTxdDriveEdge = xipSsiBase + 0xf8

	ssiSrBusy = 1 << 0
	ssiSrTfnf = 1 << 1
	ssiSrTfe  = 1 << 2
	ssiSrRfne = 1 << 3

	ssiCtrlr0Dfs32Offset  = 16
	ssiCtrlr0TmodOffset   = 8
	ssiCtrlr0SpiFrfOffset = 21
	ssiTmodTxAndRx        = 0
	ssiTmodEepromRead     = 3
	ssiSpiFrfStd          = 0
	ssiSpiFrfQuad         = 2

	ssiSpiCtrlr0XipCmdOffset     = 24
	ssiSpiCtrlr0WaitCyclesOffset = 11
	ssiSpiCtrlr0InstLOffset      = 8
	ssiSpiCtrlr0AddrLOffset      = 2
	ssiSpiCtrlr0TransTypeOffset  = 0
	ssiInstL8Bit                 = 2
	ssiTransType1C1A             = 0
	ssiTransType1C2A             = 1
)

// TIMER
const (
	timerRawL = timerBase + 0x28
)

var registerNames = map[uint32]string{
	psmFrceOn:                 "PSM_FRCE_ON",
	psmFrceOn + regAliasSet:   "PSM_FRCE_ON_SET",
	resetsReset:               "RESETS_RESET",
	resetsReset + regAliasSet: "RESETS_RESET_SET",
	resetsReset + regAliasClr: "RESETS_RESET_CLR",
	resetsResetDone:           "RESETS_RESET_DONE",
	padsVoltageSelect:         "PADS_QSPI_VOLTAGE_SELECT",
	padsSclk:                  "PADS_QSPI_SCLK",
	padsSd0:                   "PADS_QSPI_SD0",
	padsSd1:                   "PADS_QSPI_SD1",
	padsSd2:                   "PADS_QSPI_SD2",
	padsSd3:                   "PADS_QSPI_SD3",
	padsSs:                    "PADS_QSPI_SS",
	ioQspiSclkCtrl:            "IO_QSPI_SCLK_CTRL",
	ioQspiSsCtrl:              "IO_QSPI_SS_CTRL",
	ioQspiSd0Ctrl:             "IO_QSPI_SD0_CTRL",
	ioQspiSd1Ctrl:             "IO_QSPI_SD1_CTRL",
	ioQspiSd2Ctrl:             "IO_QSPI_SD2_CTRL",
	ioQspiSd3Ctrl:             "IO_QSPI_SD3_CTRL",
	ioQspiIntr:                "IO_QSPI_INTR",
	xipCtrlCtrl:               "XIP_CTRL",
	xipCtrlFlush:              "XIP_FLUSH",
	xipCtrlStat:               "XIP_STAT",
	ssiCtrlr0:                 "SSI_CTRLR0",
	ssiCtrlr1:                 "SSI_CTRLR1",
	ssiSsienr:                 "SSI_SSIENR",
	ssiSer:                    "SSI_SER",
	ssiBaudr:                  "SSI_BAUDR",
	ssiTxflr:                  "SSI_TXFLR",
	ssiRxflr:                  "SSI_RXFLR",
	ssiSr:                     "SSI_SR",
	ssiIcr:                    "SSI_ICR",
	ssiDr0:                    "SSI_DR0",
	ssiSpiCtrlr0:              "SSI_SPI_CTRLR0",
	timerRawL:                 "TIMER_RAWL",
}

func registerName(addr uint32) string {
	if name, ok := registerNames[addr]; ok {
		return name
	}

	return fmt.Sprintf("0x%08x", addr)
}
