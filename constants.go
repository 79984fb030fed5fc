// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// this code is mainly inspired and based on the openocd project source code
// for detailed information see

// https://sourceforge.net/p/openocd/code

package rp2flash

type StLinkMode uint8 // stlink debug modes

const (
	StLinkModeUnknown StLinkMode = iota
	StLinkModeDfu
	StLinkModeMass
	StLinkModeDebugSwd
)

// StLink property flags, bit positions in the version flag bitmap
const (
	flagHasTargetVolt = iota
	flagHasSwdSetFreq
	flagHasGetLastRwStatus2
	flagHasApInit
	flagHasDpBankSel

	flagCount
)

type stLinkApiVersion uint8 // api versions of stlinks

const (
	jTagApiV1 stLinkApiVersion = 1
	jTagApiV2 stLinkApiVersion = 2
	jTagApiV3 stLinkApiVersion = 3
)

// usb endpoint definitions
const (
	usbEndpointIn  = 0x80
	usbEndpointOut = 0x00

	usbRxEndpointNo       = 1 | usbEndpointIn
	usbTxEndpointNo       = 2 | usbEndpointOut
	usbTxEndpointApi2v1   = 1 | usbEndpointOut
	usbConfigurationNo    = 1
	usbInterfaceNo        = 0
	usbAlternateSetting   = 0
	usbWriteToReadPauseMs = 10
)

// stlink internal device mode numbers
const (
	deviceModeDFU        = 0x00
	deviceModeMass       = 0x01
	deviceModeDebug      = 0x02
	deviceModeSwim       = 0x03
	deviceModeBootloader = 0x04
)

// status codes in the first byte of a debug command response
const (
	debugErrorOk                 = 0x80
	debugErrorFault              = 0x81
	jTagWriteError               = 0x0c
	jTagWriteVerifyError         = 0x0d
	swdAccessPortWait            = 0x10
	swdAccessPortFault           = 0x11
	swdAccessPortError           = 0x12
	swdAccessPortParityError     = 0x13
	swdDebugPortWait             = 0x14
	swdDebugPortFault            = 0x15
	swdDebugPortError            = 0x16
	swdDebugPortParityError      = 0x17
	swdAccessPortWDataError      = 0x18
	swdAccessPortStickyError     = 0x19
	swdAccessPortStickOrRunError = 0x1a
	badAccessPortError           = 0x1d
)

const (
	stLinkVid = 0x0483

	stLinkV1Pid          = 0x3744
	stLinkV2Pid          = 0x3748
	stLinkV21Pid         = 0x374B
	stLinkV21NoMsdPid    = 0x3752
	stLinkV3UsbLoaderPid = 0x374D
	stLinkV3EPid         = 0x374E
	stLinkV3SPid         = 0x374F
	stLinkV32VcpPid      = 0x3753
)

const (
	cmdGetVersion       = 0xF1
	cmdDebug            = 0xF2
	cmdDfu              = 0xF3
	cmdGetCurrentMode   = 0xF5
	cmdGetTargetVoltage = 0xF7
)

const (
	debugReadMem32Bit = 0x07

	debugEnterSwdNoReset = 0xa3
	debugExit            = 0x21
	debugApiV2Enter      = 0x30

	debugApiV2ReadIdCodes      = 0x31
	debugApiV2WriteDebug32     = 0x35
	debugApiV2ReadDebug32      = 0x36
	debugApiV2GetLastRWStatus  = 0x3B
	debugApiV2DriveNrst        = 0x3C
	debugApiV2GetLastRWStatus2 = 0x3E
	debugApiV2SwdSetFreq       = 0x43
	debugApiV2InitAccessPort   = 0x4B

	debugApiV3SetComFreq   = 0x61
	debugApiV3GetComFreq   = 0x62
	debugApiV3GetVersionEx = 0xFB

	dfuExit = 0x07
)

const (
	maximumWaitRetries              = 8
	debugAccessPortSelectionMaximum = 255

	v3MaxFreqNb = 10

	cmdSizeV2 = 16

	// TAR autoincrement range of the Cortex-M0+ access port
	memPacketSize = 1 << 10
)
