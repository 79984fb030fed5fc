// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"encoding/binary"
	"fmt"

	"github.com/boljen/go-bitmap"
	"github.com/google/gousb"
)

type StLinkVersion struct {
	stlink  int
	jtag    int
	swim    int
	msd     int
	bridge  int
	jtagApi stLinkApiVersion
	// one bit for each supported feature, see flagHas*
	flags bitmap.Bitmap
}

func (v StLinkVersion) String() string {
	str := fmt.Sprintf("V%d", v.stlink)

	if v.jtag > 0 || v.msd > 0 {
		str += fmt.Sprintf("J%d", v.jtag)
	}

	if v.msd > 0 {
		str += fmt.Sprintf("M%d", v.msd)
	}

	if v.bridge > 0 {
		str += fmt.Sprintf("B%d", v.bridge)
	}

	return str
}

func (h *StLink) usbParseVersion() error {
	var v, x, y, jtag, swim, msd, bridge byte

	ctx := h.initTransfer(transferIncoming)

	ctx.cmdByte(cmdGetVersion)

	if err := h.usbTransferNoErrCheck(ctx, 6); err != nil {
		return err
	}

	version := binary.BigEndian.Uint16(ctx.data)

	v = byte((version >> 12) & 0x0f)
	x = byte((version >> 6) & 0x3f)
	y = byte(version & 0x3f)

	h.vid = gousb.ID(ctx.dataUint16(2))
	h.pid = gousb.ID(ctx.dataUint16(4))

	switch h.pid {
	case stLinkV21Pid, stLinkV21NoMsdPid:
		if (x <= 22 && y == 7) || (x >= 25 && y >= 7 && y <= 12) {
			msd = x
			swim = y
			jtag = 0
		} else {
			jtag = x
			msd = y
			swim = 0
		}

	default:
		jtag = x
		msd = 0
		swim = y
	}

	/* STLINK-V3 requires a specific command */
	if v == 3 && x == 0 && y == 0 {
		ctxV3 := h.initTransfer(transferIncoming)

		ctxV3.cmdByte(debugApiV3GetVersionEx)

		if err := h.usbTransferNoErrCheck(ctxV3, 12); err != nil {
			return err
		}

		v = ctxV3.data[0]
		swim = ctxV3.data[1]
		jtag = ctxV3.data[2]
		msd = ctxV3.data[3]
		bridge = ctxV3.data[4]
		h.vid = gousb.ID(ctxV3.dataUint16(8))
		h.pid = gousb.ID(ctxV3.dataUint16(10))
	}

	h.version = parseVersionFlags(int(v), int(jtag))
	h.version.swim = int(swim)
	h.version.msd = int(msd)
	h.version.bridge = int(bridge)

	serialNo, _ := h.libUsbDevice.SerialNumber()

	logger.Debugf("parsed st-link version [%s] for [%s]", h.version, serialNo)

	return nil
}

// parseVersionFlags derives the api version and the feature set from the
// firmware version.
func parseVersionFlags(stlink int, jtag int) StLinkVersion {
	version := StLinkVersion{
		stlink: stlink,
		jtag:   jtag,
		flags:  bitmap.New(flagCount),
	}

	switch stlink {
	case 1:
		/* ST-LINK/V1 from J11 switch to api-v2 (and support SWD) */
		if jtag >= 11 {
			version.jtagApi = jTagApiV2
		} else {
			version.jtagApi = jTagApiV1
		}

	case 2:
		/* all ST-LINK/V2 and ST-Link/V2.1 use api-v2 */
		version.jtagApi = jTagApiV2

		/* API for target voltage from J13 */
		if jtag >= 13 {
			version.flags.Set(flagHasTargetVolt, true)
		}

		/* preferred API to get last R/W status from J15 */
		if jtag >= 15 {
			version.flags.Set(flagHasGetLastRwStatus2, true)
		}

		/* API to set SWD frequency from J22 */
		if jtag >= 22 {
			version.flags.Set(flagHasSwdSetFreq, true)
		}

		/* API required to init AP before any AP access from J28 */
		if jtag >= 28 {
			version.flags.Set(flagHasApInit, true)
		}

		/* Banked regs (DPv1 & DPv2) support from V2J32 */
		if jtag >= 32 {
			version.flags.Set(flagHasDpBankSel, true)
		}

	case 3:
		/* all STLINK-V3 use api-v3, a superset of ST-LINK/V2 */
		version.jtagApi = jTagApiV3

		version.flags.Set(flagHasTargetVolt, true)
		version.flags.Set(flagHasGetLastRwStatus2, true)
		version.flags.Set(flagHasApInit, true)

		if jtag >= 2 {
			version.flags.Set(flagHasDpBankSel, true)
		}
	}

	return version
}
