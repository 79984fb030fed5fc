// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"github.com/pkg/errors"
)

func (h *StLink) usbModeEnter(stMode StLinkMode) error {
	if stMode != StLinkModeDebugSwd {
		return errors.Errorf("cannot enter st-link mode %d, only SWD is supported", stMode)
	}

	ctx := h.initTransfer(transferIncoming)

	ctx.cmdByte(cmdDebug, debugApiV2Enter, debugEnterSwdNoReset)

	return h.usbCmdAllowRetry(ctx, 2)
}

func (h *StLink) usbCurrentMode() (byte, error) {
	ctx := h.initTransfer(transferIncoming)

	ctx.cmdByte(cmdGetCurrentMode)

	if err := h.usbTransferNoErrCheck(ctx, 2); err != nil {
		return 0, err
	}

	return ctx.data[0], nil
}

func (h *StLink) usbLeaveMode(mode StLinkMode) error {
	ctx := h.initTransfer(transferIncoming)

	switch mode {
	case StLinkModeDebugSwd:
		ctx.cmdByte(cmdDebug, debugExit)

	case StLinkModeDfu:
		ctx.cmdByte(cmdDfu, dfuExit)

	case StLinkModeMass:
		return errors.New("cannot leave mass storage mode")

	default:
		return errors.New("unknown stlink mode")
	}

	return h.usbTransferNoErrCheck(ctx, 0)
}

func (h *StLink) usbInitMode(connectUnderReset bool, initialInterfaceSpeed uint32) error {
	mode, err := h.usbCurrentMode()
	if err != nil {
		return errors.Wrap(err, "could not get usb mode")
	}

	logger.Tracef("device usb mode before switching: %s", usbModeToString(mode))

	var current StLinkMode

	switch mode {
	case deviceModeDFU:
		current = StLinkModeDfu
	case deviceModeDebug:
		current = StLinkModeDebugSwd
	case deviceModeMass:
		current = StLinkModeMass
	default:
		current = StLinkModeUnknown
	}

	if current != StLinkModeUnknown {
		if err := h.usbLeaveMode(current); err != nil {
			logger.Warn("error occured while trying to leave mode: ", err)
		}
	}

	mode, err = h.usbCurrentMode()
	if err != nil {
		return errors.Wrap(err, "could not get usb mode")
	}

	logger.Tracef("device usb mode after mode exit: %s", usbModeToString(mode))

	/* the stlink requires the target Vdd to be connected for reliable
	 * debugging, the command is supported in all modes except DFU
	 */
	if mode != deviceModeDFU {
		voltage, err := h.GetTargetVoltage()

		if err != nil {
			logger.Debug(err)
		} else if voltage < 1.5 {
			logger.Warn("target voltage may be too low for reliable debugging")
		}
	}

	if khz, err := h.SetSpeed(initialInterfaceSpeed, false); err != nil {
		logger.Warn(err)
	} else {
		logger.Debugf("SWD clock set to %d kHz", khz)
	}

	// SRST has to be asserted before the debug signals are activated
	if connectUnderReset {
		logger.Trace("assert RST line before mode enter")

		// errors are ignored, the line is asserted again below
		_ = h.usbAssertSrst(0)
	}

	logger.Tracef("entering usb mode %d", StLinkModeDebugSwd)

	if err := h.usbModeEnter(StLinkModeDebugSwd); err != nil {
		return err
	}

	if connectUnderReset {
		logger.Trace("assert RST line after mode enter")

		if err := h.usbAssertSrst(0); err != nil {
			return err
		}
	}

	mode, err = h.usbCurrentMode()
	if err != nil {
		return err
	}

	logger.Tracef("device usb mode after mode enter: %s", usbModeToString(mode))

	return nil
}
