// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"time"
)

/**
  Issues a debug command and repeats it as long as the adapter answers with a
  wait status, doubling the delay on every retry.

  Works for commands where the status is returned in the first byte of the
  response packet.
*/
func (h *StLink) usbCmdAllowRetry(ctx *transferCtx, size uint32) error {
	retries := 0

	for {
		if err := h.usbTransferNoErrCheck(ctx, size); err != nil {
			return err
		}

		err := usbErrorCheck(ctx.data[0])

		if isUsbWait(err) && retries < maximumWaitRetries {
			delay := time.Duration(1<<retries) * time.Millisecond

			retries++
			logger.Debugf("cmdAllowRetry ERROR_WAIT, retry %d, delaying %v", retries, delay)
			time.Sleep(delay)

			continue
		}

		return err
	}
}

// usbAssertSrst drives the reset line of the target, 0 asserts it.
func (h *StLink) usbAssertSrst(srst byte) error {
	ctx := h.initTransfer(transferIncoming)

	ctx.cmdByte(cmdDebug, debugApiV2DriveNrst, srst)

	return h.usbCmdAllowRetry(ctx, 2)
}
