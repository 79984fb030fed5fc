// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// this code is mainly inspired and based on the openocd project source code
// for detailed information see

// https://sourceforge.net/p/openocd/code

package rp2flash

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
)

type transferDirection uint8

const (
	transferIncoming transferDirection = iota
	transferOutgoing
)

// transferCtx holds one command block and the data that is sent after it or
// received in response.
type transferCtx struct {
	direction transferDirection
	cmd       []byte
	data      []byte
}

func (h *StLink) initTransfer(direction transferDirection) *transferCtx {
	return &transferCtx{
		direction: direction,
		cmd:       make([]byte, 0, cmdSizeV2),
	}
}

func (c *transferCtx) cmdByte(b ...byte) {
	c.cmd = append(c.cmd, b...)
}

func (c *transferCtx) cmdUint16(v uint16) {
	c.cmd = binary.LittleEndian.AppendUint16(c.cmd, v)
}

func (c *transferCtx) cmdUint32(v uint32) {
	c.cmd = binary.LittleEndian.AppendUint32(c.cmd, v)
}

func (c *transferCtx) dataUint16(offset int) uint16 {
	return binary.LittleEndian.Uint16(c.data[offset:])
}

func (c *transferCtx) dataUint32(offset int) uint32 {
	return binary.LittleEndian.Uint32(c.data[offset:])
}

func (h *StLink) usbTransferNoErrCheck(ctx *transferCtx, size uint32) error {
	if len(ctx.cmd) > cmdSizeV2 {
		return errors.Errorf("command block of %d bytes exceeds %d", len(ctx.cmd), cmdSizeV2)
	}

	cmd := make([]byte, cmdSizeV2)
	copy(cmd, ctx.cmd)

	if _, err := usbWrite(h.txEndpoint, cmd); err != nil {
		return err
	}

	if size == 0 {
		return nil
	}

	switch ctx.direction {
	case transferOutgoing:
		if uint32(len(ctx.data)) < size {
			return errors.Errorf("transfer of %d bytes with only %d bytes of data", size, len(ctx.data))
		}

		time.Sleep(usbWriteToReadPauseMs * time.Millisecond)

		_, err := usbWrite(h.txEndpoint, ctx.data[:size])
		return err

	default:
		ctx.data = make([]byte, size)

		n, err := usbRead(h.rxEndpoint, ctx.data)
		if err != nil {
			return err
		}

		if uint32(n) < size {
			return errors.Errorf("short read of %d bytes, expected %d", n, size)
		}
	}

	return nil
}

// usbTransferErrCheck runs a transfer whose response starts with a status
// byte and converts that status.
func (h *StLink) usbTransferErrCheck(ctx *transferCtx, size uint32) error {
	if err := h.usbTransferNoErrCheck(ctx, size); err != nil {
		return err
	}

	return usbErrorCheck(ctx.data[0])
}

func (h *StLink) usbGetReadWriteStatus() error {
	ctx := h.initTransfer(transferIncoming)

	ctx.cmdByte(cmdDebug)

	if h.version.flags.Get(flagHasGetLastRwStatus2) {
		ctx.cmdByte(debugApiV2GetLastRWStatus2)
		return h.usbTransferErrCheck(ctx, 12)
	}

	ctx.cmdByte(debugApiV2GetLastRWStatus)

	return h.usbTransferErrCheck(ctx, 2)
}
