// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"fmt"
	"strings"
)

// SWD multi-drop target ids, DPIDR designer Raspberry Pi, part 0x1002
const (
	swdIdCore0 = 0x01002927
	swdIdCore1 = 0x11002927

	swdApSel = 0
)

// replies of the remote flash protocol
const (
	ReplyOK          = "OK"
	ReplyFailed      = "E01"
	ReplyTooLong     = "E02"
	ReplyTargetError = "E03"
	ReplyBadRequest  = "E00"
)

// ReplyFor maps the final result of a flash verb to the reply sent to the
// debugger. It must not be called with a pending result.
func ReplyFor(res Result) string {
	if !res.IsFailed() {
		return ReplyOK
	}

	switch CodeOf(res.Err) {
	case ErrorTooLong:
		return ReplyTooLong
	case ErrorTargetError:
		return ReplyTargetError
	default:
		return ReplyFailed
	}
}

type replyOp uint8

const (
	replyIdle replyOp = iota
	replyErase
	replyWrite
	replyDone
)

type replyPhase uint8

const (
	replyBuffer replyPhase = iota
	replyMakeRoom
	replyDriverWrite
	replyEraseFinish
	replyWriteFinish
	replyEnterXIP
	replyFinished
)

// ReplyState carries one flash verb across ticks.
type ReplyState struct {
	FirstCall bool

	op     replyOp
	phase  replyPhase
	driver DriverState
	// driver operation of the current phase was started
	driverRunning bool
}

// Target binds the flash verbs of the remote debugger to a flash driver and
// describes the RP2040 to the debugger.
type Target struct {
	driver *FlashDriver
	cfg    ChipConfig
}

func NewTarget(driver *FlashDriver, cfg ChipConfig) *Target {
	return &Target{driver: driver, cfg: cfg}
}

func (t *Target) Driver() *FlashDriver {
	return t.driver
}

func (t *Target) Name() string {
	return "RP2040"
}

// IsSWDv2 reports that the target sits on a multi-drop SWD bus and has to be
// selected with TARGETSEL.
func (t *Target) IsSWDv2() bool {
	return true
}

// SWDCoreID returns the TARGETSEL value of core, 0 for unknown cores.
func (t *Target) SWDCoreID(core uint32) uint32 {
	switch core {
	case 0:
		return swdIdCore0
	case 1:
		return swdIdCore1
	}

	return 0
}

func (t *Target) SWDAPSel(core uint32) uint32 {
	return swdApSel
}

// MemoryMap returns the memory map document handed to the debugger.
func (t *Target) MemoryMap() string {
	var sb strings.Builder

	sb.WriteString("<memory-map>\r\n")
	fmt.Fprintf(&sb, "<memory type=\"rom\" start=\"0x%08x\" length=\"0x%08x\"/>\r\n", romBase, romSize)
	fmt.Fprintf(&sb, "<memory type=\"flash\" start=\"0x%08x\" length=\"0x%08x\">\r\n", t.cfg.FlashBase, t.cfg.FlashSize)
	fmt.Fprintf(&sb, "<property name=\"blocksize\">0x%x</property>\r\n", FlashSectorSize)
	sb.WriteString("</memory>\r\n")
	fmt.Fprintf(&sb, "<memory type=\"ram\" start=\"0x%08x\" length=\"0x%08x\"/>\r\n", ramBase, ramSize)
	sb.WriteString("</memory-map>\r\n")

	return sb.String()
}

func (t *Target) threads() string {
	return "<?xml version=\"1.0\"?>\r\n<threads>\r\n" +
		"<thread id=\"1\" core=\"0\" name=\"core0\"></thread>\r\n" +
		"<thread id=\"2\" core=\"1\" name=\"core1\"></thread>\r\n" +
		"</threads>\r\n"
}

// XferRead serves a qXfer read of the named document. The reply starts with
// 'm' if more data follows and with 'l' for the last part.
func (t *Target) XferRead(name string, offset int, length int) (string, error) {
	var doc string

	switch name {
	case "memory-map":
		doc = t.MemoryMap()
	case "threads":
		doc = t.threads()
	default:
		return ReplyBadRequest, newFlashError(ErrorInvalidParameter, "no document %q", name)
	}

	if offset < 0 || length <= 0 {
		return ReplyBadRequest, newFlashError(ErrorInvalidParameter, "bad range %d+%d for %q", offset, length, name)
	}

	if offset >= len(doc) {
		return "l", nil
	}

	end := offset + length
	if end >= len(doc) {
		return "l" + doc[offset:], nil
	}

	return "m" + doc[offset:end], nil
}

func (t *Target) begin(st *ReplyState, op replyOp, phase replyPhase) (bool, error) {
	if st == nil {
		return false, newFlashError(ErrorActionNull, "flash reply called without state")
	}

	if st.FirstCall {
		*st = ReplyState{op: op, phase: phase}
		return true, nil
	}

	if st.op != op {
		return false, newFlashError(ErrorWrongState, "flash reply resumed for another verb")
	}

	return false, nil
}

// runDriver starts or resumes a driver operation for the current phase.
func (t *Target) runDriver(st *ReplyState, call func(ds *DriverState) Result) Result {
	if !st.driverRunning {
		st.driver = DriverState{FirstCall: true}
		st.driverRunning = true
	}

	res := call(&st.driver)
	if !res.IsPending() {
		st.driverRunning = false
	}

	return res
}

func (t *Target) finish(st *ReplyState, res Result) Result {
	if res.IsFailed() {
		logger.Errorf("flash reply failed: %v", res.Err)
	}

	st.op = replyIdle
	st.phase = replyFinished

	return res
}

// HandleFlashErase handles vFlashErase.
func (t *Target) HandleFlashErase(st *ReplyState, addr uint32, length uint32) Result {
	first, err := t.begin(st, replyErase, replyEraseFinish)
	if err != nil {
		return failed(err)
	}

	if first {
		logger.Debugf("flash erase: address 0x%08x, length 0x%08x", addr, length)
	}

	res := t.runDriver(st, func(ds *DriverState) Result { return t.driver.AddEraseRange(ds, addr, length) })
	if res.IsPending() {
		return res
	}

	return t.finish(st, res)
}

// HandleFlashWrite handles vFlashWrite. The data is buffered once, then all
// complete pages are written. If the buffer is full the complete pages are
// written first to make room.
func (t *Target) HandleFlashWrite(st *ReplyState, addr uint32, data []byte) Result {
	first, err := t.begin(st, replyWrite, replyBuffer)
	if err != nil {
		return failed(err)
	}

	if first {
		logger.Debugf("flash write: address 0x%08x, %d bytes", addr, len(data))
	}

	for {
		switch st.phase {
		case replyBuffer, replyMakeRoom:
			if st.phase == replyMakeRoom {
				res := t.runDriver(st, t.driver.Write)
				if !res.IsDone() {
					if res.IsFailed() {
						return t.finish(st, res)
					}

					return res
				}
			}

			err := t.driver.Buffer().AddData(addr, data)

			if CodeOf(err) == ErrorTooLong && st.phase == replyBuffer && t.driver.Buffer().HasDataBlock() {
				st.phase = replyMakeRoom
				continue
			}

			if err != nil {
				return t.finish(st, failed(err))
			}

			st.phase = replyDriverWrite

		case replyDriverWrite:
			res := t.runDriver(st, t.driver.Write)
			if res.IsPending() {
				return res
			}

			return t.finish(st, res)

		default:
			return t.finish(st, failedf(ErrorWrongState, "flash write in phase %d", st.phase))
		}
	}
}

// HandleFlashDone handles vFlashDone: the rest of the erase range is
// erased, the buffered data is written and the flash is handed back to the
// target in XIP mode.
func (t *Target) HandleFlashDone(st *ReplyState) Result {
	first, err := t.begin(st, replyDone, replyEraseFinish)
	if err != nil {
		return failed(err)
	}

	if first {
		logger.Debug("flash done")
	}

	for {
		var res Result

		switch st.phase {
		case replyEraseFinish:
			res = t.runDriver(st, t.driver.EraseFinish)
		case replyWriteFinish:
			res = t.runDriver(st, t.driver.WriteFinish)
		case replyEnterXIP:
			res = t.runDriver(st, t.driver.EnterXIP)
		default:
			return t.finish(st, failedf(ErrorWrongState, "flash done in phase %d", st.phase))
		}

		switch res.Status {
		case Pending:
			return res
		case Failed:
			return t.finish(st, res)
		}

		if st.phase == replyEnterXIP {
			return t.finish(st, res)
		}

		st.phase++
	}
}
