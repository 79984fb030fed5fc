// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

// FlashEngine is the set of resumable flash operations the driver sequences.
// Each call advances the operation held in st. Set st.FirstCall to start a
// new operation; keep calling with the same st while Pending is returned.
type FlashEngine interface {
	Initialize(st *ActionState) Result
	Erase4K(st *ActionState, addr uint32) Result
	Erase32K(st *ActionState, addr uint32) Result
	Erase64K(st *ActionState, addr uint32) Result
	WritePage(st *ActionState, addr uint32, data []byte) Result
	EnterXIP(st *ActionState) Result
}

type actionOp uint8

const (
	opIdle actionOp = iota
	opInitialize
	opErase
	opWritePage
	opEnterXIP
)

func (o actionOp) String() string {
	switch o {
	case opIdle:
		return "idle"
	case opInitialize:
		return "initialize"
	case opErase:
		return "erase"
	case opWritePage:
		return "write page"
	case opEnterXIP:
		return "enter XIP"
	default:
		return "unknown"
	}
}

// ActionState carries one engine operation across ticks. It is owned by
// exactly one caller.
type ActionState struct {
	FirstCall bool

	op    actionOp
	init  initState
	erase eraseState
	page  pageState
	xip   xipState
}

// Busy reports whether an operation was started and has not terminated.
func (st *ActionState) Busy() bool {
	return st.op != opIdle
}

func (st *ActionState) begin(op actionOp) {
	*st = ActionState{op: op}
}

// EngineStats counts the hardware work done by an engine.
type EngineStats struct {
	Initializations int
	Erases4K        int
	Erases32K       int
	Erases64K       int
	PagesWritten    int
	StatusPolls     int
	XIPEntries      int
}

type engineStats struct {
	initializations int
	erases          map[uint32]int
	pages           int
	statusPolls     int
	xipEntries      int
}

// FlashActions drives the RP2040 SSI and the attached NOR flash through a
// RegisterAccess.
type FlashActions struct {
	regs  RegisterAccess
	cfg   ChipConfig
	stats engineStats
}

func NewFlashActions(regs RegisterAccess, cfg ChipConfig) (*FlashActions, error) {
	if regs == nil {
		return nil, newFlashError(ErrorInvalidParameter, "register access missing")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &FlashActions{
		regs:  regs,
		cfg:   cfg,
		stats: engineStats{erases: make(map[uint32]int)},
	}, nil
}

func (a *FlashActions) Config() ChipConfig {
	return a.cfg
}

func (a *FlashActions) Stats() EngineStats {
	return EngineStats{
		Initializations: a.stats.initializations,
		Erases4K:        a.stats.erases[FlashSectorSize],
		Erases32K:       a.stats.erases[FlashBlock32K],
		Erases64K:       a.stats.erases[FlashBlock64K],
		PagesWritten:    a.stats.pages,
		StatusPolls:     a.stats.statusPolls,
		XIPEntries:      a.stats.xipEntries,
	}
}

// enter handles the FirstCall convention and reports whether op starts now.
func (a *FlashActions) enter(st *ActionState, op actionOp) (bool, error) {
	if st == nil {
		return false, newFlashError(ErrorActionNull, "%s called without action state", op)
	}

	if st.FirstCall {
		st.begin(op)
		return true, nil
	}

	if st.op != op {
		return false, newFlashError(ErrorWrongState, "%s resumed while state holds %s", op, st.op)
	}

	return false, nil
}

// drive runs fn until it terminates, the primitive asks for a later call or
// the step budget of this tick is used up.
func (a *FlashActions) drive(st *ActionState, fn func() (step, error)) Result {
	for n := 0; n < a.cfg.StepsPerTick; n++ {
		res, err := fn()

		switch res {
		case stepWait:
			return ResultPending

		case stepContinue:
			continue

		case stepFinished:
			logger.Debugf("flash %s done", st.op)
			st.op = opIdle

			return ResultDone

		case stepFailed:
			logger.Errorf("flash %s failed: %v", st.op, err)
			st.op = opIdle

			return failed(err)
		}
	}

	return ResultPending
}

type initPhase uint8

const (
	initPowerUp initPhase = iota
	initReset
	initResetWait
	initPads
	initIO
	initCache
	initSsi
	initClearIcr
	initClearSr
	initClearIcrAgain
	initEnable
	initExitIdle
	initExitPullDown
	initExitDelayLow
	initExitClocksLow
	initExitIdleLow
	initExitPullUp
	initExitDelayHigh
	initExitClocksHigh
	initExitIdleHigh
	initExitRestore
	initExitDelayRestore
	initExitSelect
	initExitSendFF
	initExitIdleFF
	initExitDeselect
)

type initState struct {
	phase initPhase
	seq   writeSequence
	read  regRead
	poll  pollRegister
	idle  ssiIdle
	delay targetDelay
	xfer  transfer
}

// Initialize powers the QSPI block, resets and configures the pads, IO and
// SSI for serial command mode and then runs the exit continuous read
// sequence, so the chip accepts plain SPI commands even if it was left in
// XIP mode by the running firmware.
func (a *FlashActions) Initialize(st *ActionState) Result {
	first, err := a.enter(st, opInitialize)
	if err != nil {
		return failed(err)
	}

	if first {
		logger.Debugf("flash initialize (%s)", a.cfg.Name)
	}

	return a.drive(st, func() (step, error) { return a.stepInitialize(&st.init) })
}

func (a *FlashActions) stepInitialize(s *initState) (step, error) {
	var (
		res step
		err error
	)

	switch s.phase {
	case initPowerUp:
		res, err = s.seq.run(a, []regWrite{
			{psmFrceOn + regAliasSet, psmFrceOnXip},
		})

	case initReset:
		res, err = s.seq.run(a, []regWrite{
			{resetsReset + regAliasSet, resetsQspiMask},
			{resetsReset + regAliasClr, resetsQspiMask},
		})

	case initResetWait:
		res, err = s.poll.run(a, resetsResetDone, resetsQspiMask, resetsQspiMask)

	case initPads:
		res, err = s.seq.run(a, a.padWrites(padPullUp, padPullDown))

	case initIO:
		res, err = s.seq.run(a, []regWrite{
			{ioQspiSclkCtrl, 0},
			{ioQspiSsCtrl, 0},
			{ioQspiSd0Ctrl, 0},
			{ioQspiSd1Ctrl, 0},
			{ioQspiSd2Ctrl, 0},
			{ioQspiSd3Ctrl, 0},
			{ioQspiIntr, ioQspiIntrClearAll},
			{ioQspiProc0Inte, 0},
			{ioQspiProc0Intf, 0},
			{ioQspiProc1Inte, 0},
			{ioQspiProc1Intf, 0},
			{ioQspiDormantWakeInte, 0},
			{ioQspiDormantWakeIntf, 0},
		})

	case initCache:
		res, err = s.seq.run(a, []regWrite{
			{xipCtrlCtrl, 0},
		})

	case initSsi:
		res, err = s.seq.run(a, []regWrite{
			{ssiSsienr, 0},
			{ssiSer, 1},
			{ssiBaudr, a.cfg.BaudDivisor},
			{ssiTxftlr, 0},
			{ssiRxftlr, 0},
			{ssiImr, 0},
			{ssiDmacr, 0},
			{ssiDmatdlr, 0},
			{ssiDmardlr, 4},
			{ssiRxSampleDly, a.cfg.RxSampleDelay},
			{ssiTxdDriveEdge, 0},
			{ssiCtrlr0, a.cfg.commandCtrlr0()},
			{ssiCtrlr1, 0},
			{ssiSpiCtrlr0, uint32(flashCmdRead)<<ssiSpiCtrlr0XipCmdOffset |
				ssiInstL8Bit<<ssiSpiCtrlr0InstLOffset |
				6<<ssiSpiCtrlr0AddrLOffset},
		})

	case initClearIcr, initClearIcrAgain:
		_, res, err = s.read.run(a, ssiIcr)

	case initClearSr:
		_, res, err = s.read.run(a, ssiSr)

	case initEnable:
		res, err = s.seq.run(a, []regWrite{
			{ssiSsienr, 1},
		})

	case initExitIdle, initExitIdleLow, initExitIdleHigh, initExitIdleFF:
		res, err = s.idle.run(a)

	case initExitPullDown:
		res, err = s.seq.run(a, a.exitXIPWrites(ioQspiOutOverHigh, padPullDown))

	case initExitPullUp:
		res, err = s.seq.run(a, a.exitXIPWrites(ioQspiOutOverLow, padPullUp))

	case initExitDelayLow, initExitDelayHigh, initExitDelayRestore:
		res, err = s.delay.run(a, a.cfg.ExitXIPDelayUs)

	case initExitClocksLow, initExitClocksHigh:
		// 32 clocks
		res, err = s.xfer.run(a, []byte{0, 0, 0, 0})

	case initExitRestore:
		writes := append([]regWrite{{ioQspiSsCtrl, ioQspiOutOverHigh}}, a.padWrites(padPullUp, padPullDown)...)
		res, err = s.seq.run(a, writes)

	case initExitSelect:
		res, err = s.seq.run(a, []regWrite{
			{ioQspiSsCtrl, ioQspiOutOverLow},
		})

	case initExitSendFF:
		// ends a continuous read in any bus width
		res, err = s.xfer.run(a, []byte{0xff, 0xff})

	case initExitDeselect:
		res, err = s.seq.run(a, []regWrite{
			{ioQspiSsCtrl, ioQspiOutOverHigh},
		})

		if res == stepFinished {
			a.stats.initializations++
			return stepFinished, nil
		}

	default:
		return stepFailed, newFlashError(ErrorWrongState, "initialize in undefined phase %d", s.phase)
	}

	if res != stepFinished {
		return res, err
	}

	s.phase++

	return stepContinue, nil
}

// padWrites configures all QSPI pads. SCLK, SD0 and SD1 get dataPull,
// SD2, SD3 (WP/HOLD) and SS get ctrlPull.
func (a *FlashActions) padWrites(ctrlPull uint32, dataPull uint32) []regWrite {
	pad := a.cfg.padDefault()

	return []regWrite{
		{padsVoltageSelect, 0},
		{padsSclk, pad | dataPull},
		{padsSd0, pad | dataPull},
		{padsSd1, pad | dataPull},
		{padsSd2, pad | ctrlPull},
		{padsSd3, pad | ctrlPull},
		{padsSs, pad | ctrlPull},
	}
}

// exitXIPWrites drives chip select and lets the data lines float onto pull.
func (a *FlashActions) exitXIPWrites(cs uint32, pull uint32) []regWrite {
	pad := a.cfg.padDefault() | padOutputDisable | pull

	return []regWrite{
		{ioQspiSsCtrl, cs},
		{padsSd0, pad},
		{padsSd1, pad},
		{padsSd2, pad},
		{padsSd3, pad},
	}
}

type erasePhase uint8

const (
	eraseWriteEnable erasePhase = iota
	eraseCommand
	eraseWaitReady
)

type eraseState struct {
	phase erasePhase
	addr  uint32
	size  uint32
	cmd   framedCommand
	poll  statusPoll
}

func (a *FlashActions) Erase4K(st *ActionState, addr uint32) Result {
	return a.eraseBlock(st, addr, FlashSectorSize)
}

func (a *FlashActions) Erase32K(st *ActionState, addr uint32) Result {
	return a.eraseBlock(st, addr, FlashBlock32K)
}

func (a *FlashActions) Erase64K(st *ActionState, addr uint32) Result {
	return a.eraseBlock(st, addr, FlashBlock64K)
}

func (a *FlashActions) eraseBlock(st *ActionState, addr uint32, size uint32) Result {
	first, err := a.enter(st, opErase)
	if err != nil {
		return failed(err)
	}

	if first {
		if err := a.checkRange(addr, size, size); err != nil {
			st.op = opIdle
			return failed(err)
		}

		st.erase.addr = addr
		st.erase.size = size

		logger.Debugf("flash erase %d KiB at 0x%08x", size/1024, addr)
	} else if st.erase.addr != addr || st.erase.size != size {
		st.op = opIdle
		return failedf(ErrorWrongState, "erase resumed for 0x%08x/%d, started for 0x%08x/%d",
			addr, size, st.erase.addr, st.erase.size)
	}

	return a.drive(st, func() (step, error) { return a.stepErase(&st.erase) })
}

func (a *FlashActions) stepErase(s *eraseState) (step, error) {
	var (
		res step
		err error
	)

	switch s.phase {
	case eraseWriteEnable:
		res, err = s.cmd.run(a, []byte{a.cfg.OpWriteEnable})

	case eraseCommand:
		off := s.addr - a.cfg.FlashBase
		res, err = s.cmd.run(a, []byte{a.cfg.eraseOpcode(s.size), byte(off >> 16), byte(off >> 8), byte(off)})

	case eraseWaitReady:
		res, err = s.poll.run(a)

		if res == stepFinished {
			a.stats.erases[s.size]++
			return stepFinished, nil
		}

	default:
		return stepFailed, newFlashError(ErrorWrongState, "erase in undefined phase %d", s.phase)
	}

	if res != stepFinished {
		return res, err
	}

	s.phase++

	return stepContinue, nil
}

type pagePhase uint8

const (
	pageWriteEnable pagePhase = iota
	pageProgram
	pageWaitReady
)

type pageState struct {
	phase pagePhase
	addr  uint32
	// opcode, 24 bit address, data
	frame []byte
	cmd   framedCommand
	poll  statusPoll
}

// WritePage programs up to one page. addr must be page aligned; the check
// happens before any register is touched.
func (a *FlashActions) WritePage(st *ActionState, addr uint32, data []byte) Result {
	first, err := a.enter(st, opWritePage)
	if err != nil {
		return failed(err)
	}

	if first {
		if len(data) == 0 {
			st.op = opIdle
			return failedf(ErrorInvalidParameter, "write page at 0x%08x without data", addr)
		}

		if uint32(len(data)) > a.cfg.PageSize {
			st.op = opIdle
			return failedf(ErrorWrongValue, "write page of %d bytes exceeds page size %d", len(data), a.cfg.PageSize)
		}

		if err := a.checkRange(addr, uint32(len(data)), a.cfg.PageSize); err != nil {
			st.op = opIdle
			return failed(err)
		}

		off := addr - a.cfg.FlashBase
		frame := make([]byte, 0, 4+len(data))
		frame = append(frame, a.cfg.OpPageProgram, byte(off>>16), byte(off>>8), byte(off))
		frame = append(frame, data...)

		st.page.addr = addr
		st.page.frame = frame

		logger.Debugf("flash write %d bytes at 0x%08x", len(data), addr)
	} else if st.page.addr != addr {
		st.op = opIdle
		return failedf(ErrorWrongState, "write page resumed for 0x%08x, started for 0x%08x", addr, st.page.addr)
	}

	return a.drive(st, func() (step, error) { return a.stepWritePage(&st.page) })
}

func (a *FlashActions) stepWritePage(s *pageState) (step, error) {
	var (
		res step
		err error
	)

	switch s.phase {
	case pageWriteEnable:
		res, err = s.cmd.run(a, []byte{a.cfg.OpWriteEnable})

	case pageProgram:
		res, err = s.cmd.run(a, s.frame)

	case pageWaitReady:
		res, err = s.poll.run(a)

		if res == stepFinished {
			a.stats.pages++
			return stepFinished, nil
		}

	default:
		return stepFailed, newFlashError(ErrorWrongState, "write page in undefined phase %d", s.phase)
	}

	if res != stepFinished {
		return res, err
	}

	s.phase++

	return stepContinue, nil
}

type xipPhase uint8

const (
	xipConfigure xipPhase = iota
	xipReleaseCS
	xipEnableCache
	xipFlushWait
)

type xipState struct {
	phase xipPhase
	seq   writeSequence
	poll  pollRegister
}

// EnterXIP sets the SSI up for memory mapped reads and turns the cache back
// on. Initialize has to run again before the next erase or program.
func (a *FlashActions) EnterXIP(st *ActionState) Result {
	first, err := a.enter(st, opEnterXIP)
	if err != nil {
		return failed(err)
	}

	if first {
		logger.Debugf("flash enter XIP with read command 0x%02x", a.cfg.OpRead)
	}

	return a.drive(st, func() (step, error) { return a.stepEnterXIP(&st.xip) })
}

func (a *FlashActions) stepEnterXIP(s *xipState) (step, error) {
	var (
		res step
		err error
	)

	switch s.phase {
	case xipConfigure:
		res, err = s.seq.run(a, []regWrite{
			{ssiSsienr, 0},
			{ssiBaudr, a.cfg.BaudDivisor},
			{ssiCtrlr0, a.cfg.xipCtrlr0()},
			{ssiSpiCtrlr0, a.cfg.xipSpiCtrlr0()},
			{ssiCtrlr1, 0},
			{ssiSsienr, 1},
		})

	case xipReleaseCS:
		res, err = s.seq.run(a, []regWrite{
			{ioQspiSsCtrl, ioQspiOutOverNormal},
		})

	case xipEnableCache:
		res, err = s.seq.run(a, []regWrite{
			{xipCtrlCtrl, xipCtrlEnable | xipCtrlErrBadWrite},
			{xipCtrlFlush, 1},
		})

	case xipFlushWait:
		res, err = s.poll.run(a, xipCtrlStat, xipCtrlStatFlushReady, xipCtrlStatFlushReady)

		if res == stepFinished {
			a.stats.xipEntries++
			return stepFinished, nil
		}

	default:
		return stepFailed, newFlashError(ErrorWrongState, "enter XIP in undefined phase %d", s.phase)
	}

	if res != stepFinished {
		return res, err
	}

	s.phase++

	return stepContinue, nil
}

// checkRange validates an erase or program target. The range has to lie
// inside the flash and start on an align boundary.
func (a *FlashActions) checkRange(addr uint32, length uint32, align uint32) error {
	if addr < a.cfg.FlashBase || addr >= a.cfg.FlashEnd() {
		return newFlashError(ErrorWrongValue, "address 0x%08x outside flash 0x%08x-0x%08x",
			addr, a.cfg.FlashBase, a.cfg.FlashEnd())
	}

	if (addr-a.cfg.FlashBase)%align != 0 {
		return newFlashError(ErrorWrongValue, "address 0x%08x not aligned to %d", addr, align)
	}

	if length > a.cfg.FlashEnd()-addr {
		return newFlashError(ErrorWrongValue, "range 0x%08x+%d exceeds flash", addr, length)
	}

	return nil
}
