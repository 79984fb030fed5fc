// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"github.com/boljen/go-bitmap"
)

// engine operations one driver tick may complete before it yields
const maxActionsPerTick = 64

type driverOp uint8

const (
	driverIdle driverOp = iota
	driverAddEraseRange
	driverWrite
	driverEraseFinish
	driverWriteFinish
	driverEnterXIP
)

func (o driverOp) String() string {
	switch o {
	case driverIdle:
		return "idle"
	case driverAddEraseRange:
		return "add erase range"
	case driverWrite:
		return "write"
	case driverEraseFinish:
		return "erase finish"
	case driverWriteFinish:
		return "write finish"
	case driverEnterXIP:
		return "enter XIP"
	default:
		return "unknown"
	}
}

type driverPhase uint8

const (
	// erase the rest of the current range
	phaseFinishErase driverPhase = iota
	// make the range remembered in the state the current one
	phaseStartRange
	phaseInit
	// erase while at least one 64K block remains
	phaseEraseBulk
	// write every block that is complete
	phaseDrain
	// write everything, partial blocks included
	phaseDrainAll
	phaseDeinit
	phaseCommandMode
	phaseEnterXIP
)

// DriverState carries one driver operation across ticks.
type DriverState struct {
	FirstCall bool

	op    driverOp
	plan  []driverPhase
	index int

	action        ActionState
	actionRunning bool
	// the running action is an initialize done on behalf of an erase or
	// page write
	initRunning bool

	// range requested by a discontiguous AddEraseRange
	nextStart uint32
	nextEnd   uint32

	// erase block or page being worked on
	blockAddr uint32
	blockSize uint32
	page      []byte
}

func (st *DriverState) Busy() bool {
	return st.op != driverIdle
}

type eraseProgress struct {
	start    uint32
	end      uint32
	doneUpTo uint32
}

// DriverStats summarizes the work of a driver since it was created.
type DriverStats struct {
	Erases4K        int
	Erases32K       int
	Erases64K       int
	PagesWritten    int
	BytesWritten    int
	Initializes     int
	UnerasedSectors int
}

// FlashDriver turns erase ranges and buffered write data into engine
// operations. Erasing is done in the largest aligned blocks that fit, a
// range tail smaller than 64K is deferred until it has to be erased.
type FlashDriver struct {
	engine FlashEngine
	buffer *WriteBuffer
	cfg    ChipConfig

	erase eraseProgress

	initialized    bool
	eraseOngoing   bool
	writingOngoing bool
	xipActive      bool
	// SSI is in serial command mode, so XIP can be entered without
	// another initialize
	commandMode bool

	// 4K sectors erased in this session
	erased bitmap.Bitmap
	warned bitmap.Bitmap

	stats DriverStats
}

func NewFlashDriver(engine FlashEngine, buffer *WriteBuffer, cfg ChipConfig) (*FlashDriver, error) {
	if engine == nil || buffer == nil {
		return nil, newFlashError(ErrorInvalidParameter, "flash driver needs an engine and a write buffer")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sectors := int(cfg.FlashSize / FlashSectorSize)

	return &FlashDriver{
		engine: engine,
		buffer: buffer,
		cfg:    cfg,
		erased: bitmap.New(sectors),
		warned: bitmap.New(sectors),
	}, nil
}

func (d *FlashDriver) Buffer() *WriteBuffer {
	return d.buffer
}

func (d *FlashDriver) Initialized() bool {
	return d.initialized
}

func (d *FlashDriver) EraseOngoing() bool {
	return d.eraseOngoing
}

func (d *FlashDriver) WritingOngoing() bool {
	return d.writingOngoing
}

func (d *FlashDriver) XIPActive() bool {
	return d.xipActive
}

// EraseProgress returns the current erase range and how far it is erased.
func (d *FlashDriver) EraseProgress() (start, end, doneUpTo uint32) {
	return d.erase.start, d.erase.end, d.erase.doneUpTo
}

func (d *FlashDriver) Stats() DriverStats {
	return d.stats
}

// AddEraseRange requests [start, start+length) to be erased. It returns
// Done once only a tail of less than 64K is left; that tail is erased by
// EraseFinish or before the next write.
func (d *FlashDriver) AddEraseRange(st *DriverState, start uint32, length uint32) Result {
	first, err := d.enter(st, driverAddEraseRange)
	if err != nil {
		return failed(err)
	}

	if first {
		contiguous := d.eraseOngoing && start == d.erase.end

		if err := d.checkEraseRange(start, length, contiguous); err != nil {
			st.op = driverIdle
			return failed(err)
		}

		end := start + length

		switch {
		case contiguous:
			logger.Debugf("erase range 0x%08x-0x%08x extends 0x%08x-0x%08x", start, end, d.erase.start, d.erase.end)
			d.erase.end = end
			st.plan = []driverPhase{phaseInit, phaseEraseBulk}

		case d.eraseOngoing:
			logger.Debugf("erase range 0x%08x-0x%08x, finishing 0x%08x-0x%08x first",
				start, end, d.erase.start, d.erase.end)
			st.nextStart = start
			st.nextEnd = end
			st.plan = []driverPhase{phaseFinishErase, phaseStartRange, phaseInit, phaseEraseBulk}

		default:
			logger.Debugf("erase range 0x%08x-0x%08x", start, end)
			d.erase = eraseProgress{start: start, end: end, doneUpTo: start}
			d.eraseOngoing = true
			st.plan = []driverPhase{phaseInit, phaseEraseBulk}
		}
	}

	return d.drive(st)
}

// Write programs every complete block of the write buffer. A pending erase
// is finished before the first page is written.
func (d *FlashDriver) Write(st *DriverState) Result {
	first, err := d.enter(st, driverWrite)
	if err != nil {
		return failed(err)
	}

	if first {
		d.writingOngoing = true
		st.plan = []driverPhase{phaseFinishErase, phaseDrain}
	}

	return d.drive(st)
}

// EraseFinish erases what is left of the current erase range.
func (d *FlashDriver) EraseFinish(st *DriverState) Result {
	first, err := d.enter(st, driverEraseFinish)
	if err != nil {
		return failed(err)
	}

	if first {
		st.plan = []driverPhase{phaseFinishErase}
	}

	return d.drive(st)
}

// WriteFinish writes all buffered data, the last partial page included.
// The flash has to be initialized again afterwards.
func (d *FlashDriver) WriteFinish(st *DriverState) Result {
	first, err := d.enter(st, driverWriteFinish)
	if err != nil {
		return failed(err)
	}

	if first {
		d.writingOngoing = !d.buffer.Empty()
		st.plan = []driverPhase{phaseFinishErase, phaseDrainAll, phaseDeinit}
	}

	return d.drive(st)
}

// EnterXIP completes erasing and writing and then switches the flash back to
// memory mapped mode, so the target can run the new image.
func (d *FlashDriver) EnterXIP(st *DriverState) Result {
	first, err := d.enter(st, driverEnterXIP)
	if err != nil {
		return failed(err)
	}

	if first {
		d.writingOngoing = !d.buffer.Empty()
		st.plan = []driverPhase{phaseFinishErase, phaseDrainAll, phaseCommandMode, phaseEnterXIP}
	}

	return d.drive(st)
}

func (d *FlashDriver) enter(st *DriverState, op driverOp) (bool, error) {
	if st == nil {
		return false, newFlashError(ErrorActionNull, "%s called without driver state", op)
	}

	if st.FirstCall {
		*st = DriverState{op: op}
		return true, nil
	}

	if st.op != op {
		return false, newFlashError(ErrorWrongState, "%s resumed while state holds %s", op, st.op)
	}

	return false, nil
}

// checkEraseRange validates a requested range. A range continuing the
// ongoing one may start off a sector boundary, its first sector is already
// covered.
func (d *FlashDriver) checkEraseRange(start uint32, length uint32, contiguous bool) error {
	if length == 0 {
		return newFlashError(ErrorInvalidParameter, "erase of zero bytes at 0x%08x", start)
	}

	if start < d.cfg.FlashBase || start >= d.cfg.FlashEnd() || length > d.cfg.FlashEnd()-start {
		return newFlashError(ErrorWrongValue, "erase range 0x%08x+%d outside flash 0x%08x-0x%08x",
			start, length, d.cfg.FlashBase, d.cfg.FlashEnd())
	}

	if !contiguous && (start-d.cfg.FlashBase)%FlashSectorSize != 0 {
		logger.Warnf("erase start 0x%08x is not on a 4K sector boundary", start)
		return newFlashError(ErrorWrongValue, "erase start 0x%08x not sector aligned", start)
	}

	return nil
}

// drive works through the plan of st until it is done, an engine operation
// is pending or the tick has done enough work.
func (d *FlashDriver) drive(st *DriverState) Result {
	for actions := 0; actions < maxActionsPerTick; {
		if st.index >= len(st.plan) {
			logger.Debugf("driver %s done", st.op)
			st.op = driverIdle

			return ResultDone
		}

		res, advanced, err := d.step(st, st.plan[st.index])

		switch res.Status {
		case Pending:
			return ResultPending

		case Failed:
			d.abort(st, err)
			return failed(err)
		}

		if advanced {
			st.index++
		} else {
			actions++
		}
	}

	return ResultPending
}

func (d *FlashDriver) abort(st *DriverState, err error) {
	logger.Errorf("driver %s failed: %v", st.op, err)

	switch st.op {
	case driverAddEraseRange, driverEraseFinish:
		d.eraseOngoing = false
	case driverWrite, driverWriteFinish, driverEnterXIP:
		d.writingOngoing = false
	}

	if st.index < len(st.plan) {
		switch st.plan[st.index] {
		case phaseFinishErase, phaseEraseBulk:
			d.eraseOngoing = false
		case phaseDrain, phaseDrainAll:
			d.writingOngoing = false
		}
	}

	st.op = driverIdle
	st.actionRunning = false
	st.initRunning = false
}

// step does one engine operation of phase p. advanced is set when p has
// nothing left to do.
func (d *FlashDriver) step(st *DriverState, p driverPhase) (Result, bool, error) {
	switch p {
	case phaseFinishErase:
		if !d.eraseOngoing {
			return ResultDone, true, nil
		}

		return d.eraseNext(st, 0)

	case phaseStartRange:
		d.erase = eraseProgress{start: st.nextStart, end: st.nextEnd, doneUpTo: st.nextStart}
		d.eraseOngoing = true

		return ResultDone, true, nil

	case phaseInit:
		if d.initialized {
			return ResultDone, true, nil
		}

		return d.initialize(st)

	case phaseEraseBulk:
		if !d.eraseOngoing {
			return ResultDone, true, nil
		}

		return d.eraseNext(st, FlashBlock64K)

	case phaseDrain:
		if !d.buffer.HasDataBlock() && !st.actionRunning {
			return ResultDone, true, nil
		}

		return d.writeNext(st)

	case phaseDrainAll:
		if d.buffer.Empty() && !st.actionRunning {
			d.writingOngoing = false
			return ResultDone, true, nil
		}

		return d.writeNext(st)

	case phaseDeinit:
		d.initialized = false
		d.writingOngoing = false

		return ResultDone, true, nil

	case phaseCommandMode:
		if d.commandMode && !st.actionRunning {
			return ResultDone, true, nil
		}

		return d.initialize(st)

	case phaseEnterXIP:
		res := d.runAction(st, func(a *ActionState) Result { return d.engine.EnterXIP(a) })
		if !res.IsDone() {
			return res, false, res.Err
		}

		d.initialized = false
		d.commandMode = false
		d.xipActive = true

		return res, true, nil
	}

	err := newFlashError(ErrorWrongState, "driver in undefined phase %d", p)

	return failed(err), false, err
}

// runAction starts or resumes the engine operation of st.
func (d *FlashDriver) runAction(st *DriverState, call func(a *ActionState) Result) Result {
	if !st.actionRunning {
		st.action = ActionState{FirstCall: true}
		st.actionRunning = true
	}

	res := call(&st.action)
	if !res.IsPending() {
		st.actionRunning = false
	}

	return res
}

func (d *FlashDriver) initialize(st *DriverState) (Result, bool, error) {
	res := d.runAction(st, func(a *ActionState) Result { return d.engine.Initialize(a) })
	if !res.IsDone() {
		return res, false, res.Err
	}

	d.initialized = true
	d.commandMode = true
	d.xipActive = false
	d.stats.Initializes++

	return res, true, nil
}

// eraseNext erases one block at the erase high water mark. With minRemaining
// set nothing is erased once less than minRemaining bytes are left.
func (d *FlashDriver) eraseNext(st *DriverState, minRemaining uint32) (Result, bool, error) {
	if st.initRunning {
		return d.initializeFirst(st)
	}

	if !st.actionRunning {
		if d.erase.doneUpTo >= d.erase.end {
			d.eraseOngoing = false
			return ResultDone, true, nil
		}

		if minRemaining > 0 && d.erase.end-d.erase.doneUpTo < minRemaining {
			return ResultDone, true, nil
		}

		if !d.initialized {
			return d.initializeFirst(st)
		}

		st.blockAddr = d.erase.doneUpTo
		st.blockSize = d.eraseBlockSize(d.erase.doneUpTo, d.erase.end)
	}

	addr, size := st.blockAddr, st.blockSize

	res := d.runAction(st, func(a *ActionState) Result {
		switch size {
		case FlashBlock64K:
			return d.engine.Erase64K(a, addr)
		case FlashBlock32K:
			return d.engine.Erase32K(a, addr)
		default:
			return d.engine.Erase4K(a, addr)
		}
	})

	if !res.IsDone() {
		return res, false, res.Err
	}

	d.erase.doneUpTo = addr + size
	d.markErased(addr, size)

	switch size {
	case FlashBlock64K:
		d.stats.Erases64K++
	case FlashBlock32K:
		d.stats.Erases32K++
	default:
		d.stats.Erases4K++
	}

	if d.erase.doneUpTo >= d.erase.end {
		d.eraseOngoing = false
	}

	return res, false, nil
}

// initializeFirst runs initialize in place of a hardware step that needs it.
// The step is chosen again once the initialize completed.
func (d *FlashDriver) initializeFirst(st *DriverState) (Result, bool, error) {
	st.initRunning = true

	res, _, err := d.initialize(st)
	if !res.IsPending() {
		st.initRunning = false
	}

	return res, false, err
}

// eraseBlockSize picks the largest block that starts at addr and does not
// reach past end. A tail below 4K still costs a whole sector.
func (d *FlashDriver) eraseBlockSize(addr uint32, end uint32) uint32 {
	off := addr - d.cfg.FlashBase
	remaining := end - addr

	for _, size := range []uint32{FlashBlock64K, FlashBlock32K, FlashSectorSize} {
		if off%size == 0 && remaining >= size {
			return size
		}
	}

	return FlashSectorSize
}

func (d *FlashDriver) writeNext(st *DriverState) (Result, bool, error) {
	if st.initRunning {
		return d.initializeFirst(st)
	}

	if !st.actionRunning {
		if !d.initialized {
			return d.initializeFirst(st)
		}

		st.blockAddr = d.buffer.GetWriteAddress()
		st.page = d.buffer.GetDataBlock()
		d.checkErased(st.blockAddr, uint32(len(st.page)))
	}

	addr, page := st.blockAddr, st.page

	res := d.runAction(st, func(a *ActionState) Result { return d.engine.WritePage(a, addr, page) })
	if !res.IsDone() {
		return res, false, res.Err
	}

	if err := d.buffer.RemoveBlock(); err != nil {
		return failed(err), false, err
	}

	d.stats.PagesWritten++
	d.stats.BytesWritten += len(page)
	st.page = nil

	return res, false, nil
}

func (d *FlashDriver) markErased(addr uint32, size uint32) {
	first := int((addr - d.cfg.FlashBase) / FlashSectorSize)

	for i := 0; i < int(size/FlashSectorSize); i++ {
		d.erased.Set(first+i, true)
		d.warned.Set(first+i, false)
	}
}

// checkErased warns once per sector about programming flash that was not
// erased in this session. That is legal, but only bits that are still set
// can be programmed.
func (d *FlashDriver) checkErased(addr uint32, length uint32) {
	if length == 0 || addr < d.cfg.FlashBase {
		return
	}

	first := (addr - d.cfg.FlashBase) / FlashSectorSize
	last := (addr - d.cfg.FlashBase + length - 1) / FlashSectorSize

	for s := first; s <= last && s < d.cfg.FlashSize/FlashSectorSize; s++ {
		if d.erased.Get(int(s)) || d.warned.Get(int(s)) {
			continue
		}

		d.warned.Set(int(s), true)
		d.stats.UnerasedSectors++
		logger.Warnf("writing 0x%08x which was not erased in this session", d.cfg.FlashBase+s*FlashSectorSize)
	}
}
