// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"encoding/binary"

	"github.com/boljen/go-bitmap"
)

// SimOptions tunes the behaviour of a SimulatedTarget.
type SimOptions struct {
	FlashSize uint32
	// every PendEvery-th register access reports Pending once, 0 never
	PendEvery int
	// status reads that report busy after each program or erase
	BusyPolls int
	// status bytes returned by the next status reads, before the model
	// takes over again
	StatusScript []byte
	// no flash chip attached, the data line floats high
	NoChip bool
}

// RegisterWrite is one completed register write seen by the simulator.
type RegisterWrite struct {
	Addr  uint32
	Value uint32
}

// FlashCommand is one command frame received by the simulated flash chip,
// from chip select low to chip select high.
type FlashCommand struct {
	Opcode byte
	Addr   uint32
	// bytes after opcode and address
	DataLength int
	// false if the chip ignored the command
	Accepted bool
}

type norChip struct {
	mem       []byte
	wel       bool
	busyLeft  int
	busyPolls int
	script    []byte
	absent    bool

	selected bool
	frame    []byte

	commands []FlashCommand
	erased   bitmap.Bitmap
}

func (c *norChip) status() byte {
	if len(c.script) > 0 {
		s := c.script[0]
		c.script = c.script[1:]

		return s
	}

	var s byte

	if c.busyLeft > 0 {
		c.busyLeft--
		s |= flashStatusBusy
	}

	if c.wel {
		s |= 0x02
	}

	return s
}

func (c *norChip) exchange(out byte) byte {
	if c.absent {
		return 0xff
	}

	if !c.selected {
		return 0
	}

	c.frame = append(c.frame, out)
	pos := len(c.frame) - 1

	switch c.frame[0] {
	case flashCmdReadStatus:
		if pos >= 1 {
			return c.status()
		}

	case flashCmdRead:
		if pos >= 4 {
			addr := c.frameAddr() + uint32(pos-4)
			return c.mem[int(addr)%len(c.mem)]
		}
	}

	return 0
}

func (c *norChip) frameAddr() uint32 {
	return uint32(c.frame[1])<<16 | uint32(c.frame[2])<<8 | uint32(c.frame[3])
}

func (c *norChip) selectChip(on bool) {
	if c.absent || on == c.selected {
		return
	}

	c.selected = on

	if on {
		c.frame = c.frame[:0]
		return
	}

	if len(c.frame) > 0 {
		c.execute()
	}
}

func (c *norChip) execute() {
	cmd := FlashCommand{Opcode: c.frame[0]}

	if len(c.frame) >= 4 {
		cmd.Addr = c.frameAddr()
		cmd.DataLength = len(c.frame) - 4
	}

	busy := c.busyLeft > 0

	switch cmd.Opcode {
	case flashCmdWriteEnable:
		if !busy {
			c.wel = true
			cmd.Accepted = true
		}

	case flashCmdReadStatus, flashCmdRead:
		cmd.Accepted = true

	case flashCmdPageProgram:
		if c.wel && !busy && len(c.frame) > 4 {
			page := cmd.Addr &^ (FlashPageSize - 1)

			for i, b := range c.frame[4:] {
				a := page + (cmd.Addr+uint32(i))%FlashPageSize
				if int(a) < len(c.mem) {
					c.mem[a] &= b
				}
			}

			c.wel = false
			c.busyLeft = c.busyPolls
			cmd.Accepted = true
		}

	case flashCmdSectorErase, flashCmdBlockErase32K, flashCmdBlockErase64K:
		if c.wel && !busy && len(c.frame) == 4 {
			size := uint32(FlashSectorSize)

			switch cmd.Opcode {
			case flashCmdBlockErase32K:
				size = FlashBlock32K
			case flashCmdBlockErase64K:
				size = FlashBlock64K
			}

			start := cmd.Addr &^ (size - 1)

			for a := start; a < start+size && int(a) < len(c.mem); a++ {
				c.mem[a] = 0xff
			}

			for s := start / FlashSectorSize; s < (start+size)/FlashSectorSize && int(s) < len(c.mem)/FlashSectorSize; s++ {
				c.erased.Set(int(s), true)
			}

			c.wel = false
			c.busyLeft = c.busyPolls
			cmd.Accepted = true
		}
	}

	c.commands = append(c.commands, cmd)
}

// SimulatedTarget is a register level model of the RP2040 QSPI path: PSM,
// resets, QSPI pads and IO, the SSI with its FIFOs, the XIP controller, the
// microsecond timer and a W25Q style NOR flash behind it.
type SimulatedTarget struct {
	opts SimOptions

	regs  map[uint32]uint32
	reset uint32

	ssiEnabled bool
	rxFifo     []byte
	fifoDepth  int
	overflows  int
	underflows int

	now uint64

	calls      uint64
	accesses   uint64
	nextTicket uint64

	writes []RegisterWrite
	chip   norChip
}

func NewSimulatedTarget(opts SimOptions) *SimulatedTarget {
	if opts.FlashSize == 0 {
		opts.FlashSize = DefaultChipConfig().FlashSize
	}

	mem := make([]byte, opts.FlashSize)
	for i := range mem {
		mem[i] = 0xff
	}

	return &SimulatedTarget{
		opts:      opts,
		regs:      make(map[uint32]uint32),
		reset:     0x01ffffff,
		fifoDepth: 16,
		chip: norChip{
			mem:       mem,
			busyPolls: opts.BusyPolls,
			script:    append([]byte(nil), opts.StatusScript...),
			absent:    opts.NoChip,
			erased:    bitmap.New(int(opts.FlashSize / FlashSectorSize)),
		},
	}
}

// injectPending decides whether the current call is answered with Pending.
func (s *SimulatedTarget) injectPending() bool {
	s.calls++

	return s.opts.PendEvery > 0 && s.calls%uint64(s.opts.PendEvery) == 0
}

func (s *SimulatedTarget) WriteRegister(addr uint32, value uint32) Result {
	if s.injectPending() {
		return ResultPending
	}

	s.accesses++
	s.now++
	s.writes = append(s.writes, RegisterWrite{addr, value})

	if err := s.store(addr, value); err != nil {
		return failed(err)
	}

	return ResultDone
}

func (s *SimulatedTarget) ReadRegister(st *ReadState, addr uint32) Poll[uint32] {
	if st == nil {
		return Fail[uint32](newFlashError(ErrorActionNull, "read of 0x%08x without state", addr))
	}

	if st.FirstCall {
		s.nextTicket++
		st.FirstCall = false
		st.Ticket = s.nextTicket
	} else if st.Ticket == 0 {
		return Fail[uint32](newFlashError(ErrorWrongState, "read of 0x%08x polled before it was started", addr))
	}

	if s.injectPending() {
		return NotReady[uint32]()
	}

	s.accesses++
	s.now++

	v, err := s.load(addr)
	if err != nil {
		return Fail[uint32](err)
	}

	return Ready(v)
}

func (s *SimulatedTarget) store(addr uint32, value uint32) error {
	if addr >= flashXipBase && addr < xipCtrlBase {
		return newFlashError(ErrorTargetError, "bus fault writing XIP window at 0x%08x", addr)
	}

	if addr >= 0x40000000 {
		base := addr &^ regAliasClr
		old := s.peek(base)

		switch addr & regAliasClr {
		case regAliasXor:
			value = old ^ value
		case regAliasSet:
			value = old | value
		case regAliasClr:
			value = old &^ value
		}

		addr = base
	}

	switch addr {
	case resetsReset:
		s.reset = value

	case ssiSsienr:
		s.ssiEnabled = value&1 != 0
		if !s.ssiEnabled {
			s.rxFifo = s.rxFifo[:0]
		}

	case ssiDr0:
		if !s.ssiEnabled {
			return nil
		}

		in := s.chip.exchange(byte(value))
		if len(s.rxFifo) >= s.fifoDepth {
			s.overflows++
			return nil
		}

		s.rxFifo = append(s.rxFifo, in)

		return nil

	case ioQspiSsCtrl:
		s.chip.selectChip(value&ioQspiOutOverMask == ioQspiOutOverLow)
	}

	s.regs[addr] = value

	return nil
}

func (s *SimulatedTarget) peek(addr uint32) uint32 {
	if addr == resetsReset {
		return s.reset
	}

	return s.regs[addr]
}

func (s *SimulatedTarget) load(addr uint32) (uint32, error) {
	if addr >= flashXipBase && addr < xipCtrlBase {
		return s.loadXIP(addr)
	}

	switch addr {
	case resetsReset:
		return s.reset, nil

	case resetsResetDone:
		return ^s.reset & 0x01ffffff, nil

	case timerRawL:
		return uint32(s.now), nil

	case ssiTxflr:
		return 0, nil

	case ssiRxflr:
		return uint32(len(s.rxFifo)), nil

	case ssiSr:
		sr := uint32(ssiSrTfe | ssiSrTfnf)
		if len(s.rxFifo) > 0 {
			sr |= ssiSrRfne
		}

		return sr, nil

	case ssiDr0:
		if len(s.rxFifo) == 0 {
			s.underflows++
			return 0, nil
		}

		b := s.rxFifo[0]
		s.rxFifo = s.rxFifo[1:]

		return uint32(b), nil

	case ssiIcr:
		return 0, nil

	case xipCtrlStat:
		return xipCtrlStatFlushReady, nil
	}

	return s.regs[addr], nil
}

func (s *SimulatedTarget) loadXIP(addr uint32) (uint32, error) {
	if !s.XIPActive() {
		return 0, newFlashError(ErrorTargetError, "bus fault reading 0x%08x, XIP not enabled", addr)
	}

	off := int(addr-flashXipBase) &^ 3
	if off+4 > len(s.chip.mem) {
		return 0, newFlashError(ErrorTargetError, "bus fault reading 0x%08x beyond flash", addr)
	}

	return binary.LittleEndian.Uint32(s.chip.mem[off:]), nil
}

// XIPActive reports whether flash is memory mapped: cache enabled, SSI set up
// for reads and chip select under SSI control.
func (s *SimulatedTarget) XIPActive() bool {
	return s.regs[xipCtrlCtrl]&xipCtrlEnable != 0 &&
		s.ssiEnabled &&
		(s.regs[ssiCtrlr0]>>ssiCtrlr0TmodOffset)&3 == ssiTmodEepromRead &&
		s.regs[ioQspiSsCtrl]&ioQspiOutOverMask == ioQspiOutOverNormal
}

// ReadMemory copies flash content starting at addr in the XIP window.
func (s *SimulatedTarget) ReadMemory(addr uint32, buf []byte) error {
	if addr < flashXipBase || uint64(addr-flashXipBase)+uint64(len(buf)) > uint64(len(s.chip.mem)) {
		return newFlashError(ErrorWrongValue, "0x%08x+%d outside simulated flash", addr, len(buf))
	}

	copy(buf, s.chip.mem[addr-flashXipBase:])

	return nil
}

// LoadFlash presets flash content, e.g. an image left by earlier sessions.
func (s *SimulatedTarget) LoadFlash(addr uint32, data []byte) error {
	if addr < flashXipBase || uint64(addr-flashXipBase)+uint64(len(data)) > uint64(len(s.chip.mem)) {
		return newFlashError(ErrorWrongValue, "0x%08x+%d outside simulated flash", addr, len(data))
	}

	copy(s.chip.mem[addr-flashXipBase:], data)

	return nil
}

func (s *SimulatedTarget) FlashSize() uint32 {
	return uint32(len(s.chip.mem))
}

// SectorErased reports whether the 4K sector holding addr was erased.
func (s *SimulatedTarget) SectorErased(addr uint32) bool {
	if addr < flashXipBase || addr-flashXipBase >= uint32(len(s.chip.mem)) {
		return false
	}

	return s.chip.erased.Get(int((addr - flashXipBase) / FlashSectorSize))
}

// Accesses returns the number of completed register accesses.
func (s *SimulatedTarget) Accesses() uint64 {
	return s.accesses
}

func (s *SimulatedTarget) Writes() []RegisterWrite {
	return s.writes
}

func (s *SimulatedTarget) ClearLog() {
	s.writes = nil
	s.chip.commands = nil
}

func (s *SimulatedTarget) FlashCommands() []FlashCommand {
	return s.chip.commands
}

func (s *SimulatedTarget) ChipSelected() bool {
	return s.chip.selected
}

// FifoErrors returns receive FIFO overflows and reads from an empty FIFO.
func (s *SimulatedTarget) FifoErrors() (overflows int, underflows int) {
	return s.overflows, s.underflows
}

// Register returns the last value written to addr.
func (s *SimulatedTarget) Register(addr uint32) uint32 {
	return s.peek(addr)
}
