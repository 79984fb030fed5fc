// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

// step is the outcome of advancing a state machine by at most one register
// access.
type step uint8

const (
	// the register primitive is busy, give the tick back to the caller
	stepWait step = iota
	// one access completed and there is more to do
	stepContinue
	stepFinished
	stepFailed
)

type regWrite struct {
	addr  uint32
	value uint32
}

func (a *FlashActions) write(addr uint32, value uint32) (step, error) {
	r := a.regs.WriteRegister(addr, value)

	switch r.Status {
	case Pending:
		return stepWait, nil
	case Failed:
		return stepFailed, r.Err
	}

	logRegisterWrite(addr, value)

	return stepFinished, nil
}

// writeSequence issues a list of register writes in order.
type writeSequence struct {
	idx int
}

func (s *writeSequence) run(a *FlashActions, writes []regWrite) (step, error) {
	if s.idx >= len(writes) {
		s.idx = 0
		return stepFinished, nil
	}

	w := writes[s.idx]

	res, err := a.write(w.addr, w.value)
	if res != stepFinished {
		return res, err
	}

	s.idx++

	if s.idx == len(writes) {
		s.idx = 0
		return stepFinished, nil
	}

	return stepContinue, nil
}

// regRead owns the poll state of one logical register read.
type regRead struct {
	rs   ReadState
	busy bool
}

func (r *regRead) run(a *FlashActions, addr uint32) (uint32, step, error) {
	if !r.busy {
		r.rs = ReadState{FirstCall: true}
		r.busy = true
	}

	p := a.regs.ReadRegister(&r.rs, addr)

	switch p.Status {
	case Pending:
		return 0, stepWait, nil
	case Failed:
		r.busy = false
		return 0, stepFailed, p.Err
	}

	r.busy = false
	logRegisterRead(addr, p.Value)

	return p.Value, stepFinished, nil
}

// pollRegister reads addr until (value & mask) == want.
type pollRegister struct {
	read regRead
}

func (p *pollRegister) run(a *FlashActions, addr uint32, mask uint32, want uint32) (step, error) {
	v, res, err := p.read.run(a, addr)
	if res != stepFinished {
		return res, err
	}

	if v&mask == want {
		return stepFinished, nil
	}

	return stepContinue, nil
}

// ssiIdle waits for an empty transmit FIFO and a finished shift.
type ssiIdle struct {
	poll pollRegister
}

func (i *ssiIdle) run(a *FlashActions) (step, error) {
	return i.poll.run(a, ssiSr, ssiSrTfe|ssiSrBusy, ssiSrTfe)
}

// targetDelay busy waits on the target's free running microsecond timer, so
// the wait is independent of the latency of the debug link.
type targetDelay struct {
	read    regRead
	started bool
	start   uint32
}

func (d *targetDelay) run(a *FlashActions, us uint32) (step, error) {
	now, res, err := d.read.run(a, timerRawL)
	if res != stepFinished {
		return res, err
	}

	if !d.started {
		d.started = true
		d.start = now

		return stepContinue, nil
	}

	if now-d.start >= us {
		d.started = false
		return stepFinished, nil
	}

	return stepContinue, nil
}

type transferPhase uint8

const (
	transferTxLevel transferPhase = iota
	transferRxLevel
	transferPush
	transferPull
)

// transfer shifts tx through the SSI while draining the receive FIFO. The
// transmit side is only fed while tx level plus rx level stays two entries
// below the FIFO depth, so the receive FIFO can never overflow.
type transfer struct {
	phase   transferPhase
	read    regRead
	txIdx   int
	rxCount int
	txLevel uint32
	rxLevel uint32
	room    uint32

	// last byte shifted in
	last byte
}

func (t *transfer) run(a *FlashActions, tx []byte) (step, error) {
	switch t.phase {
	case transferTxLevel:
		v, res, err := t.read.run(a, ssiTxflr)
		if res != stepFinished {
			return res, err
		}

		t.txLevel = v
		t.phase = transferRxLevel

		return stepContinue, nil

	case transferRxLevel:
		v, res, err := t.read.run(a, ssiRxflr)
		if res != stepFinished {
			return res, err
		}

		t.rxLevel = v
		t.room = 0

		if limit := a.cfg.FifoDepth - 2; t.txLevel+t.rxLevel < limit {
			t.room = limit - (t.txLevel + t.rxLevel)
		}

		t.phase = transferPush

		return stepContinue, nil

	case transferPush:
		if t.room == 0 || t.txIdx >= len(tx) {
			t.phase = transferPull
			return stepContinue, nil
		}

		res, err := a.write(ssiDr0, uint32(tx[t.txIdx]))
		if res != stepFinished {
			return res, err
		}

		t.txIdx++
		t.room--

		return stepContinue, nil

	case transferPull:
		if t.rxLevel > 0 {
			v, res, err := t.read.run(a, ssiDr0)
			if res != stepFinished {
				return res, err
			}

			t.last = byte(v)
			t.rxLevel--
			t.rxCount++

			return stepContinue, nil
		}

		if t.rxCount >= len(tx) {
			last := t.last
			*t = transfer{last: last}

			return stepFinished, nil
		}

		t.phase = transferTxLevel

		return stepContinue, nil
	}

	return stepFailed, newFlashError(ErrorWrongState, "transfer in undefined phase %d", t.phase)
}

type commandPhase uint8

const (
	commandSelect commandPhase = iota
	commandTransfer
	commandIdle
	commandDeselect
)

// framedCommand sends one flash command with chip select asserted around it.
type framedCommand struct {
	phase commandPhase
	xfer  transfer
	idle  ssiIdle
}

func (c *framedCommand) run(a *FlashActions, tx []byte) (step, error) {
	switch c.phase {
	case commandSelect:
		res, err := a.write(ioQspiSsCtrl, ioQspiOutOverLow)
		if res != stepFinished {
			return res, err
		}

		c.phase = commandTransfer

		return stepContinue, nil

	case commandTransfer:
		res, err := c.xfer.run(a, tx)
		if res != stepFinished {
			return res, err
		}

		c.phase = commandIdle

		return stepContinue, nil

	case commandIdle:
		res, err := c.idle.run(a)
		if res != stepFinished {
			return res, err
		}

		c.phase = commandDeselect

		return stepContinue, nil

	case commandDeselect:
		res, err := a.write(ioQspiSsCtrl, ioQspiOutOverHigh)
		if res != stepFinished {
			return res, err
		}

		c.phase = commandSelect

		return stepFinished, nil
	}

	return stepFailed, newFlashError(ErrorWrongState, "command in undefined phase %d", c.phase)
}

// last byte received by the previous command
func (c *framedCommand) response() byte {
	return c.xfer.last
}

// statusPoll reads the flash status register until the busy flag clears.
type statusPoll struct {
	cmd   framedCommand
	polls int
}

func (p *statusPoll) run(a *FlashActions) (step, error) {
	tx := [2]byte{a.cfg.OpReadStatus, 0}

	res, err := p.cmd.run(a, tx[:])
	if res != stepFinished {
		return res, err
	}

	status := p.cmd.response()
	p.polls++
	a.stats.statusPolls++

	if status == 0xff {
		p.polls = 0
		return stepFailed, newFlashError(ErrorTargetError, "flash status reads 0xff, chip not responding")
	}

	if status&a.cfg.BusyMask == 0 {
		p.polls = 0
		return stepFinished, nil
	}

	if a.cfg.MaxBusyPolls > 0 && p.polls >= a.cfg.MaxBusyPolls {
		polls := p.polls
		p.polls = 0

		return stepFailed, newFlashError(ErrorTimeout, "flash still busy after %d status reads", polls)
	}

	return stepContinue, nil
}
