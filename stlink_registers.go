// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"sync/atomic"
	"time"
)

// WordAccess performs blocking single word accesses on the target bus,
// e.g. an opened StLink.
type WordAccess interface {
	ReadDebug32(addr uint32) (uint32, error)
	WriteDebug32(addr uint32, value uint32) error
}

type registerJob struct {
	write  bool
	addr   uint32
	value  uint32
	ticket uint64

	done chan struct{}
	err  error
}

func (j *registerJob) finished() bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}

// StLinkRegisters adapts a blocking WordAccess to the polled register
// interface of the flash engine. Every access runs on its own goroutine and
// is reported Pending until it completed. Only one access is outstanding at
// a time; wait responses of the adapter are retried with a growing delay.
type StLinkRegisters struct {
	words WordAccess

	job        *registerJob
	nextTicket uint64
	accesses   uint64
}

func NewStLinkRegisters(words WordAccess) *StLinkRegisters {
	return &StLinkRegisters{words: words}
}

// Accesses returns the number of completed register accesses.
func (r *StLinkRegisters) Accesses() uint64 {
	return atomic.LoadUint64(&r.accesses)
}

// Close waits for the outstanding access, if any.
func (r *StLinkRegisters) Close() {
	if r.job != nil {
		<-r.job.done
		r.job = nil
	}
}

func (r *StLinkRegisters) start(job *registerJob) {
	job.done = make(chan struct{})
	r.job = job

	go func() {
		defer close(job.done)

		for retries := 0; ; retries++ {
			if job.write {
				job.err = r.words.WriteDebug32(job.addr, job.value)
			} else {
				job.value, job.err = r.words.ReadDebug32(job.addr)
			}

			if !isUsbWait(job.err) || retries >= maximumWaitRetries {
				break
			}

			time.Sleep(time.Duration(1<<retries) * time.Millisecond)
		}

		if job.err == nil {
			atomic.AddUint64(&r.accesses, 1)
		}
	}()
}

// idle reports whether a new access can be started. A finished job nobody
// collected any more is dropped.
func (r *StLinkRegisters) idle() bool {
	if r.job == nil {
		return true
	}

	if !r.job.finished() {
		return false
	}

	logger.Debugf("dropping uncollected access of 0x%08x", r.job.addr)
	r.job = nil

	return true
}

func (r *StLinkRegisters) WriteRegister(addr uint32, value uint32) Result {
	job := r.job

	if job == nil || !job.write || job.addr != addr || job.value != value {
		if !r.idle() {
			return ResultPending
		}

		r.start(&registerJob{write: true, addr: addr, value: value})

		return ResultPending
	}

	if !job.finished() {
		return ResultPending
	}

	r.job = nil

	if job.err != nil {
		return failed(newFlashError(ErrorTargetError, "write of 0x%08x to 0x%08x: %v", value, addr, job.err))
	}

	return ResultDone
}

func (r *StLinkRegisters) ReadRegister(st *ReadState, addr uint32) Poll[uint32] {
	if st == nil {
		return Fail[uint32](newFlashError(ErrorActionNull, "read of 0x%08x without state", addr))
	}

	if st.FirstCall {
		if !r.idle() {
			return NotReady[uint32]()
		}

		r.nextTicket++

		st.FirstCall = false
		st.Ticket = r.nextTicket

		r.start(&registerJob{addr: addr, ticket: st.Ticket})

		return NotReady[uint32]()
	}

	job := r.job

	if st.Ticket == 0 || job == nil || job.write || job.ticket != st.Ticket || job.addr != addr {
		return Fail[uint32](newFlashError(ErrorWrongState, "read of 0x%08x polled without an outstanding access", addr))
	}

	if !job.finished() {
		return NotReady[uint32]()
	}

	r.job = nil

	if job.err != nil {
		return Fail[uint32](newFlashError(ErrorTargetError, "read of 0x%08x: %v", addr, job.err))
	}

	return Ready(job.value)
}
