// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	. "github.com/onsi/gomega"
)

func newSimTarget(t *testing.T, opts SimOptions, bufferSize int) (*Target, *SimulatedTarget) {
	t.Helper()

	cfg := DefaultChipConfig()
	engine, sim := newSimEngine(t, opts, cfg)

	driver, err := NewFlashDriver(engine, NewWriteBuffer(cfg.PageSize, bufferSize, true), cfg)
	if err != nil {
		t.Fatal(err)
	}

	return NewTarget(driver, cfg), sim
}

func runReply(t *testing.T, call func(st *ReplyState) Result) (Result, int) {
	t.Helper()

	st := &ReplyState{FirstCall: true}

	return tickUntilDone(t, func() Result { return call(st) })
}

func TestReplyFor(t *testing.T) {
	g := NewWithT(t)

	g.Expect(ReplyFor(ResultDone)).To(Equal(ReplyOK))
	g.Expect(ReplyFor(failed(newFlashError(ErrorTooLong, "full")))).To(Equal(ReplyTooLong))
	g.Expect(ReplyFor(failed(newFlashError(ErrorTargetError, "chip")))).To(Equal(ReplyTargetError))
	g.Expect(ReplyFor(failed(newFlashError(ErrorWrongValue, "range")))).To(Equal(ReplyFailed))
	g.Expect(ReplyFor(failed(errors.New("usb gone")))).To(Equal(ReplyFailed))
}

func TestTargetDescription(t *testing.T) {
	g := NewWithT(t)

	target := NewTarget(nil, DefaultChipConfig())

	g.Expect(target.Name()).To(Equal("RP2040"))
	g.Expect(target.IsSWDv2()).To(BeTrue())
	g.Expect(target.SWDCoreID(0)).To(Equal(uint32(0x01002927)))
	g.Expect(target.SWDCoreID(1)).To(Equal(uint32(0x11002927)))
	g.Expect(target.SWDCoreID(2)).To(BeZero())
	g.Expect(target.SWDAPSel(1)).To(BeZero())

	mm := target.MemoryMap()

	g.Expect(mm).To(HavePrefix("<memory-map>\r\n"))
	g.Expect(mm).To(HaveSuffix("</memory-map>\r\n"))
	g.Expect(strings.Count(mm, "\n")).To(Equal(strings.Count(mm, "\r\n")))
	g.Expect(mm).To(ContainSubstring(`<memory type="flash" start="0x10000000" length="0x00200000">`))
	g.Expect(mm).To(ContainSubstring(`<property name="blocksize">0x1000</property>`))
	g.Expect(mm).To(ContainSubstring(`<memory type="ram" start="0x20000000" length="0x00042000"/>`))
	g.Expect(mm).To(ContainSubstring(`<memory type="rom" start="0x00000000" length="0x00004000"/>`))
}

func TestXferRead(t *testing.T) {
	g := NewWithT(t)

	target := NewTarget(nil, DefaultChipConfig())
	doc := target.MemoryMap()

	var (
		parts []string
		out   string
	)

	for offset := 0; ; offset += 64 {
		part, err := target.XferRead("memory-map", offset, 64)
		g.Expect(err).NotTo(HaveOccurred())

		parts = append(parts, part)
		out += part[1:]

		if part[0] == 'l' {
			break
		}

		g.Expect(part[0]).To(Equal(byte('m')))
	}

	g.Expect(out).To(Equal(doc))
	g.Expect(parts).To(HaveLen((len(doc) + 63) / 64))

	part, err := target.XferRead("memory-map", len(doc), 64)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(part).To(Equal("l"))

	part, err = target.XferRead("threads", 0, 4096)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(part).To(HavePrefix("l<?xml"))
	g.Expect(part).To(ContainSubstring(`name="core1"`))

	part, err = target.XferRead("features", 0, 64)
	g.Expect(CodeOf(err)).To(Equal(ErrorInvalidParameter))
	g.Expect(part).To(Equal(ReplyBadRequest))

	_, err = target.XferRead("memory-map", 0, 0)
	g.Expect(CodeOf(err)).To(Equal(ErrorInvalidParameter))
}

func TestFlashVerbsOnSimulator(t *testing.T) {
	g := NewWithT(t)

	target, sim := newSimTarget(t, SimOptions{BusyPolls: 2}, DefaultWriteBufferSize)
	data := pattern(256, 9)

	res, ticks := runReply(t, func(st *ReplyState) Result { return target.HandleFlashErase(st, 0x10000000, 70000) })
	g.Expect(ReplyFor(res)).To(Equal(ReplyOK))
	g.Expect(ticks).To(Equal(1))

	res, ticks = runReply(t, func(st *ReplyState) Result { return target.HandleFlashWrite(st, 0x10000000, data) })
	g.Expect(ReplyFor(res)).To(Equal(ReplyOK))
	g.Expect(ticks).To(Equal(1))

	res, ticks = runReply(t, target.HandleFlashDone)
	g.Expect(ReplyFor(res)).To(Equal(ReplyOK))
	g.Expect(ticks).To(Equal(1))

	g.Expect(sim.XIPActive()).To(BeTrue())
	g.Expect(target.Driver().XIPActive()).To(BeTrue())
	g.Expect(target.Driver().Buffer().Empty()).To(BeTrue())

	// 70000 bytes round up to 18 sectors
	g.Expect(sim.SectorErased(0x10011000)).To(BeTrue())
	g.Expect(sim.SectorErased(0x10012000)).To(BeFalse())

	buf := make([]byte, 512)
	g.Expect(sim.ReadMemory(0x10000000, buf)).To(Succeed())
	g.Expect(buf[:256]).To(Equal(data))
	g.Expect(buf[256:]).To(Equal(bytes.Repeat([]byte{0xff}, 256)))

	stats := target.Driver().Stats()
	g.Expect(stats.Erases64K).To(Equal(1))
	g.Expect(stats.Erases4K).To(Equal(2))
	g.Expect(stats.UnerasedSectors).To(BeZero())
}

func TestFlashVerbsWithPendingAccesses(t *testing.T) {
	g := NewWithT(t)

	target, sim := newSimTarget(t, SimOptions{PendEvery: 5, BusyPolls: 1}, DefaultWriteBufferSize)
	data := pattern(700, 3)

	res, _ := runReply(t, func(st *ReplyState) Result { return target.HandleFlashErase(st, 0x10004000, 0x1000) })
	g.Expect(ReplyFor(res)).To(Equal(ReplyOK))

	res, ticks := runReply(t, func(st *ReplyState) Result { return target.HandleFlashWrite(st, 0x10004000, data) })
	g.Expect(ReplyFor(res)).To(Equal(ReplyOK))
	g.Expect(ticks).To(BeNumerically(">", 1))

	res, _ = runReply(t, target.HandleFlashDone)
	g.Expect(ReplyFor(res)).To(Equal(ReplyOK))

	buf := make([]byte, len(data))
	g.Expect(sim.ReadMemory(0x10004000, buf)).To(Succeed())
	g.Expect(buf).To(Equal(data))
	g.Expect(sim.XIPActive()).To(BeTrue())
}

func TestFlashWriteTooLong(t *testing.T) {
	g := NewWithT(t)

	target, _ := newSimTarget(t, SimOptions{}, 512)

	res, _ := runReply(t, func(st *ReplyState) Result { return target.HandleFlashWrite(st, 0x10000000, pattern(500, 0)) })
	g.Expect(ReplyFor(res)).To(Equal(ReplyOK))

	// one page went out, the partial second page waits for more data
	g.Expect(target.Driver().Buffer().Len()).To(Equal(244))

	res, _ = runReply(t, func(st *ReplyState) Result { return target.HandleFlashWrite(st, 0x10010000, pattern(400, 0)) })
	g.Expect(CodeOf(res.Err)).To(Equal(ErrorTooLong))
	g.Expect(ReplyFor(res)).To(Equal(ReplyTooLong))
	g.Expect(target.Driver().Buffer().Len()).To(Equal(244))
}

func TestFlashWriteMakesRoom(t *testing.T) {
	for _, pendEvery := range []int{0, 3} {
		t.Run(fmt.Sprintf("pend every %d", pendEvery), func(t *testing.T) {
			g := NewWithT(t)

			target, sim := newSimTarget(t, SimOptions{PendEvery: pendEvery}, 512)
			buffer := target.Driver().Buffer()

			g.Expect(buffer.AddData(0x10000000, pattern(512, 0))).To(Succeed())

			res, _ := runReply(t, func(st *ReplyState) Result { return target.HandleFlashWrite(st, 0x10000200, pattern(100, 1)) })
			g.Expect(ReplyFor(res)).To(Equal(ReplyOK))

			g.Expect(target.Driver().Stats().PagesWritten).To(Equal(2))
			g.Expect(target.Driver().Stats().Initializes).To(Equal(1))
			g.Expect(buffer.Len()).To(Equal(100))
			g.Expect(buffer.GetWriteAddress()).To(Equal(uint32(0x10000200)))

			buf := make([]byte, 512)
			g.Expect(sim.ReadMemory(0x10000000, buf)).To(Succeed())
			g.Expect(buf).To(Equal(pattern(512, 0)))
		})
	}
}

func TestFlashEraseRejected(t *testing.T) {
	g := NewWithT(t)

	target, sim := newSimTarget(t, SimOptions{}, DefaultWriteBufferSize)

	res, _ := runReply(t, func(st *ReplyState) Result { return target.HandleFlashErase(st, 0x10000800, 0x1000) })
	g.Expect(CodeOf(res.Err)).To(Equal(ErrorWrongValue))
	g.Expect(ReplyFor(res)).To(Equal(ReplyFailed))
	g.Expect(sim.Accesses()).To(BeZero())
}

func TestReplyStateMisuse(t *testing.T) {
	g := NewWithT(t)

	target, _ := newSimTarget(t, SimOptions{PendEvery: 2}, DefaultWriteBufferSize)

	g.Expect(CodeOf(target.HandleFlashDone(nil).Err)).To(Equal(ErrorActionNull))

	st := &ReplyState{FirstCall: true}
	g.Expect(target.HandleFlashErase(st, 0x10000000, 0x1000).Status).To(Equal(Pending))

	// an erase in flight cannot be continued as another verb
	g.Expect(CodeOf(target.HandleFlashDone(st).Err)).To(Equal(ErrorWrongState))
}
