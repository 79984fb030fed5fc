// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/gomega"
)

func TestProgrammerOnSimulator(t *testing.T) {
	g := NewWithT(t)

	target, sim := newSimTarget(t, SimOptions{PendEvery: 7, BusyPolls: 2}, DefaultWriteBufferSize)

	// preset content that has to be erased
	g.Expect(sim.LoadFlash(0x10000000, make([]byte, 0x3000))).To(Succeed())

	segments := []ImageSegment{
		{Address: 0x10000000, Data: pattern(3000, 1)},
		{Address: 0x10002102, Data: pattern(500, 2)},
	}

	opts := RunOptions{ActionTimeout: 5 * time.Second, Progress: sim.Accesses}
	programmer := NewProgrammer(target, 0, opts)

	g.Expect(programmer.Program(context.Background(), segments)).To(Succeed())
	g.Expect(programmer.Verify(sim, segments)).To(Succeed())

	g.Expect(sim.XIPActive()).To(BeTrue())
	g.Expect(sim.SectorErased(0x10002000)).To(BeTrue())
	g.Expect(sim.SectorErased(0x10001000)).To(BeFalse())

	// bytes around the unaligned segment stay erased
	around := make([]byte, 2)
	g.Expect(sim.ReadMemory(0x10002100, around)).To(Succeed())
	g.Expect(around).To(Equal([]byte{0xff, 0xff}))

	stats := target.Driver().Stats()
	g.Expect(stats.BytesWritten).To(BeNumerically(">=", 3500))
	g.Expect(stats.UnerasedSectors).To(BeZero())
}

func TestProgrammerVerifyMismatch(t *testing.T) {
	g := NewWithT(t)

	target, sim := newSimTarget(t, SimOptions{}, DefaultWriteBufferSize)
	programmer := NewProgrammer(target, 256, RunOptions{ActionTimeout: time.Second})

	segments := []ImageSegment{{Address: 0x10010000, Data: pattern(1000, 4)}}

	g.Expect(programmer.Program(context.Background(), segments)).To(Succeed())
	g.Expect(programmer.Verify(sim, segments)).To(Succeed())

	g.Expect(sim.LoadFlash(0x10010100, []byte{0})).To(Succeed())

	err := programmer.Verify(sim, segments)
	g.Expect(CodeOf(err)).To(Equal(ErrorWrongValue))
	g.Expect(err).To(MatchError(ContainSubstring("segment 0x10010000+1000")))
}

func TestProgrammerRejectsImageBeyondFlash(t *testing.T) {
	g := NewWithT(t)

	target, _ := newSimTarget(t, SimOptions{}, DefaultWriteBufferSize)
	programmer := NewProgrammer(target, 1024, RunOptions{ActionTimeout: time.Second})

	// the erase range runs past the end of flash
	segments := []ImageSegment{{Address: 0x101ffc00, Data: pattern(2048, 0)}}

	err := programmer.Program(context.Background(), segments)
	g.Expect(err).To(HaveOccurred())
	g.Expect(CodeOf(err)).To(Equal(ErrorWrongValue))
}
