// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"bytes"
	"testing"

	. "github.com/onsi/gomega"
)

func pattern(n int, seed byte) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = seed + byte(i)
	}

	return data
}

func TestWriteBufferHandsOutPages(t *testing.T) {
	g := NewWithT(t)

	buf := NewWriteBuffer(FlashPageSize, DefaultWriteBufferSize, true)
	data := pattern(600, 1)

	g.Expect(buf.AddData(0x10000000, data)).To(Succeed())
	g.Expect(buf.Len()).To(Equal(600))
	g.Expect(buf.GetLengthAvailableNoWaiting()).To(Equal(512))
	g.Expect(buf.GetLengthAvailableWaiting()).To(Equal(88))

	var (
		addrs   []uint32
		lengths []int
		out     []byte
	)

	for !buf.Empty() {
		addrs = append(addrs, buf.GetWriteAddress())
		block := buf.GetDataBlock()
		lengths = append(lengths, len(block))
		out = append(out, block...)

		g.Expect(buf.RemoveBlock()).To(Succeed())
	}

	g.Expect(addrs).To(Equal([]uint32{0x10000000, 0x10000100, 0x10000200}))
	g.Expect(lengths).To(Equal([]int{256, 256, 88}))
	g.Expect(out).To(Equal(data))
	g.Expect(buf.Len()).To(BeZero())
}

func TestWriteBufferHasDataBlock(t *testing.T) {
	g := NewWithT(t)

	buf := NewWriteBuffer(FlashPageSize, DefaultWriteBufferSize, true)

	g.Expect(buf.HasDataBlock()).To(BeFalse())

	g.Expect(buf.AddData(0x10000000, pattern(200, 0))).To(Succeed())
	g.Expect(buf.HasDataBlock()).To(BeFalse())

	// continuing chunk completes the page
	g.Expect(buf.AddData(0x100000c8, pattern(56, 0))).To(Succeed())
	g.Expect(buf.HasDataBlock()).To(BeTrue())
	g.Expect(buf.GetDataBlock()).To(HaveLen(256))
	g.Expect(buf.RemoveBlock()).To(Succeed())
	g.Expect(buf.Empty()).To(BeTrue())

	// a partial page followed by a chunk elsewhere will not grow any more
	g.Expect(buf.AddData(0x10001000, pattern(10, 0))).To(Succeed())
	g.Expect(buf.AddData(0x10002000, pattern(10, 0))).To(Succeed())
	g.Expect(buf.HasDataBlock()).To(BeTrue())
	g.Expect(buf.GetDataBlock()).To(HaveLen(10))
}

func TestWriteBufferCapacity(t *testing.T) {
	g := NewWithT(t)

	buf := NewWriteBuffer(FlashPageSize, 512, true)

	g.Expect(buf.Capacity()).To(Equal(512))
	g.Expect(buf.BlockSize()).To(Equal(uint32(FlashPageSize)))
	g.Expect(buf.AddData(0x10000000, pattern(300, 0))).To(Succeed())

	waiting := buf.GetLengthAvailableWaiting()
	used := buf.Len()

	err := buf.AddData(0x10010000, pattern(300, 7))
	g.Expect(CodeOf(err)).To(Equal(ErrorTooLong))

	// continuing chunk that does not fit either
	err = buf.AddData(0x1000012c, pattern(300, 7))
	g.Expect(CodeOf(err)).To(Equal(ErrorTooLong))

	g.Expect(buf.GetLengthAvailableWaiting()).To(Equal(waiting))
	g.Expect(buf.Len()).To(Equal(used))
	g.Expect(buf.GetWriteAddress()).To(Equal(uint32(0x10000000)))
	g.Expect(buf.GetDataBlock()).To(Equal(pattern(256, 0)))
}

func TestWriteBufferAlignsSegments(t *testing.T) {
	g := NewWithT(t)

	buf := NewWriteBuffer(FlashPageSize, DefaultWriteBufferSize, true)

	g.Expect(buf.AddData(0x10000010, pattern(16, 0x40))).To(Succeed())
	g.Expect(buf.Len()).To(Equal(32))
	g.Expect(buf.GetWriteAddress()).To(Equal(uint32(0x10000000)))

	block := buf.GetDataBlock()
	g.Expect(block[:16]).To(Equal(bytes.Repeat([]byte{0xff}, 16)))
	g.Expect(block[16:]).To(Equal(pattern(16, 0x40)))
}

func TestWriteBufferJoinsChunksInOnePage(t *testing.T) {
	g := NewWithT(t)

	buf := NewWriteBuffer(FlashPageSize, DefaultWriteBufferSize, true)

	g.Expect(buf.AddData(0x10000000, pattern(16, 0))).To(Succeed())

	// skips a few bytes but lands in the page of the first chunk
	g.Expect(buf.AddData(0x10000020, pattern(16, 0x20))).To(Succeed())
	g.Expect(buf.Len()).To(Equal(48))
	g.Expect(buf.HasDataBlock()).To(BeFalse())

	block := buf.GetDataBlock()
	g.Expect(block[:16]).To(Equal(pattern(16, 0)))
	g.Expect(block[16:32]).To(Equal(bytes.Repeat([]byte{0xff}, 16)))
	g.Expect(block[32:]).To(Equal(pattern(16, 0x20)))

	// the gap can still be filled in
	g.Expect(buf.AddData(0x10000010, pattern(16, 0x10))).To(Succeed())
	g.Expect(buf.Len()).To(Equal(48))
	g.Expect(buf.GetDataBlock()).To(Equal(pattern(48, 0)))

	// a chunk in the next page opens a segment of its own
	g.Expect(buf.AddData(0x10000110, pattern(16, 0))).To(Succeed())
	g.Expect(buf.Len()).To(Equal(80))
	g.Expect(buf.HasDataBlock()).To(BeTrue())
	g.Expect(buf.GetDataBlock()).To(HaveLen(48))
	g.Expect(buf.RemoveBlock()).To(Succeed())
	g.Expect(buf.GetWriteAddress()).To(Equal(uint32(0x10000100)))
}

func TestWriteBufferUnaligned(t *testing.T) {
	g := NewWithT(t)

	buf := NewWriteBuffer(FlashPageSize, DefaultWriteBufferSize, false)

	g.Expect(buf.AddData(0x10000010, pattern(300, 0))).To(Succeed())
	g.Expect(buf.GetWriteAddress()).To(Equal(uint32(0x10000010)))
	g.Expect(buf.GetDataBlock()).To(HaveLen(256))
	g.Expect(buf.RemoveBlock()).To(Succeed())
	g.Expect(buf.GetWriteAddress()).To(Equal(uint32(0x10000110)))
	g.Expect(buf.GetLengthAvailableWaiting()).To(Equal(44))
}

func TestWriteBufferOverwritesRetransmittedData(t *testing.T) {
	g := NewWithT(t)

	buf := NewWriteBuffer(FlashPageSize, DefaultWriteBufferSize, true)

	g.Expect(buf.AddData(0x10000000, pattern(64, 0))).To(Succeed())
	g.Expect(buf.AddData(0x10000020, pattern(64, 0x80))).To(Succeed())
	g.Expect(buf.Len()).To(Equal(96))

	block := buf.GetDataBlock()
	g.Expect(block[:32]).To(Equal(pattern(32, 0)))
	g.Expect(block[32:]).To(Equal(pattern(64, 0x80)))
}

func TestWriteBufferRejects(t *testing.T) {
	g := NewWithT(t)

	buf := NewWriteBuffer(FlashPageSize, DefaultWriteBufferSize, true)

	g.Expect(CodeOf(buf.AddData(0x10000000, nil))).To(Equal(ErrorInvalidParameter))
	g.Expect(CodeOf(buf.RemoveBlock())).To(Equal(ErrorWrongState))

	g.Expect(buf.AddData(0x10000000, pattern(16, 0))).To(Succeed())
	g.Expect(buf.AddData(0x10000200, pattern(16, 0))).To(Succeed())

	// would run from the first segment into the second one
	err := buf.AddData(0x10000010, pattern(0x200, 0))
	g.Expect(CodeOf(err)).To(Equal(ErrorInvalidParameter))

	// a new segment covering part of an existing one
	err = buf.AddData(0x100001f0, pattern(0x20, 0))
	g.Expect(CodeOf(err)).To(Equal(ErrorInvalidParameter))

	g.Expect(buf.Len()).To(Equal(32))

	buf.Clear()
	g.Expect(buf.Empty()).To(BeTrue())
	g.Expect(buf.Len()).To(BeZero())
}
