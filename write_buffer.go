// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

const DefaultWriteBufferSize = 2048

type segment struct {
	addr uint32
	data []byte
}

func (s *segment) end() uint32 {
	return s.addr + uint32(len(s.data))
}

// WriteBuffer collects the chunks of a flash download and hands them out in
// blocks of blockSize bytes. Chunks continuing the previous one are merged,
// a chunk somewhere else opens a new segment.
//
// With align set a segment always starts on a block boundary; the gap in
// front of an unaligned chunk is filled with 0xff, which leaves the flash
// cells untouched when programmed.
type WriteBuffer struct {
	blockSize uint32
	capacity  int
	align     bool

	segments []segment
	used     int

	// length of the block last returned by GetDataBlock, 0 if none
	handedOut int
}

func NewWriteBuffer(blockSize uint32, capacity int, align bool) *WriteBuffer {
	if blockSize == 0 {
		blockSize = FlashPageSize
	}

	if capacity <= 0 {
		capacity = DefaultWriteBufferSize
	}

	return &WriteBuffer{
		blockSize: blockSize,
		capacity:  capacity,
		align:     align,
	}
}

func (b *WriteBuffer) BlockSize() uint32 {
	return b.blockSize
}

func (b *WriteBuffer) Capacity() int {
	return b.capacity
}

// Len returns the number of buffered bytes, padding included.
func (b *WriteBuffer) Len() int {
	return b.used
}

func (b *WriteBuffer) Empty() bool {
	return len(b.segments) == 0
}

func (b *WriteBuffer) Clear() {
	b.segments = nil
	b.used = 0
	b.handedOut = 0
}

// AddData stores data destined for addr. Bytes that are already buffered for
// the same addresses are overwritten, so a retransmitted chunk is harmless.
// Nothing is stored if the chunk does not fit.
func (b *WriteBuffer) AddData(addr uint32, data []byte) error {
	if len(data) == 0 {
		return newFlashError(ErrorInvalidParameter, "no data to buffer at 0x%08x", addr)
	}

	if uint64(addr)+uint64(len(data)) > 1<<32 {
		return newFlashError(ErrorInvalidParameter, "chunk at 0x%08x+%d wraps the address space", addr, len(data))
	}

	for i := range b.segments {
		s := &b.segments[i]

		if addr < s.addr || addr > s.end() {
			continue
		}

		overlap := int(s.end() - addr)
		if overlap > len(data) {
			overlap = len(data)
		}

		rest := data[overlap:]

		if len(rest) > 0 {
			if b.collides(i, s.end(), len(rest)) {
				return newFlashError(ErrorInvalidParameter,
					"chunk at 0x%08x+%d overlaps a later buffered chunk", addr, len(data))
			}

			if b.used+len(rest) > b.capacity {
				return b.tooLong(addr, len(data))
			}
		}

		copy(s.data[addr-s.addr:], data[:overlap])

		if len(rest) > 0 {
			s.data = append(s.data, rest...)
			b.used += len(rest)
		}

		return nil
	}

	pad := 0
	if b.align {
		pad = int(addr % b.blockSize)

		if i := b.sharedPage(addr-uint32(pad), addr); i >= 0 {
			return b.fillUpTo(i, addr, data)
		}
	}

	if b.collides(-1, addr-uint32(pad), pad+len(data)) {
		return newFlashError(ErrorInvalidParameter,
			"chunk at 0x%08x+%d overlaps a buffered chunk", addr, len(data))
	}

	if b.used+pad+len(data) > b.capacity {
		return b.tooLong(addr, len(data))
	}

	seg := segment{addr: addr - uint32(pad), data: make([]byte, pad, pad+len(data))}
	for i := range seg.data {
		seg.data[i] = 0xff
	}

	seg.data = append(seg.data, data...)

	b.segments = append(b.segments, seg)
	b.used += pad + len(data)

	return nil
}

// sharedPage returns the segment ending between the block start and addr,
// or -1. A chunk there belongs to the same block as the segment's tail.
func (b *WriteBuffer) sharedPage(blockStart uint32, addr uint32) int {
	for i := range b.segments {
		if end := b.segments[i].end(); end > blockStart && end < addr {
			return i
		}
	}

	return -1
}

// fillUpTo extends segment idx to addr with 0xff and appends data.
func (b *WriteBuffer) fillUpTo(idx int, addr uint32, data []byte) error {
	s := &b.segments[idx]
	gap := int(addr - s.end())

	if b.collides(idx, s.end(), gap+len(data)) {
		return newFlashError(ErrorInvalidParameter,
			"chunk at 0x%08x+%d overlaps a buffered chunk", addr, len(data))
	}

	if b.used+gap+len(data) > b.capacity {
		return b.tooLong(addr, len(data))
	}

	for i := 0; i < gap; i++ {
		s.data = append(s.data, 0xff)
	}

	s.data = append(s.data, data...)
	b.used += gap + len(data)

	return nil
}

func (b *WriteBuffer) tooLong(addr uint32, length int) error {
	return newFlashError(ErrorTooLong, "chunk at 0x%08x+%d exceeds write buffer (%d of %d bytes used)",
		addr, length, b.used, b.capacity)
}

// collides reports whether extending segment idx at from by length bytes
// runs into any other segment.
func (b *WriteBuffer) collides(idx int, from uint32, length int) bool {
	to := uint64(from) + uint64(length)

	for i := range b.segments {
		if i == idx {
			continue
		}

		s := &b.segments[i]
		if uint64(s.addr) < to && s.end() > from {
			return true
		}
	}

	return false
}

// HasDataBlock reports whether a block can be written without waiting for
// more data: the oldest segment holds a full block, or it is followed by
// another segment. A download that moved on to another area does not come
// back to extend the oldest segment, so its partial block is flushed as is.
// A chunk that does come back later is written as a new segment and only
// costs an extra page program.
func (b *WriteBuffer) HasDataBlock() bool {
	if len(b.segments) == 0 {
		return false
	}

	return len(b.segments[0].data) >= int(b.blockLength(&b.segments[0])) || len(b.segments) > 1
}

// blockLength is the size of the next full block of s.
func (b *WriteBuffer) blockLength(s *segment) uint32 {
	if b.align {
		return b.blockSize - s.addr%b.blockSize
	}

	return b.blockSize
}

func (b *WriteBuffer) GetWriteAddress() uint32 {
	if len(b.segments) == 0 {
		return 0
	}

	return b.segments[0].addr
}

// GetDataBlock returns the next block without consuming it. If no full block
// is available the remaining bytes of the oldest segment are returned, which
// is how the trailing partial block gets flushed at the end of a download.
// The slice is only valid until the buffer is modified.
func (b *WriteBuffer) GetDataBlock() []byte {
	if len(b.segments) == 0 {
		b.handedOut = 0
		return nil
	}

	s := &b.segments[0]

	n := int(b.blockLength(s))
	if n > len(s.data) {
		n = len(s.data)
	}

	b.handedOut = n

	return s.data[:n]
}

// RemoveBlock drops the block returned by the last GetDataBlock.
func (b *WriteBuffer) RemoveBlock() error {
	if b.handedOut == 0 || len(b.segments) == 0 {
		return newFlashError(ErrorWrongState, "no data block handed out")
	}

	s := &b.segments[0]
	n := b.handedOut

	s.addr += uint32(n)
	s.data = s.data[n:]
	b.used -= n
	b.handedOut = 0

	if len(s.data) == 0 {
		b.segments = b.segments[1:]
	}

	return nil
}

// GetLengthAvailableNoWaiting returns the number of bytes that can be
// written right away.
func (b *WriteBuffer) GetLengthAvailableNoWaiting() int {
	return b.used - b.GetLengthAvailableWaiting()
}

// GetLengthAvailableWaiting returns the bytes of the newest segment that do
// not fill a block yet. They are written by the final flush only.
func (b *WriteBuffer) GetLengthAvailableWaiting() int {
	if len(b.segments) == 0 {
		return 0
	}

	s := &b.segments[len(b.segments)-1]

	first := int(b.blockLength(s))
	if len(s.data) < first {
		return len(s.data)
	}

	return (len(s.data) - first) % int(b.blockSize)
}
