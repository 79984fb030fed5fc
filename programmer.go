// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"context"

	"github.com/pkg/errors"
)

const DefaultChunkSize = 1024

// MemoryReader reads target memory, e.g. the XIP window after programming.
type MemoryReader interface {
	ReadMemory(addr uint32, buf []byte) error
}

// Programmer downloads an image through the flash verbs in the order a
// remote debugger issues them: one erase per covered sector range, writes of
// at most ChunkSize bytes, then done.
type Programmer struct {
	target    *Target
	chunkSize int
	opts      RunOptions
}

func NewProgrammer(target *Target, chunkSize int, opts RunOptions) *Programmer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	return &Programmer{target: target, chunkSize: chunkSize, opts: opts}
}

func (p *Programmer) run(ctx context.Context, name string, handler func(st *ReplyState) Result) error {
	st := &ReplyState{FirstCall: true}

	var last Result

	err := RunToCompletion(ctx, name, func() Result {
		last = handler(st)
		return last
	}, p.opts)

	if !last.IsPending() {
		logger.Tracef("%s: %s", name, ReplyFor(last))
	}

	return err
}

// Program erases and writes all segments and leaves the flash in XIP mode.
func (p *Programmer) Program(ctx context.Context, segments []ImageSegment) error {
	for _, r := range eraseRanges(segments) {
		err := p.run(ctx, "vFlashErase", func(st *ReplyState) Result {
			return p.target.HandleFlashErase(st, r.start, r.end-r.start)
		})

		if err != nil {
			return err
		}
	}

	for _, s := range segments {
		for off := 0; off < len(s.Data); off += p.chunkSize {
			end := off + p.chunkSize
			if end > len(s.Data) {
				end = len(s.Data)
			}

			addr := s.Address + uint32(off)
			data := s.Data[off:end]

			err := p.run(ctx, "vFlashWrite", func(st *ReplyState) Result {
				return p.target.HandleFlashWrite(st, addr, data)
			})

			if err != nil {
				return errors.Wrapf(err, "chunk at 0x%08x", addr)
			}
		}
	}

	return p.run(ctx, "vFlashDone", p.target.HandleFlashDone)
}

// Verify reads every segment back and compares checksums.
func (p *Programmer) Verify(mem MemoryReader, segments []ImageSegment) error {
	for _, s := range segments {
		if len(s.Data) == 0 {
			continue
		}

		start := alignDown(s.Address, 4)
		end := alignDown(s.End()+3, 4)

		buf := make([]byte, end-start)

		if err := mem.ReadMemory(start, buf); err != nil {
			return errors.Wrapf(err, "read back 0x%08x+%d", start, len(buf))
		}

		got := buf[s.Address-start:][:len(s.Data)]

		if want, have := Checksum(s.Data), Checksum(got); want != have {
			return newFlashError(ErrorWrongValue, "segment 0x%08x+%d: checksum 0x%04x, expected 0x%04x",
				s.Address, len(s.Data), have, want)
		}

		logger.Debugf("verified 0x%08x+%d", s.Address, len(s.Data))
	}

	return nil
}
