// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"io"
	"sort"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
	"github.com/sigurn/crc16"
)

// ImageSegment is a contiguous piece of a firmware image.
type ImageSegment struct {
	Address uint32
	Data    []byte
}

func (s ImageSegment) End() uint32 {
	return s.Address + uint32(len(s.Data))
}

var checksumTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Checksum returns the CRC-16/XMODEM of data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, checksumTable)
}

// ParseHexImage reads an Intel HEX file.
func ParseHexImage(r io.Reader) ([]ImageSegment, error) {
	mem := gohex.NewMemory()

	if err := mem.ParseIntelHex(r); err != nil {
		return nil, errors.Wrap(err, "parse intel hex")
	}

	var segments []ImageSegment

	for _, s := range mem.GetDataSegments() {
		segments = append(segments, ImageSegment{Address: s.Address, Data: s.Data})
	}

	return sortSegments(segments), nil
}

// BinaryImage places a raw binary at base.
func BinaryImage(base uint32, data []byte) []ImageSegment {
	if len(data) == 0 {
		return nil
	}

	return []ImageSegment{{Address: base, Data: data}}
}

// WriteHexImage writes segments as Intel HEX with 16 bytes per record.
func WriteHexImage(w io.Writer, segments []ImageSegment) error {
	mem := gohex.NewMemory()

	for _, s := range segments {
		if err := mem.AddBinary(s.Address, s.Data); err != nil {
			return errors.Wrapf(err, "add segment at 0x%08x", s.Address)
		}
	}

	return errors.Wrap(mem.DumpIntelHex(w, 16), "dump intel hex")
}

func sortSegments(segments []ImageSegment) []ImageSegment {
	sort.Slice(segments, func(i, j int) bool {
		return segments[i].Address < segments[j].Address
	})

	return segments
}

type flashRange struct {
	start uint32
	end   uint32
}

// eraseRanges returns the sector aligned ranges covering all segments,
// overlapping or touching ranges merged.
func eraseRanges(segments []ImageSegment) []flashRange {
	var ranges []flashRange

	for _, s := range sortSegments(append([]ImageSegment(nil), segments...)) {
		if len(s.Data) == 0 {
			continue
		}

		r := flashRange{
			start: alignDown(s.Address, FlashSectorSize),
			end:   alignDown(s.End()+FlashSectorSize-1, FlashSectorSize),
		}

		if n := len(ranges); n > 0 && r.start <= ranges[n-1].end {
			if r.end > ranges[n-1].end {
				ranges[n-1].end = r.end
			}

			continue
		}

		ranges = append(ranges, r)
	}

	return ranges
}
