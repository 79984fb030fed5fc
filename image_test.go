// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"bytes"
	"strings"
	"testing"

	. "github.com/onsi/gomega"
)

func TestChecksum(t *testing.T) {
	g := NewWithT(t)

	g.Expect(Checksum([]byte("123456789"))).To(Equal(uint16(0x31c3)))
	g.Expect(Checksum(nil)).To(BeZero())
}

func TestEraseRanges(t *testing.T) {
	g := NewWithT(t)

	segments := []ImageSegment{
		{Address: 0x10004000, Data: make([]byte, 0x10)},
		{Address: 0x10000f00, Data: make([]byte, 0x200)},
		{Address: 0x10003000, Data: make([]byte, 1)},
		{Address: 0x10000000, Data: make([]byte, 100)},
		{Address: 0x10008000, Data: nil},
	}

	g.Expect(eraseRanges(segments)).To(Equal([]flashRange{
		{0x10000000, 0x10002000},
		{0x10003000, 0x10005000},
	}))

	// the input order is left alone
	g.Expect(segments[0].Address).To(Equal(uint32(0x10004000)))
}

func TestHexImage(t *testing.T) {
	g := NewWithT(t)

	segments := []ImageSegment{
		{Address: 0x10000000, Data: pattern(300, 1)},
		{Address: 0x10020010, Data: pattern(20, 2)},
	}

	var out bytes.Buffer
	g.Expect(WriteHexImage(&out, segments)).To(Succeed())
	g.Expect(out.String()).To(ContainSubstring(":00000001FF"))

	parsed, err := ParseHexImage(&out)
	g.Expect(err).NotTo(HaveOccurred())
	g.Expect(parsed).To(Equal(segments))

	_, err = ParseHexImage(strings.NewReader(":0400000001020304XX\n"))
	g.Expect(err).To(MatchError(ContainSubstring("parse intel hex")))
}

func TestBinaryImage(t *testing.T) {
	g := NewWithT(t)

	g.Expect(BinaryImage(0x10000000, nil)).To(BeEmpty())
	g.Expect(BinaryImage(0x10000100, []byte{1, 2})).To(Equal([]ImageSegment{{Address: 0x10000100, Data: []byte{1, 2}}}))
}
