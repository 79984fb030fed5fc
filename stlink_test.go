// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"testing"

	. "github.com/onsi/gomega"
)

func TestMatchSpeedMap(t *testing.T) {
	tests := []struct {
		khz     uint32
		query   bool
		speed   uint32
		inexact bool
	}{
		{4000, true, 4000, false},
		{1800, true, 1800, false},
		{2000, false, 1800, false},
		{2000, true, 1800, true},
		{100000, false, 4000, false},
		{1, false, 5, false},
		{1, true, 5, true},
	}

	for _, tt := range tests {
		g := NewWithT(t)

		i, err := matchSpeedMap(swdKHzToSpeedMap, tt.khz, tt.query)

		g.Expect(swdKHzToSpeedMap[i].speed).To(Equal(tt.speed), "%d kHz", tt.khz)

		if tt.inexact {
			g.Expect(err).To(HaveOccurred())
		} else {
			g.Expect(err).NotTo(HaveOccurred())
		}
	}

	_, err := matchSpeedMap([]speedMap{{0, 0}}, 1000, false)
	NewWithT(t).Expect(err).To(MatchError("empty speed map"))
}

func TestParseVersionFlags(t *testing.T) {
	g := NewWithT(t)

	v := parseVersionFlags(1, 10)
	g.Expect(v.jtagApi).To(Equal(jTagApiV1))

	v = parseVersionFlags(1, 11)
	g.Expect(v.jtagApi).To(Equal(jTagApiV2))

	v = parseVersionFlags(2, 22)
	g.Expect(v.jtagApi).To(Equal(jTagApiV2))
	g.Expect(v.flags.Get(flagHasTargetVolt)).To(BeTrue())
	g.Expect(v.flags.Get(flagHasGetLastRwStatus2)).To(BeTrue())
	g.Expect(v.flags.Get(flagHasSwdSetFreq)).To(BeTrue())
	g.Expect(v.flags.Get(flagHasApInit)).To(BeFalse())
	g.Expect(v.flags.Get(flagHasDpBankSel)).To(BeFalse())

	v = parseVersionFlags(2, 37)
	g.Expect(v.flags.Get(flagHasApInit)).To(BeTrue())
	g.Expect(v.flags.Get(flagHasDpBankSel)).To(BeTrue())

	v = parseVersionFlags(3, 1)
	g.Expect(v.jtagApi).To(Equal(jTagApiV3))
	g.Expect(v.flags.Get(flagHasTargetVolt)).To(BeTrue())
	g.Expect(v.flags.Get(flagHasApInit)).To(BeTrue())
	g.Expect(v.flags.Get(flagHasDpBankSel)).To(BeFalse())

	v = parseVersionFlags(3, 2)
	g.Expect(v.flags.Get(flagHasDpBankSel)).To(BeTrue())
}

func TestStLinkVersionString(t *testing.T) {
	g := NewWithT(t)

	v := parseVersionFlags(2, 37)
	g.Expect(v.String()).To(Equal("V2J37"))

	v.msd = 26
	g.Expect(v.String()).To(Equal("V2J37M26"))

	v = parseVersionFlags(3, 7)
	v.bridge = 3
	g.Expect(v.String()).To(Equal("V3J7B3"))
}
