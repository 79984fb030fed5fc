// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// this code is mainly inspired and based on the openocd project source code
// for detailed information see

// https://sourceforge.net/p/openocd/code

package rp2flash

import (
	"math"

	"github.com/pkg/errors"
)

type speedMap struct {
	speed        uint32
	speedDivisor uint32
}

var swdKHzToSpeedMap = []speedMap{
	{4000, 0},
	{1800, 1}, /* default */
	{1200, 2},
	{950, 3},
	{480, 7},
	{240, 15},
	{125, 31},
	{100, 40},
	{50, 79},
	{25, 158},
	{15, 265},
	{5, 798},
}

// matchSpeedMap returns the index of the fastest entry not faster than khz,
// or the slowest entry if all are faster. With query set an inexact match is
// an error.
func matchSpeedMap(smap []speedMap, khz uint32, query bool) (int, error) {
	lastValid := -1
	index := -1
	diff := uint32(math.MaxUint32)

	for i, s := range smap {
		if s.speed == 0 {
			continue
		}

		lastValid = i

		if khz == s.speed {
			return i, nil
		}

		if khz > s.speed && khz-s.speed < diff {
			diff = khz - s.speed
			index = i
		}
	}

	if lastValid == -1 {
		return -1, errors.New("empty speed map")
	}

	if index == -1 {
		index = lastValid
	}

	if query {
		return index, errors.Errorf("unable to match requested speed %d kHz, using %d kHz",
			khz, smap[index].speed)
	}

	return index, nil
}

// SetSpeed sets the SWD clock to the fastest supported frequency not above
// khz and returns it.
func (h *StLink) SetSpeed(khz uint32, query bool) (uint32, error) {
	if h.version.jtagApi == jTagApiV3 {
		return h.setSpeedV3(khz, query)
	}

	return h.setSpeedSwd(khz, query)
}

func (h *StLink) setSpeedSwd(khz uint32, query bool) (uint32, error) {
	/* old firmware cannot change it */
	if !h.version.flags.Get(flagHasSwdSetFreq) {
		return khz, errors.New("the attached ST-Link cannot change the SWD clock")
	}

	index, err := matchSpeedMap(swdKHzToSpeedMap, khz, query)
	if err != nil && query {
		return khz, err
	}

	if err := h.usbSetSwdClk(uint16(swdKHzToSpeedMap[index].speedDivisor)); err != nil {
		return khz, errors.Wrap(err, "unable to set adapter speed")
	}

	return swdKHzToSpeedMap[index].speed, nil
}

func (h *StLink) setSpeedV3(khz uint32, query bool) (uint32, error) {
	smap, err := h.usbGetComFreq()
	if err != nil {
		return khz, errors.Wrap(err, "unable to retrieve adapter speed map")
	}

	index, err := matchSpeedMap(smap, khz, query)
	if err != nil && query {
		return khz, err
	}

	if err := h.usbSetComFreq(smap[index].speed); err != nil {
		return khz, errors.Wrap(err, "unable to set adapter speed")
	}

	return smap[index].speed, nil
}

func (h *StLink) usbSetSwdClk(divisor uint16) error {
	ctx := h.initTransfer(transferIncoming)

	ctx.cmdByte(cmdDebug, debugApiV2SwdSetFreq)
	ctx.cmdUint16(divisor)

	return h.usbCmdAllowRetry(ctx, 2)
}

func (h *StLink) usbGetComFreq() ([]speedMap, error) {
	ctx := h.initTransfer(transferIncoming)

	// 0 selects the SWD frequencies
	ctx.cmdByte(cmdDebug, debugApiV3GetComFreq, 0)

	if err := h.usbTransferErrCheck(ctx, 52); err != nil {
		return nil, err
	}

	size := int(ctx.data[8])
	if size > v3MaxFreqNb {
		size = v3MaxFreqNb
	}

	smap := make([]speedMap, size)

	for i := range smap {
		smap[i].speed = ctx.dataUint32(12 + 4*i)
		smap[i].speedDivisor = uint32(i)
	}

	return smap, nil
}

func (h *StLink) usbSetComFreq(khz uint32) error {
	ctx := h.initTransfer(transferIncoming)

	ctx.cmdByte(cmdDebug, debugApiV3SetComFreq, 0, 0)
	ctx.cmdUint32(khz)

	return h.usbCmdAllowRetry(ctx, 8)
}
