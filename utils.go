// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"fmt"

	"github.com/google/gousb"
)

func idExists(slice []gousb.ID, item gousb.ID) bool {
	for _, id := range slice {
		if id == item {
			return true
		}
	}

	return false
}

func usbModeToString(mode byte) string {
	switch mode {
	case deviceModeDFU:
		return "dfu"
	case deviceModeMass:
		return "mass storage"
	case deviceModeDebug:
		return "debug"
	case deviceModeSwim:
		return "swim"
	case deviceModeBootloader:
		return "bootloader"
	default:
		return fmt.Sprintf("unknown mode 0x%02x", mode)
	}
}

func alignDown(value uint32, align uint32) uint32 {
	return value &^ (align - 1)
}
