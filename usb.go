// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"github.com/google/gousb"
	"github.com/pkg/errors"
)

var usbContext *gousb.Context = nil

// InitializeUSB creates the libusb context shared by all ST-Link handles.
func InitializeUSB() error {
	if usbContext != nil {
		logger.Warn("USB already initialized")
		return nil
	}

	usbContext = gousb.NewContext()

	if usbContext == nil {
		return errors.New("could not initialize libusb")
	}

	logger.Debug("initialized libusb")

	return nil
}

func CloseUSB() {
	if usbContext == nil {
		logger.Warn("could not close uninitialized usb context")
		return
	}

	usbContext.Close()
	usbContext = nil
}

func usbFindDevices(vids []gousb.ID, pids []gousb.ID) ([]*gousb.Device, error) {
	if usbContext == nil {
		return nil, errors.New("usb not initialized")
	}

	devices, err := usbContext.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if idExists(vids, desc.Vendor) && idExists(pids, desc.Product) {
			logger.Debugf("found USB device [%04x:%04x] on bus %03d:%03d",
				uint16(desc.Vendor), uint16(desc.Product), desc.Bus, desc.Address)

			return true
		}

		return false
	})

	if err != nil {
		// OpenDevices reports the devices it could open together with the
		// error of the ones it could not
		for _, d := range devices {
			d.Close()
		}

		return nil, errors.Wrap(err, "usb device scan")
	}

	logger.Debugf("found %d matching devices based on vendor and product id list", len(devices))

	return devices, nil
}

func usbWrite(endpoint *gousb.OutEndpoint, buffer []byte) (int, error) {
	written, err := endpoint.Write(buffer)

	if err != nil {
		return -1, errors.Wrap(err, "usb write")
	}

	logger.Tracef("wrote %d bytes to endpoint", written)

	return written, nil
}

func usbRead(endpoint *gousb.InEndpoint, buffer []byte) (int, error) {
	read, err := endpoint.Read(buffer)

	if err != nil {
		return -1, errors.Wrap(err, "usb read")
	}

	logger.Tracef("read %d bytes from endpoint", read)

	return read, nil
}
