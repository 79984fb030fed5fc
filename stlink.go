// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

// this code is mainly inspired and based on the openocd project source code
// for detailed information see

// https://sourceforge.net/p/openocd/code

package rp2flash

import (
	"time"

	"github.com/boljen/go-bitmap"
	"github.com/google/gousb"
	"github.com/pkg/errors"
)

const (
	AllSupportedVIds = 0xFFFF
	AllSupportedPIds = 0xFFFF
)

var (
	supportedVIds = []gousb.ID{stLinkVid}
	supportedPIds = []gousb.ID{stLinkV1Pid, stLinkV2Pid, stLinkV21Pid, stLinkV21NoMsdPid,
		stLinkV3UsbLoaderPid, stLinkV3EPid, stLinkV3SPid, stLinkV32VcpPid}
)

type StLinkInterfaceConfig struct {
	vid               gousb.ID
	pid               gousb.ID
	serial            string
	initialSpeed      uint32
	connectUnderReset bool
}

func NewStLinkConfig(vid gousb.ID, pid gousb.ID, serial string, initialSpeed uint32,
	connectUnderReset bool) *StLinkInterfaceConfig {

	return &StLinkInterfaceConfig{
		vid:               vid,
		pid:               pid,
		serial:            serial,
		initialSpeed:      initialSpeed,
		connectUnderReset: connectUnderReset,
	}
}

// StLink is an opened ST-Link adapter in SWD mode. Its calls block and must
// not be used from more than one goroutine at a time.
type StLink struct {
	libUsbDevice *gousb.Device
	usbConfig    *gousb.Config
	usbInterface *gousb.Interface

	rxEndpoint *gousb.InEndpoint
	txEndpoint *gousb.OutEndpoint

	version StLinkVersion

	vid gousb.ID
	pid gousb.ID

	openedAp bitmap.Bitmap
}

func NewStLink(config *StLinkInterfaceConfig) (*StLink, error) {
	vids, pids := supportedVIds, supportedPIds

	if config.vid != AllSupportedVIds {
		vids = []gousb.ID{config.vid}
	}

	if config.pid != AllSupportedPIds {
		pids = []gousb.ID{config.pid}
	}

	devices, err := usbFindDevices(vids, pids)
	if err != nil {
		return nil, err
	}

	handle := &StLink{
		openedAp: bitmap.New(debugAccessPortSelectionMaximum + 1),
	}

	handle.libUsbDevice, err = selectDevice(devices, config.serial)
	if err != nil {
		return nil, err
	}

	if err = handle.openInterface(); err != nil {
		handle.Close()
		return nil, err
	}

	if err = handle.usbParseVersion(); err != nil {
		handle.Close()
		return nil, err
	}

	if handle.version.jtagApi == jTagApiV1 {
		handle.Close()
		return nil, errors.New("SWD not supported by jtag api v1")
	}

	if !handle.version.flags.Get(flagHasDpBankSel) {
		logger.Warnf("st-link firmware %s has no banked DP register support, multi-drop SWD may fail",
			handle.version)
	}

	if err = handle.usbInitMode(config.connectUnderReset, config.initialSpeed); err != nil {
		handle.Close()
		return nil, err
	}

	if err = handle.usbOpenAccessPort(swdApSel); err != nil {
		handle.Close()
		return nil, err
	}

	return handle, nil
}

// selectDevice picks the adapter with the given serial number and closes all
// others.
func selectDevice(devices []*gousb.Device, serial string) (*gousb.Device, error) {
	var selected *gousb.Device

	if len(devices) == 0 {
		return nil, errors.New("could not find any ST-Link connected to computer")
	}

	if len(devices) == 1 && serial == "" {
		return devices[0], nil
	}

	if serial == "" {
		for _, dev := range devices {
			dev.Close()
		}

		return nil, errors.New("could not identity exact stlink by given parameters. (Perhaps a serial no is missing?)")
	}

	for _, dev := range devices {
		devSerialNo, _ := dev.SerialNumber()

		logger.Debugf("compare serial no %s with number %s", devSerialNo, serial)

		if selected == nil && devSerialNo == serial {
			selected = dev
			logger.Infof("found st link with serial number %s", devSerialNo)

			continue
		}

		dev.Close()
	}

	if selected == nil {
		return nil, errors.Errorf("could not find ST-Link with serial number %s", serial)
	}

	return selected, nil
}

func (h *StLink) openInterface() error {
	var err error

	h.usbConfig, err = h.libUsbDevice.Config(usbConfigurationNo)
	if err != nil {
		return errors.Wrapf(err, "could not request configuration #%d for st-link debugger", usbConfigurationNo)
	}

	h.usbInterface, err = h.usbConfig.Interface(usbInterfaceNo, usbAlternateSetting)
	if err != nil {
		return errors.Wrapf(err, "could not claim interface %d,%d for st-link debugger",
			usbInterfaceNo, usbAlternateSetting)
	}

	txEndpointNo := usbTxEndpointNo

	switch h.libUsbDevice.Desc.Product {
	case stLinkV1Pid, stLinkV2Pid:

	case stLinkV21Pid, stLinkV21NoMsdPid, stLinkV3UsbLoaderPid, stLinkV3EPid, stLinkV3SPid, stLinkV32VcpPid:
		txEndpointNo = usbTxEndpointApi2v1

	default:
		logger.Infof("could not determine pid of debugger %04x, assuming ST-Link V2",
			uint16(h.libUsbDevice.Desc.Product))
	}

	h.rxEndpoint, err = h.usbInterface.InEndpoint(usbRxEndpointNo &^ usbEndpointIn)
	if err != nil {
		return errors.Wrap(err, "could not open rx endpoint")
	}

	h.txEndpoint, err = h.usbInterface.OutEndpoint(txEndpointNo)
	if err != nil {
		return errors.Wrap(err, "could not open tx endpoint")
	}

	return nil
}

func (h *StLink) Close() {
	if h.libUsbDevice == nil {
		return
	}

	logger.Debugf("close ST-Link device [%04x:%04x]", uint16(h.vid), uint16(h.pid))

	if h.usbInterface != nil {
		h.usbInterface.Close()
	}

	if h.usbConfig != nil {
		h.usbConfig.Close()
	}

	h.libUsbDevice.Close()
	h.libUsbDevice = nil
}

func (h *StLink) Version() string {
	return h.version.String()
}

func (h *StLink) GetTargetVoltage() (float32, error) {
	if !h.version.flags.Get(flagHasTargetVolt) {
		return -1.0, errors.New("device does not support voltage measurement")
	}

	ctx := h.initTransfer(transferIncoming)

	ctx.cmdByte(cmdGetTargetVoltage)

	if err := h.usbTransferNoErrCheck(ctx, 8); err != nil {
		return -1.0, err
	}

	adc0 := ctx.dataUint32(0)
	adc1 := ctx.dataUint32(4)

	var targetVoltage float32 = 0.0

	if adc0 > 0 {
		targetVoltage = 2 * (float32(adc1) * (1.2 / float32(adc0)))
	}

	logger.Debugf("target voltage: %f", targetVoltage)

	return targetVoltage, nil
}

// GetIdCode reads the DPIDR of the debug port.
func (h *StLink) GetIdCode() (uint32, error) {
	ctx := h.initTransfer(transferIncoming)

	ctx.cmdByte(cmdDebug, debugApiV2ReadIdCodes)

	if err := h.usbTransferErrCheck(ctx, 12); err != nil {
		return 0, err
	}

	return ctx.dataUint32(4), nil
}

// ReadDebug32 reads one word of the target bus.
func (h *StLink) ReadDebug32(addr uint32) (uint32, error) {
	if addr%4 != 0 {
		return 0, newUsbError("unaligned debug register read", usbErrorTargetUnalignedAccess)
	}

	ctx := h.initTransfer(transferIncoming)

	ctx.cmdByte(cmdDebug, debugApiV2ReadDebug32)
	ctx.cmdUint32(addr)

	if err := h.usbTransferErrCheck(ctx, 8); err != nil {
		return 0, err
	}

	return ctx.dataUint32(4), nil
}

// WriteDebug32 writes one word of the target bus.
func (h *StLink) WriteDebug32(addr uint32, value uint32) error {
	if addr%4 != 0 {
		return newUsbError("unaligned debug register write", usbErrorTargetUnalignedAccess)
	}

	ctx := h.initTransfer(transferIncoming)

	ctx.cmdByte(cmdDebug, debugApiV2WriteDebug32)
	ctx.cmdUint32(addr)
	ctx.cmdUint32(value)

	return h.usbTransferErrCheck(ctx, 2)
}

// ReadMemory reads len(buffer) bytes of target memory starting at addr.
// Address and length have to be word aligned.
func (h *StLink) ReadMemory(addr uint32, buffer []byte) error {
	if addr%4 != 0 || len(buffer)%4 != 0 {
		return newUsbError("invalid data alignment", usbErrorTargetUnalignedAccess)
	}

	retries := 0

	for pos := 0; pos < len(buffer); {
		// TAR autoincrement wraps at the packet boundary
		chunk := int(alignDown(addr, memPacketSize) + memPacketSize - addr)
		if chunk > len(buffer)-pos {
			chunk = len(buffer) - pos
		}

		err := h.usbReadMem32(addr, buffer[pos:pos+chunk])

		if isUsbWait(err) && retries < maximumWaitRetries {
			time.Sleep(time.Duration(1<<retries) * time.Millisecond)
			retries++

			continue
		}

		if err != nil {
			return err
		}

		retries = 0
		pos += chunk
		addr += uint32(chunk)
	}

	return nil
}

func (h *StLink) usbReadMem32(addr uint32, buffer []byte) error {
	ctx := h.initTransfer(transferIncoming)

	ctx.cmdByte(cmdDebug, debugReadMem32Bit)
	ctx.cmdUint32(addr)
	ctx.cmdUint16(uint16(len(buffer)))

	if err := h.usbTransferNoErrCheck(ctx, uint32(len(buffer))); err != nil {
		return err
	}

	copy(buffer, ctx.data)

	return h.usbGetReadWriteStatus()
}
