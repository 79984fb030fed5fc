// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"errors"
	"fmt"
)

type ErrorCode int

const (
	ErrorOK               ErrorCode = 0
	ErrorFail             ErrorCode = -2
	ErrorInvalidParameter ErrorCode = -3
	ErrorWrongValue       ErrorCode = -4
	ErrorTargetError      ErrorCode = -5
	ErrorWrongState       ErrorCode = -6
	ErrorActionNull       ErrorCode = -7
	ErrorTooLong          ErrorCode = -8
	ErrorTimeout          ErrorCode = -9
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorOK:
		return "ok"
	case ErrorFail:
		return "failed"
	case ErrorInvalidParameter:
		return "invalid parameter"
	case ErrorWrongValue:
		return "wrong value"
	case ErrorTargetError:
		return "target error"
	case ErrorWrongState:
		return "wrong state"
	case ErrorActionNull:
		return "action state missing"
	case ErrorTooLong:
		return "too long"
	case ErrorTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("error code %d", int(c))
	}
}

// FlashError is returned by the flash engine, driver, write buffer and the
// reply handlers. The code tells the caller which class of failure occurred.
type FlashError struct {
	errorString string
	Code        ErrorCode
}

func (e *FlashError) Error() string {
	return e.errorString
}

func newFlashError(code ErrorCode, format string, args ...interface{}) error {
	return &FlashError{fmt.Sprintf(format, args...), code}
}

// CodeOf extracts the error code of err. Errors that did not originate in
// this library (transport failures, context cancellation) report ErrorFail.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrorOK
	}

	var flashErr *FlashError

	if errors.As(err, &flashErr) {
		return flashErr.Code
	}

	return ErrorFail
}

type usbErrorCode int

const (
	usbErrorOK                    usbErrorCode = 0
	usbErrorWait                  usbErrorCode = -1
	usbErrorFail                  usbErrorCode = -2
	usbErrorTargetUnalignedAccess usbErrorCode = -3
)

// usbError is a failure reported by the ST-Link adapter itself.
type usbError struct {
	errorString  string
	UsbErrorCode usbErrorCode
}

func (e *usbError) Error() string {
	return e.errorString
}

func newUsbError(msg string, code usbErrorCode) error {
	return &usbError{msg, code}
}

func isUsbWait(err error) bool {
	var uErr *usbError

	return errors.As(err, &uErr) && uErr.UsbErrorCode == usbErrorWait
}

/**
  Converts an ST-Link status code held in the first byte of a response
  to a library error.
*/
func usbErrorCheck(status byte) error {
	switch status {
	case debugErrorOk:
		return nil

	case debugErrorFault:
		return newUsbError(fmt.Sprintf("SWD fault response (0x%x)", debugErrorFault), usbErrorFail)

	case swdAccessPortWait:
		return newUsbError(fmt.Sprintf("wait status SWD_AP_WAIT (0x%x)", swdAccessPortWait), usbErrorWait)

	case swdDebugPortWait:
		return newUsbError(fmt.Sprintf("wait status SWD_DP_WAIT (0x%x)", swdDebugPortWait), usbErrorWait)

	case jTagWriteError:
		return newUsbError("write error", usbErrorFail)

	case jTagWriteVerifyError:
		logger.Debug("write verify error, ignoring")
		return nil

	case swdAccessPortFault:
		return newUsbError("SWD_AP_FAULT", usbErrorFail)

	case swdAccessPortError:
		return newUsbError("SWD_AP_ERROR", usbErrorFail)

	case swdAccessPortParityError:
		return newUsbError("SWD_AP_PARITY_ERROR", usbErrorFail)

	case swdDebugPortFault:
		return newUsbError("SWD_DP_FAULT", usbErrorFail)

	case swdDebugPortError:
		return newUsbError("SWD_DP_ERROR", usbErrorFail)

	case swdDebugPortParityError:
		return newUsbError("SWD_DP_PARITY_ERROR", usbErrorFail)

	case swdAccessPortWDataError:
		return newUsbError("SWD_AP_WDATA_ERROR", usbErrorFail)

	case swdAccessPortStickyError:
		return newUsbError("SWD_AP_STICKY_ERROR", usbErrorFail)

	case swdAccessPortStickOrRunError:
		return newUsbError("SWD_AP_STICKYORUN_ERROR", usbErrorFail)

	case badAccessPortError:
		return newUsbError("BAD_AP_ERROR", usbErrorFail)

	default:
		return newUsbError(fmt.Sprintf("unknown/unexpected ST-Link status code 0x%x", status), usbErrorFail)
	}
}
