// Copyright 2020 Sebastian Lehmann. All rights reserved.
// Use of this source code is governed by a GNU-style
// license that can be found in the LICENSE file.

package rp2flash

import (
	"github.com/sirupsen/logrus"
)

var (
	logger *logrus.Logger = nil
)

const MaxLogLevel = logrus.TraceLevel

func init() {
	logger = logrus.New()
	logger.SetLevel(logrus.InfoLevel)
}

// SetLogger replaces the library logger, e.g. with one carrying the
// prefixed formatter of the command line tools.
func SetLogger(loggerInstance *logrus.Logger) {
	if loggerInstance == nil {
		return
	}

	logger = loggerInstance
}

// Logger returns the logger currently used by the library.
func Logger() *logrus.Logger {
	return logger
}

func logRegisterWrite(addr uint32, value uint32) {
	if logger.IsLevelEnabled(logrus.TraceLevel) {
		logger.Tracef("[0x%08x] <- 0x%08x (%s)", addr, value, registerName(addr))
	}
}

func logRegisterRead(addr uint32, value uint32) {
	if logger.IsLevelEnabled(logrus.TraceLevel) {
		logger.Tracef("[0x%08x] -> 0x%08x (%s)", addr, value, registerName(addr))
	}
}
