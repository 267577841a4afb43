// Copyright (c) 2022 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package log is a small leveled logger used throughout the private-DNS
// core. It exists so every package (config, validate, dispatch, transports)
// traces through one gate instead of calling the standard library logger
// directly, and so the log level can be raised in production without a
// rebuild.
package log

import (
	"fmt"
	golog "log"
	"os"
	"sync/atomic"
)

type LogLevel int32

const (
	VVERBOSE LogLevel = iota
	VERBOSE
	DEBUG
	INFO
	WARN
	ERROR
	NONE
)

var level atomic.Int32

var (
	errLogger = golog.New(os.Stderr, "", golog.LstdFlags|golog.Lshortfile)
	outLogger = golog.New(os.Stdout, "", golog.LstdFlags|golog.Lshortfile)
)

func init() {
	level.Store(int32(INFO))
}

// SetLevel raises or lowers the verbosity gate for every package-level
// log function below.
func SetLevel(l LogLevel) {
	level.Store(int32(l))
}

func enabled(l LogLevel) bool {
	return LogLevel(level.Load()) <= l
}

const callerDepth = 3

func emit(out *golog.Logger, prefix, msg string, args ...any) {
	_ = out.Output(callerDepth, prefix+" "+fmt.Sprintf(msg, args...))
}

func VV(msg string, args ...any) {
	if enabled(VVERBOSE) {
		emit(outLogger, "VV", msg, args...)
	}
}

func V(msg string, args ...any) {
	if enabled(VERBOSE) {
		emit(outLogger, "V", msg, args...)
	}
}

func D(msg string, args ...any) {
	if enabled(DEBUG) {
		emit(outLogger, "D", msg, args...)
	}
}

func I(msg string, args ...any) {
	if enabled(INFO) {
		emit(outLogger, "I", msg, args...)
	}
}

func W(msg string, args ...any) {
	if enabled(WARN) {
		emit(errLogger, "W", msg, args...)
	}
}

func E(msg string, args ...any) {
	if enabled(ERROR) {
		emit(errLogger, "E", msg, args...)
	}
}
