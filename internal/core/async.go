// Copyright (c) 2024 RethinkDNS and its authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package core

import (
	"github.com/celzero/privatedns/internal/log"
)

// Go runs f in a goroutine and recovers from any panics, so that a bug in
// a validation probe or an observer callback cannot take the process down.
func Go(who string, f func()) {
	go func() {
		defer recoverAndLog(who)
		f()
	}()
}

// Go1 runs f(arg) in a goroutine and recovers from any panics.
func Go1[T any](who string, f func(T), arg T) {
	go func() {
		defer recoverAndLog(who)
		f(arg)
	}()
}

func recoverAndLog(who string) {
	if r := recover(); r != nil {
		log.E("core: recovered panic in %s: %v", who, r)
	}
}
