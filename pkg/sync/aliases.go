// Copyright 2020 The gVisor Authors.
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd.

// Package sync provides the kernel's two lock classes, SpinLock and
// SleepLock, along with aliases of the standard library primitives used by
// code that does not run on a hart.
package sync

import (
	"sync"
)

// Aliases of standard library types.
type (
	// Mutex is an alias of sync.Mutex.
	Mutex = sync.Mutex

	// Cond is an alias of sync.Cond.
	Cond = sync.Cond

	// Locker is an alias of sync.Locker.
	Locker = sync.Locker

	// Once is an alias of sync.Once.
	Once = sync.Once

	// WaitGroup is an alias of sync.WaitGroup.
	WaitGroup = sync.WaitGroup
)

// NewCond is a wrapper around sync.NewCond.
func NewCond(l Locker) *Cond {
	return sync.NewCond(l)
}
