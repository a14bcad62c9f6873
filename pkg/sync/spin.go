// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sync

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"kcore.dev/kcore/pkg/hart"
)

// SpinLock is a mutual exclusion lock that never parks its caller. Holding a
// SpinLock disables interrupts on the holding hart, so a SpinLock must never
// be held across anything that may sleep.
//
// The zero value is an unlocked, unnamed lock.
type SpinLock struct {
	// name is used in diagnostics only.
	name string

	locked atomic.Bool

	// holder is the hart holding the lock. It is only meaningful to the hart
	// that stored it.
	holder atomic.Pointer[hart.Hart]
}

// Init names the lock.
func (l *SpinLock) Init(name string) {
	l.name = name
}

// Name returns the lock's name.
func (l *SpinLock) Name() string {
	return l.name
}

// Lock acquires l, spinning until it is available.
func (l *SpinLock) Lock(ctx context.Context) {
	h := hart.FromContext(ctx)
	// Disable interrupts first to avoid deadlock with an interrupt handler
	// taking the same lock.
	h.PushOff()
	if l.holder.Load() == h {
		panic(fmt.Sprintf("acquire %q: already held by %v", l.name, h))
	}
	for !l.locked.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
	l.holder.Store(h)
}

// TryLock acquires l if it is free.
func (l *SpinLock) TryLock(ctx context.Context) bool {
	h := hart.FromContext(ctx)
	h.PushOff()
	if l.holder.Load() == h {
		panic(fmt.Sprintf("acquire %q: already held by %v", l.name, h))
	}
	if !l.locked.CompareAndSwap(false, true) {
		h.PopOff()
		return false
	}
	l.holder.Store(h)
	return true
}

// Unlock releases l, which must be held by the calling hart.
func (l *SpinLock) Unlock(ctx context.Context) {
	h := hart.FromContext(ctx)
	if l.holder.Load() != h {
		panic(fmt.Sprintf("release %q: not held by %v", l.name, h))
	}
	l.holder.Store(nil)
	l.locked.Store(false)
	h.PopOff()
}

// Holding returns true if the calling hart holds l.
func (l *SpinLock) Holding(ctx context.Context) bool {
	return l.locked.Load() && l.holder.Load() == hart.FromContext(ctx)
}
