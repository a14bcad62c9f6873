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

	"kcore.dev/kcore/pkg/hart"
)

// SleepLock is a long-term lock: a caller that finds it held is parked until
// it is released. SleepLocks may be held across device I/O.
//
// The zero value is an unlocked, unnamed lock.
type SleepLock struct {
	name string

	// mu protects the fields below and backs cond.
	mu     Mutex
	cond   *Cond
	locked bool

	// holder is the hart.Holder identity of the owner.
	holder int64
}

// Init names the lock.
func (l *SleepLock) Init(name string) {
	l.name = name
}

// Lock acquires l, parking until it is available. Parking with a spin lock
// held would leave interrupts off on a hart that gives up its core, so it is
// fatal.
func (l *SleepLock) Lock(ctx context.Context) {
	if h := hart.FromContext(ctx); h.Depth() > 0 {
		panic(fmt.Sprintf("acquiresleep %q: %v holds %d spin locks", l.name, h, h.Depth()))
	}
	id := hart.Holder(ctx)
	l.mu.Lock()
	if l.cond == nil {
		l.cond = NewCond(&l.mu)
	}
	for l.locked {
		l.cond.Wait()
	}
	l.locked = true
	l.holder = id
	l.mu.Unlock()
}

// Unlock releases l, which must be held by the caller.
func (l *SleepLock) Unlock(ctx context.Context) {
	id := hart.Holder(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.locked || l.holder != id {
		panic(fmt.Sprintf("releasesleep %q: not held", l.name))
	}
	l.locked = false
	l.holder = 0
	if l.cond != nil {
		l.cond.Signal()
	}
}

// Holding returns true if the caller holds l.
func (l *SleepLock) Holding(ctx context.Context) bool {
	id := hart.Holder(ctx)
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked && l.holder == id
}
