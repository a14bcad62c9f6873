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

// Package ktime provides the kernel's notion of time: a tick counter advanced
// by the timer interrupt.
package ktime

import (
	"context"
	"time"

	"kcore.dev/kcore/pkg/hart"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/sync"
)

// Clock is a source of monotonically non-decreasing ticks.
type Clock interface {
	// Now returns the current tick.
	Now(ctx context.Context) uint64
}

// Ticks is the global tick counter. It is protected by its own spin lock, so
// reading it from inside another spin lock's critical section is allowed.
type Ticks struct {
	mu    sync.SpinLock
	ticks uint64
}

// NewTicks returns a counter at tick 0.
func NewTicks() *Ticks {
	t := &Ticks{}
	t.mu.Init("time")
	return t
}

// Tick advances the counter by one and returns the new value.
func (t *Ticks) Tick(ctx context.Context) uint64 {
	t.mu.Lock(ctx)
	t.ticks++
	now := t.ticks
	t.mu.Unlock(ctx)
	return now
}

// Now implements Clock.Now.
func (t *Ticks) Now(ctx context.Context) uint64 {
	t.mu.Lock(ctx)
	now := t.ticks
	t.mu.Unlock(ctx)
	return now
}

// Ticker advances a Ticks from a host timer, standing in for the timer
// interrupt. It runs on a hart of its own.
type Ticker struct {
	ticks *Ticks
	stop  chan struct{}
	done  chan struct{}
}

// StartTicker starts advancing ticks every interval on h.
func StartTicker(h *hart.Hart, ticks *Ticks, interval time.Duration) *Ticker {
	t := &Ticker{
		ticks: ticks,
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	ctx := hart.WithHart(context.Background(), h)
	go func() {
		defer close(t.done)
		timer := time.NewTicker(interval)
		defer timer.Stop()
		log.Debugf("Timer started on %v, interval %v", h, interval)
		for {
			select {
			case <-timer.C:
				t.ticks.Tick(ctx)
			case <-t.stop:
				log.Debugf("Timer stopped at tick %d", t.ticks.Now(ctx))
				return
			}
		}
	}()
	return t
}

// Stop stops the ticker and waits for it to exit.
func (t *Ticker) Stop() {
	close(t.stop)
	<-t.done
}
