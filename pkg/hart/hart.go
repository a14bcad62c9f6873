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

// Package hart models the hardware threads that kernel code runs on.
//
// Every piece of kernel code runs on exactly one hart, which it finds in its
// context.Context. A hart tracks whether interrupts are enabled and how deeply
// nested its interrupt-disabling critical sections are; spin locks use this to
// detect re-acquisition, and sleep locks use it to refuse to park while a spin
// lock is held.
//
// A Hart must be used by at most one goroutine at a time, in the same way
// that a physical core runs a single thread at a time.
package hart

import (
	"fmt"
)

// Hart is a single hardware thread.
type Hart struct {
	id int

	// noff is the depth of PushOff nesting.
	noff int

	// intena records whether interrupts were enabled before the outermost
	// PushOff.
	intena bool

	// intr is the current interrupt enable bit.
	intr bool
}

// New returns a hart with interrupts enabled.
func New(id int) *Hart {
	return &Hart{id: id, intr: true}
}

// ID returns the hart's index.
func (h *Hart) ID() int {
	return h.id
}

// String implements fmt.Stringer.
func (h *Hart) String() string {
	return fmt.Sprintf("hart%d", h.id)
}

// InterruptsEnabled returns the current interrupt enable bit.
func (h *Hart) InterruptsEnabled() bool {
	return h.intr
}

// EnableInterrupts turns interrupts on. It is fatal inside a PushOff section.
func (h *Hart) EnableInterrupts() {
	if h.noff > 0 {
		panic(fmt.Sprintf("%v: enabling interrupts with %d spin locks held", h, h.noff))
	}
	h.intr = true
}

// DisableInterrupts turns interrupts off without affecting nesting.
func (h *Hart) DisableInterrupts() {
	h.intr = false
}

// Depth returns the number of outstanding PushOff calls. It is non-zero
// exactly when the hart holds at least one spin lock.
func (h *Hart) Depth() int {
	return h.noff
}

// PushOff disables interrupts. PushOff and PopOff are matched: it takes two
// PopOffs to undo two PushOffs, and if interrupts were off to begin with they
// stay off.
func (h *Hart) PushOff() {
	old := h.intr
	h.intr = false
	if h.noff == 0 {
		h.intena = old
	}
	h.noff++
}

// PopOff undoes one PushOff.
func (h *Hart) PopOff() {
	if h.intr {
		panic(fmt.Sprintf("%v: pop_off - interruptible", h))
	}
	if h.noff < 1 {
		panic(fmt.Sprintf("%v: pop_off", h))
	}
	h.noff--
	if h.noff == 0 && h.intena {
		h.intr = true
	}
}

// Set is the fixed collection of harts in a machine.
type Set struct {
	harts []*Hart
}

// NewSet creates n harts, numbered from 0.
func NewSet(n int) *Set {
	if n < 1 {
		panic(fmt.Sprintf("hart: invalid hart count %d", n))
	}
	s := &Set{harts: make([]*Hart, n)}
	for i := range s.harts {
		s.harts[i] = New(i)
	}
	return s
}

// Len returns the number of harts.
func (s *Set) Len() int {
	return len(s.harts)
}

// Get returns hart i.
func (s *Set) Get(i int) *Hart {
	return s.harts[i]
}
