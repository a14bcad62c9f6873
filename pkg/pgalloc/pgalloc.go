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

// Package pgalloc allocates physical frames.
//
// Every hart owns a free list protected by its own spin lock, so that harts
// allocating in parallel do not contend. A hart whose list is empty steals a
// frame from the other harts' lists, visiting them in round-robin order
// starting after itself. Freed frames go to the freeing hart's list, so frames
// drift between lists over time.
//
// Frames are scrubbed with junk on every transition: freed frames are filled
// with freeJunk and allocated frames with allocJunk, so that code relying on
// stale or uninitialized contents fails quickly.
package pgalloc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"kcore.dev/kcore/pkg/hart"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/metric"
	"kcore.dev/kcore/pkg/physmem"
	"kcore.dev/kcore/pkg/riscv"
	"kcore.dev/kcore/pkg/sync"
)

const (
	// freeJunk fills freed frames, to catch dangling references.
	freeJunk byte = 1

	// allocJunk fills newly allocated frames.
	allocJunk byte = 5

	// noFrame terminates a free list.
	noFrame int32 = -1
)

var (
	allocatedFrames = metric.MustCreateNewUint64Metric("/pgalloc/allocated", false /* sync */, "Number of frames allocated.")
	freedFrames     = metric.MustCreateNewUint64Metric("/pgalloc/freed", false /* sync */, "Number of frames freed.")
	stolenFrames    = metric.MustCreateNewUint64Metric("/pgalloc/stolen", false /* sync */, "Number of frames allocated from another hart's free list.")
	exhaustedAllocs = metric.MustCreateNewUint64Metric("/pgalloc/exhausted", false /* sync */, "Number of allocations that failed because every free list was empty.")
)

// frameState is the ownership state of a frame.
type frameState = uint32

const (
	// frameReserved frames belong to the kernel image and are never
	// allocated.
	frameReserved frameState = iota

	// frameFree frames are on exactly one free list.
	frameFree

	// frameAllocated frames are owned by exactly one caller.
	frameAllocated
)

// frame is the descriptor of one physical frame.
type frame struct {
	// state is a frameState, updated atomically so that a double free is
	// detected even when both frees race.
	state atomic.Uint32

	// next is the index of the next frame on the same free list, or
	// noFrame. It is protected by the lock of the list the frame is on.
	next int32
}

// freeList is one hart's list of free frames.
type freeList struct {
	mu sync.SpinLock

	// head is the index of the first free frame, or noFrame.
	head int32

	// count is the length of the list.
	count int
}

// Stats are the allocator's counters.
type Stats struct {
	Allocated uint64
	Freed     uint64
	Stolen    uint64
	Exhausted uint64
}

// Allocator is the physical frame allocator.
type Allocator struct {
	mem *physmem.Memory

	// first is the first allocatable frame: the kernel image end rounded up.
	first riscv.Addr

	// frames describes every frame of RAM, indexed by frame number relative
	// to mem.Base().
	frames []frame

	// lists has one free list per hart.
	lists []freeList

	// warn rate-limits exhaustion warnings.
	warn log.Logger

	allocated atomic.Uint64
	freed     atomic.Uint64
	stolen    atomic.Uint64
	exhausted atomic.Uint64
}

// New returns an allocator for mem with one free list per hart. All frames
// start out owned by the caller; Init hands them to the allocator.
func New(mem *physmem.Memory, harts int) *Allocator {
	if harts < 1 {
		panic(fmt.Sprintf("pgalloc: invalid hart count %d", harts))
	}
	a := &Allocator{
		mem:    mem,
		first:  mem.KernelEnd().MustRoundUp(),
		frames: make([]frame, mem.Size()/riscv.PageSize),
		lists:  make([]freeList, harts),
		warn:   log.BasicRateLimitedLogger(time.Second),
	}
	for i := range a.lists {
		a.lists[i].mu.Init(fmt.Sprintf("kmem%d", i))
		a.lists[i].head = noFrame
	}
	for i := range a.frames {
		f := &a.frames[i]
		f.next = noFrame
		if a.paOf(int32(i)) < uint64(a.first) {
			f.state.Store(frameReserved)
		} else {
			f.state.Store(frameAllocated)
		}
	}
	return a
}

// Init frees every frame between the end of the kernel image and the top of
// RAM onto the calling hart's list.
func (a *Allocator) Init(ctx context.Context) {
	for pa := uint64(a.first); pa+riscv.PageSize <= uint64(a.mem.Top()); pa += riscv.PageSize {
		a.Free(ctx, pa)
	}
	log.Infof("Frame allocator: %d frames in [%v, %v) on %d lists", a.TotalFrames(), a.first, a.mem.Top(), len(a.lists))
	// Boot frees are not interesting to the counters.
	a.freed.Store(0)
}

func (a *Allocator) indexOf(pa uint64) int32 {
	return int32((pa - uint64(a.mem.Base())) / riscv.PageSize)
}

func (a *Allocator) paOf(idx int32) uint64 {
	return uint64(a.mem.Base()) + uint64(idx)*riscv.PageSize
}

func (a *Allocator) listOf(ctx context.Context) int {
	h := hart.FromContext(ctx)
	if h.ID() < 0 || h.ID() >= len(a.lists) {
		panic(fmt.Sprintf("pgalloc: %v has no free list (%d lists)", h, len(a.lists)))
	}
	return h.ID()
}

// pop removes the head of l. Preconditions: l.mu is held.
func (a *Allocator) pop(l *freeList) int32 {
	idx := l.head
	if idx == noFrame {
		return noFrame
	}
	l.head = a.frames[idx].next
	a.frames[idx].next = noFrame
	l.count--
	return idx
}

// Allocate returns one frame filled with junk, or false if no frame is free
// on any hart. A failed allocation leaves every list unchanged. Allocate never
// blocks.
func (a *Allocator) Allocate(ctx context.Context) (uint64, bool) {
	self := a.listOf(ctx)
	l := &a.lists[self]
	l.mu.Lock(ctx)
	idx := a.pop(l)
	l.mu.Unlock(ctx)

	if idx == noFrame {
		idx = a.steal(ctx, self)
	}
	if idx == noFrame {
		a.exhausted.Add(1)
		exhaustedAllocs.Increment()
		a.warn.Warningf("Out of physical frames (hart%d)", self)
		return 0, false
	}

	if !a.frames[idx].state.CompareAndSwap(frameFree, frameAllocated) {
		panic(fmt.Sprintf("kalloc: frame %#x on a free list is not free", a.paOf(idx)))
	}
	pa := a.paOf(idx)
	a.mem.Fill(pa, allocJunk)
	a.allocated.Add(1)
	allocatedFrames.Increment()
	return pa, true
}

// steal pops a frame from another hart's list, visiting lists round-robin
// from self+1. Contended lists are skipped on the first pass and locked on the
// second, so a frame is found whenever any list has one. Only one list lock is
// held at a time.
func (a *Allocator) steal(ctx context.Context, self int) int32 {
	n := len(a.lists)
	var busy []int
	for i := 1; i < n; i++ {
		victim := (self + i) % n
		vl := &a.lists[victim]
		if !vl.mu.TryLock(ctx) {
			busy = append(busy, victim)
			continue
		}
		idx := a.pop(vl)
		vl.mu.Unlock(ctx)
		if idx != noFrame {
			a.noteSteal(self, victim, idx)
			return idx
		}
	}
	for _, victim := range busy {
		vl := &a.lists[victim]
		vl.mu.Lock(ctx)
		idx := a.pop(vl)
		vl.mu.Unlock(ctx)
		if idx != noFrame {
			a.noteSteal(self, victim, idx)
			return idx
		}
	}
	return noFrame
}

func (a *Allocator) noteSteal(self, victim int, idx int32) {
	a.stolen.Add(1)
	stolenFrames.Increment()
	if log.IsLogging(log.Debug) {
		log.Debugf("hart%d stole frame %#x from hart%d", self, a.paOf(idx), victim)
	}
}

// AllocateZeroed is Allocate followed by clearing the frame.
func (a *Allocator) AllocateZeroed(ctx context.Context) (uint64, bool) {
	pa, ok := a.Allocate(ctx)
	if ok {
		a.mem.Zero(pa)
	}
	return pa, ok
}

// Free returns the frame at pa to the calling hart's list.
//
// Freeing a misaligned address, an address in the kernel image or outside
// RAM, or a frame that is not allocated is fatal.
func (a *Allocator) Free(ctx context.Context, pa uint64) {
	if pa%riscv.PageSize != 0 || pa < uint64(a.mem.KernelEnd()) || pa >= uint64(a.mem.Top()) {
		log.Panicf("kfree: bad frame address %#x", pa)
	}
	idx := a.indexOf(pa)
	if !a.frames[idx].state.CompareAndSwap(frameAllocated, frameFree) {
		log.Panicf("kfree: frame %#x is not allocated", pa)
	}
	a.mem.Fill(pa, freeJunk)

	self := a.listOf(ctx)
	l := &a.lists[self]
	l.mu.Lock(ctx)
	a.frames[idx].next = l.head
	l.head = idx
	l.count++
	l.mu.Unlock(ctx)

	a.freed.Add(1)
	freedFrames.Increment()
}

// IsFree returns true if the frame at pa is on a free list.
func (a *Allocator) IsFree(pa uint64) bool {
	if !a.mem.Contains(pa, riscv.PageSize) {
		return false
	}
	return a.frames[a.indexOf(pa)].state.Load() == frameFree
}

// TotalFrames returns the number of allocatable frames.
func (a *Allocator) TotalFrames() int {
	return int((uint64(a.mem.Top()) - uint64(a.first)) / riscv.PageSize)
}

// NumLists returns the number of free lists.
func (a *Allocator) NumLists() int {
	return len(a.lists)
}

// FreeCountOn returns the length of hart i's free list.
func (a *Allocator) FreeCountOn(ctx context.Context, i int) int {
	l := &a.lists[i]
	l.mu.Lock(ctx)
	defer l.mu.Unlock(ctx)
	return l.count
}

// FreeCount returns the number of free frames across all lists. The lists are
// sampled one at a time, so the result is only exact when the allocator is
// quiescent.
func (a *Allocator) FreeCount(ctx context.Context) int {
	total := 0
	for i := range a.lists {
		total += a.FreeCountOn(ctx, i)
	}
	return total
}

// Stats returns a snapshot of the allocator's counters.
func (a *Allocator) Stats() Stats {
	return Stats{
		Allocated: a.allocated.Load(),
		Freed:     a.freed.Load(),
		Stolen:    a.stolen.Load(),
		Exhausted: a.exhausted.Load(),
	}
}

// Memory returns the memory frames are allocated from.
func (a *Allocator) Memory() *physmem.Memory {
	return a.mem
}
