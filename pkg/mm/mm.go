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

// Package mm implements process address spaces.
//
// A MemoryManager owns a process's page table and its size, the end of the
// heap-like region starting at address 0. Pages below the size are allocated
// lazily on first touch unless they belong to a memory-mapped file, in which
// case the mapping supplies them.
package mm

import (
	"context"
	"fmt"

	"kcore.dev/kcore/pkg/cleanup"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/metric"
	"kcore.dev/kcore/pkg/mmap"
	"kcore.dev/kcore/pkg/pagetables"
	"kcore.dev/kcore/pkg/pgalloc"
	"kcore.dev/kcore/pkg/physmem"
	"kcore.dev/kcore/pkg/riscv"
	"kcore.dev/kcore/pkg/sync"
)

var zeroFaults = metric.MustCreateNewUint64Metric("/mm/faults_zero", false /* sync */, "Number of user pages allocated on first touch.")

// userPerm are the permissions of ordinary user memory.
var userPerm = pagetables.MapOpts{AccessType: riscv.AnyAccess, User: true}

// MemoryManager is a process's address space.
type MemoryManager struct {
	pid int32

	alloc *pgalloc.Allocator
	mem   *physmem.Memory
	mmaps *mmap.Table
	pt    *pagetables.PageTables

	// mu protects size.
	mu sync.SpinLock

	// size is the extent of user memory: every user address is below it.
	size uint64

	// faultMu serializes fault resolution.
	faultMu sync.Mutex
}

// New returns an empty address space for process pid, using the allocator and
// mapping table carried by ctx.
func New(ctx context.Context, pid int32) (*MemoryManager, error) {
	alloc := pgalloc.AllocatorFromContext(ctx)
	if alloc == nil {
		panic("mm: context does not carry a frame allocator")
	}
	pt, err := pagetables.New(ctx, alloc, alloc.Memory())
	if err != nil {
		return nil, err
	}
	mm := &MemoryManager{
		pid:   pid,
		alloc: alloc,
		mem:   alloc.Memory(),
		mmaps: mmap.TableFromContext(ctx),
		pt:    pt,
	}
	mm.mu.Init("mm")
	return mm, nil
}

// PID returns the owning process.
func (mm *MemoryManager) PID() int32 {
	return mm.pid
}

// PageTables returns the process's page table.
func (mm *MemoryManager) PageTables() *pagetables.PageTables {
	return mm.pt
}

// Size returns the extent of user memory.
func (mm *MemoryManager) Size(ctx context.Context) uint64 {
	mm.mu.Lock(ctx)
	defer mm.mu.Unlock(ctx)
	return mm.size
}

// String implements fmt.Stringer.
func (mm *MemoryManager) String() string {
	return fmt.Sprintf("mm(pid %d)", mm.pid)
}

// Reserve implements mmap.AddressSpace.Reserve. It extends the size by
// length bytes starting at the next page boundary, without backing them.
func (mm *MemoryManager) Reserve(ctx context.Context, length uint64) (riscv.Addr, error) {
	mm.mu.Lock(ctx)
	defer mm.mu.Unlock(ctx)
	base := riscv.PageRoundUp(mm.size)
	end := base + length
	if end < base || end > uint64(riscv.TrapFrame) {
		return 0, fmt.Errorf("reserving %d bytes at %#x: %w", length, base, linuxerr.ENOMEM)
	}
	mm.size = end
	return riscv.Addr(base), nil
}

// Grow allocates and maps zeroed pages to extend the size to newSize, which
// need not be page aligned. Shrinking is a no-op. If memory runs out, every
// page mapped by this call is freed and ENOMEM is returned.
func (mm *MemoryManager) Grow(ctx context.Context, newSize uint64) error {
	old := mm.Size(ctx)
	if newSize <= old {
		return nil
	}
	if newSize > uint64(riscv.TrapFrame) {
		return fmt.Errorf("growing to %#x: %w", newSize, linuxerr.ENOMEM)
	}
	start := riscv.Addr(riscv.PageRoundUp(old))
	a := start
	cu := cleanup.Make(func() {
		mm.pt.Unmap(ctx, start, uint64(a-start)/riscv.PageSize, true /* free */)
	})
	defer cu.Clean()
	for ; uint64(a) < newSize; a += riscv.PageSize {
		pa, ok := mm.alloc.AllocateZeroed(ctx)
		if !ok {
			return fmt.Errorf("growing to %#x: %w", newSize, linuxerr.ENOMEM)
		}
		if err := mm.pt.Map(ctx, a, riscv.PageSize, pa, userPerm); err != nil {
			mm.alloc.Free(ctx, pa)
			return err
		}
	}
	cu.Release()

	mm.mu.Lock(ctx)
	mm.size = newSize
	mm.mu.Unlock(ctx)
	return nil
}

// SetupStack grows the address space by a guard page and a stack page, as
// exec does, and returns the initial stack pointer at the top of the stack
// page. The guard page stays mapped but user accesses to it fault.
func (mm *MemoryManager) SetupStack(ctx context.Context) (riscv.Addr, error) {
	guard := riscv.PageRoundUp(mm.Size(ctx))
	top := guard + 2*riscv.PageSize
	if err := mm.Grow(ctx, top); err != nil {
		return 0, err
	}
	mm.pt.ClearUser(ctx, riscv.Addr(guard))
	return riscv.Addr(top), nil
}

// Shrink unmaps and frees the pages above newSize. Growing is a no-op.
func (mm *MemoryManager) Shrink(ctx context.Context, newSize uint64) {
	mm.mu.Lock(ctx)
	old := mm.size
	if newSize >= old {
		mm.mu.Unlock(ctx)
		return
	}
	mm.size = newSize
	mm.mu.Unlock(ctx)

	if from, to := riscv.PageRoundUp(newSize), riscv.PageRoundUp(old); from < to {
		mm.pt.Unmap(ctx, riscv.Addr(from), (to-from)/riscv.PageSize, true /* free */)
	}
}

// LoadInitCode maps code at address 0 of an empty address space, as for the
// first process. code must be smaller than a page.
func (mm *MemoryManager) LoadInitCode(ctx context.Context, code []byte) error {
	if len(code) >= riscv.PageSize {
		log.Panicf("mm: init code of %d bytes is more than a page", len(code))
	}
	pa, ok := mm.alloc.AllocateZeroed(ctx)
	if !ok {
		return fmt.Errorf("loading init code: %w", linuxerr.ENOMEM)
	}
	if err := mm.pt.Map(ctx, 0, riscv.PageSize, pa, userPerm); err != nil {
		mm.alloc.Free(ctx, pa)
		return err
	}
	copy(mm.mem.Page(pa), code)
	mm.mu.Lock(ctx)
	mm.size = riscv.PageSize
	mm.mu.Unlock(ctx)
	return nil
}

// Fork returns a copy of the address space for process childPID. Present
// pages are copied; mapped-file regions are shared with the parent's files.
// On failure the child is released completely.
func (mm *MemoryManager) Fork(ctx context.Context, childPID int32) (*MemoryManager, error) {
	child, err := New(ctx, childPID)
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { child.Release(ctx) })
	defer cu.Clean()

	size := mm.Size(ctx)
	if err := mm.pt.CopyTo(ctx, child.pt, size); err != nil {
		return nil, err
	}
	child.mu.Lock(ctx)
	child.size = size
	child.mu.Unlock(ctx)
	if mm.mmaps != nil {
		if err := mm.mmaps.Fork(ctx, mm.pid, childPID); err != nil {
			return nil, err
		}
	}
	cu.Release()
	log.Debugf("%v: forked %v with %#x bytes", mm, child, size)
	return child, nil
}

// Release unmaps every region, then frees all user memory and the page table.
// The MemoryManager must not be used afterwards.
func (mm *MemoryManager) Release(ctx context.Context) {
	if mm.mmaps != nil {
		mm.mmaps.UnmapAll(ctx, mm)
	}
	mm.pt.Release(ctx, mm.Size(ctx))
}
