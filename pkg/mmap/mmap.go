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

// Package mmap implements demand-paged memory-mapped files.
//
// Regions live in a fixed-capacity Table shared by every process. Mapping a
// file only reserves address space; each page is materialized on its first
// fault by reading the file. Unmapping part of a shared, writable region
// writes the present pages back to the file first.
//
// The table's spin lock is never held across file I/O or page-table updates:
// each operation snapshots the region it works on, holding a file reference
// for as long as it uses the snapshot.
package mmap

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/metric"
	"kcore.dev/kcore/pkg/pagetables"
	"kcore.dev/kcore/pkg/pgalloc"
	"kcore.dev/kcore/pkg/riscv"
	"kcore.dev/kcore/pkg/sync"
	"kcore.dev/kcore/pkg/usermem"
	"kcore.dev/kcore/pkg/vfs"
)

// DefaultCapacity is the default number of region slots.
const DefaultCapacity = 16

var (
	faults     = metric.MustCreateNewUint64Metric("/mmap/faults", false /* sync */, "Number of mapped-file pages materialized by faults.")
	writebacks = metric.MustCreateNewUint64Metric("/mmap/writebacks", false /* sync */, "Number of mapped-file pages written back on unmap.")

	// activeRegions counts active regions across all tables.
	activeRegions atomic.Int64
)

func init() {
	metric.MustRegisterCustomUint64Metric("/mmap/regions", false /* cumulative */, false /* sync */, "Number of active mapped-file regions.", func() uint64 {
		return uint64(activeRegions.Load())
	})
}

// Prot is the access a mapping permits.
type Prot uint32

// Protection bits.
const (
	ProtRead  Prot = 0x1
	ProtWrite Prot = 0x2
	ProtExec  Prot = 0x4
)

// String implements fmt.Stringer.
func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Flags selects how modifications are shared.
type Flags uint32

// Mapping flags. Exactly one must be given.
const (
	MapShared  Flags = 0x01
	MapPrivate Flags = 0x02
)

// String implements fmt.Stringer.
func (f Flags) String() string {
	switch f {
	case MapShared:
		return "shared"
	case MapPrivate:
		return "private"
	default:
		return fmt.Sprintf("Flags(%#x)", uint32(f))
	}
}

// AddressSpace is a process's view of memory, as used by mappings.
type AddressSpace interface {
	usermem.IO

	// PID returns the owning process.
	PID() int32

	// PageTables returns the process's page table.
	PageTables() *pagetables.PageTables

	// Reserve sets aside length bytes of unbacked address space and returns
	// its page-aligned start.
	Reserve(ctx context.Context, length uint64) (riscv.Addr, error)
}

// Region is one mapping of a file.
type Region struct {
	// Base is the first mapped address. It advances when the front of the
	// region is unmapped.
	Base riscv.Addr

	// Length is the mapped length in bytes.
	Length uint64

	// OriginalBase is the address of file offset 0.
	OriginalBase riscv.Addr

	// File is the mapped file. The region holds a reference on it.
	File vfs.File

	Prot  Prot
	Flags Flags

	// PID is the owning process.
	PID int32
}

// End returns the address just past the region.
func (r *Region) End() riscv.Addr {
	return r.Base + riscv.Addr(r.Length)
}

// Contains returns true if va lies in the region.
func (r *Region) Contains(va riscv.Addr) bool {
	return r.Base <= va && va < r.End()
}

// String implements fmt.Stringer.
func (r *Region) String() string {
	return fmt.Sprintf("pid %d [%v, %v) %v %v", r.PID, r.Base, r.End(), r.Prot, r.Flags)
}

// Handle identifies a slot of the table.
type Handle int

type slot struct {
	active bool
	Region
}

// Table holds every region in the system.
type Table struct {
	// mu protects slots.
	mu    sync.SpinLock
	slots []slot

	// warn rate-limits writeback failure reports.
	warn log.Logger
}

// NewTable returns an empty table with capacity slots.
func NewTable(capacity int) *Table {
	if capacity < 1 {
		panic(fmt.Sprintf("mmap: invalid table capacity %d", capacity))
	}
	t := &Table{
		slots: make([]slot, capacity),
		warn:  log.BasicRateLimitedLogger(time.Second),
	}
	t.mu.Init("mmap")
	return t
}

// Capacity returns the number of slots.
func (t *Table) Capacity() int {
	return len(t.slots)
}

// freeSlotLocked returns the first unused slot, or -1.
//
// Preconditions: t.mu is held.
func (t *Table) freeSlotLocked() int {
	for i := range t.slots {
		if !t.slots[i].active {
			return i
		}
	}
	return -1
}

// installLocked activates slot i with r, which already holds its file
// reference.
//
// Preconditions: t.mu is held.
func (t *Table) installLocked(i int, r Region) {
	t.slots[i] = slot{active: true, Region: r}
	activeRegions.Add(1)
}

// clearLocked deactivates slot i and returns its file, whose reference the
// caller must drop once t.mu is released.
//
// Preconditions: t.mu is held.
func (t *Table) clearLocked(i int) vfs.File {
	f := t.slots[i].File
	t.slots[i] = slot{}
	activeRegions.Add(-1)
	return f
}

// findLocked returns the first active region of pid containing
// [addr, addr+length), or -1.
//
// Preconditions: t.mu is held.
func (t *Table) findLocked(pid int32, addr riscv.Addr, length uint64) int {
	end, ok := addr.AddLength(length)
	if !ok {
		return -1
	}
	for i := range t.slots {
		s := &t.slots[i]
		if s.active && s.PID == pid && s.Base <= addr && end <= s.End() {
			if length == 0 && !s.Contains(addr) {
				continue
			}
			return i
		}
	}
	return -1
}

// MMap maps length bytes of file into as. Nothing is read until the pages are
// touched. It returns the start of the mapping.
func (t *Table) MMap(ctx context.Context, as AddressSpace, length uint64, prot Prot, flags Flags, file vfs.File) (riscv.Addr, error) {
	if length == 0 {
		return 0, fmt.Errorf("mmap of zero bytes: %w", linuxerr.EINVAL)
	}
	if flags != MapShared && flags != MapPrivate {
		return 0, fmt.Errorf("mmap flags %v: %w", flags, linuxerr.EINVAL)
	}
	if !file.Readable() {
		return 0, fmt.Errorf("mmap of unreadable file: %w", linuxerr.EACCES)
	}
	if prot&ProtWrite != 0 && flags == MapShared && !file.Writable() {
		return 0, fmt.Errorf("shared writable mmap of read-only file: %w", linuxerr.EACCES)
	}

	t.mu.Lock(ctx)
	i := t.freeSlotLocked()
	if i < 0 {
		t.mu.Unlock(ctx)
		return 0, fmt.Errorf("no free mmap slot: %w", linuxerr.ENOMEM)
	}
	base, err := as.Reserve(ctx, length)
	if err != nil {
		t.mu.Unlock(ctx)
		return 0, err
	}
	file.IncRef()
	r := Region{
		Base:         base,
		Length:       length,
		OriginalBase: base,
		File:         file,
		Prot:         prot,
		Flags:        flags,
		PID:          as.PID(),
	}
	t.installLocked(i, r)
	t.mu.Unlock(ctx)

	log.Debugf("mmap: created region %d: %v", i, &r)
	return base, nil
}

// HandleFault materializes the page containing va if it lies in one of as's
// regions. It returns false if no region contains va.
//
// Preconditions: faults on as are serialized by the caller.
func (t *Table) HandleFault(ctx context.Context, as AddressSpace, va riscv.Addr) (bool, error) {
	t.mu.Lock(ctx)
	i := t.findLocked(as.PID(), va, 0)
	if i < 0 {
		t.mu.Unlock(ctx)
		return false, nil
	}
	r := t.slots[i].Region
	r.File.IncRef()
	t.mu.Unlock(ctx)
	defer r.File.DecRef(ctx)

	page := va.RoundDown()
	pt := as.PageTables()
	if pte, ok := pt.Walk(ctx, page, false /* alloc */); ok && pte.Valid() {
		// Already resolved.
		return true, nil
	}

	alloc := pgalloc.AllocatorFromContext(ctx)
	pa, ok := alloc.AllocateZeroed(ctx)
	if !ok {
		return true, fmt.Errorf("mmap fault at %v: %w", va, linuxerr.ENOMEM)
	}
	at := riscv.Read
	if r.Prot&ProtWrite != 0 {
		at.Write = true
	}
	if r.Prot&ProtExec != 0 {
		at.Execute = true
	}
	if err := pt.Map(ctx, page, riscv.PageSize, pa, pagetables.MapOpts{AccessType: at, User: true}); err != nil {
		alloc.Free(ctx, pa)
		return true, err
	}

	// Fill the part of the page inside the region. The rest stays zero, as
	// does anything beyond the end of the file.
	start := max(page, r.Base)
	end := min(page+riscv.PageSize, r.End())
	frame := &usermem.BytesIO{Bytes: alloc.Memory().Page(pa)}
	if _, err := r.File.PRead(ctx, frame, start-page, uint64(start-r.OriginalBase), int(end-start)); err != nil {
		pt.Unmap(ctx, page, 1, true /* free */)
		return true, fmt.Errorf("mmap fault at %v: reading file: %w", va, err)
	}
	faults.Increment()
	return true, nil
}

// MUnmap removes [addr, addr+length) from the region of as containing it.
//
// Present pages of a shared, writable region are written back first. Pages
// entirely inside the range are unmapped and freed; partially covered pages
// stay mapped. Unmapping the middle of a region splits it in two, which
// needs a free slot.
func (t *Table) MUnmap(ctx context.Context, as AddressSpace, addr riscv.Addr, length uint64) error {
	if length == 0 {
		return fmt.Errorf("munmap of zero bytes: %w", linuxerr.EINVAL)
	}
	end := addr + riscv.Addr(length)

	t.mu.Lock(ctx)
	i := t.findLocked(as.PID(), addr, length)
	if i < 0 {
		t.mu.Unlock(ctx)
		return fmt.Errorf("munmap of [%v, %v): no such mapping: %w", addr, end, linuxerr.EINVAL)
	}
	s := &t.slots[i]
	r := s.Region
	var closed vfs.File
	switch {
	case addr == r.Base && end == r.End():
		closed = t.clearLocked(i)
	case addr == r.Base:
		s.Base = end
		s.Length -= length
	case end == r.End():
		s.Length -= length
	default:
		j := t.freeSlotLocked()
		if j < 0 {
			t.mu.Unlock(ctx)
			return fmt.Errorf("munmap of [%v, %v) splits %v: no free slot: %w", addr, end, &r, linuxerr.ENOMEM)
		}
		tail := r
		tail.Base = end
		tail.Length = uint64(r.End() - end)
		tail.File.IncRef()
		s.Length = uint64(addr - r.Base)
		t.installLocked(j, tail)
	}
	// Keep the file alive for writeback even if the region is gone.
	r.File.IncRef()
	t.mu.Unlock(ctx)
	defer r.File.DecRef(ctx)
	if closed != nil {
		log.Debugf("mmap: destroyed region %d: %v", i, &r)
		defer closed.DecRef(ctx)
	}

	var err error
	if r.Flags == MapShared && r.Prot&ProtWrite != 0 {
		err = t.writeBack(ctx, as, &r, addr, end)
	}

	first := addr.MustRoundUp()
	last := end.RoundDown()
	if last > first {
		as.PageTables().Unmap(ctx, first, uint64(last-first)/riscv.PageSize, true /* free */)
	}
	return err
}

// writeBack writes the present pages of r within [addr, end) to the file,
// clipped to the file size.
func (t *Table) writeBack(ctx context.Context, as AddressSpace, r *Region, addr, end riscv.Addr) error {
	size := r.File.Size(ctx)
	pt := as.PageTables()
	for page := addr.RoundDown(); page < end; page += riscv.PageSize {
		if _, ok := pt.Lookup(ctx, page); !ok {
			continue
		}
		start := max(page, addr)
		stop := min(page+riscv.PageSize, end)
		off := uint64(start - r.OriginalBase)
		if off >= size {
			break
		}
		n := min(uint64(stop-start), size-off)
		if _, err := r.File.PWrite(ctx, as, start, off, int(n)); err != nil {
			t.warn.Warningf("mmap: writing back %v of %v: %v", start, r, err)
			return fmt.Errorf("writing back %v: %w", start, err)
		}
		writebacks.Increment()
	}
	return nil
}

// Fork gives childPID a copy of every region of parentPID, sharing the
// files. No pages are copied. Either every region is copied or, if there are
// not enough free slots, none is.
func (t *Table) Fork(ctx context.Context, parentPID, childPID int32) error {
	t.mu.Lock(ctx)
	defer t.mu.Unlock(ctx)
	var parents, free []int
	for i := range t.slots {
		switch s := &t.slots[i]; {
		case s.active && s.PID == parentPID:
			parents = append(parents, i)
		case !s.active:
			free = append(free, i)
		}
	}
	if len(free) < len(parents) {
		return fmt.Errorf("forking %d regions of pid %d with %d free slots: %w", len(parents), parentPID, len(free), linuxerr.ENOMEM)
	}
	for k, i := range parents {
		r := t.slots[i].Region
		r.PID = childPID
		r.File.IncRef()
		t.installLocked(free[k], r)
	}
	return nil
}

// UnmapAll removes every region of as, as on process exit.
func (t *Table) UnmapAll(ctx context.Context, as AddressSpace) {
	for {
		t.mu.Lock(ctx)
		var r Region
		found := false
		for i := range t.slots {
			if s := &t.slots[i]; s.active && s.PID == as.PID() {
				r, found = s.Region, true
				break
			}
		}
		t.mu.Unlock(ctx)
		if !found {
			return
		}
		if err := t.MUnmap(ctx, as, r.Base, r.Length); err != nil {
			if linuxerr.Equals(linuxerr.EINVAL, err) {
				log.Warningf("mmap: region %v vanished during exit: %v", &r, err)
				continue
			}
			log.Warningf("mmap: unmapping %v on exit: %v", &r, err)
		}
	}
}

// Regions returns a copy of every active region of pid.
func (t *Table) Regions(ctx context.Context, pid int32) []Region {
	t.mu.Lock(ctx)
	defer t.mu.Unlock(ctx)
	var rs []Region
	for i := range t.slots {
		if s := &t.slots[i]; s.active && s.PID == pid {
			rs = append(rs, s.Region)
		}
	}
	return rs
}

// Lookup returns the region in slot h.
func (t *Table) Lookup(ctx context.Context, h Handle) (Region, bool) {
	t.mu.Lock(ctx)
	defer t.mu.Unlock(ctx)
	if int(h) < 0 || int(h) >= len(t.slots) || !t.slots[h].active {
		return Region{}, false
	}
	return t.slots[h].Region, true
}

// ActiveCount returns the number of active regions.
func (t *Table) ActiveCount(ctx context.Context) int {
	t.mu.Lock(ctx)
	defer t.mu.Unlock(ctx)
	n := 0
	for i := range t.slots {
		if t.slots[i].active {
			n++
		}
	}
	return n
}
