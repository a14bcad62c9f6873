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

// Package kernel assembles the simulated machine: harts, physical memory,
// the frame allocator, the kernel page table, block devices, the buffer
// cache and the mapped-region table. It also hands out address spaces to
// processes.
package kernel

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"kcore.dev/kcore/pkg/bcache"
	"kcore.dev/kcore/pkg/cleanup"
	"kcore.dev/kcore/pkg/disk"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hart"
	"kcore.dev/kcore/pkg/ktime"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/mm"
	"kcore.dev/kcore/pkg/mmap"
	"kcore.dev/kcore/pkg/pagetables"
	"kcore.dev/kcore/pkg/pgalloc"
	"kcore.dev/kcore/pkg/physmem"
	"kcore.dev/kcore/pkg/refs"
	"kcore.dev/kcore/pkg/sync"
	"kcore.dev/kcore/pkg/vfs"
)

// MaxHarts is the largest supported number of harts.
const MaxHarts = 64

// Opts configures a Kernel.
type Opts struct {
	// Harts is the number of harts.
	Harts int

	// PhysMem is the size of RAM in bytes.
	PhysMem uint64

	// KernelSize is the size of the kernel image at the start of RAM.
	KernelSize uint64

	// NumBufs and NumShards size the buffer cache. Zero selects the
	// defaults.
	NumBufs   int
	NumShards int

	// MMapSlots is the capacity of the region table. Zero selects
	// mmap.DefaultCapacity.
	MMapSlots int

	// Devices are attached to the disk table by number. The kernel owns
	// them from now on, and closes them on Shutdown or a failed boot.
	Devices map[uint32]disk.Backend
}

// Kernel is a booted machine.
type Kernel struct {
	harts *hart.Set
	mem   *physmem.Memory
	alloc *pgalloc.Allocator
	kpt   *pagetables.KernelTables
	ticks *ktime.Ticks
	disks *disk.Table
	cache *bcache.Cache
	mmaps *mmap.Table

	// lastPID is the last pid handed out.
	lastPID atomic.Int32

	// mu protects the fields below.
	mu sync.Mutex

	// procs are the live address spaces by pid.
	procs map[int32]*mm.MemoryManager

	tickers []*ktime.Ticker
}

// New boots a kernel. Boot runs on hart 0.
func New(ctx context.Context, opts Opts) (*Kernel, error) {
	if opts.Harts < 1 || opts.Harts > MaxHarts {
		return nil, fmt.Errorf("%d harts: %w", opts.Harts, linuxerr.EINVAL)
	}
	if opts.MMapSlots == 0 {
		opts.MMapSlots = mmap.DefaultCapacity
	}

	disks := disk.NewTable()
	cu := cleanup.Make(func() {
		if err := disks.Close(); err != nil {
			log.Warningf("Closing disks after failed boot: %v", err)
		}
	})
	defer cu.Clean()
	for dev, b := range opts.Devices {
		if err := disks.Attach(dev, b); err != nil {
			b.Close()
			return nil, err
		}
	}

	mem, err := physmem.New(physmem.Opts{Size: opts.PhysMem, KernelSize: opts.KernelSize})
	if err != nil {
		return nil, err
	}
	cu.Add(func() { mem.Release() })

	k := &Kernel{
		harts: hart.NewSet(opts.Harts),
		mem:   mem,
		alloc: pgalloc.New(mem, opts.Harts),
		ticks: ktime.NewTicks(),
		disks: disks,
		mmaps: mmap.NewTable(opts.MMapSlots),
		procs: make(map[int32]*mm.MemoryManager),
	}
	k.cache = bcache.New(bcache.Opts{
		NumBufs:   opts.NumBufs,
		NumShards: opts.NumShards,
		Device:    disks,
		Clock:     k.ticks,
	})

	bootCtx := k.withHart(ctx, 0)
	log.Infof("Booting: %d harts, RAM [%v, %v), kernel image ends at %v", opts.Harts, mem.Base(), mem.Top(), mem.KernelEnd())
	k.alloc.Init(bootCtx)
	k.kpt, err = pagetables.NewKernel(bootCtx, k.alloc, mem, pagetables.DefaultKernelLayout(mem, opts.Harts))
	if err != nil {
		return nil, fmt.Errorf("building kernel page table: %w", err)
	}
	log.Infof("Kernel page table: %d nodes, %d frames free", k.kpt.NodeCount(), k.alloc.FreeCount(bootCtx))

	cu.Release()
	return k, nil
}

func (k *Kernel) withHart(ctx context.Context, id int) context.Context {
	ctx = hart.WithHart(ctx, k.harts.Get(id))
	ctx = physmem.WithMemory(ctx, k.mem)
	ctx = pgalloc.WithAllocator(ctx, k.alloc)
	return mmap.WithTable(ctx, k.mmaps)
}

// Context returns a context that runs on hart id and carries the machine's
// memory, allocator and region table.
func (k *Kernel) Context(id int) context.Context {
	if id < 0 || id >= k.harts.Len() {
		panic(fmt.Sprintf("kernel: no hart %d", id))
	}
	return k.withHart(context.Background(), id)
}

// NumHarts returns the number of harts.
func (k *Kernel) NumHarts() int {
	return k.harts.Len()
}

// Memory returns the machine's RAM.
func (k *Kernel) Memory() *physmem.Memory {
	return k.mem
}

// Allocator returns the frame allocator.
func (k *Kernel) Allocator() *pgalloc.Allocator {
	return k.alloc
}

// KernelTables returns the kernel page table.
func (k *Kernel) KernelTables() *pagetables.KernelTables {
	return k.kpt
}

// Ticks returns the tick counter.
func (k *Kernel) Ticks() *ktime.Ticks {
	return k.ticks
}

// Disks returns the disk table.
func (k *Kernel) Disks() *disk.Table {
	return k.disks
}

// Cache returns the buffer cache.
func (k *Kernel) Cache() *bcache.Cache {
	return k.cache
}

// MMaps returns the region table.
func (k *Kernel) MMaps() *mmap.Table {
	return k.mmaps
}

// NewInode returns a file stored on one of the kernel's disks.
func (k *Kernel) NewInode(opts vfs.InodeOpts) (*vfs.Inode, error) {
	return vfs.NewInode(k.cache, opts)
}

// RunOnHarts runs fn concurrently on every hart and returns the first error.
func (k *Kernel) RunOnHarts(fn func(ctx context.Context, id int) error) error {
	var wg sync.WaitGroupErr
	for i := 0; i < k.harts.Len(); i++ {
		i := i
		ctx := k.Context(i)
		wg.Go(func() error { return fn(ctx, i) })
	}
	return wg.Error()
}

// NewProcess creates an empty address space with a fresh pid.
func (k *Kernel) NewProcess(ctx context.Context) (*mm.MemoryManager, error) {
	m, err := mm.New(ctx, k.lastPID.Add(1))
	if err != nil {
		return nil, err
	}
	k.addProcess(m)
	return m, nil
}

// Fork copies parent into a new process.
func (k *Kernel) Fork(ctx context.Context, parent *mm.MemoryManager) (*mm.MemoryManager, error) {
	child, err := parent.Fork(ctx, k.lastPID.Add(1))
	if err != nil {
		return nil, err
	}
	k.addProcess(child)
	return child, nil
}

// Exit releases a process's address space and everything it maps.
func (k *Kernel) Exit(ctx context.Context, m *mm.MemoryManager) {
	k.mu.Lock()
	if _, ok := k.procs[m.PID()]; !ok {
		k.mu.Unlock()
		panic(fmt.Sprintf("kernel: exit of unknown %v", m))
	}
	delete(k.procs, m.PID())
	k.mu.Unlock()
	m.Release(ctx)
	log.Debugf("%v exited", m)
}

func (k *Kernel) addProcess(m *mm.MemoryManager) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.procs[m.PID()] = m
}

// NumProcesses returns the number of live processes.
func (k *Kernel) NumProcesses() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.procs)
}

// StartTicker advances the tick counter every interval. Each ticker runs on
// a timer hart of its own, numbered after the harts returned by Context, so
// it never shares a hart with kernel code.
func (k *Kernel) StartTicker(interval time.Duration) {
	k.mu.Lock()
	defer k.mu.Unlock()
	h := hart.New(k.harts.Len() + len(k.tickers))
	k.tickers = append(k.tickers, ktime.StartTicker(h, k.ticks, interval))
}

// Shutdown stops the machine. Remaining processes are released, the kernel
// page table is torn down, the disks are closed and RAM is returned to the
// host. The kernel must not be used afterwards.
func (k *Kernel) Shutdown(ctx context.Context) error {
	k.mu.Lock()
	tickers, procs := k.tickers, k.procs
	k.tickers, k.procs = nil, make(map[int32]*mm.MemoryManager)
	k.mu.Unlock()

	for _, t := range tickers {
		t.Stop()
	}
	for _, m := range procs {
		log.Warningf("Releasing %v at shutdown", m)
		m.Release(ctx)
	}
	k.kpt.Teardown(ctx)
	if free, total := k.alloc.FreeCount(ctx), k.alloc.TotalFrames(); free != total {
		log.Warningf("%d of %d frames still allocated at shutdown", total-free, total)
	}
	err := k.disks.Close()
	if rerr := k.mem.Release(); err == nil {
		err = rerr
	}
	if n := refs.DoLeakCheck(); n > 0 {
		log.Warningf("%d objects leaked", n)
	}
	log.Infof("Shut down at tick %d", k.ticks.Now(ctx))
	return err
}
