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

package pagetables

import (
	"context"
	"fmt"

	"kcore.dev/kcore/pkg/cleanup"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/physmem"
	"kcore.dev/kcore/pkg/riscv"
)

// KernelLayout describes the kernel image within RAM.
type KernelLayout struct {
	// TextSize is the size of the kernel text, which starts at
	// riscv.KernBase. Everything between the end of the text and the top of
	// RAM is data.
	TextSize uint64

	// Trampoline is the physical page holding the trap trampoline. It lies
	// in the kernel text.
	Trampoline uint64

	// Stacks is the number of kernel stacks to map, one per hart.
	Stacks int
}

// DefaultKernelLayout returns the layout used for a kernel image of
// mem.KernelEnd() - mem.Base() bytes: text occupies the first half of the
// image, and the trampoline is its last page.
func DefaultKernelLayout(mem *physmem.Memory, stacks int) KernelLayout {
	size := uint64(mem.KernelEnd() - mem.Base())
	text := riscv.PageRoundUp(size / 2)
	if text == 0 {
		text = riscv.PageSize
	}
	return KernelLayout{
		TextSize:   text,
		Trampoline: uint64(mem.Base()) + text - riscv.PageSize,
		Stacks:     stacks,
	}
}

// region is one direct mapping of the kernel table.
type region struct {
	name string
	va   riscv.Addr
	size uint64
	at   riscv.AccessType
}

// KernelTables is the kernel's page table: a direct map of devices and RAM,
// the trampoline, and a kernel stack per hart with an unmapped guard page
// below each.
type KernelTables struct {
	*PageTables

	regions []region

	// stacks are the frames of the kernel stacks, by hart.
	stacks []uint64
}

// NewKernel builds the kernel page table.
func NewKernel(ctx context.Context, alloc Allocator, mem *physmem.Memory, layout KernelLayout) (*KernelTables, error) {
	if layout.TextSize == 0 || layout.TextSize%riscv.PageSize != 0 || layout.TextSize > mem.Size() {
		return nil, fmt.Errorf("kernel text size %#x: %w", layout.TextSize, linuxerr.EINVAL)
	}
	etext := mem.Base() + riscv.Addr(layout.TextSize)
	if layout.Trampoline%riscv.PageSize != 0 || riscv.Addr(layout.Trampoline) < mem.Base() || riscv.Addr(layout.Trampoline) >= etext {
		return nil, fmt.Errorf("trampoline %#x outside kernel text: %w", layout.Trampoline, linuxerr.EINVAL)
	}

	pt, err := New(ctx, alloc, mem)
	if err != nil {
		return nil, err
	}
	k := &KernelTables{PageTables: pt}
	cu := cleanup.Make(func() { k.Teardown(ctx) })
	defer cu.Clean()

	direct := []region{
		{"uart", riscv.UART0, riscv.PageSize, riscv.ReadWrite},
		{"virtio", riscv.VIRTIO0, riscv.PageSize, riscv.ReadWrite},
		{"plic", riscv.PLIC, riscv.PLICSize, riscv.ReadWrite},
		{"text", mem.Base(), layout.TextSize, riscv.ReadExecute},
		{"data", etext, uint64(mem.Top() - etext), riscv.ReadWrite},
	}
	for _, r := range direct {
		if r.size == 0 {
			continue
		}
		if err := pt.Map(ctx, r.va, r.size, uint64(r.va), MapOpts{AccessType: r.at}); err != nil {
			return nil, fmt.Errorf("mapping kernel %s: %w", r.name, err)
		}
		k.regions = append(k.regions, r)
		log.Debugf("Kernel %s mapped at [%v, %v) %v", r.name, r.va, r.va+riscv.Addr(r.size), r.at)
	}
	if err := pt.Map(ctx, riscv.Trampoline, riscv.PageSize, layout.Trampoline, MapOpts{AccessType: riscv.ReadExecute}); err != nil {
		return nil, fmt.Errorf("mapping trampoline: %w", err)
	}
	k.regions = append(k.regions, region{"trampoline", riscv.Trampoline, riscv.PageSize, riscv.ReadExecute})

	for i := 0; i < layout.Stacks; i++ {
		pa, ok := alloc.Allocate(ctx)
		if !ok {
			return nil, fmt.Errorf("allocating kernel stack %d: %w", i, linuxerr.ENOMEM)
		}
		if err := pt.Map(ctx, riscv.KStack(i), riscv.PageSize, pa, MapOpts{AccessType: riscv.ReadWrite}); err != nil {
			alloc.Free(ctx, pa)
			return nil, fmt.Errorf("mapping kernel stack %d: %w", i, err)
		}
		k.stacks = append(k.stacks, pa)
	}
	cu.Release()
	return k, nil
}

// Stack returns the kernel stack address of hart i.
func (k *KernelTables) Stack(i int) riscv.Addr {
	if i < 0 || i >= len(k.stacks) {
		panic(fmt.Sprintf("pagetables: no kernel stack %d", i))
	}
	return riscv.KStack(i)
}

// StackFrame returns the physical frame backing hart i's kernel stack.
func (k *KernelTables) StackFrame(ctx context.Context, i int) uint64 {
	return k.Translate(ctx, k.Stack(i))
}

// Teardown removes every kernel mapping, frees the stacks and destroys the
// table.
func (k *KernelTables) Teardown(ctx context.Context) {
	for _, r := range k.regions {
		npages := riscv.PageRoundUp(uint64(r.va.PageOffset())+r.size) / riscv.PageSize
		k.Unmap(ctx, r.va.RoundDown(), npages, false /* free */)
	}
	k.regions = nil
	for i := range k.stacks {
		k.Unmap(ctx, riscv.KStack(i), 1, true /* free */)
	}
	k.stacks = nil
	k.Destroy(ctx)
}
