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

// Package physmem provides the machine's physical memory: a contiguous range
// of RAM starting at riscv.KernBase, backed by an anonymous host mapping.
//
// The first KernelSize bytes hold the kernel image and are never handed to
// the frame allocator. Everything above is general-purpose RAM, ending at
// Top (PHYSTOP).
package physmem

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"
	"kcore.dev/kcore/pkg/riscv"
)

// DefaultKernelSize is the default size reserved for the kernel image.
const DefaultKernelSize = 2 * 1024 * 1024

// Opts configures physical memory.
type Opts struct {
	// Size is the amount of RAM in bytes, a multiple of riscv.PageSize.
	Size uint64

	// KernelSize is the number of bytes at the start of RAM occupied by the
	// kernel image. It does not need to be page aligned.
	KernelSize uint64
}

// Memory is the machine's RAM.
type Memory struct {
	base      riscv.Addr
	kernelEnd riscv.Addr
	top       riscv.Addr

	// arena is the host mapping backing [base, top).
	arena []byte
}

// New maps RAM according to opts.
func New(opts Opts) (*Memory, error) {
	if opts.Size == 0 || opts.Size%riscv.PageSize != 0 {
		return nil, fmt.Errorf("physical memory size %#x is not a positive multiple of the page size", opts.Size)
	}
	if opts.KernelSize >= opts.Size {
		return nil, fmt.Errorf("kernel image (%#x bytes) does not fit in %#x bytes of RAM", opts.KernelSize, opts.Size)
	}
	arena, err := unix.Mmap(-1, 0, int(opts.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("mapping %#x bytes of physical memory: %w", opts.Size, err)
	}
	return &Memory{
		base:      riscv.KernBase,
		kernelEnd: riscv.KernBase + riscv.Addr(opts.KernelSize),
		top:       riscv.KernBase + riscv.Addr(opts.Size),
		arena:     arena,
	}, nil
}

// Release unmaps RAM. The Memory must not be used afterwards.
func (m *Memory) Release() error {
	if m.arena == nil {
		return nil
	}
	err := unix.Munmap(m.arena)
	m.arena = nil
	return err
}

// Base returns the first physical address of RAM.
func (m *Memory) Base() riscv.Addr {
	return m.base
}

// KernelEnd returns the first address after the kernel image.
func (m *Memory) KernelEnd() riscv.Addr {
	return m.kernelEnd
}

// Top returns one past the last physical address of RAM (PHYSTOP).
func (m *Memory) Top() riscv.Addr {
	return m.top
}

// Size returns the amount of RAM in bytes.
func (m *Memory) Size() uint64 {
	return uint64(m.top - m.base)
}

// FrameCount returns the number of whole page frames between the end of the
// kernel image and the top of RAM.
func (m *Memory) FrameCount() int {
	start := m.kernelEnd.MustRoundUp()
	return int((m.top - start) / riscv.PageSize)
}

// Contains returns true if [pa, pa+n) lies within RAM.
func (m *Memory) Contains(pa uint64, n uint64) bool {
	end, ok := riscv.Addr(pa).AddLength(n)
	return ok && riscv.Addr(pa) >= m.base && end <= m.top
}

// Bytes returns the n bytes of RAM at pa. Accessing memory outside RAM is a
// fatal error, as it would fault on hardware.
func (m *Memory) Bytes(pa uint64, n uint64) []byte {
	if !m.Contains(pa, n) {
		panic(fmt.Sprintf("physmem: access to [%#x, %#x) outside RAM [%v, %v)", pa, pa+n, m.base, m.top))
	}
	off := pa - uint64(m.base)
	return m.arena[off : off+n : off+n]
}

// Page returns the frame at the page-aligned address pa.
func (m *Memory) Page(pa uint64) []byte {
	if pa%riscv.PageSize != 0 {
		panic(fmt.Sprintf("physmem: unaligned frame address %#x", pa))
	}
	return m.Bytes(pa, riscv.PageSize)
}

// Fill sets every byte of the frame at pa to b.
func (m *Memory) Fill(pa uint64, b byte) {
	p := m.Page(pa)
	for i := range p {
		p[i] = b
	}
}

// Zero clears the frame at pa.
func (m *Memory) Zero(pa uint64) {
	clear(m.Page(pa))
}

// contextID is the physmem package's type for context.Context.Value keys.
type contextID int

const (
	// CtxMemory is a Context.Value key for a *Memory.
	CtxMemory contextID = iota
)

// WithMemory returns a copy of ctx carrying m.
func WithMemory(ctx context.Context, m *Memory) context.Context {
	return context.WithValue(ctx, CtxMemory, m)
}

// FromContext returns the Memory used by ctx, or nil if no such Memory exists.
func FromContext(ctx context.Context) *Memory {
	if v := ctx.Value(CtxMemory); v != nil {
		return v.(*Memory)
	}
	return nil
}
