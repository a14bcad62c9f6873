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

// Package riscv describes the RISC-V Sv39 paging architecture and the
// physical memory layout of the machine.
package riscv

import (
	"fmt"
)

const (
	// PageShift is the binary log of PageSize.
	PageShift = 12

	// PageSize is the size of a page and of a physical frame.
	PageSize = 1 << PageShift

	// PTEsPerNode is the number of entries in one page-table node.
	PTEsPerNode = PageSize / 8

	// Levels is the number of page-table levels in Sv39.
	Levels = 3

	// pxMask selects the 9 index bits of one level.
	pxMask = PTEsPerNode - 1

	// MaxVA is one beyond the highest usable virtual address. It is one bit
	// less than the maximum allowed by Sv39, so that addresses never need to
	// be sign-extended.
	MaxVA Addr = 1 << (9 + 9 + 9 + 12 - 1)
)

// Addr is a virtual or physical address.
type Addr uint64

// String implements fmt.Stringer.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v &^ (PageSize - 1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("riscv.Addr(%v).RoundUp() wraps", v))
	}
	return addr
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & (PageSize - 1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// AddLength adds the given length to v and returns the result. ok is true iff
// adding the length did not overflow.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// PageRoundUp rounds a byte count up to whole pages.
func PageRoundUp(n uint64) uint64 {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// PageRoundDown rounds a byte count down to whole pages.
func PageRoundDown(n uint64) uint64 {
	return n &^ (PageSize - 1)
}

// PX extracts the 9-bit page-table index of va for the given level, where
// level 2 is the root and level 0 holds leaves.
func PX(level int, va Addr) int {
	return int(uint64(va)>>(PageShift+9*uint(level))) & pxMask
}
