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

package riscv

import (
	"fmt"
	"strings"
)

// PTE is a Sv39 page-table entry: a physical page number and flag bits.
type PTE uint64

// PTE flag bits.
const (
	PTEValid PTE = 1 << 0
	PTERead  PTE = 1 << 1
	PTEWrite PTE = 1 << 2
	PTEExec  PTE = 1 << 3
	PTEUser  PTE = 1 << 4

	// pteFlagMask covers the low 10 bits, including the RSW and A/D bits
	// that are carried but not interpreted.
	pteFlagMask PTE = 0x3ff
)

// PA2PTE builds a valid-less entry pointing at the frame pa.
func PA2PTE(pa uint64) PTE {
	return PTE((pa >> PageShift) << 10)
}

// MakePTE returns a valid entry mapping pa with the given permission bits.
func MakePTE(pa uint64, perm PTE) PTE {
	return PA2PTE(pa) | (perm & pteFlagMask) | PTEValid
}

// Address returns the physical address the entry points at.
func (p PTE) Address() uint64 {
	return (uint64(p) >> 10) << PageShift
}

// Flags returns the entry's flag bits.
func (p PTE) Flags() PTE {
	return p & pteFlagMask
}

// Valid returns true if the V bit is set.
func (p PTE) Valid() bool {
	return p&PTEValid != 0
}

// IsLeaf returns true if the entry maps a page rather than pointing at a
// lower-level node.
func (p PTE) IsLeaf() bool {
	return p&(PTERead|PTEWrite|PTEExec) != 0
}

// Set sets the given flag bits.
func (p *PTE) Set(bits PTE) {
	*p |= bits & pteFlagMask
}

// Clear clears the given flag bits.
func (p *PTE) Clear(bits PTE) {
	*p &^= bits & pteFlagMask
}

// User returns true if the U bit is set.
func (p PTE) User() bool {
	return p&PTEUser != 0
}

// String implements fmt.Stringer.
func (p PTE) String() string {
	if !p.Valid() {
		return "invalid"
	}
	var b strings.Builder
	for _, f := range []struct {
		bit PTE
		c   byte
	}{{PTERead, 'r'}, {PTEWrite, 'w'}, {PTEExec, 'x'}, {PTEUser, 'u'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.c)
		} else {
			b.WriteByte('-')
		}
	}
	return fmt.Sprintf("%#x %s", p.Address(), b.String())
}
