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

// AccessType specifies memory access types. This is used for the permissions
// of a mapping and for the access that caused a page fault.
type AccessType struct {
	// Read is read access.
	Read bool

	// Write is write access.
	Write bool

	// Execute is executable access.
	Execute bool
}

// String returns a pretty representation of access. This looks like the
// familiar r-x, rw-, etc. and can be relied on as such.
func (a AccessType) String() string {
	bits := [3]byte{'-', '-', '-'}
	if a.Read {
		bits[0] = 'r'
	}
	if a.Write {
		bits[1] = 'w'
	}
	if a.Execute {
		bits[2] = 'x'
	}
	return string(bits[:])
}

// Any returns true iff at least one of Read, Write or Execute is true.
func (a AccessType) Any() bool {
	return a.Read || a.Write || a.Execute
}

// SupersetOf returns true iff the access types in a are a superset of the
// access types in other.
func (a AccessType) SupersetOf(other AccessType) bool {
	if !a.Read && other.Read {
		return false
	}
	if !a.Write && other.Write {
		return false
	}
	if !a.Execute && other.Execute {
		return false
	}
	return true
}

// PTEPerm converts a to the R/W/X bits of a page-table entry.
func (a AccessType) PTEPerm() PTE {
	var p PTE
	if a.Read {
		p |= PTERead
	}
	if a.Write {
		p |= PTEWrite
	}
	if a.Execute {
		p |= PTEExec
	}
	return p
}

// AccessFromPTE recovers the permissions of a leaf entry.
func AccessFromPTE(p PTE) AccessType {
	return AccessType{
		Read:    p&PTERead != 0,
		Write:   p&PTEWrite != 0,
		Execute: p&PTEExec != 0,
	}
}

// Convenient access types.
var (
	NoAccess    = AccessType{}
	Read        = AccessType{Read: true}
	Write       = AccessType{Write: true}
	Execute     = AccessType{Execute: true}
	ReadWrite   = AccessType{Read: true, Write: true}
	ReadExecute = AccessType{Read: true, Execute: true}
	AnyAccess   = AccessType{Read: true, Write: true, Execute: true}
)
