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
	"testing"
)

func TestPX(t *testing.T) {
	va := Addr(0x3f_c020_3000)
	for _, tc := range []struct {
		level int
		want  int
	}{
		{level: 2, want: 0xff},
		{level: 1, want: 0x1},
		{level: 0, want: 0x3},
	} {
		if got := PX(tc.level, va); got != tc.want {
			t.Errorf("PX(%d, %v) = %#x, want %#x", tc.level, va, got, tc.want)
		}
	}
	if got := PX(2, MaxVA-1); got != 0xff {
		t.Errorf("root index of MaxVA-1 = %#x, want 0xff", got)
	}
}

func TestRounding(t *testing.T) {
	if got := Addr(0x1fff).RoundDown(); got != 0x1000 {
		t.Errorf("RoundDown = %v, want 0x1000", got)
	}
	if got, ok := Addr(0x1001).RoundUp(); !ok || got != 0x2000 {
		t.Errorf("RoundUp = %v, %t; want 0x2000, true", got, ok)
	}
	if _, ok := Addr(^uint64(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the top address did not report wrap")
	}
	if got := PageRoundUp(10); got != PageSize {
		t.Errorf("PageRoundUp(10) = %d", got)
	}
	if Addr(0x2000).PageOffset() != 0 || !Addr(0x2000).IsPageAligned() {
		t.Errorf("0x2000 not page aligned")
	}
}

func TestPTE(t *testing.T) {
	p := MakePTE(0x8765_4000, ReadWrite.PTEPerm()|PTEUser)
	if !p.Valid() || !p.IsLeaf() || !p.User() {
		t.Errorf("%v: missing flags", p)
	}
	if got := p.Address(); got != 0x8765_4000 {
		t.Errorf("Address() = %#x", got)
	}
	if got := AccessFromPTE(p); got != ReadWrite {
		t.Errorf("AccessFromPTE = %v, want %v", got, ReadWrite)
	}
	interior := PA2PTE(0x8000_1000) | PTEValid
	if interior.IsLeaf() {
		t.Errorf("interior entry reported as leaf")
	}
	if s := p.String(); s != "0x87654000 rw-u" {
		t.Errorf("String() = %q", s)
	}
	p.Clear(PTEUser | PTEWrite)
	if p.User() || AccessFromPTE(p) != Read {
		t.Errorf("after Clear: %v", p)
	}
	p.Set(PTEExec)
	if got := AccessFromPTE(p); got != ReadExecute {
		t.Errorf("after Set: AccessFromPTE = %v, want %v", got, ReadExecute)
	}
	if got := p.Address(); got != 0x8765_4000 {
		t.Errorf("Set/Clear changed Address() to %#x", got)
	}
}

func TestLayout(t *testing.T) {
	if Trampoline != 0x3f_ffff_f000 {
		t.Errorf("Trampoline = %v", Trampoline)
	}
	if KStack(0) != Trampoline-2*PageSize {
		t.Errorf("KStack(0) = %v", KStack(0))
	}
	if KStack(1)+2*PageSize != KStack(0) {
		t.Errorf("kernel stacks not separated by guard pages")
	}
}
