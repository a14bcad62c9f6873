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

package physmem

import (
	"context"
	"testing"

	"kcore.dev/kcore/pkg/riscv"
)

func newMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := New(Opts{Size: 16 * riscv.PageSize, KernelSize: riscv.PageSize + 100})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := m.Release(); err != nil {
			t.Errorf("Release: %v", err)
		}
	})
	return m
}

func TestLayout(t *testing.T) {
	m := newMemory(t)
	if m.Base() != riscv.KernBase {
		t.Errorf("Base() = %v, want %v", m.Base(), riscv.KernBase)
	}
	if want := riscv.KernBase + 16*riscv.PageSize; m.Top() != want {
		t.Errorf("Top() = %v, want %v", m.Top(), want)
	}
	if want := riscv.KernBase + riscv.PageSize + 100; m.KernelEnd() != want {
		t.Errorf("KernelEnd() = %v, want %v", m.KernelEnd(), want)
	}
	if got := m.FrameCount(); got != 14 {
		t.Errorf("FrameCount() = %d, want 14", got)
	}
}

func TestFillAndZero(t *testing.T) {
	m := newMemory(t)
	pa := uint64(m.Base()) + 3*riscv.PageSize
	m.Fill(pa, 5)
	for i, b := range m.Page(pa) {
		if b != 5 {
			t.Fatalf("byte %d = %d after Fill(5)", i, b)
		}
	}
	m.Zero(pa)
	for i, b := range m.Page(pa) {
		if b != 0 {
			t.Fatalf("byte %d = %d after Zero", i, b)
		}
	}
	// Neighbouring frames are untouched.
	if m.Page(pa + riscv.PageSize)[0] != 0 {
		t.Errorf("Fill leaked into the next frame")
	}
}

func TestOutOfRange(t *testing.T) {
	m := newMemory(t)
	for _, pa := range []uint64{uint64(m.Base()) - riscv.PageSize, uint64(m.Top())} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Page(%#x) did not panic", pa)
				}
			}()
			m.Page(pa)
		}()
	}
}

func TestInvalidOpts(t *testing.T) {
	for _, opts := range []Opts{
		{Size: 0},
		{Size: riscv.PageSize + 1},
		{Size: riscv.PageSize, KernelSize: riscv.PageSize},
	} {
		if _, err := New(opts); err == nil {
			t.Errorf("New(%+v) succeeded", opts)
		}
	}
}

func TestContext(t *testing.T) {
	m := newMemory(t)
	if FromContext(context.Background()) != nil {
		t.Errorf("FromContext(Background) != nil")
	}
	if FromContext(WithMemory(context.Background(), m)) != m {
		t.Errorf("FromContext did not return the stored memory")
	}
}
