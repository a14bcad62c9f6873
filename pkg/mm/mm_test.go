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

package mm

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"kcore.dev/kcore/pkg/bcache"
	"kcore.dev/kcore/pkg/disk"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hart"
	"kcore.dev/kcore/pkg/ktime"
	"kcore.dev/kcore/pkg/mmap"
	"kcore.dev/kcore/pkg/pgalloc"
	"kcore.dev/kcore/pkg/physmem"
	"kcore.dev/kcore/pkg/riscv"
	"kcore.dev/kcore/pkg/usermem"
	"kcore.dev/kcore/pkg/vfs"
)

const page = riscv.PageSize

type testEnv struct {
	ctx   context.Context
	alloc *pgalloc.Allocator
	table *mmap.Table
	cache *bcache.Cache
}

func newTestEnv(t *testing.T, frames int) *testEnv {
	t.Helper()
	mem, err := physmem.New(physmem.Opts{Size: uint64(frames+1) * page, KernelSize: page})
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { mem.Release() })
	ctx := hart.WithHart(context.Background(), hart.New(0))
	alloc := pgalloc.New(mem, 1)
	alloc.Init(ctx)

	devs := disk.NewTable()
	if err := devs.Attach(1, disk.NewMemBackend(64)); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	table := mmap.NewTable(mmap.DefaultCapacity)
	ctx = pgalloc.WithAllocator(ctx, alloc)
	return &testEnv{
		ctx:   mmap.WithTable(ctx, table),
		alloc: alloc,
		table: table,
		cache: bcache.New(bcache.Opts{Device: devs, Clock: ktime.NewTicks()}),
	}
}

func (e *testEnv) newMM(t *testing.T, pid int32) *MemoryManager {
	t.Helper()
	mm, err := New(e.ctx, pid)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return mm
}

func (e *testEnv) newFile(t *testing.T, contents string) *vfs.FileDescription {
	t.Helper()
	inode, err := vfs.NewInode(e.cache, vfs.InodeOpts{Ino: 1, Dev: 1, Blocks: 16})
	if err != nil {
		t.Fatalf("NewInode: %v", err)
	}
	if _, err := inode.WriteAt(e.ctx, &usermem.BytesIO{Bytes: []byte(contents)}, 0, 0, len(contents)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	return vfs.Open(inode, true /* readable */, true /* writable */)
}

func (e *testEnv) fileContents(t *testing.T, f *vfs.FileDescription) string {
	t.Helper()
	dst := &usermem.BytesIO{Bytes: make([]byte, f.Size(e.ctx))}
	if _, err := f.PRead(e.ctx, dst, 0, 0, len(dst.Bytes)); err != nil {
		t.Fatalf("PRead: %v", err)
	}
	return string(dst.Bytes)
}

// drain allocates every free frame but keep, returning a function that frees
// them again.
func (e *testEnv) drain(keep int) func() {
	var held []uint64
	for e.alloc.FreeCount(e.ctx) > keep {
		pa, ok := e.alloc.Allocate(e.ctx)
		if !ok {
			break
		}
		held = append(held, pa)
	}
	return func() {
		for _, pa := range held {
			e.alloc.Free(e.ctx, pa)
		}
	}
}

func mustPanic(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", name)
		}
	}()
	fn()
}

func TestGrowShrink(t *testing.T) {
	e := newTestEnv(t, 32)
	mm := e.newMM(t, 1)

	if err := mm.Grow(e.ctx, 3*page+5); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	if got, want := mm.Size(e.ctx), uint64(3*page+5); got != want {
		t.Errorf("Size() = %#x, want %#x", got, want)
	}
	for i := 0; i < 4; i++ {
		if _, ok := mm.PageTables().Lookup(e.ctx, riscv.Addr(i*page)); !ok {
			t.Errorf("page %d not mapped after Grow", i)
		}
	}

	free := e.alloc.FreeCount(e.ctx)
	mm.Shrink(e.ctx, page)
	if got, want := e.alloc.FreeCount(e.ctx), free+3; got != want {
		t.Errorf("FreeCount() after Shrink = %d, want %d", got, want)
	}
	if _, ok := mm.PageTables().Lookup(e.ctx, page); ok {
		t.Errorf("page 1 still mapped after Shrink")
	}
	if _, ok := mm.PageTables().Lookup(e.ctx, 0); !ok {
		t.Errorf("page 0 unmapped by Shrink")
	}

	// Growing to the current size or shrinking past it does nothing.
	if err := mm.Grow(e.ctx, page/2); err != nil {
		t.Errorf("Grow below size: %v", err)
	}
	mm.Shrink(e.ctx, 2*page)
	if got := mm.Size(e.ctx); got != page {
		t.Errorf("Size() = %#x, want %#x", got, page)
	}

	if err := mm.Grow(e.ctx, uint64(riscv.TrapFrame)+1); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("Grow past the trap frame: got %v, want ENOMEM", err)
	}
}

func TestGrowUnwinds(t *testing.T) {
	e := newTestEnv(t, 32)
	mm := e.newMM(t, 1)
	if err := mm.Grow(e.ctx, page); err != nil {
		t.Fatalf("Grow: %v", err)
	}

	undo := e.drain(3)
	defer undo()
	if err := mm.Grow(e.ctx, 8*page); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("Grow with 3 free frames: got %v, want ENOMEM", err)
	}
	if got := mm.Size(e.ctx); got != page {
		t.Errorf("Size() = %#x after failed Grow, want %#x", got, page)
	}
	if got := e.alloc.FreeCount(e.ctx); got != 3 {
		t.Errorf("FreeCount() = %d after failed Grow, want 3", got)
	}
	for i := 1; i < 8; i++ {
		if _, ok := mm.PageTables().Lookup(e.ctx, riscv.Addr(i*page)); ok {
			t.Errorf("page %d left mapped by failed Grow", i)
		}
	}
}

func TestLoadInitCode(t *testing.T) {
	e := newTestEnv(t, 16)
	mm := e.newMM(t, 1)
	code := []byte{0x17, 0x05, 0x00, 0x00, 0x13, 0x05, 0x45, 0x02}
	if err := mm.LoadInitCode(e.ctx, code); err != nil {
		t.Fatalf("LoadInitCode: %v", err)
	}
	if got := mm.Size(e.ctx); got != page {
		t.Errorf("Size() = %#x, want %#x", got, page)
	}
	got := make([]byte, len(code)+4)
	if _, err := mm.CopyIn(e.ctx, 0, got); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if diff := cmp.Diff(append(code, 0, 0, 0, 0), got); diff != "" {
		t.Errorf("init page mismatch (-want +got):\n%s", diff)
	}

	mustPanic(t, "LoadInitCode of a full page", func() {
		e.newMM(t, 2).LoadInitCode(e.ctx, make([]byte, page))
	})
}

func TestSetupStack(t *testing.T) {
	e := newTestEnv(t, 16)
	mm := e.newMM(t, 1)
	if err := mm.LoadInitCode(e.ctx, []byte{0x73}); err != nil {
		t.Fatalf("LoadInitCode: %v", err)
	}
	sp, err := mm.SetupStack(e.ctx)
	if err != nil {
		t.Fatalf("SetupStack: %v", err)
	}
	if want := riscv.Addr(3 * page); sp != want {
		t.Errorf("SetupStack() = %v, want %v", sp, want)
	}
	if got := mm.Size(e.ctx); got != 3*page {
		t.Errorf("Size() = %#x, want %#x", got, 3*page)
	}
	if _, err := mm.CopyOut(e.ctx, sp-8, []byte("argv[0]")); err != nil {
		t.Errorf("CopyOut below sp: %v", err)
	}
	// The guard page is present but not user accessible, and faulting on it
	// does not replace it.
	if _, err := mm.CopyOut(e.ctx, riscv.Addr(page), []byte{1}); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyOut into the guard page: got %v, want EFAULT", err)
	}
	if pte, ok := mm.PageTables().Walk(e.ctx, riscv.Addr(page), false); !ok || !pte.Valid() || pte.User() {
		t.Errorf("guard page entry = %v, want valid without U", pte)
	}
}

func TestReserve(t *testing.T) {
	e := newTestEnv(t, 16)
	mm := e.newMM(t, 1)
	if err := mm.Grow(e.ctx, 100); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	addr, err := mm.Reserve(e.ctx, 3*page)
	if err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if addr != page {
		t.Errorf("Reserve() = %v, want %v", addr, riscv.Addr(page))
	}
	if got := mm.Size(e.ctx); got != 4*page {
		t.Errorf("Size() = %#x, want %#x", got, 4*page)
	}
	if _, err := mm.Reserve(e.ctx, uint64(riscv.TrapFrame)); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("Reserve past the trap frame: got %v, want ENOMEM", err)
	}
	if _, err := mm.Reserve(e.ctx, ^uint64(0)); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Errorf("Reserve wrapping: got %v, want ENOMEM", err)
	}
}

func TestZeroFill(t *testing.T) {
	e := newTestEnv(t, 16)
	mm := e.newMM(t, 1)
	if _, err := mm.Reserve(e.ctx, 2*page); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if _, ok := mm.PageTables().Lookup(e.ctx, page); ok {
		t.Fatalf("Reserve mapped a page")
	}

	// Crossing into the second page faults it in.
	msg := []byte("spans two pages")
	if _, err := mm.CopyOut(e.ctx, page-4, msg); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	got := make([]byte, page+16)
	if _, err := mm.CopyIn(e.ctx, 0, got); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	want := make([]byte, page+16)
	copy(want[page-4:], msg)
	if !bytes.Equal(got, want) {
		t.Errorf("user memory = %q, want %q", got[page-8:], want[page-8:])
	}

	if _, err := mm.CopyIn(e.ctx, 2*page, got[:1]); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("CopyIn beyond size: got %v, want EFAULT", err)
	}
	if err := mm.HandleUserFault(e.ctx, 5*page, riscv.Read); !linuxerr.Equals(linuxerr.EFAULT, err) {
		t.Errorf("HandleUserFault beyond size: got %v, want EFAULT", err)
	}

	if _, err := mm.CopyOut(e.ctx, page+32, []byte("hi\x00")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	s, err := mm.CopyInString(e.ctx, page+32, 16)
	if err != nil || s != "hi" {
		t.Errorf("CopyInString() = (%q, %v), want (\"hi\", nil)", s, err)
	}
}

// File I/O whose user buffer is an unfaulted page mapped from the same file
// must fault that page in from the file rather than wait on the file.
func TestFileIOIntoMappedFile(t *testing.T) {
	e := newTestEnv(t, 32)
	mm := e.newMM(t, 1)
	f := e.newFile(t, "0123456789")
	rw, err := mm.MMap(e.ctx, page, mmap.ProtRead|mmap.ProtWrite, mmap.MapShared, f)
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	ro, err := mm.MMap(e.ctx, page, mmap.ProtRead, mmap.MapShared, f)
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		if _, err := f.PRead(e.ctx, mm, rw+4, 0, 4); err != nil {
			done <- fmt.Errorf("PRead: %w", err)
			return
		}
		if _, err := f.PWrite(e.ctx, mm, ro, 10, 4); err != nil {
			done <- fmt.Errorf("PWrite: %w", err)
			return
		}
		done <- nil
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("file I/O through a mapping of the same file did not finish")
	}

	got := make([]byte, 10)
	if _, err := mm.CopyIn(e.ctx, rw, got); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if want := "0123012389"; string(got) != want {
		t.Errorf("mapped page = %q, want %q", got, want)
	}
	if got, want := e.fileContents(t, f), "01234567890123"; got != want {
		t.Errorf("file = %q, want %q", got, want)
	}
	mm.Release(e.ctx)
	f.DecRef(e.ctx)
}

func TestMMap(t *testing.T) {
	e := newTestEnv(t, 32)
	mm := e.newMM(t, 1)
	if err := mm.Grow(e.ctx, 10); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	f := e.newFile(t, "0123456789")
	base, err := mm.MMap(e.ctx, 2*page, mmap.ProtRead|mmap.ProtWrite, mmap.MapShared, f)
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	if base != page {
		t.Errorf("MMap() = %v, want %v", base, riscv.Addr(page))
	}

	got := make([]byte, 12)
	if _, err := mm.CopyIn(e.ctx, base, got); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if want := []byte("0123456789\x00\x00"); !bytes.Equal(got, want) {
		t.Errorf("mapped bytes = %q, want %q", got, want)
	}
	if _, err := mm.CopyIn(e.ctx, base+page, got); err != nil {
		t.Fatalf("CopyIn of second page: %v", err)
	}
	if !bytes.Equal(got, make([]byte, 12)) {
		t.Errorf("second page = %q, want zeros", got)
	}

	if _, err := mm.CopyOut(e.ctx, base+2, []byte("XY")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	if err := mm.MUnmap(e.ctx, base, page); err != nil {
		t.Fatalf("MUnmap: %v", err)
	}
	if got := e.fileContents(t, f); got != "01XY456789" {
		t.Errorf("file = %q, want %q", got, "01XY456789")
	}
	rs := e.table.Regions(e.ctx, 1)
	if len(rs) != 1 || rs[0].Base != base+page || rs[0].Length != page {
		t.Errorf("regions after MUnmap = %v", rs)
	}

	// The unmapped page is now ordinary zero-filled memory.
	if _, err := mm.CopyIn(e.ctx, base, got); err != nil {
		t.Fatalf("CopyIn of unmapped page: %v", err)
	}
	if !bytes.Equal(got, make([]byte, 12)) {
		t.Errorf("unmapped page = %q, want zeros", got)
	}
}

func TestWithoutTable(t *testing.T) {
	e := newTestEnv(t, 8)
	ctx := mmap.WithTable(e.ctx, nil)
	mm, err := New(ctx, 1)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := mm.MMap(ctx, page, mmap.ProtRead, mmap.MapPrivate, e.newFile(t, "")); !linuxerr.Equals(linuxerr.ENODEV, err) {
		t.Errorf("MMap: got %v, want ENODEV", err)
	}
	if err := mm.MUnmap(ctx, 0, page); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("MUnmap: got %v, want EINVAL", err)
	}
	mm.Release(ctx)
}

func TestFork(t *testing.T) {
	e := newTestEnv(t, 32)
	parent := e.newMM(t, 1)
	if err := parent.Grow(e.ctx, 2*page); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	if _, err := parent.CopyOut(e.ctx, page+1, []byte("parent")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	f := e.newFile(t, "file")
	if _, err := parent.MMap(e.ctx, page, mmap.ProtRead, mmap.MapPrivate, f); err != nil {
		t.Fatalf("MMap: %v", err)
	}

	child, err := parent.Fork(e.ctx, 2)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}
	if got, want := child.Size(e.ctx), parent.Size(e.ctx); got != want {
		t.Errorf("child Size() = %#x, want %#x", got, want)
	}
	ppa, _ := parent.PageTables().Lookup(e.ctx, page)
	cpa, _ := child.PageTables().Lookup(e.ctx, page)
	if ppa == cpa {
		t.Errorf("parent and child share frame %#x", ppa)
	}
	if _, err := child.CopyOut(e.ctx, page+1, []byte("child!")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}
	got := make([]byte, 6)
	if _, err := parent.CopyIn(e.ctx, page+1, got); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if string(got) != "parent" {
		t.Errorf("parent memory = %q after child write", got)
	}
	if rs := e.table.Regions(e.ctx, 2); len(rs) != 1 || rs[0].File != vfs.File(f) {
		t.Errorf("child regions = %v", rs)
	}

	// The child's region faults in the file.
	rs := e.table.Regions(e.ctx, 2)
	if _, err := child.CopyIn(e.ctx, rs[0].Base, got[:4]); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}
	if string(got[:4]) != "file" {
		t.Errorf("child mapping = %q, want %q", got[:4], "file")
	}
}

func TestForkFailure(t *testing.T) {
	e := newTestEnv(t, 32)
	parent := e.newMM(t, 1)
	if err := parent.Grow(e.ctx, 4*page); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	if _, err := parent.MMap(e.ctx, page, mmap.ProtRead, mmap.MapPrivate, e.newFile(t, "x")); err != nil {
		t.Fatalf("MMap: %v", err)
	}

	undo := e.drain(5)
	defer undo()
	if _, err := parent.Fork(e.ctx, 2); !linuxerr.Equals(linuxerr.ENOMEM, err) {
		t.Fatalf("Fork with 5 free frames: got %v, want ENOMEM", err)
	}
	if got := e.alloc.FreeCount(e.ctx); got != 5 {
		t.Errorf("FreeCount() = %d after failed Fork, want 5", got)
	}
	if rs := e.table.Regions(e.ctx, 2); len(rs) != 0 {
		t.Errorf("failed Fork left regions %v", rs)
	}
}

func TestRelease(t *testing.T) {
	e := newTestEnv(t, 32)
	free := e.alloc.FreeCount(e.ctx)
	f := e.newFile(t, "0123456789")

	mm := e.newMM(t, 1)
	if err := mm.Grow(e.ctx, 3*page); err != nil {
		t.Fatalf("Grow: %v", err)
	}
	base, err := mm.MMap(e.ctx, page, mmap.ProtRead|mmap.ProtWrite, mmap.MapShared, f)
	if err != nil {
		t.Fatalf("MMap: %v", err)
	}
	if _, err := mm.CopyOut(e.ctx, base, []byte("9876")); err != nil {
		t.Fatalf("CopyOut: %v", err)
	}

	mm.Release(e.ctx)
	if got := e.alloc.FreeCount(e.ctx); got != free {
		t.Errorf("FreeCount() after Release = %d, want %d", got, free)
	}
	if got := e.table.ActiveCount(e.ctx); got != 0 {
		t.Errorf("ActiveCount() after Release = %d, want 0", got)
	}
	if got := e.fileContents(t, f); got != "9876456789" {
		t.Errorf("file = %q, want written back contents", got)
	}
	if got := f.ReadRefs(); got != 1 {
		t.Errorf("file references = %d, want 1", got)
	}
}
