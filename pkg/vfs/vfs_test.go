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

package vfs

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"kcore.dev/kcore/pkg/bcache"
	"kcore.dev/kcore/pkg/disk"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/hart"
	"kcore.dev/kcore/pkg/ktime"
	"kcore.dev/kcore/pkg/refs"
	"kcore.dev/kcore/pkg/usermem"
)

const testDev = 1

func newTestInode(t *testing.T, blocks uint32) (context.Context, *Inode, *disk.MemBackend) {
	t.Helper()
	tbl := disk.NewTable()
	mem := disk.NewMemBackend(16)
	if err := tbl.Attach(testDev, mem); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	cache := bcache.New(bcache.Opts{Device: tbl, Clock: ktime.NewTicks()})
	inode, err := NewInode(cache, InodeOpts{Ino: 3, Dev: testDev, Start: 4, Blocks: blocks})
	if err != nil {
		t.Fatalf("NewInode: %v", err)
	}
	return hart.WithHart(context.Background(), hart.New(0)), inode, mem
}

func TestInodeReadWrite(t *testing.T) {
	ctx, inode, mem := newTestInode(t, 3)
	data := bytes.Repeat([]byte("0123456789"), 150)
	src := &usermem.BytesIO{Bytes: data}
	if n, err := inode.WriteAt(ctx, src, 0, 0, len(data)); n != len(data) || err != nil {
		t.Fatalf("WriteAt = (%d, %v), want (%d, nil)", n, err, len(data))
	}
	if got := inode.Size(ctx); got != uint64(len(data)) {
		t.Errorf("Size() = %d, want %d", got, len(data))
	}

	// The data reached the extent's second block on the device.
	raw := make([]byte, disk.BlockSize)
	mem.ReadBlock(5, raw)
	if !bytes.Equal(raw[:len(data)-disk.BlockSize], data[disk.BlockSize:]) {
		t.Errorf("device block 5 does not hold the file's second block")
	}

	// A read across the block boundary, clipped at the end of the file.
	dst := &usermem.BytesIO{Bytes: make([]byte, 600)}
	n, err := inode.ReadAt(ctx, dst, 0, 1000, 600)
	if want := len(data) - 1000; n != want || err != nil {
		t.Fatalf("ReadAt = (%d, %v), want (%d, nil)", n, err, want)
	}
	if diff := cmp.Diff(string(data[1000:]), string(dst.Bytes[:n])); diff != "" {
		t.Errorf("ReadAt mismatch (-want +got):\n%s", diff)
	}
	if n, err := inode.ReadAt(ctx, dst, 0, uint64(len(data)), 10); n != 0 || err != nil {
		t.Errorf("ReadAt at EOF = (%d, %v), want (0, nil)", n, err)
	}
}

func TestInodeWriteLimits(t *testing.T) {
	ctx, inode, _ := newTestInode(t, 1)
	src := &usermem.BytesIO{Bytes: make([]byte, 2*disk.BlockSize)}

	if _, err := inode.WriteAt(ctx, src, 0, 10, 1); !linuxerr.Equals(linuxerr.EINVAL, err) {
		t.Errorf("WriteAt beyond EOF: got %v, want EINVAL", err)
	}
	if _, err := inode.WriteAt(ctx, src, 0, 0, disk.BlockSize+1); !linuxerr.Equals(linuxerr.EFBIG, err) {
		t.Errorf("WriteAt beyond extent: got %v, want EFBIG", err)
	}
	if n, err := inode.WriteAt(ctx, src, 0, 0, disk.BlockSize); n != disk.BlockSize || err != nil {
		t.Errorf("WriteAt of the whole extent = (%d, %v)", n, err)
	}
}

func TestFileDescription(t *testing.T) {
	refs.SetLeakMode(refs.LeaksLogWarning)
	defer refs.SetLeakMode(refs.NoLeakChecking)

	ctx, inode, _ := newTestInode(t, 1)
	ro := Open(inode, true /* readable */, false /* writable */)
	src := &usermem.BytesIO{Bytes: []byte("data")}
	if _, err := ro.PWrite(ctx, src, 0, 0, 4); !linuxerr.Equals(linuxerr.EBADF, err) {
		t.Errorf("PWrite on read-only file: got %v, want EBADF", err)
	}
	wo := Open(inode, false /* readable */, true /* writable */)
	if _, err := wo.PWrite(ctx, src, 0, 0, 4); err != nil {
		t.Fatalf("PWrite: %v", err)
	}
	if _, err := wo.PRead(ctx, src, 0, 0, 4); !linuxerr.Equals(linuxerr.EBADF, err) {
		t.Errorf("PRead on write-only file: got %v, want EBADF", err)
	}
	if got := ro.Size(ctx); got != 4 {
		t.Errorf("Size() = %d, want 4", got)
	}

	ro.IncRef()
	ro.DecRef(ctx)
	wo.DecRef(ctx)
	if got := refs.DoLeakCheck(); got != 1 {
		t.Errorf("DoLeakCheck() = %d with one open file, want 1", got)
	}
	ro.DecRef(ctx)
	if got := refs.DoLeakCheck(); got != 0 {
		t.Errorf("DoLeakCheck() = %d after closing everything, want 0", got)
	}
}
