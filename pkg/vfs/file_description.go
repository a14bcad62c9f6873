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
	"context"
	"fmt"

	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/refs"
	"kcore.dev/kcore/pkg/riscv"
	"kcore.dev/kcore/pkg/usermem"
)

// File is an open file as used by memory mappings.
type File interface {
	// Readable returns true if the file was opened for reading.
	Readable() bool

	// Writable returns true if the file was opened for writing.
	Writable() bool

	// Size returns the file size in bytes.
	Size(ctx context.Context) uint64

	// PRead copies up to n bytes at file offset off to dst at addr.
	PRead(ctx context.Context, dst usermem.IO, addr riscv.Addr, off uint64, n int) (int, error)

	// PWrite copies n bytes from src at addr to file offset off.
	PWrite(ctx context.Context, src usermem.IO, addr riscv.Addr, off uint64, n int) (int, error)

	// IncRef takes a reference on the file.
	IncRef()

	// DecRef drops a reference; the file is closed when the last one goes.
	DecRef(ctx context.Context)
}

// FileDescription is an open inode.
type FileDescription struct {
	refs.AtomicRefCount

	inode    *Inode
	readable bool
	writable bool
}

var _ File = (*FileDescription)(nil)

// Open returns a new file description of inode holding one reference.
func Open(inode *Inode, readable, writable bool) *FileDescription {
	fd := &FileDescription{
		inode:    inode,
		readable: readable,
		writable: writable,
	}
	refs.Register(fd)
	return fd
}

// Inode returns the file's inode.
func (fd *FileDescription) Inode() *Inode {
	return fd.inode
}

// Readable implements File.Readable.
func (fd *FileDescription) Readable() bool {
	return fd.readable
}

// Writable implements File.Writable.
func (fd *FileDescription) Writable() bool {
	return fd.writable
}

// Size implements File.Size.
func (fd *FileDescription) Size(ctx context.Context) uint64 {
	return fd.inode.Size(ctx)
}

// PRead implements File.PRead.
func (fd *FileDescription) PRead(ctx context.Context, dst usermem.IO, addr riscv.Addr, off uint64, n int) (int, error) {
	if !fd.readable {
		return 0, linuxerr.EBADF
	}
	return fd.inode.ReadAt(ctx, dst, addr, off, n)
}

// PWrite implements File.PWrite.
func (fd *FileDescription) PWrite(ctx context.Context, src usermem.IO, addr riscv.Addr, off uint64, n int) (int, error) {
	if !fd.writable {
		return 0, linuxerr.EBADF
	}
	return fd.inode.WriteAt(ctx, src, addr, off, n)
}

// DecRef implements File.DecRef.
func (fd *FileDescription) DecRef(ctx context.Context) {
	fd.DecRefWithDestructor(func() {
		refs.Unregister(fd)
		log.Debugf("Closed inode %d", fd.inode.Ino())
	})
}

// RefType implements refs.CheckedObject.RefType.
func (fd *FileDescription) RefType() string {
	return "vfs.FileDescription"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (fd *FileDescription) LeakMessage() string {
	return fmt.Sprintf("[%s %p] inode %d: reference count of %d instead of 0", fd.RefType(), fd, fd.inode.Ino(), fd.ReadRefs())
}
