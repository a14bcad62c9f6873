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

// Package vfs provides the file layer beneath memory-mapped files: inodes
// stored as block extents in the buffer cache, and reference-counted open
// file descriptions.
package vfs

import (
	"context"
	"fmt"

	"kcore.dev/kcore/pkg/bcache"
	"kcore.dev/kcore/pkg/disk"
	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/riscv"
	"kcore.dev/kcore/pkg/sync"
	"kcore.dev/kcore/pkg/usermem"
)

// InodeOpts describes where an inode's data lives.
type InodeOpts struct {
	// Ino is the inode number, used in messages only.
	Ino uint32

	// Dev is the device holding the data.
	Dev uint32

	// Start is the first block of the extent.
	Start uint32

	// Blocks is the extent's length in blocks, which bounds the file size.
	Blocks uint32

	// Size is the initial file size in bytes.
	Size uint64
}

// Inode is a file stored in a contiguous extent of blocks.
type Inode struct {
	// mu serializes access to the contents and size. It is held across
	// block I/O.
	mu sync.SleepLock

	cache *bcache.Cache
	opts  InodeOpts

	// size is protected by mu.
	size uint64
}

// NewInode returns an inode over the extent described by opts.
func NewInode(cache *bcache.Cache, opts InodeOpts) (*Inode, error) {
	if opts.Blocks == 0 {
		return nil, fmt.Errorf("inode %d: empty extent: %w", opts.Ino, linuxerr.EINVAL)
	}
	if opts.Size > opts.capacity() {
		return nil, fmt.Errorf("inode %d: size %d exceeds extent of %d blocks: %w", opts.Ino, opts.Size, opts.Blocks, linuxerr.EFBIG)
	}
	i := &Inode{cache: cache, opts: opts, size: opts.Size}
	i.mu.Init("inode")
	return i, nil
}

func (opts InodeOpts) capacity() uint64 {
	return uint64(opts.Blocks) * disk.BlockSize
}

// Ino returns the inode number.
func (i *Inode) Ino() uint32 {
	return i.opts.Ino
}

// Size returns the file size.
func (i *Inode) Size(ctx context.Context) uint64 {
	i.mu.Lock(ctx)
	defer i.mu.Unlock(ctx)
	return i.size
}

// ReadAt copies up to n bytes at file offset off to dst at addr. Reads stop at
// the end of the file. It returns the number of bytes copied.
//
// dst is written after i.mu is dropped: it may fault in a page mapped from
// this same inode, and that fault reads the inode again.
func (i *Inode) ReadAt(ctx context.Context, dst usermem.IO, addr riscv.Addr, off uint64, n int) (int, error) {
	buf, err := i.read(ctx, off, n)
	if len(buf) == 0 {
		return 0, err
	}
	c, cerr := dst.CopyOut(ctx, addr, buf)
	if cerr != nil {
		return c, cerr
	}
	return c, err
}

// read returns up to n bytes of the file at off.
func (i *Inode) read(ctx context.Context, off uint64, n int) ([]byte, error) {
	i.mu.Lock(ctx)
	defer i.mu.Unlock(ctx)
	if n <= 0 || off >= i.size {
		return nil, nil
	}
	if rem := i.size - off; uint64(n) > rem {
		n = int(rem)
	}
	buf := make([]byte, n)
	done := 0
	for done < n {
		b, err := i.cache.Read(ctx, i.opts.Dev, i.blockOf(off))
		if err != nil {
			return buf[:done], err
		}
		m := copy(buf[done:], b.Data()[off%disk.BlockSize:])
		i.cache.Release(ctx, b)
		done += m
		off += uint64(m)
	}
	return buf, nil
}

// WriteAt copies n bytes from src at addr to file offset off, growing the file
// as needed. Writes may not start beyond the end of the file, nor extend past
// the extent. If src faults partway, the bytes before the fault are written
// and the fault is returned.
//
// As with ReadAt, src is read before i.mu is taken.
func (i *Inode) WriteAt(ctx context.Context, src usermem.IO, addr riscv.Addr, off uint64, n int) (int, error) {
	if n < 0 {
		return 0, linuxerr.EINVAL
	}
	if off+uint64(n) > i.opts.capacity() {
		return 0, linuxerr.EFBIG
	}
	buf := make([]byte, n)
	c, cerr := src.CopyIn(ctx, addr, buf)
	done, err := i.write(ctx, off, buf[:c])
	if err != nil {
		return done, err
	}
	return done, cerr
}

// write stores data at off.
func (i *Inode) write(ctx context.Context, off uint64, data []byte) (int, error) {
	i.mu.Lock(ctx)
	defer i.mu.Unlock(ctx)
	if off > i.size {
		return 0, linuxerr.EINVAL
	}
	done := 0
	for done < len(data) {
		b, err := i.cache.Read(ctx, i.opts.Dev, i.blockOf(off))
		if err != nil {
			return done, err
		}
		m := copy(b.Data()[off%disk.BlockSize:], data[done:])
		err = i.cache.Write(ctx, b)
		i.cache.Release(ctx, b)
		if err != nil {
			return done, err
		}
		done += m
		off += uint64(m)
		if off > i.size {
			i.size = off
		}
	}
	return done, nil
}

func (i *Inode) blockOf(off uint64) uint32 {
	return i.opts.Start + uint32(off/disk.BlockSize)
}
