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

// Package usermem defines how kernel code moves bytes to and from an address
// space.
package usermem

import (
	"context"

	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/riscv"
)

// IO provides access to the contents of a virtual memory space.
type IO interface {
	// CopyOut copies len(src) bytes from src to the memory mapped at addr. It
	// returns the number of bytes copied. If the number of bytes copied is <
	// len(src), it returns a non-nil error explaining why.
	CopyOut(ctx context.Context, addr riscv.Addr, src []byte) (int, error)

	// CopyIn copies len(dst) bytes from the memory mapped at addr to dst.
	// It returns the number of bytes copied. If the number of bytes copied is
	// < len(dst), it returns a non-nil error explaining why.
	CopyIn(ctx context.Context, addr riscv.Addr, dst []byte) (int, error)
}

// BytesIO implements IO using a byte slice. Addresses are interpreted as
// offsets into the slice.
type BytesIO struct {
	Bytes []byte
}

// CopyOut implements IO.CopyOut.
func (b *BytesIO) CopyOut(ctx context.Context, addr riscv.Addr, src []byte) (int, error) {
	rngN, rngErr := b.rangeCheck(addr, len(src))
	if rngN == 0 {
		return 0, rngErr
	}
	return copy(b.Bytes[int(addr):], src[:rngN]), rngErr
}

// CopyIn implements IO.CopyIn.
func (b *BytesIO) CopyIn(ctx context.Context, addr riscv.Addr, dst []byte) (int, error) {
	rngN, rngErr := b.rangeCheck(addr, len(dst))
	if rngN == 0 {
		return 0, rngErr
	}
	return copy(dst[:rngN], b.Bytes[int(addr):]), rngErr
}

// ZeroOut sets n bytes starting at addr to zero.
func (b *BytesIO) ZeroOut(ctx context.Context, addr riscv.Addr, n int) (int, error) {
	rngN, rngErr := b.rangeCheck(addr, n)
	if rngN == 0 {
		return 0, rngErr
	}
	clear(b.Bytes[int(addr) : int(addr)+rngN])
	return rngN, rngErr
}

func (b *BytesIO) rangeCheck(addr riscv.Addr, length int) (int, error) {
	if length == 0 {
		return 0, nil
	}
	if length < 0 {
		return 0, linuxerr.EINVAL
	}
	max := riscv.Addr(len(b.Bytes))
	if addr >= max {
		return 0, linuxerr.EFAULT
	}
	end, ok := addr.AddLength(uint64(length))
	if !ok || end > max {
		return int(max - addr), linuxerr.EFAULT
	}
	return length, nil
}
