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

package pagetables

import (
	"bytes"
	"context"

	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/riscv"
)

// FaultHandler resolves a missing user translation, typically by
// materializing the page.
type FaultHandler interface {
	// HandleUserFault makes the page containing va accessible with at, or
	// returns an error.
	HandleUserFault(ctx context.Context, va riscv.Addr, at riscv.AccessType) error
}

// userPage returns the frame backing the user page containing va. If the page
// is missing and fh is not nil, fh is given one chance to supply it.
func (p *PageTables) userPage(ctx context.Context, va riscv.Addr, at riscv.AccessType, fh FaultHandler) (uint64, error) {
	page := va.RoundDown()
	p.mu.Lock()
	pa, ok := p.lookupLocked(ctx, page, at)
	p.mu.Unlock()
	if ok {
		return pa, nil
	}
	if fh == nil {
		return 0, linuxerr.EFAULT
	}
	if err := fh.HandleUserFault(ctx, page, at); err != nil {
		return 0, err
	}
	p.mu.Lock()
	pa, ok = p.lookupLocked(ctx, page, at)
	p.mu.Unlock()
	if !ok {
		return 0, linuxerr.EFAULT
	}
	return pa, nil
}

// CopyOut copies src to user address va, one page at a time. It returns the
// number of bytes copied.
func (p *PageTables) CopyOut(ctx context.Context, va riscv.Addr, src []byte, fh FaultHandler) (int, error) {
	done := 0
	for done < len(src) {
		pa, err := p.userPage(ctx, va, riscv.Write, fh)
		if err != nil {
			return done, err
		}
		off := va.PageOffset()
		n := copy(p.mem.Bytes(pa+off, riscv.PageSize-off), src[done:])
		done += n
		va += riscv.Addr(n)
	}
	return done, nil
}

// CopyIn copies from user address va into dst, one page at a time. It
// returns the number of bytes copied.
func (p *PageTables) CopyIn(ctx context.Context, va riscv.Addr, dst []byte, fh FaultHandler) (int, error) {
	done := 0
	for done < len(dst) {
		pa, err := p.userPage(ctx, va, riscv.Read, fh)
		if err != nil {
			return done, err
		}
		off := va.PageOffset()
		n := copy(dst[done:], p.mem.Bytes(pa+off, riscv.PageSize-off))
		done += n
		va += riscv.Addr(n)
	}
	return done, nil
}

// CopyInString copies a NUL-terminated string of at most max bytes, NUL
// included, from user address va. ENAMETOOLONG is returned if no NUL is found
// within max bytes.
func (p *PageTables) CopyInString(ctx context.Context, va riscv.Addr, max int, fh FaultHandler) (string, error) {
	var buf []byte
	for len(buf) < max {
		pa, err := p.userPage(ctx, va, riscv.Read, fh)
		if err != nil {
			return "", err
		}
		off := va.PageOffset()
		chunk := p.mem.Bytes(pa+off, riscv.PageSize-off)
		if rem := max - len(buf); len(chunk) > rem {
			chunk = chunk[:rem]
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(buf, chunk[:i]...)), nil
		}
		buf = append(buf, chunk...)
		va += riscv.Addr(len(chunk))
	}
	return "", linuxerr.ENAMETOOLONG
}
