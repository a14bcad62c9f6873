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
	"context"
	"fmt"

	"kcore.dev/kcore/pkg/errors/linuxerr"
	"kcore.dev/kcore/pkg/mmap"
	"kcore.dev/kcore/pkg/riscv"
	"kcore.dev/kcore/pkg/vfs"
)

// HandleUserFault resolves a missing translation at addr. Pages of a mapped
// file are read from the file; other pages below the size are zero-filled.
// Anything else is EFAULT.
//
// HandleUserFault implements pagetables.FaultHandler.
func (mm *MemoryManager) HandleUserFault(ctx context.Context, addr riscv.Addr, at riscv.AccessType) error {
	mm.faultMu.Lock()
	defer mm.faultMu.Unlock()
	if mm.mmaps != nil {
		if handled, err := mm.mmaps.HandleFault(ctx, mm, addr); handled {
			return err
		}
	}
	if err := mm.pt.FaultZero(ctx, addr, mm.Size(ctx)); err != nil {
		return err
	}
	zeroFaults.Increment()
	return nil
}

// MMap maps length bytes of file. See mmap.Table.MMap.
func (mm *MemoryManager) MMap(ctx context.Context, length uint64, prot mmap.Prot, flags mmap.Flags, file vfs.File) (riscv.Addr, error) {
	if mm.mmaps == nil {
		return 0, fmt.Errorf("mmap without a region table: %w", linuxerr.ENODEV)
	}
	return mm.mmaps.MMap(ctx, mm, length, prot, flags, file)
}

// MUnmap unmaps part of a mapped file. See mmap.Table.MUnmap.
func (mm *MemoryManager) MUnmap(ctx context.Context, addr riscv.Addr, length uint64) error {
	if mm.mmaps == nil {
		return fmt.Errorf("munmap without a region table: %w", linuxerr.EINVAL)
	}
	return mm.mmaps.MUnmap(ctx, mm, addr, length)
}
