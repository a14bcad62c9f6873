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

	"kcore.dev/kcore/pkg/riscv"
)

// CopyOut implements usermem.IO.CopyOut.
func (mm *MemoryManager) CopyOut(ctx context.Context, addr riscv.Addr, src []byte) (int, error) {
	return mm.pt.CopyOut(ctx, addr, src, mm)
}

// CopyIn implements usermem.IO.CopyIn.
func (mm *MemoryManager) CopyIn(ctx context.Context, addr riscv.Addr, dst []byte) (int, error) {
	return mm.pt.CopyIn(ctx, addr, dst, mm)
}

// CopyInString copies a NUL-terminated string of at most max bytes from addr.
func (mm *MemoryManager) CopyInString(ctx context.Context, addr riscv.Addr, max int) (string, error) {
	return mm.pt.CopyInString(ctx, addr, max, mm)
}
