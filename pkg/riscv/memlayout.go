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

// Physical memory layout of the qemu "virt" machine that the kernel targets.
//
//	00001000 -- boot ROM, provided by qemu
//	02000000 -- CLINT
//	0C000000 -- PLIC
//	10000000 -- uart0
//	10001000 -- virtio disk
//	80000000 -- boot ROM jumps here in machine mode; kernel text, then data
//	unused RAM after the kernel image, up to PHYSTOP.
const (
	// UART0 is the first UART's register page.
	UART0 Addr = 0x10000000

	// VIRTIO0 is the virtio-mmio disk interface.
	VIRTIO0 Addr = 0x10001000

	// PLIC is the platform-level interrupt controller.
	PLIC Addr = 0x0c000000

	// PLICSize is the size of the PLIC register window mapped by the kernel.
	PLICSize = 0x400000

	// KernBase is where the kernel image is loaded and where RAM begins.
	KernBase Addr = 0x80000000

	// DefaultPhysMem is the default amount of RAM: 128 MiB.
	DefaultPhysMem = 128 * 1024 * 1024
)

// Virtual memory layout, shared by the kernel and user address spaces.
const (
	// Trampoline is mapped at the highest virtual address in both user and
	// kernel space.
	Trampoline = MaxVA - PageSize

	// TrapFrame sits just below the trampoline in user space.
	TrapFrame = Trampoline - PageSize
)

// KStack returns the virtual address of hart or process i's kernel stack.
// Each stack is followed by an unmapped guard page.
func KStack(i int) Addr {
	return Trampoline - Addr((i+1)*2*PageSize)
}
