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

package cmd

import (
	"bytes"
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"kcore.dev/kcore/kcore/cmd/util"
	"kcore.dev/kcore/kcore/config"
	"kcore.dev/kcore/pkg/disk"
	"kcore.dev/kcore/pkg/kernel"
	"kcore.dev/kcore/pkg/metric"
	"kcore.dev/kcore/pkg/mm"
	"kcore.dev/kcore/pkg/mmap"
	"kcore.dev/kcore/pkg/riscv"
	"kcore.dev/kcore/pkg/usermem"
	"kcore.dev/kcore/pkg/vfs"
)

// MMap implements subcommands.Command for the "mmap" command.
type MMap struct {
	fileSize int
	length   uint64
	private  bool
}

// Name implements subcommands.Command.Name.
func (*MMap) Name() string {
	return "mmap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*MMap) Synopsis() string {
	return "walk through demand paging of a mapped file"
}

// Usage implements subcommands.Command.Usage.
func (*MMap) Usage() string {
	return `mmap [-file-size=<n>] [-length=<n>] [-private] - maps a file into a new process, touches every page, writes to the first, unmaps it and shows what reached the file. The file occupies the first blocks of device 1.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *MMap) SetFlags(f *flag.FlagSet) {
	f.IntVar(&m.fileSize, "file-size", 10, "size of the mapped file in bytes.")
	f.Uint64Var(&m.length, "length", 2*riscv.PageSize, "length of the mapping in bytes.")
	f.BoolVar(&m.private, "private", false, "map the file private instead of shared.")
}

// Execute implements subcommands.Command.Execute.
func (m *MMap) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || m.fileSize < 0 || m.length == 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k, err := bootKernel(ctx, conf)
	if err != nil {
		util.Fatalf("booting: %v", err)
	}
	kctx := k.Context(0)
	defer shutdown(kctx, k)

	if err := m.walkthrough(kctx, k); err != nil {
		util.Errorf("%v", err)
		return subcommands.ExitFailure
	}
	vals := metric.Values()
	util.Infof("Faults: %d from the file, %d zero-filled; %d pages written back",
		vals["/mmap/faults"], vals["/mm/faults_zero"], vals["/mmap/writebacks"])
	return subcommands.ExitSuccess
}

func (m *MMap) walkthrough(ctx context.Context, k *kernel.Kernel) error {
	blocks := (max(uint64(m.fileSize), m.length) + disk.BlockSize - 1) / disk.BlockSize
	inode, err := k.NewInode(vfs.InodeOpts{Ino: 1, Dev: rootDev, Blocks: uint32(blocks)})
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	contents := bytes.Repeat([]byte("0123456789"), m.fileSize/10+1)[:m.fileSize]
	if _, err := inode.WriteAt(ctx, &usermem.BytesIO{Bytes: contents}, 0, 0, len(contents)); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}
	file := vfs.Open(inode, true /* readable */, true /* writable */)
	defer file.DecRef(ctx)
	util.Infof("File: %d bytes in blocks [0, %d) of device %d", m.fileSize, blocks, rootDev)

	p, err := k.NewProcess(ctx)
	if err != nil {
		return fmt.Errorf("creating process: %w", err)
	}
	flags := mmap.MapShared
	if m.private {
		flags = mmap.MapPrivate
	}
	base, err := p.MMap(ctx, m.length, mmap.ProtRead|mmap.ProtWrite, flags, file)
	if err != nil {
		k.Exit(ctx, p)
		return fmt.Errorf("mmap: %w", err)
	}
	util.Infof("Mapped %d bytes %v at %v in %v", m.length, flags, base, p)

	end := base + riscv.Addr(m.length)
	for page := base; page < end; page += riscv.PageSize {
		if err := touch(ctx, p, page, end); err != nil {
			k.Exit(ctx, p)
			return err
		}
	}

	const marker = "kcore"
	if _, err := p.CopyOut(ctx, base, []byte(marker)); err != nil {
		k.Exit(ctx, p)
		return fmt.Errorf("writing %v: %w", base, err)
	}
	util.Infof("Wrote %q at %v", marker, base)

	unmap := min(m.length, riscv.PageSize)
	if err := p.MUnmap(ctx, base, unmap); err != nil {
		k.Exit(ctx, p)
		return fmt.Errorf("munmap: %w", err)
	}
	util.Infof("Unmapped [%v, %v)", base, base+riscv.Addr(unmap))
	for _, r := range k.MMaps().Regions(ctx, p.PID()) {
		util.Infof("Remaining region: %v, file offset %d", &r, r.Base-r.OriginalBase)
	}
	k.Exit(ctx, p)

	got := &usermem.BytesIO{Bytes: make([]byte, file.Size(ctx))}
	if _, err := file.PRead(ctx, got, 0, 0, len(got.Bytes)); err != nil {
		return fmt.Errorf("reading file: %w", err)
	}
	util.Infof("File now holds %q", got.Bytes)
	return nil
}

// touch reads the start of page, faulting it in, and reports what it holds.
func touch(ctx context.Context, p *mm.MemoryManager, page, end riscv.Addr) error {
	buf := make([]byte, min(16, uint64(end-page)))
	if _, err := p.CopyIn(ctx, page, buf); err != nil {
		return fmt.Errorf("touching %v: %w", page, err)
	}
	pa, _ := p.PageTables().Lookup(ctx, page)
	util.Infof("Touched %v: frame %#x holds %q", page, pa, buf)
	return nil
}
