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
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"
	"kcore.dev/kcore/kcore/cmd/util"
	"kcore.dev/kcore/kcore/config"
	"kcore.dev/kcore/pkg/disk"
	"kcore.dev/kcore/pkg/kernel"
	"kcore.dev/kcore/pkg/mmap"
	"kcore.dev/kcore/pkg/riscv"
	"kcore.dev/kcore/pkg/usermem"
	"kcore.dev/kcore/pkg/vfs"
)

// Metrics implements subcommands.Command for the "metrics" command.
type Metrics struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*Metrics) Name() string {
	return "metrics"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Metrics) Synopsis() string {
	return "run a short workload and print the kernel's metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Metrics) Usage() string {
	return `metrics [-format=prometheus|text] - boots, forks a process that grows, maps a file and touches it, then prints every metric.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Metrics) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.format, "format", "prometheus", "output format: prometheus or text.")
}

// Execute implements subcommands.Command.Execute.
func (m *Metrics) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || (m.format != "prometheus" && m.format != "text") {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	k, err := bootKernel(ctx, conf)
	if err != nil {
		util.Fatalf("booting: %v", err)
	}
	kctx := k.Context(0)
	err = workload(kctx, k)
	shutdown(kctx, k)
	if err != nil {
		util.Errorf("workload: %v", err)
		return subcommands.ExitFailure
	}
	if err := printMetrics(m.format == "prometheus"); err != nil {
		util.Errorf("writing metrics: %v", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// workload exercises every subsystem once: a process grows and forks, maps a
// file, and touches each mapped page.
func workload(ctx context.Context, k *kernel.Kernel) error {
	inode, err := k.NewInode(vfs.InodeOpts{Ino: 1, Dev: rootDev, Blocks: 2 * riscv.PageSize / disk.BlockSize})
	if err != nil {
		return err
	}
	data := []byte("metrics workload")
	if _, err := inode.WriteAt(ctx, &usermem.BytesIO{Bytes: data}, 0, 0, len(data)); err != nil {
		return err
	}
	file := vfs.Open(inode, true /* readable */, true /* writable */)
	defer file.DecRef(ctx)

	parent, err := k.NewProcess(ctx)
	if err != nil {
		return err
	}
	defer k.Exit(ctx, parent)
	if err := parent.Grow(ctx, riscv.PageSize); err != nil {
		return err
	}
	sp, err := parent.SetupStack(ctx)
	if err != nil {
		return err
	}
	if _, err := parent.CopyOut(ctx, sp-riscv.Addr(len(data)), data); err != nil {
		return fmt.Errorf("pushing onto the stack: %w", err)
	}
	base, err := parent.MMap(ctx, 2*riscv.PageSize, mmap.ProtRead|mmap.ProtWrite, mmap.MapShared, file)
	if err != nil {
		return err
	}

	child, err := k.Fork(ctx, parent)
	if err != nil {
		return err
	}
	defer k.Exit(ctx, child)

	buf := make([]byte, len(data))
	for _, p := range []usermem.IO{parent, child} {
		for page := base; page < base+2*riscv.PageSize; page += riscv.PageSize {
			if _, err := p.CopyIn(ctx, page, buf); err != nil {
				return fmt.Errorf("touching %v: %w", page, err)
			}
		}
	}
	return parent.MUnmap(ctx, base, riscv.PageSize)
}
