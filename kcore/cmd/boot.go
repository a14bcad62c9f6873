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
	"time"

	"github.com/google/subcommands"
	"kcore.dev/kcore/kcore/cmd/util"
	"kcore.dev/kcore/kcore/config"
	"kcore.dev/kcore/pkg/riscv"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	duration time.Duration
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot the machine and report its memory layout"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [-duration=<d>] - boots the machine, prints the memory map and frame counts, optionally runs the tick source, and shuts down.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&b.duration, "duration", 0, "how long to keep the machine running with the tick source enabled.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
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

	mem := k.Memory()
	util.Infof("RAM:            [%v, %v) %d MiB", mem.Base(), mem.Top(), mem.Size()>>20)
	util.Infof("Kernel image:   [%v, %v)", mem.Base(), mem.KernelEnd())
	util.Infof("Trampoline:     %v", riscv.Trampoline)
	util.Infof("Trap frame:     %v", riscv.TrapFrame)
	alloc := k.Allocator()
	for i := 0; i < alloc.NumLists(); i++ {
		kpt := k.KernelTables()
		util.Infof("Hart %d:         %d free frames, kernel stack %v -> %#x", i, alloc.FreeCountOn(kctx, i), kpt.Stack(i), kpt.StackFrame(kctx, i))
	}
	util.Infof("Frames:         %d free of %d", alloc.FreeCount(kctx), alloc.TotalFrames())
	util.Infof("Kernel table:   %d nodes", k.KernelTables().NodeCount())
	util.Infof("Buffer cache:   %d buffers", k.Cache().NumBufs())

	if b.duration > 0 && conf.Tick > 0 {
		k.StartTicker(conf.Tick)
		select {
		case <-time.After(b.duration):
		case <-ctx.Done():
		}
		util.Infof("Ticks:          %d", k.Ticks().Now(kctx))
	}
	return subcommands.ExitSuccess
}
