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
	"math"

	"github.com/google/subcommands"
	"kcore.dev/kcore/kcore/cmd/util"
	"kcore.dev/kcore/kcore/config"
	"kcore.dev/kcore/pkg/disk"
)

// Mkdisk implements subcommands.Command for the "mkdisk" command.
type Mkdisk struct{}

// Name implements subcommands.Command.Name.
func (*Mkdisk) Name() string {
	return "mkdisk"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Mkdisk) Synopsis() string {
	return "create a zero-filled disk image"
}

// Usage implements subcommands.Command.Usage.
func (*Mkdisk) Usage() string {
	return `mkdisk <path> - creates a disk image of --disk-blocks blocks at path. The file must not exist.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Mkdisk) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Mkdisk) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	path := f.Arg(0)
	conf := args[0].(*config.Config)
	if conf.DiskBlocks == 0 || conf.DiskBlocks > math.MaxUint32 {
		util.Fatalf("--disk-blocks=%d out of range", conf.DiskBlocks)
	}

	if err := disk.CreateImage(path, uint32(conf.DiskBlocks)); err != nil {
		util.Fatalf("creating disk image: %v", err)
	}
	// Attaching takes the lock, so a kernel already using the path is
	// caught here.
	img, err := disk.OpenImage(path, disk.ImageOpts{})
	if err != nil {
		util.Fatalf("checking disk image: %v", err)
	}
	n := img.NumBlocks()
	if err := img.Close(); err != nil {
		util.Fatalf("closing disk image: %v", err)
	}
	util.Infof("Created %s: %d blocks of %d bytes", path, n, disk.BlockSize)
	return subcommands.ExitSuccess
}
