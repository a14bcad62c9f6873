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

// Package cmd holds implementations of the kcore commands.
package cmd

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"kcore.dev/kcore/kcore/config"
	"kcore.dev/kcore/pkg/disk"
	"kcore.dev/kcore/pkg/kernel"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/metric"
)

// rootDev is the device number of the disk named by --disk-image.
const rootDev = 1

// imageLockTimeout bounds the wait for another kernel to release the image.
const imageLockTimeout = 5 * time.Second

// openDisk returns the disk described by conf.
func openDisk(conf *config.Config) (disk.Backend, error) {
	if conf.DiskImage != "" {
		return disk.OpenImage(conf.DiskImage, disk.ImageOpts{LockTimeout: imageLockTimeout})
	}
	if conf.DiskBlocks == 0 || conf.DiskBlocks > math.MaxUint32 {
		return nil, fmt.Errorf("--disk-blocks=%d out of range", conf.DiskBlocks)
	}
	return disk.NewMemBackend(uint32(conf.DiskBlocks)), nil
}

// bootKernel boots the machine described by conf with its disk attached.
func bootKernel(ctx context.Context, conf *config.Config) (*kernel.Kernel, error) {
	dev, err := openDisk(conf)
	if err != nil {
		return nil, fmt.Errorf("opening disk: %w", err)
	}
	opts := conf.KernelOpts()
	opts.Devices = map[uint32]disk.Backend{rootDev: dev}
	return kernel.New(ctx, opts)
}

// printMetrics writes every metric to stdout, either as Prometheus text or as
// sorted name/value lines.
func printMetrics(prometheus bool) error {
	if prometheus {
		return metric.WritePrometheus(os.Stdout)
	}
	vals := metric.Values()
	names := make([]string, 0, len(vals))
	for name := range vals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("%-24s %d\n", name, vals[name])
	}
	return nil
}

// shutdown stops k, logging any failure.
func shutdown(ctx context.Context, k *kernel.Kernel) {
	if err := k.Shutdown(ctx); err != nil {
		log.Warningf("Shutdown: %v", err)
	}
}
