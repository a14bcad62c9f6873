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

// Package config provides basic infrastructure to set configuration settings
// for kcore. Each setting is a command line flag, and may also come from a
// configuration file.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/mohae/deepcopy"
	"kcore.dev/kcore/pkg/kernel"
	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/refs"
	"kcore.dev/kcore/pkg/riscv"
)

// Config holds configuration that is not part of the machine's disks.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config.
//  2. Add a field tag with the flag name.
//  3. Register a new flag in flags.go, with name and description.
//  4. Add any necessary validation into validate().
type Config struct {
	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// DebugLog is the path to log debug information to, if not empty.
	DebugLog string `flag:"debug-log"`

	// DebugLogFormat is the log format for debug.
	DebugLogFormat string `flag:"debug-log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// Harts is the number of harts.
	Harts int `flag:"harts"`

	// PhysMem is the size of RAM in bytes.
	PhysMem uint64 `flag:"phys-mem"`

	// KernelSize is the size of the kernel image in bytes.
	KernelSize uint64 `flag:"kernel-size"`

	// NumBufs is the number of buffer cache slots.
	NumBufs int `flag:"nbuf"`

	// NumBuckets is the number of buffer cache lookup shards.
	NumBuckets int `flag:"nbucket"`

	// VMASlots is the capacity of the mapped-region table.
	VMASlots int `flag:"vma-slots"`

	// DiskImage is the disk image attached as device 1. Empty means an
	// in-memory disk.
	DiskImage string `flag:"disk-image"`

	// DiskBlocks is the size of the in-memory disk, and of images created
	// by mkdisk.
	DiskBlocks uint64 `flag:"disk-blocks"`

	// Tick is the tick interval. Zero leaves the tick counter still.
	Tick time.Duration `flag:"tick"`

	// RefLeakMode sets reference leak check mode.
	RefLeakMode refs.LeakMode `flag:"ref-leak-mode"`

	// ConfigFile is a TOML or YAML file supplying flags not set on the
	// command line.
	ConfigFile string `flag:"config"`
}

func (c *Config) validate() error {
	if c.Harts < 1 || c.Harts > kernel.MaxHarts {
		return fmt.Errorf("--harts=%d must be in [1, %d]", c.Harts, kernel.MaxHarts)
	}
	if c.PhysMem%riscv.PageSize != 0 {
		return fmt.Errorf("--phys-mem=%d is not a multiple of the page size", c.PhysMem)
	}
	if c.PhysMem <= c.KernelSize {
		return fmt.Errorf("--phys-mem=%d must exceed --kernel-size=%d", c.PhysMem, c.KernelSize)
	}
	if c.NumBufs < 1 {
		return fmt.Errorf("--nbuf=%d must be at least 1", c.NumBufs)
	}
	if c.NumBuckets < 1 {
		return fmt.Errorf("--nbucket=%d must be at least 1", c.NumBuckets)
	}
	if c.VMASlots < 1 {
		return fmt.Errorf("--vma-slots=%d must be at least 1", c.VMASlots)
	}
	if c.Tick < 0 {
		return fmt.Errorf("--tick=%v must not be negative", c.Tick)
	}
	for name, format := range map[string]string{"log-format": c.LogFormat, "debug-log-format": c.DebugLogFormat} {
		switch format {
		case "text", "json", "json-k8s":
		default:
			return fmt.Errorf("invalid --%s=%q: must be text, json or json-k8s", name, format)
		}
	}
	return nil
}

// KernelOpts returns the machine described by c. Devices are left to the
// caller.
func (c *Config) KernelOpts() kernel.Opts {
	return kernel.Opts{
		Harts:      c.Harts,
		PhysMem:    c.PhysMem,
		KernelSize: c.KernelSize,
		NumBufs:    c.NumBufs,
		NumShards:  c.NumBuckets,
		MMapSlots:  c.VMASlots,
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Log logs important aspects of the configuration.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if name, ok := st.Field(i).Tag.Lookup("flag"); ok {
			log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
		}
	}
}
