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

package config

import (
	"flag"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"kcore.dev/kcore/pkg/bcache"
	"kcore.dev/kcore/pkg/mmap"
	"kcore.dev/kcore/pkg/physmem"
	"kcore.dev/kcore/pkg/refs"
)

// Machine defaults, after the usual xv6 configuration.
const (
	defaultHarts      = 3
	defaultPhysMem    = 128 << 20
	defaultDiskBlocks = 2000
	defaultTick       = 10 * time.Millisecond
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stdout.")
	flagSet.String("log-format", "text", "log format: text (default), json, or json-k8s.")
	flagSet.String("debug-log", "", "additional location for logs. If it ends with '/', log files are created inside the directory with default names. The following variables are available: %TIMESTAMP%, %COMMAND%.")
	flagSet.String("debug-log-format", "text", "log format: text (default), json, or json-k8s.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr.")
	flagSet.Var(leakModePtr(refs.NoLeakChecking), "ref-leak-mode", "sets reference leak check mode: disabled (default), log-names, panic.")

	// Machine flags.
	flagSet.Int("harts", defaultHarts, "number of harts.")
	flagSet.Uint64("phys-mem", defaultPhysMem, "size of RAM in bytes, a multiple of the page size.")
	flagSet.Uint64("kernel-size", physmem.DefaultKernelSize, "size in bytes of the kernel image at the start of RAM.")
	flagSet.Int("nbuf", bcache.DefaultNumBufs, "number of buffer cache slots.")
	flagSet.Int("nbucket", bcache.DefaultNumShards, "number of buffer cache lookup shards.")
	flagSet.Int("vma-slots", mmap.DefaultCapacity, "capacity of the mapped-region table.")
	flagSet.String("disk-image", "", "disk image attached as device 1. Empty uses an in-memory disk.")
	flagSet.Uint64("disk-blocks", defaultDiskBlocks, "number of blocks of the in-memory disk and of images created by mkdisk.")
	flagSet.Duration("tick", defaultTick, "interval of the tick source.")

	flagSet.String("config", "", "TOML or YAML file with a [kcore] table of flag values. Flags set on the command line take precedence.")
}

// forEachFlag calls fn for every Config field carrying a flag tag, passing
// the registered flag and the field.
func forEachFlag(c *Config, flagSet *flag.FlagSet, fn func(fl *flag.Flag, field reflect.Value)) {
	obj := reflect.ValueOf(c).Elem()
	for _, f := range reflect.VisibleFields(obj.Type()) {
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("config field %s names unregistered flag %q", f.Name, name))
		}
		fn(fl, obj.FieldByIndex(f.Index))
	}
}

// NewFromFlags builds a Config from the parsed flag set and validates it.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	forEachFlag(conf, flagSet, func(fl *flag.Flag, field reflect.Value) {
		field.Set(reflect.ValueOf(fl.Value.(flag.Getter).Get()))
	})
	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// ToFlags returns the command line arguments that reproduce c, omitting
// values equal to their defaults.
func (c *Config) ToFlags() []string {
	defaults := flag.NewFlagSet("defaults", flag.ContinueOnError)
	RegisterFlags(defaults)

	var args []string
	forEachFlag(c, defaults, func(fl *flag.Flag, field reflect.Value) {
		if val := getVal(field); val != fl.DefValue {
			args = append(args, fmt.Sprintf("--%s=%s", fl.Name, val))
		}
	})
	return args
}

func leakModePtr(v refs.LeakMode) *refs.LeakMode {
	return &v
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
