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
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"kcore.dev/kcore/pkg/log"
)

// file is the layout of a configuration file. Each key of the kcore table
// is a flag name, and its value is converted to the flag's text form.
type file struct {
	Kcore map[string]any `toml:"kcore" yaml:"kcore"`
}

// LoadFile reads the flag values of a configuration file. Files ending in
// .yaml or .yml are YAML; anything else is TOML.
func LoadFile(path string) (map[string]string, error) {
	var f file
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		md, err := toml.DecodeFile(path, &f)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parsing %s: unknown keys %v", path, undecoded)
		}
	}

	values := make(map[string]string, len(f.Kcore))
	for name, v := range f.Kcore {
		switch v.(type) {
		case map[string]any, []any:
			return nil, fmt.Errorf("%s: value of %q is not a scalar", path, name)
		}
		values[name] = fmt.Sprint(v)
	}
	return values, nil
}

// ApplyFile sets the flags named in the configuration file at path, except
// those already set on the command line.
func ApplyFile(flagSet *flag.FlagSet, path string) error {
	values, err := LoadFile(path)
	if err != nil {
		return err
	}
	explicit := make(map[string]bool)
	flagSet.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "config" {
			return fmt.Errorf("%s: %q cannot be set from a configuration file", path, name)
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			return fmt.Errorf("%s: flag %q not found", path, name)
		}
		if explicit[name] {
			log.Debugf("Flag --%s set on the command line, ignoring %s", name, path)
			continue
		}
		if err := flagSet.Set(name, values[name]); err != nil {
			return fmt.Errorf("%s: setting flag %s=%q: %w", path, name, values[name], err)
		}
	}
	return nil
}
