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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"kcore.dev/kcore/pkg/refs"
)

func newFlags(t *testing.T) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if want := 3; c.Harts != want {
		t.Errorf("Harts=%v, want: %v", c.Harts, want)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlags(t)
	for name, value := range map[string]string{
		"debug":         "true",
		"harts":         "8",
		"phys-mem":      "4194304",
		"tick":          "5ms",
		"ref-leak-mode": "log-names",
	} {
		if err := testFlags.Set(name, value); err != nil {
			t.Errorf("Flag set: %v", err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := 8; c.Harts != want {
		t.Errorf("Harts=%v, want: %v", c.Harts, want)
	}
	if want := uint64(4 << 20); c.PhysMem != want {
		t.Errorf("PhysMem=%v, want: %v", c.PhysMem, want)
	}
	if want := 5 * time.Millisecond; c.Tick != want {
		t.Errorf("Tick=%v, want: %v", c.Tick, want)
	}
	if want := refs.LeaksLogWarning; c.RefLeakMode != want {
		t.Errorf("RefLeakMode=%v, want: %v", c.RefLeakMode, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := newFlags(t)
	testFlags.Set("debug", "true")
	testFlags.Set("nbuf", "30") // Matches default value.
	testFlags.Set("vma-slots", "4")
	testFlags.Set("disk-image", "fs.img")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"--debug=true", "--vma-slots=4", "--disk-image=fs.img"}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags() mismatch (-want +got):\n%s", diff)
	}
}

func TestValidation(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flags map[string]string
		error string
	}{
		{"no harts", map[string]string{"harts": "0"}, "--harts"},
		{"too many harts", map[string]string{"harts": "65"}, "--harts"},
		{"unaligned memory", map[string]string{"phys-mem": "4097"}, "page size"},
		{"kernel too big", map[string]string{"phys-mem": "8192", "kernel-size": "8192"}, "--kernel-size"},
		{"no buffers", map[string]string{"nbuf": "0"}, "--nbuf"},
		{"no buckets", map[string]string{"nbucket": "0"}, "--nbucket"},
		{"no slots", map[string]string{"vma-slots": "0"}, "--vma-slots"},
		{"negative tick", map[string]string{"tick": "-1s"}, "--tick"},
		{"log format", map[string]string{"log-format": "xml"}, "--log-format"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlags(t)
			for name, value := range tc.flags {
				if err := testFlags.Set(name, value); err != nil {
					t.Fatalf("Flag set: %v", err)
				}
			}
			_, err := NewFromFlags(testFlags)
			if err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags() = %v, want error containing %q", err, tc.error)
			}
		})
	}
}

func TestClone(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	c.DiskImage = "a.img"
	clone := c.Clone()
	if diff := cmp.Diff(c, clone); diff != "" {
		t.Errorf("Clone() mismatch (-want +got):\n%s", diff)
	}
	clone.DiskImage = "b.img"
	if c.DiskImage != "a.img" {
		t.Errorf("modifying the clone changed the original")
	}
}

func TestKernelOpts(t *testing.T) {
	testFlags := newFlags(t)
	testFlags.Set("harts", "2")
	testFlags.Set("nbucket", "7")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	opts := c.KernelOpts()
	if opts.Harts != 2 || opts.NumShards != 7 || opts.PhysMem != c.PhysMem || opts.MMapSlots != c.VMASlots {
		t.Errorf("KernelOpts() = %+v", opts)
	}
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

const tomlConfig = `
[kcore]
harts = 4
nbuf = 12
tick = "2ms"
debug = true
`

const yamlConfig = `
kcore:
  harts: 4
  nbuf: 12
  tick: 2ms
  debug: true
`

func TestApplyFile(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
	}{
		{name: "kcore.toml", contents: tomlConfig},
		{name: "kcore.yaml", contents: yamlConfig},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, tc.name, tc.contents)
			testFlags := newFlags(t)
			// Explicit flags win over the file.
			if err := testFlags.Parse([]string{"--nbuf=50"}); err != nil {
				t.Fatal(err)
			}
			if err := ApplyFile(testFlags, path); err != nil {
				t.Fatalf("ApplyFile: %v", err)
			}
			c, err := NewFromFlags(testFlags)
			if err != nil {
				t.Fatal(err)
			}
			if c.Harts != 4 || c.NumBufs != 50 || c.Tick != 2*time.Millisecond || !c.Debug {
				t.Errorf("config from %s = %+v", tc.name, c)
			}
		})
	}
}

func TestApplyFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		error    string
	}{
		{"unknown.toml", "[kcore]\nwidgets = 3\n", "not found"},
		{"badvalue.toml", "[kcore]\nharts = \"many\"\n", "harts"},
		{"nested.yaml", "kcore:\n  harts:\n    n: 1\n", "scalar"},
		{"recursive.toml", "[kcore]\nconfig = \"other.toml\"\n", "config"},
		{"othertable.toml", "[machine]\ndebug = true\n", "unknown keys"},
		{"syntax.toml", "[kcore\n", "parsing"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := ApplyFile(newFlags(t), writeFile(t, tc.name, tc.contents))
			if err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("ApplyFile() = %v, want error containing %q", err, tc.error)
			}
		})
	}
	if err := ApplyFile(newFlags(t), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("ApplyFile of a missing file succeeded")
	}
}
