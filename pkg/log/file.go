// Copyright 2026 The gVisor Authors.
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

package log

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileOpts contains options for creating a log file.
type FileOpts interface {
	// Build constructs the log file path based on the given pattern.
	Build(logPattern string) string
}

// PatternOpts expands the variables understood in log file patterns:
// %TIMESTAMP% and %COMMAND%.
type PatternOpts struct {
	// Command is the subcommand that is running, e.g. "boot".
	Command string

	// Time is substituted for %TIMESTAMP%. The zero value means now.
	Time time.Time
}

// Build implements FileOpts.Build.
func (p PatternOpts) Build(logPattern string) string {
	ts := p.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	r := strings.NewReplacer(
		"%TIMESTAMP%", ts.Format("20060102-150405.000000"),
		"%COMMAND%", p.Command,
	)
	return r.Replace(logPattern)
}

// OpenFile opens a log file using the specified flags. It uses `opts` to
// construct the log file path based on the given `logPattern`. A trailing
// slash in the pattern names a directory, in which a file named after the
// command is created.
func OpenFile(logPattern string, flags int, opts FileOpts) (*os.File, error) {
	if len(logPattern) == 0 {
		return nil, nil
	}

	logPath := opts.Build(logPattern)
	if strings.HasSuffix(logPath, "/") {
		logPath += "kcore.log"
		if p, ok := opts.(PatternOpts); ok && p.Command != "" {
			logPath = filepath.Join(filepath.Dir(logPath), "kcore."+p.Command+".log")
		}
	}

	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return nil, fmt.Errorf("error creating dir %q: %v", dir, err)
	}

	f, err := os.OpenFile(logPath, flags, 0664)
	if err != nil {
		return nil, fmt.Errorf("error opening file %q: %v", logPath, err)
	}
	return f, nil
}
