// Copyright 2018 The gVisor Authors.
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
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// GoogleEmitter is a wrapper that emits logs in a format compatible with
// package github.com/golang/glog.
type GoogleEmitter struct {
	// Emitter is the underlying emitter.
	Emitter
}

// buffer is a simple inline buffer to avoid churn. The data slice is generally
// kept to the local byte array, and we avoid having to allocate it on the heap.
type buffer struct {
	local [256]byte
	data  []byte
}

func (b *buffer) start() {
	b.data = b.local[:0]
}

func (b *buffer) write(c byte) {
	b.data = append(b.data, c)
}

func (b *buffer) writeString(s string) {
	b.data = append(b.data, s...)
}

// writeDigits writes v zero padded to n digits.
func (b *buffer) writeDigits(v, n int) {
	var d [8]byte
	for i := n - 1; i >= 0; i-- {
		d[i] = '0' + byte(v%10)
		v /= 10
	}
	b.data = append(b.data, d[:n]...)
}

// pid is used for the threadid component of the header. The glog package
// logger uses 7 spaces of padding.
var pid = padLeft(strconv.Itoa(os.Getpid()), 7)

func padLeft(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return strings.Repeat(" ", n-len(s)) + s
}

// Emit emits the message, google-style.
//
// Log lines have this form:
//
//	Lmmdd hh:mm:ss.uuuuuu threadid file:line] msg...
func (g GoogleEmitter) Emit(depth int, level Level, timestamp time.Time, format string, args ...any) {
	var b buffer
	b.start()

	switch level {
	case Debug:
		b.write('D')
	case Info:
		b.write('I')
	case Warning:
		b.write('W')
	}

	_, month, day := timestamp.Date()
	hour, minute, second := timestamp.Clock()
	b.writeDigits(int(month), 2)
	b.writeDigits(day, 2)
	b.write(' ')
	b.writeDigits(hour, 2)
	b.write(':')
	b.writeDigits(minute, 2)
	b.write(':')
	b.writeDigits(second, 2)
	b.write('.')
	b.writeDigits(timestamp.Nanosecond()/1000, 6)
	b.write(' ')

	b.writeString(pid)
	b.write(' ')

	if _, file, line, ok := runtime.Caller(depth + 1); ok {
		if slash := strings.LastIndexByte(file, '/'); slash >= 0 {
			file = file[slash+1:]
		}
		b.writeString(file)
		b.write(':')
		b.writeString(strconv.Itoa(line))
	} else {
		b.writeString("???:0")
	}
	b.writeString("] ")

	b.writeString(format)
	b.write('\n')

	g.Emitter.Emit(depth+1, level, timestamp, string(b.data), args...)
}
