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
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestUnmarshalFromInt(t *testing.T) {
	tcs := []struct {
		i    int
		want Level
	}{
		{0, Warning},
		{1, Info},
		{2, Debug},
	}

	for _, tc := range tcs {
		j, err := json.Marshal(tc.i)
		if err != nil {
			t.Errorf("error marshaling %v: %v", tc.i, err)
		}
		var lv Level
		if err := lv.UnmarshalJSON(j); err != nil {
			t.Errorf("error unmarshaling %v: %v", j, err)
		}
		if lv != tc.want {
			t.Errorf("unmarshal %v got %v want %v", tc.i, lv, tc.want)
		}
	}
}

func TestJSONEmitters(t *testing.T) {
	ts := time.Date(2024, time.March, 7, 9, 4, 5, 0, time.UTC)
	for _, tc := range []struct {
		name  string
		emit  func(w *Writer)
		field string
	}{
		{
			name:  "json",
			emit:  func(w *Writer) { JSONEmitter{w}.Emit(0, Info, ts, "evicted block %d", 7) },
			field: "msg",
		},
		{
			name:  "k8s",
			emit:  func(w *Writer) { K8sJSONEmitter{w}.Emit(0, Info, ts, "evicted block %d", 7) },
			field: "log",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tw := &testWriter{}
			tc.emit(&Writer{Next: tw})
			if len(tw.lines) != 1 {
				t.Fatalf("got %d lines, want 1", len(tw.lines))
			}
			var got map[string]any
			if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
				t.Fatalf("invalid json %q: %v", tw.lines[0], err)
			}
			msg, _ := got[tc.field].(string)
			if !strings.HasSuffix(msg, "] evicted block 7") {
				t.Errorf("%s = %q, want suffix %q", tc.field, msg, "] evicted block 7")
			}
			if got["level"] != "info" {
				t.Errorf("level = %v, want info", got["level"])
			}
		})
	}
}
