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

package mmap

import (
	"context"
)

// contextID is this package's type for context.Context.Value keys.
type contextID int

const (
	// CtxTable is a Context.Value key for the system's *Table.
	CtxTable contextID = iota
)

// WithTable returns a copy of ctx carrying t.
func WithTable(ctx context.Context, t *Table) context.Context {
	return context.WithValue(ctx, CtxTable, t)
}

// TableFromContext returns the Table used by ctx, or nil if no such Table
// exists.
func TableFromContext(ctx context.Context) *Table {
	if v := ctx.Value(CtxTable); v != nil {
		return v.(*Table)
	}
	return nil
}
