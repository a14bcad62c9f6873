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

package pgalloc

import (
	"context"
)

// contextID is this package's type for context.Context.Value keys.
type contextID int

const (
	// CtxAllocator is a Context.Value key for an *Allocator.
	CtxAllocator contextID = iota
)

// WithAllocator returns a copy of ctx carrying a.
func WithAllocator(ctx context.Context, a *Allocator) context.Context {
	return context.WithValue(ctx, CtxAllocator, a)
}

// AllocatorFromContext returns the Allocator used by ctx, or nil if no such
// Allocator exists.
func AllocatorFromContext(ctx context.Context) *Allocator {
	if v := ctx.Value(CtxAllocator); v != nil {
		return v.(*Allocator)
	}
	return nil
}
