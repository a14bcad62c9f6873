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

package hart

import (
	"context"
)

// contextID is this package's type for context.Context.Value keys.
type contextID int

const (
	// CtxHart is a Context.Value key for the *Hart the caller runs on.
	CtxHart contextID = iota

	// CtxTask is a Context.Value key for the identity of the task (process)
	// on whose behalf the caller runs.
	CtxTask
)

// WithHart returns a copy of ctx running on h.
func WithHart(ctx context.Context, h *Hart) context.Context {
	return context.WithValue(ctx, CtxHart, h)
}

// WithTask returns a copy of ctx running on behalf of task id.
func WithTask(ctx context.Context, id int32) context.Context {
	return context.WithValue(ctx, CtxTask, id)
}

// FromContext returns the hart ctx runs on. Kernel code always runs on a hart,
// so a context without one is a programming error.
func FromContext(ctx context.Context) *Hart {
	if v := ctx.Value(CtxHart); v != nil {
		return v.(*Hart)
	}
	panic("hart: context does not carry a hart")
}

// TaskFromContext returns the task id of ctx, if any.
func TaskFromContext(ctx context.Context) (int32, bool) {
	if v := ctx.Value(CtxTask); v != nil {
		return v.(int32), true
	}
	return 0, false
}

// Holder returns the identity that owns sleep locks acquired with ctx: the
// task when there is one, otherwise the hart. Task ids are positive and hart
// identities are negative so the two never collide.
func Holder(ctx context.Context) int64 {
	if id, ok := TaskFromContext(ctx); ok {
		return int64(id)
	}
	return -int64(FromContext(ctx).ID()) - 1
}
