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

// Package refs provides reference counting for shared kernel objects, such
// as open files captured by mapped regions, and a checker that reports
// objects still alive at shutdown.
package refs

import (
	"fmt"
	"sync/atomic"
)

// RefCounter is implemented by reference counted objects.
type RefCounter interface {
	// IncRef takes an additional reference.
	IncRef()

	// TryIncRef takes a reference unless the object has been destroyed.
	TryIncRef() bool

	// ReadRefs returns the current number of references.
	ReadRefs() int64
}

// AtomicRefCount is an embeddable reference count. The zero value holds one
// reference: the stored value is the count minus one, so a destroyed object
// stores -1.
type AtomicRefCount struct {
	n atomic.Int64
}

// ReadRefs returns the current number of references. The result is stale as
// soon as it is returned unless the caller otherwise excludes concurrent
// IncRef and DecRef calls.
func (r *AtomicRefCount) ReadRefs() int64 {
	return r.n.Load() + 1
}

// IncRef takes a reference. The caller must already hold one.
func (r *AtomicRefCount) IncRef() {
	if v := r.n.Add(1); v <= 0 {
		panic(fmt.Sprintf("IncRef on dead object %p", r))
	}
}

// TryIncRef takes a reference if at least one is still held elsewhere and
// reports whether it did.
func (r *AtomicRefCount) TryIncRef() bool {
	for {
		v := r.n.Load()
		if v < 0 {
			return false
		}
		if r.n.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// DecRefWithDestructor drops a reference and calls destroy, if non-nil, when
// the last one goes away.
func (r *AtomicRefCount) DecRefWithDestructor(destroy func()) {
	switch v := r.n.Add(-1); {
	case v < -1:
		panic(fmt.Sprintf("DecRef on dead object %p", r))
	case v == -1 && destroy != nil:
		destroy()
	}
}
