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

package refs

import (
	"fmt"
	"strings"
	"sync/atomic"

	"kcore.dev/kcore/pkg/log"
	"kcore.dev/kcore/pkg/sync"
)

// LeakMode configures the leak checker.
type LeakMode uint32

const (
	// NoLeakChecking indicates that no effort should be made to check for
	// leaks.
	NoLeakChecking LeakMode = iota

	// LeaksLogWarning indicates that a warning should be logged when leaks
	// are found.
	LeaksLogWarning

	// LeaksPanic indicates that a panic should be issued when leaks are found.
	LeaksPanic
)

// String returns the mode's name.
func (l LeakMode) String() string {
	switch l {
	case NoLeakChecking:
		return "disabled"
	case LeaksLogWarning:
		return "log-names"
	case LeaksPanic:
		return "panic"
	default:
		return fmt.Sprintf("LeakMode(%d)", uint32(l))
	}
}

// Set implements flag.Value.
func (l *LeakMode) Set(v string) error {
	switch v {
	case "disabled":
		*l = NoLeakChecking
	case "log-names":
		*l = LeaksLogWarning
	case "panic":
		*l = LeaksPanic
	default:
		return fmt.Errorf("invalid ref leak mode %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (l *LeakMode) Get() any {
	return *l
}

var leakMode atomic.Uint32

// SetLeakMode configures the reference leak checker.
func SetLeakMode(mode LeakMode) {
	leakMode.Store(uint32(mode))
}

// GetLeakMode returns the current leak mode.
func GetLeakMode() LeakMode {
	return LeakMode(leakMode.Load())
}

// CheckedObject represents a reference-counted object with an informative
// leak detection message.
type CheckedObject interface {
	// RefType is the type of the reference-counted object.
	RefType() string

	// LeakMessage supplies a warning to be printed upon leak detection.
	LeakMessage() string
}

var (
	// liveObjects is a global map of reference-counted objects. Objects are
	// inserted when leak check is enabled, and they are removed when they are
	// destroyed. It is protected by liveObjectsMu.
	liveObjects   = make(map[CheckedObject]struct{})
	liveObjectsMu sync.Mutex
)

// LeakCheckEnabled returns whether leak checking is enabled.
func LeakCheckEnabled() bool {
	return GetLeakMode() != NoLeakChecking
}

// Register adds obj to the live object map.
func Register(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	if _, ok := liveObjects[obj]; ok {
		panic(fmt.Sprintf("Unexpected entry in leak checking map: reference %p already added", obj))
	}
	liveObjects[obj] = struct{}{}
}

// Unregister removes obj from the live object map. Objects registered before
// leak checking was enabled are ignored.
func Unregister(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	delete(liveObjects, obj)
}

// DoLeakCheck reports every object still registered. It should be called
// when no reference-counted objects are reachable anymore, at which point
// anything left in the map is considered a leak. It returns the number of
// leaked objects.
func DoLeakCheck() int {
	if !LeakCheckEnabled() {
		return 0
	}
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	if len(liveObjects) == 0 {
		return 0
	}
	var msg strings.Builder
	fmt.Fprintf(&msg, "Leak checking detected %d leaked objects:\n", len(liveObjects))
	for obj := range liveObjects {
		msg.WriteString(obj.LeakMessage())
		msg.WriteByte('\n')
	}
	if GetLeakMode() == LeaksPanic {
		panic(msg.String())
	}
	log.Warningf("%s", msg.String())
	return len(liveObjects)
}
