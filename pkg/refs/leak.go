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

package refs

import (
	"fmt"
	"sort"
	"strings"

	"dmapin.dev/dmapin/pkg/log"
	"dmapin.dev/dmapin/pkg/sync"
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

// Set implements flag.Value.
func (l *LeakMode) Set(v string) error {
	switch v {
	case "disabled":
		*l = NoLeakChecking
	case "log-names", "log":
		*l = LeaksLogWarning
	case "panic":
		*l = LeaksPanic
	default:
		return fmt.Errorf("invalid ref leak mode %q", v)
	}
	return nil
}

// Get implements flag.Value.
func (l *LeakMode) Get() any {
	return *l
}

// String implements flag.Value.
func (l LeakMode) String() string {
	switch l {
	case NoLeakChecking:
		return "disabled"
	case LeaksLogWarning:
		return "log"
	case LeaksPanic:
		return "panic"
	default:
		panic(fmt.Sprintf("invalid ref leak mode %d", l))
	}
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
	// leakMode is the current leak checking mode. It is protected by
	// liveObjectsMu.
	leakMode LeakMode

	// liveObjects is a global map of reference-counted objects. Objects are
	// inserted when leak check is enabled, and they are removed when they are
	// destroyed. It is protected by liveObjectsMu.
	liveObjects   = make(map[CheckedObject]struct{})
	liveObjectsMu sync.Mutex
)

// SetLeakMode configures the reference leak checker.
func SetLeakMode(mode LeakMode) {
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	leakMode = mode
}

// GetLeakMode returns the current leak mode.
func GetLeakMode() LeakMode {
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	return leakMode
}

// LeakCheckEnabled returns whether leak checking is enabled.
func LeakCheckEnabled() bool {
	return GetLeakMode() != NoLeakChecking
}

// Register adds obj to the live object map.
func Register(obj CheckedObject) {
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	if leakMode == NoLeakChecking {
		return
	}
	if _, ok := liveObjects[obj]; ok {
		panic(fmt.Sprintf("Unexpected entry in leak checking map: reference %p already added", obj))
	}
	liveObjects[obj] = struct{}{}
}

// Unregister removes obj from the live object map. Objects registered before
// leak checking was disabled are still removed.
func Unregister(obj CheckedObject) {
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	delete(liveObjects, obj)
}

// LiveObjects returns the number of registered objects of the given type, or
// of all types if refType is empty.
func LiveObjects(refType string) int {
	liveObjectsMu.Lock()
	defer liveObjectsMu.Unlock()
	n := 0
	for obj := range liveObjects {
		if refType == "" || obj.RefType() == refType {
			n++
		}
	}
	return n
}

// DoRepeatedLeakCheck iterates through the live object map and reports every
// object still present. It should be called when no reference-counted
// objects are reachable anymore, at which point anything left in the map is
// considered a leak. It may be called multiple times.
func DoRepeatedLeakCheck() {
	liveObjectsMu.Lock()
	mode := leakMode
	var msgs []string
	for obj := range liveObjects {
		msgs = append(msgs, obj.LeakMessage())
	}
	liveObjectsMu.Unlock()

	if mode == NoLeakChecking || len(msgs) == 0 {
		return
	}
	sort.Strings(msgs)
	msg := fmt.Sprintf("Leak checking detected %d leaked objects:\n%s\n", len(msgs), strings.Join(msgs, "\n"))
	if mode == LeaksPanic {
		panic(msg)
	}
	log.Warningf(msg)
}
