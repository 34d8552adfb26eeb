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

// Package handle implements capability handles: per-process tables mapping
// handle values to kernel objects together with the rights the holder has on
// them.
package handle

import (
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"dmapin.dev/dmapin/pkg/errors/kerr"
	"dmapin.dev/dmapin/pkg/sync"
)

// Rights is the set of operations a handle permits.
type Rights uint32

// Rights bits.
const (
	RightDuplicate Rights = 1 << iota
	RightTransfer
	RightRead
	RightWrite
	RightExecute
	RightMap
	RightInspect

	// RightsBasic are the rights every object handle starts with.
	RightsBasic = RightDuplicate | RightTransfer | RightInspect

	// RightsIO are the rights needed to access an object's data.
	RightsIO = RightRead | RightWrite
)

var rightNames = []struct {
	bit  Rights
	name string
}{
	{RightDuplicate, "duplicate"},
	{RightTransfer, "transfer"},
	{RightRead, "read"},
	{RightWrite, "write"},
	{RightExecute, "execute"},
	{RightMap, "map"},
	{RightInspect, "inspect"},
}

// Has returns true if r contains every right in want.
func (r Rights) Has(want Rights) bool {
	return r&want == want
}

// String implements fmt.Stringer.
func (r Rights) String() string {
	if r == 0 {
		return "none"
	}
	var names []string
	for _, n := range rightNames {
		if r&n.bit != 0 {
			names = append(names, n.name)
			r &^= n.bit
		}
	}
	if r != 0 {
		names = append(names, fmt.Sprintf("%#x", uint32(r)))
	}
	return strings.Join(names, "|")
}

// Count is the number of handles referring to an object.
type Count struct {
	n atomic.Int64
}

// Load returns the current number of handles.
func (c *Count) Load() int64 {
	return c.n.Load()
}

func (c *Count) inc() {
	c.n.Add(1)
}

// dec drops a handle and reports whether it was the last one.
func (c *Count) dec() bool {
	v := c.n.Add(-1)
	if v < 0 {
		panic(fmt.Sprintf("negative handle count %d", v))
	}
	return v == 0
}

// Dispatcher is an object that handles can refer to.
type Dispatcher interface {
	// IncRef and DecRef manage the object's lifetime. Each handle owns
	// one reference.
	IncRef()
	DecRef()

	// HandleCount returns the object's handle count.
	HandleCount() *Count

	// OnZeroHandles is called when the last handle to the object is
	// closed, before that handle's reference is dropped. It must not
	// block on the handle table.
	OnZeroHandles()
}

// Value names a handle within a Table. Zero is never a valid handle.
type Value uint32

// Invalid is the invalid handle value.
const Invalid Value = 0

// Handle is a handle removed from its table. The holder owns the handle's
// reference and must call Close.
type Handle struct {
	d      Dispatcher
	rights Rights
}

// Dispatcher returns the object h refers to.
func (h *Handle) Dispatcher() Dispatcher {
	return h.d
}

// Rights returns the rights of h.
func (h *Handle) Rights() Rights {
	return h.rights
}

// Close drops the handle. If it was the object's last handle,
// OnZeroHandles runs first.
func (h *Handle) Close() {
	if h.d.HandleCount().dec() {
		h.d.OnZeroHandles()
	}
	h.d.DecRef()
	h.d = nil
}

// Table is a process's handle table.
type Table struct {
	mu sync.Mutex

	// +checklocks:mu
	next Value

	// +checklocks:mu
	handles map[Value]Handle
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		next:    1,
		handles: make(map[Value]Handle),
	}
}

// Add installs a handle to d with the given rights. It consumes the caller's
// reference on d.
func (t *Table) Add(d Dispatcher, rights Rights) Value {
	d.HandleCount().inc()
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(Handle{d: d, rights: rights})
}

// +checklocks:t.mu
func (t *Table) addLocked(h Handle) Value {
	v := t.next
	t.next++
	if t.next == Invalid {
		t.next++
	}
	if _, ok := t.handles[v]; ok {
		panic(fmt.Sprintf("handle value %d reused", v))
	}
	t.handles[v] = h
	return v
}

// Get returns the object v refers to with a new reference, along with the
// handle's rights. want lists the rights the caller needs.
func (t *Table) Get(v Value, want Rights) (Dispatcher, Rights, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[v]
	if !ok {
		return nil, 0, kerr.ErrBadHandle
	}
	if !h.rights.Has(want) {
		return nil, 0, kerr.ErrAccessDenied
	}
	h.d.IncRef()
	return h.d, h.rights, nil
}

// GetAs is Get for objects of a specific type. It fails with ErrWrongType if
// v refers to anything else.
func GetAs[T Dispatcher](t *Table, v Value, want Rights) (T, Rights, error) {
	var zero T
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[v]
	if !ok {
		return zero, 0, kerr.ErrBadHandle
	}
	d, ok := h.d.(T)
	if !ok {
		return zero, 0, kerr.ErrWrongType
	}
	if !h.rights.Has(want) {
		return zero, 0, kerr.ErrAccessDenied
	}
	d.IncRef()
	return d, h.rights, nil
}

// Rights returns the rights of handle v.
func (t *Table) Rights(v Value) (Rights, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[v]
	if !ok {
		return 0, kerr.ErrBadHandle
	}
	return h.rights, nil
}

// Duplicate installs a new handle to the object of v with a subset of its
// rights. v must have RightDuplicate.
func (t *Table) Duplicate(v Value, rights Rights) (Value, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[v]
	if !ok {
		return Invalid, kerr.ErrBadHandle
	}
	if !h.rights.Has(RightDuplicate) {
		return Invalid, kerr.ErrAccessDenied
	}
	if !h.rights.Has(rights) {
		return Invalid, kerr.ErrInvalidArgs
	}
	h.d.IncRef()
	h.d.HandleCount().inc()
	return t.addLocked(Handle{d: h.d, rights: rights}), nil
}

// Remove takes handle v out of the table. The caller owns the result and
// must Close it.
func (t *Table) Remove(v Value) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[v]
	if !ok {
		return nil, kerr.ErrBadHandle
	}
	delete(t.handles, v)
	return &h, nil
}

// Close removes and closes handle v.
func (t *Table) Close(v Value) error {
	h, err := t.Remove(v)
	if err != nil {
		return err
	}
	h.Close()
	return nil
}

// CloseAll closes every handle in the table, in handle value order.
func (t *Table) CloseAll() {
	t.mu.Lock()
	hs := make([]Value, 0, len(t.handles))
	for v := range t.handles {
		hs = append(hs, v)
	}
	t.mu.Unlock()
	slices.Sort(hs)
	for _, v := range hs {
		// Handles closed concurrently are already gone.
		_ = t.Close(v)
	}
}

// Len returns the number of handles in the table.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

