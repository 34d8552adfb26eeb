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

package vmo

import (
	"dmapin.dev/dmapin/pkg/errors/kerr"
	"dmapin.dev/dmapin/pkg/hostarch"
	"dmapin.dev/dmapin/pkg/refs"
)

// Physical is a non-paged memory object covering a physically contiguous
// range. It is always resident, so commit and pin are no-ops.
type Physical struct {
	refs refs.Refs

	// mem is the arena the range was allocated from, or nil if the range
	// is not owned by this object.
	mem  *PhysMem
	base uint64
	size uint64
}

var _ Object = (*Physical)(nil)

// NewContiguous allocates size bytes of contiguous frames from mem.
func NewContiguous(mem *PhysMem, size uint64) (*Physical, error) {
	if size == 0 || !hostarch.IsPageAligned(size) {
		return nil, kerr.ErrInvalidArgs
	}
	base, err := mem.AllocContiguous(size >> hostarch.PageShift)
	if err != nil {
		return nil, err
	}
	p := &Physical{mem: mem, base: base, size: size}
	p.refs.InitRefs()
	return p, nil
}

// NewPhysical returns an object for the fixed range [base, base+size), such
// as a device's memory window. The range is not freed on destruction.
func NewPhysical(base, size uint64) (*Physical, error) {
	if size == 0 || !hostarch.IsPageAligned(base) || !hostarch.IsPageAligned(size) || base+size < base {
		return nil, kerr.ErrInvalidArgs
	}
	p := &Physical{base: base, size: size}
	p.refs.InitRefs()
	return p, nil
}

// IncRef implements Object.IncRef.
func (p *Physical) IncRef() {
	p.refs.IncRef()
}

// DecRef implements Object.DecRef.
func (p *Physical) DecRef() {
	p.refs.DecRef(func() {
		if p.mem != nil {
			p.mem.FreeRange(p.base, p.size>>hostarch.PageShift)
		}
	})
}

// Base returns the physical address of the object's first byte.
func (p *Physical) Base() uint64 {
	return p.base
}

// IsPaged implements Object.IsPaged.
func (*Physical) IsPaged() bool {
	return false
}

// Size implements Object.Size.
func (p *Physical) Size() uint64 {
	return p.size
}

// CommitRange implements Object.CommitRange.
func (p *Physical) CommitRange(offset, length uint64) error {
	return checkRange(p.size, offset, length)
}

// Pin implements Object.Pin.
func (p *Physical) Pin(offset, length uint64) error {
	return checkRange(p.size, offset, length)
}

// Unpin implements Object.Unpin.
func (*Physical) Unpin(offset, length uint64) {}

// Lookup implements Object.Lookup.
func (p *Physical) Lookup(offset, length uint64, fn LookupFunc) error {
	if err := checkRange(p.size, offset, length); err != nil {
		return err
	}
	for i := 0; uint64(i)<<hostarch.PageShift < length; i++ {
		off := offset + uint64(i)<<hostarch.PageShift
		if err := fn(off, i, p.base+off); err != nil {
			return err
		}
	}
	return nil
}
