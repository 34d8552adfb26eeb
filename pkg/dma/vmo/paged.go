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
	"fmt"
	"math"

	"dmapin.dev/dmapin/pkg/errors/kerr"
	"dmapin.dev/dmapin/pkg/hostarch"
	"dmapin.dev/dmapin/pkg/refs"
	"dmapin.dev/dmapin/pkg/sync"
)

type page struct {
	paddr     uint64
	committed bool
	pins      uint32
}

// Paged is a demand-paged memory object. Pages are allocated from a PhysMem
// on commit and returned on decommit or destruction. Pinned pages cannot be
// decommitted.
type Paged struct {
	refs refs.Refs

	mem  *PhysMem
	size uint64

	mu sync.Mutex

	// +checklocks:mu
	pages []page
}

var _ Object = (*Paged)(nil)

// NewPaged returns an uncommitted object of size bytes holding one reference.
func NewPaged(mem *PhysMem, size uint64) (*Paged, error) {
	if size == 0 || !hostarch.IsPageAligned(size) {
		return nil, kerr.ErrInvalidArgs
	}
	p := &Paged{
		mem:   mem,
		size:  size,
		pages: make([]page, size>>hostarch.PageShift),
	}
	p.refs.InitRefs()
	return p, nil
}

// IncRef implements Object.IncRef.
func (p *Paged) IncRef() {
	p.refs.IncRef()
}

// DecRef implements Object.DecRef.
func (p *Paged) DecRef() {
	p.refs.DecRef(p.destroy)
}

func (p *Paged) destroy() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.pages {
		pg := &p.pages[i]
		if pg.pins != 0 {
			panic(fmt.Sprintf("destroying object with page %d pinned %d times", i, pg.pins))
		}
		if pg.committed {
			p.mem.FreePage(pg.paddr)
			*pg = page{}
		}
	}
}

// IsPaged implements Object.IsPaged.
func (*Paged) IsPaged() bool {
	return true
}

// Size implements Object.Size.
func (p *Paged) Size() uint64 {
	return p.size
}

// CommitRange implements Object.CommitRange. Pages committed before an
// allocation failure stay committed.
func (p *Paged) CommitRange(offset, length uint64) error {
	if err := checkRange(p.size, offset, length); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	first, last := offset>>hostarch.PageShift, (offset+length)>>hostarch.PageShift
	for i := first; i < last; i++ {
		pg := &p.pages[i]
		if pg.committed {
			continue
		}
		paddr, err := p.mem.AllocPage()
		if err != nil {
			return err
		}
		pg.paddr = paddr
		pg.committed = true
	}
	return nil
}

// Pin implements Object.Pin.
func (p *Paged) Pin(offset, length uint64) error {
	if err := checkRange(p.size, offset, length); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	first, last := offset>>hostarch.PageShift, (offset+length)>>hostarch.PageShift
	for i := first; i < last; i++ {
		pg := &p.pages[i]
		if !pg.committed {
			return kerr.ErrNotFound
		}
		if pg.pins == math.MaxUint32 {
			return kerr.ErrNoResources
		}
	}
	for i := first; i < last; i++ {
		p.pages[i].pins++
	}
	return nil
}

// Unpin implements Object.Unpin.
func (p *Paged) Unpin(offset, length uint64) {
	if err := checkRange(p.size, offset, length); err != nil {
		panic(fmt.Sprintf("Unpin(%#x, %#x): %v", offset, length, err))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	first, last := offset>>hostarch.PageShift, (offset+length)>>hostarch.PageShift
	for i := first; i < last; i++ {
		pg := &p.pages[i]
		if pg.pins == 0 {
			panic(fmt.Sprintf("unpinning page %d at offset %#x which is not pinned", i, i<<hostarch.PageShift))
		}
		pg.pins--
	}
}

// Decommit returns the pages in [offset, offset+length) to the arena. It
// fails with ErrBadState, and does nothing, if any page in the range is
// pinned.
func (p *Paged) Decommit(offset, length uint64) error {
	if err := checkRange(p.size, offset, length); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	first, last := offset>>hostarch.PageShift, (offset+length)>>hostarch.PageShift
	for i := first; i < last; i++ {
		if p.pages[i].pins != 0 {
			return kerr.ErrBadState
		}
	}
	for i := first; i < last; i++ {
		pg := &p.pages[i]
		if pg.committed {
			p.mem.FreePage(pg.paddr)
			*pg = page{}
		}
	}
	return nil
}

// PinnedPages returns the number of pages with at least one pin.
func (p *Paged) PinnedPages() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var n uint64
	for i := range p.pages {
		if p.pages[i].pins != 0 {
			n++
		}
	}
	return n
}

// Lookup implements Object.Lookup. fn is called without the object's lock
// held.
func (p *Paged) Lookup(offset, length uint64, fn LookupFunc) error {
	if err := checkRange(p.size, offset, length); err != nil {
		return err
	}
	first, last := offset>>hostarch.PageShift, (offset+length)>>hostarch.PageShift
	paddrs := make([]uint64, 0, last-first)
	p.mu.Lock()
	for i := first; i < last; i++ {
		pg := &p.pages[i]
		if !pg.committed {
			p.mu.Unlock()
			return kerr.ErrNotFound
		}
		paddrs = append(paddrs, pg.paddr)
	}
	p.mu.Unlock()

	for i, paddr := range paddrs {
		if err := fn(offset+uint64(i)<<hostarch.PageShift, i, paddr); err != nil {
			return err
		}
	}
	return nil
}
