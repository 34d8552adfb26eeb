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

	"dmapin.dev/dmapin/pkg/errors/kerr"
	"dmapin.dev/dmapin/pkg/hostarch"
	"dmapin.dev/dmapin/pkg/sync"
)

// PhysMemOptions configures a PhysMem.
type PhysMemOptions struct {
	// Base is the physical address of the first frame. It must be page
	// aligned.
	Base uint64

	// Pages is the number of frames in the arena.
	Pages uint64

	// Scatter makes single-page allocations come from the top of the arena
	// downwards, so consecutive allocations are never physically
	// contiguous in ascending order.
	Scatter bool
}

// PhysMem is a simulated physical page-frame arena.
type PhysMem struct {
	base    uint64
	scatter bool

	mu sync.Mutex

	// used[i] is true if frame i is allocated.
	//
	// +checklocks:mu
	used []bool

	// +checklocks:mu
	free uint64
}

// NewPhysMem returns an arena of opts.Pages free frames.
func NewPhysMem(opts PhysMemOptions) (*PhysMem, error) {
	if !hostarch.IsPageAligned(opts.Base) || opts.Pages == 0 {
		return nil, kerr.ErrInvalidArgs
	}
	if end := opts.Base + opts.Pages*hostarch.PageSize; end < opts.Base {
		return nil, kerr.ErrOutOfRange
	}
	return &PhysMem{
		base:    opts.Base,
		scatter: opts.Scatter,
		used:    make([]bool, opts.Pages),
		free:    opts.Pages,
	}, nil
}

// FreePages returns the number of unallocated frames.
func (m *PhysMem) FreePages() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.free
}

// TotalPages returns the size of the arena in frames.
func (m *PhysMem) TotalPages() uint64 {
	return uint64(len(m.used))
}

func (m *PhysMem) frame(paddr uint64) int {
	if paddr < m.base || !hostarch.IsPageAligned(paddr) {
		panic(fmt.Sprintf("physical address %#x outside arena at %#x", paddr, m.base))
	}
	i := (paddr - m.base) >> hostarch.PageShift
	if i >= uint64(len(m.used)) {
		panic(fmt.Sprintf("physical address %#x outside arena at %#x", paddr, m.base))
	}
	return int(i)
}

// AllocPage allocates one frame.
func (m *PhysMem) AllocPage() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.free == 0 {
		return 0, kerr.ErrNoMemory
	}
	n := len(m.used)
	for j := 0; j < n; j++ {
		i := j
		if m.scatter {
			i = n - 1 - j
		}
		if !m.used[i] {
			m.used[i] = true
			m.free--
			return m.base + uint64(i)<<hostarch.PageShift, nil
		}
	}
	panic(fmt.Sprintf("free count %d but no free frame", m.free))
}

// AllocContiguous allocates pages physically contiguous frames, first fit.
func (m *PhysMem) AllocContiguous(pages uint64) (uint64, error) {
	if pages == 0 {
		return 0, kerr.ErrInvalidArgs
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if pages > m.free {
		return 0, kerr.ErrNoMemory
	}
	run := uint64(0)
	for i := range m.used {
		if m.used[i] {
			run = 0
			continue
		}
		run++
		if run == pages {
			start := uint64(i) + 1 - pages
			for j := start; j <= uint64(i); j++ {
				m.used[j] = true
			}
			m.free -= pages
			return m.base + start<<hostarch.PageShift, nil
		}
	}
	return 0, kerr.ErrNoMemory
}

// FreeRange returns pages frames starting at paddr to the arena.
func (m *PhysMem) FreeRange(paddr, pages uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := uint64(0); p < pages; p++ {
		i := m.frame(paddr + p<<hostarch.PageShift)
		if !m.used[i] {
			panic(fmt.Sprintf("double free of physical page %#x", paddr+p<<hostarch.PageShift))
		}
		m.used[i] = false
		m.free++
	}
}

// FreePage returns one frame to the arena.
func (m *PhysMem) FreePage(paddr uint64) {
	m.FreeRange(paddr, 1)
}
