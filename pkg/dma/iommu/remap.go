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

package iommu

import (
	"fmt"

	"dmapin.dev/dmapin/pkg/dma/vmo"
	"dmapin.dev/dmapin/pkg/errors/kerr"
	"dmapin.dev/dmapin/pkg/hostarch"
	"dmapin.dev/dmapin/pkg/sync"
	"github.com/google/btree"
)

// btreeDegree is the degree of each address space's extent tree.
const btreeDegree = 8

// RemapOptions configures a Remap.
type RemapOptions struct {
	// Granule is the minimum contiguity of every address space. It must be
	// a power of two no smaller than a page. Zero means one page.
	Granule uint64

	// Base is the lowest device address handed out. It must be granule
	// aligned.
	Base uint64

	// AspaceSize is the size of each device address space. Zero means
	// 4GiB.
	AspaceSize uint64

	// MaxExtent bounds how many bytes a single Map call covers. It must be
	// a multiple of Granule. Zero means no bound.
	MaxExtent uint64

	// BusTxnIDs is the number of valid bus transaction ids, 0 through
	// BusTxnIDs-1. Zero means 65536.
	BusTxnIDs uint64
}

// extent is one device address range produced by a single Map call.
type extent struct {
	addr  DevAddr
	perms Perms

	// paddrs holds the physical address of every page of the extent.
	paddrs []uint64
}

func (e extent) end() DevAddr {
	return e.addr + DevAddr(len(e.paddrs))<<hostarch.PageShift
}

func extentLess(a, b extent) bool {
	return a.addr < b.addr
}

// addressSpace is the set of extents mapped for a bus transaction id.
type addressSpace struct {
	extents *btree.BTreeG[extent]
	mapped  uint64
}

// Remap is a software IOMMU. Each bus transaction id owns a separate device
// address space in which extents are allocated first fit.
type Remap struct {
	opts RemapOptions

	mu sync.Mutex

	// +checklocks:mu
	spaces map[uint64]*addressSpace

	// failAfter is the number of Map calls left before mapErr is returned.
	// It is negative when no failure is pending.
	//
	// +checklocks:mu
	failAfter int

	// +checklocks:mu
	mapErr error
}

var _ IOMMU = (*Remap)(nil)

// NewRemap returns a remapping unit with no extents mapped.
func NewRemap(opts RemapOptions) (*Remap, error) {
	if opts.Granule == 0 {
		opts.Granule = hostarch.PageSize
	}
	if opts.AspaceSize == 0 {
		opts.AspaceSize = 1 << 32
	}
	if opts.BusTxnIDs == 0 {
		opts.BusTxnIDs = 1 << 16
	}
	switch {
	case !hostarch.IsPowerOfTwo(opts.Granule) || opts.Granule < hostarch.PageSize:
		return nil, fmt.Errorf("granule %#x is not a power of two of at least a page: %w", opts.Granule, kerr.ErrInvalidArgs)
	case opts.Base%opts.Granule != 0:
		return nil, fmt.Errorf("base %#x is not aligned to granule %#x: %w", opts.Base, opts.Granule, kerr.ErrInvalidArgs)
	case opts.AspaceSize%opts.Granule != 0 || opts.Base+opts.AspaceSize < opts.Base:
		return nil, fmt.Errorf("address space [%#x, +%#x) is invalid: %w", opts.Base, opts.AspaceSize, kerr.ErrInvalidArgs)
	case opts.MaxExtent%opts.Granule != 0:
		return nil, fmt.Errorf("max extent %#x is not a multiple of granule %#x: %w", opts.MaxExtent, opts.Granule, kerr.ErrInvalidArgs)
	}
	return &Remap{
		opts:      opts,
		spaces:    make(map[uint64]*addressSpace),
		failAfter: -1,
	}, nil
}

// InjectMapFailure makes Map fail with err once after more calls have
// succeeded.
func (r *Remap) InjectMapFailure(after int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAfter = after
	r.mapErr = err
}

// IsValidBusTxnID implements IOMMU.IsValidBusTxnID.
func (r *Remap) IsValidBusTxnID(id uint64) bool {
	return id < r.opts.BusTxnIDs
}

// MinimumContiguity implements IOMMU.MinimumContiguity.
func (r *Remap) MinimumContiguity(uint64) uint64 {
	return r.opts.Granule
}

// AspaceSize implements IOMMU.AspaceSize.
func (r *Remap) AspaceSize(uint64) uint64 {
	return r.opts.AspaceSize
}

// +checklocks:r.mu
func (r *Remap) spaceLocked(id uint64) *addressSpace {
	as, ok := r.spaces[id]
	if !ok {
		as = &addressSpace{extents: btree.NewG(btreeDegree, extentLess)}
		r.spaces[id] = as
	}
	return as
}

// allocLocked finds the lowest granule aligned device address with length
// free bytes behind it.
//
// +checklocks:r.mu
func (r *Remap) allocLocked(as *addressSpace, length uint64) (DevAddr, bool) {
	candidate := r.opts.Base
	limit := r.opts.Base + r.opts.AspaceSize
	found := false
	as.extents.Ascend(func(e extent) bool {
		if candidate+length <= uint64(e.addr) {
			found = true
			return false
		}
		next, ok := hostarch.RoundUp(uint64(e.end()), r.opts.Granule)
		if !ok {
			candidate = limit
			return false
		}
		if next > candidate {
			candidate = next
		}
		return true
	})
	if !found && (candidate > limit || limit-candidate < length) {
		return 0, false
	}
	return DevAddr(candidate), true
}

// Map implements IOMMU.Map.
func (r *Remap) Map(id uint64, obj vmo.Object, offset, size uint64, perms Perms) (DevAddr, uint64, error) {
	if !r.IsValidBusTxnID(id) {
		return InvalidDevAddr, 0, kerr.ErrInvalidArgs
	}
	if !perms.Valid() || size == 0 || !hostarch.IsPageAligned(offset) || !hostarch.IsPageAligned(size) {
		return InvalidDevAddr, 0, kerr.ErrInvalidArgs
	}
	length := size
	if r.opts.MaxExtent != 0 && length > r.opts.MaxExtent {
		length = r.opts.MaxExtent
	}
	paddrs := make([]uint64, 0, length>>hostarch.PageShift)
	if err := obj.Lookup(offset, length, func(_ uint64, _ int, paddr uint64) error {
		paddrs = append(paddrs, paddr)
		return nil
	}); err != nil {
		return InvalidDevAddr, 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failAfter == 0 {
		r.failAfter = -1
		return InvalidDevAddr, 0, r.mapErr
	}
	if r.failAfter > 0 {
		r.failAfter--
	}
	as := r.spaceLocked(id)
	addr, ok := r.allocLocked(as, length)
	if !ok {
		return InvalidDevAddr, 0, kerr.ErrNoResources
	}
	as.extents.ReplaceOrInsert(extent{addr: addr, perms: perms, paddrs: paddrs})
	as.mapped += length
	return addr, length, nil
}

// Unmap implements IOMMU.Unmap. The range may cover parts of extents, which
// are split. It fails with ErrNotFound, and changes nothing, unless every
// page of the range is mapped.
func (r *Remap) Unmap(id uint64, addr DevAddr, size uint64) error {
	if !r.IsValidBusTxnID(id) {
		return kerr.ErrInvalidArgs
	}
	if size == 0 || !hostarch.IsPageAligned(uint64(addr)) || !hostarch.IsPageAligned(size) {
		return kerr.ErrInvalidArgs
	}
	end := addr + DevAddr(size)
	if end < addr {
		return kerr.ErrOutOfRange
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	as, ok := r.spaces[id]
	if !ok {
		return kerr.ErrNotFound
	}

	var overlapping []extent
	// The first overlapping extent may start below addr.
	as.extents.DescendLessOrEqual(extent{addr: addr}, func(e extent) bool {
		if e.end() > addr {
			overlapping = append(overlapping, e)
		}
		return false
	})
	as.extents.AscendRange(extent{addr: addr + 1}, extent{addr: end}, func(e extent) bool {
		overlapping = append(overlapping, e)
		return true
	})

	// The overlapping extents must cover [addr, end) without holes.
	covered := addr
	for _, e := range overlapping {
		if e.addr > covered {
			return kerr.ErrNotFound
		}
		covered = e.end()
	}
	if covered < end {
		return kerr.ErrNotFound
	}

	for _, e := range overlapping {
		as.extents.Delete(e)
		if e.addr < addr {
			n := (addr - e.addr) >> hostarch.PageShift
			as.extents.ReplaceOrInsert(extent{addr: e.addr, perms: e.perms, paddrs: e.paddrs[:n]})
		}
		if e.end() > end {
			n := (end - e.addr) >> hostarch.PageShift
			as.extents.ReplaceOrInsert(extent{addr: end, perms: e.perms, paddrs: e.paddrs[n:]})
		}
	}
	as.mapped -= size
	return nil
}

// Translate returns the physical address that device address addr of bus
// transaction id resolves to, and the permissions of its mapping.
func (r *Remap) Translate(id uint64, addr DevAddr) (uint64, Perms, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	as, ok := r.spaces[id]
	if !ok {
		return 0, 0, kerr.ErrNotFound
	}
	var (
		paddr uint64
		perms Perms
		found bool
	)
	as.extents.DescendLessOrEqual(extent{addr: addr}, func(e extent) bool {
		if addr < e.end() {
			off := uint64(addr - e.addr)
			paddr = e.paddrs[off>>hostarch.PageShift] + hostarch.PageOffset(off)
			perms = e.perms
			found = true
		}
		return false
	})
	if !found {
		return 0, 0, kerr.ErrNotFound
	}
	return paddr, perms, nil
}

// Mapped returns the number of bytes mapped in the address space of id.
func (r *Remap) Mapped(id uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if as, ok := r.spaces[id]; ok {
		return as.mapped
	}
	return 0
}

// Extents returns the number of extents mapped in the address space of id.
func (r *Remap) Extents(id uint64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if as, ok := r.spaces[id]; ok {
		return as.extents.Len()
	}
	return 0
}
