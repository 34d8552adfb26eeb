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

// Package pmt implements pinned memory tokens.
//
// A token keeps a range of a memory object pinned and mapped into the device
// address space of a bus transaction initiator (its owner) for as long as it
// lives. Tokens are torn down in one of two ways:
//
//   - Explicit unpin: the holder calls MarkUnpinned before dropping its
//     handle. The device mapping is removed when the last handle goes away
//     and the memory is unpinned when the last reference goes away.
//   - Implicit release: the last handle is closed without MarkUnpinned, for
//     example when the holding process dies. The device mapping is removed
//     but the token moves to its owner's quarantine, which keeps the memory
//     pinned until the quarantine is released. A device that is still
//     issuing DMA to the range therefore never touches reused memory.
//
// Lock order:
//
//	Owner.Mutex()
//	  vmo.Object internal locks
//	  iommu.IOMMU internal locks
package pmt

import (
	"fmt"

	"dmapin.dev/dmapin/pkg/cleanup"
	"dmapin.dev/dmapin/pkg/dma/handle"
	"dmapin.dev/dmapin/pkg/dma/iommu"
	"dmapin.dev/dmapin/pkg/dma/vmo"
	"dmapin.dev/dmapin/pkg/errors/kerr"
	"dmapin.dev/dmapin/pkg/hostarch"
	"dmapin.dev/dmapin/pkg/log"
	"dmapin.dev/dmapin/pkg/metric"
	"dmapin.dev/dmapin/pkg/refs"
	"dmapin.dev/dmapin/pkg/sync"
)

// DefaultRights are the rights of a handle to a new token.
const DefaultRights = handle.RightInspect

// maxAddrs bounds the number of device address slots of one token. Larger
// requests fail with ErrNoMemory.
var maxAddrs = uint64(1) << 24

// Owner is the bus transaction initiator a token maps into. Its mutex
// protects the mutable state of every token it owns.
type Owner interface {
	refs.RefCounter

	// BusTxnID returns the id of the owner's device address space.
	BusTxnID() uint64

	// IOMMU returns the translation unit the owner maps through.
	IOMMU() iommu.IOMMU

	// MinimumContiguity returns the device address granule.
	MinimumContiguity() uint64

	// Mutex returns the lock shared by the owner and its tokens.
	Mutex() *sync.Mutex

	// AddPinnedLocked records a new token.
	AddPinnedLocked(t *Token)

	// RemovePinnedLocked forgets a destroyed token.
	RemovePinnedLocked(t *Token)

	// QuarantineLocked takes a reference on t and holds it until the
	// quarantine is released.
	QuarantineLocked(t *Token)
}

// State is the lifecycle state of a token.
type State int

const (
	// Alive tokens are mapped, or about to be, and may have handles.
	Alive State = iota

	// Quarantined tokens have no handles and no device mapping but keep
	// their memory pinned.
	Quarantined

	// Destroyed tokens have released their memory.
	Destroyed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Alive:
		return "alive"
	case Quarantined:
		return "quarantined"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Token is a pinned memory token.
type Token struct {
	refs    refs.Refs
	handles handle.Count

	owner Owner
	mu    *sync.Mutex
	obj   vmo.Object

	// offset and size describe the pinned range of obj.
	offset uint64
	size   uint64

	// contiguous is true if the pinned range is one run of ascending
	// physical pages.
	contiguous bool

	// granule is the owner's minimum contiguity.
	granule uint64

	// mappedAddrs holds the device address of each granule of the range.
	// Slots are either all InvalidDevAddr, meaning nothing is mapped, or
	// all valid.
	//
	// +checklocks:mu
	mappedAddrs []iommu.DevAddr

	// +checklocks:mu
	explicitlyUnpinned bool

	// +checklocks:mu
	state State
}

var _ handle.Dispatcher = (*Token)(nil)

// Create pins [offset, offset+size) of obj and maps it into owner's device
// address space with the given permissions. The returned token holds one
// reference, owned by the caller, along with the rights its handles get.
//
// On failure nothing stays pinned, mapped or registered with owner.
func Create(owner Owner, obj vmo.Object, offset, size uint64, perms iommu.Perms) (*Token, handle.Rights, error) {
	if size == 0 || !hostarch.IsPageAligned(offset) || !hostarch.IsPageAligned(size) {
		return nil, 0, kerr.ErrInvalidArgs
	}

	contiguous := true
	if obj.IsPaged() {
		if err := obj.CommitRange(offset, size); err != nil {
			log.Debugf("Committing [%#x, %#x) failed: %v", offset, offset+size, err)
			return nil, 0, err
		}
		if err := obj.Pin(offset, size); err != nil {
			log.Debugf("Pinning [%#x, %#x) failed: %v", offset, offset+size, err)
			return nil, 0, err
		}
		contiguous = isContiguous(obj, offset, size)
	}

	cu := cleanup.Make(func() {
		if obj.IsPaged() {
			obj.Unpin(offset, size)
		}
	})
	defer cu.Clean()

	granule := owner.MinimumContiguity()
	if !hostarch.IsPowerOfTwo(granule) || granule < hostarch.PageSize {
		panic(fmt.Sprintf("minimum contiguity %#x is not a power of two of at least a page", granule))
	}
	n := hostarch.DivRoundUp(size, granule)
	if n > maxAddrs {
		return nil, 0, kerr.ErrNoMemory
	}

	obj.IncRef()
	owner.IncRef()
	t := &Token{
		owner:       owner,
		mu:          owner.Mutex(),
		obj:         obj,
		offset:      offset,
		size:        size,
		contiguous:  contiguous,
		granule:     granule,
		mappedAddrs: make([]iommu.DevAddr, n),
	}
	t.refs.InitRefs()
	refs.Register(t)

	err := func() error {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.invalidateLocked()
		owner.AddPinnedLocked(t)
		metric.PinnedTokens.Inc()
		metric.PinnedBytes.Add(float64(size))

		// The token unpins from here on.
		cu.Release()

		return t.mapIntoIOMMULocked(perms)
	}()
	if err != nil {
		log.Debugf("Mapping %v failed: %v", t, err)
		metric.MapFailures.Inc()
		t.DecRef()
		return nil, 0, err
	}
	return t, DefaultRights, nil
}

// isContiguous returns true if every page of the range directly follows the
// previous one in physical memory.
func isContiguous(obj vmo.Object, offset, size uint64) bool {
	var next uint64
	err := obj.Lookup(offset, size, func(_ uint64, index int, paddr uint64) error {
		if index != 0 && paddr != next {
			return kerr.ErrNotFound
		}
		next = paddr + hostarch.PageSize
		return nil
	})
	return err == nil
}

// +checklocks:t.mu
func (t *Token) invalidateLocked() {
	for i := range t.mappedAddrs {
		t.mappedAddrs[i] = iommu.InvalidDevAddr
	}
}

// checkMapped panics if an IOMMU reported an impossible mapping length.
func checkMapped(mapped, requested uint64) {
	if mapped == 0 || mapped > requested {
		panic(fmt.Sprintf("IOMMU mapped %#x bytes of a %#x byte request", mapped, requested))
	}
}

// mapIntoIOMMULocked maps the pinned range and fills mappedAddrs. On failure
// nothing remains mapped.
//
// +checklocks:t.mu
func (t *Token) mapIntoIOMMULocked(perms iommu.Perms) error {
	if t.contiguous {
		return t.mapContiguousLocked(perms)
	}
	return t.mapScatteredLocked(perms)
}

// mapContiguousLocked maps a physically contiguous range. Callers expect a
// contiguous buffer to be contiguous in device address space too, so every
// extent must directly follow the previous one.
//
// +checklocks:t.mu
func (t *Token) mapContiguousLocked(perms iommu.Perms) error {
	iom, id := t.owner.IOMMU(), t.owner.BusTxnID()
	base := iommu.InvalidDevAddr
	var mapped uint64
	for mapped < t.size {
		remaining := t.size - mapped
		addr, n, err := iom.Map(id, t.obj, t.offset+mapped, remaining, perms)
		metric.MapCalls.Inc()
		if err != nil {
			if mapped != 0 {
				t.unmapRangeLocked(base, mapped)
			}
			return err
		}
		checkMapped(n, remaining)
		if mapped == 0 {
			base = addr
		} else if addr != base+iommu.DevAddr(mapped) {
			log.Warningf("IOMMU mapped contiguous range of %v at %#x, want %#x", t, addr, base+iommu.DevAddr(mapped))
			t.unmapRangeLocked(base, mapped)
			t.unmapRangeLocked(addr, n)
			return kerr.ErrInternal
		}
		mapped += n
	}
	for i := range t.mappedAddrs {
		t.mappedAddrs[i] = base + iommu.DevAddr(uint64(i)*t.granule)
	}
	return nil
}

// unmapRangeLocked undoes part of a failed mapping.
//
// +checklocks:t.mu
func (t *Token) unmapRangeLocked(addr iommu.DevAddr, size uint64) {
	if err := t.owner.IOMMU().Unmap(t.owner.BusTxnID(), addr, size); err != nil {
		log.Warningf("Unmapping [%#x, %#x) after a failed mapping: %v", addr, uint64(addr)+size, err)
	}
}

// mapScatteredLocked maps a range whose pages are not physically contiguous.
// Every extent but the last must be a whole number of granules.
//
// +checklocks:t.mu
func (t *Token) mapScatteredLocked(perms iommu.Perms) error {
	iom, id := t.owner.IOMMU(), t.owner.BusTxnID()
	next := 0
	var mapped uint64
	for mapped < t.size {
		remaining := t.size - mapped
		addr, n, err := iom.Map(id, t.obj, t.offset+mapped, remaining, perms)
		metric.MapCalls.Inc()
		if err != nil {
			if uerr := t.unmapFromIOMMULocked(); uerr != nil {
				panic(fmt.Sprintf("unmapping %v after map failure %v: %v", t, err, uerr))
			}
			return err
		}
		checkMapped(n, remaining)
		if n%t.granule != 0 && n != remaining {
			panic(fmt.Sprintf("IOMMU mapped %#x bytes, not a multiple of granule %#x, with %#x bytes remaining", n, t.granule, remaining))
		}
		for off := uint64(0); off < n; off += t.granule {
			if next == len(t.mappedAddrs) {
				panic(fmt.Sprintf("%v: more than %d device address slots", t, len(t.mappedAddrs)))
			}
			t.mappedAddrs[next] = addr + iommu.DevAddr(off)
			next++
		}
		mapped += n
	}
	if next != len(t.mappedAddrs) {
		panic(fmt.Sprintf("%v: filled %d of %d device address slots", t, next, len(t.mappedAddrs)))
	}
	return nil
}

// unmapFromIOMMULocked removes the device mapping, if any. Every slot is
// unmapped even if some fail; the first error is returned. Afterwards
// nothing is considered mapped, so calling it again does nothing.
//
// +checklocks:t.mu
func (t *Token) unmapFromIOMMULocked() error {
	if t.mappedAddrs[0] == iommu.InvalidDevAddr {
		return nil
	}
	defer t.invalidateLocked()

	iom, id := t.owner.IOMMU(), t.owner.BusTxnID()
	if t.contiguous {
		return iom.Unmap(id, t.mappedAddrs[0], t.size)
	}
	var first error
	remaining := t.size
	for _, addr := range t.mappedAddrs {
		n := min(remaining, t.granule)
		remaining -= n
		if addr == iommu.InvalidDevAddr {
			continue
		}
		if err := iom.Unmap(id, addr, n); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// MarkUnpinned records that the token's holder is unpinning it on purpose,
// so closing its last handle releases the memory instead of quarantining
// it.
func (t *Token) MarkUnpinned() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.explicitlyUnpinned = true
}

// IncRef implements handle.Dispatcher.IncRef.
func (t *Token) IncRef() {
	t.refs.IncRef()
}

// DecRef implements handle.Dispatcher.DecRef.
func (t *Token) DecRef() {
	t.refs.DecRef(t.destroy)
}

// HandleCount implements handle.Dispatcher.HandleCount.
func (t *Token) HandleCount() *handle.Count {
	return &t.handles
}

// OnZeroHandles implements handle.Dispatcher.OnZeroHandles. The device
// mapping is removed immediately. Unless the token was explicitly unpinned,
// the memory stays pinned in the owner's quarantine.
func (t *Token) OnZeroHandles() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.unmapFromIOMMULocked(); err != nil {
		panic(fmt.Sprintf("unmapping %v on last handle close: %v", t, err))
	}
	if t.explicitlyUnpinned {
		return
	}
	t.state = Quarantined
	t.owner.QuarantineLocked(t)
	metric.QuarantinedTokens.Inc()
	metric.QuarantinedBytes.Add(float64(t.size))
}

// destroy runs when the last reference is dropped. The mapping is normally
// gone already, but not if no handle was ever created.
func (t *Token) destroy() {
	t.mu.Lock()
	if err := t.unmapFromIOMMULocked(); err != nil {
		panic(fmt.Sprintf("unmapping %v on destruction: %v", t, err))
	}
	if t.obj.IsPaged() {
		t.obj.Unpin(t.offset, t.size)
	}
	if t.state == Quarantined {
		metric.QuarantinedTokens.Dec()
		metric.QuarantinedBytes.Sub(float64(t.size))
	}
	t.state = Destroyed
	t.owner.RemovePinnedLocked(t)
	t.mu.Unlock()

	metric.PinnedTokens.Dec()
	metric.PinnedBytes.Sub(float64(t.size))
	refs.Unregister(t)
	t.obj.DecRef()
	t.owner.DecRef()
}

// Encoding selects how EncodeAddrs reports device addresses.
type Encoding int

const (
	// EncodeCompressed reports one address per granule.
	EncodeCompressed Encoding = iota

	// EncodeExpanded reports one address per page.
	EncodeExpanded

	// EncodeContiguous reports the single base address of a contiguous
	// token.
	EncodeContiguous
)

// String implements fmt.Stringer.
func (e Encoding) String() string {
	switch e {
	case EncodeCompressed:
		return "compressed"
	case EncodeExpanded:
		return "expanded"
	case EncodeContiguous:
		return "contiguous"
	default:
		return fmt.Sprintf("Encoding(%d)", int(e))
	}
}

// EncodeAddrs fills addrs with the token's device addresses. len(addrs) must
// be exactly the number of addresses the encoding produces: NumAddrs() for
// EncodeCompressed, Size()/PageSize for EncodeExpanded and 1 for
// EncodeContiguous.
func (t *Token) EncodeAddrs(enc Encoding, addrs []iommu.DevAddr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch enc {
	case EncodeCompressed:
		if len(addrs) != len(t.mappedAddrs) {
			return kerr.ErrInvalidArgs
		}
		copy(addrs, t.mappedAddrs)
	case EncodeExpanded:
		pages := t.size >> hostarch.PageShift
		if uint64(len(addrs)) != pages {
			return kerr.ErrInvalidArgs
		}
		next := 0
		for _, base := range t.mappedAddrs {
			for off := uint64(0); off < t.granule && next < len(addrs); off += hostarch.PageSize {
				addrs[next] = base + iommu.DevAddr(off)
				next++
			}
		}
	case EncodeContiguous:
		if !t.contiguous || len(addrs) != 1 {
			return kerr.ErrInvalidArgs
		}
		addrs[0] = t.mappedAddrs[0]
	default:
		return kerr.ErrInvalidArgs
	}
	return nil
}

// NumAddrs returns the number of granule addresses of the token.
func (t *Token) NumAddrs() int {
	return len(t.mappedAddrs)
}

// Offset returns the offset of the pinned range in the memory object.
func (t *Token) Offset() uint64 {
	return t.offset
}

// Size returns the size of the pinned range.
func (t *Token) Size() uint64 {
	return t.size
}

// Contiguous returns true if the pinned range is physically contiguous.
func (t *Token) Contiguous() bool {
	return t.contiguous
}

// Object returns the pinned memory object.
func (t *Token) Object() vmo.Object {
	return t.obj
}

// State returns the token's lifecycle state.
func (t *Token) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// StateLocked is State for callers holding the owner's lock.
//
// +checklocks:t.mu
func (t *Token) StateLocked() State {
	return t.state
}

// String implements fmt.Stringer.
func (t *Token) String() string {
	return fmt.Sprintf("token[bti %d, %#x+%#x]", t.owner.BusTxnID(), t.offset, t.size)
}

// RefType implements refs.CheckedObject.RefType.
func (t *Token) RefType() string {
	return "pmt.Token"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (t *Token) LeakMessage() string {
	return fmt.Sprintf("[pmt.Token %p] %v reference count of %d instead of 0", t, t, t.refs.ReadRefs())
}
