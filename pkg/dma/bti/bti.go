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

// Package bti implements bus transaction initiators: the device address
// space through which a device reaches pinned memory.
package bti

import (
	"fmt"
	"time"

	"dmapin.dev/dmapin/pkg/dma/handle"
	"dmapin.dev/dmapin/pkg/dma/iommu"
	"dmapin.dev/dmapin/pkg/dma/pmt"
	"dmapin.dev/dmapin/pkg/dma/vmo"
	"dmapin.dev/dmapin/pkg/errors/kerr"
	"dmapin.dev/dmapin/pkg/hostarch"
	"dmapin.dev/dmapin/pkg/log"
	"dmapin.dev/dmapin/pkg/metric"
	"dmapin.dev/dmapin/pkg/refs"
	"dmapin.dev/dmapin/pkg/sync"
)

// DefaultRights are the rights of a handle to a new BTI.
const DefaultRights = handle.RightsBasic | handle.RightsIO | handle.RightMap

var quarantineLog = log.BasicRateLimitedLogger(time.Minute)

// Info describes the state of a BTI.
type Info struct {
	MinimumContiguity uint64
	AspaceSize        uint64
	PinnedTokens      int
	PinnedBytes       uint64
	QuarantinedTokens int
	QuarantinedBytes  uint64
}

// BTI is a bus transaction initiator. It owns the pinned memory tokens
// created through it and a quarantine of tokens whose handles were closed
// without an explicit unpin.
//
// Every token holds a reference on its BTI, so a BTI outlives its tokens.
type BTI struct {
	refs    refs.Refs
	handles handle.Count

	iommu iommu.IOMMU
	id    uint64

	// mu protects the BTI and the mutable state of all its tokens.
	mu sync.Mutex

	// +checklocks:mu
	pinned map[*pmt.Token]struct{}

	// +checklocks:mu
	pinnedBytes uint64

	// quarantine holds a reference on each token in it.
	//
	// +checklocks:mu
	quarantine []*pmt.Token

	// +checklocks:mu
	quarantinedBytes uint64

	// zeroHandles is set once the last handle to the BTI is closed. No
	// new tokens can be created afterwards.
	//
	// +checklocks:mu
	zeroHandles bool
}

var (
	_ pmt.Owner         = (*BTI)(nil)
	_ handle.Dispatcher = (*BTI)(nil)
)

// New returns a BTI for bus transaction id of iom, holding one reference.
func New(iom iommu.IOMMU, id uint64) (*BTI, error) {
	if !iom.IsValidBusTxnID(id) {
		return nil, kerr.ErrInvalidArgs
	}
	b := &BTI{
		iommu:  iom,
		id:     id,
		pinned: make(map[*pmt.Token]struct{}),
	}
	b.refs.InitRefs()
	refs.Register(b)
	return b, nil
}

// Pin pins [offset, offset+size) of obj and maps it for the device. See
// pmt.Create.
func (b *BTI) Pin(obj vmo.Object, offset, size uint64, perms iommu.Perms) (*pmt.Token, handle.Rights, error) {
	tok, rights, err := b.pin(obj, offset, size, perms)
	if err != nil {
		metric.PinFailures.WithLabelValues(kerr.Status(err).String()).Inc()
		return nil, 0, err
	}
	return tok, rights, nil
}

func (b *BTI) pin(obj vmo.Object, offset, size uint64, perms iommu.Perms) (*pmt.Token, handle.Rights, error) {
	if size == 0 || !hostarch.IsPageAligned(offset) || !hostarch.IsPageAligned(size) || !perms.Valid() {
		return nil, 0, kerr.ErrInvalidArgs
	}
	b.mu.Lock()
	closed := b.zeroHandles
	b.mu.Unlock()
	// A pin racing with OnZeroHandles may still succeed. Its token lives
	// until its own handles are closed.
	if closed {
		return nil, 0, kerr.ErrBadState
	}
	return pmt.Create(b, obj, offset, size, perms)
}

// ReleaseQuarantine drops the quarantine's references, unpinning every
// quarantined token that has no other references left.
func (b *BTI) ReleaseQuarantine() {
	b.mu.Lock()
	q := b.quarantine
	b.quarantine = nil
	b.quarantinedBytes = 0
	b.mu.Unlock()

	if len(q) > 0 {
		log.Debugf("BTI %d: releasing %d quarantined tokens", b.id, len(q))
	}
	for _, t := range q {
		t.DecRef()
	}
}

// Info returns a snapshot of the BTI's state.
func (b *BTI) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Info{
		MinimumContiguity: b.iommu.MinimumContiguity(b.id),
		AspaceSize:        b.iommu.AspaceSize(b.id),
		PinnedTokens:      len(b.pinned),
		PinnedBytes:       b.pinnedBytes,
		QuarantinedTokens: len(b.quarantine),
		QuarantinedBytes:  b.quarantinedBytes,
	}
}

// BusTxnID implements pmt.Owner.BusTxnID.
func (b *BTI) BusTxnID() uint64 {
	return b.id
}

// IOMMU implements pmt.Owner.IOMMU.
func (b *BTI) IOMMU() iommu.IOMMU {
	return b.iommu
}

// MinimumContiguity implements pmt.Owner.MinimumContiguity.
func (b *BTI) MinimumContiguity() uint64 {
	return b.iommu.MinimumContiguity(b.id)
}

// Mutex implements pmt.Owner.Mutex.
func (b *BTI) Mutex() *sync.Mutex {
	return &b.mu
}

// AddPinnedLocked implements pmt.Owner.AddPinnedLocked.
//
// +checklocks:b.mu
func (b *BTI) AddPinnedLocked(t *pmt.Token) {
	if _, ok := b.pinned[t]; ok {
		panic(fmt.Sprintf("%v added to BTI %d twice", t, b.id))
	}
	b.pinned[t] = struct{}{}
	b.pinnedBytes += t.Size()
}

// RemovePinnedLocked implements pmt.Owner.RemovePinnedLocked.
//
// +checklocks:b.mu
func (b *BTI) RemovePinnedLocked(t *pmt.Token) {
	if _, ok := b.pinned[t]; !ok {
		panic(fmt.Sprintf("%v is not pinned by BTI %d", t, b.id))
	}
	delete(b.pinned, t)
	b.pinnedBytes -= t.Size()
}

// QuarantineLocked implements pmt.Owner.QuarantineLocked.
//
// +checklocks:b.mu
func (b *BTI) QuarantineLocked(t *pmt.Token) {
	if s := t.StateLocked(); s != pmt.Quarantined {
		panic(fmt.Sprintf("quarantining %v in state %v", t, s))
	}
	t.IncRef()
	b.quarantine = append(b.quarantine, t)
	b.quarantinedBytes += t.Size()
	log.Debugf("BTI %d: quarantined %v", b.id, t)
}

// IncRef implements handle.Dispatcher.IncRef.
func (b *BTI) IncRef() {
	b.refs.IncRef()
}

// DecRef implements handle.Dispatcher.DecRef.
func (b *BTI) DecRef() {
	b.refs.DecRef(b.destroy)
}

func (b *BTI) destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.pinned); n != 0 {
		panic(fmt.Sprintf("destroying BTI %d with %d pinned tokens", b.id, n))
	}
	refs.Unregister(b)
}

// HandleCount implements handle.Dispatcher.HandleCount.
func (b *BTI) HandleCount() *handle.Count {
	return &b.handles
}

// OnZeroHandles implements handle.Dispatcher.OnZeroHandles. Quarantined
// tokens stay pinned; with no handle left they are never released.
func (b *BTI) OnZeroHandles() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.zeroHandles = true
	if n := len(b.quarantine); n != 0 {
		quarantineLog.Warningf("BTI %d closed with %d quarantined tokens (%d bytes) still pinned", b.id, n, b.quarantinedBytes)
	}
}

// String implements fmt.Stringer.
func (b *BTI) String() string {
	return fmt.Sprintf("bti[%d]", b.id)
}

// RefType implements refs.CheckedObject.RefType.
func (b *BTI) RefType() string {
	return "bti.BTI"
}

// LeakMessage implements refs.CheckedObject.LeakMessage.
func (b *BTI) LeakMessage() string {
	return fmt.Sprintf("[bti.BTI %p] id %d reference count of %d instead of 0", b, b.id, b.refs.ReadRefs())
}
