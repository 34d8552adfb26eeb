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

package bti

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"dmapin.dev/dmapin/pkg/dma/handle"
	"dmapin.dev/dmapin/pkg/dma/iommu"
	"dmapin.dev/dmapin/pkg/dma/pmt"
	"dmapin.dev/dmapin/pkg/dma/vmo"
	"dmapin.dev/dmapin/pkg/errors/kerr"
	"dmapin.dev/dmapin/pkg/hostarch"
	"dmapin.dev/dmapin/pkg/log"
	"dmapin.dev/dmapin/pkg/refs"
	"dmapin.dev/dmapin/pkg/sync"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

const page = hostarch.PageSize

type fixture struct {
	mem   *vmo.PhysMem
	remap *iommu.Remap
	bti   *BTI
	table *handle.Table
	btiH  handle.Value
}

func newFixture(t *testing.T, pages uint64, opts iommu.RemapOptions) *fixture {
	t.Helper()
	mem, err := vmo.NewPhysMem(vmo.PhysMemOptions{Base: 0x4000000, Pages: pages, Scatter: true})
	if err != nil {
		t.Fatalf("NewPhysMem: %v", err)
	}
	r, err := iommu.NewRemap(opts)
	if err != nil {
		t.Fatalf("NewRemap: %v", err)
	}
	b, err := New(r, 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f := &fixture{mem: mem, remap: r, bti: b, table: handle.NewTable()}
	b.IncRef()
	f.btiH = f.table.Add(b, DefaultRights)
	t.Cleanup(b.DecRef)
	return f
}

func (f *fixture) newPaged(t *testing.T, pages uint64) *vmo.Paged {
	t.Helper()
	obj, err := vmo.NewPaged(f.mem, pages*page)
	if err != nil {
		t.Fatalf("NewPaged: %v", err)
	}
	return obj
}

// pin pins all of obj and installs a handle to the token. The returned
// caller holds no reference on the returned token.
func (f *fixture) pin(t *testing.T, obj vmo.Object) (*pmt.Token, handle.Value) {
	t.Helper()
	tok, rights, err := f.bti.Pin(obj, 0, obj.Size(), iommu.PermRead|iommu.PermWrite)
	if err != nil {
		t.Fatalf("Pin: %v", err)
	}
	return tok, f.table.Add(tok, rights)
}

// unpin releases a token handle the way an explicit unpin does.
func (f *fixture) unpin(v handle.Value) error {
	h, err := f.table.Remove(v)
	if err != nil {
		return err
	}
	h.Dispatcher().(*pmt.Token).MarkUnpinned()
	h.Close()
	return nil
}

// recordingEmitter keeps every warning emitted.
type recordingEmitter struct {
	mu       sync.Mutex
	warnings []string
}

func (e *recordingEmitter) Emit(_ int, level log.Level, _ time.Time, format string, v ...any) {
	if level != log.Warning {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.warnings = append(e.warnings, fmt.Sprintf(format, v...))
}

func (e *recordingEmitter) contains(substr string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, w := range e.warnings {
		if strings.Contains(w, substr) {
			return true
		}
	}
	return false
}

func TestNewInvalidBusTxnID(t *testing.T) {
	r, err := iommu.NewRemap(iommu.RemapOptions{BusTxnIDs: 4})
	if err != nil {
		t.Fatalf("NewRemap: %v", err)
	}
	if _, err := New(r, 4); err != kerr.ErrInvalidArgs {
		t.Errorf("New(4) = %v, want %v", err, kerr.ErrInvalidArgs)
	}
}

func TestPinValidation(t *testing.T) {
	f := newFixture(t, 8, iommu.RemapOptions{})
	obj := f.newPaged(t, 2)
	defer obj.DecRef()
	for _, tc := range []struct {
		offset, size uint64
		perms        iommu.Perms
	}{
		{0, 0, iommu.PermRead},
		{1, page, iommu.PermRead},
		{0, page + 1, iommu.PermRead},
		{0, page, 0},
		{0, page, 1 << 7},
	} {
		if _, _, err := f.bti.Pin(obj, tc.offset, tc.size, tc.perms); err != kerr.ErrInvalidArgs {
			t.Errorf("Pin(%#x, %#x, %v) = %v, want %v", tc.offset, tc.size, tc.perms, err, kerr.ErrInvalidArgs)
		}
	}
	if _, _, err := f.bti.Pin(obj, page, 2*page, iommu.PermRead); err != kerr.ErrOutOfRange {
		t.Errorf("Pin past end = %v, want %v", err, kerr.ErrOutOfRange)
	}
}

func TestPinUnpin(t *testing.T) {
	f := newFixture(t, 8, iommu.RemapOptions{Granule: 2 * page})
	obj := f.newPaged(t, 3)
	defer obj.DecRef()

	tok, v := f.pin(t, obj)
	want := Info{
		MinimumContiguity: 2 * page,
		AspaceSize:        1 << 32,
		PinnedTokens:      1,
		PinnedBytes:       3 * page,
	}
	if diff := cmp.Diff(want, f.bti.Info()); diff != "" {
		t.Errorf("Info() mismatch (-want +got):\n%s", diff)
	}
	if got := f.remap.Mapped(f.bti.BusTxnID()); got != 3*page {
		t.Errorf("Mapped() = %#x, want %#x", got, 3*page)
	}

	if err := f.unpin(v); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	want.PinnedTokens, want.PinnedBytes = 0, 0
	if diff := cmp.Diff(want, f.bti.Info()); diff != "" {
		t.Errorf("Info() after unpin mismatch (-want +got):\n%s", diff)
	}
	if got := obj.PinnedPages(); got != 0 {
		t.Errorf("PinnedPages() = %d, want 0", got)
	}
	if got := f.remap.Mapped(f.bti.BusTxnID()); got != 0 {
		t.Errorf("Mapped() = %#x, want 0", got)
	}
	if got := tok.State(); got != pmt.Destroyed {
		t.Errorf("State() = %v, want %v", got, pmt.Destroyed)
	}
}

func TestCloseQuarantinesUntilRelease(t *testing.T) {
	f := newFixture(t, 8, iommu.RemapOptions{})
	obj := f.newPaged(t, 2)
	defer obj.DecRef()

	tok, v := f.pin(t, obj)
	if err := f.table.Close(v); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := tok.State(); got != pmt.Quarantined {
		t.Errorf("State() = %v, want %v", got, pmt.Quarantined)
	}
	info := f.bti.Info()
	if info.QuarantinedTokens != 1 || info.QuarantinedBytes != 2*page || info.PinnedTokens != 1 {
		t.Errorf("Info() = %+v, want one quarantined and pinned token", info)
	}
	if got := f.remap.Mapped(f.bti.BusTxnID()); got != 0 {
		t.Errorf("quarantined token still mapped: Mapped() = %#x", got)
	}
	if got := obj.PinnedPages(); got != 2 {
		t.Errorf("PinnedPages() = %d, want 2", got)
	}
	if err := obj.Decommit(0, 2*page); err != kerr.ErrBadState {
		t.Errorf("Decommit = %v, want %v", err, kerr.ErrBadState)
	}

	f.bti.ReleaseQuarantine()
	if diff := cmp.Diff(Info{MinimumContiguity: page, AspaceSize: 1 << 32}, f.bti.Info()); diff != "" {
		t.Errorf("Info() after release mismatch (-want +got):\n%s", diff)
	}
	if got := obj.PinnedPages(); got != 0 {
		t.Errorf("PinnedPages() = %d, want 0", got)
	}
	// Releasing an empty quarantine does nothing.
	f.bti.ReleaseQuarantine()
}

func TestQuarantineRequiresQuarantinedToken(t *testing.T) {
	f := newFixture(t, 8, iommu.RemapOptions{})
	obj := f.newPaged(t, 1)
	defer obj.DecRef()

	tok, v := f.pin(t, obj)
	func() {
		defer func() {
			r := recover()
			if r == nil || !strings.Contains(fmt.Sprint(r), "in state alive") {
				t.Errorf("QuarantineLocked of a live token: got panic %v", r)
			}
		}()
		mu := f.bti.Mutex()
		mu.Lock()
		defer mu.Unlock()
		f.bti.QuarantineLocked(tok)
	}()
	if got := f.bti.Info().QuarantinedTokens; got != 0 {
		t.Errorf("QuarantinedTokens = %d, want 0", got)
	}
	if err := f.unpin(v); err != nil {
		t.Fatalf("unpin: %v", err)
	}
}

func TestPinAfterZeroHandles(t *testing.T) {
	f := newFixture(t, 8, iommu.RemapOptions{})
	obj := f.newPaged(t, 1)
	defer obj.DecRef()

	emitter := &recordingEmitter{}
	old := log.Log().Emitter
	log.SetTarget(emitter)
	defer log.SetTarget(old)

	_, v := f.pin(t, obj)
	if err := f.table.Close(v); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := f.table.Close(f.btiH); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, _, err := f.bti.Pin(obj, 0, page, iommu.PermRead); err != kerr.ErrBadState {
		t.Errorf("Pin after last handle closed = %v, want %v", err, kerr.ErrBadState)
	}
	if !emitter.contains("quarantined tokens") {
		t.Errorf("closing a BTI with quarantined tokens logged nothing")
	}
	// The quarantine still holds the pin; drain it so the object can go.
	f.bti.ReleaseQuarantine()
}

func TestTokenHandleNotDuplicable(t *testing.T) {
	f := newFixture(t, 8, iommu.RemapOptions{})
	obj := f.newPaged(t, 1)
	defer obj.DecRef()

	tok, v := f.pin(t, obj)
	dup, err := f.table.Duplicate(v, pmt.DefaultRights)
	if !kerr.Equals(kerr.ErrAccessDenied, err) {
		t.Fatalf("Duplicate of token handle = (%v, %v), want %v", dup, err, kerr.ErrAccessDenied)
	}
	if err := f.unpin(v); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	if got := tok.State(); got != pmt.Destroyed {
		t.Errorf("State() = %v, want %v", got, pmt.Destroyed)
	}
}

func TestLeakCheck(t *testing.T) {
	refs.SetLeakMode(refs.LeaksLogWarning)
	defer refs.SetLeakMode(refs.NoLeakChecking)

	f := newFixture(t, 4, iommu.RemapOptions{})
	obj := f.newPaged(t, 1)
	defer obj.DecRef()
	tok, v := f.pin(t, obj)
	if got := refs.LiveObjects(tok.RefType()); got != 1 {
		t.Errorf("LiveObjects(%q) = %d, want 1", tok.RefType(), got)
	}
	if err := f.unpin(v); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	if got := refs.LiveObjects(tok.RefType()); got != 0 {
		t.Errorf("LiveObjects(%q) = %d after release, want 0", tok.RefType(), got)
	}
}

func TestConcurrentPins(t *testing.T) {
	const (
		workers    = 8
		iterations = 50
	)
	f := newFixture(t, workers*4, iommu.RemapOptions{Granule: 2 * page, MaxExtent: 2 * page})

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			obj, err := vmo.NewPaged(f.mem, 3*page)
			if err != nil {
				return err
			}
			defer obj.DecRef()
			for i := 0; i < iterations; i++ {
				tok, rights, err := f.bti.Pin(obj, 0, obj.Size(), iommu.PermRead)
				if err != nil {
					return fmt.Errorf("worker %d: Pin: %w", w, err)
				}
				addrs := make([]iommu.DevAddr, obj.Size()/page)
				if err := tok.EncodeAddrs(pmt.EncodeExpanded, addrs); err != nil {
					return fmt.Errorf("worker %d: EncodeAddrs: %w", w, err)
				}
				v := f.table.Add(tok, rights)
				if i%2 == 0 {
					err = f.unpin(v)
				} else {
					err = f.table.Close(v)
				}
				if err != nil {
					return fmt.Errorf("worker %d: release: %w", w, err)
				}
				if i%10 == 9 {
					f.bti.ReleaseQuarantine()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	f.bti.ReleaseQuarantine()
	if diff := cmp.Diff(Info{MinimumContiguity: 2 * page, AspaceSize: 1 << 32}, f.bti.Info()); diff != "" {
		t.Errorf("Info() mismatch (-want +got):\n%s", diff)
	}
	if got := f.remap.Mapped(f.bti.BusTxnID()); got != 0 {
		t.Errorf("Mapped() = %#x, want 0", got)
	}
}
