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
	"testing"

	"dmapin.dev/dmapin/pkg/errors/kerr"
	"dmapin.dev/dmapin/pkg/hostarch"
	"github.com/google/go-cmp/cmp"
)

const testBase = 0x100000

func newTestMem(t *testing.T, pages uint64, scatter bool) *PhysMem {
	t.Helper()
	m, err := NewPhysMem(PhysMemOptions{Base: testBase, Pages: pages, Scatter: scatter})
	if err != nil {
		t.Fatalf("NewPhysMem: %v", err)
	}
	return m
}

// lookupAll returns the physical address of every page of obj in
// [offset, offset+length).
func lookupAll(obj Object, offset, length uint64) ([]uint64, error) {
	var paddrs []uint64
	err := obj.Lookup(offset, length, func(_ uint64, _ int, paddr uint64) error {
		paddrs = append(paddrs, paddr)
		return nil
	})
	return paddrs, err
}

func TestPhysMemAlloc(t *testing.T) {
	for _, tc := range []struct {
		name    string
		scatter bool
		want    []uint64
	}{
		{"ascending", false, []uint64{testBase, testBase + hostarch.PageSize, testBase + 2*hostarch.PageSize}},
		{"scatter", true, []uint64{testBase + 3*hostarch.PageSize, testBase + 2*hostarch.PageSize, testBase + hostarch.PageSize}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMem(t, 4, tc.scatter)
			var got []uint64
			for range tc.want {
				p, err := m.AllocPage()
				if err != nil {
					t.Fatalf("AllocPage: %v", err)
				}
				got = append(got, p)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("allocations mismatch (-want +got):\n%s", diff)
			}
			if got, want := m.FreePages(), uint64(1); got != want {
				t.Errorf("FreePages() = %d, want %d", got, want)
			}
		})
	}
}

func TestPhysMemExhaustion(t *testing.T) {
	m := newTestMem(t, 4, false)
	if _, err := m.AllocContiguous(5); err != kerr.ErrNoMemory {
		t.Errorf("AllocContiguous(5) = %v, want %v", err, kerr.ErrNoMemory)
	}
	// Fragment the arena: pages 0 and 2 used.
	p0, _ := m.AllocPage()
	p1, _ := m.AllocPage()
	if _, err := m.AllocPage(); err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	m.FreePage(p1)
	if _, err := m.AllocContiguous(2); err != kerr.ErrNoMemory {
		t.Errorf("AllocContiguous(2) on fragmented arena = %v, want %v", err, kerr.ErrNoMemory)
	}
	m.FreePage(p0)
	base, err := m.AllocContiguous(2)
	if err != nil {
		t.Fatalf("AllocContiguous(2): %v", err)
	}
	if base != testBase {
		t.Errorf("AllocContiguous(2) = %#x, want %#x", base, testBase)
	}
	if _, err := m.AllocPage(); err != nil {
		t.Fatalf("AllocPage: %v", err)
	}
	if _, err := m.AllocPage(); err != kerr.ErrNoMemory {
		t.Errorf("AllocPage on full arena = %v, want %v", err, kerr.ErrNoMemory)
	}
}

func TestPhysMemDoubleFreePanics(t *testing.T) {
	m := newTestMem(t, 1, false)
	p, _ := m.AllocPage()
	m.FreePage(p)
	defer func() {
		if recover() == nil {
			t.Errorf("double free did not panic")
		}
	}()
	m.FreePage(p)
}

func TestNewPhysMemInvalid(t *testing.T) {
	for _, opts := range []PhysMemOptions{
		{Base: 1, Pages: 1},
		{Base: 0, Pages: 0},
	} {
		if _, err := NewPhysMem(opts); err != kerr.ErrInvalidArgs {
			t.Errorf("NewPhysMem(%+v) = %v, want %v", opts, err, kerr.ErrInvalidArgs)
		}
	}
}

func TestPagedCommitPinDecommit(t *testing.T) {
	m := newTestMem(t, 8, false)
	p, err := NewPaged(m, 4*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewPaged: %v", err)
	}

	if err := p.Pin(0, hostarch.PageSize); err != kerr.ErrNotFound {
		t.Errorf("Pin of uncommitted page = %v, want %v", err, kerr.ErrNotFound)
	}
	if _, err := lookupAll(p, 0, hostarch.PageSize); err != kerr.ErrNotFound {
		t.Errorf("Lookup of uncommitted page = %v, want %v", err, kerr.ErrNotFound)
	}
	if err := p.CommitRange(0, 4*hostarch.PageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	if got, want := m.FreePages(), uint64(4); got != want {
		t.Errorf("FreePages() after commit = %d, want %d", got, want)
	}
	// Committing again allocates nothing.
	if err := p.CommitRange(0, 4*hostarch.PageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	if got, want := m.FreePages(), uint64(4); got != want {
		t.Errorf("FreePages() after recommit = %d, want %d", got, want)
	}

	if err := p.Pin(hostarch.PageSize, 2*hostarch.PageSize); err != nil {
		t.Fatalf("Pin: %v", err)
	}
	if got, want := p.PinnedPages(), uint64(2); got != want {
		t.Errorf("PinnedPages() = %d, want %d", got, want)
	}
	if err := p.Decommit(0, 4*hostarch.PageSize); err != kerr.ErrBadState {
		t.Errorf("Decommit of pinned range = %v, want %v", err, kerr.ErrBadState)
	}
	if got, want := m.FreePages(), uint64(4); got != want {
		t.Errorf("failed Decommit freed pages: FreePages() = %d, want %d", got, want)
	}
	// Unpinned pages outside the pin can go.
	if err := p.Decommit(3*hostarch.PageSize, hostarch.PageSize); err != nil {
		t.Errorf("Decommit of unpinned page: %v", err)
	}

	p.Unpin(hostarch.PageSize, 2*hostarch.PageSize)
	if err := p.Decommit(0, 4*hostarch.PageSize); err != nil {
		t.Errorf("Decommit after Unpin: %v", err)
	}
	if got, want := m.FreePages(), uint64(8); got != want {
		t.Errorf("FreePages() after decommit = %d, want %d", got, want)
	}
	p.DecRef()
}

func TestPagedRangeChecks(t *testing.T) {
	m := newTestMem(t, 8, false)
	p, err := NewPaged(m, 2*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewPaged: %v", err)
	}
	defer p.DecRef()
	for _, tc := range []struct {
		offset, length uint64
		want           error
	}{
		{1, hostarch.PageSize, kerr.ErrInvalidArgs},
		{0, 1, kerr.ErrInvalidArgs},
		{hostarch.PageSize, 2 * hostarch.PageSize, kerr.ErrOutOfRange},
		{^uint64(hostarch.PageSize - 1), 2 * hostarch.PageSize, kerr.ErrOutOfRange},
	} {
		if err := p.CommitRange(tc.offset, tc.length); err != tc.want {
			t.Errorf("CommitRange(%#x, %#x) = %v, want %v", tc.offset, tc.length, err, tc.want)
		}
	}
	if _, err := NewPaged(m, 100); err != kerr.ErrInvalidArgs {
		t.Errorf("NewPaged(100) = %v, want %v", err, kerr.ErrInvalidArgs)
	}
}

func TestPagedLookupScattered(t *testing.T) {
	m := newTestMem(t, 4, true)
	p, err := NewPaged(m, 3*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewPaged: %v", err)
	}
	if err := p.CommitRange(0, 3*hostarch.PageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	got, err := lookupAll(p, 0, 3*hostarch.PageSize)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	want := []uint64{testBase + 3*hostarch.PageSize, testBase + 2*hostarch.PageSize, testBase + hostarch.PageSize}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Lookup mismatch (-want +got):\n%s", diff)
	}

	// An error from the callback stops the walk.
	calls := 0
	err = p.Lookup(0, 3*hostarch.PageSize, func(uint64, int, uint64) error {
		calls++
		return kerr.ErrInternal
	})
	if err != kerr.ErrInternal || calls != 1 {
		t.Errorf("Lookup with failing callback = (%v, %d calls), want (%v, 1 call)", err, calls, kerr.ErrInternal)
	}

	p.DecRef()
	if got, want := m.FreePages(), uint64(4); got != want {
		t.Errorf("FreePages() after DecRef = %d, want %d", got, want)
	}
}

func TestPagedUnpinUnpinnedPanics(t *testing.T) {
	m := newTestMem(t, 1, false)
	p, _ := NewPaged(m, hostarch.PageSize)
	if err := p.CommitRange(0, hostarch.PageSize); err != nil {
		t.Fatalf("CommitRange: %v", err)
	}
	defer func() {
		if recover() == nil {
			t.Errorf("Unpin of unpinned page did not panic")
		}
	}()
	p.Unpin(0, hostarch.PageSize)
}

func TestPagedCommitNoMemory(t *testing.T) {
	m := newTestMem(t, 2, false)
	p, _ := NewPaged(m, 3*hostarch.PageSize)
	defer p.DecRef()
	if err := p.CommitRange(0, 3*hostarch.PageSize); err != kerr.ErrNoMemory {
		t.Errorf("CommitRange beyond arena = %v, want %v", err, kerr.ErrNoMemory)
	}
}

func TestContiguous(t *testing.T) {
	m := newTestMem(t, 4, true)
	c, err := NewContiguous(m, 3*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewContiguous: %v", err)
	}
	if c.IsPaged() {
		t.Errorf("IsPaged() = true, want false")
	}
	if err := c.Pin(0, 3*hostarch.PageSize); err != nil {
		t.Errorf("Pin: %v", err)
	}
	c.Unpin(0, 3*hostarch.PageSize)

	got, err := lookupAll(c, hostarch.PageSize, 2*hostarch.PageSize)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	want := []uint64{c.Base() + hostarch.PageSize, c.Base() + 2*hostarch.PageSize}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Lookup mismatch (-want +got):\n%s", diff)
	}
	if got, want := m.FreePages(), uint64(1); got != want {
		t.Errorf("FreePages() = %d, want %d", got, want)
	}
	c.DecRef()
	if got, want := m.FreePages(), uint64(4); got != want {
		t.Errorf("FreePages() after DecRef = %d, want %d", got, want)
	}
}

func TestPhysical(t *testing.T) {
	if _, err := NewPhysical(1, hostarch.PageSize); err != kerr.ErrInvalidArgs {
		t.Errorf("NewPhysical(misaligned) = %v, want %v", err, kerr.ErrInvalidArgs)
	}
	p, err := NewPhysical(0xf0000000, 2*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewPhysical: %v", err)
	}
	defer p.DecRef()
	got, err := lookupAll(p, 0, 2*hostarch.PageSize)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if diff := cmp.Diff([]uint64{0xf0000000, 0xf0001000}, got); diff != "" {
		t.Errorf("Lookup mismatch (-want +got):\n%s", diff)
	}
	if _, err := lookupAll(p, 0, 3*hostarch.PageSize); err != kerr.ErrOutOfRange {
		t.Errorf("Lookup past end = %v, want %v", err, kerr.ErrOutOfRange)
	}
}
