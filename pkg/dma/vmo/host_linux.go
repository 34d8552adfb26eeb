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

//go:build linux
// +build linux

package vmo

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"dmapin.dev/dmapin/pkg/errors/kerr"
	"dmapin.dev/dmapin/pkg/hostarch"
	"dmapin.dev/dmapin/pkg/log"
	"dmapin.dev/dmapin/pkg/refs"
	"dmapin.dev/dmapin/pkg/sync"
	"golang.org/x/sys/unix"
)

const (
	pagemapPath = "/proc/self/pagemap"

	pagemapEntrySize   = 8
	pagemapPresent     = 1 << 63
	pagemapPFNMask     = (1 << 55) - 1
	populateWriteFlags = unix.MADV_POPULATE_WRITE
)

// Host is a demand-paged object backed by anonymous host memory. Pinning
// locks pages into RAM with mlock(2) and Lookup resolves host frame numbers
// through /proc/self/pagemap, which requires CAP_SYS_ADMIN to report
// anything but zero.
type Host struct {
	refs refs.Refs

	mu sync.Mutex

	// mapping is the host mapping. It is nil after destruction.
	//
	// +checklocks:mu
	mapping []byte

	// pins holds the pin count of each page.
	//
	// +checklocks:mu
	pins []uint32
}

var _ Object = (*Host)(nil)

// NewHost maps size bytes of anonymous memory.
func NewHost(size uint64) (*Host, error) {
	if size == 0 || !hostarch.IsPageAligned(size) {
		return nil, kerr.ErrInvalidArgs
	}
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, kerr.ToError(err)
	}
	h := &Host{
		mapping: b,
		pins:    make([]uint32, size>>hostarch.PageShift),
	}
	h.refs.InitRefs()
	return h, nil
}

// IncRef implements Object.IncRef.
func (h *Host) IncRef() {
	h.refs.IncRef()
}

// DecRef implements Object.DecRef.
func (h *Host) DecRef() {
	h.refs.DecRef(h.destroy)
}

func (h *Host) destroy() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, n := range h.pins {
		if n != 0 {
			panic(fmt.Sprintf("destroying host object with page %d pinned %d times", i, n))
		}
	}
	if err := unix.Munmap(h.mapping); err != nil {
		log.Warningf("munmap of %d bytes failed: %v", len(h.mapping), err)
	}
	h.mapping = nil
}

// IsPaged implements Object.IsPaged.
func (*Host) IsPaged() bool {
	return true
}

// Size implements Object.Size.
func (h *Host) Size() uint64 {
	return uint64(len(h.pins)) << hostarch.PageShift
}

// Bytes returns the host mapping. It must not be used after the last DecRef.
func (h *Host) Bytes() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mapping
}

// CommitRange implements Object.CommitRange.
func (h *Host) CommitRange(offset, length uint64) error {
	if err := checkRange(h.Size(), offset, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.mapping[offset : offset+length]
	if err := unix.Madvise(b, populateWriteFlags); err == nil {
		return nil
	}
	// Kernels before 5.14 lack MADV_POPULATE_WRITE. Write faults commit
	// each page instead; the mapping is private anonymous memory, so the
	// first byte of every page is still zero unless the caller wrote it.
	for off := 0; off < len(b); off += hostarch.PageSize {
		v := b[off]
		b[off] = v
	}
	return nil
}

// Pin implements Object.Pin.
func (h *Host) Pin(offset, length uint64) error {
	if err := checkRange(h.Size(), offset, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	first, last := offset>>hostarch.PageShift, (offset+length)>>hostarch.PageShift
	if err := unix.Mlock(h.mapping[offset : offset+length]); err != nil {
		return kerr.ToError(err)
	}
	for i := first; i < last; i++ {
		h.pins[i]++
	}
	return nil
}

// Unpin implements Object.Unpin. Pages are unlocked when their last pin is
// released.
func (h *Host) Unpin(offset, length uint64) {
	if err := checkRange(h.Size(), offset, length); err != nil {
		panic(fmt.Sprintf("Unpin(%#x, %#x): %v", offset, length, err))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	first, last := offset>>hostarch.PageShift, (offset+length)>>hostarch.PageShift
	for i := first; i < last; i++ {
		if h.pins[i] == 0 {
			panic(fmt.Sprintf("unpinning host page %d which is not pinned", i))
		}
		h.pins[i]--
		if h.pins[i] != 0 {
			continue
		}
		off := i << hostarch.PageShift
		if err := unix.Munlock(h.mapping[off : off+hostarch.PageSize]); err != nil {
			log.Warningf("munlock of host page %d failed: %v", i, err)
		}
	}
}

// Lookup implements Object.Lookup.
func (h *Host) Lookup(offset, length uint64, fn LookupFunc) error {
	if err := checkRange(h.Size(), offset, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	fd, err := unix.Open(pagemapPath, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return kerr.ToError(err)
	}
	defer unix.Close(fd)

	h.mu.Lock()
	start := uintptr(unsafe.Pointer(&h.mapping[offset]))
	h.mu.Unlock()

	var buf [pagemapEntrySize]byte
	for i := 0; uint64(i)<<hostarch.PageShift < length; i++ {
		vpn := (start >> hostarch.PageShift) + uintptr(i)
		n, err := unix.Pread(fd, buf[:], int64(vpn*pagemapEntrySize))
		if err != nil {
			return kerr.ToError(err)
		}
		if n != pagemapEntrySize {
			return kerr.ErrIO
		}
		entry := binary.LittleEndian.Uint64(buf[:])
		if entry&pagemapPresent == 0 {
			return kerr.ErrNotFound
		}
		pfn := entry & pagemapPFNMask
		if pfn == 0 {
			return kerr.ErrAccessDenied
		}
		if err := fn(offset+uint64(i)<<hostarch.PageShift, i, pfn<<hostarch.PageShift); err != nil {
			return err
		}
	}
	return nil
}
