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

// Package vmo provides memory objects that can be pinned for device access:
// demand-paged objects backed by a simulated physical arena, physically
// contiguous objects, and (on Linux) anonymous host memory.
package vmo

import (
	"dmapin.dev/dmapin/pkg/errors/kerr"
	"dmapin.dev/dmapin/pkg/hostarch"
)

// LookupFunc is called once per page by Object.Lookup. offset is the byte
// offset of the page within the object, index is the page's position within
// the looked up range and paddr is its physical address. Returning an error
// stops the walk; Lookup returns that error.
type LookupFunc func(offset uint64, index int, paddr uint64) error

// Object is a memory object whose pages can be committed, pinned and
// translated to physical addresses.
type Object interface {
	// IncRef and DecRef manage the object's lifetime. The last DecRef
	// releases the object's memory.
	IncRef()
	DecRef()

	// IsPaged returns true if the object is demand-paged. Non-paged objects
	// are always resident and contiguous; committing and pinning them are
	// no-ops.
	IsPaged() bool

	// Size returns the size of the object in bytes.
	Size() uint64

	// CommitRange makes every page in [offset, offset+length) resident.
	CommitRange(offset, length uint64) error

	// Pin prevents every page in [offset, offset+length) from being
	// decommitted or relocated until a matching Unpin. All pages must
	// already be committed.
	Pin(offset, length uint64) error

	// Unpin releases one pin on each page in [offset, offset+length). The
	// range must have been pinned.
	Unpin(offset, length uint64)

	// Lookup calls fn for every page in [offset, offset+length), in order.
	Lookup(offset, length uint64, fn LookupFunc) error
}

// checkRange validates a page-aligned range within an object of the given
// size.
func checkRange(size, offset, length uint64) error {
	if !hostarch.IsPageAligned(offset) || !hostarch.IsPageAligned(length) {
		return kerr.ErrInvalidArgs
	}
	end := offset + length
	if end < offset || end > size {
		return kerr.ErrOutOfRange
	}
	return nil
}
