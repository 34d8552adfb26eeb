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

// Package hostarch contains host arch address operations for user memory.
package hostarch

const (
	// PageShift is the binary log of the system page size.
	PageShift = 12

	// PageSize is the system page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the system huge page size.
	HugePageShift = 21

	// HugePageSize is the system huge page size.
	HugePageSize = 1 << HugePageShift
)

// PageRoundDown returns v rounded down to the nearest page boundary.
func PageRoundDown(v uint64) uint64 {
	return v &^ (PageSize - 1)
}

// PageRoundUp returns v rounded up to the nearest page boundary. ok is true
// iff rounding up did not wrap around.
func PageRoundUp(v uint64) (addr uint64, ok bool) {
	addr = PageRoundDown(v + PageSize - 1)
	ok = addr >= v
	return
}

// IsPageAligned returns true if v is aligned to a page boundary.
func IsPageAligned(v uint64) bool {
	return v&(PageSize-1) == 0
}

// PageOffset returns the offset of v into the current page.
func PageOffset(v uint64) uint64 {
	return v & (PageSize - 1)
}

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// RoundUp rounds v up to a multiple of align, which must be a power of two.
// ok is false if the result does not fit in a uint64.
func RoundUp(v, align uint64) (uint64, bool) {
	r := (v + align - 1) &^ (align - 1)
	return r, r >= v
}

// DivRoundUp returns ceil(v / d).
func DivRoundUp(v, d uint64) uint64 {
	return v/d + min(v%d, 1)
}
