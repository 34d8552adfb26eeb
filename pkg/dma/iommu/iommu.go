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

// Package iommu defines the translation service used to make pinned memory
// visible to devices, along with an identity implementation and a software
// remapping unit.
package iommu

import (
	"fmt"
	"strings"

	"dmapin.dev/dmapin/pkg/dma/vmo"
)

// DevAddr is an address in a device's address space.
type DevAddr uint64

// InvalidDevAddr marks an unmapped device address slot.
const InvalidDevAddr = ^DevAddr(0)

// Perms is a set of access permissions granted to a device mapping.
type Perms uint32

// Permission bits.
const (
	PermRead Perms = 1 << iota
	PermWrite
	PermExecute

	permAll = PermRead | PermWrite | PermExecute
)

// Valid returns true if p is non-empty and contains only known bits.
func (p Perms) Valid() bool {
	return p != 0 && p&^permAll == 0
}

// String implements fmt.Stringer.
func (p Perms) String() string {
	var b strings.Builder
	for _, f := range []struct {
		bit  Perms
		name byte
	}{{PermRead, 'r'}, {PermWrite, 'w'}, {PermExecute, 'x'}} {
		if p&f.bit != 0 {
			b.WriteByte(f.name)
		} else {
			b.WriteByte('-')
		}
	}
	if rest := p &^ permAll; rest != 0 {
		fmt.Fprintf(&b, "|%#x", uint32(rest))
	}
	return b.String()
}

// IOMMU translates device addresses for a set of bus transaction ids.
type IOMMU interface {
	// IsValidBusTxnID returns true if id names an address space of this
	// unit.
	IsValidBusTxnID(id uint64) bool

	// Map makes a prefix of [offset, offset+size) of obj visible to the
	// device at a device address, returning that address and the number
	// of bytes mapped. Successful calls map at least one page and at most
	// size bytes. The range must be pinned.
	Map(id uint64, obj vmo.Object, offset, size uint64, perms Perms) (DevAddr, uint64, error)

	// Unmap removes the mapping of [addr, addr+size).
	Unmap(id uint64, addr DevAddr, size uint64) error

	// MinimumContiguity returns the granule in which device addresses are
	// guaranteed to be contiguous. It is a power of two no smaller than a
	// page.
	MinimumContiguity(id uint64) uint64

	// AspaceSize returns the size of the device address space of id.
	AspaceSize(id uint64) uint64
}
