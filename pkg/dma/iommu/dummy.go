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
	"math"

	"dmapin.dev/dmapin/pkg/dma/vmo"
	"dmapin.dev/dmapin/pkg/errors"
	"dmapin.dev/dmapin/pkg/errors/kerr"
	"dmapin.dev/dmapin/pkg/hostarch"
)

// errStopWalk ends a Lookup walk early. It is never returned to callers.
var errStopWalk = errors.New(kerr.ErrInternal.Status(), "stop walk")

// Dummy is an IOMMU that performs no translation: device addresses are
// physical addresses. It serves every bus transaction id.
type Dummy struct{}

var _ IOMMU = Dummy{}

// IsValidBusTxnID implements IOMMU.IsValidBusTxnID.
func (Dummy) IsValidBusTxnID(uint64) bool {
	return true
}

// Map implements IOMMU.Map. It maps the longest physically contiguous run of
// pages starting at offset.
func (Dummy) Map(_ uint64, obj vmo.Object, offset, size uint64, perms Perms) (DevAddr, uint64, error) {
	if !perms.Valid() || size == 0 || !hostarch.IsPageAligned(offset) || !hostarch.IsPageAligned(size) {
		return InvalidDevAddr, 0, kerr.ErrInvalidArgs
	}
	var (
		start  uint64
		mapped uint64
	)
	err := obj.Lookup(offset, size, func(_ uint64, index int, paddr uint64) error {
		if index == 0 {
			start = paddr
		} else if paddr != start+mapped {
			return errStopWalk
		}
		mapped += hostarch.PageSize
		return nil
	})
	if err != nil && err != errStopWalk {
		return InvalidDevAddr, 0, err
	}
	return DevAddr(start), mapped, nil
}

// Unmap implements IOMMU.Unmap.
func (Dummy) Unmap(_ uint64, addr DevAddr, size uint64) error {
	if size == 0 || !hostarch.IsPageAligned(uint64(addr)) || !hostarch.IsPageAligned(size) {
		return kerr.ErrInvalidArgs
	}
	return nil
}

// MinimumContiguity implements IOMMU.MinimumContiguity.
func (Dummy) MinimumContiguity(uint64) uint64 {
	return hostarch.PageSize
}

// AspaceSize implements IOMMU.AspaceSize.
func (Dummy) AspaceSize(uint64) uint64 {
	return math.MaxUint64
}
