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

// Package cmd holds the pmtctl commands.
package cmd

import (
	"fmt"

	"dmapin.dev/dmapin/pkg/dma/iommu"
	"dmapin.dev/dmapin/pkg/dma/kernel"
	"dmapin.dev/dmapin/pkg/dma/vmo"
	"dmapin.dev/dmapin/pmtctl/config"
)

// system is a kernel with a single IOMMU, built from the configuration.
type system struct {
	k       *kernel.Kernel
	iommuID uint64

	// remap is nil unless the remapping IOMMU is configured.
	remap *iommu.Remap
}

func newSystem(conf *config.Config) (*system, error) {
	mem, err := vmo.NewPhysMem(vmo.PhysMemOptions{
		Base:    conf.PhysBase,
		Pages:   conf.PhysPages,
		Scatter: conf.Scatter,
	})
	if err != nil {
		return nil, fmt.Errorf("creating physical memory: %w", err)
	}
	s := &system{k: kernel.New(mem)}
	switch conf.IOMMU {
	case config.IOMMUDummy:
		s.iommuID = s.k.AddIOMMU(iommu.Dummy{})
	case config.IOMMURemap:
		s.remap, err = iommu.NewRemap(iommu.RemapOptions{
			Granule:    conf.Granule,
			Base:       conf.AspaceBase,
			AspaceSize: conf.AspaceSize,
			MaxExtent:  conf.MaxExtent,
		})
		if err != nil {
			return nil, fmt.Errorf("creating IOMMU: %w", err)
		}
		s.iommuID = s.k.AddIOMMU(s.remap)
	default:
		return nil, fmt.Errorf("unknown IOMMU %q", conf.IOMMU)
	}
	return s, nil
}

// leftovers reports the physical pages still allocated and the device
// bytes still mapped for the given bus transaction ids.
func (s *system) leftovers(busTxnIDs ...uint64) (pages, mapped uint64) {
	mem := s.k.PhysMem()
	pages = mem.TotalPages() - mem.FreePages()
	if s.remap != nil {
		for _, id := range busTxnIDs {
			mapped += s.remap.Mapped(id)
		}
	}
	return pages, mapped
}
