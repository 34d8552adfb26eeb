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

// Package kernel implements the system call surface of the DMA pinning
// core: memory object and BTI creation, pinning, unpinning, quarantine
// release and handle management, on behalf of processes that each own a
// handle table.
package kernel

import (
	"fmt"

	"dmapin.dev/dmapin/pkg/dma/handle"
	"dmapin.dev/dmapin/pkg/dma/iommu"
	"dmapin.dev/dmapin/pkg/dma/vmo"
	"dmapin.dev/dmapin/pkg/errors/kerr"
	"dmapin.dev/dmapin/pkg/sync"
)

// Kernel holds the physical memory and the IOMMUs shared by all processes.
type Kernel struct {
	mem *vmo.PhysMem

	mu sync.Mutex

	// +checklocks:mu
	iommus map[uint64]iommu.IOMMU

	// +checklocks:mu
	nextIOMMU uint64
}

// New returns a kernel allocating memory objects from mem.
func New(mem *vmo.PhysMem) *Kernel {
	return &Kernel{
		mem:    mem,
		iommus: make(map[uint64]iommu.IOMMU),
	}
}

// PhysMem returns the kernel's physical memory.
func (k *Kernel) PhysMem() *vmo.PhysMem {
	return k.mem
}

// AddIOMMU registers iom and returns its id.
func (k *Kernel) AddIOMMU(iom iommu.IOMMU) uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	id := k.nextIOMMU
	k.nextIOMMU++
	k.iommus[id] = iom
	return id
}

// IOMMU returns the IOMMU registered as id.
func (k *Kernel) IOMMU(id uint64) (iommu.IOMMU, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	iom, ok := k.iommus[id]
	if !ok {
		return nil, fmt.Errorf("no IOMMU %d: %w", id, kerr.ErrNotFound)
	}
	return iom, nil
}

// NewProcess returns a process with an empty handle table.
func (k *Kernel) NewProcess() *Process {
	return &Process{
		k:       k,
		handles: handle.NewTable(),
	}
}

// Process is a handle table and the system calls operating on it.
type Process struct {
	k       *Kernel
	handles *handle.Table
}

// Handles returns the process's handle table.
func (p *Process) Handles() *handle.Table {
	return p.handles
}
