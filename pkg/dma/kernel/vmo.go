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

package kernel

import (
	"dmapin.dev/dmapin/pkg/dma/handle"
	"dmapin.dev/dmapin/pkg/dma/vmo"
	"dmapin.dev/dmapin/pkg/errors/kerr"
)

// DefaultVMORights are the rights of a handle to a new memory object.
const DefaultVMORights = handle.RightsBasic | handle.RightsIO | handle.RightMap

// VMO makes a memory object available through handles.
type VMO struct {
	vmo.Object
	handles handle.Count
}

var _ handle.Dispatcher = (*VMO)(nil)

// NewVMO wraps obj, taking over the caller's reference.
func NewVMO(obj vmo.Object) *VMO {
	return &VMO{Object: obj}
}

// HandleCount implements handle.Dispatcher.HandleCount.
func (v *VMO) HandleCount() *handle.Count {
	return &v.handles
}

// OnZeroHandles implements handle.Dispatcher.OnZeroHandles.
func (*VMO) OnZeroHandles() {}

// decommitter is implemented by memory objects that can release committed
// pages.
type decommitter interface {
	Decommit(offset, length uint64) error
}

// VMOCreate creates a demand-paged memory object of size bytes.
func (p *Process) VMOCreate(size uint64) (handle.Value, error) {
	obj, err := vmo.NewPaged(p.k.mem, size)
	if err != nil {
		return handle.Invalid, err
	}
	return p.handles.Add(NewVMO(obj), DefaultVMORights), nil
}

// VMOCreateContiguous creates a physically contiguous memory object of size
// bytes.
func (p *Process) VMOCreateContiguous(size uint64) (handle.Value, error) {
	obj, err := vmo.NewContiguous(p.k.mem, size)
	if err != nil {
		return handle.Invalid, err
	}
	return p.handles.Add(NewVMO(obj), DefaultVMORights), nil
}

// VMOInstall installs a handle to obj, taking over the caller's reference.
func (p *Process) VMOInstall(obj vmo.Object, rights handle.Rights) handle.Value {
	return p.handles.Add(NewVMO(obj), rights)
}

// VMODecommit releases the committed pages of [offset, offset+length) of
// the memory object h. It fails with ErrBadState if any of them is pinned.
func (p *Process) VMODecommit(h handle.Value, offset, length uint64) error {
	v, _, err := handle.GetAs[*VMO](p.handles, h, handle.RightWrite)
	if err != nil {
		return err
	}
	defer v.DecRef()
	d, ok := v.Object.(decommitter)
	if !ok {
		return kerr.ErrNotSupported
	}
	return d.Decommit(offset, length)
}
