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
	"dmapin.dev/dmapin/pkg/abi/dma"
	"dmapin.dev/dmapin/pkg/cleanup"
	"dmapin.dev/dmapin/pkg/dma/bti"
	"dmapin.dev/dmapin/pkg/dma/handle"
	"dmapin.dev/dmapin/pkg/dma/iommu"
	"dmapin.dev/dmapin/pkg/dma/pmt"
	"dmapin.dev/dmapin/pkg/errors/kerr"
	"dmapin.dev/dmapin/pkg/log"
)

// BTICreate creates a bus transaction initiator for bus transaction id
// btiID of IOMMU iommuID.
func (p *Process) BTICreate(iommuID, btiID uint64) (handle.Value, error) {
	iom, err := p.k.IOMMU(iommuID)
	if err != nil {
		return handle.Invalid, err
	}
	b, err := bti.New(iom, btiID)
	if err != nil {
		return handle.Invalid, err
	}
	return p.handles.Add(b, bti.DefaultRights), nil
}

// pinPerms converts pin options into IOMMU permissions, checking them
// against the rights of the memory object handle.
func pinPerms(options uint32, rights handle.Rights) (iommu.Perms, error) {
	var perms iommu.Perms
	for _, p := range []struct {
		option uint32
		right  handle.Rights
		perm   iommu.Perms
	}{
		{dma.PinPermRead, handle.RightRead, iommu.PermRead},
		{dma.PinPermWrite, handle.RightWrite, iommu.PermWrite},
		{dma.PinPermExecute, handle.RightExecute, iommu.PermExecute},
	} {
		if options&p.option == 0 {
			continue
		}
		if !rights.Has(p.right) {
			return 0, kerr.ErrAccessDenied
		}
		perms |= p.perm
	}
	return perms, nil
}

// pinEncoding returns the address encoding selected by options.
func pinEncoding(options uint32) (pmt.Encoding, error) {
	switch options & (dma.PinCompress | dma.PinContiguous) {
	case 0:
		return pmt.EncodeExpanded, nil
	case dma.PinCompress:
		return pmt.EncodeCompressed, nil
	case dma.PinContiguous:
		return pmt.EncodeContiguous, nil
	default:
		return 0, kerr.ErrInvalidArgs
	}
}

// BTIPin pins [offset, offset+size) of memory object vmoH for the device
// behind btiH and returns a handle to the resulting token. The device
// addresses are written to addrs, whose length must match the encoding
// selected by options: one per page by default, one per minimum contiguity
// granule with PinCompress, or a single base address with PinContiguous.
func (p *Process) BTIPin(btiH handle.Value, options uint32, vmoH handle.Value, offset, size uint64, addrs []iommu.DevAddr) (handle.Value, error) {
	b, _, err := handle.GetAs[*bti.BTI](p.handles, btiH, handle.RightMap)
	if err != nil {
		return handle.Invalid, err
	}
	defer b.DecRef()
	v, vmoRights, err := handle.GetAs[*VMO](p.handles, vmoH, handle.RightMap)
	if err != nil {
		return handle.Invalid, err
	}
	defer v.DecRef()

	if options&^dma.PinOptionsMask != 0 {
		return handle.Invalid, kerr.ErrInvalidArgs
	}
	perms, err := pinPerms(options, vmoRights)
	if err != nil {
		return handle.Invalid, err
	}
	enc, err := pinEncoding(options)
	if err != nil {
		return handle.Invalid, err
	}

	tok, rights, err := b.Pin(v.Object, offset, size, perms)
	if err != nil {
		return handle.Invalid, err
	}
	// Without a handle, dropping the reference tears the token down.
	cu := cleanup.Make(tok.DecRef)
	defer cu.Clean()

	if err := tok.EncodeAddrs(enc, addrs); err != nil {
		log.Debugf("Encoding %d %v addresses of %v: %v", len(addrs), enc, tok, err)
		return handle.Invalid, err
	}
	cu.Release()
	return p.handles.Add(tok, rights), nil
}

// PMTUnpin unpins the token h and closes the handle. The device mapping and
// the pin are released right away instead of through the BTI's quarantine.
func (p *Process) PMTUnpin(h handle.Value) error {
	tok, _, err := handle.GetAs[*pmt.Token](p.handles, h, 0)
	if err != nil {
		return err
	}
	defer tok.DecRef()

	// Handle values are never reused, so the removed handle refers to tok.
	removed, err := p.handles.Remove(h)
	if err != nil {
		return err
	}
	tok.MarkUnpinned()
	removed.Close()
	return nil
}

// BTIReleaseQuarantine releases the quarantined tokens of BTI h.
func (p *Process) BTIReleaseQuarantine(h handle.Value) error {
	b, _, err := handle.GetAs[*bti.BTI](p.handles, h, handle.RightWrite)
	if err != nil {
		return err
	}
	defer b.DecRef()
	b.ReleaseQuarantine()
	return nil
}

// BTIInfo returns the state of BTI h.
func (p *Process) BTIInfo(h handle.Value) (bti.Info, error) {
	b, _, err := handle.GetAs[*bti.BTI](p.handles, h, handle.RightInspect)
	if err != nil {
		return bti.Info{}, err
	}
	defer b.DecRef()
	return b.Info(), nil
}
