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

package cmd

import (
	"context"
	"flag"
	"fmt"

	"dmapin.dev/dmapin/pkg/abi/dma"
	"dmapin.dev/dmapin/pkg/dma/bti"
	"dmapin.dev/dmapin/pkg/dma/handle"
	"dmapin.dev/dmapin/pkg/dma/iommu"
	"dmapin.dev/dmapin/pkg/dma/kernel"
	"dmapin.dev/dmapin/pkg/dma/vmo"
	"dmapin.dev/dmapin/pkg/hostarch"
	"dmapin.dev/dmapin/pkg/metric"
	"dmapin.dev/dmapin/pmtctl/cmd/util"
	"dmapin.dev/dmapin/pmtctl/config"
	"github.com/google/subcommands"
)

// Pin implements subcommands.Command for the "pin" command.
type Pin struct {
	size     uint64
	offset   uint64
	memory   string
	perms    string
	encoding string
	release  string
	busTxnID uint64
	drain    bool
	metrics  bool
}

// Name implements subcommands.Command.
func (*Pin) Name() string {
	return "pin"
}

// Synopsis implements subcommands.Command.
func (*Pin) Synopsis() string {
	return "pins a memory object for DMA and shows the device addresses"
}

// Usage implements subcommands.Command.
func (*Pin) Usage() string {
	return `pin [flags] - pins a range of a new memory object through a BTI, prints its
device addresses and BTI accounting, then releases it.
`
}

// SetFlags implements subcommands.Command.
func (p *Pin) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&p.size, "size", 16*hostarch.PageSize, "bytes to pin, page aligned.")
	f.Uint64Var(&p.offset, "offset", 0, "offset of the pinned range in the memory object, page aligned.")
	f.StringVar(&p.memory, "memory", "paged", "memory object kind: paged, contiguous or host. host pins locked memory of this process and needs privileges.")
	f.StringVar(&p.perms, "perms", "rw", "device permissions, any of r, w and x.")
	f.StringVar(&p.encoding, "encoding", "compressed", "address encoding: compressed (one per granule), expanded (one per page) or contiguous (one).")
	f.StringVar(&p.release, "release", "unpin", "how the token is released: unpin, close (quarantines it) or exit (closes every handle).")
	f.Uint64Var(&p.busTxnID, "bti", 0, "bus transaction id of the BTI.")
	f.BoolVar(&p.drain, "drain", false, "release the BTI's quarantine at the end.")
	f.BoolVar(&p.metrics, "metrics", false, "print metrics in Prometheus text format at the end.")
}

// options returns the pin options selected by the flags.
func (p *Pin) options() (uint32, error) {
	var options uint32
	for _, c := range p.perms {
		switch c {
		case 'r':
			options |= dma.PinPermRead
		case 'w':
			options |= dma.PinPermWrite
		case 'x':
			options |= dma.PinPermExecute
		default:
			return 0, fmt.Errorf("invalid permission %q in %q", c, p.perms)
		}
	}
	switch p.encoding {
	case "compressed":
		options |= dma.PinCompress
	case "expanded":
	case "contiguous":
		options |= dma.PinContiguous
	default:
		return 0, fmt.Errorf("invalid encoding %q", p.encoding)
	}
	return options, nil
}

// numAddrs returns how many addresses the encoding reports.
func (p *Pin) numAddrs(granule uint64) uint64 {
	switch p.encoding {
	case "compressed":
		return hostarch.DivRoundUp(p.size, granule)
	case "contiguous":
		return 1
	default:
		return p.size >> hostarch.PageShift
	}
}

func (p *Pin) createVMO(proc *kernel.Process) (handle.Value, error) {
	size := p.offset + p.size
	switch p.memory {
	case "paged":
		return proc.VMOCreate(size)
	case "contiguous":
		return proc.VMOCreateContiguous(size)
	case "host":
		obj, err := vmo.NewHost(size)
		if err != nil {
			return handle.Invalid, err
		}
		return proc.VMOInstall(obj, kernel.DefaultVMORights), nil
	default:
		return handle.Invalid, fmt.Errorf("invalid memory object kind %q", p.memory)
	}
}

// Execute implements subcommands.Command.Execute.
func (p *Pin) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	switch p.release {
	case "unpin", "close", "exit":
	default:
		return util.Errorf("invalid release %q, must be unpin, close or exit", p.release)
	}
	options, err := p.options()
	if err != nil {
		return util.Errorf("%v", err)
	}

	sys, err := newSystem(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	proc := sys.k.NewProcess()
	// Everything still open is closed on the way out, as if the process
	// died.
	defer proc.Exit()

	btiH, err := proc.BTICreate(sys.iommuID, p.busTxnID)
	if err != nil {
		return util.Errorf("creating BTI: %v", err)
	}
	// Keep the BTI reachable after "exit" closes its handle.
	b, _, err := handle.GetAs[*bti.BTI](proc.Handles(), btiH, handle.RightInspect)
	if err != nil {
		return util.Errorf("looking up BTI: %v", err)
	}
	defer b.DecRef()

	vmoH, err := p.createVMO(proc)
	if err != nil {
		return util.Errorf("creating memory object: %v", err)
	}

	addrs := make([]iommu.DevAddr, p.numAddrs(b.MinimumContiguity()))
	tokH, err := proc.BTIPin(btiH, options, vmoH, p.offset, p.size, addrs)
	if err != nil {
		return util.Errorf("pinning [%#x, %#x): %v", p.offset, p.offset+p.size, err)
	}
	util.Printf("Pinned [%#x, %#x) of a %s memory object, %s encoding:\n", p.offset, p.offset+p.size, p.memory, p.encoding)
	for i, addr := range addrs {
		util.Printf("  %4d  %#x%s\n", i, addr, p.translate(sys, addr))
	}
	printInfo("pinned", b.Info())

	switch p.release {
	case "unpin":
		err = proc.PMTUnpin(tokH)
	case "close":
		err = proc.HandleClose(tokH)
	case "exit":
		proc.Exit()
	}
	if err != nil {
		return util.Errorf("releasing token: %v", err)
	}
	printInfo(p.release, b.Info())

	if p.drain {
		b.ReleaseQuarantine()
		printInfo("drained", b.Info())
	}

	if p.metrics {
		if err := metric.WriteText(util.Writer); err != nil {
			return util.Errorf("writing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

// translate describes the physical page behind addr, if the IOMMU remaps.
func (p *Pin) translate(sys *system, addr iommu.DevAddr) string {
	if sys.remap == nil {
		return ""
	}
	paddr, perms, err := sys.remap.Translate(p.busTxnID, addr)
	if err != nil {
		return fmt.Sprintf(" -> %v", err)
	}
	return fmt.Sprintf(" -> %#x %v", paddr, perms)
}

func printInfo(step string, info bti.Info) {
	util.Printf("BTI after %s: pinned %d tokens (%d bytes), quarantined %d tokens (%d bytes)\n",
		step, info.PinnedTokens, info.PinnedBytes, info.QuarantinedTokens, info.QuarantinedBytes)
}
