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
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"dmapin.dev/dmapin/pkg/abi/dma"
	"dmapin.dev/dmapin/pkg/dma/handle"
	"dmapin.dev/dmapin/pkg/dma/iommu"
	"dmapin.dev/dmapin/pkg/dma/kernel"
	"dmapin.dev/dmapin/pkg/errors/kerr"
	"dmapin.dev/dmapin/pkg/hostarch"
	"dmapin.dev/dmapin/pkg/log"
	"dmapin.dev/dmapin/pkg/metric"
	"dmapin.dev/dmapin/pmtctl/cmd/util"
	"dmapin.dev/dmapin/pmtctl/config"
	"github.com/cenkalti/backoff"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
	maxPages   int
	seed       int64
	retries    uint64
	retryDelay time.Duration
	metrics    bool
}

// Name implements subcommands.Command.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.
func (*Stress) Synopsis() string {
	return "pins and releases memory concurrently and checks nothing leaks"
}

// Usage implements subcommands.Command.
func (*Stress) Usage() string {
	return `stress [flags] - runs workers that each own a process and a BTI on a shared
IOMMU, pin and release memory in a loop, then checks that every page was
unpinned, unmapped and freed.
`
}

// SetFlags implements subcommands.Command.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 4, "number of concurrent workers.")
	f.IntVar(&s.iterations, "iterations", 100, "pin and release cycles per worker.")
	f.IntVar(&s.maxPages, "max-pages", 16, "largest memory object, in pages.")
	f.Int64Var(&s.seed, "seed", 0, "random seed. Zero uses the current time.")
	f.Uint64Var(&s.retries, "retries", 10, "pin retries when memory or device address space runs out.")
	f.DurationVar(&s.retryDelay, "retry-delay", time.Millisecond, "delay between pin retries.")
	f.BoolVar(&s.metrics, "metrics", false, "print metrics in Prometheus text format at the end.")
}

// stressStats counts what the workers did.
type stressStats struct {
	pins        atomic.Int64
	retries     atomic.Int64
	unpinned    atomic.Int64
	quarantined atomic.Int64
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if s.workers <= 0 || s.iterations < 0 || s.maxPages <= 0 {
		return util.Errorf("workers and max-pages must be positive, iterations non-negative")
	}
	if s.seed == 0 {
		s.seed = time.Now().UnixNano()
	}
	log.Infof("Stress: %d workers, %d iterations, seed %d", s.workers, s.iterations, s.seed)

	sys, err := newSystem(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}

	var stats stressStats
	g, gctx := errgroup.WithContext(ctx)
	ids := make([]uint64, s.workers)
	for w := range s.workers {
		ids[w] = uint64(w)
		g.Go(func() error {
			return s.worker(gctx, sys, uint64(w), rand.New(rand.NewSource(s.seed+int64(w))), &stats)
		})
	}
	if err := g.Wait(); err != nil {
		return util.Errorf("stress failed: %v", err)
	}

	util.Printf("%d pins (%d retried), %d unpinned, %d quarantined\n",
		stats.pins.Load(), stats.retries.Load(), stats.unpinned.Load(), stats.quarantined.Load())
	if pages, mapped := sys.leftovers(ids...); pages != 0 || mapped != 0 {
		return util.Errorf("leaked %d physical pages and %d mapped device bytes", pages, mapped)
	}
	util.Printf("All memory unpinned, unmapped and freed.\n")

	if s.metrics {
		if err := metric.WriteText(util.Writer); err != nil {
			return util.Errorf("writing metrics: %v", err)
		}
	}
	return subcommands.ExitSuccess
}

func (s *Stress) worker(ctx context.Context, sys *system, id uint64, rng *rand.Rand, stats *stressStats) error {
	proc := sys.k.NewProcess()
	defer proc.Exit()

	btiH, err := proc.BTICreate(sys.iommuID, id)
	if err != nil {
		return fmt.Errorf("worker %d: creating BTI: %w", id, err)
	}
	for i := range s.iterations {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.iterate(ctx, proc, btiH, rng, stats); err != nil {
			return fmt.Errorf("worker %d, iteration %d: %w", id, i, err)
		}
	}
	return proc.BTIReleaseQuarantine(btiH)
}

// iterate pins a random range of a new memory object and releases it, either
// explicitly or through the quarantine.
func (s *Stress) iterate(ctx context.Context, proc *kernel.Process, btiH handle.Value, rng *rand.Rand, stats *stressStats) error {
	pages := uint64(1 + rng.Intn(s.maxPages))
	vmoH, err := proc.VMOCreate(pages * hostarch.PageSize)
	if err != nil {
		return err
	}
	defer proc.HandleClose(vmoH)

	first := uint64(rng.Int63n(int64(pages)))
	count := 1 + uint64(rng.Int63n(int64(pages-first)))
	offset, size := first*hostarch.PageSize, count*hostarch.PageSize
	addrs := make([]iommu.DevAddr, count)

	var tokH handle.Value
	attempt := 0
	pin := func() error {
		if attempt++; attempt > 1 {
			stats.retries.Add(1)
		}
		tokH, err = proc.BTIPin(btiH, dma.PinPermRead|dma.PinPermWrite, vmoH, offset, size, addrs)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, kerr.ErrNoMemory), errors.Is(err, kerr.ErrNoResources):
			// Quarantined tokens may be what holds the memory.
			if qerr := proc.BTIReleaseQuarantine(btiH); qerr != nil {
				return backoff.Permanent(qerr)
			}
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryDelay), s.retries), ctx)
	if err := backoff.Retry(pin, b); err != nil {
		return fmt.Errorf("pinning [%#x, %#x) of %d pages: %w", offset, offset+size, pages, err)
	}
	stats.pins.Add(1)
	for _, addr := range addrs {
		if addr == iommu.InvalidDevAddr {
			return fmt.Errorf("pin of [%#x, %#x) reported an invalid device address", offset, offset+size)
		}
	}
	if _, err := proc.BTIInfo(btiH); err != nil {
		return err
	}

	switch rng.Intn(3) {
	case 0:
		stats.unpinned.Add(1)
		return proc.PMTUnpin(tokH)
	case 1:
		stats.quarantined.Add(1)
		if err := proc.HandleClose(tokH); err != nil {
			return err
		}
		return proc.BTIReleaseQuarantine(btiH)
	default:
		stats.quarantined.Add(1)
		return proc.HandleClose(tokH)
	}
}
