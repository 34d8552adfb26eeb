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
	"bytes"
	"context"
	"flag"
	"strings"
	"testing"

	"dmapin.dev/dmapin/pmtctl/cmd/util"
	"dmapin.dev/dmapin/pmtctl/config"
	"github.com/google/subcommands"
)

func testConfig(t *testing.T, args ...string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("pmtctl", flag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags: %v", err)
	}
	return conf
}

// run executes c with the given command flags and returns its status and
// output.
func run(t *testing.T, c subcommands.Command, conf *config.Config, args ...string) (subcommands.ExitStatus, string) {
	t.Helper()
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	c.SetFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	var out bytes.Buffer
	saved := util.Writer
	util.Writer = &out
	defer func() { util.Writer = saved }()
	return c.Execute(context.Background(), fs, conf), out.String()
}

func TestPin(t *testing.T) {
	for _, tc := range []struct {
		name     string
		conf     []string
		args     []string
		addrs    int
		contains []string
	}{
		{
			name:  "compressed unpin",
			args:  []string{"-size=0x8000"},
			addrs: 8,
			contains: []string{
				"BTI after pinned: pinned 1 tokens (32768 bytes), quarantined 0 tokens (0 bytes)",
				"BTI after unpin: pinned 0 tokens (0 bytes), quarantined 0 tokens (0 bytes)",
				"rw-",
			},
		},
		{
			name:  "compressed large granule",
			conf:  []string{"-granule=0x4000", "-scatter"},
			args:  []string{"-size=0x8000", "-perms=r"},
			addrs: 2,
			contains: []string{
				"r--",
				"BTI after unpin: pinned 0 tokens",
			},
		},
		{
			name:     "expanded",
			conf:     []string{"-granule=0x2000"},
			args:     []string{"-size=0x6000", "-offset=0x2000", "-encoding=expanded"},
			addrs:    6,
			contains: []string{"BTI after unpin: pinned 0 tokens"},
		},
		{
			name:     "compressed same range",
			conf:     []string{"-granule=0x2000"},
			args:     []string{"-size=0x6000", "-offset=0x2000"},
			addrs:    3,
			contains: []string{"BTI after unpin: pinned 0 tokens"},
		},
		{
			name:     "contiguous memory",
			args:     []string{"-size=0x4000", "-memory=contiguous", "-encoding=contiguous"},
			addrs:    1,
			contains: []string{"BTI after unpin: pinned 0 tokens"},
		},
		{
			name:  "close quarantines",
			args:  []string{"-size=0x2000", "-release=close", "-drain"},
			addrs: 2,
			contains: []string{
				"BTI after close: pinned 1 tokens (8192 bytes), quarantined 1 tokens (8192 bytes)",
				"BTI after drained: pinned 0 tokens (0 bytes), quarantined 0 tokens (0 bytes)",
			},
		},
		{
			name:  "exit quarantines",
			args:  []string{"-size=0x1000", "-release=exit", "-drain"},
			addrs: 1,
			contains: []string{
				"BTI after exit: pinned 1 tokens (4096 bytes), quarantined 1 tokens (4096 bytes)",
				"BTI after drained: pinned 0 tokens",
			},
		},
		{
			name:     "dummy IOMMU",
			conf:     []string{"-iommu=dummy", "-phys-base=0x40000000"},
			args:     []string{"-size=0x1000"},
			addrs:    1,
			contains: []string{"0x40000000"},
		},
		{
			name:     "metrics",
			args:     []string{"-size=0x1000", "-metrics"},
			addrs:    1,
			contains: []string{"dma_pinned_tokens"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			status, out := run(t, new(Pin), testConfig(t, tc.conf...), tc.args...)
			if status != subcommands.ExitSuccess {
				t.Fatalf("Execute() = %v, output:\n%s", status, out)
			}
			lines := 0
			for _, line := range strings.Split(out, "\n") {
				if strings.HasPrefix(line, "  ") {
					lines++
				}
			}
			if lines != tc.addrs {
				t.Errorf("got %d addresses, want %d, output:\n%s", lines, tc.addrs, out)
			}
			for _, want := range tc.contains {
				if !strings.Contains(out, want) {
					t.Errorf("output does not contain %q:\n%s", want, out)
				}
			}
		})
	}
}

func TestPinFailure(t *testing.T) {
	for _, tc := range []struct {
		name string
		conf []string
		args []string
	}{
		{
			name: "scattered memory as contiguous",
			conf: []string{"-scatter"},
			args: []string{"-size=0x4000", "-encoding=contiguous"},
		},
		{
			name: "unaligned size",
			args: []string{"-size=0x1800"},
		},
		{
			name: "bad perms",
			args: []string{"-perms=rz"},
		},
		{
			name: "bad release",
			args: []string{"-release=later"},
		},
		{
			name: "out of memory",
			conf: []string{"-phys-pages=2"},
			args: []string{"-size=0x4000"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if status, out := run(t, new(Pin), testConfig(t, tc.conf...), tc.args...); status != subcommands.ExitFailure {
				t.Errorf("Execute() = %v, want %v, output:\n%s", status, subcommands.ExitFailure, out)
			}
		})
	}
}

func TestStress(t *testing.T) {
	for _, tc := range []struct {
		name string
		conf []string
		args []string
	}{
		{
			name: "page granule",
			args: []string{"-workers=4", "-iterations=50", "-seed=1"},
		},
		{
			name: "large granule scattered",
			conf: []string{"-granule=0x4000", "-max-extent=0x8000", "-scatter"},
			args: []string{"-workers=3", "-iterations=50", "-seed=2"},
		},
		{
			name: "memory pressure",
			conf: []string{"-phys-pages=64"},
			args: []string{"-workers=4", "-iterations=50", "-max-pages=8", "-retries=1000", "-retry-delay=0", "-seed=3"},
		},
		{
			name: "dummy IOMMU",
			conf: []string{"-iommu=dummy"},
			args: []string{"-workers=2", "-iterations=20", "-seed=4"},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			status, out := run(t, new(Stress), testConfig(t, tc.conf...), tc.args...)
			if status != subcommands.ExitSuccess {
				t.Fatalf("Execute() = %v, output:\n%s", status, out)
			}
			if !strings.Contains(out, "All memory unpinned, unmapped and freed.") {
				t.Errorf("unexpected output:\n%s", out)
			}
		})
	}
}
