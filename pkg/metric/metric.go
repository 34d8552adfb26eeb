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

// Package metric provides the collectors exported by the DMA core and a
// helper to render them in the Prometheus text exposition format.
package metric

import (
	"fmt"
	"io"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

var (
	// PinnedTokens is the number of live pinned memory tokens, including
	// quarantined ones.
	PinnedTokens = prom.NewGauge(prom.GaugeOpts{
		Name: "dma_pinned_tokens",
		Help: "Number of live pinned memory tokens.",
	})

	// PinnedBytes is the number of bytes held pinned by live tokens.
	PinnedBytes = prom.NewGauge(prom.GaugeOpts{
		Name: "dma_pinned_bytes",
		Help: "Bytes pinned by live pinned memory tokens.",
	})

	// QuarantinedTokens is the number of tokens sitting in BTI quarantine.
	QuarantinedTokens = prom.NewGauge(prom.GaugeOpts{
		Name: "dma_quarantined_tokens",
		Help: "Number of pinned memory tokens held in quarantine.",
	})

	// QuarantinedBytes is the number of bytes kept pinned by quarantine.
	QuarantinedBytes = prom.NewGauge(prom.GaugeOpts{
		Name: "dma_quarantined_bytes",
		Help: "Bytes kept pinned by quarantined tokens.",
	})

	// MapCalls counts IOMMU map calls made while building token mappings.
	MapCalls = prom.NewCounter(prom.CounterOpts{
		Name: "dma_iommu_map_calls_total",
		Help: "IOMMU map calls issued for pinned memory tokens.",
	})

	// MapFailures counts token mappings that failed and were rolled back.
	MapFailures = prom.NewCounter(prom.CounterOpts{
		Name: "dma_iommu_map_failures_total",
		Help: "Pinned memory token mappings that failed and were rolled back.",
	})

	// PinFailures counts failed pin requests by status.
	PinFailures = prom.NewCounterVec(prom.CounterOpts{
		Name: "dma_pin_failures_total",
		Help: "Failed pin requests by status.",
	}, []string{"status"})
)

func init() {
	prom.MustRegister(PinnedTokens)
	prom.MustRegister(PinnedBytes)
	prom.MustRegister(QuarantinedTokens)
	prom.MustRegister(QuarantinedBytes)
	prom.MustRegister(MapCalls)
	prom.MustRegister(MapFailures)
	prom.MustRegister(PinFailures)
}

// WriteText writes every metric of the default registry to w in the text
// exposition format.
func WriteText(w io.Writer) error {
	mfs, err := prom.DefaultGatherer.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	enc := expfmt.NewEncoder(w, expfmt.FmtText)
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encoding metric %q: %w", mf.GetName(), err)
		}
	}
	return nil
}
