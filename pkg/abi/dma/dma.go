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

// Package dma contains the constants shared between the DMA pinning core and
// its callers: status codes and pin options.
package dma

// Status is a kernel status code. Zero is success; errors are negative.
type Status int32

// Status codes.
const (
	StatusOK           Status = 0
	StatusInternal     Status = -1
	StatusNotSupported Status = -2
	StatusNoResources  Status = -3
	StatusNoMemory     Status = -4
	StatusInvalidArgs  Status = -10
	StatusBadHandle    Status = -11
	StatusWrongType    Status = -12
	StatusOutOfRange   Status = -14
	StatusBadState     Status = -20
	StatusNotFound     Status = -25
	StatusUnavailable  Status = -28
	StatusAccessDenied Status = -30
	StatusIO           Status = -40
)

var statusNames = map[Status]string{
	StatusOK:           "OK",
	StatusInternal:     "INTERNAL",
	StatusNotSupported: "NOT_SUPPORTED",
	StatusNoResources:  "NO_RESOURCES",
	StatusNoMemory:     "NO_MEMORY",
	StatusInvalidArgs:  "INVALID_ARGS",
	StatusBadHandle:    "BAD_HANDLE",
	StatusWrongType:    "WRONG_TYPE",
	StatusOutOfRange:   "OUT_OF_RANGE",
	StatusBadState:     "BAD_STATE",
	StatusNotFound:     "NOT_FOUND",
	StatusUnavailable:  "UNAVAILABLE",
	StatusAccessDenied: "ACCESS_DENIED",
	StatusIO:           "IO",
}

// String implements fmt.Stringer.String.
func (s Status) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// Options for BTI pin requests.
const (
	PinPermRead    = 1 << 0
	PinPermWrite   = 1 << 1
	PinPermExecute = 1 << 2

	// PinCompress requests one address per minimum-contiguity chunk instead
	// of one per page.
	PinCompress = 1 << 3

	// PinContiguous requests a single base address; the pinned range must be
	// physically contiguous.
	PinContiguous = 1 << 4

	PinPermMask = PinPermRead | PinPermWrite | PinPermExecute

	// PinOptionsMask covers every defined pin option.
	PinOptionsMask = PinPermMask | PinCompress | PinContiguous
)
