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

import "dmapin.dev/dmapin/pkg/dma/handle"

// HandleClose closes handle h. Closing the last handle to a token that was
// not unpinned moves it to its BTI's quarantine.
func (p *Process) HandleClose(h handle.Value) error {
	return p.handles.Close(h)
}

// HandleDuplicate returns a new handle to the object of h with the given
// subset of its rights.
func (p *Process) HandleDuplicate(h handle.Value, rights handle.Rights) (handle.Value, error) {
	return p.handles.Duplicate(h, rights)
}

// Exit closes every handle of the process, as when it dies.
func (p *Process) Exit() {
	p.handles.CloseAll()
}
