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

package hostarch

import "testing"

func TestPageRounding(t *testing.T) {
	for _, tc := range []struct {
		v        uint64
		down, up uint64
		upOK     bool
		aligned  bool
	}{
		{0, 0, 0, true, true},
		{1, 0, PageSize, true, false},
		{PageSize, PageSize, PageSize, true, true},
		{PageSize + 1, PageSize, 2 * PageSize, true, false},
		{^uint64(0), ^uint64(PageSize - 1), 0, false, false},
	} {
		if got := PageRoundDown(tc.v); got != tc.down {
			t.Errorf("PageRoundDown(%#x) = %#x, want %#x", tc.v, got, tc.down)
		}
		got, ok := PageRoundUp(tc.v)
		if ok != tc.upOK || (ok && got != tc.up) {
			t.Errorf("PageRoundUp(%#x) = (%#x, %t), want (%#x, %t)", tc.v, got, ok, tc.up, tc.upOK)
		}
		if got := IsPageAligned(tc.v); got != tc.aligned {
			t.Errorf("IsPageAligned(%#x) = %t, want %t", tc.v, got, tc.aligned)
		}
	}
}

func TestDivRoundUp(t *testing.T) {
	for _, tc := range []struct {
		v, d, want uint64
	}{
		{0, 4096, 0},
		{1, 4096, 1},
		{4096, 4096, 1},
		{12288, 8192, 2},
		{16384, 8192, 2},
	} {
		if got := DivRoundUp(tc.v, tc.d); got != tc.want {
			t.Errorf("DivRoundUp(%d, %d) = %d, want %d", tc.v, tc.d, got, tc.want)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for v, want := range map[uint64]bool{0: false, 1: true, 3: false, PageSize: true, HugePageSize: true, 3 * PageSize: false} {
		if got := IsPowerOfTwo(v); got != want {
			t.Errorf("IsPowerOfTwo(%d) = %t, want %t", v, got, want)
		}
	}
}
