// Copyright 2024 The dynmap Authors.
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

package paging

import (
	"unsafe"

	"github.com/ElvisTulip/vbox/internal/atomicbitops"
)

// offsetPointer returns a pointer to byte offset off within b, for use as
// the target of an atomic compare-and-swap on a leaf PTE's backing memory
// object. b must outlive the returned pointer.
func offsetPointer(b []byte, off uintptr) unsafe.Pointer {
	return unsafe.Pointer(&b[off])
}

func atomicCAS32(addr *uint32, old, new uint32) (prev uint32, swapped bool) {
	return atomicbitops.CompareAndSwapUint32(addr, old, new)
}

func atomicCAS64(addr *uint64, old, new uint64) (prev uint64, swapped bool) {
	return atomicbitops.CompareAndSwapUint64(addr, old, new)
}
