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

// Package paging walks the current paging hierarchy to find leaf page-table
// entries across the three x86 paging modes a host may be running in:
// legacy 32-bit, PAE, and long mode (64-bit).
package paging

import (
	"encoding/binary"

	"github.com/ElvisTulip/vbox/pkg/dynmap/hostdep"
)

// Entry bit positions shared by the 32-bit and 64-bit PTE formats.
const (
	bitPresent  = 1 << 0
	bitWrite    = 1 << 1
	bitUser     = 1 << 2
	bitPWT      = 1 << 3
	bitPCD      = 1 << 4
	bitAccessed = 1 << 5
	bitDirty    = 1 << 6
	bitPageSize = 1 << 7 // PS at non-leaf levels; PAT at leaf level
	bitGlobal   = 1 << 8
	bitNX       = 1 << 63

	// preservedMask covers the flags a mapper must carry forward from
	// whatever was previously installed at a slot's leaf PTE: global, PAT
	// (aliases bitPageSize at the leaf level), PCD and PWT.
	preservedMask = bitGlobal | bitPageSize | bitPCD | bitPWT
)

// PreservedMask returns the bitmask of flags a mapper must preserve
// verbatim across a leaf PTE rewrite.
func PreservedMask() uint64 { return preservedMask }

// Width distinguishes 32-bit legacy entries from 64-bit PAE/long entries.
type Width int

// Entry widths.
const (
	Width32 Width = iota
	Width64
)

// PhysMask32 and PhysMask64 mask the physical-address field out of a leaf
// entry for each width. 32-bit legacy entries only ever address 4 GiB, so
// the field is simply the page-aligned low 32 bits.
const (
	PhysMask32 uint64 = 0xfffff000
	PhysMask64 uint64 = 0x000ffffffffff000
)

func physMask(w Width) uint64 {
	if w == Width32 {
		return PhysMask32
	}
	return PhysMask64
}

// LeafRef is a tagged reference to one leaf page-table entry: a
// memory-object-relative byte offset plus a width tag, standing in for a
// raw pointer to the PTE. All reads and writes go through the
// CompareAndSwap/Read helpers below; there is no direct pointer
// arithmetic on the hot path.
type LeafRef struct {
	table  hostdep.MemoryObject
	offset uintptr
	width  Width
}

// Width reports this reference's entry width.
func (r LeafRef) Width() Width { return r.width }

// Read returns the current raw entry value, zero-extended to 64 bits for a
// 32-bit entry.
func (r LeafRef) Read() uint64 {
	b := r.table.Bytes()
	if r.width == Width32 {
		return uint64(binary.LittleEndian.Uint32(b[r.offset : r.offset+4]))
	}
	return binary.LittleEndian.Uint64(b[r.offset : r.offset+8])
}

// CompareAndSwap attempts to atomically replace the entry's current value
// with new, conditioned on it still reading old. It reports the value
// actually observed and whether the swap took effect, mirroring
// internal/atomicbitops.CompareAndSwapUint64's shape so mapper retry loops
// look the same regardless of entry width.
func (r LeafRef) CompareAndSwap(old, new uint64) (observed uint64, swapped bool) {
	b := r.table.Bytes()
	if r.width == Width32 {
		addr := (*uint32)(offsetPointer(b, r.offset))
		prev, ok := atomicCAS32(addr, uint32(old), uint32(new))
		return uint64(prev), ok
	}
	addr := (*uint64)(offsetPointer(b, r.offset))
	return atomicCAS64(addr, old, new)
}

// Present reports whether the present bit is set in the given raw value.
func Present(raw uint64) bool { return raw&bitPresent != 0 }

// Writeable reports whether the read/write bit is set in the given raw value.
func Writeable(raw uint64) bool { return raw&bitWrite != 0 }

// IsLeafPageSize reports whether the page-size bit is set, marking a
// non-leaf entry as a large-page leaf (rejected by Probe, which only
// supports 4 KiB leaves).
func IsLeafPageSize(raw uint64) bool { return raw&bitPageSize != 0 }

// PhysicalAddress extracts the physical-address field of a present entry at
// the given width.
func PhysicalAddress(raw uint64, w Width) uintptr {
	return uintptr(raw & physMask(w))
}

// BuildLeafValue composes a new leaf-PTE value: present, accessed, dirty,
// read/write, the new physical address, and every flag named in
// preservedMask carried forward unchanged from old.
func BuildLeafValue(old uint64, phys uintptr, w Width) uint64 {
	carried := old & preservedMask
	v := carried | bitPresent | bitAccessed | bitDirty | bitWrite | (uint64(phys) & physMask(w))
	if w == Width32 {
		v &^= bitNX // NX is not representable in 32-bit legacy entries.
	}
	return v
}
