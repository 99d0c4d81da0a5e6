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
	"fmt"

	"github.com/ElvisTulip/vbox/pkg/dynmap/hostdep"
)

// level describes one step of a paging-mode descent: the shift and index
// width used to extract this level's index out of a virtual address.
type level struct {
	shift uint
	bits  uint
}

func (l level) mask() uint64 { return (uint64(1)<<l.bits - 1) << l.shift }

func (l level) index(v uint64) int {
	return int((v & l.mask()) >> l.shift)
}

// plan is the full descent plan for one paging mode: its levels, top to
// bottom, and the entry width used at every level.
type plan struct {
	levels []level
	width  Width
}

// plans holds the level shapes for every supported paging mode.
var plans = map[hostdep.PagingMode]plan{
	hostdep.Legacy32: {
		levels: []level{{shift: 22, bits: 10}, {shift: 12, bits: 10}},
		width:  Width32,
	},
	hostdep.PAE: {
		levels: []level{{shift: 30, bits: 2}, {shift: 21, bits: 9}, {shift: 12, bits: 9}},
		width:  Width64,
	},
	hostdep.PAENX: {
		levels: []level{{shift: 30, bits: 2}, {shift: 21, bits: 9}, {shift: 12, bits: 9}},
		width:  Width64,
	},
	hostdep.Long64: {
		levels: []level{{shift: 39, bits: 9}, {shift: 30, bits: 9}, {shift: 21, bits: 9}, {shift: 12, bits: 9}},
		width:  Width64,
	},
	hostdep.Long64NX: {
		levels: []level{{shift: 39, bits: 9}, {shift: 30, bits: 9}, {shift: 21, bits: 9}, {shift: 12, bits: 9}},
		width:  Width64,
	},
}

func init() {
	// The Global variants (Legacy32Global, PAEGlobal, Long64Global) share
	// their parent mode's descent shape; the walk is identical, and
	// PreservedMask is the same for every mode.
	plans[hostdep.Legacy32Global] = plans[hostdep.Legacy32]
	plans[hostdep.Long64Global] = plans[hostdep.Long64]
	plans[hostdep.PAEGlobal] = plans[hostdep.PAE]
}

// Result is the outcome of a successful Probe: the leaf PTE reference plus
// the host-physical address of every page-table page walked to reach it,
// top to bottom, so a Segment can map each one for editing.
type Result struct {
	Leaf LeafRef
	Path []uintptr
}

// entrySize returns the size in bytes of one entry at this width.
func entrySize(w Width) uintptr {
	if w == Width32 {
		return 4
	}
	return 8
}

// Probe walks the host's current paging hierarchy (per host.ReadCR3 and
// host.PagingMode) to find the leaf PTE mapping virtual address v.
// Large-page leaves, unsupported modes, and missing permission bits at
// non-leaf levels are all reported as errors; there is no partial
// registration.
func Probe(host hostdep.Host, v uintptr) (Result, error) {
	mode := host.PagingMode()
	pl, ok := plans[mode]
	if !ok {
		return Result{}, fmt.Errorf("paging: unsupported paging mode %v", mode)
	}

	rootPhys := uintptr(host.ReadCR3() &^ 0xfff)
	table, err := host.EnterPhys(rootPhys)
	if err != nil {
		return Result{}, fmt.Errorf("paging: entering root table at %#x: %w", rootPhys, err)
	}

	path := make([]uintptr, 0, len(pl.levels))
	path = append(path, rootPhys)
	vv := uint64(v)

	for i, lv := range pl.levels {
		idx := lv.index(vv)
		off := uintptr(idx) * entrySize(pl.width)
		ref := LeafRef{table: table, offset: off, width: pl.width}
		raw := ref.Read()

		if !Present(raw) {
			return Result{}, fmt.Errorf("paging: not present at level %d for virt %#x", i, v)
		}
		if i < len(pl.levels)-1 && !Writeable(raw) {
			return Result{}, fmt.Errorf("paging: missing write permission at level %d for virt %#x", i, v)
		}

		if i == len(pl.levels)-1 {
			// Leaf level: a set page-size bit here means PAT, not a large
			// page; nothing more to walk.
			return Result{Leaf: ref, Path: path}, nil
		}

		if IsLeafPageSize(raw) {
			return Result{}, fmt.Errorf("paging: large-page leaf encountered at level %d for virt %#x, segments require 4 KiB leaves", i, v)
		}

		nextPhys := PhysicalAddress(raw, pl.width)
		next, err := host.EnterPhys(nextPhys)
		if err != nil {
			return Result{}, fmt.Errorf("paging: entering table at %#x (level %d): %w", nextPhys, i+1, err)
		}
		table = next
		path = append(path, nextPhys)
	}

	// Unreachable: every mode's plan has at least one level, and the loop
	// above returns from the last level explicitly.
	return Result{}, fmt.Errorf("paging: empty descent plan for mode %v", mode)
}
