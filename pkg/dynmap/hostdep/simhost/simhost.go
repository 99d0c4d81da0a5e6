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

// Package simhost is an in-process reference implementation of the
// hostdep.Host contract. It backs kernel-virtual allocations with
// anonymous mmap regions and fans a broadcast out across goroutines
// standing in for CPUs via errgroup, rather than a real cross-CPU IPI.
// Because Go code has no way to observe or edit the real CPU's page
// tables, it also fabricates its own synthetic paging hierarchy for
// every virtual range it allocates, so that paging.Probe has something
// real to walk. It exists so the rest of dynmap can be built and tested
// without a real hypervisor host.
package simhost

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ElvisTulip/vbox/pkg/dynmap/hostdep"
)

// PageSize is the native small-page size this package simulates.
const PageSize = 4096

// Host is a simulated host with a fixed CPU count, a configured paging
// mode, and a private synthetic page-table tree.
type Host struct {
	mu       sync.Mutex
	cpus     int
	mode     hostdep.PagingMode
	nextPhys uintptr
	rootPhys uintptr
	tables   map[uintptr]*page // page-table pages, keyed by phys addr
}

type page struct {
	data []byte
	phys uintptr
}

// New returns a simulated host with the given CPU count and paging mode.
func New(cpus int, mode hostdep.PagingMode) *Host {
	return &Host{
		cpus:     cpus,
		mode:     mode,
		nextPhys: 1 << 20, // arbitrary non-zero base, 0 is reserved as "invalid"
		tables:   make(map[uintptr]*page),
	}
}

// OnlineCPUCount implements hostdep.Host.
func (h *Host) OnlineCPUCount() int { return h.cpus }

// CurrentCPUID implements hostdep.Host by reading the calling OS thread's
// kernel thread id as a stand-in CPU identity. Real ring-0 code reads the
// local APIC id instead; callers of a simulated Host are expected to have
// pinned the calling goroutine to its OS thread with
// runtime.LockOSThread, so that preemption is effectively held off across
// a map/release cycle.
func (h *Host) CurrentCPUID() hostdep.CPUID {
	if h.cpus <= 0 {
		return 0
	}
	return hostdep.CPUID(unix.Gettid() % h.cpus)
}

// BroadcastOnAllCPUs implements hostdep.Host by fanning fn out across one
// goroutine per simulated CPU and waiting for all of them, the direct
// goroutine-based analog of an IPI broadcast.
func (h *Host) BroadcastOnAllCPUs(fn func(hostdep.CPUID)) error {
	var g errgroup.Group
	for i := 0; i < h.cpus; i++ {
		id := hostdep.CPUID(i)
		g.Go(func() error {
			fn(id)
			return nil
		})
	}
	return g.Wait()
}

// InvalidatePage implements hostdep.Host. Simulated hosts have no real TLB;
// this is a no-op retained for interface symmetry and for tests that assert
// on call counts via a wrapping Host.
func (h *Host) InvalidatePage(virt uintptr) {}

// ReadCR3 implements hostdep.Host, lazily creating the root page-table page
// on first use.
func (h *Host) ReadCR3() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rootPhys == 0 {
		h.rootPhys = h.newTableLocked()
	}
	return uint64(h.rootPhys)
}

// ReadCR4 implements hostdep.Host with feature bits matching the configured
// paging mode (PAE is bit 5).
func (h *Host) ReadCR4() uint64 {
	if h.mode == hostdep.PAE || h.mode == hostdep.PAEGlobal || h.mode == hostdep.PAENX {
		return 1 << 5
	}
	return 0
}

// PagingMode implements hostdep.Host.
func (h *Host) PagingMode() hostdep.PagingMode { return h.mode }

// AllocPages implements hostdep.Host by mmap'ing n anonymous, zero-filled
// pages to serve as the segment's kernel-virtual range, then fabricating
// whatever page-table levels are missing so that every page in the new
// range is present and writable at its leaf, the way a real
// kernel-allocated virtual range already has backing page tables by
// construction.
func (h *Host) AllocPages(n int) (hostdep.MemoryObject, error) {
	if n <= 0 {
		return nil, fmt.Errorf("simhost: AllocPages: n must be positive, got %d", n)
	}
	size := n * PageSize
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("simhost: mmap %d bytes: %w", size, err)
	}

	base := uintptr(unsafe.Pointer(&data[0]))
	for i := 0; i < n; i++ {
		h.ensureMapped(base + uintptr(i)*PageSize)
	}

	return &memObj{data: data, phys: base}, nil
}

// EnterPhys implements hostdep.Host by looking up a page-table page
// previously fabricated by ensureMapped. A real host would establish a
// fresh kernel-virtual mapping for an arbitrary physical address
// (memobj_enter_phys); since this simulation's only physical addresses are
// ones it fabricated itself, lookup suffices.
func (h *Host) EnterPhys(phys uintptr) (hostdep.MemoryObject, error) {
	h.mu.Lock()
	p, ok := h.tables[phys]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("simhost: EnterPhys: unknown physical address %#x", phys)
	}
	return &memObj{data: p.data, phys: p.phys}, nil
}

type memObj struct {
	data []byte
	phys uintptr
}

func (m *memObj) KernelVirt() uintptr {
	if len(m.data) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.data[0]))
}
func (m *memObj) Phys() uintptr { return m.phys }
func (m *memObj) Bytes() []byte { return m.data }

func (m *memObj) Free() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// newTableLocked allocates a fresh, zero-filled page-table page and
// registers it for later EnterPhys lookup. Caller must hold h.mu.
func (h *Host) newTableLocked() uintptr {
	phys := h.nextPhys
	h.nextPhys += PageSize
	h.tables[phys] = &page{data: make([]byte, PageSize), phys: phys}
	return phys
}

const (
	entryFlagPresent = 1 << 0
	entryFlagWrite   = 1 << 1
)

// ensureMapped walks (creating as needed) the synthetic page-table chain
// down to v's leaf entry, so that a subsequent paging.Probe(host, v)
// succeeds: every non-leaf level ends up present and writable, and the
// leaf itself ends up present (pointing at an arbitrary placeholder
// physical frame, exactly as an ordinary pre-existing page mapping would
// before this cache claims the slot).
func (h *Host) ensureMapped(v uintptr) {
	bits, shifts, entrySize := levelGeometry(h.mode)
	if bits == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.rootPhys == 0 {
		h.rootPhys = h.newTableLocked()
	}
	tablePhys := h.rootPhys

	for i := range bits {
		tbl := h.tables[tablePhys]
		idx := (uint64(v) >> shifts[i]) & ((uint64(1) << bits[i]) - 1)
		off := uintptr(idx) * entrySize
		raw := readEntry(tbl.data, off, entrySize)

		if i == len(bits)-1 {
			if raw&entryFlagPresent == 0 {
				leafPhys := h.nextPhys
				h.nextPhys += PageSize
				writeEntry(tbl.data, off, uint64(leafPhys)|entryFlagPresent|entryFlagWrite, entrySize)
			}
			return
		}

		if raw&entryFlagPresent == 0 {
			childPhys := h.newTableLocked()
			writeEntry(tbl.data, off, uint64(childPhys)|entryFlagPresent|entryFlagWrite, entrySize)
			tablePhys = childPhys
		} else {
			tablePhys = uintptr(raw &^ uint64(PageSize-1))
		}
	}
}

// levelGeometry mirrors pkg/dynmap/paging's per-mode descent plans: the
// index width in bits and the shift at each level, top to bottom, plus
// the raw entry size in bytes. Duplicated here rather than imported
// because this is an independent fixture: it should verify the real
// walker against a format it did not itself help produce.
func levelGeometry(mode hostdep.PagingMode) (bits []uint, shifts []uint, entrySize uintptr) {
	switch mode {
	case hostdep.Legacy32, hostdep.Legacy32Global:
		return []uint{10, 10}, []uint{22, 12}, 4
	case hostdep.PAE, hostdep.PAEGlobal, hostdep.PAENX:
		return []uint{2, 9, 9}, []uint{30, 21, 12}, 8
	case hostdep.Long64, hostdep.Long64Global, hostdep.Long64NX:
		return []uint{9, 9, 9, 9}, []uint{39, 30, 21, 12}, 8
	default:
		return nil, nil, 0
	}
}

func readEntry(b []byte, off, size uintptr) uint64 {
	if size == 4 {
		return uint64(binary.LittleEndian.Uint32(b[off : off+4]))
	}
	return binary.LittleEndian.Uint64(b[off : off+8])
}

func writeEntry(b []byte, off uintptr, val uint64, size uintptr) {
	if size == 4 {
		binary.LittleEndian.PutUint32(b[off:off+4], uint32(val))
		return
	}
	binary.LittleEndian.PutUint64(b[off:off+8], val)
}
