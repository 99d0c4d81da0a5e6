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

// Package dynmap implements a ring-0 dynamic physical-page mapping cache: a
// fixed kernel-virtual range whose page-table entries are multiplexed
// across host-physical pages requested by vCPUs during guest execution, and
// the per-vCPU AutoSet that batches and releases a run's outstanding
// references.
package dynmap

import (
	"sync"

	"github.com/ElvisTulip/vbox/internal/rlog"
	"github.com/ElvisTulip/vbox/internal/spinlock"
	"github.com/ElvisTulip/vbox/pkg/dynmap/hostdep"
)

// DefaultPagesPerCPU is the number of slots reserved per vCPU on first
// attach.
const DefaultPagesPerCPU = 64

// DefaultMaxPages bounds total cache growth (8 MiB worth of 4 KiB pages).
const DefaultMaxPages = (8 << 20) >> 12

// Config carries the cache's tunables, supplied to NewCache.
type Config struct {
	// PagesPerCPU is the segment size added per vCPU on first attach.
	PagesPerCPU int
	// MaxPages hard-caps total cache growth.
	MaxPages int
}

// DefaultConfig returns the default tunables.
func DefaultConfig() Config {
	return Config{PagesPerCPU: DefaultPagesPerCPU, MaxPages: DefaultMaxPages}
}

// Stats is a read-only snapshot of cache load, useful for diagnostics and
// for logging context on a Full MapPhys failure.
type Stats struct {
	Pages    int
	Load     int
	MaxLoad  int
	Segments int
	Users    int
}

// Cache is the singleton dynamic mapping cache for one host. It is created
// by NewCache and released by Close, rather than stored as a
// package-level global, so a caller owns its lifetime explicitly and
// nothing prevents running more than one in a test process.
type Cache struct {
	host hostdep.Host
	cfg  Config

	// spin is the cache-wide hot-path lock: entry selection, load/maxLoad,
	// and lock-coupled PTE updates. Held for O(cache-probe) time only.
	spin spinlock.Spinlock

	// initMu is the sleepable lock protecting users, the segment list, and
	// array reallocation. Never held on the hot path.
	initMu sync.Mutex

	entries   []entry
	savedPTEs []uint64
	pages     int
	load      int
	maxLoad   int
	users     int
	segments  *segment

	closed bool
}

// NewCache creates the cache singleton for host. No segments exist yet;
// none are added until the first VM attaches.
func NewCache(host hostdep.Host, cfg Config) (*Cache, error) {
	if host == nil {
		return nil, newError(Internal, "dynmap: NewCache: host must not be nil")
	}
	if cfg.PagesPerCPU <= 0 {
		cfg.PagesPerCPU = DefaultPagesPerCPU
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if _, err := probeModeSupported(host); err != nil {
		return nil, err
	}
	return &Cache{host: host, cfg: cfg}, nil
}

func probeModeSupported(host hostdep.Host) (hostdep.PagingMode, error) {
	switch host.PagingMode() {
	case hostdep.Legacy32, hostdep.Legacy32Global,
		hostdep.PAE, hostdep.PAEGlobal, hostdep.PAENX,
		hostdep.Long64, hostdep.Long64Global, hostdep.Long64NX:
		return host.PagingMode(), nil
	default:
		return 0, newError(Internal, "dynmap: unsupported paging mode %v", host.PagingMode())
	}
}

// Stats returns a snapshot of the cache's current load statistics. MaxLoad
// remains readable even while Pages == 0, between a last detach and the
// next attach.
func (c *Cache) Stats() Stats {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	c.spin.Lock()
	defer c.spin.Unlock()
	segs := 0
	for s := c.segments; s != nil; s = s.next {
		segs++
	}
	return Stats{Pages: c.pages, Load: c.load, MaxLoad: c.maxLoad, Segments: segs, Users: c.users}
}

// Close is the module_term contract: it requires no VMs remain attached.
func (c *Cache) Close() error {
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.users != 0 {
		return newError(Internal, "dynmap: Close: %d VM(s) still attached", c.users)
	}
	c.closed = true
	return nil
}

// AttachVM is the attach_vm contract: on first attach it runs setup (adds
// one segment sized vcpuCount*PagesPerCPU); on subsequent attaches it grows
// the cache if the prior interval's max load crossed the overload
// threshold. Returns a VM with vcpuCount closed AutoSets.
func (c *Cache) AttachVM(vcpuCount int) (*VM, error) {
	if vcpuCount <= 0 {
		return nil, newError(Internal, "dynmap: AttachVM: vcpuCount must be positive, got %d", vcpuCount)
	}
	c.initMu.Lock()
	defer c.initMu.Unlock()
	if c.closed {
		return nil, newError(Internal, "dynmap: AttachVM: cache is closed")
	}

	if c.users == 0 {
		count := vcpuCount * c.cfg.PagesPerCPU
		if err := c.addSegment(count); err != nil {
			return nil, err
		}
	} else if c.maxLoad > c.pages/2 {
		if err := c.grow(); err != nil {
			return nil, err
		}
	}

	c.users++
	vm := &VM{cache: c, vcpus: make([]AutoSet, vcpuCount)}
	for i := range vm.vcpus {
		vm.vcpus[i].count = autoSetClosed
	}
	return vm, nil
}

// grow computes a target size by growing in PagesPerCPU increments
// (starting from onlineCPUs*PagesPerCPU) until the target's overload
// threshold (target/2) exceeds the last interval's max load, caps at
// MaxPages, and adds one segment covering the shortfall if the target
// exceeds the current page count. Existing slot indices are never
// invalidated: only addSegment (append-only) grows the arrays.
func (c *Cache) grow() error {
	target := growTarget(c.maxLoad, c.host.OnlineCPUCount(), c.cfg.PagesPerCPU, c.cfg.MaxPages)
	if target <= c.pages {
		return nil
	}
	return c.addSegment(target - c.pages)
}

func growTarget(maxLoad, cpus, pagesPerCPU, maxPages int) int {
	if cpus <= 0 {
		cpus = 1
	}
	target := cpus * pagesPerCPU
	for target/2 <= maxLoad {
		target += pagesPerCPU
	}
	if target > maxPages {
		target = maxPages
	}
	return target
}

// DetachVM is the detach_vm contract: any AutoSets the VM left open are
// drained and logged as leaks, then the user count is decremented. If this
// was the last attached VM, teardown runs: every leaf PTE is restored to
// its saved original, a TLB invalidate is broadcast for every slot on every
// CPU, and every segment is freed.
func (c *Cache) DetachVM(vm *VM) error {
	c.initMu.Lock()
	defer c.initMu.Unlock()

	for i := range vm.vcpus {
		as := &vm.vcpus[i]
		if as.count == autoSetClosed {
			continue
		}
		rlog.Warningf("dynmap: DetachVM: vCPU %d AutoSet still open with %d entries at detach, releasing", i, as.count)
		as.release(c)
	}

	if c.users > 0 {
		c.users--
	}
	if c.users == 0 {
		c.teardown()
	}
	return nil
}

// teardown restores every slot's saved PTE, invalidates every mapped
// virtual address on every CPU, and frees every segment's memory. Must be
// called with initMu held and users == 0.
func (c *Cache) teardown() {
	c.restorePTEs()

	err := c.host.BroadcastOnAllCPUs(func(hostdep.CPUID) {
		for i := range c.entries {
			c.host.InvalidatePage(c.entries[i].virt)
		}
	})
	if err != nil {
		rlog.Warningf("dynmap: teardown: broadcast invalidate failed (%v), falling back to current CPU only", err)
		for i := range c.entries {
			c.host.InvalidatePage(c.entries[i].virt)
		}
	}

	for s := c.segments; s != nil; s = s.next {
		for _, mo := range s.pathObjs {
			mo.Free()
		}
		s.mem.Free()
	}

	c.segments = nil
	c.entries = nil
	c.savedPTEs = nil
	c.pages = 0
	c.load = 0
	// maxLoad is intentionally left as-is: the next setup's first growth
	// decision uses it as the prior interval's peak, so resetting it here
	// would make the cache relearn its working set from a cold start.

	rlog.Infof("dynmap: teardown complete")
}

// restorePTEs writes every slot's saved original value back over its
// current leaf PTE via a compare-exchange loop. Idempotent: safe to call
// more than once, and safe to call before the memory backing the entries
// is freed since it never itself frees anything.
func (c *Cache) restorePTEs() {
	for i := range c.entries {
		e := &c.entries[i]
		for {
			observed, swapped := e.leaf.CompareAndSwap(e.leaf.Read(), e.savedPTE)
			if swapped || observed == e.savedPTE {
				break
			}
		}
	}
}
