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

package dynmap

import "github.com/ElvisTulip/vbox/pkg/dynmap/paging"

// neighbours is the width of the hash-collision probe window before the
// mapper falls back to a full linear scan.
const neighbours = 5

// MapPhys is the hot-path contract: install (or find an existing mapping
// for) hostPhys, returning the kernel-virtual address the caller may
// dereference until it releases the reference. vm must come from this
// cache's AttachVM; a VM from a different cache gets AccessDenied. Whether
// vm is still attached (not yet passed to DetachVM) is not checked.
func (c *Cache) MapPhys(vm *VM, vcpuIdx int, hostPhys uintptr) (virt uintptr, slot int, err error) {
	if hostPhys%pageSize != 0 {
		return 0, 0, newError(Internal, "dynmap: MapPhys: hostPhys %#x is not page-aligned", hostPhys)
	}
	if vm.cache != c {
		return 0, 0, newError(AccessDenied, "dynmap: MapPhys: vm is not attached to this cache")
	}
	as, err := vm.AutoSet(vcpuIdx)
	if err != nil {
		return 0, 0, err
	}
	if !as.IsOpen() {
		return 0, 0, newError(WrongOrder, "dynmap: MapPhys: vCPU %d AutoSet is not open", vcpuIdx)
	}

	target := uint64(hostPhys)

	c.spin.Lock()
	n := c.pages
	if n == 0 {
		c.spin.Unlock()
		return 0, 0, newError(Full, "dynmap: MapPhys: cache has no pages")
	}
	start := int((hostPhys >> 12)) % n

	i, found, err := c.findSlot(start, n, target)
	if err != nil {
		c.spin.Unlock()
		return 0, 0, err
	}

	e := &c.entries[i]
	if !found {
		e.storeHostPhys(target)
		e.fillPending(c.host.OnlineCPUCount())
		if err := c.rewritePTE(e, hostPhys); err != nil {
			c.spin.Unlock()
			return 0, 0, err
		}
	}

	if e.addRefs(1) == 1 {
		c.load++
		if c.load > c.maxLoad {
			c.maxLoad = c.load
		}
	}

	cpu := c.host.CurrentCPUID()
	shouldInvalidate := e.testAndClearPending(cpu)
	virt = e.virt
	c.spin.Unlock()

	if shouldInvalidate {
		c.host.InvalidatePage(virt)
	}

	if err := as.record(c, i); err != nil {
		return 0, 0, err
	}

	return virt, i, nil
}

// findSlot hashes target into a starting slot, then scans a five-slot
// probe window for either a matching entry or a free victim before
// falling back to a slow-path linear scan of the rest of the cache. Must
// be called with the spinlock held. Returns the chosen slot index and
// whether it was already holding target.
func (c *Cache) findSlot(start, n int, target uint64) (idx int, found bool, err error) {
	victim := -1
	for k := 0; k < neighbours && k < n; k++ {
		i := (start + k) % n
		e := &c.entries[i]
		if e.loadHostPhys() == target {
			return i, true, nil
		}
		if victim < 0 && e.loadRefs() == 0 {
			victim = i
		}
	}
	if victim >= 0 {
		return victim, false, nil
	}

	for k := neighbours; k < n; k++ {
		i := (start + k) % n
		e := &c.entries[i]
		if e.loadHostPhys() == target {
			return i, true, nil
		}
		if e.loadRefs() == 0 {
			return i, false, nil
		}
	}

	return 0, false, newError(Full, "dynmap: findSlot: cache is full (pages=%d, load=%d)", n, c.load)
}

// rewritePTE installs hostPhys into e's leaf PTE via a compare-exchange
// loop, preserving the global, page-size, and cache-control flag bits.
// Must be called with the spinlock held, after e.hostPhys has already
// been updated to the new target.
func (c *Cache) rewritePTE(e *entry, hostPhys uintptr) error {
	w := e.leaf.Width()
	for {
		old := e.leaf.Read()
		newVal := paging.BuildLeafValue(old, hostPhys, w)
		observed, swapped := e.leaf.CompareAndSwap(old, newVal)
		if swapped {
			return nil
		}
		if observed == newVal {
			return nil
		}
	}
}

// releaseSlot takes the spinlock and releases k references from slot i.
func (c *Cache) releaseSlot(i int, k int32) {
	c.spin.Lock()
	c.releaseSlotLocked(i, k)
	c.spin.Unlock()
}

// releaseSlotLocked is the locked variant of releaseSlot: caller must
// already hold the spinlock. Never touches the PTE; eviction is lazy,
// deferred to the next mapper that picks this slot.
func (c *Cache) releaseSlotLocked(i int, k int32) {
	if i < 0 || i >= len(c.entries) {
		return
	}
	e := &c.entries[i]
	if e.addRefs(-k) == 0 {
		c.load--
	}
}
