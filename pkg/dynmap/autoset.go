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

import "github.com/ElvisTulip/vbox/pkg/dynmap/hostdep"

// AutoSetCapacity bounds the number of distinct slots a single AutoSet can
// reference at once.
const AutoSetCapacity = 64

// autoSetClosed is the sentinel count value meaning "not between Start and
// Close", chosen outside [0, AutoSetCapacity].
const autoSetClosed = -1

// autoSetRef is one (slot, local refcount) pair held by an AutoSet.
type autoSetRef struct {
	slot int
	refs int32
}

// AutoSet is a single vCPU's bounded batch of outstanding slot references,
// opened on guest entry (Start) and drained on guest exit (Close). Only the
// owning vCPU ever touches its fields; there is no cross-vCPU access and no
// internal locking.
type AutoSet struct {
	entries [AutoSetCapacity]autoSetRef
	count   int
}

// Start opens a closed AutoSet for a fresh guest-entry interval. Returns
// WrongOrder if the set is already open.
func (a *AutoSet) Start() error {
	if a.count != autoSetClosed {
		return newError(WrongOrder, "dynmap: AutoSet.Start: set is already open (count=%d)", a.count)
	}
	a.count = 0
	return nil
}

// IsOpen reports whether the set is between Start and Close.
func (a *AutoSet) IsOpen() bool { return a.count != autoSetClosed }

// Len reports the number of distinct slots currently tracked.
func (a *AutoSet) Len() int {
	if a.count == autoSetClosed {
		return 0
	}
	return a.count
}

// record is called by Cache.MapPhys immediately after it installs a new
// reference on slot, to fold it into this set: scan for a prior entry
// referencing the same slot and fold into it; failing that, try Optimise
// once if the set is at capacity; if it is still full, it releases the
// just-taken reference itself and returns Full. The duplicate scan
// always runs, unconditionally on every call, since skipping it below
// some occupancy threshold would let repeated maps of the same slot
// accumulate as separate one-ref entries instead of collapsing into a
// single entry with the correct combined refcount.
func (a *AutoSet) record(c *Cache, slot int) error {
	if a.count == autoSetClosed {
		return newError(WrongOrder, "dynmap: AutoSet.record: set is not open")
	}

	for i := 0; i < a.count; i++ {
		if a.entries[i].slot == slot {
			a.entries[i].refs++
			return nil
		}
	}

	if a.count >= AutoSetCapacity {
		a.Optimise()
	}
	if a.count < AutoSetCapacity {
		a.entries[a.count] = autoSetRef{slot: slot, refs: 1}
		a.count++
		return nil
	}

	c.releaseSlot(slot, 1)
	return newError(Full, "dynmap: AutoSet.record: set is full")
}

// Optimise compacts duplicate slot entries, merging their local refcounts.
// Idempotent: a set with no duplicates is left unchanged.
func (a *AutoSet) Optimise() {
	for i := 0; i < a.count; i++ {
		slot := a.entries[i].slot
		j := i + 1
		for j < a.count {
			if a.entries[j].slot != slot {
				j++
				continue
			}
			a.entries[i].refs += a.entries[j].refs
			a.count--
			if j < a.count {
				a.entries[j] = a.entries[a.count]
			}
		}
	}
}

// Close drains every reference this set holds under the cache spinlock,
// then marks the set closed. Any outstanding entries are released exactly
// once. Close never logs leaks itself; DetachVM is responsible for that
// when it forces a Close on a vCPU that never called it.
func (a *AutoSet) Close(c *Cache) error {
	if a.count == autoSetClosed {
		return newError(WrongOrder, "dynmap: AutoSet.Close: set is already closed")
	}
	a.release(c)
	return nil
}

// release is the shared locked-drain implementation used by both Close and
// DetachVM's forced drain of a leaked set.
func (a *AutoSet) release(c *Cache) {
	c.spin.Lock()
	for i := 0; i < a.count; i++ {
		c.releaseSlotLocked(a.entries[i].slot, a.entries[i].refs)
		a.entries[i] = autoSetRef{}
	}
	c.spin.Unlock()
	a.count = autoSetClosed
}

// Migrate shoots down this set's slots' TLB entries for the current CPU,
// lock-free, without touching refcounts. Called between guest re-entries
// when the vCPU may have migrated host CPUs.
func (a *AutoSet) Migrate(c *Cache, cpu hostdep.CPUID) {
	if a.count == autoSetClosed {
		return
	}
	for i := 0; i < a.count; i++ {
		e := &c.entries[a.entries[i].slot]
		if e.testAndClearPending(cpu) {
			c.host.InvalidatePage(e.virt)
		}
	}
}

// VM is one attached guest's handle into the cache: the VM's own
// per-vCPU AutoSets, and a back-reference used to detect AccessDenied on
// cross-VM misuse.
type VM struct {
	cache *Cache
	vcpus []AutoSet
}

// AutoSet returns the AutoSet for vcpuIdx, for the caller to Start/Close
// around a guest-entry interval.
func (vm *VM) AutoSet(vcpuIdx int) (*AutoSet, error) {
	if vcpuIdx < 0 || vcpuIdx >= len(vm.vcpus) {
		return nil, newError(Internal, "dynmap: AutoSet: vcpu index %d out of range [0,%d)", vcpuIdx, len(vm.vcpus))
	}
	return &vm.vcpus[vcpuIdx], nil
}
