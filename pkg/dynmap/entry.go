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

import (
	"sync/atomic"

	"github.com/ElvisTulip/vbox/internal/atomicbitops"
	"github.com/ElvisTulip/vbox/pkg/dynmap/hostdep"
	"github.com/ElvisTulip/vbox/pkg/dynmap/paging"
)

// pendingWords sizes the inline pending-CPU bitset per entry: 256 CPUs.
// Hosts with more logical CPUs than this would need a wider bitset; 256
// covers every machine this cache is expected to run on.
const pendingWords = 4

// invalidHostPhys is the sentinel host_phys value meaning "no page
// installed". All-ones is never a valid page-aligned physical address on
// any supported host.
const invalidHostPhys = ^uint64(0)

// entry is one cache slot: a fixed kernel-virtual window plus the
// host-physical page currently multiplexed onto it.
type entry struct {
	// hostPhys is accessed atomically; invalidHostPhys means unoccupied.
	hostPhys uint64

	// virt is fixed at segment creation and never changes.
	virt uintptr

	// refs is the atomic outstanding-reference count. refs == 0 means the
	// slot is reclaimable by the next mapper that hashes to it.
	refs int32

	// leaf is the tagged leaf-PTE reference installed at segment creation;
	// immutable thereafter. All writes to the underlying memory go through
	// leaf.CompareAndSwap.
	leaf paging.LeafRef

	// savedPTE is the original entry's raw value, snapshotted at segment
	// creation and restored verbatim by teardown. Never touched by the
	// mapper.
	savedPTE uint64

	// pending is the set of CPU ids that have not yet invalidated their
	// TLB entry for virt since hostPhys was last written.
	pending [pendingWords]uint64
}

// loadHostPhys atomically reads the currently installed host-physical page.
func (e *entry) loadHostPhys() uint64 { return atomic.LoadUint64(&e.hostPhys) }

// storeHostPhys atomically installs a new host-physical page.
func (e *entry) storeHostPhys(phys uint64) { atomic.StoreUint64(&e.hostPhys, phys) }

// loadRefs atomically reads the reference count.
func (e *entry) loadRefs() int32 { return atomic.LoadInt32(&e.refs) }

// addRefs atomically adds delta (positive on map, negative on release) and
// returns the new value. Refs must never go negative; callers are expected
// to never release more than they acquired, so AddInt32IfPositive's clamp
// is strictly a last line of defense against invariant violations, not a
// substitute for correct caller bookkeeping.
func (e *entry) addRefs(delta int32) int32 {
	n, _ := atomicbitops.AddInt32IfPositive(&e.refs, delta)
	return n
}

// wordIndex splits a CPU id into its bitset word and bit-within-word.
func wordIndex(id hostdep.CPUID) (word int, bit uint) {
	return int(id) / 64, uint(int(id) % 64)
}

// fillPending marks every CPU in [0, n) as pending, for a freshly
// installed page. MapPhys calls it under the cache spinlock, and addSegment
// calls it on entries not yet visible to any other goroutine: filling the
// whole bitset is not itself atomic, so it must never race a concurrent
// testAndClearPending on the same entry.
func (e *entry) fillPending(n int) {
	for w := range e.pending {
		e.pending[w] = 0
	}
	for id := 0; id < n && id/64 < pendingWords; id++ {
		word, bit := wordIndex(hostdep.CPUID(id))
		e.pending[word] |= uint64(1) << bit
	}
}

// testAndClearPending atomically clears cpu's bit and reports whether it
// had been set. Safe to call without the spinlock: pending-bit clears are
// atomic bit operations.
func (e *entry) testAndClearPending(cpu hostdep.CPUID) bool {
	word, bit := wordIndex(cpu)
	if word >= pendingWords {
		return false
	}
	return atomicbitops.TestAndClearBit(&e.pending[word], bit)
}

// isPending reports whether cpu is still pending for this entry.
func (e *entry) isPending(cpu hostdep.CPUID) bool {
	word, bit := wordIndex(cpu)
	if word >= pendingWords {
		return false
	}
	return atomicbitops.TestBit(&e.pending[word], bit)
}
