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
	"github.com/ElvisTulip/vbox/internal/rlog"
	"github.com/ElvisTulip/vbox/pkg/dynmap/hostdep"
	"github.com/ElvisTulip/vbox/pkg/dynmap/paging"
)

// pageSize is the native small-page size this cache maps; huge pages are
// out of scope.
const pageSize = 4096

// segment owns one contiguous kernel-virtual range, its backing
// memory-object, and the page-table path memory-objects walked to reach
// each of its slots' leaf PTEs. Segments form a singly-linked list off the
// Cache; segment indices assigned to entries are never reused.
type segment struct {
	mem            hostdep.MemoryObject
	pathObjs       []hostdep.MemoryObject
	firstSlotIndex int
	count          int
	next           *segment
}

// memoizingHost wraps a Host so that EnterPhys calls for a physical address
// already seen during this segment's construction return the same
// MemoryObject, instead of re-mapping it: consecutive slots sharing a
// parent page-table page should not re-map it.
type memoizingHost struct {
	hostdep.Host
	seen map[uintptr]hostdep.MemoryObject
}

func newMemoizingHost(h hostdep.Host) *memoizingHost {
	return &memoizingHost{Host: h, seen: make(map[uintptr]hostdep.MemoryObject)}
}

func (m *memoizingHost) EnterPhys(phys uintptr) (hostdep.MemoryObject, error) {
	if mo, ok := m.seen[phys]; ok {
		return mo, nil
	}
	mo, err := m.Host.EnterPhys(phys)
	if err != nil {
		return nil, err
	}
	m.seen[phys] = mo
	return mo, nil
}

// objects returns every distinct MemoryObject this memoizing host produced,
// in no particular order, for the segment to retain ownership of.
func (m *memoizingHost) objects() []hostdep.MemoryObject {
	out := make([]hostdep.MemoryObject, 0, len(m.seen))
	for _, mo := range m.seen {
		out = append(out, mo)
	}
	return out
}

// addSegment grows the cache by count slots: it extends the entry and
// saved-PTE arrays (indices of existing slots are never invalidated),
// allocates a fresh kernel-virtual region, probes each new slot's leaf PTE,
// and links the new segment into the cache's list. Must be called with the
// init-mutex held. On any failure, all partial allocation is unwound and
// the cache is left exactly as it was.
func (c *Cache) addSegment(count int) error {
	if count <= 0 {
		return newError(Internal, "dynmap: addSegment: count must be positive, got %d", count)
	}

	mem, err := c.host.AllocPages(count)
	if err != nil {
		return newError(NoMemory, "dynmap: allocating %d pages: %v", count, err)
	}

	base := mem.KernelVirt()
	mh := newMemoizingHost(c.host)

	newEntries := make([]entry, count)
	for i := 0; i < count; i++ {
		virt := base + uintptr(i)*pageSize
		res, err := paging.Probe(mh, virt)
		if err != nil {
			for _, mo := range mh.objects() {
				mo.Free()
			}
			mem.Free()
			return newError(Internal, "dynmap: probing slot %d at virt %#x: %v", i, virt, err)
		}
		newEntries[i] = entry{
			hostPhys: invalidHostPhys,
			virt:     virt,
			refs:     0,
			leaf:     res.Leaf,
			savedPTE: res.Leaf.Read(),
		}
		newEntries[i].fillPending(c.host.OnlineCPUCount())
	}

	seg := &segment{
		mem:            mem,
		pathObjs:       mh.objects(),
		firstSlotIndex: len(c.entries),
		count:          count,
	}

	c.entries = append(c.entries, newEntries...)
	for i := range newEntries {
		c.savedPTEs = append(c.savedPTEs, newEntries[i].savedPTE)
	}

	seg.next = c.segments
	c.segments = seg
	c.pages += count

	rlog.Infof("dynmap: added segment of %d pages, total now %d", count, c.pages)
	return nil
}

// segmentFor locates the segment owning slot index i. Entries carry no
// back-pointer to their owning segment, so this walks the segment list
// with a straightforward linear scan. Teardown does not call it; it walks
// the segment list directly.
func (c *Cache) segmentFor(i int) *segment {
	for s := c.segments; s != nil; s = s.next {
		if i >= s.firstSlotIndex && i < s.firstSlotIndex+s.count {
			return s
		}
	}
	return nil
}
