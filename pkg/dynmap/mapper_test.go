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
	"testing"

	"github.com/ElvisTulip/vbox/pkg/dynmap/hostdep"
)

func attachOne(t *testing.T, c *Cache) (*VM, *AutoSet) {
	t.Helper()
	vm, err := c.AttachVM(1)
	if err != nil {
		t.Fatalf("AttachVM: %v", err)
	}
	as, err := vm.AutoSet(0)
	if err != nil {
		t.Fatalf("AutoSet: %v", err)
	}
	if err := as.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return vm, as
}

func TestMapPhysSingleMapRelease(t *testing.T) {
	c := newTestCache(t, 1, hostdep.Long64)
	vm, as := attachOne(t, c)

	phys := uintptr(0x1000)
	wantSlot := int((phys >> 12)) % c.Stats().Pages

	virt, slot, err := c.MapPhys(vm, 0, phys)
	if err != nil {
		t.Fatalf("MapPhys: %v", err)
	}
	if slot != wantSlot {
		t.Fatalf("slot = %d, want %d", slot, wantSlot)
	}
	if virt == 0 {
		t.Fatal("virt = 0, want non-null")
	}
	if got := c.entries[slot].loadRefs(); got != 1 {
		t.Fatalf("refs after single map = %d, want 1", got)
	}
	if got := c.Stats().Load; got != 1 {
		t.Fatalf("Load after single map = %d, want 1", got)
	}
	installed := c.entries[slot].leaf.Read()

	if err := as.Close(c); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := c.entries[slot].loadRefs(); got != 0 {
		t.Fatalf("refs after release = %d, want 0", got)
	}
	if got := c.Stats().Load; got != 0 {
		t.Fatalf("Load after release = %d, want 0", got)
	}
	if c.entries[slot].leaf.Read() != installed {
		t.Fatal("release must not touch the installed PTE, only refs")
	}
}

func TestMapPhysHashCollisionUsesFiveNeighbourWindow(t *testing.T) {
	c := newTestCache(t, 1, hostdep.Long64)
	vm, as := attachOne(t, c)

	n := c.Stats().Pages // 64
	start := 10

	var slots []int
	for k := 0; k < neighbours; k++ {
		phys := uintptr((start+64*k)) << 12
		_, slot, err := c.MapPhys(vm, 0, phys)
		if err != nil {
			t.Fatalf("MapPhys #%d: %v", k, err)
		}
		slots = append(slots, slot)
	}
	for k, slot := range slots {
		want := (start + k) % n
		if slot != want {
			t.Fatalf("collision slot #%d = %d, want %d", k, slot, want)
		}
	}

	// A sixth colliding address must fall through to the slow-path scan
	// starting at start+5, since the five-neighbour window is now full.
	sixthPhys := uintptr(start+64*neighbours) << 12
	_, slot, err := c.MapPhys(vm, 0, sixthPhys)
	if err != nil {
		t.Fatalf("MapPhys #6: %v", err)
	}
	if want := (start + neighbours) % n; slot != want {
		t.Fatalf("sixth collision slot = %d, want %d", slot, want)
	}

	if err := as.Close(c); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestMapPhysRepeatedCallReturnsSameSlot(t *testing.T) {
	c := newTestCache(t, 1, hostdep.Long64)
	vm, as := attachOne(t, c)

	phys := uintptr(0x7000)
	_, slot1, err := c.MapPhys(vm, 0, phys)
	if err != nil {
		t.Fatalf("MapPhys #1: %v", err)
	}
	_, slot2, err := c.MapPhys(vm, 0, phys)
	if err != nil {
		t.Fatalf("MapPhys #2: %v", err)
	}
	if slot1 != slot2 {
		t.Fatalf("mapping the same host_phys twice gave different slots: %d vs %d", slot1, slot2)
	}
	if got := c.entries[slot1].loadRefs(); got != 2 {
		t.Fatalf("refs after two maps of same phys = %d, want 2", got)
	}

	if err := as.Close(c); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestMapPhysRejectsUnalignedPhys(t *testing.T) {
	c := newTestCache(t, 1, hostdep.Long64)
	vm, as := attachOne(t, c)
	defer as.Close(c)

	if _, _, err := c.MapPhys(vm, 0, 0x1001); err == nil {
		t.Fatal("MapPhys with unaligned phys: got nil error")
	} else if k := err.(*Error).Kind; k != Internal {
		t.Fatalf("error kind = %v, want Internal", k)
	}
}

func TestMapPhysAccessDeniedForWrongVM(t *testing.T) {
	c := newTestCache(t, 1, hostdep.Long64)
	_, as1 := attachOne(t, c)
	defer as1.Close(c)

	other := newTestCache(t, 1, hostdep.Long64)
	vm2, as2 := attachOne(t, other)
	defer as2.Close(other)

	_, _, err := c.MapPhys(vm2, 0, 0x1000)
	if err == nil {
		t.Fatal("MapPhys with a VM from a different cache: got nil error")
	}
	if k := err.(*Error).Kind; k != AccessDenied {
		t.Fatalf("error kind = %v, want AccessDenied", k)
	}
}

func TestMapPhysFullCacheReturnsFull(t *testing.T) {
	c := newTestCache(t, 1, hostdep.Long64)
	vm, as := attachOne(t, c)
	defer as.Close(c)

	n := c.Stats().Pages
	for i := 0; i < n; i++ {
		if _, _, err := c.MapPhys(vm, 0, uintptr(i)<<12); err != nil {
			t.Fatalf("MapPhys(%d): %v", i, err)
		}
	}
	if _, _, err := c.MapPhys(vm, 0, uintptr(n)<<12); err == nil {
		t.Fatal("MapPhys on a full cache: got nil error")
	} else if k := err.(*Error).Kind; k != Full {
		t.Fatalf("error kind = %v, want Full", k)
	}
}
