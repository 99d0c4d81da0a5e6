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
	"github.com/ElvisTulip/vbox/pkg/dynmap/hostdep/simhost"
)

func newTestCache(t *testing.T, cpus int, mode hostdep.PagingMode) *Cache {
	t.Helper()
	c, err := NewCache(simhost.New(cpus, mode), DefaultConfig())
	if err != nil {
		t.Fatalf("NewCache: %v", err)
	}
	return c
}

func TestAttachDetachLifecycle(t *testing.T) {
	c := newTestCache(t, 2, hostdep.Long64)

	vm, err := c.AttachVM(2)
	if err != nil {
		t.Fatalf("AttachVM: %v", err)
	}
	if got, want := c.Stats().Pages, 2*DefaultPagesPerCPU; got != want {
		t.Fatalf("Pages after first attach = %d, want %d", got, want)
	}

	if err := c.DetachVM(vm); err != nil {
		t.Fatalf("DetachVM: %v", err)
	}
	stats := c.Stats()
	if stats.Pages != 0 || stats.Users != 0 {
		t.Fatalf("Stats after last detach = %+v, want Pages=0 Users=0", stats)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close after last detach: %v", err)
	}
}

func TestCloseWithAttachedVMFails(t *testing.T) {
	c := newTestCache(t, 1, hostdep.Long64)
	vm, err := c.AttachVM(1)
	if err != nil {
		t.Fatalf("AttachVM: %v", err)
	}
	defer c.DetachVM(vm)

	err = c.Close()
	if err == nil {
		t.Fatal("Close with a VM still attached: got nil error, want Internal")
	}
	if k := err.(*Error).Kind; k != Internal {
		t.Fatalf("Close error kind = %v, want Internal", k)
	}
}

func TestGrowTarget(t *testing.T) {
	cases := []struct {
		name        string
		maxLoad     int
		cpus        int
		pagesPerCPU int
		maxPages    int
		want        int
	}{
		{"no growth needed", 10, 1, 64, 2048, 64},
		{"one increment", 33, 1, 64, 2048, 128},
		{"capped at max", 100000, 1, 64, 256, 256},
		{"multi cpu baseline already enough", 50, 4, 64, 2048, 256},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := growTarget(tc.maxLoad, tc.cpus, tc.pagesPerCPU, tc.maxPages)
			if got != tc.want {
				t.Fatalf("growTarget(%d,%d,%d,%d) = %d, want %d",
					tc.maxLoad, tc.cpus, tc.pagesPerCPU, tc.maxPages, got, tc.want)
			}
		})
	}
}

func TestAttachGrowsCacheWhenOverloaded(t *testing.T) {
	c := newTestCache(t, 1, hostdep.Long64)

	vm1, err := c.AttachVM(1)
	if err != nil {
		t.Fatalf("AttachVM(vm1): %v", err)
	}
	as, err := vm1.AutoSet(0)
	if err != nil {
		t.Fatalf("AutoSet: %v", err)
	}
	if err := as.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	pages := c.Stats().Pages // 64
	threshold := pages/2 + 1 // smallest load that makes maxLoad > pages/2
	firstSlots := make(map[int]uintptr)
	for i := 0; i < threshold; i++ {
		phys := uintptr((i + 1) * pageSize)
		virt, slot, err := c.MapPhys(vm1, 0, phys)
		if err != nil {
			t.Fatalf("MapPhys(%d): %v", i, err)
		}
		firstSlots[slot] = virt
	}

	vm2, err := c.AttachVM(1)
	if err != nil {
		t.Fatalf("AttachVM(vm2): %v", err)
	}

	if got := c.Stats().Pages; got <= pages {
		t.Fatalf("Pages after overloaded second attach = %d, want > %d", got, pages)
	}

	// Previously returned slots/virts must still be valid after growth.
	for slot, virt := range firstSlots {
		if slot < 0 || slot >= len(c.entries) {
			t.Fatalf("slot %d out of range after growth (len=%d)", slot, len(c.entries))
		}
		if c.entries[slot].virt != virt {
			t.Fatalf("entries[%d].virt changed after growth: got %#x, want %#x", slot, c.entries[slot].virt, virt)
		}
	}

	if err := as.Close(c); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.DetachVM(vm2); err != nil {
		t.Fatalf("DetachVM(vm2): %v", err)
	}
	if err := c.DetachVM(vm1); err != nil {
		t.Fatalf("DetachVM(vm1): %v", err)
	}
}
