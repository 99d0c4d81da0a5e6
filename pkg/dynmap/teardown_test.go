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
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ElvisTulip/vbox/pkg/dynmap/hostdep"
	"github.com/ElvisTulip/vbox/pkg/dynmap/paging"
)

// TestTeardownRestoresOriginalPTEs drives many random map/release cycles
// through a single AutoSet, then restores the PTEs the way teardown does
// and verifies every slot's leaf PTE reads back exactly as it did before
// the cache ever touched it, before detaching the last VM.
func TestTeardownRestoresOriginalPTEs(t *testing.T) {
	c := newTestCache(t, 1, hostdep.Long64)
	vm, err := c.AttachVM(1)
	if err != nil {
		t.Fatalf("AttachVM: %v", err)
	}

	leaves := make([]paging.LeafRef, len(c.entries))
	saved := make([]uint64, len(c.entries))
	for i := range c.entries {
		leaves[i] = c.entries[i].leaf
		saved[i] = c.entries[i].savedPTE
	}

	rng := rand.New(rand.NewSource(1))
	as, err := vm.AutoSet(0)
	if err != nil {
		t.Fatalf("AutoSet: %v", err)
	}

	for round := 0; round < 1000; round++ {
		if err := as.Start(); err != nil {
			t.Fatalf("round %d Start: %v", round, err)
		}
		ops := rng.Intn(8) + 1
		for i := 0; i < ops; i++ {
			phys := uintptr(rng.Intn(len(c.entries)*3)) << 12
			if _, _, err := c.MapPhys(vm, 0, phys); err != nil {
				if err.(*Error).Kind == Full {
					break
				}
				t.Fatalf("round %d MapPhys: %v", round, err)
			}
		}
		if err := as.Close(c); err != nil {
			t.Fatalf("round %d Close: %v", round, err)
		}
	}

	// Read the restored values before DetachVM frees the underlying
	// memory objects backing leaves: once freed, those LeafRefs are
	// dangling and must not be dereferenced again, exactly like the real
	// pointers they model.
	c.initMu.Lock()
	c.restorePTEs()
	c.initMu.Unlock()

	got := make([]uint64, len(leaves))
	for i, leaf := range leaves {
		got[i] = leaf.Read()
	}
	if diff := cmp.Diff(saved, got); diff != "" {
		t.Fatalf("PTE values after restore differ from originals (-want +got):\n%s", diff)
	}

	if err := c.DetachVM(vm); err != nil {
		t.Fatalf("DetachVM: %v", err)
	}
}
