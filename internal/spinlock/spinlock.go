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

// Package spinlock provides a cache-wide hot-path lock: held only for
// O(cache-probe) time, across no blocking operation, with no nesting. A
// real ring-0 spinlock busy-waits because disabling interrupts makes
// blocking impossible; a Go goroutine has no such constraint and the
// runtime scheduler already parks blocked goroutines cheaply, so this is
// a thin, unexported-field wrapper over sync.Mutex. The distinct type
// (rather than reusing sync.Mutex directly on Cache) exists so the
// spinlock and the sleepable init-mutex read as two different kinds of
// lock at every call site: one held only across short, non-blocking
// hot-path work, the other across setup/teardown and anything that may
// allocate or block.
package spinlock

import "sync"

// Spinlock is the cache-wide hot-path lock.
type Spinlock struct {
	mu sync.Mutex
}

// Lock acquires the lock. Callers must not block while holding it.
func (s *Spinlock) Lock() { s.mu.Lock() }

// Unlock releases the lock.
func (s *Spinlock) Unlock() { s.mu.Unlock() }
