// Copyright 2024 The Dynormatic Authors.
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

package cache

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dynamorio/core/internal/atomicbitops"
	"github.com/dynamorio/core/osfacade"
)

// Budget bounds one partition's growth ("up to a
// per-partition budget").
type Budget struct {
	UnitSize      uintptr
	MaxUnits      int
	HighWatermark float64 // fraction of (MaxUnits*UnitSize) that triggers eviction
}

// DefaultBudget is a reasonable per-partition budget.
var DefaultBudget = Budget{UnitSize: 64 * 1024, MaxUnits: 64, HighWatermark: 0.8}

// EvictHook is invoked by CodeCache before a unit's pages are released,
// once for every fragment the unit contained, so callers (fragment
// table, linker, translation table) can unregister the fragment first.
// The cache performs no synch step of its own: the unit's pages are
// released as soon as the hooks for its fragments have returned.
type EvictHook func(f *Fragment)

// CodeCache owns a growable set of units per partition and evicts under
// a FIFO-with-watermark scheme.
type CodeCache struct {
	log     *logrus.Entry
	facade  osfacade.Facade
	budgets map[Partition]Budget

	mu          sync.Mutex
	units       map[Partition][]*Unit // FIFO order: units[0] is oldest
	fragments   map[FragmentID]*Fragment
	nextUnitID  atomicbitops.Uint32
	nextFragID  atomicbitops.Uint32

	evictHook EvictHook
}

// New constructs an empty CodeCache. facade may be nil, in which case
// units are plain heap-backed slices (useful in tests).
func New(facade osfacade.Facade, log *logrus.Entry) *CodeCache {
	return &CodeCache{
		log:       log,
		facade:    facade,
		budgets:   map[Partition]Budget{},
		units:     map[Partition][]*Unit{},
		fragments: map[FragmentID]*Fragment{},
	}
}

// SetBudget configures the budget for a partition; call before first
// allocation in that partition.
func (c *CodeCache) SetBudget(p Partition, b Budget) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.budgets[p] = b
}

// SetEvictHook installs the callback invoked per-fragment ahead of
// reclaim.
func (c *CodeCache) SetEvictHook(h EvictHook) { c.evictHook = h }

func (c *CodeCache) budgetFor(p Partition) Budget {
	if b, ok := c.budgets[p]; ok {
		return b
	}
	return DefaultBudget
}

// liveBytes sums used bytes across all units in a partition.
func (c *CodeCache) liveBytes(p Partition) int {
	total := 0
	for _, u := range c.units[p] {
		total += u.Used()
	}
	return total
}

// Allocate bump-allocates n bytes for a new fragment in
// partition p, evicting the oldest unit(s) if the high watermark is
// exceeded and retrying once.
func (c *CodeCache) Allocate(p Partition, n int) (Span, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	budget := c.budgetFor(p)
	if watermarkExceeded(c.liveBytes(p), budget) {
		c.evictOldestLocked(p)
	}

	if span, ok := c.tryAllocLocked(p, n); ok {
		return span, nil
	}

	// Reserve a new unit if budget allows.
	if len(c.units[p]) < budget.MaxUnits {
		u, err := newUnit(UnitID(c.nextUnitID.Add(1)), p, budget.UnitSize, c.facade)
		if err != nil {
			return Span{}, fmt.Errorf("cache: allocate unit: %w", err)
		}
		c.units[p] = append(c.units[p], u)
		if span, ok := c.tryAllocLocked(p, n); ok {
			return span, nil
		}
		return Span{}, fmt.Errorf("cache: fragment of %d bytes exceeds unit size %d", n, budget.UnitSize)
	}

	// At budget; evict oldest and retry once more.
	if c.evictOldestLocked(p) {
		if span, ok := c.tryAllocLocked(p, n); ok {
			return span, nil
		}
	}
	return Span{}, fmt.Errorf("cache: out of cache memory in partition %d", p)
}

func watermarkExceeded(live int, b Budget) bool {
	capacity := float64(b.MaxUnits) * float64(b.UnitSize)
	return capacity > 0 && float64(live)/capacity >= b.HighWatermark
}

func (c *CodeCache) tryAllocLocked(p Partition, n int) (Span, bool) {
	units := c.units[p]
	if len(units) == 0 {
		return Span{}, false
	}
	last := units[len(units)-1]
	if off, ok := last.bumpAlloc(n); ok {
		return Span{UnitID: last.ID, Offset: off, Length: n}, true
	}
	return Span{}, false
}

// evictOldestLocked reclaims the oldest unit in partition p, invoking
// evictHook for each fragment it contained first. It
// returns true if a unit was reclaimed.
//
// Precondition: c.mu held.
func (c *CodeCache) evictOldestLocked(p Partition) bool {
	units := c.units[p]
	if len(units) == 0 {
		return false
	}
	oldest := units[0]

	var toEvict []*Fragment
	for _, f := range c.fragments {
		if f.Partition == p && f.Span.UnitID == oldest.ID {
			toEvict = append(toEvict, f)
		}
	}
	for _, f := range toEvict {
		if c.evictHook != nil {
			c.evictHook(f)
		}
		delete(c.fragments, f.ID)
		oldest.releaseLive()
	}

	if !oldest.isEmpty() {
		// A fragment outside our bookkeeping (e.g. concurrently
		// inserted between snapshot and delete) still lives here;
		// refuse to free pages underneath it.
		if c.log != nil {
			c.log.Warningf("cache: unit %d not empty after evict pass, deferring reclaim", oldest.ID)
		}
		return false
	}

	c.units[p] = units[1:]
	if c.facade != nil && oldest.region.Size != 0 {
		if err := c.facade.Free(oldest.region); err != nil && c.log != nil {
			c.log.Warningf("cache: free unit %d: %v", oldest.ID, err)
		}
	}
	return true
}

// RegisterFragment commits a fragment built at span into the cache's
// bookkeeping.
func (c *CodeCache) RegisterFragment(f *Fragment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fragments[f.ID] = f
}

// NextFragmentID allocates a fresh dense fragment identifier.
func (c *CodeCache) NextFragmentID() FragmentID {
	return FragmentID(c.nextFragID.Add(1))
}

// Lookup returns the fragment registered for id, if live.
func (c *CodeCache) Lookup(id FragmentID) (*Fragment, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.fragments[id]
	return f, ok
}

// Write copies src into the fragment's span in its owning unit.
func (c *CodeCache) Write(span Span, src []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, units := range c.units {
		for _, u := range units {
			if u.ID == span.UnitID {
				copy(u.bytesAt(span.Offset, span.Length), src)
				return nil
			}
		}
	}
	return fmt.Errorf("cache: unit %d not found for write", span.UnitID)
}

// Bytes returns a read-only view of a fragment's cache bytes (engine
// code only, .2 invariant — never exposed to application
// code).
func (c *CodeCache) Bytes(span Span) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, units := range c.units {
		for _, u := range units {
			if u.ID == span.UnitID {
				b := u.bytesAt(span.Offset, span.Length)
				out := make([]byte, len(b))
				copy(out, b)
				return out, nil
			}
		}
	}
	return nil, fmt.Errorf("cache: unit %d not found", span.UnitID)
}

// FragmentCount reports the number of currently registered fragments
// (test/debug convenience).
func (c *CodeCache) FragmentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.fragments)
}
