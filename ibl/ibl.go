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

// Package ibl implements the indirect branch lookup table: given a dynamic target application PC, resolve it to a cached
// fragment, or report a miss that forces a dispatch round-trip. The
// table is allowed to return a false miss but never a false hit.
//
// Lookup tables here reuse the same xxhash-backed open-addressing
// approach as fragtable: open-addressed, linear-probe, capacity a
// power of two.
package ibl

import (
	"encoding/binary"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/dynamorio/core/arch"
	"github.com/dynamorio/core/cache"
)

type entry struct {
	valid bool
	tag   arch.PC
	id    cache.FragmentID
}

// Table is a lossy indirect-branch lookup table.
type Table struct {
	mu      sync.RWMutex
	entries []entry
	shared  bool
}

// New constructs a lookup table of the given capacity (rounded to a
// power of two). shared indicates whether multiple threads probe this
// table concurrently (process-shared IBL) or only its owner does
// (per-thread IBL) — both use the same locking here for simplicity,
// since the table is small and probes are O(1) amortized.
func New(capacity int, shared bool) *Table {
	cap := 1
	for cap < capacity {
		cap <<= 1
	}
	if cap < 16 {
		cap = 16
	}
	return &Table{entries: make([]entry, cap), shared: shared}
}

func hash(tag arch.PC) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(tag))
	return xxhash.Sum64(b[:])
}

// Probe resolves tag to a fragment id. A false miss (ok=false even
// though an entry exists elsewhere due to a collision chain the probe
// gave up on) is permitted; a false hit never is, since every returned
// id is read from a slot whose tag matches exactly.
func (t *Table) Probe(tag arch.PC) (cache.FragmentID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.probeLocked(tag)
}

func (t *Table) probeLocked(tag arch.PC) (cache.FragmentID, bool) {
	m := uint64(len(t.entries) - 1)
	h := hash(tag) & m
	// Bounded linear probe: give up (false miss) rather than scan the
	// whole table, matching the cost model of a hand-crafted lookup
	// emitted directly into the cache.
	const maxProbe = 8
	for i := uint64(0); i < maxProbe && i < uint64(len(t.entries)); i++ {
		idx := (h + i) & m
		e := t.entries[idx]
		if !e.valid {
			return 0, false
		}
		if e.tag == tag {
			return e.id, true
		}
	}
	return 0, false
}

// Insert records tag -> id, evicting whatever previously occupied the
// slot.
func (t *Table) Insert(tag arch.PC, id cache.FragmentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := uint64(len(t.entries) - 1)
	h := hash(tag) & m
	const maxProbe = 8
	for i := uint64(0); i < maxProbe && i < uint64(len(t.entries)); i++ {
		idx := (h + i) & m
		if !t.entries[idx].valid {
			t.entries[idx] = entry{valid: true, tag: tag, id: id}
			return
		}
	}
	// No free slot within the probe bound: evict the primary slot.
	t.entries[h] = entry{valid: true, tag: tag, id: id}
}

// Invalidate removes tag's entry, if present (used when a fragment is
// flushed so the IBL cannot point at a freed fragment id).
func (t *Table) Invalidate(tag arch.PC) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := uint64(len(t.entries) - 1)
	h := hash(tag) & m
	const maxProbe = 8
	for i := uint64(0); i < maxProbe && i < uint64(len(t.entries)); i++ {
		idx := (h + i) & m
		if t.entries[idx].valid && t.entries[idx].tag == tag {
			t.entries[idx] = entry{}
			return
		}
	}
}

// InvalidateID removes every entry pointing at id, used by eviction
// when a fragment's identity is being retired regardless of which tag
// hashed to it.
func (t *Table) InvalidateID(id cache.FragmentID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].valid && t.entries[i].id == id {
			t.entries[i] = entry{}
		}
	}
}
