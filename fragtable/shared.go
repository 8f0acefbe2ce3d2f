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

package fragtable

import (
	"sync"

	"github.com/dynamorio/core/arch"
	"github.com/dynamorio/core/cache"
	"github.com/dynamorio/core/internal/atomicbitops"
)

// Shared is the process-shared fragment table: many readers, a single
// writer at a time, protected by a sequence-number lock.
// Readers sample the sequence number before and after probing and retry
// on mismatch; writers (insert/remove/grow) hold an exclusive lock and
// bump the sequence number twice per mutation: to an odd value on entry
// and back to an even value on exit.
type Shared struct {
	writeMu sync.Mutex // exclusive lock for writers (resize included)
	seq     atomicbitops.Uint32

	// slots is replaced wholesale (new slice) on grow, never mutated in
	// place concurrently with a resize — readers that observe an old
	// slice during a torn read will fail the seq check and retry against
	// the new one.
	slotsPtr atomicbitops.Pointer[[]slot]
	count    int
}

// NewShared constructs a shared table with the given initial capacity.
func NewShared(initialCapacity int) *Shared {
	cap := nextPow2(initialCapacity)
	if cap < 16 {
		cap = 16
	}
	s := &Shared{}
	slots := make([]slot, cap)
	s.slotsPtr.Store(&slots)
	return s
}

func mask(slots []slot) uint64 { return uint64(len(slots) - 1) }

// Lookup returns the fragment id registered for tag, if present. Safe
// for concurrent use with Insert/Remove/grow.
func (t *Shared) Lookup(tag arch.PC) (cache.FragmentID, bool) {
	for {
		seqBefore := t.seq.Load()
		if seqBefore&1 == 1 {
			// A writer is mid-mutation; spin until it finishes rather
			// than returning a possibly-inconsistent view.
			continue
		}
		slots := *t.slotsPtr.Load()
		id, ok, consistent := probe(slots, tag)
		seqAfter := t.seq.Load()
		if !consistent {
			continue
		}
		if seqBefore == seqAfter {
			return id, ok
		}
		// Sequence changed mid-probe; retry.
	}
}

func probe(slots []slot, tag arch.PC) (cache.FragmentID, bool, bool) {
	if len(slots) == 0 {
		return 0, false, true
	}
	m := mask(slots)
	h := hashTag(tag) & m
	for i := uint64(0); i < uint64(len(slots)); i++ {
		idx := (h + i) & m
		s := slots[idx]
		switch s.state {
		case slotEmpty:
			return 0, false, true
		case slotFull:
			if s.tag == tag {
				return s.id, true, true
			}
		}
	}
	return 0, false, true
}

// beginWrite acquires the exclusive writer lock and marks the sequence
// number odd, signalling in-flight readers to retry.
func (t *Shared) beginWrite() {
	t.writeMu.Lock()
	t.seq.Add(1) // now odd
}

// endWrite bumps the sequence number to even again and releases the
// writer lock. This implementation holds the writer lock for a
// resize's entire grace period, so no concurrently-arriving insert can
// observe (or be lost inside) a partially rehashed table: it simply
// blocks on writeMu until the resize finishes.
func (t *Shared) endWrite() {
	t.seq.Add(1) // now even
	t.writeMu.Unlock()
}

// Insert adds (tag, id) under the exclusive lock. Returns false if tag
// is already present.
func (t *Shared) Insert(tag arch.PC, id cache.FragmentID) bool {
	t.beginWrite()
	defer t.endWrite()

	slots := *t.slotsPtr.Load()
	if float64(t.count+1)/float64(len(slots)) > loadFactorThreshold {
		slots = t.growLocked(slots)
	}
	ok := t.insertLocked(slots, tag, id)
	return ok
}

func (t *Shared) insertLocked(slots []slot, tag arch.PC, id cache.FragmentID) bool {
	m := mask(slots)
	h := hashTag(tag) & m
	firstTombstone := -1
	for i := uint64(0); i < uint64(len(slots)); i++ {
		idx := (h + i) & m
		s := slots[idx]
		switch s.state {
		case slotFull:
			if s.tag == tag {
				return false
			}
		case slotTombstone:
			if firstTombstone == -1 {
				firstTombstone = int(idx)
			}
		case slotEmpty:
			target := int(idx)
			if firstTombstone != -1 {
				target = firstTombstone
			}
			slots[target] = slot{state: slotFull, tag: tag, id: id}
			t.count++
			return true
		}
	}
	grown := t.growLocked(slots)
	return t.insertLocked(grown, tag, id)
}

// growLocked doubles capacity, rehashes, and publishes the new slice.
// Precondition: writeMu held (exclusive lock across the whole grace
// period — see DESIGN.md for why concurrent inserts simply block
// rather than racing the rehash).
func (t *Shared) growLocked(old []slot) []slot {
	next := make([]slot, len(old)*2)
	nm := mask(next)
	for _, s := range old {
		if s.state != slotFull {
			continue
		}
		h := hashTag(s.tag) & nm
		for i := uint64(0); i < uint64(len(next)); i++ {
			idx := (h + i) & nm
			if next[idx].state == slotEmpty {
				next[idx] = s
				break
			}
		}
	}
	t.slotsPtr.Store(&next)
	return next
}

// Remove deletes tag's entry under the exclusive lock.
func (t *Shared) Remove(tag arch.PC) (cache.FragmentID, bool) {
	t.beginWrite()
	defer t.endWrite()

	slots := *t.slotsPtr.Load()
	m := mask(slots)
	h := hashTag(tag) & m
	for i := uint64(0); i < uint64(len(slots)); i++ {
		idx := (h + i) & m
		s := slots[idx]
		switch s.state {
		case slotEmpty:
			return 0, false
		case slotFull:
			if s.tag == tag {
				slots[idx] = slot{state: slotTombstone}
				t.count--
				return s.id, true
			}
		}
	}
	return 0, false
}

// Len reports the number of live entries, read under the writer lock
// (intended for metrics/tests).
func (t *Shared) Len() int {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.count
}
