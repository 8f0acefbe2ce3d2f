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
	"github.com/dynamorio/core/arch"
	"github.com/dynamorio/core/cache"
)

// Private is a per-thread fragment table: single-writer, single-reader,
// so it carries no synchronization at all. It is invalidated wholesale on thread
// exit.
type Private struct {
	slots []slot
	count int
}

// NewPrivate constructs a private table with the given initial capacity
// (rounded up to a power of two).
func NewPrivate(initialCapacity int) *Private {
	cap := nextPow2(initialCapacity)
	if cap < 8 {
		cap = 8
	}
	return &Private{slots: make([]slot, cap)}
}

func (t *Private) mask() uint64 { return uint64(len(t.slots) - 1) }

// Lookup returns the fragment id registered for tag, if present.
func (t *Private) Lookup(tag arch.PC) (cache.FragmentID, bool) {
	h := hashTag(tag) & t.mask()
	for i := uint64(0); i < uint64(len(t.slots)); i++ {
		idx := (h + i) & t.mask()
		s := &t.slots[idx]
		switch s.state {
		case slotEmpty:
			return 0, false
		case slotFull:
			if s.tag == tag {
				return s.id, true
			}
		}
	}
	return 0, false
}

// Insert adds (tag, id). Returns false if tag is already present
// ("at most one live entry").
func (t *Private) Insert(tag arch.PC, id cache.FragmentID) bool {
	if float64(t.count+1)/float64(len(t.slots)) > loadFactorThreshold {
		t.grow()
	}
	return t.insertLocal(tag, id)
}

func (t *Private) insertLocal(tag arch.PC, id cache.FragmentID) bool {
	h := hashTag(tag) & t.mask()
	firstTombstone := -1
	for i := uint64(0); i < uint64(len(t.slots)); i++ {
		idx := (h + i) & t.mask()
		s := &t.slots[idx]
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
			t.slots[target] = slot{state: slotFull, tag: tag, id: id}
			t.count++
			return true
		}
	}
	// Table full of tombstones/entries; grow and retry.
	t.grow()
	return t.insertLocal(tag, id)
}

// Remove deletes tag's entry, if any, returning the fragment id removed.
func (t *Private) Remove(tag arch.PC) (cache.FragmentID, bool) {
	h := hashTag(tag) & t.mask()
	for i := uint64(0); i < uint64(len(t.slots)); i++ {
		idx := (h + i) & t.mask()
		s := &t.slots[idx]
		switch s.state {
		case slotEmpty:
			return 0, false
		case slotFull:
			if s.tag == tag {
				id := s.id
				t.slots[idx] = slot{state: slotTombstone}
				t.count--
				return id, true
			}
		}
	}
	return 0, false
}

func (t *Private) grow() {
	old := t.slots
	t.slots = make([]slot, len(old)*2)
	t.count = 0
	for _, s := range old {
		if s.state == slotFull {
			t.insertLocal(s.tag, s.id)
		}
	}
}

// Len reports the number of live entries.
func (t *Private) Len() int { return t.count }

// Clear empties the table.
func (t *Private) Clear() {
	t.slots = make([]slot, len(t.slots))
	t.count = 0
}

// ForEach iterates every live entry. Only safe on the owning thread.
func (t *Private) ForEach(fn func(tag arch.PC, id cache.FragmentID)) {
	for _, s := range t.slots {
		if s.state == slotFull {
			fn(s.tag, s.id)
		}
	}
}
