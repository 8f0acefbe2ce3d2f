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

	"github.com/dynamorio/core/internal/atomicbitops"
	"github.com/dynamorio/core/osfacade"
)

// UnitID densely identifies a code cache unit.
type UnitID uint64

// Unit is a contiguous executable region owned by the cache; fragments
// are bump-allocated into it. CodeCache.evictOldestLocked reclaims a
// unit only once its live-fragment count reaches zero; it does not
// consult fragment pin counts and does not synchronize other threads
// before releasing the unit's pages.
type Unit struct {
	ID        UnitID
	Partition Partition
	region    osfacade.Region
	bytes     []byte

	mu       sync.Mutex
	bumpNext int
	live     int // count of fragments with Span.UnitID == ID not yet removed

	reclaiming atomicbitops.Bool
}

// newUnit allocates a fresh unit of the given size from facade, falling
// back to a plain heap slice when facade is nil (used in tests where no
// real executable mapping is needed).
func newUnit(id UnitID, partition Partition, size uintptr, facade osfacade.Facade) (*Unit, error) {
	u := &Unit{ID: id, Partition: partition}
	if facade == nil {
		u.bytes = make([]byte, size)
		return u, nil
	}
	r, err := facade.Reserve(size, 0)
	if err != nil {
		return nil, fmt.Errorf("cache: reserve unit: %w", err)
	}
	if err := facade.Commit(r, osfacade.ProtRead|osfacade.ProtWrite|osfacade.ProtExec); err != nil {
		return nil, fmt.Errorf("cache: commit unit: %w", err)
	}
	u.region = r
	u.bytes = unitBytes(r)
	return u, nil
}

// Size returns the unit's total capacity in bytes.
func (u *Unit) Size() int { return len(u.bytes) }

// Used returns the number of bytes already bump-allocated.
func (u *Unit) Used() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.bumpNext
}

// Free returns the number of bytes remaining for bump allocation.
func (u *Unit) Free() int { return u.Size() - u.Used() }

// bumpAlloc reserves n contiguous bytes, returning the offset, or false
// if the unit lacks space ("Allocation is bump within the
// current unit").
func (u *Unit) bumpAlloc(n int) (int, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.bumpNext+n > len(u.bytes) {
		return 0, false
	}
	off := u.bumpNext
	u.bumpNext += n
	u.live++
	return off, true
}

// releaseLive decrements the unit's live-fragment count, called when a
// fragment is removed ahead of reclaim.
func (u *Unit) releaseLive() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.live > 0 {
		u.live--
	}
}

// isEmpty reports whether the unit currently has zero live fragments.
func (u *Unit) isEmpty() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.live == 0
}

// bytesAt returns the unit-local byte slice for [offset, offset+length).
func (u *Unit) bytesAt(offset, length int) []byte {
	return u.bytes[offset : offset+length]
}
