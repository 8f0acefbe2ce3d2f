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

// Package fragtable implements the fragment table: an
// open-addressed hash map from application tag to cached fragment, in
// two flavors — a lock-free private table for a single thread, and a
// shared table protected by a sequence-number lock for many readers
// and one writer at a time.
//
// Tag hashing uses github.com/cespare/xxhash/v2, a fast 64-bit hash
// present (directly or transitively) across most of the retrieval
// pack's own repositories; it is exactly the kind of non-cryptographic
// hash an open-addressed lookup table wants.
package fragtable

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/dynamorio/core/arch"
	"github.com/dynamorio/core/cache"
)

func hashTag(tag arch.PC) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(tag))
	return xxhash.Sum64(b[:])
}

type slotState uint8

const (
	slotEmpty slotState = iota
	slotFull
	slotTombstone
)

type slot struct {
	state slotState
	tag   arch.PC
	id    cache.FragmentID
}

// loadFactorThreshold triggers a resize ("Resize doubles
// capacity at a 70% load threshold").
const loadFactorThreshold = 0.70

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
