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

package ibl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamorio/core/arch"
	"github.com/dynamorio/core/cache"
)

func TestTable_InsertThenProbeHits(t *testing.T) {
	tbl := New(16, false)
	tbl.Insert(arch.PC(0x1000), cache.FragmentID(7))

	id, ok := tbl.Probe(arch.PC(0x1000))
	require.True(t, ok)
	assert.Equal(t, cache.FragmentID(7), id)
}

func TestTable_ProbeMissOnUnknownTag(t *testing.T) {
	tbl := New(16, false)
	_, ok := tbl.Probe(arch.PC(0xdead))
	assert.False(t, ok)
}

func TestTable_NeverReturnsFalseHit(t *testing.T) {
	tbl := New(16, true)
	for i := 0; i < 1000; i++ {
		tbl.Insert(arch.PC(i), cache.FragmentID(i+1))
	}
	for i := 0; i < 1000; i++ {
		id, ok := tbl.Probe(arch.PC(i))
		if ok {
			assert.Equal(t, cache.FragmentID(i+1), id, "a hit must never return a wrong fragment id")
		}
	}
}

func TestTable_InvalidateRemovesEntry(t *testing.T) {
	tbl := New(16, false)
	tbl.Insert(arch.PC(0x2000), cache.FragmentID(1))
	tbl.Invalidate(arch.PC(0x2000))
	_, ok := tbl.Probe(arch.PC(0x2000))
	assert.False(t, ok)
}

func TestTable_InvalidateIDRemovesAllMatchingEntries(t *testing.T) {
	tbl := New(16, false)
	tbl.Insert(arch.PC(0x3000), cache.FragmentID(9))
	tbl.Insert(arch.PC(0x3008), cache.FragmentID(9))
	tbl.InvalidateID(cache.FragmentID(9))

	_, ok := tbl.Probe(arch.PC(0x3000))
	assert.False(t, ok)
	_, ok = tbl.Probe(arch.PC(0x3008))
	assert.False(t, ok)
}

func TestNew_RoundsCapacityUpToPowerOfTwo(t *testing.T) {
	tbl := New(17, false)
	assert.Equal(t, 32, len(tbl.entries))
}
