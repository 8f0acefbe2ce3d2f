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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamorio/core/arch"
	"github.com/dynamorio/core/cache"
)

func TestPrivate_InsertLookupRemove(t *testing.T) {
	p := NewPrivate(4)

	ok := p.Insert(arch.PC(0x1000), cache.FragmentID(1))
	require.True(t, ok)
	ok = p.Insert(arch.PC(0x2000), cache.FragmentID(2))
	require.True(t, ok)

	id, found := p.Lookup(arch.PC(0x1000))
	require.True(t, found)
	assert.Equal(t, cache.FragmentID(1), id)

	_, removed := p.Remove(arch.PC(0x1000))
	assert.True(t, removed)
	_, found = p.Lookup(arch.PC(0x1000))
	assert.False(t, found)
}

func TestPrivate_GrowsPastLoadFactor(t *testing.T) {
	p := NewPrivate(4)
	for i := 0; i < 64; i++ {
		ok := p.Insert(arch.PC(0x1000+i), cache.FragmentID(i+1))
		require.True(t, ok)
	}
	for i := 0; i < 64; i++ {
		id, ok := p.Lookup(arch.PC(0x1000 + i))
		require.True(t, ok)
		assert.Equal(t, cache.FragmentID(i+1), id)
	}
	assert.Equal(t, 64, p.Len())
}

func TestShared_ConcurrentReadersDuringInsert(t *testing.T) {
	s := NewShared(16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			s.Insert(arch.PC(0x4000+i), cache.FragmentID(i+1))
		}
	}()
	for i := 0; i < 1000; i++ {
		s.Lookup(arch.PC(0x4000))
	}
	<-done

	id, ok := s.Lookup(arch.PC(0x4000))
	require.True(t, ok)
	assert.Equal(t, cache.FragmentID(1), id)
}

func TestShared_RemoveThenLookupMisses(t *testing.T) {
	s := NewShared(16)
	s.Insert(arch.PC(0x500), cache.FragmentID(9))
	_, ok := s.Remove(arch.PC(0x500))
	require.True(t, ok)
	_, ok = s.Lookup(arch.PC(0x500))
	assert.False(t, ok)
}

func TestShared_NoDuplicateTagAcrossGrow(t *testing.T) {
	// No two fragment-table entries with the same tag may coexist,
	// including across a resize.
	s := NewShared(4)
	for i := 0; i < 200; i++ {
		s.Insert(arch.PC(i), cache.FragmentID(i+1))
	}
	seen := map[arch.PC]bool{}
	for i := 0; i < 200; i++ {
		id, ok := s.Lookup(arch.PC(i))
		require.True(t, ok)
		assert.Equal(t, cache.FragmentID(i+1), id)
		assert.False(t, seen[arch.PC(i)])
		seen[arch.PC(i)] = true
	}
}
