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

package thread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamorio/core/internal/pool"
)

func TestManager_BirthAssignsDistinctDstacks(t *testing.T) {
	m := NewManager(16, 16, nil)
	a, err := m.Birth(1)
	require.NoError(t, err)
	b, err := m.Birth(2)
	require.NoError(t, err)

	assert.Len(t, a.Dstack, DstackSize)
	assert.Len(t, b.Dstack, DstackSize)
	assert.NotEqual(t, a.dstackSlot, b.dstackSlot)
}

func TestManager_BirthRejectsDuplicateID(t *testing.T) {
	m := NewManager(16, 16, nil)
	_, err := m.Birth(1)
	require.NoError(t, err)
	_, err = m.Birth(1)
	assert.Error(t, err)
}

func TestManager_DeathReleasesDstackSlotForReuse(t *testing.T) {
	m := NewManager(16, 16, nil)
	a, err := m.Birth(1)
	require.NoError(t, err)
	slot := a.dstackSlot

	m.Death(1)
	_, ok := m.Lookup(1)
	assert.False(t, ok)

	b, err := m.Birth(2)
	require.NoError(t, err)
	assert.Equal(t, slot, b.dstackSlot, "a freed dstack slot must be recycled")
}

func TestManager_DeathRunsHooksBeforeMarkingDead(t *testing.T) {
	m := NewManager(16, 16, nil)
	tc, err := m.Birth(1)
	require.NoError(t, err)

	var sawDeadDuringHook bool
	m.OnDeath(func(c *Context) { sawDeadDuringHook = c.Dead() })

	m.Death(1)
	assert.False(t, sawDeadDuringHook, "hooks run before the context is marked dead")
	assert.True(t, tc.Dead())
}

func TestManager_ProcessDeathTearsDownEveryThread(t *testing.T) {
	m := NewManager(16, 16, nil)
	_, err := m.Birth(1)
	require.NoError(t, err)
	_, err = m.Birth(2)
	require.NoError(t, err)
	require.Equal(t, 2, m.Count())

	m.ProcessDeath()
	assert.Equal(t, 0, m.Count())
}

func TestManager_BirthExhaustsArena(t *testing.T) {
	m := &Manager{
		contexts:    map[ID]*Context{},
		dstackArena: make([]byte, DstackSize*2),
		dstackPool:  &pool.Pool{Start: 0, Limit: 2},
	}

	_, err := m.Birth(1)
	require.NoError(t, err)
	_, err = m.Birth(2)
	require.NoError(t, err)
	_, err = m.Birth(3)
	assert.Error(t, err, "a third birth must fail once the arena's two slots are taken")
}
