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

package trace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamorio/core/cache"
)

func TestHead_ColdToWarmToTraceHead(t *testing.T) {
	h := NewHead()
	assert.Equal(t, StateCold, h.State())

	for i := uint32(0); i < 9; i++ {
		assert.False(t, h.RecordHit(10))
	}
	assert.True(t, h.RecordHit(10))
	assert.Equal(t, StateWarm, h.State())

	require.True(t, h.PromoteToTraceHead())
	assert.Equal(t, StateTraceHead, h.State())
}

func TestHead_BeginTracingTieBreak(t *testing.T) {
	h := NewHead()
	h.RecordHit(1)
	h.PromoteToTraceHead()

	assert.True(t, h.BeginTracing(100))
	assert.False(t, h.BeginTracing(200), "a second thread must lose the race")

	h.Abort(200) // loser aborts cleanly; no-op since it never won ownership
	h.EndTracing(100)
	assert.Equal(t, StateRetired, h.State())
}

func TestHead_DropReturnsToCold(t *testing.T) {
	h := NewHead()
	h.RecordHit(1)
	h.PromoteToTraceHead()
	h.BeginTracing(1)
	h.EndTracing(1)
	require.Equal(t, StateRetired, h.State())

	h.Drop()
	assert.Equal(t, StateCold, h.State())
}

func TestRecorder_StopsOnRepeatedFragment(t *testing.T) {
	r := NewRecorder(0x1000)
	f1 := &cache.Fragment{ID: 1}

	reason := r.Append(f1, []byte{0x90}, false, false, false, false)
	assert.Equal(t, StopNone, reason)

	reason = r.Append(f1, []byte{0x90}, false, false, false, false)
	assert.Equal(t, StopRepeatedFragment, reason)
}

func TestRecorder_StopsOnSyscall(t *testing.T) {
	r := NewRecorder(0x1000)
	f := &cache.Fragment{ID: 1}
	reason := r.Append(f, []byte{0xcc}, false, false, false, true)
	assert.Equal(t, StopSyscallOrUnresolvedIndirect, reason)
}

func TestRecorder_StopsAtLengthLimit(t *testing.T) {
	r := NewRecorder(0x1000)
	var reason StopReason
	for i := 0; i < MaxTraceBlocks; i++ {
		f := &cache.Fragment{ID: cache.FragmentID(i + 1)}
		reason = r.Append(f, []byte{0x90}, false, false, false, false)
	}
	assert.Equal(t, StopLengthLimit, reason)
	assert.Len(t, r.Blocks(), MaxTraceBlocks)
}
