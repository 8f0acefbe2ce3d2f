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

package synchall

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamorio/core/thread"
	"github.com/dynamorio/core/translate"
)

type fakeForcer struct {
	mu          sync.Mutex
	concurrent  int
	maxObserved int
	suspendErr  error
}

func (f *fakeForcer) Suspend(id thread.ID) (uintptr, error) {
	f.mu.Lock()
	f.concurrent++
	if f.concurrent > f.maxObserved {
		f.maxObserved = f.concurrent
	}
	f.mu.Unlock()

	time.Sleep(time.Millisecond)

	f.mu.Lock()
	f.concurrent--
	f.mu.Unlock()

	if f.suspendErr != nil {
		return 0, f.suspendErr
	}
	return uintptr(id) * 0x1000, nil
}

func (f *fakeForcer) TranslateAndPark(id thread.ID, entry translate.Entry, forDetach bool) error {
	return nil
}

func (f *fakeForcer) Resume(id thread.ID) error { return nil }

func newUncooperativePeers(t *testing.T, n int) *thread.Manager {
	t.Helper()
	mgr := thread.NewManager(16, 16, nil)
	for i := 0; i < n; i++ {
		tc, err := mgr.Birth(thread.ID(i + 1))
		require.NoError(t, err)
		tc.RequestSync() // never cleared: every peer forces
	}
	return mgr
}

func TestCoordinator_SyncAllCooperativeThreadSkipsForce(t *testing.T) {
	mgr := thread.NewManager(16, 16, nil)
	tc, err := mgr.Birth(1)
	require.NoError(t, err)
	// tc never has RequestSync called on it by the round itself until
	// syncOne runs; clear immediately to simulate a thread that reaches
	// dispatch before the cooperative timeout.
	go func() {
		time.Sleep(time.Millisecond)
		tc.ClearSync()
	}()

	c := New(mgr, &fakeForcer{}, nil)
	c.CooperativeTimeout = 50 * time.Millisecond

	results, err := c.SyncAll(context.Background(), 0, false, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeCooperative, results[0].Outcome)
}

func TestCoordinator_ForcesUncooperativePeers(t *testing.T) {
	mgr := newUncooperativePeers(t, 3)
	forcer := &fakeForcer{}
	c := New(mgr, forcer, nil)
	c.CooperativeTimeout = 5 * time.Millisecond

	translateFn := func(id thread.ID, pc uintptr) (translate.Entry, bool) {
		return translate.Entry{AppOffset: 0}, false
	}
	results, err := c.SyncAll(context.Background(), 0, false, translateFn)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, r := range results {
		assert.Equal(t, OutcomeForced, r.Outcome)
	}
}

func TestCoordinator_BoundsConcurrentForcedSuspensions(t *testing.T) {
	mgr := newUncooperativePeers(t, maxConcurrentForcedSuspensions*3)
	forcer := &fakeForcer{}
	c := New(mgr, forcer, nil)
	c.CooperativeTimeout = 1 * time.Millisecond

	translateFn := func(id thread.ID, pc uintptr) (translate.Entry, bool) { return translate.Entry{}, false }
	_, err := c.SyncAll(context.Background(), 0, false, translateFn)
	require.NoError(t, err)

	forcer.mu.Lock()
	defer forcer.mu.Unlock()
	assert.LessOrEqual(t, forcer.maxObserved, maxConcurrentForcedSuspensions,
		"forceSem must cap concurrent Suspend calls")
}

func TestCoordinator_ForcedSuspensionFailureSkipsPeer(t *testing.T) {
	mgr := newUncooperativePeers(t, 1)
	forcer := &fakeForcer{suspendErr: fmt.Errorf("ptrace: no such process")}
	c := New(mgr, forcer, nil)
	c.CooperativeTimeout = 1 * time.Millisecond

	results, err := c.SyncAll(context.Background(), 0, false, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeSkipped, results[0].Outcome)
}

func TestCoordinator_NilForcerSkipsInsteadOfForcing(t *testing.T) {
	mgr := newUncooperativePeers(t, 1)
	c := New(mgr, nil, nil)
	c.CooperativeTimeout = 1 * time.Millisecond

	results, err := c.SyncAll(context.Background(), 0, false, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, results[0].Outcome)
}

func TestCheckIn_ClearsRequestedFlag(t *testing.T) {
	mgr := thread.NewManager(16, 16, nil)
	tc, err := mgr.Birth(1)
	require.NoError(t, err)
	tc.RequestSync()

	CheckIn(tc)
	assert.False(t, tc.SyncRequested())
}
