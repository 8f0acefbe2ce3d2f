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

// Package synchall implements the safe-point synchronization protocol
//: suspend every other thread at a safe point for cache
// unit reclamation, trace promotion side effects, and detach.
//
// Cooperative waiting backs off using github.com/cenkalti/backoff
// before escalating to forced suspension; the per-peer wait fans out
// with golang.org/x/sync/errgroup
// so one slow peer doesn't serialize behind another, while
// golang.org/x/sync/semaphore bounds how many forced-suspension probes
// (each an OS-level ptrace stop, not a cheap flag poll) run at once.
package synchall

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dynamorio/core/thread"
	"github.com/dynamorio/core/translate"
)

// maxConcurrentForcedSuspensions bounds how many peers this Coordinator
// will hold suspended via Forcer.Suspend at once, so a round against
// many uncooperative peers doesn't pile up ptrace stops faster than the
// forcer can service them.
const maxConcurrentForcedSuspensions = 8

// Outcome records what happened to one peer thread during a round.
type Outcome int

const (
	OutcomeCooperative Outcome = iota
	OutcomeForced
	OutcomeSkipped
)

// PeerResult is one peer's outcome, returned to the requester so it can
// decide whether the affected region is truly safe to touch.
type PeerResult struct {
	ID      thread.ID
	Outcome Outcome
	AppPC   uintptr // valid when Outcome == OutcomeForced
}

// Forcer performs OS-level thread suspension and register inspection,
// the collaborator a forced safe-point transition needs. A real
// implementation backs this with ptrace (as gVisor's systrap
// subprocess.go does for its own stub threads); tests may supply a
// fake.
type Forcer interface {
	// Suspend stops id at the OS level and returns its current PC.
	Suspend(id thread.ID) (pc uintptr, err error)
	// TranslateAndPark rewrites id's saved register state to the
	// translated application PC/registers and either resumes it there
	// (detach) or parks it at a stable engine routine, depending on
	// forDetach.
	TranslateAndPark(id thread.ID, entry translate.Entry, forDetach bool) error
	// Resume lets a previously-suspended thread run again.
	Resume(id thread.ID) error
}

// Coordinator implements Coordinator-wide safe-point synchronization.
// Only one synchall may be in flight at a time ("Synchall
// state: Global exclusive lock; only one synchall in flight"), enforced
// by globalMu, which also fixes synchall's position at the top of the
// lock-rank order.
type Coordinator struct {
	log     *logrus.Entry
	manager *thread.Manager
	forcer  Forcer

	globalMu sync.Mutex

	// forceSem bounds concurrent forced-suspension probes across peers
	// in a single round (see maxConcurrentForcedSuspensions).
	forceSem *semaphore.Weighted

	// CooperativeTimeout bounds how long a round waits for a peer to
	// clear its sync flag on its own before escalating to forced
	// suspension.
	CooperativeTimeout time.Duration
}

// New constructs a Coordinator.
func New(manager *thread.Manager, forcer Forcer, log *logrus.Entry) *Coordinator {
	return &Coordinator{
		log:                log,
		manager:            manager,
		forcer:             forcer,
		forceSem:           semaphore.NewWeighted(maxConcurrentForcedSuspensions),
		CooperativeTimeout: 50 * time.Millisecond,
	}
}

// SyncAll requests every thread other than requester reach a safe
// point, escalating peers that don't cooperate in time to forced
// suspension, and returns once every peer is accounted for.
func (c *Coordinator) SyncAll(ctx context.Context, requester thread.ID, forDetach bool, translateFn func(thread.ID, uintptr) (translate.Entry, bool)) ([]PeerResult, error) {
	c.globalMu.Lock()
	defer c.globalMu.Unlock()

	peers := c.manager.All()
	results := make([]PeerResult, len(peers))

	g, gctx := errgroup.WithContext(ctx)
	for i, peer := range peers {
		i, peer := i, peer
		if peer.ID == requester {
			results[i] = PeerResult{ID: peer.ID, Outcome: OutcomeCooperative}
			continue
		}
		g.Go(func() error {
			r, err := c.syncOne(gctx, peer, forDetach, translateFn)
			results[i] = r
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, fmt.Errorf("synchall: round failed: %w", err)
	}
	return results, nil
}

func (c *Coordinator) syncOne(ctx context.Context, peer *thread.Context, forDetach bool, translateFn func(thread.ID, uintptr) (translate.Entry, bool)) (PeerResult, error) {
	if peer.Dead() {
		return PeerResult{ID: peer.ID, Outcome: OutcomeSkipped}, nil
	}
	if peer.InKernel() {
		// Already at a safe point: in-kernel threads don't need to be
		// waited on at all.
		return PeerResult{ID: peer.ID, Outcome: OutcomeCooperative}, nil
	}

	peer.RequestSync()
	defer peer.ClearSync()

	if c.waitCooperative(ctx, peer) {
		return PeerResult{ID: peer.ID, Outcome: OutcomeCooperative}, nil
	}

	// Escalate to forced suspension.
	if c.forcer == nil {
		return PeerResult{ID: peer.ID, Outcome: OutcomeSkipped}, nil
	}
	if err := c.forceSem.Acquire(ctx, 1); err != nil {
		return PeerResult{ID: peer.ID, Outcome: OutcomeSkipped}, nil
	}
	pc, err := c.forcer.Suspend(peer.ID)
	c.forceSem.Release(1)
	if err != nil {
		if c.log != nil {
			c.log.Warningf("synchall: forced suspension of %d failed: %v (skipping)", peer.ID, err)
		}
		return PeerResult{ID: peer.ID, Outcome: OutcomeSkipped}, nil
	}
	entry, inCache := translateFn(peer.ID, pc)
	if inCache {
		if err := c.forcer.TranslateAndPark(peer.ID, entry, forDetach); err != nil {
			return PeerResult{}, fmt.Errorf("synchall: translate+park %d: %w", peer.ID, err)
		}
	}
	return PeerResult{ID: peer.ID, Outcome: OutcomeForced, AppPC: uintptr(entry.AppOffset)}, nil
}

// waitCooperative polls peer's sync flag with exponential backoff
// capped at CooperativeTimeout, returning true if the peer cleared it
// (i.e. reached dispatch) in time.
func (c *Coordinator) waitCooperative(ctx context.Context, peer *thread.Context) bool {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 2 * time.Millisecond
	b.MaxElapsedTime = c.CooperativeTimeout

	deadline := time.Now().Add(c.CooperativeTimeout)
	for time.Now().Before(deadline) {
		if !peer.SyncRequested() || peer.InKernel() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(b.NextBackOff()):
		}
	}
	return !peer.SyncRequested()
}

// CheckIn is called by a thread on every cache exit. If a synchronizer has requested this thread stop, CheckIn
// clears the flag, acknowledging arrival at the safe point.
func CheckIn(c *thread.Context) {
	if c.SyncRequested() {
		c.ClearSync()
	}
}
