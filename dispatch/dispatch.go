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

// Package dispatch implements the dispatch loop: the
// engine-side routine run between fragment exits that decides what to
// execute next.
//
// The actual application<->engine register context switch is a small
// piece of platform-specific assembly in a real engine; this package represents both sides of
// that switch as plain Go values (thread.Context.Spill) and leaves the
// switch itself to a ContextSwitcher collaborator, so the loop's
// control-flow logic is exercised without depending on any assembly.
package dispatch

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dynamorio/core/arch"
	"github.com/dynamorio/core/builder"
	"github.com/dynamorio/core/cache"
	"github.com/dynamorio/core/fragtable"
	"github.com/dynamorio/core/ibl"
	"github.com/dynamorio/core/linker"
	"github.com/dynamorio/core/synchall"
	"github.com/dynamorio/core/thread"
	"github.com/dynamorio/core/trace"
	"github.com/dynamorio/core/wrap"
)

// ContextSwitcher performs the application<->engine register swap
// around a fragment's execution. A real engine implements this in
// assembly; tests supply a fake that just records calls.
type ContextSwitcher interface {
	// Enter switches to the fragment's cache entry using tc's spilled
	// application registers, returning once the fragment exits (or the
	// simulated execution completes), with tc.Spill updated in place
	// and the PC the fragment exited toward.
	Enter(tc *thread.Context, f *cache.Fragment) (exitPC arch.PC, isSyscall bool, err error)
}

// PendingDrainer drains a thread's deferred async events at a safe
// point, ahead of fragment selection. Implemented by async.Interposer; declared here as an interface to
// avoid dispatch depending on async's concrete type.
type PendingDrainer interface {
	Drain(tc *thread.Context) error
}

// AppReader reads application memory, used here only to recover a
// wrapped function's return address off the stack at entry (the same
// collaborator the builder uses to decode bytes).
type AppReader interface {
	ReadAt(pc arch.PC, buf []byte) (int, error)
}

// activeTrace is the in-progress recording for one thread, plus the
// head it was begun against ("one is chosen by
// lock order and the other aborts").
type activeTrace struct {
	head *trace.Head
	rec  *trace.Recorder
}

// Loop is the dispatch loop.
type Loop struct {
	log       *logrus.Entry
	cache     *cache.CodeCache
	shared    *fragtable.Shared
	sharedIBL *ibl.Table
	linker    *linker.Linker
	builder   *builder.Builder
	switcher  ContextSwitcher
	drainer   PendingDrainer
	wrap      *wrap.Manager
	reader    AppReader

	heads          map[arch.PC]*trace.Head
	active         map[thread.ID]*activeTrace
	TraceThreshold uint32

	// reentrant guards against the same thread recursively re-entering
	// dispatch on its own dstack ("never recursively
	// reentered on the same thread's dstack").
	reentrant map[thread.ID]bool
}

// New constructs a dispatch Loop. wrapMgr and reader may be nil, in
// which case wrap-stack bookkeeping and return-address recovery are
// skipped entirely (useful for pure fragment-selection unit tests).
func New(c *cache.CodeCache, shared *fragtable.Shared, sharedIBL *ibl.Table, l *linker.Linker, b *builder.Builder, sw ContextSwitcher, drainer PendingDrainer, wrapMgr *wrap.Manager, reader AppReader, log *logrus.Entry) *Loop {
	return &Loop{
		log:            log,
		cache:          c,
		shared:         shared,
		sharedIBL:      sharedIBL,
		linker:         l,
		builder:        b,
		switcher:       sw,
		drainer:        drainer,
		wrap:           wrapMgr,
		reader:         reader,
		heads:          map[arch.PC]*trace.Head{},
		active:         map[thread.ID]*activeTrace{},
		TraceThreshold: 50,
		reentrant:      map[thread.ID]bool{},
	}
}

// Run executes dispatch rounds starting at pc until the supplied
// shouldStop returns true or an unrecoverable error occurs ("The loop repeats until the process exits").
func (l *Loop) Run(tc *thread.Context, pc arch.PC, shouldStop func() bool) error {
	for {
		if shouldStop != nil && shouldStop() {
			return nil
		}
		next, err := l.Step(tc, pc)
		if err != nil {
			return err
		}
		pc = next
	}
}

// Step performs exactly one dispatch round: it reads pc, drains
// pending async events, resolves a pending Replace() redirection,
// selects (building if absent) a fragment, links the previous
// fragment's exit or populates the IBL, fires any wrapped-function
// entry callback, advances trace recording, context-switches into the
// fragment, and on return runs the wrap-stack's exit/unwind checks
// before reporting the application PC the fragment eventually exited
// toward.
func (l *Loop) Step(tc *thread.Context, pc arch.PC) (arch.PC, error) {
	if l.reentrant[tc.ID] {
		return 0, fmt.Errorf("dispatch: thread %d reentered dispatch on its own dstack", tc.ID)
	}
	l.reentrant[tc.ID] = true
	defer delete(l.reentrant, tc.ID)

	synchall.CheckIn(tc)

	if l.drainer != nil {
		if err := l.drainer.Drain(tc); err != nil {
			return 0, fmt.Errorf("dispatch: draining pending events for %d: %w", tc.ID, err)
		}
	}

	if l.wrap != nil {
		if repl, ok := l.wrap.ReplacementFor(pc); ok {
			pc = repl
		}
	}

	prevFragment := tc.LastFragment
	f, err := l.selectFragment(tc, pc)
	if err != nil {
		return 0, err
	}

	l.linkPreviousExit(tc, prevFragment, pc, f)
	l.observeHit(f)
	l.advanceTrace(tc, f)

	var wrapStack *wrap.Stack
	if l.wrap != nil {
		wrapStack = wrap.StackOf(tc, l.wrap)
		if skipPC, skipped := l.maybeSkipWrappedCall(tc, wrapStack, f.Tag); skipped {
			tc.LastFragment = f.ID
			return skipPC, nil
		}
	}

	if l.switcher == nil {
		// No context switcher configured (pure bookkeeping test): treat
		// the fragment's tag as the "exit PC" to keep Run loops finite
		// in unit tests that supply shouldStop.
		tc.LastFragment = f.ID
		return f.Tag, nil
	}

	exitPC, isSyscall, err := l.switcher.Enter(tc, f)
	if err != nil {
		return 0, fmt.Errorf("dispatch: context switch for fragment %d: %w", f.ID, err)
	}
	tc.LastFragment = f.ID
	_ = isSyscall

	if wrapStack != nil {
		// Every cache exit passes through both checks: Exit pops a
		// frame only when exitPC exactly matches its return address (a
		// normal return), and CheckUnwind separately pops anything a
		// nonlocal exit already carried the stack pointer past.
		wrapStack.Exit(exitPC, &tc.Spill)
		wrapStack.CheckUnwind(tc.Spill.StackPointer())
	}

	return exitPC, nil
}

// maybeSkipWrappedCall fires Enter for a wrapped function's entry tag,
// reading the return address off the top of the application stack the
// way a builder-emitted entry stub would. If a pre-callback invoked
// SkipCall, it installs the retained return value and redirects
// straight to the return address, matching the documented
// skip-the-body contract.
func (l *Loop) maybeSkipWrappedCall(tc *thread.Context, s *wrap.Stack, tag arch.PC) (arch.PC, bool) {
	if _, ok := l.wrap.WrappedAt(tag); !ok {
		return 0, false
	}
	retAddr, ok := l.readReturnAddr(tc)
	if !ok {
		return 0, false
	}
	sp := tc.Spill.StackPointer()
	skip, retval := s.Enter(tag, retAddr, sp, &tc.Spill)
	if !skip {
		return 0, false
	}
	tc.Spill.SetReg(l.wrap.RetvalReg(), retval)
	tc.Spill.SetIP(retAddr)
	s.Exit(retAddr, &tc.Spill)
	return retAddr, true
}

// readReturnAddr reads the 8 bytes at the current stack pointer,
// mirroring the conventional call-pushes-return-address ABI a real
// entry stub would already know statically.
func (l *Loop) readReturnAddr(tc *thread.Context) (arch.PC, bool) {
	if l.reader == nil {
		return 0, false
	}
	var buf [8]byte
	sp := tc.Spill.StackPointer()
	if _, err := l.reader.ReadAt(arch.PC(sp), buf[:]); err != nil {
		return 0, false
	}
	return arch.PC(binary.LittleEndian.Uint64(buf[:])), true
}

// linkPreviousExit correlates the transition from prevID's fragment to
// f with one of its exits: a direct exit whose static target matches
// pc is patched via the linker so the next execution takes a direct
// branch instead of round-tripping through dispatch; an indirect exit
// instead inserts (pc, f.ID) into the IBL so a later dynamic branch to
// the same target can be resolved without rebuilding anything.
func (l *Loop) linkPreviousExit(tc *thread.Context, prevID cache.FragmentID, pc arch.PC, f *cache.Fragment) {
	prev, ok := l.cache.Lookup(prevID)
	if !ok {
		return
	}
	for i := range prev.Exits {
		e := &prev.Exits[i]
		if e.Indirect {
			if tc.PrivateIBL != nil {
				tc.PrivateIBL.Insert(pc, f.ID)
			}
			if l.sharedIBL != nil && (f.Partition == cache.PartitionShared || f.Partition == cache.PartitionTrace) {
				l.sharedIBL.Insert(pc, f.ID)
			}
			continue
		}
		if e.TargetTag != pc {
			continue
		}
		if e.State() == cache.ExitLinkedToFragment {
			continue
		}
		if l.linker == nil {
			continue
		}
		if err := l.linker.Link(prev, i, f); err != nil && l.log != nil {
			l.log.Warningf("dispatch: link fragment %d exit %d -> %d: %v", prev.ID, i, f.ID, err)
		}
		return
	}
}

// selectFragment looks up a fragment for pc, probing the IBLs first
// (the fast path for a dynamically resolved indirect branch), then the
// private table, then shared, building one if absent from all of them.
func (l *Loop) selectFragment(tc *thread.Context, pc arch.PC) (*cache.Fragment, error) {
	if tc.PrivateIBL != nil {
		if id, ok := tc.PrivateIBL.Probe(pc); ok {
			if f, ok := l.cache.Lookup(id); ok {
				return f, nil
			}
			tc.PrivateIBL.Invalidate(pc)
		}
	}
	if l.sharedIBL != nil {
		if id, ok := l.sharedIBL.Probe(pc); ok {
			if f, ok := l.cache.Lookup(id); ok {
				return f, nil
			}
			l.sharedIBL.Invalidate(pc)
		}
	}
	if id, ok := tc.Private.Lookup(pc); ok {
		if f, ok := l.cache.Lookup(id); ok {
			return f, nil
		}
		// Stale private entry pointing at an evicted fragment; drop it
		// and fall through to rebuild.
		tc.Private.Remove(pc)
	}
	if l.shared != nil {
		if id, ok := l.shared.Lookup(pc); ok {
			if f, ok := l.cache.Lookup(id); ok {
				return f, nil
			}
			l.shared.Remove(pc)
		}
	}

	partition := cache.PartitionPrivate
	result, err := l.builder.Build(pc, partition)
	if err != nil {
		return nil, fmt.Errorf("dispatch: build fragment for %#x: %w", pc, err)
	}
	if result.Fragment == nil {
		return nil, fmt.Errorf("dispatch: decode fault at %#x: surfaced to application", result.FaultedAt)
	}
	f := result.Fragment
	tc.Private.Insert(pc, f.ID)
	return f, nil
}

// observeHit advances the trace-builder state machine for f's tag.
func (l *Loop) observeHit(f *cache.Fragment) {
	if f.Flags()&cache.FlagTrace != 0 {
		return
	}
	h, ok := l.heads[f.Tag]
	if !ok {
		h = trace.NewHead()
		l.heads[f.Tag] = h
	}
	if h.RecordHit(l.TraceThreshold) {
		h.PromoteToTraceHead()
	}
}

// advanceTrace drives a thread's in-progress recording, if any, or
// begins one when f's head has just become eligible ("the winner of a race to begin
// recording records the sequence of basic blocks ... until a stop
// condition is reached").
func (l *Loop) advanceTrace(tc *thread.Context, f *cache.Fragment) {
	if f.Flags()&cache.FlagTrace != 0 {
		return
	}

	at, ok := l.active[tc.ID]
	if !ok {
		h, ok := l.heads[f.Tag]
		if !ok || h.State() != trace.StateTraceHead {
			return
		}
		if !h.BeginTracing(int32(tc.ID)) {
			return
		}
		at = &activeTrace{head: h, rec: trace.NewRecorder(f.Tag)}
		l.active[tc.ID] = at
	}

	bytes, err := l.cache.Bytes(f.Span)
	if err != nil {
		if l.log != nil {
			l.log.Warningf("dispatch: reading bytes for trace block %d: %v", f.ID, err)
		}
		at.head.Abort(int32(tc.ID))
		delete(l.active, tc.ID)
		return
	}

	isBackwardToHead := f.Tag == at.rec.HeadTag() && len(at.rec.Blocks()) > 0
	isReturn := f.Terminator == arch.ClassReturn
	isSyscall := f.Terminator == arch.ClassSyscall || f.Terminator == arch.ClassInterrupt
	isIndirectUnresolved := f.Terminator == arch.ClassIndirectBranch

	stop := at.rec.Append(f, bytes, isBackwardToHead, isReturn, isIndirectUnresolved, isSyscall)
	if stop == trace.StopNone {
		return
	}
	l.finishTrace(tc, at, stop)
}

// finishTrace ends a thread's in-progress recording: a stop caused by
// a syscall, unresolved indirect branch, or immediate self-repeat with
// nothing else recorded yields no trace and returns the head to
// trace-head for a future attempt; every other stop emits the
// recorded blocks as a new PartitionTrace fragment.
func (l *Loop) finishTrace(tc *thread.Context, at *activeTrace, stop trace.StopReason) {
	delete(l.active, tc.ID)
	tid := int32(tc.ID)

	if len(at.rec.Blocks()) == 0 {
		at.head.Abort(tid)
		return
	}
	if (stop == trace.StopSyscallOrUnresolvedIndirect || stop == trace.StopRepeatedFragment) && len(at.rec.Blocks()) < 2 {
		at.head.Abort(tid)
		return
	}

	f, err := at.rec.Emit(l.cache)
	if err != nil {
		if l.log != nil {
			l.log.Warningf("dispatch: emitting trace for head %#x: %v", at.rec.HeadTag(), err)
		}
		at.head.Abort(tid)
		return
	}
	at.head.EndTracing(tid)
	if l.log != nil {
		l.log.Debugf("dispatch: recorded trace fragment %d rooted at %#x (%d blocks)", f.ID, f.Tag, len(at.rec.Blocks()))
	}
}

// HeadFor returns the trace head tracking tag, if one has been created.
func (l *Loop) HeadFor(tag arch.PC) (*trace.Head, bool) {
	h, ok := l.heads[tag]
	return h, ok
}
