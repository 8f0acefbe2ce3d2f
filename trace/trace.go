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

// Package trace implements the trace builder state machine: cold -> warm -> trace-head -> tracing -> retired (-> cold if
// dropped).
//
// The state machine shape follows comalice-statechartx's Machine
// (explicit state field behind a mutex, methods performing validated
// transitions) rather than a generic FSM library — comalice-statechartx
// itself is stdlib-only by design ("Core engine is stdlib-only;
// adapters may use external deps"), and no example repo ships a
// general state-machine library that fits a per-fragment,
// high-frequency transition like this one (see DESIGN.md).
package trace

import (
	"fmt"
	"sync"

	"github.com/dynamorio/core/arch"
	"github.com/dynamorio/core/cache"
	"github.com/dynamorio/core/internal/atomicbitops"
)

// State is a basic-block fragment's position in the trace-formation
// state machine.
type State int

const (
	StateCold State = iota
	StateWarm
	StateTraceHead
	StateTracing
	StateRetired
)

// Head tracks one basic-block fragment's progress toward becoming a
// trace head and, eventually, a retired trace.
type Head struct {
	mu    sync.Mutex
	state State
	hits  uint32

	// tracingBy is nonzero while exactly one thread is actively
	// recording from this head ("one is chosen
	// by lock order and the other aborts").
	tracingBy atomicbitops.Int32
}

// NewHead constructs a Head in the cold state.
func NewHead() *Head { return &Head{} }

// State returns the head's current state.
func (h *Head) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// RecordHit increments the hit counter and reports whether this hit
// crossed the warm threshold, transitioning cold -> warm. Crossing
// warm -> trace-head additionally requires PromoteToTraceHead once the
// caller decides the predecessor-instrumentation condition is met.
func (h *Head) RecordHit(warmThreshold uint32) (crossedWarm bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hits++
	if h.state == StateCold && h.hits >= warmThreshold {
		h.state = StateWarm
		return true
	}
	return false
}

// PromoteToTraceHead transitions warm -> trace-head, instrumenting the
// fragment to count hits from each predecessor. No-op if
// not currently warm.
func (h *Head) PromoteToTraceHead() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateWarm {
		return false
	}
	h.state = StateTraceHead
	return true
}

// BeginTracing attempts to transition trace-head -> tracing for thread
// tid. If another thread is already tracing from this head, the caller
// loses the race and must abort its own in-progress recording.
func (h *Head) BeginTracing(tid int32) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StateTraceHead {
		return false
	}
	if !h.tracingBy.CompareAndSwap(0, tid) {
		return false
	}
	h.state = StateTracing
	return true
}

// EndTracing transitions tracing -> retired for the thread that won
// BeginTracing, recording that a trace was produced.
func (h *Head) EndTracing(tid int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tracingBy.Load() == tid {
		h.state = StateRetired
		h.tracingBy.Store(0)
	}
}

// Abort discards an in-progress recording without producing a trace,
// returning the head to trace-head so a future thread may try again.
// Used both for the tie-break loser and when a block being traced is
// flushed from the cache mid-recording.
func (h *Head) Abort(tid int32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.tracingBy.CompareAndSwap(tid, 0) && h.state == StateTracing {
		h.state = StateTraceHead
	}
}

// Drop transitions retired (or any state) back to cold, e.g. when the
// produced trace itself is later flushed ("retired -> cold if
// dropped").
func (h *Head) Drop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateCold
	h.hits = 0
	h.tracingBy.Store(0)
}

// MaxTraceBlocks bounds recording length.
const MaxTraceBlocks = 64

// Recorder accumulates basic blocks for one in-progress trace. It is owned by exactly one thread for the duration
// of a BeginTracing/EndTracing pair.
type Recorder struct {
	headTag  arch.PC
	blocks   []*cache.Fragment
	seen     map[cache.FragmentID]bool
	bytes    []byte
}

// NewRecorder begins recording a trace rooted at headTag.
func NewRecorder(headTag arch.PC) *Recorder {
	return &Recorder{headTag: headTag, seen: map[cache.FragmentID]bool{}}
}

// Append records one more basic block's contribution to the trace.
// Returns StopReason != StopNone when recording must end here.
type StopReason int

const (
	StopNone StopReason = iota
	StopBackwardToHead
	StopReturn
	StopRepeatedFragment
	StopLengthLimit
	StopSyscallOrUnresolvedIndirect
)

// Append appends f's mangled-and-rewritten bytes to the trace buffer and
// evaluates stop conditions. isSyscall and indirectUnresolved let the
// caller report whether f ends in a syscall or an indirect branch with
// an unresolved target, since traces never span either.
func (r *Recorder) Append(f *cache.Fragment, bytes []byte, isBackwardToHead, isReturn, indirectUnresolved, isSyscall bool) StopReason {
	if r.seen[f.ID] {
		return StopRepeatedFragment
	}
	r.seen[f.ID] = true
	r.blocks = append(r.blocks, f)
	r.bytes = append(r.bytes, bytes...)

	if isSyscall || indirectUnresolved {
		return StopSyscallOrUnresolvedIndirect
	}
	if isBackwardToHead {
		return StopBackwardToHead
	}
	if isReturn {
		return StopReturn
	}
	if len(r.blocks) >= MaxTraceBlocks {
		return StopLengthLimit
	}
	return StopNone
}

// Blocks returns the basic blocks recorded so far, in order.
func (r *Recorder) Blocks() []*cache.Fragment { return r.blocks }

// Bytes returns the accumulated trace-local instruction bytes, ready
// for emission as a new fragment.
func (r *Recorder) Bytes() []byte { return r.bytes }

// HeadTag returns the application PC this recording is rooted at.
func (r *Recorder) HeadTag() arch.PC { return r.headTag }

// Emit materializes the recorded blocks as a new fragment in
// cache.PartitionTrace: the linear run of stitched blocks carries no
// internal exits (the bytes are now contiguous), only the final block's
// own exits plus every intermediate block's side exits (those not
// leading to the next recorded block), which fall back to the
// non-trace table exactly as they did before tracing began. The trace
// reuses the head block's translation table.
func (r *Recorder) Emit(c *cache.CodeCache) (*cache.Fragment, error) {
	if len(r.blocks) == 0 {
		return nil, fmt.Errorf("trace: no blocks recorded for head %#x", r.headTag)
	}

	var exits []cache.Exit
	for i, block := range r.blocks {
		if i == len(r.blocks)-1 {
			exits = append(exits, block.Exits...)
			continue
		}
		next := r.blocks[i+1].Tag
		for _, e := range block.Exits {
			if e.Indirect || e.TargetTag != next {
				exits = append(exits, e)
			}
		}
	}

	span, err := c.Allocate(cache.PartitionTrace, len(r.bytes))
	if err != nil {
		return nil, fmt.Errorf("trace: allocate fragment for head %#x: %w", r.headTag, err)
	}
	if err := c.Write(span, r.bytes); err != nil {
		return nil, fmt.Errorf("trace: write fragment for head %#x: %w", r.headTag, err)
	}

	f := &cache.Fragment{
		ID:         c.NextFragmentID(),
		Tag:        r.headTag,
		Span:       span,
		Partition:  cache.PartitionTrace,
		Terminator: r.blocks[len(r.blocks)-1].Terminator,
		Exits:      exits,
		// The head block's translation table is reused as is; it has
		// no entries for cache offsets past the head block's own bytes.
		TranslationTable: r.blocks[0].TranslationTable,
	}
	f.SetFlag(cache.FlagTrace)
	f.SetFlag(cache.FlagShared)
	c.RegisterFragment(f)
	return f, nil
}
