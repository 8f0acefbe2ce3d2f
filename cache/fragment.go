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

// Package cache implements the code cache: code cache units
// and the fragments bump-allocated into
// them. It owns cache memory exclusively; nothing outside this package
// reads or writes cache bytes directly.
//
// The fragment/incoming-link graph is modeled as an arena+index rather
// than the cyclic fragment<->incoming-link pointer references a naive
// port would carry over: fragments live in a dense slab keyed by a
// FragmentID, and incoming links carry IDs rather than pointers, so
// eviction invalidates an ID instead of leaving a dangling reference.
package cache

import (
	"sync"

	"github.com/dynamorio/core/arch"
	"github.com/dynamorio/core/internal/atomicbitops"
)

// FragmentID densely identifies a fragment within its owning CodeCache.
// Zero is never a valid ID (reserved as "no fragment").
type FragmentID uint64

// Partition names the cache partition a fragment/unit belongs to.
type Partition int

const (
	// PartitionPrivate holds per-thread private fragments.
	PartitionPrivate Partition = iota
	// PartitionShared holds fragments reachable from any thread.
	PartitionShared
	// PartitionTrace holds trace fragments.
	PartitionTrace
	// PartitionPersisted holds fragments loaded read-only from a frozen
	// per-module cache file.
	PartitionPersisted
)

// Flags captures a fragment's lifecycle/classification bits.
type Flags uint8

const (
	FlagShared Flags = 1 << iota
	FlagTrace
	FlagFrozen
	FlagBeingFlushed
)

// ExitState is the state of one outgoing exit of a fragment.
type ExitState int

const (
	ExitUnlinked ExitState = iota
	ExitLinkedToFragment
	ExitLinkedToStub
)

// Exit is one outgoing control transfer from a fragment. State changes are single-word and must be applied with
// setTarget so that a concurrently executing thread only ever
// observes a fully-formed old or new target.
type Exit struct {
	state  atomicbitops.Uint32 // ExitState
	target atomicbitops.Uint32 // FragmentID truncated; see Target/setTarget
	// targetHigh holds the upper 32 bits of a 64-bit FragmentID; kept
	// separate so the low word alone is what a racing reader observes
	// torn-free (the high word only matters once state has already
	// flipped to linked, which a reader re-checks after sampling
	// target).
	targetHigh atomicbitops.Uint32
	IsTaken    bool // true for the taken side of a conditional exit

	// TargetTag is the application PC this exit branches to when that
	// PC is known at build time (direct branches, calls, the
	// fallthrough side of a conditional). Zero for exits whose target
	// is only known dynamically.
	TargetTag arch.PC
	// Indirect marks an exit whose target is resolved at runtime
	// (indirect branch or return) rather than patched by the linker.
	Indirect bool
}

// State returns the exit's current linkage state.
func (e *Exit) State() ExitState { return ExitState(e.state.Load()) }

// Target returns the linked fragment ID, valid only when State() is
// ExitLinkedToFragment.
func (e *Exit) Target() FragmentID {
	return FragmentID(uint64(e.targetHigh.Load())<<32 | uint64(e.target.Load()))
}

// setTarget atomically links (or unlinks) the exit. This is the
// linker's primitive; cache package exposes it so
// linker need not reach into fragment internals.
func (e *Exit) setTarget(state ExitState, target FragmentID) {
	e.targetHigh.Store(uint32(uint64(target) >> 32))
	e.target.Store(uint32(uint64(target)))
	e.state.Store(uint32(state))
}

// IncomingLink is a non-owning back-reference {source fragment, source
// exit index}. Incoming links are resolved under the
// fragment's own link-list lock, never the fragment table's lock.
type IncomingLink struct {
	Source    FragmentID
	ExitIndex int
}

// Span identifies the byte range a fragment occupies within its unit.
type Span struct {
	UnitID UnitID
	Offset int
	Length int
}

// Fragment is a unit of cached code: the granularity of lookup,
// linking, and eviction.
type Fragment struct {
	ID   FragmentID
	Tag  arch.PC
	Span Span

	Partition Partition
	flags     atomicbitops.Uint32

	// Terminator classifies the instruction that ended this fragment's
	// basic block, mirroring the decoder's arch.InstructionClass; kept
	// here (rather than re-decoded) so dispatch and the trace builder
	// can classify an exit without touching application memory again.
	Terminator arch.InstructionClass

	Exits []Exit

	linksMu       sync.Mutex
	incomingLinks []IncomingLink

	refCount atomicbitops.Int32

	// TranslationTable is an opaque handle into translate.Table,
	// stored as an interface{} so package cache does not import
	// translate; engine/async code type-asserts.
	TranslationTable any
}

// Flags returns the fragment's current flag bits.
func (f *Fragment) Flags() Flags { return Flags(f.flags.Load()) }

// SetFlag atomically sets bit.
func (f *Fragment) SetFlag(bit Flags) {
	for {
		old := f.flags.Load()
		if old&uint32(bit) != 0 {
			return
		}
		if f.flags.CompareAndSwap(old, old|uint32(bit)) {
			return
		}
	}
}

// ClearFlag atomically clears bit.
func (f *Fragment) ClearFlag(bit Flags) {
	for {
		old := f.flags.Load()
		if old&uint32(bit) == 0 {
			return
		}
		if f.flags.CompareAndSwap(old, old&^uint32(bit)) {
			return
		}
	}
}

// Pin increments the reference count, preventing reclaim while a reader
// holds a translation reference into the fragment.
func (f *Fragment) Pin() { f.refCount.Add(1) }

// Unpin releases a reference taken by Pin.
func (f *Fragment) Unpin() { f.refCount.Add(-1) }

// RefCount reports the current pin count.
func (f *Fragment) RefCount() int32 { return f.refCount.Load() }

// AddIncomingLink records {source, exitIndex} as targeting this fragment.
func (f *Fragment) AddIncomingLink(l IncomingLink) {
	f.linksMu.Lock()
	defer f.linksMu.Unlock()
	f.incomingLinks = append(f.incomingLinks, l)
}

// RemoveIncomingLink removes the first matching link, if present.
func (f *Fragment) RemoveIncomingLink(l IncomingLink) {
	f.linksMu.Lock()
	defer f.linksMu.Unlock()
	for i, cur := range f.incomingLinks {
		if cur == l {
			f.incomingLinks = append(f.incomingLinks[:i], f.incomingLinks[i+1:]...)
			return
		}
	}
}

// IncomingLinks returns a snapshot copy of the current incoming links.
func (f *Fragment) IncomingLinks() []IncomingLink {
	f.linksMu.Lock()
	defer f.linksMu.Unlock()
	out := make([]IncomingLink, len(f.incomingLinks))
	copy(out, f.incomingLinks)
	return out
}

// LinkExit atomically points exit index i at target, using the exit's
// single-word link primitive.
func (f *Fragment) LinkExit(i int, target FragmentID) {
	f.Exits[i].setTarget(ExitLinkedToFragment, target)
}

// UnlinkExit atomically restores exit index i to the dispatch stub.
func (f *Fragment) UnlinkExit(i int) {
	f.Exits[i].setTarget(ExitLinkedToStub, 0)
}
