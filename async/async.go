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

// Package async implements the asynchronous-event redirection subsystem
//: interception of signals/exceptions/callbacks,
// translation of a cache PC back to an application PC, and either
// immediate delivery or deferral to the next safe point.
package async

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dynamorio/core/arch"
	"github.com/dynamorio/core/cache"
	"github.com/dynamorio/core/osfacade"
	"github.com/dynamorio/core/thread"
	"github.com/dynamorio/core/translate"
)

// Locus classifies where a faulting PC landed.
type Locus int

const (
	LocusApplication Locus = iota // not yet cached
	LocusCacheFragment
	LocusEngine
)

// Kind distinguishes synchronous fault-like signals (delivered
// immediately) from asynchronous ones (deferred to the next safe
// point), .10 step 1(b).
type Kind int

const (
	KindSynchronous Kind = iota
	KindAsynchronous
)

// Event is one signal/exception/callback occurrence.
type Event struct {
	Signal int
	Code   int
	PC     arch.PC
	Kind   Kind
}

// FragmentLookup resolves a cache PC to the owning fragment and its
// offset within that fragment's span, so Interposer can consult the
// fragment's translation table.
type FragmentLookup func(cachePC arch.PC) (f *cache.Fragment, offsetInFragment int, ok bool)

// Classifier decides whether an application-code PC (not yet cached) is
// itself readable/valid, used to distinguish case (a) from a genuine
// application fault at an address the engine has simply never built a
// fragment for.
type Classifier func(pc arch.PC) bool

// guardedRange marks an engine-code address range protected by a
// per-thread try-frame around a guarded read/write probe.
type guardedRange struct {
	start, end arch.PC
}

// Interposer is the async-event redirection subsystem.
type Interposer struct {
	log       *logrus.Entry
	facade    osfacade.Facade
	lookup    FragmentLookup
	isAppCode Classifier

	mu       sync.Mutex
	guards   []guardedRange
	queues   map[thread.ID]*queue
}

type pendingEntry struct {
	ev Event
}

type queue struct {
	mu      sync.Mutex
	entries []pendingEntry
}

// New constructs an Interposer.
func New(facade osfacade.Facade, lookup FragmentLookup, isAppCode Classifier, log *logrus.Entry) *Interposer {
	return &Interposer{
		facade:    facade,
		lookup:    lookup,
		isAppCode: isAppCode,
		log:       log,
		queues:    map[thread.ID]*queue{},
	}
}

// AddGuardedRange registers an engine-code address range whose faults
// are expected (e.g. a probe read of possibly-unmapped application
// memory), routed to case (c)'s try-frame rather than treated as a
// fatal engine bug.
func (in *Interposer) AddGuardedRange(start, end arch.PC) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.guards = append(in.guards, guardedRange{start, end})
}

func (in *Interposer) isGuarded(pc arch.PC) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, g := range in.guards {
		if pc >= g.start && pc < g.end {
			return true
		}
	}
	return false
}

// Classify performs the three-way fault-locus split: application code,
// a cached fragment, or engine code.
func (in *Interposer) Classify(pc arch.PC) Locus {
	if f, _, ok := in.lookup(pc); ok && f != nil {
		return LocusCacheFragment
	}
	if in.isAppCode != nil && in.isAppCode(pc) {
		return LocusApplication
	}
	return LocusEngine
}

// FatalEngineBug is returned by Handle when a fault lands in
// unguarded engine code: a genuine engine bug, fatal rather than
// redirectable. When the Interposer has a logger, Handle first logs the
// fault at Fatal level, which terminates the process, so the error is
// only returned by an Interposer constructed without one.
var FatalEngineBug = fmt.Errorf("async: fault in unguarded engine code")

// Handle processes one raw fault/signal for thread tc.
// On LocusApplication it returns (deliverNow=true, translatedPC=ev.PC,
// nil): the caller re-raises to the application's own handler with the
// original context, untouched. On LocusCacheFragment it translates the
// context and either returns deliverNow=true (synchronous) or queues
// the event for later draining (asynchronous). On LocusEngine it either
// treats the fault as fatal (see FatalEngineBug) or, if the PC falls in a guarded range,
// deliverNow=false with a nil error (the guard's own recover() handles
// it; Handle's only job was classification).
func (in *Interposer) Handle(tc *thread.Context, ev Event) (deliverNow bool, translatedPC arch.PC, err error) {
	switch in.Classify(ev.PC) {
	case LocusApplication:
		return true, ev.PC, nil

	case LocusCacheFragment:
		f, offset, _ := in.lookup(ev.PC)
		tbl, _ := f.TranslationTable.(*translate.Table)
		if tbl == nil {
			return false, 0, fmt.Errorf("async: fragment %d has no translation table", f.ID)
		}
		appPC, _, terr := tbl.Translate(offset)
		if terr != nil {
			if terr == translate.ErrNotRestartable {
				return false, 0, fmt.Errorf("async: %w: cache pc %#x in fragment %d", terr, ev.PC, f.ID)
			}
			return false, 0, terr
		}
		if ev.Kind == KindSynchronous {
			return true, appPC, nil
		}
		in.enqueue(tc, Event{Signal: ev.Signal, Code: ev.Code, PC: appPC, Kind: ev.Kind})
		return false, appPC, nil

	default: // LocusEngine
		if in.isGuarded(ev.PC) {
			return false, 0, nil
		}
		if in.log != nil {
			in.log.Fatalf("async: fault at %#x in unguarded engine code", ev.PC)
		}
		return false, 0, FatalEngineBug
	}
}

func (in *Interposer) enqueue(tc *thread.Context, ev Event) {
	in.mu.Lock()
	q, ok := in.queues[tc.ID]
	if !ok {
		q = &queue{}
		in.queues[tc.ID] = q
	}
	in.mu.Unlock()

	q.mu.Lock()
	q.entries = append(q.entries, pendingEntry{ev: ev})
	q.mu.Unlock()
}

// Drain implements dispatch.PendingDrainer: deliver every event queued
// for tc ("dispatch drains the queue at a safe
// point before selecting the next fragment").
func (in *Interposer) Drain(tc *thread.Context) error {
	in.mu.Lock()
	q, ok := in.queues[tc.ID]
	in.mu.Unlock()
	if !ok {
		return nil
	}

	q.mu.Lock()
	pending := q.entries
	q.entries = nil
	q.mu.Unlock()

	for _, p := range pending {
		if in.facade != nil {
			if err := in.facade.RaiseExceptionToApp(osfacade.ExceptionRecord{
				Signal: p.ev.Signal,
				Code:   p.ev.Code,
				Addr:   uintptr(p.ev.PC),
			}, nil); err != nil {
				return fmt.Errorf("async: deliver deferred signal %d: %w", p.ev.Signal, err)
			}
		}
	}
	return nil
}

// Guard runs fn with engine-level fault protection: if fn panics with a
// recoverable probe fault, Guard returns that as an error instead of
// propagating the panic, implementing the per-thread try-frame around
// guarded probes.
func Guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("async: guarded probe faulted: %v", r)
		}
	}()
	return fn()
}
