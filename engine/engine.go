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

// Package engine wires every subsystem into a single explicit handle
// ("replace global mutable state with an
// explicit handle passed to every entry point"), and implements the
// process-wide lifecycle operations — init, per-thread attach/detach,
// shutdown — at the process level.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dynamorio/core/arch"
	"github.com/dynamorio/core/async"
	"github.com/dynamorio/core/builder"
	"github.com/dynamorio/core/cache"
	"github.com/dynamorio/core/config"
	"github.com/dynamorio/core/dispatch"
	"github.com/dynamorio/core/fragtable"
	"github.com/dynamorio/core/ibl"
	"github.com/dynamorio/core/internal/atomicbitops"
	"github.com/dynamorio/core/linker"
	"github.com/dynamorio/core/osfacade"
	"github.com/dynamorio/core/synchall"
	"github.com/dynamorio/core/thread"
	"github.com/dynamorio/core/translate"
	"github.com/dynamorio/core/wrap"
)

// sharedTableCapacity and sharedIBLCapacity size the process-wide
// shared structures; private per-thread structures are sized by
// privateTableSize/privateIBLCapacity below.
const (
	sharedTableCapacity  = 4096
	sharedIBLCapacity    = 2048
	privateTableSize     = 512
	privateIBLCapacity   = 256
)

// Engine is the explicit handle threaded through every entry point
// instead of package-level globals. It owns
// every subsystem for one virtualized process.
type Engine struct {
	Log    *logrus.Logger
	Config config.Options

	Facade  osfacade.Facade
	Cache   *cache.CodeCache
	Shared  *fragtable.Shared
	SharedIBL *ibl.Table
	Linker  *linker.Linker
	Builder *builder.Builder
	Threads *thread.Manager
	Synchall *synchall.Coordinator
	Async   *async.Interposer
	Wrap    *wrap.Manager
	Dispatch *dispatch.Loop

	// detaching is set once Detach has begun; dispatch loops observe it
	// at their next safe point.
	detaching atomicbitops.Bool
	// initialized marks that New has finished wiring every subsystem;
	// an init barrier guarding premature use from a racing attach
	// notification ("a small set of
	// process-wide atomics for ... init barrier").
	initialized atomicbitops.Bool

	mu sync.Mutex
}

// Deps bundles the out-of-core collaborators the embedding program must
// supply: the decoder/encoder, the
// application memory reader, the OS facade, and the wrap-layer's
// register ABI.
type Deps struct {
	Decoder    arch.Decoder
	Reader     builder.AppReader
	Facade     osfacade.Facade
	Switcher   dispatch.ContextSwitcher
	Forcer     synchall.Forcer
	ArgRegsABI []int
	RetvalReg  int
	IsAppCode  async.Classifier
}

// New wires together every subsystem in dependency order: cache ->
// fragtable/ibl (shared) -> linker -> wrap -> builder -> thread manager
// -> synchall -> async -> dispatch.
func New(opts config.Options, deps Deps) (*Engine, error) {
	if deps.Decoder == nil || deps.Reader == nil {
		return nil, fmt.Errorf("engine: Decoder and Reader are required")
	}

	logger := config.NewLogger(opts)
	log := logger.WithField("component", "engine")

	e := &Engine{Log: logger, Config: opts, Facade: deps.Facade}

	e.Cache = cache.New(deps.Facade, log.WithField("component", "cache"))
	e.Shared = fragtable.NewShared(sharedTableCapacity)
	e.SharedIBL = ibl.New(sharedIBLCapacity, true)
	e.Linker = linker.New(e.Cache.Lookup, log.WithField("component", "linker"))
	e.Wrap = wrap.New(deps.ArgRegsABI, deps.RetvalReg, log.WithField("component", "wrap"))
	e.Builder = builder.New(deps.Decoder, deps.Reader, deps.Facade, e.Cache, e.Wrap, log.WithField("component", "builder"))
	e.Threads = thread.NewManager(privateTableSize, privateIBLCapacity, log.WithField("component", "thread"))
	e.Synchall = synchall.New(e.Threads, deps.Forcer, log.WithField("component", "synchall"))

	e.Async = async.New(deps.Facade, e.fragmentLookupForAsync, deps.IsAppCode, log.WithField("component", "async"))

	e.Dispatch = dispatch.New(e.Cache, e.Shared, e.SharedIBL, e.Linker, e.Builder, deps.Switcher, e.Async, e.Wrap, deps.Reader, log.WithField("component", "dispatch"))
	e.Dispatch.TraceThreshold = opts.TraceThreshold

	e.Cache.SetEvictHook(e.onEvict)

	// Thread-death hook: drain the dying thread's
	// wrap-stack so no pre-callback survives without a matching post.
	e.Threads.OnDeath(func(tc *thread.Context) {
		if s, ok := tc.WrapStack.(*wrap.Stack); ok {
			s.DrainAbnormal()
		}
	})

	e.initialized.Store(true)
	return e, nil
}

// fragmentLookupForAsync adapts cache.CodeCache's ID-keyed lookup to
// async.FragmentLookup's signature by interpreting cachePC as a
// FragmentID and returning that fragment with an offset of 0. It does
// not resolve an arbitrary cache address to the fragment whose bytes
// contain it.
func (e *Engine) fragmentLookupForAsync(cachePC arch.PC) (*cache.Fragment, int, bool) {
	id := cache.FragmentID(uint64(cachePC))
	f, ok := e.Cache.Lookup(id)
	if !ok {
		return nil, 0, false
	}
	return f, 0, true
}

// onEvict is CodeCache's EvictHook: unlink incoming edges before the
// unit's pages are reclaimed ("unlink ->
// remove-from-table -> unregister-translation -> synch -> free-pages").
func (e *Engine) onEvict(f *cache.Fragment) {
	e.Linker.UnlinkIncoming(f)
	if e.Shared != nil {
		e.Shared.Remove(f.Tag)
	}
	e.SharedIBL.Invalidate(f.Tag)
	e.SharedIBL.InvalidateID(f.ID)
	for _, tc := range e.Threads.All() {
		tc.PrivateIBL.InvalidateID(f.ID)
	}
}

// AttachThread runs the thread-birth hook: allocates
// the per-thread context and installs its wrap-stack, ready for the
// first dispatch.
func (e *Engine) AttachThread(id thread.ID) (*thread.Context, error) {
	if !e.initialized.Load() {
		return nil, fmt.Errorf("engine: not yet initialized")
	}
	tc, err := e.Threads.Birth(id)
	if err != nil {
		return nil, err
	}
	tc.WrapStack = wrap.NewStack(e.Wrap)
	return tc, nil
}

// DetachThread runs the thread-death hook for one thread.
func (e *Engine) DetachThread(id thread.ID) { e.Threads.Death(id) }

// Replace installs a function replacement.
func (e *Engine) Replace(orig, repl arch.PC, override bool) error {
	return e.Wrap.Replace(orig, repl, override)
}

// WrapFunction registers a pre/post pair for orig.
func (e *Engine) WrapFunction(orig arch.PC, pre wrap.PreCallback, post wrap.PostCallback, flags wrap.Flags, userDatum any) {
	e.Wrap.Wrap(orig, pre, post, flags, userDatum)
}

// RunThread drives one thread's dispatch loop starting at pc, until
// shouldStop returns true, the engine begins detaching, or an
// unrecoverable error occurs.
func (e *Engine) RunThread(tc *thread.Context, pc arch.PC, shouldStop func() bool) error {
	return e.Dispatch.Run(tc, pc, func() bool {
		if e.detaching.Load() {
			return true
		}
		return shouldStop != nil && shouldStop()
	})
}

// Detach implements runtime detach via nudge (DetachAllowed must be set
// in Config): it synchronizes every thread to a safe point, translates
// each to its application PC, force-drains every thread's wrap-stack (a
// detach must not leave dangling unmatched pre-callbacks), and marks
// the engine as detaching so no dispatch loop re-enters the cache.
func (e *Engine) Detach(ctx context.Context) ([]synchall.PeerResult, error) {
	if !e.Config.DetachAllowed {
		return nil, fmt.Errorf("engine: detach not permitted by configuration")
	}
	e.detaching.Store(true)

	results, err := e.Synchall.SyncAll(ctx, 0, true, e.translateForSynchall)
	if err != nil {
		return results, fmt.Errorf("engine: detach sync failed: %w", err)
	}
	for _, tc := range e.Threads.All() {
		if s, ok := tc.WrapStack.(*wrap.Stack); ok {
			s.DrainAbnormal()
		}
	}
	if e.Log != nil {
		e.Log.Infof("engine: detached, %d peers synchronized", len(results))
	}
	return results, nil
}

// translateForSynchall adapts a forced-suspension PC to a
// translate.Entry using the translation table of the thread's
// LastFragment, looking pc up as an offset into that table; it does not
// search for the fragment whose cache bytes contain pc. It satisfies
// synchall.Coordinator's translateFn parameter.
func (e *Engine) translateForSynchall(id thread.ID, pc uintptr) (translate.Entry, bool) {
	tc, ok := e.Threads.Lookup(id)
	if !ok {
		return translate.Entry{}, false
	}
	f, ok := e.Cache.Lookup(tc.LastFragment)
	if !ok {
		return translate.Entry{}, false
	}
	tbl, ok := f.TranslationTable.(*translate.Table)
	if !ok {
		return translate.Entry{}, false
	}
	entry, ok := tbl.Lookup(int(pc))
	return entry, ok
}

// Shutdown implements the process-death hook: ensures every
// thread has reached or been forced to a safe point, then runs the
// thread-death hook for every remaining thread. It does not tear down
// the shared fragment/IBL tables and does not free the code cache's
// units.
func (e *Engine) Shutdown(ctx context.Context) error {
	if _, err := e.Synchall.SyncAll(ctx, 0, true, e.translateForSynchall); err != nil {
		return fmt.Errorf("engine: shutdown sync failed: %w", err)
	}
	e.Threads.ProcessDeath()
	if e.Log != nil {
		e.Log.Info("engine: shutdown complete")
	}
	return nil
}
