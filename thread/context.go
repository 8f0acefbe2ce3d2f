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

// Package thread implements per-thread context and the thread lifecycle hooks that create
// and tear it down.
package thread

import (
	"sync"

	"github.com/dynamorio/core/arch"
	"github.com/dynamorio/core/cache"
	"github.com/dynamorio/core/fragtable"
	"github.com/dynamorio/core/ibl"
	"github.com/dynamorio/core/internal/atomicbitops"
)

// DstackSize is the size of the scratch stack used only by engine code
// while a thread is between cache exit and cache re-entry.
const DstackSize = 64 * 1024

// ID identifies an OS thread the engine shepherds.
type ID int32

// Context is the thread-local record the engine carries per shepherded
// thread: spill area for application register state, dispatch return
// address, dstack, private fragment table, pending-signal queue, and
// wrap-stack.
//
// AsyncQueue and WrapStack are stored as opaque interface{} handles.
// WrapStack is populated by the wrap package; the async package keeps
// its pending queues in its own Interposer and does not set AsyncQueue.
type Context struct {
	ID ID

	mu sync.Mutex

	Private    *fragtable.Private
	PrivateIBL *ibl.Table

	Spill          arch.Registers
	DispatchReturn arch.PC
	Dstack         []byte

	LastFragment cache.FragmentID

	// dstackSlot is this context's index into the Manager's shared
	// dstack arena, returned to Manager.dstackPool on death.
	dstackSlot uint64

	// syncRequested is the cooperative synchall flag:
	// every cache exit checks it before re-entering the cache.
	syncRequested atomicbitops.Bool
	// inKernel marks the thread as currently blocked in an engine-issued
	// system call, i.e. already at a safe point without needing to wait
	// for one.
	inKernel atomicbitops.Bool
	// dead is set once the thread-death hook has run; synchall and
	// dispatch must stop touching the context afterward.
	dead atomicbitops.Bool

	AsyncQueue any
	WrapStack  any
}

// newContext allocates a fresh per-thread context. dstack is a slice
// into the Manager's shared dstack arena, handed out by a pool.Pool the
// same way gVisor's systrap sysmsgStackPool hands out sysmsgStackID
// values in subprocess.go.
func newContext(id ID, privateTableSize, iblSize int, dstack []byte, dstackSlot uint64) *Context {
	return &Context{
		ID:         id,
		Private:    fragtable.NewPrivate(privateTableSize),
		PrivateIBL: ibl.New(iblSize, false),
		Dstack:     dstack,
		dstackSlot: dstackSlot,
	}
}

// RequestSync sets the cooperative synchall flag.
func (c *Context) RequestSync() { c.syncRequested.Store(true) }

// ClearSync clears the cooperative synchall flag; called once the
// thread has acknowledged by reaching a safe point.
func (c *Context) ClearSync() { c.syncRequested.Store(false) }

// SyncRequested reports whether a synchronizer has asked this thread to
// stop at the next safe point.
func (c *Context) SyncRequested() bool { return c.syncRequested.Load() }

// EnterKernel marks the thread as blocked in an engine-issued system
// call: synchall may treat it as already at a safe point.
func (c *Context) EnterKernel() { c.inKernel.Store(true) }

// ExitKernel clears the in-kernel marker.
func (c *Context) ExitKernel() { c.inKernel.Store(false) }

// InKernel reports whether the thread is currently marked in-kernel.
func (c *Context) InKernel() bool { return c.inKernel.Load() }

// MarkDead marks the context as torn down.
func (c *Context) MarkDead() { c.dead.Store(true) }

// Dead reports whether the thread-death hook has already run.
func (c *Context) Dead() bool { return c.dead.Load() }
