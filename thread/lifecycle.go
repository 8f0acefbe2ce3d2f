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
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dynamorio/core/internal/pool"
)

// MaxThreads bounds how many per-thread contexts a Manager hands out
// dstacks for, i.e. the depth of its dstack arena.
const MaxThreads = 4096

// DeathHook is invoked with a context after it has been removed from
// the Manager's map of live contexts but before its private table is
// cleared, its dstack released and it is marked dead, giving other
// subsystems (fragment table unlink, wrap-stack drain) a chance to
// clean up against a still valid Context.
type DeathHook func(c *Context)

// Manager implements the engine's thread-lifecycle hooks: it creates
// per-thread context on thread birth, tears it down (running registered
// DeathHooks first) on thread exit, and coordinates process-death
// teardown.
type Manager struct {
	log *logrus.Entry

	privateTableSize int
	iblSize          int

	// dstackArena backs every live context's Dstack slice; dstackPool
	// hands out dense slot indices into it, the same sysmsgStackPool/
	// pool.Pool pairing gVisor's systrap uses in subprocess.go.
	dstackArena []byte
	dstackPool  *pool.Pool

	mu         sync.RWMutex
	contexts   map[ID]*Context
	deathHooks []DeathHook
}

// NewManager constructs a thread lifecycle Manager.
func NewManager(privateTableSize, iblSize int, log *logrus.Entry) *Manager {
	return &Manager{
		log:              log,
		privateTableSize: privateTableSize,
		iblSize:          iblSize,
		contexts:         map[ID]*Context{},
		dstackArena:      make([]byte, DstackSize*MaxThreads),
		dstackPool:       &pool.Pool{Start: 0, Limit: MaxThreads},
	}
}

// OnDeath registers a hook run during Death, before a context is torn
// down. Hooks run in registration order.
func (m *Manager) OnDeath(h DeathHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deathHooks = append(m.deathHooks, h)
}

// Birth runs the thread-birth hook: allocates the per-thread context
// and registers it ("runs on the new thread before
// application code").
func (m *Manager) Birth(id ID) (*Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.contexts[id]; exists {
		return nil, fmt.Errorf("thread: context for %d already exists", id)
	}
	slot, ok := m.dstackPool.Get()
	if !ok {
		return nil, fmt.Errorf("thread: dstack arena exhausted (max %d threads)", MaxThreads)
	}
	dstack := m.dstackArena[slot*DstackSize : (slot+1)*DstackSize]
	c := newContext(id, m.privateTableSize, m.iblSize, dstack, slot)
	m.contexts[id] = c
	if m.log != nil {
		m.log.Debugf("thread: birth %d", id)
	}
	return c, nil
}

// Lookup returns the context for id, if the thread is alive.
func (m *Manager) Lookup(id ID) (*Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.contexts[id]
	return c, ok
}

// Death runs the thread-death hook: runs registered hooks, frees the
// private fragment table, and removes the context.
func (m *Manager) Death(id ID) {
	m.mu.Lock()
	c, ok := m.contexts[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.contexts, id)
	hooks := append([]DeathHook(nil), m.deathHooks...)
	m.mu.Unlock()

	for _, h := range hooks {
		h(c)
	}
	c.Private.Clear()
	c.Dstack = nil
	m.dstackPool.Put(c.dstackSlot)
	c.MarkDead()
	if m.log != nil {
		m.log.Debugf("thread: death %d", id)
	}
}

// All returns a snapshot of every currently live context, used by
// synchall and process-death teardown.
func (m *Manager) All() []*Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Context, 0, len(m.contexts))
	for _, c := range m.contexts {
		out = append(out, c)
	}
	return out
}

// Count reports the number of live threads.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.contexts)
}

// ProcessDeath runs the process-death hook: Death for every remaining
// thread, in no particular order, since the only requirement is that
// each individual thread has reached or been forced to a safe point
// before this runs (the caller, engine.Shutdown, is responsible for
// that via synchall).
func (m *Manager) ProcessDeath() {
	for _, c := range m.All() {
		m.Death(c.ID)
	}
}
