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

// Package pool implements a dense, reusable index allocator.
//
// Modeled on gVisor's own pool.Pool, used in subprocess.go to
// hand out sysmsgStackID values (s.sysmsgStackPool.Get() /
// s.sysmsgStackPool.Put... below Release) from a bounded range without
// ever reusing a live index.
package pool

import "sync"

// Pool allocates dense uint64 identifiers in [Start, Limit).
type Pool struct {
	Start uint64
	Limit uint64

	mu   sync.Mutex
	next uint64
	free []uint64
}

// Get returns a free identifier, or false if the pool is exhausted.
func (p *Pool) Get() (uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		return id, true
	}
	if p.next == 0 {
		p.next = p.Start
	}
	if p.next >= p.Limit {
		return 0, false
	}
	id := p.next
	p.next++
	return id, true
}

// Put returns an identifier to the pool for reuse.
func (p *Pool) Put(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, id)
}

// InUse reports the number of identifiers currently checked out.
func (p *Pool) InUse() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := p.next - p.Start
	return total - uint64(len(p.free))
}
