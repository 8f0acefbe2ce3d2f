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

// Package linker patches direct branches between fragments and
// maintains incoming-link lists for unlink/flush.
//
// The actual mutable state (an Exit's target, a Fragment's incoming
// link list) lives on cache.Fragment; this package is the policy layer
// that knows the ordering rules ("record the incoming link before
// exposing the forward link", "unlink incoming before evicting") and
// presents them as two operations: Link and the bulk UnlinkIncoming
// used by eviction.
package linker

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dynamorio/core/cache"
)

// Linker coordinates Fragment.LinkExit/UnlinkExit with the
// incoming-link bookkeeping that makes unlink-before-evict possible.
type Linker struct {
	lookup func(id cache.FragmentID) (*cache.Fragment, bool)
	log    *logrus.Entry
}

// New constructs a Linker. lookup resolves a fragment ID to its live
// Fragment, typically cache.CodeCache.Lookup.
func New(lookup func(id cache.FragmentID) (*cache.Fragment, bool), log *logrus.Entry) *Linker {
	return &Linker{lookup: lookup, log: log}
}

// Link atomically rewrites exit e of fragment from to point at the
// head of fragment to, and records the corresponding incoming link on
// to ("Link(F, exit e, G)").
//
// The incoming link is recorded before the exit is flipped so that any
// concurrent eviction of `to` that walks its incoming-link list after
// the exit becomes visible will still find (and unlink) this edge —
// never the reverse order, which could let an evicted fragment's
// incoming list miss an edge that already points at freed memory.
func (l *Linker) Link(from *cache.Fragment, exitIndex int, to *cache.Fragment) error {
	if exitIndex < 0 || exitIndex >= len(from.Exits) {
		return fmt.Errorf("linker: exit index %d out of range for fragment %d", exitIndex, from.ID)
	}
	to.AddIncomingLink(cache.IncomingLink{Source: from.ID, ExitIndex: exitIndex})
	from.LinkExit(exitIndex, to.ID)
	return nil
}

// UnlinkIncoming walks target's incoming-link list and atomically
// restores every referencing exit to the dispatch stub. Used ahead of eviction
// and for explicit flush.
//
// A racing thread executing `from`'s exit concurrently with this call
// either takes the old (still-linked) or new (stub) target; both are
// valid .4 — the stub route simply costs a dispatch
// round-trip instead of a direct branch.
func (l *Linker) UnlinkIncoming(target *cache.Fragment) {
	links := target.IncomingLinks()
	for _, link := range links {
		src, ok := l.lookup(link.Source)
		if !ok {
			// Source fragment is already gone; nothing to unlink.
			continue
		}
		if link.ExitIndex < 0 || link.ExitIndex >= len(src.Exits) {
			continue
		}
		src.UnlinkExit(link.ExitIndex)
		target.RemoveIncomingLink(link)
		if l.log != nil {
			l.log.Debugf("linker: unlinked %d exit %d -> %d", src.ID, link.ExitIndex, target.ID)
		}
	}
}
