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

// Package translate implements the per-fragment translation table: the
// inverse map from a cache PC and live register snapshot back to an
// application PC and application register values.
//
// The table is a sorted list of intervals keyed by cache offset, where
// a binary search finds the enclosing interval. That is also exactly
// what github.com/google/btree is for — an ordered in-memory index
// supporting enclosing-range lookup via Descend-from-key — and it is
// gVisor's own direct dependency (see its go.mod), so it is used here
// instead of a hand-rolled sorted slice + sort.Search.
package translate

import (
	"fmt"

	"github.com/google/btree"

	"github.com/dynamorio/core/arch"
)

// RecipeOp says, for one architectural register, where its application
// value currently lives ("The recipe enumerates which
// machine registers currently hold spilled application state and where
// to find them").
type RecipeOp int

const (
	// RecipeInRegister: the application value is still in the same
	// machine register at this cache PC.
	RecipeInRegister RecipeOp = iota
	// RecipeInSpillSlot: the application value was spilled to a known
	// per-thread spill slot.
	RecipeInSpillSlot
	// RecipeConstant: the application value is a compile-time constant
	// (e.g. a register that mangling never disturbed is its own value;
	// this op covers values synthesized by mangling, like a pushed
	// return address).
	RecipeConstant
)

// RegisterRecipe says how to reconstruct one architectural register's
// application-visible value.
type RegisterRecipe struct {
	Op        RecipeOp
	SrcReg    int   // valid for RecipeInRegister
	SpillSlot int   // valid for RecipeInSpillSlot
	Constant  uint64 // valid for RecipeConstant
}

// Restartable marks whether the interval's lower bound is a safe point
// to resume execution from after a translation.
type Entry struct {
	CacheOffsetStart int
	CacheOffsetEnd   int // exclusive
	AppOffset        arch.PC
	Recipe           []RegisterRecipe
	Restartable      bool
}

func (e Entry) contains(off int) bool { return off >= e.CacheOffsetStart && off < e.CacheOffsetEnd }

// Table is one fragment's translation table: a btree of non-overlapping
// Entry intervals ordered by CacheOffsetStart.
type Table struct {
	tree *btree.BTreeG[Entry]
}

func less(a, b Entry) bool { return a.CacheOffsetStart < b.CacheOffsetStart }

// New constructs an empty translation table.
func New() *Table {
	return &Table{tree: btree.NewG(32, less)}
}

// Add inserts an interval. Entries must not overlap; callers build the
// table in cache-offset order during fragment emission ("Build the translation table in parallel to emission").
func (t *Table) Add(e Entry) {
	t.tree.ReplaceOrInsert(e)
}

// Lookup finds the entry enclosing cacheOffset via the btree
// equivalent of a binary search: descend from the greatest key <=
// cacheOffset and check containment.
func (t *Table) Lookup(cacheOffset int) (Entry, bool) {
	var found Entry
	ok := false
	t.tree.DescendLessOrEqual(Entry{CacheOffsetStart: cacheOffset}, func(e Entry) bool {
		if e.contains(cacheOffset) {
			found, ok = e, true
		}
		return false // only need the first (greatest-key) candidate
	})
	return found, ok
}

// Translate reconstructs the application PC and per-register recipe for
// a cache PC, or reports ErrNotRestartable if the offset falls inside a
// non-restartable mangling sequence and no restartable boundary is
// recorded for it.
func (t *Table) Translate(cacheOffset int) (arch.PC, []RegisterRecipe, error) {
	e, ok := t.Lookup(cacheOffset)
	if !ok {
		return 0, nil, fmt.Errorf("translate: no entry covers cache offset %d", cacheOffset)
	}
	if !e.Restartable && cacheOffset != e.CacheOffsetStart {
		return 0, nil, ErrNotRestartable
	}
	return e.AppOffset, e.Recipe, nil
}

// ErrNotRestartable is returned by Translate when a cache PC falls
// inside an un-restartable mangling sequence with no recorded boundary
// to advance/rewind to.
var ErrNotRestartable = fmt.Errorf("translate: cache pc inside non-restartable region")

// Len reports the number of intervals (test/debug convenience).
func (t *Table) Len() int { return t.tree.Len() }
