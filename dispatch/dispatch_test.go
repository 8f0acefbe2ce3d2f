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

package dispatch

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamorio/core/arch"
	"github.com/dynamorio/core/builder"
	"github.com/dynamorio/core/cache"
	"github.com/dynamorio/core/fragtable"
	"github.com/dynamorio/core/ibl"
	"github.com/dynamorio/core/linker"
	"github.com/dynamorio/core/thread"
	"github.com/dynamorio/core/trace"
	"github.com/dynamorio/core/wrap"
)

type constReader struct{ bytes []byte }

func (r constReader) ReadAt(pc arch.PC, buf []byte) (int, error) {
	n := copy(buf, r.bytes)
	return n, nil
}

type retDecoder struct{}

func (retDecoder) Decode(data []byte, pc arch.PC) (arch.Instruction, error) {
	return arch.Instruction{PC: pc, Length: 1, Class: arch.ClassReturn, Raw: []byte{0xc3}}, nil
}
func (retDecoder) Encode(instr arch.Instruction, dst []byte) (int, error) {
	return copy(dst, instr.Raw), nil
}

func newTestLoop(t *testing.T) (*Loop, *cache.CodeCache) {
	t.Helper()
	c := cache.New(nil, nil)
	c.SetBudget(cache.PartitionPrivate, cache.Budget{UnitSize: 4096, MaxUnits: 4, HighWatermark: 0.9})
	b := builder.New(retDecoder{}, constReader{bytes: []byte{0xc3}}, nil, c, nil, nil)
	shared := fragtable.NewShared(16)
	sharedIBL := ibl.New(16, true)
	return New(c, shared, sharedIBL, nil, b, nil, nil, nil, nil, nil), c
}

func newTestContext(id thread.ID) *thread.Context {
	mgr := thread.NewManager(16, 16, nil)
	tc, err := mgr.Birth(id)
	if err != nil {
		panic(err)
	}
	return tc
}

func TestLoop_StepBuildsAndCachesFragment(t *testing.T) {
	l, c := newTestLoop(t)
	tc := newTestContext(1)

	_, err := l.Step(tc, arch.PC(0x1000))
	require.NoError(t, err)
	assert.Equal(t, 1, c.FragmentCount())

	// Second visit to the same tag must hit the private table, not build
	// a second fragment.
	_, err = l.Step(tc, arch.PC(0x1000))
	require.NoError(t, err)
	assert.Equal(t, 1, c.FragmentCount())
}

func TestLoop_StepRejectsRecursiveReentry(t *testing.T) {
	l, _ := newTestLoop(t)
	tc := newTestContext(2)
	l.reentrant[tc.ID] = true

	_, err := l.Step(tc, arch.PC(0x1000))
	assert.Error(t, err)
}

type erroringDrainer struct{ err error }

func (d erroringDrainer) Drain(*thread.Context) error { return d.err }

func TestLoop_StepPropagatesDrainError(t *testing.T) {
	c := cache.New(nil, nil)
	b := builder.New(retDecoder{}, constReader{bytes: []byte{0xc3}}, nil, c, nil, nil)
	l := New(c, fragtable.NewShared(16), ibl.New(16, true), nil, b, nil, erroringDrainer{err: errors.New("boom")}, nil, nil, nil)
	tc := newTestContext(3)

	_, err := l.Step(tc, arch.PC(0x2000))
	assert.Error(t, err)
}

func TestLoop_ObserveHitPromotesAfterThreshold(t *testing.T) {
	l, _ := newTestLoop(t)
	l.TraceThreshold = 3
	tc := newTestContext(4)

	for i := 0; i < 3; i++ {
		_, err := l.Step(tc, arch.PC(0x3000))
		require.NoError(t, err)
	}

	h, ok := l.HeadFor(arch.PC(0x3000))
	require.True(t, ok)
	assert.NotEqual(t, trace.StateCold, h.State()) // advanced out of cold
}

// scriptedDecoder decodes exactly the one instruction configured for
// each PC, letting a test script a multi-block control-flow graph.
type scriptedDecoder struct{ at map[arch.PC]arch.Instruction }

func (d scriptedDecoder) Decode(data []byte, pc arch.PC) (arch.Instruction, error) {
	instr, ok := d.at[pc]
	if !ok {
		return arch.Instruction{}, errors.New("scriptedDecoder: no instruction at pc")
	}
	instr.PC = pc
	return instr, nil
}
func (scriptedDecoder) Encode(instr arch.Instruction, dst []byte) (int, error) {
	return copy(dst, instr.Raw), nil
}

// fakeSwitcher returns a scripted sequence of exit PCs, one per call,
// optionally mutating the stack pointer first to simulate a nonlocal
// exit having already unwound past a wrap-stack watermark.
type fakeSwitcher struct {
	exits []arch.PC
	i     int
	setSP uintptr
}

func (s *fakeSwitcher) Enter(tc *thread.Context, f *cache.Fragment) (arch.PC, bool, error) {
	if s.setSP != 0 {
		tc.Spill.SetStackPointer(s.setSP)
	}
	pc := s.exits[s.i]
	if s.i < len(s.exits)-1 {
		s.i++
	}
	return pc, false, nil
}

func newLinkingLoop(t *testing.T, sw ContextSwitcher) (*Loop, *cache.CodeCache) {
	t.Helper()
	c := cache.New(nil, nil)
	c.SetBudget(cache.PartitionPrivate, cache.Budget{UnitSize: 4096, MaxUnits: 4, HighWatermark: 0.9})
	decoder := scriptedDecoder{at: map[arch.PC]arch.Instruction{
		0x1000: {Length: 1, Class: arch.ClassDirectBranch, Target: arch.PC(0x2000), Raw: []byte{0xeb}},
		0x2000: {Length: 1, Class: arch.ClassReturn, Raw: []byte{0xc3}},
		0x5000: {Length: 1, Class: arch.ClassIndirectBranch, Raw: []byte{0xff}},
		0x6000: {Length: 1, Class: arch.ClassReturn, Raw: []byte{0xc3}},
	}}
	b := builder.New(decoder, constReader{bytes: []byte{0x90}}, nil, c, nil, nil)
	l := linker.New(c.Lookup, nil)
	loop := New(c, fragtable.NewShared(16), ibl.New(16, true), l, b, sw, nil, nil, nil, nil)
	return loop, c
}

func TestLoop_DirectExitGetsLinkedOnceTargetIsBuilt(t *testing.T) {
	loop, c := newLinkingLoop(t, &fakeSwitcher{exits: []arch.PC{0x2000}})
	tc := newTestContext(10)

	next, err := loop.Step(tc, arch.PC(0x1000))
	require.NoError(t, err)
	assert.Equal(t, arch.PC(0x2000), next)

	f1, ok := c.Lookup(tc.LastFragment)
	require.True(t, ok)
	assert.Equal(t, cache.ExitUnlinked, f1.Exits[0].State())

	_, err = loop.Step(tc, next)
	require.NoError(t, err)

	assert.Equal(t, cache.ExitLinkedToFragment, f1.Exits[0].State(), "the first visit to the direct branch's target links the exit")
}

func TestLoop_IndirectExitInsertsIntoPrivateIBL(t *testing.T) {
	loop, c := newLinkingLoop(t, &fakeSwitcher{exits: []arch.PC{0x6000}})
	tc := newTestContext(11)

	_, err := loop.Step(tc, arch.PC(0x5000))
	require.NoError(t, err)
	_, err = loop.Step(tc, arch.PC(0x6000))
	require.NoError(t, err)

	id, ok := tc.PrivateIBL.Probe(arch.PC(0x6000))
	require.True(t, ok, "the indirect exit's dynamically resolved target is recorded in the private IBL")
	f, ok := c.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, arch.PC(0x6000), f.Tag)

	before := c.FragmentCount()
	_, err = loop.Step(tc, arch.PC(0x6000))
	require.NoError(t, err)
	assert.Equal(t, before, c.FragmentCount(), "a later hit resolves through the IBL/fragment table rather than rebuilding")
}

func TestLoop_WrapSkipCallRedirectsToReturnAddress(t *testing.T) {
	c := cache.New(nil, nil)
	c.SetBudget(cache.PartitionPrivate, cache.Budget{UnitSize: 4096, MaxUnits: 4, HighWatermark: 0.9})
	b := builder.New(retDecoder{}, constReader{bytes: []byte{0xc3}}, nil, c, nil, nil)

	mgr := wrap.New([]int{0}, 0, nil)
	const wrapped = arch.PC(0x7000)
	const retAddr = arch.PC(0x8000)
	mgr.Wrap(wrapped, func(ctx *wrap.PreContext, _ any) {
		ctx.SkipCall(42)
	}, nil, 0, nil)

	var retBuf [8]byte
	binary.LittleEndian.PutUint64(retBuf[:], uint64(retAddr))
	reader := constReader{bytes: retBuf[:]}

	loop := New(c, fragtable.NewShared(16), ibl.New(16, true), nil, b, nil, nil, mgr, reader, nil)
	tc := newTestContext(12)

	next, err := loop.Step(tc, wrapped)
	require.NoError(t, err)
	assert.Equal(t, retAddr, next, "a pre-callback's SkipCall redirects straight to the return address")
	assert.Equal(t, uint64(42), tc.Spill.Reg(0), "the skip retval is installed in the ABI's return register")
}

func TestLoop_CheckUnwindFiresPostCallbackOnNonlocalExit(t *testing.T) {
	// exitPC (0x9999) deliberately does not match the pushed frame's
	// return address (0x3000), so Stack.Exit's exact-match pop cannot
	// fire; only CheckUnwind's watermark comparison should.
	loop, _ := newLinkingLoop(t, &fakeSwitcher{exits: []arch.PC{0x9999}, setSP: 0x200})

	mgr := wrap.New(nil, 0, nil)
	loop.wrap = mgr
	posted := false
	mgr.Wrap(arch.PC(0x1000), nil, func(ctx *wrap.PostContext, _ any) {
		posted = true
		assert.True(t, ctx.Abnormal())
	}, 0, nil)

	tc := newTestContext(13)
	stack := wrap.NewStack(mgr)
	// Simulate a pre-existing frame pushed at a stack depth (watermark
	// 0x100) that the upcoming cache exit's stack pointer (0x200) has
	// already unwound past, as a longjmp or exception unwind would
	// leave it.
	stack.Enter(arch.PC(0x1000), arch.PC(0x3000), 0x100, &tc.Spill)
	tc.WrapStack = stack

	_, err := loop.Step(tc, arch.PC(0x1000))
	require.NoError(t, err)

	assert.True(t, posted, "CheckUnwind runs on every cache exit and fires the bypassed post-callback")
	assert.Equal(t, 0, stack.Depth())
}
