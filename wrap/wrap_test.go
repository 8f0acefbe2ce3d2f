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

package wrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamorio/core/arch"
)

const (
	argReg0   = 0
	retvalReg = 1
)

func newRegs(arg0 uint64) arch.Registers {
	var r arch.Registers
	r.SetReg(argReg0, arg0)
	return r
}

// TestWrap_PreSetArgPostSetRetval checks that a pre-callback rewrites
// an argument before execution and a post-callback rewrites the
// observed return value.
func TestWrap_PreSetArgPostSetRetval(t *testing.T) {
	mgr := New([]int{argReg0}, retvalReg, nil)
	stack := NewStack(mgr)

	var sawArg uint64
	mgr.Wrap(0x100,
		func(ctx *PreContext, _ any) {
			v, err := ctx.GetArg(0)
			require.NoError(t, err)
			sawArg = v
			require.NoError(t, ctx.SetArg(0, 42))
		},
		func(ctx *PostContext, _ any) {
			ctx.SetRetval(^uint64(0) - 3) // -4 as unsigned
		},
		0, nil,
	)

	regs := newRegs(37)
	skip, _ := stack.Enter(0x100, 0x200, 0x7000, &regs)
	require.False(t, skip)
	assert.Equal(t, uint64(37), sawArg, "pre sees the original argument at decode time")
	assert.Equal(t, uint64(42), regs.Reg(argReg0), "execution observes the rewritten argument")

	stack.Exit(0x200, &regs)
	assert.Equal(t, ^uint64(0)-3, regs.Reg(retvalReg))
	assert.Equal(t, 0, stack.Depth())
}

// TestWrap_SkipCallBypassesBodyAndPost checks that SkipCall bypasses
// both the wrapped function's body and its post-callback.
func TestWrap_SkipCallBypassesBodyAndPost(t *testing.T) {
	mgr := New([]int{argReg0}, retvalReg, nil)
	stack := NewStack(mgr)

	postCalled := false
	mgr.Wrap(0x100,
		func(ctx *PreContext, _ any) { ctx.SkipCall(7) },
		func(*PostContext, any) { postCalled = true },
		0, nil,
	)

	regs := newRegs(0)
	skip, retval := stack.Enter(0x100, 0x200, 0x7000, &regs)
	assert.True(t, skip)
	assert.Equal(t, uint64(7), retval)

	stack.Exit(0x200, &regs)
	assert.False(t, postCalled, "post-callback must not run after skip_call")
	assert.Equal(t, 0, stack.Depth())
}

// TestWrap_AbnormalUnwindFiresAllPendingPosts checks that a
// nonlocal exit bypasses several frames, and CheckUnwind must invoke
// each bypassed post-callback exactly once, with the abnormal flag set.
func TestWrap_AbnormalUnwindFiresAllPendingPosts(t *testing.T) {
	mgr := New([]int{argReg0}, retvalReg, nil)
	stack := NewStack(mgr)

	var posts []string
	mkPost := func(name string) PostCallback {
		return func(ctx *PostContext, _ any) {
			require.True(t, ctx.Abnormal())
			_, queryable := ctx.GetRetval()
			assert.False(t, queryable)
			posts = append(posts, name)
		}
	}
	names := []string{"long0", "long1", "long2", "long3"}
	for i, name := range names {
		mgr.Wrap(arch.PC(0x400+i), nil, mkPost(name), 0, nil)
	}

	regs := newRegs(0)
	// Enter long0..long3 each at a progressively lower (deeper) stack
	// pointer, as a real downward-growing-stack call chain would.
	sps := []uintptr{0x7f00, 0x7e00, 0x7d00, 0x7c00}
	for i := range names {
		skip, _ := stack.Enter(arch.PC(0x400+i), arch.PC(0x300+i), sps[i], &regs)
		require.False(t, skip)
	}
	require.Equal(t, 4, stack.Depth())

	// long3 longjmps past long2/long1's frames directly to a point whose
	// stack pointer sits above (numerically greater than, for a
	// downward-growing stack) long1 and long2's watermarks, but at or
	// below long0's.
	stack.CheckUnwind(0x7e80)

	assert.Equal(t, []string{"long3", "long2", "long1"}, posts, "innermost-first unwind order")
	assert.Equal(t, 1, stack.Depth(), "long0's frame survives the unwind")
}

func TestWrap_MultipleWrapsOrderPreForwardPostReverse(t *testing.T) {
	mgr := New([]int{argReg0}, retvalReg, nil)
	stack := NewStack(mgr)

	var order []string
	mgr.Wrap(0x100, func(*PreContext, any) { order = append(order, "pre-A") }, func(*PostContext, any) { order = append(order, "post-A") }, 0, nil)
	mgr.Wrap(0x100, func(*PreContext, any) { order = append(order, "pre-B") }, func(*PostContext, any) { order = append(order, "post-B") }, 0, nil)

	regs := newRegs(0)
	stack.Enter(0x100, 0x200, 0x7000, &regs)
	stack.Exit(0x200, &regs)

	assert.Equal(t, []string{"pre-A", "pre-B", "post-B", "post-A"}, order)
}

func TestManager_ReplaceRejectsSecondWithoutOverride(t *testing.T) {
	mgr := New(nil, 0, nil)
	require.NoError(t, mgr.Replace(0x10, 0x20, false))
	assert.Error(t, mgr.Replace(0x10, 0x30, false))
	require.NoError(t, mgr.Replace(0x10, 0x30, true))

	target, ok := mgr.ReplacementFor(0x10)
	require.True(t, ok)
	assert.Equal(t, arch.PC(0x30), target)
}

func TestManager_ReplaceZeroWithOverrideRestoresNative(t *testing.T) {
	mgr := New(nil, 0, nil)
	require.NoError(t, mgr.Replace(0x10, 0x20, false))
	require.NoError(t, mgr.Replace(0x10, 0, true))
	_, ok := mgr.ReplacementFor(0x10)
	assert.False(t, ok)
}
