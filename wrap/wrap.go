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

// Package wrap implements the function wrap/replace layer: deterministic pre/post callbacks around application
// functions, unwind-aware via a per-thread wrap-stack checked on every
// cache exit.
package wrap

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/dynamorio/core/arch"
	"github.com/dynamorio/core/thread"
)

// PreContext is what a pre-callback may observe and mutate ("get_arg(i), set_arg(i, v), get_mcontext(), set_mcontext(),
// get_retaddr(), skip_call(...)").
type PreContext struct {
	regs    *arch.Registers
	retAddr arch.PC
	argRegs []int // architectural register indices holding args 0..N-1, platform-ABI order

	skip       bool
	skipRetval uint64
}

// GetArg reads argument i from wherever the calling convention currently
// holds it.
func (p *PreContext) GetArg(i int) (uint64, error) {
	if i < 0 || i >= len(p.argRegs) {
		return 0, fmt.Errorf("wrap: arg index %d out of range", i)
	}
	return p.regs.Reg(p.argRegs[i]), nil
}

// SetArg overwrites argument i so the wrapped function observes the new
// value at execution, even though decode already saw the original
// value.
func (p *PreContext) SetArg(i int, v uint64) error {
	if i < 0 || i >= len(p.argRegs) {
		return fmt.Errorf("wrap: arg index %d out of range", i)
	}
	p.regs.SetReg(p.argRegs[i], v)
	return nil
}

// GetMContext returns the full machine context visible to the callback.
func (p *PreContext) GetMContext() arch.Registers { return *p.regs }

// SetMContext overwrites the machine context wholesale.
func (p *PreContext) SetMContext(r arch.Registers) { *p.regs = r }

// GetRetAddr returns the address the wrapped function will return to.
func (p *PreContext) GetRetAddr() arch.PC { return p.retAddr }

// SkipCall marks the current frame to bypass the wrapped function's
// body entirely: the engine redirects straight to the caller's return
// address with retval already set, and the post-callback is never
// invoked.
func (p *PreContext) SkipCall(retval uint64) {
	p.skip = true
	p.skipRetval = retval
}

// PostContext is what a post-callback may observe and mutate ("get_retval(), set_retval(v), get_mcontext(), set_mcontext(),
// and a flag indicating ... abnormal unwind").
type PostContext struct {
	regs       *arch.Registers
	retvalReg  int
	abnormal   bool
	misuse     bool // set if the callback called SetRetval on an abnormal-unwind frame
}

// GetRetval reads the function's return value. Returns the zero value
// and false if called on an abnormal-unwind frame, where no
// retval was ever produced ("retval not queryable").
func (p *PostContext) GetRetval() (uint64, bool) {
	if p.abnormal {
		return 0, false
	}
	return p.regs.Reg(p.retvalReg), true
}

// SetRetval overwrites the function's return value, ignored (and
// flagged, not fatal) on an abnormal-unwind frame.
func (p *PostContext) SetRetval(v uint64) {
	if p.abnormal {
		p.misuse = true
		return
	}
	p.regs.SetReg(p.retvalReg, v)
}

// GetMContext returns the current machine context.
func (p *PostContext) GetMContext() arch.Registers { return *p.regs }

// SetMContext overwrites the machine context wholesale.
func (p *PostContext) SetMContext(r arch.Registers) { *p.regs = r }

// Abnormal reports whether this invocation resulted from a detected
// nonlocal exit rather than a normal return.
func (p *PostContext) Abnormal() bool { return p.abnormal }

// Misused reports whether the callback attempted an operation invalid
// for its invocation kind.
func (p *PostContext) Misused() bool { return p.misuse }

// PreCallback runs before the wrapped function's body.
type PreCallback func(ctx *PreContext, userDatum any)

// PostCallback runs after the wrapped function returns, or on detected
// abnormal unwind.
type PostCallback func(ctx *PostContext, userDatum any)

// Flags modify one Wrap registration's behavior.
type Flags uint8

const (
	// FlagSkipFramesOnDetach is stored with the registration but not
	// consulted: DrainAbnormal and CheckUnwind invoke every non-skipped
	// frame's post-callback abnormally whether or not it is set.
	FlagSkipFramesOnDetach Flags = 1 << iota
)

// registration is one Wrap() or Replace() record for an address.
type registration struct {
	pre       PreCallback
	post      PostCallback
	userDatum any
	flags     Flags
}

// Manager owns all wrap/replace registrations and every thread's
// wrap-stack.
type Manager struct {
	log *logrus.Entry

	mu           sync.RWMutex
	replacements map[arch.PC]arch.PC // orig -> repl
	wraps        map[arch.PC][]*registration

	argRegsABI []int // default architectural arg-register indices
	retvalReg  int
}

// New constructs a Manager. argRegsABI and retvalReg describe the
// calling convention's register assignment.
func New(argRegsABI []int, retvalReg int, log *logrus.Entry) *Manager {
	return &Manager{
		log:          log,
		replacements: map[arch.PC]arch.PC{},
		wraps:        map[arch.PC][]*registration{},
		argRegsABI:   argRegsABI,
		retvalReg:    retvalReg,
	}
}

// Replace installs an atomic redirection so that executing orig jumps
// to repl instead. A second call on the same orig fails
// unless override is set. Passing a zero repl with override removes the
// replacement, restoring native execution of orig.
func (m *Manager) Replace(orig, repl arch.PC, override bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.replacements[orig]; exists && !override {
		return fmt.Errorf("wrap: %#x already replaced (pass override to force)", orig)
	}
	if repl == 0 {
		delete(m.replacements, orig)
		return nil
	}
	m.replacements[orig] = repl
	return nil
}

// ReplacementFor reports the redirection target for pc, if any. The
// builder consults this while mangling a block's entry.
func (m *Manager) ReplacementFor(pc arch.PC) (arch.PC, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.replacements[pc]
	return r, ok
}

// Wrap registers a pre/post pair for orig. Multiple
// wraps on the same address are ordered: registration order defines the
// pre-call order, and the reverse order defines the post-call order
// (the last registration runs innermost: its pre runs last and its
// post first).
func (m *Manager) Wrap(orig arch.PC, pre PreCallback, post PostCallback, flags Flags, userDatum any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.wraps[orig] = append(m.wraps[orig], &registration{pre: pre, post: post, userDatum: userDatum, flags: flags})
}

// Unwrap removes one previously registered pre/post pair, matched by
// function identity ("wrap(f,a,b) followed by
// unwrap(f,a,b) is observationally a no-op").
func (m *Manager) Unwrap(orig arch.PC, pre PreCallback, post PostCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	regs := m.wraps[orig]
	for i, r := range regs {
		if sameFunc(r.pre, pre) && sameFunc(r.post, post) {
			m.wraps[orig] = append(regs[:i], regs[i+1:]...)
			return
		}
	}
}

func sameFunc(a, b any) bool {
	return fmt.Sprintf("%p", a) == fmt.Sprintf("%p", b)
}

// RetvalReg reports the architectural register index holding a
// function's return value, as configured at construction. Dispatch
// consults this to install a skipped call's return value directly,
// since SkipCall itself only records it.
func (m *Manager) RetvalReg() int { return m.retvalReg }

// WrappedAt reports the ordered registrations for orig, outermost
// (earliest-registered) first, or ok=false if orig has no wraps.
func (m *Manager) WrappedAt(orig arch.PC) (regs []*registration, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.wraps[orig]
	return r, ok && len(r) > 0
}

// frame is one pushed entry on a thread's wrap-stack ("{return-address,
// stack-pointer-watermark, user-datum, list-of-post-callbacks}").
type frame struct {
	returnAddr arch.PC
	watermark  uintptr // stack pointer at entry; stack grows downward
	reg        *registration
	userDatum  any
	skipped    bool
	skipRetval uint64
}

// Stack is the per-thread wrap-stack. Stored via
// thread.Context.WrapStack as an opaque handle.
type Stack struct {
	mgr    *Manager
	mu     sync.Mutex
	frames []frame
}

// NewStack constructs an empty wrap-stack for one thread.
func NewStack(mgr *Manager) *Stack { return &Stack{mgr: mgr} }

// StackOf type-asserts tc's opaque WrapStack handle, lazily installing
// one if absent.
func StackOf(tc *thread.Context, mgr *Manager) *Stack {
	if s, ok := tc.WrapStack.(*Stack); ok {
		return s
	}
	s := NewStack(mgr)
	tc.WrapStack = s
	return s
}

// Enter is called by dispatch when execution reaches a wrapped
// function's entry: it runs every registered pre-callback, in registration
// order, pushing one frame per registration, and reports whether any
// callback invoked SkipCall (in which case execution must redirect
// straight to returnAddr with retval already set in regs).
func (s *Stack) Enter(orig, returnAddr arch.PC, sp uintptr, regs *arch.Registers) (skip bool, skipRetval uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	regList, ok := s.mgr.WrappedAt(orig)
	if !ok {
		return false, 0
	}
	for _, r := range regList {
		pctx := &PreContext{regs: regs, retAddr: returnAddr, argRegs: s.mgr.argRegsABI}
		if r.pre != nil {
			r.pre(pctx, r.userDatum)
		}
		f := frame{returnAddr: returnAddr, watermark: sp, reg: r, userDatum: r.userDatum}
		if pctx.skip {
			f.skipped = true
			f.skipRetval = pctx.skipRetval
			s.frames = append(s.frames, f)
			return true, pctx.skipRetval
		}
		s.frames = append(s.frames, f)
	}
	return false, 0
}

// Exit is called when a wrapped function returns normally: it pops
// frames for orig's invocation (innermost-registered's post fires
// first, the mirror image of Enter's forward pre order) and runs each
// post-callback with abnormal=false.
func (s *Stack) Exit(returnAddr arch.PC, regs *arch.Registers) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.frames) > 0 {
		top := s.frames[len(s.frames)-1]
		if top.returnAddr != returnAddr {
			break
		}
		s.frames = s.frames[:len(s.frames)-1]
		if top.skipped {
			continue // post-callback is never invoked after skip_call
		}
		if top.reg.post != nil {
			top.reg.post(&PostContext{regs: regs, retvalReg: s.mgr.retvalReg}, top.userDatum)
		}
	}
}

// CheckUnwind is called on every cache exit ("On every
// cache exit, the engine checks whether the thread's current stack
// pointer is above ... any watermark on the wrap-stack"). currentSP is
// the thread's current application stack pointer; stacks are assumed
// to grow downward. Any frame whose
// watermark lies below currentSP has been bypassed by a nonlocal exit
// and its post-callback fires here with an abnormal, register-less
// context, preserving the "every pre paired with exactly one post"
// invariant.
func (s *Stack) CheckUnwind(currentSP uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.frames) > 0 {
		top := s.frames[len(s.frames)-1]
		if top.watermark >= currentSP {
			break
		}
		s.frames = s.frames[:len(s.frames)-1]
		if top.skipped {
			continue
		}
		if top.reg.post != nil {
			top.reg.post(&PostContext{regs: nil, retvalReg: s.mgr.retvalReg, abnormal: true}, top.userDatum)
		}
	}
}

// DrainAbnormal force-pops every remaining frame, invoking each
// post-callback abnormally, without reference to any stack pointer.
// A detach must not leave dangling unmatched pre-callbacks, so it
// force-drains the wrap-stack exactly as if every remaining frame had
// been bypassed by a nonlocal exit.
func (s *Stack) DrainAbnormal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.frames) > 0 {
		top := s.frames[len(s.frames)-1]
		s.frames = s.frames[:len(s.frames)-1]
		if top.skipped {
			continue
		}
		if top.reg.post != nil {
			top.reg.post(&PostContext{regs: nil, retvalReg: s.mgr.retvalReg, abnormal: true}, top.userDatum)
		}
	}
}

// Depth reports the number of active frames (test/debug convenience,
// to confirm the wrap-stack is empty on exit).
func (s *Stack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}
