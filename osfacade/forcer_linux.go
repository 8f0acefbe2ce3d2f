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

//go:build linux && amd64

package osfacade

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/dynamorio/core/arch"
	"github.com/dynamorio/core/thread"
	"github.com/dynamorio/core/translate"
)

// PtraceForcer implements synchall.Forcer (declared in package synchall;
// satisfied here structurally to avoid a linux-only package depending
// back on synchall) using direct PTRACE_SEIZE/INTERRUPT/GETREGS/SETREGS
// calls, the same primitive sequence gVisor's systrap subprocess.go uses
// to attach to and control its stub threads (thread.attach/detach/getRegs
// in subprocess.go), adapted here from "trace a fresh stub thread from
// birth" to "suspend an already-running engine thread on demand".
type PtraceForcer struct {
	// tidOf resolves an engine thread.ID to its OS tid, since thread.ID
	// here is an engine-assigned identifier, not necessarily the kernel
	// tid.
	tidOf func(thread.ID) (tid int32, ok bool)
}

// NewPtraceForcer constructs a PtraceForcer.
func NewPtraceForcer(tidOf func(thread.ID) (int32, bool)) *PtraceForcer {
	return &PtraceForcer{tidOf: tidOf}
}

// Suspend stops id at the OS level via PTRACE_SEIZE+PTRACE_INTERRUPT
// (the non-signal-generating equivalent of PTRACE_ATTACH, chosen
// because SEIZE does not inject a spurious SIGSTOP into the tracee's
// signal stream) and returns its current PC.
func (p *PtraceForcer) Suspend(id thread.ID) (uintptr, error) {
	tid, ok := p.tidOf(id)
	if !ok {
		return 0, fmt.Errorf("osfacade: no OS tid for thread %d", id)
	}
	if err := unix.PtraceSeize(int(tid)); err != nil {
		return 0, fmt.Errorf("osfacade: ptrace seize %d: %w", tid, err)
	}
	if err := unix.PtraceInterrupt(int(tid)); err != nil {
		return 0, fmt.Errorf("osfacade: ptrace interrupt %d: %w", tid, err)
	}
	var status unix.WaitStatus
	if _, err := unix.Wait4(int(tid), &status, 0, nil); err != nil {
		return 0, fmt.Errorf("osfacade: wait4 %d: %w", tid, err)
	}
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(int(tid), &regs); err != nil {
		return 0, fmt.Errorf("osfacade: ptrace getregs %d: %w", tid, err)
	}
	return uintptr(regsPC(&regs)), nil
}

// TranslateAndPark rewrites the suspended thread's saved PC to the
// translated application PC (register recipes are not applied; see
// applyRecipe) and either resumes it there
// (forDetach) or leaves it parked, suspended, at that PC for the
// caller to resume at a stable engine routine instead.
func (p *PtraceForcer) TranslateAndPark(id thread.ID, entry translate.Entry, forDetach bool) error {
	tid, ok := p.tidOf(id)
	if !ok {
		return fmt.Errorf("osfacade: no OS tid for thread %d", id)
	}
	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(int(tid), &regs); err != nil {
		return fmt.Errorf("osfacade: ptrace getregs %d: %w", tid, err)
	}
	setRegsPC(&regs, uint64(entry.AppOffset))
	applyRecipe(&regs, entry.Recipe)
	if err := unix.PtraceSetRegs(int(tid), &regs); err != nil {
		return fmt.Errorf("osfacade: ptrace setregs %d: %w", tid, err)
	}
	if forDetach {
		if err := unix.PtraceDetach(int(tid)); err != nil {
			return fmt.Errorf("osfacade: ptrace detach %d: %w", tid, err)
		}
	}
	return nil
}

// Resume lets a previously-suspended thread continue (PTRACE_CONT,
// mirroring systrap's thread.syscall's own PTRACE_CONT call after a
// trap).
func (p *PtraceForcer) Resume(id thread.ID) error {
	tid, ok := p.tidOf(id)
	if !ok {
		return fmt.Errorf("osfacade: no OS tid for thread %d", id)
	}
	if err := unix.PtraceCont(int(tid), 0); err != nil {
		return fmt.Errorf("osfacade: ptrace cont %d: %w", tid, err)
	}
	return nil
}

// applyRecipe applies no register restores: it ignores the recipe, so
// only the PC written by setRegsPC differs from the suspended state.
func applyRecipe(regs *unix.PtraceRegs, recipe []translate.RegisterRecipe) {
	_ = regs
	_ = recipe
}

func regsPC(regs *unix.PtraceRegs) arch.PC {
	return arch.PC(regs.Rip)
}

func setRegsPC(regs *unix.PtraceRegs, pc uint64) {
	regs.Rip = pc
}
