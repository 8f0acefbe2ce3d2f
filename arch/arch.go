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

// Package arch defines the architectural types the engine exchanges
// with the out-of-core instruction decoder/encoder and OS facade.
// Nothing in this package performs actual instruction decoding; it
// exists so the rest of the engine has a concrete, swappable
// register/instruction representation to program against, mirroring
// gVisor's own arch.Registers / arch.Context64 / arch.SyscallArgument
// usage throughout subprocess.go.
package arch

// PC is an application or cache program counter.
type PC uintptr

// Registers is the full architectural register file the engine saves
// and restores across a cache exit. The concrete field layout is kept
// opaque behind the accessors below so a target-specific build can swap
// PtraceRegs without touching any caller.
type Registers struct {
	raw PtraceRegs
}

// PtraceRegs is the wire-compatible register struct used when getting
// or setting a traced thread's register state (mirrors gVisor's own
// embedding of unix's ptrace register struct inside Registers).
type PtraceRegs struct {
	GPRs   [32]uint64
	PC     uint64
	SP     uint64
	Flags  uint64
	TLS    uint64
}

// IP returns the instruction pointer.
func (r *Registers) IP() PC { return PC(r.raw.PC) }

// SetIP sets the instruction pointer.
func (r *Registers) SetIP(pc PC) { r.raw.PC = uint64(pc) }

// StackPointer returns the current stack pointer.
func (r *Registers) StackPointer() uintptr { return uintptr(r.raw.SP) }

// SetStackPointer sets the stack pointer, mirroring gVisor's
// thread.initRegs.SetStackPointer(0) call in subprocess.go.
func (r *Registers) SetStackPointer(sp uintptr) { r.raw.SP = uint64(sp) }

// Reg reads general-purpose register i.
func (r *Registers) Reg(i int) uint64 { return r.raw.GPRs[i] }

// SetReg writes general-purpose register i.
func (r *Registers) SetReg(i int, v uint64) { r.raw.GPRs[i] = v }

// Clone returns a deep copy, used when a fragment's translation recipe
// must reconstruct register state without mutating the live snapshot.
func (r *Registers) Clone() Registers {
	c := *r
	return c
}

// SyscallArgument is one argument to an injected system call, mirroring
// gVisor's arch.SyscallArgument used throughout subprocess.go's
// s.syscall(...) call sites.
type SyscallArgument struct {
	Value uintptr
}

// Context64 bundles a register snapshot with the floating-point /
// extended state that must travel with it across a context switch.
// Named Context64 to mirror gVisor's arch.Context64 (subprocess.go
// switchToApp takes an *arch.Context64).
type Context64 struct {
	Regs Registers
	FP   []byte // opaque FPU/vector state blob
}

// StateData returns the mutable register state embedded in the
// context, mirroring ac.StateData().Regs in subprocess.go.
func (c *Context64) StateData() *Context64 { return c }

// Decoder is the out-of-core instruction decoder/encoder collaborator.
// The engine depends only on this interface; a concrete decoder for a
// given target ISA is supplied by the embedding program.
type Decoder interface {
	// Decode decodes one instruction starting at data[0], returning its
	// length and a classification. len(data) bounds how many bytes may
	// be consumed.
	Decode(data []byte, pc PC) (Instruction, error)

	// Encode serializes instr into dst, returning the number of bytes
	// written.
	Encode(instr Instruction, dst []byte) (int, error)
}

// InstructionClass classifies an instruction for the fragment builder's
// mangling decision.
type InstructionClass int

const (
	ClassOrdinary InstructionClass = iota
	ClassDirectBranch
	ClassDirectCondBranch
	ClassIndirectBranch
	ClassCall
	ClassReturn
	ClassSyscall
	ClassInterrupt
)

// Instruction is the intermediate representation of one decoded
// instruction; opaque payload left to the concrete decoder.
type Instruction struct {
	PC      PC
	Length  int
	Class   InstructionClass
	Target  PC     // valid for direct branches/calls
	TargetReg int  // valid for indirect branches/returns: register holding the dynamic target
	Raw     []byte // original encoded bytes, for re-emission
}

// IsControlTransfer reports whether the instruction ends a basic block.
func (ic InstructionClass) IsControlTransfer() bool {
	return ic != ClassOrdinary
}
