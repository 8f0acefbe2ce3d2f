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

// Package builder implements the fragment builder:
// given an application tag, decode one basic block, mangle its
// terminating control transfer, and commit the result into the code
// cache.
package builder

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dynamorio/core/arch"
	"github.com/dynamorio/core/cache"
	"github.com/dynamorio/core/osfacade"
	"github.com/dynamorio/core/translate"
	"github.com/dynamorio/core/wrap"
)

// MaxBlockInstructions bounds decode length absent an earlier
// terminating control transfer ("or a configured
// maximum").
const MaxBlockInstructions = 256

// AppReader reads application bytes for decoding, abstracting however
// the embedding program maps the traced process's text (ptrace PEEKTEXT,
// a shared mapping, a core-image reader, ...).
type AppReader interface {
	ReadAt(pc arch.PC, buf []byte) (int, error)
}

// Builder decodes application basic blocks into fragments.
type Builder struct {
	decoder arch.Decoder
	reader  AppReader
	facade  osfacade.Facade
	cache   *cache.CodeCache
	wrap    *wrap.Manager
	log     *logrus.Entry
}

// New constructs a Builder. wrapMgr may be nil, in which case no tag is
// ever redirected.
func New(decoder arch.Decoder, reader AppReader, facade osfacade.Facade, c *cache.CodeCache, wrapMgr *wrap.Manager, log *logrus.Entry) *Builder {
	return &Builder{decoder: decoder, reader: reader, facade: facade, cache: c, wrap: wrapMgr, log: log}
}

// scratchInstr is one mangled instruction awaiting emission.
type scratchInstr struct {
	raw         []byte
	instr       arch.Instruction
	isExitStub  bool
	exitIndex   int // valid when isExitStub
}

// BuildResult is the outcome of Build: a committed fragment, or a
// synthetic fault fragment.
type BuildResult struct {
	Fragment  *cache.Fragment
	FaultedAt arch.PC // set only when the block could not be decoded
}

// Build decodes the basic block starting at tag and commits it as a new
// fragment in partition p.
func (b *Builder) Build(tag arch.PC, p cache.Partition) (*BuildResult, error) {
	var scratch []scratchInstr
	var exits []cache.Exit
	tbl := translate.New()

	// A Replace() registration redirects decoding to the replacement's
	// body while the fragment stays registered under the original tag,
	// so every caller of tag transparently executes repl ("the builder
	// consults this while mangling a block's entry").
	pc := tag
	if b.wrap != nil {
		if repl, ok := b.wrap.ReplacementFor(tag); ok {
			pc = repl
		}
	}
	cacheOffset := 0
	pageAligned := pc

	for i := 0; i < MaxBlockInstructions; i++ {
		// Re-check readability on each new page crossed during decode.
		if crossesPage(pageAligned, pc) {
			if _, err := b.facadeQuery(pc); err != nil {
				return b.faultResult(tag, pc), nil
			}
			pageAligned = pc
		}

		buf := make([]byte, 16)
		n, err := b.reader.ReadAt(pc, buf)
		if err != nil || n == 0 {
			return b.faultResult(tag, pc), nil
		}
		instr, err := b.decoder.Decode(buf[:n], pc)
		if err != nil {
			return b.faultResult(tag, pc), nil
		}

		entryStart := cacheOffset
		var emitted []byte
		if instr.Class.IsControlTransfer() {
			emitted, exits = mangleTerminator(instr, exits)
			scratch = append(scratch, scratchInstr{raw: emitted, instr: instr})
			cacheOffset += len(emitted)
			tbl.Add(translate.Entry{
				CacheOffsetStart: entryStart,
				CacheOffsetEnd:   cacheOffset,
				AppOffset:        instr.PC,
				Restartable:      true,
			})
			break
		}

		emitted = rewritePCRelative(instr)
		scratch = append(scratch, scratchInstr{raw: emitted, instr: instr})
		cacheOffset += len(emitted)
		tbl.Add(translate.Entry{
			CacheOffsetStart: entryStart,
			CacheOffsetEnd:   cacheOffset,
			AppOffset:        instr.PC,
			Restartable:      true,
		})

		pc = instr.PC + arch.PC(instr.Length)
	}

	total := 0
	for _, s := range scratch {
		total += len(s.raw)
	}
	if total == 0 {
		return b.faultResult(tag, pc), nil
	}

	span, err := b.cache.Allocate(p, total)
	if err != nil {
		return nil, fmt.Errorf("builder: allocate fragment for %#x: %w", tag, err)
	}

	buf := make([]byte, 0, total)
	for _, s := range scratch {
		buf = append(buf, s.raw...)
	}
	if err := b.cache.Write(span, buf); err != nil {
		return nil, fmt.Errorf("builder: write fragment for %#x: %w", tag, err)
	}

	var terminator arch.InstructionClass
	if len(scratch) > 0 {
		terminator = scratch[len(scratch)-1].instr.Class
	}

	f := &cache.Fragment{
		ID:               b.cache.NextFragmentID(),
		Tag:              tag,
		Span:             span,
		Partition:        p,
		Terminator:       terminator,
		Exits:            exits,
		TranslationTable: tbl,
	}
	if p == cache.PartitionShared || p == cache.PartitionTrace {
		f.SetFlag(cache.FlagShared)
	}
	if p == cache.PartitionTrace {
		f.SetFlag(cache.FlagTrace)
	}
	b.cache.RegisterFragment(f)

	if b.log != nil {
		b.log.Debugf("builder: built fragment %d for tag %#x (%d bytes, %d exits)", f.ID, tag, total, len(exits))
	}
	return &BuildResult{Fragment: f}, nil
}

// faultResult synthesizes the result for a decoding failure: rather
// than building cached bytes, Build reports the faulting PC. No fault
// fragment is built and nothing is raised to the application here;
// dispatch turns a FaultedAt result into an error returned from Step.
func (b *Builder) faultResult(tag, faultPC arch.PC) *BuildResult {
	if b.log != nil {
		b.log.Warningf("builder: decode fault for tag %#x at %#x", tag, faultPC)
	}
	return &BuildResult{FaultedAt: faultPC}
}

func (b *Builder) facadeQuery(pc arch.PC) (osfacade.Region, error) {
	if b.facade == nil {
		return osfacade.Region{}, nil
	}
	return b.facade.Query(uintptr(pc))
}

const pageSize = 4096

func crossesPage(lastChecked, pc arch.PC) bool {
	return uintptr(pc)/pageSize != uintptr(lastChecked)/pageSize
}

// rewritePCRelative re-emits a non-control instruction by copying its
// Raw bytes. It performs no PC-relative rewrite itself: the emitted
// bytes are exactly the Raw bytes the decoder returned, and Build never
// calls the decoder's Encode.
func rewritePCRelative(instr arch.Instruction) []byte {
	out := make([]byte, len(instr.Raw))
	copy(out, instr.Raw)
	return out
}

// mangleTerminator records a block's terminating control transfer as
// exits: a direct branch or call gets one exit to its target, a
// conditional branch gets a taken and a fall-through exit, an indirect
// branch or return gets one IBL exit, and a syscall or interrupt gets
// one exit with no target. The terminator's own bytes are copied
// unchanged; no linking stub is emitted and no return-address push is
// synthesized for a call. It returns the emitted bytes for the
// terminator and the updated exit list.
func mangleTerminator(instr arch.Instruction, exits []cache.Exit) ([]byte, []cache.Exit) {
	out := make([]byte, len(instr.Raw))
	copy(out, instr.Raw)

	switch instr.Class {
	case arch.ClassDirectBranch, arch.ClassCall:
		exits = append(exits, cache.Exit{TargetTag: instr.Target})
	case arch.ClassDirectCondBranch:
		exits = append(exits,
			cache.Exit{TargetTag: instr.Target, IsTaken: true},
			cache.Exit{TargetTag: instr.PC + arch.PC(instr.Length), IsTaken: false},
		)
	case arch.ClassIndirectBranch, arch.ClassReturn:
		exits = append(exits, cache.Exit{Indirect: true})
	case arch.ClassSyscall, arch.ClassInterrupt:
		exits = append(exits, cache.Exit{})
	}
	return out, exits
}
