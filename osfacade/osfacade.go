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

// Package osfacade is the engine's OS memory/process facade. It is the sole place the engine touches
// raw OS primitives: page reservation, protection, mapping, exception
// handler installation, and the traced-thread control operations
// gVisor's systrap subprocess implements directly in subprocess.go with
// golang.org/x/sys/unix.
//
// This package defines the interface and also supplies the linux/amd64
// implementation (osfacade_linux.go) since the engine needs a concrete
// facade to be testable end to end, following subprocess.go's own
// choice to talk to golang.org/x/sys/unix directly rather than behind a
// build-tag-only stub.
package osfacade

import "errors"

// Prot is a page protection bitmask.
type Prot int

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec
)

// MapState describes the state of a queried mapping.
type MapState int

const (
	MapNone MapState = iota
	MapPrivate
	MapShared
)

// Region describes a range of address space.
type Region struct {
	Base  uintptr
	Size  uintptr
	Prot  Prot
	State MapState
	// Type is an opaque backing-store label (anonymous, file, device).
	Type string
}

// ErrUnreadable is returned by Query when the target address is
// not mapped, letting the builder re-check readability of each new page
// it decodes into rather than trusting a stale mapping.
var ErrUnreadable = errors.New("osfacade: address range not readable")

// Facade is the OS memory/process collaborator the engine requires.
// Errors raised here surface as application faults through async.Interposer
// or as fatal engine errors, never silently.
type Facade interface {
	// Reserve reserves size bytes of address space, optionally near
	// preferred, without committing physical backing.
	Reserve(size uintptr, preferred uintptr) (Region, error)

	// Commit backs a previously reserved region with the given
	// protection.
	Commit(r Region, prot Prot) error

	// Protect changes the protection of an existing mapping.
	Protect(r Region, prot Prot) error

	// Free releases a region back to the OS.
	Free(r Region) error

	// Query reports the current state of the mapping containing
	// address, or ErrUnreadable if unmapped.
	Query(address uintptr) (Region, error)

	// MapFile maps a file descriptor's range into the address space.
	MapFile(addr uintptr, fd int, offset int64, length uintptr, prot Prot, shared bool) error

	// UnmapFile removes a mapping installed by MapFile or Reserve/Commit.
	UnmapFile(addr uintptr, length uintptr) error

	// InstallExceptionHandler registers cb as the top-level handler for
	// engine-owned signals/exceptions.
	InstallExceptionHandler(cb ExceptionHandler) error

	// RaiseExceptionToApp delivers record to the application using its
	// original (untranslated) context, used for case (a) in §4.10: a
	// fault in application code not yet cached.
	RaiseExceptionToApp(record ExceptionRecord, ctx []byte) error
}

// ExceptionRecord describes a delivered signal/exception at the OS
// boundary, before any translation back to application state.
type ExceptionRecord struct {
	Signal int
	Code   int
	Addr   uintptr
}

// ExceptionHandler is invoked by the facade on every intercepted
// signal/exception.
type ExceptionHandler func(rec ExceptionRecord, ctx []byte) (handled bool)
