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

//go:build linux

package osfacade

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// Linux implements Facade directly against golang.org/x/sys/unix,
// mirroring gVisor's systrap subprocess.go: s.syscall(unix.SYS_MMAP,
// ...) / s.syscall(unix.SYS_MUNMAP, ...) and the PTRACE_* constants
// used throughout.
type Linux struct {
	handler ExceptionHandler
	sigCh   chan os.Signal
	stop    chan struct{}
}

// NewLinux constructs a Linux OS facade.
func NewLinux() *Linux {
	return &Linux{}
}

func toUnixProt(p Prot) int {
	var up int
	if p&ProtRead != 0 {
		up |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		up |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		up |= unix.PROT_EXEC
	}
	return up
}

// Reserve implements Facade.Reserve with an anonymous PROT_NONE mapping,
// matching gVisor's pattern of unmap-then-remap (subprocess.go's unmap)
// for carving out address ranges ahead of use.
func (l *Linux) Reserve(size uintptr, preferred uintptr) (Region, error) {
	addr, _, errno := unix.Syscall6(unix.SYS_MMAP, preferred, size,
		uintptr(unix.PROT_NONE),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|flagFixedIfPreferred(preferred)),
		^uintptr(0), 0)
	if errno != 0 {
		return Region{}, fmt.Errorf("osfacade: mmap reserve failed: %w", errno)
	}
	return Region{Base: addr, Size: size, Prot: 0, State: MapPrivate, Type: "anonymous"}, nil
}

func flagFixedIfPreferred(preferred uintptr) int {
	if preferred != 0 {
		return unix.MAP_FIXED
	}
	return 0
}

// Commit implements Facade.Commit by reprotecting the reserved range.
func (l *Linux) Commit(r Region, prot Prot) error {
	return l.Protect(r, prot)
}

// Protect implements Facade.Protect.
func (l *Linux) Protect(r Region, prot Prot) error {
	if err := unix.Mprotect(regionBytes(r), toUnixProt(prot)); err != nil {
		return fmt.Errorf("osfacade: mprotect failed: %w", err)
	}
	return nil
}

// regionBytes builds a slice over the region with unsafe.Slice (via
// unsafeSlice) for Mprotect, which only inspects the slice's address/len.
func regionBytes(r Region) []byte {
	return unsafeSlice(r.Base, int(r.Size))
}

// Free implements Facade.Free.
func (l *Linux) Free(r Region) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, r.Base, r.Size, 0); errno != 0 {
		return fmt.Errorf("osfacade: munmap failed: %w", errno)
	}
	return nil
}

// Query implements Facade.Query by consulting /proc/self/maps, the same
// source of truth gVisor's hostarch/mm machinery ultimately reads from
// on Linux.
func (l *Linux) Query(address uintptr) (Region, error) {
	regions, err := readProcMaps()
	if err != nil {
		return Region{}, err
	}
	for _, r := range regions {
		if address >= r.Base && address < r.Base+r.Size {
			return r, nil
		}
	}
	return Region{}, ErrUnreadable
}

// MapFile implements Facade.MapFile, mirroring subprocess.go's MapFile
// (MAP_SHARED|MAP_FIXED over a file descriptor).
func (l *Linux) MapFile(addr uintptr, fd int, offset int64, length uintptr, prot Prot, shared bool) error {
	flags := unix.MAP_FIXED
	if shared {
		flags |= unix.MAP_SHARED
	} else {
		flags |= unix.MAP_PRIVATE
	}
	_, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length,
		uintptr(toUnixProt(prot)), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return fmt.Errorf("osfacade: mmap file failed: %w", errno)
	}
	return nil
}

// UnmapFile implements Facade.UnmapFile.
func (l *Linux) UnmapFile(addr uintptr, length uintptr) error {
	if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0); errno != 0 {
		return fmt.Errorf("osfacade: munmap failed: %w", errno)
	}
	return nil
}

// InstallExceptionHandler wires cb to SIGSEGV/SIGBUS/SIGILL/SIGTRAP,
// which is the signal set the engine must own .10.
func (l *Linux) InstallExceptionHandler(cb ExceptionHandler) error {
	l.handler = cb
	l.sigCh = make(chan os.Signal, 16)
	l.stop = make(chan struct{})
	signal.Notify(l.sigCh, unix.SIGSEGV, unix.SIGBUS, unix.SIGILL, unix.SIGTRAP)
	go func() {
		for {
			select {
			case sig := <-l.sigCh:
				if ss, ok := sig.(syscall.Signal); ok {
					l.handler(ExceptionRecord{Signal: int(ss)}, nil)
				}
			case <-l.stop:
				return
			}
		}
	}()
	return nil
}

// RaiseExceptionToApp re-raises rec to this process using tgkill,
// mirroring systrap's own use of unix.Tgkill in
// unexpectedStubExit/destroy for delivering signals to a specific tid.
func (l *Linux) RaiseExceptionToApp(record ExceptionRecord, ctx []byte) error {
	pid := os.Getpid()
	return unix.Tgkill(pid, pid, unix.Signal(record.Signal))
}

// Close stops the exception-handling goroutine.
func (l *Linux) Close() {
	if l.stop != nil {
		close(l.stop)
		signal.Stop(l.sigCh)
	}
}
