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
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"unsafe"
)

// unsafeSlice builds a zero-copy []byte view over an arbitrary address
// range, used only to hand mprotect(2) (via golang.org/x/sys/unix,
// which takes a []byte) the address/length pair it actually wants; no
// element of the slice is ever read or written by this package.
func unsafeSlice(base uintptr, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), length)
}

// readProcMaps parses /proc/self/maps, the same source gVisor's
// systrap ultimately relies on (transitively, through the kernel's own
// mm bookkeeping) for its own mapping queries.
func readProcMaps() ([]Region, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("osfacade: open /proc/self/maps: %w", err)
	}
	defer f.Close()

	var regions []Region
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			continue
		}
		base, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			continue
		}
		perms := fields[1]
		var prot Prot
		if strings.Contains(perms, "r") {
			prot |= ProtRead
		}
		if strings.Contains(perms, "w") {
			prot |= ProtWrite
		}
		if strings.Contains(perms, "x") {
			prot |= ProtExec
		}
		state := MapPrivate
		if strings.Contains(perms, "s") {
			state = MapShared
		}
		typ := "anonymous"
		if len(fields) >= 6 {
			typ = fields[5]
		}
		regions = append(regions, Region{
			Base:  uintptr(base),
			Size:  uintptr(end - base),
			Prot:  prot,
			State: state,
			Type:  typ,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("osfacade: scan /proc/self/maps: %w", err)
	}
	return regions, nil
}
