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

// Package persist implements frozen per-module fragment caches: files read into memory at load whose fragments
// are registered with the code cache as cache.PartitionPersisted fragments.
//
// The file format is a magic+version header, module identity, a table
// of {application offset, cache offset, size} entries, and the raw
// cache bytes, and nothing more. Writing uses github.com/gofrs/flock
// for cross-process mutual exclusion, the same library used for this
// pack's other storage layer (see DESIGN.md).
package persist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"

	"github.com/dynamorio/core/arch"
	"github.com/dynamorio/core/cache"
)

// Magic identifies a frozen cache file; Version allows the layout to
// evolve without silently misreading an older file.
const (
	Magic   uint32 = 0x44524346 // "DRCF"
	Version uint16 = 1
)

// Entry is one persisted fragment's placement: application offset,
// cache offset, and size.
type Entry struct {
	AppOffset   arch.PC
	CacheOffset uint64
	Size        uint64
}

// File is a loaded (or about-to-be-written) frozen cache.
type File struct {
	ModuleIdentity string
	Entries        []Entry
	Bytes          []byte
}

// header is the on-disk fixed-size prefix.
type header struct {
	Magic         uint32
	Version       uint16
	_             uint16 // padding
	IdentityLen   uint32
	EntryCount    uint32
	BytesLen      uint64
}

// Write serializes f to path, holding an exclusive file lock for the
// duration.
func Write(path string, f File) error {
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("persist: lock %s: %w", path, err)
	}
	if !locked {
		return fmt.Errorf("persist: %s is locked by another writer", path)
	}
	defer lock.Unlock()

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("persist: create %s: %w", path, err)
	}
	defer out.Close()

	w := bufio.NewWriter(out)
	h := header{
		Magic:       Magic,
		Version:     Version,
		IdentityLen: uint32(len(f.ModuleIdentity)),
		EntryCount:  uint32(len(f.Entries)),
		BytesLen:    uint64(len(f.Bytes)),
	}
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("persist: write header: %w", err)
	}
	if _, err := w.WriteString(f.ModuleIdentity); err != nil {
		return fmt.Errorf("persist: write identity: %w", err)
	}
	for _, e := range f.Entries {
		rec := struct {
			AppOffset   uint64
			CacheOffset uint64
			Size        uint64
		}{uint64(e.AppOffset), e.CacheOffset, e.Size}
		if err := binary.Write(w, binary.LittleEndian, rec); err != nil {
			return fmt.Errorf("persist: write entry: %w", err)
		}
	}
	if _, err := w.Write(f.Bytes); err != nil {
		return fmt.Errorf("persist: write bytes: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("persist: flush %s: %w", path, err)
	}
	return nil
}

// Read loads and validates a frozen cache file, returning its entries
// and raw cache bytes, read into memory.
func Read(path string) (File, error) {
	in, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("persist: open %s: %w", path, err)
	}
	defer in.Close()
	return readFrom(in)
}

func readFrom(r io.Reader) (File, error) {
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return File{}, fmt.Errorf("persist: read header: %w", err)
	}
	if h.Magic != Magic {
		return File{}, fmt.Errorf("persist: bad magic %#x", h.Magic)
	}
	if h.Version != Version {
		return File{}, fmt.Errorf("persist: unsupported version %d", h.Version)
	}

	identity := make([]byte, h.IdentityLen)
	if _, err := io.ReadFull(r, identity); err != nil {
		return File{}, fmt.Errorf("persist: read identity: %w", err)
	}

	entries := make([]Entry, h.EntryCount)
	for i := range entries {
		var rec struct {
			AppOffset   uint64
			CacheOffset uint64
			Size        uint64
		}
		if err := binary.Read(r, binary.LittleEndian, &rec); err != nil {
			return File{}, fmt.Errorf("persist: read entry %d: %w", i, err)
		}
		entries[i] = Entry{AppOffset: arch.PC(rec.AppOffset), CacheOffset: rec.CacheOffset, Size: rec.Size}
	}

	data := make([]byte, h.BytesLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return File{}, fmt.Errorf("persist: read bytes: %w", err)
	}

	return File{ModuleIdentity: string(identity), Entries: entries, Bytes: data}, nil
}

// Load reads path with Read and returns a PersistedFragments view ready
// to be registered as cache.PartitionPersisted. The file is read into
// memory; it is not mapped.
func Load(path string) (*PersistedFragments, error) {
	f, err := Read(path)
	if err != nil {
		return nil, err
	}
	return &PersistedFragments{file: f}, nil
}

// PersistedFragments is the read-only, already-loaded view of one
// frozen per-module cache.
type PersistedFragments struct {
	file File
}

// ModuleIdentity returns the persisted module's identity string.
func (p *PersistedFragments) ModuleIdentity() string { return p.file.ModuleIdentity }

// Lookup finds the persisted entry for an application offset, if any.
func (p *PersistedFragments) Lookup(appOffset arch.PC) (Entry, bool) {
	for _, e := range p.file.Entries {
		if e.AppOffset == appOffset {
			return e, true
		}
	}
	return Entry{}, false
}

// FragmentBytes returns the raw cache bytes for one persisted entry.
func (p *PersistedFragments) FragmentBytes(e Entry) []byte {
	return p.file.Bytes[e.CacheOffset : e.CacheOffset+e.Size]
}

// Entries returns every persisted entry, in file order.
func (p *PersistedFragments) Entries() []Entry { return p.file.Entries }

// RegisterInto registers every persisted entry with the running cache
// as a cache.PartitionPersisted fragment flagged FlagFrozen. The
// fragments get no Span (the persisted bytes are not copied into a
// cache unit) and are not inserted into any fragment table, so
// dispatch's lookups do not find them.
func (p *PersistedFragments) RegisterInto(c *cache.CodeCache) []*cache.Fragment {
	out := make([]*cache.Fragment, 0, len(p.file.Entries))
	for _, e := range p.file.Entries {
		f := &cache.Fragment{
			ID:        c.NextFragmentID(),
			Tag:       e.AppOffset,
			Partition: cache.PartitionPersisted,
		}
		f.SetFlag(cache.FlagFrozen)
		c.RegisterFragment(f)
		out = append(out, f)
	}
	return out
}
