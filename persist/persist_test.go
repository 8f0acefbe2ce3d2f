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

package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dynamorio/core/arch"
	"github.com/dynamorio/core/cache"
)

func TestWriteReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frozen.cache")

	f := File{
		ModuleIdentity: "libexample.so.1",
		Entries: []Entry{
			{AppOffset: 0x1000, CacheOffset: 0, Size: 16},
			{AppOffset: 0x1010, CacheOffset: 16, Size: 8},
		},
		Bytes: []byte{0x90, 0x90, 0x90, 0x90, 0xc3, 0xc3, 0xc3, 0xc3, 0, 0, 0, 0, 0, 0, 0, 0, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc, 0xcc},
	}

	require.NoError(t, Write(path, f))

	got, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, f.ModuleIdentity, got.ModuleIdentity)
	assert.Equal(t, f.Entries, got.Entries)
	assert.Equal(t, f.Bytes, got.Bytes)
}

func TestRead_RejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.cache")
	require.NoError(t, os.WriteFile(path, []byte("not a frozen cache file"), 0o644))

	_, err := Read(path)
	assert.Error(t, err)
}

func TestPersistedFragments_LookupAndRegisterInto(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "frozen.cache")
	f := File{
		ModuleIdentity: "m",
		Entries:        []Entry{{AppOffset: 0x2000, CacheOffset: 0, Size: 4}},
		Bytes:          []byte{0x90, 0x90, 0x90, 0xc3},
	}
	require.NoError(t, Write(path, f))

	pf, err := Load(path)
	require.NoError(t, err)

	e, ok := pf.Lookup(arch.PC(0x2000))
	require.True(t, ok)
	assert.Equal(t, []byte{0x90, 0x90, 0x90, 0xc3}, pf.FragmentBytes(e))

	c := cache.New(nil, nil)
	frags := pf.RegisterInto(c)
	require.Len(t, frags, 1)
	assert.Equal(t, cache.PartitionPersisted, frags[0].Partition)
	assert.NotZero(t, frags[0].Flags()&cache.FlagFrozen)
}

