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
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinux_QueryFindsOwnStack(t *testing.T) {
	l := NewLinux()
	var onStack int
	r, err := l.Query(uintptr(unsafe.Pointer(&onStack)))
	require.NoError(t, err)
	assert.NotZero(t, r.Size)
}

func TestReadProcMaps_ReturnsNonEmptyRegions(t *testing.T) {
	regions, err := readProcMaps()
	require.NoError(t, err)
	assert.NotEmpty(t, regions, "the running process always has at least one mapped region")
}

func TestToUnixProt_CombinesFlags(t *testing.T) {
	p := toUnixProt(ProtRead | ProtWrite)
	assert.NotZero(t, p)
}
