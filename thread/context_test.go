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

package thread

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_SyncFlagRoundTrip(t *testing.T) {
	m := NewManager(16, 16, nil)
	tc, err := m.Birth(1)
	require.NoError(t, err)

	assert.False(t, tc.SyncRequested())
	tc.RequestSync()
	assert.True(t, tc.SyncRequested())
	tc.ClearSync()
	assert.False(t, tc.SyncRequested())
}

func TestContext_InKernelRoundTrip(t *testing.T) {
	m := NewManager(16, 16, nil)
	tc, err := m.Birth(1)
	require.NoError(t, err)

	assert.False(t, tc.InKernel())
	tc.EnterKernel()
	assert.True(t, tc.InKernel())
	tc.ExitKernel()
	assert.False(t, tc.InKernel())
}

func TestContext_PrivateTablesAreIndependentPerThread(t *testing.T) {
	m := NewManager(16, 16, nil)
	a, err := m.Birth(1)
	require.NoError(t, err)
	b, err := m.Birth(2)
	require.NoError(t, err)

	assert.NotSame(t, a.Private, b.Private)
	assert.NotSame(t, a.PrivateIBL, b.PrivateIBL)
}
