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

package cache

import (
	"unsafe"

	"github.com/dynamorio/core/osfacade"
)

// unitBytes builds a zero-copy []byte view over a facade-backed region,
// the only place this package looks at raw cache memory as bytes rather
// than through Fragment/Span accessors.
func unitBytes(r osfacade.Region) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(r.Base)), int(r.Size))
}
