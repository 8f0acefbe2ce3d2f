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

// Package atomicbitops provides typed wrappers around sync/atomic,
// modeled on gVisor's own atomicbitops.Int32 usage in
// subprocess.go (subprocess.numContexts).
package atomicbitops

import "sync/atomic"

// Int32 is an atomically accessed int32.
type Int32 struct {
	v atomic.Int32
}

func (i *Int32) Load() int32        { return i.v.Load() }
func (i *Int32) Store(val int32)    { i.v.Store(val) }
func (i *Int32) Add(delta int32) int32 { return i.v.Add(delta) }
func (i *Int32) CompareAndSwap(old, new int32) bool {
	return i.v.CompareAndSwap(old, new)
}

// Int64 is an atomically accessed int64.
type Int64 struct {
	v atomic.Int64
}

func (i *Int64) Load() int64        { return i.v.Load() }
func (i *Int64) Store(val int64)    { i.v.Store(val) }
func (i *Int64) Add(delta int64) int64 { return i.v.Add(delta) }
func (i *Int64) CompareAndSwap(old, new int64) bool {
	return i.v.CompareAndSwap(old, new)
}

// Uint32 is an atomically accessed uint32.
type Uint32 struct {
	v atomic.Uint32
}

func (u *Uint32) Load() uint32         { return u.v.Load() }
func (u *Uint32) Store(val uint32)     { u.v.Store(val) }
func (u *Uint32) Add(delta uint32) uint32 { return u.v.Add(delta) }
func (u *Uint32) CompareAndSwap(old, new uint32) bool {
	return u.v.CompareAndSwap(old, new)
}

// Bool is an atomically accessed boolean.
type Bool struct {
	v atomic.Bool
}

func (b *Bool) Load() bool     { return b.v.Load() }
func (b *Bool) Store(val bool) { b.v.Store(val) }
func (b *Bool) CompareAndSwap(old, new bool) bool {
	return b.v.CompareAndSwap(old, new)
}

// Pointer is an atomically accessed pointer of type T.
type Pointer[T any] struct {
	v atomic.Pointer[T]
}

func (p *Pointer[T]) Load() *T     { return p.v.Load() }
func (p *Pointer[T]) Store(val *T) { p.v.Store(val) }
func (p *Pointer[T]) CompareAndSwap(old, new *T) bool {
	return p.v.CompareAndSwap(old, new)
}
