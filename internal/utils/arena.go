/*
 * Copyright 2024 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package utils

import (
	"unsafe"
)

// Handle refers to an object allocated from an Arena. The zero Handle refers
// to nothing.
type Handle uint32

const (
	NoHandle Handle = 0
)

const (
	_ChunkShift = 6
	_ChunkSize  = 1 << _ChunkShift
)

// Arena is a region allocator for objects that share the lifetime of one
// method compilation. Objects never move, and are released all at once.
type Arena[T any] struct {
	n  int
	ch [][]T
}

// New allocates a zeroed object and returns its handle.
func (self *Arena[T]) New() (Handle, *T) {
	i := self.n
	c := i >> _ChunkShift

	/* allocate a new chunk if needed */
	if c == len(self.ch) {
		self.ch = append(self.ch, make([]T, _ChunkSize))
	}

	/* handles are 1-based */
	self.n++
	return Handle(i + 1), &self.ch[c][i&(_ChunkSize-1)]
}

// At resolves a handle.
func (self *Arena[T]) At(h Handle) *T {
	if i := int(h) - 1; i < 0 || i >= self.n {
		panic("arena: invalid handle")
	} else {
		return &self.ch[i>>_ChunkShift][i&(_ChunkSize-1)]
	}
}

// Len returns the number of live objects.
func (self *Arena[T]) Len() int {
	return self.n
}

// Each visits every live object in allocation order.
func (self *Arena[T]) Each(fn func(h Handle, v *T)) {
	for i := 0; i < self.n; i++ {
		fn(Handle(i+1), &self.ch[i>>_ChunkShift][i&(_ChunkSize-1)])
	}
}

// Size returns the number of bytes reserved by the arena.
func (self *Arena[T]) Size() int {
	var v T
	return len(self.ch) * _ChunkSize * int(unsafe.Sizeof(v))
}

// Release drops every object in bulk. The chunks are kept for reuse, any
// handle obtained before is invalid afterwards.
func (self *Arena[T]) Release() {
	var zero T
	for i := 0; i < self.n; i++ {
		self.ch[i>>_ChunkShift][i&(_ChunkSize-1)] = zero
	}
	self.n = 0
}
