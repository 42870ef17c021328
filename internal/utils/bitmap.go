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
	"math/bits"
	"strings"
)

// Bitmap is a growable bit vector. N is the logical length in bits, bits
// beyond N are always zero.
type Bitmap struct {
	N int
	B []byte
}

func (self *Bitmap) grow(n int) {
	for n > len(self.B)*8 {
		self.B = append(self.B, 0)
	}
	if n > self.N {
		self.N = n
	}
}

func (self *Bitmap) mark(i int, bv int) {
	if bv != 0 {
		self.B[i/8] |= 1 << (i % 8)
	} else {
		self.B[i/8] &^= 1 << (i % 8)
	}
}

// Set writes bit i, which must be within the current length.
func (self *Bitmap) Set(i int, bv int) {
	if i < 0 || i >= self.N {
		panic("bitmap: invalid bit position")
	} else {
		self.mark(i, bv)
	}
}

// SetBit sets bit i, growing the bitmap as needed.
func (self *Bitmap) SetBit(i int) {
	self.grow(i + 1)
	self.mark(i, 1)
}

// ClearBit clears bit i, bits beyond the length are already clear.
func (self *Bitmap) ClearBit(i int) {
	if i < self.N {
		self.mark(i, 0)
	}
}

// IsSet reports whether bit i is set.
func (self *Bitmap) IsSet(i int) bool {
	return i >= 0 && i < self.N && self.B[i/8]&(1<<(i%8)) != 0
}

// Append adds a bit at the end.
func (self *Bitmap) Append(bv int) {
	self.grow(self.N + 1)
	self.mark(self.N-1, bv)
}

// AppendMany adds n copies of the same bit at the end.
func (self *Bitmap) AppendMany(n int, bv int) {
	for i := 0; i < n; i++ {
		self.Append(bv)
	}
}

// Reset clears every bit and truncates the bitmap to zero length.
func (self *Bitmap) Reset() {
	for i := range self.B {
		self.B[i] = 0
	}
	self.N = 0
	self.B = self.B[:0]
}

// Count returns the number of set bits.
func (self *Bitmap) Count() (n int) {
	for _, v := range self.B {
		n += bits.OnesCount8(v)
	}
	return
}

// Highest returns the index of the highest set bit, or -1 when empty.
func (self *Bitmap) Highest() int {
	for i := len(self.B) - 1; i >= 0; i-- {
		if self.B[i] != 0 {
			return i*8 + bits.Len8(self.B[i]) - 1
		}
	}
	return -1
}

// Trimmed returns the bitmap length without the trailing zero bits.
func (self *Bitmap) Trimmed() int {
	return self.Highest() + 1
}

// Clone returns a deep copy.
func (self *Bitmap) Clone() Bitmap {
	return Bitmap{
		N: self.N,
		B: append([]byte(nil), self.B...),
	}
}

// Equal compares the set bits, ignoring trailing zeros.
func (self *Bitmap) Equal(other *Bitmap) bool {
	n := self.Trimmed()
	if n != other.Trimmed() {
		return false
	}
	for i := 0; i < n; i++ {
		if self.IsSet(i) != other.IsSet(i) {
			return false
		}
	}
	return true
}

// ForEach calls fn for every set bit in ascending order.
func (self *Bitmap) ForEach(fn func(i int)) {
	for i, v := range self.B {
		for v != 0 {
			fn(i*8 + bits.TrailingZeros8(v))
			v &= v - 1
		}
	}
}

func (self Bitmap) String() string {
	sb := strings.Builder{}
	sb.Grow(self.N)

	/* dump every bit, low bit first */
	for i := 0; i < self.N; i++ {
		if self.IsSet(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}
