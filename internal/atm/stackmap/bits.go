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

package stackmap

import (
	"fmt"
	"math/bits"
	"strings"
)

/** Variable Width Integers
 *
 *  A varint starts with a 4-bit prefix. Prefixes 0 to 11 are the value itself,
 *  prefixes 12 to 15 mean the value follows in 1 to 4 whole bytes.
 *
 *  The interleaved form writes the prefixes of every value first, followed by
 *  the payloads, so the values after the first one can be located without
 *  decoding the ones before it.
 */

const (
	_VarintBits = 4
	_VarintMax  = 11
)

func varintBytes(v uint32) int {
	if v <= _VarintMax {
		return 0
	} else {
		return (bits.Len32(v) + 7) / 8
	}
}

func loadBits(buf []byte, off int, n int) uint32 {
	if n == 0 {
		return 0
	}

	/* gather enough bytes to cover the field */
	v := uint64(0)
	i := off >> 3
	sh := uint(off & 7)

	/* at most 5 bytes for a 32-bit field */
	for k := 0; k*8 < n+int(sh); k++ {
		v |= uint64(buf[i+k]) << (8 * k)
	}
	return uint32((v >> sh) & (1<<uint(n) - 1))
}

func storeBits(buf []byte, off int, v uint32, n int) {
	for n > 0 {
		i := off >> 3
		sh := uint(off & 7)
		nb := min(n, 8-int(sh))
		mask := byte((1<<uint(nb) - 1) << sh)

		/* merge the bits into the current byte */
		buf[i] = (buf[i] &^ mask) | (byte(v<<sh) & mask)
		v >>= uint(nb)
		off += nb
		n -= nb
	}
}

// BitRegion is a read-only view of a range of bits, least significant bit of
// each byte first.
type BitRegion struct {
	buf []byte
	off int
	n   int
}

// Len returns the length of the region in bits.
func (self BitRegion) Len() int {
	return self.n
}

// Offset returns the absolute bit offset of the region in its buffer.
func (self BitRegion) Offset() int {
	return self.off
}

// Bit returns bit i of the region.
func (self BitRegion) Bit(i int) bool {
	if i < 0 || i >= self.n {
		panic(fmt.Sprintf("stackmap: bit %d out of region of %d bits", i, self.n))
	}
	return self.buf[(self.off+i)>>3]&(1<<uint((self.off+i)&7)) != 0
}

// Bits loads n bits, at most 32, starting at bit i.
func (self BitRegion) Bits(i int, n int) uint32 {
	if n < 0 || n > 32 || i < 0 || i+n > self.n {
		panic(fmt.Sprintf("stackmap: bits [%d, %d) out of region of %d bits", i, i+n, self.n))
	}
	return loadBits(self.buf, self.off+i, n)
}

// PopCount returns the number of set bits in [i, i+n).
func (self BitRegion) PopCount(i int, n int) (ret int) {
	for n > 0 {
		k := min(n, 32)
		ret += bits.OnesCount32(self.Bits(i, k))
		i += k
		n -= k
	}
	return
}

// Subregion returns the bits [i, i+n).
func (self BitRegion) Subregion(i int, n int) BitRegion {
	if i < 0 || n < 0 || i+n > self.n {
		panic(fmt.Sprintf("stackmap: subregion [%d, %d) out of region of %d bits", i, i+n, self.n))
	}
	return BitRegion{buf: self.buf, off: self.off + i, n: n}
}

// Equal compares the content of two regions.
func (self BitRegion) Equal(other BitRegion) bool {
	if self.n != other.n {
		return false
	}
	for i := 0; i < self.n; i += 32 {
		if k := min(self.n-i, 32); self.Bits(i, k) != other.Bits(i, k) {
			return false
		}
	}
	return true
}

// Key returns the content of the region in a form usable as a map key.
func (self BitRegion) Key() string {
	var w BitWriter
	w.WriteRegion(self)
	return fmt.Sprintf("%d:%s", self.n, w.Bytes())
}

func (self BitRegion) String() string {
	sb := strings.Builder{}
	sb.Grow(self.n)

	/* dump every bit, low bit first */
	for i := 0; i < self.n; i++ {
		if self.Bit(i) {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

// BitWriter appends bits to a byte buffer.
type BitWriter struct {
	buf []byte
	n   int
}

func (self *BitWriter) grow(n int) {
	for self.n+n > len(self.buf)*8 {
		self.buf = append(self.buf, 0)
	}
}

// Len returns the number of bits written so far.
func (self *BitWriter) Len() int {
	return self.n
}

// Bytes returns the written bits, padded with zeros to a whole byte.
func (self *BitWriter) Bytes() []byte {
	return self.buf[:(self.n+7)/8]
}

// ByteAlign pads the output with zeros to the next byte boundary.
func (self *BitWriter) ByteAlign() {
	self.grow(-self.n & 7)
	self.n = (self.n + 7) &^ 7
}

// WriteBits appends the low n bits of v.
func (self *BitWriter) WriteBits(v uint32, n int) {
	if n < 0 || n > 32 {
		panic(fmt.Sprintf("stackmap: invalid bit field width %d", n))
	}
	if n < 32 && v>>uint(n) != 0 {
		panic(fmt.Sprintf("stackmap: value %#x does not fit in %d bits", v, n))
	}
	self.grow(n)
	storeBits(self.buf, self.n, v, n)
	self.n += n
}

// WriteRegion appends a copy of the bits in r.
func (self *BitWriter) WriteRegion(r BitRegion) {
	for i := 0; i < r.n; i += 32 {
		k := min(r.n-i, 32)
		self.WriteBits(r.Bits(i, k), k)
	}
}

// WriteVarint appends one varint.
func (self *BitWriter) WriteVarint(v uint32) {
	if nb := varintBytes(v); nb == 0 {
		self.WriteBits(v, _VarintBits)
	} else {
		self.WriteBits(uint32(_VarintMax+nb), _VarintBits)
		self.WriteBits(v, nb*8)
	}
}

// WriteInterleavedVarints appends the prefixes of every value, then the
// payloads of the values that do not fit in their prefix.
func (self *BitWriter) WriteInterleavedVarints(vs []uint32) {
	for _, v := range vs {
		if nb := varintBytes(v); nb == 0 {
			self.WriteBits(v, _VarintBits)
		} else {
			self.WriteBits(uint32(_VarintMax+nb), _VarintBits)
		}
	}
	for _, v := range vs {
		if nb := varintBytes(v); nb != 0 {
			self.WriteBits(v, nb*8)
		}
	}
}

// BitReader consumes bits from a byte buffer.
type BitReader struct {
	buf []byte
	pos int
}

// NewBitReader starts reading at bit offset off of buf.
func NewBitReader(buf []byte, off int) *BitReader {
	if off < 0 || off > len(buf)*8 {
		panic(fmt.Sprintf("stackmap: bit offset %d out of buffer of %d bytes", off, len(buf)))
	}
	return &BitReader{buf: buf, pos: off}
}

// Pos returns the absolute bit offset of the next bit.
func (self *BitReader) Pos() int {
	return self.pos
}

func (self *BitReader) must(n int) {
	if self.pos+n > len(self.buf)*8 {
		panic(fmt.Sprintf("stackmap: truncated input reading %d bits at bit %d", n, self.pos))
	}
}

// ReadBits consumes n bits, at most 32.
func (self *BitReader) ReadBits(n int) uint32 {
	self.must(n)
	v := loadBits(self.buf, self.pos, n)
	self.pos += n
	return v
}

// ReadRegion consumes n bits and returns them as a region.
func (self *BitReader) ReadRegion(n int) BitRegion {
	self.must(n)
	r := BitRegion{buf: self.buf, off: self.pos, n: n}
	self.pos += n
	return r
}

// ReadVarint consumes one varint.
func (self *BitReader) ReadVarint() uint32 {
	if v := self.ReadBits(_VarintBits); v <= _VarintMax {
		return v
	} else {
		return self.ReadBits(int(v-_VarintMax) * 8)
	}
}

// ReadInterleavedVarints consumes n interleaved varints.
func (self *BitReader) ReadInterleavedVarints(n int) []uint32 {
	ret := make([]uint32, n)
	for i := range ret {
		ret[i] = self.ReadBits(_VarintBits)
	}
	for i, v := range ret {
		if v > _VarintMax {
			ret[i] = self.ReadBits(int(v-_VarintMax) * 8)
		}
	}
	return ret
}
