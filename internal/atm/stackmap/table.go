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
	"slices"

	"github.com/cloudwego/dexcc/internal/utils"
)

// NoValue marks an absent column value. Values are stored biased by one, so
// NoValue takes no bits at all.
const NoValue = ^uint32(0)

const (
	_H0 = 2166136261
	_Hp = 16777619
)

func hashWords(h uint32, vs []uint32) uint32 {
	for _, w := range vs {
		h = (h * _Hp) ^ (w & 0xff)
		h = (h * _Hp) ^ ((w >> 8) & 0xff)
		h = (h * _Hp) ^ ((w >> 16) & 0xff)
		h = (h * _Hp) ^ ((w >> 24) & 0xff)
	}
	return h
}

func hashBytes(h uint32, vs []byte) uint32 {
	for _, w := range vs {
		h = (h * _Hp) ^ uint32(w)
	}
	return h
}

// _TableBuilder accumulates the rows of a table with a fixed number of
// columns. Rows added with Dedup are shared with identical earlier ones.
type _TableBuilder struct {
	cols  int
	rows  []uint32
	dedup map[uint32][]uint32
	hits  int
}

func newTableBuilder(cols int) _TableBuilder {
	return _TableBuilder{cols: cols}
}

func (self *_TableBuilder) Len() int {
	return len(self.rows) / self.cols
}

func (self *_TableBuilder) At(i int, col int) uint32 {
	return self.rows[i*self.cols+col]
}

func (self *_TableBuilder) Set(i int, col int, v uint32) {
	self.rows[i*self.cols+col] = v
}

// Add appends one row without looking for duplicates.
func (self *_TableBuilder) Add(row ...uint32) uint32 {
	if len(row) != self.cols {
		panic(fmt.Sprintf("stackmap: row of %d columns in a table of %d", len(row), self.cols))
	}
	i := self.Len()
	self.rows = append(self.rows, row...)
	return uint32(i)
}

func (self *_TableBuilder) matches(i int, rows []uint32) bool {
	if off := i * self.cols; off+len(rows) > len(self.rows) {
		return false
	} else {
		return slices.Equal(self.rows[off:off+len(rows)], rows)
	}
}

// Dedup adds a chain of consecutive rows, flattened, and returns the index of
// its first row. An identical chain added before is reused.
func (self *_TableBuilder) Dedup(rows ...uint32) uint32 {
	if len(rows)%self.cols != 0 {
		panic(fmt.Sprintf("stackmap: %d values do not form rows of %d columns", len(rows), self.cols))
	}

	/* empty chains need no storage */
	if len(rows) == 0 {
		return 0
	}

	/* lazy initialize the hash table */
	if self.dedup == nil {
		self.dedup = make(map[uint32][]uint32)
	}

	/* look for an exact match among the chains with the same hash */
	h := hashWords(_H0, rows)
	for _, i := range self.dedup[h] {
		if self.matches(int(i), rows) {
			self.hits++
			return i
		}
	}

	/* not seen before, add the chain */
	i := uint32(self.Len())
	self.rows = append(self.rows, rows...)
	self.dedup[h] = append(self.dedup[h], i)
	return i
}

// Encode writes the table. Every column takes the smallest width that holds
// all of its values.
func (self *_TableBuilder) Encode(w *BitWriter) {
	n := self.Len()
	hdr := make([]uint32, self.cols+1)
	hdr[0] = uint32(n)

	/* compute the column widths */
	for i := 0; i < n; i++ {
		for c := 0; c < self.cols; c++ {
			hdr[c+1] = max(hdr[c+1], uint32(bits.Len32(self.At(i, c)+1)))
		}
	}

	/* header, then the rows */
	w.WriteInterleavedVarints(hdr)
	for i := 0; i < n; i++ {
		for c := 0; c < self.cols; c++ {
			w.WriteBits(self.At(i, c)+1, int(hdr[c+1]))
		}
	}
}

// _BitmapTableBuilder accumulates bitmaps, trimmed of their trailing zeros.
// Every stored row has the width of the longest one.
type _BitmapTableBuilder struct {
	rows  []utils.Bitmap
	nbit  int
	dedup map[uint32][]uint32
	hits  int
}

func (self *_BitmapTableBuilder) Len() int {
	return len(self.rows)
}

// Dedup adds a bitmap and returns its row. An empty bitmap has no row.
func (self *_BitmapTableBuilder) Dedup(bm *utils.Bitmap) uint32 {
	if bm == nil {
		return NoValue
	}

	/* nothing set, nothing to store */
	n := bm.Trimmed()
	if n == 0 {
		return NoValue
	}

	/* lazy initialize the hash table */
	if self.dedup == nil {
		self.dedup = make(map[uint32][]uint32)
	}

	/* look for an exact match */
	h := hashBytes(_H0, bm.B[:(n+7)/8])
	for _, i := range self.dedup[h] {
		if self.rows[i].Equal(bm) {
			self.hits++
			return i
		}
	}

	/* keep a trimmed copy */
	cp := bm.Clone()
	cp.N = n
	cp.B = cp.B[:(n+7)/8]

	/* add the new row */
	i := uint32(len(self.rows))
	self.rows = append(self.rows, cp)
	self.nbit = max(self.nbit, n)
	self.dedup[h] = append(self.dedup[h], i)
	return i
}

// Encode writes the header [rows, width] followed by the rows.
func (self *_BitmapTableBuilder) Encode(w *BitWriter) {
	w.WriteInterleavedVarints([]uint32{uint32(len(self.rows)), uint32(self.nbit)})
	for i := range self.rows {
		for b := 0; b < self.nbit; b++ {
			if self.rows[i].IsSet(b) {
				w.WriteBits(1, 1)
			} else {
				w.WriteBits(0, 1)
			}
		}
	}
}

// BitTable is a decoded table of fixed-width columns.
type BitTable struct {
	rows   int
	stride int
	widths []int
	offs   []int
	data   BitRegion
}

func decodeBitTable(r *BitReader, cols int) BitTable {
	hdr := r.ReadInterleavedVarints(cols + 1)
	ret := BitTable{rows: int(hdr[0]), widths: make([]int, cols), offs: make([]int, cols)}

	/* column layout */
	for c := 0; c < cols; c++ {
		if hdr[c+1] > 32 {
			panic(fmt.Sprintf("stackmap: invalid column width %d", hdr[c+1]))
		}
		ret.offs[c] = ret.stride
		ret.widths[c] = int(hdr[c+1])
		ret.stride += ret.widths[c]
	}

	/* the rows follow the header */
	ret.data = r.ReadRegion(ret.rows * ret.stride)
	return ret
}

// Rows returns the number of rows.
func (self *BitTable) Rows() int {
	return self.rows
}

// Get returns a column of a row, NoValue for absent values.
func (self *BitTable) Get(row int, col int) uint32 {
	if row < 0 || row >= self.rows {
		panic(fmt.Sprintf("stackmap: row %d out of table of %d rows", row, self.rows))
	}
	return self.data.Bits(row*self.stride+self.offs[col], self.widths[col]) - 1
}

// Widths returns the bit width of each column.
func (self *BitTable) Widths() []int {
	return self.widths
}

// BitmapTable is a decoded table of equally sized bitmaps.
type BitmapTable struct {
	rows int
	nbit int
	data BitRegion
}

func decodeBitmapTable(r *BitReader) BitmapTable {
	hdr := r.ReadInterleavedVarints(2)
	ret := BitmapTable{rows: int(hdr[0]), nbit: int(hdr[1])}
	ret.data = r.ReadRegion(ret.rows * ret.nbit)
	return ret
}

// Rows returns the number of bitmaps.
func (self *BitmapTable) Rows() int {
	return self.rows
}

// Get returns bitmap i.
func (self *BitmapTable) Get(i int) BitRegion {
	if i < 0 || i >= self.rows {
		panic(fmt.Sprintf("stackmap: bitmap %d out of table of %d rows", i, self.rows))
	}
	return self.data.Subregion(i*self.nbit, self.nbit)
}
