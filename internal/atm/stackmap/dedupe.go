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

const (
	_MinDedupBits = 32
)

// Deduper concatenates the stack maps of many methods into one buffer. A
// table identical to one already written is replaced by a reference to it.
type Deduper struct {
	w    BitWriter
	seen map[string]int
	hits int
}

// NewDeduper creates an empty output.
func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]int)}
}

// Dedupe appends one encoded method and returns its byte offset in the output.
func (self *Deduper) Dedupe(data []byte) int {
	self.w.ByteAlign()
	ci := DecodeCodeInfo(data, 0)
	off := self.w.Len() / 8

	/* tables seen before and large enough for a reference to pay off */
	var dedup uint32
	for i := 0; i < NumTables; i++ {
		if ci.HasTable(i) {
			r := ci.TableRegion(i)
			if self.seen[r.Key()] != 0 && r.Len() > _MinDedupBits {
				dedup |= 1 << uint(i+_DedupShift)
			}
		}
	}

	/* the header, with the dedup flags of this output */
	hdr := ci.header
	hdr[_HeaderTableFlags] = hdr[_HeaderTableFlags]&(1<<_DedupShift-1) | dedup
	self.w.WriteInterleavedVarints(hdr[:])

	/* the tables, or references to earlier copies */
	for i := 0; i < NumTables; i++ {
		if !ci.HasTable(i) {
			continue
		}

		/* replace the table by a backward reference */
		r := ci.TableRegion(i)
		if key := r.Key(); dedup&(1<<uint(i+_DedupShift)) != 0 {
			self.hits++
			self.w.WriteVarint(uint32(self.w.Len() - self.seen[key]))
		} else {
			self.seen[key] = self.w.Len()
			self.w.WriteRegion(r)
		}
	}
	return off
}

// Hits returns the number of tables replaced by references.
func (self *Deduper) Hits() int {
	return self.hits
}

// Bytes returns the output.
func (self *Deduper) Bytes() []byte {
	self.w.ByteAlign()
	return self.w.Bytes()
}
