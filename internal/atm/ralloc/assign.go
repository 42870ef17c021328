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

package ralloc

import (
	"sort"

	"github.com/cloudwego/dexcc/internal/atm/abi"
	"github.com/cloudwego/dexcc/internal/atm/hir"
)

func (self *_Allocator) intervals() []*_Interval {
	var ret []*_Interval
	var ids []int

	/* values first, by id */
	for _, iv := range self.ivs {
		if iv != nil {
			ret = append(ret, iv)
			ids = append(ids, iv.v.Id)
		}
	}

	/* then the temporaries, ordered after every value */
	for _, bb := range self.order {
		for _, v := range bb.Ins {
			for _, iv := range self.temps[v.Id] {
				ret = append(ret, iv)
				ids = append(ids, len(self.ivs)+len(ids))
			}
		}
	}

	/* sort by start, then by id */
	idx := make([]int, len(ret))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(i int, j int) bool {
		a, b := idx[i], idx[j]
		return ret[a].start < ret[b].start || (ret[a].start == ret[b].start && ids[a] < ids[b])
	})

	/* apply the permutation */
	out := make([]*_Interval, len(ret))
	for i, k := range idx {
		out[i] = ret[k]
	}
	return out
}

// assign runs a linear scan over the hulls. An interval that finds no free
// register is spilled for its whole lifetime.
func (self *_Allocator) assign() {
	var active []*_Interval
	for _, iv := range self.intervals() {
		keep := active[:0]

		/* expire the intervals that ended */
		for _, a := range active {
			if a.end > iv.start || a.start == iv.start {
				keep = append(keep, a)
			}
		}

		/* forced to the stack */
		active = keep
		if iv.spill {
			self.spill(iv)
			continue
		}

		/* try a register */
		if r := self.pick(iv, active); r >= 0 {
			iv.loc = self.registerOf(iv, r)
			active = append(active, iv)
			continue
		}

		/* temporaries live across a single instruction and cannot spill */
		if iv.v == nil {
			panic("ralloc: out of registers for temporaries")
		}

		/* spill the value */
		self.spill(iv)
	}
}

func (self *_Allocator) pick(iv *_Interval, active []*_Interval) int {
	used := iv.avoid
	regs := self.arch.AllocatableCore()
	save := self.arch.CoreCalleeSaves()

	/* floating point values */
	if iv.fp {
		regs = self.arch.AllocatableFp()
		save = self.arch.FpCalleeSaves()
	}

	/* registers taken by the active intervals of the same file */
	for _, a := range active {
		if a.fp == iv.fp {
			used |= 1 << uint(self.regOf(a))
		}
	}

	/* first free register, callee-saves only for values living across calls */
	for _, r := range regs {
		if used&(1<<uint(r)) == 0 && (!iv.calls || save&(1<<uint(r)) != 0) {
			return r
		}
	}
	return -1
}

func (self *_Allocator) regOf(iv *_Interval) int {
	if iv.loc.IsFpuRegisterPair() {
		return iv.loc.Low()
	} else {
		return iv.loc.Reg()
	}
}

func (self *_Allocator) registerOf(iv *_Interval, r int) hir.Location {
	if iv.fp {
		return hir.FpuRegisterLocation(r)
	} else {
		return hir.RegisterLocation(r)
	}
}

// spill gives the value a stack slot of its own. 64-bit values take two
// slots starting at an even index.
func (self *_Allocator) spill(iv *_Interval) {
	if !iv.v.Type.Is64Bit() {
		iv.loc = hir.StackSlotLocation(abi.SpillSlotOffset(self.cfg.Features.ISA, self.outs, self.slots))
		self.slots++
	} else {
		self.slots = (self.slots + 1) &^ 1
		iv.loc = hir.DoubleStackSlotLocation(abi.SpillSlotOffset(self.cfg.Features.ISA, self.outs, self.slots))
		self.slots += 2
	}
}
