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
	"github.com/oleiade/lane"

	"github.com/cloudwego/dexcc/internal/atm/abi"
	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/utils"
)

func union(dst *utils.Bitmap, src *utils.Bitmap) (changed bool) {
	src.ForEach(func(i int) {
		if !dst.IsSet(i) {
			dst.SetBit(i)
			changed = true
		}
	})
	return
}

func (self *_Allocator) tracked(v *hir.Instr) bool {
	return self.ivs[v.Id] != nil
}

// eachUse calls fn for the inputs and the environment values of v that have
// an interval.
func (self *_Allocator) eachUse(v *hir.Instr, fn func(u *hir.Instr)) {
	for _, u := range v.Inputs {
		if self.tracked(u) {
			fn(u)
		}
	}
	if v.Env != nil {
		self.forEachEnvValue(v.Env, func(u *hir.Instr) {
			if self.tracked(u) {
				fn(u)
			}
		})
	}
}

func (self *_Allocator) liveOut(bb *hir.BasicBlock) (ret utils.Bitmap) {
	for _, s := range bb.Succs {
		union(&ret, &self.live[s.Id])

		/* the phi inputs flowing along this edge */
		k := -1
		for i, p := range s.Preds {
			if p == bb {
				k = i
				break
			}
		}
		for _, p := range s.Phis {
			if u := p.Inputs[k]; self.tracked(u) {
				ret.SetBit(u.Id)
			}
		}
	}

	/* catch phis are filled by the runtime, only the handler body matters */
	for _, h := range bb.Handlers {
		union(&ret, &self.live[h.Id])
	}
	return
}

func (self *_Allocator) liveIn(bb *hir.BasicBlock, out *utils.Bitmap) utils.Bitmap {
	ret := out.Clone()
	for i := len(bb.Ins) - 1; i >= 0; i-- {
		v := bb.Ins[i]
		ret.ClearBit(v.Id)
		self.eachUse(v, func(u *hir.Instr) { ret.SetBit(u.Id) })
	}
	for _, p := range bb.Phis {
		ret.ClearBit(p.Id)
	}
	return ret
}

// liveness computes the live-in and live-out sets of every block with a
// backward data flow, handlers count as successors of the blocks they cover.
func (self *_Allocator) liveness() {
	nb := len(self.g.Blocks)
	self.live = make([]utils.Bitmap, nb)
	self.out = make([]utils.Bitmap, nb)

	/* the throwing predecessors of every handler */
	preds := make([][]*hir.BasicBlock, nb)
	for _, bb := range self.g.Blocks {
		preds[bb.Id] = append(preds[bb.Id], bb.Preds...)
		for _, h := range bb.Handlers {
			preds[h.Id] = append(preds[h.Id], bb)
		}
	}

	/* start from the exits */
	q := lane.NewQueue()
	vis := make([]bool, nb)
	for _, bb := range self.g.PostOrder() {
		vis[bb.Id] = true
		q.Enqueue(bb)
	}

	/* iterate until nothing changes */
	for !q.Empty() {
		bb := q.Dequeue().(*hir.BasicBlock)
		vis[bb.Id] = false
		self.out[bb.Id] = self.liveOut(bb)
		in := self.liveIn(bb, &self.out[bb.Id])

		/* the predecessors must be revisited */
		if !in.Equal(&self.live[bb.Id]) {
			self.live[bb.Id] = in
			for _, p := range preds[bb.Id] {
				if !vis[p.Id] {
					vis[p.Id] = true
					q.Enqueue(p)
				}
			}
		}
	}
}

// buildIntervals computes the hull of every value: from its definition to
// its last use, or to the end of the last block it is live out of.
func (self *_Allocator) buildIntervals() {
	for _, bb := range self.order {
		for _, v := range bb.Phis {
			if iv := self.ivs[v.Id]; iv != nil {
				iv.def, iv.start, iv.end = self.from[bb.Id], self.from[bb.Id], self.from[bb.Id]
			}
		}
		for _, v := range bb.Ins {
			if iv := self.ivs[v.Id]; iv != nil {
				iv.def, iv.start, iv.end = self.pos[v.Id], self.pos[v.Id], self.pos[v.Id]
			}
		}
	}

	/* a phi is written by the moves at the end of its predecessors */
	for _, bb := range self.order {
		if bb.Catch {
			continue
		}
		for _, v := range bb.Phis {
			if iv := self.ivs[v.Id]; iv != nil {
				for _, p := range bb.Preds {
					iv.start = min(iv.start, self.pos[p.Last().Id]-2)
				}
			}
		}
	}

	/* extend to the uses */
	for _, bb := range self.order {
		for _, v := range bb.Ins {
			p := self.pos[v.Id]
			use := p

			/* invoke arguments are moved into place before the call */
			if v.Op == hir.OpInvokeStatic {
				use = p - 2
			}

			/* inputs, then the environment */
			for _, u := range v.Inputs {
				self.extend(u.Id, use)
			}
			if v.Env != nil {
				self.forEachEnvValue(v.Env, func(u *hir.Instr) { self.extend(u.Id, p+1) })
			}
		}

		/* and to the end of the blocks the value is live out of */
		self.out[bb.Id].ForEach(func(i int) { self.extend(i, self.to[bb.Id]) })
	}

	/* calls and clobbers crossed by each interval */
	for _, bb := range self.order {
		for _, v := range bb.Ins {
			p := self.pos[v.Id]
			kill := self.clobbers(v)
			call := self.kinds[v.Id] == hir.CallOnMainOnly

			/* nothing to restrict */
			if kill == 0 && !call {
				continue
			}

			/* values alive after the call must survive it */
			for _, iv := range self.ivs {
				if iv != nil && !iv.fp && iv.crosses(p) {
					iv.avoid |= kill
				}
				if iv != nil && call && iv.start < p && iv.end > p-2 {
					iv.calls = true
				}
			}
		}
	}

	/* parameters must not take the registers other parameters arrive in */
	self.avoidArguments()
}

func (self *_Allocator) extend(id int, p int) {
	if iv := self.ivs[id]; iv != nil && p > iv.end {
		iv.end = p
	}
}

func (self *_Allocator) avoidArguments() {
	var core uint32
	var fp uint32

	/* every register used by the incoming arguments */
	cc := abi.NewManagedConvention(self.cfg.Features.ISA, self.g.Sig, self.g.Static)
	core |= 1 << uint(cc.MethodRegister().Reg())

	/* split by register file */
	for _, sp := range cc.EntrySpills() {
		if sp.Reg.IsFpu() {
			fp |= 1 << uint(sp.Reg.Reg())
		} else if sp.Reg.IsCoreRegister() {
			core |= 1 << uint(sp.Reg.Reg())
		}
	}

	/* apply to the parameters */
	for _, v := range self.g.Entry.Ins {
		if iv := self.ivs[v.Id]; iv != nil && v.Op == hir.OpParameter {
			if iv.fp {
				iv.avoid |= fp
			} else {
				iv.avoid |= core
			}
		}
	}
}

// countOutVRegs sizes the outgoing argument area for the largest call, kept
// even so spill slots of 64-bit values are 8-byte aligned.
func (self *_Allocator) countOutVRegs() {
	vis := abi.NewInvokeVisitor(self.cfg.Features.ISA)
	for _, bb := range self.g.Blocks {
		for _, v := range bb.Ins {
			if v.Op == hir.OpInvokeStatic {
				vis.Reset()
				for _, vt := range v.Sig.Params {
					vis.NextLocation(vt)
				}
				self.outs = max(self.outs, vis.OutVRegs())
			}
		}
	}
	self.outs = (self.outs + 1) &^ 1
}
