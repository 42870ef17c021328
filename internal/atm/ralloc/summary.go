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
	"fmt"

	"github.com/cloudwego/dexcc/internal/atm/abi"
	"github.com/cloudwego/dexcc/internal/atm/hir"
)

// summarize builds the location summary of every phi and instruction.
func (self *_Allocator) summarize() {
	for _, bb := range self.order {
		for _, v := range bb.Phis {
			v.Locs = hir.NewLocationSummary(len(v.Inputs), hir.NoCall)
			v.Locs.SetOut(self.locationOf(v))

			/* catch phi inputs are read by the runtime from the frame */
			for i, u := range v.Inputs {
				v.Locs.SetInAt(i, self.locationOf(u))
			}
		}
		for _, v := range bb.Ins {
			self.summarizeInstr(v)
		}
	}
}

func (self *_Allocator) summarizeInstr(v *hir.Instr) {
	p := self.pos[v.Id]
	kind := self.kinds[v.Id]
	locs := hir.NewLocationSummary(len(v.Inputs), kind)

	/* inputs, output and temporaries */
	for i, u := range v.Inputs {
		locs.SetInAt(i, self.locationOf(u))
	}
	if v.HasValue() {
		locs.SetOut(self.locationOf(v))
	}
	for _, iv := range self.temps[v.Id] {
		locs.AddTemp(iv.loc)
	}

	/* what the runtime must know when it stops here */
	if kind != hir.NoCall || v.Env != nil {
		self.markSafepoint(v, locs, p)
	}
	if v.Env != nil {
		self.fillEnvironment(v.Env)
	}
	v.Locs = locs
}

// markSafepoint records the references held in registers and stack slots
// across the instruction, and the caller-save registers a slow path saves.
func (self *_Allocator) markSafepoint(v *hir.Instr, locs *hir.LocationSummary, p int) {
	var live hir.RegisterSet
	for _, iv := range self.ivs {
		if iv == nil || iv.v == v || !iv.holds(p) {
			continue
		}

		/* registers are saved by the slow paths, objects are reported to the GC */
		ref := iv.v.Type == hir.Reference
		switch {
		case iv.loc.IsCoreRegister():
			live.Add(iv.loc)
			if ref {
				locs.SetRegisterBit(iv.loc.Reg())
			}
		case iv.loc.IsFpu():
			live.Add(iv.loc)
		case iv.loc.IsStack() && ref:
			locs.SetStackBit(iv.loc.Offset() / 4)
		}
	}

	/* callee-saves are preserved by the runtime anyway */
	if locs.OnlyCallsOnSlowPath() {
		locs.SetLiveRegisters(hir.RegisterSet{
			Core: live.Core &^ self.arch.CoreCalleeSaves(),
			Fp:   live.Fp &^ self.arch.FpCalleeSaves(),
		})
	}
}

func (self *_Allocator) fillEnvironment(env *hir.Environment) {
	for i := range env.Frames {
		s := env.Frames[i].Slots
		for j := range s {
			if s[j].Value != nil {
				s[j].Loc = self.locationOf(s[j].Value)
			}
		}
	}
}

/** Parallel Moves **/

func (self *_Allocator) newMove(moves []hir.Move, at *hir.Instr) *hir.Instr {
	v := self.g.NewInstr(hir.OpParallelMove, hir.Void)
	v.Moves = moves
	v.DexPC = at.DexPC
	v.Locs = hir.NewLocationSummary(0, hir.NoCall)
	return v
}

// insertMoves places the arguments of every call in the locations the
// calling convention expects, and fills the phis at the end of their
// predecessors.
func (self *_Allocator) insertMoves() {
	vis := abi.NewInvokeVisitor(self.cfg.Features.ISA)
	for _, bb := range self.g.Blocks {
		for _, v := range append([]*hir.Instr(nil), bb.Ins...) {
			if v.Op == hir.OpInvokeStatic && len(v.Inputs) != 0 {
				vis.Reset()
				self.insertArgumentMoves(v, vis)
			}
		}
	}

	/* phis of the normal blocks */
	for _, bb := range self.g.Blocks {
		if !bb.Catch && len(bb.Phis) != 0 {
			for i, pred := range bb.Preds {
				self.insertPhiMoves(bb, i, pred)
			}
		}
	}
}

func (self *_Allocator) insertArgumentMoves(v *hir.Instr, vis *abi.InvokeVisitor) {
	moves := make([]hir.Move, 0, len(v.Inputs))
	for i, vt := range v.Sig.Params {
		dst := vis.NextLocation(vt)
		moves = append(moves, hir.Move{Src: v.Locs.InAt(i), Dst: dst, Type: vt})
		v.Locs.SetInAt(i, dst)
	}
	self.g.InsertBefore(v, self.newMove(moves, v))
}

func (self *_Allocator) insertPhiMoves(bb *hir.BasicBlock, i int, pred *hir.BasicBlock) {
	var moves []hir.Move
	last := pred.Last()

	/* the critical edges are split, so the predecessor ends with a jump */
	if last.Op != hir.OpGoto {
		panic(fmt.Sprintf("ralloc: predecessor %s of %s does not end with a goto", pred, bb))
	}

	/* skip the phis already in place */
	for _, p := range bb.Phis {
		if src, dst := p.Locs.InAt(i), p.Locs.Out(); !src.Equals(dst) {
			moves = append(moves, hir.Move{Src: src, Dst: dst, Type: p.Type})
		}
	}

	/* right before the jump */
	if len(moves) != 0 {
		self.g.InsertBefore(last, self.newMove(moves, last))
	}
}
