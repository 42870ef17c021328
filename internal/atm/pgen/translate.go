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

package pgen

import (
	"fmt"

	"github.com/cloudwego/dexcc/internal/atm/abi"
	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/atm/rtx"
	"github.com/cloudwego/dexcc/internal/atm/stackmap"
)

// Instructions that are expressed with backend primitives only are
// translated here, the rest goes to the backend's own table.
var translators = [hir.NumOpCodes]func(*CodeGenerator, *hir.Instr){
	hir.OpNop:             (*CodeGenerator).translateNop,
	hir.OpParameter:       (*CodeGenerator).translateParameter,
	hir.OpCurrentMethod:   (*CodeGenerator).translateNop,
	hir.OpConstant:        (*CodeGenerator).translateConstant,
	hir.OpIf:              (*CodeGenerator).translateIf,
	hir.OpGoto:            (*CodeGenerator).translateGoto,
	hir.OpReturn:          (*CodeGenerator).translateReturn,
	hir.OpReturnVoid:      (*CodeGenerator).translateReturn,
	hir.OpInvokeStatic:    (*CodeGenerator).translateInvokeStatic,
	hir.OpNewInstance:     (*CodeGenerator).translateNewInstance,
	hir.OpThrow:           (*CodeGenerator).translateThrow,
	hir.OpNullCheck:       (*CodeGenerator).translateNullCheck,
	hir.OpBoundsCheck:     (*CodeGenerator).translateBoundsCheck,
	hir.OpDivZeroCheck:    (*CodeGenerator).translateDivZeroCheck,
	hir.OpSuspendCheck:    (*CodeGenerator).translateSuspendCheck,
	hir.OpDeoptimize:      (*CodeGenerator).translateDeoptimize,
	hir.OpParallelMove:    (*CodeGenerator).translateParallelMove,
	hir.OpBitCount:        (*CodeGenerator).translateBitCount,
	hir.OpNativeDebugInfo: (*CodeGenerator).translateNativeDebugInfo,
}

func (self *CodeGenerator) translate(v *hir.Instr) {
	if v.Op == hir.OpPhi {
		panic(fmt.Sprintf("pgen: phi v%d among the instructions of %s", v.Id, v.Block))
	} else if fn := translators[v.Op]; fn != nil {
		fn(self, v)
	} else {
		self.be.translate(v)
	}
}

func (self *CodeGenerator) translateNop(_ *hir.Instr) {}

func (self *CodeGenerator) translateParameter(v *hir.Instr) {
	self.cc.Reset()
	for i := int64(0); i < v.Iv; i++ {
		self.cc.Next()
	}

	/* arguments passed in registers */
	if self.cc.IsCurrentParamInRegister() {
		self.be.move(v.Locs.Out(), self.cc.CurrentParamRegister(), v.Type)
		return
	}

	/* the others are in the caller's out area, right above our frame */
	if off := self.frame.FrameSize + self.cc.CurrentParamStackOffset(); v.Type.Is64Bit() {
		self.be.move(v.Locs.Out(), hir.DoubleStackSlotLocation(off), v.Type)
	} else {
		self.be.move(v.Locs.Out(), hir.StackSlotLocation(off), v.Type)
	}
}

func (self *CodeGenerator) translateConstant(v *hir.Instr) {
	if out := v.Locs.Out(); out.IsValid() && !out.IsConstant() {
		self.be.li(out, v.Iv, v.Type)
	}
}

func (self *CodeGenerator) translateIf(v *hir.Instr) {
	a := v.Locs.InAt(0)
	b := v.Locs.InAt(1)
	t := v.Block.Succs[0]
	f := v.Block.Succs[1]
	vt := v.Inputs[0].Type
	cc := v.Cond

	/* unordered float compares are false for every condition, they cannot be negated */
	if !vt.IsFloatingPoint() && self.fallsInto(t) {
		t, f, cc = f, t, cc.Negate()
	}

	/* branch to the true target, fall into or jump to the false one */
	self.branch(cc, vt, a, b, self.target(t))
	self.jumpTo(f)
}

func (self *CodeGenerator) translateGoto(v *hir.Instr) {
	self.jumpTo(v.Block.Succs[0])
}

func (self *CodeGenerator) translateReturn(v *hir.Instr) {
	if v.Op == hir.OpReturn {
		self.be.move(self.cc.ReturnRegister(), v.Locs.InAt(0), v.Inputs[0].Type)
	}
	self.be.epilogue()
}

func (self *CodeGenerator) translateInvokeStatic(v *hir.Instr) {
	self.be.invoke(v.Method)
	self.record(v, stackmap.Default)

	/* the result comes back in the return register */
	if v.HasValue() {
		self.be.move(v.Locs.Out(), abi.NewInvokeVisitor(self.opts.ISA).ReturnLocation(v.Type), v.Type)
	}
}

func (self *CodeGenerator) translateNewInstance(v *hir.Instr) {
	self.be.li(self.runtimeArg(rtx.AllocObject, 0), v.Iv, hir.Int32)
	self.callRuntime(v, rtx.AllocObject)
	self.be.move(v.Locs.Out(), self.runtimeReturn(rtx.AllocObject), hir.Reference)
}

func (self *CodeGenerator) translateThrow(v *hir.Instr) {
	self.runtimeArgs(rtx.DeliverException, v.Locs.InAt(0))
	self.callRuntime(v, rtx.DeliverException)
}

func (self *CodeGenerator) translateNullCheck(v *hir.Instr) {
	sp := self.newSlowPath(_SlowNullCheck, v)
	self.branchZero(v.Locs.InAt(0), hir.Reference, true, sp.entry)
	self.passThrough(v)
}

func (self *CodeGenerator) translateBoundsCheck(v *hir.Instr) {
	sp := self.newSlowPath(_SlowBoundsCheck, v)
	self.branch(hir.CondAE, hir.Int32, v.Locs.InAt(0), v.Locs.InAt(1), sp.entry)
	self.passThrough(v)
}

func (self *CodeGenerator) translateDivZeroCheck(v *hir.Instr) {
	sp := self.newSlowPath(_SlowDivZeroCheck, v)
	self.branchZero(v.Locs.InAt(0), v.Inputs[0].Type, true, sp.entry)
	self.passThrough(v)
}

func (self *CodeGenerator) translateSuspendCheck(v *hir.Instr) {
	if self.g.OSR && v.Block.IsLoopHeader() {
		self.be.nop()
		self.record(v, stackmap.OSR)
	}

	/* test the flags, the slow path comes back right here */
	sp := self.newSlowPath(_SlowSuspendCheck, v)
	self.be.testThread(rtx.FlagsOffset(), rtx.SuspendOrCheckpoint, sp.entry)
	self.be.bind(sp.exit)
}

func (self *CodeGenerator) translateDeoptimize(v *hir.Instr) {
	sp := self.newSlowPath(_SlowDeoptimize, v)
	self.branchZero(v.Locs.InAt(0), v.Inputs[0].Type, false, sp.entry)
}

func (self *CodeGenerator) translateParallelMove(v *hir.Instr) {
	self.parallelMove(v.Moves)
}

func (self *CodeGenerator) translateBitCount(v *hir.Instr) {
	e := rtx.BitCountInt
	vt := v.Inputs[0].Type

	/* the backend has an instruction for it */
	if !v.Locs.CanCall() {
		self.be.translate(v)
		return
	}

	/* otherwise the runtime counts */
	if vt.Is64Bit() {
		e = rtx.BitCountLong
	}

	/* call the runtime */
	self.runtimeArgs(e, v.Locs.InAt(0))
	self.callRuntime(v, e)
	self.be.move(v.Locs.Out(), self.runtimeReturn(e), hir.Int32)
}

func (self *CodeGenerator) translateNativeDebugInfo(v *hir.Instr) {
	self.be.nop()
	self.record(v, stackmap.Debug)
}

// readBarrier is called by the backends after loading a reference, the
// slow path marks the object while the collector is marking.
func (self *CodeGenerator) readBarrier(v *hir.Instr) {
	if v.Locs.OnlyCallsOnSlowPath() {
		sp := self.newSlowPath(_SlowReadBarrier, v)
		self.be.testThread(rtx.IsGcMarkingOffset(), -1, sp.entry)
		self.be.bind(sp.exit)
	}
}

// passThrough moves the checked value to the output of a check.
func (self *CodeGenerator) passThrough(v *hir.Instr) {
	if out := v.Locs.Out(); v.HasValue() && out.IsValid() {
		self.be.move(out, v.Locs.InAt(0), v.Type)
	}
}

/** Branches **/

func (self *CodeGenerator) branch(cc hir.Condition, vt hir.DataType, a hir.Location, b hir.Location, l _Label) {
	if a.IsConstant() && b.IsConstant() {
		if evaluate(cc, vt, a.Constant().Iv, b.Constant().Iv) {
			self.be.jump(l)
		}
		return
	}

	/* keep the constant on the right if possible */
	if a.IsConstant() {
		if mc, ok := mirror(cc); ok {
			a, b, cc = b, a, mc
		}
	}

	/* compare and branch */
	self.be.branch(cc, vt, a, b, l)
}

func (self *CodeGenerator) branchZero(loc hir.Location, vt hir.DataType, zero bool, l _Label) {
	if !loc.IsConstant() {
		self.be.branchZero(loc, vt, zero, l)
	} else if (loc.Constant().Iv == 0) == zero {
		self.be.jump(l)
	}
}

// mirror returns the condition with the operands swapped.
func mirror(cc hir.Condition) (hir.Condition, bool) {
	switch cc {
	case hir.CondEQ, hir.CondNE:
		return cc, true
	case hir.CondLT:
		return hir.CondGT, true
	case hir.CondLE:
		return hir.CondGE, true
	case hir.CondGT:
		return hir.CondLT, true
	case hir.CondGE:
		return hir.CondLE, true
	case hir.CondB:
		return hir.CondA, true
	case hir.CondAE:
		return hir.CondBE, true
	case hir.CondBE:
		return hir.CondAE, true
	case hir.CondA:
		return hir.CondB, true
	default:
		return cc, false
	}
}

func evaluate(cc hir.Condition, vt hir.DataType, a int64, b int64) bool {
	if !vt.Is64Bit() {
		a, b = int64(int32(a)), int64(int32(b))
	}

	/* unsigned compares look at the raw bits of the operand size */
	ua, ub := uint64(a), uint64(b)
	if !vt.Is64Bit() {
		ua, ub = uint64(uint32(a)), uint64(uint32(b))
	}

	/* evaluate the condition */
	switch cc {
	case hir.CondEQ:
		return a == b
	case hir.CondNE:
		return a != b
	case hir.CondLT:
		return a < b
	case hir.CondLE:
		return a <= b
	case hir.CondGT:
		return a > b
	case hir.CondGE:
		return a >= b
	case hir.CondB:
		return ua < ub
	case hir.CondAE:
		return ua >= ub
	case hir.CondBE:
		return ua <= ub
	case hir.CondA:
		return ua > ub
	default:
		panic("pgen: invalid condition " + cc.String())
	}
}
