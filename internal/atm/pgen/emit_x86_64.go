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
	"math"

	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/atm/rtx"
	"github.com/cloudwego/dexcc/internal/atm/stackmap"
	"github.com/cloudwego/iasm/x86_64"
)

/** x86_64 Frame
 *
 *      +------------------------------+
 *      | return address               |
 *      | core callee-saves (pushed)   |
 *      |------------------------------| <- RSP after the pushes
 *      | fp callee-saves              |
 *      | should-deoptimize flag       |
 *      | slow path register saves     |
 *      | spill slots                  |
 *      | outgoing arguments           |
 *      | current method               |
 *      +------------------------------+ <- RSP
 *
 *  R14 holds the current thread, R11 and XMM11 are scratch registers that
 *  the register allocator never hands out.
 */

const (
	_X64PtrSize = 8
)

var (
	_R11   = x86_64.R11
	_XMM11 = x86_64.XMM11
	_RSP   = x86_64.RSP
	_RAX   = x86_64.RAX
	_RCX   = x86_64.RCX
	_RDX   = x86_64.RDX
)

func rq(r int) x86_64.Register64  { return x86_64.Register64(r) }
func rl(r int) x86_64.Register32  { return x86_64.Register32(r) }
func rw(r int) x86_64.Register16  { return x86_64.Register16(r) }
func rb(r int) x86_64.Register8   { return x86_64.Register8(r) }
func xr(r int) x86_64.XMMRegister { return x86_64.XMMRegister(r) }

func stk(off int) *x86_64.MemoryOperand {
	return x86_64.Ptr(_RSP, int32(off))
}

func ptr(base x86_64.Register64, off int) *x86_64.MemoryOperand {
	return x86_64.Ptr(base, int32(off))
}

func gpr(r x86_64.Register64) hir.Location {
	return hir.RegisterLocation(int(r))
}

func fpr(r x86_64.XMMRegister) hir.Location {
	return hir.FpuRegisterLocation(int(r))
}

type _X86_64 struct {
	cg     *CodeGenerator
	arch   *x86_64.Arch
	p      *x86_64.Program
	tr     x86_64.Register64
	labels []*x86_64.Label
	pcs    []uint32
}

func (self *_X86_64) reset(cg *CodeGenerator) {
	if self.arch == nil {
		self.arch = x86_64.CreateArch()
	}
	self.cg = cg
	self.p = self.arch.CreateProgram()
	self.tr = rq(cg.arch.ThreadRegister())
	self.labels = self.labels[:0]
	self.pcs = self.pcs[:0]
}

func (self *_X86_64) free() {
	if self.p != nil {
		self.p.Free()
		self.p = nil
	}
	self.cg = nil
	self.labels = self.labels[:0]
}

/** Labels **/

func (self *_X86_64) newLabel() _Label {
	l := _Label(len(self.labels))
	self.labels = append(self.labels, x86_64.CreateLabel(fmt.Sprintf("_L%d", l)))
	return l
}

func (self *_X86_64) bind(l _Label) {
	self.p.Link(self.labels[l])
}

func (self *_X86_64) jump(l _Label) {
	self.p.JMP(self.labels[l])
}

func (self *_X86_64) marker() _Label {
	l := self.newLabel()
	self.bind(l)
	return l
}

func (self *_X86_64) offset(l _Label) uint32 {
	return self.pcs[l]
}

func (self *_X86_64) assemble() []byte {
	code := self.p.Assemble(0)
	self.pcs = self.pcs[:0]

	/* labels must be evaluated before the program is freed */
	for _, l := range self.labels {
		if l.Dest == nil {
			self.pcs = append(self.pcs, 0)
		} else if pc, err := l.Evaluate(); err != nil {
			panic("pgen: " + err.Error())
		} else {
			self.pcs = append(self.pcs, uint32(pc))
		}
	}
	return code
}

/** Frame **/

func (self *_X86_64) prologue() {
	p := self.p
	cg := self.cg
	fr := cg.frame

	/* leaf methods without a frame */
	if fr.Empty {
		return
	}

	/* touch the guard page below the frame, it faults on overflow */
	if cg.needsStackCheck() && cg.opts.ImplicitStackOverflowChecks {
		p.TESTQ(_RAX, stk(-cg.opts.StackOverflowReserved))
		cg.recordAt(nil, 0, stackmap.Default)
	}

	/* callee-saves, the lowest register ends up at the lowest address */
	core := fr.SavedCoreRegisters()
	for i := len(core) - 1; i >= 0; i-- {
		p.PUSHQ(rq(core[i]))
	}

	/* reserve the rest of the frame */
	if n := fr.FrameSize - fr.CoreSpillSize(); n != 0 {
		p.SUBQ(n, _RSP)
	}

	/* floating point callee-saves */
	for _, r := range fr.SavedFpRegisters() {
		p.MOVSD(xr(r), stk(fr.FpSpillOffset(r)))
	}

	/* the current method goes to the bottom of the frame */
	p.MOVQ(rq(cg.arch.MethodRegister()), stk(0))
	if fr.DeoptFlagOffset >= 0 {
		p.MOVL(0, stk(fr.DeoptFlagOffset))
	}

	/* compare against the stack end once the frame is complete */
	if cg.needsStackCheck() && !cg.opts.ImplicitStackOverflowChecks {
		sp := cg.newSlowPath(_SlowStackOverflow, nil)
		p.CMPQ(ptr(self.tr, rtx.StackEndOffset(_X64PtrSize)), _RSP)
		p.JB(self.labels[sp.entry])
	}
}

func (self *_X86_64) epilogue() {
	p := self.p
	fr := self.cg.frame

	/* nothing to tear down */
	if fr.Empty {
		p.RET()
		return
	}

	/* reverse order of the prologue */
	for _, r := range fr.SavedFpRegisters() {
		p.MOVSD(stk(fr.FpSpillOffset(r)), xr(r))
	}
	if n := fr.FrameSize - fr.CoreSpillSize(); n != 0 {
		p.ADDQ(n, _RSP)
	}
	for _, r := range fr.SavedCoreRegisters() {
		p.POPQ(rq(r))
	}

	/* back to the caller */
	p.RET()
}

/** Data Movement **/

func (self *_X86_64) nop() {
	self.p.NOP()
}

// opnd returns a core value as an operand: a register of the operation
// width, a stack slot, or an immediate. Immediates are sign extended from
// 32 bits by 64-bit operations.
func (self *_X86_64) opnd(loc hir.Location, wide bool) interface{} {
	switch {
	case loc.IsRegister() && wide:
		return rq(loc.Reg())
	case loc.IsRegister():
		return rl(loc.Reg())
	case loc.IsStack():
		return stk(loc.Offset())
	case loc.IsConstant() && wide && !inInt32(loc.Constant().Iv):
		panic(fmt.Sprintf("pgen: constant %#x does not fit an immediate", loc.Constant().Iv))
	case loc.IsConstant():
		return int32(loc.Constant().Iv)
	default:
		panic("pgen: invalid core operand: " + loc.String())
	}
}

// fopnd returns a floating point value as an operand.
func (self *_X86_64) fopnd(loc hir.Location) interface{} {
	switch {
	case loc.IsFpuRegister():
		return xr(loc.Reg())
	case loc.IsStack():
		return stk(loc.Offset())
	default:
		panic("pgen: invalid floating point operand: " + loc.String())
	}
}

// creg picks the register an operation computes in: the output when it is
// a register not read by the second operand, the scratch register otherwise.
func (self *_X86_64) creg(out hir.Location, b hir.Location) x86_64.Register64 {
	if out.IsRegister() && !out.Overlaps(b) {
		return rq(out.Reg())
	} else {
		return _R11
	}
}

func (self *_X86_64) freg(out hir.Location, b hir.Location) x86_64.XMMRegister {
	if out.IsFpuRegister() && !out.Overlaps(b) {
		return xr(out.Reg())
	} else {
		return _XMM11
	}
}

func (self *_X86_64) move(dst hir.Location, src hir.Location, vt hir.DataType) {
	p := self.p
	if dst.Equals(src) || dst.IsInvalid() {
		return
	}

	/* constants are materialized */
	if src.IsConstant() {
		self.li(dst, src.Constant().Iv, vt)
		return
	}

	/* move by the kind of the destination */
	switch {
	case dst.IsRegister():
		switch {
		case src.IsRegister():
			p.MOVQ(rq(src.Reg()), rq(dst.Reg()))
		case src.IsFpuRegister() && vt.Is64Bit():
			p.MOVQ(xr(src.Reg()), rq(dst.Reg()))
		case src.IsFpuRegister():
			p.MOVD(xr(src.Reg()), rl(dst.Reg()))
		case src.IsStackSlot():
			p.MOVL(stk(src.Offset()), rl(dst.Reg()))
		case src.IsDoubleStack():
			p.MOVQ(stk(src.Offset()), rq(dst.Reg()))
		default:
			self.badMove(dst, src)
		}
	case dst.IsFpuRegister():
		switch {
		case src.IsFpuRegister():
			p.MOVAPD(xr(src.Reg()), xr(dst.Reg()))
		case src.IsRegister() && vt.Is64Bit():
			p.MOVQ(rq(src.Reg()), xr(dst.Reg()))
		case src.IsRegister():
			p.MOVD(rl(src.Reg()), xr(dst.Reg()))
		case src.IsStackSlot():
			p.MOVSS(stk(src.Offset()), xr(dst.Reg()))
		case src.IsDoubleStack():
			p.MOVSD(stk(src.Offset()), xr(dst.Reg()))
		default:
			self.badMove(dst, src)
		}
	case dst.IsStackSlot():
		switch {
		case src.IsRegister():
			p.MOVL(rl(src.Reg()), stk(dst.Offset()))
		case src.IsFpuRegister():
			p.MOVSS(xr(src.Reg()), stk(dst.Offset()))
		case src.IsStackSlot():
			p.MOVL(stk(src.Offset()), rl(int(_R11)))
			p.MOVL(rl(int(_R11)), stk(dst.Offset()))
		default:
			self.badMove(dst, src)
		}
	case dst.IsDoubleStack():
		switch {
		case src.IsRegister():
			p.MOVQ(rq(src.Reg()), stk(dst.Offset()))
		case src.IsFpuRegister():
			p.MOVSD(xr(src.Reg()), stk(dst.Offset()))
		case src.IsDoubleStack():
			p.MOVQ(stk(src.Offset()), _R11)
			p.MOVQ(_R11, stk(dst.Offset()))
		default:
			self.badMove(dst, src)
		}
	default:
		self.badMove(dst, src)
	}
}

func (self *_X86_64) badMove(dst hir.Location, src hir.Location) {
	panic(fmt.Sprintf("pgen: cannot move %s to %s", src, dst))
}

func (self *_X86_64) li(dst hir.Location, iv int64, vt hir.DataType) {
	p := self.p
	wide := vt.Is64Bit()

	/* narrow values only keep their low 32 bits */
	if !vt.Is64Bit() {
		iv = int64(int32(iv))
	}

	/* materialize by the kind of the destination */
	switch {
	case dst.IsRegister() && iv == 0:
		p.XORL(rl(dst.Reg()), rl(dst.Reg()))
	case dst.IsRegister() && wide:
		p.MOVQ(iv, rq(dst.Reg()))
	case dst.IsRegister():
		p.MOVL(int32(iv), rl(dst.Reg()))
	case dst.IsFpuRegister() && iv == 0:
		p.XORPS(xr(dst.Reg()), xr(dst.Reg()))
	case dst.IsFpuRegister():
		self.li(gpr(_R11), iv, vt)
		self.move(dst, gpr(_R11), vt)
	case dst.IsStackSlot():
		p.MOVL(int32(iv), stk(dst.Offset()))
	case dst.IsDoubleStack() && inInt32(iv):
		p.MOVQ(iv, stk(dst.Offset()))
	case dst.IsDoubleStack():
		p.MOVQ(iv, _R11)
		p.MOVQ(_R11, stk(dst.Offset()))
	default:
		panic(fmt.Sprintf("pgen: cannot load a constant into %s", dst))
	}
}

func (self *_X86_64) swap(a hir.Location, b hir.Location, vt hir.DataType) {
	p := self.p
	switch {
	case a.IsRegister() && b.IsRegister():
		p.XCHGQ(rq(a.Reg()), rq(b.Reg()))
	case a.IsFpuRegister() && b.IsFpuRegister():
		p.MOVAPD(xr(a.Reg()), _XMM11)
		p.MOVAPD(xr(b.Reg()), xr(a.Reg()))
		p.MOVAPD(_XMM11, xr(b.Reg()))
	case a.IsStack() && !b.IsStack():
		self.swap(b, a, vt)
	case b.IsStack() && a.IsRegister():
		self.move(gpr(_R11), b, stackType(b))
		self.move(b, a, stackType(b))
		p.MOVQ(_R11, rq(a.Reg()))
	case b.IsStack() && a.IsFpuRegister():
		self.move(fpr(_XMM11), b, stackFloat(b))
		self.move(b, a, stackFloat(b))
		p.MOVAPD(_XMM11, xr(a.Reg()))
	case a.IsStack() && b.IsStack() && a.Kind() == b.Kind():
		self.move(gpr(_R11), a, stackType(a))
		self.move(fpr(_XMM11), b, stackFloat(b))
		self.move(b, gpr(_R11), stackType(b))
		self.move(a, fpr(_XMM11), stackFloat(a))
	case a.IsRegister() && b.IsFpuRegister():
		p.MOVQ(rq(a.Reg()), _R11)
		p.MOVQ(xr(b.Reg()), rq(a.Reg()))
		p.MOVQ(_R11, xr(b.Reg()))
	case a.IsFpuRegister() && b.IsRegister():
		self.swap(b, a, vt)
	default:
		panic(fmt.Sprintf("pgen: cannot swap %s and %s", a, b))
	}
}

func inInt32(iv int64) bool {
	return iv >= math.MinInt32 && iv <= math.MaxInt32
}

// stackType is the integer type of the width of a stack slot.
func stackType(loc hir.Location) hir.DataType {
	if loc.IsDoubleStack() {
		return hir.Int64
	} else {
		return hir.Int32
	}
}

// stackFloat is the floating point type of the width of a stack slot.
func stackFloat(loc hir.Location) hir.DataType {
	if loc.IsDoubleStack() {
		return hir.Float64
	} else {
		return hir.Float32
	}
}

func (self *_X86_64) save(reg hir.Location, off int) {
	if reg.IsFpuRegister() {
		self.p.MOVSD(xr(reg.Reg()), stk(off))
	} else {
		self.p.MOVQ(rq(reg.Reg()), stk(off))
	}
}

func (self *_X86_64) restore(reg hir.Location, off int) {
	if reg.IsFpuRegister() {
		self.p.MOVSD(stk(off), xr(reg.Reg()))
	} else {
		self.p.MOVQ(stk(off), rq(reg.Reg()))
	}
}

// extend sign or zero extends a small integer computed in r.
func (self *_X86_64) extend(vt hir.DataType, r x86_64.Register64) {
	switch vt {
	case hir.Bool, hir.Uint8:
		self.p.MOVZBL(rb(int(r)), rl(int(r)))
	case hir.Int8:
		self.p.MOVSBL(rb(int(r)), rl(int(r)))
	case hir.Uint16:
		self.p.MOVZWL(rw(int(r)), rl(int(r)))
	case hir.Int16:
		self.p.MOVSWL(rw(int(r)), rl(int(r)))
	}
}

/** Branches **/

func (self *_X86_64) jcc(cc hir.Condition, l _Label) {
	to := self.labels[l]
	switch cc {
	case hir.CondEQ:
		self.p.JE(to)
	case hir.CondNE:
		self.p.JNE(to)
	case hir.CondLT:
		self.p.JL(to)
	case hir.CondLE:
		self.p.JLE(to)
	case hir.CondGT:
		self.p.JG(to)
	case hir.CondGE:
		self.p.JGE(to)
	case hir.CondB:
		self.p.JB(to)
	case hir.CondAE:
		self.p.JAE(to)
	case hir.CondBE:
		self.p.JBE(to)
	case hir.CondA:
		self.p.JA(to)
	default:
		panic("pgen: invalid condition " + cc.String())
	}
}

func (self *_X86_64) branch(cc hir.Condition, vt hir.DataType, a hir.Location, b hir.Location, l _Label) {
	if vt.IsFloatingPoint() {
		self.branchFloat(cc, vt, a, b, l)
		return
	}

	/* the left operand must be a register or memory, not both operands in memory */
	x := interface{}(nil)
	wide := vt.Is64Bit()

	/* load the left operand if needed */
	if a.IsConstant() || (a.IsStack() && b.IsStack()) {
		self.move(gpr(_R11), a, vt)
		a = gpr(_R11)
	} else if wide && b.IsConstant() && !inInt32(b.Constant().Iv) {
		self.p.MOVQ(b.Constant().Iv, _R11)
		b = gpr(_R11)
	}

	/* compare and jump */
	if x = self.opnd(a, wide); wide {
		self.p.CMPQ(self.opnd(b, wide), x)
	} else {
		self.p.CMPL(self.opnd(b, wide), x)
	}
	self.jcc(cc, l)
}

// branchFloat compares with UCOMISS or UCOMISD, which raise the parity flag
// when either operand is NaN. No condition holds for unordered operands.
func (self *_X86_64) branchFloat(cc hir.Condition, vt hir.DataType, a hir.Location, b hir.Location, l _Label) {
	p := self.p
	to := self.labels[l]

	/* the left operand must be a register */
	if !a.IsFpuRegister() {
		self.move(fpr(_XMM11), a, vt)
		a = fpr(_XMM11)
	}

	/* compare */
	if vt == hir.Float32 {
		p.UCOMISS(self.fopnd(b), xr(a.Reg()))
	} else {
		p.UCOMISD(self.fopnd(b), xr(a.Reg()))
	}

	/* unordered results skip the branch */
	switch cc {
	case hir.CondEQ:
		skip := self.newLabel()
		p.JP(self.labels[skip])
		p.JE(to)
		self.bind(skip)
	case hir.CondNE:
		p.JP(to)
		p.JNE(to)
	case hir.CondLT:
		skip := self.newLabel()
		p.JP(self.labels[skip])
		p.JB(to)
		self.bind(skip)
	case hir.CondLE:
		skip := self.newLabel()
		p.JP(self.labels[skip])
		p.JBE(to)
		self.bind(skip)
	case hir.CondGT:
		p.JA(to)
	case hir.CondGE:
		p.JAE(to)
	default:
		panic("pgen: invalid floating point condition " + cc.String())
	}
}

func (self *_X86_64) branchZero(loc hir.Location, vt hir.DataType, zero bool, l _Label) {
	switch {
	case loc.IsRegister() && vt.Is64Bit():
		self.p.TESTQ(rq(loc.Reg()), rq(loc.Reg()))
	case loc.IsRegister():
		self.p.TESTL(rl(loc.Reg()), rl(loc.Reg()))
	case loc.IsDoubleStack():
		self.p.CMPQ(0, stk(loc.Offset()))
	case loc.IsStackSlot():
		self.p.CMPL(0, stk(loc.Offset()))
	default:
		panic("pgen: cannot test " + loc.String())
	}

	/* jump on the result */
	if zero {
		self.p.JE(self.labels[l])
	} else {
		self.p.JNE(self.labels[l])
	}
}

func (self *_X86_64) testThread(off int, mask int32, l _Label) {
	self.p.TESTL(mask, ptr(self.tr, off))
	self.p.JNE(self.labels[l])
}

/** Calls **/

func (self *_X86_64) call(e rtx.Entrypoint) {
	self.p.CALLQ(ptr(self.tr, e.Offset(_X64PtrSize)))
}

func (self *_X86_64) invoke(m hir.MethodRef) {
	cg := self.cg
	mr := cg.arch.MethodRegister()

	/* the callee is known, call its compiled code */
	if m.Pointer != 0 {
		self.li(hir.RegisterLocation(mr), int64(m.Pointer), hir.Int64)
		self.p.CALLQ(ptr(rq(mr), rtx.ArtMethodQuickCodeOffset(_X64PtrSize)))
		return
	}

	/* otherwise the runtime resolves it by its index */
	self.li(hir.RegisterLocation(cg.arch.HiddenArgument()), int64(m.Index), hir.Int32)
	self.call(rtx.InvokeStaticTrampoline)
}

/** Instructions **/

var x86Translators = [hir.NumOpCodes]func(*_X86_64, *hir.Instr){
	hir.OpAdd:            (*_X86_64).translateBinary,
	hir.OpSub:            (*_X86_64).translateBinary,
	hir.OpMul:            (*_X86_64).translateBinary,
	hir.OpAnd:            (*_X86_64).translateBinary,
	hir.OpOr:             (*_X86_64).translateBinary,
	hir.OpXor:            (*_X86_64).translateBinary,
	hir.OpDiv:            (*_X86_64).translateDivRem,
	hir.OpRem:            (*_X86_64).translateDivRem,
	hir.OpShl:            (*_X86_64).translateShift,
	hir.OpShr:            (*_X86_64).translateShift,
	hir.OpUShr:           (*_X86_64).translateShift,
	hir.OpNeg:            (*_X86_64).translateNeg,
	hir.OpConvert:        (*_X86_64).translateConvert,
	hir.OpBitCount:       (*_X86_64).translateBitCount,
	hir.OpArrayLength:    (*_X86_64).translateArrayLength,
	hir.OpFieldGet:       (*_X86_64).translateFieldGet,
	hir.OpFieldSet:       (*_X86_64).translateFieldSet,
	hir.OpArrayGet:       (*_X86_64).translateArrayGet,
	hir.OpArraySet:       (*_X86_64).translateArraySet,
	hir.OpLoadException:  (*_X86_64).translateLoadException,
	hir.OpClearException: (*_X86_64).translateClearException,
}

func (self *_X86_64) translate(v *hir.Instr) {
	if fn := x86Translators[v.Op]; fn != nil {
		fn(self, v)
	} else {
		panic("pgen: invalid instruction: " + v.String())
	}
}

func (self *_X86_64) translateBinary(v *hir.Instr) {
	if v.Type.IsFloatingPoint() {
		self.translateFloatBinary(v)
		return
	}

	/* compute in the output register if possible */
	p := self.p
	a := v.Locs.InAt(0)
	b := v.Locs.InAt(1)
	w := self.creg(v.Locs.Out(), b)

	/* wide constants out of the immediate range need the scratch register */
	if v.Type.Is64Bit() && w != _R11 && b.IsConstant() && !inInt32(b.Constant().Iv) {
		p.MOVQ(b.Constant().Iv, _R11)
		b = gpr(_R11)
	}

	/* the right operand */
	y := self.opnd(b, v.Type.Is64Bit())

	/* left operand into the working register */
	self.move(gpr(w), a, v.Type)
	wl := rl(int(w))

	/* the operation itself */
	switch wide := v.Type.Is64Bit(); {
	case v.Op == hir.OpAdd && wide:
		p.ADDQ(y, w)
	case v.Op == hir.OpAdd:
		p.ADDL(y, wl)
	case v.Op == hir.OpSub && wide:
		p.SUBQ(y, w)
	case v.Op == hir.OpSub:
		p.SUBL(y, wl)
	case v.Op == hir.OpAnd && wide:
		p.ANDQ(y, w)
	case v.Op == hir.OpAnd:
		p.ANDL(y, wl)
	case v.Op == hir.OpOr && wide:
		p.ORQ(y, w)
	case v.Op == hir.OpOr:
		p.ORL(y, wl)
	case v.Op == hir.OpXor && wide:
		p.XORQ(y, w)
	case v.Op == hir.OpXor:
		p.XORL(y, wl)
	case v.Op == hir.OpMul && b.IsConstant() && wide:
		p.IMULQ(y, w, w)
	case v.Op == hir.OpMul && b.IsConstant():
		p.IMULL(y, wl, wl)
	case v.Op == hir.OpMul && wide:
		p.IMULQ(y, w)
	case v.Op == hir.OpMul:
		p.IMULL(y, wl)
	default:
		panic("pgen: invalid binary operation: " + v.String())
	}

	/* small integers are kept extended */
	self.extend(v.Type, w)
	self.move(v.Locs.Out(), gpr(w), v.Type)
}

func (self *_X86_64) translateFloatBinary(v *hir.Instr) {
	p := self.p
	a := v.Locs.InAt(0)
	b := v.Locs.InAt(1)
	w := self.freg(v.Locs.Out(), b)
	y := self.fopnd(b)

	/* left operand into the working register */
	self.move(fpr(w), a, v.Type)
	f32 := v.Type == hir.Float32

	/* the operation itself */
	switch {
	case v.Op == hir.OpAdd && f32:
		p.ADDSS(y, w)
	case v.Op == hir.OpAdd:
		p.ADDSD(y, w)
	case v.Op == hir.OpSub && f32:
		p.SUBSS(y, w)
	case v.Op == hir.OpSub:
		p.SUBSD(y, w)
	case v.Op == hir.OpMul && f32:
		p.MULSS(y, w)
	case v.Op == hir.OpMul:
		p.MULSD(y, w)
	case v.Op == hir.OpDiv && f32:
		p.DIVSS(y, w)
	case v.Op == hir.OpDiv:
		p.DIVSD(y, w)
	case v.Op == hir.OpRem:
		panic("pgen: floating point remainder must be lowered to a call: " + v.String())
	default:
		panic("pgen: invalid floating point operation: " + v.String())
	}

	/* store the result */
	self.move(v.Locs.Out(), fpr(w), v.Type)
}

// translateDivRem divides RDX:RAX by R11. The register allocator keeps
// RAX and RDX free of values living across the instruction.
func (self *_X86_64) translateDivRem(v *hir.Instr) {
	if v.Type.IsFloatingPoint() {
		self.translateFloatBinary(v)
		return
	}

	/* operands in place, the divisor first since it may be in RAX */
	p := self.p
	wide := v.Type.Is64Bit()
	self.move(gpr(_R11), v.Locs.InAt(1), v.Type)
	self.move(gpr(_RAX), v.Locs.InAt(0), v.Type)

	/* unsigned division needs no special case */
	if v.Type.IsUnsigned() {
		p.XORL(x86_64.EDX, x86_64.EDX)
		if wide {
			p.DIVQ(_R11)
		} else {
			p.DIVL(x86_64.R11d)
		}
	} else {
		self.idiv(v.Op, wide)
	}

	/* the quotient is in RAX, the remainder in RDX */
	if v.Op == hir.OpDiv {
		self.extend(v.Type, _RAX)
		self.move(v.Locs.Out(), gpr(_RAX), v.Type)
	} else {
		self.extend(v.Type, _RDX)
		self.move(v.Locs.Out(), gpr(_RDX), v.Type)
	}
}

// idiv divides by -1 without the instruction, which faults on MIN / -1.
func (self *_X86_64) idiv(op hir.OpCode, wide bool) {
	p := self.p
	div := self.newLabel()
	done := self.newLabel()

	/* special case the -1 divisor */
	if wide {
		p.CMPQ(-1, _R11)
	} else {
		p.CMPL(-1, x86_64.R11d)
	}

	/* x / -1 = -x, x % -1 = 0 */
	p.JNE(self.labels[div])
	if op == hir.OpRem {
		p.XORL(x86_64.EDX, x86_64.EDX)
	} else if wide {
		p.NEGQ(_RAX)
	} else {
		p.NEGL(x86_64.EAX)
	}

	/* the actual division */
	self.jump(done)
	self.bind(div)
	if wide {
		p.CQTO()
		p.IDIVQ(_R11)
	} else {
		p.CLTD()
		p.IDIVL(x86_64.R11d)
	}
	self.bind(done)
}

// translateShift shifts in R11, the count is masked by the hardware the same
// way the language masks it.
func (self *_X86_64) translateShift(v *hir.Instr) {
	p := self.p
	b := v.Locs.InAt(1)
	wide := v.Type.Is64Bit()

	/* value in the scratch register */
	self.move(gpr(_R11), v.Locs.InAt(0), v.Type)
	cnt := interface{}(x86_64.CL)

	/* immediate counts are masked here */
	if b.IsConstant() {
		if wide {
			cnt = uint8(b.Constant().Iv & 63)
		} else {
			cnt = uint8(b.Constant().Iv & 31)
		}
	} else {
		self.move(gpr(_RCX), b, v.Inputs[1].Type)
	}

	/* shift it */
	switch r32 := x86_64.R11d; {
	case v.Op == hir.OpShl && wide:
		p.SHLQ(cnt, _R11)
	case v.Op == hir.OpShl:
		p.SHLL(cnt, r32)
	case v.Op == hir.OpShr && wide:
		p.SARQ(cnt, _R11)
	case v.Op == hir.OpShr:
		p.SARL(cnt, r32)
	case v.Op == hir.OpUShr && wide:
		p.SHRQ(cnt, _R11)
	default:
		p.SHRL(cnt, r32)
	}

	/* store the result */
	self.extend(v.Type, _R11)
	self.move(v.Locs.Out(), gpr(_R11), v.Type)
}

func (self *_X86_64) translateNeg(v *hir.Instr) {
	p := self.p
	out := v.Locs.Out()

	/* floats flip the sign bit */
	if v.Type.IsFloatingPoint() {
		w := self.freg(out, hir.NoLocation())
		self.move(fpr(w), v.Locs.InAt(0), v.Type)
		if v.Type == hir.Float32 {
			p.MOVD(w, x86_64.R11d)
			p.XORL(math.MinInt32, x86_64.R11d)
			p.MOVD(x86_64.R11d, w)
		} else {
			p.MOVQ(w, _R11)
			p.BTCQ(63, _R11)
			p.MOVQ(_R11, w)
		}
		self.move(out, fpr(w), v.Type)
		return
	}

	/* integers are negated in place */
	w := self.creg(out, hir.NoLocation())
	self.move(gpr(w), v.Locs.InAt(0), v.Type)
	if v.Type.Is64Bit() {
		p.NEGQ(w)
	} else {
		p.NEGL(rl(int(w)))
	}

	/* store the result */
	self.extend(v.Type, w)
	self.move(out, gpr(w), v.Type)
}

func (self *_X86_64) translateConvert(v *hir.Instr) {
	from := v.Inputs[0].Type
	to := v.Type

	/* pick the conversion */
	switch {
	case from.IsFloatingPoint() && to.IsFloatingPoint():
		self.convertFloat(v, from, to)
	case from.IsFloatingPoint():
		self.convertToInt(v, from, to)
	case to.IsFloatingPoint():
		self.convertToFloat(v, from, to)
	default:
		self.convertInt(v, from, to)
	}
}

func (self *_X86_64) convertInt(v *hir.Instr, from hir.DataType, to hir.DataType) {
	p := self.p
	w := self.creg(v.Locs.Out(), hir.NoLocation())
	self.move(gpr(w), v.Locs.InAt(0), from)

	/* widen to 64 bits by the signedness of the source, or truncate */
	switch {
	case to.Is64Bit() && !from.Is64Bit() && from.IsUnsigned():
		p.MOVL(rl(int(w)), rl(int(w)))
	case to.Is64Bit() && !from.Is64Bit():
		p.MOVSLQ(rl(int(w)), w)
	case from.Is64Bit() && !to.Is64Bit():
		p.MOVL(rl(int(w)), rl(int(w)))
	}

	/* then narrow to the small integer types */
	self.extend(to, w)
	self.move(v.Locs.Out(), gpr(w), to)
}

func (self *_X86_64) convertToFloat(v *hir.Instr, from hir.DataType, to hir.DataType) {
	p := self.p
	w := self.freg(v.Locs.Out(), hir.NoLocation())

	/* 64-bit unsigned values need a different sequence */
	if from == hir.Uint64 {
		panic("pgen: conversion from uint64 to floating point is not supported: " + v.String())
	}

	/* the source in a register, unsigned 32-bit values are converted as 64-bit */
	self.move(gpr(_R11), v.Locs.InAt(0), from)
	src := interface{}(x86_64.R11d)
	if from.Is64Bit() || from == hir.Uint32 {
		src = _R11
	}

	/* convert it */
	if p.XORPS(w, w); to == hir.Float32 {
		p.CVTSI2SS(src, w)
	} else {
		p.CVTSI2SD(src, w)
	}

	/* store the result */
	self.move(v.Locs.Out(), fpr(w), to)
}

func (self *_X86_64) convertFloat(v *hir.Instr, from hir.DataType, to hir.DataType) {
	w := self.freg(v.Locs.Out(), hir.NoLocation())
	src := self.fopnd(v.Locs.InAt(0))

	/* between the two precisions */
	switch {
	case from == to:
		self.move(fpr(w), v.Locs.InAt(0), from)
	case to == hir.Float64:
		self.p.CVTSS2SD(src, w)
	default:
		self.p.CVTSD2SS(src, w)
	}

	/* store the result */
	self.move(v.Locs.Out(), fpr(w), to)
}

// convertToInt truncates toward zero. NaN converts to 0, out of range
// values saturate to the limits of the type.
func (self *_X86_64) convertToInt(v *hir.Instr, from hir.DataType, to hir.DataType) {
	p := self.p
	in := v.Locs.InAt(0)
	wide := to.Is64Bit()

	/* only signed results */
	if to.IsUnsigned() && to != hir.Bool && to != hir.Uint8 && to != hir.Uint16 {
		panic("pgen: conversion from floating point to unsigned is not supported: " + v.String())
	}

	/* source in a register */
	if !in.IsFpuRegister() {
		self.move(fpr(_XMM11), in, from)
		in = fpr(_XMM11)
	}

	/* the limits */
	xa := xr(in.Reg())
	w := self.creg(v.Locs.Out(), hir.NoLocation())
	lo, hi := int64(math.MinInt32), int64(math.MaxInt32)
	if wide {
		lo, hi = math.MinInt64, math.MaxInt64
	}

	/* truncate, the invalid result is the minimum value */
	done := self.newLabel()
	nan := self.newLabel()
	dst := interface{}(rl(int(w)))
	if wide {
		dst = w
	}

	/* convert */
	if from == hir.Float32 {
		p.CVTTSS2SI(xa, dst)
	} else {
		p.CVTTSD2SI(xa, dst)
	}

	/* MIN - 1 overflows only for the invalid result */
	if wide {
		p.CMPQ(1, w)
	} else {
		p.CMPL(1, rl(int(w)))
	}

	/* a genuine MIN has a negative source, like the overflow below MIN */
	p.JNO(self.labels[done])
	if from == hir.Float32 {
		p.UCOMISS(xa, xa)
	} else {
		p.UCOMISD(xa, xa)
	}

	/* saturate by the sign of the source */
	p.JP(self.labels[nan])
	if from == hir.Float32 {
		p.MOVD(xa, x86_64.R11d)
		p.TESTL(x86_64.R11d, x86_64.R11d)
	} else {
		p.MOVQ(xa, _R11)
		p.TESTQ(_R11, _R11)
	}

	/* the moves below leave the flags alone */
	self.limit(w, hi, wide)
	p.JNS(self.labels[done])
	self.limit(w, lo, wide)
	self.jump(done)

	/* NaN is zero */
	self.bind(nan)
	p.XORL(rl(int(w)), rl(int(w)))
	self.bind(done)

	/* narrow and store the result */
	self.extend(to, w)
	self.move(v.Locs.Out(), gpr(w), to)
}

func (self *_X86_64) limit(w x86_64.Register64, iv int64, wide bool) {
	if wide {
		self.p.MOVQ(iv, w)
	} else {
		self.p.MOVL(int32(iv), rl(int(w)))
	}
}

func (self *_X86_64) translateBitCount(v *hir.Instr) {
	in := v.Locs.InAt(0)
	w := self.creg(v.Locs.Out(), hir.NoLocation())
	wide := v.Inputs[0].Type.Is64Bit()

	/* constants go through the scratch register */
	if in.IsConstant() {
		self.move(gpr(_R11), in, v.Inputs[0].Type)
		in = gpr(_R11)
	}

	/* count */
	if wide {
		self.p.POPCNTQ(self.opnd(in, true), w)
	} else {
		self.p.POPCNTL(self.opnd(in, false), rl(int(w)))
	}

	/* store the result */
	self.move(v.Locs.Out(), gpr(w), hir.Int32)
}

/** Memory **/

// base returns the register holding an object reference.
func (self *_X86_64) base(loc hir.Location) x86_64.Register64 {
	switch {
	case loc.IsRegister():
		return rq(loc.Reg())
	case loc.IsStackSlot():
		self.p.MOVL(stk(loc.Offset()), x86_64.R11d)
		return _R11
	case loc.IsConstant():
		self.p.MOVL(int32(loc.Constant().Iv), x86_64.R11d)
		return _R11
	default:
		panic("pgen: invalid object location: " + loc.String())
	}
}

// index zero extends an array index into a temporary.
func (self *_X86_64) index(loc hir.Location, tmp hir.Location) x86_64.Register64 {
	self.p.MOVL(self.opnd(loc, false), rl(tmp.Reg()))
	return rq(tmp.Reg())
}

// elem returns the address of an array element.
func (self *_X86_64) elem(arr x86_64.Register64, idx hir.Location, tmp hir.Location, vt hir.DataType) *x86_64.MemoryOperand {
	off := rtx.ArrayDataOffset(vt.Size())
	if idx.IsConstant() {
		return ptr(arr, off+int(idx.Constant().Iv)*vt.Size())
	} else {
		return x86_64.Sib(arr, self.index(idx, tmp), uint8(vt.Size()), int32(off))
	}
}

// load reads a value of type vt into out.
func (self *_X86_64) load(vt hir.DataType, mem *x86_64.MemoryOperand, out hir.Location) {
	p := self.p
	if vt.IsFloatingPoint() {
		w := self.freg(out, hir.NoLocation())
		if vt == hir.Float32 {
			p.MOVSS(mem, w)
		} else {
			p.MOVSD(mem, w)
		}
		self.move(out, fpr(w), vt)
		return
	}

	/* integers are extended to 32 bits at least */
	w := self.creg(out, hir.NoLocation())
	switch vt {
	case hir.Bool, hir.Uint8:
		p.MOVZBL(mem, rl(int(w)))
	case hir.Int8:
		p.MOVSBL(mem, rl(int(w)))
	case hir.Uint16:
		p.MOVZWL(mem, rl(int(w)))
	case hir.Int16:
		p.MOVSWL(mem, rl(int(w)))
	case hir.Int64, hir.Uint64:
		p.MOVQ(mem, w)
	default:
		p.MOVL(mem, rl(int(w)))
	}

	/* store the result */
	self.move(out, gpr(w), vt)
}

// store writes a value of type vt from src, values in memory are loaded into
// tmp first.
func (self *_X86_64) store(vt hir.DataType, src hir.Location, tmp hir.Location, mem func() *x86_64.MemoryOperand) hir.Location {
	p := self.p
	if vt.IsFloatingPoint() && src.IsConstant() {
		if vt = hir.Int32; src.Constant().Type.Is64Bit() {
			vt = hir.Int64
		}
	}

	/* floating point values go through XMM11 */
	if vt.IsFloatingPoint() {
		if !src.IsFpuRegister() {
			self.move(fpr(_XMM11), src, vt)
			src = fpr(_XMM11)
		}
		if vt == hir.Float32 {
			p.MOVSS(xr(src.Reg()), mem())
		} else {
			p.MOVSD(xr(src.Reg()), mem())
		}
		return src
	}

	/* values in memory and wide constants go through the temporary */
	if src.IsStack() || src.IsConstant() && !inInt32(src.Constant().Iv) {
		self.move(tmp, src, vt)
		src = tmp
	}

	/* store by size */
	var x interface{}
	switch {
	case src.IsConstant():
		x = int32(src.Constant().Iv)
	case vt.Size() == 1:
		x = rb(src.Reg())
	case vt.Size() == 2:
		x = rw(src.Reg())
	case vt.Size() == 4:
		x = rl(src.Reg())
	default:
		x = rq(src.Reg())
	}

	/* small constants are truncated to the store size */
	switch vt.Size() {
	case 1:
		if src.IsConstant() {
			x = int8(src.Constant().Iv)
		}
		p.MOVB(x, mem())
	case 2:
		if src.IsConstant() {
			x = int16(src.Constant().Iv)
		}
		p.MOVW(x, mem())
	case 4:
		p.MOVL(x, mem())
	default:
		p.MOVQ(x, mem())
	}
	return src
}

// markCard dirties the card of obj after a reference store, unless the
// stored value is null.
func (self *_X86_64) markCard(obj x86_64.Register64, val hir.Location, tmp hir.Location, card hir.Location) {
	p := self.p
	skip := self.newLabel()

	/* storing null needs no barrier */
	if val.IsConstant() {
		return
	}

	/* test the stored value */
	p.TESTL(rl(val.Reg()), rl(val.Reg()))
	p.JE(self.labels[skip])

	/* card_table[obj >> card_shift] = low byte of card_table */
	cr := rq(card.Reg())
	tr := rq(tmp.Reg())
	p.MOVQ(ptr(self.tr, rtx.CardTableOffset(_X64PtrSize)), cr)
	p.MOVL(rl(int(obj)), rl(int(tr)))
	p.SHRQ(uint8(rtx.CardShift), tr)
	p.MOVB(rb(int(cr)), x86_64.Sib(cr, tr, 1, 0))
	self.bind(skip)
}

func (self *_X86_64) translateArrayLength(v *hir.Instr) {
	arr := self.base(v.Locs.InAt(0))
	self.load(hir.Int32, ptr(arr, rtx.ArrayLengthOffset), v.Locs.Out())
}

func (self *_X86_64) translateFieldGet(v *hir.Instr) {
	obj := self.base(v.Locs.InAt(0))
	self.load(v.Type, ptr(obj, int(v.Iv)), v.Locs.Out())

	/* references may need marking */
	if v.Type == hir.Reference {
		self.cg.readBarrier(v)
	}
}

func (self *_X86_64) translateFieldSet(v *hir.Instr) {
	vt := v.Inputs[1].Type
	obj := self.base(v.Locs.InAt(0))
	mem := func() *x86_64.MemoryOperand { return ptr(obj, int(v.Iv)) }

	/* store, then mark the card for references */
	if val := self.store(vt, v.Locs.InAt(1), v.Locs.TempAt(0), mem); vt == hir.Reference {
		self.markCard(obj, val, v.Locs.TempAt(0), v.Locs.TempAt(1))
	}
}

func (self *_X86_64) translateArrayGet(v *hir.Instr) {
	arr := self.base(v.Locs.InAt(0))
	self.load(v.Type, self.elem(arr, v.Locs.InAt(1), v.Locs.TempAt(0), v.Type), v.Locs.Out())

	/* references may need marking */
	if v.Type == hir.Reference {
		self.cg.readBarrier(v)
	}
}

func (self *_X86_64) translateArraySet(v *hir.Instr) {
	vt := v.Inputs[2].Type
	arr := self.base(v.Locs.InAt(0))
	idx := v.Locs.InAt(1)
	tmp := v.Locs.TempAt(0)

	/* the index is extended once, the address is rebuilt per use */
	if !idx.IsConstant() {
		self.index(idx, tmp)
		idx = tmp
	}

	/* build the element address */
	mem := func() *x86_64.MemoryOperand {
		off := rtx.ArrayDataOffset(vt.Size())
		if idx.IsConstant() {
			return ptr(arr, off+int(idx.Constant().Iv)*vt.Size())
		} else {
			return x86_64.Sib(arr, rq(idx.Reg()), uint8(vt.Size()), int32(off))
		}
	}

	/* store, then mark the card for references */
	if val := self.store(vt, v.Locs.InAt(2), v.Locs.TempAt(1), mem); vt == hir.Reference {
		self.markCard(arr, val, tmp, v.Locs.TempAt(2))
	}
}

func (self *_X86_64) translateLoadException(v *hir.Instr) {
	self.load(hir.Reference, ptr(self.tr, rtx.ExceptionOffset(_X64PtrSize)), v.Locs.Out())
}

func (self *_X86_64) translateClearException(_ *hir.Instr) {
	self.p.MOVQ(0, ptr(self.tr, rtx.ExceptionOffset(_X64PtrSize)))
}
