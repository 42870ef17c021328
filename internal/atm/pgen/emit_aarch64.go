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

	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/atm/rtx"
	"github.com/cloudwego/dexcc/internal/atm/stackmap"
	golangasm "github.com/twitchyliquid64/golang-asm"
	"github.com/twitchyliquid64/golang-asm/obj"
	"github.com/twitchyliquid64/golang-asm/obj/arm64"
)

/** AArch64 Frame
 *
 *      +------------------------------+
 *      | core callee-saves and LR     |
 *      | fp callee-saves              |
 *      | should-deoptimize flag       |
 *      | slow path register saves     |
 *      | spill slots                  |
 *      | outgoing arguments           |
 *      | current method               |
 *      +------------------------------+ <- SP
 *
 *  X19 holds the current thread. X16, X17 and D31 are scratch registers.
 *  Nothing emitted here expands through R27, which the assembler would
 *  otherwise use for large immediates and offsets.
 */

const (
	_A64PtrSize  = 8
	_A64ProgPool = 256
	_A64MaxImm   = 1 << 24
)

const (
	_IP0 = 16
	_IP1 = 17
	_D31 = 31
	_LR  = 30
)

func a64X(r int) obj.Addr {
	return obj.Addr{Type: obj.TYPE_REG, Reg: arm64.REG_R0 + int16(r)}
}

func a64F(r int) obj.Addr {
	return obj.Addr{Type: obj.TYPE_REG, Reg: arm64.REG_F0 + int16(r)}
}

func a64Imm(v int64) obj.Addr {
	return obj.Addr{Type: obj.TYPE_CONST, Offset: v}
}

func a64Mem(base int16, off int) obj.Addr {
	return obj.Addr{Type: obj.TYPE_MEM, Reg: base, Offset: int64(off)}
}

func a64Shift(r int, amount int) obj.Addr {
	return obj.Addr{Type: obj.TYPE_SHIFT, Offset: int64(r&31)<<16 | int64(amount&63)<<10}
}

var (
	_A64SP = obj.Addr{Type: obj.TYPE_REG, Reg: arm64.REGSP}
	_A64ZR = obj.Addr{Type: obj.TYPE_REG, Reg: arm64.REGZERO}
)

func regOf(a obj.Addr) int16 {
	return a.Reg
}

// isAddImm reports whether an ADD, SUB or CMP can take the value directly.
func isAddImm(iv int64) bool {
	return iv >= 0 && iv <= 4095
}

// isMemOffset reports whether a load or store of the size can address off
// without an extra register.
func isMemOffset(off int, size int) bool {
	return off >= -256 && off <= 255 || off >= 0 && off%size == 0 && off/size < 4096
}

type _Aarch64 struct {
	cg     *CodeGenerator
	b      *golangasm.Builder
	tr     int
	labels []*obj.Prog
	bound  []bool
	pcs    []uint32
}

func (self *_Aarch64) reset(cg *CodeGenerator) {
	b, err := golangasm.NewBuilder("arm64", _A64ProgPool)
	if err != nil {
		panic("pgen: " + err.Error())
	}

	/* the assembler skips the first instruction */
	head := b.NewProg()
	head.As = obj.ATEXT
	b.AddInstruction(head)

	/* reset the state */
	self.b = b
	self.cg = cg
	self.tr = cg.arch.ThreadRegister()
	self.labels = self.labels[:0]
	self.bound = self.bound[:0]
	self.pcs = self.pcs[:0]
}

func (self *_Aarch64) free() {
	self.b = nil
	self.cg = nil
	self.labels = self.labels[:0]
	self.bound = self.bound[:0]
}

/** Instruction Builders **/

func (self *_Aarch64) add(p *obj.Prog) *obj.Prog {
	self.b.AddInstruction(p)
	return p
}

func (self *_Aarch64) op0(as obj.As) *obj.Prog {
	p := self.b.NewProg()
	p.As = as
	return self.add(p)
}

func (self *_Aarch64) op1(as obj.As, to obj.Addr) *obj.Prog {
	p := self.b.NewProg()
	p.As = as
	p.To = to
	return self.add(p)
}

func (self *_Aarch64) op2(as obj.As, from obj.Addr, to obj.Addr) *obj.Prog {
	p := self.b.NewProg()
	p.As = as
	p.From = from
	p.To = to
	return self.add(p)
}

// op3 emits "as from, reg, to", which computes to = reg <op> from.
func (self *_Aarch64) op3(as obj.As, from obj.Addr, reg obj.Addr, to obj.Addr) *obj.Prog {
	p := self.b.NewProg()
	p.As = as
	p.From = from
	p.Reg = regOf(reg)
	p.To = to
	return self.add(p)
}

func (self *_Aarch64) br(as obj.As, from obj.Addr, l _Label) {
	p := self.b.NewProg()
	p.As = as
	p.From = from
	p.To.Type = obj.TYPE_BRANCH
	p.To.SetTarget(self.labels[l])
	self.add(p)
}

/** Labels **/

func (self *_Aarch64) newLabel() _Label {
	p := self.b.NewProg()
	p.As = obj.ANOP
	self.labels = append(self.labels, p)
	self.bound = append(self.bound, false)
	return _Label(len(self.labels) - 1)
}

func (self *_Aarch64) bind(l _Label) {
	if self.bound[l] {
		panic(fmt.Sprintf("pgen: label %d bound twice", l))
	}
	self.bound[l] = true
	self.add(self.labels[l])
}

func (self *_Aarch64) jump(l _Label) {
	self.br(arm64.AB, obj.Addr{}, l)
}

func (self *_Aarch64) marker() _Label {
	l := self.newLabel()
	self.bind(l)
	return l
}

func (self *_Aarch64) offset(l _Label) uint32 {
	return self.pcs[l]
}

func (self *_Aarch64) assemble() []byte {
	code := self.b.Assemble()
	self.pcs = self.pcs[:0]

	/* labels are zero-width instructions, their PC is where they are bound */
	for i, l := range self.labels {
		if self.bound[i] {
			self.pcs = append(self.pcs, uint32(l.Pc))
		} else {
			self.pcs = append(self.pcs, 0)
		}
	}
	return code
}

/** Addressing **/

// addr returns a memory operand for base + off, going through X17 when the
// offset cannot be encoded.
func (self *_Aarch64) addr(base int16, off int, size int) obj.Addr {
	if isMemOffset(off, size) {
		return a64Mem(base, off)
	}

	/* only non-negative offsets are expected here */
	if off < 0 || off >= _A64MaxImm {
		panic(fmt.Sprintf("pgen: memory offset out of range: %d", off))
	}

	/* add it to the base */
	self.op3(arm64.AADD, a64Imm(int64(off)), obj.Addr{Type: obj.TYPE_REG, Reg: base}, a64X(_IP1))
	return a64Mem(arm64.REG_R0+_IP1, 0)
}

func (self *_Aarch64) stk(off int, size int) obj.Addr {
	return self.addr(arm64.REGSP, off, size)
}

func (self *_Aarch64) thread(off int, size int) obj.Addr {
	return self.addr(arm64.REG_R0+int16(self.tr), off, size)
}

// adjustSP moves the stack pointer by n bytes.
func (self *_Aarch64) adjustSP(as obj.As, n int) {
	if n < 0 || n >= _A64MaxImm {
		panic(fmt.Sprintf("pgen: frame too large: %d", n))
	}
	if n != 0 {
		self.op2(as, a64Imm(int64(n)), _A64SP)
	}
}

// in returns the core register holding loc, loading it into the scratch
// register when needed.
func (self *_Aarch64) in(loc hir.Location, vt hir.DataType, scratch int) int {
	if loc.IsRegister() {
		return loc.Reg()
	}
	self.move(hir.RegisterLocation(scratch), loc, vt)
	return scratch
}

// fin is in for floating point values.
func (self *_Aarch64) fin(loc hir.Location, vt hir.DataType, scratch int) int {
	if loc.IsFpuRegister() {
		return loc.Reg()
	}
	self.move(hir.FpuRegisterLocation(scratch), loc, vt)
	return scratch
}

// dst returns the register an operation writes its result into.
func (self *_Aarch64) dst(out hir.Location) int {
	if out.IsRegister() {
		return out.Reg()
	} else {
		return _IP0
	}
}

func (self *_Aarch64) fdst(out hir.Location) int {
	if out.IsFpuRegister() {
		return out.Reg()
	} else {
		return _D31
	}
}

// borrow frees a floating point register other than the excluded one by
// parking its value in X17, the returned function restores it.
func (self *_Aarch64) borrow(exclude int) (int, func()) {
	r := 30
	if exclude == r {
		r = 29
	}
	self.op2(arm64.AFMOVD, a64F(r), a64X(_IP1))
	return r, func() { self.op2(arm64.AFMOVD, a64X(_IP1), a64F(r)) }
}

/** Frame **/

func (self *_Aarch64) prologue() {
	cg := self.cg
	fr := cg.frame

	/* leaf methods without a frame */
	if fr.Empty {
		return
	}

	/* touch the guard page below the frame, it faults on overflow */
	if cg.needsStackCheck() && cg.opts.ImplicitStackOverflowChecks {
		self.op2(arm64.AMOVD, _A64SP, a64X(_IP0))
		self.op2(arm64.ASUB, a64Imm(int64(cg.opts.StackOverflowReserved)), a64X(_IP0))
		self.op2(arm64.AMOVWU, a64Mem(arm64.REG_R0+_IP0, 0), a64X(_IP1))
		cg.recordAt(nil, 0, stackmap.Default)
	}

	/* allocate the frame */
	self.adjustSP(arm64.ASUB, fr.FrameSize)

	/* callee-saves, including the link register */
	for _, r := range fr.SavedCoreRegisters() {
		self.op2(arm64.AMOVD, a64X(r), self.stk(fr.CoreSpillOffset(r), 8))
	}
	for _, r := range fr.SavedFpRegisters() {
		self.op2(arm64.AFMOVD, a64F(r), self.stk(fr.FpSpillOffset(r), 8))
	}

	/* the current method goes to the bottom of the frame */
	self.op2(arm64.AMOVD, a64X(cg.arch.MethodRegister()), a64Mem(arm64.REGSP, 0))
	if fr.DeoptFlagOffset >= 0 {
		self.op2(arm64.AMOVW, _A64ZR, self.stk(fr.DeoptFlagOffset, 4))
	}

	/* compare against the stack end once the frame is complete */
	if cg.needsStackCheck() && !cg.opts.ImplicitStackOverflowChecks {
		sp := cg.newSlowPath(_SlowStackOverflow, nil)
		self.op2(arm64.AMOVD, self.thread(rtx.StackEndOffset(_A64PtrSize), 8), a64X(_IP0))
		self.op2(arm64.AMOVD, _A64SP, a64X(_IP1))
		self.op3(arm64.ACMP, a64X(_IP0), a64X(_IP1), obj.Addr{})
		self.br(arm64.ABLO, obj.Addr{}, sp.entry)
	}
}

func (self *_Aarch64) epilogue() {
	fr := self.cg.frame

	/* restore the callee-saves and free the frame */
	if !fr.Empty {
		for _, r := range fr.SavedFpRegisters() {
			self.op2(arm64.AFMOVD, self.stk(fr.FpSpillOffset(r), 8), a64F(r))
		}
		for _, r := range fr.SavedCoreRegisters() {
			self.op2(arm64.AMOVD, self.stk(fr.CoreSpillOffset(r), 8), a64X(r))
		}
		self.adjustSP(arm64.AADD, fr.FrameSize)
	}

	/* back to the caller */
	self.op1(obj.ARET, a64X(_LR))
}

/** Data Movement **/

func (self *_Aarch64) nop() {
	self.op0(arm64.ANOOP)
}

func (self *_Aarch64) move(dst hir.Location, src hir.Location, vt hir.DataType) {
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
			self.op2(arm64.AMOVD, a64X(src.Reg()), a64X(dst.Reg()))
		case src.IsFpuRegister() && vt.Is64Bit():
			self.op2(arm64.AFMOVD, a64F(src.Reg()), a64X(dst.Reg()))
		case src.IsFpuRegister():
			self.op2(arm64.AFMOVS, a64F(src.Reg()), a64X(dst.Reg()))
		case src.IsStackSlot():
			self.op2(arm64.AMOVWU, self.stk(src.Offset(), 4), a64X(dst.Reg()))
		case src.IsDoubleStack():
			self.op2(arm64.AMOVD, self.stk(src.Offset(), 8), a64X(dst.Reg()))
		default:
			self.badMove(dst, src)
		}
	case dst.IsFpuRegister():
		switch {
		case src.IsFpuRegister():
			self.op2(arm64.AFMOVD, a64F(src.Reg()), a64F(dst.Reg()))
		case src.IsRegister() && vt.Is64Bit():
			self.op2(arm64.AFMOVD, a64X(src.Reg()), a64F(dst.Reg()))
		case src.IsRegister():
			self.op2(arm64.AFMOVS, a64X(src.Reg()), a64F(dst.Reg()))
		case src.IsStackSlot():
			self.op2(arm64.AFMOVS, self.stk(src.Offset(), 4), a64F(dst.Reg()))
		case src.IsDoubleStack():
			self.op2(arm64.AFMOVD, self.stk(src.Offset(), 8), a64F(dst.Reg()))
		default:
			self.badMove(dst, src)
		}
	case dst.IsStackSlot():
		switch {
		case src.IsRegister():
			self.op2(arm64.AMOVW, a64X(src.Reg()), self.stk(dst.Offset(), 4))
		case src.IsFpuRegister():
			self.op2(arm64.AFMOVS, a64F(src.Reg()), self.stk(dst.Offset(), 4))
		case src.IsStackSlot():
			self.op2(arm64.AMOVWU, self.stk(src.Offset(), 4), a64X(_IP0))
			self.op2(arm64.AMOVW, a64X(_IP0), self.stk(dst.Offset(), 4))
		default:
			self.badMove(dst, src)
		}
	case dst.IsDoubleStack():
		switch {
		case src.IsRegister():
			self.op2(arm64.AMOVD, a64X(src.Reg()), self.stk(dst.Offset(), 8))
		case src.IsFpuRegister():
			self.op2(arm64.AFMOVD, a64F(src.Reg()), self.stk(dst.Offset(), 8))
		case src.IsDoubleStack():
			self.op2(arm64.AMOVD, self.stk(src.Offset(), 8), a64X(_IP0))
			self.op2(arm64.AMOVD, a64X(_IP0), self.stk(dst.Offset(), 8))
		default:
			self.badMove(dst, src)
		}
	default:
		self.badMove(dst, src)
	}
}

func (self *_Aarch64) badMove(dst hir.Location, src hir.Location) {
	panic(fmt.Sprintf("pgen: cannot move %s to %s", src, dst))
}

func (self *_Aarch64) li(dst hir.Location, iv int64, vt hir.DataType) {
	if !vt.Is64Bit() {
		iv = int64(uint32(iv))
	}

	/* materialize by the kind of the destination */
	switch {
	case dst.IsRegister():
		self.op2(arm64.AMOVD, a64Imm(iv), a64X(dst.Reg()))
	case dst.IsFpuRegister() && iv == 0:
		self.op2(arm64.AFMOVD, _A64ZR, a64F(dst.Reg()))
	case dst.IsFpuRegister():
		self.op2(arm64.AMOVD, a64Imm(iv), a64X(_IP0))
		self.move(dst, hir.RegisterLocation(_IP0), vt)
	case dst.IsStackSlot() && iv == 0:
		self.op2(arm64.AMOVW, _A64ZR, self.stk(dst.Offset(), 4))
	case dst.IsDoubleStack() && iv == 0:
		self.op2(arm64.AMOVD, _A64ZR, self.stk(dst.Offset(), 8))
	case dst.IsStack():
		self.op2(arm64.AMOVD, a64Imm(iv), a64X(_IP0))
		self.move(dst, hir.RegisterLocation(_IP0), stackType(dst))
	default:
		panic(fmt.Sprintf("pgen: cannot load a constant into %s", dst))
	}
}

func (self *_Aarch64) swap(a hir.Location, b hir.Location, vt hir.DataType) {
	ip0 := hir.RegisterLocation(_IP0)
	ip1 := hir.RegisterLocation(_IP1)
	d31 := hir.FpuRegisterLocation(_D31)

	/* exchange through the scratch registers */
	switch {
	case a.IsRegister() && b.IsRegister():
		self.move(ip0, a, hir.Int64)
		self.move(a, b, hir.Int64)
		self.move(b, ip0, hir.Int64)
	case a.IsFpuRegister() && b.IsFpuRegister():
		self.move(d31, a, hir.Float64)
		self.move(a, b, hir.Float64)
		self.move(b, d31, hir.Float64)
	case a.IsStack() && !b.IsStack():
		self.swap(b, a, vt)
	case b.IsStack() && a.IsRegister():
		self.move(ip0, b, stackType(b))
		self.move(b, a, stackType(b))
		self.move(a, ip0, hir.Int64)
	case b.IsStack() && a.IsFpuRegister():
		self.move(d31, b, stackFloat(b))
		self.move(b, a, stackFloat(b))
		self.move(a, d31, hir.Float64)
	case a.IsStack() && b.IsStack() && a.Kind() == b.Kind():
		self.move(ip0, a, stackType(a))
		self.move(ip1, b, stackType(b))
		self.move(a, ip1, stackType(a))
		self.move(b, ip0, stackType(b))
	case a.IsRegister() && b.IsFpuRegister():
		self.move(ip0, a, hir.Int64)
		self.move(a, b, hir.Float64)
		self.move(b, ip0, hir.Float64)
	case a.IsFpuRegister() && b.IsRegister():
		self.swap(b, a, vt)
	default:
		panic(fmt.Sprintf("pgen: cannot swap %s and %s", a, b))
	}
}

func (self *_Aarch64) save(reg hir.Location, off int) {
	if reg.IsFpuRegister() {
		self.op2(arm64.AFMOVD, a64F(reg.Reg()), self.stk(off, 8))
	} else {
		self.op2(arm64.AMOVD, a64X(reg.Reg()), self.stk(off, 8))
	}
}

func (self *_Aarch64) restore(reg hir.Location, off int) {
	if reg.IsFpuRegister() {
		self.op2(arm64.AFMOVD, self.stk(off, 8), a64F(reg.Reg()))
	} else {
		self.op2(arm64.AMOVD, self.stk(off, 8), a64X(reg.Reg()))
	}
}

// extend sign or zero extends a small integer computed in r.
func (self *_Aarch64) extend(vt hir.DataType, r int) {
	switch vt {
	case hir.Bool, hir.Uint8:
		self.op2(arm64.AMOVBU, a64X(r), a64X(r))
	case hir.Int8:
		self.op2(arm64.AMOVB, a64X(r), a64X(r))
	case hir.Uint16:
		self.op2(arm64.AMOVHU, a64X(r), a64X(r))
	case hir.Int16:
		self.op2(arm64.AMOVH, a64X(r), a64X(r))
	}
}

/** Branches **/

var a64IntConds = [...]obj.As{
	hir.CondEQ: arm64.ABEQ,
	hir.CondNE: arm64.ABNE,
	hir.CondLT: arm64.ABLT,
	hir.CondLE: arm64.ABLE,
	hir.CondGT: arm64.ABGT,
	hir.CondGE: arm64.ABGE,
	hir.CondB:  arm64.ABLO,
	hir.CondAE: arm64.ABHS,
	hir.CondBE: arm64.ABLS,
	hir.CondA:  arm64.ABHI,
}

// Unordered comparisons set C and V, none of these conditions hold for them
// except NE.
var a64FloatConds = [...]obj.As{
	hir.CondEQ: arm64.ABEQ,
	hir.CondNE: arm64.ABNE,
	hir.CondLT: arm64.ABMI,
	hir.CondLE: arm64.ABLS,
	hir.CondGT: arm64.ABGT,
	hir.CondGE: arm64.ABGE,
}

func (self *_Aarch64) branch(cc hir.Condition, vt hir.DataType, a hir.Location, b hir.Location, l _Label) {
	if vt.IsFloatingPoint() {
		self.branchFloat(cc, vt, a, b, l)
		return
	}

	/* pick the width */
	cmp := arm64.ACMPW
	if vt.Is64Bit() {
		cmp = arm64.ACMP
	}

	/* compare against an immediate when possible */
	ra := self.in(a, vt, _IP0)
	if b.IsConstant() && isAddImm(b.Constant().Iv) {
		self.op3(cmp, a64Imm(b.Constant().Iv), a64X(ra), obj.Addr{})
	} else {
		self.op3(cmp, a64X(self.in(b, vt, _IP1)), a64X(ra), obj.Addr{})
	}

	/* jump on the result */
	if int(cc) >= len(a64IntConds) {
		panic("pgen: invalid condition " + cc.String())
	}
	self.br(a64IntConds[cc], obj.Addr{}, l)
}

func (self *_Aarch64) branchFloat(cc hir.Condition, vt hir.DataType, a hir.Location, b hir.Location, l _Label) {
	cmp := arm64.AFCMPD
	if vt == hir.Float32 {
		cmp = arm64.AFCMPS
	}

	/* only B and AE have no floating point meaning */
	if int(cc) >= len(a64FloatConds) || a64FloatConds[cc] == 0 {
		panic("pgen: invalid floating point condition " + cc.String())
	}

	/* both operands in registers, the restore does not touch the flags */
	fa := self.fin(a, vt, _D31)
	if b.IsFpuRegister() {
		self.op3(cmp, a64F(b.Reg()), a64F(fa), obj.Addr{})
	} else {
		fb, done := self.borrow(fa)
		self.move(hir.FpuRegisterLocation(fb), b, vt)
		self.op3(cmp, a64F(fb), a64F(fa), obj.Addr{})
		done()
	}

	/* jump on the result */
	self.br(a64FloatConds[cc], obj.Addr{}, l)
}

func (self *_Aarch64) branchZero(loc hir.Location, vt hir.DataType, zero bool, l _Label) {
	r := self.in(loc, vt, _IP0)
	wide := vt.Is64Bit()

	/* compare and branch */
	switch {
	case zero && wide:
		self.br(arm64.ACBZ, a64X(r), l)
	case zero:
		self.br(arm64.ACBZW, a64X(r), l)
	case wide:
		self.br(arm64.ACBNZ, a64X(r), l)
	default:
		self.br(arm64.ACBNZW, a64X(r), l)
	}
}

func (self *_Aarch64) testThread(off int, mask int32, l _Label) {
	self.op2(arm64.AMOVWU, self.thread(off, 4), a64X(_IP0))

	/* any bit set */
	if mask == -1 {
		self.br(arm64.ACBNZW, a64X(_IP0), l)
		return
	}

	/* the selected bits */
	self.op2(arm64.AMOVD, a64Imm(int64(uint32(mask))), a64X(_IP1))
	self.op3(arm64.ATSTW, a64X(_IP1), a64X(_IP0), obj.Addr{})
	self.br(arm64.ABNE, obj.Addr{}, l)
}

/** Calls **/

func (self *_Aarch64) call(e rtx.Entrypoint) {
	self.op2(arm64.AMOVD, self.thread(e.Offset(_A64PtrSize), 8), a64X(_IP0))
	self.op1(arm64.ABL, a64Mem(arm64.REG_R0+_IP0, 0))
}

func (self *_Aarch64) invoke(m hir.MethodRef) {
	cg := self.cg
	mr := cg.arch.MethodRegister()

	/* the callee is known, call its compiled code */
	if m.Pointer != 0 {
		self.li(hir.RegisterLocation(mr), int64(m.Pointer), hir.Int64)
		self.op2(arm64.AMOVD, self.addr(arm64.REG_R0+int16(mr), rtx.ArtMethodQuickCodeOffset(_A64PtrSize), 8), a64X(_IP0))
		self.op1(arm64.ABL, a64Mem(arm64.REG_R0+_IP0, 0))
		return
	}

	/* otherwise the runtime resolves it by its index */
	self.li(hir.RegisterLocation(cg.arch.HiddenArgument()), int64(m.Index), hir.Int32)
	self.call(rtx.InvokeStaticTrampoline)
}

/** Instructions **/

var a64Translators = [hir.NumOpCodes]func(*_Aarch64, *hir.Instr){
	hir.OpAdd:            (*_Aarch64).translateBinary,
	hir.OpSub:            (*_Aarch64).translateBinary,
	hir.OpMul:            (*_Aarch64).translateBinary,
	hir.OpAnd:            (*_Aarch64).translateBinary,
	hir.OpOr:             (*_Aarch64).translateBinary,
	hir.OpXor:            (*_Aarch64).translateBinary,
	hir.OpDiv:            (*_Aarch64).translateDivRem,
	hir.OpRem:            (*_Aarch64).translateDivRem,
	hir.OpShl:            (*_Aarch64).translateShift,
	hir.OpShr:            (*_Aarch64).translateShift,
	hir.OpUShr:           (*_Aarch64).translateShift,
	hir.OpNeg:            (*_Aarch64).translateNeg,
	hir.OpConvert:        (*_Aarch64).translateConvert,
	hir.OpArrayLength:    (*_Aarch64).translateArrayLength,
	hir.OpFieldGet:       (*_Aarch64).translateFieldGet,
	hir.OpFieldSet:       (*_Aarch64).translateFieldSet,
	hir.OpArrayGet:       (*_Aarch64).translateArrayGet,
	hir.OpArraySet:       (*_Aarch64).translateArraySet,
	hir.OpLoadException:  (*_Aarch64).translateLoadException,
	hir.OpClearException: (*_Aarch64).translateClearException,
}

func (self *_Aarch64) translate(v *hir.Instr) {
	if fn := a64Translators[v.Op]; fn != nil {
		fn(self, v)
	} else {
		panic("pgen: invalid instruction: " + v.String())
	}
}

// a64Ops holds the 64-bit and the 32-bit form of each binary operation.
var a64Ops = map[hir.OpCode][2]obj.As{
	hir.OpAdd:  {arm64.AADD, arm64.AADDW},
	hir.OpSub:  {arm64.ASUB, arm64.ASUBW},
	hir.OpMul:  {arm64.AMUL, arm64.AMULW},
	hir.OpAnd:  {arm64.AAND, arm64.AANDW},
	hir.OpOr:   {arm64.AORR, arm64.AORRW},
	hir.OpXor:  {arm64.AEOR, arm64.AEORW},
	hir.OpShl:  {arm64.ALSL, arm64.ALSLW},
	hir.OpShr:  {arm64.AASR, arm64.AASRW},
	hir.OpUShr: {arm64.ALSR, arm64.ALSRW},
}

// a64FloatOps holds the double and the single precision form.
var a64FloatOps = map[hir.OpCode][2]obj.As{
	hir.OpAdd: {arm64.AFADDD, arm64.AFADDS},
	hir.OpSub: {arm64.AFSUBD, arm64.AFSUBS},
	hir.OpMul: {arm64.AFMULD, arm64.AFMULS},
	hir.OpDiv: {arm64.AFDIVD, arm64.AFDIVS},
}

func opFor(ops map[hir.OpCode][2]obj.As, v *hir.Instr, wide bool) obj.As {
	if op, ok := ops[v.Op]; !ok {
		panic("pgen: invalid operation: " + v.String())
	} else if wide {
		return op[0]
	} else {
		return op[1]
	}
}

func (self *_Aarch64) translateBinary(v *hir.Instr) {
	if v.Type.IsFloatingPoint() {
		self.translateFloatBinary(v)
		return
	}

	/* operands */
	b := v.Locs.InAt(1)
	ra := self.in(v.Locs.InAt(0), v.Type, _IP0)
	rd := self.dst(v.Locs.Out())
	op := opFor(a64Ops, v, v.Type.Is64Bit())

	/* ADD and SUB take small immediates */
	if b.IsConstant() && isAddImm(b.Constant().Iv) && (v.Op == hir.OpAdd || v.Op == hir.OpSub) {
		self.op3(op, a64Imm(b.Constant().Iv), a64X(ra), a64X(rd))
	} else {
		self.op3(op, a64X(self.in(b, v.Type, _IP1)), a64X(ra), a64X(rd))
	}

	/* small integers are kept extended */
	self.extend(v.Type, rd)
	self.move(v.Locs.Out(), hir.RegisterLocation(rd), v.Type)
}

func (self *_Aarch64) translateFloatBinary(v *hir.Instr) {
	if v.Op == hir.OpRem {
		panic("pgen: floating point remainder must be lowered to a call: " + v.String())
	}

	/* operands */
	b := v.Locs.InAt(1)
	op := opFor(a64FloatOps, v, v.Type == hir.Float64)
	fa := self.fin(v.Locs.InAt(0), v.Type, _D31)

	/* the second operand may need a borrowed register */
	if b.IsFpuRegister() {
		fd := self.fdst(v.Locs.Out())
		self.op3(op, a64F(b.Reg()), a64F(fa), a64F(fd))
		self.move(v.Locs.Out(), hir.FpuRegisterLocation(fd), v.Type)
	} else {
		fb, done := self.borrow(fa)
		self.move(hir.FpuRegisterLocation(fb), b, v.Type)
		self.op3(op, a64F(fb), a64F(fa), a64F(_D31))
		done()
		self.move(v.Locs.Out(), hir.FpuRegisterLocation(_D31), v.Type)
	}
}

// translateDivRem computes the remainder as a - (a / b) * b. The division
// does not fault, MIN / -1 is MIN.
func (self *_Aarch64) translateDivRem(v *hir.Instr) {
	if v.Type.IsFloatingPoint() {
		self.translateFloatBinary(v)
		return
	}

	/* select the instructions */
	wide := v.Type.Is64Bit()
	div, mul, sub := arm64.ASDIVW, arm64.AMULW, arm64.ASUBW
	if wide {
		div, mul, sub = arm64.ASDIV, arm64.AMUL, arm64.ASUB
	}

	/* unsigned types */
	if v.Type.IsUnsigned() {
		div = arm64.AUDIVW
		if wide {
			div = arm64.AUDIV
		}
	}

	/* dividend in X16, divisor in X17 */
	rd := self.dst(v.Locs.Out())
	self.move(hir.RegisterLocation(_IP1), v.Locs.InAt(1), v.Type)
	self.move(hir.RegisterLocation(_IP0), v.Locs.InAt(0), v.Type)

	/* the quotient */
	if v.Op == hir.OpDiv {
		self.op3(div, a64X(_IP1), a64X(_IP0), a64X(rd))
	} else {
		self.op2(arm64.AFMOVD, a64X(_IP0), a64F(_D31))
		self.op3(div, a64X(_IP1), a64X(_IP0), a64X(_IP0))
		self.op3(mul, a64X(_IP1), a64X(_IP0), a64X(_IP0))
		self.op2(arm64.AFMOVD, a64F(_D31), a64X(_IP1))
		self.op3(sub, a64X(_IP0), a64X(_IP1), a64X(rd))
	}

	/* store the result */
	self.extend(v.Type, rd)
	self.move(v.Locs.Out(), hir.RegisterLocation(rd), v.Type)
}

// translateShift relies on the hardware masking the count by the operand
// width, like the language does.
func (self *_Aarch64) translateShift(v *hir.Instr) {
	b := v.Locs.InAt(1)
	wide := v.Type.Is64Bit()
	op := opFor(a64Ops, v, wide)
	ra := self.in(v.Locs.InAt(0), v.Type, _IP0)
	rd := self.dst(v.Locs.Out())

	/* immediate counts are masked here */
	if b.IsConstant() {
		mask := int64(31)
		if wide {
			mask = 63
		}
		self.op3(op, a64Imm(b.Constant().Iv&mask), a64X(ra), a64X(rd))
	} else {
		self.op3(op, a64X(self.in(b, v.Inputs[1].Type, _IP1)), a64X(ra), a64X(rd))
	}

	/* store the result */
	self.extend(v.Type, rd)
	self.move(v.Locs.Out(), hir.RegisterLocation(rd), v.Type)
}

func (self *_Aarch64) translateNeg(v *hir.Instr) {
	out := v.Locs.Out()

	/* floats flip the sign bit */
	if v.Type.IsFloatingPoint() {
		op := arm64.AFNEGD
		if v.Type == hir.Float32 {
			op = arm64.AFNEGS
		}
		fd := self.fdst(out)
		self.op2(op, a64F(self.fin(v.Locs.InAt(0), v.Type, _D31)), a64F(fd))
		self.move(out, hir.FpuRegisterLocation(fd), v.Type)
		return
	}

	/* integers */
	op := arm64.ANEGW
	if v.Type.Is64Bit() {
		op = arm64.ANEG
	}

	/* negate and store the result */
	rd := self.dst(out)
	self.op2(op, a64X(self.in(v.Locs.InAt(0), v.Type, _IP0)), a64X(rd))
	self.extend(v.Type, rd)
	self.move(out, hir.RegisterLocation(rd), v.Type)
}

func (self *_Aarch64) translateConvert(v *hir.Instr) {
	from := v.Inputs[0].Type
	to := v.Type
	in := v.Locs.InAt(0)
	out := v.Locs.Out()

	/* between floating point precisions */
	if from.IsFloatingPoint() && to.IsFloatingPoint() {
		fd := self.fdst(out)
		fa := self.fin(in, from, _D31)
		switch {
		case from == to:
			self.op2(arm64.AFMOVD, a64F(fa), a64F(fd))
		case to == hir.Float64:
			self.op2(arm64.AFCVTSD, a64F(fa), a64F(fd))
		default:
			self.op2(arm64.AFCVTDS, a64F(fa), a64F(fd))
		}
		self.move(out, hir.FpuRegisterLocation(fd), to)
		return
	}

	/* FCVTZ saturates and turns NaN into zero */
	if from.IsFloatingPoint() {
		rd := self.dst(out)
		fa := self.fin(in, from, _D31)
		self.op2(a64FloatToInt(from, to), a64F(fa), a64X(rd))
		self.extend(to, rd)
		self.move(out, hir.RegisterLocation(rd), to)
		return
	}

	/* integers to floating point */
	if to.IsFloatingPoint() {
		fd := self.fdst(out)
		ra := self.in(in, from, _IP0)
		self.op2(a64IntToFloat(from, to), a64X(ra), a64F(fd))
		self.move(out, hir.FpuRegisterLocation(fd), to)
		return
	}

	/* between integers, widen by the signedness of the source */
	rd := self.dst(out)
	ra := self.in(in, from, _IP0)
	switch {
	case to.Is64Bit() && !from.Is64Bit() && from.IsUnsigned():
		self.op2(arm64.AMOVWU, a64X(ra), a64X(rd))
	case to.Is64Bit() && !from.Is64Bit():
		self.op2(arm64.AMOVW, a64X(ra), a64X(rd))
	case from.Is64Bit() && !to.Is64Bit():
		self.op2(arm64.AMOVWU, a64X(ra), a64X(rd))
	default:
		self.op2(arm64.AMOVD, a64X(ra), a64X(rd))
	}

	/* then narrow to the small integer types */
	self.extend(to, rd)
	self.move(out, hir.RegisterLocation(rd), to)
}

func a64FloatToInt(from hir.DataType, to hir.DataType) obj.As {
	f32 := from == hir.Float32
	switch {
	case to == hir.Uint64 && f32:
		return arm64.AFCVTZUS
	case to == hir.Uint64:
		return arm64.AFCVTZUD
	case to == hir.Uint32 && f32:
		return arm64.AFCVTZUSW
	case to == hir.Uint32:
		return arm64.AFCVTZUDW
	case to.Is64Bit() && f32:
		return arm64.AFCVTZSS
	case to.Is64Bit():
		return arm64.AFCVTZSD
	case f32:
		return arm64.AFCVTZSSW
	default:
		return arm64.AFCVTZSDW
	}
}

func a64IntToFloat(from hir.DataType, to hir.DataType) obj.As {
	f32 := to == hir.Float32
	switch {
	case from == hir.Uint64 && f32:
		return arm64.AUCVTFS
	case from == hir.Uint64:
		return arm64.AUCVTFD
	case from == hir.Uint32 && f32:
		return arm64.AUCVTFWS
	case from == hir.Uint32:
		return arm64.AUCVTFWD
	case from.Is64Bit() && f32:
		return arm64.ASCVTFS
	case from.Is64Bit():
		return arm64.ASCVTFD
	case f32:
		return arm64.ASCVTFWS
	default:
		return arm64.ASCVTFWD
	}
}

/** Memory **/

func a64Load(vt hir.DataType) obj.As {
	switch vt {
	case hir.Bool, hir.Uint8:
		return arm64.AMOVBU
	case hir.Int8:
		return arm64.AMOVB
	case hir.Uint16:
		return arm64.AMOVHU
	case hir.Int16:
		return arm64.AMOVH
	case hir.Int32:
		return arm64.AMOVW
	case hir.Uint32, hir.Reference:
		return arm64.AMOVWU
	case hir.Float32:
		return arm64.AFMOVS
	case hir.Float64:
		return arm64.AFMOVD
	default:
		return arm64.AMOVD
	}
}

func a64Store(vt hir.DataType) obj.As {
	switch {
	case vt == hir.Float32:
		return arm64.AFMOVS
	case vt == hir.Float64:
		return arm64.AFMOVD
	case vt.Size() == 1:
		return arm64.AMOVB
	case vt.Size() == 2:
		return arm64.AMOVH
	case vt.Size() == 4:
		return arm64.AMOVW
	default:
		return arm64.AMOVD
	}
}

// base returns the register holding an object reference, X16 when it is not
// in a register.
func (self *_Aarch64) base(loc hir.Location) int {
	return self.in(loc, hir.Reference, _IP0)
}

// elem returns the address of an array element, computed in X17 for
// non-constant indices.
func (self *_Aarch64) elem(arr int, idx hir.Location, vt hir.DataType) obj.Addr {
	size := vt.Size()
	off := rtx.ArrayDataOffset(size)

	/* constant indices fold into the offset */
	if idx.IsConstant() {
		return self.addr(arm64.REG_R0+int16(arr), off+int(idx.Constant().Iv)*size, size)
	}

	/* arr + (idx << log2(size)) + off */
	ri := self.in(idx, hir.Int32, _IP1)
	self.op3(arm64.AADD, a64Shift(ri, a64Log2(size)), a64X(arr), a64X(_IP1))
	return self.addr(arm64.REG_R0+_IP1, off, size)
}

func a64Log2(size int) int {
	switch size {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	default:
		return 3
	}
}

// load reads a value of type vt into out.
func (self *_Aarch64) load(vt hir.DataType, mem obj.Addr, out hir.Location) {
	if vt.IsFloatingPoint() {
		fd := self.fdst(out)
		self.op2(a64Load(vt), mem, a64F(fd))
		self.move(out, hir.FpuRegisterLocation(fd), vt)
	} else {
		rd := self.dst(out)
		self.op2(a64Load(vt), mem, a64X(rd))
		self.move(out, hir.RegisterLocation(rd), vt)
	}
}

// store writes val to mem. The value is loaded into the first scratch
// register in free, or copied bit by bit through D31 when none is. It
// returns the register holding the stored value, or -1 when there is none.
func (self *_Aarch64) store(vt hir.DataType, val hir.Location, mem obj.Addr, free []int) int {
	op := a64Store(vt)

	/* floating point values */
	if vt.IsFloatingPoint() {
		if val.IsConstant() && val.Constant().Iv == 0 {
			self.op2(op, _A64ZR, mem)
		} else {
			self.op2(op, a64F(self.fin(val, vt, _D31)), mem)
		}
		return -1
	}

	/* registers and zero are stored directly */
	switch {
	case val.IsRegister():
		self.op2(op, a64X(val.Reg()), mem)
		return val.Reg()
	case val.IsConstant() && val.Constant().Iv == 0:
		self.op2(op, _A64ZR, mem)
		return -1
	case len(free) != 0:
		self.move(hir.RegisterLocation(free[0]), val, vt)
		self.op2(op, a64X(free[0]), mem)
		return free[0]
	}

	/* references from a stack slot are copied as raw bits */
	if !val.IsStackSlot() || vt.Size() != 4 {
		panic(fmt.Sprintf("pgen: no scratch register to store %s", val))
	}
	self.op2(arm64.AFMOVS, self.stk(val.Offset(), 4), a64F(_D31))
	self.op2(arm64.AFMOVS, a64F(_D31), mem)
	return -1
}

// markCard dirties the card of the object in ref after a reference store,
// unless the stored value is null. It clobbers X16 and X17.
func (self *_Aarch64) markCard(ref int, val hir.Location, reg int) {
	skip := self.newLabel()

	/* storing null needs no barrier */
	if val.IsConstant() {
		return
	}

	/* test the stored value */
	if reg < 0 {
		self.move(hir.RegisterLocation(_IP1), val, hir.Reference)
		reg = _IP1
	}

	/* card_table[obj >> card_shift] = low byte of card_table */
	self.br(arm64.ACBZW, a64X(reg), skip)
	self.op3(arm64.ALSR, a64Imm(rtx.CardShift), a64X(ref), a64X(_IP0))
	self.op2(arm64.AMOVD, self.thread(rtx.CardTableOffset(_A64PtrSize), 8), a64X(_IP1))
	self.op3(arm64.AADD, a64X(_IP0), a64X(_IP1), a64X(_IP0))
	self.op2(arm64.AMOVB, a64X(_IP1), a64Mem(arm64.REG_R0+_IP0, 0))
	self.bind(skip)
}

// scratch returns the scratch registers not used by an address or a base.
func scratch(used ...int) (ret []int) {
	for _, r := range [...]int{_IP1, _IP0} {
		ok := true
		for _, u := range used {
			ok = ok && u != r
		}
		if ok {
			ret = append(ret, r)
		}
	}
	return
}

// usedBy returns the scratch register a memory operand is based on, or -1.
func usedBy(mem obj.Addr) int {
	if r := int(mem.Reg - arm64.REG_R0); r == _IP0 || r == _IP1 {
		return r
	} else {
		return -1
	}
}

func (self *_Aarch64) translateArrayLength(v *hir.Instr) {
	arr := self.base(v.Locs.InAt(0))
	self.load(hir.Int32, a64Mem(arm64.REG_R0+int16(arr), rtx.ArrayLengthOffset), v.Locs.Out())
}

func (self *_Aarch64) translateFieldGet(v *hir.Instr) {
	ref := self.base(v.Locs.InAt(0))
	self.load(v.Type, self.addr(arm64.REG_R0+int16(ref), int(v.Iv), v.Type.Size()), v.Locs.Out())

	/* references may need marking */
	if v.Type == hir.Reference {
		self.cg.readBarrier(v)
	}
}

func (self *_Aarch64) translateFieldSet(v *hir.Instr) {
	vt := v.Inputs[1].Type
	val := v.Locs.InAt(1)
	ref := self.base(v.Locs.InAt(0))
	mem := self.addr(arm64.REG_R0+int16(ref), int(v.Iv), vt.Size())

	/* the base stays alive for the card mark */
	reg := self.store(vt, val, mem, scratch(ref, usedBy(mem)))
	if vt == hir.Reference {
		self.markCard(ref, val, reg)
	}
}

func (self *_Aarch64) translateArrayGet(v *hir.Instr) {
	arr := self.base(v.Locs.InAt(0))
	self.load(v.Type, self.elem(arr, v.Locs.InAt(1), v.Type), v.Locs.Out())

	/* references may need marking */
	if v.Type == hir.Reference {
		self.cg.readBarrier(v)
	}
}

func (self *_Aarch64) translateArraySet(v *hir.Instr) {
	vt := v.Inputs[2].Type
	val := v.Locs.InAt(2)
	arr := self.base(v.Locs.InAt(0))
	mem := self.elem(arr, v.Locs.InAt(1), vt)

	/* a base in X16 is only needed again by the card mark */
	used := []int{usedBy(mem)}
	if vt == hir.Reference {
		used = append(used, arr)
	}

	/* store, then mark the card for references */
	reg := self.store(vt, val, mem, scratch(used...))
	if vt == hir.Reference {
		self.markCard(arr, val, reg)
	}
}

func (self *_Aarch64) translateLoadException(v *hir.Instr) {
	self.load(hir.Reference, self.thread(rtx.ExceptionOffset(_A64PtrSize), 4), v.Locs.Out())
}

func (self *_Aarch64) translateClearException(_ *hir.Instr) {
	self.op2(arm64.AMOVD, _A64ZR, self.thread(rtx.ExceptionOffset(_A64PtrSize), 8))
}
