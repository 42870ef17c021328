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

/** Managed Calling Convention
 *
 *  Every argument owns a stack slot in the caller's out area, whether it is
 *  passed in a register or not. Slot i lives at `ptrSize + 4 * i` from the
 *  stack pointer at the call site, the first word holds the callee's method.
 *
 *  Registers are handed out by two independent cursors, one per register file.
 *  A 64-bit argument on a 32-bit target takes two consecutive core registers
 *  and is never split: when only one register is left it goes to the stack,
 *  and the remaining register is consumed.
 */

package abi

import (
	"fmt"

	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/isa"
)

const (
	_VRegSize = 4
)

type _Cursor struct {
	t    *archTable
	core []int
	fp   []int
	gpr  int
	fpr  int
	dbl  int
	slot int
}

func newCursor(t *archTable, core []int, fp []int) _Cursor {
	return _Cursor{t: t, core: core, fp: fp}
}

func (self *_Cursor) offset(slot int) int {
	return self.t.ptrSize + slot*_VRegSize
}

func (self *_Cursor) stack(vt hir.DataType, slot int) hir.Location {
	if vt.Is64Bit() {
		return hir.DoubleStackSlotLocation(self.offset(slot))
	} else {
		return hir.StackSlotLocation(self.offset(slot))
	}
}

// next assigns the next argument. It returns the register location, or an
// invalid location when the argument goes to the stack, plus the stack slot.
func (self *_Cursor) next(vt hir.DataType) (hir.Location, int) {
	slot := self.slot
	self.slot += vt.VRegs()

	/* check for argument type */
	switch {
	case vt == hir.Void:
		panic("abi: void argument")
	case vt.IsFloatingPoint():
		return self.nextFp(vt), slot
	case vt.Is64Bit() && self.t.ptrSize == 4:
		return self.nextPair(), slot
	default:
		return self.nextCore(), slot
	}
}

func (self *_Cursor) nextCore() hir.Location {
	if self.gpr >= len(self.core) {
		return hir.NoLocation()
	} else {
		self.gpr++
		return hir.RegisterLocation(self.core[self.gpr-1])
	}
}

func (self *_Cursor) nextPair() hir.Location {
	idx := self.gpr
	self.gpr += 2

	/* AAPCS pairs start on an even register */
	if self.t.evenPairs && idx+1 < len(self.core) && self.core[idx]%2 != 0 {
		idx++
		self.gpr++
	}

	/* both halves must fit, or the whole value goes to the stack */
	if idx+1 < len(self.core) {
		return hir.RegisterPairLocation(self.core[idx], self.core[idx+1])
	} else {
		return hir.NoLocation()
	}
}

func (self *_Cursor) nextFp(vt hir.DataType) hir.Location {
	if self.t.fpPairs {
		return self.nextFpArm(vt)
	} else if self.fpr >= len(self.fp) {
		return hir.NoLocation()
	} else {
		self.fpr++
		return hir.FpuRegisterLocation(self.fp[self.fpr-1])
	}
}

// nextFpArm implements the VFP back-filling: singles fill the holes left by
// the alignment of doubles, doubles take an even pair of single registers.
func (self *_Cursor) nextFpArm(vt hir.DataType) hir.Location {
	if vt == hir.Float32 {
		if self.fpr%2 == 0 {
			self.fpr = max(self.dbl, self.fpr)
		}
		if self.fpr >= len(self.fp) {
			return hir.NoLocation()
		}
		self.fpr++
		return hir.FpuRegisterLocation(self.fp[self.fpr-1])
	}

	/* doubles skip to the next free even register */
	self.dbl = max(self.dbl, (self.fpr+1)&^1)
	if self.dbl+1 >= len(self.fp) {
		return hir.NoLocation()
	}
	self.dbl += 2
	return hir.FpuRegisterPairLocation(self.fp[self.dbl-2], self.fp[self.dbl-1])
}

func returnLocation(t *archTable, vt hir.DataType) hir.Location {
	switch {
	case vt == hir.Void:
		return hir.NoLocation()
	case vt == hir.Float64 && t.fpPairs:
		return hir.FpuRegisterPairLocation(0, 1)
	case vt.IsFloatingPoint():
		return hir.FpuRegisterLocation(0)
	case vt.Is64Bit() && t.ptrSize == 4:
		return hir.RegisterPairLocation(0, t.retHigh)
	default:
		return hir.RegisterLocation(0)
	}
}

// EntrySpill describes where one incoming argument is and where it belongs in
// the caller's out area. Reg is invalid for arguments passed on the stack.
type EntrySpill struct {
	Reg    hir.Location
	Size   int
	Offset int
}

func (self EntrySpill) String() string {
	return fmt.Sprintf("%s -> [%d]:%d", self.Reg, self.Offset, self.Size)
}

// ManagedConvention is the managed calling convention as seen from the callee.
type ManagedConvention struct {
	t      *archTable
	sig    hir.Signature
	static bool
	args   []hir.DataType
	regs   []hir.Location
	slots  []int
	nslot  int
	cur    int
}

// NewManagedConvention lays out the incoming arguments of a method. The
// receiver of an instance method is the first argument.
func NewManagedConvention(arch isa.InstructionSet, sig hir.Signature, static bool) *ManagedConvention {
	t := tableOf(arch)
	ret := &ManagedConvention{t: t, sig: sig, static: static}

	/* the receiver comes first */
	if !static {
		ret.args = append(ret.args, hir.Reference)
	}

	/* lay out every argument */
	cc := newCursor(t, t.managedCore, t.managedFp)
	ret.args = append(ret.args, sig.Params...)

	/* assign every argument */
	for _, vt := range ret.args {
		reg, slot := cc.next(vt)
		ret.regs = append(ret.regs, reg)
		ret.slots = append(ret.slots, slot)
	}

	/* total number of stack slots */
	ret.nslot = cc.slot
	return ret
}

func (self *ManagedConvention) Reset()        { self.cur = 0 }
func (self *ManagedConvention) HasNext() bool { return self.cur < len(self.args) }
func (self *ManagedConvention) NumArgs() int  { return len(self.args) }

// Next moves the cursor to the next argument.
func (self *ManagedConvention) Next() {
	if self.cur >= len(self.args) {
		panic("abi: no more arguments")
	}
	self.cur++
}

func (self *ManagedConvention) must() {
	if self.cur >= len(self.args) {
		panic("abi: argument cursor out of range")
	}
}

// CurrentParamType returns the type of the argument under the cursor.
func (self *ManagedConvention) CurrentParamType() hir.DataType {
	self.must()
	return self.args[self.cur]
}

// IsCurrentParamInRegister reports whether the argument arrives in a register.
func (self *ManagedConvention) IsCurrentParamInRegister() bool {
	self.must()
	return self.regs[self.cur].IsValid()
}

// IsCurrentParamOnStack reports whether the argument arrives on the stack.
func (self *ManagedConvention) IsCurrentParamOnStack() bool {
	return !self.IsCurrentParamInRegister()
}

// CurrentParamRegister returns the register of the argument, it panics if the
// argument is passed on the stack.
func (self *ManagedConvention) CurrentParamRegister() hir.Location {
	if !self.IsCurrentParamInRegister() {
		panic(fmt.Sprintf("abi: argument %d is passed on the stack", self.cur))
	}
	return self.regs[self.cur]
}

// CurrentParamStackOffset returns the offset of the argument's stack slot
// from the stack pointer at the call site.
func (self *ManagedConvention) CurrentParamStackOffset() int {
	self.must()
	return self.t.ptrSize + self.slots[self.cur]*_VRegSize
}

// MethodRegister is the register carrying the callee's method.
func (self *ManagedConvention) MethodRegister() hir.Location {
	return hir.RegisterLocation(self.t.methodReg)
}

// ReturnRegister is the location of the return value.
func (self *ManagedConvention) ReturnRegister() hir.Location {
	return returnLocation(self.t, self.sig.Return)
}

// StackArgsSize is the size of the argument area including the method slot.
func (self *ManagedConvention) StackArgsSize() int {
	return self.t.ptrSize + self.nslot*_VRegSize
}

// EntrySpills returns one entry per argument, in argument order.
func (self *ManagedConvention) EntrySpills() []EntrySpill {
	ret := make([]EntrySpill, 0, len(self.args))
	for i, vt := range self.args {
		ret = append(ret, EntrySpill{
			Reg:    self.regs[i],
			Size:   vt.VRegs() * _VRegSize,
			Offset: self.t.ptrSize + self.slots[i]*_VRegSize,
		})
	}
	return ret
}

// InvokeVisitor assigns the arguments of a managed call made by compiled code.
// Stack locations are relative to the stack pointer at the call site.
type InvokeVisitor struct {
	t  *archTable
	cc _Cursor
}

func NewInvokeVisitor(arch isa.InstructionSet) *InvokeVisitor {
	t := tableOf(arch)
	return &InvokeVisitor{t: t, cc: newCursor(t, t.managedCore, t.managedFp)}
}

// NextLocation returns the location of the next argument.
func (self *InvokeVisitor) NextLocation(vt hir.DataType) hir.Location {
	if reg, slot := self.cc.next(vt); reg.IsValid() {
		return reg
	} else {
		return self.cc.stack(vt, slot)
	}
}

// ReturnLocation returns the location of a return value of type vt.
func (self *InvokeVisitor) ReturnLocation(vt hir.DataType) hir.Location {
	return returnLocation(self.t, vt)
}

// MethodLocation returns the register carrying the callee's method.
func (self *InvokeVisitor) MethodLocation() hir.Location {
	return hir.RegisterLocation(self.t.methodReg)
}

// OutVRegs returns the number of 4-byte out slots used so far, the callee's
// method slot included.
func (self *InvokeVisitor) OutVRegs() int {
	return self.t.ptrSize/_VRegSize + self.cc.slot
}

// Reset restarts the assignment for another call.
func (self *InvokeVisitor) Reset() {
	self.cc = newCursor(self.t, self.t.managedCore, self.t.managedFp)
}

// RuntimeVisitor assigns the arguments of a runtime entrypoint call. Runtime
// calls never pass arguments on the stack.
type RuntimeVisitor struct {
	t  *archTable
	cc _Cursor
}

func NewRuntimeVisitor(arch isa.InstructionSet) *RuntimeVisitor {
	t := tableOf(arch)
	return &RuntimeVisitor{t: t, cc: newCursor(t, t.runtimeCore, t.runtimeFp)}
}

// NextLocation returns the register of the next argument.
func (self *RuntimeVisitor) NextLocation(vt hir.DataType) hir.Location {
	if reg, _ := self.cc.next(vt); reg.IsValid() {
		return reg
	} else {
		panic("abi: too many arguments for a runtime call")
	}
}

// ReturnLocation returns the location of a return value of type vt.
func (self *RuntimeVisitor) ReturnLocation(vt hir.DataType) hir.Location {
	return returnLocation(self.t, vt)
}
