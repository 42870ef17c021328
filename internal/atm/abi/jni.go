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

package abi

import (
	"fmt"
	"math/bits"

	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/isa"
)

// NativeArg is one argument of a native call, located relative to the stack
// pointer at the call site.
type NativeArg struct {
	Type      hir.DataType
	Loc       hir.Location
	Synthetic bool
}

// JniConvention is the native side of a JNI transition.
//
//	                    +------------------------------+
//	                    | (x86) return address         |
//	                    | managed callee-saves         |
//	                    | return value save area       |
//	                    | local reference state        |
//	                    | handle scope                 |
//	   OutFrameSize --> | method                       |
//	                    | outgoing native arguments    |
//	             SP --> +------------------------------+
//
// A critical native method has none of the managed frame: it is entered
// with its native arguments already in place and no JNIEnv or class.
type JniConvention struct {
	t        *archTable
	sig      hir.Signature
	static   bool
	sync     bool
	critical bool
	args     []NativeArg
	nstack   int
}

// NewJniConvention lays out the native arguments of a JNI method.
func NewJniConvention(arch isa.InstructionSet, sig hir.Signature, static bool, synchronized bool, critical bool) *JniConvention {
	t := tableOf(arch)
	ret := &JniConvention{t: t, sig: sig, static: static, sync: synchronized, critical: critical}

	/* critical natives are static methods taking primitives only */
	if critical {
		if !static || synchronized {
			panic("abi: critical native methods must be static and not synchronized")
		}
		for _, vt := range sig.Params {
			if vt == hir.Reference {
				panic("abi: critical native methods cannot take references")
			}
		}
	}

	/* JNIEnv* and the jclass or jobject come first */
	var types []hir.DataType
	var synthetic int
	if !critical {
		types = append(types, hir.Reference, hir.Reference)
		synthetic = 2
	}

	/* followed by the declared parameters */
	types = append(types, sig.Params...)
	ret.args, ret.nstack = placeNative(t, types)

	/* mark the synthetic arguments */
	for i := 0; i < synthetic; i++ {
		ret.args[i].Synthetic = true
	}
	return ret
}

// placeNative assigns native argument locations. References are native
// pointers here, so they take a whole core register or stack word.
func placeNative(t *archTable, types []hir.DataType) ([]NativeArg, int) {
	gpr := 0
	fpr := 0
	off := 0
	ret := make([]NativeArg, 0, len(types))

	/* assign one argument */
	place := func(vt hir.DataType) hir.Location {
		size := t.ptrSize
		wide := vt.Is64Bit() && t.ptrSize == 4

		/* 8-byte values take two words on 32-bit targets */
		if wide {
			size = 8
		}

		/* floating point registers, hard-float targets only */
		if vt.IsFloatingPoint() && !t.nativeSoftFP && !t.nativeAllStack {
			if fpr < len(t.nativeFp) {
				fpr++
				return hir.FpuRegisterLocation(t.nativeFp[fpr-1])
			}
		} else if !t.nativeAllStack {
			if wide && t.evenPairs && gpr%2 != 0 {
				gpr++
			}
			if wide && gpr+1 < len(t.nativeCore) {
				gpr += 2
				return hir.RegisterPairLocation(t.nativeCore[gpr-2], t.nativeCore[gpr-1])
			} else if !wide && gpr < len(t.nativeCore) {
				gpr++
				return hir.RegisterLocation(t.nativeCore[gpr-1])
			}
			if wide {
				gpr = len(t.nativeCore)
			}
		}

		/* AAPCS keeps 8-byte stack arguments aligned */
		if wide && t.evenPairs {
			off = alignUp(off, 8)
		}

		/* stack arguments */
		off += size
		if wide || (t.ptrSize == 8 && vt.Is64Bit()) {
			return hir.DoubleStackSlotLocation(off - size)
		} else {
			return hir.StackSlotLocation(off - size)
		}
	}

	/* assign every argument */
	for _, vt := range types {
		ret = append(ret, NativeArg{Type: vt, Loc: place(vt)})
	}
	return ret, off
}

func (self *JniConvention) IsCriticalNative() bool { return self.critical }
func (self *JniConvention) IsSynchronized() bool   { return self.sync }

// Args returns the native arguments, the synthetic ones included.
func (self *JniConvention) Args() []NativeArg {
	return self.args
}

// NumberOfOutgoingStackArgs returns the number of stack words taken by the
// outgoing native arguments, alignment padding included.
func (self *JniConvention) NumberOfOutgoingStackArgs() int {
	return alignUp(self.nstack, self.t.ptrSize) / self.t.ptrSize
}

// RequiresSmallResultTypeExtension reports whether the caller must sign or
// zero extend a sub-word native result.
func (self *JniConvention) RequiresSmallResultTypeExtension() bool {
	return self.t.smallRetExt && self.sig.Return.IsSmallInt()
}

// OutFrameSize returns the size of the outgoing argument area. Critical
// natives also keep the return address and the managed callee-saves native
// code may clobber in it.
func (self *JniConvention) OutFrameSize() int {
	size := self.NumberOfOutgoingStackArgs() * self.t.ptrSize
	if !self.critical {
		return alignUp(size, self.t.stackAlign)
	}

	/* floating point results need moving when native code returns them in core registers */
	retOk := !self.RequiresSmallResultTypeExtension()
	if self.t.nativeSoftFP || self.t.nativeAllStack {
		retOk = retOk && !self.sig.Return.IsFloatingPoint()
	}

	/* the extra managed callee-saves are spilled with the arguments */
	size += self.t.extraFpSpills() * self.t.fpSize

	/* the return address, unless this is a tail call */
	if self.t.isa.CallPushesPC() {
		if size += self.t.ptrSize; retOk && size == self.t.ptrSize && self.t.calleeCovered() {
			return size
		}
	} else if size != 0 || !retOk {
		size += self.t.ptrSize
	}
	return alignUp(size, self.t.stackAlign)
}

// UseTailCall reports whether a critical native method can be reached with a
// tail call, which requires every managed callee-save to be preserved by native
// code and nothing to be done after the call.
func (self *JniConvention) UseTailCall() bool {
	if !self.critical {
		panic("abi: tail calls are for critical native methods only")
	}
	if !self.t.calleeCovered() {
		return false
	}
	if self.t.isa.CallPushesPC() {
		return self.OutFrameSize() == self.t.ptrSize
	} else {
		return self.OutFrameSize() == 0
	}
}

// HiddenArgumentRegister carries the method of a critical native call.
func (self *JniConvention) HiddenArgumentRegister() hir.Location {
	if !self.critical {
		panic("abi: hidden argument is for critical native methods only")
	}
	return hir.RegisterLocation(self.t.hiddenArg)
}

// InterproceduralScratchRegister may be clobbered by the transition stubs.
func (self *JniConvention) InterproceduralScratchRegister() hir.Location {
	return hir.RegisterLocation(self.t.scratch)
}

// ReferenceCount returns the number of handle scope entries: the reference
// arguments plus the receiver or the class.
func (self *JniConvention) ReferenceCount() int {
	if self.critical {
		return 0
	}
	n := 1
	for _, vt := range self.sig.Params {
		if vt == hir.Reference {
			n++
		}
	}
	return n
}

// CalleeSaveRegisters returns the managed callee-saves the transition must
// preserve, core registers first.
func (self *JniConvention) CalleeSaveRegisters() []hir.Location {
	var ret []hir.Location
	for m := self.t.managedCallee; m != 0; m &= m - 1 {
		ret = append(ret, hir.RegisterLocation(bits.TrailingZeros32(m)))
	}
	for m := self.t.managedFpSave; m != 0; m &= m - 1 {
		ret = append(ret, hir.FpuRegisterLocation(bits.TrailingZeros32(m)))
	}
	return ret
}

func (self *JniConvention) calleeSaveSize() int {
	return bits.OnesCount32(self.t.managedCallee)*self.t.ptrSize + bits.OnesCount32(self.t.managedFpSave)*self.t.fpSize
}

func (self *JniConvention) handleScopeSize() int {
	return self.t.ptrSize + 4 + 4*self.ReferenceCount()
}

func (self *JniConvention) returnValueSize() int {
	switch n := self.sig.Return.Size(); {
	case n == 0:
		return 0
	case n < 4:
		return 4
	default:
		return n
	}
}

func (self *JniConvention) mustManaged(what string) {
	if self.critical {
		panic("abi: critical native methods have no " + what)
	}
}

// HandleScopeOffset is the offset of the handle scope from the stack pointer
// at the native call.
func (self *JniConvention) HandleScopeOffset() int {
	self.mustManaged("handle scope")
	return self.OutFrameSize() + self.t.ptrSize
}

// LocalReferenceSegmentStateOffset is where the local reference cookie is saved.
func (self *JniConvention) LocalReferenceSegmentStateOffset() int {
	self.mustManaged("local reference state")
	return self.HandleScopeOffset() + self.handleScopeSize()
}

// ReturnValueSaveLocation is where the native result is kept while the
// thread transitions back to managed code.
func (self *JniConvention) ReturnValueSaveLocation() int {
	self.mustManaged("return value save area")
	return alignUp(self.LocalReferenceSegmentStateOffset()+4, max(4, self.returnValueSize()))
}

// FrameSize returns the size of the managed frame of the transition, zero for
// critical natives.
func (self *JniConvention) FrameSize() int {
	if self.critical {
		return 0
	}

	/* everything up to the end of the return value save area */
	size := self.ReturnValueSaveLocation() + self.returnValueSize() - self.OutFrameSize()
	size += self.calleeSaveSize()

	/* the return address is part of the frame when the call pushes it */
	if self.t.isa.CallPushesPC() {
		size += self.t.ptrSize
	}
	return alignUp(size, self.t.stackAlign)
}

func (self *JniConvention) String() string {
	return fmt.Sprintf(
		"jni %s%s critical=%v frame=%d out=%d",
		self.sig.Shorty(),
		map[bool]string{true: " static", false: ""}[self.static],
		self.critical,
		self.FrameSize(),
		self.OutFrameSize(),
	)
}

func alignUp(n int, a int) int {
	return (n + a - 1) &^ (a - 1)
}
