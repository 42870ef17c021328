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

	"github.com/cloudwego/dexcc/internal/isa"
)

const (
	_ShouldDeoptimizeFlagSize = 4
)

// FrameInput is what the register allocator knows about a method's frame.
type FrameInput struct {
	SpillSlots            int
	OutVRegs              int
	MaxSafepointSpill     int
	ShouldDeoptimizeFlag  bool
	CoreCalleeSaves       uint32
	FpCalleeSaves         uint32
	Leaf                  bool
	RequiresCurrentMethod bool
}

// FrameLayout is the frame of a compiled method. All offsets are relative to
// the stack pointer after the frame has been set up.
//
//	                       +------------------------------+
//	                       | (x86) return address         |
//	                       | core callee-saves            |
//	                       | fp callee-saves              |
//	                       | should-deoptimize flag       |
//	                       | slow path register saves     |
//	   FirstSlowPathSlot > |------------------------------|
//	                       | spill slots                  |
//	                       | outgoing arguments           |
//	                SP --> | current method               |
//	                       +------------------------------+
//
// Callee-saves are stored in ascending register order, starting from the
// lowest address of their area.
type FrameLayout struct {
	ISA               isa.InstructionSet
	FrameSize         int
	CoreSpillMask     uint32
	FpSpillMask       uint32
	OutSlots          int
	SpillSlots        int
	FirstSlowPathSlot int
	SlowPathSize      int
	DeoptFlagOffset   int
	Empty             bool
}

// ComputeFrame lays out the frame of a method.
func ComputeFrame(arch isa.InstructionSet, in FrameInput) FrameLayout {
	t := tableOf(arch)
	ret := FrameLayout{ISA: arch, DeoptFlagOffset: -1}

	/* only the callee-save registers need saving */
	ret.CoreSpillMask = in.CoreCalleeSaves & t.managedCallee
	ret.FpSpillMask = in.FpCalleeSaves & t.managedFpSave
	ret.SpillSlots = in.SpillSlots
	ret.OutSlots = in.OutVRegs

	/* the return address is accounted as a callee-save */
	if t.fakeRet >= 0 {
		ret.CoreSpillMask |= 1 << uint(t.fakeRet)
	}

	/* the slow path area starts word aligned after the spill slots */
	ret.FirstSlowPathSlot = alignUp((in.OutVRegs+in.SpillSlots)*_VRegSize, t.ptrSize)
	ret.SlowPathSize = in.MaxSafepointSpill

	/* leaf methods without spills need no frame at all */
	if in.SpillSlots == 0 && ret.CoreSpillMask&t.managedCallee == 0 && ret.FpSpillMask == 0 &&
		in.Leaf && !in.RequiresCurrentMethod && !in.ShouldDeoptimizeFlag {
		if in.MaxSafepointSpill != 0 {
			panic("abi: leaf method with slow path register saves")
		}
		ret.Empty = true
		ret.FrameSize = ret.EntrySpillSize()
		return ret
	}

	/* the current method is stored at [sp+0] */
	if ret.OutSlots < t.ptrSize/_VRegSize {
		ret.OutSlots = t.ptrSize / _VRegSize
	}

	/* the link register is saved by every non-empty frame */
	if t.linkReg >= 0 {
		ret.CoreSpillMask |= 1 << uint(t.linkReg)
	}

	/* recompute the slow path area with the method slot */
	ret.FirstSlowPathSlot = alignUp((ret.OutSlots+in.SpillSlots)*_VRegSize, t.ptrSize)
	size := ret.FirstSlowPathSlot + in.MaxSafepointSpill

	/* the should-deoptimize flag sits right below the callee-saves */
	if in.ShouldDeoptimizeFlag {
		size += _ShouldDeoptimizeFlagSize
	}

	/* callee-saves on top, aligned to the stack alignment */
	ret.FrameSize = alignUp(size+ret.EntrySpillSize(), t.stackAlign)
	if in.ShouldDeoptimizeFlag {
		ret.DeoptFlagOffset = ret.FrameSize - ret.EntrySpillSize() - _ShouldDeoptimizeFlagSize
	}
	return ret
}

func (self FrameLayout) table() *archTable {
	return tableOf(self.ISA)
}

// CoreSpillSize returns the bytes taken by saved core registers, the return
// address included.
func (self FrameLayout) CoreSpillSize() int {
	return bits.OnesCount32(self.CoreSpillMask) * self.table().ptrSize
}

// FpSpillSize returns the bytes taken by saved floating point registers.
func (self FrameLayout) FpSpillSize() int {
	return bits.OnesCount32(self.FpSpillMask) * self.table().fpSize
}

// EntrySpillSize is the size of everything saved on method entry.
func (self FrameLayout) EntrySpillSize() int {
	return self.CoreSpillSize() + self.FpSpillSize()
}

// CoreSpillStart is the offset of the lowest saved core register.
func (self FrameLayout) CoreSpillStart() int {
	return self.FrameSize - self.CoreSpillSize()
}

// FpSpillStart is the offset of the lowest saved floating point register.
func (self FrameLayout) FpSpillStart() int {
	return self.CoreSpillStart() - self.FpSpillSize()
}

// CoreSpillOffset returns where a saved core register is stored.
func (self FrameLayout) CoreSpillOffset(reg int) int {
	if self.CoreSpillMask&(1<<uint(reg)) == 0 {
		panic(fmt.Sprintf("abi: core register %d is not saved", reg))
	}
	return self.CoreSpillStart() + bits.OnesCount32(self.CoreSpillMask&(1<<uint(reg)-1))*self.table().ptrSize
}

// FpSpillOffset returns where a saved floating point register is stored.
func (self FrameLayout) FpSpillOffset(reg int) int {
	if self.FpSpillMask&(1<<uint(reg)) == 0 {
		panic(fmt.Sprintf("abi: fp register %d is not saved", reg))
	}
	return self.FpSpillStart() + bits.OnesCount32(self.FpSpillMask&(1<<uint(reg)-1))*self.table().fpSize
}

// SavedCoreRegisters lists the real core registers saved on entry, in
// ascending order, without the return address.
func (self FrameLayout) SavedCoreRegisters() (ret []int) {
	t := self.table()
	for m := self.CoreSpillMask; m != 0; m &= m - 1 {
		if r := bits.TrailingZeros32(m); r != t.fakeRet {
			ret = append(ret, r)
		}
	}
	return
}

// SavedFpRegisters lists the floating point registers saved on entry.
func (self FrameLayout) SavedFpRegisters() (ret []int) {
	for m := self.FpSpillMask; m != 0; m &= m - 1 {
		ret = append(ret, bits.TrailingZeros32(m))
	}
	return
}

// SpillSlotOffset returns the offset of the i-th 4-byte spill slot.
func (self FrameLayout) SpillSlotOffset(i int) int {
	if i < 0 || i >= self.SpillSlots {
		panic(fmt.Sprintf("abi: spill slot %d out of range", i))
	}
	return (self.OutSlots + i) * _VRegSize
}

// SlowPathSlotOffset returns the offset of the i-th word of the slow path
// register save area.
func (self FrameLayout) SlowPathSlotOffset(i int) int {
	if off := self.FirstSlowPathSlot + i*self.table().ptrSize; off >= self.FirstSlowPathSlot+self.SlowPathSize {
		panic(fmt.Sprintf("abi: slow path slot %d out of range", i))
	} else {
		return off
	}
}

// ReservedSize is how much the stack pointer moves after the registers
// pushed by the call and the prologue, if any.
func (self FrameLayout) ReservedSize(pushed int) int {
	return self.FrameSize - pushed
}

func (self FrameLayout) String() string {
	return fmt.Sprintf(
		"frame %s size=%d core=%#x fp=%#x out=%d spills=%d slowpath=%d+%d deopt=%d",
		self.ISA,
		self.FrameSize,
		self.CoreSpillMask,
		self.FpSpillMask,
		self.OutSlots,
		self.SpillSlots,
		self.FirstSlowPathSlot,
		self.SlowPathSize,
		self.DeoptFlagOffset,
	)
}

// SpillSlotOffset returns the offset of the i-th spill slot of a frame with
// the given number of out slots, so spill locations can be assigned before
// the frame is laid out.
func SpillSlotOffset(arch isa.InstructionSet, outVRegs int, i int) int {
	return (max(outVRegs, tableOf(arch).ptrSize/_VRegSize) + i) * _VRegSize
}
