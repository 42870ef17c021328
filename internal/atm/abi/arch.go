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
	"github.com/cloudwego/dexcc/internal/isa"
)

// Arch is a read-only view of the register conventions of one instruction set.
type Arch struct {
	t *archTable
}

// ArchOf returns the register conventions of an instruction set.
func ArchOf(arch isa.InstructionSet) Arch {
	return Arch{tableOf(arch)}
}

func (self Arch) ISA() isa.InstructionSet { return self.t.isa }
func (self Arch) PointerSize() int        { return self.t.ptrSize }
func (self Arch) StackAlignment() int     { return self.t.stackAlign }
func (self Arch) MethodRegister() int     { return self.t.methodReg }
func (self Arch) ScratchRegister() int    { return self.t.scratch }
func (self Arch) FpScratchRegister() int  { return self.t.fpScratch }
func (self Arch) HiddenArgument() int     { return self.t.hiddenArg }

// ThreadRegister returns the register holding the current thread, or -1 when
// the thread is reached through a segment register.
func (self Arch) ThreadRegister() int {
	return self.t.threadReg
}

// LinkRegister returns the register receiving the return address, or -1 when
// calls push it on the stack.
func (self Arch) LinkRegister() int {
	return self.t.linkReg
}

// CoreCalleeSaves returns the managed core callee-save mask.
func (self Arch) CoreCalleeSaves() uint32 {
	return self.t.managedCallee
}

// FpCalleeSaves returns the managed floating point callee-save mask.
func (self Arch) FpCalleeSaves() uint32 {
	return self.t.managedFpSave
}

// AllocatableCore returns the core registers the register allocator may use,
// caller-saves first.
func (self Arch) AllocatableCore() []int {
	return allocatable(self.t.isa.NumberOfCoreRegisters(), self.t.blockedCore, self.t.managedCallee)
}

// AllocatableFp returns the floating point registers the register allocator
// may use, caller-saves first. On arm only even single registers are listed,
// each one names a double register.
func (self Arch) AllocatableFp() []int {
	ret := allocatable(self.t.isa.NumberOfFpRegisters(), self.t.blockedFp, self.t.managedFpSave)
	if !self.t.fpPairs {
		return ret
	}

	/* keep the even halves only */
	p := ret[:0]
	for _, r := range ret {
		if r%2 == 0 {
			p = append(p, r)
		}
	}
	return p
}

func allocatable(n int, blocked uint32, callee uint32) []int {
	var ret []int
	var tail []int

	/* caller-saves first, so values not live across calls avoid the spill on entry */
	for r := 0; r < n; r++ {
		if blocked&(1<<uint(r)) == 0 {
			if callee&(1<<uint(r)) == 0 {
				ret = append(ret, r)
			} else {
				tail = append(tail, r)
			}
		}
	}
	return append(ret, tail...)
}
