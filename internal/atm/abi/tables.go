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
	"math/bits"

	"github.com/cloudwego/dexcc/internal/isa"
)

/** Register Numbers **/

const (
	_ArmR0  = 0
	_ArmR1  = 1
	_ArmR2  = 2
	_ArmR3  = 3
	_ArmR4  = 4
	_ArmR5  = 5
	_ArmR6  = 6
	_ArmR7  = 7
	_ArmR8  = 8
	_ArmR9  = 9
	_ArmR10 = 10
	_ArmR11 = 11
	_ArmR12 = 12
	_ArmSP  = 13
	_ArmLR  = 14
)

const (
	_A64X0  = 0
	_A64X15 = 15
	_A64IP0 = 16
	_A64IP1 = 17
	_A64X18 = 18
	_A64TR  = 19
	_A64X20 = 20
	_A64X29 = 29
	_A64LR  = 30
	_A64SP  = 31
)

const (
	_EAX = 0
	_ECX = 1
	_EDX = 2
	_EBX = 3
	_ESP = 4
	_EBP = 5
	_ESI = 6
	_EDI = 7
)

const (
	_RAX = 0
	_RCX = 1
	_RDX = 2
	_RBX = 3
	_RSP = 4
	_RBP = 5
	_RSI = 6
	_RDI = 7
	_R8  = 8
	_R9  = 9
	_R10 = 10
	_R11 = 11
	_R12 = 12
	_R13 = 13
	_R14 = 14
	_R15 = 15
)

// The return address pushed by CALL is accounted as a spilled register above
// the real register file, so the spill mask covers the whole frame entry.
const (
	_X86FakeReturnRegister    = 8
	_X86_64FakeReturnRegister = 16
)

/** Register Masks **/

const (
	_ArmManagedArgMask = 1<<_ArmR1 | 1<<_ArmR2 | 1<<_ArmR3
	_ArmNativeArgMask  = 1<<_ArmR0 | 1<<_ArmR1 | 1<<_ArmR2 | 1<<_ArmR3
	_ArmManagedCallee  = 1<<_ArmR5 | 1<<_ArmR6 | 1<<_ArmR7 | 1<<_ArmR8 | 1<<_ArmR10 | 1<<_ArmR11 | 1<<_ArmLR
	_ArmNativeCallee   = 0x0ff0 | 1<<_ArmLR
	_ArmFpCallee       = 0xffff0000 // s16 - s31
	_ArmScratch        = _ArmR12
	_ArmHiddenArgument = _ArmR4
	_ArmThreadRegister = _ArmR9
)

const (
	_A64ManagedArgMask = 0xfe // x1 - x7
	_A64NativeArgMask  = 0xff // x0 - x7
	_A64ManagedCallee  = 0x3ff<<_A64X20 | 1<<_A64LR
	_A64NativeCallee   = 0xfff << _A64TR // x19 - x30
	_A64FpCallee       = 0xff00          // d8 - d15
	_A64Scratch        = _A64IP0
	_A64HiddenArgument = _A64X15
)

const (
	_X86ManagedArgMask = 1<<_ECX | 1<<_EDX | 1<<_EBX
	_X86NativeArgMask  = 0
	_X86ManagedCallee  = 1<<_EBP | 1<<_ESI | 1<<_EDI
	_X86NativeCallee   = 1<<_EBX | 1<<_EBP | 1<<_ESI | 1<<_EDI
	_X86Scratch        = _ECX
	_X86HiddenArgument = _EAX
)

const (
	_X64ManagedArgMask  = 1<<_RSI | 1<<_RDX | 1<<_RCX | 1<<_R8 | 1<<_R9
	_X64NativeArgMask   = 1<<_RDI | 1<<_RSI | 1<<_RDX | 1<<_RCX | 1<<_R8 | 1<<_R9
	_X64ManagedCallee   = 1<<_RBX | 1<<_RBP | 1<<_R12 | 1<<_R13 | 1<<_R14 | 1<<_R15
	_X64NativeCallee    = 1<<_RBX | 1<<_RBP | 1<<_R12 | 1<<_R13 | 1<<_R14 | 1<<_R15
	_X64ManagedFpCallee = 0xf000 // xmm12 - xmm15
	_X64Scratch         = _R11
	_X64HiddenArgument  = _RAX
	_X64ThreadRegister  = _R14
	_X64FpScratch       = 11
)

/* the critical native hidden argument must not alias an argument, a managed
 * callee-save or the scratch register, otherwise the index is out of range */
var (
	_ = [1]struct{}{}[(1<<_ArmHiddenArgument)&(_ArmManagedArgMask|_ArmNativeArgMask|_ArmManagedCallee|1<<_ArmScratch)]
	_ = [1]struct{}{}[(1<<_A64HiddenArgument)&(_A64ManagedArgMask|_A64NativeArgMask|_A64ManagedCallee|1<<_A64Scratch)]
	_ = [1]struct{}{}[(1<<_X86HiddenArgument)&(_X86ManagedArgMask|_X86NativeArgMask|_X86ManagedCallee|1<<_X86Scratch)]
	_ = [1]struct{}{}[(1<<_X64HiddenArgument)&(_X64ManagedArgMask|_X64NativeArgMask|_X64ManagedCallee|1<<_X64Scratch)]
)

/* the scratch register is never an argument or a callee-save */
var (
	_ = [1]struct{}{}[(1<<_ArmScratch)&(_ArmNativeArgMask|_ArmManagedCallee)]
	_ = [1]struct{}{}[(1<<_A64Scratch)&(_A64NativeArgMask|_A64ManagedCallee)]
	_ = [1]struct{}{}[(1<<_X64Scratch)&(_X64NativeArgMask|_X64ManagedCallee)]
)

/** Architecture Tables **/

type archTable struct {
	isa        isa.InstructionSet
	ptrSize    int
	stackAlign int
	fpSize     int

	/* managed convention */
	methodReg     int
	managedCore   []int
	managedFp     []int
	managedCallee uint32
	managedFpSave uint32

	/* native convention */
	nativeCore     []int
	nativeFp       []int
	nativeCallee   uint32
	nativeFpSave   uint32
	nativeSoftFP   bool
	nativeAllStack bool
	smallRetExt    bool

	/* runtime entrypoint calls */
	runtimeCore []int
	runtimeFp   []int

	/* special registers, -1 when absent */
	retHigh   int
	scratch   int
	fpScratch int
	hiddenArg int
	threadReg int
	linkReg   int
	fakeRet   int

	/* 64-bit arguments on 32-bit targets */
	evenPairs bool
	fpPairs   bool

	/* registers the allocator must never hand out */
	blockedCore uint32
	blockedFp   uint32
}

func seq(lo int, hi int) []int {
	ret := make([]int, 0, hi-lo+1)
	for i := lo; i <= hi; i++ {
		ret = append(ret, i)
	}
	return ret
}

var _ArchTables = [...]*archTable{
	isa.Arm: {
		isa:           isa.Arm,
		ptrSize:       4,
		stackAlign:    8,
		fpSize:        4,
		methodReg:     _ArmR0,
		managedCore:   []int{_ArmR1, _ArmR2, _ArmR3},
		managedFp:     seq(0, 15),
		managedCallee: _ArmManagedCallee,
		managedFpSave: _ArmFpCallee,
		nativeCore:    []int{_ArmR0, _ArmR1, _ArmR2, _ArmR3},
		nativeCallee:  _ArmNativeCallee,
		nativeFpSave:  _ArmFpCallee,
		nativeSoftFP:  true,
		runtimeCore:   []int{_ArmR0, _ArmR1, _ArmR2, _ArmR3},
		runtimeFp:     seq(0, 15),
		retHigh:       _ArmR1,
		scratch:       _ArmScratch,
		fpScratch:     -1,
		hiddenArg:     _ArmHiddenArgument,
		threadReg:     _ArmThreadRegister,
		linkReg:       _ArmLR,
		fakeRet:       -1,
		evenPairs:     true,
		fpPairs:       true,
		blockedCore:   1<<_ArmR9 | 1<<_ArmR12 | 1<<_ArmSP | 1<<_ArmLR | 1<<15,
	},
	isa.Arm64: {
		isa:           isa.Arm64,
		ptrSize:       8,
		stackAlign:    16,
		fpSize:        8,
		methodReg:     _A64X0,
		managedCore:   seq(1, 7),
		managedFp:     seq(0, 7),
		managedCallee: _A64ManagedCallee,
		managedFpSave: _A64FpCallee,
		nativeCore:    seq(0, 7),
		nativeFp:      seq(0, 7),
		nativeCallee:  _A64NativeCallee,
		nativeFpSave:  _A64FpCallee,
		smallRetExt:   true,
		runtimeCore:   seq(0, 7),
		runtimeFp:     seq(0, 7),
		retHigh:       -1,
		scratch:       _A64Scratch,
		fpScratch:     31,
		hiddenArg:     _A64HiddenArgument,
		threadReg:     _A64TR,
		linkReg:       _A64LR,
		fakeRet:       -1,
		blockedCore:   1<<_A64IP0 | 1<<_A64IP1 | 1<<_A64X18 | 1<<_A64TR | 1<<_A64LR | 1<<_A64SP,
		blockedFp:     1 << 31,
	},
	isa.X86: {
		isa:            isa.X86,
		ptrSize:        4,
		stackAlign:     16,
		fpSize:         8,
		methodReg:      _EAX,
		managedCore:    []int{_ECX, _EDX, _EBX},
		managedFp:      seq(0, 3),
		managedCallee:  _X86ManagedCallee,
		nativeCallee:   _X86NativeCallee,
		nativeAllStack: true,
		smallRetExt:    true,
		runtimeCore:    []int{_EAX, _ECX, _EDX, _EBX},
		runtimeFp:      seq(0, 3),
		retHigh:        _EDX,
		scratch:        _X86Scratch,
		fpScratch:      -1,
		hiddenArg:      _X86HiddenArgument,
		threadReg:      -1,
		linkReg:        -1,
		fakeRet:        _X86FakeReturnRegister,
		blockedCore:    1 << _ESP,
	},
	isa.X86_64: {
		isa:           isa.X86_64,
		ptrSize:       8,
		stackAlign:    16,
		fpSize:        8,
		methodReg:     _RDI,
		managedCore:   []int{_RSI, _RDX, _RCX, _R8, _R9},
		managedFp:     seq(0, 7),
		managedCallee: _X64ManagedCallee &^ (1 << _X64ThreadRegister),
		managedFpSave: _X64ManagedFpCallee,
		nativeCore:    []int{_RDI, _RSI, _RDX, _RCX, _R8, _R9},
		nativeFp:      seq(0, 7),
		nativeCallee:  _X64NativeCallee,
		smallRetExt:   true,
		runtimeCore:   []int{_RDI, _RSI, _RDX, _RCX, _R8, _R9},
		runtimeFp:     seq(0, 7),
		retHigh:       -1,
		scratch:       _X64Scratch,
		fpScratch:     _X64FpScratch,
		hiddenArg:     _X64HiddenArgument,
		threadReg:     _X64ThreadRegister,
		linkReg:       -1,
		fakeRet:       _X86_64FakeReturnRegister,
		blockedCore:   1<<_RSP | 1<<_R11 | 1<<_R14,
		blockedFp:     1 << _X64FpScratch,
	},
}

func tableOf(arch isa.InstructionSet) *archTable {
	if !arch.Valid() {
		panic("abi: invalid instruction set: " + arch.String())
	}
	return _ArchTables[arch]
}

// calleeCovered reports whether every managed callee-save register is also
// preserved by native code, which is what makes a critical native tail call legal.
func (self *archTable) calleeCovered() bool {
	return self.managedCallee&^self.nativeCallee == 0 && self.managedFpSave&^self.nativeFpSave == 0
}

// extraFpSpills returns the managed floating point callee-saves native code may clobber.
func (self *archTable) extraFpSpills() int {
	return bits.OnesCount32(self.managedFpSave &^ self.nativeFpSave)
}

func maskOf(regs []int) (ret uint32) {
	for _, r := range regs {
		ret |= 1 << uint(r)
	}
	return
}
