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

package isa

import (
	"fmt"
)

var _CoreNames = [...][]string{
	Arm: {
		"r0", "r1", "r2", "r3", "r4", "r5", "r6", "r7",
		"r8", "r9", "r10", "r11", "r12", "sp", "lr", "pc",
	},
	Arm64: {
		"x0", "x1", "x2", "x3", "x4", "x5", "x6", "x7",
		"x8", "x9", "x10", "x11", "x12", "x13", "x14", "x15",
		"x16", "x17", "x18", "x19", "x20", "x21", "x22", "x23",
		"x24", "x25", "x26", "x27", "x28", "x29", "lr", "sp",
	},
	X86: {
		"eax", "ecx", "edx", "ebx", "esp", "ebp", "esi", "edi",
	},
	X86_64: {
		"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	},
}

var _FpCounts = [...]int{
	Arm:    32,
	Arm64:  32,
	X86:    8,
	X86_64: 16,
}

var _FpPrefix = [...]string{
	Arm:    "s",
	Arm64:  "d",
	X86:    "xmm",
	X86_64: "xmm",
}

// NumberOfCoreRegisters returns the size of the general purpose register file.
func (self InstructionSet) NumberOfCoreRegisters() int {
	self.must()
	return len(_CoreNames[self])
}

// NumberOfFpRegisters returns the size of the floating point register file.
// On arm the file is counted in single precision registers.
func (self InstructionSet) NumberOfFpRegisters() int {
	self.must()
	return _FpCounts[self]
}

// CoreRegisterName returns the assembler name of a general purpose register.
func (self InstructionSet) CoreRegisterName(r int) string {
	if r < 0 || r >= self.NumberOfCoreRegisters() {
		return fmt.Sprintf("r?%d", r)
	} else {
		return _CoreNames[self][r]
	}
}

// FpRegisterName returns the assembler name of a floating point register.
func (self InstructionSet) FpRegisterName(r int) string {
	if r < 0 || r >= self.NumberOfFpRegisters() {
		return fmt.Sprintf("f?%d", r)
	} else {
		return fmt.Sprintf("%s%d", _FpPrefix[self], r)
	}
}
