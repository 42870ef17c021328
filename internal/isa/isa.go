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
	"runtime"
	"strings"
)

// InstructionSet identifies a compilation target.
type InstructionSet uint8

const (
	None InstructionSet = iota
	Arm
	Arm64
	X86
	X86_64
)

var _Names = [...]string{
	None:   "none",
	Arm:    "arm",
	Arm64:  "arm64",
	X86:    "x86",
	X86_64: "x86_64",
}

var _Aliases = map[string]InstructionSet{
	"arm":     Arm,
	"thumb2":  Arm,
	"arm64":   Arm64,
	"aarch64": Arm64,
	"x86":     X86,
	"386":     X86,
	"i386":    X86,
	"x86_64":  X86_64,
	"x86-64":  X86_64,
	"amd64":   X86_64,
}

// All lists every supported instruction set.
var All = []InstructionSet{Arm, Arm64, X86, X86_64}

// Parse converts an instruction set name (or one of its aliases) to an InstructionSet.
func Parse(name string) (InstructionSet, error) {
	if v, ok := _Aliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return v, nil
	} else {
		return None, fmt.Errorf("unknown instruction set: %q", name)
	}
}

// Host returns the instruction set of the running process.
func Host() InstructionSet {
	switch runtime.GOARCH {
	case "arm":
		return Arm
	case "arm64":
		return Arm64
	case "386":
		return X86
	case "amd64":
		return X86_64
	default:
		return None
	}
}

func (self InstructionSet) String() string {
	if int(self) < len(_Names) {
		return _Names[self]
	} else {
		return fmt.Sprintf("isa(%d)", self)
	}
}

// Valid reports whether the instruction set is a real target.
func (self InstructionSet) Valid() bool {
	return self >= Arm && self <= X86_64
}

func (self InstructionSet) must() {
	if !self.Valid() {
		panic("isa: invalid instruction set: " + self.String())
	}
}

// Is64Bit reports whether pointers are 8 bytes wide.
func (self InstructionSet) Is64Bit() bool {
	self.must()
	return self == Arm64 || self == X86_64
}

// PointerSize is the size of a native pointer, also the frame word size.
func (self InstructionSet) PointerSize() int {
	if self.Is64Bit() {
		return 8
	} else {
		return 4
	}
}

// StackAlignment is the required alignment of the stack pointer at call sites.
func (self InstructionSet) StackAlignment() int {
	switch self.must(); self {
	case Arm:
		return 8
	default:
		return 16
	}
}

// InstructionAlignment is the smallest instruction alignment, used to pack native PCs.
func (self InstructionSet) InstructionAlignment() int {
	switch self.must(); self {
	case Arm:
		return 2
	case Arm64:
		return 4
	default:
		return 1
	}
}

// CodeAlignment is the alignment of a method's first instruction.
func (self InstructionSet) CodeAlignment() int {
	switch self.must(); self {
	case Arm:
		return 8
	default:
		return 16
	}
}

// CallPushesPC reports whether a call instruction pushes the return address onto the stack.
func (self InstructionSet) CallPushesPC() bool {
	self.must()
	return self == X86 || self == X86_64
}

// PackNativePc packs a native PC offset by the instruction alignment.
func (self InstructionSet) PackNativePc(pc uint32) uint32 {
	if a := uint32(self.InstructionAlignment()); pc%a != 0 {
		panic(fmt.Sprintf("isa: misaligned native pc %#x for %s", pc, self))
	} else {
		return pc / a
	}
}

// UnpackNativePc reverses PackNativePc.
func (self InstructionSet) UnpackNativePc(pc uint32) uint32 {
	return pc * uint32(self.InstructionAlignment())
}
