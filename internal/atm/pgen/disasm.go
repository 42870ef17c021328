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
	"io"
	"strings"

	"github.com/cloudwego/dexcc/internal/atm/stackmap"
	"github.com/cloudwego/dexcc/internal/isa"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

const (
	_MaxByte = 10
)

// Instruction is one decoded machine instruction.
type Instruction struct {
	PC   uint32
	Code []byte
	Text string
}

// Disassemble decodes the machine code of an instruction set in GNU syntax.
// Bytes that do not decode are reported as "(bad)" and skipped.
func Disassemble(arch isa.InstructionSet, code []byte) []Instruction {
	switch arch {
	case isa.X86_64:
		return disasmX86(code)
	case isa.Arm64:
		return disasmArm64(code)
	default:
		panic("pgen: cannot disassemble " + arch.String())
	}
}

func disasmX86(code []byte) (ret []Instruction) {
	for pc := 0; pc < len(code); {
		ins, err := x86asm.Decode(code[pc:], 64)

		/* skip one byte on failure */
		if err != nil {
			ret = append(ret, Instruction{PC: uint32(pc), Code: code[pc : pc+1], Text: "(bad)"})
			pc++
			continue
		}

		/* relative targets are printed as offsets into the method */
		ret = append(ret, Instruction{
			PC:   uint32(pc),
			Code: code[pc : pc+ins.Len],
			Text: strings.TrimSpace(x86asm.GNUSyntax(ins, uint64(pc), nil)),
		})
		pc += ins.Len
	}
	return
}

func disasmArm64(code []byte) (ret []Instruction) {
	for pc := 0; pc+4 <= len(code); pc += 4 {
		if ins, err := arm64asm.Decode(code[pc:]); err != nil {
			ret = append(ret, Instruction{PC: uint32(pc), Code: code[pc : pc+4], Text: "(bad)"})
		} else {
			ret = append(ret, Instruction{PC: uint32(pc), Code: code[pc : pc+4], Text: strings.TrimSpace(arm64asm.GNUSyntax(ins))})
		}
	}
	return
}

// Dump writes the disassembly of the method, followed by its stack maps. A
// stack map is printed right before the instruction at its native pc.
func (self *CompiledMethod) Dump(w io.Writer) {
	ci := self.CodeInfo()
	pcs := make(map[uint32][]stackmap.StackMap, ci.NumberOfStackMaps())

	/* index the stack maps by native pc */
	for i := 0; i < ci.NumberOfStackMaps(); i++ {
		sm := ci.StackMapAt(i)
		pcs[sm.NativePcOffset] = append(pcs[sm.NativePcOffset], sm)
	}

	/* the code, formatted as the bytes then the instruction */
	fmt.Fprintf(w, "%s\n", self)
	for _, ins := range Disassemble(self.ISA, self.Code) {
		for _, sm := range pcs[ins.PC] {
			fmt.Fprintf(w, "           ; %s\n", sm)
		}
		fmt.Fprintf(w, "0x%08x : ", ins.PC)
		for x, b := range ins.Code {
			if x != 0 && x%_MaxByte == 0 {
				fmt.Fprintf(w, "\n           : ")
			}
			fmt.Fprintf(w, " %02x", b)
			if x == _MaxByte-1 {
				fmt.Fprintf(w, "    %s", ins.Text)
			}
		}
		if len(ins.Code) < _MaxByte {
			fmt.Fprintf(w, "%s    %s", strings.Repeat(" ", (_MaxByte-len(ins.Code))*3), ins.Text)
		}
		fmt.Fprintln(w)
	}

	/* then the decoded stack maps */
	ci.Dump(w)
}
