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
	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/atm/rtx"
	"github.com/cloudwego/dexcc/internal/isa"
)

// _Label names a code position, resolved to a native pc after assembly.
type _Label int32

// _Backend is the instruction set specific half of the code generator. The
// driver walks the graph, the backend turns each step into machine code.
type _Backend interface {
	reset(cg *CodeGenerator)
	free()

	/* labels */
	newLabel() _Label
	bind(l _Label)
	jump(l _Label)
	marker() _Label
	offset(l _Label) uint32

	/* frame */
	prologue()
	epilogue()

	/* instructions */
	nop()
	translate(v *hir.Instr)
	move(dst hir.Location, src hir.Location, vt hir.DataType)
	swap(a hir.Location, b hir.Location, vt hir.DataType)
	li(dst hir.Location, iv int64, vt hir.DataType)
	save(reg hir.Location, off int)
	restore(reg hir.Location, off int)

	/* branches */
	branch(cc hir.Condition, vt hir.DataType, a hir.Location, b hir.Location, l _Label)
	branchZero(loc hir.Location, vt hir.DataType, zero bool, l _Label)
	testThread(off int, mask int32, l _Label)

	/* calls */
	call(e rtx.Entrypoint)
	invoke(m hir.MethodRef)

	/* finalize */
	assemble() []byte
}

func newBackend(arch isa.InstructionSet) _Backend {
	switch arch {
	case isa.X86_64:
		return new(_X86_64)
	case isa.Arm64:
		return new(_Aarch64)
	default:
		panic("pgen: unsupported instruction set: " + arch.String())
	}
}
