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

package hir

import (
	"fmt"
	"math"
	"strings"
)

type OpCode uint8

const (
	OpNop            OpCode = iota // no operation
	OpParameter                    // arg[Iv] -> out
	OpCurrentMethod                // ArtMethod* -> out
	OpConstant                     // Iv -> out, floats are stored as their IEEE bits
	OpAdd                          // in0 + in1 -> out
	OpSub                          // in0 - in1 -> out
	OpMul                          // in0 * in1 -> out
	OpDiv                          // in0 / in1 -> out
	OpRem                          // in0 % in1 -> out
	OpAnd                          // in0 & in1 -> out
	OpOr                           // in0 | in1 -> out
	OpXor                          // in0 ^ in1 -> out
	OpShl                          // in0 << in1 -> out
	OpShr                          // in0 >> in1 -> out (arithmetic)
	OpUShr                         // in0 >>> in1 -> out (logical)
	OpNeg                          // -in0 -> out
	OpConvert                      // Type(in0) -> out
	OpIf                           // if (in0 Cond in1) Succs[0] else Succs[1]
	OpGoto                         // Succs[0] -> PC
	OpReturn                       // return in0
	OpReturnVoid                   // return
	OpInvokeStatic                 // Method(in...) -> out
	OpNewInstance                  // new type@Iv -> out
	OpThrow                        // throw in0
	OpNullCheck                    // in0 == nil ? throw NPE : in0 -> out
	OpBoundsCheck                  // u(in0) >= u(in1) ? throw AIOOBE : in0 -> out
	OpDivZeroCheck                 // in0 == 0 ? throw ArithmeticException : in0 -> out
	OpSuspendCheck                 // thread flags != 0 ? test suspend
	OpDeoptimize                   // in0 != 0 ? deoptimize(kind Iv)
	OpArrayLength                  // len(in0) -> out
	OpFieldGet                     // *(in0 + Iv) -> out
	OpFieldSet                     // in1 -> *(in0 + Iv)
	OpArrayGet                     // in0[in1] -> out
	OpArraySet                     // in2 -> in0[in1]
	OpPhi                          // phi(in...) -> out
	OpParallelMove                 // Moves
	OpLoadException                // thread exception -> out
	OpClearException               // nil -> thread exception
	OpBitCount                     // popcount(in0) -> out
	OpNativeDebugInfo              // debugger safepoint
)

var _OpNames = [...]string{
	OpNop:             "nop",
	OpParameter:       "parameter",
	OpCurrentMethod:   "current_method",
	OpConstant:        "constant",
	OpAdd:             "add",
	OpSub:             "sub",
	OpMul:             "mul",
	OpDiv:             "div",
	OpRem:             "rem",
	OpAnd:             "and",
	OpOr:              "or",
	OpXor:             "xor",
	OpShl:             "shl",
	OpShr:             "shr",
	OpUShr:            "ushr",
	OpNeg:             "neg",
	OpConvert:         "convert",
	OpIf:              "if",
	OpGoto:            "goto",
	OpReturn:          "return",
	OpReturnVoid:      "return_void",
	OpInvokeStatic:    "invoke_static",
	OpNewInstance:     "new_instance",
	OpThrow:           "throw",
	OpNullCheck:       "null_check",
	OpBoundsCheck:     "bounds_check",
	OpDivZeroCheck:    "div_zero_check",
	OpSuspendCheck:    "suspend_check",
	OpDeoptimize:      "deoptimize",
	OpArrayLength:     "array_length",
	OpFieldGet:        "field_get",
	OpFieldSet:        "field_set",
	OpArrayGet:        "array_get",
	OpArraySet:        "array_set",
	OpPhi:             "phi",
	OpParallelMove:    "parallel_move",
	OpLoadException:   "load_exception",
	OpClearException:  "clear_exception",
	OpBitCount:        "bit_count",
	OpNativeDebugInfo: "native_debug_info",
}

func (self OpCode) String() string {
	if int(self) < len(_OpNames) && _OpNames[self] != "" {
		return _OpNames[self]
	} else {
		return fmt.Sprintf("op(%d)", self)
	}
}

// NumOpCodes is the size of per-opcode tables.
const NumOpCodes = int(OpNativeDebugInfo) + 1

// IsControlFlow reports whether the opcode ends a basic block.
func (self OpCode) IsControlFlow() bool {
	switch self {
	case OpIf, OpGoto, OpReturn, OpReturnVoid, OpThrow:
		return true
	default:
		return false
	}
}

// NeedsEnvironment reports whether the instruction must carry an environment,
// that is, whether it is a safepoint the runtime can observe.
func (self OpCode) NeedsEnvironment() bool {
	switch self {
	case OpInvokeStatic, OpNewInstance, OpThrow, OpNullCheck, OpBoundsCheck, OpDivZeroCheck:
		return true
	case OpSuspendCheck, OpDeoptimize, OpNativeDebugInfo:
		return true
	default:
		return false
	}
}

// Condition is the comparison of an If instruction.
type Condition uint8

const (
	CondEQ Condition = iota
	CondNE
	CondLT
	CondLE
	CondGT
	CondGE
	CondB  // unsigned <
	CondAE // unsigned >=
	CondBE // unsigned <=
	CondA  // unsigned >
)

var _CondNames = [...]string{
	CondEQ: "==",
	CondNE: "!=",
	CondLT: "<",
	CondLE: "<=",
	CondGT: ">",
	CondGE: ">=",
	CondB:  "<u",
	CondAE: ">=u",
	CondBE: "<=u",
	CondA:  ">u",
}

func (self Condition) String() string {
	return _CondNames[self]
}

// Negate returns the opposite condition.
func (self Condition) Negate() Condition {
	switch self {
	case CondEQ:
		return CondNE
	case CondNE:
		return CondEQ
	case CondLT:
		return CondGE
	case CondLE:
		return CondGT
	case CondGT:
		return CondLE
	case CondGE:
		return CondLT
	case CondB:
		return CondAE
	case CondAE:
		return CondB
	case CondBE:
		return CondA
	case CondA:
		return CondBE
	default:
		panic("hir: invalid condition")
	}
}

// DeoptimizationKind tells the runtime why compiled code was left.
type DeoptimizationKind uint8

const (
	DeoptDebugging DeoptimizationKind = iota
	DeoptBoundsCheck
	DeoptLoopBoundsCheck
	DeoptClassHierarchy
	DeoptInlineCache
	DeoptFullFrame
)

var _DeoptNames = [...]string{
	DeoptDebugging:       "debugging",
	DeoptBoundsCheck:     "bce",
	DeoptLoopBoundsCheck: "loop-bce",
	DeoptClassHierarchy:  "cha",
	DeoptInlineCache:     "inline-cache",
	DeoptFullFrame:       "full-frame",
}

func (self DeoptimizationKind) String() string {
	if int(self) < len(_DeoptNames) {
		return _DeoptNames[self]
	} else {
		return fmt.Sprintf("DeoptimizationKind(%d)", self)
	}
}

// ParseDeoptimizationKind looks a kind up by its name.
func ParseDeoptimizationKind(name string) (DeoptimizationKind, bool) {
	for i, s := range _DeoptNames {
		if s == name {
			return DeoptimizationKind(i), true
		}
	}
	return 0, false
}

// Move is one element of a parallel move.
type Move struct {
	Src  Location
	Dst  Location
	Type DataType
}

func (self Move) String() string {
	return fmt.Sprintf("%s <- %s:%s", self.Dst, self.Src, self.Type)
}

// Instr is one IR instruction.
type Instr struct {
	Id     int
	Op     OpCode
	Type   DataType
	Block  *BasicBlock
	Inputs []*Instr
	Env    *Environment
	Locs   *LocationSummary
	DexPC  uint32
	Iv     int64
	Cond   Condition
	Method MethodRef
	Sig    Signature
	Moves  []Move
	VReg   int
}

// Input returns the i-th input.
func (self *Instr) Input(i int) *Instr {
	return self.Inputs[i]
}

// IsConstant reports whether the instruction is a constant.
func (self *Instr) IsConstant() bool {
	return self.Op == OpConstant
}

// IsCatchPhi reports whether the instruction is a phi of an exception handler.
func (self *Instr) IsCatchPhi() bool {
	return self.Op == OpPhi && self.Block != nil && self.Block.Catch
}

// HasValue reports whether the instruction produces a value.
func (self *Instr) HasValue() bool {
	return self.Type != Void
}

// CanThrow reports whether the instruction may raise an exception.
func (self *Instr) CanThrow() bool {
	switch self.Op {
	case OpInvokeStatic, OpNewInstance, OpThrow, OpNullCheck, OpBoundsCheck, OpDivZeroCheck:
		return true
	default:
		return false
	}
}

// Float32 returns the value of a float32 constant.
func (self *Instr) Float32() float32 {
	return math.Float32frombits(uint32(self.Iv))
}

// Float64 returns the value of a float64 constant.
func (self *Instr) Float64() float64 {
	return math.Float64frombits(uint64(self.Iv))
}

// IsZeroBitPattern reports whether the constant is all zero bits.
func (self *Instr) IsZeroBitPattern() bool {
	return self.Op == OpConstant && self.Iv == 0
}

func (self *Instr) String() string {
	var sb strings.Builder
	if self.HasValue() {
		fmt.Fprintf(&sb, "v%d:%s = ", self.Id, self.Type)
	}

	/* opcode and its immediate operands */
	sb.WriteString(self.Op.String())
	switch self.Op {
	case OpParameter, OpNewInstance, OpFieldGet, OpFieldSet:
		fmt.Fprintf(&sb, " #%d", self.Iv)
	case OpConstant:
		sb.WriteString(" " + self.formatConstant())
	case OpIf:
		sb.WriteString(" " + self.Cond.String())
	case OpDeoptimize:
		sb.WriteString(" " + DeoptimizationKind(self.Iv).String())
	case OpInvokeStatic:
		sb.WriteString(" " + self.Method.String())
	case OpPhi:
		if self.IsCatchPhi() {
			fmt.Fprintf(&sb, " vreg%d", self.VReg)
		}
	}

	/* value operands */
	for i, v := range self.Inputs {
		if i == 0 {
			sb.WriteString(" ")
		} else {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "v%d", v.Id)
	}

	/* parallel moves */
	if self.Op == OpParallelMove {
		for i, mv := range self.Moves {
			if i == 0 {
				sb.WriteString(" ")
			} else {
				sb.WriteString(", ")
			}
			sb.WriteString(mv.String())
		}
	}

	/* dex pc */
	fmt.Fprintf(&sb, " @%d", self.DexPC)
	return sb.String()
}

func (self *Instr) formatConstant() string {
	switch self.Type {
	case Float32:
		return fmt.Sprintf("%g", self.Float32())
	case Float64:
		return fmt.Sprintf("%g", self.Float64())
	default:
		return fmt.Sprintf("%d", self.Iv)
	}
}
