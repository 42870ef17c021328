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
)

type _Frame struct {
	pc     uint32
	method MethodRef
	vregs  []*Instr
}

// Builder constructs a Graph block by block, and keeps track of the dex
// register state of every (inlined) frame so environments can be
// snapshotted at each safepoint.
type Builder struct {
	g      *Graph
	bb     *BasicBlock
	frames []_Frame
	consts []*Instr
	params []*Instr
	method *Instr
}

// NewBuilder starts a new graph with an empty entry block.
func NewBuilder(name string, method MethodRef, sig Signature, static bool, nvregs int) *Builder {
	if nvregs < sig.VRegs(static) {
		panic(fmt.Sprintf("hir: %d vregs cannot hold the arguments of %s", nvregs, sig))
	}
	ret := &Builder{
		g: &Graph{
			Name:     name,
			Method:   method,
			Sig:      sig,
			Static:   static,
			NumVRegs: nvregs,
		},
	}
	ret.frames = []_Frame{{method: method, vregs: make([]*Instr, nvregs)}}
	ret.g.Entry = ret.NewBlock()
	ret.bb = ret.g.Entry
	return ret
}

// Graph returns the graph under construction.
func (self *Builder) Graph() *Graph {
	return self.g
}

// Block returns the current block.
func (self *Builder) Block() *BasicBlock {
	return self.bb
}

// NewBlock creates a new empty block.
func (self *Builder) NewBlock() *BasicBlock {
	bb := &BasicBlock{Id: len(self.g.Blocks)}
	self.g.Blocks = append(self.g.Blocks, bb)
	return bb
}

// NewCatchBlock creates an exception handler starting at the dex pc.
func (self *Builder) NewCatchBlock(dexpc uint32) *BasicBlock {
	bb := self.NewBlock()
	bb.Catch = true
	bb.DexPC = dexpc
	return bb
}

// SetBlock moves the insertion point to the end of bb.
func (self *Builder) SetBlock(bb *BasicBlock) {
	self.bb = bb
}

// SetDexPC sets the dex pc of the innermost frame.
func (self *Builder) SetDexPC(pc uint32) {
	self.frames[len(self.frames)-1].pc = pc
}

// DexPC returns the dex pc of the innermost frame.
func (self *Builder) DexPC() uint32 {
	return self.frames[len(self.frames)-1].pc
}

// SetHandlers sets the exception handlers covering bb.
func (self *Builder) SetHandlers(bb *BasicBlock, handlers ...*BasicBlock) {
	bb.Handlers = handlers
}

/** Dex Register State **/

// SetVReg records that the dex register of the innermost frame now holds
// the value. A 64-bit value also takes the next register.
func (self *Builder) SetVReg(i int, v *Instr) {
	fp := &self.frames[len(self.frames)-1]
	if i < 0 || i >= len(fp.vregs) {
		panic(fmt.Sprintf("hir: vreg %d out of range", i))
	}

	/* a value that overlaps the high half of a 64-bit value kills it */
	if i > 0 && fp.vregs[i-1] != nil && fp.vregs[i-1].Type.Is64Bit() {
		fp.vregs[i-1] = nil
	}

	/* store the value, and reserve the high half */
	if v != nil && v.Type.Is64Bit() {
		if i+1 >= len(fp.vregs) {
			panic(fmt.Sprintf("hir: 64-bit value in the last vreg %d", i))
		}
		fp.vregs[i+1] = nil
	}
	fp.vregs[i] = v
}

// KillVReg marks the dex register of the innermost frame as dead.
func (self *Builder) KillVReg(i int) {
	self.SetVReg(i, nil)
}

// VReg returns the value held by the dex register of the innermost frame.
func (self *Builder) VReg(i int) *Instr {
	return self.frames[len(self.frames)-1].vregs[i]
}

// BeginInline pushes a frame for a method inlined at the current dex pc.
func (self *Builder) BeginInline(method MethodRef, nvregs int) {
	self.frames = append(self.frames, _Frame{
		method: method,
		vregs:  make([]*Instr, nvregs),
	})
}

// EndInline pops the innermost inlined frame.
func (self *Builder) EndInline() {
	if len(self.frames) == 1 {
		panic("hir: no inlined frame to end")
	}
	self.frames = self.frames[:len(self.frames)-1]
}

// Snapshot captures the current dex register state as an environment.
func (self *Builder) Snapshot() *Environment {
	env := &Environment{Frames: make([]Frame, len(self.frames))}
	for i, fp := range self.frames {
		slots := make([]EnvSlot, len(fp.vregs))
		for j, v := range fp.vregs {
			slots[j].Value = v
		}
		env.Frames[i] = Frame{DexPC: fp.pc, Method: fp.method, Slots: slots}
	}
	return env
}

/** Instruction Emission **/

func (self *Builder) newInstr(op OpCode, vt DataType, ins ...*Instr) *Instr {
	v := &Instr{
		Id:     self.g.NumInstr,
		Op:     op,
		Type:   vt,
		Inputs: ins,
		DexPC:  self.DexPC(),
	}
	self.g.NumInstr++
	return v
}

func (self *Builder) emit(v *Instr) *Instr {
	if last := self.bb.Last(); last != nil && last.Op.IsControlFlow() {
		panic(fmt.Sprintf("hir: %s is already terminated", self.bb))
	}
	if v.Op.NeedsEnvironment() && v.Env == nil {
		v.Env = self.Snapshot()
	}
	v.Block = self.bb
	self.bb.Ins = append(self.bb.Ins, v)
	return v
}

// Emit appends an arbitrary instruction to the current block.
func (self *Builder) Emit(op OpCode, vt DataType, ins ...*Instr) *Instr {
	return self.emit(self.newInstr(op, vt, ins...))
}

// Parameter returns the i-th argument, the receiver is argument 0 of
// instance methods.
func (self *Builder) Parameter(i int) *Instr {
	vt := Reference
	idx := i

	/* find the parameter type */
	if !self.g.Static {
		idx--
	}
	if idx >= 0 {
		vt = self.g.Sig.Params[idx]
	}

	/* each parameter is created once */
	for _, p := range self.params {
		if p.Iv == int64(i) {
			return p
		}
	}

	/* create a new parameter */
	v := self.newInstr(OpParameter, vt)
	v.Iv = int64(i)
	self.params = append(self.params, v)
	return v
}

// CurrentMethod returns the ArtMethod* of the compiled method.
func (self *Builder) CurrentMethod(vt DataType) *Instr {
	if self.method == nil {
		self.method = self.newInstr(OpCurrentMethod, vt)
	}
	return self.method
}

// Constant returns an integer constant, placed in the entry block.
func (self *Builder) Constant(vt DataType, iv int64) *Instr {
	for _, c := range self.consts {
		if c.Type == vt && c.Iv == iv {
			return c
		}
	}
	v := self.newInstr(OpConstant, vt)
	v.Iv = iv
	self.consts = append(self.consts, v)
	return v
}

// Float32Constant returns a float32 constant.
func (self *Builder) Float32Constant(fv float32) *Instr {
	return self.Constant(Float32, int64(math.Float32bits(fv)))
}

// Float64Constant returns a float64 constant.
func (self *Builder) Float64Constant(fv float64) *Instr {
	return self.Constant(Float64, int64(math.Float64bits(fv)))
}

// Binary emits an arithmetic instruction.
func (self *Builder) Binary(op OpCode, vt DataType, x *Instr, y *Instr) *Instr {
	switch op {
	case OpAdd, OpSub, OpMul, OpDiv, OpRem, OpAnd, OpOr, OpXor, OpShl, OpShr, OpUShr:
		return self.Emit(op, vt, x, y)
	default:
		panic("hir: not a binary operation: " + op.String())
	}
}

// Neg emits a negation.
func (self *Builder) Neg(vt DataType, x *Instr) *Instr {
	return self.Emit(OpNeg, vt, x)
}

// Convert emits a conversion of x to vt.
func (self *Builder) Convert(vt DataType, x *Instr) *Instr {
	return self.Emit(OpConvert, vt, x)
}

// If ends the current block with a conditional branch.
func (self *Builder) If(cond Condition, x *Instr, y *Instr, t *BasicBlock, f *BasicBlock) *Instr {
	v := self.Emit(OpIf, Void, x, y)
	v.Cond = cond
	self.link(t)
	self.link(f)
	return v
}

// Goto ends the current block with a jump.
func (self *Builder) Goto(to *BasicBlock) *Instr {
	v := self.Emit(OpGoto, Void)
	self.link(to)
	return v
}

// Return ends the current block by returning x.
func (self *Builder) Return(x *Instr) *Instr {
	return self.Emit(OpReturn, Void, x)
}

// ReturnVoid ends the current block by returning nothing.
func (self *Builder) ReturnVoid() *Instr {
	return self.Emit(OpReturnVoid, Void)
}

// Throw ends the current block by throwing x.
func (self *Builder) Throw(x *Instr) *Instr {
	return self.Emit(OpThrow, Void, x)
}

func (self *Builder) link(to *BasicBlock) {
	self.bb.Succs = append(self.bb.Succs, to)
	to.Preds = append(to.Preds, self.bb)
}

// InvokeStatic emits a static call, args must match the signature.
func (self *Builder) InvokeStatic(method MethodRef, sig Signature, args ...*Instr) *Instr {
	if len(args) != len(sig.Params) {
		panic(fmt.Sprintf("hir: %s expects %d arguments, got %d", sig, len(sig.Params), len(args)))
	}
	v := self.newInstr(OpInvokeStatic, sig.Return, args...)
	v.Method = method
	v.Sig = sig
	return self.emit(v)
}

// NewInstance allocates an object of the type.
func (self *Builder) NewInstance(typeIdx uint32) *Instr {
	v := self.newInstr(OpNewInstance, Reference)
	v.Iv = int64(typeIdx)
	return self.emit(v)
}

// NullCheck checks x against null.
func (self *Builder) NullCheck(x *Instr) *Instr {
	return self.Emit(OpNullCheck, x.Type, x)
}

// BoundsCheck checks that 0 <= index < length.
func (self *Builder) BoundsCheck(index *Instr, length *Instr) *Instr {
	return self.Emit(OpBoundsCheck, index.Type, index, length)
}

// DivZeroCheck checks x against zero.
func (self *Builder) DivZeroCheck(x *Instr) *Instr {
	return self.Emit(OpDivZeroCheck, x.Type, x)
}

// SuspendCheck emits a thread suspension point.
func (self *Builder) SuspendCheck() *Instr {
	return self.Emit(OpSuspendCheck, Void)
}

// Deoptimize leaves compiled code when cond is true, reporting kind to the runtime.
func (self *Builder) Deoptimize(kind DeoptimizationKind, cond *Instr) *Instr {
	v := self.Emit(OpDeoptimize, Void, cond)
	v.Iv = int64(kind)
	return v
}

// ArrayLength loads the length of an array.
func (self *Builder) ArrayLength(array *Instr) *Instr {
	return self.Emit(OpArrayLength, Int32, array)
}

// FieldGet loads a field at the byte offset.
func (self *Builder) FieldGet(vt DataType, obj *Instr, offset int) *Instr {
	v := self.Emit(OpFieldGet, vt, obj)
	v.Iv = int64(offset)
	return v
}

// FieldSet stores a field at the byte offset.
func (self *Builder) FieldSet(obj *Instr, val *Instr, offset int) *Instr {
	v := self.Emit(OpFieldSet, Void, obj, val)
	v.Iv = int64(offset)
	return v
}

// ArrayGet loads an array element.
func (self *Builder) ArrayGet(vt DataType, array *Instr, index *Instr) *Instr {
	return self.Emit(OpArrayGet, vt, array, index)
}

// ArraySet stores an array element.
func (self *Builder) ArraySet(array *Instr, index *Instr, val *Instr) *Instr {
	return self.Emit(OpArraySet, Void, array, index, val)
}

// Phi adds a phi to bb, one input per predecessor.
func (self *Builder) Phi(bb *BasicBlock, vt DataType, ins ...*Instr) *Instr {
	v := self.newInstr(OpPhi, vt, ins...)
	v.Block = bb
	bb.Phis = append(bb.Phis, v)
	return v
}

// CatchPhi adds the phi of a dex register to an exception handler. Its
// inputs are the values of the register at every throwing instruction.
func (self *Builder) CatchPhi(bb *BasicBlock, vreg int, vt DataType, ins ...*Instr) *Instr {
	if !bb.Catch {
		panic("hir: catch phi in a normal block")
	}
	v := self.Phi(bb, vt, ins...)
	v.VReg = vreg
	v.DexPC = bb.DexPC
	return v
}

// LoadException loads the pending exception of the thread.
func (self *Builder) LoadException() *Instr {
	return self.Emit(OpLoadException, Reference)
}

// ClearException clears the pending exception of the thread.
func (self *Builder) ClearException() *Instr {
	return self.Emit(OpClearException, Void)
}

// BitCount counts the set bits of x.
func (self *Builder) BitCount(x *Instr) *Instr {
	return self.Emit(OpBitCount, Int32, x)
}

// NativeDebugInfo emits a debugger safepoint.
func (self *Builder) NativeDebugInfo() *Instr {
	return self.Emit(OpNativeDebugInfo, Void)
}

// Finish places the parameters, the current method and the constants at the
// start of the entry block, validates and returns the graph.
func (self *Builder) Finish() *Graph {
	var head []*Instr
	head = append(head, self.params...)

	/* the current method, if any */
	if self.method != nil {
		head = append(head, self.method)
	}

	/* then the constants */
	head = append(head, self.consts...)
	for _, v := range head {
		v.Block = self.g.Entry
	}

	/* prepend to the entry block */
	self.g.Entry.Ins = append(head, self.g.Entry.Ins...)
	self.params, self.method, self.consts = nil, nil, nil
	self.g.Validate()
	return self.g
}
