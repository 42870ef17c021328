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
	"strings"
)

// BasicBlock is a straight-line sequence of instructions ending with a
// control flow instruction.
type BasicBlock struct {
	Id       int
	DexPC    uint32
	Catch    bool
	Phis     []*Instr
	Ins      []*Instr
	Preds    []*BasicBlock
	Succs    []*BasicBlock
	Handlers []*BasicBlock
	Loop     *Loop
}

// Loop describes a natural loop found by AnalyzeLoops.
type Loop struct {
	Header    *BasicBlock
	BackEdges []*BasicBlock
	Outer     *Loop
	blocks    map[int]bool
}

// Contains reports whether the block belongs to the loop or to a nested loop.
func (self *Loop) Contains(bb *BasicBlock) bool {
	return self.blocks[bb.Id]
}

// IsIn reports whether the loop is nested in other, or is other.
func (self *Loop) IsIn(other *Loop) bool {
	for p := self; p != nil; p = p.Outer {
		if p == other {
			return true
		}
	}
	return false
}

// IsBackEdge reports whether the block jumps back to the loop header.
func (self *Loop) IsBackEdge(bb *BasicBlock) bool {
	for _, v := range self.BackEdges {
		if v == bb {
			return true
		}
	}
	return false
}

// Size returns the number of blocks in the loop, nested loops included.
func (self *Loop) Size() int {
	return len(self.blocks)
}

// Last returns the control flow instruction of the block.
func (self *BasicBlock) Last() *Instr {
	if len(self.Ins) == 0 {
		return nil
	} else {
		return self.Ins[len(self.Ins)-1]
	}
}

// IsLoopHeader reports whether the block is the header of its innermost loop.
func (self *BasicBlock) IsLoopHeader() bool {
	return self.Loop != nil && self.Loop.Header == self
}

// IsSingleJump reports whether the block does nothing but jump to its only
// successor. Back edges are never single jumps, their target must stay
// reachable through the loop.
func (self *BasicBlock) IsSingleJump() bool {
	if len(self.Phis) != 0 || len(self.Ins) != 1 || self.Ins[0].Op != OpGoto || self.Catch {
		return false
	}
	for p := self.Loop; p != nil; p = p.Outer {
		if p.IsBackEdge(self) {
			return false
		}
	}
	return true
}

// FirstNonEmptyBlock follows single jump blocks to the first block that
// actually emits code.
func (self *BasicBlock) FirstNonEmptyBlock() *BasicBlock {
	bb := self
	for bb.IsSingleJump() {
		if bb = bb.Succs[0]; bb == self {
			panic("hir: infinite single jump loop")
		}
	}
	return bb
}

// successors returns the normal and the exceptional successors.
func (self *BasicBlock) successors() []*BasicBlock {
	if len(self.Handlers) == 0 {
		return self.Succs
	}
	ret := make([]*BasicBlock, 0, len(self.Succs)+len(self.Handlers))
	ret = append(ret, self.Succs...)
	ret = append(ret, self.Handlers...)
	return ret
}

func (self *BasicBlock) String() string {
	return fmt.Sprintf("bb_%d", self.Id)
}

// Graph is the IR of one method.
type Graph struct {
	Name     string
	Method   MethodRef
	Sig      Signature
	Static   bool
	Entry    *BasicBlock
	Blocks   []*BasicBlock
	NumVRegs int
	NumInstr int

	/* compilation flags */
	OSR                     bool
	Debuggable              bool
	HasShouldDeoptimizeFlag bool

	/* filled by the register allocator */
	SpillSlots     int
	OutVRegs       int
	CoreCalleeUsed uint32
	FpCalleeUsed   uint32
	Allocated      bool

	order []*BasicBlock
	loops []*Loop
}

// ForEachInstr calls fn for every phi and instruction in block id order.
func (self *Graph) ForEachInstr(fn func(ins *Instr)) {
	for _, bb := range self.Blocks {
		for _, v := range bb.Phis {
			fn(v)
		}
		for _, v := range bb.Ins {
			fn(v)
		}
	}
}

// CatchBlocks returns every exception handler of the method, by block id.
func (self *Graph) CatchBlocks() (ret []*BasicBlock) {
	for _, bb := range self.Blocks {
		if bb.Catch {
			ret = append(ret, bb)
		}
	}
	return
}

// Loops returns the loops found by AnalyzeLoops, outer loops first.
func (self *Graph) Loops() []*Loop {
	return self.loops
}

// Validate panics if the graph is malformed.
func (self *Graph) Validate() {
	if self.Entry == nil || len(self.Blocks) == 0 || self.Blocks[0] != self.Entry {
		panic("hir: graph has no entry block")
	}
	if len(self.Entry.Preds) != 0 {
		panic("hir: entry block has predecessors")
	}
	for i, bb := range self.Blocks {
		if bb.Id != i {
			panic(fmt.Sprintf("hir: block %d has id %d", i, bb.Id))
		}
		self.validateBlock(bb)
	}
}

func (self *Graph) validateBlock(bb *BasicBlock) {
	last := bb.Last()
	if last == nil || !last.Op.IsControlFlow() {
		panic(fmt.Sprintf("hir: %s does not end with a control flow instruction", bb))
	}

	/* check the number of successors */
	switch last.Op {
	case OpIf:
		if len(bb.Succs) != 2 {
			panic(fmt.Sprintf("hir: %s: if requires exactly 2 successors", bb))
		}
	case OpGoto:
		if len(bb.Succs) != 1 {
			panic(fmt.Sprintf("hir: %s: goto requires exactly 1 successor", bb))
		}
	default:
		if len(bb.Succs) != 0 {
			panic(fmt.Sprintf("hir: %s: %s cannot have successors", bb, last.Op))
		}
	}

	/* predecessor and successor lists must agree */
	for _, s := range bb.Succs {
		if !containsBlock(s.Preds, bb) {
			panic(fmt.Sprintf("hir: %s is not a predecessor of %s", bb, s))
		}
	}
	for _, h := range bb.Handlers {
		if !h.Catch {
			panic(fmt.Sprintf("hir: handler %s of %s is not a catch block", h, bb))
		}
	}

	/* check the phis */
	for _, p := range bb.Phis {
		if p.Op != OpPhi || p.Block != bb {
			panic(fmt.Sprintf("hir: %s: invalid phi %s", bb, p))
		}
		if bb.Catch {
			if p.VReg < 0 || p.VReg >= self.NumVRegs {
				panic(fmt.Sprintf("hir: %s: catch phi with invalid vreg %d", bb, p.VReg))
			}
		} else if len(p.Inputs) != len(bb.Preds) {
			panic(fmt.Sprintf("hir: %s: phi v%d has %d inputs for %d predecessors", bb, p.Id, len(p.Inputs), len(bb.Preds)))
		}
	}

	/* check the instructions */
	for i, v := range bb.Ins {
		if v.Block != bb {
			panic(fmt.Sprintf("hir: %s: instruction v%d belongs to another block", bb, v.Id))
		}
		if v.Op == OpPhi {
			panic(fmt.Sprintf("hir: %s: phi v%d in the instruction list", bb, v.Id))
		}
		if v.Op.IsControlFlow() && i != len(bb.Ins)-1 {
			panic(fmt.Sprintf("hir: %s: control flow instruction v%d in the middle of a block", bb, v.Id))
		}
		if v.Op.NeedsEnvironment() {
			if v.Env == nil {
				panic(fmt.Sprintf("hir: %s: %s requires an environment", bb, v))
			}
			v.Env.Validate()
		}
	}
}

// NewInstr creates an instruction outside of any block, for passes that
// rewrite the graph after it has been built.
func (self *Graph) NewInstr(op OpCode, vt DataType) *Instr {
	v := &Instr{Id: self.NumInstr, Op: op, Type: vt}
	self.NumInstr++
	return v
}

// InsertBefore inserts v right before the instruction at in the block of at.
func (self *Graph) InsertBefore(at *Instr, v *Instr) {
	bb := at.Block
	for i, p := range bb.Ins {
		if p == at {
			v.Block = bb
			bb.Ins = append(bb.Ins, nil)
			copy(bb.Ins[i+1:], bb.Ins[i:])
			bb.Ins[i] = v
			return
		}
	}
	panic(fmt.Sprintf("hir: v%d is not in %s", at.Id, bb))
}

// SplitEdge inserts an empty block on the edge from -> to. The new block takes
// the place of from in the predecessors of to, so phi inputs stay in order.
func (self *Graph) SplitEdge(from *BasicBlock, to *BasicBlock) *BasicBlock {
	bb := &BasicBlock{Id: len(self.Blocks), DexPC: to.DexPC}
	self.Blocks = append(self.Blocks, bb)

	/* redirect the successor */
	i := indexOfBlock(from.Succs, to)
	if i < 0 {
		panic(fmt.Sprintf("hir: %s is not a successor of %s", to, from))
	}
	from.Succs[i] = bb

	/* and the predecessor */
	to.Preds[indexOfBlock(to.Preds, from)] = bb
	bb.Preds = []*BasicBlock{from}
	bb.Succs = []*BasicBlock{to}

	/* the block only jumps */
	jmp := self.NewInstr(OpGoto, Void)
	jmp.Block = bb
	jmp.DexPC = to.DexPC
	bb.Ins = []*Instr{jmp}

	/* the order and the loops are stale now */
	self.order = nil
	return bb
}

func indexOfBlock(s []*BasicBlock, bb *BasicBlock) int {
	for i, v := range s {
		if v == bb {
			return i
		}
	}
	return -1
}

func containsBlock(s []*BasicBlock, bb *BasicBlock) bool {
	return indexOfBlock(s, bb) >= 0
}

func (self *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "method %s %s static=%v vregs=%d\n", self.Name, self.Sig, self.Static, self.NumVRegs)
	for _, bb := range self.Blocks {
		fmt.Fprintf(&sb, "%s:", bb)
		if bb.Catch {
			sb.WriteString(" (catch)")
		}
		if len(bb.Preds) != 0 {
			sb.WriteString(" ; preds:")
			for _, p := range bb.Preds {
				sb.WriteString(" " + p.String())
			}
		}
		sb.WriteByte('\n')
		for _, v := range bb.Phis {
			sb.WriteString("    " + v.String() + "\n")
		}
		for _, v := range bb.Ins {
			sb.WriteString("    " + v.String() + "\n")
		}
	}
	return sb.String()
}
