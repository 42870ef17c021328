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

// Package ralloc is a static register allocator producing the location
// summaries the code generator consumes. Every value gets one home for its
// whole lifetime: a register, or a spill slot when no register is free.
package ralloc

import (
	"fmt"
	"math"

	"github.com/cloudwego/dexcc/internal/atm/abi"
	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/isa"
	"github.com/cloudwego/dexcc/internal/utils"
)

// Config is what the allocator needs to know about the target.
type Config struct {
	Features     isa.Features
	ReadBarriers bool
}

/** Positions
 *
 *  Instructions are numbered in linear order, four positions apart:
 *
 *      from(bb)   phis are defined here
 *      p - 2      parallel moves before the instruction, invoke arguments are read here
 *      p - 1      temporaries start
 *      p          inputs are read, the output is defined
 *      p + 1      the environment is read, temporaries end
 *      to(bb)     one past the last instruction
 */

const (
	_Step = 4
)

/* x86_64 registers with fixed roles in some instructions */
const (
	_X64RAX = 0
	_X64RCX = 1
	_X64RDX = 2
)

type _Interval struct {
	v     *hir.Instr
	fp    bool
	def   int
	start int
	end   int
	loc   hir.Location
	spill bool
	calls bool
	avoid uint32
}

func (self *_Interval) conflicts(other *_Interval) bool {
	return self.start == other.start || (self.start < other.end && other.start < self.end)
}

func (self *_Interval) crosses(p int) bool {
	return self.start < p && self.end > p
}

// holds reports whether the value is defined and still needed at p, unlike
// the hull it excludes the moves that fill a phi in its predecessors.
func (self *_Interval) holds(p int) bool {
	return self.def < p && self.end > p
}

func (self *_Interval) String() string {
	if self.v == nil {
		return fmt.Sprintf("temp[%d, %d] %s", self.start, self.end, self.loc)
	} else {
		return fmt.Sprintf("v%d[%d, %d] %s", self.v.Id, self.start, self.end, self.loc)
	}
}

type _Allocator struct {
	g      *hir.Graph
	cfg    Config
	arch   abi.Arch
	order  []*hir.BasicBlock
	pos    []int
	from   []int
	to     []int
	kinds  []hir.CallKind
	ivs    []*_Interval
	temps  map[int][]*_Interval
	live   []utils.Bitmap
	out    []utils.Bitmap
	slots  int
	outs   int
}

// Allocate assigns a location to every value of the graph and fills the
// location summaries, the environment locations and the parallel moves. It
// also records the frame requirements in the graph.
func Allocate(g *hir.Graph, cfg Config) {
	if g.Allocated {
		panic("ralloc: graph is already allocated")
	}
	if !cfg.Features.ISA.Is64Bit() {
		panic(utils.ENotImpl("ralloc", cfg.Features.ISA, "register allocation"))
	}

	/* build the allocator */
	ra := &_Allocator{
		g:     g,
		cfg:   cfg,
		arch:  abi.ArchOf(cfg.Features.ISA),
		temps: make(map[int][]*_Interval),
	}

	/* run every stage */
	ra.splitCriticalEdges()
	ra.number()
	ra.classify()
	ra.liveness()
	ra.buildIntervals()
	ra.countOutVRegs()
	ra.assign()
	ra.summarize()
	ra.insertMoves()
	ra.finish()
}

// splitCriticalEdges makes sure every edge into a block with phis leaves a
// block with a single successor, where the phi moves can be placed.
func (self *_Allocator) splitCriticalEdges() {
	bbs := append([]*hir.BasicBlock(nil), self.g.Blocks...)
	for _, bb := range bbs {
		if len(bb.Succs) > 1 {
			for _, s := range append([]*hir.BasicBlock(nil), bb.Succs...) {
				if len(s.Phis) != 0 && !s.Catch {
					self.g.SplitEdge(bb, s)
				}
			}
		}
	}
}

func (self *_Allocator) number() {
	cur := 0
	self.order = self.g.LinearOrder()
	self.pos = make([]int, self.g.NumInstr)
	self.from = make([]int, len(self.g.Blocks))
	self.to = make([]int, len(self.g.Blocks))

	/* phis sit at the block start, instructions follow */
	for _, bb := range self.order {
		self.from[bb.Id] = cur
		for _, v := range bb.Phis {
			self.pos[v.Id] = cur
		}
		for i, v := range bb.Ins {
			self.pos[v.Id] = cur + (i+1)*_Step
		}
		self.to[bb.Id] = cur + len(bb.Ins)*_Step + 1
		cur += (len(bb.Ins) + 1) * _Step
	}
}

// classify finds the call kind of every instruction, and creates the
// intervals of the values and the temporaries.
func (self *_Allocator) classify() {
	self.kinds = make([]hir.CallKind, self.g.NumInstr)
	self.ivs = make([]*_Interval, self.g.NumInstr)

	/* create the value intervals */
	self.g.ForEachInstr(func(v *hir.Instr) {
		self.kinds[v.Id] = self.callKindOf(v)
		if v.Op == hir.OpCurrentMethod && !v.Type.Is64Bit() {
			panic("ralloc: current method must be a 64-bit value")
		}
		if v.HasValue() && !IsImmediate(v) && v.Op != hir.OpCurrentMethod {
			self.ivs[v.Id] = &_Interval{v: v, fp: v.Type.IsFloatingPoint(), spill: v.IsCatchPhi()}
		}
	})

	/* temporaries of the stores and loads that need more than the scratch register */
	for _, bb := range self.order {
		for _, v := range bb.Ins {
			p := self.pos[v.Id]
			for i := self.numTemps(v); i > 0; i-- {
				self.temps[v.Id] = append(self.temps[v.Id], &_Interval{start: p - 1, end: p + 1})
			}
		}
	}

	/* values observed by a handler must be readable from the frame */
	for _, bb := range self.g.Blocks {
		if len(bb.Handlers) != 0 {
			for _, v := range bb.Ins {
				if v.CanThrow() && v.Env != nil {
					self.forEachEnvValue(v.Env, func(u *hir.Instr) {
						if iv := self.ivs[u.Id]; iv != nil {
							iv.spill = true
						}
					})
				}
			}
		}
	}
}

func (self *_Allocator) callKindOf(v *hir.Instr) hir.CallKind {
	switch v.Op {
	case hir.OpInvokeStatic, hir.OpNewInstance, hir.OpThrow:
		return hir.CallOnMainOnly
	case hir.OpNullCheck, hir.OpBoundsCheck, hir.OpDivZeroCheck, hir.OpDeoptimize, hir.OpSuspendCheck:
		return hir.CallOnSlowPath
	case hir.OpBitCount:
		if self.cfg.Features.HasPopCount() {
			return hir.NoCall
		} else {
			return hir.CallOnMainOnly
		}
	case hir.OpFieldGet, hir.OpArrayGet:
		if self.cfg.ReadBarriers && v.Type == hir.Reference {
			return hir.CallOnSlowPath
		} else {
			return hir.NoCall
		}
	default:
		return hir.NoCall
	}
}

// clobbers returns the registers an instruction overwrites besides its output.
func (self *_Allocator) clobbers(v *hir.Instr) uint32 {
	if self.cfg.Features.ISA != isa.X86_64 || v.Type.IsFloatingPoint() {
		return 0
	}
	switch v.Op {
	case hir.OpDiv, hir.OpRem:
		return 1<<_X64RAX | 1<<_X64RDX
	case hir.OpShl, hir.OpShr, hir.OpUShr:
		if IsImmediate(v.Inputs[1]) {
			return 0
		} else {
			return 1 << _X64RCX
		}
	default:
		return 0
	}
}

// numTemps returns the number of core temporaries an instruction needs, only
// x86_64 has a single scratch register.
func (self *_Allocator) numTemps(v *hir.Instr) int {
	if self.cfg.Features.ISA != isa.X86_64 {
		return 0
	}
	switch v.Op {
	case hir.OpArrayGet:
		return 1
	case hir.OpFieldSet:
		return 1 + isReference(v.Inputs[1])
	case hir.OpArraySet:
		return 2 + isReference(v.Inputs[2])
	default:
		return 0
	}
}

func isReference(v *hir.Instr) int {
	if v.Type == hir.Reference {
		return 1
	} else {
		return 0
	}
}

// IsImmediate reports whether the allocator hands the constant to its users
// as an immediate instead of materializing it in a location.
func IsImmediate(v *hir.Instr) bool {
	return v.Op == hir.OpConstant && !v.Type.IsFloatingPoint() && v.Iv >= math.MinInt32 && v.Iv <= math.MaxInt32
}

func (self *_Allocator) forEachEnvValue(env *hir.Environment, fn func(v *hir.Instr)) {
	for i := range env.Frames {
		for _, s := range env.Frames[i].Slots {
			if s.Value != nil {
				fn(s.Value)
			}
		}
	}
}

// locationOf returns where the users of a value find it.
func (self *_Allocator) locationOf(v *hir.Instr) hir.Location {
	switch {
	case IsImmediate(v):
		return hir.ConstantLocation(v)
	case v.Op == hir.OpCurrentMethod:
		return hir.DoubleStackSlotLocation(0)
	case self.ivs[v.Id] == nil:
		panic(fmt.Sprintf("ralloc: v%d has no location", v.Id))
	default:
		return self.ivs[v.Id].loc
	}
}

func (self *_Allocator) finish() {
	core := uint32(0)
	fp := uint32(0)

	/* collect every register handed out */
	mark := func(iv *_Interval) {
		if iv != nil && iv.loc.IsCoreRegister() {
			core |= 1 << uint(iv.loc.Reg())
		} else if iv != nil && iv.loc.IsFpu() {
			fp |= 1 << uint(iv.loc.Reg())
		}
	}

	/* values and temporaries */
	for _, iv := range self.ivs {
		mark(iv)
	}
	for _, tt := range self.temps {
		for _, iv := range tt {
			mark(iv)
		}
	}

	/* only the callee-saves need saving */
	self.g.SpillSlots = self.slots
	self.g.OutVRegs = self.outs
	self.g.CoreCalleeUsed = core & self.arch.CoreCalleeSaves()
	self.g.FpCalleeUsed = fp & self.arch.FpCalleeSaves()
	self.g.Allocated = true
}
