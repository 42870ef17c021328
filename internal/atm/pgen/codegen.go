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
	"sync"
	"sync/atomic"

	"github.com/bytedance/gopkg/lang/dirtmake"
	"github.com/cloudwego/dexcc/internal/atm/abi"
	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/atm/stackmap"
	"github.com/cloudwego/dexcc/internal/isa"
	"github.com/cloudwego/dexcc/internal/opts"
	"github.com/cloudwego/dexcc/internal/utils"
)

/** Code Generator
 *
 *  One compilation goes through the following stages:
 *
 *      layout      frame size and spill masks from the allocation results
 *      prologue    stack check, callee-saves, current method, deopt flag
 *      body        every emitted block in linear order
 *      slow paths  deferred out-of-line code, in creation order
 *      catch maps  one stack map per exception handler
 *      finalize    assemble, patch the native pcs, encode the stack maps
 *
 *  Stack maps are recorded while the code is generated, with a marker label
 *  each. Their native pcs are only known after assembly.
 */

type _PcInfo struct {
	index int
	label _Label
}

type CodeGenerator struct {
	opts    opts.Options
	feat    isa.Features
	arch    abi.Arch
	be      _Backend
	stream  *stackmap.Stream
	slow    utils.Arena[_SlowPath]
	g       *hir.Graph
	cc      *abi.ManagedConvention
	frame   abi.FrameLayout
	leaf    bool
	pcs     []_PcInfo
	blocks  []_Label
	next    *hir.BasicBlock
	visited utils.Bitmap
	saved   _SavedRegisters
}

var (
	codeGeneratorPool sync.Pool
)

var (
	MethodCount  uint64 = 0
	FailCount    uint64 = 0
	CodeSize     uint64 = 0
	StackMapSize uint64 = 0
	DedupCount   uint64 = 0
)

// NewCodeGenerator returns a code generator for the options, it must be
// released with Free after use.
func NewCodeGenerator(o opts.Options) *CodeGenerator {
	o.Validate()
	cg, ok := codeGeneratorPool.Get().(*CodeGenerator)

	/* create a new one if the pool is empty */
	if !ok {
		cg = new(CodeGenerator)
	}

	/* the backend and the stream only depend on the target */
	if cg.be == nil || cg.opts.ISA != o.ISA {
		cg.be = newBackend(o.ISA)
	}
	if cg.stream == nil || cg.stream.ISA() != o.ISA || cg.opts.MaxDexRegisterMapSearchDistance != o.MaxDexRegisterMapSearchDistance {
		cg.stream = stackmap.NewStream(o.ISA, o.MaxDexRegisterMapSearchDistance)
	}

	/* bind to the target */
	cg.opts = o
	cg.feat = o.UseFeatures()
	cg.arch = abi.ArchOf(o.ISA)
	cg.stream.Verify = o.VerifyStackMaps
	return cg
}

// Free releases the per-method state and returns the code generator to the pool.
func (self *CodeGenerator) Free() {
	self.be.free()
	self.slow.Release()
	self.stream.Reset()
	self.visited.Reset()
	self.g = nil
	self.cc = nil
	self.next = nil
	self.pcs = self.pcs[:0]
	self.blocks = self.blocks[:0]
	self.saved = _SavedRegisters{}
	codeGeneratorPool.Put(self)
}

// Features returns the instruction set features the generated code may use.
func (self *CodeGenerator) Features() isa.Features {
	return self.feat
}

// Frame returns the frame layout of the last compiled method.
func (self *CodeGenerator) Frame() abi.FrameLayout {
	return self.frame
}

// DedupHits returns the number of stack map tables shared with earlier methods.
func (self *CodeGenerator) DedupHits() int {
	return self.stream.DedupHits()
}

// Compile generates the machine code and the stack maps of a register
// allocated graph. It panics on any inconsistency of the input.
func (self *CodeGenerator) Compile(g *hir.Graph) *CompiledMethod {
	if !g.Allocated {
		panic("pgen: graph is not register allocated")
	}

	/* start from a clean state */
	self.g = g
	self.pcs = self.pcs[:0]
	self.cc = abi.NewManagedConvention(self.opts.ISA, g.Sig, g.Static)
	self.slow.Release()
	self.stream.Reset()
	self.visited.Reset()

	/* frame layout and the stack map header */
	self.layout()
	self.stream.BeginMethod(self.frame.FrameSize, self.frame.CoreSpillMask, self.frame.FpSpillMask, g.NumVRegs, self.flags())

	/* generate all the code */
	self.be.reset(self)
	self.be.prologue()
	self.body()
	self.slowPaths()
	self.catchMaps()
	return self.finalize()
}

func (self *CodeGenerator) flags() (ret stackmap.Flags) {
	if self.opts.Baseline {
		ret |= stackmap.IsBaseline
	}
	if self.opts.Debuggable || self.g.Debuggable {
		ret |= stackmap.IsDebuggable
	}
	if self.g.HasShouldDeoptimizeFlag {
		ret |= stackmap.HasShouldDeoptimizeFlag
	}
	return
}

func (self *CodeGenerator) layout() {
	leaf := true
	method := false
	spill := 0
	ptr := self.arch.PointerSize()

	/* find the calls and the slow path register saves */
	self.g.ForEachInstr(func(v *hir.Instr) {
		if v.Locs == nil {
			panic(fmt.Sprintf("pgen: v%d has no location summary", v.Id))
		}
		if v.Locs.CanCall() {
			leaf = false
		}
		if v.Op == hir.OpCurrentMethod {
			method = true
		}
		if v.Locs.OnlyCallsOnSlowPath() {
			spill = max(spill, v.Locs.LiveRegisters().Count()*ptr)
		}
	})

	/* lay out the frame */
	self.leaf = leaf
	self.frame = abi.ComputeFrame(self.opts.ISA, abi.FrameInput{
		SpillSlots:            self.g.SpillSlots,
		OutVRegs:              self.g.OutVRegs,
		MaxSafepointSpill:     spill,
		ShouldDeoptimizeFlag:  self.g.HasShouldDeoptimizeFlag,
		CoreCalleeSaves:       self.g.CoreCalleeUsed,
		FpCalleeSaves:         self.g.FpCalleeUsed,
		Leaf:                  leaf,
		RequiresCurrentMethod: !leaf || method,
	})
}

// needsStackCheck reports whether the prologue touches the stack below the frame.
func (self *CodeGenerator) needsStackCheck() bool {
	return !self.frame.Empty && (!self.leaf || self.frame.FrameSize > self.opts.StackOverflowReserved/2)
}

/** Body **/

func (self *CodeGenerator) body() {
	var emit []*hir.BasicBlock
	var nblk int

	/* one label per block */
	for _, bb := range self.g.Blocks {
		nblk = max(nblk, bb.Id+1)
	}
	for i := 0; i < nblk; i++ {
		self.blocks = append(self.blocks, self.be.newLabel())
	}

	/* single jump blocks emit nothing, their predecessors jump further */
	for _, bb := range self.g.LinearOrder() {
		if bb == self.g.Entry || !bb.IsSingleJump() {
			emit = append(emit, bb)
		}
	}

	/* translate every block */
	for i, bb := range emit {
		if self.next = nil; i+1 < len(emit) {
			self.next = emit[i+1]
		}
		self.be.bind(self.blocks[bb.Id])
		self.block(bb)
	}

	/* slow paths never fall through into a block */
	self.next = nil
}

func (self *CodeGenerator) block(bb *hir.BasicBlock) {
	for _, v := range bb.Phis {
		self.visit(v)
	}
	for _, v := range bb.Ins {
		self.visit(v)
		self.translate(v)
	}
}

func (self *CodeGenerator) visit(v *hir.Instr) {
	if self.visited.IsSet(v.Id) {
		panic(fmt.Sprintf("pgen: instruction v%d visited twice", v.Id))
	}

	/* the summary is frozen from now on */
	self.visited.SetBit(v.Id)
	v.Locs.Seal()

	/* the output and the inputs */
	if v.HasValue() && !hir.CheckType(v.Type, v.Locs.Out()) {
		panic(utils.EMismatch("pgen", "output of %s cannot be in %s", v, v.Locs.Out()))
	}
	for i, u := range v.Inputs {
		if loc := v.Locs.InAt(i); !hir.CheckType(u.Type, loc) {
			panic(utils.EMismatch("pgen", "input %d of %s cannot be in %s", i, v, loc))
		}
	}

	/* the live environment slots */
	if v.Env != nil {
		for _, fr := range v.Env.Frames {
			for j, s := range fr.Slots {
				if s.Value != nil && !hir.CheckType(s.Value.Type, s.Loc) {
					panic(utils.EMismatch("pgen", "vreg %d of %s cannot be in %s", j, v, s.Loc))
				}
			}
		}
	}
}

// target returns the label a branch to bb goes to.
func (self *CodeGenerator) target(bb *hir.BasicBlock) _Label {
	return self.blocks[bb.FirstNonEmptyBlock().Id]
}

// fallsInto reports whether control reaches bb without a jump.
func (self *CodeGenerator) fallsInto(bb *hir.BasicBlock) bool {
	return self.next != nil && bb.FirstNonEmptyBlock() == self.next
}

func (self *CodeGenerator) jumpTo(bb *hir.BasicBlock) {
	if !self.fallsInto(bb) {
		self.be.jump(self.target(bb))
	}
}

/** Finalize **/

func (self *CodeGenerator) finalize() *CompiledMethod {
	code := self.be.assemble()
	buf := dirtmake.Bytes(len(code), len(code))

	/* resolve the native pcs of the stack maps */
	copy(buf, code)
	for _, pc := range self.pcs {
		self.stream.SetStackMapNativePcOffset(pc.index, self.be.offset(pc.label))
	}

	/* encode the stack maps */
	self.stream.EndMethod(uint32(len(buf)))
	sm := self.stream.Encode()

	/* update the statistics */
	atomic.AddUint64(&MethodCount, 1)
	atomic.AddUint64(&CodeSize, uint64(len(buf)))
	atomic.AddUint64(&StackMapSize, uint64(len(sm)))
	atomic.AddUint64(&DedupCount, uint64(self.stream.DedupHits()))

	/* build the compiled method */
	return &CompiledMethod{
		Name:            self.g.Name,
		ISA:             self.opts.ISA,
		Code:            buf,
		StackMap:        sm,
		FrameSize:       self.frame.FrameSize,
		CoreSpillMask:   self.frame.CoreSpillMask,
		FpSpillMask:     self.frame.FpSpillMask,
		NumDexRegisters: self.g.NumVRegs,
		Baseline:        self.opts.Baseline,
	}
}
