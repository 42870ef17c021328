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

	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/atm/stackmap"
)

// _SavedRegisters maps the registers spilled by the current slow path to
// their slots, values found there are reported as stack locations.
type _SavedRegisters struct {
	core   uint32
	fp     uint32
	coreAt [32]int32
	fpAt   [32]int32
}

func (self *_SavedRegisters) find(loc hir.Location) (int32, bool) {
	switch {
	case loc.IsRegister() && self.core&(1<<uint(loc.Reg())) != 0:
		return self.coreAt[loc.Reg()], true
	case loc.IsFpuRegister() && self.fp&(1<<uint(loc.Reg())) != 0:
		return self.fpAt[loc.Reg()], true
	default:
		return 0, false
	}
}

// dexPcOf returns the dex pc the runtime sees at a safepoint.
func dexPcOf(v *hir.Instr) uint32 {
	if v.Env != nil {
		return v.Env.Outermost().DexPC
	} else {
		return v.DexPC
	}
}

// record adds a stack map at the current position, which must be the return
// address of the call that was just emitted, or right after a nop.
func (self *CodeGenerator) record(v *hir.Instr, kind stackmap.Kind) {
	self.recordAt(v, dexPcOf(v), kind)
}

func (self *CodeGenerator) recordAt(v *hir.Instr, dexPc uint32, kind stackmap.Kind) {
	i := 0
	l := self.be.marker()

	/* registers and stack slots holding objects, then the dex registers */
	if v == nil {
		i = self.stream.BeginStackMapEntry(dexPc, 0, 0, nil, kind, false)
	} else if i = self.stream.BeginStackMapEntry(dexPc, 0, v.Locs.RegisterMask(), v.Locs.StackMask(), kind, v.Env != nil); v.Env != nil {
		self.environment(v.Env)
	}

	/* patched after assembly */
	self.stream.EndStackMapEntry()
	self.pcs = append(self.pcs, _PcInfo{index: i, label: l})
}

func (self *CodeGenerator) environment(env *hir.Environment) {
	if n := len(env.Outermost().Slots); n != self.g.NumVRegs {
		panic(fmt.Sprintf("pgen: environment has %d vregs, the method has %d", n, self.g.NumVRegs))
	}

	/* the outermost frame, then every inlined frame */
	for i := range env.Frames {
		fr := &env.Frames[i]
		if i != 0 {
			self.stream.BeginInlineInfoEntry(fr.Method.Index, fr.Method.Pointer, fr.DexPC, len(fr.Slots))
		}
		self.slots(fr.Slots)
		if i != 0 {
			self.stream.EndInlineInfoEntry()
		}
	}
}

func (self *CodeGenerator) slots(s []hir.EnvSlot) {
	for j := 0; j < len(s); j++ {
		if s[j].Value == nil {
			self.stream.AddDexRegisterEntry(stackmap.None, 0)
		} else if !s[j].Value.Type.Is64Bit() {
			self.dexRegister(s[j].Value, s[j].Loc)
		} else {
			self.dexRegisterPair(s[j].Value, s[j].Loc)
			j++
		}
	}
}

func (self *CodeGenerator) dexRegister(v *hir.Instr, loc hir.Location) {
	if off, ok := self.saved.find(loc); ok {
		self.stream.AddDexRegisterEntry(stackmap.InStack, off)
		return
	}

	/* not saved by a slow path */
	switch {
	case loc.IsConstant():
		self.stream.AddDexRegisterEntry(stackmap.Constant, int32(loc.Constant().Iv))
	case loc.IsStackSlot():
		self.stream.AddDexRegisterEntry(stackmap.InStack, int32(loc.Offset()))
	case loc.IsRegister():
		self.stream.AddDexRegisterEntry(stackmap.InRegister, int32(loc.Reg()))
	case loc.IsFpuRegister():
		self.stream.AddDexRegisterEntry(stackmap.InFpuRegister, int32(loc.Reg()))
	default:
		panic(fmt.Sprintf("pgen: unsupported location %s of v%d in a stack map", loc, v.Id))
	}
}

func (self *CodeGenerator) dexRegisterPair(v *hir.Instr, loc hir.Location) {
	if off, ok := self.saved.find(loc); ok {
		self.stream.AddDexRegisterEntry(stackmap.InStack, off)
		self.stream.AddDexRegisterEntry(stackmap.InStack, off+4)
		return
	}

	/* both halves */
	switch {
	case loc.IsConstant():
		self.stream.AddDexRegisterEntry(stackmap.Constant, int32(loc.Constant().Iv))
		self.stream.AddDexRegisterEntry(stackmap.Constant, int32(loc.Constant().Iv>>32))
	case loc.IsDoubleStack():
		self.stream.AddDexRegisterEntry(stackmap.InStack, int32(loc.Offset()))
		self.stream.AddDexRegisterEntry(stackmap.InStack, int32(loc.HighOffset()))
	case loc.IsRegister():
		self.stream.AddDexRegisterEntry(stackmap.InRegister, int32(loc.Reg()))
		self.stream.AddDexRegisterEntry(stackmap.InRegisterHigh, int32(loc.Reg()))
	case loc.IsFpuRegister():
		self.stream.AddDexRegisterEntry(stackmap.InFpuRegister, int32(loc.Reg()))
		self.stream.AddDexRegisterEntry(stackmap.InFpuRegisterHigh, int32(loc.Reg()))
	default:
		panic(fmt.Sprintf("pgen: unsupported location %s of v%d in a stack map", loc, v.Id))
	}
}

/** Catch Stack Maps **/

// catchMaps records where every handler finds the dex registers, which are
// the catch phis, in the order the handlers were emitted.
func (self *CodeGenerator) catchMaps() {
	for _, bb := range self.g.LinearOrder() {
		if bb.Catch {
			self.catchMap(bb)
		}
	}
}

func (self *CodeGenerator) catchMap(bb *hir.BasicBlock) {
	vregs := make([]*hir.Instr, self.g.NumVRegs)
	i := self.stream.BeginStackMapEntry(bb.DexPC, 0, 0, nil, stackmap.Catch, true)

	/* the handler only reads the values its phis carry */
	for _, p := range bb.Phis {
		if p.VReg < 0 || p.VReg >= len(vregs) {
			panic(fmt.Sprintf("pgen: catch phi v%d has an invalid vreg %d", p.Id, p.VReg))
		}
		vregs[p.VReg] = p
	}

	/* one entry per vreg, 64-bit values take two */
	for j := 0; j < len(vregs); j++ {
		if p := vregs[j]; p == nil {
			self.stream.AddDexRegisterEntry(stackmap.None, 0)
		} else if loc := p.Locs.Out(); loc.IsStackSlot() {
			self.stream.AddDexRegisterEntry(stackmap.InStack, int32(loc.Offset()))
		} else if loc.IsDoubleStack() {
			if j++; j >= len(vregs) || vregs[j] != nil {
				panic(fmt.Sprintf("pgen: catch phi v%d lacks a free high half", p.Id))
			}
			self.stream.AddDexRegisterEntry(stackmap.InStack, int32(loc.Offset()))
			self.stream.AddDexRegisterEntry(stackmap.InStack, int32(loc.HighOffset()))
		} else {
			panic(fmt.Sprintf("pgen: unsupported catch phi location %s of v%d", loc, p.Id))
		}
	}

	/* the handler starts at its block */
	self.stream.EndStackMapEntry()
	self.pcs = append(self.pcs, _PcInfo{index: i, label: self.blocks[bb.Id]})
}
