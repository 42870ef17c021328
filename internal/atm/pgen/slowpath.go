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
	"math/bits"

	"github.com/cloudwego/dexcc/internal/atm/abi"
	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/atm/rtx"
	"github.com/cloudwego/dexcc/internal/atm/stackmap"
	"github.com/cloudwego/dexcc/internal/utils"
)

type _SlowKind uint8

const (
	_SlowNullCheck _SlowKind = iota
	_SlowBoundsCheck
	_SlowDivZeroCheck
	_SlowStackOverflow
	_SlowSuspendCheck
	_SlowDeoptimize
	_SlowReadBarrier
)

var _SlowNames = [...]string{
	_SlowNullCheck:     "null_check",
	_SlowBoundsCheck:   "bounds_check",
	_SlowDivZeroCheck:  "div_zero_check",
	_SlowStackOverflow: "stack_overflow",
	_SlowSuspendCheck:  "suspend_check",
	_SlowDeoptimize:    "deoptimize",
	_SlowReadBarrier:   "read_barrier",
}

func (self _SlowKind) String() string {
	return _SlowNames[self]
}

// isFatal reports whether the slow path never comes back. Fatal slow paths
// throw, the registers they would save are dead.
func (self _SlowKind) isFatal() bool {
	return self <= _SlowStackOverflow
}

// _SlowPath is out-of-line code entered by a rare condition of the main path.
// Non-fatal slow paths jump back to exit when they are done.
type _SlowPath struct {
	kind  _SlowKind
	ins   *hir.Instr
	entry _Label
	exit  _Label
}

func (self *_SlowPath) String() string {
	if self.ins == nil {
		return fmt.Sprintf("slowpath(%s)", self.kind)
	} else {
		return fmt.Sprintf("slowpath(%s) for v%d", self.kind, self.ins.Id)
	}
}

func (self *CodeGenerator) newSlowPath(kind _SlowKind, v *hir.Instr) *_SlowPath {
	_, sp := self.slow.New()
	sp.kind = kind
	sp.ins = v
	sp.entry = self.be.newLabel()
	sp.exit = self.be.newLabel()
	return sp
}

func (self *CodeGenerator) slowPaths() {
	self.slow.Each(func(_ utils.Handle, sp *_SlowPath) {
		self.be.bind(sp.entry)
		self.slowPath(sp)
		self.saved = _SavedRegisters{}
	})
}

func (self *CodeGenerator) slowPath(sp *_SlowPath) {
	v := sp.ins
	switch sp.kind {
	case _SlowNullCheck:
		self.callRuntime(v, rtx.ThrowNullPointer)
	case _SlowBoundsCheck:
		self.runtimeArgs(rtx.ThrowArrayBounds, v.Locs.InAt(0), v.Locs.InAt(1))
		self.callRuntime(v, rtx.ThrowArrayBounds)
	case _SlowDivZeroCheck:
		self.callRuntime(v, rtx.ThrowDivZero)
	case _SlowStackOverflow:
		self.be.call(rtx.ThrowStackOverflow)
		self.recordAt(nil, 0, stackmap.Default)
	case _SlowSuspendCheck:
		self.saveLiveRegisters(v)
		self.callRuntime(v, rtx.TestSuspend)
		self.restoreLiveRegisters(v)
		self.be.jump(sp.exit)
	case _SlowDeoptimize:
		self.saveLiveRegisters(v)
		self.be.li(self.runtimeArg(rtx.Deoptimize, 0), v.Iv, hir.Int32)
		self.callRuntime(v, rtx.Deoptimize)
	case _SlowReadBarrier:
		self.saveLiveRegisters(v)
		self.runtimeArgs(rtx.ReadBarrierMark, v.Locs.Out())
		self.callRuntime(v, rtx.ReadBarrierMark)
		self.be.move(v.Locs.Out(), self.runtimeReturn(rtx.ReadBarrierMark), hir.Reference)
		self.restoreLiveRegisters(v)
		self.be.jump(sp.exit)
	default:
		panic("pgen: invalid slow path: " + sp.String())
	}
}

/** Register Saves **/

// saveLiveRegisters spills the caller-save registers live across the slow
// path call into the slow path area. Objects saved there are reported in the
// stack mask, and the environment finds the other values there as well.
func (self *CodeGenerator) saveLiveRegisters(v *hir.Instr) {
	i := 0
	rs := v.Locs.LiveRegisters()

	/* core registers first */
	for m := rs.Core; m != 0; m &= m - 1 {
		r := bits.TrailingZeros32(m)
		off := self.frame.SlowPathSlotOffset(i)
		self.be.save(hir.RegisterLocation(r), off)
		self.saved.core |= 1 << uint(r)
		self.saved.coreAt[r] = int32(off)
		if i++; v.Locs.RegisterContainsObject(r) {
			v.Locs.SetStackBit(off / 4)
		}
	}

	/* then the floating point registers */
	for m := rs.Fp; m != 0; m &= m - 1 {
		r := bits.TrailingZeros32(m)
		off := self.frame.SlowPathSlotOffset(i)
		self.be.save(hir.FpuRegisterLocation(r), off)
		self.saved.fp |= 1 << uint(r)
		self.saved.fpAt[r] = int32(off)
		i++
	}
}

func (self *CodeGenerator) restoreLiveRegisters(v *hir.Instr) {
	i := 0
	rs := v.Locs.LiveRegisters()

	/* same order as the saves */
	for m := rs.Core; m != 0; m &= m - 1 {
		self.be.restore(hir.RegisterLocation(bits.TrailingZeros32(m)), self.frame.SlowPathSlotOffset(i))
		i++
	}
	for m := rs.Fp; m != 0; m &= m - 1 {
		self.be.restore(hir.FpuRegisterLocation(bits.TrailingZeros32(m)), self.frame.SlowPathSlotOffset(i))
		i++
	}
}

/** Runtime Calls **/

// callRuntime calls an entrypoint and records the stack map of its return
// address for the instruction.
func (self *CodeGenerator) callRuntime(v *hir.Instr, e rtx.Entrypoint) {
	self.be.call(e)
	self.record(v, stackmap.Default)
}

func (self *CodeGenerator) runtimeArg(e rtx.Entrypoint, i int) hir.Location {
	vis := abi.NewRuntimeVisitor(self.opts.ISA)
	sig := e.Signature()

	/* skip the arguments before */
	for j := 0; j < i; j++ {
		vis.NextLocation(sig.Params[j])
	}
	return vis.NextLocation(sig.Params[i])
}

func (self *CodeGenerator) runtimeReturn(e rtx.Entrypoint) hir.Location {
	return abi.NewRuntimeVisitor(self.opts.ISA).ReturnLocation(e.Signature().Return)
}

// runtimeArgs places the arguments of an entrypoint, all at once since the
// sources may be in each other's argument registers.
func (self *CodeGenerator) runtimeArgs(e rtx.Entrypoint, args ...hir.Location) {
	sig := e.Signature()
	vis := abi.NewRuntimeVisitor(self.opts.ISA)
	moves := make([]hir.Move, 0, len(args))

	/* the number of arguments must match */
	if len(args) != len(sig.Params) {
		panic(fmt.Sprintf("pgen: %s takes %d arguments, got %d", e, len(sig.Params), len(args)))
	}

	/* one move per argument */
	for i, vt := range sig.Params {
		moves = append(moves, hir.Move{Src: args[i], Dst: vis.NextLocation(vt), Type: vt})
	}
	self.parallelMove(moves)
}
