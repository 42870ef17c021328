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
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocation_Constructors(t *testing.T) {
	b := NewBuilder("cst", MethodRef{Index: 1}, MustParseShorty("VI"), true, 1)
	c := b.Constant(Int32, 42)
	assert.Equal(t, "#42", ConstantLocation(c).String())
	assert.Equal(t, "[sp+8]", StackSlotLocation(8).String())
	assert.Equal(t, "[sp+16]:8", DoubleStackSlotLocation(16).String())
	assert.Equal(t, "(r0,r1)", RegisterPairLocation(0, 1).String())
	assert.Equal(t, "(f2,f3)", FpuRegisterPairLocation(2, 3).String())
	assert.Equal(t, 20, DoubleStackSlotLocation(16).HighOffset())
	assert.True(t, AnyLocation().IsAny())
	assert.True(t, NoLocation().IsInvalid())
	assert.Panics(t, func() { StackSlotLocation(6) })
	assert.Panics(t, func() { StackSlotLocation(-4) })
	assert.Panics(t, func() { FpuRegisterPairLocation(1, 2) })
	assert.Panics(t, func() { ConstantLocation(b.Parameter(0)) })
	assert.Panics(t, func() { RegisterLocation(3).Offset() })
	assert.Panics(t, func() { StackSlotLocation(4).Reg() })
	assert.Panics(t, func() { RegisterLocation(3).High() })
}

func TestLocation_Overlaps(t *testing.T) {
	assert.True(t, RegisterPairLocation(0, 1).Overlaps(RegisterLocation(1)))
	assert.False(t, RegisterPairLocation(0, 1).Overlaps(FpuRegisterLocation(1)))
	assert.True(t, DoubleStackSlotLocation(8).Overlaps(StackSlotLocation(12)))
	assert.False(t, DoubleStackSlotLocation(8).Overlaps(StackSlotLocation(16)))
	assert.False(t, StackSlotLocation(4).Overlaps(RegisterLocation(4)))
}

func TestLocation_CheckType(t *testing.T) {
	b := NewBuilder("cst", MethodRef{}, MustParseShorty("V"), true, 0)
	c := b.Constant(Int64, 1)
	tab := []struct {
		vt  DataType
		loc Location
		ok  bool
	}{
		{Int32, RegisterLocation(0), true},
		{Reference, RegisterLocation(0), true},
		{Float32, RegisterLocation(0), false},
		{Float64, FpuRegisterLocation(0), true},
		{Int32, FpuRegisterLocation(0), false},
		{Int64, RegisterPairLocation(0, 1), true},
		{Int32, RegisterPairLocation(0, 1), false},
		{Float64, FpuRegisterPairLocation(0, 1), true},
		{Int64, StackSlotLocation(0), false},
		{Int32, StackSlotLocation(0), true},
		{Reference, StackSlotLocation(0), true},
		{Int64, DoubleStackSlotLocation(0), true},
		{Float64, DoubleStackSlotLocation(0), true},
		{Int32, DoubleStackSlotLocation(0), false},
		{Int64, ConstantLocation(c), true},
		{Int32, NoLocation(), true},
		{Int32, AnyLocation(), true},
		{Int32, UnallocatedLocation(PolicyRequiresRegister), true},
		{Float32, UnallocatedLocation(PolicyRequiresRegister), false},
		{Float32, UnallocatedLocation(PolicyRequiresFpuRegister), true},
		{Int32, UnallocatedLocation(PolicySameAsFirstInput), false},
	}
	for _, tc := range tab {
		assert.Equal(t, tc.ok, CheckType(tc.vt, tc.loc), "%s in %s", tc.vt, tc.loc)
	}
}

func TestLocationSummary_Sealing(t *testing.T) {
	ls := NewLocationSummary(2, CallOnSlowPath)
	ls.SetInAt(0, RegisterLocation(1))
	ls.SetInAt(1, StackSlotLocation(8))
	ls.SetOut(RegisterLocation(2))
	ls.AddTemp(FpuRegisterLocation(3))
	ls.SetRegisterBit(1)
	ls.Seal()
	require.True(t, ls.Sealed())
	assert.Panics(t, func() { ls.SetOut(RegisterLocation(0)) })
	assert.Panics(t, func() { ls.SetRegisterBit(2) })
	assert.NotPanics(t, func() { ls.SetStackBit(2) })
	assert.NotPanics(t, func() { ls.ClearStackBit(2) })
	ls.SetStackBit(3)
	assert.True(t, ls.StackMask().IsSet(3))
	assert.True(t, ls.RegisterContainsObject(1))
	assert.True(t, ls.OnlyCallsOnSlowPath())
	assert.False(t, ls.WillCall())
	rs := ls.Registers()
	assert.Equal(t, uint32(1<<1|1<<2), rs.Core)
	assert.Equal(t, uint32(1<<3), rs.Fp)
	assert.Equal(t, 3, rs.Count())
}

func TestCondition_Negate(t *testing.T) {
	for cc := CondEQ; cc <= CondA; cc++ {
		assert.NotEqual(t, cc, cc.Negate(), cc.String())
		assert.Equal(t, cc, cc.Negate().Negate(), cc.String())
	}
	assert.Equal(t, CondA, CondBE.Negate())
	assert.Equal(t, "<=u", CondBE.String())
	assert.Equal(t, ">u", CondA.String())
}

func TestShorty(t *testing.T) {
	sig, err := ParseShorty("VIJF")
	require.NoError(t, err)
	assert.Equal(t, Void, sig.Return)
	assert.Equal(t, []DataType{Int32, Int64, Float32}, sig.Params)
	assert.Equal(t, "VIJF", sig.Shorty())
	assert.Equal(t, 5, sig.VRegs(false))
	assert.Equal(t, 4, sig.VRegs(true))
	_, err = ParseShorty("")
	assert.Error(t, err)
	_, err = ParseShorty("IV")
	assert.Error(t, err)
	_, err = ParseShorty("Q")
	assert.Error(t, err)
}

func TestEnvironment_WideValues(t *testing.T) {
	b := NewBuilder("env", MethodRef{Index: 7}, MustParseShorty("VJ"), true, 4)
	p := b.Parameter(0)
	b.SetVReg(2, p)
	b.SetDexPC(3)
	env := b.Snapshot()
	require.Equal(t, 0, env.Depth())
	assert.Equal(t, p, env.Outermost().Slots[2].Value)
	assert.Nil(t, env.Outermost().Slots[3].Value)
	assert.Equal(t, uint32(3), env.Innermost().DexPC)
	assert.NotPanics(t, env.Validate)

	/* overwriting the high half kills the wide value */
	b.SetVReg(3, b.Constant(Int32, 0))
	assert.Nil(t, b.VReg(2))
	assert.Panics(t, func() { b.SetVReg(3, p) })

	/* a broken environment */
	env.Frames[0].Slots[3].Value = p
	assert.Panics(t, env.Validate)
}

func TestEnvironment_Inlining(t *testing.T) {
	b := NewBuilder("outer", MethodRef{Index: 1}, MustParseShorty("I"), true, 2)
	c := b.Constant(Int32, 5)
	b.SetVReg(0, c)
	b.SetDexPC(10)
	b.BeginInline(MethodRef{Index: 2, Pointer: 0x1000}, 3)
	b.SetDexPC(4)
	b.SetVReg(1, c)
	v := b.SuspendCheck()
	b.EndInline()
	assert.Panics(t, b.EndInline)
	b.Return(c)
	g := b.Finish()
	require.NotNil(t, v.Env, spew.Sdump(g))
	require.Equal(t, 1, v.Env.Depth())
	assert.Equal(t, uint32(10), v.Env.Outermost().DexPC)
	assert.Equal(t, uint32(4), v.Env.Innermost().DexPC)
	assert.Equal(t, 5, v.Env.NumVRegs())
	assert.Len(t, v.Env.Parents(1), 1)
	assert.Equal(t, uint32(4), v.DexPC)
}

// buildNestedLoops builds:
//
//	bb0 -> bb1; bb1 -> bb2, bb5; bb2 -> bb3; bb3 -> bb4, bb6; bb4 -> bb3; bb6 -> bb1
func buildNestedLoops(t *testing.T) *Graph {
	b := NewBuilder("loops", MethodRef{Index: 3}, MustParseShorty("VII"), true, 2)
	x := b.Parameter(0)
	y := b.Parameter(1)
	bb := make([]*BasicBlock, 7)
	bb[0] = b.Block()
	for i := 1; i < 7; i++ {
		bb[i] = b.NewBlock()
	}
	b.Goto(bb[1])
	b.SetBlock(bb[1])
	b.If(CondLT, x, y, bb[2], bb[5])
	b.SetBlock(bb[2])
	b.Goto(bb[3])
	b.SetBlock(bb[3])
	b.SuspendCheck()
	b.If(CondEQ, x, y, bb[4], bb[6])
	b.SetBlock(bb[4])
	b.Goto(bb[3])
	b.SetBlock(bb[6])
	b.Goto(bb[1])
	b.SetBlock(bb[5])
	b.ReturnVoid()
	return b.Finish()
}

func blockIds(s []*BasicBlock) []int {
	ret := make([]int, len(s))
	for i, v := range s {
		ret[i] = v.Id
	}
	return ret
}

func TestGraph_LinearOrder(t *testing.T) {
	g := buildNestedLoops(t)
	order := g.LinearOrder()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 6, 5}, blockIds(order), g.String())

	/* the loop nest */
	bb := g.Blocks
	require.True(t, bb[1].IsLoopHeader())
	require.True(t, bb[3].IsLoopHeader())
	assert.Equal(t, bb[1].Loop, bb[3].Loop.Outer)
	assert.Equal(t, bb[3].Loop, bb[4].Loop)
	assert.Equal(t, bb[1].Loop, bb[6].Loop)
	assert.Equal(t, bb[1].Loop, bb[2].Loop)
	assert.Nil(t, bb[5].Loop)
	assert.True(t, bb[3].Loop.IsBackEdge(bb[4]))
	assert.Len(t, g.Loops(), 2)

	/* single jumps */
	assert.True(t, bb[2].IsSingleJump())
	assert.False(t, bb[4].IsSingleJump())
	assert.False(t, bb[6].IsSingleJump())
	assert.Equal(t, bb[3], bb[2].FirstNonEmptyBlock())
	assert.Equal(t, bb[3], bb[3].FirstNonEmptyBlock())
}

func TestGraph_SelfLoop(t *testing.T) {
	b := NewBuilder("spin", MethodRef{}, MustParseShorty("V"), true, 0)
	loop := b.NewBlock()
	b.Goto(loop)
	b.SetBlock(loop)
	b.SuspendCheck()
	b.Goto(loop)
	g := b.Finish()
	assert.Equal(t, []int{0, 1}, blockIds(g.LinearOrder()))
	assert.True(t, loop.IsLoopHeader())
	assert.False(t, loop.IsSingleJump())
}

func TestGraph_CatchBlocksAreOrdered(t *testing.T) {
	b := NewBuilder("try", MethodRef{}, MustParseShorty("VL"), true, 1)
	p := b.Parameter(0)
	b.SetVReg(0, p)
	try := b.NewBlock()
	exit := b.NewBlock()
	handler := b.NewCatchBlock(20)
	b.Goto(try)
	b.SetBlock(try)
	b.SetHandlers(try, handler)
	b.NullCheck(p)
	b.Goto(exit)
	b.SetBlock(handler)
	b.CatchPhi(handler, 0, Reference, p)
	b.LoadException()
	b.ClearException()
	b.Goto(exit)
	b.SetBlock(exit)
	b.ReturnVoid()
	g := b.Finish()
	order := g.LinearOrder()
	assert.Len(t, order, 4)
	assert.Equal(t, exit, order[3])
	assert.Equal(t, []*BasicBlock{handler}, g.CatchBlocks())
	assert.True(t, handler.Phis[0].IsCatchPhi())
}

func TestGraph_Validate(t *testing.T) {
	b := NewBuilder("bad", MethodRef{}, MustParseShorty("V"), true, 0)
	b.NewBlock()
	assert.Panics(t, func() { b.Finish() }, "unterminated entry block")

	b = NewBuilder("bad", MethodRef{}, MustParseShorty("V"), true, 0)
	b.ReturnVoid()
	assert.Panics(t, func() { b.ReturnVoid() }, "double terminator")

	b = NewBuilder("unreachable", MethodRef{}, MustParseShorty("V"), true, 0)
	dead := b.NewBlock()
	b.ReturnVoid()
	b.SetBlock(dead)
	b.ReturnVoid()
	g := b.Finish()
	assert.Panics(t, func() { g.LinearOrder() })
}

func TestGraph_SplitEdge(t *testing.T) {
	b := NewBuilder("split", MethodRef{}, MustParseShorty("III"), true, 2)
	x := b.Parameter(0)
	y := b.Parameter(1)
	tb := b.NewBlock()
	join := b.NewBlock()
	b.If(CondEQ, x, y, tb, join)
	b.SetBlock(tb)
	b.Goto(join)
	b.SetBlock(join)
	phi := b.Phi(join, Int32, x, y)
	b.Return(phi)
	g := b.Finish()

	/* split the critical edge */
	entry := g.Entry
	bb := g.SplitEdge(entry, join)
	require.Len(t, entry.Succs, 2)
	assert.Equal(t, tb, entry.Succs[0])
	assert.Equal(t, bb, entry.Succs[1])
	assert.Equal(t, []*BasicBlock{bb, tb}, join.Preds)
	assert.Equal(t, []*BasicBlock{entry}, bb.Preds)
	assert.True(t, bb.IsSingleJump())
	assert.Equal(t, join, bb.FirstNonEmptyBlock())
	assert.Len(t, g.LinearOrder(), 4, spew.Sdump(blockIds(g.LinearOrder())))
	assert.Panics(t, func() { g.SplitEdge(bb, entry) })

	/* insert a nop in front of the return */
	ret := join.Last()
	nop := g.NewInstr(OpNop, Void)
	g.InsertBefore(ret, nop)
	assert.Equal(t, join, nop.Block)
	assert.Equal(t, []*Instr{nop, ret}, join.Ins)
	assert.Equal(t, g.NumInstr-1, nop.Id)
	assert.Panics(t, func() { g.InsertBefore(&Instr{Block: join}, g.NewInstr(OpNop, Void)) })
}
