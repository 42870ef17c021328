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

package ralloc

import (
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/dexcc/internal/atm/abi"
	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/isa"
)

var (
	x64   = Config{Features: isa.DefaultFeatures(isa.X86_64)}
	arm64 = Config{Features: isa.DefaultFeatures(isa.Arm64)}
)

func findOp(g *hir.Graph, op hir.OpCode) (ret []*hir.Instr) {
	g.ForEachInstr(func(v *hir.Instr) {
		if v.Op == op {
			ret = append(ret, v)
		}
	})
	return
}

func inCalleeSaves(arch abi.Arch, loc hir.Location) bool {
	switch {
	case loc.IsRegister():
		return arch.CoreCalleeSaves()&(1<<uint(loc.Reg())) != 0
	case loc.IsFpuRegister():
		return arch.FpCalleeSaves()&(1<<uint(loc.Reg())) != 0
	default:
		return loc.IsStack()
	}
}

func buildCall(cfg Config) (*hir.Graph, *hir.Instr, *hir.Instr) {
	b := hir.NewBuilder("call", hir.MethodRef{Index: 1}, hir.MustParseShorty("IIJ"), true, 3)
	x := b.Parameter(0)
	y := b.Parameter(1)
	r := b.InvokeStatic(hir.MethodRef{Index: 2}, hir.MustParseShorty("IJI"), y, x)
	b.Return(b.Binary(hir.OpAdd, hir.Int32, r, x))
	g := b.Finish()
	Allocate(g, cfg)
	return g, x, r
}

func TestAllocate_ValuesAcrossCalls(t *testing.T) {
	for _, cfg := range []Config{x64, arm64} {
		g, x, r := buildCall(cfg)
		arch := abi.ArchOf(cfg.Features.ISA)
		require.True(t, g.Allocated)
		assert.True(t, inCalleeSaves(arch, x.Locs.Out()), "%s: %s", cfg.Features.ISA, x.Locs.Out())
		if loc := x.Locs.Out(); loc.IsRegister() {
			assert.NotEqual(t, uint32(0), g.CoreCalleeUsed&(1<<uint(loc.Reg())), spew.Sdump(g.CoreCalleeUsed))
		}
		assert.Equal(t, hir.CallOnMainOnly, r.Locs.CallKind())
	}
}

func TestAllocate_InvokeArguments(t *testing.T) {
	for _, cfg := range []Config{x64, arm64} {
		g, _, r := buildCall(cfg)
		pm := findOp(g, hir.OpParallelMove)
		require.NotEmpty(t, pm)

		/* the move right before the call fills the convention locations */
		ins := r.Block.Ins
		idx := -1
		for i, v := range ins {
			if v == r {
				idx = i
			}
		}
		require.Greater(t, idx, 0)
		mv := ins[idx-1]
		require.Equal(t, hir.OpParallelMove, mv.Op)
		require.Len(t, mv.Moves, 2)

		/* compare with the visitor */
		vis := abi.NewInvokeVisitor(cfg.Features.ISA)
		for i, vt := range r.Sig.Params {
			loc := vis.NextLocation(vt)
			assert.Equal(t, loc, mv.Moves[i].Dst, "%s: argument %d", cfg.Features.ISA, i)
			assert.Equal(t, loc, r.Locs.InAt(i))
		}
		assert.GreaterOrEqual(t, g.OutVRegs, vis.OutVRegs())
		assert.Equal(t, 0, g.OutVRegs%2)
	}
}

func TestAllocate_CatchPhis(t *testing.T) {
	b := hir.NewBuilder("catch", hir.MethodRef{Index: 1}, hir.MustParseShorty("II"), true, 2)
	x := b.Parameter(0)
	b.SetVReg(0, x)
	try := b.Block()
	cb := b.NewCatchBlock(8)
	b.SetHandlers(try, cb)
	r := b.InvokeStatic(hir.MethodRef{Index: 2}, hir.MustParseShorty("I"))
	b.Return(r)

	/* the handler reads vreg 0 */
	b.SetBlock(cb)
	phi := b.CatchPhi(cb, 0, hir.Int32, x)
	b.ClearException()
	b.Return(phi)
	g := b.Finish()
	Allocate(g, x64)

	/* both the phi and the value the handler observes live in the frame */
	assert.True(t, phi.Locs.Out().IsStackSlot(), phi.Locs.String())
	assert.True(t, x.Locs.Out().IsStackSlot(), x.Locs.String())
	assert.Equal(t, x.Locs.Out(), r.Env.Outermost().Slots[0].Loc)
	assert.Equal(t, x.Locs.Out(), phi.Locs.InAt(0))
	assert.Greater(t, g.SpillSlots, 0)
}

func TestAllocate_PhiMoves(t *testing.T) {
	b := hir.NewBuilder("phi", hir.MethodRef{Index: 1}, hir.MustParseShorty("III"), true, 2)
	x := b.Parameter(0)
	y := b.Parameter(1)
	tb := b.NewBlock()
	jb := b.NewBlock()
	b.If(hir.CondLT, x, y, tb, jb)
	b.SetBlock(tb)
	s := b.Binary(hir.OpSub, hir.Int32, y, x)
	b.Goto(jb)
	b.SetBlock(jb)
	phi := b.Phi(jb, hir.Int32, x, s)
	b.Return(phi)
	g := b.Finish()
	Allocate(g, x64)

	/* the edge from the branch to the join is critical */
	require.Len(t, g.Blocks, 4, g.String())
	require.Len(t, jb.Preds, 2)
	for i, p := range jb.Preds {
		last := p.Last()
		require.Equal(t, hir.OpGoto, last.Op, p.String())

		/* the phi is filled right before the jump, unless it is already in place */
		src := phi.Locs.InAt(i)
		if src.Equals(phi.Locs.Out()) {
			continue
		}
		require.GreaterOrEqual(t, len(p.Ins), 2)
		mv := p.Ins[len(p.Ins)-2]
		require.Equal(t, hir.OpParallelMove, mv.Op)
		assert.Contains(t, mv.Moves, hir.Move{Src: src, Dst: phi.Locs.Out(), Type: hir.Int32})
	}
}

func TestAllocate_ReferenceMasks(t *testing.T) {
	b := hir.NewBuilder("gc", hir.MethodRef{Index: 1}, hir.MustParseShorty("IL"), true, 1)
	obj := b.Parameter(0)
	sc := b.SuspendCheck()
	b.Return(b.FieldGet(hir.Int32, obj, 8))
	g := b.Finish()
	Allocate(g, x64)

	/* the object survives the suspend check */
	loc := obj.Locs.Out()
	switch {
	case loc.IsRegister():
		assert.True(t, sc.Locs.RegisterContainsObject(loc.Reg()), sc.Locs.String())
		if abi.ArchOf(isa.X86_64).CoreCalleeSaves()&(1<<uint(loc.Reg())) == 0 {
			assert.True(t, sc.Locs.LiveRegisters().ContainsCore(loc.Reg()))
		}
	case loc.IsStackSlot():
		assert.True(t, sc.Locs.StackMask().IsSet(loc.Offset()/4), sc.Locs.String())
	default:
		t.Fatalf("unexpected location %s", loc)
	}
	assert.True(t, sc.Locs.OnlyCallsOnSlowPath())
}

func TestAllocate_Spills(t *testing.T) {
	n := gofakeit.Number(20, 40)
	b := hir.NewBuilder("spill", hir.MethodRef{Index: 1}, hir.MustParseShorty("JJ"), true, 2)
	x := b.Parameter(0)

	/* keep every value alive until the end */
	vals := make([]*hir.Instr, n)
	for i := range vals {
		vals[i] = b.Binary(hir.OpAdd, hir.Int64, x, b.Constant(hir.Int64, int64(i+1)))
	}
	sum := vals[0]
	for _, v := range vals[1:] {
		sum = b.Binary(hir.OpAdd, hir.Int64, sum, v)
	}
	b.Return(sum)
	g := b.Finish()
	Allocate(g, x64)

	/* some values did not fit, and wide slots are 8-byte aligned */
	spilled := 0
	for _, v := range vals {
		if loc := v.Locs.Out(); loc.IsStack() {
			spilled++
			require.True(t, loc.IsDoubleStack(), loc.String())
			assert.Equal(t, 0, loc.Offset()%8, loc.String())
		}
	}
	assert.Greater(t, spilled, 0)
	assert.Greater(t, g.SpillSlots, 0)

	/* no two values live at the same time share a location */
	for i, a := range vals {
		for _, c := range vals[i+1:] {
			assert.False(t, a.Locs.Out().Overlaps(c.Locs.Out()), "%s vs %s", a, c)
		}
	}
}

func TestAllocate_DivisionClobbers(t *testing.T) {
	b := hir.NewBuilder("div", hir.MethodRef{Index: 1}, hir.MustParseShorty("III"), true, 2)
	x := b.Parameter(0)
	y := b.Parameter(1)
	k := b.Binary(hir.OpAdd, hir.Int32, x, y)
	q := b.Binary(hir.OpDiv, hir.Int32, x, y)
	b.Return(b.Binary(hir.OpAdd, hir.Int32, q, k))
	g := b.Finish()
	Allocate(g, x64)

	/* k lives across the division */
	if loc := k.Locs.Out(); loc.IsRegister() {
		assert.NotEqual(t, _X64RAX, loc.Reg())
		assert.NotEqual(t, _X64RDX, loc.Reg())
	}
}

func TestAllocate_Immediates(t *testing.T) {
	b := hir.NewBuilder("imm", hir.MethodRef{Index: 1}, hir.MustParseShorty("JJ"), true, 2)
	x := b.Parameter(0)
	small := b.Constant(hir.Int64, 7)
	large := b.Constant(hir.Int64, 1<<40)
	b.Return(b.Binary(hir.OpAdd, hir.Int64, b.Binary(hir.OpAdd, hir.Int64, x, small), large))
	g := b.Finish()
	Allocate(g, x64)
	assert.True(t, small.Locs.Out().IsConstant())
	assert.False(t, large.Locs.Out().IsConstant())
	assert.True(t, IsImmediate(small))
	assert.False(t, IsImmediate(large))
}

func TestAllocate_Errors(t *testing.T) {
	g, _, _ := buildCall(x64)
	assert.PanicsWithValue(t, "ralloc: graph is already allocated", func() { Allocate(g, x64) })
	b := hir.NewBuilder("arm", hir.MethodRef{Index: 1}, hir.MustParseShorty("V"), true, 0)
	b.ReturnVoid()
	assert.Panics(t, func() { Allocate(b.Finish(), Config{Features: isa.DefaultFeatures(isa.Arm)}) })
}
