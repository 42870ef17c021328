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
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/atm/ralloc"
	"github.com/cloudwego/dexcc/internal/atm/stackmap"
	"github.com/cloudwego/dexcc/internal/isa"
	"github.com/cloudwego/dexcc/internal/opts"
)

var targets = []isa.InstructionSet{
	isa.X86_64,
	isa.Arm64,
}

func compile(t *testing.T, arch isa.InstructionSet, g *hir.Graph, fn func(*opts.Options)) *CompiledMethod {
	o := opts.GetDefaultOptions()
	o.ISA = arch
	o.VerifyStackMaps = true

	/* customize the options */
	if fn != nil {
		fn(&o)
	}

	/* allocate registers and generate the code */
	ralloc.Allocate(g, ralloc.Config{Features: o.UseFeatures(), ReadBarriers: o.EmitReadBarrierChecks})
	cg := NewCodeGenerator(o)
	defer cg.Free()
	cm := cg.Compile(g)

	/* dump the result for inspection */
	buf := new(strings.Builder)
	cm.Dump(buf)
	t.Logf("%s\n%s", cm, buf.String())
	return cm
}

// callBefore returns the instruction that ends right at pc.
func callBefore(arch isa.InstructionSet, code []byte, pc uint32) (Instruction, bool) {
	for _, ins := range Disassemble(arch, code) {
		if ins.PC+uint32(len(ins.Code)) == pc {
			return ins, true
		}
	}
	return Instruction{}, false
}

func isCall(arch isa.InstructionSet, ins Instruction) bool {
	text := strings.ToLower(ins.Text)
	if arch == isa.X86_64 {
		return strings.HasPrefix(text, "call")
	} else {
		return strings.HasPrefix(text, "bl")
	}
}

func mapsOf(ci *stackmap.CodeInfo, kind stackmap.Kind, dexPc uint32) (ret []stackmap.StackMap) {
	for i := 0; i < ci.NumberOfStackMaps(); i++ {
		if sm := ci.StackMapAt(i); sm.Kind == kind && sm.DexPc == dexPc {
			ret = append(ret, sm)
		}
	}
	return
}

func buildCall() (*hir.Graph, *hir.Instr) {
	b := hir.NewBuilder("call", hir.MethodRef{Index: 1}, hir.MustParseShorty("IIJ"), true, 3)
	x := b.Parameter(0)
	y := b.Parameter(1)
	b.SetVReg(0, x)
	b.SetVReg(1, y)
	b.SetDexPC(3)
	r := b.InvokeStatic(hir.MethodRef{Index: 2, Pointer: 0x7000}, hir.MustParseShorty("IJI"), y, x)
	b.SetDexPC(6)
	b.Return(b.Binary(hir.OpAdd, hir.Int32, r, x))
	return b.Finish(), r
}

func TestCompile_LeafMethod(t *testing.T) {
	for _, arch := range targets {
		b := hir.NewBuilder("leaf", hir.MethodRef{Index: 1}, hir.MustParseShorty("III"), true, 2)
		b.Return(b.Binary(hir.OpAdd, hir.Int32, b.Parameter(0), b.Parameter(1)))
		cm := compile(t, arch, b.Finish(), nil)
		ci := cm.CodeInfo()

		/* no calls, no stack maps */
		require.NotEmpty(t, cm.Code)
		assert.Equal(t, arch, ci.ISA)
		assert.Equal(t, 0, ci.NumberOfStackMaps(), arch.String())
		assert.Equal(t, uint32(len(cm.Code)), ci.CodeSize)
		assert.Equal(t, cm.FrameSize, ci.FrameSize())
		assert.Equal(t, uint32(2), ci.NumberOfDexRegisters)
		assert.Equal(t, 0, len(cm.Code)%arch.InstructionAlignment())
	}
}

func TestCompile_CallStackMaps(t *testing.T) {
	for _, arch := range targets {
		g, _ := buildCall()
		cm := compile(t, arch, g, nil)
		ci := cm.CodeInfo()

		/* the frame as seen by the runtime */
		assert.Equal(t, cm.FrameSize, ci.FrameSize())
		assert.Equal(t, cm.CoreSpillMask, ci.CoreSpillMask)
		assert.Equal(t, cm.FpSpillMask, ci.FpSpillMask)
		assert.Equal(t, 0, cm.FrameSize%arch.StackAlignment())
		assert.Equal(t, uint32(3), ci.NumberOfDexRegisters)

		/* one stack map at the return address of the call */
		sms := mapsOf(ci, stackmap.Default, 3)
		require.Len(t, sms, 1, arch.String())
		sm := sms[0]
		assert.Greater(t, sm.NativePcOffset, uint32(0))
		assert.LessOrEqual(t, sm.NativePcOffset, uint32(len(cm.Code)))
		ins, ok := callBefore(arch, cm.Code, sm.NativePcOffset)
		require.True(t, ok, "%s: no instruction ends at %#x", arch, sm.NativePcOffset)
		assert.True(t, isCall(arch, ins), "%s: %s", arch, ins.Text)

		/* lookups by native pc and by dex pc */
		found, ok := ci.StackMapForNativePcOffset(sm.NativePcOffset)
		require.True(t, ok)
		assert.Equal(t, sm.Row, found.Row)
		found, ok = ci.StackMapForDexPc(3)
		require.True(t, ok)
		assert.Equal(t, sm.Row, found.Row)

		/* the int lives in vreg 0, the long in vregs 1 and 2 */
		dm := ci.DexRegisterMapOf(sm)
		require.Len(t, dm, 3, spew.Sdump(dm))
		assert.True(t, dm[0].IsLive(), dm.String())
		assert.True(t, dm[1].IsLive(), dm.String())
		assert.True(t, dm[2].IsLive(), dm.String())
		assert.NotEqual(t, stackmap.InRegisterHigh, dm[0].Kind)
	}
}

func TestCompile_StackOverflowChecks(t *testing.T) {
	for _, arch := range targets {
		for _, implicit := range []bool{true, false} {
			g, _ := buildCall()
			cm := compile(t, arch, g, func(o *opts.Options) { o.ImplicitStackOverflowChecks = implicit })
			ci := cm.CodeInfo()

			/* the check reports the method entry */
			sms := mapsOf(ci, stackmap.Default, 0)
			require.Len(t, sms, 1, "%s implicit=%v", arch, implicit)
			assert.False(t, ci.DexRegisterMapOf(sms[0]).HasAnyLiveDexRegisters())

			/* the explicit check calls the runtime out of line */
			if !implicit {
				ins, ok := callBefore(arch, cm.Code, sms[0].NativePcOffset)
				require.True(t, ok)
				assert.True(t, isCall(arch, ins), "%s: %s", arch, ins.Text)
			}
		}
	}
}

func TestCompile_CatchStackMaps(t *testing.T) {
	for _, arch := range targets {
		b := hir.NewBuilder("catch", hir.MethodRef{Index: 1}, hir.MustParseShorty("II"), true, 2)
		x := b.Parameter(0)
		b.SetVReg(0, x)
		try := b.Block()
		cb := b.NewCatchBlock(8)
		b.SetHandlers(try, cb)
		b.SetDexPC(2)
		r := b.InvokeStatic(hir.MethodRef{Index: 2}, hir.MustParseShorty("I"))
		b.Return(r)

		/* the handler reads vreg 0 */
		b.SetBlock(cb)
		phi := b.CatchPhi(cb, 0, hir.Int32, x)
		b.ClearException()
		b.Return(phi)
		cm := compile(t, arch, b.Finish(), nil)
		ci := cm.CodeInfo()

		/* the handler entry */
		sm, ok := ci.CatchStackMapForDexPc(8)
		require.True(t, ok, arch.String())
		assert.Equal(t, stackmap.Catch, sm.Kind)
		assert.Less(t, sm.NativePcOffset, uint32(len(cm.Code)))

		/* vreg 0 is where the phi lives, vreg 1 is dead */
		dm := ci.DexRegisterMapOf(sm)
		require.Len(t, dm, 2)
		require.True(t, phi.Locs.Out().IsStackSlot())
		assert.Equal(t, stackmap.DexRegisterLocation{Kind: stackmap.InStack, Value: int32(phi.Locs.Out().Offset())}, dm[0])
		assert.False(t, dm[1].IsLive())

		/* the call inside the try block finds vreg 0 in the frame as well */
		sms := mapsOf(ci, stackmap.Default, 2)
		require.Len(t, sms, 1)
		assert.Equal(t, stackmap.InStack, ci.DexRegisterMapOf(sms[0])[0].Kind)
	}
}

func TestCompile_OsrAndDebugMaps(t *testing.T) {
	for _, arch := range targets {
		b := hir.NewBuilder("osr", hir.MethodRef{Index: 1}, hir.MustParseShorty("VII"), true, 2)
		x := b.Parameter(0)
		y := b.Parameter(1)
		b.SetVReg(0, x)
		b.SetVReg(1, y)
		loop := b.NewBlock()
		body := b.NewBlock()
		exit := b.NewBlock()
		b.Goto(loop)

		/* the loop header checks for suspension */
		b.SetBlock(loop)
		b.SetDexPC(4)
		b.SuspendCheck()
		b.If(hir.CondLT, x, y, body, exit)
		b.SetBlock(body)
		b.SetDexPC(7)
		b.NativeDebugInfo()
		b.Goto(loop)
		b.SetBlock(exit)
		b.ReturnVoid()

		/* compile for on-stack replacement */
		g := b.Finish()
		g.OSR = true
		cm := compile(t, arch, g, func(o *opts.Options) { o.Debuggable = true })
		ci := cm.CodeInfo()
		assert.True(t, ci.IsDebuggable())

		/* the OSR entry follows a nop */
		sm, ok := ci.OsrStackMapForDexPc(4)
		require.True(t, ok, arch.String())
		assert.Equal(t, stackmap.OSR, sm.Kind)
		ins, ok := callBefore(arch, cm.Code, sm.NativePcOffset)
		require.True(t, ok)
		assert.Contains(t, strings.ToLower(ins.Text), "nop")
		assert.True(t, ci.DexRegisterMapOf(sm).HasAnyLiveDexRegisters())

		/* the suspend check calls the runtime */
		assert.Len(t, mapsOf(ci, stackmap.Default, 4), 1)

		/* the debugger safepoint */
		dbg := mapsOf(ci, stackmap.Debug, 7)
		require.Len(t, dbg, 1)
		ins, ok = callBefore(arch, cm.Code, dbg[0].NativePcOffset)
		require.True(t, ok)
		assert.Contains(t, strings.ToLower(ins.Text), "nop")
	}
}

func TestCompile_Flags(t *testing.T) {
	for _, arch := range targets {
		g, _ := buildCall()
		g.HasShouldDeoptimizeFlag = true
		cm := compile(t, arch, g, func(o *opts.Options) { o.Baseline = true })
		ci := cm.CodeInfo()
		assert.True(t, cm.Baseline)
		assert.True(t, ci.IsBaseline())
		assert.True(t, ci.HasShouldDeoptimizeFlag())
		assert.False(t, ci.IsDebuggable())
	}
}

func TestCompile_Operations(t *testing.T) {
	for _, arch := range targets {
		b := hir.NewBuilder("ops", hir.MethodRef{Index: 1}, hir.MustParseShorty("JJIL"), true, 4)
		x := b.Parameter(0)
		i := b.Parameter(1)
		arr := b.Parameter(2)
		b.SetVReg(0, x)
		b.SetVReg(2, i)
		b.SetVReg(3, arr)

		/* checked array access */
		b.SetDexPC(1)
		b.NullCheck(arr)
		n := b.ArrayLength(arr)
		b.BoundsCheck(i, n)
		e := b.ArrayGet(hir.Int64, arr, i)

		/* arithmetic */
		b.SetDexPC(5)
		b.DivZeroCheck(e)
		q := b.Binary(hir.OpDiv, hir.Int64, x, e)
		s := b.Binary(hir.OpShl, hir.Int64, q, i)
		c := b.Convert(hir.Int32, b.Neg(hir.Int64, s))
		d := b.Convert(hir.Float64, c)
		f := b.Binary(hir.OpMul, hir.Float64, d, b.Float64Constant(1.5))
		r := b.Binary(hir.OpXor, hir.Int64, b.Convert(hir.Int64, f), b.Constant(hir.Int64, 1<<40))

		/* store it back */
		b.SetDexPC(9)
		b.ArraySet(arr, i, r)
		b.FieldSet(arr, b.BitCount(c), 8)
		b.Return(r)
		cm := compile(t, arch, b.Finish(), nil)
		ci := cm.CodeInfo()

		/* every check has a throwing slow path */
		assert.NotEmpty(t, mapsOf(ci, stackmap.Default, 1), arch.String())
		assert.NotEmpty(t, mapsOf(ci, stackmap.Default, 5), arch.String())
		for i := 0; i < ci.NumberOfStackMaps(); i++ {
			sm := ci.StackMapAt(i)
			if sm.DexPc == 0 {
				continue
			}
			ins, ok := callBefore(arch, cm.Code, sm.NativePcOffset)
			require.True(t, ok, sm.String())
			assert.True(t, isCall(arch, ins), "%s: %s", sm, ins.Text)
		}
	}
}

func TestCompile_Errors(t *testing.T) {
	b := hir.NewBuilder("raw", hir.MethodRef{Index: 1}, hir.MustParseShorty("V"), true, 0)
	b.ReturnVoid()
	g := b.Finish()

	/* the graph must be allocated first */
	cg := NewCodeGenerator(opts.GetDefaultOptions())
	assert.PanicsWithValue(t, "pgen: graph is not register allocated", func() { cg.Compile(g) })
	cg.Free()

	/* 32-bit targets have no backend */
	o := opts.GetDefaultOptions()
	o.ISA = isa.Arm
	assert.Panics(t, func() { NewCodeGenerator(o) })
}

func TestCodeGenerator_Reuse(t *testing.T) {
	for _, arch := range targets {
		o := opts.GetDefaultOptions()
		o.ISA = arch

		/* the same method twice gives the same code */
		var prev *CompiledMethod
		for i := 0; i < 2; i++ {
			g, _ := buildCall()
			ralloc.Allocate(g, ralloc.Config{Features: o.UseFeatures()})
			cg := NewCodeGenerator(o)
			cm := cg.Compile(g)
			assert.Equal(t, arch, cg.Features().ISA)
			assert.Equal(t, cm.FrameSize, cg.Frame().FrameSize)
			cg.Free()
			if prev != nil {
				assert.Equal(t, prev.Code, cm.Code)
				assert.Equal(t, prev.StackMap, cm.StackMap)
			}
			prev = cm
		}
	}
}

func buildWideConstant(big int64) (g *hir.Graph, cmp *hir.Instr, add *hir.Instr, k *hir.Instr) {
	b := hir.NewBuilder("wide", hir.MethodRef{Index: 1}, hir.MustParseShorty("JJ"), true, 1)
	x := b.Parameter(0)
	k = b.Constant(hir.Int64, big)
	tb := b.NewBlock()
	fb := b.NewBlock()
	cmp = b.If(hir.CondLT, x, k, tb, fb)
	b.SetBlock(tb)
	add = b.Binary(hir.OpAdd, hir.Int64, x, k)
	b.Return(add)
	b.SetBlock(fb)
	b.Return(x)
	return b.Finish(), cmp, add, k
}

func textOf(code []byte) (ret []string) {
	for _, ins := range Disassemble(isa.X86_64, code) {
		ret = append(ret, strings.ToLower(ins.Text))
	}
	return
}

func TestCompile_WideConstants(t *testing.T) {
	for _, arch := range targets {
		g, _, _, k := buildWideConstant(1 << 40)
		compile(t, arch, g, nil)
		assert.False(t, ralloc.IsImmediate(k), arch.String())
		assert.False(t, k.Locs.Out().IsConstant(), arch.String())
	}

	/* x86_64 keeps the full value */
	g, _, _, _ := buildWideConstant(1 << 40)
	cm := compile(t, isa.X86_64, g, nil)
	text := strings.Join(textOf(cm.Code), "\n")
	assert.Contains(t, text, "$0x10000000000")
	assert.NotContains(t, text, "cmp $0x0,")
	assert.NotContains(t, text, "add $0x0,")
}

func TestCompile_WideConstantOperands(t *testing.T) {
	o := opts.GetDefaultOptions()
	o.ISA = isa.X86_64

	/* constant operands placed by hand, out of the immediate range */
	g, cmp, add, k := buildWideConstant(1 << 40)
	ralloc.Allocate(g, ralloc.Config{Features: o.UseFeatures()})
	cmp.Locs.SetInAt(1, hir.ConstantLocation(k))
	add.Locs.SetInAt(1, hir.ConstantLocation(k))

	/* both go through the scratch register */
	cg := NewCodeGenerator(o)
	cm := cg.Compile(g)
	cg.Free()
	n := 0
	for _, s := range textOf(cm.Code) {
		if strings.Contains(s, "$0x10000000000") && strings.Contains(s, "%r11") {
			n++
		}
	}
	assert.GreaterOrEqual(t, n, 2, spew.Sdump(textOf(cm.Code)))

	/* no register is left to hold it when the sum goes to memory */
	g, _, add, k = buildWideConstant(1 << 40)
	ralloc.Allocate(g, ralloc.Config{Features: o.UseFeatures()})
	add.Locs.SetInAt(1, hir.ConstantLocation(k))
	add.Locs.SetOut(hir.DoubleStackSlotLocation(8))
	cg = NewCodeGenerator(o)
	defer cg.Free()
	assert.PanicsWithValue(t, "pgen: constant 0x10000000000 does not fit an immediate", func() { cg.Compile(g) })
}

func TestCompile_DeoptimizationKind(t *testing.T) {
	for _, kind := range []hir.DeoptimizationKind{hir.DeoptClassHierarchy, hir.DeoptInlineCache} {
		b := hir.NewBuilder("deopt", hir.MethodRef{Index: 1}, hir.MustParseShorty("II"), true, 1)
		x := b.Parameter(0)
		b.SetVReg(0, x)
		b.SetDexPC(2)
		d := b.Deoptimize(kind, x)
		b.Return(x)
		cm := compile(t, isa.X86_64, b.Finish(), nil)
		assert.Equal(t, int64(kind), d.Iv)
		assert.Contains(t, d.String(), kind.String())

		/* the runtime gets the kind in its first argument */
		text := strings.Join(textOf(cm.Code), "\n")
		assert.Contains(t, text, fmt.Sprintf("mov $%#x,%%", int(kind)), kind.String())
		assert.NotEmpty(t, mapsOf(cm.CodeInfo(), stackmap.Default, 2))
	}
}
