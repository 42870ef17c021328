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

package abi

import (
	"math/bits"
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/isa"
)

func checkNoOverlap(t *testing.T, sp []EntrySpill) {
	for i := range sp {
		for j := i + 1; j < len(sp); j++ {
			a, b := sp[i], sp[j]
			require.False(t, a.Offset < b.Offset+b.Size && b.Offset < a.Offset+a.Size, "stack overlap: %s", spew.Sdump(sp))
			if a.Reg.IsValid() && b.Reg.IsValid() {
				require.False(t, a.Reg.Overlaps(b.Reg), "register overlap: %s", spew.Sdump(sp))
			}
		}
	}
}

func TestManaged_EntrySpillsDoNotOverlap(t *testing.T) {
	for _, arch := range isa.All {
		cc := NewManagedConvention(arch, hir.MustParseShorty("VIJF"), false)
		sp := cc.EntrySpills()
		require.Len(t, sp, 4, arch.String())
		checkNoOverlap(t, sp)

		/* receiver, int, long (two words) and float each have their own slot */
		ptr := arch.PointerSize()
		assert.Equal(t, ptr, sp[0].Offset, arch.String())
		assert.Equal(t, ptr+4, sp[1].Offset, arch.String())
		assert.Equal(t, ptr+8, sp[2].Offset, arch.String())
		assert.Equal(t, 8, sp[2].Size, arch.String())
		assert.Equal(t, ptr+16, sp[3].Offset, arch.String())
		assert.Equal(t, 4, sp[3].Size, arch.String())
		assert.Equal(t, ptr+20, cc.StackArgsSize(), arch.String())
	}
}

func TestManaged_RegisterAssignment(t *testing.T) {
	cc := NewManagedConvention(isa.X86_64, hir.MustParseShorty("VIJF"), false)
	sp := cc.EntrySpills()
	assert.Equal(t, hir.RegisterLocation(_RSI), sp[0].Reg)
	assert.Equal(t, hir.RegisterLocation(_RDX), sp[1].Reg)
	assert.Equal(t, hir.RegisterLocation(_RCX), sp[2].Reg)
	assert.Equal(t, hir.FpuRegisterLocation(0), sp[3].Reg)
	assert.Equal(t, hir.RegisterLocation(_RDI), cc.MethodRegister())
	assert.Equal(t, hir.NoLocation(), cc.ReturnRegister())

	/* arm: the long cannot start in r3, it goes to the stack */
	cc = NewManagedConvention(isa.Arm, hir.MustParseShorty("JIJF"), false)
	sp = cc.EntrySpills()
	assert.Equal(t, hir.RegisterLocation(_ArmR1), sp[0].Reg)
	assert.Equal(t, hir.RegisterLocation(_ArmR2), sp[1].Reg)
	assert.True(t, sp[2].Reg.IsInvalid())
	assert.Equal(t, hir.FpuRegisterLocation(0), sp[3].Reg)
	assert.Equal(t, hir.RegisterPairLocation(_ArmR0, _ArmR1), cc.ReturnRegister())
}

func TestManaged_LongSkipsR1(t *testing.T) {
	cc := NewManagedConvention(isa.Arm, hir.MustParseShorty("VJI"), true)
	require.True(t, cc.HasNext())
	assert.Equal(t, hir.RegisterPairLocation(_ArmR2, _ArmR3), cc.CurrentParamRegister())
	cc.Next()

	/* r1 was skipped, not back-filled */
	assert.True(t, cc.IsCurrentParamOnStack())
	assert.Equal(t, 4+8, cc.CurrentParamStackOffset())
	require.Panics(t, func() { cc.CurrentParamRegister() })
	cc.Next()
	assert.False(t, cc.HasNext())
	require.Panics(t, cc.Next)
}

func TestManaged_LongNeverSplit(t *testing.T) {
	cc := NewManagedConvention(isa.X86, hir.MustParseShorty("VIIJI"), true)
	sp := cc.EntrySpills()
	assert.Equal(t, hir.RegisterLocation(_ECX), sp[0].Reg)
	assert.Equal(t, hir.RegisterLocation(_EDX), sp[1].Reg)
	assert.True(t, sp[2].Reg.IsInvalid(), "long must not be split between ebx and the stack")
	assert.True(t, sp[3].Reg.IsInvalid(), "ebx is consumed by the long")

	/* a long in the first two registers */
	cc = NewManagedConvention(isa.X86, hir.MustParseShorty("JJI"), true)
	sp = cc.EntrySpills()
	assert.Equal(t, hir.RegisterPairLocation(_ECX, _EDX), sp[0].Reg)
	assert.Equal(t, hir.RegisterLocation(_EBX), sp[1].Reg)
	assert.Equal(t, hir.RegisterPairLocation(_EAX, _EDX), cc.ReturnRegister())
}

func TestManaged_ArmFloatBackFill(t *testing.T) {
	iv := NewInvokeVisitor(isa.Arm)
	assert.Equal(t, hir.FpuRegisterLocation(0), iv.NextLocation(hir.Float32))
	assert.Equal(t, hir.FpuRegisterPairLocation(2, 3), iv.NextLocation(hir.Float64))
	assert.Equal(t, hir.FpuRegisterLocation(1), iv.NextLocation(hir.Float32))
	assert.Equal(t, hir.FpuRegisterLocation(4), iv.NextLocation(hir.Float32))
	assert.Equal(t, hir.FpuRegisterPairLocation(6, 7), iv.NextLocation(hir.Float64))
	assert.Equal(t, hir.FpuRegisterLocation(5), iv.NextLocation(hir.Float32))
	assert.Equal(t, hir.FpuRegisterPairLocation(0, 1), iv.ReturnLocation(hir.Float64))
}

func TestInvokeVisitor_StackLocations(t *testing.T) {
	iv := NewInvokeVisitor(isa.X86_64)
	for i := 0; i < 5; i++ {
		assert.True(t, iv.NextLocation(hir.Int32).IsRegister())
	}

	/* the sixth integer goes to the stack, every argument owns its slot */
	assert.Equal(t, hir.StackSlotLocation(8+5*4), iv.NextLocation(hir.Int32))
	assert.Equal(t, hir.DoubleStackSlotLocation(8+6*4), iv.NextLocation(hir.Int64))
	assert.Equal(t, 2+8, iv.OutVRegs())
	assert.Equal(t, hir.RegisterLocation(_RDI), iv.MethodLocation())
	assert.Equal(t, hir.RegisterLocation(_RAX), iv.ReturnLocation(hir.Reference))

	/* reset starts over */
	iv.Reset()
	assert.Equal(t, hir.RegisterLocation(_RSI), iv.NextLocation(hir.Reference))
}

func TestRuntimeVisitor_Registers(t *testing.T) {
	rv := NewRuntimeVisitor(isa.Arm64)
	assert.Equal(t, hir.RegisterLocation(0), rv.NextLocation(hir.Reference))
	assert.Equal(t, hir.FpuRegisterLocation(0), rv.NextLocation(hir.Float64))
	assert.Equal(t, hir.RegisterLocation(1), rv.NextLocation(hir.Int64))
	rv = NewRuntimeVisitor(isa.X86_64)
	for i := 0; i < 6; i++ {
		rv.NextLocation(hir.Int32)
	}
	require.Panics(t, func() { rv.NextLocation(hir.Int32) })
}

func randomShorty(f *gofakeit.Faker) string {
	sb := strings.Builder{}
	sb.WriteString(f.RandomString([]string{"V", "Z", "B", "C", "S", "I", "J", "F", "D", "L"}))
	for i := f.Number(0, 12); i > 0; i-- {
		sb.WriteString(f.RandomString([]string{"Z", "B", "C", "S", "I", "J", "F", "D", "L"}))
	}
	return sb.String()
}

func TestManaged_Deterministic(t *testing.T) {
	f := gofakeit.New(20240301)
	for n := 0; n < 500; n++ {
		shorty := randomShorty(f)
		static := f.Bool()
		for _, arch := range isa.All {
			sig := hir.MustParseShorty(shorty)
			a := NewManagedConvention(arch, sig, static).EntrySpills()
			b := NewManagedConvention(arch, sig, static).EntrySpills()
			require.Equal(t, a, b, "%s %s", arch, shorty)
			checkNoOverlap(t, a)

			/* the cursor walk agrees with the entry spills */
			cc := NewManagedConvention(arch, sig, static)
			for i := 0; cc.HasNext(); i++ {
				require.Equal(t, a[i].Offset, cc.CurrentParamStackOffset())
				require.Equal(t, a[i].Reg.IsValid(), cc.IsCurrentParamInRegister())
				require.True(t, a[i].Reg.IsInvalid() || hir.CheckType(cc.CurrentParamType(), a[i].Reg), "%s %s", arch, shorty)
				cc.Next()
			}

			/* and so does the invoke visitor */
			iv := NewInvokeVisitor(arch)
			cc.Reset()
			for i := 0; cc.HasNext(); i++ {
				loc := iv.NextLocation(cc.CurrentParamType())
				if a[i].Reg.IsValid() {
					require.Equal(t, a[i].Reg, loc)
				} else {
					require.True(t, loc.IsStack())
					require.Equal(t, a[i].Offset, loc.Offset())
				}
				cc.Next()
			}
		}
	}
}

func TestJni_CriticalNativeOutFrame(t *testing.T) {
	sig := hir.MustParseShorty("II")
	for _, arch := range []isa.InstructionSet{isa.Arm, isa.Arm64} {
		cc := NewJniConvention(arch, sig, true, false, true)
		assert.Equal(t, 0, cc.OutFrameSize(), arch.String())
		assert.True(t, cc.UseTailCall(), arch.String())
		assert.Equal(t, 0, cc.FrameSize(), arch.String())
		assert.Equal(t, 0, cc.NumberOfOutgoingStackArgs(), arch.String())
	}

	/* x86 passes everything on the stack, one word is the minimum */
	cc := NewJniConvention(isa.X86, hir.MustParseShorty("I"), true, false, true)
	assert.Equal(t, 4, cc.OutFrameSize())
	assert.True(t, cc.UseTailCall())
	cc = NewJniConvention(isa.X86, sig, true, false, true)
	assert.Equal(t, 16, cc.OutFrameSize())
	assert.False(t, cc.UseTailCall())

	/* x86_64 must always save xmm12 - xmm15 */
	cc = NewJniConvention(isa.X86_64, sig, true, false, true)
	assert.Equal(t, 48, cc.OutFrameSize())
	assert.False(t, cc.UseTailCall())
	assert.Equal(t, 0, cc.FrameSize())
}

func TestJni_CriticalNativeNoManagedFrame(t *testing.T) {
	for _, arch := range isa.All {
		cc := NewJniConvention(arch, hir.MustParseShorty("II"), true, false, true)
		assert.Equal(t, 0, cc.ReferenceCount())
		require.Panics(t, func() { cc.HandleScopeOffset() })
		require.Panics(t, func() { cc.LocalReferenceSegmentStateOffset() })
		require.Panics(t, func() { cc.ReturnValueSaveLocation() })
		assert.Equal(t, hir.RegisterLocation(tableOf(arch).hiddenArg), cc.HiddenArgumentRegister())
	}

	/* critical natives are static and take primitives only */
	require.Panics(t, func() { NewJniConvention(isa.Arm64, hir.MustParseShorty("IL"), true, false, true) })
	require.Panics(t, func() { NewJniConvention(isa.Arm64, hir.MustParseShorty("I"), false, false, true) })
	require.Panics(t, func() { NewJniConvention(isa.Arm64, hir.MustParseShorty("I"), true, true, true) })
}

func TestJni_CriticalNativeResult(t *testing.T) {
	cc := NewJniConvention(isa.Arm64, hir.MustParseShorty("BI"), true, false, true)
	assert.True(t, cc.RequiresSmallResultTypeExtension())
	assert.Equal(t, 16, cc.OutFrameSize())
	assert.False(t, cc.UseTailCall())

	/* soft-float arm returns floats in core registers */
	cc = NewJniConvention(isa.Arm, hir.MustParseShorty("FI"), true, false, true)
	assert.False(t, cc.RequiresSmallResultTypeExtension())
	assert.Equal(t, 8, cc.OutFrameSize())
	assert.False(t, cc.UseTailCall())
}

func TestJni_NativePlacement(t *testing.T) {
	cc := NewJniConvention(isa.X86_64, hir.MustParseShorty("VIJFD"), false, false, false)
	args := cc.Args()
	require.Len(t, args, 6)
	assert.True(t, args[0].Synthetic)
	assert.True(t, args[1].Synthetic)
	assert.Equal(t, hir.RegisterLocation(_RDI), args[0].Loc)
	assert.Equal(t, hir.RegisterLocation(_RSI), args[1].Loc)
	assert.Equal(t, hir.RegisterLocation(_RDX), args[2].Loc)
	assert.Equal(t, hir.RegisterLocation(_RCX), args[3].Loc)
	assert.Equal(t, hir.FpuRegisterLocation(0), args[4].Loc)
	assert.Equal(t, hir.FpuRegisterLocation(1), args[5].Loc)

	/* soft-float arm, longs in even pairs */
	cc = NewJniConvention(isa.Arm, hir.MustParseShorty("VJ"), true, false, false)
	assert.Equal(t, hir.RegisterPairLocation(_ArmR2, _ArmR3), cc.Args()[2].Loc)
	cc = NewJniConvention(isa.Arm, hir.MustParseShorty("VIJ"), true, false, false)
	assert.Equal(t, hir.RegisterLocation(_ArmR2), cc.Args()[2].Loc)
	assert.Equal(t, hir.DoubleStackSlotLocation(0), cc.Args()[3].Loc)
	assert.Equal(t, 2, cc.NumberOfOutgoingStackArgs())

	/* cdecl */
	cc = NewJniConvention(isa.X86, hir.MustParseShorty("VIJ"), true, false, false)
	assert.Equal(t, hir.StackSlotLocation(8), cc.Args()[2].Loc)
	assert.Equal(t, hir.DoubleStackSlotLocation(12), cc.Args()[3].Loc)
	assert.Equal(t, 5, cc.NumberOfOutgoingStackArgs())
	assert.Equal(t, 32, cc.OutFrameSize())
}

func TestJni_FrameLayout(t *testing.T) {
	f := gofakeit.New(7)
	for n := 0; n < 200; n++ {
		shorty := randomShorty(f)
		static := f.Bool()
		for _, arch := range isa.All {
			cc := NewJniConvention(arch, hir.MustParseShorty(shorty), static, f.Bool(), false)
			tab := tableOf(arch)

			/* the frame is aligned and large enough for all of its parts */
			fs := cc.FrameSize()
			require.Zero(t, fs%tab.stackAlign)
			require.Zero(t, cc.OutFrameSize()%tab.stackAlign)
			require.GreaterOrEqual(t, fs, tab.ptrSize+cc.handleScopeSize()+4+cc.returnValueSize()+cc.calleeSaveSize())

			/* the parts are stacked in order inside the frame */
			hs := cc.HandleScopeOffset()
			require.Equal(t, cc.OutFrameSize()+tab.ptrSize, hs)
			require.Equal(t, hs+tab.ptrSize+4+4*cc.ReferenceCount(), cc.LocalReferenceSegmentStateOffset())
			require.Greater(t, cc.ReturnValueSaveLocation(), cc.LocalReferenceSegmentStateOffset())
			require.LessOrEqual(t, cc.ReturnValueSaveLocation()+cc.returnValueSize()+cc.calleeSaveSize(), cc.OutFrameSize()+fs)
			require.Panics(t, func() { cc.HiddenArgumentRegister() })
			require.Panics(t, func() { cc.UseTailCall() })
		}
	}
}

func TestJni_CalleeSaves(t *testing.T) {
	cc := NewJniConvention(isa.Arm64, hir.MustParseShorty("V"), true, false, false)
	regs := cc.CalleeSaveRegisters()
	require.Len(t, regs, 11+8)
	assert.Equal(t, hir.RegisterLocation(_A64X20), regs[0])
	assert.Equal(t, hir.RegisterLocation(_A64LR), regs[10])
	assert.Equal(t, hir.FpuRegisterLocation(8), regs[11])
	assert.Equal(t, hir.RegisterLocation(_A64Scratch), cc.InterproceduralScratchRegister())
	assert.Equal(t, 2, NewJniConvention(isa.Arm64, hir.MustParseShorty("VL"), true, false, false).ReferenceCount())
}

func TestTables_Consistent(t *testing.T) {
	masks := map[isa.InstructionSet][2]uint32{
		isa.Arm:    {_ArmManagedArgMask, _ArmNativeArgMask},
		isa.Arm64:  {_A64ManagedArgMask, _A64NativeArgMask},
		isa.X86:    {_X86ManagedArgMask, _X86NativeArgMask},
		isa.X86_64: {_X64ManagedArgMask, _X64NativeArgMask},
	}
	for _, arch := range isa.All {
		tab := tableOf(arch)
		assert.Equal(t, masks[arch][0], maskOf(tab.managedCore), arch.String())
		assert.Equal(t, masks[arch][1], maskOf(tab.nativeCore), arch.String())
		assert.Equal(t, arch.StackAlignment(), tab.stackAlign, arch.String())

		/* the hidden argument is free at a critical native call */
		busy := maskOf(tab.managedCore) | maskOf(tab.nativeCore) | tab.managedCallee | 1<<uint(tab.scratch)
		assert.Zero(t, busy&(1<<uint(tab.hiddenArg)), arch.String())
		assert.NotEqual(t, tab.methodReg, tab.scratch, arch.String())
	}

	/* only x86_64 has managed callee-saves native code may clobber */
	assert.True(t, tableOf(isa.Arm).calleeCovered())
	assert.True(t, tableOf(isa.Arm64).calleeCovered())
	assert.True(t, tableOf(isa.X86).calleeCovered())
	assert.False(t, tableOf(isa.X86_64).calleeCovered())
	assert.Equal(t, 4, tableOf(isa.X86_64).extraFpSpills())
}

func TestArch_Allocatable(t *testing.T) {
	a := ArchOf(isa.X86_64)
	regs := a.AllocatableCore()
	assert.NotContains(t, regs, _RSP)
	assert.NotContains(t, regs, _R11)
	assert.NotContains(t, regs, a.ThreadRegister())
	assert.Equal(t, _RAX, regs[0])
	assert.Equal(t, _RBX, regs[len(regs)-5])
	assert.Equal(t, -1, a.LinkRegister())
	assert.NotContains(t, a.AllocatableFp(), a.FpScratchRegister())

	/* arm doubles are named by their even half */
	for _, r := range ArchOf(isa.Arm).AllocatableFp() {
		assert.Zero(t, r%2)
	}
	assert.NotContains(t, ArchOf(isa.Arm64).AllocatableCore(), _A64TR)
}

func TestFrame_LeafIsEmpty(t *testing.T) {
	in := FrameInput{Leaf: true}
	for _, arch := range isa.All {
		fl := ComputeFrame(arch, in)
		assert.True(t, fl.Empty, arch.String())
		if arch.CallPushesPC() {
			assert.Equal(t, arch.PointerSize(), fl.FrameSize, arch.String())
		} else {
			assert.Equal(t, 0, fl.FrameSize, arch.String())
		}
	}

	/* slow path saves need a frame */
	require.Panics(t, func() { ComputeFrame(isa.X86_64, FrameInput{Leaf: true, MaxSafepointSpill: 8}) })
	assert.False(t, ComputeFrame(isa.Arm64, FrameInput{Leaf: true, RequiresCurrentMethod: true}).Empty)
}

func TestFrame_Layout(t *testing.T) {
	f := gofakeit.New(99)
	for n := 0; n < 1000; n++ {
		arch := isa.All[f.Number(0, len(isa.All)-1)]
		tab := tableOf(arch)
		in := FrameInput{
			SpillSlots:           f.Number(0, 20),
			OutVRegs:             f.Number(0, 12),
			MaxSafepointSpill:    f.Number(0, 6) * tab.ptrSize,
			ShouldDeoptimizeFlag: f.Bool(),
			CoreCalleeSaves:      f.Uint32(),
			FpCalleeSaves:        f.Uint32(),
		}
		fl := ComputeFrame(arch, in)
		require.Zero(t, fl.FrameSize%tab.stackAlign, spew.Sdump(in, fl))
		require.False(t, fl.Empty)

		/* at least the sum of its parts */
		parts := max(in.OutVRegs, tab.ptrSize/4)*4 + in.SpillSlots*4 + in.MaxSafepointSpill + fl.EntrySpillSize()
		if in.ShouldDeoptimizeFlag {
			parts += 4
		}
		require.GreaterOrEqual(t, fl.FrameSize, parts, spew.Sdump(in, fl))

		/* the areas do not overlap */
		require.LessOrEqual(t, (fl.OutSlots+fl.SpillSlots)*4, fl.FirstSlowPathSlot)
		require.LessOrEqual(t, fl.FirstSlowPathSlot+fl.SlowPathSize, fl.FpSpillStart())
		if in.ShouldDeoptimizeFlag {
			require.Equal(t, fl.FpSpillStart()-4, fl.DeoptFlagOffset)
			require.GreaterOrEqual(t, fl.DeoptFlagOffset, fl.FirstSlowPathSlot+fl.SlowPathSize)
		}

		/* only callee-saves are saved, at distinct offsets */
		seen := map[int]bool{}
		for _, r := range fl.SavedCoreRegisters() {
			require.NotZero(t, tab.managedCallee&(1<<uint(r)))
			off := fl.CoreSpillOffset(r)
			require.False(t, seen[off])
			require.Less(t, off, fl.FrameSize)
			seen[off] = true
		}
		for _, r := range fl.SavedFpRegisters() {
			off := fl.FpSpillOffset(r)
			require.False(t, seen[off])
			seen[off] = true
		}

		/* the return address is not a real register */
		want := bits.OnesCount32(fl.CoreSpillMask) + bits.OnesCount32(fl.FpSpillMask)
		if tab.fakeRet >= 0 {
			want--
		}
		require.Equal(t, want, len(seen))
	}
}

func TestFrame_ReturnAddressOnTop(t *testing.T) {
	fl := ComputeFrame(isa.X86_64, FrameInput{SpillSlots: 3, CoreCalleeSaves: 1<<_RBX | 1<<_R12})
	assert.Equal(t, fl.FrameSize-8, fl.CoreSpillOffset(_X86_64FakeReturnRegister))
	assert.Equal(t, fl.FrameSize-16, fl.CoreSpillOffset(_R12))
	assert.Equal(t, fl.FrameSize-24, fl.CoreSpillOffset(_RBX))
	assert.Equal(t, []int{_RBX, _R12}, fl.SavedCoreRegisters())
	assert.Equal(t, fl.FrameSize-24, fl.ReservedSize(fl.CoreSpillSize()))
	assert.Equal(t, SpillSlotOffset(isa.X86_64, 0, 1), fl.SpillSlotOffset(1))
	require.Panics(t, func() { fl.SpillSlotOffset(3) })

	/* arm64 always saves the link register with a frame */
	fl = ComputeFrame(isa.Arm64, FrameInput{SpillSlots: 1})
	assert.Equal(t, []int{_A64LR}, fl.SavedCoreRegisters())
	assert.Equal(t, fl.FrameSize-8, fl.CoreSpillOffset(_A64LR))
}
