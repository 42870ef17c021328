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

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/dexcc"
	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/atm/stackmap"
	"github.com/cloudwego/dexcc/internal/isa"
)

const loopCode = `
entry:
    n = parameter 0
    zero = constant.I 0
    one = constant.I 1
    .vreg 0 n
    goto loop
loop:
    i = phi.I zero next     # next is defined in the body
    .vreg 1 i
    .dexpc 4
    suspend_check
    if.ge i n done body
body:
    next = add.I i one
    goto loop
done:
    return i
`

const catchCode = `
    x = parameter 0
    .vreg 0 x
    .handlers handler
    .dexpc 2
    r = invoke_static 2 I
    return r
handler: catch 8
    v = catch_phi.I 0 x
    clear_exception
    return v
`

func TestParseMethod_Loop(t *testing.T) {
	g, err := ParseMethod(&MethodDesc{Name: "loop", Index: 3, Shorty: "II", VRegs: 2, Code: loopCode})
	require.NoError(t, err)
	assert.Equal(t, "loop", g.Name)
	assert.Equal(t, uint32(3), g.Method.Index)
	assert.True(t, g.Static)
	require.Len(t, g.Blocks, 4)

	/* the loop header merges the entry and the body */
	loop := g.Blocks[1]
	require.Len(t, loop.Phis, 1)
	require.Len(t, loop.Preds, 2)
	phi := loop.Phis[0]
	assert.Equal(t, hir.Int32, phi.Type)
	assert.Equal(t, hir.OpConstant, phi.Inputs[0].Op)
	assert.Equal(t, hir.OpAdd, phi.Inputs[1].Op)

	/* the branch */
	last := loop.Last()
	assert.Equal(t, hir.OpIf, last.Op)
	assert.Equal(t, hir.CondGE, last.Cond)
	assert.Equal(t, g.Blocks[3], loop.Succs[0])
	assert.Equal(t, g.Blocks[2], loop.Succs[1])
}

func TestParseMethod_Catch(t *testing.T) {
	g, err := ParseMethod(&MethodDesc{Name: "catch", Shorty: "II", VRegs: 2, Code: catchCode})
	require.NoError(t, err)
	require.Len(t, g.Blocks, 2)

	/* the handler */
	h := g.Blocks[1]
	assert.True(t, h.Catch)
	assert.Equal(t, uint32(8), h.DexPC)
	assert.Equal(t, []*hir.BasicBlock{h}, g.Entry.Handlers)
	require.Len(t, h.Phis, 1)
	assert.Equal(t, 0, h.Phis[0].VReg)

	/* and it compiles */
	for _, arch := range []isa.InstructionSet{isa.X86_64, isa.Arm64} {
		g, err = ParseMethod(&MethodDesc{Name: "catch", Shorty: "II", VRegs: 2, Code: catchCode})
		require.NoError(t, err)
		cm, err := dexcc.Compile(g, dexcc.WithISA(arch))
		require.NoError(t, err)
		_, ok := cm.CodeInfo().CatchStackMapForDexPc(8)
		assert.True(t, ok, arch.String())
	}
}

func TestParseMethod_Flags(t *testing.T) {
	code := `
        this = parameter 0
        .vreg 0 this
        .dexpc 1
        x = field_get.J this 8
        native_debug_info
        return x
    `
	g, err := ParseMethod(&MethodDesc{Name: "get", Shorty: "J", Instance: true, VRegs: 1, OSR: true, Debuggable: true, ShouldDeoptimize: true, Code: code})
	require.NoError(t, err)
	assert.False(t, g.Static)
	assert.True(t, g.OSR)
	assert.True(t, g.Debuggable)
	assert.True(t, g.HasShouldDeoptimizeFlag)
	assert.Equal(t, hir.Reference, g.Entry.Ins[0].Type)

	/* the debugger safepoint gets a debug map */
	cm, err := dexcc.Compile(g, dexcc.WithISA(isa.Arm64), dexcc.WithDebuggable(true))
	require.NoError(t, err)
	ci := cm.CodeInfo()
	assert.True(t, ci.HasShouldDeoptimizeFlag())
	found := false
	for i := 0; i < ci.NumberOfStackMaps(); i++ {
		found = found || ci.StackMapAt(i).Kind == stackmap.Debug
	}
	assert.True(t, found)
}

func TestParseMethod_Deoptimize(t *testing.T) {
	code := `
        x = parameter 0
        .vreg 0 x
        .dexpc 2
        deoptimize x cha
        deoptimize x
        return x
    `
	g, err := ParseMethod(&MethodDesc{Name: "deopt", Shorty: "II", VRegs: 1, Code: code})
	require.NoError(t, err)
	var kinds []hir.DeoptimizationKind
	for _, v := range g.Entry.Ins {
		if v.Op == hir.OpDeoptimize {
			kinds = append(kinds, hir.DeoptimizationKind(v.Iv))
		}
	}
	assert.Equal(t, []hir.DeoptimizationKind{hir.DeoptClassHierarchy, hir.DeoptDebugging}, kinds)

	/* unknown reasons are rejected */
	_, err = ParseMethod(&MethodDesc{Name: "deopt", Shorty: "II", VRegs: 1, Code: "x = parameter 0\ndeoptimize x later\nreturn x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid deoptimization kind \"later\"")
}

func TestParseMethod_Errors(t *testing.T) {
	tests := []struct {
		name string
		desc MethodDesc
		want string
	}{
		{"shorty", MethodDesc{Name: "m", Shorty: "Q"}, "invalid shorty"},
		{"unknown", MethodDesc{Name: "m", Shorty: "V", Code: "entry:\n    frobnicate\n"}, "m:2: unknown instruction"},
		{"undefined", MethodDesc{Name: "m", Shorty: "I", Code: "return x"}, "m:1: undefined value \"x\""},
		{"label", MethodDesc{Name: "m", Shorty: "V", Code: "goto nowhere"}, "undefined label"},
		{"operands", MethodDesc{Name: "m", Shorty: "II", Code: "x = parameter 0\nreturn x x"}, "m:2: return expects 1 operands"},
		{"untyped", MethodDesc{Name: "m", Shorty: "I", Code: "x = constant 1\nreturn x"}, "needs a result type"},
		{"redefined", MethodDesc{Name: "m", Shorty: "II", Code: "x = parameter 0\nx = parameter 0\nreturn x"}, "defined twice"},
		{"void", MethodDesc{Name: "m", Shorty: "V", Code: "x = return_void"}, "has no result"},
		{"duplicated", MethodDesc{Name: "m", Shorty: "V", Code: "a:\n    return\na:\n"}, "duplicated label"},
		{"unterminated", MethodDesc{Name: "m", Shorty: "II", Code: "x = parameter 0"}, "hir:"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseMethod(&tc.desc)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
