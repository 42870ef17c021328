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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/atm/stackmap"
	"github.com/cloudwego/dexcc/internal/isa"
)

func TestDisassemble_X86_64(t *testing.T) {
	ins := Disassemble(isa.X86_64, []byte{0x90, 0x48, 0x89, 0xc8, 0xc3})
	require.Len(t, ins, 3)
	assert.Equal(t, uint32(0), ins[0].PC)
	assert.Equal(t, uint32(1), ins[1].PC)
	assert.Equal(t, uint32(4), ins[2].PC)
	assert.Equal(t, "nop", ins[0].Text)
	assert.Equal(t, []byte{0x48, 0x89, 0xc8}, ins[1].Code)
	assert.True(t, strings.HasPrefix(ins[2].Text, "ret"), ins[2].Text)
}

func TestDisassemble_Arm64(t *testing.T) {
	ins := Disassemble(isa.Arm64, []byte{0x1f, 0x20, 0x03, 0xd5, 0xc0, 0x03, 0x5f, 0xd6})
	require.Len(t, ins, 2)
	assert.Equal(t, uint32(4), ins[1].PC)
	assert.Equal(t, "nop", strings.ToLower(ins[0].Text))
	assert.Equal(t, strings.TrimSpace(ins[1].Text), ins[1].Text)
	assert.True(t, strings.HasPrefix(strings.ToLower(ins[1].Text), "ret"), ins[1].Text)
	assert.Panics(t, func() { Disassemble(isa.Arm, []byte{0}) })
}

func TestDisassemble_GeneratedCode(t *testing.T) {
	g, _ := buildCall()
	cm := compile(t, isa.X86_64, g, nil)

	/* every byte is covered by a valid instruction */
	n := 0
	for _, ins := range Disassemble(isa.X86_64, cm.Code) {
		assert.NotEqual(t, "(bad)", ins.Text, "at %#x", ins.PC)
		n += len(ins.Code)
	}
	assert.Equal(t, len(cm.Code), n)

	/* the dump shows the stack maps next to the code */
	buf := new(strings.Builder)
	cm.Dump(buf)
	assert.Contains(t, buf.String(), "call")
	assert.Contains(t, buf.String(), "StackMap")
}

func TestLineTable(t *testing.T) {
	s := stackmap.NewStream(isa.X86_64, 8)
	s.BeginMethod(32, 0, 0, 1, 0)
	for _, e := range []LineEntry{{10, 1}, {10, 2}, {20, 3}} {
		s.BeginStackMapEntry(e.DexPc, e.NativePc, 0, nil, stackmap.Default, false)
		s.EndStackMapEntry()
	}
	s.BeginStackMapEntry(9, 30, 0, nil, stackmap.Catch, true)
	s.AddDexRegisterEntry(stackmap.None, 0)
	s.EndStackMapEntry()
	s.EndMethod(40)

	/* sorted by native pc, the first mapping of a pc wins */
	lt := BuildLineTable(stackmap.DecodeCodeInfo(s.Encode(), 0))
	assert.Equal(t, LineTable{{10, 1}, {20, 3}, {30, 9}}, lt)

	/* lookups */
	_, ok := lt.Lookup(5)
	assert.False(t, ok)
	for pc, want := range map[uint32]uint32{10: 1, 15: 1, 20: 3, 29: 3, 100: 9} {
		got, ok := lt.Lookup(pc)
		assert.True(t, ok)
		assert.Equal(t, want, got, "pc %d", pc)
	}
}

func TestLineTable_Compiled(t *testing.T) {
	for _, arch := range targets {
		b := hir.NewBuilder("lines", hir.MethodRef{Index: 1}, hir.MustParseShorty("VL"), true, 1)
		obj := b.Parameter(0)
		b.SetVReg(0, obj)
		b.SetDexPC(2)
		b.NullCheck(obj)
		b.SetDexPC(5)
		b.InvokeStatic(hir.MethodRef{Index: 2}, hir.MustParseShorty("VL"), obj)
		b.ReturnVoid()
		cm := compile(t, arch, b.Finish(), nil)
		lt := BuildLineTable(cm.CodeInfo())

		/* ordered, and every stack map is found */
		require.NotEmpty(t, lt)
		for i := 1; i < len(lt); i++ {
			assert.Less(t, lt[i-1].NativePc, lt[i].NativePc)
		}
		for _, e := range lt {
			dexPc, ok := lt.Lookup(e.NativePc)
			assert.True(t, ok)
			assert.Equal(t, e.DexPc, dexPc)
		}
	}
}
