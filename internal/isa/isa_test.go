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

package isa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestISA_Parse(t *testing.T) {
	for name, want := range map[string]InstructionSet{
		"arm":     Arm,
		"Thumb2":  Arm,
		"aarch64": Arm64,
		"i386":    X86,
		"amd64":   X86_64,
		"x86_64 ": X86_64,
	} {
		v, err := Parse(name)
		require.NoError(t, err)
		assert.Equal(t, want, v, name)
	}
	_, err := Parse("mips")
	require.Error(t, err)
}

func TestISA_Constants(t *testing.T) {
	assert.Equal(t, 8, Arm.StackAlignment())
	assert.Equal(t, 16, Arm64.StackAlignment())
	assert.Equal(t, 16, X86.StackAlignment())
	assert.Equal(t, 16, X86_64.StackAlignment())
	assert.Equal(t, 4, X86.PointerSize())
	assert.Equal(t, 8, Arm64.PointerSize())
	assert.True(t, X86_64.CallPushesPC())
	assert.False(t, Arm64.CallPushesPC())
	assert.Equal(t, "lr", Arm64.CoreRegisterName(30))
	assert.Equal(t, "xmm3", X86_64.FpRegisterName(3))
	assert.Equal(t, 32, Arm64.NumberOfCoreRegisters())
}

func TestISA_PackNativePc(t *testing.T) {
	assert.Equal(t, uint32(4), Arm64.PackNativePc(16))
	assert.Equal(t, uint32(16), Arm64.UnpackNativePc(4))
	assert.Equal(t, uint32(17), X86_64.PackNativePc(17))
	assert.Panics(t, func() { Arm64.PackNativePc(6) })
}

func TestISA_Features(t *testing.T) {
	f := DefaultFeatures(X86_64)
	assert.False(t, f.HasPopCount())
	assert.Equal(t, "x86_64(default)", f.String())
	f.POPCNT = true
	assert.True(t, f.HasPopCount())
	assert.Equal(t, "x86_64(popcnt)", f.String())
	assert.False(t, Features{ISA: Arm64, POPCNT: true}.HasPopCount())
	d := DetectFeatures(X86_64)
	assert.Equal(t, X86_64, d.ISA)
}
