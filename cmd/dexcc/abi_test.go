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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cloudwego/dexcc/internal/atm/abi"
	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/isa"
)

func TestPrintManaged(t *testing.T) {
	for _, arch := range []isa.InstructionSet{isa.X86_64, isa.Arm64} {
		sig := hir.MustParseShorty("JIJF")
		buf := new(strings.Builder)
		printManaged(buf, abi.NewManagedConvention(arch, sig, false), sig, arch)
		out := buf.String()
		t.Log(out)

		/* the receiver and three arguments */
		for _, s := range []string{"method", "arg 0", "arg 1", "arg 2", "arg 3", "return", "stack args"} {
			assert.Contains(t, out, s, arch.String())
		}
		assert.NotContains(t, out, "arg 4")
	}
}

func TestPrintJni(t *testing.T) {
	sig := hir.MustParseShorty("II")
	buf := new(strings.Builder)
	printJni(buf, abi.NewJniConvention(isa.Arm64, sig, true, false, true), isa.Arm64)
	out := buf.String()
	assert.Contains(t, out, "critical=true")
	assert.Contains(t, out, "hidden arg")
	assert.Contains(t, out, "tail call")
	assert.NotContains(t, out, "synthetic")

	/* a normal native method gets JNIEnv and the class */
	buf.Reset()
	printJni(buf, abi.NewJniConvention(isa.Arm64, sig, true, false, false), isa.Arm64)
	assert.Equal(t, 2, strings.Count(buf.String(), "synthetic"))
}

func TestPrintJni_NonCritical(t *testing.T) {
	for _, arch := range []isa.InstructionSet{isa.X86_64, isa.Arm64, isa.X86, isa.Arm} {
		sig := hir.MustParseShorty("JIL")
		buf := new(strings.Builder)
		assert.NotPanics(t, func() {
			printJni(buf, abi.NewJniConvention(arch, sig, false, true, false), arch)
		}, arch.String())
		out := buf.String()
		assert.Contains(t, out, "out frame", arch.String())
		assert.NotContains(t, out, "tail call", arch.String())
		assert.NotContains(t, out, "hidden arg", arch.String())
	}
}

func TestLocName(t *testing.T) {
	assert.Equal(t, isa.X86_64.CoreRegisterName(7), locName(isa.X86_64, hir.RegisterLocation(7)))
	assert.Equal(t, isa.Arm64.FpRegisterName(2), locName(isa.Arm64, hir.FpuRegisterLocation(2)))
	assert.Equal(t, hir.StackSlotLocation(8).String(), locName(isa.Arm64, hir.StackSlotLocation(8)))
}
