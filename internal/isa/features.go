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
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Features describes the optional extensions the generated code may use.
type Features struct {
	ISA     InstructionSet
	POPCNT  bool
	SSE4_1  bool
	AVX     bool
	LZCNT   bool
	Atomics bool
	CRC32   bool
}

// DefaultFeatures returns the baseline feature set of an instruction set,
// which every CPU implementing it is guaranteed to support.
func DefaultFeatures(isa InstructionSet) Features {
	isa.must()
	return Features{ISA: isa}
}

// DetectFeatures queries the host CPU. It returns the baseline features of isa
// when isa is not the host instruction set.
func DetectFeatures(isa InstructionSet) Features {
	ret := DefaultFeatures(isa)

	/* only the host CPU can be queried */
	if isa != Host() {
		return ret
	}

	/* query the extensions we know how to use */
	switch isa {
	case X86, X86_64:
		ret.POPCNT = cpuid.CPU.Supports(cpuid.POPCNT)
		ret.SSE4_1 = cpuid.CPU.Supports(cpuid.SSE4)
		ret.AVX = cpuid.CPU.Supports(cpuid.AVX)
		ret.LZCNT = cpuid.CPU.Supports(cpuid.LZCNT)
	case Arm64:
		ret.Atomics = cpuid.CPU.Supports(cpuid.ATOMICS)
		ret.CRC32 = cpuid.CPU.Supports(cpuid.CRC32)
	}
	return ret
}

// HasPopCount reports whether a population count instruction can be emitted inline.
func (self Features) HasPopCount() bool {
	return (self.ISA == X86 || self.ISA == X86_64) && self.POPCNT
}

func (self Features) String() string {
	var ret []string
	add := func(ok bool, name string) {
		if ok {
			ret = append(ret, name)
		}
	}

	/* dump every enabled feature */
	add(self.POPCNT, "popcnt")
	add(self.SSE4_1, "sse4.1")
	add(self.AVX, "avx")
	add(self.LZCNT, "lzcnt")
	add(self.Atomics, "atomics")
	add(self.CRC32, "crc32")

	/* baseline only */
	if len(ret) == 0 {
		return self.ISA.String() + "(default)"
	} else {
		return self.ISA.String() + "(" + strings.Join(ret, ",") + ")"
	}
}
