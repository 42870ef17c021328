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

	"github.com/cloudwego/dexcc/internal/atm/stackmap"
	"github.com/cloudwego/dexcc/internal/isa"
)

// CompiledMethod is what the container writer receives for one method.
type CompiledMethod struct {
	Name            string
	ISA             isa.InstructionSet
	Code            []byte
	StackMap        []byte
	FrameSize       int
	CoreSpillMask   uint32
	FpSpillMask     uint32
	NumDexRegisters int
	Baseline        bool
}

// CodeInfo decodes the stack maps of the method.
func (self *CompiledMethod) CodeInfo() *stackmap.CodeInfo {
	return stackmap.DecodeCodeInfo(self.StackMap, 0)
}

func (self *CompiledMethod) String() string {
	return fmt.Sprintf(
		"%s (%s): code=%d stackmap=%d frame=%d core=%#x fp=%#x",
		self.Name,
		self.ISA,
		len(self.Code),
		len(self.StackMap),
		self.FrameSize,
		self.CoreSpillMask,
		self.FpSpillMask,
	)
}
