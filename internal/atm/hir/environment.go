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
	"fmt"
	"strings"
)

// MethodRef identifies a method. Pointer is the runtime method pointer when it
// is known at compile time (JIT), zero otherwise.
type MethodRef struct {
	Index   uint32
	Pointer uint64
}

func (self MethodRef) String() string {
	if self.Pointer == 0 {
		return fmt.Sprintf("method@%d", self.Index)
	} else {
		return fmt.Sprintf("method@%d(%#x)", self.Index, self.Pointer)
	}
}

// EnvSlot is one dex register of a frame. A nil Value means the register is
// dead, or holds the high half of the 64-bit value in the register before.
type EnvSlot struct {
	Value *Instr
	Loc   Location
}

// Frame is the state of one (possibly inlined) method at a safepoint.
type Frame struct {
	DexPC  uint32
	Method MethodRef
	Slots  []EnvSlot
}

// Environment is the inlining stack at a safepoint, outermost frame first.
// The parents of frame i are the frames before it.
type Environment struct {
	Frames []Frame
}

// Depth returns the inlining depth, zero when nothing is inlined.
func (self *Environment) Depth() int {
	return len(self.Frames) - 1
}

// Outermost returns the frame of the method being compiled.
func (self *Environment) Outermost() *Frame {
	return &self.Frames[0]
}

// Innermost returns the frame the safepoint instruction belongs to.
func (self *Environment) Innermost() *Frame {
	return &self.Frames[len(self.Frames)-1]
}

// Parents returns the enclosing frames of frame i.
func (self *Environment) Parents(i int) []Frame {
	return self.Frames[:i]
}

// NumVRegs returns the number of dex registers in every frame.
func (self *Environment) NumVRegs() (n int) {
	for i := range self.Frames {
		n += len(self.Frames[i].Slots)
	}
	return
}

// Validate panics if the environment is malformed.
func (self *Environment) Validate() {
	if len(self.Frames) == 0 {
		panic("hir: empty environment")
	}
	for i := range self.Frames {
		s := self.Frames[i].Slots
		for j := 0; j < len(s); j++ {
			if v := s[j].Value; v != nil && v.Type.Is64Bit() {
				if j++; j >= len(s) || s[j].Value != nil {
					panic(fmt.Sprintf("hir: 64-bit value in vreg %d of frame %d lacks a free high half", j-1, i))
				}
			}
		}
	}
}

// Clone returns a deep copy, so locations can be filled per safepoint.
func (self *Environment) Clone() *Environment {
	ret := &Environment{Frames: make([]Frame, len(self.Frames))}
	for i, f := range self.Frames {
		ret.Frames[i] = Frame{
			DexPC:  f.DexPC,
			Method: f.Method,
			Slots:  append([]EnvSlot(nil), f.Slots...),
		}
	}
	return ret
}

func (self *Environment) String() string {
	var sb strings.Builder
	for i, f := range self.Frames {
		if i != 0 {
			sb.WriteString(" > ")
		}
		fmt.Fprintf(&sb, "%s@%d[", f.Method, f.DexPC)
		for j, s := range f.Slots {
			if j != 0 {
				sb.WriteByte(' ')
			}
			if s.Value == nil {
				sb.WriteByte('-')
			} else {
				fmt.Fprintf(&sb, "v%d:%s", s.Value.Id, s.Loc)
			}
		}
		sb.WriteByte(']')
	}
	return sb.String()
}
