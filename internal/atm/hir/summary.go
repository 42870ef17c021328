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
	"math/bits"
	"strings"

	"github.com/cloudwego/dexcc/internal/utils"
)

// CallKind tells whether an instruction calls out of the generated code.
type CallKind uint8

const (
	NoCall CallKind = iota
	CallOnSlowPath
	CallOnMainOnly
)

var _CallKindNames = [...]string{
	NoCall:         "no-call",
	CallOnSlowPath: "call-on-slow-path",
	CallOnMainOnly: "call-on-main-only",
}

func (self CallKind) String() string {
	return _CallKindNames[self]
}

// RegisterSet is a pair of register masks, one per register file.
type RegisterSet struct {
	Core uint32
	Fp   uint32
}

// Add adds every register used by the location.
func (self *RegisterSet) Add(loc Location) {
	switch loc.Kind() {
	case KindRegister:
		self.Core |= 1 << loc.lo
	case KindRegisterPair:
		self.Core |= 1<<loc.lo | 1<<loc.hi
	case KindFpuRegister:
		self.Fp |= 1 << loc.lo
	case KindFpuRegisterPair:
		self.Fp |= 1<<loc.lo | 1<<loc.hi
	}
}

// ContainsCore reports whether the core register is in the set.
func (self RegisterSet) ContainsCore(r int) bool {
	return self.Core&(1<<uint(r)) != 0
}

// ContainsFp reports whether the floating point register is in the set.
func (self RegisterSet) ContainsFp(r int) bool {
	return self.Fp&(1<<uint(r)) != 0
}

// Count returns the number of registers in both files.
func (self RegisterSet) Count() int {
	return bits.OnesCount32(self.Core) + bits.OnesCount32(self.Fp)
}

func (self RegisterSet) String() string {
	return fmt.Sprintf("{core=%#x fp=%#x}", self.Core, self.Fp)
}

// LocationSummary describes where the inputs, output and temporaries of one
// instruction live, and which registers and stack slots hold objects at it.
//
// A summary is filled by the register allocator and sealed when the code
// generator visits its instruction. After sealing only the GC bitsets may
// still change.
type LocationSummary struct {
	in     []Location
	out    Location
	temps  []Location
	call   CallKind
	live   RegisterSet
	regs   uint32
	stack  utils.Bitmap
	sealed bool
}

// NewLocationSummary creates a summary with n invalid inputs.
func NewLocationSummary(n int, call CallKind) *LocationSummary {
	return &LocationSummary{
		in:   make([]Location, n),
		call: call,
	}
}

func (self *LocationSummary) mutate() {
	if self.sealed {
		panic("hir: location summary is sealed")
	}
}

// Seal forbids further changes except to the GC bitsets.
func (self *LocationSummary) Seal() {
	self.sealed = true
}

// Sealed reports whether the summary has been sealed.
func (self *LocationSummary) Sealed() bool {
	return self.sealed
}

func (self *LocationSummary) SetInAt(i int, loc Location) {
	self.mutate()
	self.in[i] = loc
}

func (self *LocationSummary) SetOut(loc Location) {
	self.mutate()
	self.out = loc
}

func (self *LocationSummary) AddTemp(loc Location) {
	self.mutate()
	self.temps = append(self.temps, loc)
}

func (self *LocationSummary) SetLiveRegisters(rs RegisterSet) {
	self.mutate()
	self.live = rs
}

// SetRegisterBit marks a core register as holding an object reference.
func (self *LocationSummary) SetRegisterBit(r int) {
	self.mutate()
	self.regs |= 1 << uint(r)
}

func (self *LocationSummary) InAt(i int) Location { return self.in[i] }
func (self *LocationSummary) Out() Location { return self.out }
func (self *LocationSummary) TempAt(i int) Location { return self.temps[i] }
func (self *LocationSummary) NumInputs() int { return len(self.in) }
func (self *LocationSummary) NumTemps() int { return len(self.temps) }
func (self *LocationSummary) CallKind() CallKind { return self.call }
func (self *LocationSummary) LiveRegisters() RegisterSet { return self.live }

// RegisterMask returns the core registers holding object references.
func (self *LocationSummary) RegisterMask() uint32 {
	return self.regs
}

// RegisterContainsObject reports whether the core register holds an object reference.
func (self *LocationSummary) RegisterContainsObject(r int) bool {
	return self.regs&(1<<uint(r)) != 0
}

// SetStackBit marks the 4-byte stack slot as holding an object reference.
func (self *LocationSummary) SetStackBit(slot int) {
	self.stack.SetBit(slot)
}

// ClearStackBit unmarks a stack slot, used when a spill slot is proven dead.
func (self *LocationSummary) ClearStackBit(slot int) {
	self.stack.ClearBit(slot)
}

// StackMask returns the 4-byte stack slots holding object references.
func (self *LocationSummary) StackMask() *utils.Bitmap {
	return &self.stack
}

// WillCall reports whether the instruction always calls out.
func (self *LocationSummary) WillCall() bool {
	return self.call == CallOnMainOnly
}

// OnlyCallsOnSlowPath reports whether calls happen on the slow path only.
func (self *LocationSummary) OnlyCallsOnSlowPath() bool {
	return self.call == CallOnSlowPath
}

// CanCall reports whether the instruction may call out at all.
func (self *LocationSummary) CanCall() bool {
	return self.call != NoCall
}

// Registers returns every register named by the inputs, the output and the temporaries.
func (self *LocationSummary) Registers() (rs RegisterSet) {
	for _, v := range self.in {
		rs.Add(v)
	}
	for _, v := range self.temps {
		rs.Add(v)
	}
	rs.Add(self.out)
	return
}

func (self *LocationSummary) String() string {
	in := make([]string, len(self.in))
	for i, v := range self.in {
		in[i] = v.String()
	}
	return fmt.Sprintf(
		"%s <- (%s) %s live=%s regs=%#x stack=%s",
		self.out,
		strings.Join(in, ", "),
		self.call,
		self.live,
		self.regs,
		self.stack,
	)
}
