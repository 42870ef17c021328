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
)

// LocationKind is the tag of a Location.
type LocationKind uint8

const (
	KindInvalid LocationKind = iota
	KindConstant
	KindStackSlot
	KindDoubleStackSlot
	KindRegister
	KindRegisterPair
	KindFpuRegister
	KindFpuRegisterPair
	KindUnallocated
)

var _KindNames = [...]string{
	KindInvalid:         "invalid",
	KindConstant:        "constant",
	KindStackSlot:       "stack",
	KindDoubleStackSlot: "double-stack",
	KindRegister:        "register",
	KindRegisterPair:    "register-pair",
	KindFpuRegister:     "fpu-register",
	KindFpuRegisterPair: "fpu-register-pair",
	KindUnallocated:     "unallocated",
}

func (self LocationKind) String() string {
	return _KindNames[self]
}

// Policy tells the register allocator how to place an unallocated location.
type Policy uint8

const (
	PolicyAny Policy = iota
	PolicyRequiresRegister
	PolicyRequiresFpuRegister
	PolicySameAsFirstInput
)

var _PolicyNames = [...]string{
	PolicyAny:                 "any",
	PolicyRequiresRegister:    "reg",
	PolicyRequiresFpuRegister: "fpu",
	PolicySameAsFirstInput:    "same",
}

// Location describes where one IR value lives. The zero Location is invalid.
//
// Locations are immutable values, and can only be built with the constructor
// of each kind, which makes inconsistent combinations (a register pair with a
// stack offset, say) impossible.
type Location struct {
	kind   LocationKind
	policy Policy
	lo     uint8
	hi     uint8
	off    int32
	cst    *Instr
}

// NoLocation returns the invalid location.
func NoLocation() Location {
	return Location{}
}

// AnyLocation returns an unallocated location the allocator may place anywhere.
func AnyLocation() Location {
	return Location{kind: KindUnallocated, policy: PolicyAny}
}

// UnallocatedLocation returns a location to be resolved by the register allocator.
func UnallocatedLocation(policy Policy) Location {
	return Location{kind: KindUnallocated, policy: policy}
}

// RegisterLocation returns a core register location.
func RegisterLocation(reg int) Location {
	return Location{kind: KindRegister, lo: checkReg(reg)}
}

// RegisterPairLocation returns a pair of core registers holding a 64-bit value.
func RegisterPairLocation(low int, high int) Location {
	return Location{kind: KindRegisterPair, lo: checkReg(low), hi: checkReg(high)}
}

// FpuRegisterLocation returns a floating point register location.
func FpuRegisterLocation(reg int) Location {
	return Location{kind: KindFpuRegister, lo: checkReg(reg)}
}

// FpuRegisterPairLocation returns a pair of single precision registers
// holding one double precision value.
func FpuRegisterPairLocation(low int, high int) Location {
	if low%2 != 0 || high != low+1 {
		panic(fmt.Sprintf("hir: invalid fpu register pair (%d, %d)", low, high))
	}
	return Location{kind: KindFpuRegisterPair, lo: checkReg(low), hi: checkReg(high)}
}

// StackSlotLocation returns a 4-byte stack slot at the byte offset from the stack pointer.
func StackSlotLocation(offset int) Location {
	return Location{kind: KindStackSlot, off: checkSlot(offset)}
}

// DoubleStackSlotLocation returns an 8-byte stack slot at the byte offset from the stack pointer.
func DoubleStackSlotLocation(offset int) Location {
	return Location{kind: KindDoubleStackSlot, off: checkSlot(offset)}
}

// ConstantLocation refers to a constant instruction, materialized at its uses.
func ConstantLocation(cst *Instr) Location {
	if cst == nil || cst.Op != OpConstant {
		panic("hir: constant location requires a constant instruction")
	}
	return Location{kind: KindConstant, cst: cst}
}

func checkReg(reg int) uint8 {
	if reg < 0 || reg > 0xff {
		panic(fmt.Sprintf("hir: invalid register number %d", reg))
	}
	return uint8(reg)
}

func checkSlot(off int) int32 {
	if off < 0 || off%4 != 0 {
		panic(fmt.Sprintf("hir: invalid stack slot offset %d", off))
	}
	return int32(off)
}

/** Kind Predicates **/

func (self Location) Kind() LocationKind { return self.kind }
func (self Location) IsValid() bool { return self.kind != KindInvalid }
func (self Location) IsInvalid() bool { return self.kind == KindInvalid }
func (self Location) IsConstant() bool { return self.kind == KindConstant }
func (self Location) IsStackSlot() bool { return self.kind == KindStackSlot }
func (self Location) IsDoubleStack() bool { return self.kind == KindDoubleStackSlot }
func (self Location) IsRegister() bool { return self.kind == KindRegister }
func (self Location) IsRegisterPair() bool { return self.kind == KindRegisterPair }
func (self Location) IsFpuRegister() bool { return self.kind == KindFpuRegister }
func (self Location) IsFpuRegisterPair() bool { return self.kind == KindFpuRegisterPair }
func (self Location) IsUnallocated() bool { return self.kind == KindUnallocated }

// IsAny reports whether the location is an unallocated location with the "any" policy.
func (self Location) IsAny() bool {
	return self.kind == KindUnallocated && self.policy == PolicyAny
}

// IsStack reports whether the location is a stack slot of either width.
func (self Location) IsStack() bool {
	return self.kind == KindStackSlot || self.kind == KindDoubleStackSlot
}

// IsCoreRegister reports whether the location uses the core register file.
func (self Location) IsCoreRegister() bool {
	return self.kind == KindRegister || self.kind == KindRegisterPair
}

// IsFpu reports whether the location uses the floating point register file.
func (self Location) IsFpu() bool {
	return self.kind == KindFpuRegister || self.kind == KindFpuRegisterPair
}

/** Accessors **/

func (self Location) must(kinds ...LocationKind) {
	for _, k := range kinds {
		if self.kind == k {
			return
		}
	}
	panic(fmt.Sprintf("hir: %s location has no such field", self.kind))
}

// Reg returns the register of a register or fpu register location.
func (self Location) Reg() int {
	self.must(KindRegister, KindFpuRegister)
	return int(self.lo)
}

// Low returns the low half of a pair, or the register itself.
func (self Location) Low() int {
	self.must(KindRegister, KindFpuRegister, KindRegisterPair, KindFpuRegisterPair)
	return int(self.lo)
}

// High returns the high half of a pair.
func (self Location) High() int {
	self.must(KindRegisterPair, KindFpuRegisterPair)
	return int(self.hi)
}

// Offset returns the byte offset of a stack slot from the stack pointer.
func (self Location) Offset() int {
	self.must(KindStackSlot, KindDoubleStackSlot)
	return int(self.off)
}

// HighOffset returns the byte offset of the high word of a stack slot.
func (self Location) HighOffset() int {
	self.must(KindDoubleStackSlot)
	return int(self.off) + 4
}

// Constant returns the constant instruction of a constant location.
func (self Location) Constant() *Instr {
	self.must(KindConstant)
	return self.cst
}

// Policy returns the allocation policy of an unallocated location.
func (self Location) Policy() Policy {
	self.must(KindUnallocated)
	return self.policy
}

// Equals compares two locations. Constants compare by instruction identity.
func (self Location) Equals(other Location) bool {
	return self == other
}

// Overlaps reports whether the two locations share any storage.
func (self Location) Overlaps(other Location) bool {
	switch {
	case self.IsCoreRegister() && other.IsCoreRegister():
		return self.coreMask()&other.coreMask() != 0
	case self.IsFpu() && other.IsFpu():
		return self.fpMask()&other.fpMask() != 0
	case self.IsStack() && other.IsStack():
		a0, a1 := self.off, self.off+int32(self.stackSize())
		b0, b1 := other.off, other.off+int32(other.stackSize())
		return a0 < b1 && b0 < a1
	default:
		return false
	}
}

func (self Location) stackSize() int {
	if self.kind == KindDoubleStackSlot {
		return 8
	} else {
		return 4
	}
}

func (self Location) coreMask() uint64 {
	switch self.kind {
	case KindRegister:
		return 1 << self.lo
	case KindRegisterPair:
		return 1<<self.lo | 1<<self.hi
	default:
		return 0
	}
}

func (self Location) fpMask() uint64 {
	switch self.kind {
	case KindFpuRegister:
		return 1 << self.lo
	case KindFpuRegisterPair:
		return 1<<self.lo | 1<<self.hi
	default:
		return 0
	}
}

func (self Location) String() string {
	switch self.kind {
	case KindInvalid:
		return "invalid"
	case KindConstant:
		return fmt.Sprintf("#%d", self.cst.Iv)
	case KindStackSlot:
		return fmt.Sprintf("[sp+%d]", self.off)
	case KindDoubleStackSlot:
		return fmt.Sprintf("[sp+%d]:8", self.off)
	case KindRegister:
		return fmt.Sprintf("r%d", self.lo)
	case KindRegisterPair:
		return fmt.Sprintf("(r%d,r%d)", self.lo, self.hi)
	case KindFpuRegister:
		return fmt.Sprintf("f%d", self.lo)
	case KindFpuRegisterPair:
		return fmt.Sprintf("(f%d,f%d)", self.lo, self.hi)
	case KindUnallocated:
		return "unalloc(" + _PolicyNames[self.policy] + ")"
	default:
		panic("unreachable")
	}
}

// CheckType reports whether a location can hold a value of the given type.
func CheckType(vt DataType, loc Location) bool {
	switch {
	case loc.IsFpuRegister() || (loc.IsUnallocated() && loc.policy == PolicyRequiresFpuRegister):
		return vt.IsFloatingPoint()
	case loc.IsRegister() || (loc.IsUnallocated() && loc.policy == PolicyRequiresRegister):
		return vt.IsIntegral() || vt == Reference
	case loc.IsRegisterPair():
		return vt == Int64 || vt == Uint64
	case loc.IsFpuRegisterPair():
		return vt == Float64
	case loc.IsStackSlot():
		return (vt.IsIntegral() && !vt.Is64Bit()) || vt == Float32 || vt == Reference
	case loc.IsDoubleStack():
		return vt.Is64Bit()
	case loc.IsConstant():
		return true
	default:
		return loc.IsInvalid() || loc.IsAny()
	}
}
