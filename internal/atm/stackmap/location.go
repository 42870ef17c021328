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

package stackmap

import (
	"fmt"
)

// Kind is the kind of a stack map.
type Kind uint8

const (
	Default Kind = iota
	Catch
	OSR
	Debug
)

var _KindNames = [...]string{
	Default: "default",
	Catch:   "catch",
	OSR:     "osr",
	Debug:   "debug",
}

func (self Kind) String() string {
	if int(self) < len(_KindNames) {
		return _KindNames[self]
	} else {
		return fmt.Sprintf("kind(%d)", self)
	}
}

// LocationKind tells where a dex register is stored.
type LocationKind uint8

const (
	None LocationKind = iota
	InStack
	InRegister
	InRegisterHigh
	InFpuRegister
	InFpuRegisterHigh
	Constant
	Invalid
)

var _LocationNames = [...]string{
	None:              "none",
	InStack:           "stack",
	InRegister:        "reg",
	InRegisterHigh:    "reg_hi",
	InFpuRegister:     "fpu",
	InFpuRegisterHigh: "fpu_hi",
	Constant:          "const",
	Invalid:           "invalid",
}

func (self LocationKind) String() string {
	if int(self) < len(_LocationNames) {
		return _LocationNames[self]
	} else {
		return fmt.Sprintf("location(%d)", self)
	}
}

// DexRegisterLocation is the storage of one dex register at a stack map.
// Value is a byte offset from the stack pointer for InStack, a register
// number, or the constant itself.
type DexRegisterLocation struct {
	Kind  LocationKind
	Value int32
}

func (self DexRegisterLocation) IsLive() bool {
	return self.Kind != None && self.Kind != Invalid
}

func (self DexRegisterLocation) String() string {
	switch self.Kind {
	case None, Invalid:
		return self.Kind.String()
	case InStack:
		return fmt.Sprintf("sp+%d", self.Value)
	case Constant:
		return fmt.Sprintf("#%d", self.Value)
	default:
		return fmt.Sprintf("%s%d", self.Kind, self.Value)
	}
}

const (
	_FrameSlotSize = 4
)

func (self DexRegisterLocation) pack() uint32 {
	switch self.Kind {
	case None:
		return 0
	case InStack:
		if self.Value < 0 || self.Value%_FrameSlotSize != 0 {
			panic(fmt.Sprintf("stackmap: misaligned stack slot %d", self.Value))
		}
		return uint32(self.Value / _FrameSlotSize)
	case Constant:
		return uint32(self.Value)
	case InRegister, InRegisterHigh, InFpuRegister, InFpuRegisterHigh:
		if self.Value < 0 {
			panic(fmt.Sprintf("stackmap: invalid register %d", self.Value))
		}
		return uint32(self.Value)
	default:
		panic("stackmap: invalid dex register location: " + self.Kind.String())
	}
}

func unpackLocation(kind uint32, v uint32) DexRegisterLocation {
	switch k := LocationKind(kind); k {
	case InStack:
		return DexRegisterLocation{Kind: k, Value: int32(v * _FrameSlotSize)}
	case None, InRegister, InRegisterHigh, InFpuRegister, InFpuRegisterHigh, Constant:
		return DexRegisterLocation{Kind: k, Value: int32(v)}
	default:
		panic(fmt.Sprintf("stackmap: corrupted dex register kind %d", kind))
	}
}

// DexRegisterMap is the location of every dex register of a frame.
type DexRegisterMap []DexRegisterLocation

// HasAnyLiveDexRegisters reports whether any register is live.
func (self DexRegisterMap) HasAnyLiveDexRegisters() bool {
	for _, v := range self {
		if v.IsLive() {
			return true
		}
	}
	return false
}

func (self DexRegisterMap) String() string {
	buf := make([]byte, 0, len(self)*8)
	for i, v := range self {
		if i != 0 {
			buf = append(buf, ' ')
		}
		buf = fmt.Appendf(buf, "v%d=%s", i, v)
	}
	return "[" + string(buf) + "]"
}
