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

// DataType is the type of an IR value.
type DataType uint8

const (
	Void DataType = iota
	Bool
	Int8
	Uint8
	Int16
	Uint16
	Int32
	Uint32
	Int64
	Uint64
	Float32
	Float64
	Reference
)

var _TypeNames = [...]string{
	Void:      "void",
	Bool:      "bool",
	Int8:      "int8",
	Uint8:     "uint8",
	Int16:     "int16",
	Uint16:    "uint16",
	Int32:     "int32",
	Uint32:    "uint32",
	Int64:     "int64",
	Uint64:    "uint64",
	Float32:   "float32",
	Float64:   "float64",
	Reference: "reference",
}

var _TypeSizes = [...]int{
	Void:      0,
	Bool:      1,
	Int8:      1,
	Uint8:     1,
	Int16:     2,
	Uint16:    2,
	Int32:     4,
	Uint32:    4,
	Int64:     8,
	Uint64:    8,
	Float32:   4,
	Float64:   8,
	Reference: 4,
}

func (self DataType) String() string {
	if int(self) < len(_TypeNames) {
		return _TypeNames[self]
	} else {
		return fmt.Sprintf("type(%d)", self)
	}
}

// Size returns the size of the type in bytes. References are compressed to 4 bytes.
func (self DataType) Size() int {
	return _TypeSizes[self]
}

// Is64Bit reports whether the value needs a 64-bit slot.
func (self DataType) Is64Bit() bool {
	return self == Int64 || self == Uint64 || self == Float64
}

// IsFloatingPoint reports whether the value lives in the floating point register file.
func (self DataType) IsFloatingPoint() bool {
	return self == Float32 || self == Float64
}

// IsIntegral reports whether the type is a boolean or an integer.
func (self DataType) IsIntegral() bool {
	return self >= Bool && self <= Uint64
}

// IsUnsigned reports whether the type is an unsigned integer.
func (self DataType) IsUnsigned() bool {
	return self == Bool || self == Uint8 || self == Uint16 || self == Uint32 || self == Uint64
}

// Kind maps the small integers to the type they are computed with.
func (self DataType) Kind() DataType {
	switch self {
	case Bool, Int8, Uint8, Int16, Uint16, Uint32:
		return Int32
	case Uint64:
		return Int64
	default:
		return self
	}
}

// VRegs returns the number of dex registers the type occupies.
func (self DataType) VRegs() int {
	switch {
	case self == Void:
		return 0
	case self.Is64Bit():
		return 2
	default:
		return 1
	}
}

// IsSmallInt reports whether the type is narrower than 32 bits, results of
// these types must be sign or zero extended by the producer.
func (self DataType) IsSmallInt() bool {
	return self >= Bool && self <= Uint16
}

var _Shorty = map[byte]DataType{
	'V': Void,
	'Z': Bool,
	'B': Int8,
	'C': Uint16,
	'S': Int16,
	'I': Int32,
	'J': Int64,
	'F': Float32,
	'D': Float64,
	'L': Reference,
}

// Shorty returns the dex shorty character of the type.
func (self DataType) Shorty() byte {
	switch self {
	case Void:
		return 'V'
	case Bool:
		return 'Z'
	case Int8, Uint8:
		return 'B'
	case Uint16:
		return 'C'
	case Int16:
		return 'S'
	case Int32, Uint32:
		return 'I'
	case Int64, Uint64:
		return 'J'
	case Float32:
		return 'F'
	case Float64:
		return 'D'
	case Reference:
		return 'L'
	default:
		panic("hir: invalid data type: " + self.String())
	}
}

// Signature is the return type and the ordered parameter types of a method,
// not counting the implicit receiver.
type Signature struct {
	Return DataType
	Params []DataType
}

// ParseShorty parses a dex shorty descriptor, return type first.
func ParseShorty(shorty string) (Signature, error) {
	var ok bool
	var ret Signature

	/* the return type must be present */
	if len(shorty) == 0 {
		return ret, fmt.Errorf("empty shorty")
	}

	/* parse the return type */
	if ret.Return, ok = _Shorty[shorty[0]]; !ok {
		return ret, fmt.Errorf("invalid shorty return type %q", shorty[0])
	}

	/* parse the parameters */
	for i := 1; i < len(shorty); i++ {
		if vt, ok := _Shorty[shorty[i]]; !ok || vt == Void {
			return ret, fmt.Errorf("invalid shorty parameter type %q at %d", shorty[i], i)
		} else {
			ret.Params = append(ret.Params, vt)
		}
	}
	return ret, nil
}

// MustParseShorty is like ParseShorty but panics on error.
func MustParseShorty(shorty string) Signature {
	if sig, err := ParseShorty(shorty); err != nil {
		panic("hir: " + err.Error())
	} else {
		return sig
	}
}

// Shorty returns the dex shorty descriptor of the signature.
func (self Signature) Shorty() string {
	sb := strings.Builder{}
	sb.WriteByte(self.Return.Shorty())
	for _, p := range self.Params {
		sb.WriteByte(p.Shorty())
	}
	return sb.String()
}

// VRegs returns the number of dex registers taken by the arguments.
func (self Signature) VRegs(static bool) (n int) {
	if !static {
		n++
	}
	for _, p := range self.Params {
		n += p.VRegs()
	}
	return
}

func (self Signature) String() string {
	ret := make([]string, len(self.Params))
	for i, p := range self.Params {
		ret[i] = p.String()
	}
	return fmt.Sprintf("(%s) -> %s", strings.Join(ret, ", "), self.Return)
}
