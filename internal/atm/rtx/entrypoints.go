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

package rtx

import (
	"fmt"

	"github.com/cloudwego/dexcc/internal/atm/hir"
)

// Entrypoint is a runtime function called by the generated code through the
// entrypoint table of the current thread.
type Entrypoint uint8

const (
	DeliverException Entrypoint = iota
	ThrowNullPointer
	ThrowArrayBounds
	ThrowDivZero
	ThrowStackOverflow
	TestSuspend
	Deoptimize
	AllocObject
	ReadBarrierMark
	InvokeStaticTrampoline
	BitCountInt
	BitCountLong
	NumEntrypoints
)

type _Entry struct {
	name     string
	shorty   string
	noreturn bool
	tramp    bool
}

var _Entries = [...]_Entry{
	DeliverException:       {name: "pDeliverException", shorty: "VL", noreturn: true},
	ThrowNullPointer:       {name: "pThrowNullPointer", shorty: "V", noreturn: true},
	ThrowArrayBounds:       {name: "pThrowArrayBounds", shorty: "VII", noreturn: true},
	ThrowDivZero:           {name: "pThrowDivZero", shorty: "V", noreturn: true},
	ThrowStackOverflow:     {name: "pThrowStackOverflow", shorty: "V", noreturn: true},
	TestSuspend:            {name: "pTestSuspend", shorty: "V"},
	Deoptimize:             {name: "pDeoptimize", shorty: "VI", noreturn: true},
	AllocObject:            {name: "pAllocObject", shorty: "LI"},
	ReadBarrierMark:        {name: "pReadBarrierMark", shorty: "LL"},
	InvokeStaticTrampoline: {name: "pInvokeStaticTrampoline", shorty: "V", tramp: true},
	BitCountInt:            {name: "pBitCountInt", shorty: "II"},
	BitCountLong:           {name: "pBitCountLong", shorty: "IJ"},
}

var _Signatures [NumEntrypoints]hir.Signature

func init() {
	for i, e := range _Entries {
		_Signatures[i] = hir.MustParseShorty(e.shorty)
	}
}

func (self Entrypoint) entry() *_Entry {
	if self >= NumEntrypoints {
		panic(fmt.Sprintf("rtx: invalid entrypoint %d", self))
	} else {
		return &_Entries[self]
	}
}

func (self Entrypoint) String() string {
	if self >= NumEntrypoints {
		return fmt.Sprintf("entrypoint(%d)", self)
	} else {
		return _Entries[self].name
	}
}

// Signature returns the arguments and the result of the entrypoint.
func (self Entrypoint) Signature() hir.Signature {
	self.entry()
	return _Signatures[self]
}

// NoReturn reports whether the entrypoint never returns to the caller, it
// either throws or transfers control to the interpreter.
func (self Entrypoint) NoReturn() bool {
	return self.entry().noreturn
}

// IsTrampoline reports whether the entrypoint is entered in place of a
// managed callee. A trampoline keeps the managed arguments in place and finds
// the method index in the hidden argument register.
func (self Entrypoint) IsTrampoline() bool {
	return self.entry().tramp
}

// Offset returns the offset of the entrypoint from the thread register.
func (self Entrypoint) Offset(ptrSize int) int {
	self.entry()
	return EntrypointsOffset(ptrSize) + int(self)*checkPtrSize(ptrSize)
}
