/*
 * Copyright 2022 CloudWeGo Authors
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

package opts

import (
	"go.uber.org/zap"

	"github.com/cloudwego/dexcc/internal/isa"
)

// Options is the compiler configuration. It is built once before a batch
// starts and is read-only afterwards, every code generator gets a copy.
type Options struct {
	ISA                             isa.InstructionSet
	Features                        isa.Features
	DetectHostFeatures              bool
	EmitReadBarrierChecks           bool
	ImplicitStackOverflowChecks     bool
	StackOverflowReserved           int
	Baseline                        bool
	Debuggable                      bool
	VerifyStackMaps                 bool
	MaxDexRegisterMapSearchDistance int
	Workers                         int
	Logger                          *zap.Logger
}

// UseFeatures resolves the instruction set features the code generator may use.
func (self *Options) UseFeatures() isa.Features {
	if self.Features.ISA == self.ISA {
		return self.Features
	} else if self.DetectHostFeatures {
		return isa.DetectFeatures(self.ISA)
	} else {
		return isa.DefaultFeatures(self.ISA)
	}
}

// Validate panics if the options are inconsistent.
func (self *Options) Validate() {
	if !self.ISA.Valid() {
		panic("dexcc: invalid instruction set: " + self.ISA.String())
	}
	if self.MaxDexRegisterMapSearchDistance <= 0 {
		panic("dexcc: invalid dex register search distance")
	}
	if self.Workers <= 0 {
		panic("dexcc: invalid worker count")
	}
	if self.StackOverflowReserved < 0 {
		panic("dexcc: invalid stack overflow reservation")
	}
	if self.Logger == nil {
		panic("dexcc: nil logger")
	}
}

func GetDefaultOptions() Options {
	return Options{
		ISA:                             isa.X86_64,
		ImplicitStackOverflowChecks:     true,
		StackOverflowReserved:           StackOverflowReserved,
		MaxDexRegisterMapSearchDistance: MaxDexRegisterMapSearchDistance,
		Workers:                         Workers,
		Logger:                          zap.NewNop(),
	}
}
