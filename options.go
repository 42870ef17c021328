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

package dexcc

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cloudwego/dexcc/internal/isa"
	"github.com/cloudwego/dexcc/internal/opts"
)

// Option is the property setter function for opts.Options.
type Option func(*opts.Options)

// WithISA selects the instruction set to generate code for. Only 64-bit
// instruction sets have a code generator.
func WithISA(arch isa.InstructionSet) Option {
	if !arch.Valid() {
		panic(fmt.Sprintf("dexcc: invalid instruction set: %s", arch))
	} else {
		return func(o *opts.Options) { o.ISA = arch }
	}
}

// WithFeatures sets the instruction set features the generated code may use,
// they must belong to the selected instruction set.
func WithFeatures(feat isa.Features) Option {
	return func(o *opts.Options) { o.Features = feat }
}

// WithHostFeatures uses the features of the host CPU when it runs the
// selected instruction set, instead of the baseline ones.
func WithHostFeatures(v bool) Option {
	return func(o *opts.Options) { o.DetectHostFeatures = v }
}

// WithReadBarrierChecks makes every reference load test the marking state
// of the collector, and mark the loaded object while it is marking.
func WithReadBarrierChecks(v bool) Option {
	return func(o *opts.Options) { o.EmitReadBarrierChecks = v }
}

// WithStackOverflowChecks selects how the prologue detects stack overflows.
//
// Implicit checks touch the stack reserved bytes below the frame and rely on
// the guard page, explicit checks compare the stack pointer with the stack
// end of the thread.
//
// The default is implicit checks with 8192 reserved bytes.
func WithStackOverflowChecks(implicit bool, reserved int) Option {
	if reserved < 0 {
		panic(fmt.Sprintf("dexcc: invalid stack overflow reservation: %d", reserved))
	} else {
		return func(o *opts.Options) { o.ImplicitStackOverflowChecks, o.StackOverflowReserved = implicit, reserved }
	}
}

// WithBaseline marks the compiled methods as baseline code.
func WithBaseline(v bool) Option {
	return func(o *opts.Options) { o.Baseline = v }
}

// WithDebuggable marks the compiled methods as debuggable.
func WithDebuggable(v bool) Option {
	return func(o *opts.Options) { o.Debuggable = v }
}

// WithVerifyStackMaps decodes every encoded stack map again and compares it
// with what was recorded. This is slow and meant for testing.
func WithVerifyStackMaps(v bool) Option {
	return func(o *opts.Options) { o.VerifyStackMaps = v }
}

// WithDexRegisterSearchDistance bounds how many stack maps back a dex
// register location may be stored.
//
// This value can also be configured with the
// `DEXCC_MAX_DEX_REGISTER_SEARCH_DISTANCE` environment variable.
//
// The default value of this option is "32".
func WithDexRegisterSearchDistance(n int) Option {
	if n <= 0 {
		panic(fmt.Sprintf("dexcc: invalid dex register search distance: %d", n))
	} else {
		return func(o *opts.Options) { o.MaxDexRegisterMapSearchDistance = n }
	}
}

// WithWorkers sets how many methods CompileBatch compiles at the same time.
//
// This value can also be configured with the `DEXCC_WORKERS` environment
// variable, it defaults to GOMAXPROCS.
func WithWorkers(n int) Option {
	if n <= 0 {
		panic(fmt.Sprintf("dexcc: invalid worker count: %d", n))
	} else {
		return func(o *opts.Options) { o.Workers = n }
	}
}

// WithLogger reports the failed methods, and the compiled ones at debug level.
func WithLogger(logger *zap.Logger) Option {
	if logger == nil {
		panic("dexcc: nil logger")
	} else {
		return func(o *opts.Options) { o.Logger = logger }
	}
}

// SetDexRegisterSearchDistance sets the default search distance for all
// compilations from now on.
//
// Returns the old opts.MaxDexRegisterMapSearchDistance value.
func SetDexRegisterSearchDistance(n int) int {
	n, opts.MaxDexRegisterMapSearchDistance = opts.MaxDexRegisterMapSearchDistance, n
	return n
}
