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
	"os"
	"runtime"
	"strconv"
)

const (
	_DefaultMaxDexRegisterMapSearchDistance = 32   // bounded backward scan of dex register maps
	_DefaultStackOverflowReserved           = 8192 // bytes touched below the stack pointer on entry
)

var (
	MaxDexRegisterMapSearchDistance = parseOrDefault("DEXCC_MAX_DEX_REGISTER_SEARCH_DISTANCE", _DefaultMaxDexRegisterMapSearchDistance, 1)
	StackOverflowReserved           = parseOrDefault("DEXCC_STACK_OVERFLOW_RESERVED", _DefaultStackOverflowReserved, 256)
	Workers                         = parseOrDefault("DEXCC_WORKERS", runtime.GOMAXPROCS(0), 0)
)

func parseOrDefault(key string, def int, min int) int {
	if env := os.Getenv(key); env == "" {
		return def
	} else if val, err := strconv.ParseUint(env, 0, 64); err != nil {
		panic("dexcc: invalid value for " + key)
	} else if ret := int(val); ret <= min {
		panic("dexcc: value too small for " + key)
	} else {
		return ret
	}
}
