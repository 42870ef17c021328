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
)

/** Thread Layout
 *
 *      +---------------------------+ 0
 *      | 32-bit fields             |
 *      |   state and flags         |
 *      |   is gc marking           |
 *      +---------------------------+ _Tls32Size
 *      | pointer sized fields      |
 *      |   card table              |
 *      |   pending exception       |
 *      |   stack end               |
 *      |   managed stack (3 words) |
 *      |   suspend trigger         |
 *      |   JNIEnv                  |
 *      |   self                    |
 *      |   ...                     |
 *      +---------------------------+ EntrypointsOffset()
 *      | quick entrypoints         |
 *      +---------------------------+
 */

const (
	_Tls32Size          = 136
	_FlagsOffset        = 0
	_IsGcMarkingOffset  = 52
	_EntrypointsWordIdx = 32
)

const (
	_PtrCardTable = iota
	_PtrException
	_PtrStackEnd
	_PtrManagedStack
	_PtrSuspendTrigger = _PtrManagedStack + 3
	_PtrJniEnv         = _PtrSuspendTrigger + 1
	_PtrSelf           = _PtrJniEnv + 1
)

// Flags that make a suspend check leave the fast path.
const (
	SuspendRequest      = 1 << 0
	CheckpointRequest   = 1 << 1
	SuspendOrCheckpoint = SuspendRequest | CheckpointRequest
)

func checkPtrSize(ptrSize int) int {
	if ptrSize != 4 && ptrSize != 8 {
		panic(fmt.Sprintf("rtx: invalid pointer size %d", ptrSize))
	} else {
		return ptrSize
	}
}

func ptrField(ptrSize int, idx int) int {
	return _Tls32Size + idx*checkPtrSize(ptrSize)
}

// FlagsOffset returns the offset of the 32-bit state and flags word.
func FlagsOffset() int {
	return _FlagsOffset
}

// IsGcMarkingOffset returns the offset of the 32-bit concurrent marking flag.
func IsGcMarkingOffset() int {
	return _IsGcMarkingOffset
}

func CardTableOffset(ptrSize int) int { return ptrField(ptrSize, _PtrCardTable) }
func ExceptionOffset(ptrSize int) int { return ptrField(ptrSize, _PtrException) }
func StackEndOffset(ptrSize int) int  { return ptrField(ptrSize, _PtrStackEnd) }
func SelfOffset(ptrSize int) int      { return ptrField(ptrSize, _PtrSelf) }

// EntrypointsOffset returns the offset of the first quick entrypoint.
func EntrypointsOffset(ptrSize int) int {
	return ptrField(ptrSize, _EntrypointsWordIdx)
}
