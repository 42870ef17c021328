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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/dexcc/internal/atm/hir"
)

func TestEntrypoint_Offsets(t *testing.T) {
	for _, ptr := range []int{4, 8} {
		seen := make(map[int]Entrypoint)
		for e := Entrypoint(0); e < NumEntrypoints; e++ {
			off := e.Offset(ptr)
			require.Zero(t, off%ptr, e.String())
			require.NotContains(t, seen, off, e.String())
			require.Greater(t, off, SelfOffset(ptr))
			seen[off] = e
		}
	}
	assert.Equal(t, 136+32*8, DeliverException.Offset(8))
	assert.Equal(t, 136+32*4+4, ThrowNullPointer.Offset(4))
	assert.Panics(t, func() { TestSuspend.Offset(2) })
	assert.Panics(t, func() { NumEntrypoints.Offset(8) })
}

func TestEntrypoint_Signatures(t *testing.T) {
	assert.Equal(t, "VII", ThrowArrayBounds.Signature().Shorty())
	assert.Equal(t, hir.Reference, AllocObject.Signature().Return)
	assert.Equal(t, []hir.DataType{hir.Int64}, BitCountLong.Signature().Params)
	assert.True(t, ThrowDivZero.NoReturn())
	assert.True(t, Deoptimize.NoReturn())
	assert.False(t, TestSuspend.NoReturn())
	assert.False(t, ReadBarrierMark.NoReturn())
	assert.True(t, InvokeStaticTrampoline.IsTrampoline())
	assert.Equal(t, "pTestSuspend", TestSuspend.String())
	assert.Equal(t, "entrypoint(200)", Entrypoint(200).String())
}

func TestThread_Offsets(t *testing.T) {
	assert.Equal(t, 0, FlagsOffset())
	assert.Less(t, IsGcMarkingOffset(), ExceptionOffset(4))
	assert.Equal(t, ExceptionOffset(8)+8, StackEndOffset(8))
	assert.Equal(t, CardTableOffset(8)+8, ExceptionOffset(8))
	assert.Panics(t, func() { SelfOffset(16) })
}

func TestObject_Layout(t *testing.T) {
	assert.Equal(t, 12, ArrayDataOffset(4))
	assert.Equal(t, 12, ArrayDataOffset(1))
	assert.Equal(t, 16, ArrayDataOffset(8))
	assert.Panics(t, func() { ArrayDataOffset(3) })
	assert.Equal(t, 24, ArtMethodQuickCodeOffset(8))
	assert.Equal(t, 20, ArtMethodQuickCodeOffset(4))
	assert.Equal(t, ObjectHeaderSize, ArrayLengthOffset)
}
