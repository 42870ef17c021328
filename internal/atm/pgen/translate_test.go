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


package pgen

import (
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/isa"
)

var integerConds = []hir.Condition{
	hir.CondEQ,
	hir.CondNE,
	hir.CondLT,
	hir.CondLE,
	hir.CondGT,
	hir.CondGE,
	hir.CondB,
	hir.CondAE,
	hir.CondBE,
	hir.CondA,
}

func TestMirror(t *testing.T) {
	vals := []int64{0, 1, -1, 5, -5, 1 << 31, -1 << 31, 1 << 40, -1 << 63}
	for i := 0; i < 64; i++ {
		vals = append(vals, gofakeit.Int64())
	}

	/* swapping the operands of the mirrored condition gives the same answer */
	for _, cc := range integerConds {
		mc, ok := mirror(cc)
		require.True(t, ok, cc.String())
		for _, vt := range []hir.DataType{hir.Int32, hir.Int64} {
			for _, a := range vals {
				for _, b := range vals {
					assert.Equal(t, evaluate(cc, vt, a, b), evaluate(mc, vt, b, a), "%d %s %d", a, cc, b)
				}
			}
		}
	}
}

func TestEvaluate_Unsigned(t *testing.T) {
	assert.True(t, evaluate(hir.CondA, hir.Int32, -1, 1))
	assert.False(t, evaluate(hir.CondA, hir.Int32, 1, 1))
	assert.True(t, evaluate(hir.CondBE, hir.Int32, 1, 1))
	assert.True(t, evaluate(hir.CondBE, hir.Int64, 1, -1))
	assert.False(t, evaluate(hir.CondBE, hir.Int64, -1, 1))
	assert.False(t, evaluate(hir.CondA, hir.Int32, 1<<32, 0))
}

func TestCompile_UnsignedConstantOnLeft(t *testing.T) {
	for _, cc := range []hir.Condition{hir.CondB, hir.CondAE, hir.CondBE, hir.CondA} {
		b := hir.NewBuilder("ucmp", hir.MethodRef{Index: 1}, hir.MustParseShorty("II"), true, 1)
		x := b.Parameter(0)
		k := b.Constant(hir.Int32, 5)
		tb := b.NewBlock()
		fb := b.NewBlock()
		b.If(cc, k, x, tb, fb)
		b.SetBlock(tb)
		b.Return(x)
		b.SetBlock(fb)
		b.Return(k)

		/* the constant stays an immediate of the compare */
		cm := compile(t, isa.X86_64, b.Finish(), nil)
		text := strings.Join(textOf(cm.Code), "\n")
		assert.Contains(t, text, "cmp $0x5,", cc.String())
	}
}
