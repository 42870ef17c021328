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
	"strings"
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudwego/dexcc/internal/isa"
	"github.com/cloudwego/dexcc/internal/utils"
)

func TestVarint_Widths(t *testing.T) {
	for _, tc := range []struct {
		v uint32
		n int
	}{
		{0, 4},
		{11, 4},
		{12, 12},
		{255, 12},
		{256, 20},
		{1 << 24, 36},
		{^uint32(0), 36},
	} {
		var w BitWriter
		w.WriteVarint(tc.v)
		require.Equal(t, tc.n, w.Len(), "value %#x", tc.v)
		r := NewBitReader(w.Bytes(), 0)
		require.Equal(t, tc.v, r.ReadVarint())
		require.Equal(t, tc.n, r.Pos())
	}
}

func TestVarint_Interleaved(t *testing.T) {
	vs := []uint32{3, 1000, 0, 11, 12, 1 << 30, 7}
	var w BitWriter
	w.WriteBits(5, 3)
	w.WriteInterleavedVarints(vs)
	w.WriteVarint(42)

	/* all the prefixes come first */
	r := NewBitReader(w.Bytes(), 0)
	require.Equal(t, uint32(5), r.ReadBits(3))
	pfx := NewBitReader(w.Bytes(), 3)
	assert.Equal(t, uint32(3), pfx.ReadBits(4))
	assert.Equal(t, uint32(13), pfx.ReadBits(4))

	/* and the values round trip */
	require.Equal(t, vs, r.ReadInterleavedVarints(len(vs)))
	require.Equal(t, uint32(42), r.ReadVarint())
}

func TestBitRegion_Ops(t *testing.T) {
	var w BitWriter
	w.WriteBits(0x5, 3)
	w.WriteBits(0xdeadbeef, 32)
	w.WriteBits(0x3ff, 10)
	r := NewBitReader(w.Bytes(), 0).ReadRegion(45)

	/* unaligned loads */
	assert.Equal(t, uint32(0xdeadbeef), r.Bits(3, 32))
	assert.Equal(t, uint32(0x3ff), r.Bits(35, 10))
	assert.Equal(t, 2+24+10, r.PopCount(0, 45))
	assert.True(t, r.Bit(0))
	assert.False(t, r.Bit(1))

	/* subregions compare by content */
	var w2 BitWriter
	w2.WriteBits(0xdeadbeef, 32)
	r2 := NewBitReader(w2.Bytes(), 0).ReadRegion(32)
	assert.True(t, r.Subregion(3, 32).Equal(r2))
	assert.Equal(t, r.Subregion(3, 32).Key(), r2.Key())
	assert.False(t, r.Subregion(4, 32).Equal(r2))
	assert.Panics(t, func() { r.Bits(40, 10) })
}

func TestTable_DedupChains(t *testing.T) {
	tb := newTableBuilder(2)
	a := tb.Dedup(1, 2, 3, 4)
	b := tb.Dedup(5, 6)
	assert.Equal(t, uint32(0), a)
	assert.Equal(t, uint32(2), b)
	assert.Equal(t, a, tb.Dedup(1, 2, 3, 4))
	assert.Equal(t, b, tb.Dedup(5, 6))
	assert.Equal(t, 3, tb.Len())
	assert.Equal(t, 2, tb.hits)

	/* a prefix of a chain is a different chain */
	assert.Equal(t, uint32(3), tb.Dedup(1, 2))
	assert.Equal(t, uint32(0), tb.Dedup())

	/* encode and decode, absent values take no bits */
	tb.Add(NoValue, 7)
	var w BitWriter
	tb.Encode(&w)
	bt := decodeBitTable(NewBitReader(w.Bytes(), 0), 2)
	require.Equal(t, 5, bt.Rows())
	assert.Equal(t, []int{3, 4}, bt.Widths())
	assert.Equal(t, uint32(3), bt.Get(1, 0))
	assert.Equal(t, NoValue, bt.Get(4, 0))
	assert.Equal(t, uint32(7), bt.Get(4, 1))
}

func TestTable_DedupBitmaps(t *testing.T) {
	var tb _BitmapTableBuilder
	var a, b, c utils.Bitmap
	a.SetBit(3)
	a.SetBit(17)
	b.SetBit(3)
	b.SetBit(17)
	b.AppendMany(20, 0)
	c.SetBit(4)

	/* trailing zeros do not matter */
	assert.Equal(t, uint32(0), tb.Dedup(&a))
	assert.Equal(t, uint32(0), tb.Dedup(&b))
	assert.Equal(t, uint32(1), tb.Dedup(&c))
	assert.Equal(t, NoValue, tb.Dedup(&utils.Bitmap{N: 12, B: make([]byte, 2)}))
	assert.Equal(t, NoValue, tb.Dedup(nil))

	/* every row has the width of the longest */
	var w BitWriter
	tb.Encode(&w)
	bt := decodeBitmapTable(NewBitReader(w.Bytes(), 0))
	require.Equal(t, 2, bt.Rows())
	assert.Equal(t, "000100000000000001", bt.Get(0).String())
	assert.Equal(t, "000010000000000000", bt.Get(1).String())
}

func newStream(t *testing.T, arch isa.InstructionSet, nregs int) *Stream {
	s := NewStream(arch, 32)
	s.Verify = true
	s.BeginMethod(64, 0x1c0, 0, nregs, IsBaseline)
	return s
}

func TestStream_RegisterMasksAreShared(t *testing.T) {
	s := newStream(t, isa.X86_64, 0)
	masks := []uint32{0x5, 0x21, 0x1c0}

	/* 40 safepoints, 3 distinct register masks */
	for i := 0; i < 40; i++ {
		s.BeginStackMapEntry(uint32(i), uint32(i*4), masks[i%3], nil, Default, false)
		s.EndStackMapEntry()
	}

	/* one row per distinct mask */
	s.EndMethod(200)
	ci := DecodeCodeInfo(s.Encode(), 0)
	require.Equal(t, 40, ci.NumberOfStackMaps())
	require.Equal(t, 3, ci.TableRows(TableRegisterMasks))
	for i := 0; i < 40; i++ {
		assert.Equal(t, masks[i%3], ci.RegisterMaskOf(ci.StackMapAt(i)))
	}
	assert.Equal(t, 37, s.DedupHits())
}

func encodeDuplicates(t *testing.T, n int) *CodeInfo {
	return DecodeCodeInfo(encodeDuplicatesRaw(t, n), 0)
}

func encodeDuplicatesRaw(t *testing.T, n int) []byte {
	var sm utils.Bitmap
	sm.SetBit(2)
	sm.SetBit(9)
	s := newStream(t, isa.Arm64, 3)

	/* the same safepoint over and over */
	for i := 0; i < n; i++ {
		s.BeginStackMapEntry(7, uint32(i*4), 0x30, &sm, Default, true)
		s.AddDexRegisterEntry(InStack, 16)
		s.AddDexRegisterEntry(InRegister, 3)
		s.AddDexRegisterEntry(Constant, -1)
		s.EndStackMapEntry()
	}

	/* encode */
	s.EndMethod(uint32(n * 4))
	return s.Encode()
}

func TestStream_DuplicatesDoNotGrowSideTables(t *testing.T) {
	small := encodeDuplicates(t, 10)
	large := encodeDuplicates(t, 100)

	/* only the stack map table grows */
	for i := TableRegisterMasks; i < NumTables; i++ {
		if i == TableDexRegisterMasks || i == TableDexRegisterMaps {
			continue
		}
		assert.Equal(t, small.HasTable(i), large.HasTable(i), TableName(i))
		if small.HasTable(i) {
			assert.Equal(t, small.TableRows(i), large.TableRows(i), TableName(i))
			assert.Equal(t, small.TableRegion(i).Len(), large.TableRegion(i).Len(), TableName(i))
		}
	}

	/* periodic full snapshots are shared too */
	assert.LessOrEqual(t, large.TableRows(TableDexRegisterMasks), 2)
	assert.LessOrEqual(t, large.TableRows(TableDexRegisterMaps), 3)
	assert.Equal(t, 1, large.TableRows(TableStackMasks))
	assert.Equal(t, 3, large.TableRows(TableDexRegisterCatalogue))
}

func randomLocation(f *gofakeit.Faker) DexRegisterLocation {
	switch f.Number(0, 6) {
	case 0:
		return DexRegisterLocation{Kind: None}
	case 1:
		return DexRegisterLocation{Kind: InStack, Value: int32(f.Number(0, 64) * 4)}
	case 2:
		return DexRegisterLocation{Kind: InRegister, Value: int32(f.Number(0, 15))}
	case 3:
		return DexRegisterLocation{Kind: InRegisterHigh, Value: int32(f.Number(0, 15))}
	case 4:
		return DexRegisterLocation{Kind: InFpuRegister, Value: int32(f.Number(0, 31))}
	case 5:
		return DexRegisterLocation{Kind: InFpuRegisterHigh, Value: int32(f.Number(0, 31))}
	default:
		return DexRegisterLocation{Kind: Constant, Value: f.Int32()}
	}
}

func TestStream_DeltaMapsMatchNaiveReplay(t *testing.T) {
	for _, dist := range []int{1, 4, 32} {
		f := gofakeit.New(int64(20240415 + dist))
		nregs := 12
		cur := make(DexRegisterMap, nregs)
		want := make([]DexRegisterMap, 0, 300)

		/* start with every register dead */
		for i := range cur {
			cur[i] = DexRegisterLocation{Kind: None}
		}

		/* a random walk of register locations */
		s := NewStream(isa.X86_64, dist)
		s.BeginMethod(32, 0, 0, nregs, 0)
		for i := 0; i < 300; i++ {
			for r := range cur {
				if f.Number(0, 99) < 8 {
					cur[r] = randomLocation(f)
				}
			}

			/* some safepoints carry no dex registers at all */
			needs := f.Number(0, 9) != 0
			s.BeginStackMapEntry(uint32(i), uint32(i*3), 0, nil, Default, needs)
			if needs {
				for _, v := range cur {
					s.AddDexRegisterEntry(v.Kind, v.Value)
				}
				want = append(want, append(DexRegisterMap(nil), cur...))
			} else {
				want = append(want, nil)
			}
			s.EndStackMapEntry()
		}

		/* every stack map decodes to the replayed state within the bound */
		s.EndMethod(900)
		ci := DecodeCodeInfo(s.Encode(), 0)
		require.Equal(t, uint32(dist), ci.SearchDistance)
		for i, exp := range want {
			got := ci.DexRegisterMapOf(ci.StackMapAt(i))
			if exp == nil {
				require.Nil(t, got)
			} else {
				require.Equal(t, exp, got, "distance %d stack map %d\n%s", dist, i, spew.Sdump(exp, got))
			}
		}
	}
}

func TestStream_UnboundedSearchPanics(t *testing.T) {
	s := NewStream(isa.X86_64, 2)
	s.BeginMethod(32, 0, 0, 1, 0)
	for i := 0; i < 8; i++ {
		s.BeginStackMapEntry(uint32(i), uint32(i), 0, nil, Default, true)
		s.AddDexRegisterEntry(InRegister, 1)
		s.EndStackMapEntry()
	}
	s.EndMethod(8)
	buf := s.Encode()

	/* a decoder with a tighter bound than the encoder gives up */
	ci := DecodeCodeInfo(buf, 0)
	require.Equal(t, DexRegisterMap{{Kind: InRegister, Value: 1}}, ci.DexRegisterMapOf(ci.StackMapAt(7)))
	ci.SearchDistance = 1
	require.Panics(t, func() { ci.DexRegisterMapOf(ci.StackMapAt(5)) })
}

func TestStream_InlineInfo(t *testing.T) {
	s := newStream(t, isa.Arm64, 2)
	s.BeginStackMapEntry(4, 16, 0, nil, Default, true)
	s.AddDexRegisterEntry(InStack, 8)
	s.AddDexRegisterEntry(None, 0)
	s.BeginInlineInfoEntry(12, 0, 2, 3)
	s.AddDexRegisterEntry(InRegister, 1)
	s.AddDexRegisterEntry(InRegisterHigh, 1)
	s.AddDexRegisterEntry(Constant, 9)
	s.EndInlineInfoEntry()
	s.BeginInlineInfoEntry(0, 0x7f0012345678, 6, 1)
	s.AddDexRegisterEntry(InFpuRegister, 2)
	s.EndInlineInfoEntry()
	s.EndStackMapEntry()

	/* a second stack map with the same chain */
	s.BeginStackMapEntry(5, 20, 0, nil, Default, false)
	s.BeginInlineInfoEntry(12, 0, 2, 0)
	s.EndInlineInfoEntry()
	s.EndStackMapEntry()

	/* decode */
	s.EndMethod(64)
	ci := DecodeCodeInfo(s.Encode(), 0)
	require.True(t, ci.HasInlineInfo())
	require.True(t, ci.IsBaseline())
	sm := ci.StackMapAt(0)
	infos := ci.InlineInfosOf(sm)
	require.Len(t, infos, 2)

	/* the chain, outermost first */
	assert.Equal(t, uint32(2), infos[0].DexPc)
	assert.Equal(t, uint32(12), infos[0].MethodIndex)
	assert.Equal(t, uint32(5), infos[0].NumberOfDexRegisters)
	assert.False(t, infos[0].IsLast)
	assert.Equal(t, uint64(0x7f0012345678), infos[1].ArtMethod)
	assert.Equal(t, uint32(6), infos[1].NumberOfDexRegisters)
	assert.True(t, infos[1].IsLast)

	/* dex registers of each frame */
	assert.Equal(t, DexRegisterMap{{InStack, 8}, {None, 0}}, ci.DexRegisterMapOf(sm))
	assert.Equal(t, DexRegisterMap{{InRegister, 1}, {InRegisterHigh, 1}, {Constant, 9}}, ci.InlineDexRegisterMapOf(sm, infos, 0))
	assert.Equal(t, DexRegisterMap{{InFpuRegister, 2}}, ci.InlineDexRegisterMapOf(sm, infos, 1))

	/* the second stack map has no registers */
	sm = ci.StackMapAt(1)
	infos = ci.InlineInfosOf(sm)
	require.Len(t, infos, 1)
	assert.True(t, infos[0].IsLast)
	assert.Nil(t, ci.DexRegisterMapOf(sm))
	assert.Nil(t, ci.InlineDexRegisterMapOf(sm, infos, 0))
}

func TestCodeInfo_Lookups(t *testing.T) {
	var mask utils.Bitmap
	mask.SetBit(5)
	s := newStream(t, isa.Arm64, 1)

	/* entry, a call with a debug info at the same pc, and a loop header */
	s.BeginStackMapEntry(0, 4, 0, nil, Default, false)
	s.EndStackMapEntry()
	s.BeginStackMapEntry(3, 24, 0, nil, Debug, false)
	s.EndStackMapEntry()
	s.BeginStackMapEntry(3, 24, 1<<20, &mask, Default, true)
	s.AddDexRegisterEntry(InStack, 20)
	s.EndStackMapEntry()
	s.BeginStackMapEntry(9, 40, 0, nil, OSR, true)
	s.AddDexRegisterEntry(InStack, 20)
	s.EndStackMapEntry()

	/* catch maps go last, in any pc order */
	s.BeginStackMapEntry(14, 32, 0, nil, Catch, true)
	s.AddDexRegisterEntry(InStack, 24)
	s.EndStackMapEntry()
	s.EndMethod(64)
	ci := DecodeCodeInfo(s.Encode(), 0)

	/* by native pc */
	sm, ok := ci.StackMapForNativePcOffset(24)
	require.True(t, ok)
	assert.Equal(t, 2, sm.Row)
	assert.Equal(t, uint32(1<<20), ci.RegisterMaskOf(sm))
	m := ci.StackMaskOf(sm)
	assert.True(t, m.Equal(&mask))
	sm, ok = ci.StackMapForNativePcOffset(40)
	require.True(t, ok)
	assert.Equal(t, OSR, sm.Kind)
	_, ok = ci.StackMapForNativePcOffset(32)
	assert.False(t, ok)
	_, ok = ci.StackMapForNativePcOffset(26)
	assert.False(t, ok)

	/* by dex pc */
	sm, ok = ci.CatchStackMapForDexPc(14)
	require.True(t, ok)
	assert.Equal(t, uint32(32), sm.NativePcOffset)
	assert.Equal(t, DexRegisterMap{{InStack, 24}}, ci.DexRegisterMapOf(sm))
	sm, ok = ci.OsrStackMapForDexPc(9)
	require.True(t, ok)
	assert.Equal(t, 3, sm.Row)
	sm, ok = ci.StackMapForDexPc(3)
	require.True(t, ok)
	assert.Equal(t, 2, sm.Row)
	_, ok = ci.StackMapForDexPc(9)
	assert.False(t, ok)

	/* the header */
	assert.Equal(t, isa.Arm64, ci.ISA)
	assert.Equal(t, 64, ci.FrameSize())
	assert.Equal(t, uint32(0x1c0), ci.CoreSpillMask)
	assert.Equal(t, uint32(64), ci.CodeSize)

	/* the dump lists every stack map */
	var sb strings.Builder
	ci.Dump(&sb)
	assert.Equal(t, 5, strings.Count(sb.String(), "StackMap["))
	assert.Contains(t, sb.String(), "kind=osr")
}

func TestStream_ProtocolMisuse(t *testing.T) {
	begin := func() *Stream {
		s := NewStream(isa.X86, 32)
		s.BeginMethod(16, 0, 0, 1, 0)
		return s
	}
	assert.Panics(t, func() { NewStream(isa.None, 32) })
	assert.Panics(t, func() { NewStream(isa.X86, 0) })
	assert.Panics(t, func() { NewStream(isa.X86, 32).BeginMethod(6, 0, 0, 0, 0) })
	assert.Panics(t, func() { begin().AddDexRegisterEntry(InStack, 4) })
	assert.Panics(t, func() { begin().EndStackMapEntry() })
	assert.Panics(t, func() { begin().Encode() })
	assert.Panics(t, func() {
		s := begin()
		s.BeginStackMapEntry(0, 0, 0, nil, Default, false)
		s.BeginStackMapEntry(1, 1, 0, nil, Default, false)
	})
	assert.Panics(t, func() {
		s := begin()
		s.BeginStackMapEntry(0, 0, 0, nil, Default, true)
		s.EndStackMapEntry()
	})
	assert.Panics(t, func() {
		s := begin()
		s.BeginStackMapEntry(0, 0, 0, nil, Default, true)
		s.AddDexRegisterEntry(InStack, 4)
		s.AddDexRegisterEntry(InStack, 8)
	})
	assert.Panics(t, func() {
		s := begin()
		s.BeginStackMapEntry(0, 0, 0, nil, Default, true)
		s.AddDexRegisterEntry(InStack, 6)
	})
	assert.Panics(t, func() {
		s := begin()
		s.BeginStackMapEntry(0, 0, 0, nil, Default, false)
		s.EndMethod(4)
	})
	assert.Panics(t, func() {
		s := begin()
		s.BeginStackMapEntry(0, 8, 0, nil, Catch, false)
		s.EndStackMapEntry()
		s.BeginStackMapEntry(0, 12, 0, nil, Default, false)
	})
	assert.Panics(t, func() {
		s := begin()
		s.BeginStackMapEntry(0, 8, 0, nil, Default, false)
		s.EndStackMapEntry()
		s.BeginStackMapEntry(1, 4, 0, nil, Default, false)
		s.EndStackMapEntry()
		s.EndMethod(16)
	})
	assert.Panics(t, func() {
		s := begin()
		s.BeginStackMapEntry(0, 8, 0, nil, Default, false)
		s.EndStackMapEntry()
		s.EndMethod(4)
	})
	assert.Panics(t, func() {
		s := NewStream(isa.Arm64, 32)
		s.BeginMethod(16, 0, 0, 0, 0)
		s.BeginStackMapEntry(0, 6, 0, nil, Default, false)
	})
}

func TestStream_PatchedNativePcs(t *testing.T) {
	s := newStream(t, isa.X86_64, 0)
	for i := 0; i < 4; i++ {
		require.Equal(t, i, s.BeginStackMapEntry(uint32(i), 0, 0, nil, Default, false))
		s.EndStackMapEntry()
	}

	/* native pcs are known after assembling */
	for i := 0; i < 4; i++ {
		s.SetStackMapNativePcOffset(i, uint32(10+i*7))
	}
	assert.Equal(t, uint32(17), s.StackMapNativePcOffset(1))
	s.EndMethod(64)
	ci := DecodeCodeInfo(s.Encode(), 0)
	for i := 0; i < 4; i++ {
		sm, ok := ci.StackMapForNativePcOffset(uint32(10 + i*7))
		require.True(t, ok)
		assert.Equal(t, i, sm.Row)
	}

	/* reusable after a reset */
	s.Reset()
	s.BeginMethod(0, 0, 0, 0, 0)
	s.EndMethod(0)
	ci = DecodeCodeInfo(s.Encode(), 0)
	assert.Equal(t, 0, ci.NumberOfStackMaps())
}

func TestDeduper_SharesTables(t *testing.T) {
	a := encodeDuplicatesRaw(t, 20)
	b := encodeDuplicatesRaw(t, 20)

	/* the second method refers to the tables of the first */
	dd := NewDeduper()
	oa := dd.Dedupe(a)
	ob := dd.Dedupe(b)
	out := dd.Bytes()
	require.Equal(t, 0, oa)
	require.Greater(t, ob, 0)
	assert.Greater(t, dd.Hits(), 0)
	assert.Less(t, len(out)-ob, ob)

	/* both decode to the same content */
	da := DecodeCodeInfo(out, oa)
	db := DecodeCodeInfo(out, ob)
	assert.True(t, db.IsDeduped(TableStackMaps))
	assert.False(t, da.IsDeduped(TableStackMaps))
	var sa, sb strings.Builder
	da.Dump(&sa)
	db.Dump(&sb)
	assert.Equal(t, sa.String(), strings.ReplaceAll(sb.String(), " deduped", ""))
	ci := DecodeCodeInfo(a, 0)
	assert.Equal(t, ci.DexRegisterMapOf(ci.StackMapAt(19)), db.DexRegisterMapOf(db.StackMapAt(19)))
}
