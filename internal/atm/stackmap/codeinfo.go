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
	"io"
	"math/bits"
	"sort"

	"github.com/cloudwego/dexcc/internal/isa"
	"github.com/cloudwego/dexcc/internal/utils"
)

const (
	_HeaderFlags = iota
	_HeaderCodeSize
	_HeaderPackedFrameSize
	_HeaderCoreSpillMask
	_HeaderFpSpillMask
	_HeaderNumberOfDexRegisters
	_HeaderSearchDistance
	_HeaderTableFlags
	_HeaderSize
)

const (
	_DedupShift = 8
)

// StackMap is one decoded stack map row.
type StackMap struct {
	Row                  int
	Kind                 Kind
	NativePcOffset       uint32
	DexPc                uint32
	RegisterMaskIndex    uint32
	StackMaskIndex       uint32
	InlineInfoIndex      uint32
	DexRegisterMaskIndex uint32
	DexRegisterMapIndex  uint32
}

func (self StackMap) HasInlineInfo() bool     { return self.InlineInfoIndex != NoValue }
func (self StackMap) HasDexRegisterMap() bool { return self.DexRegisterMapIndex != NoValue }

func (self StackMap) String() string {
	return fmt.Sprintf("StackMap[%d] (kind=%s, native_pc=%#x, dex_pc=%#x)", self.Row, self.Kind, self.NativePcOffset, self.DexPc)
}

// InlineInfo is one inlined frame of a stack map. MethodIndex is only valid
// when ArtMethod is zero.
type InlineInfo struct {
	IsLast               bool
	DexPc                uint32
	MethodInfoIndex      uint32
	MethodIndex          uint32
	ArtMethod            uint64
	NumberOfDexRegisters uint32
}

func (self InlineInfo) String() string {
	if self.ArtMethod != 0 {
		return fmt.Sprintf("InlineInfo (dex_pc=%#x, method=%#x, vregs=%d)", self.DexPc, self.ArtMethod, self.NumberOfDexRegisters)
	} else {
		return fmt.Sprintf("InlineInfo (dex_pc=%#x, method_index=%d, vregs=%d)", self.DexPc, self.MethodIndex, self.NumberOfDexRegisters)
	}
}

// CodeInfo is a decoded stack map blob.
type CodeInfo struct {
	ISA                  isa.InstructionSet
	Flags                Flags
	CodeSize             uint32
	CoreSpillMask        uint32
	FpSpillMask          uint32
	NumberOfDexRegisters uint32
	SearchDistance       uint32

	header  [_HeaderSize]uint32
	nbits   int
	regions [NumTables]BitRegion

	stackMaps            BitTable
	registerMasks        BitTable
	stackMasks           BitmapTable
	inlineInfos          BitTable
	methodInfos          BitTable
	dexRegisterMasks     BitmapTable
	dexRegisterMaps      BitTable
	dexRegisterCatalogue BitTable
}

// DecodeCodeInfo decodes the stack maps starting at byte off of buf. Tables
// deduplicated against earlier methods of the same buffer are followed.
func DecodeCodeInfo(buf []byte, off int) *CodeInfo {
	r := NewBitReader(buf, off*8)
	hdr := r.ReadInterleavedVarints(_HeaderSize)
	ret := new(CodeInfo)

	/* the header */
	copy(ret.header[:], hdr)
	ret.Flags = Flags(hdr[_HeaderFlags] & _FlagsMask)
	ret.ISA = isa.InstructionSet(hdr[_HeaderFlags] >> _ISAShift)
	ret.CodeSize = hdr[_HeaderCodeSize]
	ret.CoreSpillMask = hdr[_HeaderCoreSpillMask]
	ret.FpSpillMask = hdr[_HeaderFpSpillMask]
	ret.NumberOfDexRegisters = hdr[_HeaderNumberOfDexRegisters]
	ret.SearchDistance = hdr[_HeaderSearchDistance]

	/* check for instruction set */
	if !ret.ISA.Valid() {
		panic(fmt.Sprintf("stackmap: corrupted header, invalid instruction set %d", hdr[_HeaderFlags]>>_ISAShift))
	}

	/* decode every table that is present */
	for i := 0; i < NumTables; i++ {
		if ret.HasTable(i) {
			ret.decodeTable(i, r, buf)
		}
	}

	/* number of bits taken by this method, references included */
	ret.nbits = r.Pos() - off*8
	return ret
}

func (self *CodeInfo) decodeTable(i int, r *BitReader, buf []byte) {
	tr := r

	/* deduplicated tables are stored as a backward bit offset */
	if self.IsDeduped(i) {
		at := r.Pos()
		delta := int(r.ReadVarint())
		if delta <= 0 || delta > at {
			panic(fmt.Sprintf("stackmap: invalid table reference %d at bit %d", delta, at))
		}
		tr = NewBitReader(buf, at-delta)
	}

	/* decode the table */
	start := tr.Pos()
	switch i {
	case TableStackMaps:
		self.stackMaps = decodeBitTable(tr, _StackMapColumns)
	case TableRegisterMasks:
		self.registerMasks = decodeBitTable(tr, _RegisterMaskColumns)
	case TableStackMasks:
		self.stackMasks = decodeBitmapTable(tr)
	case TableInlineInfos:
		self.inlineInfos = decodeBitTable(tr, _InlineColumns)
	case TableMethodInfos:
		self.methodInfos = decodeBitTable(tr, _MethodInfoColumns)
	case TableDexRegisterMasks:
		self.dexRegisterMasks = decodeBitmapTable(tr)
	case TableDexRegisterMaps:
		self.dexRegisterMaps = decodeBitTable(tr, _DexRegisterMapColumns)
	case TableDexRegisterCatalogue:
		self.dexRegisterCatalogue = decodeBitTable(tr, _CatalogueColumns)
	}

	/* keep the encoded table */
	self.regions[i] = BitRegion{buf: buf, off: start, n: tr.Pos() - start}
}

// HasTable reports whether table i is present.
func (self *CodeInfo) HasTable(i int) bool {
	return self.header[_HeaderTableFlags]&(1<<uint(i)) != 0
}

// IsDeduped reports whether table i refers to an identical earlier table.
func (self *CodeInfo) IsDeduped(i int) bool {
	return self.header[_HeaderTableFlags]&(1<<uint(i+_DedupShift)) != 0
}

// TableRegion returns the encoded table i, wherever it is stored.
func (self *CodeInfo) TableRegion(i int) BitRegion {
	return self.regions[i]
}

// Size returns the number of bytes taken by this method.
func (self *CodeInfo) Size() int {
	return (self.nbits + 7) / 8
}

// FrameSize returns the frame size in bytes.
func (self *CodeInfo) FrameSize() int {
	return int(self.header[_HeaderPackedFrameSize]) * self.ISA.PointerSize()
}

func (self *CodeInfo) HasInlineInfo() bool           { return self.Flags&HasInlineInfo != 0 }
func (self *CodeInfo) HasShouldDeoptimizeFlag() bool { return self.Flags&HasShouldDeoptimizeFlag != 0 }
func (self *CodeInfo) IsBaseline() bool              { return self.Flags&IsBaseline != 0 }
func (self *CodeInfo) IsDebuggable() bool            { return self.Flags&IsDebuggable != 0 }

// NumberOfStackMaps returns the number of stack maps.
func (self *CodeInfo) NumberOfStackMaps() int {
	return self.stackMaps.Rows()
}

// TableRows returns the number of rows of table i.
func (self *CodeInfo) TableRows(i int) int {
	switch i {
	case TableStackMaps:
		return self.stackMaps.Rows()
	case TableRegisterMasks:
		return self.registerMasks.Rows()
	case TableStackMasks:
		return self.stackMasks.Rows()
	case TableInlineInfos:
		return self.inlineInfos.Rows()
	case TableMethodInfos:
		return self.methodInfos.Rows()
	case TableDexRegisterMasks:
		return self.dexRegisterMasks.Rows()
	case TableDexRegisterMaps:
		return self.dexRegisterMaps.Rows()
	case TableDexRegisterCatalogue:
		return self.dexRegisterCatalogue.Rows()
	default:
		panic(fmt.Sprintf("stackmap: invalid table %d", i))
	}
}

// StackMapAt returns stack map i.
func (self *CodeInfo) StackMapAt(i int) StackMap {
	t := &self.stackMaps
	return StackMap{
		Row:                  i,
		Kind:                 Kind(t.Get(i, _StackMapKind)),
		NativePcOffset:       self.ISA.UnpackNativePc(t.Get(i, _StackMapPackedNativePc)),
		DexPc:                t.Get(i, _StackMapDexPc),
		RegisterMaskIndex:    t.Get(i, _StackMapRegisterMaskIndex),
		StackMaskIndex:       t.Get(i, _StackMapStackMaskIndex),
		InlineInfoIndex:      t.Get(i, _StackMapInlineInfoIndex),
		DexRegisterMaskIndex: t.Get(i, _StackMapDexRegisterMaskIndex),
		DexRegisterMapIndex:  t.Get(i, _StackMapDexRegisterMapIndex),
	}
}

// StackMapForNativePcOffset finds the Default or OSR stack map at pc.
func (self *CodeInfo) StackMapForNativePcOffset(pc uint32) (StackMap, bool) {
	n := self.stackMaps.Rows()
	a := uint32(self.ISA.InstructionAlignment())

	/* a misaligned pc is never a safepoint */
	if pc%a != 0 {
		return StackMap{Row: -1}, false
	}

	/* catch stack maps are stored last */
	packed := pc / a
	i := sort.Search(n, func(i int) bool {
		return self.stackMaps.Get(i, _StackMapPackedNativePc) >= packed || Kind(self.stackMaps.Get(i, _StackMapKind)) == Catch
	})

	/* several stack maps may share the pc */
	for ; i < n && self.stackMaps.Get(i, _StackMapPackedNativePc) == packed; i++ {
		if k := Kind(self.stackMaps.Get(i, _StackMapKind)); k == Default || k == OSR {
			return self.StackMapAt(i), true
		}
	}
	return StackMap{Row: -1}, false
}

func (self *CodeInfo) findByDexPc(dexPc uint32, kind Kind, backward bool) (StackMap, bool) {
	n := self.stackMaps.Rows()
	for k := 0; k < n; k++ {
		i := k
		if backward {
			i = n - 1 - k
		}
		if self.stackMaps.Get(i, _StackMapDexPc) == dexPc && Kind(self.stackMaps.Get(i, _StackMapKind)) == kind {
			return self.StackMapAt(i), true
		}
	}
	return StackMap{Row: -1}, false
}

// CatchStackMapForDexPc finds the catch stack map of the handler at dexPc.
func (self *CodeInfo) CatchStackMapForDexPc(dexPc uint32) (StackMap, bool) {
	return self.findByDexPc(dexPc, Catch, true)
}

// OsrStackMapForDexPc finds the on-stack replacement entry at dexPc.
func (self *CodeInfo) OsrStackMapForDexPc(dexPc uint32) (StackMap, bool) {
	return self.findByDexPc(dexPc, OSR, false)
}

// StackMapForDexPc finds the first Default stack map at dexPc.
func (self *CodeInfo) StackMapForDexPc(dexPc uint32) (StackMap, bool) {
	return self.findByDexPc(dexPc, Default, false)
}

// RegisterMaskOf returns the core registers holding objects at sm.
func (self *CodeInfo) RegisterMaskOf(sm StackMap) uint32 {
	if sm.RegisterMaskIndex == NoValue {
		return 0
	}
	i := int(sm.RegisterMaskIndex)
	return self.registerMasks.Get(i, 0) << self.registerMasks.Get(i, 1)
}

// StackMaskOf returns the stack slots holding objects at sm.
func (self *CodeInfo) StackMaskOf(sm StackMap) utils.Bitmap {
	var ret utils.Bitmap
	if sm.StackMaskIndex == NoValue {
		return ret
	}

	/* copy the set bits */
	r := self.stackMasks.Get(int(sm.StackMaskIndex))
	for i := 0; i < r.Len(); i++ {
		if r.Bit(i) {
			ret.SetBit(i)
		}
	}
	return ret
}

// InlineInfosOf returns the inlined frames of sm, outermost first.
func (self *CodeInfo) InlineInfosOf(sm StackMap) []InlineInfo {
	if !sm.HasInlineInfo() {
		return nil
	}

	/* walk the chain until the last frame */
	var ret []InlineInfo
	for i := int(sm.InlineInfoIndex); ; i++ {
		t := &self.inlineInfos
		v := InlineInfo{
			IsLast:               t.Get(i, _InlineIsLast) == _InlineLast,
			DexPc:                t.Get(i, _InlineDexPc),
			MethodInfoIndex:      t.Get(i, _InlineMethodInfoIndex),
			MethodIndex:          NoValue,
			NumberOfDexRegisters: t.Get(i, _InlineNumberOfDexRegisters),
		}

		/* resolve the method */
		if v.MethodInfoIndex != NoValue {
			v.MethodIndex = self.methodInfos.Get(int(v.MethodInfoIndex), 0)
		} else {
			v.ArtMethod = uint64(t.Get(i, _InlineArtMethodHi))<<32 | uint64(t.Get(i, _InlineArtMethodLo))
		}

		/* check for the end of the chain */
		if ret = append(ret, v); v.IsLast {
			return ret
		}
	}
}

// DexRegisterMapOf returns the dex registers of the outermost frame at sm.
func (self *CodeInfo) DexRegisterMapOf(sm StackMap) DexRegisterMap {
	if !sm.HasDexRegisterMap() {
		return nil
	}
	ret := make(DexRegisterMap, self.NumberOfDexRegisters)
	self.decodeDexRegisterMap(sm.Row, 0, ret)
	return ret
}

// InlineDexRegisterMapOf returns the dex registers of the inlined frame at
// depth of sm, infos being the inlined frames of sm.
func (self *CodeInfo) InlineDexRegisterMapOf(sm StackMap, infos []InlineInfo, depth int) DexRegisterMap {
	if !sm.HasDexRegisterMap() {
		return nil
	}

	/* registers of the frames before this one come first */
	first := self.NumberOfDexRegisters
	if depth > 0 {
		first = infos[depth-1].NumberOfDexRegisters
	}

	/* decode this frame's range only */
	ret := make(DexRegisterMap, infos[depth].NumberOfDexRegisters-first)
	self.decodeDexRegisterMap(sm.Row, int(first), ret)
	return ret
}

func (self *CodeInfo) catalogueEntry(i uint32) DexRegisterLocation {
	if i == NoValue {
		return DexRegisterLocation{Kind: None}
	} else {
		return unpackLocation(self.dexRegisterCatalogue.Get(int(i), 0), self.dexRegisterCatalogue.Get(int(i), 1))
	}
}

// decodeDexRegisterMap scans backward from row, keeping the most recent
// location of each register in [first, first+len(ret)).
func (self *CodeInfo) decodeDexRegisterMap(row int, first int, ret DexRegisterMap) {
	remaining := len(ret)
	for i := range ret {
		ret[i] = DexRegisterLocation{Kind: Invalid}
	}

	/* scan backward until every register is found */
	for s := row; s >= 0 && remaining != 0; s-- {
		if row-s > int(self.SearchDistance) {
			panic(fmt.Sprintf("stackmap: unbounded dex register map search from stack map %d", row))
		}

		/* nothing changed at this stack map */
		mi := self.stackMaps.Get(s, _StackMapDexRegisterMaskIndex)
		if mi == NoValue {
			continue
		}

		/* nothing changed after the first register we want */
		mask := self.dexRegisterMasks.Get(int(mi))
		if mask.Len() <= first {
			continue
		}

		/* skip the registers before the first one */
		idx := int(self.stackMaps.Get(s, _StackMapDexRegisterMapIndex)) + mask.PopCount(0, first)
		mask = mask.Subregion(first, mask.Len()-first)
		end := min(len(ret), mask.Len())

		/* keep the registers seen for the first time */
		for reg := 0; reg < end; reg += 32 {
			for v := mask.Bits(reg, min(end-reg, 32)); v != 0; v &= v - 1 {
				bit := reg + bits.TrailingZeros32(v)
				if ret[bit].Kind == Invalid {
					ret[bit] = self.catalogueEntry(self.dexRegisterMaps.Get(idx, 0))
					remaining--
				}
				idx++
			}
		}
	}

	/* registers never stored are None */
	for i := range ret {
		if ret[i].Kind == Invalid {
			ret[i] = DexRegisterLocation{Kind: None}
		}
	}
}

// Dump writes a readable listing of every table.
func (self *CodeInfo) Dump(w io.Writer) {
	fmt.Fprintf(w, "CodeInfo %s (code_size=%#x, frame_size=%d, core_spills=%#x, fp_spills=%#x, vregs=%d, flags=%#x)\n",
		self.ISA,
		self.CodeSize,
		self.FrameSize(),
		self.CoreSpillMask,
		self.FpSpillMask,
		self.NumberOfDexRegisters,
		uint32(self.Flags),
	)

	/* table summary */
	for i := 0; i < NumTables; i++ {
		if self.HasTable(i) {
			dedup := ""
			if self.IsDeduped(i) {
				dedup = " deduped"
			}
			fmt.Fprintf(w, "  %s: %d rows, %d bits%s\n", TableName(i), self.TableRows(i), self.regions[i].Len(), dedup)
		}
	}

	/* every stack map */
	for i := 0; i < self.NumberOfStackMaps(); i++ {
		sm := self.StackMapAt(i)
		fmt.Fprintf(w, "  %s\n", sm)
		if m := self.RegisterMaskOf(sm); m != 0 {
			fmt.Fprintf(w, "    register_mask=%#x\n", m)
		}
		if sm.StackMaskIndex != NoValue {
			fmt.Fprintf(w, "    stack_mask=%s\n", self.stackMasks.Get(int(sm.StackMaskIndex)))
		}
		if regs := self.DexRegisterMapOf(sm); len(regs) != 0 {
			fmt.Fprintf(w, "    %s\n", regs)
		}

		/* inlined frames */
		infos := self.InlineInfosOf(sm)
		for d, v := range infos {
			fmt.Fprintf(w, "    %s\n", v)
			if regs := self.InlineDexRegisterMapOf(sm, infos, d); len(regs) != 0 {
				fmt.Fprintf(w, "      %s\n", regs)
			}
		}
	}
}
