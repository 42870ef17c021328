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
	"math/bits"

	"github.com/cloudwego/dexcc/internal/isa"
	"github.com/cloudwego/dexcc/internal/utils"
)

/** Stack Map Stream
 *
 *  The stream builds eight tables, each deduplicating its rows:
 *
 *      stack maps              one row per safepoint
 *      register masks          {value, shift}
 *      stack masks             bitmaps of object-holding stack slots
 *      inline infos            one chain of rows per inlining stack
 *      method infos            {method index}
 *      dex register masks      bitmaps of the registers changed at a stack map
 *      dex register maps       one catalogue index per changed register
 *      dex register catalogue  {kind, packed value}
 *
 *  Dex register maps are delta compressed: a stack map stores only the
 *  registers that changed since the stack maps before it, and a register is
 *  stored again once its last store is more than `distance` stack maps back,
 *  so a decoder never needs to look further than that.
 */

const (
	TableStackMaps = iota
	TableRegisterMasks
	TableStackMasks
	TableInlineInfos
	TableMethodInfos
	TableDexRegisterMasks
	TableDexRegisterMaps
	TableDexRegisterCatalogue
	NumTables
)

var _TableNames = [NumTables]string{
	TableStackMaps:            "StackMaps",
	TableRegisterMasks:        "RegisterMasks",
	TableStackMasks:           "StackMasks",
	TableInlineInfos:          "InlineInfos",
	TableMethodInfos:          "MethodInfos",
	TableDexRegisterMasks:     "DexRegisterMasks",
	TableDexRegisterMaps:      "DexRegisterMaps",
	TableDexRegisterCatalogue: "DexRegisterCatalogue",
}

// TableName returns the name of table i.
func TableName(i int) string {
	return _TableNames[i]
}

const (
	_StackMapKind = iota
	_StackMapPackedNativePc
	_StackMapDexPc
	_StackMapRegisterMaskIndex
	_StackMapStackMaskIndex
	_StackMapInlineInfoIndex
	_StackMapDexRegisterMaskIndex
	_StackMapDexRegisterMapIndex
	_StackMapColumns
)

const (
	_InlineIsLast = iota
	_InlineDexPc
	_InlineMethodInfoIndex
	_InlineArtMethodHi
	_InlineArtMethodLo
	_InlineNumberOfDexRegisters
	_InlineColumns
)

const (
	_InlineMore = 0
	_InlineLast = 1
)

const (
	_RegisterMaskColumns   = 2
	_MethodInfoColumns     = 1
	_DexRegisterMapColumns = 1
	_CatalogueColumns      = 2
)

// Flags are the per-method header flags.
type Flags uint32

const (
	HasInlineInfo Flags = 1 << iota
	HasShouldDeoptimizeFlag
	IsBaseline
	IsDebuggable
)

const (
	_FlagsMask = 0xff
	_ISAShift  = 8
)

type _State uint8

const (
	_StateIdle _State = iota
	_StateMethod
	_StateStackMap
	_StateInline
	_StateEnded
	_StateEncoded
)

type _Record struct {
	kind      Kind
	dexPc     uint32
	regMask   uint32
	stackMask utils.Bitmap
	inlines   []InlineInfo
	regs      DexRegisterMap
}

// Stream builds the stack maps of one method.
type Stream struct {
	Verify bool

	arch     isa.InstructionSet
	distance int
	state    _State
	flags    Flags
	codeSize uint32
	ncatch   int

	frameSize       int
	coreSpillMask   uint32
	fpSpillMask     uint32
	numDexRegisters int

	stackMaps            _TableBuilder
	registerMasks        _TableBuilder
	stackMasks           _BitmapTableBuilder
	inlineInfos          _TableBuilder
	methodInfos          _TableBuilder
	dexRegisterMasks     _BitmapTableBuilder
	dexRegisterMaps      _TableBuilder
	dexRegisterCatalogue _TableBuilder

	current      [_StackMapColumns]uint32
	inlines      []uint32
	regs         []DexRegisterLocation
	expected     int
	needsVRegs   bool
	previous     []DexRegisterLocation
	timestamps   []int
	tempMask     utils.Bitmap
	tempMap      []uint32
	records      []_Record
}

// NewStream creates a stream for methods compiled to arch. A dex register is
// stored again when its last store is more than distance stack maps back.
func NewStream(arch isa.InstructionSet, distance int) *Stream {
	if !arch.Valid() {
		panic("stackmap: invalid instruction set: " + arch.String())
	}
	if distance <= 0 {
		panic(fmt.Sprintf("stackmap: invalid search distance %d", distance))
	}
	ret := &Stream{arch: arch, distance: distance}
	ret.Reset()
	return ret
}

// Reset clears the stream for another method.
func (self *Stream) Reset() {
	self.state = _StateIdle
	self.flags = 0
	self.codeSize = 0
	self.ncatch = 0
	self.frameSize = 0
	self.coreSpillMask = 0
	self.fpSpillMask = 0
	self.numDexRegisters = 0
	self.stackMaps = newTableBuilder(_StackMapColumns)
	self.registerMasks = newTableBuilder(_RegisterMaskColumns)
	self.stackMasks = _BitmapTableBuilder{}
	self.inlineInfos = newTableBuilder(_InlineColumns)
	self.methodInfos = newTableBuilder(_MethodInfoColumns)
	self.dexRegisterMasks = _BitmapTableBuilder{}
	self.dexRegisterMaps = newTableBuilder(_DexRegisterMapColumns)
	self.dexRegisterCatalogue = newTableBuilder(_CatalogueColumns)
	self.inlines = self.inlines[:0]
	self.regs = self.regs[:0]
	self.expected = 0
	self.needsVRegs = false
	self.previous = self.previous[:0]
	self.timestamps = self.timestamps[:0]
	self.tempMap = self.tempMap[:0]
	self.records = self.records[:0]
	self.tempMask.Reset()
}

// ISA returns the instruction set of the stream.
func (self *Stream) ISA() isa.InstructionSet {
	return self.arch
}

func (self *Stream) expect(st _State, op string) {
	if self.state != st {
		panic(fmt.Sprintf("stackmap: %s called out of order", op))
	}
}

// BeginMethod starts a method. The frame size includes everything saved on
// entry, and must be a multiple of the pointer size.
func (self *Stream) BeginMethod(frameSize int, coreSpillMask uint32, fpSpillMask uint32, numDexRegisters int, flags Flags) {
	self.expect(_StateIdle, "BeginMethod")
	ptr := self.arch.PointerSize()

	/* the frame size is stored in words */
	if frameSize < 0 || frameSize%ptr != 0 {
		panic(fmt.Sprintf("stackmap: frame size %d is not a multiple of %d", frameSize, ptr))
	}

	/* inline info is computed from the stack maps */
	self.state = _StateMethod
	self.flags = flags &^ HasInlineInfo
	self.frameSize = frameSize
	self.coreSpillMask = coreSpillMask
	self.fpSpillMask = fpSpillMask
	self.numDexRegisters = numDexRegisters
}

// BeginStackMapEntry starts a stack map and returns its index. The stack mask
// is copied. When needsVRegs is set, one AddDexRegisterEntry call must follow
// for every dex register of the method.
func (self *Stream) BeginStackMapEntry(dexPc uint32, nativePc uint32, regMask uint32, stackMask *utils.Bitmap, kind Kind, needsVRegs bool) int {
	self.expect(_StateMethod, "BeginStackMapEntry")
	self.state = _StateStackMap

	/* catch stack maps go last, so lookups by native pc can skip them */
	if kind > Debug {
		panic("stackmap: invalid stack map kind: " + kind.String())
	} else if kind == Catch {
		self.ncatch++
	} else if self.ncatch != 0 {
		panic("stackmap: " + kind.String() + " stack map after catch stack maps")
	}

	/* fill the row */
	self.current = [_StackMapColumns]uint32{
		_StackMapKind:                 uint32(kind),
		_StackMapPackedNativePc:       self.arch.PackNativePc(nativePc),
		_StackMapDexPc:                dexPc,
		_StackMapRegisterMaskIndex:    NoValue,
		_StackMapStackMaskIndex:       NoValue,
		_StackMapInlineInfoIndex:      NoValue,
		_StackMapDexRegisterMaskIndex: NoValue,
		_StackMapDexRegisterMapIndex:  NoValue,
	}

	/* register masks are stored shifted to save bits */
	if regMask != 0 {
		shift := uint32(bits.TrailingZeros32(regMask))
		self.current[_StackMapRegisterMaskIndex] = self.registerMasks.Dedup(regMask>>shift, shift)
	}

	/* stack masks are deduplicated trimmed */
	self.current[_StackMapStackMaskIndex] = self.stackMasks.Dedup(stackMask)
	self.inlines = self.inlines[:0]
	self.regs = self.regs[:0]

	/* dex registers of the outermost frame */
	if self.needsVRegs = needsVRegs; needsVRegs {
		self.expected = self.numDexRegisters
	} else {
		self.expected = 0
	}

	/* remember what went in for verification */
	if self.Verify {
		rec := _Record{kind: kind, dexPc: dexPc, regMask: regMask}
		if stackMask != nil {
			rec.stackMask = stackMask.Clone()
		}
		self.records = append(self.records, rec)
	}
	return self.stackMaps.Len()
}

// AddDexRegisterEntry adds the location of the next dex register. The value
// is a byte offset for InStack locations.
func (self *Stream) AddDexRegisterEntry(kind LocationKind, value int32) {
	if self.state != _StateStackMap && self.state != _StateInline {
		panic("stackmap: AddDexRegisterEntry called outside of a stack map")
	}
	if len(self.regs) >= self.expected {
		panic(fmt.Sprintf("stackmap: too many dex registers, expected %d", self.expected))
	}
	if kind == Invalid {
		panic("stackmap: invalid dex register location")
	}
	loc := DexRegisterLocation{Kind: kind, Value: value}
	loc.pack()
	self.regs = append(self.regs, loc)
}

// BeginInlineInfoEntry starts an inlined frame. The method is identified by
// its pointer when known, by its index otherwise.
func (self *Stream) BeginInlineInfoEntry(methodIndex uint32, methodPointer uint64, dexPc uint32, numDexRegisters int) {
	self.expect(_StateStackMap, "BeginInlineInfoEntry")
	self.state = _StateInline

	/* the registers of the enclosing frame must be complete */
	if len(self.regs) != self.expected {
		panic(fmt.Sprintf("stackmap: %d dex registers added, expected %d", len(self.regs), self.expected))
	}

	/* inlined frames of a stack map with no dex registers have none either */
	if self.needsVRegs {
		self.expected += numDexRegisters
	}

	/* the row for this frame */
	row := [_InlineColumns]uint32{
		_InlineIsLast:               _InlineMore,
		_InlineDexPc:                dexPc,
		_InlineMethodInfoIndex:      NoValue,
		_InlineArtMethodHi:          NoValue,
		_InlineArtMethodLo:          NoValue,
		_InlineNumberOfDexRegisters: uint32(self.expected),
	}

	/* method pointers are stored inline, indexes go to the method info table */
	if methodPointer != 0 {
		row[_InlineArtMethodHi] = uint32(methodPointer >> 32)
		row[_InlineArtMethodLo] = uint32(methodPointer)
	} else {
		row[_InlineMethodInfoIndex] = self.methodInfos.Dedup(methodIndex)
	}

	/* keep it until the stack map ends */
	self.inlines = append(self.inlines, row[:]...)
	if self.Verify {
		rec := &self.records[len(self.records)-1]
		rec.inlines = append(rec.inlines, InlineInfo{DexPc: dexPc, MethodIndex: methodIndex, ArtMethod: methodPointer, NumberOfDexRegisters: uint32(self.expected)})
	}
}

// EndInlineInfoEntry ends an inlined frame.
func (self *Stream) EndInlineInfoEntry() {
	self.expect(_StateInline, "EndInlineInfoEntry")
	self.state = _StateStackMap
	if len(self.regs) != self.expected {
		panic(fmt.Sprintf("stackmap: %d dex registers added, expected %d", len(self.regs), self.expected))
	}
}

// EndStackMapEntry ends a stack map.
func (self *Stream) EndStackMapEntry() {
	self.expect(_StateStackMap, "EndStackMapEntry")
	self.state = _StateMethod

	/* the last frame closes the inlining chain */
	if n := len(self.inlines); n != 0 {
		self.inlines[n-_InlineColumns+_InlineIsLast] = _InlineLast
		self.current[_StackMapInlineInfoIndex] = self.inlineInfos.Dedup(self.inlines...)
		self.flags |= HasInlineInfo
	}

	/* every dex register must be there */
	if len(self.regs) != self.expected {
		panic(fmt.Sprintf("stackmap: %d dex registers added, expected %d", len(self.regs), self.expected))
	}

	/* delta compress the dex registers */
	if len(self.regs) != 0 {
		self.createDexRegisterMap()
	}

	/* add the row */
	if self.Verify {
		self.records[len(self.records)-1].regs = append(DexRegisterMap(nil), self.regs...)
	}
	self.stackMaps.Add(self.current[:]...)
}

func (self *Stream) createDexRegisterMap() {
	self.tempMask.Reset()
	self.tempMap = self.tempMap[:0]
	now := self.stackMaps.Len()

	/* grow the previous state, registers start as None at the first stack map */
	for len(self.previous) < len(self.regs) {
		self.previous = append(self.previous, DexRegisterLocation{Kind: None})
		self.timestamps = append(self.timestamps, 0)
	}

	/* store the registers that changed, or were stored too long ago */
	for i, reg := range self.regs {
		if self.previous[i] != reg || now-self.timestamps[i] > self.distance {
			idx := NoValue
			if reg.IsLive() {
				idx = self.dexRegisterCatalogue.Dedup(uint32(reg.Kind), reg.pack())
			}
			self.tempMask.SetBit(i)
			self.tempMap = append(self.tempMap, idx)
			self.previous[i] = reg
			self.timestamps[i] = now
		}
	}

	/* a stack map with dex registers always has a map, even an empty one */
	self.current[_StackMapDexRegisterMaskIndex] = self.dexRegisterMasks.Dedup(&self.tempMask)
	self.current[_StackMapDexRegisterMapIndex] = self.dexRegisterMaps.Dedup(self.tempMap...)
}

// NumberOfStackMaps returns the number of stack maps added so far.
func (self *Stream) NumberOfStackMaps() int {
	return self.stackMaps.Len()
}

// StackMapNativePcOffset returns the native pc of stack map i.
func (self *Stream) StackMapNativePcOffset(i int) uint32 {
	return self.arch.UnpackNativePc(self.stackMaps.At(i, _StackMapPackedNativePc))
}

// SetStackMapNativePcOffset changes the native pc of stack map i, for stack
// maps recorded before their code was assembled.
func (self *Stream) SetStackMapNativePcOffset(i int, pc uint32) {
	if self.state != _StateMethod {
		panic("stackmap: SetStackMapNativePcOffset called out of order")
	}
	self.stackMaps.Set(i, _StackMapPackedNativePc, self.arch.PackNativePc(pc))
}

// EndMethod ends the method.
func (self *Stream) EndMethod(codeSize uint32) {
	self.expect(_StateMethod, "EndMethod")
	self.state = _StateEnded
	self.codeSize = codeSize
	last := uint32(0)

	/* non-catch stack maps must be sorted by native pc */
	for i := 0; i < self.stackMaps.Len(); i++ {
		pc := self.StackMapNativePcOffset(i)
		if pc > codeSize {
			panic(fmt.Sprintf("stackmap: native pc %#x of stack map %d beyond the code size %#x", pc, i, codeSize))
		}
		if Kind(self.stackMaps.At(i, _StackMapKind)) != Catch {
			if pc < last {
				panic(fmt.Sprintf("stackmap: native pc %#x of stack map %d is out of order", pc, i))
			}
			last = pc
		}
	}
}

func (self *Stream) tableFlags() (ret uint32) {
	n := [NumTables]int{
		TableStackMaps:            self.stackMaps.Len(),
		TableRegisterMasks:        self.registerMasks.Len(),
		TableStackMasks:           self.stackMasks.Len(),
		TableInlineInfos:          self.inlineInfos.Len(),
		TableMethodInfos:          self.methodInfos.Len(),
		TableDexRegisterMasks:     self.dexRegisterMasks.Len(),
		TableDexRegisterMaps:      self.dexRegisterMaps.Len(),
		TableDexRegisterCatalogue: self.dexRegisterCatalogue.Len(),
	}
	for i, v := range n {
		if v != 0 {
			ret |= 1 << uint(i)
		}
	}
	return
}

// Encode serializes the stack maps. The stream can only be reset afterwards.
func (self *Stream) Encode() []byte {
	var w BitWriter
	self.expect(_StateEnded, "Encode")
	self.state = _StateEncoded

	/* the header */
	tf := self.tableFlags()
	w.WriteInterleavedVarints([]uint32{
		uint32(self.flags) | uint32(self.arch)<<_ISAShift,
		self.codeSize,
		uint32(self.frameSize / self.arch.PointerSize()),
		self.coreSpillMask,
		self.fpSpillMask,
		uint32(self.numDexRegisters),
		uint32(self.distance),
		tf,
	})

	/* the tables that are present, in order */
	for i := 0; i < NumTables; i++ {
		if tf&(1<<uint(i)) != 0 {
			self.encodeTable(i, &w)
		}
	}

	/* verify if needed */
	w.ByteAlign()
	buf := append([]byte(nil), w.Bytes()...)
	if self.Verify {
		self.verify(buf)
	}
	return buf
}

func (self *Stream) encodeTable(i int, w *BitWriter) {
	switch i {
	case TableStackMaps:
		self.stackMaps.Encode(w)
	case TableRegisterMasks:
		self.registerMasks.Encode(w)
	case TableStackMasks:
		self.stackMasks.Encode(w)
	case TableInlineInfos:
		self.inlineInfos.Encode(w)
	case TableMethodInfos:
		self.methodInfos.Encode(w)
	case TableDexRegisterMasks:
		self.dexRegisterMasks.Encode(w)
	case TableDexRegisterMaps:
		self.dexRegisterMaps.Encode(w)
	case TableDexRegisterCatalogue:
		self.dexRegisterCatalogue.Encode(w)
	}
}

// DedupHits returns the number of rows that were shared with identical ones.
func (self *Stream) DedupHits() int {
	return self.registerMasks.hits +
		self.stackMasks.hits +
		self.inlineInfos.hits +
		self.methodInfos.hits +
		self.dexRegisterMasks.hits +
		self.dexRegisterMaps.hits +
		self.dexRegisterCatalogue.hits
}

func (self *Stream) verify(buf []byte) {
	ci := DecodeCodeInfo(buf, 0)
	fail := func(i int, what string, args ...interface{}) {
		panic(fmt.Sprintf("stackmap: verification of stack map %d failed: "+what, append([]interface{}{i}, args...)...))
	}

	/* every recorded stack map must decode to what went in */
	for i, rec := range self.records {
		sm := ci.StackMapAt(i)
		if sm.Kind != rec.kind || sm.DexPc != rec.dexPc {
			fail(i, "kind %s dex pc %d, expected %s dex pc %d", sm.Kind, sm.DexPc, rec.kind, rec.dexPc)
		}
		if v := ci.RegisterMaskOf(sm); v != rec.regMask {
			fail(i, "register mask %#x, expected %#x", v, rec.regMask)
		}
		if v := ci.StackMaskOf(sm); !v.Equal(&rec.stackMask) {
			fail(i, "stack mask %s, expected %s", v, rec.stackMask)
		}

		/* lookups must find this very stack map */
		switch rec.kind {
		case Default, OSR:
			if v, ok := ci.StackMapForNativePcOffset(sm.NativePcOffset); !ok || v.Row != i {
				fail(i, "lookup by native pc %#x found row %d", sm.NativePcOffset, v.Row)
			}
		case Catch:
			if v, ok := ci.CatchStackMapForDexPc(rec.dexPc); !ok || v.Row != i {
				fail(i, "lookup of catch dex pc %d found row %d", rec.dexPc, v.Row)
			}
		}

		/* the inlining chain */
		infos := ci.InlineInfosOf(sm)
		if len(infos) != len(rec.inlines) {
			fail(i, "%d inline infos, expected %d", len(infos), len(rec.inlines))
		}
		for j, v := range infos {
			exp := rec.inlines[j]
			if v.DexPc != exp.DexPc || v.NumberOfDexRegisters != exp.NumberOfDexRegisters || v.ArtMethod != exp.ArtMethod {
				fail(i, "inline info %d is %v, expected %v", j, v, exp)
			}
			if exp.ArtMethod == 0 && v.MethodIndex != exp.MethodIndex {
				fail(i, "inline info %d method %d, expected %d", j, v.MethodIndex, exp.MethodIndex)
			}
		}

		/* the dex registers of every frame */
		if len(rec.regs) != 0 {
			regs := ci.DexRegisterMapOf(sm)
			for d := range infos {
				regs = append(regs, ci.InlineDexRegisterMapOf(sm, infos, d)...)
			}
			if len(regs) != len(rec.regs) {
				fail(i, "%d dex registers, expected %d", len(regs), len(rec.regs))
			}
			for r := range regs {
				if regs[r] != rec.regs[r] {
					fail(i, "dex register %d is %s, expected %s", r, regs[r], rec.regs[r])
				}
			}
		}
	}
}
