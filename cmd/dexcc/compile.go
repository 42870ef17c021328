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

package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/segmentio/encoding/json"
	"go.uber.org/multierr"

	"github.com/cloudwego/dexcc"
	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/atm/pgen"
	"github.com/cloudwego/dexcc/internal/atm/stackmap"
)

type _MethodInfo struct {
	Name            string           `json:"name"`
	ISA             string           `json:"isa"`
	CodeSize        int              `json:"code_size"`
	StackMapSize    int              `json:"stack_map_size"`
	StackMapOffset  int              `json:"stack_map_offset"`
	FrameSize       int              `json:"frame_size"`
	CoreSpillMask   uint32           `json:"core_spill_mask"`
	FpSpillMask     uint32           `json:"fp_spill_mask"`
	NumDexRegisters int              `json:"num_dex_registers"`
	Baseline        bool             `json:"baseline"`
	StackMaps       []_StackMapInfo  `json:"stack_maps"`
	Lines           []pgen.LineEntry `json:"lines"`
}

type _StackMapInfo struct {
	Kind         string   `json:"kind"`
	NativePc     uint32   `json:"native_pc"`
	DexPc        uint32   `json:"dex_pc"`
	RegisterMask uint32   `json:"register_mask"`
	StackMask    []int    `json:"stack_mask,omitempty"`
	DexRegisters []string `json:"dex_registers,omitempty"`
}

type _UnitInfo struct {
	Methods   []*_MethodInfo `json:"methods"`
	StackMaps string         `json:"stack_maps"`
	DedupHits int            `json:"dedup_hits"`
	Errors    []string       `json:"errors,omitempty"`
}

func cmdCompile(args []string) error {
	fs := flag.NewFlagSet("compile", flag.ExitOnError)
	arch := fs.String("isa", "", "target instruction set, overrides the unit file")
	asJSON := fs.Bool("json", false, "print the compiled methods as JSON")
	asHex := fs.Bool("hex", false, "print the shared stack map buffer as hex")
	quiet := fs.Bool("q", false, "do not disassemble the methods")
	verbose := fs.Bool("v", false, "verbose logging")
	_ = fs.Parse(args)

	/* exactly one unit file */
	if fs.NArg() != 1 {
		return fmt.Errorf("compile: expect one unit file")
	}

	/* load the unit */
	cfg, err := LoadConfig(fs.Arg(0))
	if err != nil {
		return err
	}

	/* build the options */
	logger := newLogger(*verbose)
	defer logger.Sync()
	options, err := cfg.Options.Build(*arch)
	if err != nil {
		return err
	}

	/* parse the methods */
	graphs := make([]*hir.Graph, 0, len(cfg.Methods))
	for i := range cfg.Methods {
		if g, err := ParseMethod(&cfg.Methods[i]); err != nil {
			return err
		} else {
			graphs = append(graphs, g)
		}
	}

	/* compile them all */
	batch, err := dexcc.CompileBatch(graphs, append(options, dexcc.WithLogger(logger))...)
	if batch == nil {
		return err
	}

	/* print the result */
	switch {
	case *asJSON:
		return printJSON(os.Stdout, batch, err)
	case *asHex:
		fmt.Println(hex.EncodeToString(batch.StackMaps))
	case !*quiet:
		printMethods(os.Stdout, batch)
	}
	return err
}

func printMethods(w io.Writer, batch *dexcc.Batch) {
	for i, cm := range batch.Methods {
		if cm != nil {
			fmt.Fprintf(w, "; stack maps at %#x\n", batch.Offsets[i])
			cm.Dump(w)
			fmt.Fprintln(w)
		}
	}
	fmt.Fprintf(w, "; %d bytes of stack maps, %d deduplicated\n", len(batch.StackMaps), batch.DedupHits)
}

func printJSON(w io.Writer, batch *dexcc.Batch, err error) error {
	unit := _UnitInfo{
		Methods:   make([]*_MethodInfo, 0, len(batch.Methods)),
		StackMaps: hex.EncodeToString(batch.StackMaps),
		DedupHits: batch.DedupHits,
	}

	/* every compiled method */
	for i, cm := range batch.Methods {
		if cm != nil {
			unit.Methods = append(unit.Methods, methodInfo(cm, batch.CodeInfo(i), batch.Lines[i], batch.Offsets[i]))
		}
	}

	/* and every failure */
	for _, e := range multierr.Errors(err) {
		unit.Errors = append(unit.Errors, e.Error())
	}

	/* encode the unit */
	buf, jerr := json.MarshalIndent(unit, "", "    ")
	if jerr != nil {
		return jerr
	}
	if _, jerr = w.Write(append(buf, '\n')); jerr != nil {
		return jerr
	}
	return err
}

func methodInfo(cm *pgen.CompiledMethod, ci *stackmap.CodeInfo, lines pgen.LineTable, off int) *_MethodInfo {
	ret := &_MethodInfo{
		Name:            cm.Name,
		ISA:             cm.ISA.String(),
		CodeSize:        len(cm.Code),
		StackMapSize:    len(cm.StackMap),
		StackMapOffset:  off,
		FrameSize:       cm.FrameSize,
		CoreSpillMask:   cm.CoreSpillMask,
		FpSpillMask:     cm.FpSpillMask,
		NumDexRegisters: cm.NumDexRegisters,
		Baseline:        cm.Baseline,
		Lines:           lines,
	}
	for i := 0; i < ci.NumberOfStackMaps(); i++ {
		ret.StackMaps = append(ret.StackMaps, stackMapInfo(ci, ci.StackMapAt(i)))
	}
	return ret
}

func stackMapInfo(ci *stackmap.CodeInfo, sm stackmap.StackMap) _StackMapInfo {
	ret := _StackMapInfo{
		Kind:         sm.Kind.String(),
		NativePc:     sm.NativePcOffset,
		DexPc:        sm.DexPc,
		RegisterMask: ci.RegisterMaskOf(sm),
	}

	/* the stack slots holding references */
	mask := ci.StackMaskOf(sm)
	for i := 0; i < mask.N; i++ {
		if mask.IsSet(i) {
			ret.StackMask = append(ret.StackMask, i)
		}
	}

	/* the dex registers, if any */
	if sm.HasDexRegisterMap() {
		for _, loc := range ci.DexRegisterMapOf(sm) {
			ret.DexRegisters = append(ret.DexRegisters, loc.String())
		}
	}
	return ret
}
