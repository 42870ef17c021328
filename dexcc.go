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

// Package dexcc generates native code and stack maps for methods in the
// high-level IR, the way an ahead-of-time Android runtime compiler does.
package dexcc

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/cloudwego/dexcc/internal/atm/pgen"
	"github.com/cloudwego/dexcc/internal/atm/ralloc"
	"github.com/cloudwego/dexcc/internal/atm/stackmap"
	"github.com/cloudwego/dexcc/internal/opts"
	"github.com/cloudwego/dexcc/internal/utils"
)

// Batch is the result of CompileBatch, indexed like the input graphs. Failed
// methods have a nil entry in Methods and an offset of -1.
type Batch struct {
	Methods   []*pgen.CompiledMethod
	Lines     []pgen.LineTable
	StackMaps []byte
	Offsets   []int
	DedupHits int
}

// Compile compiles one method. Graphs that are not register allocated yet go
// through the reference allocator first.
func Compile(g *hir.Graph, options ...Option) (*pgen.CompiledMethod, error) {
	if o, err := newOptions(options); err != nil {
		return nil, err
	} else {
		return compile(g, o)
	}
}

// CompileBatch compiles the methods in parallel. A method that fails does not
// stop the others, the returned error combines every failure.
func CompileBatch(graphs []*hir.Graph, options ...Option) (*Batch, error) {
	o, err := newOptions(options)
	if err != nil {
		return nil, err
	}

	/* the results */
	ret := newBatch(len(graphs))
	errs := make([]error, len(graphs))
	workers := utils.NewWorkers("dexcc", o.Workers)

	/* compile every method */
	workers.ForkJoin(len(graphs), func(i int) {
		ret.Methods[i], errs[i] = compile(graphs[i], o)
	})

	/* build the line tables of the compiled ones */
	workers.ForkJoin(len(graphs), func(i int) {
		if cm := ret.Methods[i]; cm != nil {
			ret.Lines[i] = pgen.BuildLineTable(cm.CodeInfo())
		}
	})

	/* concatenate the stack maps in input order */
	ret.dedupe()
	return ret, multierr.Combine(errs...)
}

func newBatch(n int) *Batch {
	return &Batch{
		Methods: make([]*pgen.CompiledMethod, n),
		Lines:   make([]pgen.LineTable, n),
		Offsets: make([]int, n),
	}
}

func (self *Batch) dedupe() {
	dd := stackmap.NewDeduper()
	for i, cm := range self.Methods {
		if cm == nil {
			self.Offsets[i] = -1
		} else {
			self.Offsets[i] = dd.Dedupe(cm.StackMap)
		}
	}
	self.StackMaps = dd.Bytes()
	self.DedupHits = dd.Hits()
	atomic.AddUint64(&pgen.DedupCount, uint64(dd.Hits()))
}

// CodeInfo decodes the stack maps of method i from the shared buffer.
func (self *Batch) CodeInfo(i int) *stackmap.CodeInfo {
	if self.Offsets[i] < 0 {
		return nil
	} else {
		return stackmap.DecodeCodeInfo(self.StackMaps, self.Offsets[i])
	}
}

func newOptions(options []Option) (o opts.Options, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = ConfigError{Reason: fmt.Sprint(v)}
		}
	}()

	/* apply the options over the defaults */
	o = opts.GetDefaultOptions()
	for _, fn := range options {
		fn(&o)
	}

	/* panics on inconsistencies */
	o.Validate()
	return
}

func compile(g *hir.Graph, o opts.Options) (*pgen.CompiledMethod, error) {
	var cm *pgen.CompiledMethod
	if g == nil {
		return nil, CompileError{Reason: "nil graph"}
	}

	/* any panic below fails this method only */
	if pv := utils.Guard(func() { cm = generate(g, o) }); pv != nil {
		return nil, failed(g, o, pv)
	}

	/* report the method */
	if ce := o.Logger.Check(zap.DebugLevel, "method compiled"); ce != nil {
		ce.Write(
			zap.String("method", cm.Name),
			zap.Stringer("isa", cm.ISA),
			zap.Int("code_size", len(cm.Code)),
			zap.Int("stack_maps", cm.CodeInfo().NumberOfStackMaps()),
		)
	}
	return cm, nil
}

func generate(g *hir.Graph, o opts.Options) *pgen.CompiledMethod {
	if !g.Allocated {
		ralloc.Allocate(g, ralloc.Config{
			Features:     o.UseFeatures(),
			ReadBarriers: o.EmitReadBarrierChecks,
		})
	}

	/* a code generator that panicked is not reused */
	cg := pgen.NewCodeGenerator(o)
	cm := cg.Compile(g)
	cg.Free()
	return cm
}

func failed(g *hir.Graph, o opts.Options, pv *utils.Panic) error {
	err := CompileError{Method: g.Name, Reason: pv.Error(), Stack: []byte(pv.Stack)}
	atomic.AddUint64(&pgen.FailCount, 1)
	o.Logger.Warn("method failed to compile",
		zap.String("method", g.Name),
		zap.Stringer("isa", o.ISA),
		zap.String("reason", err.Reason),
	)
	return err
}
