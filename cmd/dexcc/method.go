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
	"fmt"
	"strconv"
	"strings"

	"github.com/cloudwego/dexcc/internal/atm/hir"
)

/** Method Descriptions
 *
 *  The body of a method is written one instruction per line:
 *
 *      entry:
 *          x = parameter 0
 *          .vreg 0 x
 *          .dexpc 3
 *          r = invoke_static 2 II x
 *          if.lt r x small big
 *      small:
 *          return x
 *      big:
 *          return r
 *
 *  Mnemonics are the opcode names, with the result type as a shorty suffix
 *  where the operation needs one (add.I, field_get.L). Labels name blocks,
 *  `name: catch N` declares an exception handler at dex pc N. The directives
 *  .vreg, .dexpc and .handlers update the dex register state, the dex pc and
 *  the handlers of the current block. Phi inputs may refer to values defined
 *  further down. `deoptimize c kind` takes the reason reported to the runtime
 *  as an optional name, debugging when omitted.
 */

type _Line struct {
	no   int
	dst  string
	op   string
	vt   hir.DataType
	args []string
}

type _PendingPhi struct {
	line *_Line
	phi  *hir.Instr
	ins  []string
}

type _Parser struct {
	b      *hir.Builder
	blocks map[string]*hir.BasicBlock
	values map[string]*hir.Instr
	phis   []_PendingPhi
}

type _Handler func(p *_Parser, ln *_Line) *hir.Instr

var _Handlers = map[string]_Handler{
	"parameter":         (*_Parser).parameter,
	"current_method":    (*_Parser).currentMethod,
	"constant":          (*_Parser).constant,
	"add":               binary(hir.OpAdd),
	"sub":               binary(hir.OpSub),
	"mul":               binary(hir.OpMul),
	"div":               binary(hir.OpDiv),
	"rem":               binary(hir.OpRem),
	"and":               binary(hir.OpAnd),
	"or":                binary(hir.OpOr),
	"xor":               binary(hir.OpXor),
	"shl":               binary(hir.OpShl),
	"shr":               binary(hir.OpShr),
	"ushr":              binary(hir.OpUShr),
	"neg":               (*_Parser).neg,
	"convert":           (*_Parser).convert,
	"goto":              (*_Parser).jump,
	"return":            (*_Parser).ret,
	"return_void":       (*_Parser).retVoid,
	"throw":             (*_Parser).throw,
	"invoke_static":     (*_Parser).invoke,
	"new_instance":      (*_Parser).newInstance,
	"null_check":        (*_Parser).nullCheck,
	"bounds_check":      (*_Parser).boundsCheck,
	"div_zero_check":    (*_Parser).divZeroCheck,
	"suspend_check":     (*_Parser).suspendCheck,
	"deoptimize":        (*_Parser).deoptimize,
	"array_length":      (*_Parser).arrayLength,
	"field_get":         (*_Parser).fieldGet,
	"field_set":         (*_Parser).fieldSet,
	"array_get":         (*_Parser).arrayGet,
	"array_set":         (*_Parser).arraySet,
	"phi":               (*_Parser).phi,
	"catch_phi":         (*_Parser).catchPhi,
	"load_exception":    (*_Parser).loadException,
	"clear_exception":   (*_Parser).clearException,
	"bit_count":         (*_Parser).bitCount,
	"native_debug_info": (*_Parser).nativeDebugInfo,
}

var _Conditions = map[string]hir.Condition{
	"eq": hir.CondEQ,
	"ne": hir.CondNE,
	"lt": hir.CondLT,
	"le": hir.CondLE,
	"gt": hir.CondGT,
	"ge": hir.CondGE,
	"b":  hir.CondB,
	"ae": hir.CondAE,
	"be": hir.CondBE,
	"a":  hir.CondA,
}

// ParseMethod builds the graph of a method description.
func ParseMethod(desc *MethodDesc) (g *hir.Graph, err error) {
	var ln *_Line
	var sig hir.Signature

	/* the signature */
	if sig, err = hir.ParseShorty(desc.Shorty); err != nil {
		return nil, fmt.Errorf("%s: %w", desc.Name, err)
	}

	/* the builder panics on malformed methods */
	defer func() {
		if v := recover(); v != nil {
			if ln == nil {
				err = fmt.Errorf("%s: %v", desc.Name, v)
			} else {
				err = fmt.Errorf("%s:%d: %v", desc.Name, ln.no, v)
			}
		}
	}()

	/* room for the arguments at least */
	nvregs := desc.VRegs
	if n := sig.VRegs(!desc.Instance); nvregs < n {
		nvregs = n
	}

	/* create the parser */
	p := &_Parser{
		b:      hir.NewBuilder(desc.Name, hir.MethodRef{Index: desc.Index}, sig, !desc.Instance, nvregs),
		blocks: make(map[string]*hir.BasicBlock),
		values: make(map[string]*hir.Instr),
	}

	/* declare the blocks, then emit the instructions */
	lines := strings.Split(desc.Code, "\n")
	p.declare(lines)
	for i, s := range lines {
		if ln = nil; !p.label(s) {
			if ln = tokenize(i+1, s); ln != nil {
				p.emit(ln)
			}
		}
	}

	/* phi inputs may be defined after the phi */
	for _, pp := range p.phis {
		ln = pp.line
		for _, name := range pp.ins {
			pp.phi.Inputs = append(pp.phi.Inputs, p.value(name))
		}
	}

	/* finish the graph */
	ln = nil
	g = p.b.Finish()
	g.OSR = desc.OSR
	g.Debuggable = desc.Debuggable
	g.HasShouldDeoptimizeFlag = desc.ShouldDeoptimize
	return g, nil
}

func stripComment(s string) string {
	if i := strings.IndexAny(s, "#;"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// splitLabel recognizes `name:` and `name: catch N`.
func splitLabel(s string) (string, []string, bool) {
	s = stripComment(s)
	i := strings.IndexByte(s, ':')
	if i <= 0 || strings.ContainsAny(s[:i], " \t=") {
		return "", nil, false
	} else {
		return s[:i], strings.Fields(s[i+1:]), true
	}
}

func (self *_Parser) declare(lines []string) {
	first := true
	for _, s := range lines {
		name, rest, ok := splitLabel(s)

		/* an instruction before any label goes to the entry block */
		if !ok {
			if stripComment(s) != "" {
				first = false
			}
			continue
		}

		/* labels must be unique */
		if _, dup := self.blocks[name]; dup {
			panic(fmt.Sprintf("duplicated label %q", name))
		}

		/* the entry block, a handler, or a normal block */
		switch {
		case first && len(rest) == 0:
			self.blocks[name] = self.b.Block()
		case len(rest) == 2 && rest[0] == "catch":
			self.blocks[name] = self.b.NewCatchBlock(uint32(mustInt(rest[1])))
		case len(rest) == 0:
			self.blocks[name] = self.b.NewBlock()
		default:
			panic(fmt.Sprintf("invalid label %q", stripComment(s)))
		}
		first = false
	}
}

func (self *_Parser) label(s string) bool {
	if name, _, ok := splitLabel(s); ok {
		self.b.SetBlock(self.blocks[name])
		return true
	} else {
		return false
	}
}

func tokenize(no int, s string) *_Line {
	f := strings.Fields(stripComment(s))
	if len(f) == 0 {
		return nil
	}

	/* the destination, if any */
	ln := &_Line{no: no}
	if len(f) >= 3 && f[1] == "=" {
		ln.dst, f = f[0], f[2:]
	}

	/* the mnemonic, its suffix is parsed by emit */
	ln.op, ln.args = f[0], f[1:]
	return ln
}

func parseType(s string) hir.DataType {
	if len(s) != 1 {
		panic(fmt.Sprintf("invalid type %q", s))
	} else if sig, err := hir.ParseShorty(s); err != nil {
		panic(err.Error())
	} else {
		return sig.Return
	}
}

func mustInt(s string) int64 {
	if v, err := strconv.ParseInt(s, 0, 64); err != nil {
		panic(fmt.Sprintf("invalid integer %q", s))
	} else {
		return v
	}
}

func (self *_Parser) value(name string) *hir.Instr {
	if v, ok := self.values[name]; ok {
		return v
	} else {
		panic(fmt.Sprintf("undefined value %q", name))
	}
}

func (self *_Parser) block(name string) *hir.BasicBlock {
	if bb, ok := self.blocks[name]; ok {
		return bb
	} else {
		panic(fmt.Sprintf("undefined label %q", name))
	}
}

func (self *_Line) want(n int) {
	if len(self.args) != n {
		panic(fmt.Sprintf("%s expects %d operands, got %d", self.op, n, len(self.args)))
	}
}

func (self *_Line) typed() hir.DataType {
	if self.vt == hir.Void {
		panic(self.op + " needs a result type")
	}
	return self.vt
}

func (self *_Parser) emit(ln *_Line) {
	var v *hir.Instr

	/* directives */
	switch ln.op {
	case ".vreg":
		self.vreg(ln)
		return
	case ".dexpc":
		ln.want(1)
		self.b.SetDexPC(uint32(mustInt(ln.args[0])))
		return
	case ".handlers":
		self.handlers(ln)
		return
	}

	/* conditional branches carry the condition as suffix, others the type */
	if strings.HasPrefix(ln.op, "if.") {
		v = self.branch(ln)
	} else {
		v = self.dispatch(ln)
	}

	/* name the result */
	if ln.dst != "" {
		if !v.HasValue() {
			panic(fmt.Sprintf("%s has no result", ln.op))
		}
		if _, dup := self.values[ln.dst]; dup {
			panic(fmt.Sprintf("value %q is defined twice", ln.dst))
		}
		self.values[ln.dst] = v
	}
}

func (self *_Parser) dispatch(ln *_Line) *hir.Instr {
	if i := strings.IndexByte(ln.op, '.'); i > 0 {
		ln.op, ln.vt = ln.op[:i], parseType(ln.op[i+1:])
	}
	if fn := _Handlers[ln.op]; fn == nil {
		panic(fmt.Sprintf("unknown instruction %q", ln.op))
	} else {
		return fn(self, ln)
	}
}

/** Directives **/

func (self *_Parser) vreg(ln *_Line) {
	ln.want(2)
	if i := int(mustInt(ln.args[0])); ln.args[1] == "-" {
		self.b.KillVReg(i)
	} else {
		self.b.SetVReg(i, self.value(ln.args[1]))
	}
}

func (self *_Parser) handlers(ln *_Line) {
	hs := make([]*hir.BasicBlock, 0, len(ln.args))
	for _, name := range ln.args {
		hs = append(hs, self.block(name))
	}
	self.b.SetHandlers(self.b.Block(), hs...)
}

/** Instructions **/

func binary(op hir.OpCode) _Handler {
	return func(p *_Parser, ln *_Line) *hir.Instr {
		ln.want(2)
		return p.b.Binary(op, ln.typed(), p.value(ln.args[0]), p.value(ln.args[1]))
	}
}

func (self *_Parser) parameter(ln *_Line) *hir.Instr {
	ln.want(1)
	return self.b.Parameter(int(mustInt(ln.args[0])))
}

func (self *_Parser) currentMethod(ln *_Line) *hir.Instr {
	ln.want(0)
	return self.b.CurrentMethod(ln.typed())
}

func (self *_Parser) constant(ln *_Line) *hir.Instr {
	ln.want(1)
	switch vt := ln.typed(); vt {
	case hir.Float32:
		return self.b.Float32Constant(float32(mustFloat(ln.args[0])))
	case hir.Float64:
		return self.b.Float64Constant(mustFloat(ln.args[0]))
	default:
		return self.b.Constant(vt, mustInt(ln.args[0]))
	}
}

func mustFloat(s string) float64 {
	if v, err := strconv.ParseFloat(s, 64); err != nil {
		panic(fmt.Sprintf("invalid number %q", s))
	} else {
		return v
	}
}

func (self *_Parser) neg(ln *_Line) *hir.Instr {
	ln.want(1)
	return self.b.Neg(ln.typed(), self.value(ln.args[0]))
}

func (self *_Parser) convert(ln *_Line) *hir.Instr {
	ln.want(1)
	return self.b.Convert(ln.typed(), self.value(ln.args[0]))
}

func (self *_Parser) branch(ln *_Line) *hir.Instr {
	cc, ok := _Conditions[strings.TrimPrefix(ln.op, "if.")]
	if !ok {
		panic(fmt.Sprintf("invalid condition in %q", ln.op))
	}
	ln.want(4)
	return self.b.If(cc, self.value(ln.args[0]), self.value(ln.args[1]), self.block(ln.args[2]), self.block(ln.args[3]))
}

func (self *_Parser) jump(ln *_Line) *hir.Instr {
	ln.want(1)
	return self.b.Goto(self.block(ln.args[0]))
}

func (self *_Parser) ret(ln *_Line) *hir.Instr {
	if len(ln.args) == 0 {
		return self.b.ReturnVoid()
	}
	ln.want(1)
	return self.b.Return(self.value(ln.args[0]))
}

func (self *_Parser) retVoid(ln *_Line) *hir.Instr {
	ln.want(0)
	return self.b.ReturnVoid()
}

func (self *_Parser) throw(ln *_Line) *hir.Instr {
	ln.want(1)
	return self.b.Throw(self.value(ln.args[0]))
}

func (self *_Parser) invoke(ln *_Line) *hir.Instr {
	if len(ln.args) < 2 {
		panic("invoke_static expects a method index and a shorty")
	}

	/* the callee */
	sig, err := hir.ParseShorty(ln.args[1])
	if err != nil {
		panic(err.Error())
	}

	/* the arguments */
	args := make([]*hir.Instr, 0, len(ln.args)-2)
	for _, name := range ln.args[2:] {
		args = append(args, self.value(name))
	}
	return self.b.InvokeStatic(hir.MethodRef{Index: uint32(mustInt(ln.args[0]))}, sig, args...)
}

func (self *_Parser) newInstance(ln *_Line) *hir.Instr {
	ln.want(1)
	return self.b.NewInstance(uint32(mustInt(ln.args[0])))
}

func (self *_Parser) nullCheck(ln *_Line) *hir.Instr {
	ln.want(1)
	return self.b.NullCheck(self.value(ln.args[0]))
}

func (self *_Parser) boundsCheck(ln *_Line) *hir.Instr {
	ln.want(2)
	return self.b.BoundsCheck(self.value(ln.args[0]), self.value(ln.args[1]))
}

func (self *_Parser) divZeroCheck(ln *_Line) *hir.Instr {
	ln.want(1)
	return self.b.DivZeroCheck(self.value(ln.args[0]))
}

func (self *_Parser) suspendCheck(ln *_Line) *hir.Instr {
	ln.want(0)
	return self.b.SuspendCheck()
}

func (self *_Parser) deoptimize(ln *_Line) *hir.Instr {
	kind := hir.DeoptDebugging

	/* the kind is an optional second operand */
	if len(ln.args) == 2 {
		k, ok := hir.ParseDeoptimizationKind(ln.args[1])
		if !ok {
			panic(fmt.Sprintf("invalid deoptimization kind %q", ln.args[1]))
		}
		kind, ln.args = k, ln.args[:1]
	}

	/* the condition */
	ln.want(1)
	return self.b.Deoptimize(kind, self.value(ln.args[0]))
}

func (self *_Parser) arrayLength(ln *_Line) *hir.Instr {
	ln.want(1)
	return self.b.ArrayLength(self.value(ln.args[0]))
}

func (self *_Parser) fieldGet(ln *_Line) *hir.Instr {
	ln.want(2)
	return self.b.FieldGet(ln.typed(), self.value(ln.args[0]), int(mustInt(ln.args[1])))
}

func (self *_Parser) fieldSet(ln *_Line) *hir.Instr {
	ln.want(3)
	return self.b.FieldSet(self.value(ln.args[0]), self.value(ln.args[1]), int(mustInt(ln.args[2])))
}

func (self *_Parser) arrayGet(ln *_Line) *hir.Instr {
	ln.want(2)
	return self.b.ArrayGet(ln.typed(), self.value(ln.args[0]), self.value(ln.args[1]))
}

func (self *_Parser) arraySet(ln *_Line) *hir.Instr {
	ln.want(3)
	return self.b.ArraySet(self.value(ln.args[0]), self.value(ln.args[1]), self.value(ln.args[2]))
}

func (self *_Parser) phi(ln *_Line) *hir.Instr {
	v := self.b.Phi(self.b.Block(), ln.typed())
	self.phis = append(self.phis, _PendingPhi{line: ln, phi: v, ins: ln.args})
	return v
}

func (self *_Parser) catchPhi(ln *_Line) *hir.Instr {
	if len(ln.args) < 1 {
		panic("catch_phi expects a vreg")
	}
	v := self.b.CatchPhi(self.b.Block(), int(mustInt(ln.args[0])), ln.typed())
	self.phis = append(self.phis, _PendingPhi{line: ln, phi: v, ins: ln.args[1:]})
	return v
}

func (self *_Parser) loadException(ln *_Line) *hir.Instr {
	ln.want(0)
	return self.b.LoadException()
}

func (self *_Parser) clearException(ln *_Line) *hir.Instr {
	ln.want(0)
	return self.b.ClearException()
}

func (self *_Parser) bitCount(ln *_Line) *hir.Instr {
	ln.want(1)
	return self.b.BitCount(self.value(ln.args[0]))
}

func (self *_Parser) nativeDebugInfo(ln *_Line) *hir.Instr {
	ln.want(0)
	return self.b.NativeDebugInfo()
}
