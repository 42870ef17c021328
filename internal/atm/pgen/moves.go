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
	"fmt"

	"github.com/cloudwego/dexcc/internal/atm/hir"
	"github.com/oleiade/lane"
)

/** Parallel Move Resolver
 *
 *  All moves of a parallel move happen at once: every source is read before
 *  any destination is written. A move is emitted after the moves that read
 *  its destination, found by a depth-first walk. When the walk comes back to
 *  a move that is still pending, the moves form a cycle, which is broken by
 *  swapping the two locations and redirecting the remaining sources.
 *
 *  Constant sources never block anything, they are materialized last.
 */

type _Move struct {
	src     hir.Location
	dst     hir.Location
	vt      hir.DataType
	pending bool
	done    bool
}

type _MoveFrame struct {
	i int
	j int
}

type _MoveResolver struct {
	be    _Backend
	moves []_Move
}

func (self *CodeGenerator) parallelMove(moves []hir.Move) {
	mr := _MoveResolver{be: self.be}
	mr.resolve(moves)
}

func (self *_MoveResolver) resolve(moves []hir.Move) {
	for i := range moves {
		for j := i + 1; j < len(moves); j++ {
			if moves[i].Dst.Overlaps(moves[j].Dst) {
				panic(fmt.Sprintf("pgen: parallel move writes %s twice", moves[i].Dst))
			}
		}
	}

	/* every location is written at most once, self moves are no-ops */
	for _, mv := range moves {
		if !mv.Src.Equals(mv.Dst) {
			self.moves = append(self.moves, _Move{src: mv.Src, dst: mv.Dst, vt: mv.Type})
		}
	}

	/* the moves between locations */
	for i := range self.moves {
		if m := &self.moves[i]; !m.done && !m.src.IsConstant() {
			self.perform(i)
		}
	}

	/* then the constants */
	for i := range self.moves {
		if m := &self.moves[i]; !m.done {
			self.be.move(m.dst, m.src, m.vt)
			m.done = true
		}
	}
}

// blocks reports whether move i still has to read loc.
func (self *_MoveResolver) blocks(i int, loc hir.Location) bool {
	m := &self.moves[i]
	return !m.done && m.src.Overlaps(loc)
}

func (self *_MoveResolver) perform(root int) {
	stk := lane.NewStack()
	self.moves[root].pending = true
	stk.Push(&_MoveFrame{i: root})

	/* emit the moves reading the destination before the move itself */
	for !stk.Empty() {
		fp := stk.Head().(*_MoveFrame)
		dst := self.moves[fp.i].dst

		/* look for the next move that still reads our destination */
		if fp.j < len(self.moves) {
			j := fp.j
			fp.j++
			if !self.moves[j].pending && self.blocks(j, dst) {
				self.moves[j].pending = true
				stk.Push(&_MoveFrame{i: j})
			}
			continue
		}

		/* nothing left in the way except a cycle */
		stk.Pop()
		self.moves[fp.i].pending = false
		self.emit(fp.i)
	}
}

func (self *_MoveResolver) emit(i int) {
	m := &self.moves[i]
	cyc := false

	/* a swap earlier in the cycle may have made this move redundant */
	if m.src.Equals(m.dst) {
		m.done = true
		return
	}

	/* a pending move still reading the destination closes a cycle */
	for j := range self.moves {
		if j != i && self.blocks(j, m.dst) {
			cyc = true
			break
		}
	}

	/* no cycle, a plain move */
	if m.done = true; !cyc {
		self.be.move(m.dst, m.src, m.vt)
		return
	}

	/* swap, then redirect the readers of the two locations */
	src, dst := m.src, m.dst
	self.be.swap(src, dst, m.vt)

	/* the values are now in each other's place */
	for j := range self.moves {
		if o := &self.moves[j]; !o.done {
			if o.src.Overlaps(src) {
				o.src = dst
			} else if o.src.Overlaps(dst) {
				o.src = src
			}
		}
	}
}
