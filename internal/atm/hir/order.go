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

package hir

import (
	"fmt"
	"sort"

	"github.com/oleiade/lane"
	"gonum.org/v1/gonum/graph/flow"
	"gonum.org/v1/gonum/graph/simple"
)

type _DfsFrame struct {
	bb *BasicBlock
	ix int
}

// PostOrder returns every block reachable from the entry in post order.
// Exception handlers count as successors of the blocks they cover.
func (self *Graph) PostOrder() []*BasicBlock {
	ret := make([]*BasicBlock, 0, len(self.Blocks))
	vis := make([]bool, len(self.Blocks))
	stk := lane.NewStack()

	/* iterative DFS from the entry block */
	vis[self.Entry.Id] = true
	stk.Push(&_DfsFrame{bb: self.Entry})

	/* visit the successors before the block itself */
	for !stk.Empty() {
		fp := stk.Head().(*_DfsFrame)
		ss := fp.bb.successors()

		/* all successors visited, emit the block */
		if fp.ix >= len(ss) {
			ret = append(ret, fp.bb)
			stk.Pop()
			continue
		}

		/* descend into the next unvisited successor */
		next := ss[fp.ix]
		fp.ix++
		if !vis[next.Id] {
			vis[next.Id] = true
			stk.Push(&_DfsFrame{bb: next})
		}
	}
	return ret
}

// ReversePostOrder returns every reachable block in reverse post order.
func (self *Graph) ReversePostOrder() []*BasicBlock {
	ret := self.PostOrder()
	for i, j := 0, len(ret)-1; i < j; i, j = i+1, j-1 {
		ret[i], ret[j] = ret[j], ret[i]
	}
	return ret
}

// AnalyzeLoops finds the natural loops of the graph and records the
// innermost loop of every block. It panics on unreachable blocks.
func (self *Graph) AnalyzeLoops() {
	cfg := simple.NewDirectedGraph()
	rpo := self.ReversePostOrder()

	/* every block must be reachable */
	if len(rpo) != len(self.Blocks) {
		panic(fmt.Sprintf("hir: %d unreachable blocks in %s", len(self.Blocks)-len(rpo), self.Name))
	}

	/* build the control flow graph */
	for _, bb := range self.Blocks {
		bb.Loop = nil
		cfg.AddNode(simple.Node(bb.Id))
	}
	for _, bb := range self.Blocks {
		for _, s := range bb.successors() {
			if s != bb && !cfg.HasEdgeFromTo(int64(bb.Id), int64(s.Id)) {
				cfg.SetEdge(cfg.NewEdge(simple.Node(bb.Id), simple.Node(s.Id)))
			}
		}
	}

	/* an edge to a dominator is a back edge */
	dom := flow.Dominators(simple.Node(self.Entry.Id), cfg)
	hdr := make(map[int]*Loop)
	self.loops = self.loops[:0]

	/* find all the back edges, headers in RPO */
	for _, bb := range rpo {
		for _, s := range bb.Succs {
			if s == bb || dominates(dom, s.Id, bb.Id) {
				lp := hdr[s.Id]
				if lp == nil {
					lp = &Loop{Header: s, blocks: map[int]bool{s.Id: true}}
					hdr[s.Id] = lp
					self.loops = append(self.loops, lp)
				}
				lp.BackEdges = append(lp.BackEdges, bb)
			}
		}
	}

	/* populate the loop bodies by walking backwards from the back edges */
	for _, lp := range self.loops {
		q := lane.NewQueue()
		for _, be := range lp.BackEdges {
			if !lp.blocks[be.Id] {
				lp.blocks[be.Id] = true
				q.Enqueue(be)
			}
		}
		for !q.Empty() {
			bb := q.Dequeue().(*BasicBlock)
			for _, p := range bb.Preds {
				if !lp.blocks[p.Id] {
					lp.blocks[p.Id] = true
					q.Enqueue(p)
				}
			}
		}
	}

	/* larger loops first, so inner loops override the outer ones */
	sort.SliceStable(self.loops, func(i int, j int) bool {
		return self.loops[i].Size() > self.loops[j].Size()
	})

	/* link the loop nest, the closest enclosing loop is the smallest one */
	for i, lp := range self.loops {
		for j := i - 1; j >= 0; j-- {
			if self.loops[j].Contains(lp.Header) {
				lp.Outer = self.loops[j]
				break
			}
		}
	}

	/* assign the innermost loop to every block */
	for _, lp := range self.loops {
		for id := range lp.blocks {
			self.Blocks[id].Loop = lp
		}
	}
}

func dominates(dom flow.DominatorTree, a int, b int) bool {
	for n := dom.DominatorOf(int64(b)); n != nil; n = dom.DominatorOf(n.ID()) {
		if n.ID() == int64(a) {
			return true
		}
	}
	return a == b
}

func sameLoop(a *Loop, b *Loop) bool {
	return a == b
}

func isInnerLoop(outer *Loop, inner *Loop) bool {
	return inner != outer && inner != nil && outer != nil && inner.IsIn(outer)
}

func (self *Graph) addForLinearization(list []*BasicBlock, bb *BasicBlock) []*BasicBlock {
	pos := len(list)

	/* find the position to insert, blocks of the same loop stay together */
	for ; pos > 0; pos-- {
		cur := list[pos-1].Loop
		if sameLoop(bb.Loop, cur) || cur == nil || isInnerLoop(cur, bb.Loop) {
			break
		}
	}

	/* insert the block */
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = bb
	return list
}

// LinearOrder returns the order blocks are emitted in: a reverse post order
// where the blocks of a loop are contiguous, and the back edges are the last
// blocks of their loops. The order is computed once and cached.
func (self *Graph) LinearOrder() []*BasicBlock {
	if self.order != nil {
		return self.order
	}

	/* the loop information is required */
	self.AnalyzeLoops()
	fwd := make([]int, len(self.Blocks))

	/* count the forward predecessors, catch blocks are entered from their try blocks */
	for _, bb := range self.Blocks {
		for _, s := range bb.successors() {
			fwd[s.Id]++
		}
	}
	for _, lp := range self.loops {
		fwd[lp.Header.Id] -= len(lp.BackEdges)
	}

	/* a block is emitted once all of its forward predecessors are */
	ret := make([]*BasicBlock, 0, len(self.Blocks))
	wl := []*BasicBlock{self.Entry}

	/* process the work list from the back */
	for len(wl) != 0 {
		bb := wl[len(wl)-1]
		wl = wl[:len(wl)-1]
		ret = append(ret, bb)

		/* release the successors */
		for _, s := range bb.successors() {
			if fwd[s.Id]--; fwd[s.Id] == 0 {
				wl = self.addForLinearization(wl, s)
			}
		}
	}

	/* every block must have been ordered */
	if len(ret) != len(self.Blocks) {
		panic(fmt.Sprintf("hir: linear order of %s covers %d of %d blocks", self.Name, len(ret), len(self.Blocks)))
	}

	/* cache the order */
	self.order = ret
	return ret
}
