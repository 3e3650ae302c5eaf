// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ir

// DomTree is the dominator tree of a function, built once over the
// original body and queried by the analyses.
type DomTree struct {
	fn    *Func
	idom  map[*Block]*Block
	ponum map[*Block]int
}

// BuildDomTree computes the dominator tree of a function with the
// iterative postorder intersection algorithm.
func BuildDomTree(fn *Func) *DomTree {
	dt := &DomTree{
		fn:    fn,
		idom:  make(map[*Block]*Block),
		ponum: make(map[*Block]int),
	}
	po := postorder(fn)
	for i, b := range po {
		dt.ponum[b] = i
	}
	entry := fn.Entry()
	dt.idom[entry] = entry
	for changed := true; changed; {
		changed = false
		// Reverse postorder, entry excluded.
		for i := len(po) - 1; i >= 0; i-- {
			b := po[i]
			if b == entry {
				continue
			}
			var newIdom *Block
			for _, p := range b.Preds() {
				if _, ok := dt.idom[p]; !ok {
					continue
				}
				if newIdom == nil {
					newIdom = p
					continue
				}
				newIdom = dt.intersect(p, newIdom)
			}
			if newIdom == nil {
				continue
			}
			if dt.idom[b] != newIdom {
				dt.idom[b] = newIdom
				changed = true
			}
		}
	}
	return dt
}

func (dt *DomTree) intersect(a, b *Block) *Block {
	for a != b {
		for dt.ponum[a] < dt.ponum[b] {
			a = dt.idom[a]
		}
		for dt.ponum[b] < dt.ponum[a] {
			b = dt.idom[b]
		}
	}
	return a
}

// Idom returns the immediate dominator of a block. The entry block is its
// own immediate dominator; unreachable blocks have none.
func (dt *DomTree) Idom(b *Block) *Block {
	return dt.idom[b]
}

// Dominates reports whether block a dominates block b. A block dominates
// itself. Unreachable blocks dominate nothing and are dominated by
// everything that reaches them, conservatively reported as false.
func (dt *DomTree) Dominates(a, b *Block) bool {
	if a == b {
		return true
	}
	entry := dt.fn.Entry()
	for b != entry {
		parent, ok := dt.idom[b]
		if !ok {
			return false
		}
		b = parent
		if b == a {
			return true
		}
	}
	return a == entry
}

// InstrDominates reports whether instruction a dominates instruction b:
// within a block by position, across blocks by block dominance.
func (dt *DomTree) InstrDominates(a, b *Instr) bool {
	if a.Block() == b.Block() {
		return a.Block().Index(a) < b.Block().Index(b)
	}
	return dt.Dominates(a.Block(), b.Block())
}

// postorder returns the blocks of a function in postorder over the CFG.
func postorder(fn *Func) []*Block {
	var order []*Block
	seen := make(map[*Block]bool)
	var walk func(b *Block)
	walk = func(b *Block) {
		seen[b] = true
		for _, s := range b.Succs() {
			if !seen[s] {
				walk(s)
			}
		}
		order = append(order, b)
	}
	if entry := fn.Entry(); entry != nil {
		walk(entry)
	}
	return order
}

// ReversePostorder returns the blocks of a function in reverse postorder.
func ReversePostorder(fn *Func) []*Block {
	po := postorder(fn)
	for i, j := 0, len(po)-1; i < j; i, j = i+1, j-1 {
		po[i], po[j] = po[j], po[i]
	}
	return po
}
