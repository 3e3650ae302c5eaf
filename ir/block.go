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

import "slices"

// Block is a basic block: a straight-line instruction sequence ending in a
// single terminator.
type Block struct {
	name   string
	fn     *Func
	Instrs []*Instr
}

// Name of the block.
func (b *Block) Name() string { return b.name }

// Func owning the block.
func (b *Block) Func() *Func { return b.fn }

// String returns the block label.
func (b *Block) String() string { return "block " + b.name }

// Terminator returns the block terminator, nil if the block is unfinished.
func (b *Block) Terminator() *Instr {
	if len(b.Instrs) == 0 {
		return nil
	}
	last := b.Instrs[len(b.Instrs)-1]
	if !last.IsTerminator() {
		return nil
	}
	return last
}

// Succs returns the successor blocks.
func (b *Block) Succs() []*Block {
	term := b.Terminator()
	if term == nil {
		return nil
	}
	return term.Succs
}

// Preds returns the predecessor blocks in function block order.
func (b *Block) Preds() []*Block {
	var preds []*Block
	for _, other := range b.fn.Blocks {
		if slices.Contains(other.Succs(), b) {
			preds = append(preds, other)
		}
	}
	return preds
}

// Phis returns the leading phi instructions of the block.
func (b *Block) Phis() []*Instr {
	var phis []*Instr
	for _, in := range b.Instrs {
		if in.Op() != OpPhi {
			break
		}
		phis = append(phis, in)
	}
	return phis
}

// Index returns the position of an instruction within the block, -1 if the
// instruction does not belong to it.
func (b *Block) Index(in *Instr) int {
	return slices.Index(b.Instrs, in)
}

func (b *Block) append(in *Instr) {
	in.blk = b
	b.Instrs = append(b.Instrs, in)
}

func (b *Block) insert(at int, in *Instr) {
	in.blk = b
	b.Instrs = slices.Insert(b.Instrs, at, in)
}

// Remove detaches an instruction from the block without touching its uses.
func (b *Block) Remove(in *Instr) {
	i := b.Index(in)
	if i < 0 {
		return
	}
	b.Instrs = slices.Delete(b.Instrs, i, i+1)
	in.blk = nil
}
