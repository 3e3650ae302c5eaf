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

package ad

import (
	"github.com/gradir-org/gradir/fmterr"
	"github.com/gradir-org/gradir/ir"
)

// createReverseBlocks allocates the adjoint block of every original block.
// Blocks that cannot reach a return keep an empty reverse block terminated
// by unreachable: the reverse pass never enters them.
func (gu *gutils) createReverseBlocks() {
	for i := len(gu.oldFunc.Blocks) - 1; i >= 0; i-- {
		b := gu.oldFunc.Blocks[i]
		rb := gu.newFunc.NewBlock("reverse_" + b.Name())
		gu.reverseBlocks[b] = rb
		gu.reverseOrig[rb] = b
		if gu.unreachable[b] {
			rbb := ir.NewBuilder(gu.newFunc)
			rbb.SetInsertAtEnd(rb)
			rbb.CreateUnreachable()
		}
	}
}

// instrumentIndicators stores, in every predecessor of a merge point, a
// small tag identifying the edge taken. The reverse pass reads the tag to
// route control to the reverse of the right predecessor and to select phi
// differentials. Loop headers are driven by the countdown instead.
func (gu *gutils) instrumentIndicators() error {
	gu.indicators = make(map[*ir.Block]*tapeSlot)
	for _, b := range gu.oldFunc.Blocks {
		if gu.unreachable[b] {
			continue
		}
		if _, isHeader := gu.loops[b]; isHeader {
			continue
		}
		preds := b.Preds()
		if len(preds) < 2 {
			continue
		}
		slot, err := gu.ensureSlot(b.Terminator(), CacheSelf, ir.I8, false)
		if err != nil {
			return err
		}
		gu.indicators[b] = slot
		for tag, p := range preds {
			pb := ir.NewBuilder(gu.newFunc)
			pb.SetInsertBefore(gu.vmap.NewBlock(p).Terminator())
			gu.writeCache(pb, slot, ir.IntConst(ir.I8, int64(tag)))
		}
	}
	return nil
}

// pathTag reads the edge tag of a merge point in its reverse block,
// loading it once per block.
func (gu *gutils) pathTag(blk *ir.Block, b *ir.Builder) (ir.Value, error) {
	if v, ok := gu.pathValues[blk]; ok {
		return v, nil
	}
	slot, ok := gu.indicators[blk]
	if !ok {
		return nil, fmterr.Internalf(blk.Terminator(), "merge point %s has no edge indicator", blk.Name())
	}
	v := gu.readCache(b, slot, blk, "path_"+blk.Name())
	gu.pathValues[blk] = v
	return v, nil
}

// predicateFor returns an i1 that is true, at the reverse of blk, when the
// forward pass entered blk from pred.
func (gu *gutils) predicateFor(blk, pred *ir.Block, b *ir.Builder) (ir.Value, error) {
	if loop, ok := gu.loops[blk]; ok {
		if pred == loop.preheader {
			return b.CreateICmp(ir.PredEQ, loop.avPhi, ir.IntConst(ir.I64, 0), "from_before"), nil
		}
		return b.CreateICmp(ir.PredNE, loop.avPhi, ir.IntConst(ir.I64, 0), "from_body"), nil
	}
	preds := blk.Preds()
	if len(preds) == 1 {
		return ir.Bool(true), nil
	}
	tagV, err := gu.pathTag(blk, b)
	if err != nil {
		return nil, err
	}
	for tag, p := range preds {
		if p == pred {
			return b.CreateICmp(ir.PredEQ, tagV, ir.IntConst(ir.I8, int64(tag)), "from_"+pred.Name()), nil
		}
	}
	return nil, fmterr.Internalf(blk.Terminator(), "%s is not a predecessor of %s", pred.Name(), blk.Name())
}

// invertTerminator closes the reverse block of an original block: control
// continues to the reverse of the predecessor the forward pass came from.
// The reverse of the entry block has nowhere to go back to and returns.
func (gu *gutils) invertTerminator(origB *ir.Block, b *ir.Builder) error {
	if loop, ok := gu.loops[origB]; ok {
		gu.finishReverseCountdown(loop, b)
		return nil
	}
	preds := origB.Preds()
	switch len(preds) {
	case 0:
		return gu.packGradientReturn(b)
	case 1:
		b.CreateBr(gu.reverseBlocks[preds[0]])
		return nil
	}
	tagV, err := gu.pathTag(origB, b)
	if err != nil {
		return err
	}
	sw := b.CreateSwitch(tagV, gu.reverseBlocks[preds[0]])
	for tag := 1; tag < len(preds); tag++ {
		ir.AddCase(sw, int64(tag), gu.reverseBlocks[preds[tag]])
	}
	return nil
}

// packGradientReturn assembles the gradient result in the reverse of the
// entry block: the recomputed primal return when requested, the shadow of
// a returned pointer, and one differential per active float argument. All
// transform-owned heap memory is released first.
func (gu *gutils) packGradientReturn(b *ir.Builder) error {
	gu.emitReverseFrees(b)
	ret := gu.newFunc.Signature().Result
	if _, void := ret.(*ir.VoidType); void {
		b.CreateRet(nil)
		return nil
	}
	st, ok := ret.(*ir.StructType)
	if !ok {
		return fmterr.Internalf(gu.oldFunc, "gradient of %s does not return a struct", gu.oldFunc.Name())
	}
	var out ir.Value = ir.UndefOf(st)
	idx := 0
	if gu.retAlloca != nil {
		out = b.CreateInsertValue(out, b.CreateLoad(gu.retAlloca, "primal_ret"), []int{idx}, "grad_ret")
		idx++
	}
	if gu.retShadow != nil {
		out = b.CreateInsertValue(out, b.CreateLoad(gu.retShadow, "shadow_ret"), []int{idx}, "grad_ret")
		idx++
	}
	for _, p := range gu.oldFunc.Params() {
		if !gu.outDiffParam(p) {
			continue
		}
		out = b.CreateInsertValue(out, gu.getDiffe(b, p), []int{idx}, "grad_ret")
		idx++
	}
	b.CreateRet(out)
	return nil
}

// outDiffParam reports whether an argument's differential is part of the
// gradient return value. Pointer arguments accumulate through their shadow
// instead.
func (gu *gutils) outDiffParam(p *ir.Param) bool {
	if gu.key.constArg(p.Index()) {
		return false
	}
	if ir.IsPointer(p.Type()) {
		return false
	}
	return ir.ContainsFloat(p.Type())
}

// emitReverseFrees releases the per-iteration cache arrays once every
// reverse read is behind. Erased allocations and anti-allocations are
// freed earlier, at the reverse of their allocation point.
func (gu *gutils) emitReverseFrees(b *ir.Builder) {
	for slot := range gu.tape.slots.Values() {
		if slot.loop == nil {
			continue
		}
		arr := b.CreateLoad(slot.storage, "arr")
		b.CreateCall(gu.ctx.freeFunc(), []ir.Value{b.CreateBitCast(arr, bytePtr, "raw")}, "")
	}
}

// foldIndicatorSelects simplifies the selects the phi inversion emits:
// constant conditions resolve, equal arms collapse, and a boolean select
// inverting its condition becomes an xor.
func (gu *gutils) foldIndicatorSelects() {
	for _, blk := range gu.newFunc.Blocks {
		for _, in := range append([]*ir.Instr(nil), blk.Instrs...) {
			if in.Op() != ir.OpSelect {
				continue
			}
			cond, t, f := in.Arg(0), in.Arg(1), in.Arg(2)
			var repl ir.Value
			if t == f {
				repl = t
			} else if c, ok := cond.(*ir.ConstInt); ok {
				if c.V != 0 {
					repl = t
				} else {
					repl = f
				}
			} else if isBoolConst(t, false) && isBoolConst(f, true) {
				b := ir.NewBuilder(gu.newFunc)
				b.SetInsertBefore(in)
				repl = b.CreateBinOp(ir.OpXor, cond, ir.Bool(true), in.Name())
			}
			if repl == nil {
				continue
			}
			gu.newFunc.ReplaceAllUses(in, repl)
			gu.newFunc.Erase(in)
		}
	}
}

func isBoolConst(v ir.Value, want bool) bool {
	c, ok := v.(*ir.ConstInt)
	if !ok || !c.Type().Equal(ir.I1) {
		return false
	}
	return (c.V != 0) == want
}
