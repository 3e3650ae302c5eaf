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

// loopInfo describes one natural loop of the original function and the
// instrumentation the transform attaches to it: a fresh induction counter
// in the forward pass, the cached trip count, and the countdown that
// drives the reverse pass through the iterations backwards.
type loopInfo struct {
	header    *ir.Block
	preheader *ir.Block
	latch     *ir.Block
	blocks    map[*ir.Block]bool

	// exiting is the unique block leaving the loop, by branch or return.
	// The reverse pass enters the loop at its reverse block, which holds
	// the countdown phi. Nil for loops no path escapes.
	exiting *ir.Block

	// origIV is the canonical counter phi of the original loop, when one
	// exists: phi [0, preheader] [iv+1, latch]. Such a phi rematerializes
	// in the reverse pass as the countdown value instead of being cached.
	origIV *ir.Instr

	// iv is the synthesized i64 counter phi in the transformed header,
	// counting header visits from zero.
	iv *ir.Instr
	// limitSlot caches the final counter value; the last store wins, so
	// the reverse pass reads the trip count.
	limitSlot *tapeSlot

	// avPhi counts down from the cached trip count in the reverse of the
	// exiting block: the forward iteration the current reverse round is
	// undoing. avDec is avPhi-1, the iteration of the blocks the final
	// partial iteration never reached.
	avPhi *ir.Instr
	avDec *ir.Instr
}

// contains reports whether a block belongs to the loop body.
func (l *loopInfo) contains(b *ir.Block) bool {
	return b == l.header || l.blocks[b]
}

// findLoops detects the natural loops of the original function. Loops with
// several latches or without a dedicated preheader are not invertible and
// reported as unsupported.
func (gu *gutils) findLoops() error {
	for _, b := range gu.oldFunc.Blocks {
		for _, s := range b.Succs() {
			if !gu.dt.Dominates(s, b) {
				continue
			}
			if prev, ok := gu.loops[s]; ok {
				return fmterr.Errorf(prev.header, "loop with several back edges (%s and %s) is not supported", prev.latch.Name(), b.Name())
			}
			loop := &loopInfo{header: s, latch: b, blocks: make(map[*ir.Block]bool)}
			gu.loops[s] = loop
			gu.loopList = append(gu.loopList, loop)
		}
	}
	for _, loop := range gu.loopList {
		for _, p := range loop.header.Preds() {
			if p == loop.latch {
				continue
			}
			if loop.preheader != nil {
				return fmterr.Errorf(loop.header, "loop header with several entry edges is not supported")
			}
			loop.preheader = p
		}
		if loop.preheader == nil {
			return fmterr.Errorf(loop.header, "loop without an entry edge")
		}
		gu.collectBody(loop)
		loop.origIV = canonicalCounter(loop)
		if err := gu.findExiting(loop); err != nil {
			return err
		}
	}
	// Record, for each block, the innermost loop containing it.
	for _, loop := range gu.loopList {
		for b := range loop.blocks {
			cur := gu.loopOf[b]
			if cur == nil || gu.dt.Dominates(cur.header, loop.header) {
				gu.loopOf[b] = loop
			}
		}
		cur := gu.loopOf[loop.header]
		if cur == nil || gu.dt.Dominates(cur.header, loop.header) {
			gu.loopOf[loop.header] = loop
		}
	}
	return nil
}

// findExiting locates the single block control leaves the loop from. The
// reverse pass re-enters the loop at that block, so a loop exiting from
// several blocks cannot be inverted.
func (gu *gutils) findExiting(loop *loopInfo) error {
	for _, b := range gu.oldFunc.Blocks {
		if !loop.contains(b) {
			continue
		}
		leaves := false
		if t := b.Terminator(); t != nil && t.Op() == ir.OpRet {
			leaves = true
		}
		for _, s := range b.Succs() {
			if !loop.contains(s) {
				leaves = true
			}
		}
		if !leaves {
			continue
		}
		if loop.exiting != nil && loop.exiting != b {
			return fmterr.Errorf(loop.header, "loop exiting from several blocks (%s and %s) is not supported",
				loop.exiting.Name(), b.Name())
		}
		loop.exiting = b
	}
	return nil
}

// loopExitingAt returns the loop whose exiting block is b, nil if none.
func (gu *gutils) loopExitingAt(b *ir.Block) *loopInfo {
	for _, loop := range gu.loopList {
		if loop.exiting == b {
			return loop
		}
	}
	return nil
}

// collectBody fills the membership set: blocks reaching the latch without
// passing through the header.
func (gu *gutils) collectBody(loop *loopInfo) {
	loop.blocks[loop.header] = true
	work := []*ir.Block{loop.latch}
	for len(work) > 0 {
		b := work[len(work)-1]
		work = work[:len(work)-1]
		if loop.blocks[b] {
			continue
		}
		loop.blocks[b] = true
		work = append(work, b.Preds()...)
	}
}

// canonicalCounter recognizes an original induction phi counting from zero
// by one.
func canonicalCounter(loop *loopInfo) *ir.Instr {
	for _, phi := range loop.header.Phis() {
		var fromPre, fromLatch ir.Value
		for i, inc := range phi.Args() {
			switch phi.IncomingBlocks[i] {
			case loop.preheader:
				fromPre = inc
			case loop.latch:
				fromLatch = inc
			}
		}
		zero, ok := fromPre.(*ir.ConstInt)
		if !ok || zero.V != 0 {
			continue
		}
		step, ok := fromLatch.(*ir.Instr)
		if !ok || step.Op() != ir.OpAdd {
			continue
		}
		one, ok := step.Arg(1).(*ir.ConstInt)
		if !ok || one.V != 1 || step.Arg(0) != ir.Value(phi) {
			continue
		}
		return phi
	}
	return nil
}

// instrumentLoops synthesizes the forward counter of every loop and caches
// its trip count. The counter phi lives in the transformed header; the
// increment is placed before the latch terminator.
func (gu *gutils) instrumentLoops() error {
	for _, loop := range gu.loopList {
		newHeader := gu.vmap.NewBlock(loop.header)
		newLatch := gu.vmap.NewBlock(loop.latch)
		b := ir.NewBuilder(gu.newFunc)
		b.SetInsertAtEnd(newHeader)
		loop.iv = b.CreatePhi(ir.I64, "iv")
		lb := ir.NewBuilder(gu.newFunc)
		lb.SetInsertBefore(newLatch.Terminator())
		next := lb.CreateBinOp(ir.OpAdd, loop.iv, ir.IntConst(ir.I64, 1), "iv_next")
		loop.iv.AddIncoming(ir.IntConst(ir.I64, 0), gu.vmap.NewBlock(loop.preheader))
		loop.iv.AddIncoming(next, newLatch)
		slot, err := gu.ensureSlot(loop.header.Terminator(), CacheSelf, ir.I64, true)
		if err != nil {
			return err
		}
		loop.limitSlot = slot
		hb := ir.NewBuilder(gu.newFunc)
		hb.SetInsertBefore(firstNonPhi(newHeader))
		gu.writeCache(hb, slot, loop.iv)
	}
	return nil
}

func firstNonPhi(b *ir.Block) *ir.Instr {
	for _, in := range b.Instrs {
		if in.Op() != ir.OpPhi {
			return in
		}
	}
	return b.Terminator()
}

// beginReverseCountdown opens the reverse entry of a loop, the reverse of
// its exiting block: the countdown phi holding the forward iteration being
// undone, and its decrement. The phi incomings are fixed once all reverse
// terminators exist.
func (gu *gutils) beginReverseCountdown(loop *loopInfo, b *ir.Builder) {
	loop.avPhi = b.CreatePhi(ir.I64, "av")
	loop.avDec = b.CreateBinOp(ir.OpSub, loop.avPhi, ir.IntConst(ir.I64, 1), "av_dec")
}

// finishReverseCountdown emits the terminator of the reverse header: once
// iteration zero has been undone control continues above the loop.
func (gu *gutils) finishReverseCountdown(loop *loopInfo, b *ir.Builder) {
	done := b.CreateICmp(ir.PredEQ, loop.avPhi, ir.IntConst(ir.I64, 0), "av_done")
	b.CreateCondBr(done, gu.reverseBlocks[loop.preheader], gu.reverseBlocks[loop.latch])
}

// reverseIndex returns the forward iteration the reverse of block at is
// undoing: the countdown itself for blocks that ran up to the loop exit,
// one less for blocks the final partial iteration never reached. Outside
// the loop the final trip count is read back instead.
func (gu *gutils) reverseIndex(loop *loopInfo, at *ir.Block, b *ir.Builder) ir.Value {
	if at != nil && loop.contains(at) {
		if at == loop.exiting || !gu.dt.Dominates(loop.exiting, at) {
			return loop.avPhi
		}
		return loop.avDec
	}
	limit := b.CreateLoad(loop.limitSlot.storage, "trip_count")
	limit.SetMeta(ir.MetaMustCache, "1")
	return limit
}

// patchCountdownPhis fills the countdown phi incomings: the cached trip
// count on edges entering the reverse loop from outside, the decrement on
// edges staying inside.
func (gu *gutils) patchCountdownPhis() {
	for _, loop := range gu.loopList {
		if loop.exiting == nil || loop.avPhi == nil {
			continue
		}
		re := gu.reverseBlocks[loop.exiting]
		if re == nil {
			continue
		}
		for _, p := range re.Preds() {
			orig := gu.reverseOrig[p]
			if orig != nil && loop.contains(orig) {
				loop.avPhi.AddIncoming(loop.avDec, p)
				continue
			}
			pb := ir.NewBuilder(gu.newFunc)
			pb.SetInsertBefore(p.Terminator())
			limit := pb.CreateLoad(loop.limitSlot.storage, "trip_count")
			limit.SetMeta(ir.MetaMustCache, "1")
			loop.avPhi.AddIncoming(limit, p)
		}
	}
}
