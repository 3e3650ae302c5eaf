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

// runForwardSweep walks the original function in reverse postorder and
// applies the forward-pass edits to the cloned body: tape writes, shadow
// stores, call augmentation and, in split-gradient mode, the replacement
// of taped loads and calls.
func (gu *gutils) runForwardSweep() error {
	for _, b := range ir.ReversePostorder(gu.oldFunc) {
		for _, in := range append([]*ir.Instr(nil), b.Instrs...) {
			if err := gu.visitForward(in); err != nil {
				return err
			}
		}
	}
	return gu.resolveShadowPhis()
}

func (gu *gutils) visitForward(in *ir.Instr) error {
	switch in.Op() {
	case ir.OpLoad:
		return gu.forwardLoad(in)
	case ir.OpStore:
		return gu.forwardStore(in)
	case ir.OpCall:
		return gu.handleCallForward(in)
	case ir.OpPhi:
		return gu.forwardPhi(in)
	case ir.OpRet:
		return gu.forwardRet(in)
	}
	return nil
}

// forwardLoad caches loads whose location may be overwritten before their
// reverse use and, in split-gradient mode, replaces them with tape reads.
func (gu *gutils) forwardLoad(in *ir.Instr) error {
	mirror := gu.getNewFromOriginal(in).(*ir.Instr)
	if gu.mode == Reverse && gu.aug != nil {
		if gu.aug.CacheableLoads[in] {
			slot, ok := gu.tape.lookup(in, CacheSelf)
			if !ok {
				return fmterr.Internalf(in, "taped load %s has no slot in the gradient", in.Name())
			}
			b := ir.NewBuilder(gu.newFunc)
			b.SetInsertBefore(mirror)
			v := gu.readCacheForward(b, slot, in.Name()+"_taped")
			gu.newFunc.ReplaceAllUses(mirror, v)
			gu.vmap.RemapNew(in, v)
			gu.newFunc.Erase(mirror)
		}
		return nil
	}
	b := ir.NewBuilder(gu.newFunc)
	gu.setInsertAfter(b, mirror)
	if gu.shouldCacheLoad(in) && (gu.neededInReverse(in) || gu.ctx.cfg.CacheReadsAlways) {
		slot, err := gu.ensureSlot(in, CacheSelf, in.Type(), false)
		if err != nil {
			return err
		}
		gu.writeCache(b, slot, mirror)
		gu.cachedLoads[in] = true
	}
	if ir.IsPointer(in.Type()) && !gu.isConstantValue(in) {
		shadow, err := gu.invertPointer(in)
		if err != nil {
			return err
		}
		// A clobberable pointer load cannot re-derive its shadow in the
		// reverse pass; the shadow itself goes on the tape.
		if gu.canModRef[in] {
			slot, err := gu.ensureSlot(in, CacheShadow, in.Type(), false)
			if err != nil {
				return err
			}
			gu.writeCache(b, slot, shadow)
		}
	}
	return nil
}

// forwardStore mirrors stores of active pointers into shadow memory, so
// that the shadow heap keeps the shape of the primal heap.
func (gu *gutils) forwardStore(in *ir.Instr) error {
	val, ptr := in.Arg(0), in.Arg(1)
	if !ir.IsPointer(val.Type()) || gu.isConstantInstr(in) {
		return nil
	}
	valShadow, err := gu.invertPointer(val)
	if err != nil {
		return err
	}
	ptrShadow, err := gu.invertPointer(ptr)
	if err != nil {
		return err
	}
	mirror := gu.getNewFromOriginal(in).(*ir.Instr)
	b := ir.NewBuilder(gu.newFunc)
	gu.setInsertAfter(b, mirror)
	st := b.CreateStore(valShadow, ptrShadow)
	st.Align = in.Align
	st.Volatile = in.Volatile
	st.Atomic = in.Atomic
	st.SyncScope = in.SyncScope
	return nil
}

// forwardPhi caches loop-carried phis the reverse pass needs: they cannot
// be rematerialized from the countdown, unlike the canonical counter.
func (gu *gutils) forwardPhi(in *ir.Instr) error {
	if gu.mode == Forward {
		return nil
	}
	loop := gu.loopOf[in.Block()]
	if loop == nil || in == loop.origIV {
		return nil
	}
	if !gu.neededInReverse(in) {
		return nil
	}
	slot, err := gu.ensureSlot(in, CacheSelf, in.Type(), false)
	if err != nil {
		return err
	}
	mirror := gu.getNewFromOriginal(in).(*ir.Instr)
	b := ir.NewBuilder(gu.newFunc)
	b.SetInsertBefore(firstNonPhi(mirror.Block()))
	gu.writeCache(b, slot, mirror)
	return nil
}

// forwardRet rewires a return. The augmented primal packs its return
// struct later, once the tape layout is final; gradient modes save the
// primal return, seed the return differential, and fall through into the
// reverse block of the returning block.
func (gu *gutils) forwardRet(in *ir.Instr) error {
	gu.origRets = append(gu.origRets, in)
	if gu.mode == Forward {
		return nil
	}
	mirror := gu.getNewFromOriginal(in).(*ir.Instr)
	b := ir.NewBuilder(gu.newFunc)
	b.SetInsertBefore(mirror)
	if in.NumArgs() > 0 {
		orig := in.Arg(0)
		if gu.retAlloca != nil && !gu.isCombinedCall(orig) {
			b.CreateStore(gu.getNewFromOriginal(orig), gu.retAlloca)
		}
		if gu.key.DifferentialReturn && ir.ContainsFloat(orig.Type()) {
			gu.setDiffe(b, orig, gu.diffeRetParam)
		}
		if gu.retShadow != nil {
			shadow := gu.getNewFromOriginal(orig)
			if !gu.isConstantValue(orig) {
				var err error
				if shadow, err = gu.invertPointer(orig); err != nil {
					return err
				}
			}
			b.CreateStore(shadow, gu.retShadow)
		}
	}
	b.CreateBr(gu.reverseBlocks[in.Block()])
	gu.newFunc.Erase(mirror)
	return nil
}

// readCacheForward reads a tape slot during the recomputing forward sweep
// of a split gradient; loop slots are indexed by the forward counter.
func (gu *gutils) readCacheForward(b *ir.Builder, slot *tapeSlot, name string) ir.Value {
	if slot.loop == nil {
		ld := b.CreateLoad(slot.storage, name)
		ld.SetMeta(ir.MetaMustCache, "1")
		return ld
	}
	arr := b.CreateLoad(slot.storage, "arr")
	arr.SetMeta(ir.MetaMustCache, "1")
	at := b.CreateGEP(arr, []ir.Value{slot.loop.iv}, "at")
	ld := b.CreateLoad(at, name)
	ld.SetMeta(ir.MetaMustCache, "1")
	return ld
}

// runReverseSweep builds the adjoint block of every reachable original
// block: instruction adjoints in reverse program order, then the inverted
// terminator routing control to the reverse of a predecessor.
func (gu *gutils) runReverseSweep() error {
	for _, origB := range gu.oldFunc.Blocks {
		rb := gu.reverseBlocks[origB]
		if rb == nil || gu.unreachable[origB] {
			continue
		}
		b := ir.NewBuilder(gu.newFunc)
		b.SetInsertAtEnd(rb)
		if loop := gu.loopExitingAt(origB); loop != nil {
			gu.beginReverseCountdown(loop, b)
		}
		for i := len(origB.Instrs) - 1; i >= 0; i-- {
			if err := gu.visitReverse(origB.Instrs[i], b, origB); err != nil {
				return err
			}
		}
		if err := gu.invertTerminator(origB, b); err != nil {
			return err
		}
	}
	gu.patchCountdownPhis()
	gu.foldIndicatorSelects()
	return nil
}

func (gu *gutils) visitReverse(in *ir.Instr, b *ir.Builder, blk *ir.Block) error {
	if in.IsTerminator() {
		return nil
	}
	switch in.Op() {
	case ir.OpCall:
		return gu.handleCallReverse(in, b, blk)
	case ir.OpStore:
		return gu.reverseStore(in, b, blk)
	case ir.OpLoad:
		return gu.reverseLoad(in, b, blk)
	case ir.OpPhi:
		return gu.reversePhi(in, b, blk)
	}
	if gu.isConstantInstr(in) {
		return nil
	}
	switch in.Op() {
	case ir.OpFAdd, ir.OpFSub, ir.OpFMul, ir.OpFDiv:
		return gu.reverseFloatBinOp(in, b, blk)
	case ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpAnd, ir.OpOr, ir.OpXor,
		ir.OpShl, ir.OpLShr, ir.OpAShr:
		return gu.reverseIntBinOp(in, b, blk)
	case ir.OpSelect:
		return gu.reverseSelect(in, b, blk)
	case ir.OpExtractValue:
		return gu.reverseExtractValue(in, b)
	case ir.OpInsertValue:
		return gu.reverseInsertValue(in, b)
	case ir.OpExtractElement:
		return gu.reverseExtractElement(in, b, blk)
	case ir.OpInsertElement:
		return gu.reverseInsertElement(in, b, blk)
	case ir.OpShuffleVector:
		return gu.reverseShuffleVector(in, b)
	case ir.OpFPTrunc, ir.OpFPExt:
		x := in.Arg(0)
		d := gu.getDiffe(b, in)
		back := ir.OpFPExt
		if in.Op() == ir.OpFPExt {
			back = ir.OpFPTrunc
		}
		gu.addToDiffe(b, x, b.CreateCast(back, d, x.Type(), "d_"+x.Name()))
		gu.zeroDiffe(b, in)
		return nil
	case ir.OpBitCast:
		return gu.reverseBitCast(in, b)
	case ir.OpTrunc, ir.OpZExt:
		return gu.reverseIntCarrierCast(in, b)
	case ir.OpAlloca, ir.OpGEP, ir.OpICmp, ir.OpFCmp,
		ir.OpPtrToInt, ir.OpIntToPtr, ir.OpFPToSI, ir.OpFPToUI,
		ir.OpSIToFP, ir.OpUIToFP:
		return nil
	}
	return fmterr.Errorf(in, "cannot differentiate active %s", in.Op())
}

func (gu *gutils) reverseStore(in *ir.Instr, b *ir.Builder, blk *ir.Block) error {
	if gu.isConstantInstr(in) {
		return nil
	}
	val, ptr := in.Arg(0), in.Arg(1)
	if ir.IsPointer(val.Type()) {
		// Pointer stores are mirrored into shadow memory in the forward
		// pass; nothing flows backwards through them.
		return nil
	}
	ft := gu.floatTypeOf(val)
	if ft == nil {
		return nil
	}
	sptr, err := gu.lookupShadow(b, ptr, blk)
	if err != nil {
		return err
	}
	sptr = gu.castShadowTo(b, sptr, ft)
	dval := b.CreateLoad(sptr, "d_stored")
	b.CreateStore(ir.ZeroValue(ft), sptr)
	gu.addToDiffe(b, val, dval)
	return nil
}

func (gu *gutils) reverseLoad(in *ir.Instr, b *ir.Builder, blk *ir.Block) error {
	if gu.isConstantValue(in) || ir.IsPointer(in.Type()) {
		return nil
	}
	ft := gu.floatTypeOf(in)
	if ft == nil {
		return nil
	}
	sptr, err := gu.lookupShadow(b, in.Arg(0), blk)
	if err != nil {
		return err
	}
	sptr = gu.castShadowTo(b, sptr, ft)
	d := gu.getDiffe(b, in)
	cur := b.CreateLoad(sptr, "d_mem")
	b.CreateStore(b.CreateFAdd(cur, d, "d_mem"), sptr)
	gu.zeroDiffe(b, in)
	return nil
}

// reversePhi routes the phi differential to the incoming value selected by
// the path actually taken, using the predecessor predicates of the block.
func (gu *gutils) reversePhi(in *ir.Instr, b *ir.Builder, blk *ir.Block) error {
	if gu.isConstantValue(in) || ir.IsPointer(in.Type()) {
		return nil
	}
	if loop := gu.loops[blk]; loop != nil && in == loop.origIV {
		return nil
	}
	ft := gu.floatTypeOf(in)
	if ft == nil {
		return nil
	}
	d := gu.getDiffe(b, in)
	gu.zeroDiffe(b, in)
	zero := ir.ZeroValue(ft)
	preds := blk.Preds()
	for i, inc := range in.Args() {
		if gu.isConstantValue(inc) || ir.IsConstant(inc) {
			continue
		}
		contribution := d
		if len(preds) > 1 {
			pi, err := gu.predicateFor(blk, in.IncomingBlocks[i], b)
			if err != nil {
				return err
			}
			contribution = b.CreateSelect(pi, d, zero, "d_"+in.Name()+"_sel")
		}
		gu.addToDiffe(b, inc, contribution)
	}
	return nil
}

func (gu *gutils) reverseFloatBinOp(in *ir.Instr, b *ir.Builder, blk *ir.Block) error {
	x, y := in.Arg(0), in.Arg(1)
	d := gu.getDiffe(b, in)
	switch in.Op() {
	case ir.OpFAdd:
		gu.addToDiffe(b, x, d)
		gu.addToDiffe(b, y, d)
	case ir.OpFSub:
		gu.addToDiffe(b, x, d)
		gu.subFromDiffe(b, y, d)
	case ir.OpFMul:
		if !gu.isConstantValue(x) {
			yv, err := gu.lookup(b, y, blk)
			if err != nil {
				return err
			}
			gu.addToDiffe(b, x, b.CreateFMul(d, yv, "d_"+x.Name()))
		}
		if !gu.isConstantValue(y) {
			xv, err := gu.lookup(b, x, blk)
			if err != nil {
				return err
			}
			gu.addToDiffe(b, y, b.CreateFMul(d, xv, "d_"+y.Name()))
		}
	case ir.OpFDiv:
		yv, err := gu.lookup(b, y, blk)
		if err != nil {
			return err
		}
		if !gu.isConstantValue(x) {
			gu.addToDiffe(b, x, b.CreateFDiv(d, yv, "d_"+x.Name()))
		}
		if !gu.isConstantValue(y) {
			xv, err := gu.lookup(b, x, blk)
			if err != nil {
				return err
			}
			num := b.CreateFMul(d, xv, "dnum")
			den := b.CreateFMul(yv, yv, "y2")
			gu.subFromDiffe(b, y, b.CreateFDiv(num, den, "d_"+y.Name()))
		}
	}
	gu.zeroDiffe(b, in)
	return nil
}

// reverseIntBinOp handles active integer arithmetic. The only integer op
// with a derivative is a right shift that moves a carried float by a whole
// number of float widths: the payload is repositioned, not scaled, so the
// differential passes through unchanged. Everything else that carries float
// bits has no pointwise derivative through shifts or masks.
func (gu *gutils) reverseIntBinOp(in *ir.Instr, b *ir.Builder, blk *ir.Block) error {
	ft := gu.ti.SecretFloat(in)
	if ft == nil {
		return nil
	}
	if in.Op() == ir.OpLShr {
		src := in.Arg(0)
		k, isConst := gu.ti.ConstantInt(in.Arg(1))
		if sf := gu.ti.SecretFloat(src); isConst && k%int64(ft.Bits) == 0 && sf != nil && ft.Equal(sf) {
			gu.addToDiffe(b, src, gu.getDiffe(b, in))
			gu.zeroDiffe(b, in)
			return nil
		}
	}
	return fmterr.Errorf(in, "cannot differentiate integer %s carrying float bits", in.Op())
}

// reverseIntCarrierCast handles trunc/zext over an integer carrying float
// bits. The narrowing or widening keeps the payload intact, so as with
// bitcast the differential passes straight through.
func (gu *gutils) reverseIntCarrierCast(in *ir.Instr, b *ir.Builder) error {
	ft := gu.ti.SecretFloat(in)
	if ft == nil {
		return nil
	}
	src := in.Arg(0)
	if sf := gu.ti.SecretFloat(src); sf == nil || !ft.Equal(sf) {
		return fmterr.Errorf(in, "cannot differentiate integer %s carrying float bits", in.Op())
	}
	gu.addToDiffe(b, src, gu.getDiffe(b, in))
	gu.zeroDiffe(b, in)
	return nil
}

func (gu *gutils) reverseSelect(in *ir.Instr, b *ir.Builder, blk *ir.Block) error {
	if ir.IsPointer(in.Type()) {
		return nil
	}
	ft := gu.floatTypeOf(in)
	if ft == nil {
		return nil
	}
	cond, err := gu.lookup(b, in.Arg(0), blk)
	if err != nil {
		return err
	}
	d := gu.getDiffe(b, in)
	zero := ir.ZeroValue(ft)
	gu.addToDiffe(b, in.Arg(1), b.CreateSelect(cond, d, zero, "d_t"))
	gu.addToDiffe(b, in.Arg(2), b.CreateSelect(cond, zero, d, "d_f"))
	gu.zeroDiffe(b, in)
	return nil
}

func (gu *gutils) reverseBitCast(in *ir.Instr, b *ir.Builder) error {
	src := in.Arg(0)
	df := gu.floatTypeOf(in)
	sf := gu.floatTypeOf(src)
	if df == nil || sf == nil {
		return nil
	}
	d := gu.getDiffe(b, in)
	if !df.Equal(sf) {
		return fmterr.Errorf(in, "bitcast between distinct float carriers %s and %s", sf, df)
	}
	gu.addToDiffe(b, src, d)
	gu.zeroDiffe(b, in)
	return nil
}

func (gu *gutils) reverseExtractValue(in *ir.Instr, b *ir.Builder) error {
	ft := gu.floatTypeOf(in)
	if ft == nil {
		return nil
	}
	agg := in.Arg(0)
	if gu.isConstantValue(agg) {
		return nil
	}
	d := gu.getDiffe(b, in)
	at := gu.aggSlot(b, gu.diffe(agg), in.Indices)
	cur := b.CreateLoad(at, "d_field")
	b.CreateStore(b.CreateFAdd(cur, d, "d_field"), at)
	gu.zeroDiffe(b, in)
	return nil
}

func (gu *gutils) reverseInsertValue(in *ir.Instr, b *ir.Builder) error {
	if gu.isConstantValue(in) {
		return nil
	}
	agg, elt := in.Arg(0), in.Arg(1)
	dIn := gu.diffe(in)
	at := gu.aggSlot(b, dIn, in.Indices)
	if ft := gu.floatTypeOf(elt); ft != nil && !gu.isConstantValue(elt) {
		gu.addToDiffe(b, elt, b.CreateLoad(at, "d_elt"))
	}
	// Clear the overwritten lane, then forward the rest to the aggregate.
	b.CreateStore(ir.ZeroValue(fieldType(in.Type(), in.Indices)), at)
	if !gu.isConstantValue(agg) {
		st, ok := in.Type().(*ir.StructType)
		if !ok {
			return fmterr.Errorf(in, "insertvalue on non-struct %s", in.Type())
		}
		dAgg := gu.diffe(agg)
		for k := range st.Fields {
			if !ir.ContainsFloat(st.Fields[k]) {
				continue
			}
			from := gu.aggSlot(b, dIn, []int{k})
			to := gu.aggSlot(b, dAgg, []int{k})
			v := b.CreateLoad(from, "d_k")
			cur := b.CreateLoad(to, "d_k")
			b.CreateStore(b.CreateFAdd(cur, v, "d_k"), to)
		}
	}
	b.CreateStore(ir.ZeroValue(in.Type()), dIn)
	return nil
}

func (gu *gutils) reverseExtractElement(in *ir.Instr, b *ir.Builder, blk *ir.Block) error {
	ft := gu.floatTypeOf(in)
	if ft == nil || gu.isConstantValue(in.Arg(0)) {
		return nil
	}
	idx, err := gu.lookup(b, in.Arg(1), blk)
	if err != nil {
		return err
	}
	d := gu.getDiffe(b, in)
	base := b.CreateBitCast(gu.diffe(in.Arg(0)), ir.PtrTo(ft), "d_lanes")
	at := b.CreateGEP(base, []ir.Value{idx}, "d_lane")
	cur := b.CreateLoad(at, "d_lane")
	b.CreateStore(b.CreateFAdd(cur, d, "d_lane"), at)
	gu.zeroDiffe(b, in)
	return nil
}

func (gu *gutils) reverseInsertElement(in *ir.Instr, b *ir.Builder, blk *ir.Block) error {
	if gu.isConstantValue(in) {
		return nil
	}
	vec, elt := in.Arg(0), in.Arg(1)
	vt, ok := in.Type().(*ir.VectorType)
	if !ok || !ir.IsFloat(vt.Elem) {
		return nil
	}
	idx, err := gu.lookup(b, in.Arg(2), blk)
	if err != nil {
		return err
	}
	d := b.CreateLoad(gu.diffe(in), "d_vec")
	if !gu.isConstantValue(elt) {
		gu.addToDiffe(b, elt, b.CreateExtractElement(d, idx, "d_elt"))
	}
	if !gu.isConstantValue(vec) {
		masked := b.CreateInsertElement(d, ir.ZeroValue(vt.Elem), idx, "d_masked")
		dv := gu.diffe(vec)
		cur := b.CreateLoad(dv, "d_vec_cur")
		b.CreateStore(b.CreateFAdd(cur, masked, "d_vec_sum"), dv)
	}
	gu.zeroDiffe(b, in)
	return nil
}

func (gu *gutils) reverseShuffleVector(in *ir.Instr, b *ir.Builder) error {
	vt, ok := in.Type().(*ir.VectorType)
	if !ok || !ir.IsFloat(vt.Elem) {
		return nil
	}
	x, y := in.Arg(0), in.Arg(1)
	xLen := x.Type().(*ir.VectorType).Len
	d := b.CreateLoad(gu.diffe(in), "d_shuf")
	for j, k := range in.Mask {
		if k < 0 {
			continue
		}
		lane := b.CreateExtractElement(d, ir.IntConst(ir.I32, int64(j)), "d_j")
		src, srcLane := x, k
		if k >= xLen {
			src, srcLane = y, k-xLen
		}
		if gu.isConstantValue(src) {
			continue
		}
		ds := gu.diffe(src)
		cur := b.CreateLoad(ds, "d_src")
		upd := b.CreateInsertElement(cur,
			b.CreateFAdd(b.CreateExtractElement(cur, ir.IntConst(ir.I32, int64(srcLane)), "d_cur"), lane, "d_sum"),
			ir.IntConst(ir.I32, int64(srcLane)), "d_upd")
		b.CreateStore(upd, ds)
	}
	gu.zeroDiffe(b, in)
	return nil
}

// floatTypeOf returns the differential element type of a value: its float
// type, or the float type its integer bits carry.
func (gu *gutils) floatTypeOf(v ir.Value) *ir.FloatType {
	if ft, ok := v.Type().(*ir.FloatType); ok {
		return ft
	}
	if vt, ok := v.Type().(*ir.VectorType); ok {
		if ft, ok := vt.Elem.(*ir.FloatType); ok {
			return ft
		}
	}
	return gu.ti.SecretFloat(v)
}

// castShadowTo reinterprets a shadow pointer as a float pointer when the
// primal access went through an integer view of float memory.
func (gu *gutils) castShadowTo(b *ir.Builder, sptr ir.Value, ft *ir.FloatType) ir.Value {
	pt := sptr.Type().(*ir.PointerType)
	if pt.Elem.Equal(ft) {
		return sptr
	}
	return b.CreateBitCast(sptr, ir.PtrTo(ft), sptr.Name()+"_f")
}

// aggSlot addresses one field of an aggregate differential alloca.
func (gu *gutils) aggSlot(b *ir.Builder, alloca *ir.Instr, indices []int) ir.Value {
	args := make([]ir.Value, 0, len(indices)+1)
	args = append(args, ir.IntConst(ir.I64, 0))
	for _, k := range indices {
		args = append(args, ir.IntConst(ir.I32, int64(k)))
	}
	return b.CreateGEP(alloca, args, "d_at")
}

func fieldType(t ir.Type, indices []int) ir.Type {
	for _, k := range indices {
		switch at := t.(type) {
		case *ir.StructType:
			t = at.Fields[k]
		case *ir.VectorType:
			t = at.Elem
		}
	}
	return t
}
