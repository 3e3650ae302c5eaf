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

// callPlan fixes, for one call site, how the callee derivative is built:
// the memoization key and which arguments carry a shadow. The plan must be
// identical in the forward and reverse sweeps so both hit the same cache
// entry.
type callPlan struct {
	key  SignatureKey
	dups []bool
}

func (gu *gutils) planCall(in *ir.Instr) callPlan {
	callee := in.CalledFunc()
	args := in.CallArgs()
	constArgs := make(map[int]bool)
	dups := make([]bool, len(args))
	for i, a := range args {
		if gu.isConstantValue(a) {
			constArgs[i] = true
			continue
		}
		if ir.IsPointer(a.Type()) {
			dups[i] = true
		}
	}
	returnUsed := len(gu.oldFunc.Users(in)) > 0
	diffRet := !gu.isConstantValue(in) && gu.floatTypeOf(in) != nil && !ir.IsPointer(in.Type())
	return callPlan{
		key:  newSignatureKey(callee, constArgs, gu.uncacheableCallArgs[in], returnUsed, diffRet),
		dups: dups,
	}
}

// handleCallForward rewrites one original call site in the forward pass.
func (gu *gutils) handleCallForward(in *ir.Instr) error {
	callee := in.CalledFunc()
	if callee == nil {
		return fmterr.Errorf(in, "cannot differentiate an indirect call")
	}
	if intr := ir.IntrinsicOf(callee); intr != ir.IntrinsicNone {
		return gu.forwardIntrinsic(in, intr)
	}
	if ir.IsAllocationFunc(callee) {
		return gu.forwardAllocation(in)
	}
	if ir.IsDeallocationFunc(callee) {
		return gu.forwardFree(in)
	}
	if ir.IsPassthroughFunc(callee) {
		return nil
	}
	if gu.isConstantInstr(in) && gu.isConstantValue(in) {
		return nil
	}
	if callee.IsDeclaration() {
		return fmterr.Errorf(in, "cannot differentiate call to %s: no definition", callee.Name())
	}
	switch gu.mode {
	case Forward, Both:
		if gu.mode == Both && gu.combinedCallEligible(in) {
			gu.markCombinedCall(in)
			return nil
		}
		return gu.augmentCall(in)
	case Reverse:
		return gu.replaceCallFromTape(in)
	}
	return nil
}

// combinedCallEligible reports whether a call in a top-level gradient can
// skip the augmented/split pair: its block returns right after it, so the
// reverse block follows immediately and one combined callee gradient
// serves both sweeps. Any instruction between the call and the return,
// any use outside the return, a pointer result or a containing loop
// aborts the replacement.
func (gu *gutils) combinedCallEligible(in *ir.Instr) bool {
	blk := in.Block()
	if gu.loopOf[blk] != nil || ir.IsPointer(in.Type()) {
		return false
	}
	term := blk.Terminator()
	if term == nil || term.Op() != ir.OpRet {
		return false
	}
	if blk.Index(in) != len(blk.Instrs)-2 {
		return false
	}
	for _, u := range gu.oldFunc.Users(in) {
		if u != term {
			return false
		}
	}
	return true
}

// markCombinedCall defers a call to the reverse sweep. The mirror stays
// in place until the forward sweep has rewritten the return that uses it;
// the reverse sweep then replaces both with the combined gradient call.
func (gu *gutils) markCombinedCall(in *ir.Instr) {
	if gu.combinedCalls == nil {
		gu.combinedCalls = make(map[*ir.Instr]bool)
	}
	gu.combinedCalls[in] = true
}

// isCombinedCall reports whether a value is a call deferred to the
// reverse sweep; its primal result only exists once the combined callee
// gradient has run.
func (gu *gutils) isCombinedCall(v ir.Value) bool {
	in, ok := v.(*ir.Instr)
	return ok && gu.combinedCalls[in]
}

// augmentCall swaps a call for a call to the callee's augmented primal,
// wiring shadows in and the tape, primal and shadow results out.
func (gu *gutils) augmentCall(in *ir.Instr) error {
	plan := gu.planCall(in)
	subAug, err := gu.ctx.CreateAugmentedPrimal(plan.key)
	if err != nil {
		return err
	}
	gu.subAugs[in] = subAug
	mirror := gu.getNewFromOriginal(in).(*ir.Instr)
	b := ir.NewBuilder(gu.newFunc)
	b.SetInsertBefore(mirror)
	args, err := gu.shadowedArgs(in, plan, b)
	if err != nil {
		return err
	}
	augCall := b.CreateCall(subAug.Fn, args, in.Name()+"_aug")
	if subAug.TapeType != nil {
		slot, err := gu.ensureSlot(in, CacheTape, subAug.TapeType, false)
		if err != nil {
			return err
		}
		tapeV := b.CreateExtractValue(augCall, []int{subAug.ReturnIndex[AugTape]}, in.Name()+"_tape")
		gu.writeCache(b, slot, tapeV)
	}
	if idx, ok := subAug.ReturnIndex[AugPrimal]; ok {
		primal := b.CreateExtractValue(augCall, []int{idx}, in.Name())
		gu.newFunc.ReplaceAllUses(mirror, primal)
		gu.vmap.RemapNew(in, primal)
		if gu.neededInReverse(in) {
			slot, err := gu.ensureSlot(in, CacheSelf, in.Type(), false)
			if err != nil {
				return err
			}
			gu.writeCache(b, slot, primal)
		}
	}
	if idx, ok := subAug.ReturnIndex[AugShadow]; ok {
		shadow := b.CreateExtractValue(augCall, []int{idx}, in.Name()+"'")
		gu.shadows[in] = shadow
		if gu.mode == Forward || gu.loopOf[in.Block()] != nil {
			slot, err := gu.ensureSlot(in, CacheShadow, in.Type(), false)
			if err != nil {
				return err
			}
			gu.writeCache(b, slot, shadow)
		}
	}
	gu.newFunc.Erase(mirror)
	return nil
}

// shadowedArgs builds the argument list of an augmented or gradient call:
// the primal arguments with the shadow of each duplicated pointer
// interleaved after it.
func (gu *gutils) shadowedArgs(in *ir.Instr, plan callPlan, b *ir.Builder) ([]ir.Value, error) {
	origArgs := in.CallArgs()
	args := make([]ir.Value, 0, len(origArgs)*2)
	for i, a := range origArgs {
		args = append(args, gu.getNewFromOriginal(a))
		if !plan.dups[i] {
			continue
		}
		shadow, err := gu.invertPointer(a)
		if err != nil {
			return nil, err
		}
		args = append(args, shadow)
	}
	return args, nil
}

// replaceCallFromTape serves, in the recomputing forward sweep of a split
// gradient, the results an augmented call produced: the primal value and
// the shadow come off the tape instead of re-running the callee.
func (gu *gutils) replaceCallFromTape(in *ir.Instr) error {
	if gu.aug != nil {
		if sub, ok := gu.aug.SubAugmentations[in]; ok {
			gu.subAugs[in] = sub
		}
	}
	mirror := gu.getNewFromOriginal(in).(*ir.Instr)
	b := ir.NewBuilder(gu.newFunc)
	b.SetInsertBefore(mirror)
	if slot, ok := gu.tape.lookup(in, CacheShadow); ok {
		gu.shadows[in] = gu.readCacheForward(b, slot, in.Name()+"'")
	}
	if slot, ok := gu.tape.lookup(in, CacheSelf); ok {
		v := gu.readCacheForward(b, slot, in.Name())
		gu.newFunc.ReplaceAllUses(mirror, v)
		gu.vmap.RemapNew(in, v)
	} else if len(gu.oldFunc.Users(in)) > 0 {
		return fmterr.Internalf(in, "result of %s is used but was not taped", in.Name())
	}
	gu.newFunc.Erase(mirror)
	return nil
}

// forwardAllocation pairs an allocation with its anti-allocation: a shadow
// buffer of the same size, cleared so differentials start at zero.
func (gu *gutils) forwardAllocation(in *ir.Instr) error {
	if gu.mode == Reverse {
		return gu.replaceAllocFromTape(in)
	}
	mirror := gu.getNewFromOriginal(in).(*ir.Instr)
	b := ir.NewBuilder(gu.newFunc)
	gu.setInsertAfter(b, mirror)
	if !gu.isConstantValue(in) {
		size, err := allocationSize(in, gu, b)
		if err != nil {
			return err
		}
		raw := b.CreateCall(gu.ctx.mallocFunc(), []ir.Value{size}, in.Name()+"_anti")
		b.CreateCall(gu.ctx.memsetFunc(), []ir.Value{raw, ir.IntConst(ir.I32, 0), size}, "")
		shadow := ir.Value(raw)
		if !in.Type().Equal(bytePtr) {
			shadow = b.CreateBitCast(raw, in.Type(), in.Name()+"_anti")
		}
		gu.shadows[in] = shadow
	}
	if gu.mode == Forward && gu.neededInReverse(in) {
		slot, err := gu.ensureSlot(in, CacheSelf, in.Type(), false)
		if err != nil {
			return err
		}
		gu.writeCache(b, slot, mirror)
		if shadow, ok := gu.shadows[in]; ok {
			sslot, err := gu.ensureSlot(in, CacheShadow, in.Type(), false)
			if err != nil {
				return err
			}
			gu.writeCache(b, sslot, shadow)
		}
	}
	return nil
}

func (gu *gutils) replaceAllocFromTape(in *ir.Instr) error {
	mirror := gu.getNewFromOriginal(in).(*ir.Instr)
	b := ir.NewBuilder(gu.newFunc)
	b.SetInsertBefore(mirror)
	if slot, ok := gu.tape.lookup(in, CacheShadow); ok {
		gu.shadows[in] = gu.readCacheForward(b, slot, in.Name()+"'")
	}
	slot, ok := gu.tape.lookup(in, CacheSelf)
	if !ok {
		return fmterr.Internalf(in, "allocation %s was not taped for the gradient", in.Name())
	}
	v := gu.readCacheForward(b, slot, in.Name())
	gu.newFunc.ReplaceAllUses(mirror, v)
	gu.vmap.RemapNew(in, v)
	gu.newFunc.Erase(mirror)
	return nil
}

// allocationSize returns the byte size of an allocation call in the
// transformed function.
func allocationSize(in *ir.Instr, gu *gutils, b *ir.Builder) (ir.Value, error) {
	callee := in.CalledFunc()
	args := in.CallArgs()
	switch callee.Name() {
	case "calloc":
		n := gu.getNewFromOriginal(args[0])
		sz := gu.getNewFromOriginal(args[1])
		return b.CreateBinOp(ir.OpMul, n, sz, "calloc_bytes"), nil
	case "realloc":
		return nil, fmterr.Errorf(in, "cannot differentiate realloc of active memory")
	}
	return gu.getNewFromOriginal(args[0]), nil
}

// forwardFree erases a release of differentiable memory: the buffer must
// survive into the reverse pass, which frees it after its last use. A free
// of a literal null pointer is dropped with a warning.
func (gu *gutils) forwardFree(in *ir.Instr) error {
	mirror := gu.getNewFromOriginal(in).(*ir.Instr)
	ptr := in.Arg(0)
	if _, isNull := ptr.(*ir.Null); isNull {
		gu.ctx.warnings.Warnf(in, "dropping free of a null pointer")
		gu.newFunc.Erase(mirror)
		return nil
	}
	if alloc := allocationOf(ptr); alloc != nil {
		if gu.freedAllocs == nil {
			gu.freedAllocs = make(map[*ir.Instr]bool)
		}
		gu.freedAllocs[alloc] = true
	}
	gu.newFunc.Erase(mirror)
	return nil
}

// allocationOf peels casts to find the allocation call a pointer stems
// from.
func allocationOf(v ir.Value) *ir.Instr {
	for {
		in, ok := v.(*ir.Instr)
		if !ok {
			return nil
		}
		if in.Op() == ir.OpCall {
			if callee := in.CalledFunc(); callee != nil && ir.IsAllocationFunc(callee) {
				return in
			}
			return nil
		}
		if !in.Op().IsCast() {
			return nil
		}
		v = in.Arg(0)
	}
}

// handleCallReverse emits the adjoint of one original call site.
func (gu *gutils) handleCallReverse(in *ir.Instr, b *ir.Builder, blk *ir.Block) error {
	callee := in.CalledFunc()
	if callee == nil {
		return fmterr.Errorf(in, "cannot differentiate an indirect call")
	}
	if intr := ir.IntrinsicOf(callee); intr != ir.IntrinsicNone {
		return gu.reverseIntrinsic(in, intr, b, blk)
	}
	if ir.IsAllocationFunc(callee) {
		return gu.reverseAllocation(in, b, blk)
	}
	if ir.IsDeallocationFunc(callee) || ir.IsPassthroughFunc(callee) {
		return nil
	}
	if gu.isConstantInstr(in) && gu.isConstantValue(in) {
		return nil
	}
	return gu.gradientCall(in, b, blk)
}

// reverseAllocation frees, at the reverse of the allocation point, the
// shadow buffer and, when the original free was erased, the buffer itself.
func (gu *gutils) reverseAllocation(in *ir.Instr, b *ir.Builder, blk *ir.Block) error {
	if !gu.isConstantValue(in) {
		shadow, err := gu.lookupShadow(b, in, blk)
		if err != nil {
			return err
		}
		gu.emitFree(b, shadow)
	}
	if gu.freedAllocs[in] {
		primal, err := gu.lookup(b, in, blk)
		if err != nil {
			return err
		}
		gu.emitFree(b, primal)
	}
	return nil
}

func (gu *gutils) emitFree(b *ir.Builder, p ir.Value) {
	if !p.Type().Equal(bytePtr) {
		p = b.CreateBitCast(p, bytePtr, "raw")
	}
	b.CreateCall(gu.ctx.freeFunc(), []ir.Value{p}, "")
}

// gradientCall invokes the callee gradient with the replayed primal
// arguments, the interleaved shadows, the call differential and the
// sub-tape, then scatters the returned differentials.
func (gu *gutils) gradientCall(in *ir.Instr, b *ir.Builder, blk *ir.Block) error {
	if gu.combinedCalls[in] {
		return gu.combinedGradientCall(in, b, blk)
	}
	plan := gu.planCall(in)
	subAug := gu.subAugs[in]
	if subAug == nil {
		return fmterr.Internalf(in, "call %s reached the reverse pass without an augmented record", in.Name())
	}
	grad, err := gu.ctx.createGradient(plan.key, subAug, false)
	if err != nil {
		return err
	}
	origArgs := in.CallArgs()
	args := make([]ir.Value, 0, len(origArgs)*2+2)
	for i, a := range origArgs {
		av, err := gu.lookup(b, a, blk)
		if err != nil {
			return err
		}
		args = append(args, av)
		if !plan.dups[i] {
			continue
		}
		shadow, err := gu.lookupShadow(b, a, blk)
		if err != nil {
			return err
		}
		args = append(args, shadow)
	}
	if plan.key.DifferentialReturn {
		args = append(args, gu.getDiffe(b, in))
	}
	if subAug.TapeType != nil {
		slot, ok := gu.tape.lookup(in, CacheTape)
		if !ok {
			return fmterr.Internalf(in, "augmented call %s has a tape but no tape slot", in.Name())
		}
		args = append(args, gu.readCache(b, slot, blk, in.Name()+"_tape"))
	}
	gradCall := b.CreateCall(grad, args, in.Name()+"_grad")
	if plan.key.DifferentialReturn {
		gu.zeroDiffe(b, in)
	}
	if _, ok := grad.Signature().Result.(*ir.StructType); !ok {
		return nil
	}
	// The gradient result leads with the recomputed primal and the shadow
	// return when present; the argument differentials follow.
	idx := 0
	if plan.key.ReturnUsed {
		if _, void := in.Type().(*ir.VoidType); !void {
			idx++
		}
	}
	if ir.IsPointer(in.Type()) && plan.key.ReturnUsed {
		idx++
	}
	for i, a := range origArgs {
		if plan.key.constArg(i) || ir.IsPointer(a.Type()) || !ir.ContainsFloat(a.Type()) {
			continue
		}
		d := b.CreateExtractValue(gradCall, []int{idx}, "d_arg")
		idx++
		gu.addToDiffe(b, a, d)
	}
	return nil
}

// combinedGradientCall replaces a deferred tail call: the callee's
// combined gradient recomputes the primal and reverses it in one call, so
// no augmented primal runs and nothing crosses the tape. The recomputed
// primal return lands in the saved-return slot the forward sweep left
// open.
func (gu *gutils) combinedGradientCall(in *ir.Instr, b *ir.Builder, blk *ir.Block) error {
	if mirror, ok := gu.getNewFromOriginal(in).(*ir.Instr); ok && mirror.Block() != nil {
		gu.newFunc.Erase(mirror)
	}
	plan := gu.planCall(in)
	grad, err := gu.ctx.createGradient(plan.key, nil, true)
	if err != nil {
		return err
	}
	origArgs := in.CallArgs()
	args := make([]ir.Value, 0, len(origArgs)*2+1)
	for i, a := range origArgs {
		av, err := gu.lookup(b, a, blk)
		if err != nil {
			return err
		}
		args = append(args, av)
		if !plan.dups[i] {
			continue
		}
		shadow, err := gu.lookupShadow(b, a, blk)
		if err != nil {
			return err
		}
		args = append(args, shadow)
	}
	if plan.key.DifferentialReturn {
		args = append(args, gu.getDiffe(b, in))
	}
	gradCall := b.CreateCall(grad, args, in.Name()+"_grad")
	if plan.key.DifferentialReturn {
		gu.zeroDiffe(b, in)
	}
	if _, ok := grad.Signature().Result.(*ir.StructType); !ok {
		return nil
	}
	idx := 0
	if plan.key.ReturnUsed {
		if _, void := in.Type().(*ir.VoidType); !void {
			primal := b.CreateExtractValue(gradCall, []int{idx}, in.Name())
			idx++
			if gu.retAlloca != nil {
				b.CreateStore(primal, gu.retAlloca)
			}
		}
	}
	for i, a := range origArgs {
		if plan.key.constArg(i) || ir.IsPointer(a.Type()) || !ir.ContainsFloat(a.Type()) {
			continue
		}
		d := b.CreateExtractValue(gradCall, []int{idx}, "d_arg")
		idx++
		gu.addToDiffe(b, a, d)
	}
	return nil
}
