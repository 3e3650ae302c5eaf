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
	"github.com/pkg/errors"

	gdfmt "github.com/gradir-org/gradir/base/fmt"
	"github.com/gradir-org/gradir/fmterr"
	"github.com/gradir-org/gradir/ir"
)

// CreateAugmentedPrimal builds (or returns the memoized) augmented primal
// of a function: a variant that computes the original result while saving
// on a tape everything its gradient will not be able to recompute. The
// returned record describes the tape layout and the return struct.
//
// Requests are memoized per signature key. A recursive request for a key
// still under construction heap-boxes that key's tape: the record then
// crosses the call boundary as an opaque byte pointer, which breaks the
// type cycle.
func (ctx *Context) CreateAugmentedPrimal(key SignatureKey) (*AugmentedReturn, error) {
	fn := key.Fn
	if fn == nil {
		return nil, fmterr.Internal(errors.New("augmented primal requested for a nil function"))
	}
	if entry, ok := ctx.augmented.Load(key); ok {
		if entry.constructing && !entry.TapeBoxed {
			entry.boxedUse = true
			entry.TapeBoxed = true
			entry.TapeType = bytePtr
			entry.structType.Fields = provisionalAugFields(entry, fn)
		}
		return entry, nil
	}
	if fn.Meta.Augment != nil {
		return ctx.wrapCustomAugment(key, fn.Meta.Augment)
	}
	if fn.IsDeclaration() {
		return nil, fmterr.Errorf(fn, "cannot differentiate %s: no definition", fn.Name())
	}

	result := fn.Signature().Result
	_, retVoid := result.(*ir.VoidType)
	hasPrimal := key.ReturnUsed && !retVoid
	hasShadowRet := ir.IsPointer(result)
	ri := map[AugmentedStructKind]int{AugTape: 0}
	idx := 1
	if hasPrimal {
		ri[AugPrimal] = idx
		idx++
	}
	if hasShadowRet {
		ri[AugShadow] = idx
	}
	st := &ir.StructType{TypeName: fn.Name() + ".aug"}

	newFunc, vmap, plan := ctx.buildDerivativeFunc("augmented_"+fn.Name(), fn, key, st, nil, false)
	entry := &AugmentedReturn{
		Fn:           newFunc,
		ReturnIndex:  ri,
		structType:   st,
		constructing: true,
	}
	ctx.augmented.Store(key, entry)

	gu, err := newGradientUtils(ctx, key, Forward, newFunc, vmap)
	if err != nil {
		return nil, err
	}
	gu.shadowParams = plan.shadows
	gu.analyzeCacheability()
	if err := gu.instrumentLoops(); err != nil {
		return nil, err
	}
	if err := gu.runForwardSweep(); err != nil {
		return nil, err
	}

	inner := gu.tape.structType()
	if entry.boxedUse {
		entry.InnerTapeType = inner
		// structType.Fields were fixed when the recursion was detected.
	} else {
		fields := []ir.Type{ir.Type(inner)}
		if hasPrimal {
			fields = append(fields, result)
		}
		if hasShadowRet {
			fields = append(fields, result)
		}
		st.Fields = fields
		if !gu.tape.empty() {
			entry.TapeType = inner
		}
	}
	if err := gu.packAugmentedReturns(entry, hasPrimal, hasShadowRet); err != nil {
		return nil, err
	}

	entry.tape = gu.tape
	entry.TapeIndices = gu.tape.indices()
	entry.UncacheableCallArgs = gu.uncacheableCallArgs
	entry.CacheableLoads = gu.cachedLoads
	entry.SubAugmentations = gu.subAugs
	gu.stampAll()
	newFunc.StripTransformAttrs()
	if err := gu.verifyBuilt(); err != nil {
		return nil, err
	}
	entry.constructing = false
	return entry, nil
}

// provisionalAugFields fixes the augmented struct fields the moment a
// recursive use boxes the tape: every field type is then known.
func provisionalAugFields(entry *AugmentedReturn, fn *ir.Func) []ir.Type {
	fields := make([]ir.Type, len(entry.ReturnIndex))
	fields[0] = bytePtr
	result := fn.Signature().Result
	if i, ok := entry.ReturnIndex[AugPrimal]; ok {
		fields[i] = result
	}
	if i, ok := entry.ReturnIndex[AugShadow]; ok {
		fields[i] = result
	}
	return fields
}

// wrapCustomAugment publishes a user-registered augmented primal. The
// registered function must return a struct leading with its tape when the
// registered gradient consumes one.
func (ctx *Context) wrapCustomAugment(key SignatureKey, custom *ir.Func) (*AugmentedReturn, error) {
	st, ok := custom.Signature().Result.(*ir.StructType)
	if !ok {
		return nil, fmterr.Errorf(custom, "registered augmented primal %s must return a struct", custom.Name())
	}
	entry := &AugmentedReturn{
		Fn:          custom,
		ReturnIndex: map[AugmentedStructKind]int{},
		structType:  st,
	}
	idx := 0
	if key.Fn.Meta.GradientNeedsTape {
		if len(st.Fields) == 0 {
			return nil, fmterr.Errorf(custom, "registered augmented primal %s declares a tape but returns no fields", custom.Name())
		}
		entry.ReturnIndex[AugTape] = 0
		entry.TapeType = st.Fields[0]
		idx = 1
	}
	if key.ReturnUsed {
		if idx >= len(st.Fields) {
			return nil, fmterr.Errorf(custom, "registered augmented primal %s does not return the primal value", custom.Name())
		}
		entry.ReturnIndex[AugPrimal] = idx
	}
	ctx.augmented.Store(key, entry)
	return entry, nil
}

// CreatePrimalAndGradient builds (or returns the memoized) gradient of a
// function. At top level the gradient is combined: one function runs the
// forward pass and immediately reverses it. Below top level the gradient
// is split: it consumes the tape of the matching augmented primal.
func (ctx *Context) CreatePrimalAndGradient(key SignatureKey, topLevel bool) (*ir.Func, error) {
	if topLevel {
		return ctx.createGradient(key, nil, true)
	}
	aug, err := ctx.CreateAugmentedPrimal(key)
	if err != nil {
		return nil, err
	}
	return ctx.createGradient(key, aug, false)
}

func (ctx *Context) createGradient(key SignatureKey, aug *AugmentedReturn, combined bool) (*ir.Func, error) {
	fn := key.Fn
	gk := gradientKey{sig: key, combined: combined}
	if grad, ok := ctx.gradients.Load(gk); ok {
		return grad, nil
	}
	if fn.Meta.Gradient != nil {
		ctx.gradients.Store(gk, fn.Meta.Gradient)
		return fn.Meta.Gradient, nil
	}
	if fn.IsDeclaration() {
		return nil, fmterr.Errorf(fn, "cannot differentiate %s: no definition", fn.Name())
	}
	result := fn.Signature().Result
	if key.DifferentialReturn {
		if _, ok := result.(*ir.FloatType); !ok {
			return nil, fmterr.Errorf(fn, "differential return requested for non-float result %s", result)
		}
	}

	_, retVoid := result.(*ir.VoidType)
	hasPrimal := key.ReturnUsed && !retVoid
	hasShadowRet := ir.IsPointer(result) && key.ReturnUsed
	var fields []ir.Type
	if hasPrimal {
		fields = append(fields, result)
	}
	if hasShadowRet {
		fields = append(fields, result)
	}
	for _, p := range fn.Params() {
		if key.constArg(p.Index()) || ir.IsPointer(p.Type()) || !ir.ContainsFloat(p.Type()) {
			continue
		}
		fields = append(fields, p.Type())
	}
	var retT ir.Type = ir.Void
	if len(fields) > 0 {
		retT = ir.StructOf(fields...)
	}

	var tapeType ir.Type
	if !combined && aug != nil {
		tapeType = aug.TapeType
	}
	newFunc, vmap, plan := ctx.buildDerivativeFunc("gradient_"+fn.Name(), fn, key, retT, tapeType, true)
	// Memoize before building the body: a recursive call site asks for
	// this same gradient and only needs the declaration to emit its call.
	ctx.gradients.Store(gk, newFunc)

	mode := Reverse
	if combined {
		mode = Both
	}
	gu, err := newGradientUtils(ctx, key, mode, newFunc, vmap)
	if err != nil {
		return nil, err
	}
	gu.shadowParams = plan.shadows
	gu.diffeRetParam = plan.diffeRet
	gu.tapeParam = plan.tape
	if hasPrimal {
		gu.retAlloca = gu.entry.CreateAlloca(result, "saved_ret")
	}
	if hasShadowRet {
		gu.retShadow = gu.entry.CreateAlloca(result, "saved_ret_shadow")
	}
	if combined {
		gu.analyzeCacheability()
	} else {
		gu.aug = aug
		gu.canModRef = make(map[*ir.Instr]bool)
		for load, cached := range aug.CacheableLoads {
			gu.canModRef[load] = cached
		}
		gu.uncacheableCallArgs = aug.UncacheableCallArgs
		if err := gu.adoptTape(aug); err != nil {
			return nil, err
		}
	}
	if err := gu.instrumentLoops(); err != nil {
		return nil, err
	}
	gu.createReverseBlocks()
	if err := gu.instrumentIndicators(); err != nil {
		return nil, err
	}
	if err := gu.runForwardSweep(); err != nil {
		return nil, err
	}
	if err := gu.runReverseSweep(); err != nil {
		return nil, err
	}
	gu.stampAll()
	newFunc.StripTransformAttrs()
	if err := gu.verifyBuilt(); err != nil {
		return nil, err
	}
	return newFunc, nil
}

// paramPlan relates the original arguments to the synthesized parameter
// list of a derivative function.
type paramPlan struct {
	shadows  map[int]*ir.Param
	diffeRet *ir.Param
	tape     *ir.Param
}

// buildDerivativeFunc creates the shell of an augmented primal or gradient:
// the derived signature with shadows interleaved after duplicated pointer
// arguments, the optional return differential and tape parameters, and a
// clone of the original body wired to the primal parameters.
func (ctx *Context) buildDerivativeFunc(name string, fn *ir.Func, key SignatureKey, result ir.Type, tapeType ir.Type, gradient bool) (*ir.Func, *ir.ValueMap, paramPlan) {
	var types []ir.Type
	var names []string
	primalIdx := make([]int, fn.NumParams())
	shadowIdx := make(map[int]int)
	for i, p := range fn.Params() {
		primalIdx[i] = len(types)
		types = append(types, p.Type())
		names = append(names, p.Name())
		if ir.IsPointer(p.Type()) && !key.constArg(i) {
			shadowIdx[i] = len(types)
			types = append(types, p.Type())
			names = append(names, "d_"+p.Name())
		}
	}
	// The return differential and tape parameters only exist on gradients;
	// the augmented primal carries neither.
	diffeRetAt := -1
	if gradient && key.DifferentialReturn {
		diffeRetAt = len(types)
		types = append(types, fn.Signature().Result)
		names = append(names, "d_ret")
	}
	tapeAt := -1
	if tapeType != nil {
		tapeAt = len(types)
		types = append(types, tapeType)
		names = append(names, "tape")
	}
	newFunc := ctx.mod.NewFunc(name, ir.FuncOf(result, types...), names...)
	newFunc.Attrs = fn.Attrs
	argMap := make(map[*ir.Param]ir.Value, fn.NumParams())
	plan := paramPlan{shadows: make(map[int]*ir.Param)}
	for i, p := range fn.Params() {
		np := newFunc.Param(primalIdx[i])
		np.Attrs = p.Attrs
		np.Deref = p.Deref
		argMap[p] = np
		if si, ok := shadowIdx[i]; ok {
			plan.shadows[i] = newFunc.Param(si)
		}
	}
	if diffeRetAt >= 0 {
		plan.diffeRet = newFunc.Param(diffeRetAt)
	}
	if tapeAt >= 0 {
		plan.tape = newFunc.Param(tapeAt)
	}
	vmap := ir.CloneBody(newFunc, fn, argMap)
	return newFunc, vmap, plan
}

// adoptTape mirrors the tape layout of the augmented primal inside the
// split gradient and unpacks the incoming tape parameter into the backing
// allocas. A heap-boxed tape is freed once drained.
func (gu *gutils) adoptTape(aug *AugmentedReturn) error {
	if aug.tape == nil || aug.tape.empty() {
		return nil
	}
	type unpacked struct {
		augSlot *tapeSlot
		slot    *tapeSlot
	}
	var slots []unpacked
	for key, augSlot := range aug.tape.slots.Iter() {
		var loop *loopInfo
		if augSlot.loop != nil {
			loop = gu.loops[augSlot.loop.header]
			if loop == nil {
				return fmterr.Internalf(key.inst, "tape slot of %s references a loop the gradient did not find", key.inst.Name())
			}
		}
		slot, err := gu.tape.alloc(key.inst, key.kind, augSlot.typ, loop)
		if err != nil {
			return err
		}
		slot.storage = gu.entry.CreateAlloca(augSlot.typ, "cache_"+key.inst.Name()+"_"+key.kind.String())
		slots = append(slots, unpacked{augSlot: augSlot, slot: slot})
	}
	if gu.tapeParam == nil {
		return fmterr.Internalf(gu.oldFunc, "augmented primal of %s has a tape but the gradient has no tape parameter", gu.oldFunc.Name())
	}
	b := gu.entry
	if aug.TapeBoxed {
		typed := b.CreateBitCast(gu.tapeParam, ir.PtrTo(aug.InnerTapeType), "tape_box")
		for _, u := range slots {
			at := b.CreateGEP(typed, []ir.Value{
				ir.IntConst(ir.I64, 0), ir.IntConst(ir.I32, int64(u.augSlot.index)),
			}, "tape_at")
			b.CreateStore(b.CreateLoad(at, "tape_val"), u.slot.storage)
		}
		b.CreateCall(gu.ctx.freeFunc(), []ir.Value{gu.tapeParam}, "")
		return nil
	}
	for _, u := range slots {
		v := b.CreateExtractValue(gu.tapeParam, []int{u.augSlot.index}, "tape_val")
		b.CreateStore(v, u.slot.storage)
	}
	return nil
}

// packAugmentedReturns swaps every return of the augmented primal for the
// packed record: the tape first, then the primal value and the shadow of a
// returned pointer.
func (gu *gutils) packAugmentedReturns(entry *AugmentedReturn, hasPrimal, hasShadowRet bool) error {
	for _, origRet := range gu.origRets {
		mirror := gu.getNewFromOriginal(origRet).(*ir.Instr)
		b := ir.NewBuilder(gu.newFunc)
		b.SetInsertBefore(mirror)
		tapeVal, err := gu.packTape(entry, b)
		if err != nil {
			return err
		}
		var out ir.Value = ir.UndefOf(entry.structType)
		out = b.CreateInsertValue(out, tapeVal, []int{entry.ReturnIndex[AugTape]}, "aug_ret")
		if hasPrimal {
			out = b.CreateInsertValue(out, gu.getNewFromOriginal(origRet.Arg(0)),
				[]int{entry.ReturnIndex[AugPrimal]}, "aug_ret")
		}
		if hasShadowRet {
			rv := origRet.Arg(0)
			shadow := gu.getNewFromOriginal(rv)
			if !gu.isConstantValue(rv) {
				if shadow, err = gu.invertPointer(rv); err != nil {
					return err
				}
			}
			out = b.CreateInsertValue(out, shadow, []int{entry.ReturnIndex[AugShadow]}, "aug_ret")
		}
		b.CreateRet(out)
		gu.newFunc.Erase(mirror)
	}
	return nil
}

// packTape materializes the tape record at a return point: an inline
// struct of the slot values, or a heap box holding them when a recursive
// use forced the indirection.
func (gu *gutils) packTape(entry *AugmentedReturn, b *ir.Builder) (ir.Value, error) {
	inner := entry.InnerTapeType
	if !entry.TapeBoxed {
		var tapeVal ir.Value = ir.UndefOf(gu.tape.structType())
		for _, slot := range gu.slotsInOrder() {
			v := b.CreateLoad(slot.storage, "tape_val")
			tapeVal = b.CreateInsertValue(tapeVal, v, []int{slot.index}, "tape")
		}
		return tapeVal, nil
	}
	size := ir.SizeOf(inner)
	raw := b.CreateCall(gu.ctx.mallocFunc(), []ir.Value{ir.IntConst(ir.I64, size)}, "tape_box")
	typed := b.CreateBitCast(raw, ir.PtrTo(inner), "tape_typed")
	for _, slot := range gu.slotsInOrder() {
		at := b.CreateGEP(typed, []ir.Value{
			ir.IntConst(ir.I64, 0), ir.IntConst(ir.I32, int64(slot.index)),
		}, "tape_at")
		b.CreateStore(b.CreateLoad(slot.storage, "tape_val"), at)
	}
	return raw, nil
}

func (gu *gutils) slotsInOrder() []*tapeSlot {
	out := make([]*tapeSlot, 0, gu.tape.slots.Size())
	for slot := range gu.tape.slots.Values() {
		out = append(out, slot)
	}
	return out
}

// stampAll writes the activity verdict of every surviving mirrored
// instruction as metadata, for downstream passes and debugging.
func (gu *gutils) stampAll() {
	for _, b := range gu.oldFunc.Blocks {
		for _, in := range b.Instrs {
			m, ok := gu.getNewFromOriginal(in).(*ir.Instr)
			if !ok || m.Block() == nil {
				continue
			}
			gu.stampActivity(in, m)
		}
	}
}

// verifyBuilt runs the structural verifier over the synthesized function.
// A verifier failure at this point is a transform bug, reported with both
// function bodies attached.
func (gu *gutils) verifyBuilt() error {
	if err := ir.Verify(gu.newFunc); err != nil {
		return fmterr.Internalf(gu.newFunc, "malformed %s: %v\noriginal:\n%s\ntransformed:\n%s",
			gu.newFunc.Name(), err, gdfmt.Number(gu.oldFunc.Dump()), gdfmt.Number(gu.newFunc.Dump()))
	}
	return nil
}
