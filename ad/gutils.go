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
	"github.com/gradir-org/gradir/analysis/activity"
	"github.com/gradir-org/gradir/analysis/typeinfo"
	"github.com/gradir-org/gradir/fmterr"
	"github.com/gradir-org/gradir/ir"
)

// gutils carries the per-transformation working state: the immutable
// original function, its editable mirror, the value maps between the two,
// and the shadow, differential and cache bookkeeping.
type gutils struct {
	ctx  *Context
	key  SignatureKey
	mode DerivativeMode

	oldFunc *ir.Func
	newFunc *ir.Func
	vmap    *ir.ValueMap
	dt      *ir.DomTree
	ti      *typeinfo.Results
	act     *activity.Results

	// primalParams maps each original argument index to its parameter in
	// the synthesized function; shadowParams holds the duplicated shadow
	// parameter of pointer arguments.
	primalParams  []*ir.Param
	shadowParams  map[int]*ir.Param
	diffeRetParam *ir.Param
	tapeParam     *ir.Param

	tape                *tape
	canModRef           map[*ir.Instr]bool
	uncacheableCallArgs map[*ir.Instr]map[int]bool
	unreachable         map[*ir.Block]bool
	neededMemo          map[ir.Value]bool

	shadows           map[ir.Value]ir.Value
	pendingShadowPhis []ir.Value
	diffes            map[ir.Value]*ir.Instr
	reverseBlocks     map[*ir.Block]*ir.Block
	reverseOrig       map[*ir.Block]*ir.Block
	loops             map[*ir.Block]*loopInfo
	loopList          []*loopInfo
	loopOf            map[*ir.Block]*loopInfo
	indicators        map[*ir.Block]*tapeSlot
	pathValues        map[*ir.Block]ir.Value

	// retAlloca stores the primal return value across the forward to
	// reverse handoff; retShadow the shadow of a returned pointer.
	retAlloca *ir.Instr
	retShadow *ir.Instr

	// aug is the published augmented record driving a split gradient; nil
	// in the other modes.
	aug *AugmentedReturn

	// subAugs maps each original call site to the augmented return of
	// its callee, when the call was augmented.
	subAugs map[*ir.Instr]*AugmentedReturn

	// origRets collects the return instructions of the original function.
	origRets []*ir.Instr

	// freedAllocs marks allocations whose release was erased; the reverse
	// pass frees them at the reverse of the allocation point.
	freedAllocs map[*ir.Instr]bool

	// combinedCalls marks tail calls of a top-level gradient replaced by
	// a single combined-gradient call in the reverse block, skipping the
	// augmented/split pair and its tape traffic.
	combinedCalls map[*ir.Instr]bool

	// cachedLoads records which loads went on the tape; the published
	// augmented record hands it to the split gradient.
	cachedLoads map[*ir.Instr]bool

	entry *ir.Builder
}

func newGradientUtils(ctx *Context, key SignatureKey, mode DerivativeMode, newFunc *ir.Func, vmap *ir.ValueMap) (*gutils, error) {
	fn := key.Fn
	gu := &gutils{
		ctx:                 ctx,
		key:                 key,
		mode:                mode,
		oldFunc:             fn,
		newFunc:             newFunc,
		vmap:                vmap,
		dt:                  ir.BuildDomTree(fn),
		shadowParams:        make(map[int]*ir.Param),
		tape:                newTape(),
		neededMemo:          make(map[ir.Value]bool),
		shadows:             make(map[ir.Value]ir.Value),
		diffes:              make(map[ir.Value]*ir.Instr),
		reverseBlocks:       make(map[*ir.Block]*ir.Block),
		reverseOrig:         make(map[*ir.Block]*ir.Block),
		pathValues:          make(map[*ir.Block]ir.Value),
		loops:               make(map[*ir.Block]*loopInfo),
		loopOf:              make(map[*ir.Block]*loopInfo),
		subAugs:             make(map[*ir.Instr]*AugmentedReturn),
		cachedLoads:         make(map[*ir.Instr]bool),
		uncacheableCallArgs: make(map[*ir.Instr]map[int]bool),
	}
	gu.ti = typeinfo.Analyze(fn, nil)
	gu.act = activity.Analyze(fn, gu.ti, key.constMap())
	gu.unreachable = guaranteedUnreachable(fn)
	gu.entry = ir.NewBuilder(newFunc)
	gu.entry.SetInsertAtEnd(newFunc.Entry())
	if len(newFunc.Entry().Instrs) > 0 {
		gu.entry.SetInsertBefore(newFunc.Entry().Instrs[0])
	}
	if err := gu.findLoops(); err != nil {
		return nil, err
	}
	return gu, nil
}

// getNewFromOriginal returns the working-copy mirror of an original value.
func (gu *gutils) getNewFromOriginal(v ir.Value) ir.Value {
	return gu.vmap.New(v)
}

// getOriginal returns the original of a mirrored value, nil for values the
// transform created.
func (gu *gutils) getOriginal(v ir.Value) ir.Value {
	return gu.vmap.Orig(v)
}

// isConstantValue reports whether the gradient of an original value is
// structurally zero.
func (gu *gutils) isConstantValue(v ir.Value) bool {
	if g, ok := v.(*ir.Global); ok {
		if g.Shadow == nil && gu.ctx.cfg.NonmarkedGlobalsInactiveLoads {
			return true
		}
		return false
	}
	return gu.act.IsConstantValue(v)
}

// isConstantInstr reports whether an original instruction has no
// differential side effect.
func (gu *gutils) isConstantInstr(in *ir.Instr) bool {
	return gu.act.IsConstantInstr(in)
}

// stampActivity writes the activity metadata on a synthesized instruction
// mirroring an original one.
func (gu *gutils) stampActivity(orig, in *ir.Instr) {
	in.SetMeta(ir.MetaActivityInst, gu.act.MetaInstr(orig))
	if orig.Type() != ir.Void {
		in.SetMeta(ir.MetaActivityValue, gu.act.MetaValue(orig))
	}
}

// ---- differentials ----

// diffe returns the accumulator alloca of the differential of an original
// float value, creating and zero-initializing it on first use.
func (gu *gutils) diffe(orig ir.Value) *ir.Instr {
	if d, ok := gu.diffes[orig]; ok {
		return d
	}
	typ := orig.Type()
	if ft := gu.ti.SecretFloat(orig); ft != nil {
		typ = ft
	}
	d := gu.entry.CreateAlloca(typ, "d_"+orig.Name())
	gu.entry.CreateStore(ir.ZeroValue(typ), d)
	gu.diffes[orig] = d
	return d
}

// getDiffe loads the differential accumulated so far for an original value.
func (gu *gutils) getDiffe(b *ir.Builder, orig ir.Value) ir.Value {
	return b.CreateLoad(gu.diffe(orig), "d_"+orig.Name())
}

// addToDiffe accumulates a contribution into the differential of an
// original value. Contributions to constant values are dropped.
func (gu *gutils) addToDiffe(b *ir.Builder, orig ir.Value, delta ir.Value) {
	if gu.isConstantValue(orig) {
		return
	}
	if ir.IsConstant(orig) {
		return
	}
	d := gu.diffe(orig)
	cur := b.CreateLoad(d, "d_"+orig.Name())
	sum := b.CreateFAdd(cur, delta, "d_"+orig.Name())
	b.CreateStore(sum, d)
}

// subFromDiffe subtracts a contribution from the differential.
func (gu *gutils) subFromDiffe(b *ir.Builder, orig ir.Value, delta ir.Value) {
	if gu.isConstantValue(orig) || ir.IsConstant(orig) {
		return
	}
	d := gu.diffe(orig)
	cur := b.CreateLoad(d, "d_"+orig.Name())
	sum := b.CreateFSub(cur, delta, "d_"+orig.Name())
	b.CreateStore(sum, d)
}

// setDiffe overwrites the differential of an original value.
func (gu *gutils) setDiffe(b *ir.Builder, orig ir.Value, v ir.Value) {
	if gu.isConstantValue(orig) {
		return
	}
	b.CreateStore(v, gu.diffe(orig))
}

// zeroDiffe resets the differential of an original value to zero.
func (gu *gutils) zeroDiffe(b *ir.Builder, orig ir.Value) {
	if gu.isConstantValue(orig) {
		return
	}
	d := gu.diffe(orig)
	b.CreateStore(ir.ZeroValue(d.Allocated), d)
}

// ---- shadows ----

// invertPointer returns the shadow of an original pointer value: the
// parallel value addressing the cotangent of the memory the primal
// addresses. Shadows of derived pointers mirror the deriving operation and
// are placed right after the mirrored instruction so that shadow dominance
// follows primal dominance. Phi shadows are created as placeholders and
// resolved before the block terminator.
func (gu *gutils) invertPointer(orig ir.Value) (ir.Value, error) {
	if s, ok := gu.shadows[orig]; ok {
		return s, nil
	}
	s, err := gu.buildShadow(orig)
	if err != nil {
		return nil, err
	}
	gu.shadows[orig] = s
	return s, nil
}

func (gu *gutils) buildShadow(orig ir.Value) (ir.Value, error) {
	switch v := orig.(type) {
	case *ir.Param:
		if sp, ok := gu.shadowParams[v.Index()]; ok {
			return sp, nil
		}
		if gu.isConstantValue(v) {
			return gu.getNewFromOriginal(v), nil
		}
		return nil, fmterr.Internalf(gu.oldFunc, "no shadow argument for active pointer %s", v.Name())
	case *ir.Global:
		if v.Shadow != nil {
			return v.Shadow, nil
		}
		if gu.ctx.cfg.NonmarkedGlobalsInactiveLoads {
			// Unmarked globals are treated as read-only primal data.
			return v, nil
		}
		return nil, fmterr.Errorf(v, "global %s has no shadow marker", v.Name())
	case ir.Constant:
		return v, nil
	case *ir.Instr:
		return gu.buildShadowInstr(v)
	}
	return nil, fmterr.Internalf(gu.oldFunc, "cannot shadow value %s", orig.Name())
}

func (gu *gutils) buildShadowInstr(orig *ir.Instr) (ir.Value, error) {
	mirror, _ := gu.getNewFromOriginal(orig).(*ir.Instr)
	if mirror == nil {
		return nil, fmterr.Internalf(orig, "no mirror for %s while building its shadow", orig.Name())
	}
	b := ir.NewBuilder(gu.newFunc)
	gu.setInsertAfter(b, mirror)
	switch orig.Op() {
	case ir.OpAlloca:
		shadow := b.CreateAlloca(orig.Allocated, orig.Name()+"'")
		if z := ir.ZeroValue(orig.Allocated); !isUndef(z) {
			b.CreateStore(z, shadow)
		}
		return shadow, nil
	case ir.OpGEP:
		base, err := gu.invertPointer(orig.Arg(0))
		if err != nil {
			return nil, err
		}
		indices := make([]ir.Value, orig.NumArgs()-1)
		for i := 1; i < orig.NumArgs(); i++ {
			indices[i-1] = gu.getNewFromOriginal(orig.Arg(i))
		}
		return b.CreateGEP(base, indices, orig.Name()+"'"), nil
	case ir.OpBitCast, ir.OpIntToPtr:
		base, err := gu.invertPointer(orig.Arg(0))
		if err != nil {
			return nil, err
		}
		return b.CreateCast(orig.Op(), base, orig.Type(), orig.Name()+"'"), nil
	case ir.OpSelect:
		t, err := gu.invertPointer(orig.Arg(1))
		if err != nil {
			return nil, err
		}
		f, err := gu.invertPointer(orig.Arg(2))
		if err != nil {
			return nil, err
		}
		return b.CreateSelect(gu.getNewFromOriginal(orig.Arg(0)), t, f, orig.Name()+"'"), nil
	case ir.OpLoad:
		ptrShadow, err := gu.invertPointer(orig.Arg(0))
		if err != nil {
			return nil, err
		}
		return b.CreateLoad(ptrShadow, orig.Name()+"'"), nil
	case ir.OpPhi:
		// Placeholder phi; incoming shadows are resolved by
		// resolveShadowPhis before terminators are inverted.
		pb := ir.NewBuilder(gu.newFunc)
		pb.SetInsertAtEnd(mirror.Block())
		shadow := pb.CreatePhi(orig.Type(), orig.Name()+"'")
		gu.shadows[orig] = shadow
		gu.pendingShadowPhis = append(gu.pendingShadowPhis, orig)
		return shadow, nil
	case ir.OpCall:
		if ir.IsAllocationFunc(orig.CalledFunc()) {
			return nil, fmterr.Internalf(orig, "anti-allocation for %s requested before the call was visited", orig.Name())
		}
	}
	return nil, fmterr.Errorf(orig, "cannot compute the shadow of a %s", orig.Op())
}

// resolveShadowPhis fills the incoming edges of placeholder shadow phis.
// Resolving one phi may create further placeholders; the worklist drains
// in creation order.
func (gu *gutils) resolveShadowPhis() error {
	for i := 0; i < len(gu.pendingShadowPhis); i++ {
		origPhi := gu.pendingShadowPhis[i].(*ir.Instr)
		sh := gu.shadows[origPhi].(*ir.Instr)
		if sh.NumArgs() > 0 {
			continue
		}
		for j, inc := range origPhi.Args() {
			incShadow, err := gu.invertPointer(inc)
			if err != nil {
				return err
			}
			sh.AddIncoming(incShadow, gu.vmap.NewBlock(origPhi.IncomingBlocks[j]))
		}
	}
	return nil
}

func (gu *gutils) setInsertAfter(b *ir.Builder, in *ir.Instr) {
	blk := in.Block()
	idx := blk.Index(in)
	if idx+1 < len(blk.Instrs) {
		b.SetInsertBefore(blk.Instrs[idx+1])
		return
	}
	b.SetInsertAtEnd(blk)
}

func isUndef(v ir.Value) bool {
	_, ok := v.(*ir.Undef)
	return ok
}

// ---- cache slots ----

// ensureSlot allocates (or retrieves) the tape slot for an original
// instruction and backs it with an entry alloca. Values produced inside a
// loop are cached per iteration in a heap array; the slot then stores the
// array pointer. Caching inside nested loops is unsupported.
func (gu *gutils) ensureSlot(orig *ir.Instr, kind CacheKind, elem ir.Type, scalar bool) (*tapeSlot, error) {
	var loop *loopInfo
	if !scalar {
		loop = gu.loopOf[orig.Block()]
	}
	if loop != nil && gu.loopOf[loop.preheader] != nil {
		return nil, fmterr.Errorf(orig, "caching a value inside nested loops is not supported")
	}
	typ := elem
	if loop != nil {
		typ = ir.PtrTo(elem)
	}
	slot, err := gu.tape.alloc(orig, kind, typ, loop)
	if err != nil {
		return nil, err
	}
	if slot.storage == nil {
		slot.storage = gu.entry.CreateAlloca(typ, "cache_"+orig.Name()+"_"+kind.String())
		if loop != nil {
			gu.entry.CreateStore(ir.NullPtr(ir.PtrTo(elem)), slot.storage)
		}
	}
	return slot, nil
}

// writeCache emits the forward-pass store of a cached value. Loop-varying
// slots grow their heap array one element per iteration.
func (gu *gutils) writeCache(b *ir.Builder, slot *tapeSlot, v ir.Value) {
	if slot.loop == nil {
		b.CreateStore(v, slot.storage)
		return
	}
	elem := slot.elemType()
	size := ir.SizeOf(elem)
	iv := slot.loop.iv
	arr := b.CreateLoad(slot.storage, "arr")
	raw := b.CreateBitCast(arr, bytePtr, "raw")
	next := b.CreateBinOp(ir.OpAdd, iv, ir.IntConst(ir.I64, 1), "n1")
	bytes := b.CreateBinOp(ir.OpMul, next, ir.IntConst(ir.I64, size), "bytes")
	grown := b.CreateCall(gu.ctx.reallocFunc(), []ir.Value{raw, bytes}, "grown")
	typed := b.CreateBitCast(grown, ir.PtrTo(elem), "typed")
	b.CreateStore(typed, slot.storage)
	at := b.CreateGEP(typed, []ir.Value{iv}, "at")
	b.CreateStore(v, at)
}

// readCache emits the reverse-pass read of a cached value for the reverse
// of block at. The read is pinned with mustcache metadata. Loop-varying
// slots are indexed by the iteration the reverse of at is undoing.
func (gu *gutils) readCache(b *ir.Builder, slot *tapeSlot, at *ir.Block, name string) ir.Value {
	if slot.loop == nil {
		ld := b.CreateLoad(slot.storage, name)
		ld.SetMeta(ir.MetaMustCache, "1")
		return ld
	}
	arr := b.CreateLoad(slot.storage, "arr")
	arr.SetMeta(ir.MetaMustCache, "1")
	idx := gu.reverseIndex(slot.loop, at, b)
	gep := b.CreateGEP(arr, []ir.Value{idx}, "at")
	ld := b.CreateLoad(gep, name)
	ld.SetMeta(ir.MetaMustCache, "1")
	return ld
}

// ---- lookup across the forward/reverse boundary ----

// lookup returns the value of an original instruction or argument at a
// reverse-pass point. Preference order: direct reuse when dominance and
// loop structure allow it, the tape, then rematerialization.
func (gu *gutils) lookup(b *ir.Builder, orig ir.Value, atBlock *ir.Block) (ir.Value, error) {
	in, ok := orig.(*ir.Instr)
	if !ok {
		return gu.getNewFromOriginal(orig), nil
	}
	if slot, ok := gu.tape.lookup(in, CacheSelf); ok {
		return gu.readCache(b, slot, atBlock, in.Name()+"_cached"), nil
	}
	if gu.mode != Forward {
		if gu.loopOf[in.Block()] == nil && gu.dt.Dominates(in.Block(), atBlock) {
			if gu.mode == Both || isRecomputed(in) {
				return gu.getNewFromOriginal(orig), nil
			}
		}
	}
	return gu.rematerialize(b, in, atBlock)
}

// isRecomputed reports whether the split-mode gradient re-executes the
// forward form of an instruction. Calls, loads replaced by tape reads and
// erased allocations are not recomputed.
func isRecomputed(in *ir.Instr) bool {
	switch in.Op() {
	case ir.OpCall:
		return false
	}
	return true
}

// rematerialize rebuilds a pure original instruction at a reverse point.
// Loop counters rebuild to the reverse countdown of their loop.
func (gu *gutils) rematerialize(b *ir.Builder, in *ir.Instr, atBlock *ir.Block) (ir.Value, error) {
	if loop, ok := gu.loops[in.Block()]; ok && in == loop.origIV {
		return gu.reverseIndex(loop, atBlock, b), nil
	}
	switch in.Op() {
	case ir.OpGEP:
		base, err := gu.lookup(b, in.Arg(0), atBlock)
		if err != nil {
			return nil, err
		}
		indices := make([]ir.Value, in.NumArgs()-1)
		for i := 1; i < in.NumArgs(); i++ {
			if indices[i-1], err = gu.lookup(b, in.Arg(i), atBlock); err != nil {
				return nil, err
			}
		}
		return b.CreateGEP(base, indices, in.Name()+"_remat"), nil
	case ir.OpBitCast, ir.OpTrunc, ir.OpZExt, ir.OpSExt, ir.OpPtrToInt, ir.OpIntToPtr,
		ir.OpFPTrunc, ir.OpFPExt, ir.OpSIToFP, ir.OpUIToFP:
		base, err := gu.lookup(b, in.Arg(0), atBlock)
		if err != nil {
			return nil, err
		}
		return b.CreateCast(in.Op(), base, in.Type(), in.Name()+"_remat"), nil
	case ir.OpFAdd, ir.OpFSub, ir.OpFMul, ir.OpFDiv,
		ir.OpAdd, ir.OpSub, ir.OpMul, ir.OpAnd, ir.OpOr, ir.OpXor,
		ir.OpShl, ir.OpLShr, ir.OpAShr:
		x, err := gu.lookup(b, in.Arg(0), atBlock)
		if err != nil {
			return nil, err
		}
		y, err := gu.lookup(b, in.Arg(1), atBlock)
		if err != nil {
			return nil, err
		}
		return b.CreateBinOp(in.Op(), x, y, in.Name()+"_remat"), nil
	case ir.OpSelect:
		c, err := gu.lookup(b, in.Arg(0), atBlock)
		if err != nil {
			return nil, err
		}
		t, err := gu.lookup(b, in.Arg(1), atBlock)
		if err != nil {
			return nil, err
		}
		f, err := gu.lookup(b, in.Arg(2), atBlock)
		if err != nil {
			return nil, err
		}
		return b.CreateSelect(c, t, f, in.Name()+"_remat"), nil
	case ir.OpICmp:
		x, err := gu.lookup(b, in.Arg(0), atBlock)
		if err != nil {
			return nil, err
		}
		y, err := gu.lookup(b, in.Arg(1), atBlock)
		if err != nil {
			return nil, err
		}
		return b.CreateICmp(in.Pred, x, y, in.Name()+"_remat"), nil
	case ir.OpLoad:
		if gu.canModRef[in] {
			break
		}
		ptr, err := gu.lookup(b, in.Arg(0), atBlock)
		if err != nil {
			return nil, err
		}
		ld := b.CreateLoad(ptr, in.Name()+"_remat")
		ld.Align = in.Align
		return ld, nil
	}
	return nil, fmterr.Internalf(in, "value %s is needed in the reverse pass but was neither cached nor rematerializable", in.Name())
}

// lookupShadow returns the shadow of an original pointer at a reverse
// point. Preference order mirrors lookup: the Shadow tape slot, direct
// reuse of the forward shadow when dominance and loop structure allow it,
// then rebuilding the derivation chain at the reverse point.
func (gu *gutils) lookupShadow(b *ir.Builder, orig ir.Value, atBlock *ir.Block) (ir.Value, error) {
	in, ok := orig.(*ir.Instr)
	if !ok {
		return gu.invertPointer(orig)
	}
	if slot, ok := gu.tape.lookup(in, CacheShadow); ok {
		return gu.readCache(b, slot, atBlock, in.Name()+"_shadow"), nil
	}
	if gu.loopOf[in.Block()] == nil && gu.dt.Dominates(in.Block(), atBlock) {
		return gu.invertPointer(orig)
	}
	return gu.rematerializeShadow(b, in, atBlock)
}

// rematerializeShadow rebuilds the shadow of a derived pointer at a
// reverse point. A shadow built in the forward body of a loop addresses
// the last iteration; the reverse pass instead re-derives the chain with
// every index routed through lookup, so loop counters resolve to the
// countdown of the iteration being undone.
func (gu *gutils) rematerializeShadow(b *ir.Builder, in *ir.Instr, atBlock *ir.Block) (ir.Value, error) {
	switch in.Op() {
	case ir.OpGEP:
		base, err := gu.lookupShadow(b, in.Arg(0), atBlock)
		if err != nil {
			return nil, err
		}
		indices := make([]ir.Value, in.NumArgs()-1)
		for i := 1; i < in.NumArgs(); i++ {
			if indices[i-1], err = gu.lookup(b, in.Arg(i), atBlock); err != nil {
				return nil, err
			}
		}
		return b.CreateGEP(base, indices, in.Name()+"'"), nil
	case ir.OpBitCast, ir.OpIntToPtr:
		base, err := gu.lookupShadow(b, in.Arg(0), atBlock)
		if err != nil {
			return nil, err
		}
		return b.CreateCast(in.Op(), base, in.Type(), in.Name()+"'"), nil
	case ir.OpSelect:
		cond, err := gu.lookup(b, in.Arg(0), atBlock)
		if err != nil {
			return nil, err
		}
		t, err := gu.lookupShadow(b, in.Arg(1), atBlock)
		if err != nil {
			return nil, err
		}
		f, err := gu.lookupShadow(b, in.Arg(2), atBlock)
		if err != nil {
			return nil, err
		}
		return b.CreateSelect(cond, t, f, in.Name()+"'"), nil
	case ir.OpLoad:
		ptrShadow, err := gu.lookupShadow(b, in.Arg(0), atBlock)
		if err != nil {
			return nil, err
		}
		return b.CreateLoad(ptrShadow, in.Name()+"'"), nil
	}
	return nil, fmterr.Errorf(in, "cannot address the shadow of %s %s inside a loop from the reverse pass", in.Op(), in.Name())
}
