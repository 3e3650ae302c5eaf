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
	"strings"
	"testing"

	"github.com/gradir-org/gradir/ir"
)

func TestCombinedGradientOfSquare(t *testing.T) {
	mod, ctx := newTestContext(t)
	f := buildSquare(mod, "square")
	grad, err := ctx.CreatePrimalAndGradient(newSignatureKey(f, nil, nil, false, true), true)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient: %v", err)
	}
	sig := grad.Signature()
	if len(sig.Params) != 2 {
		t.Fatalf("gradient has %d parameters, want 2 (x, d_ret)", len(sig.Params))
	}
	if got := grad.Param(1).Name(); got != "d_ret" {
		t.Errorf("second parameter named %q, want d_ret", got)
	}
	want := ir.StructOf(ir.F64)
	if !sig.Result.Equal(want) {
		t.Errorf("gradient result type = %s, want %s", sig.Result, want)
	}
	// The primal product survives and the adjoint d*x flows to both
	// operand slots of the multiplication.
	if n := countOp(grad, ir.OpFMul); n < 3 {
		t.Errorf("gradient has %d float multiplications, want at least 3\n%s", n, grad.Dump())
	}
	verifyFunc(t, grad)
}

func TestFloatCarrierShiftGradient(t *testing.T) {
	mod, ctx := newTestContext(t)
	f := mod.NewFunc("unpack", ir.FuncOf(ir.F32, ir.F32), "x")
	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(f.NewBlock("entry"))
	bits := b.CreateBitCast(f.Param(0), ir.I32, "bits")
	wide := b.CreateCast(ir.OpZExt, bits, ir.I64, "wide")
	// Shifting the carrier by one full element width moves the payload
	// without scaling it.
	lane := b.CreateBinOp(ir.OpLShr, wide, ir.IntConst(ir.I64, 32), "lane")
	low := b.CreateCast(ir.OpTrunc, lane, ir.I32, "low")
	y := b.CreateBitCast(low, ir.F32, "y")
	b.CreateRet(y)

	grad, err := ctx.CreatePrimalAndGradient(newSignatureKey(f, nil, nil, false, true), true)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient: %v", err)
	}
	want := ir.StructOf(ir.F32)
	if got := grad.Signature().Result; !got.Equal(want) {
		t.Errorf("gradient result type = %s, want %s", got, want)
	}
	// The differential passes through every carrier step back to x.
	if n := countOp(grad, ir.OpFAdd); n < 1 {
		t.Errorf("gradient has %d float additions, want the accumulation into d_x\n%s", n, grad.Dump())
	}
	verifyFunc(t, grad)
}

// A shift that is not a whole number of element widths scrambles the float
// bits and stays rejected.
func TestFloatCarrierPartialShiftUnsupported(t *testing.T) {
	mod, ctx := newTestContext(t)
	f := mod.NewFunc("scramble", ir.FuncOf(ir.F32, ir.F32), "x")
	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(f.NewBlock("entry"))
	bits := b.CreateBitCast(f.Param(0), ir.I32, "bits")
	sh := b.CreateBinOp(ir.OpLShr, bits, ir.IntConst(ir.I32, 7), "sh")
	y := b.CreateBitCast(sh, ir.F32, "y")
	b.CreateRet(y)
	wantGradientError(t, ctx, f, "carrying float bits")
}

func TestPointerArgumentShadow(t *testing.T) {
	mod, ctx := newTestContext(t)
	f := mod.NewFunc("sum2", ir.FuncOf(ir.F64, ir.PtrTo(ir.F64)), "a")
	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(f.NewBlock("entry"))
	v0 := b.CreateLoad(f.Param(0), "v0")
	a1 := b.CreateGEP(f.Param(0), []ir.Value{ir.IntConst(ir.I64, 1)}, "a1")
	v1 := b.CreateLoad(a1, "v1")
	s := b.CreateFAdd(v0, v1, "s")
	b.CreateRet(s)

	grad, err := ctx.CreatePrimalAndGradient(newSignatureKey(f, nil, nil, false, true), true)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient: %v", err)
	}
	sig := grad.Signature()
	if len(sig.Params) != 3 {
		t.Fatalf("gradient has %d parameters, want 3 (a, d_a, d_ret)", len(sig.Params))
	}
	if got := grad.Param(1).Name(); got != "d_a" {
		t.Errorf("shadow parameter named %q, want d_a", got)
	}
	// The pointer argument accumulates through its shadow, so the gradient
	// returns nothing.
	if _, void := sig.Result.(*ir.VoidType); !void {
		t.Errorf("gradient result type = %s, want void", sig.Result)
	}
	if n := countOp(grad, ir.OpStore); n < 2 {
		t.Errorf("gradient has %d stores, want at least one per loaded slot\n%s", n, grad.Dump())
	}
	verifyFunc(t, grad)
}

// buildArraySum defines f(a, n): s = 0; do { s += a[i] } while (++i < n).
func buildArraySum(mod *ir.Module) *ir.Func {
	f := mod.NewFunc("arraysum", ir.FuncOf(ir.F64, ir.PtrTo(ir.F64), ir.I64), "a", "n")
	entry := f.NewBlock("entry")
	loop := f.NewBlock("loop")
	exit := f.NewBlock("exit")

	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(entry)
	b.CreateBr(loop)

	b.SetInsertAtEnd(loop)
	i := b.CreatePhi(ir.I64, "i")
	s := b.CreatePhi(ir.F64, "s")
	at := b.CreateGEP(f.Param(0), []ir.Value{i}, "at")
	v := b.CreateLoad(at, "v")
	sn := b.CreateFAdd(s, v, "sn")
	inext := b.CreateBinOp(ir.OpAdd, i, ir.IntConst(ir.I64, 1), "inext")
	c := b.CreateICmp(ir.PredSLT, inext, f.Param(1), "c")
	b.CreateCondBr(c, loop, exit)
	i.AddIncoming(ir.IntConst(ir.I64, 0), entry)
	i.AddIncoming(inext, loop)
	s.AddIncoming(ir.FloatConst(ir.F64, 0), entry)
	s.AddIncoming(sn, loop)

	b.SetInsertAtEnd(exit)
	b.CreateRet(sn)
	return f
}

func TestLoopArrayShadowIndex(t *testing.T) {
	mod, ctx := newTestContext(t)
	f := buildArraySum(mod)
	grad, err := ctx.CreatePrimalAndGradient(newSignatureKey(f, nil, nil, false, true), true)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient: %v", err)
	}
	rb := grad.BlockNamed("reverse_loop")
	if rb == nil {
		t.Fatalf("gradient has no reverse block for the loop\n%s", grad.Dump())
	}
	// Each reverse iteration re-derives the shadow element address from
	// the shadow argument, indexed by the countdown of the iteration it
	// undoes, never by the forward counter.
	var sgep *ir.Instr
	for _, in := range rb.Instrs {
		if in.Op() == ir.OpGEP && in.Arg(0) == grad.Param(1) {
			sgep = in
			break
		}
	}
	if sgep == nil {
		t.Fatalf("reverse loop block holds no shadow element address\n%s", grad.Dump())
	}
	idx, ok := sgep.Arg(1).(*ir.Instr)
	if !ok || idx.Block() != rb {
		t.Errorf("shadow element index is not derived in the reverse loop\n%s", grad.Dump())
	}
	// The reverse loop body must not reach back into forward loop values:
	// those belong to the last iteration only.
	fwdLoop := grad.BlockNamed("loop")
	for _, in := range rb.Instrs {
		for _, a := range in.Args() {
			if ai, ok := a.(*ir.Instr); ok && ai.Block() == fwdLoop {
				t.Errorf("reverse instruction %s reads %%%s from the forward loop body", in, ai.Name())
			}
		}
	}
	// The cotangent of each element accumulates through the re-derived
	// address.
	if n := countOp(grad, ir.OpStore); n < 1 {
		t.Errorf("gradient has %d stores, want the accumulation into the shadow array\n%s", n, grad.Dump())
	}
	verifyFunc(t, grad)
}

func TestTailCallCombinedReplacement(t *testing.T) {
	mod, ctx := newTestContext(t)
	g := buildSquare(mod, "square")
	f := mod.NewFunc("wrap", ir.FuncOf(ir.F64, ir.F64), "x")
	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(f.NewBlock("entry"))
	r := b.CreateCall(g, []ir.Value{f.Param(0)}, "r")
	b.CreateRet(r)

	grad, err := ctx.CreatePrimalAndGradient(newSignatureKey(f, nil, nil, true, true), true)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient: %v", err)
	}
	// A call whose block returns right after it collapses into one
	// combined callee gradient: no augmented primal, no tape crossing.
	if n := callsTo(grad, "gradient_square"); n != 1 {
		t.Errorf("gradient calls gradient_square %d times, want 1\n%s", n, grad.Dump())
	}
	if n := callsTo(grad, "augmented_square"); n != 0 {
		t.Errorf("gradient still calls augmented_square %d times\n%s", n, grad.Dump())
	}
	if mod.Func("augmented_square") != nil {
		t.Errorf("an augmented primal of square was built for a tail call")
	}
	if n := callsTo(grad, "square"); n != 0 {
		t.Errorf("the primal call survived the replacement\n%s", grad.Dump())
	}
	sub := mod.Func("gradient_square")
	if sub == nil {
		t.Fatalf("no combined gradient of square in the module")
	}
	verifyFunc(t, sub)
	verifyFunc(t, grad)
}

func TestTailCallReplacementAbortsOnOutsideUse(t *testing.T) {
	mod, ctx := newTestContext(t)
	g := buildSquare(mod, "square")
	f := mod.NewFunc("scaled", ir.FuncOf(ir.F64, ir.F64), "x")
	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(f.NewBlock("entry"))
	r := b.CreateCall(g, []ir.Value{f.Param(0)}, "r")
	y := b.CreateFMul(r, f.Param(0), "y")
	b.CreateRet(y)

	grad, err := ctx.CreatePrimalAndGradient(newSignatureKey(f, nil, nil, true, true), true)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient: %v", err)
	}
	// The result feeds a multiplication before the return, so the call
	// keeps the augmented/split pair.
	if mod.Func("augmented_square") == nil {
		t.Errorf("no augmented primal was built for a non-tail call")
	}
	if n := callsTo(grad, "augmented_square"); n != 1 {
		t.Errorf("gradient calls augmented_square %d times, want 1\n%s", n, grad.Dump())
	}
	verifyFunc(t, grad)
}

func TestShadowStoreKeepsMemoryAttrs(t *testing.T) {
	mod, ctx := newTestContext(t)
	pf := ir.PtrTo(ir.F64)
	f := mod.NewFunc("publish", ir.FuncOf(ir.Void, ir.PtrTo(pf), pf), "dst", "p")
	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(f.NewBlock("entry"))
	st := b.CreateStore(f.Param(1), f.Param(0))
	st.Volatile = true
	st.Align = 8
	b.CreateRet(nil)

	aug, err := ctx.CreateAugmentedPrimal(newSignatureKey(f, nil, nil, false, false))
	if err != nil {
		t.Fatalf("CreateAugmentedPrimal: %v", err)
	}
	// The mirrored shadow store carries the memory attributes of its
	// source: one volatile aligned store per heap, primal and shadow.
	volatiles := 0
	for _, blk := range aug.Fn.Blocks {
		for _, in := range blk.Instrs {
			if in.Op() != ir.OpStore || !in.Volatile {
				continue
			}
			volatiles++
			if in.Align != 8 {
				t.Errorf("volatile store has align %d, want 8", in.Align)
			}
		}
	}
	if volatiles != 2 {
		t.Errorf("augmented primal has %d volatile stores, want 2\n%s", volatiles, aug.Fn.Dump())
	}
	verifyFunc(t, aug.Fn)
}

func TestAllocationPairing(t *testing.T) {
	mod, ctx := newTestContext(t)
	bp := ir.PtrTo(ir.I8)
	malloc := mod.NewFunc("malloc", ir.FuncOf(bp, ir.I64))
	free := mod.NewFunc("free", ir.FuncOf(ir.Void, bp))

	f := mod.NewFunc("roundtrip", ir.FuncOf(ir.F64, ir.F64), "x")
	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(f.NewBlock("entry"))
	raw := b.CreateCall(malloc, []ir.Value{ir.IntConst(ir.I64, 8)}, "raw")
	p := b.CreateBitCast(raw, ir.PtrTo(ir.F64), "p")
	b.CreateStore(f.Param(0), p)
	v := b.CreateLoad(p, "v")
	r := b.CreateFMul(v, f.Param(0), "r")
	b.CreateCall(free, []ir.Value{raw}, "")
	b.CreateRet(r)

	grad, err := ctx.CreatePrimalAndGradient(newSignatureKey(f, nil, nil, false, true), true)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient: %v", err)
	}
	// One primal allocation, one anti-allocation for the shadow.
	if n := callsTo(grad, "malloc"); n != 2 {
		t.Errorf("gradient calls malloc %d times, want 2\n%s", n, grad.Dump())
	}
	if n := callsTo(grad, "memset"); n != 1 {
		t.Errorf("gradient calls memset %d times, want 1 (shadow cleared once)", n)
	}
	// The erased free moves to the reverse of the allocation point and
	// releases both buffers there.
	if n := callsTo(grad, "free"); n != 2 {
		t.Errorf("gradient calls free %d times, want 2\n%s", n, grad.Dump())
	}
	verifyFunc(t, grad)
}

// buildPowLoop defines f(x, n): acc = x; do { acc *= x } while (++i < n),
// a single-block loop whose latch is also its exit.
func buildPowLoop(mod *ir.Module) *ir.Func {
	f := mod.NewFunc("powloop", ir.FuncOf(ir.F64, ir.F64, ir.I64), "x", "n")
	entry := f.NewBlock("entry")
	loop := f.NewBlock("loop")
	exit := f.NewBlock("exit")

	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(entry)
	b.CreateBr(loop)

	b.SetInsertAtEnd(loop)
	i := b.CreatePhi(ir.I64, "i")
	acc := b.CreatePhi(ir.F64, "acc")
	accn := b.CreateFMul(acc, f.Param(0), "accn")
	inext := b.CreateBinOp(ir.OpAdd, i, ir.IntConst(ir.I64, 1), "inext")
	c := b.CreateICmp(ir.PredSLT, inext, f.Param(1), "c")
	b.CreateCondBr(c, loop, exit)
	i.AddIncoming(ir.IntConst(ir.I64, 0), entry)
	i.AddIncoming(inext, loop)
	acc.AddIncoming(f.Param(0), entry)
	acc.AddIncoming(accn, loop)

	b.SetInsertAtEnd(exit)
	b.CreateRet(accn)
	return f
}

func TestLoopInversion(t *testing.T) {
	mod, ctx := newTestContext(t)
	f := buildPowLoop(mod)
	grad, err := ctx.CreatePrimalAndGradient(newSignatureKey(f, nil, nil, false, true), true)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient: %v", err)
	}
	rb := grad.BlockNamed("reverse_loop")
	if rb == nil {
		t.Fatalf("gradient has no reverse block for the loop\n%s", grad.Dump())
	}
	// The reverse entry of the loop opens with the countdown phi.
	if len(rb.Instrs) == 0 || rb.Instrs[0].Op() != ir.OpPhi {
		t.Fatalf("reverse loop block does not start with the countdown phi\n%s", grad.Dump())
	}
	if !rb.Instrs[0].Type().Equal(ir.I64) {
		t.Errorf("countdown phi has type %s, want i64", rb.Instrs[0].Type())
	}
	if got, want := len(rb.Instrs[0].Args()), len(rb.Preds()); got != want {
		t.Errorf("countdown phi has %d incomings for %d predecessors", got, want)
	}
	// The loop-carried accumulator is cached per iteration in a growing
	// heap array, released once the reverse pass drained it.
	if n := callsTo(grad, "realloc"); n < 1 {
		t.Errorf("gradient calls realloc %d times, want at least 1\n%s", n, grad.Dump())
	}
	if n := callsTo(grad, "free"); n < 1 {
		t.Errorf("gradient calls free %d times, want at least 1", n)
	}
	tripCountRead := false
	for _, blk := range grad.Blocks {
		for _, in := range blk.Instrs {
			if in.Op() == ir.OpLoad && strings.HasPrefix(in.Name(), "trip_count") {
				tripCountRead = true
			}
		}
	}
	if !tripCountRead {
		t.Errorf("gradient never reads the cached trip count back\n%s", grad.Dump())
	}
	verifyFunc(t, grad)
}

// buildRecursive defines f(x) = x <= 1 ? x : f(x/2) * x.
func buildRecursive(mod *ir.Module) *ir.Func {
	f := mod.NewFunc("f", ir.FuncOf(ir.F64, ir.F64), "x")
	entry := f.NewBlock("entry")
	base := f.NewBlock("base")
	rec := f.NewBlock("rec")

	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(entry)
	c := b.CreateFCmp(ir.PredOLE, f.Param(0), ir.FloatConst(ir.F64, 1), "c")
	b.CreateCondBr(c, base, rec)

	b.SetInsertAtEnd(base)
	b.CreateRet(f.Param(0))

	b.SetInsertAtEnd(rec)
	h := b.CreateFMul(f.Param(0), ir.FloatConst(ir.F64, 0.5), "h")
	r := b.CreateCall(f, []ir.Value{h}, "r")
	m := b.CreateFMul(r, f.Param(0), "m")
	b.CreateRet(m)
	return f
}

func TestRecursionBoxesTape(t *testing.T) {
	mod, ctx := newTestContext(t)
	f := buildRecursive(mod)
	key := newSignatureKey(f, nil, nil, true, true)

	aug, err := ctx.CreateAugmentedPrimal(key)
	if err != nil {
		t.Fatalf("CreateAugmentedPrimal: %v", err)
	}
	if !aug.TapeBoxed {
		t.Fatalf("recursive augmented primal does not box its tape")
	}
	if !aug.TapeType.Equal(ir.PtrTo(ir.I8)) {
		t.Errorf("boxed tape crosses the call as %s, want i8*", aug.TapeType)
	}
	if aug.InnerTapeType == nil || len(aug.InnerTapeType.Fields) == 0 {
		t.Fatalf("boxed tape has no inner layout: %v", aug.InnerTapeType)
	}

	grad, err := ctx.CreatePrimalAndGradient(key, false)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient: %v", err)
	}
	last := grad.Param(grad.NumParams() - 1)
	if last.Name() != "tape" {
		t.Fatalf("last gradient parameter is %q, want the tape", last.Name())
	}
	if !last.Type().Equal(ir.PtrTo(ir.I8)) {
		t.Errorf("tape parameter has type %s, want i8*", last.Type())
	}
	// The recursion terminates through the memoized declaration: the
	// gradient calls itself once.
	if n := callsTo(grad, grad.Name()); n != 1 {
		t.Errorf("gradient calls itself %d times, want 1\n%s", n, grad.Dump())
	}
	// The drained tape box is released.
	if n := callsTo(grad, "free"); n < 1 {
		t.Errorf("gradient calls free %d times, want at least 1", n)
	}
	verifyFunc(t, aug.Fn)
	verifyFunc(t, grad)
}

func TestMutualRecursion(t *testing.T) {
	mod, ctx := newTestContext(t)
	f := mod.NewFunc("even", ir.FuncOf(ir.F64, ir.F64), "x")
	g := mod.NewFunc("odd", ir.FuncOf(ir.F64, ir.F64), "x")
	for _, pair := range []struct {
		fn, other *ir.Func
		scale     float64
	}{{f, g, 0.5}, {g, f, 0.25}} {
		entry := pair.fn.NewBlock("entry")
		base := pair.fn.NewBlock("base")
		rec := pair.fn.NewBlock("rec")
		b := ir.NewBuilder(pair.fn)
		b.SetInsertAtEnd(entry)
		c := b.CreateFCmp(ir.PredOLE, pair.fn.Param(0), ir.FloatConst(ir.F64, 1), "c")
		b.CreateCondBr(c, base, rec)
		b.SetInsertAtEnd(base)
		b.CreateRet(pair.fn.Param(0))
		b.SetInsertAtEnd(rec)
		h := b.CreateFMul(pair.fn.Param(0), ir.FloatConst(ir.F64, pair.scale), "h")
		r := b.CreateCall(pair.other, []ir.Value{h}, "r")
		m := b.CreateFMul(r, pair.fn.Param(0), "m")
		b.CreateRet(m)
	}

	key := newSignatureKey(f, nil, nil, true, true)
	augF, err := ctx.CreateAugmentedPrimal(key)
	if err != nil {
		t.Fatalf("CreateAugmentedPrimal: %v", err)
	}
	// The outer function observes itself under construction through the
	// cycle, so its tape crosses the call boundary boxed; the inner tape
	// stays an inline struct.
	if !augF.TapeBoxed || !augF.TapeType.Equal(ir.PtrTo(ir.I8)) {
		t.Fatalf("outer tape: boxed=%v type=%s, want a boxed i8*", augF.TapeBoxed, augF.TapeType)
	}
	var augG *AugmentedReturn
	for _, sub := range augF.SubAugmentations {
		augG = sub
	}
	if augG == nil {
		t.Fatalf("no sub-augmentation recorded for the call to %s", g.Name())
	}
	if augG.TapeBoxed {
		t.Errorf("inner tape is boxed, want an inline struct")
	}
	if augG.TapeType == nil {
		t.Errorf("inner augmented primal carries no tape")
	}
	if again, err := ctx.CreateAugmentedPrimal(key); err != nil || again != augF {
		t.Errorf("re-requesting the same key rebuilt the augmented primal")
	}
	if got := ctx.augmented.Size(); got != 2 {
		t.Errorf("%d augmented primals built, want exactly 2", got)
	}

	gradF, err := ctx.CreatePrimalAndGradient(key, false)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient: %v", err)
	}
	if got := ctx.gradients.Size(); got != 2 {
		t.Errorf("%d gradients built, want exactly 2", got)
	}
	verifyFunc(t, augF.Fn)
	verifyFunc(t, augG.Fn)
	verifyFunc(t, gradF)
}

func TestUnreachableBlockReverse(t *testing.T) {
	mod, ctx := newTestContext(t)
	f := mod.NewFunc("guarded", ir.FuncOf(ir.F64, ir.F64, ir.I1), "x", "bad")
	entry := f.NewBlock("entry")
	trap := f.NewBlock("trap")
	ok := f.NewBlock("ok")

	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(entry)
	b.CreateCondBr(f.Param(1), trap, ok)
	b.SetInsertAtEnd(trap)
	b.CreateUnreachable()
	b.SetInsertAtEnd(ok)
	r := b.CreateFMul(f.Param(0), f.Param(0), "r")
	b.CreateRet(r)

	grad, err := ctx.CreatePrimalAndGradient(newSignatureKey(f, nil, nil, false, true), true)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient: %v", err)
	}
	rb := grad.BlockNamed("reverse_trap")
	if rb == nil {
		t.Fatalf("no reverse block for the trapping block\n%s", grad.Dump())
	}
	if len(rb.Instrs) != 1 || rb.Instrs[0].Op() != ir.OpUnreachable {
		t.Errorf("reverse of a trapping block carries adjoints:\n%s", grad.Dump())
	}
	verifyFunc(t, grad)
}
