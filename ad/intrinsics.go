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
	"math"

	"github.com/gradir-org/gradir/fmterr"
	"github.com/gradir-org/gradir/ir"
)

// mathFunc returns the libm declaration of a unary or binary float
// function at the given precision.
func (ctx *Context) mathFunc(base string, ft *ir.FloatType, arity int) *ir.Func {
	name := base
	if ft.Bits == 32 {
		name += "f"
	}
	params := make([]ir.Type, arity)
	for i := range params {
		params[i] = ft
	}
	return ctx.declareFunc(name, ir.FuncOf(ft, params...))
}

// forwardIntrinsic applies the forward-pass treatment of an intrinsic
// call: tape pure results the reverse pass cannot recompute, mirror
// memory intrinsics into shadow memory, and drop the stack and lifetime
// markers that would cut values off from the reverse pass.
func (gu *gutils) forwardIntrinsic(in *ir.Instr, intr ir.Intrinsic) error {
	mirror := gu.getNewFromOriginal(in).(*ir.Instr)
	switch intr {
	case ir.IntrinsicMemset, ir.IntrinsicMemcpy, ir.IntrinsicMemmove:
		return gu.forwardMemIntrinsic(in, intr)
	case ir.IntrinsicLifetimeEnd, ir.IntrinsicStackRestore:
		gu.newFunc.Erase(mirror)
		return nil
	case ir.IntrinsicLifetimeStart, ir.IntrinsicStackSave,
		ir.IntrinsicAssume, ir.IntrinsicPrefetch, ir.IntrinsicDbg:
		return nil
	}
	// Pure math intrinsic.
	if gu.mode == Reverse {
		if slot, ok := gu.tape.lookup(in, CacheSelf); ok {
			b := ir.NewBuilder(gu.newFunc)
			b.SetInsertBefore(mirror)
			v := gu.readCacheForward(b, slot, in.Name())
			gu.newFunc.ReplaceAllUses(mirror, v)
			gu.vmap.RemapNew(in, v)
			gu.newFunc.Erase(mirror)
		}
		return nil
	}
	needsSelf := resultNeededInReverse(in) || gu.neededInReverse(in)
	if needsSelf && (gu.mode == Forward || gu.loopOf[in.Block()] != nil) {
		slot, err := gu.ensureSlot(in, CacheSelf, in.Type(), false)
		if err != nil {
			return err
		}
		b := ir.NewBuilder(gu.newFunc)
		gu.setInsertAfter(b, mirror)
		gu.writeCache(b, slot, mirror)
	}
	return nil
}

// forwardMemIntrinsic mirrors a memory intrinsic into shadow memory when
// the payload is not float data: shadow pointers must move with their
// primals. Float payloads are handled by the reverse adjoint instead.
func (gu *gutils) forwardMemIntrinsic(in *ir.Instr, intr ir.Intrinsic) error {
	if gu.isConstantInstr(in) {
		return nil
	}
	if gu.memElemFloat(in) != nil {
		return nil
	}
	mirror := gu.getNewFromOriginal(in).(*ir.Instr)
	b := ir.NewBuilder(gu.newFunc)
	gu.setInsertAfter(b, mirror)
	args := in.CallArgs()
	dstShadow, err := gu.invertPointer(args[0])
	if err != nil {
		return err
	}
	mirrored := make([]ir.Value, len(args))
	mirrored[0] = dstShadow
	for i := 1; i < len(args); i++ {
		mirrored[i] = gu.getNewFromOriginal(args[i])
	}
	if intr != ir.IntrinsicMemset {
		if mirrored[1], err = gu.invertPointer(args[1]); err != nil {
			return err
		}
	}
	b.CreateCall(in.CalledFunc(), mirrored, "")
	return nil
}

// memElemFloat returns the float element type a memory intrinsic moves,
// nil when the payload is not float data.
func (gu *gutils) memElemFloat(in *ir.Instr) *ir.FloatType {
	for _, a := range in.CallArgs()[:2] {
		if !ir.IsPointer(a.Type()) {
			continue
		}
		if ft, ok := gu.ti.FirstPointedTo(a).(*ir.FloatType); ok {
			return ft
		}
	}
	return nil
}

// reverseIntrinsic emits the adjoint of an intrinsic call.
func (gu *gutils) reverseIntrinsic(in *ir.Instr, intr ir.Intrinsic, b *ir.Builder, blk *ir.Block) error {
	switch intr {
	case ir.IntrinsicMemset:
		return gu.reverseMemset(in, b, blk)
	case ir.IntrinsicMemcpy, ir.IntrinsicMemmove:
		return gu.reverseMemTransfer(in, intr == ir.IntrinsicMemmove, b, blk)
	case ir.IntrinsicLifetimeStart:
		return gu.reverseLifetimeStart(in, b, blk)
	case ir.IntrinsicLifetimeEnd, ir.IntrinsicStackSave, ir.IntrinsicStackRestore,
		ir.IntrinsicAssume, ir.IntrinsicPrefetch, ir.IntrinsicDbg:
		return nil
	}
	if gu.isConstantValue(in) {
		return nil
	}
	return gu.reverseMathIntrinsic(in, intr, b, blk)
}

func (gu *gutils) reverseMathIntrinsic(in *ir.Instr, intr ir.Intrinsic, b *ir.Builder, blk *ir.Block) error {
	ft, ok := in.Type().(*ir.FloatType)
	if !ok {
		return fmterr.Errorf(in, "math intrinsic %s on non-float type %s", in.CalledFunc().Name(), in.Type())
	}
	d := gu.getDiffe(b, in)
	x, err := gu.lookup(b, in.Arg(0), blk)
	if err != nil {
		return err
	}
	fc := func(v float64) ir.Value { return ir.FloatConst(ft, v) }
	switch intr {
	case ir.IntrinsicSqrt:
		r, err := gu.lookup(b, in, blk)
		if err != nil {
			return err
		}
		half := b.CreateFMul(d, fc(0.5), "d_half")
		gu.addToDiffe(b, in.Arg(0), b.CreateFDiv(half, r, "d_x"))
	case ir.IntrinsicFabs:
		neg := b.CreateFCmp(ir.PredOLT, x, fc(0), "is_neg")
		gu.addToDiffe(b, in.Arg(0), b.CreateSelect(neg, b.CreateFNeg(d, "d_neg"), d, "d_x"))
	case ir.IntrinsicSin:
		cosx := b.CreateCall(gu.ctx.mathFunc("cos", ft, 1), []ir.Value{x}, "cos_x")
		gu.addToDiffe(b, in.Arg(0), b.CreateFMul(d, cosx, "d_x"))
	case ir.IntrinsicCos:
		sinx := b.CreateCall(gu.ctx.mathFunc("sin", ft, 1), []ir.Value{x}, "sin_x")
		gu.addToDiffe(b, in.Arg(0), b.CreateFNeg(b.CreateFMul(d, sinx, "d_cos"), "d_x"))
	case ir.IntrinsicExp:
		r, err := gu.lookup(b, in, blk)
		if err != nil {
			return err
		}
		gu.addToDiffe(b, in.Arg(0), b.CreateFMul(d, r, "d_x"))
	case ir.IntrinsicExp2:
		r, err := gu.lookup(b, in, blk)
		if err != nil {
			return err
		}
		dr := b.CreateFMul(d, r, "d_r")
		gu.addToDiffe(b, in.Arg(0), b.CreateFMul(dr, fc(math.Ln2), "d_x"))
	case ir.IntrinsicLog:
		gu.addToDiffe(b, in.Arg(0), b.CreateFDiv(d, x, "d_x"))
	case ir.IntrinsicLog2:
		den := b.CreateFMul(x, fc(math.Ln2), "x_ln2")
		gu.addToDiffe(b, in.Arg(0), b.CreateFDiv(d, den, "d_x"))
	case ir.IntrinsicLog10:
		den := b.CreateFMul(x, fc(math.Ln10), "x_ln10")
		gu.addToDiffe(b, in.Arg(0), b.CreateFDiv(d, den, "d_x"))
	case ir.IntrinsicPow:
		y, err := gu.lookup(b, in.Arg(1), blk)
		if err != nil {
			return err
		}
		if !gu.isConstantValue(in.Arg(0)) {
			ym1 := b.CreateFSub(y, fc(1), "y_m1")
			powm1 := b.CreateCall(gu.ctx.mathFunc("pow", ft, 2), []ir.Value{x, ym1}, "pow_m1")
			gu.addToDiffe(b, in.Arg(0), b.CreateFMul(b.CreateFMul(d, y, "d_y_pow"), powm1, "d_x"))
		}
		if !gu.isConstantValue(in.Arg(1)) {
			r, err := gu.lookup(b, in, blk)
			if err != nil {
				return err
			}
			logx := b.CreateCall(gu.ctx.mathFunc("log", ft, 1), []ir.Value{x}, "log_x")
			gu.addToDiffe(b, in.Arg(1), b.CreateFMul(b.CreateFMul(d, r, "d_r"), logx, "d_y"))
		}
	case ir.IntrinsicMinnum, ir.IntrinsicMaxnum:
		y, err := gu.lookup(b, in.Arg(1), blk)
		if err != nil {
			return err
		}
		pred := ir.PredOLE
		if intr == ir.IntrinsicMaxnum {
			pred = ir.PredOGE
		}
		chooseX := b.CreateFCmp(pred, x, y, "choose_x")
		zero := fc(0)
		gu.addToDiffe(b, in.Arg(0), b.CreateSelect(chooseX, d, zero, "d_x"))
		gu.addToDiffe(b, in.Arg(1), b.CreateSelect(chooseX, zero, d, "d_y"))
	case ir.IntrinsicFloor, ir.IntrinsicCeil, ir.IntrinsicFTrunc,
		ir.IntrinsicRint, ir.IntrinsicRound, ir.IntrinsicNearbyint:
		// Piecewise constant: zero derivative almost everywhere.
	default:
		return fmterr.Errorf(in, "no adjoint for intrinsic %s", in.CalledFunc().Name())
	}
	gu.zeroDiffe(b, in)
	return nil
}

// reverseMemset clears the shadow of the overwritten region: overwriting
// float memory with a constant pattern kills its differentials.
func (gu *gutils) reverseMemset(in *ir.Instr, b *ir.Builder, blk *ir.Block) error {
	if gu.isConstantInstr(in) || gu.memElemFloat(in) == nil {
		return nil
	}
	args := in.CallArgs()
	shadow, err := gu.lookupShadow(b, args[0], blk)
	if err != nil {
		return err
	}
	n, err := gu.lookup(b, args[len(args)-1], blk)
	if err != nil {
		return err
	}
	b.CreateCall(in.CalledFunc(), []ir.Value{shadow, ir.ZeroValue(args[1].Type()), n}, "")
	return nil
}

// reverseMemTransfer emits the differential copy: the destination shadow
// drains into the source shadow, element by element.
func (gu *gutils) reverseMemTransfer(in *ir.Instr, move bool, b *ir.Builder, blk *ir.Block) error {
	if gu.isConstantInstr(in) {
		return nil
	}
	ft := gu.memElemFloat(in)
	if ft == nil {
		return nil
	}
	args := in.CallArgs()
	dstShadow, err := gu.lookupShadow(b, args[0], blk)
	if err != nil {
		return err
	}
	srcShadow, err := gu.lookupShadow(b, args[1], blk)
	if err != nil {
		return err
	}
	bytes, err := gu.lookup(b, args[2], blk)
	if err != nil {
		return err
	}
	shift := int64(3)
	if ft.Bits == 32 {
		shift = 2
	}
	count := b.CreateBinOp(ir.OpLShr, bytes, ir.IntConst(ir.I64, shift), "elems")
	ep := ir.PtrTo(ir.Type(ft))
	if !dstShadow.Type().Equal(ep) {
		dstShadow = b.CreateBitCast(dstShadow, ep, "d_dst")
	}
	if !srcShadow.Type().Equal(ep) {
		srcShadow = b.CreateBitCast(srcShadow, ep, "d_src")
	}
	b.CreateCall(gu.ctx.memcpyDiffFunc(move, ft), []ir.Value{dstShadow, srcShadow, count}, "")
	return nil
}

// reverseLifetimeStart ends, in the reverse pass, the lifetime the forward
// pass opened; the matching end marker was dropped so the object survives
// until its adjoints ran.
func (gu *gutils) reverseLifetimeStart(in *ir.Instr, b *ir.Builder, blk *ir.Block) error {
	args := in.CallArgs()
	if len(args) != 2 {
		return nil
	}
	size, err := gu.lookup(b, args[0], blk)
	if err != nil {
		return err
	}
	ptr, err := gu.lookup(b, args[1], blk)
	if err != nil {
		return err
	}
	if !ptr.Type().Equal(bytePtr) {
		ptr = b.CreateBitCast(ptr, bytePtr, "raw")
	}
	end := gu.ctx.declareFunc("llvm.lifetime.end", ir.FuncOf(ir.Void, ir.I64, bytePtr))
	b.CreateCall(end, []ir.Value{size, ptr}, "")
	return nil
}
