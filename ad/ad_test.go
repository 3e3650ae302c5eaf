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
	"github.com/stretchr/testify/require"
)

func newTestContext(t *testing.T) (*ir.Module, *Context) {
	t.Helper()
	mod := ir.NewModule()
	ctx, err := NewContext(mod, nil, DefaultConfig())
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	return mod, ctx
}

// buildSquare defines f(x) = x*x.
func buildSquare(mod *ir.Module, name string) *ir.Func {
	f := mod.NewFunc(name, ir.FuncOf(ir.F64, ir.F64), "x")
	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(f.NewBlock("entry"))
	sq := b.CreateFMul(f.Param(0), f.Param(0), "sq")
	b.CreateRet(sq)
	return f
}

func countOp(fn *ir.Func, op ir.Op) int {
	n := 0
	for _, blk := range fn.Blocks {
		for _, in := range blk.Instrs {
			if in.Op() == op {
				n++
			}
		}
	}
	return n
}

func callsTo(fn *ir.Func, name string) int {
	n := 0
	for _, blk := range fn.Blocks {
		for _, in := range blk.Instrs {
			if in.Op() != ir.OpCall {
				continue
			}
			if callee := in.CalledFunc(); callee != nil && callee.Name() == name {
				n++
			}
		}
	}
	return n
}

func verifyFunc(t *testing.T, fn *ir.Func) {
	t.Helper()
	if err := ir.Verify(fn); err != nil {
		t.Errorf("Verify(%s): %v\n%s", fn.Name(), err, fn.Dump())
	}
}

func TestConflictingCacheConfig(t *testing.T) {
	_, err := NewContext(ir.NewModule(), nil, Config{CacheReadsAlways: true, CacheReadsNever: true})
	require.Error(t, err)
	require.Contains(t, err.Error(), "mutually exclusive")
}

func TestGradientMemoized(t *testing.T) {
	mod, ctx := newTestContext(t)
	f := buildSquare(mod, "f")
	key := newSignatureKey(f, nil, nil, false, true)
	g1, err := ctx.CreatePrimalAndGradient(key, true)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient: %v", err)
	}
	g2, err := ctx.CreatePrimalAndGradient(key, true)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient (again): %v", err)
	}
	if g1 != g2 {
		t.Errorf("two requests for the same gradient returned %s and %s", g1.Name(), g2.Name())
	}
}

func TestAugmentedPrimalMemoized(t *testing.T) {
	mod, ctx := newTestContext(t)
	f := buildSquare(mod, "f")
	key := newSignatureKey(f, nil, nil, true, true)
	aug1, err := ctx.CreateAugmentedPrimal(key)
	if err != nil {
		t.Fatalf("CreateAugmentedPrimal: %v", err)
	}
	aug2, err := ctx.CreateAugmentedPrimal(key)
	if err != nil {
		t.Fatalf("CreateAugmentedPrimal (again): %v", err)
	}
	if aug1 != aug2 {
		t.Errorf("two requests for the same augmented primal returned distinct entries")
	}
}

func TestCombinedAndSplitGradientsDistinct(t *testing.T) {
	mod, ctx := newTestContext(t)
	f := buildSquare(mod, "f")
	key := newSignatureKey(f, nil, nil, false, true)
	combined, err := ctx.CreatePrimalAndGradient(key, true)
	if err != nil {
		t.Fatalf("combined gradient: %v", err)
	}
	split, err := ctx.CreatePrimalAndGradient(key, false)
	if err != nil {
		t.Fatalf("split gradient: %v", err)
	}
	if combined == split {
		t.Errorf("combined and split gradients share one function %s", combined.Name())
	}
	verifyFunc(t, combined)
	verifyFunc(t, split)
}

func TestRegisteredGradientUsed(t *testing.T) {
	mod, ctx := newTestContext(t)
	f := mod.NewFunc("ext", ir.FuncOf(ir.F64, ir.F64), "x")
	custom := mod.NewFunc("ext_grad", ir.FuncOf(ir.StructOf(ir.F64), ir.F64, ir.F64), "x", "d_ret")
	f.Meta.Gradient = custom
	key := newSignatureKey(f, nil, nil, false, true)
	grad, err := ctx.CreatePrimalAndGradient(key, true)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient: %v", err)
	}
	if grad != custom {
		t.Errorf("gradient of ext = %s, want the registered %s", grad.Name(), custom.Name())
	}
}

func TestRegisteredAugmentedPrimal(t *testing.T) {
	mod, ctx := newTestContext(t)

	f := mod.NewFunc("ext", ir.FuncOf(ir.F64, ir.F64), "x")
	custom := mod.NewFunc("ext_aug", ir.FuncOf(ir.StructOf(ir.F64), ir.F64), "x")
	f.Meta.Augment = custom
	aug, err := ctx.CreateAugmentedPrimal(newSignatureKey(f, nil, nil, true, true))
	if err != nil {
		t.Fatalf("CreateAugmentedPrimal: %v", err)
	}
	if aug.Fn != custom {
		t.Errorf("augmented primal = %s, want the registered %s", aug.Fn.Name(), custom.Name())
	}
	if got, want := aug.ReturnIndex[AugPrimal], 0; got != want {
		t.Errorf("primal return index = %d, want %d", got, want)
	}
	if _, hasTape := aug.ReturnIndex[AugTape]; hasTape {
		t.Errorf("augmented primal without GradientNeedsTape declares a tape field")
	}

	f2 := mod.NewFunc("ext2", ir.FuncOf(ir.F64, ir.F64), "x")
	custom2 := mod.NewFunc("ext2_aug", ir.FuncOf(ir.StructOf(ir.PtrTo(ir.I8), ir.F64), ir.F64), "x")
	f2.Meta.Augment = custom2
	f2.Meta.GradientNeedsTape = true
	aug2, err := ctx.CreateAugmentedPrimal(newSignatureKey(f2, nil, nil, true, true))
	if err != nil {
		t.Fatalf("CreateAugmentedPrimal with tape: %v", err)
	}
	if got, want := aug2.ReturnIndex[AugTape], 0; got != want {
		t.Errorf("tape return index = %d, want %d", got, want)
	}
	if got, want := aug2.ReturnIndex[AugPrimal], 1; got != want {
		t.Errorf("primal return index = %d, want %d", got, want)
	}
	if !aug2.TapeType.Equal(ir.PtrTo(ir.I8)) {
		t.Errorf("tape type = %s, want i8*", aug2.TapeType)
	}
}

func TestNullFreeWarning(t *testing.T) {
	mod, ctx := newTestContext(t)
	free := mod.NewFunc("free", ir.FuncOf(ir.Void, ir.PtrTo(ir.I8)))
	f := mod.NewFunc("f", ir.FuncOf(ir.F64, ir.F64), "x")
	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(f.NewBlock("entry"))
	b.CreateCall(free, []ir.Value{ir.NullPtr(ir.PtrTo(ir.I8))}, "")
	b.CreateRet(f.Param(0))

	grad, err := ctx.CreatePrimalAndGradient(newSignatureKey(f, nil, nil, false, true), true)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient: %v", err)
	}
	if n := callsTo(grad, "free"); n != 0 {
		t.Errorf("gradient keeps %d calls to free, want 0", n)
	}
	warnings := ctx.Warnings()
	if len(warnings) != 1 {
		t.Fatalf("got %d warnings, want 1: %v", len(warnings), warnings)
	}
	if !strings.Contains(warnings[0].Error(), "null pointer") {
		t.Errorf("warning %q does not mention the null pointer", warnings[0])
	}
}

func TestDeclarationNotDifferentiable(t *testing.T) {
	mod, ctx := newTestContext(t)
	f := mod.NewFunc("ext", ir.FuncOf(ir.F64, ir.F64), "x")
	_, err := ctx.CreatePrimalAndGradient(newSignatureKey(f, nil, nil, false, true), true)
	if err == nil || !strings.Contains(err.Error(), "no definition") {
		t.Errorf("gradient of a declaration: err = %v, want a no-definition error", err)
	}
}

func TestDifferentialReturnNeedsFloatResult(t *testing.T) {
	mod, ctx := newTestContext(t)
	f := mod.NewFunc("f", ir.FuncOf(ir.I64, ir.I64), "n")
	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(f.NewBlock("entry"))
	b.CreateRet(f.Param(0))
	_, err := ctx.CreatePrimalAndGradient(newSignatureKey(f, nil, nil, false, true), true)
	if err == nil || !strings.Contains(err.Error(), "non-float result") {
		t.Errorf("differential return on i64: err = %v, want a non-float result error", err)
	}
}
