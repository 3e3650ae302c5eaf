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
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

func TestTapeSlotAllocation(t *testing.T) {
	mod := ir.NewModule()
	f := mod.NewFunc("f", ir.FuncOf(ir.F64, ir.F64), "x")
	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(f.NewBlock("entry"))
	in1 := b.CreateFMul(f.Param(0), f.Param(0), "sq")
	in2 := b.CreateFAdd(in1, f.Param(0), "s")
	b.CreateRet(in2)

	tp := newTape()
	s1, err := tp.alloc(in1, CacheSelf, ir.F64, nil)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if s1.index != 0 {
		t.Errorf("first slot index = %d, want 0", s1.index)
	}
	again, err := tp.alloc(in1, CacheSelf, ir.F64, nil)
	if err != nil {
		t.Fatalf("alloc (again): %v", err)
	}
	if again != s1 {
		t.Errorf("reallocating the same key returned a new slot")
	}
	if _, err := tp.alloc(in1, CacheSelf, ir.I64, nil); err == nil {
		t.Errorf("reallocating a slot at another type did not fail")
	}
	s2, err := tp.alloc(in2, CacheSelf, ir.F64, nil)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if s2.index != 1 {
		t.Errorf("second slot index = %d, want 1", s2.index)
	}
	if got, want := tp.structType(), ir.StructOf(ir.F64, ir.F64); !got.Equal(want) {
		t.Errorf("tape struct = %s, want %s", got, want)
	}
	if tp.empty() {
		t.Errorf("tape with two slots reports empty")
	}
}

func TestClobberedLoadIsTaped(t *testing.T) {
	mod, ctx := newTestContext(t)
	f := mod.NewFunc("f", ir.FuncOf(ir.F64, ir.PtrTo(ir.F64), ir.F64), "p", "x")
	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(f.NewBlock("entry"))
	v := b.CreateLoad(f.Param(0), "v")
	b.CreateStore(f.Param(1), f.Param(0))
	r := b.CreateFMul(v, f.Param(1), "r")
	b.CreateRet(r)

	key := newSignatureKey(f, nil, nil, true, true)
	aug, err := ctx.CreateAugmentedPrimal(key)
	if err != nil {
		t.Fatalf("CreateAugmentedPrimal: %v", err)
	}
	// The store clobbers the loaded slot before the reverse pass, so the
	// loaded value must travel on the tape.
	if !aug.CacheableLoads[v] {
		t.Errorf("the clobbered load was not marked for caching")
	}
	if want := ir.StructOf(ir.F64); aug.TapeType == nil || !aug.TapeType.Equal(want) {
		t.Errorf("tape type = %s, want %s", aug.TapeType, want)
	}

	keys := maps.Keys(aug.TapeIndices)
	slices.SortFunc(keys, func(a, b TapeKey) int {
		return aug.TapeIndices[a] - aug.TapeIndices[b]
	})
	if len(keys) != 1 {
		t.Fatalf("tape holds %d entries, want 1: %v", len(keys), aug.TapeIndices)
	}
	for i, k := range keys {
		if aug.TapeIndices[k] != i {
			t.Errorf("tape indices are not dense: %v", aug.TapeIndices)
		}
	}
	if keys[0].Inst != v || keys[0].Kind != CacheSelf {
		t.Errorf("tape entry = (%s, %s), want the loaded value itself", keys[0].Inst.Name(), keys[0].Kind)
	}

	grad, err := ctx.CreatePrimalAndGradient(key, false)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient: %v", err)
	}
	last := grad.Param(grad.NumParams() - 1)
	if last.Name() != "tape" || !last.Type().Equal(aug.TapeType) {
		t.Fatalf("last gradient parameter = %s %s, want the %s tape", last.Name(), last.Type(), aug.TapeType)
	}
	if n := countOp(grad, ir.OpExtractValue); n < 1 {
		t.Errorf("gradient never unpacks its tape parameter\n%s", grad.Dump())
	}
	want := ir.StructOf(ir.F64, ir.F64)
	if !grad.Signature().Result.Equal(want) {
		t.Errorf("gradient result = %s, want %s (primal, d_x)", grad.Signature().Result, want)
	}
	verifyFunc(t, aug.Fn)
	verifyFunc(t, grad)
}

func TestEmptyTapeOmitsParameter(t *testing.T) {
	mod, ctx := newTestContext(t)
	f := buildSquare(mod, "square")
	key := newSignatureKey(f, nil, nil, true, true)
	aug, err := ctx.CreateAugmentedPrimal(key)
	if err != nil {
		t.Fatalf("CreateAugmentedPrimal: %v", err)
	}
	if aug.TapeType != nil {
		t.Errorf("tape type = %s, want none: nothing needs caching", aug.TapeType)
	}
	grad, err := ctx.CreatePrimalAndGradient(key, false)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient: %v", err)
	}
	if got := grad.NumParams(); got != 2 {
		t.Fatalf("gradient has %d parameters, want 2 (x, d_ret)", got)
	}
	for _, p := range grad.Params() {
		if strings.HasPrefix(p.Name(), "tape") {
			t.Errorf("gradient without a tape still has parameter %s", p.Name())
		}
	}
	verifyFunc(t, grad)
}

func TestClobberedPointerLoadShadowTaped(t *testing.T) {
	mod, ctx := newTestContext(t)
	pf := ir.PtrTo(ir.F64)
	f := mod.NewFunc("stash", ir.FuncOf(ir.Void, ir.PtrTo(pf), ir.PtrTo(pf), pf), "src", "dst", "alt")
	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(f.NewBlock("entry"))
	p := b.CreateLoad(f.Param(0), "p")
	b.CreateStore(p, f.Param(1))
	b.CreateStore(f.Param(2), f.Param(0))
	b.CreateRet(nil)

	aug, err := ctx.CreateAugmentedPrimal(newSignatureKey(f, nil, nil, false, false))
	if err != nil {
		t.Fatalf("CreateAugmentedPrimal: %v", err)
	}
	// The slot p came from is overwritten after the read, so the shadow
	// of the loaded pointer cannot be re-derived later: it travels on the
	// tape.
	if _, ok := aug.TapeIndices[TapeKey{Inst: p, Kind: CacheShadow}]; !ok {
		t.Errorf("clobbered pointer load has no shadow slot: %v", aug.TapeIndices)
	}
	verifyFunc(t, aug.Fn)
}

func TestCacheReadsAlwaysForcesTaping(t *testing.T) {
	mod := ir.NewModule()
	ctx, err := NewContext(mod, nil, Config{CacheReadsAlways: true, NonmarkedGlobalsInactiveLoads: true})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	f := mod.NewFunc("f", ir.FuncOf(ir.F64, ir.PtrTo(ir.F64), ir.F64), "p", "x")
	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(f.NewBlock("entry"))
	v := b.CreateLoad(f.Param(0), "v")
	r := b.CreateFMul(v, f.Param(1), "r")
	b.CreateRet(r)

	// No store clobbers the load, yet the configuration forces it onto
	// the tape.
	aug, err := ctx.CreateAugmentedPrimal(newSignatureKey(f, nil, nil, true, true))
	if err != nil {
		t.Fatalf("CreateAugmentedPrimal: %v", err)
	}
	if aug.TapeType == nil {
		t.Fatalf("CacheReadsAlways produced no tape")
	}
	if _, ok := aug.TapeIndices[TapeKey{Inst: v, Kind: CacheSelf}]; !ok {
		t.Errorf("the load has no tape slot under CacheReadsAlways: %v", aug.TapeIndices)
	}
}
