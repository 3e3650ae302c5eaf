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
	"testing"

	"github.com/gradir-org/gradir/ir"
)

// TestMathAdjoints checks the adjoint each math intrinsic expands to, by
// the operations and helper calls it leaves in the combined gradient of
// f(args...) = intrinsic(args...).
func TestMathAdjoints(t *testing.T) {
	tests := []struct {
		intr      string
		arity     int
		wantOps   map[ir.Op]int
		wantCalls map[string]int
	}{
		{
			// d/dx sqrt(x) = d * 0.5 / sqrt(x), reusing the primal result.
			intr:      "sqrt",
			arity:     1,
			wantOps:   map[ir.Op]int{ir.OpFDiv: 1, ir.OpFMul: 1},
			wantCalls: map[string]int{"sqrt": 1},
		},
		{
			// d/dx sin(x) = d * cos(x).
			intr:      "sin",
			arity:     1,
			wantOps:   map[ir.Op]int{ir.OpFMul: 1},
			wantCalls: map[string]int{"sin": 1, "cos": 1},
		},
		{
			// d/dx exp(x) = d * exp(x), reusing the primal result.
			intr:      "exp",
			arity:     1,
			wantOps:   map[ir.Op]int{ir.OpFMul: 1},
			wantCalls: map[string]int{"exp": 1},
		},
		{
			// d/dx log(x) = d / x.
			intr:      "log",
			arity:     1,
			wantOps:   map[ir.Op]int{ir.OpFDiv: 1, ir.OpFMul: 0},
			wantCalls: map[string]int{"log": 1},
		},
		{
			// d/dx |x| flips the sign of d on the negative branch.
			intr:      "fabs",
			arity:     1,
			wantOps:   map[ir.Op]int{ir.OpSelect: 1},
			wantCalls: map[string]int{"fabs": 1},
		},
		{
			// max routes d to whichever operand won the comparison.
			intr:      "fmax",
			arity:     2,
			wantOps:   map[ir.Op]int{ir.OpSelect: 2, ir.OpFCmp: 1},
			wantCalls: map[string]int{"fmax": 1},
		},
		{
			// Piecewise constant: no differential flows back.
			intr:      "floor",
			arity:     1,
			wantOps:   map[ir.Op]int{ir.OpFMul: 0, ir.OpFDiv: 0},
			wantCalls: map[string]int{"floor": 1},
		},
		{
			// d/dx pow(x,y) = d*y*pow(x,y-1); d/dy = d*pow(x,y)*log(x).
			intr:      "pow",
			arity:     2,
			wantOps:   map[ir.Op]int{ir.OpFSub: 1},
			wantCalls: map[string]int{"pow": 2, "log": 1},
		},
	}
	for _, test := range tests {
		t.Run(test.intr, func(t *testing.T) {
			mod, ctx := newTestContext(t)
			params := make([]ir.Type, test.arity)
			names := make([]string, test.arity)
			for i := range params {
				params[i] = ir.F64
				names[i] = string(rune('x' + i))
			}
			intr := mod.NewFunc(test.intr, ir.FuncOf(ir.F64, params...))
			f := mod.NewFunc("use_"+test.intr, ir.FuncOf(ir.F64, params...), names...)
			b := ir.NewBuilder(f)
			b.SetInsertAtEnd(f.NewBlock("entry"))
			args := make([]ir.Value, test.arity)
			for i := range args {
				args[i] = f.Param(i)
			}
			r := b.CreateCall(intr, args, "r")
			b.CreateRet(r)

			grad, err := ctx.CreatePrimalAndGradient(newSignatureKey(f, nil, nil, false, true), true)
			if err != nil {
				t.Fatalf("CreatePrimalAndGradient: %v", err)
			}
			for op, want := range test.wantOps {
				if got := countOp(grad, op); got != want {
					t.Errorf("gradient has %d %s, want %d\n%s", got, op, want, grad.Dump())
				}
			}
			for callee, want := range test.wantCalls {
				if got := callsTo(grad, callee); got != want {
					t.Errorf("gradient calls %s %d times, want %d\n%s", callee, got, want, grad.Dump())
				}
			}
			verifyFunc(t, grad)
		})
	}
}

func TestMemcpyAdjointDrainsShadow(t *testing.T) {
	mod, ctx := newTestContext(t)
	fp := ir.PtrTo(ir.F64)
	memcpy := mod.NewFunc("memcpy", ir.FuncOf(ir.Void, fp, fp, ir.I64))
	f := mod.NewFunc("copy2", ir.FuncOf(ir.Void, fp, fp), "dst", "src")
	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(f.NewBlock("entry"))
	b.CreateCall(memcpy, []ir.Value{f.Param(0), f.Param(1), ir.IntConst(ir.I64, 16)}, "")
	b.CreateRet(nil)

	grad, err := ctx.CreatePrimalAndGradient(newSignatureKey(f, nil, nil, false, false), true)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient: %v", err)
	}
	// Forward copy plus the reverse differential transfer.
	if got := callsTo(grad, "memcpy"); got != 1 {
		t.Errorf("gradient calls memcpy %d times, want 1\n%s", got, grad.Dump())
	}
	if got := callsTo(grad, "memcpy_diff_f64"); got != 1 {
		t.Errorf("gradient calls memcpy_diff_f64 %d times, want 1\n%s", got, grad.Dump())
	}
	// Byte count 16 divides down to the element count.
	if got := countOp(grad, ir.OpLShr); got != 1 {
		t.Errorf("gradient has %d shifts, want 1 for the element count", got)
	}
	verifyFunc(t, grad)
}

func TestMemsetAdjointClearsShadow(t *testing.T) {
	mod, ctx := newTestContext(t)
	fp := ir.PtrTo(ir.F64)
	memset := mod.NewFunc("memset", ir.FuncOf(ir.Void, fp, ir.I32, ir.I64))
	f := mod.NewFunc("clear1", ir.FuncOf(ir.Void, fp), "dst")
	b := ir.NewBuilder(f)
	b.SetInsertAtEnd(f.NewBlock("entry"))
	b.CreateCall(memset, []ir.Value{f.Param(0), ir.IntConst(ir.I32, 0), ir.IntConst(ir.I64, 8)}, "")
	b.CreateRet(nil)

	grad, err := ctx.CreatePrimalAndGradient(newSignatureKey(f, nil, nil, false, false), true)
	if err != nil {
		t.Fatalf("CreatePrimalAndGradient: %v", err)
	}
	// The forward clear of float memory stays on the primal only; the
	// reverse pass clears the shadow, killing the overwritten
	// differentials.
	if got := callsTo(grad, "memset"); got != 2 {
		t.Errorf("gradient calls memset %d times, want 2\n%s", got, grad.Dump())
	}
	verifyFunc(t, grad)
}
