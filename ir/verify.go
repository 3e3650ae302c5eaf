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

package ir

import (
	"slices"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Verify checks the structural well-formedness of a function definition:
// block termination, phi/predecessor agreement, operand typing of memory
// and arithmetic operations, and call signatures. It returns the full set
// of violations.
func Verify(f *Func) error {
	var errs error
	report := func(in *Instr, format string, a ...any) {
		err := errors.Errorf(format, a...)
		errs = multierr.Append(errs, errors.Wrapf(err, "in @%s: %s", f.Name(), in.String()))
	}
	if f.IsDeclaration() {
		return nil
	}
	for _, b := range f.Blocks {
		if len(b.Instrs) == 0 {
			errs = multierr.Append(errs, errors.Errorf("in @%s: block %s is empty", f.Name(), b.Name()))
			continue
		}
		for i, in := range b.Instrs {
			if in.IsTerminator() != (i == len(b.Instrs)-1) {
				report(in, "terminator not in last position")
			}
		}
		preds := b.Preds()
		for _, phi := range b.Phis() {
			if len(phi.args) != len(preds) {
				report(phi, "phi has %d incoming edges, block has %d predecessors", len(phi.args), len(preds))
				continue
			}
			for _, p := range preds {
				if _, ok := phi.IncomingFor(p); !ok {
					report(phi, "phi misses an incoming edge for predecessor %s", p.Name())
				}
			}
		}
		for _, in := range b.Instrs {
			verifyInstr(f, in, report)
		}
	}
	return errs
}

func verifyInstr(f *Func, in *Instr, report func(*Instr, string, ...any)) {
	switch in.Op() {
	case OpLoad:
		pt, ok := in.Arg(0).Type().(*PointerType)
		if !ok {
			report(in, "load from non-pointer operand")
		} else if !pt.Elem.Equal(in.Type()) {
			report(in, "load type %s does not match pointee %s", in.Type(), pt.Elem)
		}
	case OpStore:
		pt, ok := in.Arg(1).Type().(*PointerType)
		if !ok {
			report(in, "store through non-pointer operand")
		} else if !pt.Elem.Equal(in.Arg(0).Type()) {
			report(in, "stored type %s does not match pointee %s", in.Arg(0).Type(), pt.Elem)
		}
	case OpFAdd, OpFSub, OpFMul, OpFDiv:
		if !IsFloat(in.Arg(0).Type()) {
			report(in, "float operation on non-float operand")
		}
		fallthrough
	case OpAdd, OpSub, OpMul, OpAnd, OpOr, OpXor, OpShl, OpLShr, OpAShr:
		if !in.Arg(0).Type().Equal(in.Arg(1).Type()) {
			report(in, "binary operand types differ: %s vs %s", in.Arg(0).Type(), in.Arg(1).Type())
		}
	case OpSelect:
		if !in.Arg(0).Type().Equal(I1) {
			report(in, "select condition is not i1")
		}
		if !in.Arg(1).Type().Equal(in.Arg(2).Type()) {
			report(in, "select arms have different types")
		}
	case OpCall:
		sig := calleeSignature(in.Callee)
		if sig == nil {
			report(in, "call of non-function value")
			return
		}
		if !sig.Variadic && len(in.args) != len(sig.Params) {
			report(in, "call passes %d arguments, callee expects %d", len(in.args), len(sig.Params))
			return
		}
		for i, p := range sig.Params {
			if i >= len(in.args) {
				break
			}
			if !in.args[i].Type().Equal(p) {
				report(in, "argument %d has type %s, callee expects %s", i, in.args[i].Type(), p)
			}
		}
	case OpCondBr:
		if !in.Arg(0).Type().Equal(I1) {
			report(in, "branch condition is not i1")
		}
	case OpRet:
		want := f.Signature().Result
		if want == Void {
			if len(in.args) != 0 {
				report(in, "value returned from a void function")
			}
		} else if len(in.args) != 1 {
			report(in, "missing return value")
		} else if !in.args[0].Type().Equal(want) {
			report(in, "returned type %s does not match result type %s", in.args[0].Type(), want)
		}
	}
	for _, s := range in.Succs {
		if !slices.Contains(f.Blocks, s) {
			report(in, "successor %s is not a block of the function", s.Name())
		}
	}
}

func calleeSignature(callee Value) *FuncType {
	switch ct := callee.Type().(type) {
	case *FuncType:
		return ct
	case *PointerType:
		ft, _ := ct.Elem.(*FuncType)
		return ft
	}
	return nil
}
