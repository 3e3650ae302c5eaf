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

// Package typeinfo labels IR values with the shape the differentiation
// transform needs: float, pointer, first pointed-to type, constant
// integers, and integers whose bit pattern actually carries a float
// ("secret floats").
package typeinfo

import (
	"github.com/gradir-org/gradir/ir"
)

// Results holds the type labels of one function.
type Results struct {
	fn *ir.Func
	// secret maps integer-typed values to the float type their bits carry.
	secret map[ir.Value]*ir.FloatType
}

// Analyze computes the type labels of a function. Hints pre-label values
// (typically parameters) as secret floats; the analysis propagates the
// labels through the bit-preserving operations.
func Analyze(fn *ir.Func, hints map[ir.Value]*ir.FloatType) *Results {
	r := &Results{fn: fn, secret: make(map[ir.Value]*ir.FloatType)}
	for v, t := range hints {
		r.secret[v] = t
	}
	// Secret float labels flow through bit-preserving integer operations.
	// Iterate to a fixed point to cover phis and loops.
	for changed := true; changed; {
		changed = false
		for _, b := range fn.Blocks {
			for _, in := range b.Instrs {
				if _, ok := r.secret[in]; ok {
					continue
				}
				if ft := r.transfer(in); ft != nil {
					r.secret[in] = ft
					changed = true
				}
			}
		}
	}
	return r
}

func (r *Results) transfer(in *ir.Instr) *ir.FloatType {
	switch in.Op() {
	case ir.OpBitCast:
		// A float reinterpreted as an integer keeps carrying the float.
		if ft, ok := in.Arg(0).Type().(*ir.FloatType); ok {
			if _, isInt := in.Type().(*ir.IntType); isInt {
				return ft
			}
		}
		return r.secretOf(in.Arg(0))
	case ir.OpLoad:
		// A load typed as an integer from memory first pointing to a
		// float carries that float.
		if pt, ok := in.Arg(0).Type().(*ir.PointerType); ok {
			if ft, isFloat := pt.Elem.(*ir.FloatType); isFloat {
				if _, isInt := in.Type().(*ir.IntType); isInt {
					return ft
				}
			}
		}
	case ir.OpLShr, ir.OpShl, ir.OpAnd, ir.OpOr, ir.OpXor:
		return r.secretOf(in.Arg(0))
	case ir.OpTrunc, ir.OpZExt:
		return r.secretOf(in.Arg(0))
	case ir.OpPhi, ir.OpSelect:
		for i, a := range in.Args() {
			if in.Op() == ir.OpSelect && i == 0 {
				continue
			}
			if ft := r.secretOf(a); ft != nil {
				return ft
			}
		}
	}
	return nil
}

func (r *Results) secretOf(v ir.Value) *ir.FloatType {
	return r.secret[v]
}

// IsFloat reports whether the value is a float, either by its static type
// or as a secret float integer.
func (r *Results) IsFloat(v ir.Value) bool {
	if ir.IsFloat(v.Type()) {
		return true
	}
	_, ok := r.secret[v]
	return ok
}

// FloatType returns the float type a value carries, nil for non-floats.
func (r *Results) FloatType(v ir.Value) *ir.FloatType {
	if ft, ok := v.Type().(*ir.FloatType); ok {
		return ft
	}
	if vt, ok := v.Type().(*ir.VectorType); ok {
		if ft, isFloat := vt.Elem.(*ir.FloatType); isFloat {
			return ft
		}
	}
	return r.secret[v]
}

// SecretFloat returns the float type carried by an integer value, nil if
// the value is not a secret float.
func (r *Results) SecretFloat(v ir.Value) *ir.FloatType {
	if _, isInt := v.Type().(*ir.IntType); !isInt {
		return nil
	}
	return r.secret[v]
}

// IsPointer reports whether the value is a pointer.
func (r *Results) IsPointer(v ir.Value) bool {
	return ir.IsPointer(v.Type())
}

// FirstPointedTo returns the type first pointed to by a pointer value,
// nil for non-pointers.
func (r *Results) FirstPointedTo(v ir.Value) ir.Type {
	pt, ok := v.Type().(*ir.PointerType)
	if !ok {
		return nil
	}
	return pt.Elem
}

// ConstantInt returns the value of a compile-time integer constant.
func (r *Results) ConstantInt(v ir.Value) (int64, bool) {
	ci, ok := v.(*ir.ConstInt)
	if !ok {
		return 0, false
	}
	return ci.V, true
}
