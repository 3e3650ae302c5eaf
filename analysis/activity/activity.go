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

// Package activity decides, for every value of a function, whether it
// participates in the derivative. Each value carries two bits: constant
// value (its gradient is structurally zero) and constant instruction (it
// has no differential side effect).
package activity

import (
	"github.com/gradir-org/gradir/analysis/typeinfo"
	"github.com/gradir-org/gradir/ir"
)

// Results is the activity labeling of one function.
type Results struct {
	fn *ir.Func
	ti *typeinfo.Results

	activeValue map[ir.Value]bool
	activeInst  map[*ir.Instr]bool
}

// Analyze computes activity labels. Parameters whose index is in
// constParams are inactive by request; every other parameter whose type
// can carry a float is an active source.
func Analyze(fn *ir.Func, ti *typeinfo.Results, constParams map[int]bool) *Results {
	r := &Results{
		fn:          fn,
		ti:          ti,
		activeValue: make(map[ir.Value]bool),
		activeInst:  make(map[*ir.Instr]bool),
	}
	for i, p := range fn.Params() {
		if constParams[i] {
			continue
		}
		if canCarryFloat(p.Type()) || ti.SecretFloat(p) != nil {
			r.activeValue[p] = true
		}
	}
	for changed := true; changed; {
		changed = false
		for _, b := range fn.Blocks {
			for _, in := range b.Instrs {
				if r.propagateValue(in) {
					changed = true
				}
				if r.propagateInst(in) {
					changed = true
				}
			}
		}
	}
	return r
}

func canCarryFloat(t ir.Type) bool {
	if ir.ContainsFloat(t) {
		return true
	}
	if pt, ok := t.(*ir.PointerType); ok {
		return ir.ContainsFloat(pt.Elem) || ir.ContainsPointer(pt.Elem)
	}
	return false
}

func (r *Results) anyOperandActive(in *ir.Instr) bool {
	for _, a := range in.Args() {
		if r.activeValue[a] {
			return true
		}
	}
	return false
}

// propagateValue updates the active-value bit of an instruction, returning
// true when the label changed.
func (r *Results) propagateValue(in *ir.Instr) bool {
	if r.activeValue[in] {
		return false
	}
	active := false
	switch in.Op() {
	case ir.OpICmp, ir.OpFCmp:
		// Comparison results are discrete: never differential data.
	case ir.OpFPToSI, ir.OpFPToUI:
		// Discretization cuts the differential flow. The dispatcher
		// reports active operands of these casts as unsupported.
	case ir.OpLoad:
		// Loading through an active pointer may read active data.
		active = r.activeValue[in.Arg(0)]
	case ir.OpStore, ir.OpRet, ir.OpBr, ir.OpCondBr, ir.OpSwitch, ir.OpUnreachable:
	case ir.OpCall:
		callee := in.CalledFunc()
		if ir.IsPassthroughFunc(callee) || ir.IsDeallocationFunc(callee) {
			break
		}
		if ir.IsAllocationFunc(callee) {
			// An allocation is active when its memory may receive
			// active data, approximated by any active user.
			active = r.hasActiveUser(in)
			break
		}
		if callee != nil && callee.Attrs.Has(ir.AttrReadNone) && !r.anyOperandActive(in) {
			break
		}
		active = r.anyOperandActive(in) || canCarryFloat(in.Type())
	case ir.OpAlloca:
		active = r.hasActiveUser(in)
	default:
		if !canCarryFloat(in.Type()) && r.ti.SecretFloat(in) == nil && !ir.IsPointer(in.Type()) {
			break
		}
		active = r.anyOperandActive(in)
	}
	if active {
		r.activeValue[in] = true
		return true
	}
	return false
}

// hasActiveUser reports whether a pointer-producing instruction is used to
// move active data: an active value is stored through it, or an active
// load or call consumes it.
func (r *Results) hasActiveUser(in *ir.Instr) bool {
	for _, user := range r.fn.Users(in) {
		switch user.Op() {
		case ir.OpStore:
			if user.Arg(1) == in && r.activeValue[user.Arg(0)] {
				return true
			}
			if user.Arg(1) == in && ir.ContainsFloat(user.Arg(0).Type()) {
				return true
			}
		case ir.OpLoad:
			if r.activeValue[user] {
				return true
			}
			if ir.ContainsFloat(user.Type()) {
				return true
			}
		case ir.OpGEP, ir.OpBitCast, ir.OpSelect, ir.OpPhi:
			if r.hasActiveUser(user) {
				return true
			}
		case ir.OpCall:
			if r.activeInst[user] || r.activeValue[user] {
				return true
			}
		}
	}
	return false
}

// propagateInst updates the active-instruction bit, true when changed.
func (r *Results) propagateInst(in *ir.Instr) bool {
	if r.activeInst[in] {
		return false
	}
	active := false
	switch in.Op() {
	case ir.OpStore:
		// Writing an active value, or writing through an active pointer,
		// has a differential side effect.
		active = r.activeValue[in.Arg(0)] || (r.activeValue[in.Arg(1)] && ir.ContainsFloat(in.Arg(0).Type()))
	case ir.OpCall:
		callee := in.CalledFunc()
		if ir.IsPassthroughFunc(callee) || ir.IsDeallocationFunc(callee) {
			break
		}
		switch ir.IntrinsicOf(callee) {
		case ir.IntrinsicMemcpy, ir.IntrinsicMemmove, ir.IntrinsicMemset:
			active = r.activeValue[in.Arg(0)]
		default:
			active = r.activeValue[in] || r.anyOperandActive(in)
		}
	default:
		active = r.activeValue[in]
	}
	if active {
		r.activeInst[in] = true
		return true
	}
	return false
}

// IsConstantValue reports whether the gradient of a value is structurally
// zero.
func (r *Results) IsConstantValue(v ir.Value) bool {
	if ir.IsConstant(v) {
		return true
	}
	return !r.activeValue[v]
}

// IsConstantInstr reports whether an instruction has no differential side
// effect.
func (r *Results) IsConstantInstr(in *ir.Instr) bool {
	return !r.activeInst[in]
}

// MetaValue returns the activity metadata string of a value.
func (r *Results) MetaValue(v ir.Value) string {
	if r.IsConstantValue(v) {
		return "const"
	}
	return "active"
}

// MetaInstr returns the activity metadata string of an instruction.
func (r *Results) MetaInstr(in *ir.Instr) string {
	if r.IsConstantInstr(in) {
		return "const"
	}
	return "active"
}
