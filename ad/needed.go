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

import "github.com/gradir-org/gradir/ir"

// neededInReverse reports whether the primal value of an original value is
// consumed by the reverse pass: by an adjoint formula, by a shadow pointer
// derivation, or by a gradient call replaying the arguments. The recursion
// through pointer and aggregate chains is memoized with a provisional
// negative, so cycles resolve to not-needed unless a positive use exists.
func (gu *gutils) neededInReverse(v ir.Value) bool {
	if ir.IsConstant(v) {
		return false
	}
	if cached, ok := gu.neededMemo[v]; ok {
		return cached
	}
	gu.neededMemo[v] = false
	needed := false
	for _, u := range gu.oldFunc.Users(v) {
		if gu.adjointUses(u, v) {
			needed = true
			break
		}
	}
	gu.neededMemo[v] = needed
	return needed
}

// adjointUses reports whether inverting instruction u reads the primal
// value of its operand v.
func (gu *gutils) adjointUses(u *ir.Instr, v ir.Value) bool {
	if u.IsTerminator() {
		// Control-flow inversion runs on cached path indicators and trip
		// counts, never on the terminator operands themselves.
		return false
	}
	if gu.isConstantInstr(u) && u.Op() != ir.OpStore {
		return false
	}
	switch u.Op() {
	case ir.OpFAdd, ir.OpFSub:
		return false
	case ir.OpFMul:
		other := u.Arg(0)
		if other == v {
			other = u.Arg(1)
		}
		return !gu.isConstantValue(other)
	case ir.OpFDiv:
		if v == u.Arg(1) {
			return true
		}
		return !gu.isConstantValue(u.Arg(1))
	case ir.OpStore:
		// The adjoint reads and clears the shadow of the address, which
		// is derived from the primal pointer chain.
		return v == u.Arg(1) && !gu.isConstantInstr(u)
	case ir.OpLoad:
		return v == u.Arg(0)
	case ir.OpGEP:
		return gu.neededInReverse(u)
	case ir.OpSelect:
		if v == u.Arg(0) {
			return true
		}
		return gu.neededInReverse(u)
	case ir.OpPhi, ir.OpExtractValue, ir.OpInsertValue:
		return gu.neededInReverse(u)
	case ir.OpExtractElement, ir.OpInsertElement:
		if v != u.Arg(0) && ir.IsFloat(v.Type()) {
			return false
		}
		return true
	case ir.OpCall:
		return gu.callAdjointUses(u, v)
	}
	if u.Op().IsCast() {
		return gu.neededInReverse(u)
	}
	return false
}

func (gu *gutils) callAdjointUses(u *ir.Instr, v ir.Value) bool {
	callee := u.CalledFunc()
	if callee == nil {
		return true
	}
	if ir.IsDeallocationFunc(callee) || ir.IsPassthroughFunc(callee) {
		return false
	}
	if ir.IsAllocationFunc(callee) {
		// The reverse pass frees the buffer, not its size.
		return false
	}
	switch ir.IntrinsicOf(callee) {
	case ir.IntrinsicSqrt, ir.IntrinsicFabs, ir.IntrinsicSin, ir.IntrinsicCos,
		ir.IntrinsicExp, ir.IntrinsicExp2, ir.IntrinsicLog, ir.IntrinsicLog2,
		ir.IntrinsicLog10, ir.IntrinsicPow, ir.IntrinsicMinnum, ir.IntrinsicMaxnum:
		return true
	case ir.IntrinsicMemset, ir.IntrinsicMemcpy, ir.IntrinsicMemmove:
		return true
	case ir.IntrinsicNone:
		// The gradient call replays the primal arguments.
		return true
	}
	return false
}

// resultNeededInReverse reports whether the adjoint formula of an
// instruction reads the instruction's own result, as the exponential and
// square-root rules do.
func resultNeededInReverse(in *ir.Instr) bool {
	if in.Op() != ir.OpCall {
		return false
	}
	callee := in.CalledFunc()
	if callee == nil {
		return false
	}
	switch ir.IntrinsicOf(callee) {
	case ir.IntrinsicSqrt, ir.IntrinsicExp, ir.IntrinsicExp2, ir.IntrinsicPow:
		return true
	}
	return false
}
