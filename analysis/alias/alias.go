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

// Package alias provides the may-alias and mod-ref oracle consumed by the
// differentiation transform. The oracle is conservative: when it cannot
// prove two accesses apart, it reports that they may interfere.
package alias

import (
	"github.com/gradir-org/gradir/ir"
)

// MaxUnderlyingDepth bounds the peeling recursion of UnderlyingObject.
// Deeper chains are conservatively treated as opaque.
const MaxUnderlyingDepth = 100

// Location is an abstract memory location: a pointer and an access size in
// bytes, -1 when the size is unknown.
type Location struct {
	Ptr  ir.Value
	Size int64
}

// LocationOf returns the memory location accessed by a load or store.
func LocationOf(in *ir.Instr) Location {
	switch in.Op() {
	case ir.OpLoad:
		return Location{Ptr: in.Arg(0), Size: ir.SizeOf(in.Type())}
	case ir.OpStore:
		return Location{Ptr: in.Arg(1), Size: ir.SizeOf(in.Arg(0).Type())}
	}
	return Location{}
}

// ForArgument returns the memory location reachable through the i-th
// pointer argument of a call, of unknown size.
func ForArgument(call *ir.Instr, i int) Location {
	return Location{Ptr: call.Arg(i), Size: -1}
}

// ModRefInfo is the bit set of possible memory effects of an instruction
// on a location.
type ModRefInfo uint8

// Mod-ref effects.
const (
	NoModRef ModRefInfo = 0
	Ref      ModRefInfo = 1
	Mod      ModRefInfo = 2
	ModRef   ModRefInfo = Ref | Mod
)

// Mods reports whether the effect includes a write.
func (mr ModRefInfo) Mods() bool { return mr&Mod != 0 }

// Refs reports whether the effect includes a read.
func (mr ModRefInfo) Refs() bool { return mr&Ref != 0 }

// Oracle answers mod-ref queries for the transform. Implementations must
// be pure and re-entrant.
type Oracle interface {
	// ModRef reports how an instruction may access a memory location.
	ModRef(in *ir.Instr, loc Location) ModRefInfo
}

// UnderlyingObject peels casts, geps and same-target selects off a pointer
// value, up to MaxUnderlyingDepth levels.
func UnderlyingObject(v ir.Value) ir.Value {
	for depth := 0; depth < MaxUnderlyingDepth; depth++ {
		in, ok := v.(*ir.Instr)
		if !ok {
			return v
		}
		switch in.Op() {
		case ir.OpGEP:
			v = in.Arg(0)
		case ir.OpBitCast, ir.OpIntToPtr:
			v = in.Arg(0)
		case ir.OpSelect:
			t := UnderlyingObject(in.Arg(1))
			f := UnderlyingObject(in.Arg(2))
			if t != f {
				return in
			}
			v = t
		default:
			return v
		}
	}
	return v
}

// Basic is a field-insensitive oracle based on underlying objects and
// argument attributes.
type Basic struct{}

var _ Oracle = Basic{}

// ModRef implements Oracle.
func (Basic) ModRef(in *ir.Instr, loc Location) ModRefInfo {
	switch in.Op() {
	case ir.OpLoad:
		if mayAlias(in.Arg(0), loc.Ptr) {
			return Ref
		}
		return NoModRef
	case ir.OpStore:
		if mayAlias(in.Arg(1), loc.Ptr) {
			return Mod
		}
		return NoModRef
	case ir.OpCall:
		return callModRef(in, loc)
	}
	return NoModRef
}

func callModRef(call *ir.Instr, loc Location) ModRefInfo {
	callee := call.CalledFunc()
	if callee != nil {
		if callee.Attrs.Has(ir.AttrReadNone) || ir.IsPassthroughFunc(callee) {
			return NoModRef
		}
		if ir.IsAllocationFunc(callee) {
			// A fresh allocation cannot touch pre-existing memory.
			return NoModRef
		}
		if ir.IsDeallocationFunc(callee) {
			if mayAlias(call.Arg(0), loc.Ptr) {
				return ModRef
			}
			return NoModRef
		}
		switch ir.IntrinsicOf(callee) {
		case ir.IntrinsicMemset, ir.IntrinsicMemcpy, ir.IntrinsicMemmove:
			var mr ModRefInfo
			if mayAlias(call.Arg(0), loc.Ptr) {
				mr |= Mod
			}
			if ir.IntrinsicOf(callee) != ir.IntrinsicMemset && mayAlias(call.Arg(1), loc.Ptr) {
				mr |= Ref
			}
			return mr
		case ir.IntrinsicLifetimeStart, ir.IntrinsicLifetimeEnd, ir.IntrinsicDbg,
			ir.IntrinsicAssume, ir.IntrinsicPrefetch:
			return NoModRef
		}
	}
	// A non-escaping local object that is not passed to the call cannot
	// be accessed by it.
	obj := UnderlyingObject(loc.Ptr)
	if isNonEscapingLocal(obj) && !passedTo(call, obj) {
		return NoModRef
	}
	if callee != nil && callee.Attrs.Has(ir.AttrReadOnly) {
		return Ref
	}
	return ModRef
}

// isNonEscapingLocal reports whether obj is a local object whose address
// is never stored or passed to a capturing call.
func isNonEscapingLocal(obj ir.Value) bool {
	in, ok := obj.(*ir.Instr)
	if !ok {
		return false
	}
	isLocal := in.Op() == ir.OpAlloca || ir.IsAllocationFunc(in.CalledFunc())
	if !isLocal {
		return false
	}
	fn := in.Func()
	if fn == nil {
		return false
	}
	for _, user := range fn.Users(in) {
		switch user.Op() {
		case ir.OpStore:
			if user.Arg(0) == in {
				return false
			}
		case ir.OpCall:
			callee := user.CalledFunc()
			if callee == nil {
				return false
			}
			for i, a := range user.CallArgs() {
				if a != in {
					continue
				}
				if i >= callee.NumParams() || !callee.Param(i).Attrs.Has(ir.AttrNoCapture) {
					if !ir.IsDeallocationFunc(callee) && ir.IntrinsicOf(callee) == ir.IntrinsicNone {
						return false
					}
				}
			}
		}
	}
	return true
}

func passedTo(call *ir.Instr, obj ir.Value) bool {
	for _, a := range call.CallArgs() {
		if !ir.IsPointer(a.Type()) {
			continue
		}
		if UnderlyingObject(a) == obj {
			return true
		}
	}
	return false
}

// mayAlias reports whether two pointers may address overlapping memory,
// deciding by their underlying objects.
func mayAlias(p, q ir.Value) bool {
	po := UnderlyingObject(p)
	qo := UnderlyingObject(q)
	if po == qo {
		return true
	}
	if isIdentified(po) && isIdentified(qo) {
		// Two distinct identified objects never overlap.
		return false
	}
	// noalias arguments are disjoint from every other identified object.
	if isNoAliasParam(po) && isIdentified(qo) {
		return false
	}
	if isNoAliasParam(qo) && isIdentified(po) {
		return false
	}
	if _, ok := po.(*ir.Null); ok {
		return false
	}
	if _, ok := qo.(*ir.Null); ok {
		return false
	}
	return true
}

// isIdentified reports whether a value is a distinct allocated object:
// an alloca, a known heap allocation, a global, or a noalias argument.
func isIdentified(v ir.Value) bool {
	switch vt := v.(type) {
	case *ir.Global:
		return true
	case *ir.Param:
		return vt.Attrs.Has(ir.AttrNoAlias)
	case *ir.Instr:
		return vt.Op() == ir.OpAlloca || ir.IsAllocationFunc(vt.CalledFunc())
	}
	return false
}

func isNoAliasParam(v ir.Value) bool {
	p, ok := v.(*ir.Param)
	return ok && p.Attrs.Has(ir.AttrNoAlias)
}
