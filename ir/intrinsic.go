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

import "strings"

// Intrinsic identifies a well-known function the transform has dedicated
// rules for.
type Intrinsic uint8

// All intrinsics.
const (
	IntrinsicNone Intrinsic = iota
	IntrinsicSqrt
	IntrinsicFabs
	IntrinsicSin
	IntrinsicCos
	IntrinsicExp
	IntrinsicExp2
	IntrinsicLog
	IntrinsicLog2
	IntrinsicLog10
	IntrinsicPow
	IntrinsicFloor
	IntrinsicCeil
	IntrinsicFTrunc
	IntrinsicRint
	IntrinsicRound
	IntrinsicNearbyint
	IntrinsicMinnum
	IntrinsicMaxnum
	IntrinsicMemset
	IntrinsicMemcpy
	IntrinsicMemmove
	IntrinsicLifetimeStart
	IntrinsicLifetimeEnd
	IntrinsicStackSave
	IntrinsicStackRestore
	IntrinsicAssume
	IntrinsicPrefetch
	IntrinsicDbg
)

var intrinsicsByName = map[string]Intrinsic{
	"sqrt": IntrinsicSqrt, "sqrtf": IntrinsicSqrt, "llvm.sqrt.f32": IntrinsicSqrt, "llvm.sqrt.f64": IntrinsicSqrt,
	"fabs": IntrinsicFabs, "fabsf": IntrinsicFabs, "llvm.fabs.f32": IntrinsicFabs, "llvm.fabs.f64": IntrinsicFabs,
	"sin": IntrinsicSin, "sinf": IntrinsicSin, "llvm.sin.f32": IntrinsicSin, "llvm.sin.f64": IntrinsicSin,
	"cos": IntrinsicCos, "cosf": IntrinsicCos, "llvm.cos.f32": IntrinsicCos, "llvm.cos.f64": IntrinsicCos,
	"exp": IntrinsicExp, "expf": IntrinsicExp, "llvm.exp.f32": IntrinsicExp, "llvm.exp.f64": IntrinsicExp,
	"exp2": IntrinsicExp2, "llvm.exp2.f32": IntrinsicExp2, "llvm.exp2.f64": IntrinsicExp2,
	"log": IntrinsicLog, "logf": IntrinsicLog, "llvm.log.f32": IntrinsicLog, "llvm.log.f64": IntrinsicLog,
	"log2": IntrinsicLog2, "llvm.log2.f32": IntrinsicLog2, "llvm.log2.f64": IntrinsicLog2,
	"log10": IntrinsicLog10, "llvm.log10.f32": IntrinsicLog10, "llvm.log10.f64": IntrinsicLog10,
	"pow": IntrinsicPow, "powf": IntrinsicPow, "llvm.pow.f32": IntrinsicPow, "llvm.pow.f64": IntrinsicPow,
	"floor": IntrinsicFloor, "llvm.floor.f32": IntrinsicFloor, "llvm.floor.f64": IntrinsicFloor,
	"ceil": IntrinsicCeil, "llvm.ceil.f32": IntrinsicCeil, "llvm.ceil.f64": IntrinsicCeil,
	"trunc": IntrinsicFTrunc, "llvm.trunc.f32": IntrinsicFTrunc, "llvm.trunc.f64": IntrinsicFTrunc,
	"rint": IntrinsicRint, "llvm.rint.f32": IntrinsicRint, "llvm.rint.f64": IntrinsicRint,
	"round": IntrinsicRound, "llvm.round.f32": IntrinsicRound, "llvm.round.f64": IntrinsicRound,
	"nearbyint": IntrinsicNearbyint, "llvm.nearbyint.f32": IntrinsicNearbyint, "llvm.nearbyint.f64": IntrinsicNearbyint,
	"fmin": IntrinsicMinnum, "llvm.minnum.f32": IntrinsicMinnum, "llvm.minnum.f64": IntrinsicMinnum,
	"fmax": IntrinsicMaxnum, "llvm.maxnum.f32": IntrinsicMaxnum, "llvm.maxnum.f64": IntrinsicMaxnum,
	"memset": IntrinsicMemset, "llvm.memset.p0i8.i64": IntrinsicMemset,
	"memcpy": IntrinsicMemcpy, "llvm.memcpy.p0i8.p0i8.i64": IntrinsicMemcpy,
	"memmove": IntrinsicMemmove, "llvm.memmove.p0i8.p0i8.i64": IntrinsicMemmove,
	"llvm.lifetime.start": IntrinsicLifetimeStart,
	"llvm.lifetime.end":   IntrinsicLifetimeEnd,
	"llvm.stacksave":      IntrinsicStackSave,
	"llvm.stackrestore":   IntrinsicStackRestore,
	"llvm.assume":         IntrinsicAssume,
	"llvm.prefetch":       IntrinsicPrefetch,
}

// IntrinsicOf returns the intrinsic a function name maps to, IntrinsicNone
// if the function is not a known intrinsic.
func IntrinsicOf(fn *Func) Intrinsic {
	if fn == nil {
		return IntrinsicNone
	}
	name := fn.Name()
	if in, ok := intrinsicsByName[name]; ok {
		return in
	}
	if strings.HasPrefix(name, "llvm.dbg.") {
		return IntrinsicDbg
	}
	if strings.HasPrefix(name, "llvm.lifetime.start") {
		return IntrinsicLifetimeStart
	}
	if strings.HasPrefix(name, "llvm.lifetime.end") {
		return IntrinsicLifetimeEnd
	}
	return IntrinsicNone
}

var allocationFuncs = map[string]bool{
	"malloc":  true,
	"calloc":  true,
	"_Znwm":   true, // operator new(unsigned long)
	"_Znam":   true, // operator new[](unsigned long)
	"realloc": true,
}

var deallocationFuncs = map[string]bool{
	"free":   true,
	"_ZdlPv": true, // operator delete(void*)
	"_ZdaPv": true, // operator delete[](void*)
}

var passthroughFuncs = map[string]bool{
	"printf":  true,
	"puts":    true,
	"lgamma":  true,
	"lgammaf": true,
	"lgammal": true,
}

// IsAllocationFunc reports whether a function is a known heap allocator.
func IsAllocationFunc(fn *Func) bool {
	return fn != nil && allocationFuncs[fn.Name()]
}

// IsDeallocationFunc reports whether a function is a known heap release.
func IsDeallocationFunc(fn *Func) bool {
	return fn != nil && deallocationFuncs[fn.Name()]
}

// IsPassthroughFunc reports whether a function is known to have no
// derivative and no differential side effect.
func IsPassthroughFunc(fn *Func) bool {
	return fn != nil && passthroughFuncs[fn.Name()]
}
