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

	"github.com/gradir-org/gradir/ir"
)

// TapeKey identifies a logical tape slot in the published tape index map.
type TapeKey struct {
	Inst *ir.Instr
	Kind CacheKind
}

// AugmentedStructKind names the fields of the augmented return struct.
type AugmentedStructKind uint8

// Augmented return struct fields.
const (
	// AugTape is the tape record.
	AugTape AugmentedStructKind = iota
	// AugPrimal is the primal return value.
	AugPrimal
	// AugShadow is the shadow of a returned pointer.
	AugShadow
)

// AugmentedReturn describes a completed augmented primal. It is immutable
// once the builder has published it.
type AugmentedReturn struct {
	// Fn is the augmented primal function.
	Fn *ir.Func
	// TapeType is the physical tape type: an inline struct, or an opaque
	// byte pointer when the tape is heap-boxed. Nil when no tape exists.
	TapeType ir.Type
	// InnerTapeType is the real tape struct when TapeType is boxed.
	InnerTapeType *ir.StructType
	// TapeBoxed reports whether the tape crosses the call boundary as a
	// heap allocation.
	TapeBoxed bool
	// ReturnIndex maps each augmented struct field to its slot.
	ReturnIndex map[AugmentedStructKind]int
	// TapeIndices maps each logical tape entry to its slot in the tape.
	TapeIndices map[TapeKey]int
	// UncacheableCallArgs records, per call site of the original
	// function, which pointer arguments may be overwritten between the
	// forward and reverse passes.
	UncacheableCallArgs map[*ir.Instr]map[int]bool
	// CacheableLoads records, per load of the original function, whether
	// its memory may be modified before the reverse pass (true = may be
	// modified, the load was cached).
	CacheableLoads map[*ir.Instr]bool
	// SubAugmentations maps each augmented call site to the callee's
	// augmented return.
	SubAugmentations map[*ir.Instr]*AugmentedReturn

	tape       *tape
	structType *ir.StructType
	// boxedUse is set when a recursive call observed this entry while it
	// was still under construction; the tape is then heap-boxed.
	boxedUse bool
	// constructing is true between reservation and publication.
	constructing bool
}

// SignatureKey is the memoization key of the builders. Two requests with
// equal keys share one augmented primal and one gradient.
type SignatureKey struct {
	// Fn is the primal function.
	Fn *ir.Func
	// ConstArgs encodes which arguments are treated as inactive, one
	// byte per argument.
	ConstArgs string
	// Uncacheable encodes which arguments may be overwritten between the
	// forward and reverse passes, one byte per argument.
	Uncacheable string
	// ReturnUsed reports whether the primal return value is consumed.
	ReturnUsed bool
	// DifferentialReturn reports whether a cotangent flows into the
	// return value.
	DifferentialReturn bool
}

func encodeBits(n int, set map[int]bool) string {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		if set[i] {
			sb.WriteByte('1')
		} else {
			sb.WriteByte('0')
		}
	}
	return sb.String()
}

func newSignatureKey(fn *ir.Func, constArgs, uncacheable map[int]bool, returnUsed, differentialReturn bool) SignatureKey {
	return SignatureKey{
		Fn:                 fn,
		ConstArgs:          encodeBits(fn.NumParams(), constArgs),
		Uncacheable:        encodeBits(fn.NumParams(), uncacheable),
		ReturnUsed:         returnUsed,
		DifferentialReturn: differentialReturn,
	}
}

// constArg reports whether argument i is inactive under this key.
func (k SignatureKey) constArg(i int) bool {
	return i < len(k.ConstArgs) && k.ConstArgs[i] == '1'
}

// uncacheableArg reports whether argument i is uncacheable under this key.
func (k SignatureKey) uncacheableArg(i int) bool {
	return i < len(k.Uncacheable) && k.Uncacheable[i] == '1'
}

func (k SignatureKey) uncacheableMap() map[int]bool {
	m := make(map[int]bool)
	for i := range k.Uncacheable {
		if k.Uncacheable[i] == '1' {
			m[i] = true
		}
	}
	return m
}

func (k SignatureKey) constMap() map[int]bool {
	m := make(map[int]bool)
	for i := range k.ConstArgs {
		if k.ConstArgs[i] == '1' {
			m[i] = true
		}
	}
	return m
}
