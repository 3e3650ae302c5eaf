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
	"github.com/gradir-org/gradir/analysis/alias"
	"github.com/gradir-org/gradir/ir"
)

// analyzeCacheability fills, over the original function, the per-load
// may-be-modified map and the per-call-site uncacheable pointer argument
// map. A load whose location may be written between its execution and its
// reverse-pass use cannot be re-read there; its value goes on the tape.
func (gu *gutils) analyzeCacheability() {
	gu.canModRef = make(map[*ir.Instr]bool)
	for _, b := range gu.oldFunc.Blocks {
		for _, in := range b.Instrs {
			switch in.Op() {
			case ir.OpLoad:
				gu.canModRef[in] = gu.locationMayChange(in, alias.LocationOf(in))
			case ir.OpCall:
				gu.analyzeCallArgs(in)
			}
		}
	}
}

// locationMayChange reports whether a memory location read at instruction
// at may be written afterwards, before the reverse pass replays the read.
// Arguments flagged uncacheable by the caller may change at any time.
func (gu *gutils) locationMayChange(at *ir.Instr, loc alias.Location) bool {
	if obj, ok := alias.UnderlyingObject(loc.Ptr).(*ir.Param); ok {
		if gu.key.uncacheableArg(obj.Index()) {
			return true
		}
	}
	for _, b := range gu.oldFunc.Blocks {
		for _, w := range b.Instrs {
			if w == at || !gu.writes(w, loc) {
				continue
			}
			if gu.mayExecuteAfter(w, at) {
				return true
			}
		}
	}
	return false
}

func (gu *gutils) writes(in *ir.Instr, loc alias.Location) bool {
	switch in.Op() {
	case ir.OpStore, ir.OpCall:
		return gu.ctx.aa.ModRef(in, loc).Mods()
	}
	return false
}

// mayExecuteAfter reports whether w may execute after at on some run. It
// holds unless w strictly precedes at with no loop carrying control back
// from at to w.
func (gu *gutils) mayExecuteAfter(w, at *ir.Instr) bool {
	if !gu.dt.InstrDominates(w, at) {
		return true
	}
	if loop := gu.loopOf[at.Block()]; loop != nil && loop.contains(w.Block()) {
		return true
	}
	return false
}

// analyzeCallArgs records which pointer arguments of a call site address
// memory that may be overwritten between the call and the reverse pass.
// The callee's augmented primal must then tape what it reads through them.
func (gu *gutils) analyzeCallArgs(call *ir.Instr) {
	callee := call.CalledFunc()
	if callee != nil {
		if ir.IntrinsicOf(callee) != ir.IntrinsicNone || ir.IsAllocationFunc(callee) ||
			ir.IsDeallocationFunc(callee) || ir.IsPassthroughFunc(callee) {
			return
		}
	}
	args := call.CallArgs()
	var unc map[int]bool
	for i, a := range args {
		if !ir.IsPointer(a.Type()) {
			continue
		}
		loc := alias.ForArgument(call, i)
		if gu.locationMayChange(call, loc) {
			if unc == nil {
				unc = make(map[int]bool)
			}
			unc[i] = true
		}
	}
	if unc != nil {
		gu.uncacheableCallArgs[call] = unc
	}
}

// shouldCacheLoad applies the configuration overrides on top of the
// analysis verdict.
func (gu *gutils) shouldCacheLoad(load *ir.Instr) bool {
	if gu.ctx.cfg.CacheReadsNever {
		return false
	}
	if gu.ctx.cfg.CacheReadsAlways {
		return true
	}
	return gu.canModRef[load]
}
