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
	"github.com/gradir-org/gradir/base/ordered"
	"github.com/gradir-org/gradir/fmterr"
	"github.com/gradir-org/gradir/ir"
)

// CacheKind distinguishes what a tape slot holds for an instruction.
type CacheKind uint8

// All cache kinds.
const (
	// CacheSelf holds the primal value of the instruction.
	CacheSelf CacheKind = iota
	// CacheShadow holds the shadow pointer of the instruction.
	CacheShadow
	// CacheTape holds the sub-tape returned by an augmented call.
	CacheTape
)

// String returns the cache kind name.
func (k CacheKind) String() string {
	switch k {
	case CacheSelf:
		return "self"
	case CacheShadow:
		return "shadow"
	case CacheTape:
		return "tape"
	}
	return "kind?"
}

// tapeKey identifies a logical tape slot: at most one slot exists per
// (original instruction, kind) pair.
type tapeKey struct {
	inst *ir.Instr
	kind CacheKind
}

// tapeSlot is one entry of the tape record.
type tapeSlot struct {
	index int
	typ   ir.Type
	// loop is set when the slot caches a loop-varying value; the slot
	// then holds a pointer to a heap array indexed by the loop counter.
	loop *loopInfo
	// storage is the entry-block alloca backing the slot in the function
	// under construction.
	storage *ir.Instr
}

// elemType returns the type of one cached value: the slot type itself, or
// the pointee for loop-varying array slots.
func (s *tapeSlot) elemType() ir.Type {
	if s.loop == nil {
		return s.typ
	}
	return s.typ.(*ir.PointerType).Elem
}

// tape is the ordered record of values the forward pass saves for the
// reverse pass. Slots are allocated in forward program order and read back
// in reverse order.
type tape struct {
	slots *ordered.Map[tapeKey, *tapeSlot]
}

func newTape() *tape {
	return &tape{slots: ordered.NewMap[tapeKey, *tapeSlot]()}
}

// alloc assigns a slot to a key. A slot, once assigned, keeps its type and
// index; allocating the same key with a different type is an internal
// error.
func (t *tape) alloc(inst *ir.Instr, kind CacheKind, typ ir.Type, loop *loopInfo) (*tapeSlot, error) {
	key := tapeKey{inst: inst, kind: kind}
	if slot, ok := t.slots.Load(key); ok {
		if !slot.typ.Equal(typ) {
			return nil, fmterr.Internalf(inst, "tape slot (%s, %s) reallocated at type %s, was %s",
				inst.Name(), kind, typ, slot.typ)
		}
		return slot, nil
	}
	slot := &tapeSlot{index: t.slots.Size(), typ: typ, loop: loop}
	t.slots.Store(key, slot)
	return slot, nil
}

// lookup returns the slot of a key.
func (t *tape) lookup(inst *ir.Instr, kind CacheKind) (*tapeSlot, bool) {
	return t.slots.Load(tapeKey{inst: inst, kind: kind})
}

// structType returns the physical tape type: the struct of all slot types
// in allocation order.
func (t *tape) structType() *ir.StructType {
	fields := make([]ir.Type, 0, t.slots.Size())
	for slot := range t.slots.Values() {
		fields = append(fields, slot.typ)
	}
	return ir.StructOf(fields...)
}

// indices returns the (instruction, kind) → slot index map published in
// the AugmentedReturn.
func (t *tape) indices() map[TapeKey]int {
	out := make(map[TapeKey]int, t.slots.Size())
	for key, slot := range t.slots.Iter() {
		out[TapeKey{Inst: key.inst, Kind: key.kind}] = slot.index
	}
	return out
}

// empty reports whether no slot has been allocated.
func (t *tape) empty() bool {
	return t.slots.Size() == 0
}
