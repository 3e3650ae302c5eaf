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

// ValueMap is the bidirectional mapping between the values and blocks of an
// original function and its working copy. The mapping is injective on
// instructions in both directions.
type ValueMap struct {
	toNew   map[Value]Value
	toOrig  map[Value]Value
	blkNew  map[*Block]*Block
	blkOrig map[*Block]*Block
}

// NewValueMap returns an empty value map.
func NewValueMap() *ValueMap {
	return &ValueMap{
		toNew:   make(map[Value]Value),
		toOrig:  make(map[Value]Value),
		blkNew:  make(map[*Block]*Block),
		blkOrig: make(map[*Block]*Block),
	}
}

// Map records an original/copy value pair.
func (vm *ValueMap) Map(orig, cpy Value) {
	vm.toNew[orig] = cpy
	vm.toOrig[cpy] = orig
}

// MapBlock records an original/copy block pair.
func (vm *ValueMap) MapBlock(orig, cpy *Block) {
	vm.blkNew[orig] = cpy
	vm.blkOrig[cpy] = orig
}

// New returns the copy of an original value. Constants, globals and
// functions map to themselves.
func (vm *ValueMap) New(orig Value) Value {
	if v, ok := vm.toNew[orig]; ok {
		return v
	}
	return orig
}

// Orig returns the original of a copied value, nil if the value was
// created by the transform and has no original.
func (vm *ValueMap) Orig(cpy Value) Value {
	if v, ok := vm.toOrig[cpy]; ok {
		return v
	}
	return nil
}

// NewBlock returns the copy of an original block.
func (vm *ValueMap) NewBlock(orig *Block) *Block {
	return vm.blkNew[orig]
}

// OrigBlock returns the original of a copied block.
func (vm *ValueMap) OrigBlock(cpy *Block) *Block {
	return vm.blkOrig[cpy]
}

// RemapNew repoints the copy of an original value, keeping the reverse
// mapping on the previous copy intact for erased instructions.
func (vm *ValueMap) RemapNew(orig, cpy Value) {
	vm.toNew[orig] = cpy
	vm.toOrig[cpy] = orig
}

// CloneFunc copies a function definition into the same module under a new
// name and returns the copy together with the original-to-copy value map.
// The copy initially has the exact same semantics as the original.
func CloneFunc(name string, src *Func) (*Func, *ValueMap) {
	mod := src.Module()
	paramNames := make([]string, len(src.params))
	for i, p := range src.params {
		paramNames[i] = p.name
	}
	dst := mod.NewFunc(name, src.typ, paramNames...)
	dst.Attrs = src.Attrs
	dst.RetAttrs = src.RetAttrs
	vm := NewValueMap()
	for i, p := range src.params {
		np := dst.params[i]
		np.Attrs = p.Attrs
		np.Deref = p.Deref
		vm.Map(p, np)
	}
	for _, b := range src.Blocks {
		nb := dst.NewBlock(b.name)
		vm.MapBlock(b, nb)
	}
	for _, b := range src.Blocks {
		nb := vm.NewBlock(b)
		for _, in := range b.Instrs {
			nb.append(cloneInstr(in, vm, dst))
		}
	}
	// Fix up operands and incoming/successor blocks now that every value
	// has a copy.
	for _, b := range dst.Blocks {
		for _, in := range b.Instrs {
			for i, a := range in.args {
				in.args[i] = vm.New(a)
			}
			for i, ib := range in.IncomingBlocks {
				in.IncomingBlocks[i] = vm.NewBlock(ib)
			}
			for i, s := range in.Succs {
				in.Succs[i] = vm.NewBlock(s)
			}
		}
	}
	return dst, vm
}

// CloneBody copies the blocks of src into dst, an empty definition whose
// signature may differ from src's. argMap routes each source parameter to
// the dst value standing for it. The returned map relates source values to
// their copies.
func CloneBody(dst, src *Func, argMap map[*Param]Value) *ValueMap {
	vm := NewValueMap()
	for p, v := range argMap {
		vm.Map(p, v)
	}
	for _, b := range src.Blocks {
		nb := dst.NewBlock(b.name)
		vm.MapBlock(b, nb)
	}
	for _, b := range src.Blocks {
		nb := vm.NewBlock(b)
		for _, in := range b.Instrs {
			nb.append(cloneInstr(in, vm, dst))
		}
	}
	for _, b := range src.Blocks {
		nb := vm.NewBlock(b)
		for _, in := range nb.Instrs {
			for i, a := range in.args {
				in.args[i] = vm.New(a)
			}
			for i, ib := range in.IncomingBlocks {
				in.IncomingBlocks[i] = vm.NewBlock(ib)
			}
			for i, s := range in.Succs {
				in.Succs[i] = vm.NewBlock(s)
			}
		}
	}
	return vm
}

func cloneInstr(in *Instr, vm *ValueMap, dst *Func) *Instr {
	cpy := &Instr{
		op:        in.op,
		typ:       in.typ,
		name:      in.name,
		args:      append([]Value(nil), in.args...),
		Indices:   append([]int(nil), in.Indices...),
		Mask:      append([]int(nil), in.Mask...),
		Callee:    in.Callee,
		Pred:      in.Pred,
		Cases:     append([]int64(nil), in.Cases...),
		Succs:     append([]*Block(nil), in.Succs...),
		Allocated: in.Allocated,
		Align:     in.Align,
		Volatile:  in.Volatile,
		Atomic:    in.Atomic,
		SyncScope: in.SyncScope,
	}
	cpy.IncomingBlocks = append([]*Block(nil), in.IncomingBlocks...)
	cpy.CopyMetaFrom(in)
	if cpy.name != "" {
		dst.names.Register(cpy.name)
	}
	vm.Map(in, cpy)
	return cpy
}
