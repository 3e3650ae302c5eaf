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

import "fmt"

// Builder inserts instructions into a function at a movable insertion
// point. All Create methods compute the result type from the operands and
// panic on operand type mismatches: builders are only driven by code that
// has already type-checked its inputs.
type Builder struct {
	fn  *Func
	blk *Block
	at  int // insertion index within blk; -1 appends at the end
}

// NewBuilder returns a builder for a function with no insertion point.
func NewBuilder(fn *Func) *Builder {
	return &Builder{fn: fn, at: -1}
}

// Func returns the function the builder inserts into.
func (b *Builder) Func() *Func { return b.fn }

// Block returns the current insertion block.
func (b *Builder) Block() *Block { return b.blk }

// SetInsertAtEnd moves the insertion point to the end of a block, before
// its terminator if the block already has one.
func (b *Builder) SetInsertAtEnd(blk *Block) {
	b.blk = blk
	b.at = -1
}

// SetInsertBefore moves the insertion point before an instruction.
func (b *Builder) SetInsertBefore(in *Instr) {
	b.blk = in.Block()
	b.at = b.blk.Index(in)
}

func (b *Builder) insert(in *Instr) *Instr {
	if b.blk == nil {
		panic("ir: builder has no insertion block")
	}
	if b.at < 0 {
		if term := b.blk.Terminator(); term != nil && !in.IsTerminator() {
			b.blk.insert(len(b.blk.Instrs)-1, in)
			return in
		}
		b.blk.append(in)
		return in
	}
	b.blk.insert(b.at, in)
	b.at++
	return in
}

func (b *Builder) named(in *Instr, name string) *Instr {
	if in.typ != Void {
		if name == "" {
			name = "v"
		}
		in.name = b.fn.ValueName(name)
	}
	return b.insert(in)
}

// CreateAlloca allocates stack space for a value of the element type.
func (b *Builder) CreateAlloca(elem Type, name string) *Instr {
	return b.named(&Instr{op: OpAlloca, typ: PtrTo(elem), Allocated: elem}, name)
}

// CreateLoad loads from a pointer.
func (b *Builder) CreateLoad(ptr Value, name string) *Instr {
	pt, ok := ptr.Type().(*PointerType)
	if !ok {
		panic(fmt.Sprintf("ir: load from non-pointer %s", ptr))
	}
	return b.named(&Instr{op: OpLoad, typ: pt.Elem, args: []Value{ptr}}, name)
}

// CreateStore stores a value through a pointer.
func (b *Builder) CreateStore(v, ptr Value) *Instr {
	return b.insert(&Instr{op: OpStore, typ: Void, args: []Value{v, ptr}})
}

// CreateGEP computes the address of an element relative to a base pointer.
// The result type is a pointer to the element type reached by the indices,
// with the first index stepping within the pointed-to array.
func (b *Builder) CreateGEP(base Value, indices []Value, name string) *Instr {
	pt, ok := base.Type().(*PointerType)
	if !ok {
		panic(fmt.Sprintf("ir: gep on non-pointer %s", base))
	}
	elem := pt.Elem
	for _, idx := range indices[1:] {
		switch et := elem.(type) {
		case *StructType:
			ci, ok := idx.(*ConstInt)
			if !ok {
				panic("ir: non-constant struct index in gep")
			}
			elem = et.Fields[ci.V]
		case *VectorType:
			elem = et.Elem
		default:
			panic(fmt.Sprintf("ir: gep into non-aggregate %s", elem))
		}
	}
	args := append([]Value{base}, indices...)
	return b.named(&Instr{op: OpGEP, typ: PtrTo(elem), args: args}, name)
}

// CreateBinOp applies a binary arithmetic or bit operation.
func (b *Builder) CreateBinOp(op Op, x, y Value, name string) *Instr {
	if op < OpFAdd || op > OpAShr {
		panic(fmt.Sprintf("ir: %s is not a binary operation", op))
	}
	return b.named(&Instr{op: op, typ: x.Type(), args: []Value{x, y}}, name)
}

// CreateFAdd adds two floats.
func (b *Builder) CreateFAdd(x, y Value, name string) *Instr {
	return b.CreateBinOp(OpFAdd, x, y, name)
}

// CreateFSub subtracts two floats.
func (b *Builder) CreateFSub(x, y Value, name string) *Instr {
	return b.CreateBinOp(OpFSub, x, y, name)
}

// CreateFMul multiplies two floats.
func (b *Builder) CreateFMul(x, y Value, name string) *Instr {
	return b.CreateBinOp(OpFMul, x, y, name)
}

// CreateFDiv divides two floats.
func (b *Builder) CreateFDiv(x, y Value, name string) *Instr {
	return b.CreateBinOp(OpFDiv, x, y, name)
}

// CreateFNeg negates a float, expressed as 0 - x.
func (b *Builder) CreateFNeg(x Value, name string) *Instr {
	zero := ZeroValue(x.Type())
	return b.CreateBinOp(OpFSub, zero, x, name)
}

// CreateICmp compares two integers or pointers.
func (b *Builder) CreateICmp(pred CmpPred, x, y Value, name string) *Instr {
	return b.named(&Instr{op: OpICmp, typ: I1, Pred: pred, args: []Value{x, y}}, name)
}

// CreateFCmp compares two floats.
func (b *Builder) CreateFCmp(pred CmpPred, x, y Value, name string) *Instr {
	return b.named(&Instr{op: OpFCmp, typ: I1, Pred: pred, args: []Value{x, y}}, name)
}

// CreateSelect selects between two values on an i1 condition.
func (b *Builder) CreateSelect(cond, t, f Value, name string) *Instr {
	return b.named(&Instr{op: OpSelect, typ: t.Type(), args: []Value{cond, t, f}}, name)
}

// CreatePhi creates an empty phi of a type. Incoming edges are added with
// AddIncoming.
func (b *Builder) CreatePhi(typ Type, name string) *Instr {
	in := &Instr{op: OpPhi, typ: typ}
	if name == "" {
		name = "phi"
	}
	in.name = b.fn.ValueName(name)
	// Phis go before any non-phi instruction of the block.
	pos := 0
	for pos < len(b.blk.Instrs) && b.blk.Instrs[pos].Op() == OpPhi {
		pos++
	}
	b.blk.insert(pos, in)
	if b.at >= 0 && pos <= b.at {
		b.at++
	}
	return in
}

// CreateCall calls a function value with arguments.
func (b *Builder) CreateCall(callee Value, args []Value, name string) *Instr {
	var result Type = Void
	switch ct := callee.Type().(type) {
	case *FuncType:
		result = ct.Result
	case *PointerType:
		ft, ok := ct.Elem.(*FuncType)
		if !ok {
			panic(fmt.Sprintf("ir: call through non-function pointer %s", callee))
		}
		result = ft.Result
	default:
		panic(fmt.Sprintf("ir: call of non-function %s", callee))
	}
	return b.named(&Instr{op: OpCall, typ: result, Callee: callee, args: args}, name)
}

// CreateCast applies a cast opcode to a value.
func (b *Builder) CreateCast(op Op, v Value, to Type, name string) *Instr {
	if !op.IsCast() {
		panic(fmt.Sprintf("ir: %s is not a cast", op))
	}
	return b.named(&Instr{op: op, typ: to, args: []Value{v}}, name)
}

// CreateBitCast reinterprets the bits of a value at another type.
func (b *Builder) CreateBitCast(v Value, to Type, name string) *Instr {
	return b.CreateCast(OpBitCast, v, to, name)
}

// CreateExtractValue extracts a field from an aggregate.
func (b *Builder) CreateExtractValue(agg Value, indices []int, name string) *Instr {
	typ := agg.Type()
	for _, idx := range indices {
		st, ok := typ.(*StructType)
		if !ok {
			panic(fmt.Sprintf("ir: extractvalue from non-struct %s", typ))
		}
		typ = st.Fields[idx]
	}
	return b.named(&Instr{op: OpExtractValue, typ: typ, args: []Value{agg}, Indices: indices}, name)
}

// CreateInsertValue inserts a field into an aggregate.
func (b *Builder) CreateInsertValue(agg, elt Value, indices []int, name string) *Instr {
	return b.named(&Instr{op: OpInsertValue, typ: agg.Type(), args: []Value{agg, elt}, Indices: indices}, name)
}

// CreateExtractElement extracts a lane from a vector.
func (b *Builder) CreateExtractElement(vec, idx Value, name string) *Instr {
	vt, ok := vec.Type().(*VectorType)
	if !ok {
		panic(fmt.Sprintf("ir: extractelement from non-vector %s", vec.Type()))
	}
	return b.named(&Instr{op: OpExtractElement, typ: vt.Elem, args: []Value{vec, idx}}, name)
}

// CreateInsertElement inserts a lane into a vector.
func (b *Builder) CreateInsertElement(vec, elt, idx Value, name string) *Instr {
	return b.named(&Instr{op: OpInsertElement, typ: vec.Type(), args: []Value{vec, elt, idx}}, name)
}

// CreateShuffleVector shuffles the lanes of two vectors by a constant mask.
func (b *Builder) CreateShuffleVector(v1, v2 Value, mask []int, name string) *Instr {
	vt, ok := v1.Type().(*VectorType)
	if !ok {
		panic(fmt.Sprintf("ir: shufflevector of non-vector %s", v1.Type()))
	}
	return b.named(&Instr{
		op:   OpShuffleVector,
		typ:  VecOf(vt.Elem, len(mask)),
		args: []Value{v1, v2},
		Mask: mask,
	}, name)
}

// CreateRet returns from the function, v nil for void returns.
func (b *Builder) CreateRet(v Value) *Instr {
	in := &Instr{op: OpRet, typ: Void}
	if v != nil {
		in.args = []Value{v}
	}
	return b.insert(in)
}

// CreateBr branches unconditionally to a block.
func (b *Builder) CreateBr(dst *Block) *Instr {
	return b.insert(&Instr{op: OpBr, typ: Void, Succs: []*Block{dst}})
}

// CreateCondBr branches on an i1 condition.
func (b *Builder) CreateCondBr(cond Value, then, els *Block) *Instr {
	return b.insert(&Instr{op: OpCondBr, typ: Void, args: []Value{cond}, Succs: []*Block{then, els}})
}

// CreateSwitch dispatches on an integer value. Cases are added with AddCase.
func (b *Builder) CreateSwitch(v Value, def *Block) *Instr {
	return b.insert(&Instr{op: OpSwitch, typ: Void, args: []Value{v}, Succs: []*Block{def}})
}

// AddCase adds a case edge to a switch terminator.
func AddCase(sw *Instr, v int64, dst *Block) {
	sw.Cases = append(sw.Cases, v)
	sw.Succs = append(sw.Succs, dst)
}

// CreateUnreachable terminates a block that can never be reached.
func (b *Builder) CreateUnreachable() *Instr {
	return b.insert(&Instr{op: OpUnreachable, typ: Void})
}
