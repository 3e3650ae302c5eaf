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

import (
	"github.com/gradir-org/gradir/base/uname"
)

// FuncMeta carries the function-level markers understood by the transform.
type FuncMeta struct {
	// Augment is a precomputed augmented primal for the function.
	Augment *Func
	// Gradient is a precomputed gradient for the function.
	Gradient *Func
	// GradientNeedsTape reports whether a precomputed gradient takes a
	// tape as its last argument.
	GradientNeedsTape bool
}

// Func is an IR function: a signature plus, for definitions, a list of
// basic blocks whose first element is the entry block.
type Func struct {
	name   string
	mod    *Module
	typ    *FuncType
	params []*Param
	names  *uname.Unique

	// Blocks of the function body. Empty for declarations.
	Blocks []*Block

	// Attrs are the function attributes.
	Attrs AttrSet
	// RetAttrs are the attributes of the return value.
	RetAttrs AttrSet
	// Meta are the transform markers attached to the function.
	Meta FuncMeta
}

// Name of the function.
func (f *Func) Name() string { return f.name }

// Type returns the function signature.
func (f *Func) Type() Type { return f.typ }

// Signature returns the function signature as a FuncType.
func (f *Func) Signature() *FuncType { return f.typ }

// Module owning the function.
func (f *Func) Module() *Module { return f.mod }

// String returns the function symbol.
func (f *Func) String() string { return "@" + f.name }

// Params returns the formal parameters.
func (f *Func) Params() []*Param { return f.params }

// Param returns the i-th formal parameter.
func (f *Func) Param(i int) *Param { return f.params[i] }

// NumParams returns the number of formal parameters.
func (f *Func) NumParams() int { return len(f.params) }

// IsDeclaration reports whether the function has no body.
func (f *Func) IsDeclaration() bool { return len(f.Blocks) == 0 }

// Entry returns the entry block, nil for declarations.
func (f *Func) Entry() *Block {
	if len(f.Blocks) == 0 {
		return nil
	}
	return f.Blocks[0]
}

// NewBlock appends a new empty block to the function.
func (f *Func) NewBlock(name string) *Block {
	b := &Block{name: f.names.Name(name), fn: f}
	f.Blocks = append(f.Blocks, b)
	return b
}

// BlockNamed returns the block with the given name, nil if absent.
func (f *Func) BlockNamed(name string) *Block {
	for _, b := range f.Blocks {
		if b.name == name {
			return b
		}
	}
	return nil
}

// ValueName allocates a fresh value name within the function.
func (f *Func) ValueName(root string) string {
	return f.names.Name(root)
}

// ReplaceAllUses rewrites every operand referencing old to new across the
// whole function, callee references included.
func (f *Func) ReplaceAllUses(old, new Value) {
	for _, b := range f.Blocks {
		for _, in := range b.Instrs {
			for i, a := range in.args {
				if a == old {
					in.args[i] = new
				}
			}
			if in.Callee == old {
				in.Callee = new
			}
		}
	}
}

// Erase removes an instruction from its block. The caller must have
// rewritten all uses beforehand.
func (f *Func) Erase(in *Instr) {
	if in.blk != nil {
		in.blk.Remove(in)
	}
}

// Users returns every instruction of the function that has v as an operand.
func (f *Func) Users(v Value) []*Instr {
	var users []*Instr
	for _, b := range f.Blocks {
		for _, in := range b.Instrs {
			for _, a := range in.args {
				if a == v {
					users = append(users, in)
					break
				}
			}
		}
	}
	return users
}

// StripTransformAttrs removes the attributes the differentiation transform
// cannot preserve on a synthesized function: returned and sret parameter
// markers, noalias on the return value, and dereferenceable byte counts.
func (f *Func) StripTransformAttrs() {
	f.RetAttrs = f.RetAttrs.Without(AttrNoAlias)
	for _, p := range f.params {
		p.Attrs = p.Attrs.Without(AttrReturned | AttrSRet)
		p.Deref = 0
	}
}
