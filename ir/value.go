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
	"fmt"
	"strconv"
)

type (
	// Value is a typed SSA value: a parameter, a constant, a global,
	// a function, or the result of an instruction.
	Value interface {
		Type() Type
		Name() string
		String() string
	}

	// Constant is a value known at compile time.
	Constant interface {
		Value
		constant()
	}

	// Param is a formal parameter of a function.
	Param struct {
		name  string
		typ   Type
		fn    *Func
		index int

		// Attrs are the parameter attributes declared by the function.
		Attrs AttrSet
		// Deref is the number of dereferenceable bytes, 0 if unknown.
		Deref int64
	}

	// Global is a module-level variable. Its value type is a pointer
	// to the element type.
	Global struct {
		name string
		typ  *PointerType

		// Shadow is the matching shadow global, nil if the global
		// carries no shadow marker.
		Shadow *Global
	}

	// ConstInt is an integer constant.
	ConstInt struct {
		typ *IntType
		V   int64
	}

	// ConstFloat is a floating point constant.
	ConstFloat struct {
		typ *FloatType
		V   float64
	}

	// Null is the null pointer constant of a pointer type.
	Null struct {
		typ *PointerType
	}

	// Undef is an undefined value of any type.
	Undef struct {
		typ Type
	}
)

// NewParam returns a new formal parameter. Used by Module.NewFunc.
func newParam(fn *Func, name string, typ Type, index int) *Param {
	return &Param{fn: fn, name: name, typ: typ, index: index}
}

// Type of the parameter.
func (p *Param) Type() Type { return p.typ }

// Name of the parameter.
func (p *Param) Name() string { return p.name }

// Func returns the function declaring the parameter.
func (p *Param) Func() *Func { return p.fn }

// Index of the parameter in the function signature.
func (p *Param) Index() int { return p.index }

func (p *Param) String() string { return "%" + p.name }

// NewGlobal returns a detached global of the given element type.
func NewGlobal(name string, elem Type) *Global {
	return &Global{name: name, typ: PtrTo(elem)}
}

// Type of the global: a pointer to its element type.
func (g *Global) Type() Type { return g.typ }

// Elem returns the element type of the global.
func (g *Global) Elem() Type { return g.typ.Elem }

// Name of the global.
func (g *Global) Name() string { return g.name }

func (g *Global) String() string { return "@" + g.name }

// IntConst returns an integer constant.
func IntConst(typ *IntType, v int64) *ConstInt {
	return &ConstInt{typ: typ, V: v}
}

// Bool returns an i1 constant.
func Bool(v bool) *ConstInt {
	if v {
		return IntConst(I1, 1)
	}
	return IntConst(I1, 0)
}

// FloatConst returns a floating point constant.
func FloatConst(typ *FloatType, v float64) *ConstFloat {
	return &ConstFloat{typ: typ, V: v}
}

// NullPtr returns the null constant of a pointer type.
func NullPtr(typ *PointerType) *Null {
	return &Null{typ: typ}
}

// UndefOf returns the undefined value of a type.
func UndefOf(typ Type) *Undef {
	return &Undef{typ: typ}
}

func (c *ConstInt) Type() Type     { return c.typ }
func (c *ConstInt) Name() string   { return strconv.FormatInt(c.V, 10) }
func (c *ConstInt) String() string { return fmt.Sprintf("%s %d", c.typ, c.V) }
func (c *ConstInt) constant()      {}

func (c *ConstFloat) Type() Type     { return c.typ }
func (c *ConstFloat) Name() string   { return strconv.FormatFloat(c.V, 'g', -1, 64) }
func (c *ConstFloat) String() string { return fmt.Sprintf("%s %s", c.typ, c.Name()) }
func (c *ConstFloat) constant()      {}

func (c *Null) Type() Type     { return c.typ }
func (c *Null) Name() string   { return "null" }
func (c *Null) String() string { return c.typ.String() + " null" }
func (c *Null) constant()      {}

func (c *Undef) Type() Type     { return c.typ }
func (c *Undef) Name() string   { return "undef" }
func (c *Undef) String() string { return c.typ.String() + " undef" }
func (c *Undef) constant()      {}

// IsConstant reports whether v is a compile-time constant.
func IsConstant(v Value) bool {
	_, ok := v.(Constant)
	return ok
}

// ZeroValue returns the zero constant of a type. Aggregate and vector
// zeros are represented as undef filled by explicit stores.
func ZeroValue(t Type) Value {
	switch tt := t.(type) {
	case *IntType:
		return IntConst(tt, 0)
	case *FloatType:
		return FloatConst(tt, 0)
	case *PointerType:
		return NullPtr(tt)
	}
	return UndefOf(t)
}
