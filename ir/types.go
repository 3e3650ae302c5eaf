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
	"slices"

	"github.com/gradir-org/gradir/base/stringseq"
)

// Kind discriminates the type of an IR value.
type Kind uint8

// All type kinds.
const (
	VoidKind Kind = iota
	IntKind
	FloatKind
	PointerKind
	StructKind
	VectorKind
	FuncKind
)

// Type is the type of an IR value.
type Type interface {
	Kind() Kind
	String() string
	// Equal reports structural type equality.
	Equal(Type) bool
}

type (
	// VoidType is the type of instructions producing no value.
	VoidType struct{}

	// IntType is an integer type of a fixed bit width.
	IntType struct{ Bits int }

	// FloatType is a floating point type of a fixed bit width.
	FloatType struct{ Bits int }

	// PointerType points to values of an element type.
	PointerType struct{ Elem Type }

	// StructType is an ordered aggregate of field types.
	StructType struct {
		TypeName string
		Fields   []Type
	}

	// VectorType is a fixed-length vector of a scalar element type.
	VectorType struct {
		Elem Type
		Len  int
	}

	// FuncType is the signature of a function.
	FuncType struct {
		Params   []Type
		Result   Type
		Variadic bool
	}
)

// Singleton types shared by the whole module.
var (
	Void = &VoidType{}
	I1   = &IntType{Bits: 1}
	I8   = &IntType{Bits: 8}
	I32  = &IntType{Bits: 32}
	I64  = &IntType{Bits: 64}
	F32  = &FloatType{Bits: 32}
	F64  = &FloatType{Bits: 64}
)

// PtrTo returns the type of a pointer to elem.
func PtrTo(elem Type) *PointerType {
	return &PointerType{Elem: elem}
}

// VecOf returns the type of a vector of n elements of type elem.
func VecOf(elem Type, n int) *VectorType {
	return &VectorType{Elem: elem, Len: n}
}

// StructOf returns an anonymous structure type.
func StructOf(fields ...Type) *StructType {
	return &StructType{Fields: fields}
}

// FuncOf returns a function signature.
func FuncOf(result Type, params ...Type) *FuncType {
	return &FuncType{Result: result, Params: params}
}

// Kind of the type.
func (*VoidType) Kind() Kind    { return VoidKind }
func (*IntType) Kind() Kind     { return IntKind }
func (*FloatType) Kind() Kind   { return FloatKind }
func (*PointerType) Kind() Kind { return PointerKind }
func (*StructType) Kind() Kind  { return StructKind }
func (*VectorType) Kind() Kind  { return VectorKind }
func (*FuncType) Kind() Kind    { return FuncKind }

func (*VoidType) String() string    { return "void" }
func (t *IntType) String() string   { return fmt.Sprintf("i%d", t.Bits) }
func (t *FloatType) String() string { return fmt.Sprintf("f%d", t.Bits) }

func (t *PointerType) String() string {
	return t.Elem.String() + "*"
}

func (t *StructType) String() string {
	if t.TypeName != "" {
		return "%" + t.TypeName
	}
	return "{" + stringseq.JoinStringer(slices.Values(t.Fields), ", ") + "}"
}

func (t *VectorType) String() string {
	return fmt.Sprintf("<%d x %s>", t.Len, t.Elem.String())
}

func (t *FuncType) String() string {
	params := stringseq.JoinStringer(slices.Values(t.Params), ", ")
	if t.Variadic {
		if params != "" {
			params += ", "
		}
		params += "..."
	}
	return t.Result.String() + " (" + params + ")"
}

// Equal reports structural type equality.
func (*VoidType) Equal(o Type) bool {
	_, ok := o.(*VoidType)
	return ok
}

func (t *IntType) Equal(o Type) bool {
	ot, ok := o.(*IntType)
	return ok && t.Bits == ot.Bits
}

func (t *FloatType) Equal(o Type) bool {
	ot, ok := o.(*FloatType)
	return ok && t.Bits == ot.Bits
}

func (t *PointerType) Equal(o Type) bool {
	ot, ok := o.(*PointerType)
	return ok && t.Elem.Equal(ot.Elem)
}

func (t *StructType) Equal(o Type) bool {
	ot, ok := o.(*StructType)
	if !ok || len(t.Fields) != len(ot.Fields) {
		return false
	}
	for i, f := range t.Fields {
		if !f.Equal(ot.Fields[i]) {
			return false
		}
	}
	return true
}

func (t *VectorType) Equal(o Type) bool {
	ot, ok := o.(*VectorType)
	return ok && t.Len == ot.Len && t.Elem.Equal(ot.Elem)
}

func (t *FuncType) Equal(o Type) bool {
	ot, ok := o.(*FuncType)
	if !ok || t.Variadic != ot.Variadic || len(t.Params) != len(ot.Params) {
		return false
	}
	if !t.Result.Equal(ot.Result) {
		return false
	}
	for i, p := range t.Params {
		if !p.Equal(ot.Params[i]) {
			return false
		}
	}
	return true
}

// IsFloat reports whether t is a scalar float or a vector of floats.
func IsFloat(t Type) bool {
	switch tt := t.(type) {
	case *FloatType:
		return true
	case *VectorType:
		return IsFloat(tt.Elem)
	}
	return false
}

// IsPointer reports whether t is a pointer type.
func IsPointer(t Type) bool {
	return t.Kind() == PointerKind
}

// ContainsPointer reports whether t is a pointer or an aggregate with a
// pointer somewhere inside it.
func ContainsPointer(t Type) bool {
	switch tt := t.(type) {
	case *PointerType:
		return true
	case *StructType:
		for _, f := range tt.Fields {
			if ContainsPointer(f) {
				return true
			}
		}
	case *VectorType:
		return ContainsPointer(tt.Elem)
	}
	return false
}

// ContainsFloat reports whether t is a float or an aggregate with a float
// somewhere inside it.
func ContainsFloat(t Type) bool {
	switch tt := t.(type) {
	case *FloatType:
		return true
	case *StructType:
		for _, f := range tt.Fields {
			if ContainsFloat(f) {
				return true
			}
		}
	case *VectorType:
		return ContainsFloat(tt.Elem)
	}
	return false
}

// SizeOf returns the size of a type in bytes, assuming 8-byte pointers.
func SizeOf(t Type) int64 {
	switch tt := t.(type) {
	case *IntType:
		return int64((tt.Bits + 7) / 8)
	case *FloatType:
		return int64(tt.Bits / 8)
	case *PointerType:
		return 8
	case *StructType:
		var n int64
		for _, f := range tt.Fields {
			n += SizeOf(f)
		}
		return n
	case *VectorType:
		return SizeOf(tt.Elem) * int64(tt.Len)
	}
	return 0
}
