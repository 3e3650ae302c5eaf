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
	"fmt"

	"github.com/gradir-org/gradir/analysis/alias"
	"github.com/gradir-org/gradir/base/ordered"
	"github.com/gradir-org/gradir/fmterr"
	"github.com/gradir-org/gradir/ir"
)

// Context owns the state shared across transform invocations: the module
// being rewritten, the external oracles, and the two memoization caches.
// The transform is single-threaded; a Context must not be shared across
// goroutines.
type Context struct {
	cfg Config
	mod *ir.Module
	aa  alias.Oracle

	augmented *ordered.Map[SignatureKey, *AugmentedReturn]
	gradients *ordered.Map[gradientKey, *ir.Func]

	warnings *fmterr.Appender
}

// gradientKey separates combined top-level gradients from split gradients
// of the same signature: the two have different parameter lists.
type gradientKey struct {
	sig      SignatureKey
	combined bool
}

// NewContext returns a transform context over a module.
func NewContext(mod *ir.Module, aa alias.Oracle, cfg Config) (*Context, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if aa == nil {
		aa = alias.Basic{}
	}
	return &Context{
		cfg:       cfg,
		mod:       mod,
		aa:        aa,
		augmented: ordered.NewMap[SignatureKey, *AugmentedReturn](),
		gradients: ordered.NewMap[gradientKey, *ir.Func](),
		warnings:  fmterr.NewAppender(),
	}, nil
}

// Module returns the module the context rewrites.
func (ctx *Context) Module() *ir.Module { return ctx.mod }

// Warnings returns the degenerate conditions corrected so far.
func (ctx *Context) Warnings() []error { return ctx.warnings.Warnings() }

// declareFunc returns the module function of the given name, declaring it
// with the signature if absent.
func (ctx *Context) declareFunc(name string, typ *ir.FuncType) *ir.Func {
	if f := ctx.mod.Func(name); f != nil {
		return f
	}
	return ctx.mod.NewFunc(name, typ)
}

var bytePtr = ir.PtrTo(ir.I8)

// mallocFunc returns the heap allocator declaration.
func (ctx *Context) mallocFunc() *ir.Func {
	return ctx.declareFunc("malloc", ir.FuncOf(bytePtr, ir.I64))
}

// reallocFunc returns the heap reallocator declaration.
func (ctx *Context) reallocFunc() *ir.Func {
	return ctx.declareFunc("realloc", ir.FuncOf(bytePtr, bytePtr, ir.I64))
}

// freeFunc returns the heap release declaration.
func (ctx *Context) freeFunc() *ir.Func {
	return ctx.declareFunc("free", ir.FuncOf(ir.Void, bytePtr))
}

// memsetFunc returns the memset declaration.
func (ctx *Context) memsetFunc() *ir.Func {
	return ctx.declareFunc("memset", ir.FuncOf(bytePtr, bytePtr, ir.I32, ir.I64))
}

// memcpyDiffFunc returns the differential memcpy or memmove intrinsic for
// a float element type: it adds each element of the shadow destination
// into the shadow source and zeroes the destination.
func (ctx *Context) memcpyDiffFunc(move bool, elem *ir.FloatType) *ir.Func {
	op := "memcpy"
	if move {
		op = "memmove"
	}
	name := fmt.Sprintf("%s_diff_f%d", op, elem.Bits)
	ep := ir.PtrTo(ir.Type(elem))
	return ctx.declareFunc(name, ir.FuncOf(ir.Void, ep, ep, ir.I64))
}
