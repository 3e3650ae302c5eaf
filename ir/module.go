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

// Package ir defines a typed SSA intermediate representation: values,
// instructions, basic blocks, functions and modules, together with a
// builder, a dominator tree, a structural verifier and a printer.
package ir

import (
	"strconv"

	"github.com/gradir-org/gradir/base/ordered"
	"github.com/gradir-org/gradir/base/uname"
)

// Module is a set of functions and globals sharing a symbol namespace.
type Module struct {
	funcs   *ordered.Map[string, *Func]
	globals *ordered.Map[string, *Global]
	names   *uname.Unique
}

// NewModule returns a new empty module.
func NewModule() *Module {
	return &Module{
		funcs:   ordered.NewMap[string, *Func](),
		globals: ordered.NewMap[string, *Global](),
		names:   uname.New(),
	}
}

// NewFunc declares a new function in the module. Parameter names default
// to arg0, arg1, ... and can be renamed through the returned function.
func (m *Module) NewFunc(name string, typ *FuncType, paramNames ...string) *Func {
	name = m.names.Name(name)
	f := &Func{name: name, mod: m, typ: typ, names: uname.New()}
	f.params = make([]*Param, len(typ.Params))
	for i, pt := range typ.Params {
		pname := "arg" + strconv.Itoa(i)
		if i < len(paramNames) {
			pname = paramNames[i]
		}
		f.params[i] = newParam(f, f.names.Name(pname), pt, i)
	}
	m.funcs.Store(name, f)
	return f
}

// Func returns a function by name, nil if absent.
func (m *Module) Func(name string) *Func {
	f, _ := m.funcs.Load(name)
	return f
}

// Funcs iterates over the functions of the module in declaration order.
func (m *Module) Funcs() func(func(*Func) bool) {
	return m.funcs.Values()
}

// NewGlobal declares a new global variable in the module.
func (m *Module) NewGlobal(name string, elem Type) *Global {
	g := NewGlobal(m.names.Name(name), elem)
	m.globals.Store(g.Name(), g)
	return g
}

// Global returns a global by name, nil if absent.
func (m *Module) Global(name string) *Global {
	g, _ := m.globals.Load(name)
	return g
}

// Globals iterates over the globals of the module in declaration order.
func (m *Module) Globals() func(func(*Global) bool) {
	return m.globals.Values()
}
