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
	"strings"
)

// String returns a one-line rendering of the instruction.
func (in *Instr) String() string {
	var sb strings.Builder
	if in.typ != Void {
		fmt.Fprintf(&sb, "%%%s = ", in.name)
	}
	sb.WriteString(in.op.String())
	switch in.op {
	case OpICmp, OpFCmp:
		sb.WriteString(" " + in.Pred.String())
	case OpAlloca:
		sb.WriteString(" " + in.Allocated.String())
		return sb.String()
	case OpCall:
		fmt.Fprintf(&sb, " %s", in.Callee.Name())
	case OpPhi:
		for i, v := range in.args {
			if i > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, " [%s, %%%s]", operandString(v), in.IncomingBlocks[i].Name())
		}
		return sb.String()
	case OpBr:
		fmt.Fprintf(&sb, " label %%%s", in.Succs[0].Name())
		return sb.String()
	case OpCondBr:
		fmt.Fprintf(&sb, " %s, label %%%s, label %%%s",
			operandString(in.args[0]), in.Succs[0].Name(), in.Succs[1].Name())
		return sb.String()
	case OpSwitch:
		fmt.Fprintf(&sb, " %s, label %%%s [", operandString(in.args[0]), in.Succs[0].Name())
		for i, c := range in.Cases {
			if i > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "%d: %%%s", c, in.Succs[i+1].Name())
		}
		sb.WriteString("]")
		return sb.String()
	}
	for i, v := range in.args {
		if i == 0 {
			sb.WriteString(" ")
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(operandString(v))
	}
	for _, idx := range in.Indices {
		fmt.Fprintf(&sb, ", %d", idx)
	}
	if len(in.Mask) > 0 {
		fmt.Fprintf(&sb, ", mask %v", in.Mask)
	}
	if len(in.meta) > 0 {
		keys := make([]string, 0, len(in.meta))
		for k := range in.meta {
			keys = append(keys, k)
		}
		// Deterministic metadata rendering.
		slices.Sort(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, " !%s(%s)", k, in.meta[k])
		}
	}
	return sb.String()
}

func operandString(v Value) string {
	switch vt := v.(type) {
	case *Instr:
		return "%" + vt.Name()
	case *Param:
		return "%" + vt.Name()
	case Constant:
		return vt.String()
	case *Global:
		return "@" + vt.Name()
	case *Func:
		return "@" + vt.Name()
	}
	return v.String()
}

// Dump returns the full textual listing of the function.
func (f *Func) Dump() string {
	var sb strings.Builder
	params := make([]string, len(f.params))
	for i, p := range f.params {
		params[i] = fmt.Sprintf("%s %%%s", p.Type(), p.Name())
	}
	fmt.Fprintf(&sb, "func %s @%s(%s) {\n", f.typ.Result, f.name, strings.Join(params, ", "))
	for _, b := range f.Blocks {
		fmt.Fprintf(&sb, "%s:\n", b.Name())
		for _, in := range b.Instrs {
			fmt.Fprintf(&sb, "  %s\n", in.String())
		}
	}
	sb.WriteString("}\n")
	return sb.String()
}

// Dump returns the full textual listing of the module.
func (m *Module) Dump() string {
	var sb strings.Builder
	for g := range m.Globals() {
		fmt.Fprintf(&sb, "global @%s %s\n", g.Name(), g.Elem())
	}
	for f := range m.Funcs() {
		if f.IsDeclaration() {
			fmt.Fprintf(&sb, "declare %s @%s\n", f.typ, f.name)
			continue
		}
		sb.WriteString(f.Dump())
	}
	return sb.String()
}
