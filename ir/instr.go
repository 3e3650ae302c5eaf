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

// Op is an instruction opcode.
type Op uint8

// All opcodes.
const (
	OpInvalid Op = iota

	// Memory.
	OpAlloca
	OpLoad
	OpStore
	OpGEP

	// Float arithmetic.
	OpFAdd
	OpFSub
	OpFMul
	OpFDiv

	// Integer arithmetic and bit operations.
	OpAdd
	OpSub
	OpMul
	OpAnd
	OpOr
	OpXor
	OpShl
	OpLShr
	OpAShr

	// Comparisons and selection.
	OpICmp
	OpFCmp
	OpSelect

	// Control-flow values.
	OpPhi
	OpCall

	// Casts.
	OpBitCast
	OpTrunc
	OpZExt
	OpSExt
	OpFPTrunc
	OpFPExt
	OpPtrToInt
	OpIntToPtr
	OpSIToFP
	OpUIToFP
	OpFPToSI
	OpFPToUI

	// Aggregates and vectors.
	OpExtractValue
	OpInsertValue
	OpExtractElement
	OpInsertElement
	OpShuffleVector

	// Terminators.
	OpRet
	OpBr
	OpCondBr
	OpSwitch
	OpUnreachable
)

var opNames = [...]string{
	OpInvalid: "invalid",
	OpAlloca:  "alloca", OpLoad: "load", OpStore: "store", OpGEP: "getelementptr",
	OpFAdd: "fadd", OpFSub: "fsub", OpFMul: "fmul", OpFDiv: "fdiv",
	OpAdd: "add", OpSub: "sub", OpMul: "mul",
	OpAnd: "and", OpOr: "or", OpXor: "xor",
	OpShl: "shl", OpLShr: "lshr", OpAShr: "ashr",
	OpICmp: "icmp", OpFCmp: "fcmp", OpSelect: "select",
	OpPhi: "phi", OpCall: "call",
	OpBitCast: "bitcast", OpTrunc: "trunc", OpZExt: "zext", OpSExt: "sext",
	OpFPTrunc: "fptrunc", OpFPExt: "fpext",
	OpPtrToInt: "ptrtoint", OpIntToPtr: "inttoptr",
	OpSIToFP: "sitofp", OpUIToFP: "uitofp", OpFPToSI: "fptosi", OpFPToUI: "fptoui",
	OpExtractValue: "extractvalue", OpInsertValue: "insertvalue",
	OpExtractElement: "extractelement", OpInsertElement: "insertelement",
	OpShuffleVector: "shufflevector",
	OpRet:           "ret", OpBr: "br", OpCondBr: "br", OpSwitch: "switch",
	OpUnreachable: "unreachable",
}

// String returns the textual opcode mnemonic.
func (op Op) String() string {
	if int(op) < len(opNames) {
		return opNames[op]
	}
	return "op?"
}

// IsCast reports whether the opcode is a cast.
func (op Op) IsCast() bool {
	return op >= OpBitCast && op <= OpFPToUI
}

// IsTerminator reports whether the opcode terminates a block.
func (op Op) IsTerminator() bool {
	return op >= OpRet && op <= OpUnreachable
}

// CmpPred is a comparison predicate for icmp and fcmp.
type CmpPred uint8

// Comparison predicates. The O prefix marks ordered float comparisons.
const (
	PredEQ CmpPred = iota
	PredNE
	PredSLT
	PredSLE
	PredSGT
	PredSGE
	PredULT
	PredOEQ
	PredONE
	PredOLT
	PredOLE
	PredOGT
	PredOGE
)

var predNames = [...]string{
	PredEQ: "eq", PredNE: "ne",
	PredSLT: "slt", PredSLE: "sle", PredSGT: "sgt", PredSGE: "sge", PredULT: "ult",
	PredOEQ: "oeq", PredONE: "one", PredOLT: "olt", PredOLE: "ole", PredOGT: "ogt", PredOGE: "oge",
}

func (p CmpPred) String() string {
	if int(p) < len(predNames) {
		return predNames[p]
	}
	return "pred?"
}

// AttrSet is a bit set of parameter, return, or function attributes.
type AttrSet uint16

// All attributes.
const (
	AttrReadOnly AttrSet = 1 << iota
	AttrReadNone
	AttrWriteOnly
	AttrNoCapture
	AttrNoAlias
	AttrNonNull
	AttrSRet
	AttrReturned
)

// Has reports whether all the given bits are set.
func (a AttrSet) Has(bits AttrSet) bool { return a&bits == bits }

// With returns the set with extra bits set.
func (a AttrSet) With(bits AttrSet) AttrSet { return a | bits }

// Without returns the set with the given bits cleared.
func (a AttrSet) Without(bits AttrSet) AttrSet { return a &^ bits }

// Metadata keys understood by the transform.
const (
	// MetaActivityInst marks an instruction as differentially active or constant.
	MetaActivityInst = "grad_activity_inst"
	// MetaActivityValue marks a value as differentially active or constant.
	MetaActivityValue = "grad_activity_value"
	// MetaMustCache pins a tape read against later optimization.
	MetaMustCache = "grad_mustcache"
	// MetaTBAA carries type-based alias information through the transform.
	MetaTBAA = "tbaa"
)

// Instr is a single IR instruction. Instructions producing a value are
// themselves that Value.
type Instr struct {
	op   Op
	typ  Type
	name string
	args []Value
	blk  *Block

	// IncomingBlocks are the predecessor blocks of a phi, parallel to args.
	IncomingBlocks []*Block
	// Indices of extractvalue / insertvalue.
	Indices []int
	// Mask of a shufflevector.
	Mask []int
	// Callee of a call.
	Callee Value
	// Pred of an icmp or fcmp.
	Pred CmpPred
	// Cases of a switch, parallel to Succs[1:].
	Cases []int64
	// Succs are the successor blocks of a terminator. For a conditional
	// branch, Succs[0] is the then-block. For a switch, Succs[0] is the
	// default block.
	Succs []*Block

	// Allocated is the element type of an alloca.
	Allocated Type

	// Align is the alignment of a load or store, 0 if natural.
	Align int
	// Volatile marks a volatile memory access.
	Volatile bool
	// Atomic marks an atomic memory access ordering, empty if none.
	Atomic string
	// SyncScope of an atomic access, empty if none.
	SyncScope string

	meta map[string]string
}

// Op returns the opcode.
func (in *Instr) Op() Op { return in.op }

// Type of the value produced by the instruction, Void if none.
func (in *Instr) Type() Type { return in.typ }

// Name of the value produced by the instruction.
func (in *Instr) Name() string { return in.name }

// Block containing the instruction, nil if detached.
func (in *Instr) Block() *Block { return in.blk }

// Func containing the instruction, nil if detached.
func (in *Instr) Func() *Func {
	if in.blk == nil {
		return nil
	}
	return in.blk.fn
}

// Args returns the operands of the instruction.
func (in *Instr) Args() []Value { return in.args }

// Arg returns the i-th operand.
func (in *Instr) Arg(i int) Value { return in.args[i] }

// NumArgs returns the number of operands.
func (in *Instr) NumArgs() int { return len(in.args) }

// SetArg replaces the i-th operand.
func (in *Instr) SetArg(i int, v Value) { in.args[i] = v }

// IsTerminator reports whether the instruction terminates its block.
func (in *Instr) IsTerminator() bool { return in.op.IsTerminator() }

// SetMeta attaches a metadata string to the instruction.
func (in *Instr) SetMeta(key, value string) {
	if in.meta == nil {
		in.meta = make(map[string]string)
	}
	in.meta[key] = value
}

// Meta returns the metadata attached under a key.
func (in *Instr) Meta(key string) (string, bool) {
	v, ok := in.meta[key]
	return v, ok
}

// ClearMeta removes a metadata key.
func (in *Instr) ClearMeta(key string) {
	delete(in.meta, key)
}

// CopyMetaFrom copies all metadata entries from another instruction.
func (in *Instr) CopyMetaFrom(src *Instr) {
	for k, v := range src.meta {
		in.SetMeta(k, v)
	}
}

// AddIncoming adds an incoming (value, predecessor) edge to a phi.
func (in *Instr) AddIncoming(v Value, pred *Block) {
	in.args = append(in.args, v)
	in.IncomingBlocks = append(in.IncomingBlocks, pred)
}

// IncomingFor returns the incoming value for a given predecessor of a phi.
func (in *Instr) IncomingFor(pred *Block) (Value, bool) {
	for i, b := range in.IncomingBlocks {
		if b == pred {
			return in.args[i], true
		}
	}
	return nil, false
}

// CalledFunc returns the directly called function of a call instruction,
// nil for indirect calls or non-calls.
func (in *Instr) CalledFunc() *Func {
	fn, _ := in.Callee.(*Func)
	return fn
}

// CallArgs returns the arguments of a call instruction.
func (in *Instr) CallArgs() []Value { return in.args }
