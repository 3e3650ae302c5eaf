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

import "testing"

func TestDomTreeDiamond(t *testing.T) {
	f := buildDiamond("f")
	entry := f.BlockNamed("entry")
	then := f.BlockNamed("then")
	els := f.BlockNamed("else")
	join := f.BlockNamed("join")

	dt := BuildDomTree(f)
	if got := dt.Idom(entry); got != entry {
		t.Errorf("Idom(entry) = %s, want entry itself", got.Name())
	}
	if got := dt.Idom(then); got != entry {
		t.Errorf("Idom(then) = %s, want entry", got.Name())
	}
	// Neither arm dominates the join: the other arm reaches it too.
	if got := dt.Idom(join); got != entry {
		t.Errorf("Idom(join) = %s, want entry", got.Name())
	}

	tests := []struct {
		a, b *Block
		want bool
	}{
		{entry, entry, true},
		{entry, join, true},
		{entry, els, true},
		{then, join, false},
		{els, join, false},
		{join, then, false},
		{join, join, true},
	}
	for _, test := range tests {
		if got := dt.Dominates(test.a, test.b); got != test.want {
			t.Errorf("Dominates(%s, %s) = %v, want %v", test.a.Name(), test.b.Name(), got, test.want)
		}
	}
}

func TestInstrDominates(t *testing.T) {
	f := buildDiamond("f")
	entry := f.BlockNamed("entry")
	then := f.BlockNamed("then")
	join := f.BlockNamed("join")
	dt := BuildDomTree(f)

	condbr := entry.Terminator()
	mul := then.Instrs[0]
	phi := join.Instrs[0]
	ret := join.Terminator()

	if !dt.InstrDominates(condbr, mul) {
		t.Errorf("an entry instruction does not dominate the then-arm")
	}
	if dt.InstrDominates(mul, phi) {
		t.Errorf("the then-arm dominates the join")
	}
	if !dt.InstrDominates(phi, ret) {
		t.Errorf("in-block order lost: the phi does not dominate the ret")
	}
	if dt.InstrDominates(ret, phi) {
		t.Errorf("in-block order lost: the ret dominates the phi")
	}
}

func TestReversePostorder(t *testing.T) {
	f := buildDiamond("f")
	po := ReversePostorder(f)
	if len(po) != 4 {
		t.Fatalf("ReversePostorder visited %d blocks, want 4", len(po))
	}
	if po[0] != f.Entry() {
		t.Errorf("order starts at %s, want entry", po[0].Name())
	}
	if po[3].Name() != "join" {
		t.Errorf("order ends at %s, want join", po[3].Name())
	}
	// Blocks with no path from the entry are not visited.
	f.NewBlock("island")
	b := NewBuilder(f)
	b.SetInsertAtEnd(f.BlockNamed("island"))
	b.CreateUnreachable()
	if got := len(ReversePostorder(f)); got != 4 {
		t.Errorf("ReversePostorder visited %d blocks, want the 4 reachable ones", got)
	}
}
