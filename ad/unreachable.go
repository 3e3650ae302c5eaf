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

import "github.com/gradir-org/gradir/ir"

// guaranteedUnreachable returns the blocks from which no path reaches a
// return. The reverse pass never visits them, so no adjoint code is built
// for them. Blocks that return are never in the set.
func guaranteedUnreachable(fn *ir.Func) map[*ir.Block]bool {
	reaches := make(map[*ir.Block]bool)
	for changed := true; changed; {
		changed = false
		for _, b := range fn.Blocks {
			if reaches[b] {
				continue
			}
			term := b.Terminator()
			if term == nil {
				continue
			}
			ok := term.Op() == ir.OpRet
			for _, s := range b.Succs() {
				if reaches[s] {
					ok = true
					break
				}
			}
			if ok {
				reaches[b] = true
				changed = true
			}
		}
	}
	out := make(map[*ir.Block]bool)
	for _, b := range fn.Blocks {
		if !reaches[b] {
			out[b] = true
		}
	}
	return out
}
