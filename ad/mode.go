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

// Package ad synthesizes, from a function expressed in the SSA IR, an
// augmented primal (the original computation plus a tape of intermediate
// state) and a reverse-mode gradient consuming that tape. When a function
// is differentiated top-level, the two are fused into a single combined
// function.
package ad

// DerivativeMode selects which direction of the transform an instruction
// handler emits code for.
type DerivativeMode uint8

// All derivative modes.
const (
	// Forward emits only the augmented primal edits.
	Forward DerivativeMode = iota
	// Reverse emits only the gradient edits, reading the tape produced
	// by a previous Forward pass.
	Reverse
	// Both fuses forward and reverse emission into one combined function.
	Both
)

// String returns the mode name.
func (m DerivativeMode) String() string {
	switch m {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	case Both:
		return "both"
	}
	return "mode?"
}
