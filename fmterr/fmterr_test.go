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

package fmterr

import (
	"strings"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// node is a minimal IR position for the tests.
type node string

func (n node) String() string { return string(n) }

func TestErrorf(t *testing.T) {
	err := Errorf(node("%loop_header"), "boom %d", 7)
	if got, want := err.Error(), "at %loop_header: boom 7"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	at, ok := err.(ErrorAt)
	if !ok {
		t.Fatalf("Errorf did not return an ErrorAt")
	}
	if at.At() != node("%loop_header") {
		t.Errorf("At() = %v", at.At())
	}
	if at.Err() == nil || at.Err().Error() != "boom 7" {
		t.Errorf("Err() = %v, want the bare error", at.Err())
	}
}

func TestPositionNilNode(t *testing.T) {
	err := Position(nil, errors.New("plain"))
	if got := err.Error(); got != "plain" {
		t.Errorf("Error() without a node = %q, want %q", got, "plain")
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("root cause")
	err := Position(node("%b"), inner)
	if !errors.Is(err, inner) {
		t.Errorf("Position does not unwrap to its cause")
	}
}

func TestInternal(t *testing.T) {
	err := Internalf(node("%b"), "slot %d missing", 3)
	if !strings.Contains(err.Error(), "This is a bug") {
		t.Errorf("internal error does not flag itself as a bug: %v", err)
	}
	if !strings.Contains(err.Error(), "slot 3 missing") {
		t.Errorf("internal error drops its message: %v", err)
	}
}

func TestAppender(t *testing.T) {
	app := NewAppender()
	if !app.Empty() {
		t.Errorf("a fresh appender is not empty")
	}
	if got, want := app.String(), "<no errors>"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if app.Appendf(node("%a"), "first") {
		t.Errorf("Appendf returned true")
	}
	app.Appendf(node("%b"), "second")
	app.Warnf(node("%c"), "degenerate input")

	if app.Empty() {
		t.Errorf("an appender with errors reports empty")
	}
	if got := multierr.Errors(app.Error()); len(got) != 2 {
		t.Errorf("accumulated %d errors, want 2: %v", len(got), got)
	}
	if got := app.Warnings(); len(got) != 1 || !strings.Contains(got[0].Error(), "degenerate") {
		t.Errorf("Warnings() = %v, want the one warning", got)
	}
	if !strings.Contains(app.String(), "at %a: first") {
		t.Errorf("String() = %q", app.String())
	}
}
