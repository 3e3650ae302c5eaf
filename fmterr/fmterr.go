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

// Package fmterr formats and accumulates errors attached to IR positions.
package fmterr

import (
	"fmt"

	"github.com/pkg/errors"
)

type (
	// Node is a position in the IR an error can be attached to.
	// Instructions, blocks and functions all implement it.
	Node interface {
		String() string
	}

	// ErrorAt is an error attached to an IR node.
	ErrorAt interface {
		error
		At() Node
		Err() error
	}

	errorAt struct {
		at  Node
		err error
	}
)

// Position attaches IR position information to an error.
func Position(at Node, err error) ErrorAt {
	return errorAt{at: at, err: err}
}

// Errorf returns a formatted error attached to an IR node.
func Errorf(at Node, format string, a ...any) error {
	return Position(at, errors.Errorf(format, a...))
}

// Internal marks an error as internal. Internal errors indicate a bug
// in the transform or in one of its analyses, never in the input program.
func Internal(err error) error {
	return fmt.Errorf("internal error in the differentiation transform. This is a bug. Error:\n%+v", err)
}

// Internalf returns a formatted internal error attached to an IR node.
func Internalf(at Node, format string, a ...any) error {
	return Internal(Errorf(at, format, a...))
}

// Error returns a string description of the error.
func (err errorAt) Error() string {
	if err.at == nil {
		return err.err.Error()
	}
	return fmt.Sprintf("at %s: %s", err.at.String(), err.err.Error())
}

// Unwrap the error.
func (err errorAt) Unwrap() error {
	return err.err
}

// At returns the IR node the error is attached to.
func (err errorAt) At() Node {
	return err.at
}

// Err returns the underlying error.
func (err errorAt) Err() error {
	return err.err
}
