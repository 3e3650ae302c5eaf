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
	"go.uber.org/multierr"
)

type (
	// ErrAppender accumulates errors.
	ErrAppender interface {
		// Err returns the accumulator.
		Err() *Appender
	}

	// Appender accumulates errors and warnings raised by a transform.
	// Errors are fatal for the transform as a whole; warnings record
	// degenerate inputs that were silently corrected.
	Appender struct {
		errs  error
		warns []error
	}
)

// NewAppender returns a new empty error accumulator.
func NewAppender() *Appender {
	return &Appender{}
}

// Append an error to the accumulated set. Always returns false so that
// callers can report failure and append in a single statement.
func (app *Appender) Append(err error) bool {
	app.errs = multierr.Append(app.errs, err)
	return false
}

// Appendf appends an error at a position.
func (app *Appender) Appendf(at Node, format string, a ...any) bool {
	return app.Append(Errorf(at, format, a...))
}

// AppendInternalf appends an internal error at a position.
func (app *Appender) AppendInternalf(at Node, format string, a ...any) bool {
	return app.Append(Internalf(at, format, a...))
}

// Warnf records a recoverable degeneracy. The transform continues.
func (app *Appender) Warnf(at Node, format string, a ...any) {
	app.warns = append(app.warns, Errorf(at, format, a...))
}

// Error returns the accumulated errors, or nil if none were appended.
func (app *Appender) Error() error {
	return app.errs
}

// Warnings returns the recorded warnings.
func (app *Appender) Warnings() []error {
	return app.warns
}

// Empty returns true if no error has been appended.
func (app *Appender) Empty() bool {
	return app.errs == nil
}

// String representation of the accumulated errors.
func (app *Appender) String() string {
	if app.errs == nil {
		return "<no errors>"
	}
	return app.errs.Error()
}
