// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Package scripting provides interfaces and implementations for script execution.
// It abstracts the underlying VM behind a common interface so signing
// actions can be run by emulated nodes.
package scripting

import "context"

// ScriptError represents an error that occurred during script execution.
type ScriptError struct {
	Message string
}

func (e *ScriptError) Error() string {
	return e.Message
}

// Result holds the outcome of running a script.
type Result struct {
	// Value is the exported result value (nil if IsEmpty is true)
	Value interface{}
	// IsEmpty is true if the script returned undefined/null/void
	IsEmpty bool
}

// Runner is the low-level VM abstraction for executing scripts.
//
// A Runner is not safe for concurrent Run calls; create one per execution.
type Runner interface {
	// Run executes the given code and returns the result. Pending promise
	// jobs are drained before Run returns. Cancelling ctx interrupts the
	// script.
	Run(ctx context.Context, code string) (Result, error)

	// Set binds a Go value to a global name.
	Set(name string, value interface{}) error

	// SetOutput sets the function used for console.log() output.
	SetOutput(fn func(string))

	// Interrupt stops the currently running script.
	// Safe to call from another goroutine.
	Interrupt()
}
