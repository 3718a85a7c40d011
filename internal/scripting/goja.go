// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package scripting

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"
)

// GojaRunner implements Runner using the Goja JavaScript interpreter.
type GojaRunner struct {
	vm     *goja.Runtime
	output func(string)
}

// NewGojaRunner creates a new Goja-based script runner with a console
// object whose log/info/error methods write to the output function.
func NewGojaRunner() *GojaRunner {
	r := &GojaRunner{
		output: func(s string) {}, // Default: discard output
	}

	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	console := vm.NewObject()
	logFn := func(call goja.FunctionCall) goja.Value {
		parts := make([]string, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.String()
		}
		r.output(strings.Join(parts, " "))
		return goja.Undefined()
	}
	for _, name := range []string{"log", "info", "warn", "error"} {
		if err := console.Set(name, logFn); err != nil {
			// Registration errors are programming bugs, not runtime errors
			panic("failed to register console." + name + ": " + err.Error())
		}
	}
	if err := vm.Set("console", console); err != nil {
		panic("failed to register console: " + err.Error())
	}

	r.vm = vm
	return r
}

// Run executes JavaScript code and returns the result.
func (r *GojaRunner) Run(ctx context.Context, code string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	stop := context.AfterFunc(ctx, r.Interrupt)
	defer func() {
		stop()
		r.vm.ClearInterrupt()
	}()

	result, err := r.vm.RunString(code)
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Result{}, ctxErr
			}
			return Result{}, &ScriptError{Message: "script interrupted"}
		}
		// Convert Goja exceptions to regular errors with clean messages
		var jsErr *goja.Exception
		if errors.As(err, &jsErr) {
			return Result{}, &ScriptError{Message: jsErr.String()}
		}
		return Result{}, fmt.Errorf("script failed: %w", err)
	}

	// Check for empty/void results
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return Result{IsEmpty: true}, nil
	}

	return Result{Value: result.Export()}, nil
}

// Set binds value to the global name.
func (r *GojaRunner) Set(name string, value interface{}) error {
	return r.vm.Set(name, value)
}

// SetOutput sets the function used for console output.
func (r *GojaRunner) SetOutput(fn func(string)) {
	if fn == nil {
		r.output = func(s string) {}
	} else {
		r.output = fn
	}
}

// Interrupt stops the currently running script.
// Safe to call from another goroutine (e.g., for timeout enforcement).
func (r *GojaRunner) Interrupt() {
	r.vm.Interrupt("script interrupted")
}

// Runtime returns the underlying Goja runtime.
// Use sparingly - prefer the Runner interface for portability.
func (r *GojaRunner) Runtime() *goja.Runtime {
	return r.vm
}

// Compile-time interface check
var _ Runner = (*GojaRunner)(nil)
