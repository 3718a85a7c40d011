// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package scripting

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestGojaRunnerRun(t *testing.T) {
	tests := []struct {
		name      string
		code      string
		wantEmpty bool
		want      interface{}
	}{
		{"number", "1 + 2", false, int64(3)},
		{"string", "'a' + 'b'", false, "ab"},
		{"undefined", "var x = 1;", true, nil},
		{"null", "null", true, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewGojaRunner()
			got, err := r.Run(context.Background(), tt.code)
			if err != nil {
				t.Fatalf("Run(%q) error: %v", tt.code, err)
			}
			if got.IsEmpty != tt.wantEmpty {
				t.Errorf("IsEmpty = %v, want %v", got.IsEmpty, tt.wantEmpty)
			}
			if !tt.wantEmpty && got.Value != tt.want {
				t.Errorf("Value = %#v, want %#v", got.Value, tt.want)
			}
		})
	}
}

func TestGojaRunnerConsole(t *testing.T) {
	r := NewGojaRunner()
	var lines []string
	r.SetOutput(func(s string) { lines = append(lines, s) })

	if _, err := r.Run(context.Background(), `console.log("hello", 42); console.error("bad")`); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if strings.Join(lines, "|") != "hello 42|bad" {
		t.Errorf("output = %q", lines)
	}
}

func TestGojaRunnerException(t *testing.T) {
	r := NewGojaRunner()
	_, err := r.Run(context.Background(), `throw new Error("nope")`)
	var se *ScriptError
	if !errors.As(err, &se) {
		t.Fatalf("Run error = %v, want *ScriptError", err)
	}
	if !strings.Contains(se.Message, "nope") {
		t.Errorf("message = %q", se.Message)
	}
}

func TestGojaRunnerAsyncDrained(t *testing.T) {
	r := NewGojaRunner()
	var got []string
	if err := r.Set("record", func(s string) { got = append(got, s) }); err != nil {
		t.Fatalf("Set error: %v", err)
	}

	code := `
const go = async () => {
  const v = await Promise.resolve("async-done");
  record(v);
};
go();
`
	if _, err := r.Run(context.Background(), code); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(got) != 1 || got[0] != "async-done" {
		t.Errorf("recorded = %v, want [async-done]", got)
	}
}

func TestGojaRunnerContextCancel(t *testing.T) {
	r := NewGojaRunner()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, `for (;;) {}`)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run error = %v, want DeadlineExceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("Run took %s after cancel", time.Since(start))
	}
}

func TestGojaRunnerCancelledBeforeRun(t *testing.T) {
	r := NewGojaRunner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Run(ctx, "1"); !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want Canceled", err)
	}
}
