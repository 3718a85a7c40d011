// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

package main

import (
	"go/parser"
	"go/token"
	"os"
	"path/filepath"
	"testing"
)

const sample = `package p

import (
	"fmt"
	"log/slog"
)

type assertion struct{ Token string }

func f(a assertion, secret []byte, log *slog.Logger) error {
	log.Info("login", "provider", "google")
	log.Debug("login", "token", a.Token)
	_ = fmt.Sprintf("%d bytes", len(secret))
	return fmt.Errorf("bad secret %x", secret)
}
`

func TestCheck(t *testing.T) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "p.go", sample, 0)
	if err != nil {
		t.Fatal(err)
	}
	got := check(fset, f)
	if len(got) != 2 {
		t.Fatalf("findings = %+v, want 2", got)
	}
	if got[0].call != "Debug" || got[0].name != "Token" || got[0].pos.Line != 12 {
		t.Errorf("first finding = %+v", got[0])
	}
	if got[1].call != "Errorf" || got[1].name != "secret" {
		t.Errorf("second finding = %+v", got[1])
	}
}

func TestScanSkipsTestsAndExamples(t *testing.T) {
	root := t.TempDir()
	write := func(rel string) {
		t.Helper()
		path := filepath.Join(root, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	write("internal/p/p.go")
	write("internal/p/p_test.go")
	write("_examples/other/p.go")

	findings, files, err := scan(root)
	if err != nil {
		t.Fatal(err)
	}
	if files != 1 || len(findings) != 2 {
		t.Errorf("scan = %d files, %d findings", files, len(findings))
	}
}
