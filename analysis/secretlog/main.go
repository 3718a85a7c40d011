// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Command secretlog reports log, print and error-formatting calls whose
// arguments reference identity tokens or private key material.
//
// Usage: secretlog <repo-root>
package main

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// sinks are the selector names treated as output. Matching is by name, so
// slog, fmt, log and testing-style helpers are all covered.
var sinks = map[string]bool{
	"Debug": true, "Info": true, "Warn": true, "Error": true,
	"Print": true, "Printf": true, "Println": true,
	"Fprint": true, "Fprintf": true, "Fprintln": true,
	"Errorf": true, "Sprintf": true, "Sprint": true,
}

// secrets are identifiers whose values must never reach a sink.
var secrets = map[string]bool{
	"Token":       true,
	"AccessToken": true,
	"IDToken":     true,
	"TokenSecret": true,
	"secret":      true,
	"priv":        true,
	"Private":     true,
	"privateKey":  true,
}

// skipDirs are not scanned.
var skipDirs = map[string]bool{
	"_examples": true, "vendor": true, ".git": true, "testdata": true, "analysis": true,
}

type finding struct {
	pos  token.Position
	call string
	name string
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: secretlog <repo-root>")
		os.Exit(1)
	}

	findings, files, err := scan(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Secret Logging Analysis\n")
	fmt.Printf("=======================\n")
	fmt.Printf("Files checked: %d\n\n", files)
	if len(findings) == 0 {
		fmt.Println("No issues found.")
		return
	}
	fmt.Printf("Potential issues: %d\n\n", len(findings))
	for _, f := range findings {
		fmt.Printf("%s\n  %s(...) references %s\n\n", f.pos, f.call, f.name)
	}
	os.Exit(1)
}

func scan(root string) ([]finding, int, error) {
	fset := token.NewFileSet()
	var findings []finding
	files := 0

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
			return nil
		}
		f, err := parser.ParseFile(fset, path, nil, parser.SkipObjectResolution)
		if err != nil {
			return err
		}
		files++
		findings = append(findings, check(fset, f)...)
		return nil
	})
	return findings, files, err
}

func check(fset *token.FileSet, f *ast.File) []finding {
	var out []finding
	ast.Inspect(f, func(n ast.Node) bool {
		call, ok := n.(*ast.CallExpr)
		if !ok {
			return true
		}
		sel, ok := call.Fun.(*ast.SelectorExpr)
		if !ok || !sinks[sel.Sel.Name] {
			return true
		}
		for _, arg := range call.Args {
			if name := secretRef(arg); name != "" {
				out = append(out, finding{pos: fset.Position(call.Pos()), call: sel.Sel.Name, name: name})
				break
			}
		}
		return true
	})
	return out
}

// secretRef returns the first secret identifier referenced by e. Method
// calls on a secret (len, String on a redacting type) are not followed.
func secretRef(e ast.Expr) string {
	var found string
	ast.Inspect(e, func(n ast.Node) bool {
		if found != "" {
			return false
		}
		switch x := n.(type) {
		case *ast.CallExpr:
			return false
		case *ast.BasicLit:
			return false
		case *ast.SelectorExpr:
			if secrets[x.Sel.Name] {
				found = x.Sel.Name
				return false
			}
		case *ast.Ident:
			if secrets[x.Name] {
				found = x.Name
			}
		}
		return true
	})
	return found
}
