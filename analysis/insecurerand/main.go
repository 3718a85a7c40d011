// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (C) 2026 aPlane Authors

// Command insecurerand reports math/rand imports in packages that derive
// keys, nonces or signature shares. Those must use crypto/rand.
//
// Usage: insecurerand <repo-root>
package main

import (
	"fmt"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// criticalDirs never use math/rand.
var criticalDirs = []string{
	"internal/ethkey",
	"internal/litnode",
	"internal/signer",
	"internal/emulator",
}

var insecureImports = map[string]bool{
	"math/rand":    true,
	"math/rand/v2": true,
}

type finding struct {
	pos  token.Position
	path string
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: insecurerand <repo-root>")
		os.Exit(1)
	}

	findings, files, err := scan(os.Args[1], criticalDirs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Insecure Random Analysis\n")
	fmt.Printf("========================\n")
	fmt.Printf("Files checked: %d\n", files)
	fmt.Printf("Critical directories: %v\n\n", criticalDirs)
	if len(findings) == 0 {
		fmt.Println("No issues found.")
		return
	}
	fmt.Printf("Potential issues: %d\n\n", len(findings))
	for _, f := range findings {
		fmt.Printf("%s\n  imports %q; use crypto/rand\n\n", f.pos, f.path)
	}
	os.Exit(1)
}

func scan(root string, dirs []string) ([]finding, int, error) {
	fset := token.NewFileSet()
	var findings []finding
	files := 0

	for _, dir := range dirs {
		err := filepath.WalkDir(filepath.Join(root, dir), func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return filepath.SkipDir
				}
				return err
			}
			// Tests may seed deterministic fixtures.
			if d.IsDir() || !strings.HasSuffix(path, ".go") || strings.HasSuffix(path, "_test.go") {
				return nil
			}
			f, err := parser.ParseFile(fset, path, nil, parser.ImportsOnly)
			if err != nil {
				return err
			}
			files++
			for _, imp := range f.Imports {
				p, _ := strconv.Unquote(imp.Path.Value)
				if insecureImports[p] {
					findings = append(findings, finding{pos: fset.Position(imp.Pos()), path: p})
				}
			}
			return nil
		})
		if err != nil {
			return nil, files, fmt.Errorf("walking %s: %w", dir, err)
		}
	}
	return findings, files, nil
}
